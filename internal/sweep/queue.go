package sweep

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/sweeper/internal/timeutil"
)

// EntryKind tags a queue entry.
type EntryKind string

const (
	EntrySweep    EntryKind = "sweep"
	EntryContext  EntryKind = "context"
	EntryCallback EntryKind = "callback"
)

// Entry is one queued job: a sweep, a switch of persistence context, or an
// arbitrary callback.
type Entry struct {
	ID    string
	Kind  EntryKind
	Label string

	Sweep Sweep

	Database   string
	Experiment string
	Sample     string

	Fn func(ctx context.Context) error
}

// SweepJob queues a sweep.
func SweepJob(s Sweep) *Entry {
	return &Entry{ID: uuid.NewString(), Kind: EntrySweep, Label: s.Name(), Sweep: s}
}

// ContextSwitch queues a change of database, experiment and sample.
func ContextSwitch(database, experiment, sample string) *Entry {
	return &Entry{
		ID:         uuid.NewString(),
		Kind:       EntryContext,
		Label:      fmt.Sprintf("%s/%s/%s", database, experiment, sample),
		Database:   database,
		Experiment: experiment,
		Sample:     sample,
	}
}

// Callback queues fn. An error from fn stops the queue.
func Callback(label string, fn func(ctx context.Context) error) *Entry {
	return &Entry{ID: uuid.NewString(), Kind: EntryCallback, Label: label, Fn: fn}
}

// EntryInfo is the serializable view of an entry.
type EntryInfo struct {
	ID      string    `json:"id"`
	Kind    EntryKind `json:"kind"`
	Label   string    `json:"label"`
	SweepID string    `json:"sweep_id,omitempty"`
	State   State     `json:"state,omitempty"`
}

// QueueStatus is the effective state of a queue.
type QueueStatus string

const (
	QueueIdle    QueueStatus = "idle"
	QueuePending QueueStatus = "pending"
	QueueRunning QueueStatus = "running"
	QueuePaused  QueueStatus = "paused"
	QueueStopped QueueStatus = "stopped"
	QueueKilled  QueueStatus = "killed"
)

// QueueConfig sets the waits between entries.
type QueueConfig struct {
	InterDelay  time.Duration `json:"inter_delay"`
	PostDBDelay time.Duration `json:"post_db_delay"`
}

// Queue runs entries one at a time in FIFO order. Processing happens on
// the engine dispatcher; sweeps are started queued so the concurrency check
// does not apply to them.
type Queue struct {
	e   *Engine
	cfg QueueConfig

	mu          sync.Mutex
	entries     []*Entry
	running     bool
	stopped     bool
	killed      bool
	current     *Entry
	unsubscribe func()
	lastErr     error
	gen         int
	idle        chan struct{}
	timer       timeutil.Timer
}

// NewQueue returns an empty queue bound to e.
func (e *Engine) NewQueue(cfg QueueConfig) *Queue {
	return &Queue{e: e, cfg: cfg}
}

// Append adds entries to the end of the queue.
func (q *Queue) Append(entries ...*Entry) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, ent := range entries {
		if ent == nil {
			continue
		}
		if ent.ID == "" {
			ent.ID = uuid.NewString()
		}
		q.entries = append(q.entries, ent)
	}
}

// Remove drops a waiting entry. The entry being processed cannot be
// removed.
func (q *Queue) Remove(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.current != nil && q.current.ID == id {
		return false
	}
	for _, ent := range q.entries {
		if ent.ID == id {
			q.removeLocked(ent)
			return true
		}
	}
	return false
}

// Len returns the number of entries not yet consumed, including the one
// being processed.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Entries returns a view of the remaining entries.
func (q *Queue) Entries() []EntryInfo {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]EntryInfo, 0, len(q.entries))
	for _, ent := range q.entries {
		info := EntryInfo{ID: ent.ID, Kind: ent.Kind, Label: ent.Label}
		if ent.Sweep != nil {
			info.SweepID = ent.Sweep.ID()
			info.State = ent.Sweep.Progress().State
		}
		out = append(out, info)
	}
	return out
}

// Current returns the sweep being run, or nil.
func (q *Queue) Current() Sweep {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.current == nil {
		return nil
	}
	return q.current.Sweep
}

// LastError returns the error that stopped the queue, if any.
func (q *Queue) LastError() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.lastErr
}

// Status derives the effective queue state.
func (q *Queue) Status() QueueStatus {
	q.mu.Lock()
	defer q.mu.Unlock()
	switch {
	case q.killed:
		return QueueKilled
	case q.stopped:
		return QueueStopped
	case q.running:
		if q.current != nil && q.current.Sweep.Progress().State == StatePaused {
			return QueuePaused
		}
		return QueueRunning
	case len(q.entries) == 0:
		return QueueIdle
	default:
		return QueuePending
	}
}

// Start begins processing. It is a no-op while the queue is running.
func (q *Queue) Start() {
	q.mu.Lock()
	if q.running {
		q.mu.Unlock()
		return
	}
	q.running = true
	q.stopped = false
	q.killed = false
	q.lastErr = nil
	q.gen++
	g := q.gen
	q.idle = make(chan struct{})
	n := len(q.entries)
	q.mu.Unlock()

	logf("[queue] starting with %d entries", n)
	q.post(g)
}

// Pause pauses the current sweep.
func (q *Queue) Pause() error {
	cur := q.Current()
	if cur == nil {
		return errors.New("no sweep is running")
	}
	return cur.Pause()
}

// Resume resumes the current sweep.
func (q *Queue) Resume() error {
	cur := q.Current()
	if cur == nil {
		return errors.New("no sweep is running")
	}
	return cur.Resume()
}

// Kill stops processing and kills the current sweep. Remaining entries,
// the killed one included, stay queued for a later Start.
func (q *Queue) Kill() {
	q.mu.Lock()
	q.gen++
	q.killed = true
	q.stopped = false
	q.haltLocked()
	cur := q.current
	q.mu.Unlock()

	if cur != nil {
		cur.Sweep.Kill()
	}
	q.mu.Lock()
	if q.current == cur {
		q.current = nil
	}
	q.mu.Unlock()
	logf("[queue] killed")
}

// Wait blocks until the queue stops running.
func (q *Queue) Wait(ctx context.Context) error {
	q.mu.Lock()
	ch := q.idle
	running := q.running
	q.mu.Unlock()
	if !running || ch == nil {
		return nil
	}
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Queue) post(g int) {
	q.e.dispatch.Post(func() { q.next(g) })
}

func (q *Queue) schedule(g int, d time.Duration) {
	if d <= 0 {
		q.post(g)
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if g != q.gen {
		return
	}
	q.timer = q.e.opts.Clock.AfterFunc(d, func() { q.post(g) })
}

// next consumes the head entry. It runs on the dispatcher.
func (q *Queue) next(g int) {
	q.mu.Lock()
	if !q.running || g != q.gen || q.current != nil {
		q.mu.Unlock()
		return
	}
	if len(q.entries) == 0 {
		q.haltLocked()
		q.mu.Unlock()
		logf("[queue] finished")
		return
	}
	ent := q.entries[0]
	switch ent.Kind {
	case EntrySweep:
		q.current = ent
		q.mu.Unlock()
		q.startSweep(g, ent)
		return
	default:
		q.mu.Unlock()
	}

	var err error
	delay := q.cfg.InterDelay
	if ent.Kind == EntryContext {
		err = q.switchContext(ent)
		delay = q.cfg.PostDBDelay
	} else {
		err = q.runCallback(ent)
	}

	q.mu.Lock()
	q.removeLocked(ent)
	if err != nil {
		q.stopLocked(err)
		q.mu.Unlock()
		return
	}
	q.mu.Unlock()
	q.schedule(g, delay)
}

func (q *Queue) switchContext(ent *Entry) error {
	sink := q.e.Sink()
	if sink == nil {
		return errors.New("context switch: no persistence sink configured")
	}
	logf("[queue] switching to database %s, experiment %s, sample %s", ent.Database, ent.Experiment, ent.Sample)
	if err := sink.SwitchContext(context.Background(), ent.Database, ent.Experiment, ent.Sample); err != nil {
		return fmt.Errorf("context switch: %w", err)
	}
	return nil
}

func (q *Queue) runCallback(ent *Entry) (err error) {
	if ent.Fn == nil {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("callback %s panicked: %v", ent.Label, r)
		}
	}()
	if err := ent.Fn(context.Background()); err != nil {
		return fmt.Errorf("callback %s: %w", ent.Label, err)
	}
	return nil
}

func (q *Queue) startSweep(g int, ent *Entry) {
	s := ent.Sweep
	s.SetQueued(true)
	var cancel func()
	cancel = s.OnCompleted(func(p ProgressState) {
		// Subscriptions outlive a kill; fire at most once per start.
		cancel()
		q.completed(g, ent, p)
	})
	q.mu.Lock()
	q.unsubscribe = cancel
	q.mu.Unlock()

	logf("[queue] starting %s %s", s.Kind(), s.ID())
	if err := s.Start(true); err != nil {
		q.mu.Lock()
		if q.current != ent {
			// The completion handler already ran.
			q.mu.Unlock()
			return
		}
		q.current = nil
		q.unsubscribe = nil
		q.removeLocked(ent)
		q.stopLocked(fmt.Errorf("start %s: %w", s.ID(), err))
		q.mu.Unlock()
		cancel()
		s.SetQueued(false)
	}
}

// completed advances the queue after a sweep's terminal signal.
func (q *Queue) completed(g int, ent *Entry, p ProgressState) {
	q.mu.Lock()
	if q.current != ent {
		q.mu.Unlock()
		return
	}
	q.current = nil
	cancel := q.unsubscribe
	q.unsubscribe = nil

	advance := false
	switch p.State {
	case StateDone:
		q.removeLocked(ent)
		advance = q.running && g == q.gen
	case StateError:
		q.removeLocked(ent)
		q.stopLocked(fmt.Errorf("%s %s failed: %s", ent.Sweep.Kind(), ent.Sweep.ID(), p.ErrorMessage))
	default:
		q.killed = true
		q.haltLocked()
	}
	q.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	ent.Sweep.SetQueued(false)
	if advance {
		q.schedule(g, q.cfg.InterDelay)
	}
}

func (q *Queue) removeLocked(ent *Entry) {
	for i, e := range q.entries {
		if e == ent {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			return
		}
	}
}

func (q *Queue) stopLocked(err error) {
	q.lastErr = err
	q.stopped = true
	q.haltLocked()
	logf("[queue] stopped: %v", err)
}

func (q *Queue) haltLocked() {
	q.running = false
	if q.timer != nil {
		q.timer.Stop()
		q.timer = nil
	}
	if q.idle != nil {
		close(q.idle)
		q.idle = nil
	}
}
