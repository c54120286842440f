// Package control owns the sweeps created through the job-control
// surfaces and the queue that runs them. The HTTP monitor and the gRPC
// service both drive a Manager.
package control

import (
	"context"
	"fmt"
	"sync"

	"github.com/banshee-data/sweeper/internal/instrument"
	"github.com/banshee-data/sweeper/internal/monitoring"
	"github.com/banshee-data/sweeper/internal/sweep"
)

// QueueGauge receives the number of waiting queue entries.
type QueueGauge interface {
	SetQueueEntries(n int)
}

// Forgetter drops per-sweep state held outside the manager.
type Forgetter interface {
	Forget(sweepID string)
}

// paramReader snapshots the current value of every parameter.
// instrument.Registry implements it.
type paramReader interface {
	Read(ctx context.Context) []instrument.ParamInfo
}

// Config holds the collaborators of a Manager. Gauge and Forgetters are
// optional.
type Config struct {
	Engine     *sweep.Engine
	Params     sweep.ParamLookup
	Queue      sweep.QueueConfig
	Gauge      QueueGauge
	Forgetters []Forgetter
}

// Manager keeps created sweeps by id and runs the queue.
type Manager struct {
	engine     *sweep.Engine
	params     sweep.ParamLookup
	queue      *sweep.Queue
	gauge      QueueGauge
	forgetters []Forgetter

	mu     sync.RWMutex
	sweeps map[string]sweep.Sweep
	order  []string
}

// NewManager returns a manager with an empty queue.
func NewManager(cfg Config) *Manager {
	return &Manager{
		engine:     cfg.Engine,
		params:     cfg.Params,
		queue:      cfg.Engine.NewQueue(cfg.Queue),
		gauge:      cfg.Gauge,
		forgetters: cfg.Forgetters,
		sweeps:     make(map[string]sweep.Sweep),
	}
}

// Engine returns the engine sweeps are created on.
func (m *Manager) Engine() *sweep.Engine { return m.engine }

// Queue returns the manager's queue.
func (m *Manager) Queue() *sweep.Queue { return m.queue }

// Import builds a sweep from a definition and registers it.
func (m *Manager) Import(def sweep.Definition) (sweep.Sweep, error) {
	if m.params == nil {
		return nil, fmt.Errorf("no parameters configured: %w", sweep.ErrValidation)
	}
	s, err := m.engine.Import(def, m.params)
	if err != nil {
		return nil, err
	}
	m.register(s)
	return s, nil
}

func (m *Manager) register(s sweep.Sweep) {
	m.mu.Lock()
	m.sweeps[s.ID()] = s
	m.order = append(m.order, s.ID())
	m.mu.Unlock()
	monitoring.Logf("[control] created %s %s", s.Kind(), s.ID())
}

// Create imports def and returns its view.
func (m *Manager) Create(def sweep.Definition) (sweep.Info, error) {
	s, err := m.Import(def)
	if err != nil {
		return sweep.Info{}, err
	}
	return sweep.Describe(s), nil
}

// Get returns the sweep with the given id.
func (m *Manager) Get(id string) (sweep.Sweep, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sweeps[id]
	if !ok {
		return nil, fmt.Errorf("sweep %s: %w", id, sweep.ErrNotFound)
	}
	return s, nil
}

// Start starts a sweep, ramping to its first setpoint.
func (m *Manager) Start(id string) error {
	s, err := m.Get(id)
	if err != nil {
		return err
	}
	return s.Start(true)
}

// Pause pauses a running sweep.
func (m *Manager) Pause(id string) error {
	s, err := m.Get(id)
	if err != nil {
		return err
	}
	return s.Pause()
}

// Resume resumes a paused sweep.
func (m *Manager) Resume(id string) error {
	s, err := m.Get(id)
	if err != nil {
		return err
	}
	return s.Resume()
}

// Kill stops a sweep. It returns once the sweep is terminal or the kill
// timeout has passed.
func (m *Manager) Kill(id string) error {
	s, err := m.Get(id)
	if err != nil {
		return err
	}
	s.Kill()
	return nil
}

// ClearError returns an errored sweep to ready.
func (m *Manager) ClearError(id string) error {
	s, err := m.Get(id)
	if err != nil {
		return err
	}
	s.ClearError()
	return nil
}

// Status returns the view of one sweep.
func (m *Manager) Status(id string) (sweep.Info, error) {
	s, err := m.Get(id)
	if err != nil {
		return sweep.Info{}, err
	}
	return sweep.Describe(s), nil
}

// List returns every sweep in creation order.
func (m *Manager) List() []sweep.Info {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]sweep.Info, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, sweep.Describe(m.sweeps[id]))
	}
	return out
}

// Export returns the definition of a sweep.
func (m *Manager) Export(id string) (sweep.Definition, error) {
	s, err := m.Get(id)
	if err != nil {
		return sweep.Definition{}, err
	}
	return s.Export(), nil
}

// Remove forgets a sweep that is not active, paused or queued.
func (m *Manager) Remove(id string) error {
	s, err := m.Get(id)
	if err != nil {
		return err
	}
	p := s.Progress()
	if p.State.Active() || p.State == sweep.StatePaused || p.IsQueued {
		return fmt.Errorf("cannot remove a %s sweep", p.State)
	}
	for _, ent := range m.queue.Entries() {
		if ent.SweepID == id {
			return fmt.Errorf("sweep %s is queued as entry %s", id, ent.ID)
		}
	}
	m.drop(id)
	monitoring.Logf("[control] removed %s", id)
	return nil
}

func (m *Manager) drop(id string) {
	m.mu.Lock()
	delete(m.sweeps, id)
	for i, v := range m.order {
		if v == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	m.mu.Unlock()
	for _, f := range m.forgetters {
		f.Forget(id)
	}
}

// Enqueue appends a created sweep to the queue.
func (m *Manager) Enqueue(id string) (sweep.EntryInfo, error) {
	s, err := m.Get(id)
	if err != nil {
		return sweep.EntryInfo{}, err
	}
	return m.appendEntry(sweep.SweepJob(s)), nil
}

// EnqueueContext appends a switch of the persistence context.
func (m *Manager) EnqueueContext(database, experiment, sample string) sweep.EntryInfo {
	return m.appendEntry(sweep.ContextSwitch(database, experiment, sample))
}

// EnqueueCallback appends an arbitrary job.
func (m *Manager) EnqueueCallback(label string, fn func(ctx context.Context) error) sweep.EntryInfo {
	return m.appendEntry(sweep.Callback(label, fn))
}

func (m *Manager) appendEntry(ent *sweep.Entry) sweep.EntryInfo {
	m.queue.Append(ent)
	info := sweep.EntryInfo{ID: ent.ID, Kind: ent.Kind, Label: ent.Label}
	if ent.Sweep != nil {
		info.SweepID = ent.Sweep.ID()
		info.State = ent.Sweep.Progress().State
	}
	m.updateGauge()
	return info
}

// Dequeue removes a waiting entry.
func (m *Manager) Dequeue(entryID string) error {
	if !m.queue.Remove(entryID) {
		return fmt.Errorf("queue entry %s: %w", entryID, sweep.ErrNotFound)
	}
	m.updateGauge()
	return nil
}

// QueueStart begins processing the queue.
func (m *Manager) QueueStart() error {
	m.queue.Start()
	return nil
}

// QueuePause pauses the sweep the queue is running.
func (m *Manager) QueuePause() error { return m.queue.Pause() }

// QueueResume resumes the sweep the queue is running.
func (m *Manager) QueueResume() error { return m.queue.Resume() }

// QueueKill stops the queue and kills its current sweep.
func (m *Manager) QueueKill() error {
	m.queue.Kill()
	m.updateGauge()
	return nil
}

// Shutdown stops the queue and kills every running or paused sweep so
// their datasets are finalized before the store closes.
func (m *Manager) Shutdown() {
	m.queue.Kill()
	m.mu.RLock()
	live := make([]sweep.Sweep, 0, len(m.order))
	for _, id := range m.order {
		s := m.sweeps[id]
		if st := s.Progress().State; st.Active() || st == sweep.StatePaused {
			live = append(live, s)
		}
	}
	m.mu.RUnlock()
	for _, s := range live {
		s.Kill()
	}
	m.updateGauge()
}

// QueueStatus returns the view of the queue.
func (m *Manager) QueueStatus() sweep.QueueInfo {
	info := m.queue.Info()
	if m.gauge != nil {
		m.gauge.SetQueueEntries(len(info.Entries))
	}
	return info
}

func (m *Manager) updateGauge() {
	if m.gauge != nil {
		m.gauge.SetQueueEntries(m.queue.Len())
	}
}

// Params reads every parameter once.
func (m *Manager) Params(ctx context.Context) ([]instrument.ParamInfo, error) {
	r, ok := m.params.(paramReader)
	if !ok {
		return nil, fmt.Errorf("parameter listing is not supported: %w", sweep.ErrValidation)
	}
	out := r.Read(ctx)
	if out == nil {
		out = []instrument.ParamInfo{}
	}
	return out, nil
}
