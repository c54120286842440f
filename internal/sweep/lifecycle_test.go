package sweep

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

func newMonitor(t *testing.T, e *Engine, maxTime time.Duration) *Sweep0D {
	t.Helper()
	s, err := e.NewSweep0D(Sweep0DConfig{MaxTime: maxTime})
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestGuardRejectsUnrelatedSweep(t *testing.T) {
	e := newTestEngine(t)
	a := newMonitor(t, e, 0)
	b := newMonitor(t, e, 0)

	if err := a.Start(false); err != nil {
		t.Fatal(err)
	}
	defer a.Kill()

	err := b.Start(false)
	if !errors.Is(err, ErrConcurrency) {
		t.Fatalf("Start while another sweep runs: err = %v", err)
	}
	var ce *ConcurrencyError
	if !errors.As(err, &ce) || ce.Blocking != a.ID() {
		t.Errorf("ConcurrencyError = %+v, want blocking %s", ce, a.ID())
	}
	if st := b.Progress().State; st != StateReady {
		t.Errorf("rejected sweep state = %s, want ready", st)
	}
	if !e.Guard().HasOtherActive(b) {
		t.Error("HasOtherActive should report the running sweep")
	}
	if e.Guard().HasOtherActive(a) {
		t.Error("a sweep is never blocked by itself")
	}
}

func TestGuardAllowsChildSweep(t *testing.T) {
	e := newTestEngine(t)
	a := newMonitor(t, e, 0)
	if err := a.Start(false); err != nil {
		t.Fatal(err)
	}
	defer a.Kill()

	p := newFake("gate")
	child, err := e.newRamp(a.core, p, 0, 1, 0.25)
	if err != nil {
		t.Fatal(err)
	}
	if !e.Guard().IsRelated(a, child) || !e.Guard().IsRelated(child, a) {
		t.Error("ramp child should be related to its parent")
	}
	if err := child.Start(false); err != nil {
		t.Fatalf("child Start: %v", err)
	}
	if st := waitDone(t, child); st.State != StateDone {
		t.Errorf("child state = %s (%s)", st.State, st.ErrorMessage)
	}
}

func TestGuardIgnoresPausedDoneAndQueued(t *testing.T) {
	e := newTestEngine(t)

	paused := newMonitor(t, e, 0)
	if err := paused.Start(false); err != nil {
		t.Fatal(err)
	}
	if err := paused.Pause(); err != nil {
		t.Fatal(err)
	}
	b := newMonitor(t, e, 5*time.Millisecond)
	if err := b.Start(false); err != nil {
		t.Errorf("Start while the other sweep is paused: %v", err)
	}
	waitDone(t, b)
	paused.Kill()

	done := newMonitor(t, e, 5*time.Millisecond)
	if err := done.Start(false); err != nil {
		t.Fatal(err)
	}
	if st := waitDone(t, done); st.State != StateDone {
		t.Fatalf("state = %s", st.State)
	}
	c := newMonitor(t, e, 5*time.Millisecond)
	if err := c.Start(false); err != nil {
		t.Errorf("Start after the other sweep finished: %v", err)
	}
	waitDone(t, c)

	running := newMonitor(t, e, 0)
	if err := running.Start(false); err != nil {
		t.Fatal(err)
	}
	defer running.Kill()
	q := newMonitor(t, e, 5*time.Millisecond)
	q.SetQueued(true)
	if err := q.Start(false); err != nil {
		t.Errorf("queued sweep should bypass the guard: %v", err)
	}
	waitDone(t, q)
}

func TestIsRelatedSurvivesCycles(t *testing.T) {
	e := newTestEngine(t)
	a := newMonitor(t, e, 0)
	b := newMonitor(t, e, 0)
	c := newMonitor(t, e, 0)
	a.setParent(b.core)
	b.setParent(a.core)

	if !e.Guard().IsRelated(a, b) {
		t.Error("a and b are related")
	}
	if e.Guard().IsRelated(a, c) {
		t.Error("c is unrelated to the a-b cycle")
	}
}

func TestKillErroredSweepIsIdempotent(t *testing.T) {
	e := newTestEngine(t)
	p := newFake("gate")
	p.failSets = -1
	s, err := e.NewSweep1D(Sweep1DConfig{Axis: Axis{Param: p, Begin: 0, End: 1, Step: 0.1}})
	if err != nil {
		t.Fatal(err)
	}
	var completions []State
	s.OnCompleted(func(p ProgressState) { completions = append(completions, p.State) })

	if err := s.Start(false); err != nil {
		t.Fatal(err)
	}
	st := waitDone(t, s)
	if st.State != StateError {
		t.Fatalf("state = %s, want error", st.State)
	}
	if st.ErrorCount != 1 || !strings.Contains(st.ErrorMessage, "instrument busy") {
		t.Errorf("error info = %d %q", st.ErrorCount, st.ErrorMessage)
	}
	if !e.guard.isHeld(s.core) {
		t.Error("errored sweep should be held")
	}

	for i := 0; i < 3; i++ {
		s.Kill()
	}
	if got := s.Progress().State; got != StateKilled {
		t.Errorf("state after kill = %s, want killed", got)
	}
	if e.guard.isHeld(s.core) || e.guard.isRegistered(s.core) {
		t.Error("killed sweep should be out of the guard")
	}
	s.mu.Lock()
	refs := s.parent != nil || s.cancel != nil || s.exited != nil || s.children != nil || s.rec != nil
	s.mu.Unlock()
	if refs {
		t.Error("kill should clear all references")
	}
	if len(completions) != 1 || completions[0] != StateError {
		t.Errorf("completions = %v, want [error]", completions)
	}

	s.MarkError(errors.New("late"))
	if got := s.Progress(); got.State != StateKilled || got.ErrorCount != 1 {
		t.Errorf("MarkError after kill changed state to %s/%d", got.State, got.ErrorCount)
	}
}

func TestKillRunningSweep(t *testing.T) {
	e := newTestEngine(t)
	s := newMonitor(t, e, 0)
	var got []State
	s.OnCompleted(func(p ProgressState) { got = append(got, p.State) })
	if err := s.Start(false); err != nil {
		t.Fatal(err)
	}
	s.Kill()
	if len(got) != 1 || got[0] != StateKilled {
		t.Errorf("completions = %v, want [killed]", got)
	}
	if st := waitDone(t, s); st.State != StateKilled {
		t.Errorf("state = %s", st.State)
	}
	if err := s.Start(false); err != nil {
		t.Fatalf("restart after kill: %v", err)
	}
	s.Kill()
	if len(got) != 2 || got[1] != StateKilled {
		t.Errorf("completions after restart = %v, want [killed killed]", got)
	}
}

func TestWaitAfterRejectedStart(t *testing.T) {
	e := newTestEngine(t)
	a := newMonitor(t, e, 0)
	b := newMonitor(t, e, 0)
	if err := a.Start(false); err != nil {
		t.Fatal(err)
	}
	defer a.Kill()

	if err := b.Start(false); !errors.Is(err, ErrConcurrency) {
		t.Fatalf("Start: err = %v, want ErrConcurrency", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	st, err := b.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait after rejected start: %v", err)
	}
	if st.State != StateReady {
		t.Errorf("state = %s, want ready", st.State)
	}
}

// guardWatcher queries the guard from inside a state notification.
type guardWatcher struct {
	e *Engine

	mu         sync.Mutex
	registered []int
}

func (w *guardWatcher) ObserveState(id string, kind Kind, st State) {
	n := len(w.e.Guard().Registered())
	w.mu.Lock()
	w.registered = append(w.registered, n)
	w.mu.Unlock()
}

func TestObserverMayQueryGuard(t *testing.T) {
	e := newTestEngine(t)
	w := &guardWatcher{e: e}
	e.AddObserver(w)
	s := newMonitor(t, e, 0)

	started := make(chan error, 1)
	go func() { started <- s.Start(false) }()
	select {
	case err := <-started:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Start deadlocked on an observer that reads the guard")
	}
	s.Kill()

	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.registered) == 0 {
		t.Error("observer was never notified")
	}
}

func TestKillNeverStarted(t *testing.T) {
	e := newTestEngine(t)
	s := newMonitor(t, e, 0)
	s.Kill()
	if st := s.Progress().State; st != StateKilled {
		t.Errorf("state = %s, want killed", st)
	}
}

// blockingParam ignores cancellation, like a wedged instrument driver.
type blockingParam struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (p *blockingParam) Name() string                         { return "wedged" }
func (p *blockingParam) Unit() string                         { return "" }
func (p *blockingParam) Get(context.Context) (float64, error) { return 0, nil }

func (p *blockingParam) Set(context.Context, float64) error {
	p.once.Do(func() { close(p.entered) })
	<-p.release
	return nil
}

func TestKillAbandonsStuckWorker(t *testing.T) {
	e := NewEngine(Options{MinInterDelay: time.Millisecond, KillTimeout: 50 * time.Millisecond})
	defer e.Close()
	p := &blockingParam{entered: make(chan struct{}), release: make(chan struct{})}
	defer close(p.release)

	s, err := e.NewSweep1D(Sweep1DConfig{Config: Config{InterDelay: time.Millisecond}, Axis: Axis{Param: p, Begin: 0, End: 1, Step: 0.5}})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Start(false); err != nil {
		t.Fatal(err)
	}
	<-p.entered

	start := time.Now()
	s.Kill()
	elapsed := time.Since(start)
	if elapsed < 50*time.Millisecond || elapsed > 2*time.Second {
		t.Errorf("Kill took %v, want about the kill timeout", elapsed)
	}
	if st := s.Progress().State; st != StateKilled {
		t.Errorf("state = %s, want killed", st)
	}
}

func TestMarkDoneKeepsError(t *testing.T) {
	e := newTestEngine(t)
	s, err := e.NewSweep2D(Sweep2DConfig{
		Outer: Axis{Param: newFake("outer"), Begin: 0, End: 1, Step: 0.5},
		Inner: Axis{Param: newFake("inner"), Begin: 0, End: 1, Step: 0.5},
	})
	if err != nil {
		t.Fatal(err)
	}
	s.MarkError(errors.New("inner sweep failed"))
	s.markDone(s.currentRun())
	if st := s.Progress(); st.State != StateError || st.ErrorMessage != "inner sweep failed" {
		t.Errorf("state = %s %q, want error kept", st.State, st.ErrorMessage)
	}
}

func TestClearErrorAndRestart(t *testing.T) {
	e := newTestEngine(t)
	p := newFake("gate")
	p.failSets = 2 // exhausts the first run's retries
	s, err := e.NewSweep1D(Sweep1DConfig{Axis: Axis{Param: p, Begin: 0, End: 0.2, Step: 0.1}})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Start(false); err != nil {
		t.Fatal(err)
	}
	if st := waitDone(t, s); st.State != StateError {
		t.Fatalf("state = %s, want error", st.State)
	}
	if !strings.Contains(s.Progress().ErrorMessage, "after 2 attempts") {
		t.Errorf("error message %q should mention the retries", s.Progress().ErrorMessage)
	}

	s.ClearError()
	if st := s.Progress().State; st != StateReady {
		t.Errorf("state after ClearError = %s", st)
	}
	if e.guard.isHeld(s.core) {
		t.Error("cleared sweep should not be held")
	}
	if err := s.Start(false); err != nil {
		t.Fatal(err)
	}
	st := waitDone(t, s)
	if st.State != StateDone {
		t.Fatalf("restart state = %s (%s)", st.State, st.ErrorMessage)
	}
	if st.ErrorCount != 1 {
		t.Errorf("error count = %d, want 1 carried over", st.ErrorCount)
	}
}

func TestParameterRetryRecovers(t *testing.T) {
	e := newTestEngine(t)
	p := newFake("gate")
	p.failSets = 1
	s, err := e.NewSweep1D(Sweep1DConfig{Axis: Axis{Param: p, Begin: 0, End: 0.2, Step: 0.1}})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Start(false); err != nil {
		t.Fatal(err)
	}
	if st := waitDone(t, s); st.State != StateDone {
		t.Errorf("state = %s (%s), one transient failure should be retried", st.State, st.ErrorMessage)
	}
}

func TestPauseResume(t *testing.T) {
	e := newTestEngine(t)
	p := newFake("temperature")
	s := newMonitor(t, e, 0)
	if err := s.Follow(p); err != nil {
		t.Fatal(err)
	}
	if err := s.Resume(); !errors.Is(err, ErrValidation) {
		t.Errorf("Resume of a ready sweep: err = %v", err)
	}
	if err := s.Start(false); err != nil {
		t.Fatal(err)
	}
	defer s.Kill()
	waitFor(t, "readings", func() bool { return p.getCount() > 3 })

	if err := s.Pause(); err != nil {
		t.Fatal(err)
	}
	if st := s.Progress().State; st != StatePaused {
		t.Errorf("state = %s, want paused", st)
	}
	if err := s.Follow(newFake("other")); !errors.Is(err, ErrValidation) {
		t.Errorf("Follow while paused: err = %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	n := p.getCount()
	time.Sleep(30 * time.Millisecond)
	if p.getCount() != n {
		t.Error("a paused sweep kept reading")
	}

	if err := s.Resume(); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "readings after resume", func() bool { return p.getCount() > n })
}

func TestDatabaseInitFailure(t *testing.T) {
	e := newTestEngine(t)
	s, err := e.NewSweep0D(Sweep0DConfig{Config: Config{SaveData: true}, MaxTime: time.Second})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Start(false); err != nil {
		t.Fatal(err)
	}
	st := waitDone(t, s)
	if st.State != StateError || !strings.Contains(st.ErrorMessage, "database init failed") {
		t.Errorf("state = %s %q", st.State, st.ErrorMessage)
	}

	e.SetSink(&memSink{failBegin: errors.New("disk full")})
	s2, _ := e.NewSweep0D(Sweep0DConfig{Config: Config{SaveData: true}, MaxTime: time.Second})
	if err := s2.Start(false); err != nil {
		t.Fatal(err)
	}
	st = waitDone(t, s2)
	if st.State != StateError || !strings.Contains(st.ErrorMessage, "disk full") {
		t.Errorf("state = %s %q", st.State, st.ErrorMessage)
	}
}

func TestSweep0DMaxTime(t *testing.T) {
	e := newTestEngine(t)
	plots := &plotRecorder{}
	e.AddPlotConsumer(plots)
	p := newFake("pressure")
	s, err := e.NewSweep0D(Sweep0DConfig{Config: Config{Plot: true}, MaxTime: 20 * time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Follow(p); err != nil {
		t.Fatal(err)
	}
	if err := s.Start(true); err != nil {
		t.Fatal(err)
	}
	st := waitDone(t, s)
	if st.State != StateDone || st.Progress != 1 {
		t.Fatalf("state = %s progress %v", st.State, st.Progress)
	}
	if err := e.Flush(context.Background()); err != nil {
		t.Fatal(err)
	}
	if plots.count(s.ID()) == 0 {
		t.Error("no samples reached the plot consumer")
	}
	if _, err := e.NewSweep0D(Sweep0DConfig{MaxTime: -time.Second}); !errors.Is(err, ErrValidation) {
		t.Errorf("negative max time: err = %v", err)
	}
}

func TestStartWhileRunning(t *testing.T) {
	e := newTestEngine(t)
	s := newMonitor(t, e, 0)
	if err := s.Start(false); err != nil {
		t.Fatal(err)
	}
	defer s.Kill()
	if err := s.Start(false); !errors.Is(err, ErrValidation) {
		t.Errorf("second Start: err = %v", err)
	}
}
