// Package testutil holds fixtures shared by the tests of packages that
// drive sweeps: a fast engine, virtual instruments and wait helpers.
package testutil

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/banshee-data/sweeper/internal/instrument"
	"github.com/banshee-data/sweeper/internal/sweep"
)

// WaitTimeout bounds every wait helper.
const WaitTimeout = 10 * time.Second

// FastOptions returns engine options with millisecond delays and backoff.
func FastOptions() sweep.Options {
	return sweep.Options{
		MinInterDelay:     time.Millisecond,
		DefaultInterDelay: time.Millisecond,
		ParamRetries:      2,
		ParamRetryBackoff: time.Millisecond,
		KillTimeout:       time.Second,
	}
}

// NewEngine returns an engine built from FastOptions with sink set, closed
// when the test ends. sink may be nil.
func NewEngine(t *testing.T, sink sweep.Sink) *sweep.Engine {
	t.Helper()
	opts := FastOptions()
	opts.Sink = sink
	e := sweep.NewEngine(opts)
	t.Cleanup(e.Close)
	return e
}

// GateParams returns a gate voltage starting at 0 V and a lock-in current
// reading 1 nA.
func GateParams() (vg, lockin *instrument.Virtual) {
	return instrument.NewVirtual("vg", "V", 0), instrument.NewVirtual("lockin", "A", 1e-9)
}

// NewRegistry registers params in a fresh registry.
func NewRegistry(t *testing.T, params ...sweep.Parameter) *instrument.Registry {
	t.Helper()
	reg := instrument.NewRegistry()
	if err := reg.Add(params...); err != nil {
		t.Fatalf("failed to register parameters: %v", err)
	}
	return reg
}

// WaitSweep blocks until s completes and returns its final progress.
func WaitSweep(t *testing.T, s sweep.Sweep) sweep.ProgressState {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), WaitTimeout)
	defer cancel()
	p, err := s.Wait(ctx)
	if err != nil {
		t.Fatalf("sweep %s did not finish: %v", s.ID(), err)
	}
	return p
}

// WaitFor polls cond until it holds or WaitTimeout passes.
func WaitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(WaitTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

// AssertStatusCode checks that the response status code matches expected.
func AssertStatusCode(t *testing.T, got, want int) {
	t.Helper()
	if got != want {
		t.Errorf("status code = %d, want %d", got, want)
	}
}

// NewTestRequest creates a test HTTP request.
func NewTestRequest(method, path string) *http.Request {
	return httptest.NewRequest(method, path, nil)
}
