// Package instrument provides the parameters sweeps drive and read: in-memory
// virtual instruments, line-protocol serial instruments, and the registry
// that resolves parameter names.
package instrument

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
)

// ErrInjected is returned by a Virtual parameter while failures are armed.
var ErrInjected = errors.New("injected instrument failure")

// ResponseFunc computes a simulated reading.
type ResponseFunc func(ctx context.Context) (float64, error)

// Virtual is an in-memory parameter. With a response function it behaves as
// a read-only simulated measurement; otherwise Get returns the last value
// set.
type Virtual struct {
	name string
	unit string

	mu       sync.Mutex
	value    float64
	min, max float64
	bounded  bool
	allowed  []float64
	response ResponseFunc
	failSets int
	failGets int
	sets     int
	gets     int
}

// NewVirtual returns a virtual parameter holding initial.
func NewVirtual(name, unit string, initial float64) *Virtual {
	return &Virtual{name: name, unit: unit, value: initial}
}

func (v *Virtual) Name() string { return v.name }
func (v *Virtual) Unit() string { return v.unit }

// SetBounds limits the values Set accepts.
func (v *Virtual) SetBounds(min, max float64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.min, v.max, v.bounded = min, max, true
}

// Bounds reports the limits set with SetBounds.
func (v *Virtual) Bounds() (float64, float64, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.min, v.max, v.bounded
}

// SetAllowed restricts the parameter to discrete values.
func (v *Virtual) SetAllowed(values []float64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.allowed = append([]float64(nil), values...)
}

// Allowed returns the discrete values, or nil for a continuous parameter.
func (v *Virtual) Allowed() []float64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	if len(v.allowed) == 0 {
		return nil
	}
	return append([]float64(nil), v.allowed...)
}

// SetResponse makes Get return fn's result.
func (v *Virtual) SetResponse(fn ResponseFunc) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.response = fn
}

// FailNext makes the next sets and gets calls fail with ErrInjected.
// A negative count fails until FailNext is called again.
func (v *Virtual) FailNext(sets, gets int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.failSets, v.failGets = sets, gets
}

// Counts returns how many Set and Get calls succeeded.
func (v *Virtual) Counts() (sets, gets int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.sets, v.gets
}

func (v *Virtual) Get(ctx context.Context) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	v.mu.Lock()
	if consume(&v.failGets) {
		v.mu.Unlock()
		return 0, fmt.Errorf("get %s: %w", v.name, ErrInjected)
	}
	v.gets++
	fn, value := v.response, v.value
	v.mu.Unlock()

	if fn != nil {
		return fn(ctx)
	}
	return value, nil
}

func (v *Virtual) Set(ctx context.Context, x float64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if math.IsNaN(x) || math.IsInf(x, 0) {
		return fmt.Errorf("set %s: invalid value %v", v.name, x)
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.response != nil {
		return fmt.Errorf("set %s: parameter is read-only", v.name)
	}
	if consume(&v.failSets) {
		return fmt.Errorf("set %s: %w", v.name, ErrInjected)
	}
	if v.bounded && (x < v.min || x > v.max) {
		return fmt.Errorf("set %s: %g outside [%g, %g]", v.name, x, v.min, v.max)
	}
	if len(v.allowed) > 0 && !contains(v.allowed, x) {
		return fmt.Errorf("set %s: %g is not an allowed value", v.name, x)
	}
	v.value = x
	v.sets++
	return nil
}

func consume(n *int) bool {
	switch {
	case *n < 0:
		return true
	case *n > 0:
		*n--
		return true
	}
	return false
}

func contains(vals []float64, x float64) bool {
	for _, v := range vals {
		if v == x {
			return true
		}
	}
	return false
}
