package sweep

import (
	"errors"
	"fmt"
)

// Sentinel errors for errors.Is checks. Each typed error below unwraps to
// one of these.
var (
	ErrParameter     = errors.New("parameter error")
	ErrValidation    = errors.New("validation error")
	ErrConcurrency   = errors.New("concurrency error")
	ErrRampTolerance = errors.New("ramp tolerance exceeded")
	ErrDatabaseInit  = errors.New("database init failed")
	ErrNotFound      = errors.New("not found")
)

// ParameterError reports a get or set that still failed after the retry
// budget was spent.
type ParameterError struct {
	Param    string
	Op       string // "get" or "set"
	Value    float64
	Attempts int
	Err      error
}

func (e *ParameterError) Error() string {
	if e.Op == "set" {
		return fmt.Sprintf("set %s to %g failed after %d attempts: %v", e.Param, e.Value, e.Attempts, e.Err)
	}
	return fmt.Sprintf("get %s failed after %d attempts: %v", e.Param, e.Attempts, e.Err)
}

func (e *ParameterError) Unwrap() []error { return []error{ErrParameter, e.Err} }

// ValidationError is returned for configurations that can never run:
// out-of-bounds ranges, mismatched step signs, delays below the floor and
// similar.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid sweep: " + e.Reason
	}
	return fmt.Sprintf("invalid sweep %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

func invalid(field, format string, args ...interface{}) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// ConcurrencyError is returned by Start when an unrelated sweep is already
// running or ramping.
type ConcurrencyError struct {
	Blocking     string
	BlockingKind Kind
}

func (e *ConcurrencyError) Error() string {
	return fmt.Sprintf("cannot start: %s %s is already running", e.BlockingKind, e.Blocking)
}

func (e *ConcurrencyError) Unwrap() error { return ErrConcurrency }

// RampToleranceError reports a ramp that finished too far from its target.
type RampToleranceError struct {
	Param     string
	Target    float64
	Actual    float64
	Tolerance float64
}

func (e *RampToleranceError) Error() string {
	return fmt.Sprintf("ramp of %s ended at %g, target %g (tolerance %g)", e.Param, e.Actual, e.Target, e.Tolerance)
}

func (e *RampToleranceError) Unwrap() error { return ErrRampTolerance }

// DatabaseInitError wraps a persistence sink failure during dataset setup.
type DatabaseInitError struct {
	Err error
}

func (e *DatabaseInitError) Error() string {
	return fmt.Sprintf("database init failed: %v", e.Err)
}

func (e *DatabaseInitError) Unwrap() []error { return []error{ErrDatabaseInit, e.Err} }
