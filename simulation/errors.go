package simulation

import (
	"errors"
	"fmt"
)

// ErrInvalidConfig reports a configuration rejected before any stepping:
// a bad time base, unknown system names, or colliding connections.
var ErrInvalidConfig = errors.New("invalid simulation configuration")

// ErrParameterNotFound reports an unknown parameter name at read or write
// time. Entity implementations return it directly or wrapped.
var ErrParameterNotFound = errors.New("parameter not found")

// StepError reports a fatal entity failure while stepping or exchanging
// values. The run aborts, systems are concluded best-effort, and the
// error propagates to the caller.
type StepError struct {
	System string
	Time   float64
	Err    error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("system %q failed at t=%g: %v", e.System, e.Time, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }
