// Package simulation drives coupled stepped components through a shared
// time base, exchanging values over declared connections and sampling
// results at a logging cadence.
package simulation

// Entity is the capability contract a stepped component implements. It is
// deliberately minimal: an adapter over an externally produced packaged
// unit satisfies it, and so does a hand-written model component.
//
// Parameter values are float64, int64, or bool. Implementations return an
// error wrapping ErrParameterNotFound for unknown parameter names.
type Entity interface {
	// SetParameter writes one named input before the next step.
	SetParameter(name string, value any) error

	// GetParameterValue reads one named output as of the last completed step.
	GetParameterValue(name string) (any, error)

	// DoStep advances the component from t by exactly stepSize.
	DoStep(t, stepSize float64) error

	// GetUnit reports the unit of a parameter, "" when unitless or unknown.
	GetUnit(name string) string

	// Conclude releases resources. It must be safe to call more than once.
	Conclude() error
}

// System binds a unique name to one entity for the duration of a run.
type System struct {
	Name   string
	Entity Entity
}

// SystemParameter references a named parameter on a named system. It is a
// lookup reference, not ownership: resolution happens at read/write time.
type SystemParameter struct {
	System    string
	Parameter string
}

func (p SystemParameter) String() string { return p.System + "." + p.Parameter }

// Connection is a directed edge between two systems: on every step, the
// value read at Output is written to Input before any system advances.
type Connection struct {
	Input  SystemParameter
	Output SystemParameter
}
