// Package simtest provides stub simulation entities and store fixtures
// for tests across the module.
package simtest

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/nvandessel/costep/simulation"
	"github.com/nvandessel/costep/store"
)

// Entity is a map-backed simulation entity. Reads and writes fail with
// ErrParameterNotFound for undeclared names; StepFn, when set, runs once
// per DoStep.
type Entity struct {
	Params      map[string]any
	Units       map[string]string
	StepFn      func(e *Entity, t, stepSize float64) error
	Steps       int
	Concluded   int
	ConcludeErr error
}

// NewEntity returns an entity exposing the given parameters.
func NewEntity(params map[string]any) *Entity {
	p := make(map[string]any, len(params))
	for k, v := range params {
		p[k] = v
	}
	return &Entity{Params: p, Units: map[string]string{}}
}

func (e *Entity) SetParameter(name string, value any) error {
	if _, ok := e.Params[name]; !ok {
		return fmt.Errorf("parameter %q: %w", name, simulation.ErrParameterNotFound)
	}
	e.Params[name] = value
	return nil
}

func (e *Entity) GetParameterValue(name string) (any, error) {
	v, ok := e.Params[name]
	if !ok {
		return nil, fmt.Errorf("parameter %q: %w", name, simulation.ErrParameterNotFound)
	}
	return v, nil
}

func (e *Entity) DoStep(t, stepSize float64) error {
	e.Steps++
	if e.StepFn != nil {
		return e.StepFn(e, t, stepSize)
	}
	return nil
}

func (e *Entity) GetUnit(name string) string {
	return e.Units[name]
}

func (e *Entity) Conclude() error {
	e.Concluded++
	return e.ConcludeErr
}

// Constant returns an entity holding "output" at a fixed value.
func Constant(value float64, unit string) *Entity {
	e := NewEntity(map[string]any{"output": value})
	e.Units["output"] = unit
	return e
}

// Echo returns an entity that copies "input" to "output" on every step.
func Echo() *Entity {
	e := NewEntity(map[string]any{"input": 0.0, "output": 0.0})
	e.StepFn = func(e *Entity, t, stepSize float64) error {
		e.Params["output"] = e.Params["input"]
		return nil
	}
	return e
}

// Accumulator is a stateful component: every step adds "input" to a
// running total exposed as "total". Its internal state round-trips
// through a versioned envelope.
type Accumulator struct {
	Input     float64
	Total     float64
	Steps     int
	Concluded int
}

// AccumulatorKind is the registry identifier of Accumulator.
const AccumulatorKind = "accumulator"

func (a *Accumulator) SetParameter(name string, value any) error {
	if name != "input" {
		return fmt.Errorf("parameter %q: %w", name, simulation.ErrParameterNotFound)
	}
	f, err := asFloat(value)
	if err != nil {
		return fmt.Errorf("parameter %q: %v", name, err)
	}
	a.Input = f
	return nil
}

func (a *Accumulator) GetParameterValue(name string) (any, error) {
	switch name {
	case "input":
		return a.Input, nil
	case "total":
		return a.Total, nil
	}
	return nil, fmt.Errorf("parameter %q: %w", name, simulation.ErrParameterNotFound)
}

func (a *Accumulator) DoStep(t, stepSize float64) error {
	a.Steps++
	a.Total += a.Input
	return nil
}

func (a *Accumulator) GetUnit(name string) string { return "" }

func (a *Accumulator) Conclude() error {
	a.Concluded++
	return nil
}

func (a *Accumulator) StateKind() string { return AccumulatorKind }

func (a *Accumulator) StateVersion() int { return 1 }

func (a *Accumulator) MarshalState() ([]byte, error) {
	return json.Marshal(struct {
		Total float64 `json:"total"`
	}{Total: a.Total})
}

func (a *Accumulator) RestoreState(version int, data []byte) error {
	if version != 1 {
		return fmt.Errorf("unsupported accumulator state version %d", version)
	}
	var state struct {
		Total float64 `json:"total"`
	}
	if err := json.Unmarshal(data, &state); err != nil {
		return err
	}
	a.Total = state.Total
	return nil
}

func asFloat(value any) (float64, error) {
	switch v := value.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	}
	return 0, fmt.Errorf("value %v (%T) is not numeric", value, value)
}

// OpenStore creates a fresh store under a test temp directory.
func OpenStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "runs.db"))
	if err != nil {
		t.Fatalf("store.Open() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}
