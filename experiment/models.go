package experiment

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/nvandessel/costep/simulation"
)

// Connection declares one wiring edge of a system: the named input
// parameter receives the value of another system's output parameter once
// per step.
type Connection struct {
	Parameter       string `json:"parameter" yaml:"parameter"`
	SourceSystem    string `json:"source_system" yaml:"source_system"`
	SourceParameter string `json:"source_parameter" yaml:"source_parameter"`
}

// FMUModel configures one system backed by a packaged simulation unit on
// disk. The unit binary itself is carried by content, read lazily from
// Path or resolved from a store pool.
type FMUModel struct {
	Path            string         `json:"path,omitempty" yaml:"path,omitempty"`
	Connections     []Connection   `json:"connections,omitempty" yaml:"connections,omitempty"`
	StartValues     map[string]any `json:"start_values,omitempty" yaml:"start_values,omitempty"`
	ParametersToLog []string       `json:"parameters_to_log,omitempty" yaml:"parameters_to_log,omitempty"`

	content []byte
	hash    string
}

// ComponentModel configures one system backed by a registered in-process
// component.
type ComponentModel struct {
	Kind            string         `json:"kind" yaml:"kind"`
	Connections     []Connection   `json:"connections,omitempty" yaml:"connections,omitempty"`
	StartValues     map[string]any `json:"start_values,omitempty" yaml:"start_values,omitempty"`
	ParametersToLog []string       `json:"parameters_to_log,omitempty" yaml:"parameters_to_log,omitempty"`

	instance simulation.Entity
	state    *stateEnvelope
}

// Models holds every system of a run, keyed by system name. Unit-backed
// and component-backed systems share one namespace.
type Models struct {
	FMUs       map[string]*FMUModel       `json:"fmus,omitempty" yaml:"fmus,omitempty"`
	Components map[string]*ComponentModel `json:"components,omitempty" yaml:"components,omitempty"`
}

// Names returns every system name, sorted.
func (m Models) Names() []string {
	names := make([]string, 0, len(m.FMUs)+len(m.Components))
	for name := range m.FMUs {
		names = append(names, name)
	}
	for name := range m.Components {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Has reports whether a system with the given name is configured.
func (m Models) Has(name string) bool {
	if _, ok := m.FMUs[name]; ok {
		return true
	}
	_, ok := m.Components[name]
	return ok
}

// ConnectionsOf returns the connections configured on the named system,
// or nil when the system is unknown.
func (m Models) ConnectionsOf(name string) []Connection {
	if f, ok := m.FMUs[name]; ok {
		return cloneConnections(f.Connections)
	}
	if c, ok := m.Components[name]; ok {
		return cloneConnections(c.Connections)
	}
	return nil
}

func validateSystemName(name string) error {
	if name == "" {
		return fmt.Errorf("system name must not be empty: %w", simulation.ErrInvalidConfig)
	}
	if strings.Contains(name, "/") || name == "." || name == ".." {
		return fmt.Errorf("system name %q is not a valid store name: %w",
			name, simulation.ErrInvalidConfig)
	}
	return nil
}

func (m Models) validate() error {
	if len(m.FMUs)+len(m.Components) == 0 {
		return fmt.Errorf("at least one model is required: %w", simulation.ErrInvalidConfig)
	}
	for name, model := range m.FMUs {
		if err := validateSystemName(name); err != nil {
			return err
		}
		if _, dup := m.Components[name]; dup {
			return fmt.Errorf("system %q is configured as both fmu and component: %w",
				name, simulation.ErrInvalidConfig)
		}
		if model == nil {
			return fmt.Errorf("system %q has no model: %w", name, simulation.ErrInvalidConfig)
		}
		if model.Path == "" && model.content == nil {
			return fmt.Errorf("system %q has no unit file: %w", name, simulation.ErrInvalidConfig)
		}
		if err := m.validateConnections(name, model.Connections); err != nil {
			return err
		}
	}
	for name, model := range m.Components {
		if err := validateSystemName(name); err != nil {
			return err
		}
		if model == nil {
			return fmt.Errorf("system %q has no model: %w", name, simulation.ErrInvalidConfig)
		}
		if model.Kind == "" {
			return fmt.Errorf("system %q has no component kind: %w", name, simulation.ErrInvalidConfig)
		}
		if err := m.validateConnections(name, model.Connections); err != nil {
			return err
		}
	}
	return nil
}

// validateConnections checks one system's wiring: endpoints must name
// known systems, and no input may be fed by more than one connection.
func (m Models) validateConnections(system string, conns []Connection) error {
	seen := make(map[string]bool, len(conns))
	for _, c := range conns {
		if c.Parameter == "" || c.SourceParameter == "" {
			return fmt.Errorf("system %q has a connection with an empty parameter name: %w",
				system, simulation.ErrInvalidConfig)
		}
		if !m.Has(c.SourceSystem) {
			return fmt.Errorf("connection %s.%s references unknown system %q: %w",
				system, c.Parameter, c.SourceSystem, simulation.ErrInvalidConfig)
		}
		if seen[c.Parameter] {
			return fmt.Errorf("input %s.%s has more than one connection: %w",
				system, c.Parameter, simulation.ErrInvalidConfig)
		}
		seen[c.Parameter] = true
	}
	return nil
}

// simConnections flattens every model's wiring into scheduler edges.
func (m Models) simConnections() []simulation.Connection {
	var conns []simulation.Connection
	for _, name := range m.Names() {
		for _, c := range m.ConnectionsOf(name) {
			conns = append(conns, simulation.Connection{
				Input:  simulation.SystemParameter{System: name, Parameter: c.Parameter},
				Output: simulation.SystemParameter{System: c.SourceSystem, Parameter: c.SourceParameter},
			})
		}
	}
	return conns
}

// loggedParameters lists the (system, parameter) pairs to record, systems
// in name order, parameters in their declared order.
func (m Models) loggedParameters() []simulation.SystemParameter {
	var logged []simulation.SystemParameter
	for _, name := range m.Names() {
		var params []string
		if f, ok := m.FMUs[name]; ok {
			params = f.ParametersToLog
		} else {
			params = m.Components[name].ParametersToLog
		}
		for _, p := range params {
			logged = append(logged, simulation.SystemParameter{System: name, Parameter: p})
		}
	}
	return logged
}

func (m Models) deepCopy() Models {
	out := Models{}
	if m.FMUs != nil {
		out.FMUs = make(map[string]*FMUModel, len(m.FMUs))
		for name, model := range m.FMUs {
			out.FMUs[name] = model.clone()
		}
	}
	if m.Components != nil {
		out.Components = make(map[string]*ComponentModel, len(m.Components))
		for name, model := range m.Components {
			out.Components[name] = model.clone()
		}
	}
	return out
}

func (f *FMUModel) clone() *FMUModel {
	if f == nil {
		return nil
	}
	return &FMUModel{
		Path:            f.Path,
		Connections:     cloneConnections(f.Connections),
		StartValues:     cloneStartValues(f.StartValues),
		ParametersToLog: append([]string(nil), f.ParametersToLog...),
		content:         f.content,
		hash:            f.hash,
	}
}

func (c *ComponentModel) clone() *ComponentModel {
	if c == nil {
		return nil
	}
	return &ComponentModel{
		Kind:            c.Kind,
		Connections:     cloneConnections(c.Connections),
		StartValues:     cloneStartValues(c.StartValues),
		ParametersToLog: append([]string(nil), c.ParametersToLog...),
		state:           c.state,
	}
}

func cloneConnections(conns []Connection) []Connection {
	if conns == nil {
		return nil
	}
	return append([]Connection(nil), conns...)
}

func cloneStartValues(values map[string]any) map[string]any {
	if values == nil {
		return nil
	}
	out := make(map[string]any, len(values))
	for k, v := range values {
		out[k] = v
	}
	return out
}

// loadContent returns the unit binary, reading it from Path on first use.
func (f *FMUModel) loadContent() ([]byte, error) {
	if f.content != nil {
		return f.content, nil
	}
	if f.Path == "" {
		return nil, fmt.Errorf("no unit file configured")
	}
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return nil, fmt.Errorf("reading unit file: %w", err)
	}
	f.content = data
	return data, nil
}
