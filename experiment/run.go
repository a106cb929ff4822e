// Package experiment assembles co-simulation runs: reproducible
// experiment configurations bound to live simulation entities, executed
// through the scheduler and recorded with full provenance in a
// content-addressed store.
package experiment

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"

	"github.com/nvandessel/costep/simulation"
	"github.com/nvandessel/costep/timeseries"
)

// State tracks where a run is in its lifecycle.
type State string

const (
	// StateConstructed marks a run built from configuration that has not
	// executed yet.
	StateConstructed State = "constructed"
	// StateSimulated marks a run holding in-memory results.
	StateSimulated State = "simulated"
	// StatePersisted marks a run whose results have been written to a
	// store.
	StatePersisted State = "persisted"
	// StateLoaded marks a run read back from a store.
	StateLoaded State = "loaded"
)

// Run is one simulation experiment: provenance, models, simulation
// settings, and, once executed or loaded, results.
//
// Constructed and loaded runs accept configuration edits; once simulated
// or persisted the configuration is frozen so results and configuration
// cannot drift apart.
type Run struct {
	name    string
	meta    Meta
	models  Models
	simCfg  simulation.Config
	results *timeseries.Frame
	state   State
}

// Runtime supplies the live capabilities a run needs to execute:
// component factories and the adapter that turns a packaged unit on disk
// into a stepped entity. Runs loaded from a store carry no live bindings,
// so the runtime arrives at simulation time.
type Runtime struct {
	Components *Registry
	LoadFMU    FMULoader
	Logger     *slog.Logger
}

// FMULoader instantiates a stepped entity from a packaged unit on disk.
type FMULoader func(path string, cfg simulation.Config) (simulation.Entity, error)

// FromConfig builds a constructed run. The whole configuration is
// validated here, before any entity exists, and provenance is captured
// immediately.
func FromConfig(name string, cfg Config) (*Run, error) {
	if err := validateRunName(name); err != nil {
		return nil, err
	}
	cfg.Simulation = cfg.Simulation.WithDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("run %q: %w", name, err)
	}
	return &Run{
		name:   name,
		meta:   captureMeta(cfg.RunMeta.Description, cfg.RunMeta.Keywords),
		models: cfg.Models.deepCopy(),
		simCfg: cfg.Simulation,
		state:  StateConstructed,
	}, nil
}

// FromConfigFile builds a constructed run from a YAML configuration file.
func FromConfigFile(name, path string) (*Run, error) {
	cfg, err := LoadConfig(path)
	if err != nil {
		return nil, err
	}
	return FromConfig(name, cfg)
}

func validateRunName(name string) error {
	if name == "" {
		return fmt.Errorf("run name must not be empty: %w", simulation.ErrInvalidConfig)
	}
	if strings.Contains(name, "/") || name == "." || name == ".." {
		return fmt.Errorf("run name %q is not a valid store name: %w",
			name, simulation.ErrInvalidConfig)
	}
	if name == poolRootGroup {
		return fmt.Errorf("run name %q is reserved for the shared pools: %w",
			name, simulation.ErrInvalidConfig)
	}
	return nil
}

// Name returns the run name, its group name in a store.
func (r *Run) Name() string { return r.name }

// State reports where the run is in its lifecycle.
func (r *Run) State() State { return r.state }

// Meta returns a copy of the run's provenance record.
func (r *Run) Meta() Meta { return r.meta.clone() }

// Results returns the recorded time series, or nil when the run has never
// executed or been loaded.
func (r *Run) Results() *timeseries.Frame { return r.results }

// ConfigSnapshot returns a configuration from which an equivalent run can
// be rebuilt.
func (r *Run) ConfigSnapshot() Config {
	return Config{
		RunMeta: MetaConfig{
			Description: r.meta.Description,
			Keywords:    append([]string(nil), r.meta.Keywords...),
		},
		Models:     r.models.deepCopy(),
		Simulation: r.simCfg,
	}
}

// Simulate executes the run and keeps the results in memory. It may be
// called again; every invocation binds fresh entities and overwrites the
// previous results.
func (r *Run) Simulate(ctx context.Context, rt Runtime) error {
	logger := rt.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var tempFiles []string
	defer func() {
		for _, f := range tempFiles {
			if err := os.Remove(f); err != nil {
				logger.Warn("removing temporary unit file", "path", f, "error", err)
			}
		}
	}()

	entities := make(map[string]simulation.Entity, len(r.models.FMUs)+len(r.models.Components))
	concludeBuilt := func() {
		for name, e := range entities {
			if err := e.Conclude(); err != nil {
				logger.Warn("concluding system after failed setup", "system", name, "error", err)
			}
		}
	}

	for _, name := range r.models.Names() {
		entity, tmpFile, err := r.bindEntity(name, rt)
		if err != nil {
			concludeBuilt()
			return fmt.Errorf("run %q: %w", r.name, err)
		}
		if tmpFile != "" {
			tempFiles = append(tempFiles, tmpFile)
		}
		entities[name] = entity
		if model, ok := r.models.Components[name]; ok {
			model.instance = entity
			if err := restoreEnvelope(entity, model.state); err != nil {
				concludeBuilt()
				return fmt.Errorf("run %q: system %q: %w", r.name, name, err)
			}
		}
	}
	if err := r.applyStartValues(entities); err != nil {
		concludeBuilt()
		return fmt.Errorf("run %q: %w", r.name, err)
	}

	sched, err := simulation.NewScheduler(r.simCfg, entities,
		r.models.simConnections(), r.models.loggedParameters(), logger)
	if err != nil {
		concludeBuilt()
		return fmt.Errorf("run %q: %w", r.name, err)
	}
	frame, err := sched.Run(ctx)
	if err != nil {
		return fmt.Errorf("run %q: %w", r.name, err)
	}
	r.results = frame
	r.state = StateSimulated
	return nil
}

// bindEntity builds the live entity for one system. For unit-backed
// systems resolved from a store pool, the binary is materialized to a
// temporary file for the loader; the returned path is non-empty in that
// case and the caller removes it after the run.
func (r *Run) bindEntity(name string, rt Runtime) (simulation.Entity, string, error) {
	if model, ok := r.models.FMUs[name]; ok {
		if rt.LoadFMU == nil {
			return nil, "", fmt.Errorf("system %q: runtime has no unit loader", name)
		}
		path, tmp := model.Path, ""
		if model.content != nil {
			f, err := os.CreateTemp("", "costep-*.fmu")
			if err != nil {
				return nil, "", fmt.Errorf("system %q: materializing unit: %w", name, err)
			}
			_, werr := f.Write(model.content)
			cerr := f.Close()
			if werr == nil {
				werr = cerr
			}
			if werr != nil {
				os.Remove(f.Name())
				return nil, "", fmt.Errorf("system %q: materializing unit: %w", name, werr)
			}
			path, tmp = f.Name(), f.Name()
		}
		entity, err := rt.LoadFMU(path, r.simCfg)
		if err != nil {
			if tmp != "" {
				os.Remove(tmp)
			}
			return nil, "", fmt.Errorf("system %q: loading unit: %w", name, err)
		}
		if entity == nil {
			if tmp != "" {
				os.Remove(tmp)
			}
			return nil, "", fmt.Errorf("system %q: unit loader returned nil", name)
		}
		return entity, tmp, nil
	}

	model := r.models.Components[name]
	if rt.Components == nil {
		return nil, "", fmt.Errorf("system %q: runtime has no component registry", name)
	}
	entity, err := rt.Components.New(model.Kind)
	if err != nil {
		return nil, "", fmt.Errorf("system %q: %w", name, err)
	}
	return entity, "", nil
}

// applyStartValues writes configured start values into the freshly bound
// entities, system by system in name order, parameters sorted.
func (r *Run) applyStartValues(entities map[string]simulation.Entity) error {
	for _, name := range r.models.Names() {
		var values map[string]any
		if f, ok := r.models.FMUs[name]; ok {
			values = f.StartValues
		} else {
			values = r.models.Components[name].StartValues
		}
		params := make([]string, 0, len(values))
		for p := range values {
			params = append(params, p)
		}
		sort.Strings(params)
		for _, p := range params {
			if err := entities[name].SetParameter(p, values[p]); err != nil {
				return fmt.Errorf("applying start value %s.%s: %w", name, p, err)
			}
		}
	}
	return nil
}

func (r *Run) ensureMutable() error {
	if r.state != StateConstructed && r.state != StateLoaded {
		return fmt.Errorf("%s run: %w", r.state, ErrNotMutable)
	}
	return nil
}

// RenameSystem renames a system and rewrites every connection that
// references the old name, across all models. The new name must be
// unused.
func (r *Run) RenameSystem(oldName, newName string) error {
	if err := r.ensureMutable(); err != nil {
		return err
	}
	if err := validateSystemName(newName); err != nil {
		return err
	}
	if oldName == newName {
		return nil
	}
	if !r.models.Has(oldName) {
		return fmt.Errorf("system %q not found: %w", oldName, simulation.ErrInvalidConfig)
	}
	if r.models.Has(newName) {
		return fmt.Errorf("system %q already exists: %w", newName, simulation.ErrInvalidConfig)
	}
	if model, ok := r.models.FMUs[oldName]; ok {
		delete(r.models.FMUs, oldName)
		r.models.FMUs[newName] = model
	} else {
		model := r.models.Components[oldName]
		delete(r.models.Components, oldName)
		r.models.Components[newName] = model
	}
	for _, model := range r.models.FMUs {
		renameSource(model.Connections, oldName, newName)
	}
	for _, model := range r.models.Components {
		renameSource(model.Connections, oldName, newName)
	}
	return nil
}

func renameSource(conns []Connection, oldName, newName string) {
	for i := range conns {
		if conns[i].SourceSystem == oldName {
			conns[i].SourceSystem = newName
		}
	}
}

// RemoveSystem drops a system and every connection on other systems that
// references it. The last system of a run cannot be removed.
func (r *Run) RemoveSystem(name string) error {
	if err := r.ensureMutable(); err != nil {
		return err
	}
	if !r.models.Has(name) {
		return fmt.Errorf("system %q not found: %w", name, simulation.ErrInvalidConfig)
	}
	if len(r.models.FMUs)+len(r.models.Components) == 1 {
		return fmt.Errorf("cannot remove the last system %q: %w", name, simulation.ErrInvalidConfig)
	}
	delete(r.models.FMUs, name)
	delete(r.models.Components, name)
	for _, model := range r.models.FMUs {
		model.Connections = dropSource(model.Connections, name)
	}
	for _, model := range r.models.Components {
		model.Connections = dropSource(model.Connections, name)
	}
	return nil
}

func dropSource(conns []Connection, name string) []Connection {
	out := conns[:0]
	for _, c := range conns {
		if c.SourceSystem != name {
			out = append(out, c)
		}
	}
	return out
}

// SetStartValue sets one start value on a system.
func (r *Run) SetStartValue(system, parameter string, value any) error {
	if err := r.ensureMutable(); err != nil {
		return err
	}
	if parameter == "" {
		return fmt.Errorf("parameter name must not be empty: %w", simulation.ErrInvalidConfig)
	}
	if model, ok := r.models.FMUs[system]; ok {
		if model.StartValues == nil {
			model.StartValues = make(map[string]any)
		}
		model.StartValues[parameter] = value
		return nil
	}
	if model, ok := r.models.Components[system]; ok {
		if model.StartValues == nil {
			model.StartValues = make(map[string]any)
		}
		model.StartValues[parameter] = value
		return nil
	}
	return fmt.Errorf("system %q not found: %w", system, simulation.ErrInvalidConfig)
}

// SetConnections replaces the wiring of one system. The new wiring is
// validated against the whole model set before it takes effect.
func (r *Run) SetConnections(system string, conns []Connection) error {
	if err := r.ensureMutable(); err != nil {
		return err
	}
	trial := r.models.deepCopy()
	if model, ok := trial.FMUs[system]; ok {
		model.Connections = cloneConnections(conns)
	} else if model, ok := trial.Components[system]; ok {
		model.Connections = cloneConnections(conns)
	} else {
		return fmt.Errorf("system %q not found: %w", system, simulation.ErrInvalidConfig)
	}
	if err := trial.validate(); err != nil {
		return err
	}
	r.models = trial
	return nil
}

// SetParametersToLog replaces the logged-parameter list of one system.
func (r *Run) SetParametersToLog(system string, parameters []string) error {
	if err := r.ensureMutable(); err != nil {
		return err
	}
	if model, ok := r.models.FMUs[system]; ok {
		model.ParametersToLog = append([]string(nil), parameters...)
		return nil
	}
	if model, ok := r.models.Components[system]; ok {
		model.ParametersToLog = append([]string(nil), parameters...)
		return nil
	}
	return fmt.Errorf("system %q not found: %w", system, simulation.ErrInvalidConfig)
}
