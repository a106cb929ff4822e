package experiment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/nvandessel/costep/store"
	"github.com/nvandessel/costep/timeseries"
)

// Store layout names. The shared payload pools live beside run groups
// under one reserved top-level group; each run group repeats the
// models/fmus and models/components structure for its own references.
const (
	poolRootGroup     = "models"
	fmuPoolRoot       = "models/fmus"
	componentPoolRoot = "models/components"

	configDataset       = "config"
	dependenciesDataset = "dependencies"
	resultsGroup        = "simulation_results"
	timeSeriesDataset   = "time_series"

	connectionsDataset = "connections"
	startValuesDataset = "start_values"
	parametersDataset  = "parameters_to_log"
	referenceDataset   = "reference"
	kindAttrName       = "kind"
)

func sortedKeys[M ~map[string]V, V any](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ToStore persists the run under its name in st: shared payload pools
// first, then the run's own subtree. Pool writes are idempotent and never
// rolled back; a failure while writing the subtree deletes the partially
// created run group so a retry starts clean.
func (r *Run) ToStore(ctx context.Context, st *store.Store) error {
	if r.results == nil {
		return fmt.Errorf("run %q: %w", r.name, ErrNoResults)
	}
	exists, err := st.Exists(ctx, r.name)
	if err != nil {
		return fmt.Errorf("run %q: %w", r.name, err)
	}
	if exists {
		return fmt.Errorf("run %q: %w", r.name, ErrRunExists)
	}

	fmuRefs, err := r.writeFMUPool(ctx, st)
	if err != nil {
		return fmt.Errorf("run %q: %w", r.name, err)
	}
	componentRefs, err := r.writeComponentPool(ctx, st)
	if err != nil {
		return fmt.Errorf("run %q: %w", r.name, err)
	}

	if err := r.writeRunGroup(ctx, st, fmuRefs, componentRefs); err != nil {
		if delErr := st.DeleteGroup(ctx, r.name); delErr != nil && !errors.Is(delErr, store.ErrNotFound) {
			return fmt.Errorf("run %q: %w (rollback also failed: %v)", r.name, err, delErr)
		}
		return fmt.Errorf("run %q: %w", r.name, err)
	}
	r.state = StatePersisted
	return nil
}

func (r *Run) writeFMUPool(ctx context.Context, st *store.Store) (map[string]string, error) {
	pool := store.NewPool(st, fmuPoolRoot)
	refs := make(map[string]string, len(r.models.FMUs))
	for _, name := range sortedKeys(r.models.FMUs) {
		model := r.models.FMUs[name]
		content, err := model.loadContent()
		if err != nil {
			return nil, fmt.Errorf("system %q: %w", name, err)
		}
		hash, err := pool.Put(ctx, content)
		if err != nil {
			return nil, fmt.Errorf("system %q: %w", name, err)
		}
		model.hash = hash
		refs[name] = hash
	}
	return refs, nil
}

func (r *Run) writeComponentPool(ctx context.Context, st *store.Store) (map[string]string, error) {
	pool := store.NewPool(st, componentPoolRoot)
	refs := make(map[string]string, len(r.models.Components))
	for _, name := range sortedKeys(r.models.Components) {
		model := r.models.Components[name]
		env, err := r.componentEnvelope(model)
		if err != nil {
			return nil, fmt.Errorf("system %q: %w", name, err)
		}
		data, err := encodeEnvelope(env)
		if err != nil {
			return nil, fmt.Errorf("system %q: %w", name, err)
		}
		hash, err := pool.Put(ctx, data)
		if err != nil {
			return nil, fmt.Errorf("system %q: %w", name, err)
		}
		refs[name] = hash
	}
	return refs, nil
}

// componentEnvelope picks the state to persist for one component: the
// live instance when the run was simulated in this process, the loaded
// envelope otherwise.
func (r *Run) componentEnvelope(model *ComponentModel) (*stateEnvelope, error) {
	if model.instance != nil {
		return envelopeFor(model.Kind, model.instance)
	}
	if model.state != nil {
		return model.state, nil
	}
	return &stateEnvelope{Kind: model.Kind}, nil
}

func (r *Run) writeRunGroup(ctx context.Context, st *store.Store, fmuRefs, componentRefs map[string]string) error {
	if err := st.CreateGroup(ctx, r.name); err != nil {
		return err
	}
	if err := st.SetAttrs(ctx, r.name, r.meta.attrs()); err != nil {
		return err
	}

	cfgData, err := encodeConfig(r.ConfigSnapshot())
	if err != nil {
		return err
	}
	if err := st.WriteDataset(ctx, r.name+"/"+configDataset, cfgData); err != nil {
		return err
	}

	deps := r.meta.Dependencies
	if deps == nil {
		deps = map[string]string{}
	}
	depsData, err := json.MarshalIndent(deps, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding dependency manifest: %w", err)
	}
	if err := st.WriteDataset(ctx, r.name+"/"+dependenciesDataset, depsData); err != nil {
		return err
	}

	resultsPath := r.name + "/" + resultsGroup
	if err := st.CreateGroup(ctx, resultsPath); err != nil {
		return err
	}
	if err := st.SetAttrs(ctx, resultsPath, map[string]any{
		"stop_time":         r.simCfg.StopTime,
		"step_size":         r.simCfg.StepSize,
		"logging_step_size": r.simCfg.LoggingStepSize,
	}); err != nil {
		return err
	}
	seriesData, err := timeseries.Encode(r.results)
	if err != nil {
		return err
	}
	seriesPath := resultsPath + "/" + timeSeriesDataset
	if err := st.WriteDataset(ctx, seriesPath, seriesData); err != nil {
		return err
	}
	if units := r.results.Units(); len(units) > 0 {
		attrs := make(map[string]any, len(units))
		for column, unit := range units {
			attrs[column] = unit
		}
		if err := st.SetAttrs(ctx, seriesPath, attrs); err != nil {
			return err
		}
	}

	if err := st.CreateGroup(ctx, r.name+"/"+fmuPoolRoot); err != nil {
		return err
	}
	if err := st.CreateGroup(ctx, r.name+"/"+componentPoolRoot); err != nil {
		return err
	}
	for _, name := range sortedKeys(r.models.FMUs) {
		model := r.models.FMUs[name]
		base := r.name + "/" + fmuPoolRoot + "/" + name
		if err := writeModelGroup(ctx, st, base,
			model.Connections, model.StartValues, model.ParametersToLog, fmuRefs[name]); err != nil {
			return fmt.Errorf("system %q: %w", name, err)
		}
	}
	for _, name := range sortedKeys(r.models.Components) {
		model := r.models.Components[name]
		base := r.name + "/" + componentPoolRoot + "/" + name
		if err := writeModelGroup(ctx, st, base,
			model.Connections, model.StartValues, model.ParametersToLog, componentRefs[name]); err != nil {
			return fmt.Errorf("system %q: %w", name, err)
		}
		if err := st.SetAttrs(ctx, base, map[string]any{kindAttrName: model.Kind}); err != nil {
			return fmt.Errorf("system %q: %w", name, err)
		}
	}
	return nil
}

// writeModelGroup writes one system's model group: wiring, start values,
// logged parameters, and the pool reference its payload resolves through.
func writeModelGroup(ctx context.Context, st *store.Store, base string,
	conns []Connection, startValues map[string]any, parameters []string, ref string) error {
	if err := st.CreateGroup(ctx, base); err != nil {
		return err
	}
	if conns == nil {
		conns = []Connection{}
	}
	if err := writeJSONDataset(ctx, st, base+"/"+connectionsDataset, conns); err != nil {
		return err
	}
	if startValues == nil {
		startValues = map[string]any{}
	}
	if err := writeJSONDataset(ctx, st, base+"/"+startValuesDataset, startValues); err != nil {
		return err
	}
	if parameters == nil {
		parameters = []string{}
	}
	if err := writeJSONDataset(ctx, st, base+"/"+parametersDataset, parameters); err != nil {
		return err
	}
	return st.WriteDataset(ctx, base+"/"+referenceDataset, []byte(ref))
}

func writeJSONDataset(ctx context.Context, st *store.Store, path string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", path, err)
	}
	return st.WriteDataset(ctx, path, data)
}

// FromStore reads a persisted run back into memory. The loaded run holds
// configuration, provenance, pooled payloads, and results; live entity
// bindings are established again at the next Simulate. Provenance
// differences against the current execution context are logged as
// warnings, never errors.
func FromStore(ctx context.Context, st *store.Store, name string, logger *slog.Logger) (*Run, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := validateRunName(name); err != nil {
		return nil, err
	}
	ok, err := st.Exists(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("run %q: %w", name, err)
	}
	if !ok {
		return nil, fmt.Errorf("run %q: %w", name, store.ErrNotFound)
	}

	attrs, err := st.Attrs(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("run %q: %w", name, err)
	}
	depsData, err := st.ReadDataset(ctx, name+"/"+dependenciesDataset)
	if err != nil {
		return nil, fmt.Errorf("run %q: %w", name, err)
	}
	var deps map[string]string
	if err := json.Unmarshal(depsData, &deps); err != nil {
		return nil, fmt.Errorf("run %q: decoding dependency manifest: %w", name, err)
	}
	meta, err := metaFromAttrs(attrs, deps)
	if err != nil {
		return nil, fmt.Errorf("run %q: %w", name, err)
	}

	cfgData, err := st.ReadDataset(ctx, name+"/"+configDataset)
	if err != nil {
		return nil, fmt.Errorf("run %q: %w", name, err)
	}
	cfg, err := decodeConfig(cfgData)
	if err != nil {
		return nil, fmt.Errorf("run %q: %w", name, err)
	}
	cfg.Simulation = cfg.Simulation.WithDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("run %q: %w", name, err)
	}

	models := cfg.Models.deepCopy()
	if err := resolveModelPayloads(ctx, st, name, models); err != nil {
		return nil, fmt.Errorf("run %q: %w", name, err)
	}

	seriesData, err := st.ReadDataset(ctx, name+"/"+resultsGroup+"/"+timeSeriesDataset)
	if err != nil {
		return nil, fmt.Errorf("run %q: %w", name, err)
	}
	results, err := timeseries.Decode(seriesData)
	if err != nil {
		return nil, fmt.Errorf("run %q: %w", name, err)
	}

	run := &Run{
		name:    name,
		meta:    meta,
		models:  models,
		simCfg:  cfg.Simulation,
		results: results,
		state:   StateLoaded,
	}
	warnCompatibility(logger, meta)
	return run, nil
}

// resolveModelPayloads follows each model's pool reference and attaches
// the payload: unit binaries for fmus, state envelopes for components.
func resolveModelPayloads(ctx context.Context, st *store.Store, runName string, models Models) error {
	fmuPool := store.NewPool(st, fmuPoolRoot)
	for _, name := range sortedKeys(models.FMUs) {
		model := models.FMUs[name]
		ref, err := readReference(ctx, st, runName+"/"+fmuPoolRoot+"/"+name)
		if err != nil {
			return fmt.Errorf("system %q: %w", name, err)
		}
		content, err := fmuPool.Get(ctx, ref)
		if err != nil {
			return fmt.Errorf("system %q: %w", name, err)
		}
		model.content = content
		model.hash = ref
	}

	componentPool := store.NewPool(st, componentPoolRoot)
	for _, name := range sortedKeys(models.Components) {
		model := models.Components[name]
		ref, err := readReference(ctx, st, runName+"/"+componentPoolRoot+"/"+name)
		if err != nil {
			return fmt.Errorf("system %q: %w", name, err)
		}
		data, err := componentPool.Get(ctx, ref)
		if err != nil {
			return fmt.Errorf("system %q: %w", name, err)
		}
		env, err := decodeEnvelope(data)
		if err != nil {
			return fmt.Errorf("system %q: %w", name, err)
		}
		if env.Kind != model.Kind {
			return fmt.Errorf("system %q: state envelope kind %q does not match configured kind %q: %w",
				name, env.Kind, model.Kind, store.ErrMalformed)
		}
		model.state = env
	}
	return nil
}

func readReference(ctx context.Context, st *store.Store, base string) (string, error) {
	data, err := st.ReadDataset(ctx, base+"/"+referenceDataset)
	if err != nil {
		return "", err
	}
	ref := strings.TrimSpace(string(data))
	if ref == "" {
		return "", fmt.Errorf("empty pool reference at %s: %w", base, store.ErrMalformed)
	}
	return ref, nil
}
