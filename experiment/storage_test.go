package experiment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/nvandessel/costep/internal/simtest"
	"github.com/nvandessel/costep/simulation"
	"github.com/nvandessel/costep/store"
	"github.com/nvandessel/costep/timeseries"
)

// simulatedScenario builds and executes the constant-into-echo run.
func simulatedScenario(t *testing.T) *Run {
	t.Helper()
	run := mustConstruct(t)
	if err := run.Simulate(context.Background(), scenarioRuntime(t)); err != nil {
		t.Fatalf("Simulate() error = %v", err)
	}
	return run
}

func TestStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	st := simtest.OpenStore(t)
	run := simulatedScenario(t)

	if err := run.ToStore(ctx, st); err != nil {
		t.Fatalf("ToStore() error = %v", err)
	}
	if run.State() != StatePersisted {
		t.Errorf("State() = %v after ToStore, want %v", run.State(), StatePersisted)
	}

	loaded, err := FromStore(ctx, st, "run-1", discardLogger())
	if err != nil {
		t.Fatalf("FromStore() error = %v", err)
	}
	if loaded.State() != StateLoaded {
		t.Errorf("State() = %v, want %v", loaded.State(), StateLoaded)
	}

	want, got := run.Meta(), loaded.Meta()
	if got.Description != want.Description {
		t.Errorf("Description = %q, want %q", got.Description, want.Description)
	}
	if len(got.Keywords) != 1 || got.Keywords[0] != "demo" {
		t.Errorf("Keywords = %v, want [demo]", got.Keywords)
	}
	if !got.CreatedAt.Equal(want.CreatedAt) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, want.CreatedAt)
	}
	if got.ToolVersion != want.ToolVersion || got.GoVersion != want.GoVersion ||
		got.OS != want.OS || got.Arch != want.Arch {
		t.Errorf("provenance drifted: got %+v, want %+v", got, want)
	}
	if len(got.Dependencies) != len(want.Dependencies) {
		t.Errorf("Dependencies has %d entries, want %d", len(got.Dependencies), len(want.Dependencies))
	}

	wantCfg, err := encodeConfig(run.ConfigSnapshot())
	if err != nil {
		t.Fatalf("encoding original config: %v", err)
	}
	gotCfg, err := encodeConfig(loaded.ConfigSnapshot())
	if err != nil {
		t.Fatalf("encoding loaded config: %v", err)
	}
	if !bytes.Equal(gotCfg, wantCfg) {
		t.Errorf("config changed across the store:\ngot  %s\nwant %s", gotCfg, wantCfg)
	}

	wantFrame, gotFrame := run.Results(), loaded.Results()
	if gotFrame.Rows() != wantFrame.Rows() {
		t.Fatalf("Rows() = %d, want %d", gotFrame.Rows(), wantFrame.Rows())
	}
	for i := range wantFrame.Time {
		if gotFrame.Time[i] != wantFrame.Time[i] {
			t.Fatalf("Time[%d] = %v, want %v", i, gotFrame.Time[i], wantFrame.Time[i])
		}
	}
	for _, name := range wantFrame.ColumnNames() {
		wc, gc := wantFrame.Column(name), gotFrame.Column(name)
		if gc == nil {
			t.Fatalf("column %q missing after load", name)
		}
		if gc.Unit != wc.Unit {
			t.Errorf("column %s unit = %q, want %q", name, gc.Unit, wc.Unit)
		}
		for i := 0; i < wc.Len(); i++ {
			if gc.Value(i) != wc.Value(i) {
				t.Errorf("column %s row %d = %v, want %v", name, i, gc.Value(i), wc.Value(i))
				break
			}
		}
	}

	// A loaded run re-executes with fresh entities.
	if err := loaded.Simulate(ctx, scenarioRuntime(t)); err != nil {
		t.Fatalf("Simulate() of loaded run error = %v", err)
	}
	re := loaded.Results()
	if re.Rows() != wantFrame.Rows() {
		t.Errorf("Rows() = %d after re-simulation, want %d", re.Rows(), wantFrame.Rows())
	}
	if got := re.Column("B.output").Float64[10]; got != 5.0 {
		t.Errorf("B.output[10] = %v after re-simulation, want 5.0", got)
	}
}

func TestPersistedLayout(t *testing.T) {
	ctx := context.Background()
	st := simtest.OpenStore(t)
	run := simulatedScenario(t)
	if err := run.ToStore(ctx, st); err != nil {
		t.Fatalf("ToStore() error = %v", err)
	}

	top, err := st.ListChildren(ctx, "")
	if err != nil {
		t.Fatalf("ListChildren() error = %v", err)
	}
	wantTop := []store.Entry{
		{Name: "models", Kind: store.EntryGroup},
		{Name: "run-1", Kind: store.EntryGroup},
	}
	if len(top) != len(wantTop) {
		t.Fatalf("top-level entries = %v, want %v", top, wantTop)
	}
	for i, e := range wantTop {
		if top[i] != e {
			t.Errorf("top-level entry %d = %v, want %v", i, top[i], e)
		}
	}

	runChildren, err := st.ListChildren(ctx, "run-1")
	if err != nil {
		t.Fatalf("ListChildren(run-1) error = %v", err)
	}
	wantChildren := []store.Entry{
		{Name: "config", Kind: store.EntryDataset},
		{Name: "dependencies", Kind: store.EntryDataset},
		{Name: "models", Kind: store.EntryGroup},
		{Name: "simulation_results", Kind: store.EntryGroup},
	}
	if len(runChildren) != len(wantChildren) {
		t.Fatalf("run children = %v, want %v", runChildren, wantChildren)
	}
	for i, e := range wantChildren {
		if runChildren[i] != e {
			t.Errorf("run child %d = %v, want %v", i, runChildren[i], e)
		}
	}

	resAttrs, err := st.Attrs(ctx, "run-1/simulation_results")
	if err != nil {
		t.Fatalf("Attrs(simulation_results) error = %v", err)
	}
	if got := resAttrs["stop_time"]; got != 1.0 {
		t.Errorf("stop_time attr = %v, want 1.0", got)
	}
	if got := resAttrs["logging_step_size"]; got != 0.1 {
		t.Errorf("logging_step_size attr = %v, want 0.1", got)
	}

	seriesAttrs, err := st.Attrs(ctx, "run-1/simulation_results/time_series")
	if err != nil {
		t.Fatalf("Attrs(time_series) error = %v", err)
	}
	if got := seriesAttrs["A.output"]; got != "V" {
		t.Errorf("unit attr for A.output = %v, want V", got)
	}

	modelChildren, err := st.ListChildren(ctx, "run-1/models/components/B")
	if err != nil {
		t.Fatalf("ListChildren(components/B) error = %v", err)
	}
	wantModel := []store.Entry{
		{Name: "connections", Kind: store.EntryDataset},
		{Name: "parameters_to_log", Kind: store.EntryDataset},
		{Name: "reference", Kind: store.EntryDataset},
		{Name: "start_values", Kind: store.EntryDataset},
	}
	if len(modelChildren) != len(wantModel) {
		t.Fatalf("model children = %v, want %v", modelChildren, wantModel)
	}
	for i, e := range wantModel {
		if modelChildren[i] != e {
			t.Errorf("model child %d = %v, want %v", i, modelChildren[i], e)
		}
	}

	kindAttrs, err := st.Attrs(ctx, "run-1/models/components/B")
	if err != nil {
		t.Fatalf("Attrs(components/B) error = %v", err)
	}
	if got := kindAttrs["kind"]; got != "echo" {
		t.Errorf("kind attr = %v, want echo", got)
	}

	connsData, err := st.ReadDataset(ctx, "run-1/models/components/B/connections")
	if err != nil {
		t.Fatalf("ReadDataset(connections) error = %v", err)
	}
	var conns []Connection
	if err := json.Unmarshal(connsData, &conns); err != nil {
		t.Fatalf("decoding connections: %v", err)
	}
	if len(conns) != 1 || conns[0].SourceSystem != "A" || conns[0].Parameter != "input" {
		t.Errorf("connections = %v, want the configured wiring", conns)
	}

	// Systems without wiring or start values persist empty collections,
	// not missing datasets.
	emptyConns, err := st.ReadDataset(ctx, "run-1/models/components/A/connections")
	if err != nil {
		t.Fatalf("ReadDataset(A/connections) error = %v", err)
	}
	if string(emptyConns) != "[]" {
		t.Errorf("A connections = %s, want []", emptyConns)
	}
	emptyValues, err := st.ReadDataset(ctx, "run-1/models/components/A/start_values")
	if err != nil {
		t.Fatalf("ReadDataset(A/start_values) error = %v", err)
	}
	if string(emptyValues) != "{}" {
		t.Errorf("A start values = %s, want {}", emptyValues)
	}

	ref, err := st.ReadDataset(ctx, "run-1/models/components/B/reference")
	if err != nil {
		t.Fatalf("ReadDataset(reference) error = %v", err)
	}
	if !strings.HasPrefix(string(ref), store.HashPrefix) {
		t.Fatalf("reference = %q, want a %s address", ref, store.HashPrefix)
	}
	ok, err := store.NewPool(st, componentPoolRoot).Contains(ctx, string(ref))
	if err != nil {
		t.Fatalf("Contains() error = %v", err)
	}
	if !ok {
		t.Error("reference does not resolve in the component pool")
	}
}

func TestToStoreDuplicateName(t *testing.T) {
	ctx := context.Background()
	st := simtest.OpenStore(t)
	run := simulatedScenario(t)
	if err := run.ToStore(ctx, st); err != nil {
		t.Fatalf("ToStore() error = %v", err)
	}

	again := simulatedScenario(t)
	if err := again.ToStore(ctx, st); !errors.Is(err, ErrRunExists) {
		t.Errorf("ToStore() with occupied name error = %v, want ErrRunExists", err)
	}
	top, err := st.ListChildren(ctx, "")
	if err != nil {
		t.Fatalf("ListChildren() error = %v", err)
	}
	if len(top) != 2 {
		t.Errorf("top-level entries = %v, want models and run-1 only", top)
	}
}

func TestToStoreRequiresResults(t *testing.T) {
	ctx := context.Background()
	st := simtest.OpenStore(t)
	run := mustConstruct(t)
	if err := run.ToStore(ctx, st); !errors.Is(err, ErrNoResults) {
		t.Errorf("ToStore() before simulation error = %v, want ErrNoResults", err)
	}
}

func TestFMUContentDeduplicated(t *testing.T) {
	ctx := context.Background()
	st := simtest.OpenStore(t)

	unitPath := filepath.Join(t.TempDir(), "plant.fmu")
	if err := os.WriteFile(unitPath, []byte("unit-binary-v1"), 0o644); err != nil {
		t.Fatalf("writing unit file: %v", err)
	}
	rt := Runtime{
		LoadFMU: func(string, simulation.Config) (simulation.Entity, error) {
			return simtest.Constant(1.0, ""), nil
		},
		Logger: discardLogger(),
	}
	cfg := Config{
		Models: Models{FMUs: map[string]*FMUModel{
			"plant": {Path: unitPath, ParametersToLog: []string{"output"}},
		}},
		Simulation: simulation.Config{StopTime: 0.5, StepSize: 0.1},
	}

	for _, name := range []string{"run-a", "run-b"} {
		run, err := FromConfig(name, cfg)
		if err != nil {
			t.Fatalf("FromConfig(%q) error = %v", name, err)
		}
		if err := run.Simulate(ctx, rt); err != nil {
			t.Fatalf("Simulate(%q) error = %v", name, err)
		}
		if err := run.ToStore(ctx, st); err != nil {
			t.Fatalf("ToStore(%q) error = %v", name, err)
		}
	}

	pool := store.NewPool(st, fmuPoolRoot)
	hashes, err := pool.Hashes(ctx)
	if err != nil {
		t.Fatalf("Hashes() error = %v", err)
	}
	if len(hashes) != 1 {
		t.Fatalf("pool holds %d payloads, want the shared unit exactly once", len(hashes))
	}
	refA, err := st.ReadDataset(ctx, "run-a/models/fmus/plant/reference")
	if err != nil {
		t.Fatalf("ReadDataset(run-a reference) error = %v", err)
	}
	refB, err := st.ReadDataset(ctx, "run-b/models/fmus/plant/reference")
	if err != nil {
		t.Fatalf("ReadDataset(run-b reference) error = %v", err)
	}
	if string(refA) != hashes[0] || string(refB) != hashes[0] {
		t.Errorf("references %q and %q do not both point at %q", refA, refB, hashes[0])
	}
	content, err := pool.Get(ctx, hashes[0])
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if string(content) != "unit-binary-v1" {
		t.Errorf("pooled content = %q, want the unit bytes", content)
	}
}

func TestToStoreRollsBackRunGroup(t *testing.T) {
	ctx := context.Background()
	st := simtest.OpenStore(t)

	// An infinite start value cannot be encoded to JSON, so writing the
	// run subtree fails after the pools are already populated.
	run := &Run{
		name: "broken",
		meta: captureMeta("rollback", nil),
		models: Models{Components: map[string]*ComponentModel{
			"A": {Kind: "constant", StartValues: map[string]any{"limit": math.Inf(1)}},
		}},
		simCfg: simulation.Config{StopTime: 0.1, StepSize: 0.1, LoggingStepSize: 0.1},
		results: &timeseries.Frame{
			Time: []float64{0, 0.1},
			Columns: []timeseries.Column{
				{Name: "A.output", Kind: timeseries.Float64, Float64: []float64{1, 2}},
			},
		},
		state: StateSimulated,
	}

	if err := run.ToStore(ctx, st); err == nil {
		t.Fatal("ToStore() with unencodable config succeeded")
	}
	if run.State() != StateSimulated {
		t.Errorf("State() = %v after failed ToStore, want %v", run.State(), StateSimulated)
	}

	exists, err := st.Exists(ctx, "broken")
	if err != nil {
		t.Fatalf("Exists() error = %v", err)
	}
	if exists {
		t.Error("run group left behind after failed ToStore")
	}

	// The pooled component envelope survives the rollback.
	envHash := store.HashBytes([]byte(`{"kind":"constant"}`))
	ok, err := store.NewPool(st, componentPoolRoot).Contains(ctx, envHash)
	if err != nil {
		t.Fatalf("Contains() error = %v", err)
	}
	if !ok {
		t.Error("pool entry rolled back with the run group")
	}
}

func TestFromStoreMissingRun(t *testing.T) {
	ctx := context.Background()
	st := simtest.OpenStore(t)
	if _, err := FromStore(ctx, st, "ghost", discardLogger()); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("FromStore() error = %v, want ErrNotFound", err)
	}
	if _, err := FromStore(ctx, st, "models", discardLogger()); !errors.Is(err, simulation.ErrInvalidConfig) {
		t.Errorf("FromStore() of reserved name error = %v, want ErrInvalidConfig", err)
	}
}

func TestFromStoreMissingPoolContent(t *testing.T) {
	ctx := context.Background()
	st := simtest.OpenStore(t)
	run := simulatedScenario(t)
	if err := run.ToStore(ctx, st); err != nil {
		t.Fatalf("ToStore() error = %v", err)
	}

	ref, err := st.ReadDataset(ctx, "run-1/models/components/A/reference")
	if err != nil {
		t.Fatalf("ReadDataset(reference) error = %v", err)
	}
	if err := st.DeleteDataset(ctx, componentPoolRoot+"/"+string(ref)); err != nil {
		t.Fatalf("DeleteDataset() error = %v", err)
	}

	if _, err := FromStore(ctx, st, "run-1", discardLogger()); !errors.Is(err, store.ErrMissingContent) {
		t.Errorf("FromStore() error = %v, want ErrMissingContent", err)
	}
}

func TestStatefulComponentStateRoundTrip(t *testing.T) {
	ctx := context.Background()
	st := simtest.OpenStore(t)

	cfg := Config{
		Models: Models{Components: map[string]*ComponentModel{
			"source": {Kind: "constant"},
			"acc": {
				Kind: simtest.AccumulatorKind,
				Connections: []Connection{
					{Parameter: "input", SourceSystem: "source", SourceParameter: "output"},
				},
				ParametersToLog: []string{"total"},
			},
		}},
		Simulation: simulation.Config{StopTime: 1.0, StepSize: 0.1, LoggingStepSize: 0.1},
	}
	run, err := FromConfig("acc-run", cfg)
	if err != nil {
		t.Fatalf("FromConfig() error = %v", err)
	}
	if err := run.Simulate(ctx, scenarioRuntime(t)); err != nil {
		t.Fatalf("Simulate() error = %v", err)
	}
	if got := run.Results().Column("acc.total").Float64[10]; got != 50.0 {
		t.Fatalf("acc.total[10] = %v, want 50", got)
	}
	if err := run.ToStore(ctx, st); err != nil {
		t.Fatalf("ToStore() error = %v", err)
	}

	loaded, err := FromStore(ctx, st, "acc-run", discardLogger())
	if err != nil {
		t.Fatalf("FromStore() error = %v", err)
	}
	env := loaded.models.Components["acc"].state
	if env == nil {
		t.Fatal("no state envelope on the loaded component")
	}
	if env.Kind != simtest.AccumulatorKind || env.Version != 1 {
		t.Errorf("envelope = %s v%d, want %s v1", env.Kind, env.Version, simtest.AccumulatorKind)
	}

	// The accumulator finished the first run at 55 and resumes there.
	if err := loaded.Simulate(ctx, scenarioRuntime(t)); err != nil {
		t.Fatalf("Simulate() of loaded run error = %v", err)
	}
	if got := loaded.Results().Column("acc.total").Float64[0]; got != 55.0 {
		t.Errorf("acc.total[0] = %v after reload, want 55", got)
	}
}

func TestRoundTripPreservesNumberKinds(t *testing.T) {
	ctx := context.Background()
	st := simtest.OpenStore(t)

	reg := scenarioRegistry(t)
	if err := reg.Register("tank", func() (simulation.Entity, error) {
		return simtest.NewEntity(map[string]any{"gain": 0.0, "ratio": 0.0, "output": 1.0}), nil
	}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	rt := Runtime{Components: reg, Logger: discardLogger()}

	cfg := Config{
		Models: Models{Components: map[string]*ComponentModel{
			"T": {
				Kind:            "tank",
				StartValues:     map[string]any{"gain": 2, "ratio": 0.5},
				ParametersToLog: []string{"output"},
			},
		}},
		Simulation: simulation.Config{StopTime: 0.2, StepSize: 0.1},
	}
	run, err := FromConfig("tank-run", cfg)
	if err != nil {
		t.Fatalf("FromConfig() error = %v", err)
	}
	if err := run.Simulate(ctx, rt); err != nil {
		t.Fatalf("Simulate() error = %v", err)
	}
	if err := run.ToStore(ctx, st); err != nil {
		t.Fatalf("ToStore() error = %v", err)
	}

	loaded, err := FromStore(ctx, st, "tank-run", discardLogger())
	if err != nil {
		t.Fatalf("FromStore() error = %v", err)
	}
	sv := loaded.ConfigSnapshot().Models.Components["T"].StartValues
	if got, ok := sv["gain"].(int64); !ok || got != 2 {
		t.Errorf("gain = %v (%T), want int64 2", sv["gain"], sv["gain"])
	}
	if got, ok := sv["ratio"].(float64); !ok || got != 0.5 {
		t.Errorf("ratio = %v (%T), want float64 0.5", sv["ratio"], sv["ratio"])
	}
}

func TestFromStoreWarnsOnDrift(t *testing.T) {
	ctx := context.Background()
	st := simtest.OpenStore(t)
	run := simulatedScenario(t)
	if err := run.ToStore(ctx, st); err != nil {
		t.Fatalf("ToStore() error = %v", err)
	}

	// Rewrite provenance attrs as if another machine had produced the run.
	if err := st.SetAttrs(ctx, "run-1", map[string]any{
		"os":           "plan9",
		"tool_version": "99.0.0",
	}); err != nil {
		t.Fatalf("SetAttrs() error = %v", err)
	}

	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	if _, err := FromStore(ctx, st, "run-1", logger); err != nil {
		t.Fatalf("FromStore() error = %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "different platform") {
		t.Errorf("no platform warning in %q", out)
	}
	if !strings.Contains(out, "newer costep") {
		t.Errorf("no version warning in %q", out)
	}
}
