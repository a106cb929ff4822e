package experiment

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/nvandessel/costep/simulation"
)

// MetaConfig is the author-supplied part of a run's metadata. The rest of
// Meta is captured from the execution context at construction.
type MetaConfig struct {
	Description string   `json:"description" yaml:"description"`
	Keywords    []string `json:"keywords,omitempty" yaml:"keywords,omitempty"`
}

// Config is the complete, reconstructible configuration of a run: author
// metadata, every model, and the simulation settings.
type Config struct {
	RunMeta    MetaConfig        `json:"run_meta" yaml:"run_meta"`
	Models     Models            `json:"models" yaml:"models"`
	Simulation simulation.Config `json:"simulation" yaml:"simulation"`
}

func (c Config) validate() error {
	if err := c.Simulation.Validate(); err != nil {
		return err
	}
	return c.Models.validate()
}

// LoadConfig reads a run configuration from a YAML file.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return cfg, nil
}

// encodeConfig renders the canonical persisted form of a configuration.
func encodeConfig(cfg Config) ([]byte, error) {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encoding config: %w", err)
	}
	return data, nil
}

// decodeConfig parses a persisted configuration. Start values keep their
// numeric kind: integral numbers come back as int64 rather than float64,
// so a reloaded run logs the same column types it was built with.
func decodeConfig(data []byte) (Config, error) {
	var cfg Config
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decoding config: %w", err)
	}
	for _, model := range cfg.Models.FMUs {
		model.StartValues = normalizeValues(model.StartValues)
	}
	for _, model := range cfg.Models.Components {
		model.StartValues = normalizeValues(model.StartValues)
	}
	return cfg, nil
}

func normalizeValues(values map[string]any) map[string]any {
	for k, v := range values {
		n, ok := v.(json.Number)
		if !ok {
			continue
		}
		if i, err := n.Int64(); err == nil && !strings.ContainsAny(n.String(), ".eE") {
			values[k] = i
			continue
		}
		f, err := n.Float64()
		if err != nil {
			values[k] = n.String()
			continue
		}
		values[k] = f
	}
	return values
}
