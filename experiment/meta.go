package experiment

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"time"

	"github.com/nvandessel/costep/internal/version"
)

// Meta records the provenance of a run: who produced it, when, and with
// what toolchain. It is captured once at construction and never changes
// afterwards; stored copies are compared against the loading context to
// surface compatibility drift.
type Meta struct {
	Description  string            `json:"description" yaml:"description"`
	Keywords     []string          `json:"keywords,omitempty" yaml:"keywords,omitempty"`
	CreatedAt    time.Time         `json:"created_at" yaml:"created_at"`
	ToolVersion  string            `json:"tool_version" yaml:"tool_version"`
	GoVersion    string            `json:"go_version" yaml:"go_version"`
	OS           string            `json:"os" yaml:"os"`
	Arch         string            `json:"arch" yaml:"arch"`
	Dependencies map[string]string `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`
}

// captureMeta snapshots the current execution context.
func captureMeta(description string, keywords []string) Meta {
	return Meta{
		Description:  description,
		Keywords:     append([]string(nil), keywords...),
		CreatedAt:    time.Now().UTC(),
		ToolVersion:  version.Version,
		GoVersion:    runtime.Version(),
		OS:           runtime.GOOS,
		Arch:         runtime.GOARCH,
		Dependencies: dependencyManifest(),
	}
}

// dependencyManifest lists the modules compiled into the running binary.
// Binaries built outside module mode report none.
func dependencyManifest() map[string]string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return nil
	}
	deps := make(map[string]string, len(info.Deps))
	for _, dep := range info.Deps {
		if dep.Replace != nil {
			deps[dep.Path] = dep.Replace.Version
			continue
		}
		deps[dep.Path] = dep.Version
	}
	return deps
}

func (m Meta) clone() Meta {
	c := m
	c.Keywords = append([]string(nil), m.Keywords...)
	if m.Dependencies != nil {
		c.Dependencies = make(map[string]string, len(m.Dependencies))
		for k, v := range m.Dependencies {
			c.Dependencies[k] = v
		}
	}
	return c
}

// attrs flattens the metadata into store attributes. The dependency
// manifest is excluded; it is large and lives in its own dataset.
func (m Meta) attrs() map[string]any {
	return map[string]any{
		"description":  m.Description,
		"keywords":     m.Keywords,
		"created_at":   m.CreatedAt.Format(time.RFC3339Nano),
		"tool_version": m.ToolVersion,
		"go_version":   m.GoVersion,
		"os":           m.OS,
		"arch":         m.Arch,
	}
}

func metaFromAttrs(attrs map[string]any, deps map[string]string) (Meta, error) {
	m := Meta{
		Description:  attrString(attrs, "description"),
		ToolVersion:  attrString(attrs, "tool_version"),
		GoVersion:    attrString(attrs, "go_version"),
		OS:           attrString(attrs, "os"),
		Arch:         attrString(attrs, "arch"),
		Dependencies: deps,
	}
	if raw, ok := attrs["keywords"].([]any); ok {
		m.Keywords = make([]string, 0, len(raw))
		for _, kw := range raw {
			s, ok := kw.(string)
			if !ok {
				return Meta{}, fmt.Errorf("keyword %v is not a string", kw)
			}
			m.Keywords = append(m.Keywords, s)
		}
	}
	created := attrString(attrs, "created_at")
	if created != "" {
		t, err := time.Parse(time.RFC3339Nano, created)
		if err != nil {
			return Meta{}, fmt.Errorf("parsing created_at: %w", err)
		}
		m.CreatedAt = t
	}
	return m, nil
}

func attrString(attrs map[string]any, key string) string {
	s, _ := attrs[key].(string)
	return s
}
