package experiment

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/nvandessel/costep/simulation"
)

// ErrUnknownKind reports a component kind no factory is registered for.
var ErrUnknownKind = errors.New("unknown component kind")

// Factory builds a fresh component entity.
type Factory func() (simulation.Entity, error)

// Registry maps component kind identifiers to factories. It is explicit
// state owned by the caller and handed to runs through Runtime, never a
// package global.
type Registry struct {
	factories map[string]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register binds a kind identifier to a factory. Registering a kind twice
// is an error; a kind identifies exactly one component implementation.
func (r *Registry) Register(kind string, factory Factory) error {
	if kind == "" {
		return fmt.Errorf("component kind must not be empty")
	}
	if factory == nil {
		return fmt.Errorf("component kind %q: factory must not be nil", kind)
	}
	if _, ok := r.factories[kind]; ok {
		return fmt.Errorf("component kind %q already registered", kind)
	}
	r.factories[kind] = factory
	return nil
}

// New builds a fresh entity of the given kind.
func (r *Registry) New(kind string) (simulation.Entity, error) {
	factory, ok := r.factories[kind]
	if !ok {
		return nil, fmt.Errorf("%q: %w", kind, ErrUnknownKind)
	}
	entity, err := factory()
	if err != nil {
		return nil, fmt.Errorf("building component %q: %w", kind, err)
	}
	if entity == nil {
		return nil, fmt.Errorf("building component %q: factory returned nil", kind)
	}
	return entity, nil
}

// Kinds returns the registered kind identifiers, sorted.
func (r *Registry) Kinds() []string {
	kinds := make([]string, 0, len(r.factories))
	for kind := range r.factories {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	return kinds
}

// Stateful is implemented by components whose internal state should
// survive persistence. Components without it are reconstructed fresh from
// their factory on load.
type Stateful interface {
	// StateKind identifies the state layout. It normally matches the
	// registered component kind.
	StateKind() string
	// StateVersion is the component's own state schema version, raised by
	// the component when its layout changes.
	StateVersion() int
	MarshalState() ([]byte, error)
	RestoreState(version int, data []byte) error
}

// stateEnvelope is the persisted form of a component's internal state: a
// kind identifier, the component's state schema version, and the opaque
// state payload. Components without state persist a bare kind.
type stateEnvelope struct {
	Kind    string `json:"kind"`
	Version int    `json:"version,omitempty"`
	State   []byte `json:"state,omitempty"`
}

// envelopeFor captures a component's persistable state.
func envelopeFor(kind string, entity simulation.Entity) (*stateEnvelope, error) {
	s, ok := entity.(Stateful)
	if !ok {
		return &stateEnvelope{Kind: kind}, nil
	}
	data, err := s.MarshalState()
	if err != nil {
		return nil, fmt.Errorf("marshaling component state: %w", err)
	}
	return &stateEnvelope{Kind: s.StateKind(), Version: s.StateVersion(), State: data}, nil
}

// restoreEnvelope replays a persisted envelope into a freshly built
// entity. An envelope without state is a no-op.
func restoreEnvelope(entity simulation.Entity, env *stateEnvelope) error {
	if env == nil || len(env.State) == 0 {
		return nil
	}
	s, ok := entity.(Stateful)
	if !ok {
		return fmt.Errorf("component carries %q state but does not implement Stateful", env.Kind)
	}
	if env.Kind != s.StateKind() {
		return fmt.Errorf("state envelope kind %q does not match component state kind %q",
			env.Kind, s.StateKind())
	}
	if err := s.RestoreState(env.Version, env.State); err != nil {
		return fmt.Errorf("restoring component state: %w", err)
	}
	return nil
}

func encodeEnvelope(env *stateEnvelope) ([]byte, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encoding state envelope: %w", err)
	}
	return data, nil
}

func decodeEnvelope(data []byte) (*stateEnvelope, error) {
	var env stateEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decoding state envelope: %w", err)
	}
	if env.Kind == "" {
		return nil, fmt.Errorf("state envelope has no kind")
	}
	return &env, nil
}
