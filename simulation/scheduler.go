package simulation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/nvandessel/costep/timeseries"
)

// Scheduler owns the systems and connections of one run and drives them
// through the shared time base.
//
// Systems step in lexicographic name order and connections are applied in
// a fixed order derived from their inputs, so identical configurations
// produce identical, identically ordered results. Because every
// connection is read before any system steps, and no two connections
// target the same input, connection order never affects values.
type Scheduler struct {
	cfg     Config
	systems []System
	index   map[string]int
	conns   []Connection
	logged  []SystemParameter
	log     *slog.Logger
	ran     bool
}

// NewScheduler validates the coupled setup eagerly. Every endpoint of
// every connection and every logged pair must name a known system, and
// two connections must not target the same input. Violations return
// errors wrapping ErrInvalidConfig before any entity is touched.
func NewScheduler(cfg Config, systems map[string]Entity, connections []Connection, logged []SystemParameter, logger *slog.Logger) (*Scheduler, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if len(systems) == 0 {
		return nil, fmt.Errorf("%w: no systems", ErrInvalidConfig)
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &Scheduler{
		cfg:   cfg,
		index: make(map[string]int, len(systems)),
		log:   logger,
	}

	names := make([]string, 0, len(systems))
	for name, entity := range systems {
		if name == "" {
			return nil, fmt.Errorf("%w: empty system name", ErrInvalidConfig)
		}
		if entity == nil {
			return nil, fmt.Errorf("%w: system %q has no entity", ErrInvalidConfig, name)
		}
		names = append(names, name)
	}
	sort.Strings(names)
	for i, name := range names {
		s.systems = append(s.systems, System{Name: name, Entity: systems[name]})
		s.index[name] = i
	}

	s.conns = make([]Connection, len(connections))
	copy(s.conns, connections)
	sort.Slice(s.conns, func(i, j int) bool {
		a, b := s.conns[i].Input, s.conns[j].Input
		if a.System != b.System {
			return a.System < b.System
		}
		return a.Parameter < b.Parameter
	})
	targets := make(map[SystemParameter]bool, len(s.conns))
	for _, c := range s.conns {
		if _, ok := s.index[c.Input.System]; !ok {
			return nil, fmt.Errorf("%w: connection input %s references unknown system %q",
				ErrInvalidConfig, c.Input, c.Input.System)
		}
		if _, ok := s.index[c.Output.System]; !ok {
			return nil, fmt.Errorf("%w: connection output %s references unknown system %q",
				ErrInvalidConfig, c.Output, c.Output.System)
		}
		if targets[c.Input] {
			return nil, fmt.Errorf("%w: two connections target input %s", ErrInvalidConfig, c.Input)
		}
		targets[c.Input] = true
	}

	s.logged = make([]SystemParameter, len(logged))
	copy(s.logged, logged)
	seen := make(map[SystemParameter]bool, len(logged))
	for _, p := range s.logged {
		if _, ok := s.index[p.System]; !ok {
			return nil, fmt.Errorf("%w: logged parameter %s references unknown system %q",
				ErrInvalidConfig, p, p.System)
		}
		if seen[p] {
			return nil, fmt.Errorf("%w: parameter %s logged twice", ErrInvalidConfig, p)
		}
		seen[p] = true
	}
	return s, nil
}

// Run executes the coupled loop. At every step index k it records a row
// on logging instants, applies all connections against previous-step
// state, then steps every system by one StepSize. Systems are concluded
// exactly once, best-effort, whether the loop finishes or aborts; on any
// error no frame is returned.
func (s *Scheduler) Run(ctx context.Context) (*timeseries.Frame, error) {
	if s.ran {
		return nil, errors.New("scheduler already ran")
	}
	s.ran = true

	steps := s.cfg.Steps()
	multiple := s.cfg.LoggingMultiple()
	rec := newRecorder(s.cfg.Rows(), s.logged)

	s.log.Debug("starting simulation",
		"systems", len(s.systems),
		"connections", len(s.conns),
		"steps", steps,
		"rows", s.cfg.Rows())

	t := 0.0
	for k := 0; k <= steps; k++ {
		if err := ctx.Err(); err != nil {
			return nil, s.abort(fmt.Errorf("simulation aborted at t=%g: %w", t, err))
		}
		if k%multiple == 0 {
			if err := s.record(rec, t); err != nil {
				return nil, s.abort(err)
			}
		}
		if err := s.applyConnections(t); err != nil {
			return nil, s.abort(err)
		}
		for i := range s.systems {
			sys := &s.systems[i]
			if err := sys.Entity.DoStep(t, s.cfg.StepSize); err != nil {
				return nil, s.abort(&StepError{System: sys.Name, Time: t, Err: err})
			}
		}
		t += s.cfg.StepSize
	}

	if err := s.concludeAll(); err != nil {
		return nil, err
	}
	s.log.Debug("simulation finished", "stop_time", s.cfg.StopTime)
	return rec.finish()
}

// record appends one full row of logged values at time t.
func (s *Scheduler) record(rec *recorder, t float64) error {
	return rec.append(t, func(p SystemParameter) (any, string, error) {
		e := s.systems[s.index[p.System]].Entity
		v, err := e.GetParameterValue(p.Parameter)
		if err != nil {
			return nil, "", &StepError{System: p.System, Time: t, Err: fmt.Errorf("reading %s: %w", p, err)}
		}
		return v, e.GetUnit(p.Parameter), nil
	})
}

// applyConnections copies each output value to its input. All reads
// happen before any system steps this iteration, so connections observe
// previous-step state only.
func (s *Scheduler) applyConnections(t float64) error {
	for _, c := range s.conns {
		out := s.systems[s.index[c.Output.System]].Entity
		v, err := out.GetParameterValue(c.Output.Parameter)
		if err != nil {
			return &StepError{System: c.Output.System, Time: t, Err: fmt.Errorf("reading %s: %w", c.Output, err)}
		}
		in := s.systems[s.index[c.Input.System]].Entity
		if err := in.SetParameter(c.Input.Parameter, v); err != nil {
			return &StepError{System: c.Input.System, Time: t, Err: fmt.Errorf("writing %s: %w", c.Input, err)}
		}
	}
	return nil
}

// abort concludes all systems best-effort and returns the original error.
func (s *Scheduler) abort(err error) error {
	if cerr := s.concludeAll(); cerr != nil {
		s.log.Warn("conclude after abort failed", "error", cerr)
	}
	return err
}

// concludeAll concludes every system once, attempting all of them before
// returning the first failure.
func (s *Scheduler) concludeAll() error {
	var first error
	for i := range s.systems {
		sys := &s.systems[i]
		if err := sys.Entity.Conclude(); err != nil && first == nil {
			first = fmt.Errorf("concluding system %q: %w", sys.Name, err)
		}
	}
	return first
}
