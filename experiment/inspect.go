package experiment

import (
	"context"
	"errors"
	"fmt"

	"github.com/nvandessel/costep/store"
)

// StoreCheck reports the integrity of one store file: what it holds and
// which content no longer verifies.
type StoreCheck struct {
	Runs              []string `json:"runs"`
	FMUPayloads       int      `json:"fmu_payloads"`
	ComponentPayloads int      `json:"component_payloads"`
	// CorruptPayloads lists pool datasets whose bytes no longer hash to
	// their address.
	CorruptPayloads []string `json:"corrupt_payloads,omitempty"`
	// DanglingReferences lists run model groups whose pool reference does
	// not resolve to pooled content.
	DanglingReferences []string `json:"dangling_references,omitempty"`
}

// OK reports whether every payload and reference verified.
func (c *StoreCheck) OK() bool {
	return len(c.CorruptPayloads) == 0 && len(c.DanglingReferences) == 0
}

// Runs lists the runs recorded in st, sorted by name. The shared pool
// group is not a run.
func Runs(ctx context.Context, st *store.Store) ([]string, error) {
	entries, err := st.ListChildren(ctx, "")
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.Kind == store.EntryGroup && e.Name != poolRootGroup {
			names = append(names, e.Name)
		}
	}
	return names, nil
}

// CheckStore re-hashes every pooled payload and resolves every run's pool
// references. It reads every payload; cost grows with pool size.
func CheckStore(ctx context.Context, st *store.Store) (*StoreCheck, error) {
	check := &StoreCheck{}

	runs, err := Runs(ctx, st)
	if err != nil {
		return nil, err
	}
	check.Runs = runs

	fmuPool := store.NewPool(st, fmuPoolRoot)
	componentPool := store.NewPool(st, componentPoolRoot)

	fmuHashes, err := fmuPool.Hashes(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing pool %s: %w", fmuPool.Root(), err)
	}
	check.FMUPayloads = len(fmuHashes)
	componentHashes, err := componentPool.Hashes(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing pool %s: %w", componentPool.Root(), err)
	}
	check.ComponentPayloads = len(componentHashes)

	for _, pool := range []*store.Pool{fmuPool, componentPool} {
		corrupt, err := pool.Verify(ctx)
		if err != nil {
			return nil, fmt.Errorf("verifying pool %s: %w", pool.Root(), err)
		}
		for _, hash := range corrupt {
			check.CorruptPayloads = append(check.CorruptPayloads, pool.Root()+"/"+hash)
		}
	}

	for _, run := range runs {
		for _, pool := range []*store.Pool{fmuPool, componentPool} {
			if err := checkRunReferences(ctx, st, run, pool, check); err != nil {
				return nil, fmt.Errorf("run %q: %w", run, err)
			}
		}
	}
	return check, nil
}

// checkRunReferences resolves every reference a run holds into one pool.
// Unresolvable references are reported, not fatal.
func checkRunReferences(ctx context.Context, st *store.Store, run string, pool *store.Pool, check *StoreCheck) error {
	base := run + "/" + pool.Root()
	ok, err := st.Exists(ctx, base)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	systems, err := st.ListChildren(ctx, base)
	if err != nil {
		return err
	}
	for _, sys := range systems {
		if sys.Kind != store.EntryGroup {
			continue
		}
		path := base + "/" + sys.Name
		ref, err := readReference(ctx, st, path)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrMalformed) {
				check.DanglingReferences = append(check.DanglingReferences, path)
				continue
			}
			return err
		}
		ok, err := pool.Contains(ctx, ref)
		if err != nil {
			return err
		}
		if !ok {
			check.DanglingReferences = append(check.DanglingReferences, path+" -> "+ref)
		}
	}
	return nil
}
