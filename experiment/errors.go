package experiment

import "errors"

// Sentinel errors for run lifecycle misuse. Callers match them with
// errors.Is.
var (
	// ErrRunExists reports a persist under a name that is already a
	// top-level group in the store. Runs are never overwritten in place.
	ErrRunExists = errors.New("run already exists in store")

	// ErrNotMutable reports a mutation on a run whose configuration is
	// frozen. Only constructed and loaded runs accept edits.
	ErrNotMutable = errors.New("run is not mutable in its current state")

	// ErrNoResults reports a persist on a run that has never produced or
	// loaded results.
	ErrNoResults = errors.New("run has no results")
)
