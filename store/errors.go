package store

import "errors"

// Sentinel errors for store failures. Callers match them with errors.Is.
var (
	// ErrExists reports a create on a path that is already taken. Groups
	// and datasets are never overwritten in place.
	ErrExists = errors.New("object already exists")

	// ErrNotFound reports a read of a path with no object behind it.
	ErrNotFound = errors.New("object not found")

	// ErrMissingContent reports a pool reference whose payload is absent:
	// the store is corrupt.
	ErrMissingContent = errors.New("pool content missing")

	// ErrMalformed reports a file that is not a costep store or that
	// declares a format this build cannot read.
	ErrMalformed = errors.New("malformed store")
)
