package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
)

// HashPrefix tags content addresses with the digest algorithm they were
// produced by.
const HashPrefix = "sha256:"

// HashBytes returns the content address of a payload.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return HashPrefix + hex.EncodeToString(sum[:])
}

// Pool is a content-addressed blob pool rooted at one group of a Store.
// Each payload is stored once under its hash, entries are write-once and
// are never deleted, so references held by other parts of the store stay
// valid for the lifetime of the file.
type Pool struct {
	store *Store
	root  string
}

// NewPool returns the pool rooted at the given group path. The group is
// created on the first Put.
func NewPool(s *Store, root string) *Pool {
	return &Pool{store: s, root: root}
}

// Root returns the pool's group path.
func (p *Pool) Root() string {
	return p.root
}

// Put stores a payload under its content address and returns that
// address. Storing bytes the pool already holds is a no-op, which makes
// interrupted writes safe to retry.
func (p *Pool) Put(ctx context.Context, data []byte) (string, error) {
	hash := HashBytes(data)
	path := p.root + "/" + hash
	ok, err := p.store.Exists(ctx, path)
	if err != nil {
		return "", fmt.Errorf("checking pool entry %s: %w", hash, err)
	}
	if ok {
		return hash, nil
	}
	if err := p.store.WriteDataset(ctx, path, data); err != nil {
		return "", fmt.Errorf("writing pool entry %s: %w", hash, err)
	}
	return hash, nil
}

// Get returns the payload stored under a content address. A reference
// whose payload is absent means the file has been tampered with or
// truncated and reports ErrMissingContent.
func (p *Pool) Get(ctx context.Context, hash string) ([]byte, error) {
	data, err := p.store.ReadDataset(ctx, p.root+"/"+hash)
	if errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("pool %s entry %s: %w", p.root, hash, ErrMissingContent)
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

// Contains reports whether the pool holds a payload for hash.
func (p *Pool) Contains(ctx context.Context, hash string) (bool, error) {
	return p.store.Exists(ctx, p.root+"/"+hash)
}

// Hashes returns every content address in the pool, sorted. A pool whose
// group was never created is empty.
func (p *Pool) Hashes(ctx context.Context) ([]string, error) {
	ok, err := p.store.Exists(ctx, p.root)
	if err != nil || !ok {
		return nil, err
	}
	entries, err := p.store.ListChildren(ctx, p.root)
	if err != nil {
		return nil, fmt.Errorf("listing pool %s: %w", p.root, err)
	}
	hashes := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Kind == EntryDataset {
			hashes = append(hashes, e.Name)
		}
	}
	return hashes, nil
}

// Verify recomputes the digest of every entry and returns the addresses
// whose payload no longer matches.
func (p *Pool) Verify(ctx context.Context) ([]string, error) {
	hashes, err := p.Hashes(ctx)
	if err != nil {
		return nil, err
	}
	var corrupt []string
	for _, hash := range hashes {
		data, err := p.Get(ctx, hash)
		if err != nil {
			return nil, err
		}
		if HashBytes(data) != hash {
			corrupt = append(corrupt, hash)
		}
	}
	return corrupt, nil
}
