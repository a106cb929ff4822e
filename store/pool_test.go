package store

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
)

func TestHashBytes(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want string
	}{
		{
			name: "empty",
			data: nil,
			want: "sha256:e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855",
		},
		{
			name: "hello",
			data: []byte("hello"),
			want: "sha256:2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := HashBytes(tt.data); got != tt.want {
				t.Errorf("HashBytes() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestPool_PutGet(t *testing.T) {
	s := openTestStore(t)
	pool := NewPool(s, "models/fmus")
	ctx := context.Background()

	payload := []byte("fmu archive bytes")
	hash, err := pool.Put(ctx, payload)
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if !strings.HasPrefix(hash, HashPrefix) {
		t.Errorf("Put() hash = %v, want %q prefix", hash, HashPrefix)
	}

	got, err := pool.Get(ctx, hash)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("Get() = %q, want %q", got, payload)
	}

	ok, err := pool.Contains(ctx, hash)
	if err != nil {
		t.Fatalf("Contains() error = %v", err)
	}
	if !ok {
		t.Error("Contains() = false for stored payload")
	}
}

func TestPool_PutIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	pool := NewPool(s, "models/fmus")
	ctx := context.Background()

	payload := []byte("same bytes")
	first, err := pool.Put(ctx, payload)
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	second, err := pool.Put(ctx, payload)
	if err != nil {
		t.Fatalf("second Put() error = %v", err)
	}
	if first != second {
		t.Errorf("Put() hashes differ: %v vs %v", first, second)
	}

	hashes, err := pool.Hashes(ctx)
	if err != nil {
		t.Fatalf("Hashes() error = %v", err)
	}
	if len(hashes) != 1 {
		t.Errorf("Hashes() returned %d entries, want 1", len(hashes))
	}
}

func TestPool_DistinctPayloads(t *testing.T) {
	s := openTestStore(t)
	pool := NewPool(s, "models/components")
	ctx := context.Background()

	h1, err := pool.Put(ctx, []byte("controller state"))
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	h2, err := pool.Put(ctx, []byte("plant state"))
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if h1 == h2 {
		t.Fatal("distinct payloads produced the same hash")
	}

	hashes, err := pool.Hashes(ctx)
	if err != nil {
		t.Fatalf("Hashes() error = %v", err)
	}
	if len(hashes) != 2 {
		t.Fatalf("Hashes() returned %d entries, want 2", len(hashes))
	}
	if hashes[0] >= hashes[1] {
		t.Errorf("Hashes() not sorted: %v", hashes)
	}
}

func TestPool_GetMissingContent(t *testing.T) {
	s := openTestStore(t)
	pool := NewPool(s, "models/fmus")
	ctx := context.Background()

	if _, err := pool.Put(ctx, []byte("present")); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	_, err := pool.Get(ctx, "sha256:0000000000000000000000000000000000000000000000000000000000000000")
	if !errors.Is(err, ErrMissingContent) {
		t.Errorf("Get() on dangling reference error = %v, want ErrMissingContent", err)
	}
}

func TestPool_HashesBeforeFirstPut(t *testing.T) {
	s := openTestStore(t)
	pool := NewPool(s, "models/fmus")

	hashes, err := pool.Hashes(context.Background())
	if err != nil {
		t.Fatalf("Hashes() error = %v", err)
	}
	if len(hashes) != 0 {
		t.Errorf("Hashes() on fresh pool = %v, want empty", hashes)
	}
}

func TestPool_Verify(t *testing.T) {
	s := openTestStore(t)
	pool := NewPool(s, "models/fmus")
	ctx := context.Background()

	good, err := pool.Put(ctx, []byte("intact"))
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	bad, err := pool.Put(ctx, []byte("will be damaged"))
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	corrupt, err := pool.Verify(ctx)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if len(corrupt) != 0 {
		t.Fatalf("Verify() on intact pool = %v, want none", corrupt)
	}

	execRaw(t, s.Path(),
		`UPDATE objects SET data = ? WHERE name = ?`, []byte("damaged"), bad)

	corrupt, err = pool.Verify(ctx)
	if err != nil {
		t.Fatalf("Verify() after damage error = %v", err)
	}
	if len(corrupt) != 1 || corrupt[0] != bad {
		t.Errorf("Verify() = %v, want [%v]", corrupt, bad)
	}
	if corrupt[0] == good {
		t.Error("Verify() flagged the intact entry")
	}
}
