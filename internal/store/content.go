package store

import (
	"context"
	"fmt"

	"github.com/roach88/librarian/internal/hash"
	"github.com/roach88/librarian/internal/kv"
)

// ContentStore stores resource blobs under their ContentHash.
type ContentStore struct {
	b blobs
}

// NewContentStore returns a ContentStore over the named substrate store.
func NewContentStore(db kv.Substrate, storeName string) *ContentStore {
	return &ContentStore{b: blobs{db: db, name: storeName}}
}

// Write stores blob if absent and returns its hash. Idempotent.
func (s *ContentStore) Write(ctx context.Context, blob []byte) (hash.ContentHash, error) {
	h := hash.Of(blob)
	if err := s.b.put(ctx, h, blob); err != nil {
		return "", fmt.Errorf("write resource %s: %w", h.Short(), err)
	}
	return h, nil
}

// WriteVerified stores blob only if it hashes to want.
func (s *ContentStore) WriteVerified(ctx context.Context, want hash.ContentHash, blob []byte) error {
	if !want.Verify(blob) {
		return fmt.Errorf("write resource %s: %w", want.Short(), ErrIntegrity)
	}
	if err := s.b.put(ctx, want, blob); err != nil {
		return fmt.Errorf("write resource %s: %w", want.Short(), err)
	}
	return nil
}

// Read returns the blob stored under h, or an error wrapping
// kv.ErrNotFound.
func (s *ContentStore) Read(ctx context.Context, h hash.ContentHash) ([]byte, error) {
	data, err := s.b.get(ctx, h)
	if err != nil {
		return nil, fmt.Errorf("read resource %s: %w", h.Short(), err)
	}
	return data, nil
}

// Has reports whether h is stored.
func (s *ContentStore) Has(ctx context.Context, h hash.ContentHash) (bool, error) {
	ok, err := s.b.has(ctx, h)
	if err != nil {
		return false, fmt.Errorf("has resource %s: %w", h.Short(), err)
	}
	return ok, nil
}

// Iterate returns up to limit entries with hashes after cursor. An empty
// cursor starts from the beginning.
func (s *ContentStore) Iterate(ctx context.Context, cursor string, limit int) (Page, error) {
	page, err := s.b.iterate(ctx, cursor, limit)
	if err != nil {
		return Page{}, fmt.Errorf("iterate resources: %w", err)
	}
	return page, nil
}

// Each calls fn for every blob in hash order, one page at a time.
// Iteration stops at the first error fn returns.
func (s *ContentStore) Each(ctx context.Context, fn func(hash.ContentHash, []byte) error) error {
	return s.b.each(ctx, func(e Entry) error {
		return fn(e.Hash, e.Value)
	})
}

// Delete removes h. Deleting a missing hash is not an error.
func (s *ContentStore) Delete(ctx context.Context, h hash.ContentHash) error {
	if err := s.b.delete(ctx, h); err != nil {
		return fmt.Errorf("delete resource %s: %w", h.Short(), err)
	}
	return nil
}

// Stat returns the number of blobs and their total size.
func (s *ContentStore) Stat(ctx context.Context) (kv.Stats, error) {
	st, err := s.b.stat(ctx)
	if err != nil {
		return kv.Stats{}, fmt.Errorf("stat resources: %w", err)
	}
	return st, nil
}
