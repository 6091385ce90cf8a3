package store

import (
	"bytes"
	"context"
	"fmt"

	"github.com/roach88/librarian/internal/hash"
	"github.com/roach88/librarian/internal/kv"
	"github.com/roach88/librarian/internal/ld"
)

// LinkedDataStore stores linked-data records in canonical form under the
// hash of that form.
type LinkedDataStore struct {
	b blobs
}

// NewLinkedDataStore returns a LinkedDataStore over the named substrate
// store.
func NewLinkedDataStore(db kv.Substrate, storeName string) *LinkedDataStore {
	return &LinkedDataStore{b: blobs{db: db, name: storeName}}
}

// Write validates rec, stores its canonical form if absent and returns its
// hash. Idempotent.
func (s *LinkedDataStore) Write(ctx context.Context, rec ld.Record) (hash.ContentHash, error) {
	if err := ld.Validate(rec); err != nil {
		return "", fmt.Errorf("write record: %w", err)
	}
	data, h, err := rec.Canonical()
	if err != nil {
		return "", fmt.Errorf("write record: %w", err)
	}
	if err := s.b.put(ctx, h, data); err != nil {
		return "", fmt.Errorf("write record %s: %w", h.Short(), err)
	}
	return h, nil
}

// WriteCanonical stores bytes received from elsewhere. They must hash to
// want and already be in canonical form.
func (s *LinkedDataStore) WriteCanonical(ctx context.Context, want hash.ContentHash, data []byte) (ld.Record, error) {
	if !want.Verify(data) {
		return nil, fmt.Errorf("write record %s: %w", want.Short(), ErrIntegrity)
	}
	rec, err := ld.ParseRecord(data)
	if err != nil {
		return nil, fmt.Errorf("write record %s: %w", want.Short(), err)
	}
	canon, _, err := rec.Canonical()
	if err != nil {
		return nil, fmt.Errorf("write record %s: %w", want.Short(), err)
	}
	if !bytes.Equal(canon, data) {
		return nil, fmt.Errorf("write record %s: %w: not in canonical form", want.Short(), ErrIntegrity)
	}
	if err := ld.Validate(rec); err != nil {
		return nil, fmt.Errorf("write record %s: %w", want.Short(), err)
	}
	if err := s.b.put(ctx, want, data); err != nil {
		return nil, fmt.Errorf("write record %s: %w", want.Short(), err)
	}
	return rec, nil
}

// Read returns the record stored under h.
func (s *LinkedDataStore) Read(ctx context.Context, h hash.ContentHash) (ld.Record, error) {
	data, err := s.ReadRaw(ctx, h)
	if err != nil {
		return nil, err
	}
	rec, err := ld.ParseRecord(data)
	if err != nil {
		return nil, fmt.Errorf("read record %s: %w", h.Short(), err)
	}
	return rec, nil
}

// ReadRaw returns the canonical bytes stored under h.
func (s *LinkedDataStore) ReadRaw(ctx context.Context, h hash.ContentHash) ([]byte, error) {
	data, err := s.b.get(ctx, h)
	if err != nil {
		return nil, fmt.Errorf("read record %s: %w", h.Short(), err)
	}
	return data, nil
}

// Has reports whether h is stored.
func (s *LinkedDataStore) Has(ctx context.Context, h hash.ContentHash) (bool, error) {
	ok, err := s.b.has(ctx, h)
	if err != nil {
		return false, fmt.Errorf("has record %s: %w", h.Short(), err)
	}
	return ok, nil
}

// Iterate returns up to limit raw entries with hashes after cursor.
func (s *LinkedDataStore) Iterate(ctx context.Context, cursor string, limit int) (Page, error) {
	page, err := s.b.iterate(ctx, cursor, limit)
	if err != nil {
		return Page{}, fmt.Errorf("iterate records: %w", err)
	}
	return page, nil
}

// Each decodes and passes every record to fn in hash order, one page at a
// time. Iteration stops at the first error fn returns.
func (s *LinkedDataStore) Each(ctx context.Context, fn func(hash.ContentHash, ld.Record) error) error {
	return s.b.each(ctx, func(e Entry) error {
		rec, err := ld.ParseRecord(e.Value)
		if err != nil {
			return fmt.Errorf("decode record %s: %w", e.Hash.Short(), err)
		}
		return fn(e.Hash, rec)
	})
}

// Delete removes h. Indexes are not touched.
func (s *LinkedDataStore) Delete(ctx context.Context, h hash.ContentHash) error {
	if err := s.b.delete(ctx, h); err != nil {
		return fmt.Errorf("delete record %s: %w", h.Short(), err)
	}
	return nil
}

// Stat returns the number of records and their total canonical size.
func (s *LinkedDataStore) Stat(ctx context.Context) (kv.Stats, error) {
	st, err := s.b.stat(ctx)
	if err != nil {
		return kv.Stats{}, fmt.Errorf("stat records: %w", err)
	}
	return st, nil
}
