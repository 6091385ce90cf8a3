package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/roach88/librarian/internal/hash"
	"github.com/roach88/librarian/internal/kv"
)

// DefaultPageSize is the page size Each uses.
const DefaultPageSize = 128

// ErrIntegrity is returned when bytes do not hash to the key they are
// stored or offered under.
var ErrIntegrity = errors.New("content hash mismatch")

// Entry is one stored blob.
type Entry struct {
	Hash  hash.ContentHash
	Value []byte
}

// Page is one step of a forward traversal. Pass Next as the cursor of the
// following call; Done is set once the store is exhausted.
type Page struct {
	Entries []Entry
	Next    string
	Done    bool
}

// blobs is the shared hash-keyed store both public stores are built on.
type blobs struct {
	db   kv.Substrate
	name string
}

func (b blobs) put(ctx context.Context, h hash.ContentHash, data []byte) error {
	return b.db.Update(ctx, func(tx kv.Txn) error {
		_, err := tx.PutIfAbsent(b.name, h.String(), data)
		return err
	})
}

func (b blobs) get(ctx context.Context, h hash.ContentHash) ([]byte, error) {
	var data []byte
	err := b.db.View(ctx, func(tx kv.Txn) error {
		var err error
		data, err = tx.Get(b.name, h.String())
		return err
	})
	if err != nil {
		return nil, err
	}
	if !h.Verify(data) {
		return nil, fmt.Errorf("%w: %s/%s", ErrIntegrity, b.name, h.Short())
	}
	return data, nil
}

func (b blobs) has(ctx context.Context, h hash.ContentHash) (bool, error) {
	_, err := b.get(ctx, h)
	if kv.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (b blobs) iterate(ctx context.Context, cursor string, limit int) (Page, error) {
	if limit <= 0 {
		limit = DefaultPageSize
	}

	var entries []kv.Entry
	err := b.db.View(ctx, func(tx kv.Txn) error {
		var err error
		entries, err = tx.Scan(b.name, cursor, limit)
		return err
	})
	if err != nil {
		return Page{}, err
	}

	page := Page{Entries: make([]Entry, 0, len(entries)), Next: cursor}
	for _, e := range entries {
		page.Entries = append(page.Entries, Entry{Hash: hash.ContentHash(e.Key), Value: e.Value})
		page.Next = e.Key
	}
	page.Done = len(entries) < limit
	return page, nil
}

func (b blobs) each(ctx context.Context, fn func(Entry) error) error {
	cursor := ""
	for {
		page, err := b.iterate(ctx, cursor, DefaultPageSize)
		if err != nil {
			return err
		}
		for _, e := range page.Entries {
			if err := fn(e); err != nil {
				return err
			}
		}
		if page.Done {
			return nil
		}
		cursor = page.Next
	}
}

func (b blobs) delete(ctx context.Context, h hash.ContentHash) error {
	return b.db.Update(ctx, func(tx kv.Txn) error {
		return tx.Delete(b.name, h.String())
	})
}

func (b blobs) stat(ctx context.Context) (kv.Stats, error) {
	var st kv.Stats
	err := b.db.View(ctx, func(tx kv.Txn) error {
		var err error
		st, err = tx.Stat(b.name)
		return err
	})
	return st, err
}
