package index

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/librarian/internal/hash"
	"github.com/roach88/librarian/internal/kv"
	"github.com/roach88/librarian/internal/ld"
	"github.com/roach88/librarian/internal/repo"
)

// Record is one index entry.
type Record[P any] struct {
	Key       string           `json:"key"`
	Props     P                `json:"props"`
	Source    hash.ContentHash `json:"source"`
	Timestamp time.Time        `json:"timestamp"`
}

// DeriveFunc maps a record to an index entry. ok is false when the record
// is irrelevant to the index.
type DeriveFunc[P any] func(rec ld.Record, h hash.ContentHash) (key string, props P, ts time.Time, ok bool)

// Temporal is a last-writer-wins index keyed by a logical key.
//
// For each key the entry with the latest timestamp wins; equal timestamps
// fall back to the larger source hash. The winner depends only on record
// content, so replaying records in any order yields the same index.
type Temporal[P any] struct {
	name   string
	repo   *repo.Repository
	derive DeriveFunc[P]
	prune  bool
	logger *slog.Logger
}

// NewTemporal returns a temporal index stored in the kv store called name.
// With prune set, the losing event record of every comparison is deleted
// from the linked-data store in the same transaction.
func NewTemporal[P any](r *repo.Repository, name string, derive DeriveFunc[P], prune bool, logger *slog.Logger) *Temporal[P] {
	if logger == nil {
		logger = slog.Default()
	}
	return &Temporal[P]{
		name:   name,
		repo:   r,
		derive: derive,
		prune:  prune,
		logger: logger.With("index", name),
	}
}

// Name implements Indexer.
func (t *Temporal[P]) Name() string {
	return t.name
}

// Update implements Indexer.
func (t *Temporal[P]) Update(ctx context.Context, rec ld.Record, h hash.ContentHash) (Outcome, error) {
	key, props, ts, ok := t.derive(rec, h)
	if !ok {
		return OutcomeIgnored, nil
	}
	incoming := Record[P]{Key: key, Props: props, Source: h, Timestamp: ts.UTC()}

	var (
		outcome Outcome
		kept    hash.ContentHash
	)
	err := t.repo.Substrate().Update(ctx, func(tx kv.Txn) error {
		existing, found, err := t.get(tx, key)
		if err != nil {
			return err
		}

		switch {
		case found && existing.Source == h:
			outcome = OutcomeUnchanged
			return nil
		case found && !newer(incoming, existing):
			outcome = OutcomeConflictIgnored
			kept = existing.Source
			return t.pruneRecord(tx, h)
		}

		data, err := json.Marshal(incoming)
		if err != nil {
			return fmt.Errorf("encode entry: %w", err)
		}
		if err := tx.Put(t.name, key, data); err != nil {
			return err
		}
		outcome = OutcomeStored
		if found {
			return t.pruneRecord(tx, existing.Source)
		}
		return nil
	})
	if err != nil {
		return OutcomeIgnored, fmt.Errorf("update index %s key %q: %w", t.name, key, err)
	}

	updatesTotal.WithLabelValues(t.name, outcome.String()).Inc()
	if outcome == OutcomeConflictIgnored {
		t.logger.Info("index conflict ignored",
			"key", key,
			"incoming", h.Short(),
			"kept", kept.Short())
	}
	return outcome, nil
}

// newer reports whether a beats b under last-writer-wins.
func newer[P any](a, b Record[P]) bool {
	if !a.Timestamp.Equal(b.Timestamp) {
		return a.Timestamp.After(b.Timestamp)
	}
	return a.Source > b.Source
}

func (t *Temporal[P]) pruneRecord(tx kv.Txn, h hash.ContentHash) error {
	if !t.prune {
		return nil
	}
	if err := tx.Delete(repo.LinkedDataStore, h.String()); err != nil {
		return fmt.Errorf("prune superseded record %s: %w", h.Short(), err)
	}
	return nil
}

func (t *Temporal[P]) get(tx kv.Txn, key string) (Record[P], bool, error) {
	data, err := tx.Get(t.name, key)
	if kv.IsNotFound(err) {
		return Record[P]{}, false, nil
	}
	if err != nil {
		return Record[P]{}, false, err
	}
	var r Record[P]
	if err := json.Unmarshal(data, &r); err != nil {
		return Record[P]{}, false, fmt.Errorf("decode entry %q: %w", key, err)
	}
	return r, true, nil
}

// Get returns the entry for key.
func (t *Temporal[P]) Get(ctx context.Context, key string) (Record[P], bool, error) {
	var (
		r     Record[P]
		found bool
	)
	err := t.repo.Substrate().View(ctx, func(tx kv.Txn) error {
		var err error
		r, found, err = t.get(tx, key)
		return err
	})
	if err != nil {
		return Record[P]{}, false, fmt.Errorf("get %s key %q: %w", t.name, key, err)
	}
	return r, found, nil
}

// Scan calls fn for entries with keys after the given key in ascending
// order until fn returns false or the index is exhausted.
func (t *Temporal[P]) Scan(ctx context.Context, after string, fn func(Record[P]) bool) error {
	cursor := after
	for {
		var entries []kv.Entry
		err := t.repo.Substrate().View(ctx, func(tx kv.Txn) error {
			var err error
			entries, err = tx.Scan(t.name, cursor, scanPageSize)
			return err
		})
		if err != nil {
			return fmt.Errorf("scan %s: %w", t.name, err)
		}

		for _, e := range entries {
			var r Record[P]
			if err := json.Unmarshal(e.Value, &r); err != nil {
				return fmt.Errorf("decode %s entry %q: %w", t.name, e.Key, err)
			}
			if !fn(r) {
				return nil
			}
		}
		if len(entries) < scanPageSize {
			return nil
		}
		cursor = entries[len(entries)-1].Key
	}
}

const scanPageSize = 256

// Rebuild implements Indexer. The index is emptied, then every record in
// the linked-data store is replayed in hash order.
func (t *Temporal[P]) Rebuild(ctx context.Context) error {
	if err := t.clear(ctx); err != nil {
		return err
	}

	counts := make(map[Outcome]int)
	err := t.repo.LinkedData().Each(ctx, func(h hash.ContentHash, rec ld.Record) error {
		outcome, err := t.Update(ctx, rec, h)
		if err != nil {
			return err
		}
		counts[outcome]++
		return nil
	})
	if err != nil {
		return fmt.Errorf("rebuild %s: %w", t.name, err)
	}

	t.logger.Debug("index rebuilt",
		"stored", counts[OutcomeStored],
		"conflicts", counts[OutcomeConflictIgnored],
		"ignored", counts[OutcomeIgnored])
	return nil
}

func (t *Temporal[P]) clear(ctx context.Context) error {
	for {
		var n int
		err := t.repo.Substrate().Update(ctx, func(tx kv.Txn) error {
			entries, err := tx.Scan(t.name, "", scanPageSize)
			if err != nil {
				return err
			}
			n = len(entries)
			for _, e := range entries {
				if err := tx.Delete(t.name, e.Key); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("clear %s: %w", t.name, err)
		}
		if n < scanPageSize {
			return nil
		}
	}
}
