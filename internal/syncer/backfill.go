package syncer

import (
	"context"
	"fmt"
	"time"

	"github.com/roach88/librarian/internal/hash"
	"github.com/roach88/librarian/internal/ld"
	"github.com/roach88/librarian/internal/repo"
)

// Backfill queues every object already stored in r, resources first. It
// is meant for the migration that introduces the queue, so that objects
// written before sync existed still reach the remote. It returns how many
// records it queued.
func Backfill(ctx context.Context, r *repo.Repository, now time.Time) (int, error) {
	q := newQueue(r.Substrate())
	n := 0

	err := r.Content().Each(ctx, func(h hash.ContentHash, _ []byte) error {
		if _, err := q.push(ctx, Record{Kind: KindResource, Hash: h, EnqueuedAt: now.UTC()}); err != nil {
			return err
		}
		n++
		return nil
	})
	if err != nil {
		return n, fmt.Errorf("backfill resources: %w", err)
	}

	err = r.LinkedData().Each(ctx, func(h hash.ContentHash, _ ld.Record) error {
		if _, err := q.push(ctx, Record{Kind: KindLinkedData, Hash: h, EnqueuedAt: now.UTC()}); err != nil {
			return err
		}
		n++
		return nil
	})
	if err != nil {
		return n, fmt.Errorf("backfill linked data: %w", err)
	}
	return n, nil
}
