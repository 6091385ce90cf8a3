package library

import (
	"context"
	"time"

	"github.com/roach88/librarian/internal/index"
	"github.com/roach88/librarian/internal/repo"
	"github.com/roach88/librarian/internal/syncer"
)

// Migrations returns the schema chain of a library repository. Store
// names and versions are persisted: append new versions, never edit
// existing ones.
//
//	v1  resources and linked data
//	v2  directory index
//	v3  watch history index
//	v4  settings index
//	v5  habits index
//	v6  sync queue and bookkeeping, backfilled with every stored object
func Migrations(now func() time.Time, opts ...index.Option) []repo.Migration {
	if now == nil {
		now = time.Now
	}
	return []repo.Migration{
		{
			Version: 1,
			Stores:  []string{repo.ResourcesStore, repo.LinkedDataStore},
		},
		{
			Version: 2,
			Stores:  []string{index.DirectoryStore},
			AfterCreate: []repo.Hook{index.RebuildHook(func(r *repo.Repository) index.Indexer {
				return index.NewDirectory(r, opts...)
			})},
		},
		{
			Version: 3,
			Stores:  []string{index.WatchHistoryStore},
			AfterCreate: []repo.Hook{index.RebuildHook(func(r *repo.Repository) index.Indexer {
				return index.NewWatchHistory(r, opts...)
			})},
		},
		{
			Version: 4,
			Stores:  []string{index.SettingsStore},
			AfterCreate: []repo.Hook{index.RebuildHook(func(r *repo.Repository) index.Indexer {
				return index.NewSettings(r, opts...)
			})},
		},
		{
			Version: 5,
			Stores:  []string{index.HabitsStore},
			AfterCreate: []repo.Hook{index.RebuildHook(func(r *repo.Repository) index.Indexer {
				return index.NewHabits(r, opts...)
			})},
		},
		{
			Version: 6,
			Stores:  []string{syncer.QueueStore, syncer.MetaStore},
			PostUpdate: func(ctx context.Context, r *repo.Repository) error {
				n, err := syncer.Backfill(ctx, r, now())
				if err != nil {
					return err
				}
				if n > 0 {
					r.Logger().Info("queued existing objects for sync", "count", n)
				}
				return nil
			},
		},
	}
}
