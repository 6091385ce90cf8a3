package index

import (
	"context"
	"errors"

	"github.com/roach88/librarian/internal/hash"
	"github.com/roach88/librarian/internal/ld"
	"github.com/roach88/librarian/internal/repo"
)

// Set is the full group of indexes bound to one repository. A Set never
// outlives its repository: once the repository is closed every call fails
// with repo.ErrClosed.
type Set struct {
	Directory    *Directory
	WatchHistory *WatchHistory
	Settings     *Settings
	Habits       *Habits
}

// Factory builds a fresh Set for r.
func Factory(r *repo.Repository, opts ...Option) *Set {
	return &Set{
		Directory:    NewDirectory(r, opts...),
		WatchHistory: NewWatchHistory(r, opts...),
		Settings:     NewSettings(r, opts...),
		Habits:       NewHabits(r, opts...),
	}
}

// All returns every index in the set.
func (s *Set) All() []Indexer {
	return []Indexer{s.Directory, s.WatchHistory, s.Settings, s.Habits}
}

// Update feeds rec to every index in the set.
func (s *Set) Update(ctx context.Context, rec ld.Record, h hash.ContentHash) error {
	var errs []error
	for _, idx := range s.All() {
		if _, err := idx.Update(ctx, rec, h); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// RebuildHook returns a migration hook that builds an index for the
// migrating repository and rebuilds it from the linked-data store.
func RebuildHook(build func(*repo.Repository) Indexer) repo.Hook {
	return func(ctx context.Context, r *repo.Repository) error {
		return build(r).Rebuild(ctx)
	}
}
