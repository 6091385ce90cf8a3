package repo

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/librarian/internal/kv"
)

var quiet = WithLogger(slog.New(slog.DiscardHandler))

func createTestSubstrate(t *testing.T) kv.Substrate {
	t.Helper()
	db, err := kv.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "repo.db"))
	require.NoError(t, err, "OpenSQLite() failed")
	t.Cleanup(func() { db.Close() })
	return db
}

func coreMigration() Migration {
	return Migration{Version: 1, Stores: []string{ResourcesStore, LinkedDataStore}}
}

func TestValidateChain(t *testing.T) {
	tests := []struct {
		name     string
		versions []int
		wantErr  bool
	}{
		{"empty", nil, true},
		{"single", []int{1}, false},
		{"contiguous", []int{1, 2, 3}, false},
		{"unordered", []int{3, 1, 2}, false},
		{"gap", []int{1, 3}, true},
		{"duplicate", []int{1, 2, 2}, true},
		{"starts at two", []int{2, 3}, true},
		{"zero", []int{0, 1}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var ms []Migration
			for _, v := range tt.versions {
				ms = append(ms, Migration{Version: v})
			}
			err := ValidateChain(ms)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrIncompleteMigrationChain)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestOpenRejectsGap(t *testing.T) {
	db := createTestSubstrate(t)

	_, err := Open(context.Background(), db, "gap", []Migration{
		coreMigration(),
		{Version: 3, Stores: []string{"three"}},
	}, quiet)
	require.ErrorIs(t, err, ErrIncompleteMigrationChain)

	var chainErr *MigrationChainError
	require.ErrorAs(t, err, &chainErr)
	assert.Equal(t, []int{2}, chainErr.Missing)

	v, err := db.Version(context.Background())
	require.NoError(t, err)
	assert.Zero(t, v, "nothing is applied when the chain is incomplete")
	names, err := db.Stores(context.Background())
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestOpenAppliesContiguousChain(t *testing.T) {
	ctx := context.Background()
	db := createTestSubstrate(t)

	r, err := Open(ctx, db, "full", []Migration{
		coreMigration(),
		{Version: 2, Stores: []string{"two"}},
		{Version: 3, Stores: []string{"three"}},
	}, quiet)
	require.NoError(t, err)
	assert.Equal(t, 3, r.Version())

	v, err := db.Version(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, v)

	names, err := db.Stores(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"linked_data", "resources", "three", "two"}, names)
}

func TestOpenRunsHooksInVersionOrder(t *testing.T) {
	ctx := context.Background()
	db := createTestSubstrate(t)

	var calls []string
	record := func(label string) Hook {
		return func(ctx context.Context, r *Repository) error {
			// Every pending store exists before any hook runs.
			err := r.Substrate().View(ctx, func(tx kv.Txn) error {
				_, err := tx.Stat("three")
				return err
			})
			require.NoError(t, err)
			calls = append(calls, label)
			return nil
		}
	}

	_, err := Open(ctx, db, "hooks", []Migration{
		{Version: 3, Stores: []string{"three"}, AfterCreate: []Hook{record("3a")}, PostUpdate: record("3post")},
		{Version: 1, Stores: []string{ResourcesStore, LinkedDataStore}, AfterCreate: []Hook{record("1a"), record("1b")}},
		{Version: 2, PostUpdate: record("2post")},
	}, quiet)
	require.NoError(t, err)

	assert.Equal(t, []string{"1a", "1b", "2post", "3a", "3post"}, calls)
}

func TestOpenSkipsAppliedVersions(t *testing.T) {
	ctx := context.Background()
	db := createTestSubstrate(t)

	runs := map[int]int{}
	chain := func(n int) []Migration {
		var ms []Migration
		for v := 1; v <= n; v++ {
			ms = append(ms, Migration{
				Version: v,
				Stores:  []string{ResourcesStore, LinkedDataStore},
				PostUpdate: func(context.Context, *Repository) error {
					runs[v]++
					return nil
				},
			})
		}
		return ms
	}

	_, err := Open(ctx, db, "incremental", chain(2), quiet)
	require.NoError(t, err)
	r, err := Open(ctx, db, "incremental", chain(4), quiet)
	require.NoError(t, err)

	assert.Equal(t, 4, r.Version())
	assert.Equal(t, map[int]int{1: 1, 2: 1, 3: 1, 4: 1}, runs, "each step runs exactly once")
}

func TestOpenHookFailureKeepsVersion(t *testing.T) {
	ctx := context.Background()
	db := createTestSubstrate(t)
	boom := errors.New("index rebuild failed")

	failing := []Migration{
		coreMigration(),
		{Version: 2, Stores: []string{"directory"}, AfterCreate: []Hook{
			func(context.Context, *Repository) error { return boom },
		}},
	}
	_, err := Open(ctx, db, "fail", failing, quiet)
	require.ErrorIs(t, err, ErrMigration)
	require.ErrorIs(t, err, boom)

	var migErr *MigrationError
	require.ErrorAs(t, err, &migErr)
	assert.Equal(t, 2, migErr.Version)

	v, err := db.Version(ctx)
	require.NoError(t, err)
	assert.Zero(t, v, "version is only bumped after all hooks succeed")

	hookRan := false
	fixed := []Migration{
		coreMigration(),
		{Version: 2, Stores: []string{"directory"}, AfterCreate: []Hook{
			func(context.Context, *Repository) error { hookRan = true; return nil },
		}},
	}
	r, err := Open(ctx, db, "fail", fixed, quiet)
	require.NoError(t, err)
	assert.True(t, hookRan, "hooks re-run on the next open")
	assert.Equal(t, 2, r.Version())
}

func TestOpenRefusesDowngrade(t *testing.T) {
	ctx := context.Background()
	db := createTestSubstrate(t)
	require.NoError(t, db.SetVersion(ctx, 5))

	_, err := Open(ctx, db, "newer", []Migration{coreMigration()}, quiet)
	assert.ErrorIs(t, err, ErrMigration)
}

func TestClosedRepositoryInvalidatesHandles(t *testing.T) {
	ctx := context.Background()
	r, err := Open(ctx, createTestSubstrate(t), "closing", []Migration{coreMigration()}, quiet)
	require.NoError(t, err)

	content := r.Content()
	_, err = content.Write(ctx, []byte("before"))
	require.NoError(t, err)

	require.NoError(t, r.Close())
	assert.True(t, r.Closed())

	_, err = content.Write(ctx, []byte("after"))
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, err, kv.ErrClosed)

	_, err = r.LinkedData().Stat(ctx)
	assert.ErrorIs(t, err, ErrClosed)

	require.NoError(t, r.Close(), "close is idempotent")
}

func TestManagerSwitch(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	opener := func(ctx context.Context, name string) (kv.Substrate, error) {
		return kv.OpenSQLite(ctx, filepath.Join(dir, name+".db"))
	}

	m := NewManager(opener, []Migration{coreMigration()}, quiet)
	t.Cleanup(func() { m.Close() })

	_, err := m.Active()
	assert.ErrorIs(t, err, ErrNoRepository)

	var activated []string
	m.OnSwitch(func(_ context.Context, r *Repository) error {
		activated = append(activated, r.Name())
		return nil
	})

	alice, err := m.Switch(ctx, "alice")
	require.NoError(t, err)
	h, err := alice.Content().Write(ctx, []byte("alice's note"))
	require.NoError(t, err)
	aliceContent := alice.Content()

	bob, err := m.Switch(ctx, "bob")
	require.NoError(t, err)

	_, err = aliceContent.Read(ctx, h)
	assert.ErrorIs(t, err, ErrClosed, "stale handles fail instead of reading another account")

	_, err = bob.Content().Read(ctx, h)
	assert.ErrorIs(t, err, kv.ErrNotFound, "accounts do not share data")

	active, err := m.Active()
	require.NoError(t, err)
	assert.Same(t, bob, active)
	assert.Equal(t, []string{"alice", "bob"}, activated)

	alice, err = m.Switch(ctx, "alice")
	require.NoError(t, err)
	got, err := alice.Content().Read(ctx, h)
	require.NoError(t, err)
	assert.Equal(t, []byte("alice's note"), got)
}

func TestManagerSwitchFailureLeavesNoActive(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	opener := func(ctx context.Context, name string) (kv.Substrate, error) {
		return kv.OpenSQLite(ctx, filepath.Join(dir, name+".db"))
	}

	m := NewManager(opener, []Migration{coreMigration()}, quiet)
	_, err := m.Switch(ctx, "alice")
	require.NoError(t, err)

	boom := errors.New("factory failed")
	m.OnSwitch(func(context.Context, *Repository) error { return boom })

	_, err = m.Switch(ctx, "bob")
	require.ErrorIs(t, err, boom)

	_, err = m.Active()
	assert.ErrorIs(t, err, ErrNoRepository)
}
