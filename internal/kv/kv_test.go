package kv

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// backends returns a constructor per substrate implementation. Each
// constructor opens a fresh database under t.TempDir().
func backends() map[string]func(t *testing.T) Substrate {
	return map[string]func(t *testing.T) Substrate{
		"sqlite": func(t *testing.T) Substrate {
			s, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "test.db"))
			require.NoError(t, err, "failed to open sqlite substrate")
			t.Cleanup(func() { s.Close() })
			return s
		},
		"badger": func(t *testing.T) Substrate {
			b, err := OpenBadger(InMemoryBadgerConfig())
			require.NoError(t, err, "failed to open badger substrate")
			t.Cleanup(func() { b.Close() })
			return b
		},
	}
}

func forEachBackend(t *testing.T, fn func(t *testing.T, s Substrate)) {
	for name, open := range backends() {
		t.Run(name, func(t *testing.T) {
			fn(t, open(t))
		})
	}
}

func TestVersionStartsAtZero(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Substrate) {
		ctx := context.Background()

		v, err := s.Version(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, v)

		require.NoError(t, s.SetVersion(ctx, 4))
		v, err = s.Version(ctx)
		require.NoError(t, err)
		assert.Equal(t, 4, v)
	})
}

func TestCreateStoresIsIdempotent(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Substrate) {
		ctx := context.Background()

		require.NoError(t, s.CreateStores(ctx, []string{"resources", "linked_data"}))
		require.NoError(t, s.CreateStores(ctx, []string{"resources", "sync_queue"}))

		names, err := s.Stores(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"linked_data", "resources", "sync_queue"}, names)
	})
}

func TestCreateStoresRejectsBadNames(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Substrate) {
		err := s.CreateStores(context.Background(), []string{"ok", "Bad-Name"})
		require.Error(t, err)

		names, err := s.Stores(context.Background())
		require.NoError(t, err)
		assert.Empty(t, names, "no store is created when any name is invalid")
	})
}

func TestGetPutDelete(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Substrate) {
		ctx := context.Background()
		require.NoError(t, s.CreateStores(ctx, []string{"things"}))

		err := s.Update(ctx, func(tx Txn) error {
			return tx.Put("things", "a", []byte("one"))
		})
		require.NoError(t, err)

		err = s.View(ctx, func(tx Txn) error {
			v, err := tx.Get("things", "a")
			require.NoError(t, err)
			assert.Equal(t, []byte("one"), v)

			_, err = tx.Get("things", "missing")
			assert.ErrorIs(t, err, ErrNotFound)
			return nil
		})
		require.NoError(t, err)

		require.NoError(t, s.Update(ctx, func(tx Txn) error {
			if err := tx.Delete("things", "a"); err != nil {
				return err
			}
			return tx.Delete("things", "never-existed")
		}))

		err = s.View(ctx, func(tx Txn) error {
			_, err := tx.Get("things", "a")
			return err
		})
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestPutIfAbsent(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Substrate) {
		ctx := context.Background()
		require.NoError(t, s.CreateStores(ctx, []string{"things"}))

		var first, second bool
		require.NoError(t, s.Update(ctx, func(tx Txn) error {
			var err error
			first, err = tx.PutIfAbsent("things", "k", []byte("v1"))
			return err
		}))
		require.NoError(t, s.Update(ctx, func(tx Txn) error {
			var err error
			second, err = tx.PutIfAbsent("things", "k", []byte("v2"))
			return err
		}))

		assert.True(t, first)
		assert.False(t, second)

		require.NoError(t, s.View(ctx, func(tx Txn) error {
			v, err := tx.Get("things", "k")
			require.NoError(t, err)
			assert.Equal(t, []byte("v1"), v, "existing value is kept")
			return nil
		}))
	})
}

func TestUpdateRollsBackOnError(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Substrate) {
		ctx := context.Background()
		require.NoError(t, s.CreateStores(ctx, []string{"things"}))

		boom := fmt.Errorf("boom")
		err := s.Update(ctx, func(tx Txn) error {
			if err := tx.Put("things", "a", []byte("1")); err != nil {
				return err
			}
			return boom
		})
		require.ErrorIs(t, err, boom)

		require.NoError(t, s.View(ctx, func(tx Txn) error {
			st, err := tx.Stat("things")
			require.NoError(t, err)
			assert.Zero(t, st.Count, "a failed update leaves nothing behind")
			return nil
		}))
	})
}

func TestUnknownStore(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Substrate) {
		err := s.View(context.Background(), func(tx Txn) error {
			_, err := tx.Get("nope", "k")
			return err
		})
		assert.ErrorIs(t, err, ErrUnknownStore)
	})
}

func TestScanPagesInKeyOrder(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Substrate) {
		ctx := context.Background()
		require.NoError(t, s.CreateStores(ctx, []string{"a", "b"}))

		require.NoError(t, s.Update(ctx, func(tx Txn) error {
			for _, k := range []string{"k3", "k1", "k5", "k2", "k4"} {
				if err := tx.Put("a", k, []byte(k)); err != nil {
					return err
				}
			}
			// Neighbouring store must not leak into scans of "a".
			return tx.Put("b", "k0", []byte("other"))
		}))

		var keys []string
		cursor := ""
		for {
			var page []Entry
			require.NoError(t, s.View(ctx, func(tx Txn) error {
				var err error
				page, err = tx.Scan("a", cursor, 2)
				return err
			}))
			if len(page) == 0 {
				break
			}
			for _, e := range page {
				keys = append(keys, e.Key)
			}
			cursor = page[len(page)-1].Key
		}

		assert.Equal(t, []string{"k1", "k2", "k3", "k4", "k5"}, keys)
	})
}

func TestScanToleratesDeletesBetweenPages(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Substrate) {
		ctx := context.Background()
		require.NoError(t, s.CreateStores(ctx, []string{"a"}))
		require.NoError(t, s.Update(ctx, func(tx Txn) error {
			for i := range 6 {
				if err := tx.Put("a", fmt.Sprintf("k%d", i), []byte{byte(i)}); err != nil {
					return err
				}
			}
			return nil
		}))

		var seen []string
		cursor := ""
		for {
			var page []Entry
			require.NoError(t, s.View(ctx, func(tx Txn) error {
				var err error
				page, err = tx.Scan("a", cursor, 2)
				return err
			}))
			if len(page) == 0 {
				break
			}
			require.NoError(t, s.Update(ctx, func(tx Txn) error {
				for _, e := range page {
					seen = append(seen, e.Key)
					if err := tx.Delete("a", e.Key); err != nil {
						return err
					}
				}
				return nil
			}))
			cursor = page[len(page)-1].Key
		}

		assert.Len(t, seen, 6)
	})
}

func TestStat(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Substrate) {
		ctx := context.Background()
		require.NoError(t, s.CreateStores(ctx, []string{"a"}))
		require.NoError(t, s.Update(ctx, func(tx Txn) error {
			if err := tx.Put("a", "x", []byte("hello")); err != nil {
				return err
			}
			return tx.Put("a", "y", []byte("hi"))
		}))

		require.NoError(t, s.View(ctx, func(tx Txn) error {
			st, err := tx.Stat("a")
			require.NoError(t, err)
			assert.Equal(t, Stats{Count: 2, Bytes: 7}, st)
			return nil
		}))
	})
}

func TestReadOnlyTxnRejectsWrites(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Substrate) {
		ctx := context.Background()
		require.NoError(t, s.CreateStores(ctx, []string{"a"}))

		err := s.View(ctx, func(tx Txn) error {
			return tx.Put("a", "k", []byte("v"))
		})
		assert.Error(t, err)
	})
}

func TestClosedSubstrate(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Substrate) {
		require.NoError(t, s.Close())
		require.NoError(t, s.Close(), "close is idempotent")

		_, err := s.Version(context.Background())
		assert.ErrorIs(t, err, ErrClosed)

		err = s.Update(context.Background(), func(Txn) error { return nil })
		assert.ErrorIs(t, err, ErrClosed)
	})
}

func TestSQLiteReopenKeepsStoresAndVersion(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "reopen.db")

	s, err := OpenSQLite(ctx, path)
	require.NoError(t, err)
	require.NoError(t, s.CreateStores(ctx, []string{"resources"}))
	require.NoError(t, s.SetVersion(ctx, 2))
	require.NoError(t, s.Close())

	s, err = OpenSQLite(ctx, path)
	require.NoError(t, err)
	defer s.Close()

	names, err := s.Stores(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"resources"}, names)

	v, err := s.Version(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, v)
}

func TestBadgerReopenKeepsStoresAndVersion(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultBadgerConfig(filepath.Join(t.TempDir(), "badger"))
	cfg.GCInterval = 0

	b, err := OpenBadger(cfg)
	require.NoError(t, err)
	require.NoError(t, b.CreateStores(ctx, []string{"resources"}))
	require.NoError(t, b.SetVersion(ctx, 3))
	require.NoError(t, b.Close())

	b, err = OpenBadger(cfg)
	require.NoError(t, err)
	defer b.Close()

	names, err := b.Stores(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"resources"}, names)

	v, err := b.Version(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, v)
}

func TestClassify(t *testing.T) {
	assert.ErrorIs(t, classify(fmt.Errorf("disk on fire")), ErrIO)
	assert.ErrorIs(t, classifyBadger(fmt.Errorf("disk on fire")), ErrIO)
	assert.ErrorIs(t, classify(context.Canceled), context.Canceled)
}
