package index

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/librarian/internal/hash"
	"github.com/roach88/librarian/internal/kv"
	"github.com/roach88/librarian/internal/ld"
	"github.com/roach88/librarian/internal/repo"
)

var (
	quiet = slog.New(slog.DiscardHandler)
	t0    = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	t1    = t0.Add(time.Hour)
)

func testMigrations(extra ...repo.Hook) []repo.Migration {
	return []repo.Migration{
		{Version: 1, Stores: []string{repo.ResourcesStore, repo.LinkedDataStore}},
		{Version: 2, Stores: []string{DirectoryStore, WatchHistoryStore, SettingsStore, HabitsStore}, AfterCreate: extra},
	}
}

func createTestRepo(t *testing.T, hooks ...repo.Hook) *repo.Repository {
	t.Helper()
	ctx := context.Background()
	db, err := kv.OpenSQLite(ctx, filepath.Join(t.TempDir(), "index.db"))
	require.NoError(t, err, "OpenSQLite() failed")
	r, err := repo.Open(ctx, db, "test", testMigrations(hooks...), repo.WithLogger(quiet))
	require.NoError(t, err, "repo.Open() failed")
	t.Cleanup(func() { r.Close() })
	return r
}

// write stores rec and returns its hash.
func write(t *testing.T, r *repo.Repository, rec ld.Record) hash.ContentHash {
	t.Helper()
	h, err := r.LinkedData().Write(context.Background(), rec)
	require.NoError(t, err)
	return h
}

func watch(target hash.ContentHash, at time.Time, position int64) ld.Record {
	return ld.NewRecord(ld.TypeWatchAction,
		ld.O(ld.PropObject, ld.String(target.String())),
		ld.O(ld.PropStartTime, ld.FormatTime(at)),
		ld.O(ld.PropPosition, ld.Int(position)),
	)
}

func setting(name string, value ld.Value, at time.Time) ld.Record {
	return ld.NewRecord(ld.TypeUpdateAction,
		ld.O(ld.PropTargetCollection, ld.String(SettingsCollection)),
		ld.O(ld.PropStartTime, ld.FormatTime(at)),
		ld.O(ld.PropObject, ld.NewObject(ld.O(ld.PropName, ld.String(name)), ld.O(ld.PropValue, value))),
	)
}

func checkIn(habit string, at time.Time, status string) ld.Record {
	return ld.NewRecord(ld.TypeCheckAction,
		ld.O(ld.PropObject, ld.String(habit)),
		ld.O(ld.PropStartTime, ld.FormatTime(at)),
		ld.O(ld.PropActionStatus, ld.String(status)),
	)
}

func TestWatchHistoryLastWriterWinsInEitherOrder(t *testing.T) {
	ctx := context.Background()
	doc := hash.Of([]byte("hello"))
	older := watch(doc, t0, 10)
	newer := watch(doc, t1, 99)

	run := func(first, second ld.Record) Record[WatchEntry] {
		r := createTestRepo(t)
		w := NewWatchHistory(r, WithLogger(quiet))
		for _, rec := range []ld.Record{first, second} {
			_, err := w.Update(ctx, rec, write(t, r, rec))
			require.NoError(t, err)
		}
		got, err := w.Search(ctx, []hash.ContentHash{doc})
		require.NoError(t, err)
		require.Len(t, got, 1)
		return got[0]
	}

	forward := run(older, newer)
	reverse := run(newer, older)

	assert.Equal(t, forward, reverse, "final state must not depend on arrival order")
	assert.EqualValues(t, 99, forward.Props.Position)
	assert.True(t, forward.Timestamp.Equal(t1))
}

func TestTemporalOutcomes(t *testing.T) {
	ctx := context.Background()
	r := createTestRepo(t)
	w := NewWatchHistory(r, WithLogger(quiet))
	doc := hash.Of([]byte("hello"))

	newer := watch(doc, t1, 5)
	newerHash := write(t, r, newer)
	outcome, err := w.Update(ctx, newer, newerHash)
	require.NoError(t, err)
	assert.Equal(t, OutcomeStored, outcome)

	outcome, err = w.Update(ctx, newer, newerHash)
	require.NoError(t, err)
	assert.Equal(t, OutcomeUnchanged, outcome)

	older := watch(doc, t0, 1)
	outcome, err = w.Update(ctx, older, write(t, r, older))
	require.NoError(t, err)
	assert.Equal(t, OutcomeConflictIgnored, outcome)

	book := ld.NewRecord("Book", ld.O(ld.PropName, ld.String("Dune")))
	outcome, err = w.Update(ctx, book, write(t, r, book))
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, outcome, "irrelevant records are a no-op")
}

func TestEqualTimestampsBreakOnHash(t *testing.T) {
	ctx := context.Background()
	doc := hash.Of([]byte("hello"))
	a := watch(doc, t0, 1)
	b := watch(doc, t0, 2)

	ha, err := a.Hash()
	require.NoError(t, err)
	hb, err := b.Hash()
	require.NoError(t, err)
	winner := max(ha, hb)

	for _, order := range [][]ld.Record{{a, b}, {b, a}} {
		r := createTestRepo(t)
		w := NewWatchHistory(r, WithLogger(quiet))
		for _, rec := range order {
			_, err := w.Update(ctx, rec, write(t, r, rec))
			require.NoError(t, err)
		}
		got, found, err := w.Get(ctx, doc.String())
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, winner, got.Source)
	}
}

func TestPruningDeletesSupersededEvents(t *testing.T) {
	ctx := context.Background()
	doc := hash.Of([]byte("hello"))
	older := watch(doc, t0, 1)
	newer := watch(doc, t1, 2)
	olderHash, err := older.Hash()
	require.NoError(t, err)
	newerHash, err := newer.Hash()
	require.NoError(t, err)

	for _, order := range [][]ld.Record{{older, newer}, {newer, older}} {
		r := createTestRepo(t)
		w := NewWatchHistory(r, WithPruning(true), WithLogger(quiet))
		for _, rec := range order {
			_, err := w.Update(ctx, rec, write(t, r, rec))
			require.NoError(t, err)
		}

		ok, err := r.LinkedData().Has(ctx, olderHash)
		require.NoError(t, err)
		assert.False(t, ok, "the losing event record is pruned")

		ok, err = r.LinkedData().Has(ctx, newerHash)
		require.NoError(t, err)
		assert.True(t, ok, "the winning event record is kept")
	}
}

func TestDirectorySearch(t *testing.T) {
	ctx := context.Background()
	r := createTestRepo(t)
	d := NewDirectory(r, WithLogger(quiet))

	docs := []ld.Record{
		ld.NewRecord("Article",
			ld.O(ld.PropIdentifier, ld.String(hash.Of([]byte("a")).String())),
			ld.O(ld.PropName, ld.String("Straße und Verkehr"))),
		ld.NewRecord("Book",
			ld.O(ld.PropIdentifier, ld.String(hash.Of([]byte("b")).String())),
			ld.O(ld.PropName, ld.String("The Go Programming Language"))),
		ld.NewRecord("VideoObject",
			ld.O(ld.PropIdentifier, ld.String(hash.Of([]byte("c")).String())),
			ld.O(ld.PropName, ld.String("Go concurrency patterns"))),
	}
	for _, rec := range docs {
		_, err := d.Update(ctx, rec, write(t, r, rec))
		require.NoError(t, err)
	}

	got, err := d.Search(ctx, DirectoryQuery{Name: "go "})
	require.NoError(t, err)
	assert.Len(t, got, 2)

	got, err = d.Search(ctx, DirectoryQuery{Name: "go", Types: []string{"Book"}})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, hash.Of([]byte("b")).String(), got[0].Key, "entries are keyed by the described resource")

	got, err = d.Search(ctx, DirectoryQuery{Name: "STRASSE"})
	require.NoError(t, err)
	assert.Len(t, got, 1, "matching folds case")

	got, err = d.Search(ctx, DirectoryQuery{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, got, 1)

	watchRec := watch(hash.Of([]byte("a")), t0, 1)
	outcome, err := d.Update(ctx, watchRec, write(t, r, watchRec))
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, outcome, "events are not directory entries")
}

func TestSettings(t *testing.T) {
	ctx := context.Background()
	r := createTestRepo(t)
	s := NewSettings(r, WithLogger(quiet))

	for _, rec := range []ld.Record{
		setting("theme", ld.String("dark"), t1),
		setting("theme", ld.String("light"), t0),
		setting("fontSize", ld.Int(14), t0),
	} {
		_, err := s.Update(ctx, rec, write(t, r, rec))
		require.NoError(t, err)
	}

	var theme string
	ok, err := s.Lookup(ctx, "theme", &theme)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "dark", theme)

	var size int
	ok, err = s.Lookup(ctx, "fontSize", &size)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 14, size)

	ok, err = s.Lookup(ctx, "missing", &size)
	require.NoError(t, err)
	assert.False(t, ok)

	all, err := s.Search(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	other := ld.NewRecord(ld.TypeUpdateAction,
		ld.O(ld.PropTargetCollection, ld.String("bookmarks")),
		ld.O(ld.PropStartTime, ld.FormatTime(t1)),
		ld.O(ld.PropObject, ld.NewObject(ld.O(ld.PropName, ld.String("theme")), ld.O(ld.PropValue, ld.String("x")))),
	)
	outcome, err := s.Update(ctx, other, write(t, r, other))
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, outcome)
}

func TestHabits(t *testing.T) {
	ctx := context.Background()
	r := createTestRepo(t)
	h := NewHabits(r, WithLogger(quiet))

	day := func(d int, hour int) time.Time {
		return time.Date(2024, 5, d, hour, 0, 0, 0, time.UTC)
	}
	for _, rec := range []ld.Record{
		checkIn("reading", day(1, 7), "CompletedActionStatus"),
		checkIn("reading", day(1, 22), "FailedActionStatus"),
		checkIn("reading", day(2, 7), "CompletedActionStatus"),
		checkIn("reading", day(4, 7), "CompletedActionStatus"),
		checkIn("reading/audio", day(2, 7), "CompletedActionStatus"),
		checkIn("running", day(2, 7), "CompletedActionStatus"),
	} {
		_, err := h.Update(ctx, rec, write(t, r, rec))
		require.NoError(t, err)
	}

	got, err := h.Search(ctx, HabitQuery{Habit: "reading"})
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "2024-05-01", got[0].Props.Day)
	assert.Equal(t, "FailedActionStatus", got[0].Props.Status, "the latest check-in of a day wins")

	got, err = h.Search(ctx, HabitQuery{Habit: "reading", From: day(2, 0), To: day(3, 0)})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "2024-05-02", got[0].Props.Day)
	assert.Equal(t, HabitKey("reading", day(2, 0)), got[0].Key)
}

func TestRebuildMatchesIncrementalUpdates(t *testing.T) {
	ctx := context.Background()
	doc := hash.Of([]byte("hello"))
	records := []ld.Record{
		watch(doc, t1, 7),
		watch(doc, t0, 3),
		setting("theme", ld.String("dark"), t0),
		ld.NewRecord("Article", ld.O(ld.PropIdentifier, ld.String(doc.String())), ld.O(ld.PropName, ld.String("Hello"))),
	}

	live := createTestRepo(t)
	liveSet := Factory(live, WithLogger(quiet))
	for _, rec := range records {
		require.NoError(t, liveSet.Update(ctx, rec, write(t, live, rec)))
	}

	replayed := createTestRepo(t)
	for _, rec := range records {
		write(t, replayed, rec)
	}
	replayedSet := Factory(replayed, WithLogger(quiet))
	for _, idx := range replayedSet.All() {
		require.NoError(t, idx.Rebuild(ctx))
	}

	wantWatch, err := liveSet.WatchHistory.Search(ctx, []hash.ContentHash{doc})
	require.NoError(t, err)
	gotWatch, err := replayedSet.WatchHistory.Search(ctx, []hash.ContentHash{doc})
	require.NoError(t, err)
	assert.Equal(t, wantWatch, gotWatch)

	wantDir, err := liveSet.Directory.Search(ctx, DirectoryQuery{})
	require.NoError(t, err)
	gotDir, err := replayedSet.Directory.Search(ctx, DirectoryQuery{})
	require.NoError(t, err)
	assert.Equal(t, wantDir, gotDir)
}

func TestRebuildDropsStaleEntries(t *testing.T) {
	ctx := context.Background()
	r := createTestRepo(t)
	d := NewDirectory(r, WithLogger(quiet))

	rec := ld.NewRecord("Book", ld.O(ld.PropName, ld.String("Gone")))
	h := write(t, r, rec)
	_, err := d.Update(ctx, rec, h)
	require.NoError(t, err)

	require.NoError(t, r.LinkedData().Delete(ctx, h))
	require.NoError(t, d.Rebuild(ctx))

	got, err := d.Search(ctx, DirectoryQuery{})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestRebuildHookRunsDuringMigration(t *testing.T) {
	ctx := context.Background()
	db, err := kv.OpenSQLite(ctx, filepath.Join(t.TempDir(), "hook.db"))
	require.NoError(t, err)

	// Version 1 only: write a record before the index exists.
	r, err := repo.Open(ctx, db, "hook", testMigrations()[:1], repo.WithLogger(quiet))
	require.NoError(t, err)
	doc := hash.Of([]byte("hello"))
	_, err = r.LinkedData().Write(ctx, watch(doc, t0, 4))
	require.NoError(t, err)

	hook := RebuildHook(func(r *repo.Repository) Indexer { return NewWatchHistory(r, WithLogger(quiet)) })
	r, err = repo.Open(ctx, db, "hook", testMigrations(hook), repo.WithLogger(quiet))
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })

	got, err := NewWatchHistory(r).Search(ctx, []hash.ContentHash{doc})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.EqualValues(t, 4, got[0].Props.Position)
}

func TestIndexesFailAfterRepositoryCloses(t *testing.T) {
	ctx := context.Background()
	r := createTestRepo(t)
	set := Factory(r, WithLogger(quiet))
	require.NoError(t, r.Close())

	_, err := set.Directory.Search(ctx, DirectoryQuery{})
	assert.ErrorIs(t, err, repo.ErrClosed)

	rec := watch(hash.Of([]byte("x")), t0, 1)
	_, err = set.WatchHistory.Update(ctx, rec, hash.Of([]byte("x")))
	assert.ErrorIs(t, err, repo.ErrClosed)
}
