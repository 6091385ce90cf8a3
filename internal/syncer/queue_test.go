package syncer

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/librarian/internal/hash"
	"github.com/roach88/librarian/internal/kv"
	"github.com/roach88/librarian/internal/ld"
	"github.com/roach88/librarian/internal/repo"
	"github.com/roach88/librarian/internal/testutil"
)

func openTestRepo(t *testing.T) *repo.Repository {
	t.Helper()
	ctx := context.Background()
	db, err := kv.OpenSQLite(ctx, filepath.Join(t.TempDir(), "queue.db"))
	require.NoError(t, err)
	r, err := repo.Open(ctx, db, "queue", testMigrations(), repo.WithLogger(quiet))
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r
}

func TestQueueIsFIFOAndPersistent(t *testing.T) {
	ctx := context.Background()
	r := openTestRepo(t)
	q := newQueue(r.Substrate())

	var pushed []Record
	for _, s := range []string{"a", "b", "c"} {
		rec, err := q.push(ctx, Record{Kind: KindResource, Hash: hash.Of([]byte(s)), EnqueuedAt: testutil.Epoch})
		require.NoError(t, err)
		pushed = append(pushed, rec)
	}
	assert.Equal(t, []uint64{1, 2, 3}, []uint64{pushed[0].Seq, pushed[1].Seq, pushed[2].Seq})

	head, ok, err := q.head(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, pushed[0], head)

	require.NoError(t, q.remove(ctx, head.Seq))

	// A second queue over the same stores sees the same records.
	again := newQueue(r.Substrate())
	list, err := again.list(ctx)
	require.NoError(t, err)
	assert.Equal(t, pushed[1:], list)

	n, err := again.length(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	// Sequence numbers are never reused.
	rec, err := again.push(ctx, Record{Kind: KindLinkedData, Hash: hash.Of([]byte("d"))})
	require.NoError(t, err)
	assert.Equal(t, uint64(4), rec.Seq)
}

func TestQueueRejectsBadRecords(t *testing.T) {
	ctx := context.Background()
	q := newQueue(openTestRepo(t).Substrate())

	_, err := q.push(ctx, Record{Kind: "video", Hash: hash.Of([]byte("a"))})
	assert.Error(t, err)
	_, err = q.push(ctx, Record{Kind: KindResource, Hash: "sha1:abc"})
	assert.ErrorIs(t, err, hash.ErrInvalid)
}

func TestQueueSignalCoalesces(t *testing.T) {
	q := newQueue(nil)
	q.notify()
	q.notify()
	q.notify()

	<-q.wait()
	select {
	case <-q.wait():
		t.Fatal("signals must coalesce")
	default:
	}
}

func TestMetaDefaults(t *testing.T) {
	ctx := context.Background()
	m := meta{db: openTestRepo(t).Substrate()}

	wm, err := m.watermark(ctx)
	require.NoError(t, err)
	assert.True(t, wm.IsZero())

	at := testutil.Epoch.Add(1500 * time.Millisecond)
	require.NoError(t, m.setWatermark(ctx, at))
	wm, err = m.watermark(ctx)
	require.NoError(t, err)
	assert.True(t, wm.Equal(at))

	n, err := m.fragments(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	require.NoError(t, m.setFragments(ctx, 7))
	n, err = m.fragments(ctx)
	require.NoError(t, err)
	assert.Equal(t, 7, n)
}

func TestSnapshotEncoding(t *testing.T) {
	ctx := context.Background()
	r := openTestRepo(t)

	recs := []ld.Record{
		ld.NewRecord(ld.TypeWatchAction,
			ld.O(ld.PropObject, ld.String(hash.Of([]byte("hello")).String())),
			ld.O(ld.PropStartTime, ld.String("2024-05-01T09:00:00Z")),
			ld.O(ld.PropPosition, ld.Int(42)),
		),
		ld.NewRecord(ld.TypeUpdateAction,
			ld.O(ld.PropTargetCollection, ld.String("settings")),
			ld.O(ld.PropStartTime, ld.String("2024-05-01T10:00:00Z")),
			ld.O(ld.PropObject, ld.NewObject(ld.O(ld.PropName, ld.String("theme")), ld.O(ld.PropValue, ld.String("dark")))),
		),
	}
	var want []hash.ContentHash
	for _, rec := range recs {
		h, err := r.LinkedData().Write(ctx, rec)
		require.NoError(t, err)
		want = append(want, h)
	}

	data, n, err := encodeSnapshot(ctx, r.LinkedData())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "snapshot", data)

	var got []hash.ContentHash
	for _, line := range decodeSnapshot(data) {
		got = append(got, line.Hash)
	}
	assert.ElementsMatch(t, want, got)
}

func TestSnapshotNameIsStable(t *testing.T) {
	floor := time.Date(2024, 5, 1, 9, 0, 0, 5, time.UTC)
	assert.Equal(t, "snapshot-20240501T090000.000000005Z.ndjson", snapshotName(floor))
	assert.Equal(t, "snapshot-00010101T000000.000000000Z.ndjson", snapshotName(time.Time{}))

	parsed, err := parseFloor(formatFloor(floor))
	require.NoError(t, err)
	assert.True(t, parsed.Equal(floor))

	parsed, err = parseFloor("")
	require.NoError(t, err)
	assert.True(t, parsed.IsZero())
}

func TestBackfillQueuesStoredObjects(t *testing.T) {
	ctx := context.Background()
	r := openTestRepo(t)

	h, err := r.Content().Write(ctx, []byte("chapter one"))
	require.NoError(t, err)
	rh, err := r.LinkedData().Write(ctx, ld.NewRecord("Book",
		ld.O(ld.PropIdentifier, ld.String(h.String())),
	))
	require.NoError(t, err)

	n, err := Backfill(ctx, r, testutil.Epoch)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	recs, err := newQueue(r.Substrate()).list(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, KindResource, recs[0].Kind)
	assert.Equal(t, h, recs[0].Hash)
	assert.Equal(t, KindLinkedData, recs[1].Kind)
	assert.Equal(t, rh, recs[1].Hash)
	assert.True(t, recs[0].EnqueuedAt.Equal(testutil.Epoch))
}
