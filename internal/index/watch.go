package index

import (
	"context"
	"time"

	"github.com/roach88/librarian/internal/hash"
	"github.com/roach88/librarian/internal/ld"
	"github.com/roach88/librarian/internal/repo"
)

// WatchHistoryStore is the kv store of the watch-history index.
const WatchHistoryStore = "index_watch_history"

// WatchEntry is the latest reading or viewing state of a resource.
type WatchEntry struct {
	Position  int64     `json:"position"`
	StartTime time.Time `json:"startTime"`
	EndTime   time.Time `json:"endTime,omitzero"`
}

// WatchHistory indexes WatchAction records by the watched resource hash.
type WatchHistory struct {
	*Temporal[WatchEntry]
}

// NewWatchHistory returns the watch-history index of r.
func NewWatchHistory(r *repo.Repository, opts ...Option) *WatchHistory {
	o := buildOptions(opts)
	return &WatchHistory{Temporal: NewTemporal(r, WatchHistoryStore, deriveWatch, o.prune, o.logger)}
}

func deriveWatch(rec ld.Record, _ hash.ContentHash) (string, WatchEntry, time.Time, bool) {
	if rec.Type() != ld.TypeWatchAction {
		return "", WatchEntry{}, time.Time{}, false
	}
	target, ok := rec.Ref(ld.PropObject)
	if !ok {
		return "", WatchEntry{}, time.Time{}, false
	}
	ts, ok := rec.Timestamp()
	if !ok {
		return "", WatchEntry{}, time.Time{}, false
	}

	entry := WatchEntry{StartTime: ts.UTC()}
	entry.Position, _ = rec.Int(ld.PropPosition)
	if end, ok := rec.Time(ld.PropEndTime); ok {
		entry.EndTime = end.UTC()
	}
	return target.String(), entry, ts, true
}

// Search returns the entries for the given resource hashes, in argument
// order. Hashes with no history are skipped.
func (w *WatchHistory) Search(ctx context.Context, hashes []hash.ContentHash) ([]Record[WatchEntry], error) {
	results := make([]Record[WatchEntry], 0, len(hashes))
	for _, h := range hashes {
		r, found, err := w.Get(ctx, h.String())
		if err != nil {
			return nil, err
		}
		if found {
			results = append(results, r)
		}
	}
	return results, nil
}
