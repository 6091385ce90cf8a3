package syncer

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/roach88/librarian/internal/hash"
	"github.com/roach88/librarian/internal/kv"
)

// Stores the engine keeps its bookkeeping in. They belong to the
// repository's migration chain.
const (
	QueueStore = "sync_queue"
	MetaStore  = "sync_meta"
)

const (
	metaQueueSeq  = "queue_seq"
	metaWatermark = "watermark"
	metaFragments = "fragments"
)

const queuePageSize = 256

// Kind says which local store a queued object lives in.
type Kind string

const (
	KindResource   Kind = "resource"
	KindLinkedData Kind = "linked_data"
)

// Record is one object waiting to reach the remote.
type Record struct {
	// Seq orders the queue. It is assigned by Enqueue.
	Seq        uint64           `json:"-"`
	Kind       Kind             `json:"kind"`
	Hash       hash.ContentHash `json:"hash"`
	Name       string           `json:"name,omitempty"`
	EnqueuedAt time.Time        `json:"enqueuedAt"`
}

func seqKey(seq uint64) string {
	return fmt.Sprintf("%020d", seq)
}

// queue is the persistent FIFO of records plus the wake-up signal of the
// drain goroutine. The signal has a buffer of one so repeated pushes
// coalesce into a single wake-up.
type queue struct {
	db     kv.Substrate
	signal chan struct{}
}

func newQueue(db kv.Substrate) *queue {
	return &queue{db: db, signal: make(chan struct{}, 1)}
}

// notify wakes the drain goroutine without blocking.
func (q *queue) notify() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// wait returns the channel that fires when records may be available.
func (q *queue) wait() <-chan struct{} {
	return q.signal
}

func (q *queue) push(ctx context.Context, rec Record) (Record, error) {
	if rec.Kind != KindResource && rec.Kind != KindLinkedData {
		return Record{}, fmt.Errorf("enqueue: unknown kind %q", rec.Kind)
	}
	if _, err := hash.Parse(rec.Hash.String()); err != nil {
		return Record{}, fmt.Errorf("enqueue: %w", err)
	}

	err := q.db.Update(ctx, func(tx kv.Txn) error {
		seq, err := readUint(tx, metaQueueSeq)
		if err != nil {
			return err
		}
		seq++
		rec.Seq = seq

		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		if err := tx.Put(QueueStore, seqKey(seq), data); err != nil {
			return err
		}
		return tx.Put(MetaStore, metaQueueSeq, []byte(strconv.FormatUint(seq, 10)))
	})
	if err != nil {
		return Record{}, fmt.Errorf("enqueue %s: %w", rec.Hash.Short(), err)
	}
	q.notify()
	return rec, nil
}

// head returns the oldest queued record.
func (q *queue) head(ctx context.Context) (Record, bool, error) {
	var entries []kv.Entry
	err := q.db.View(ctx, func(tx kv.Txn) error {
		var err error
		entries, err = tx.Scan(QueueStore, "", 1)
		return err
	})
	if err != nil {
		return Record{}, false, fmt.Errorf("read queue head: %w", err)
	}
	if len(entries) == 0 {
		return Record{}, false, nil
	}
	rec, err := decodeRecord(entries[0])
	if err != nil {
		return Record{}, false, err
	}
	return rec, true, nil
}

func (q *queue) list(ctx context.Context) ([]Record, error) {
	out := []Record{}
	after := ""
	for {
		var entries []kv.Entry
		err := q.db.View(ctx, func(tx kv.Txn) error {
			var err error
			entries, err = tx.Scan(QueueStore, after, queuePageSize)
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("list queue: %w", err)
		}
		for _, e := range entries {
			rec, err := decodeRecord(e)
			if err != nil {
				return nil, err
			}
			out = append(out, rec)
			after = e.Key
		}
		if len(entries) < queuePageSize {
			return out, nil
		}
	}
}

func (q *queue) remove(ctx context.Context, seqs ...uint64) error {
	if len(seqs) == 0 {
		return nil
	}
	err := q.db.Update(ctx, func(tx kv.Txn) error {
		for _, seq := range seqs {
			if err := tx.Delete(QueueStore, seqKey(seq)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("dequeue: %w", err)
	}
	return nil
}

func (q *queue) length(ctx context.Context) (int64, error) {
	var st kv.Stats
	err := q.db.View(ctx, func(tx kv.Txn) error {
		var err error
		st, err = tx.Stat(QueueStore)
		return err
	})
	return st.Count, err
}

func decodeRecord(e kv.Entry) (Record, error) {
	var rec Record
	if err := json.Unmarshal(e.Value, &rec); err != nil {
		return Record{}, fmt.Errorf("decode queue entry %s: %w", e.Key, err)
	}
	seq, err := strconv.ParseUint(e.Key, 10, 64)
	if err != nil {
		return Record{}, fmt.Errorf("decode queue key %q: %w", e.Key, err)
	}
	rec.Seq = seq
	return rec, nil
}

// meta reads and writes the engine's scalar bookkeeping.
type meta struct {
	db kv.Substrate
}

func (m meta) watermark(ctx context.Context) (time.Time, error) {
	var wm time.Time
	err := m.db.View(ctx, func(tx kv.Txn) error {
		raw, err := tx.Get(MetaStore, metaWatermark)
		if kv.IsNotFound(err) {
			return nil
		}
		if err != nil {
			return err
		}
		wm, err = time.Parse(time.RFC3339Nano, string(raw))
		return err
	})
	if err != nil {
		return time.Time{}, fmt.Errorf("read watermark: %w", err)
	}
	return wm, nil
}

func (m meta) setWatermark(ctx context.Context, t time.Time) error {
	err := m.db.Update(ctx, func(tx kv.Txn) error {
		return tx.Put(MetaStore, metaWatermark, []byte(t.UTC().Format(time.RFC3339Nano)))
	})
	if err != nil {
		return fmt.Errorf("write watermark: %w", err)
	}
	return nil
}

func (m meta) fragments(ctx context.Context) (int, error) {
	var n uint64
	err := m.db.View(ctx, func(tx kv.Txn) error {
		var err error
		n, err = readUint(tx, metaFragments)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("read fragment count: %w", err)
	}
	return int(n), nil
}

func (m meta) setFragments(ctx context.Context, n int) error {
	err := m.db.Update(ctx, func(tx kv.Txn) error {
		return tx.Put(MetaStore, metaFragments, []byte(strconv.Itoa(n)))
	})
	if err != nil {
		return fmt.Errorf("write fragment count: %w", err)
	}
	return nil
}

func readUint(tx kv.Txn, key string) (uint64, error) {
	raw, err := tx.Get(MetaStore, key)
	if kv.IsNotFound(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.ParseUint(string(raw), 10, 64)
}
