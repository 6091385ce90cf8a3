package kv

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// Key layout:
//
//	d <store> 0x00 <key>  data
//	m 0x00 version         schema version (decimal)
//	s 0x00 <store>         store registry
var (
	versionKey  = []byte("m\x00version")
	storePrefix = []byte("s\x00")
)

// maxConflictRetries bounds how often Update re-runs fn after a
// serialization conflict with a concurrent transaction.
const maxConflictRetries = 5

func dataPrefix(store string) []byte {
	return []byte("d" + store + "\x00")
}

// BadgerConfig configures a Badger substrate.
type BadgerConfig struct {
	// Path is the database directory. Required unless InMemory is set.
	Path string

	// InMemory keeps everything in memory. Useful for tests.
	InMemory bool

	// SyncWrites fsyncs every commit.
	SyncWrites bool

	// Logger receives Badger's internal logs. Nil disables them.
	Logger *slog.Logger

	// GCInterval is how often value log GC runs. Zero disables it.
	GCInterval time.Duration

	// GCDiscardRatio is passed to RunValueLogGC.
	GCDiscardRatio float64
}

// DefaultBadgerConfig returns settings for a persistent database at path.
func DefaultBadgerConfig(path string) BadgerConfig {
	return BadgerConfig{
		Path:           path,
		SyncWrites:     true,
		GCInterval:     5 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// InMemoryBadgerConfig returns settings for a throwaway database.
func InMemoryBadgerConfig() BadgerConfig {
	return BadgerConfig{InMemory: true}
}

// badgerLogger adapts slog to badger.Logger.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...any) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...any) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...any) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...any) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// Badger is a Substrate backed by BadgerDB.
type Badger struct {
	db     *badger.DB
	logger *slog.Logger

	mu     sync.RWMutex
	stores map[string]struct{}
	closed bool

	stopGC chan struct{}
	gcDone chan struct{}
}

var _ Substrate = (*Badger)(nil)

// OpenBadger opens or creates a Badger database.
func OpenBadger(cfg BadgerConfig) (*Badger, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent database")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("create database directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", classifyBadger(err))
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	b := &Badger{db: db, logger: logger, stores: make(map[string]struct{})}
	if err := b.loadStores(); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.GCInterval > 0 && !cfg.InMemory {
		b.stopGC = make(chan struct{})
		b.gcDone = make(chan struct{})
		go b.runGC(cfg.GCInterval, cfg.GCDiscardRatio)
	}
	return b, nil
}

func (b *Badger) loadStores() error {
	return b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = storePrefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			name := string(bytes.TrimPrefix(it.Item().Key(), storePrefix))
			b.stores[name] = struct{}{}
		}
		return nil
	})
}

func (b *Badger) runGC(interval time.Duration, ratio float64) {
	defer close(b.gcDone)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-b.stopGC:
			return
		case <-ticker.C:
			err := b.db.RunValueLogGC(ratio)
			if err != nil && !errors.Is(err, badger.ErrNoRewrite) {
				b.logger.Warn("badger value log GC error", "error", err)
			}
		}
	}
}

func (b *Badger) check(ctx context.Context) error {
	if b.closed {
		return ErrClosed
	}
	return ctx.Err()
}

// Version implements Substrate.
func (b *Badger) Version(ctx context.Context) (int, error) {
	var v int
	err := b.View(ctx, func(t Txn) error {
		raw, err := t.(*badgerTxn).txn.Get(versionKey)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return raw.Value(func(val []byte) error {
			n, err := strconv.Atoi(string(val))
			v = n
			return err
		})
	})
	if err != nil {
		return 0, fmt.Errorf("get version: %w", err)
	}
	return v, nil
}

// SetVersion implements Substrate.
func (b *Badger) SetVersion(ctx context.Context, v int) error {
	err := b.Update(ctx, func(t Txn) error {
		return t.(*badgerTxn).txn.Set(versionKey, []byte(strconv.Itoa(v)))
	})
	if err != nil {
		return fmt.Errorf("set version: %w", err)
	}
	return nil
}

// CreateStores implements Substrate. Registry entries for every store are
// committed in one Badger transaction.
func (b *Badger) CreateStores(ctx context.Context, names []string) error {
	for _, name := range names {
		if err := ValidateStoreName(name); err != nil {
			return err
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.check(ctx); err != nil {
		return err
	}

	err := b.db.Update(func(txn *badger.Txn) error {
		for _, name := range names {
			if err := txn.Set(append(bytes.Clone(storePrefix), name...), nil); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("create stores: %w", classifyBadger(err))
	}

	for _, name := range names {
		b.stores[name] = struct{}{}
	}
	return nil
}

// Stores implements Substrate.
func (b *Badger) Stores(ctx context.Context) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if err := b.check(ctx); err != nil {
		return nil, err
	}

	names := make([]string, 0, len(b.stores))
	for name := range b.stores {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// View implements Substrate.
func (b *Badger) View(ctx context.Context, fn func(Txn) error) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if err := b.check(ctx); err != nil {
		return err
	}

	return b.db.View(func(txn *badger.Txn) error {
		return fn(&badgerTxn{txn: txn, stores: b.stores})
	})
}

// Update implements Substrate.
func (b *Badger) Update(ctx context.Context, fn func(Txn) error) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if err := b.check(ctx); err != nil {
		return err
	}

	for attempt := 1; ; attempt++ {
		var fnErr error
		err := b.db.Update(func(txn *badger.Txn) error {
			fnErr = fn(&badgerTxn{txn: txn, stores: b.stores, write: true})
			return fnErr
		})
		switch {
		case err == nil:
			return nil
		case fnErr != nil:
			return fnErr
		case errors.Is(err, badger.ErrConflict) && attempt < maxConflictRetries:
			continue
		default:
			return fmt.Errorf("commit: %w", classifyBadger(err))
		}
	}
}

// Close implements Substrate.
func (b *Badger) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true

	if b.stopGC != nil {
		close(b.stopGC)
		<-b.gcDone
	}
	return b.db.Close()
}

type badgerTxn struct {
	txn    *badger.Txn
	stores map[string]struct{}
	write  bool
}

func (t *badgerTxn) key(store, key string) ([]byte, error) {
	if _, ok := t.stores[store]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownStore, store)
	}
	return append(dataPrefix(store), key...), nil
}

func (t *badgerTxn) writable() error {
	if !t.write {
		return errors.New("write in read-only transaction")
	}
	return nil
}

func (t *badgerTxn) Get(store, key string) ([]byte, error) {
	k, err := t.key(store, key)
	if err != nil {
		return nil, err
	}

	item, err := t.txn.Get(k)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%s/%s: %w", store, key, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get %s/%s: %w", store, key, classifyBadger(err))
	}
	value, err := item.ValueCopy(nil)
	if err != nil {
		return nil, fmt.Errorf("get %s/%s: %w", store, key, classifyBadger(err))
	}
	return value, nil
}

func (t *badgerTxn) Put(store, key string, value []byte) error {
	if err := t.writable(); err != nil {
		return err
	}
	k, err := t.key(store, key)
	if err != nil {
		return err
	}

	if err := t.txn.Set(k, bytes.Clone(value)); err != nil {
		return fmt.Errorf("put %s/%s: %w", store, key, classifyBadger(err))
	}
	return nil
}

func (t *badgerTxn) PutIfAbsent(store, key string, value []byte) (bool, error) {
	if err := t.writable(); err != nil {
		return false, err
	}
	k, err := t.key(store, key)
	if err != nil {
		return false, err
	}

	_, err = t.txn.Get(k)
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, badger.ErrKeyNotFound) {
		return false, fmt.Errorf("put %s/%s: %w", store, key, classifyBadger(err))
	}
	if err := t.txn.Set(k, bytes.Clone(value)); err != nil {
		return false, fmt.Errorf("put %s/%s: %w", store, key, classifyBadger(err))
	}
	return true, nil
}

func (t *badgerTxn) Delete(store, key string) error {
	if err := t.writable(); err != nil {
		return err
	}
	k, err := t.key(store, key)
	if err != nil {
		return err
	}

	if err := t.txn.Delete(k); err != nil {
		return fmt.Errorf("delete %s/%s: %w", store, key, classifyBadger(err))
	}
	return nil
}

func (t *badgerTxn) Scan(store, after string, limit int) ([]Entry, error) {
	prefix, err := t.key(store, "")
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		return []Entry{}, nil
	}

	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	opts.PrefetchSize = min(limit, 100)
	it := t.txn.NewIterator(opts)
	defer it.Close()

	entries := make([]Entry, 0, limit)
	for it.Seek(append(bytes.Clone(prefix), after...)); it.Valid() && len(entries) < limit; it.Next() {
		item := it.Item()
		key := string(item.Key()[len(prefix):])
		if key <= after {
			continue
		}
		value, err := item.ValueCopy(nil)
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", store, classifyBadger(err))
		}
		entries = append(entries, Entry{Key: key, Value: value})
	}
	return entries, nil
}

func (t *badgerTxn) Stat(store string) (Stats, error) {
	prefix, err := t.key(store, "")
	if err != nil {
		return Stats{}, err
	}

	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = prefix
	it := t.txn.NewIterator(opts)
	defer it.Close()

	var st Stats
	for it.Rewind(); it.Valid(); it.Next() {
		st.Count++
		st.Bytes += it.Item().ValueSize()
	}
	return st, nil
}

// classifyBadger maps Badger errors onto the package sentinels.
func classifyBadger(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrUnknownStore):
		return err
	case errors.Is(err, badger.ErrTxnTooBig), errors.Is(err, syscall.ENOSPC):
		return fmt.Errorf("%w: %v", ErrStorageFull, err)
	default:
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
}
