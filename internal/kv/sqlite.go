package kv

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// tablePrefix namespaces store tables away from anything else in the file.
const tablePrefix = "store_"

// SQLite is a Substrate backed by a single SQLite database file.
type SQLite struct {
	db *sql.DB

	mu     sync.RWMutex
	stores map[string]struct{}
	closed bool
}

var _ Substrate = (*SQLite)(nil)

// OpenSQLite creates or opens a SQLite database at path.
//
// The database is configured with:
//   - WAL mode for concurrent reads during writes
//   - NORMAL synchronous mode
//   - 5-second busy timeout for lock contention
//
// Use ":memory:" for a throwaway database.
func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	db, err := sql.Open(DriverName, path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect sqlite %s: %w", path, classify(err))
	}

	// SQLite only supports one writer at a time, and ":memory:" databases
	// are per connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(ctx, db); err != nil {
		db.Close()
		return nil, err
	}

	s := &SQLite{db: db, stores: make(map[string]struct{})}
	if err := s.loadStores(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func applyPragmas(ctx context.Context, db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("execute %q: %w", pragma, classify(err))
		}
	}
	return nil
}

func (s *SQLite) loadStores(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name FROM sqlite_master WHERE type = 'table' AND name LIKE ?`,
		tablePrefix+"%")
	if err != nil {
		return fmt.Errorf("list stores: %w", classify(err))
	}
	defer rows.Close()

	for rows.Next() {
		var table string
		if err := rows.Scan(&table); err != nil {
			return fmt.Errorf("list stores: %w", classify(err))
		}
		s.stores[strings.TrimPrefix(table, tablePrefix)] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("list stores: %w", classify(err))
	}
	return nil
}

func (s *SQLite) check() error {
	if s.closed {
		return ErrClosed
	}
	return nil
}

// Version implements Substrate using PRAGMA user_version.
func (s *SQLite) Version(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(); err != nil {
		return 0, err
	}

	var v int
	if err := s.db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&v); err != nil {
		return 0, fmt.Errorf("get user_version: %w", classify(err))
	}
	return v, nil
}

// SetVersion implements Substrate.
func (s *SQLite) SetVersion(ctx context.Context, v int) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(); err != nil {
		return err
	}

	if _, err := s.db.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", v)); err != nil {
		return fmt.Errorf("set user_version: %w", classify(err))
	}
	return nil
}

// CreateStores implements Substrate. All tables are created in one
// transaction; SQLite DDL is transactional.
func (s *SQLite) CreateStores(ctx context.Context, names []string) error {
	for _, name := range names {
		if err := ValidateStoreName(name); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("create stores: %w", classify(err))
	}
	defer tx.Rollback()

	for _, name := range names {
		ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %q (
			key   TEXT PRIMARY KEY,
			value BLOB NOT NULL
		) WITHOUT ROWID`, tablePrefix+name)
		if _, err := tx.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create store %s: %w", name, classify(err))
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("create stores: %w", classify(err))
	}

	for _, name := range names {
		s.stores[name] = struct{}{}
	}
	return nil
}

// Stores implements Substrate.
func (s *SQLite) Stores(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(); err != nil {
		return nil, err
	}

	names := make([]string, 0, len(s.stores))
	for name := range s.stores {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// View implements Substrate.
func (s *SQLite) View(ctx context.Context, fn func(Txn) error) error {
	return s.run(ctx, false, fn)
}

// Update implements Substrate.
func (s *SQLite) Update(ctx context.Context, fn func(Txn) error) error {
	return s.run(ctx, true, fn)
}

func (s *SQLite) run(ctx context.Context, write bool, fn func(Txn) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", classify(err))
	}
	defer tx.Rollback()

	if err := fn(&sqliteTxn{ctx: ctx, tx: tx, stores: s.stores, write: write}); err != nil {
		return err
	}
	if !write {
		return nil
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", classify(err))
	}
	return nil
}

// Close implements Substrate.
func (s *SQLite) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

type sqliteTxn struct {
	ctx    context.Context
	tx     *sql.Tx
	stores map[string]struct{}
	write  bool
}

func (t *sqliteTxn) table(store string) (string, error) {
	if _, ok := t.stores[store]; !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownStore, store)
	}
	return fmt.Sprintf("%q", tablePrefix+store), nil
}

func (t *sqliteTxn) writable() error {
	if !t.write {
		return errors.New("write in read-only transaction")
	}
	return nil
}

func (t *sqliteTxn) Get(store, key string) ([]byte, error) {
	table, err := t.table(store)
	if err != nil {
		return nil, err
	}

	var value []byte
	err = t.tx.QueryRowContext(t.ctx, "SELECT value FROM "+table+" WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s/%s: %w", store, key, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get %s/%s: %w", store, key, classify(err))
	}
	return value, nil
}

func (t *sqliteTxn) Put(store, key string, value []byte) error {
	if err := t.writable(); err != nil {
		return err
	}
	table, err := t.table(store)
	if err != nil {
		return err
	}

	_, err = t.tx.ExecContext(t.ctx, `
		INSERT INTO `+table+` (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("put %s/%s: %w", store, key, classify(err))
	}
	return nil
}

func (t *sqliteTxn) PutIfAbsent(store, key string, value []byte) (bool, error) {
	if err := t.writable(); err != nil {
		return false, err
	}
	table, err := t.table(store)
	if err != nil {
		return false, err
	}

	res, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO `+table+` (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO NOTHING
	`, key, value)
	if err != nil {
		return false, fmt.Errorf("put %s/%s: %w", store, key, classify(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("put %s/%s: %w", store, key, classify(err))
	}
	return n == 1, nil
}

func (t *sqliteTxn) Delete(store, key string) error {
	if err := t.writable(); err != nil {
		return err
	}
	table, err := t.table(store)
	if err != nil {
		return err
	}

	if _, err := t.tx.ExecContext(t.ctx, "DELETE FROM "+table+" WHERE key = ?", key); err != nil {
		return fmt.Errorf("delete %s/%s: %w", store, key, classify(err))
	}
	return nil
}

func (t *sqliteTxn) Scan(store, after string, limit int) ([]Entry, error) {
	table, err := t.table(store)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		return []Entry{}, nil
	}

	rows, err := t.tx.QueryContext(t.ctx,
		"SELECT key, value FROM "+table+" WHERE key > ? ORDER BY key LIMIT ?", after, limit)
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", store, classify(err))
	}
	defer rows.Close()

	entries := make([]Entry, 0, limit)
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.Key, &e.Value); err != nil {
			return nil, fmt.Errorf("scan %s: %w", store, classify(err))
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("scan %s: %w", store, classify(err))
	}
	return entries, nil
}

func (t *sqliteTxn) Stat(store string) (Stats, error) {
	table, err := t.table(store)
	if err != nil {
		return Stats{}, err
	}

	var st Stats
	err = t.tx.QueryRowContext(t.ctx,
		"SELECT COUNT(*), COALESCE(SUM(LENGTH(value)), 0) FROM "+table).Scan(&st.Count, &st.Bytes)
	if err != nil {
		return Stats{}, fmt.Errorf("stat %s: %w", store, classify(err))
	}
	return st, nil
}

// classify maps driver errors onto the package sentinels.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if isFull(err) {
		return fmt.Errorf("%w: %v", ErrStorageFull, err)
	}
	return fmt.Errorf("%w: %v", ErrIO, err)
}
