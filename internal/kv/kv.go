package kv

import (
	"context"
	"errors"
	"fmt"
	"regexp"
)

var (
	// ErrNotFound is returned when a key is absent from a store.
	ErrNotFound = errors.New("not found")

	// ErrStorageFull is returned when the backend is out of space or a
	// transaction exceeds its size limit.
	ErrStorageFull = errors.New("storage full")

	// ErrIO wraps any other backend failure.
	ErrIO = errors.New("storage i/o error")

	// ErrClosed is returned by every operation on a closed substrate.
	ErrClosed = errors.New("substrate closed")

	// ErrUnknownStore is returned when a store has not been created.
	ErrUnknownStore = errors.New("unknown store")
)

// storeName restricts store names so backends can embed them in table
// names and key prefixes.
var storeName = regexp.MustCompile(`^[a-z][a-z0-9_]{0,62}$`)

// ValidateStoreName reports whether name can be used as a store name.
func ValidateStoreName(name string) error {
	if !storeName.MatchString(name) {
		return fmt.Errorf("invalid store name %q", name)
	}
	return nil
}

// Entry is one key/value pair returned by Scan.
type Entry struct {
	Key   string
	Value []byte
}

// Stats summarizes a store.
type Stats struct {
	Count int64
	Bytes int64
}

// Substrate is a transactional key-value database made of named stores
// plus a schema version. Implementations must make each Update atomic:
// either every write in fn is visible afterwards or none is.
type Substrate interface {
	// Version returns the persisted schema version, 0 for a new database.
	Version(ctx context.Context) (int, error)

	// SetVersion persists the schema version.
	SetVersion(ctx context.Context, v int) error

	// CreateStores creates every named store that does not exist yet, in
	// a single atomic step.
	CreateStores(ctx context.Context, names []string) error

	// Stores lists existing stores in name order.
	Stores(ctx context.Context) ([]string, error)

	// View runs fn in a read-only transaction.
	View(ctx context.Context, fn func(Txn) error) error

	// Update runs fn in a read-write transaction and commits when fn
	// returns nil.
	Update(ctx context.Context, fn func(Txn) error) error

	// Close releases the backend. Further calls return ErrClosed.
	Close() error
}

// Txn is a transaction handle. It is only valid inside the View or Update
// callback that received it.
type Txn interface {
	// Get returns the value for key or ErrNotFound.
	Get(store, key string) ([]byte, error)

	// Put stores value under key, replacing any previous value.
	Put(store, key string, value []byte) error

	// PutIfAbsent stores value only when key is absent and reports
	// whether it did.
	PutIfAbsent(store, key string, value []byte) (bool, error)

	// Delete removes key. Deleting a missing key is not an error.
	Delete(store, key string) error

	// Scan returns up to limit entries with keys strictly greater than
	// after, in ascending key order.
	Scan(store, after string, limit int) ([]Entry, error)

	// Stat returns the entry count and total value size of store.
	Stat(store string) (Stats, error)
}

// IsNotFound reports whether err is or wraps ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsStorageFull reports whether err is or wraps ErrStorageFull.
func IsStorageFull(err error) bool {
	return errors.Is(err, ErrStorageFull)
}
