package index

import (
	"context"
	"log/slog"

	"github.com/roach88/librarian/internal/hash"
	"github.com/roach88/librarian/internal/ld"
)

// Indexer derives a secondary index from linked-data records.
type Indexer interface {
	// Name identifies the index. It is also its kv store name.
	Name() string

	// Update feeds one record to the index. Records the index does not
	// care about yield OutcomeIgnored, not an error.
	Update(ctx context.Context, rec ld.Record, h hash.ContentHash) (Outcome, error)

	// Rebuild clears the index and replays every stored record.
	Rebuild(ctx context.Context) error
}

// Outcome says what Update did with a record.
type Outcome int

const (
	// OutcomeIgnored means the record is not relevant to the index.
	OutcomeIgnored Outcome = iota

	// OutcomeStored means the record is now the entry for its key.
	OutcomeStored

	// OutcomeUnchanged means the record already was the entry for its key.
	OutcomeUnchanged

	// OutcomeConflictIgnored means a newer record already holds the key
	// and the incoming one lost the last-writer-wins comparison.
	OutcomeConflictIgnored
)

func (o Outcome) String() string {
	switch o {
	case OutcomeIgnored:
		return "ignored"
	case OutcomeStored:
		return "stored"
	case OutcomeUnchanged:
		return "unchanged"
	case OutcomeConflictIgnored:
		return "conflict_ignored"
	default:
		return "unknown"
	}
}

// Option configures the indexes built by Factory.
type Option func(*options)

type options struct {
	prune  bool
	logger *slog.Logger
}

// WithPruning makes temporal indexes delete the event record that lost a
// last-writer-wins comparison from the linked-data store.
func WithPruning(enabled bool) Option {
	return func(o *options) {
		o.prune = enabled
	}
}

// WithLogger sets the logger for conflict and rebuild messages.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

func buildOptions(opts []Option) options {
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
