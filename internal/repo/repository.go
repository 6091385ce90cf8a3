package repo

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/roach88/librarian/internal/kv"
	"github.com/roach88/librarian/internal/store"
)

// Core store names every repository uses.
const (
	ResourcesStore  = "resources"
	LinkedDataStore = "linked_data"
)

var tracer = otel.Tracer("librarian.repo")

// Repository is an opened, fully migrated database. Its store handles
// stop working when it is closed.
type Repository struct {
	name    string
	version int
	raw     kv.Substrate
	db      *guarded
	logger  *slog.Logger

	content *store.ContentStore
	linked  *store.LinkedDataStore
}

// Option configures Open.
type Option func(*options)

type options struct {
	logger *slog.Logger
}

// WithLogger sets the logger used for migration progress.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// Open migrates db to the last version in migrations and returns the
// repository.
//
// Steps, in order:
//  1. Reject a chain that is not exactly 1..N.
//  2. Refuse a stored version newer than N.
//  3. Create every store declared by a pending version, atomically.
//  4. Run each pending version's hooks in ascending order.
//  5. Persist N.
//
// If any hook fails the stored version is left untouched, so the next Open
// runs the same hooks again. On success the repository owns db and closes
// it in Close; on failure db is left open for the caller.
func Open(ctx context.Context, db kv.Substrate, name string, migrations []Migration, opts ...Option) (*Repository, error) {
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}

	ctx, span := tracer.Start(ctx, "repo.Open")
	defer span.End()
	span.SetAttributes(attribute.String("repo.name", name))
	start := time.Now()

	r, err := open(ctx, db, name, migrations, o)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		openTotal.WithLabelValues("error").Inc()
		return nil, err
	}

	span.SetAttributes(attribute.Int("repo.version", r.version))
	openTotal.WithLabelValues("ok").Inc()
	openDuration.Observe(time.Since(start).Seconds())
	return r, nil
}

func open(ctx context.Context, db kv.Substrate, name string, migrations []Migration, o options) (*Repository, error) {
	if err := ValidateChain(migrations); err != nil {
		return nil, err
	}
	chain := sorted(migrations)
	target := chain[len(chain)-1].Version

	stored, err := db.Version(ctx)
	if err != nil {
		return nil, fmt.Errorf("open repository %s: %w", name, err)
	}
	if stored > target {
		return nil, fmt.Errorf("open repository %s: %w: stored version %d is newer than %d",
			name, ErrMigration, stored, target)
	}

	r := &Repository{
		name:    name,
		version: stored,
		raw:     db,
		db:      &guarded{Substrate: db},
		logger:  o.logger.With("repo", name),
	}
	r.content = store.NewContentStore(r.db, ResourcesStore)
	r.linked = store.NewLinkedDataStore(r.db, LinkedDataStore)

	pending := chain[stored:]
	if len(pending) == 0 {
		return r, nil
	}

	var names []string
	for _, m := range pending {
		names = append(names, m.Stores...)
	}
	if err := db.CreateStores(ctx, names); err != nil {
		return nil, &MigrationError{Version: pending[0].Version, Err: fmt.Errorf("create stores: %w", err)}
	}

	for _, m := range pending {
		if err := r.apply(ctx, m); err != nil {
			return nil, err
		}
	}

	if err := db.SetVersion(ctx, target); err != nil {
		return nil, &MigrationError{Version: target, Err: fmt.Errorf("persist version: %w", err)}
	}
	r.version = target

	r.logger.Info("repository migrated", "from", stored, "to", target)
	return r, nil
}

func (r *Repository) apply(ctx context.Context, m Migration) error {
	ctx, span := tracer.Start(ctx, "repo.migrate")
	defer span.End()
	span.SetAttributes(attribute.Int("migration.version", m.Version))

	for i, hook := range m.AfterCreate {
		if err := hook(ctx, r); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return &MigrationError{Version: m.Version, Err: fmt.Errorf("after-create hook %d: %w", i, err)}
		}
	}
	if m.PostUpdate != nil {
		if err := m.PostUpdate(ctx, r); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return &MigrationError{Version: m.Version, Err: fmt.Errorf("post-update hook: %w", err)}
		}
	}

	migrationsApplied.Inc()
	r.logger.Debug("migration applied", "version", m.Version, "stores", m.Stores)
	return nil
}

// Name returns the repository name, usually the account it belongs to.
func (r *Repository) Name() string {
	return r.name
}

// Version returns the schema version. During migration hooks it is the
// version the repository was opened at.
func (r *Repository) Version() int {
	return r.version
}

// Substrate returns a handle to the underlying stores. It fails with
// ErrClosed once the repository is closed.
func (r *Repository) Substrate() kv.Substrate {
	return r.db
}

// Content returns the resource store.
func (r *Repository) Content() *store.ContentStore {
	return r.content
}

// LinkedData returns the linked-data record store.
func (r *Repository) LinkedData() *store.LinkedDataStore {
	return r.linked
}

// Logger returns the repository's logger.
func (r *Repository) Logger() *slog.Logger {
	return r.logger
}

// Closed reports whether Close has been called.
func (r *Repository) Closed() bool {
	return r.db.closed.Load()
}

// Close invalidates every handle obtained from r and closes the substrate.
func (r *Repository) Close() error {
	if r.db.closed.Swap(true) {
		return nil
	}
	r.logger.Debug("repository closed")
	return r.raw.Close()
}

// guarded fails every call with ErrClosed once its repository is closed,
// so store handles cannot outlive the repository they came from.
type guarded struct {
	kv.Substrate
	closed atomic.Bool
}

func (g *guarded) Version(ctx context.Context) (int, error) {
	if g.closed.Load() {
		return 0, ErrClosed
	}
	return g.Substrate.Version(ctx)
}

func (g *guarded) SetVersion(ctx context.Context, v int) error {
	if g.closed.Load() {
		return ErrClosed
	}
	return g.Substrate.SetVersion(ctx, v)
}

func (g *guarded) CreateStores(ctx context.Context, names []string) error {
	if g.closed.Load() {
		return ErrClosed
	}
	return g.Substrate.CreateStores(ctx, names)
}

func (g *guarded) Stores(ctx context.Context) ([]string, error) {
	if g.closed.Load() {
		return nil, ErrClosed
	}
	return g.Substrate.Stores(ctx)
}

func (g *guarded) View(ctx context.Context, fn func(kv.Txn) error) error {
	if g.closed.Load() {
		return ErrClosed
	}
	return g.Substrate.View(ctx, fn)
}

func (g *guarded) Update(ctx context.Context, fn func(kv.Txn) error) error {
	if g.closed.Load() {
		return ErrClosed
	}
	return g.Substrate.Update(ctx, fn)
}

// Close is a no-op; the repository owns the substrate.
func (g *guarded) Close() error {
	return nil
}
