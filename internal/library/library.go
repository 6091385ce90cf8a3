// Package library wires a repository, its indexes and its sync engine
// into the object an application shell works with.
package library

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/roach88/librarian/internal/config"
	"github.com/roach88/librarian/internal/index"
	"github.com/roach88/librarian/internal/kv"
	"github.com/roach88/librarian/internal/remote"
	"github.com/roach88/librarian/internal/repo"
	"github.com/roach88/librarian/internal/syncer"
)

// ErrClosed is returned after Close.
var ErrClosed = errors.New("library closed")

var unsafeName = regexp.MustCompile(`[^a-z0-9._-]+`)

// fileName maps an account name to a file name inside the data directory.
func fileName(account string) (string, error) {
	name := strings.Trim(unsafeName.ReplaceAllString(strings.ToLower(account), "_"), "._")
	if name == "" {
		return "", fmt.Errorf("account name %q has no usable characters", account)
	}
	return name, nil
}

// Option configures Open.
type Option func(*Library)

// WithLogger sets the logger handed to every component.
func WithLogger(l *slog.Logger) Option {
	return func(lib *Library) {
		lib.logger = l
	}
}

// WithClock replaces time.Now for record stamps and sync watermarks.
func WithClock(now func() time.Time) Option {
	return func(lib *Library) {
		lib.now = now
	}
}

// Library is one account's repository with its indexes and sync engine.
// SwitchAccount replaces all three together.
type Library struct {
	cfg     config.Config
	drive   remote.Drive
	manager *repo.Manager
	limiter *rate.Limiter
	logger  *slog.Logger
	now     func() time.Time

	// closers are released after the repository, in order.
	closers []io.Closer

	mu      sync.Mutex
	account string
	repo    *repo.Repository
	indexes *index.Set
	engine  *syncer.Engine
	closed  bool
}

// Open validates cfg and opens the repository of account, migrating it
// to the current schema. Sync stays idle until SignIn.
func Open(ctx context.Context, cfg config.Config, account string, drive remote.Drive, opts ...Option) (*Library, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if drive == nil {
		return nil, errors.New("open library: nil drive")
	}

	l := &Library{cfg: cfg, drive: drive, logger: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	if cfg.Sync.RequestsPerSecond > 0 {
		l.limiter = remote.NewLimiter(cfg.Sync.RequestsPerSecond, cfg.Sync.Burst)
	}

	idxOpts := []index.Option{index.WithPruning(cfg.Pruning), index.WithLogger(l.logger)}
	l.manager = repo.NewManager(l.openSubstrate, Migrations(l.now, idxOpts...), repo.WithLogger(l.logger))
	l.manager.OnSwitch(func(_ context.Context, r *repo.Repository) error {
		l.bind(r, idxOpts)
		return nil
	})

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.manager.Switch(ctx, account); err != nil {
		return nil, err
	}
	l.account = account
	return l, nil
}

// openSubstrate opens the database file of account under the data
// directory with the configured backend.
func (l *Library) openSubstrate(ctx context.Context, account string) (kv.Substrate, error) {
	name, err := fileName(account)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(l.cfg.DataDir, 0o750); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	switch l.cfg.Backend {
	case config.BackendBadger:
		bc := kv.DefaultBadgerConfig(filepath.Join(l.cfg.DataDir, name+".badger"))
		bc.Logger = l.logger
		db, err := kv.OpenBadger(bc)
		if err != nil {
			return nil, err
		}
		return db, nil
	default:
		db, err := kv.OpenSQLite(ctx, filepath.Join(l.cfg.DataDir, name+".db"))
		if err != nil {
			return nil, err
		}
		return db, nil
	}
}

// bind builds the components of a freshly opened repository. l.mu is
// held by the caller of Switch.
func (l *Library) bind(r *repo.Repository, idxOpts []index.Option) {
	l.repo = r
	l.indexes = index.Factory(r, idxOpts...)
	l.engine = syncer.New(r, l.drive, syncer.Options{
		FragmentLimit:       l.cfg.Sync.FragmentLimit,
		DownloadConcurrency: l.cfg.Sync.DownloadConcurrency,
		Limiter:             l.limiter,
		Indexes:             l.indexes,
		Now:                 l.now,
		Logger:              l.logger,
	})
}

// SwitchAccount closes the current account's engine and repository and
// opens account in their place. Handles taken from the previous account
// fail with repo.ErrClosed afterwards. The new account starts signed out.
func (l *Library) SwitchAccount(ctx context.Context, account string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}

	if l.engine != nil {
		l.engine.Close()
	}
	l.repo, l.indexes, l.engine = nil, nil, nil
	if _, err := l.manager.Switch(ctx, account); err != nil {
		l.account = ""
		return fmt.Errorf("switch to %s: %w", account, err)
	}
	l.logger.Info("switched account", "account", account)
	l.account = account
	return nil
}

// SignIn starts syncing the current account with the drive and waits for
// the first download pass.
func (l *Library) SignIn(ctx context.Context) error {
	l.mu.Lock()
	e, account, err := l.engine, l.account, l.check()
	l.mu.Unlock()
	if err != nil {
		return err
	}
	return e.SignIn(ctx, syncer.Config{Account: account, RootFolder: l.cfg.Sync.RootFolder})
}

// check reports whether an account is open. l.mu must be held.
func (l *Library) check() error {
	if l.closed {
		return ErrClosed
	}
	if l.repo == nil {
		return repo.ErrNoRepository
	}
	return nil
}

// Account returns the name of the open account.
func (l *Library) Account() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.account
}

// Repository returns the open repository.
func (l *Library) Repository() (*repo.Repository, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.check(); err != nil {
		return nil, err
	}
	return l.repo, nil
}

// Indexes returns the index set of the open repository.
func (l *Library) Indexes() (*index.Set, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.check(); err != nil {
		return nil, err
	}
	return l.indexes, nil
}

// Sync returns the sync engine of the open repository.
func (l *Library) Sync() (*syncer.Engine, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.check(); err != nil {
		return nil, err
	}
	return l.engine, nil
}

// Close stops sync and closes the repository. A drive passed to Open is
// left to its owner.
func (l *Library) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	if l.engine != nil {
		l.engine.Close()
	}
	l.repo, l.indexes, l.engine = nil, nil, nil
	errs := []error{l.manager.Close()}
	for _, c := range l.closers {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}
