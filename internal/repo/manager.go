package repo

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/roach88/librarian/internal/kv"
)

// Opener opens the substrate for a named repository.
type Opener func(ctx context.Context, name string) (kv.Substrate, error)

// SwitchFunc is called with each newly activated repository.
type SwitchFunc func(ctx context.Context, r *Repository) error

// Manager keeps exactly one repository open at a time.
//
// Switch tears the active repository down before opening the next, so any
// handle still held from the old one fails with ErrClosed rather than
// reading the wrong account's data.
type Manager struct {
	open       Opener
	migrations []Migration
	opts       []Option

	mu       sync.Mutex
	active   *Repository
	onSwitch []SwitchFunc
}

// NewManager returns a Manager that opens repositories with open and
// migrates them with migrations.
func NewManager(open Opener, migrations []Migration, opts ...Option) *Manager {
	return &Manager{open: open, migrations: migrations, opts: opts}
}

// OnSwitch registers fn to run after every successful Switch. Callers use
// it to rebuild per-repository components such as indexes.
func (m *Manager) OnSwitch(fn SwitchFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onSwitch = append(m.onSwitch, fn)
}

// Switch closes the active repository and opens name in its place.
// On failure no repository is active.
func (m *Manager) Switch(ctx context.Context, name string) (*Repository, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active != nil {
		if err := m.active.Close(); err != nil {
			return nil, fmt.Errorf("close repository %s: %w", m.active.Name(), err)
		}
		m.active = nil
	}

	db, err := m.open(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("open substrate %s: %w", name, err)
	}
	r, err := Open(ctx, db, name, m.migrations, m.opts...)
	if err != nil {
		return nil, errors.Join(err, db.Close())
	}

	for _, fn := range m.onSwitch {
		if err := fn(ctx, r); err != nil {
			return nil, errors.Join(fmt.Errorf("activate repository %s: %w", name, err), r.Close())
		}
	}

	m.active = r
	return r, nil
}

// Active returns the open repository.
func (m *Manager) Active() (*Repository, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return nil, ErrNoRepository
	}
	return m.active, nil
}

// Close closes the active repository, if any.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return nil
	}
	err := m.active.Close()
	m.active = nil
	return err
}
