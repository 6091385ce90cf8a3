package repo

import (
	"errors"
	"fmt"
	"strings"

	"github.com/roach88/librarian/internal/kv"
)

var (
	// ErrMigration is matched by every *MigrationError and by a refused
	// downgrade.
	ErrMigration = errors.New("migration failed")

	// ErrIncompleteMigrationChain is matched by *MigrationChainError.
	ErrIncompleteMigrationChain = errors.New("incomplete migration chain")

	// ErrClosed is returned by every operation on a closed repository or on
	// a store handle obtained from it. It wraps kv.ErrClosed.
	ErrClosed = fmt.Errorf("repository closed: %w", kv.ErrClosed)

	// ErrNoRepository is returned by Manager.Active before the first Switch.
	ErrNoRepository = errors.New("no active repository")
)

// MigrationError reports a failure while applying one version.
type MigrationError struct {
	Version int
	Err     error
}

func (e *MigrationError) Error() string {
	return fmt.Sprintf("migration to version %d: %v", e.Version, e.Err)
}

// Unwrap exposes both ErrMigration and the cause to errors.Is/As.
func (e *MigrationError) Unwrap() []error {
	return []error{ErrMigration, e.Err}
}

// MigrationChainError reports a migration list that is not exactly 1..N.
type MigrationChainError struct {
	Missing    []int
	Duplicates []int
	Invalid    []int
}

func (e *MigrationChainError) Error() string {
	var parts []string
	if len(e.Missing) > 0 {
		parts = append(parts, fmt.Sprintf("missing versions %v", e.Missing))
	}
	if len(e.Duplicates) > 0 {
		parts = append(parts, fmt.Sprintf("duplicate versions %v", e.Duplicates))
	}
	if len(e.Invalid) > 0 {
		parts = append(parts, fmt.Sprintf("invalid versions %v", e.Invalid))
	}
	if len(parts) == 0 {
		parts = append(parts, "no migrations")
	}
	return fmt.Sprintf("%s: %s", ErrIncompleteMigrationChain, strings.Join(parts, ", "))
}

// Is makes errors.Is(err, ErrIncompleteMigrationChain) hold.
func (e *MigrationChainError) Is(target error) bool {
	return target == ErrIncompleteMigrationChain
}

// IsMigrationError reports whether err is a migration failure of any kind.
func IsMigrationError(err error) bool {
	return errors.Is(err, ErrMigration) || errors.Is(err, ErrIncompleteMigrationChain)
}
