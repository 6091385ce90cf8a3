package repo

import (
	"context"
	"slices"
)

// Hook runs against a repository while it is being migrated.
type Hook func(ctx context.Context, r *Repository) error

// Migration declares one schema version.
//
// Store names and key shapes are part of the persisted contract: renaming
// or re-keying a store takes a new version, never an edit to an existing
// one.
type Migration struct {
	// Version is this step's position in the chain, starting at 1.
	Version int

	// Stores are created when the step is applied. Creation is idempotent.
	Stores []string

	// AfterCreate hooks run, in order, once the stores exist. Index
	// rebuilds go here.
	AfterCreate []Hook

	// PostUpdate runs after every AfterCreate hook succeeded.
	PostUpdate Hook
}

// ValidateChain checks that migrations cover exactly the versions 1..N,
// in any order, each once.
func ValidateChain(migrations []Migration) error {
	if len(migrations) == 0 {
		return &MigrationChainError{}
	}

	seen := make(map[int]int, len(migrations))
	maxVersion := 0
	for _, m := range migrations {
		seen[m.Version]++
		maxVersion = max(maxVersion, m.Version)
	}

	chainErr := &MigrationChainError{}
	for v := 1; v <= maxVersion; v++ {
		switch n := seen[v]; {
		case n == 0:
			chainErr.Missing = append(chainErr.Missing, v)
		case n > 1:
			chainErr.Duplicates = append(chainErr.Duplicates, v)
		}
	}
	for v := range seen {
		if v < 1 {
			chainErr.Invalid = append(chainErr.Invalid, v)
		}
	}
	slices.Sort(chainErr.Invalid)

	if len(chainErr.Missing) > 0 || len(chainErr.Duplicates) > 0 || len(chainErr.Invalid) > 0 {
		return chainErr
	}
	return nil
}

// sorted returns migrations ordered by version.
func sorted(migrations []Migration) []Migration {
	out := slices.Clone(migrations)
	slices.SortFunc(out, func(a, b Migration) int { return a.Version - b.Version })
	return out
}
