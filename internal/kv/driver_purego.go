//go:build purego

package kv

// Built with -tags purego; no C compiler required.
//
//	CGO_ENABLED=0 go build -tags purego ./...
//
// Driver used: modernc.org/sqlite

import (
	"errors"

	"modernc.org/sqlite"
	sqlitelib "modernc.org/sqlite/lib"
)

const (
	// DriverName is the database/sql driver used by OpenSQLite.
	DriverName = "sqlite"

	// BuildMode describes the current build configuration.
	BuildMode = "purego"
)

func isFull(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) {
		// Extended result codes keep the primary code in the low byte.
		return se.Code()&0xff == sqlitelib.SQLITE_FULL
	}
	return false
}
