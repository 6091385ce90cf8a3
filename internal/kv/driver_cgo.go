//go:build !purego

package kv

// Built by default. Requires CGO.
//
// Driver used: github.com/mattn/go-sqlite3

import (
	"errors"

	"github.com/mattn/go-sqlite3"
)

const (
	// DriverName is the database/sql driver used by OpenSQLite.
	DriverName = "sqlite3"

	// BuildMode describes the current build configuration.
	BuildMode = "cgo"
)

func isFull(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrFull
	}
	return false
}
