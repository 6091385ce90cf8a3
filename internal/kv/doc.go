// Package kv is the transactional key-value substrate under the object
// repository.
//
// A substrate holds named stores and a schema version. Two embedded
// backends are provided:
//
//   - SQLite, one WITHOUT ROWID table per store and PRAGMA user_version
//     for the schema version. The driver is github.com/mattn/go-sqlite3,
//     or modernc.org/sqlite when built with the purego tag.
//   - BadgerDB, with keys laid out as store + 0x00 + key and the store
//     registry and version under reserved meta keys.
//
// Scans are cursor based (keys strictly after a given key), so callers can
// delete entries while paging through a store.
package kv
