// Package ld holds the linked-data record model.
//
// Records are JSON objects with an @type discriminant, stored and hashed in
// RFC 8785 canonical form. The value model has no float variant and
// canonical encoding rejects nulls, so a record hashes identically on every
// platform.
package ld
