// Package store provides the content-addressed object stores of a
// repository.
//
// ContentStore holds opaque resource blobs and LinkedDataStore holds
// linked-data records in canonical form. Both are keyed by the ContentHash
// of what they hold, so a key can never be rebound to different bytes:
//
//   - Writes are insert-if-absent. Writing the same bytes twice returns the
//     same hash and does not grow the store.
//   - Reads re-verify the hash and fail with ErrIntegrity on mismatch.
//   - Deletes do not cascade. Indexes that point at a deleted entry are
//     the caller's concern.
//
// Iteration is paged by key (cursor = last key seen), so a full traversal
// never holds more than one page in memory and tolerates deletes between
// pages.
package store
