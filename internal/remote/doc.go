// Package remote defines the drive the sync engine uploads to and
// downloads from, and provides an in-memory drive and a rate-limiting
// wrapper. Adapters for real backends live in the gdrive and gcs
// subpackages.
package remote
