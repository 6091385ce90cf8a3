// Package repo opens repositories and migrates their schema.
//
// A repository is a kv.Substrate plus an explicit, caller-built list of
// Migration steps numbered 1..N. Open applies every step newer than the
// stored version: all of their stores are created in one atomic step,
// then each version's hooks run in ascending order, then N is persisted.
// There is no global registry of migrations.
package repo
