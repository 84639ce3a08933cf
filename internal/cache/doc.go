// Package cache defines the named cache storage the worker talks to: a
// Storage opens, enumerates and deletes physical caches by name, and each
// Cache matches and puts whole response entries keyed by normalized request
// URL. Three drivers share the contract: an in-memory map for tests and
// ephemeral deployments, a filesystem layout of StoragePath/<cache>/<hash>.bin
// files written with temp file + rename, and a SQLite database. Entries are
// immutable snapshots; Put always replaces the previous entry for a key.
package cache
