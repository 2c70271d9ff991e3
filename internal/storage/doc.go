// Package storage persists cache entries so their updated_at survives restarts.
//
// Drivers:
//   - "sqlite": modernc.org/sqlite database file (pure Go, no cgo)
//   - "memory": process-local map, mostly for tests
//
// An empty driver or "none" disables persistence.
package storage
