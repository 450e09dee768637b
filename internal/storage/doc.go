// Package storage persists what must survive a restart: the queue snapshot
// (a single opaque blob) and the per-item history log.
//
// Drivers:
//   - "file": atomic snapshot file plus an append-only JSON Lines history
//   - "sqlite": single database file (modernc.org/sqlite, no cgo)
//   - "memory" or empty: process-local, nothing is durable
package storage
