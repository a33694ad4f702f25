// Package storage persists the pending delivery queue and the audit trail.
//
// Drivers:
//   - "file": pending snapshot + append journal, daily JSONL audit files
//   - "sqlite": single database file (modernc.org/sqlite, no cgo)
//   - "memory": process-local, for tests and dry runs
package storage
