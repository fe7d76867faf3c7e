// Package storage persists batch summaries and per-attempt outcomes so a
// campaign's results survive restarts and can be audited later.
//
// Drivers:
//   - "file":   JSON Lines outcome log plus a batch snapshot/journal pair
//   - "sqlite": a single SQLite database (modernc.org/sqlite, no cgo)
package storage
