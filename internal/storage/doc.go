// Package storage persists the publish queue and per-content delivery
// records in SQLite. The queue is the retry ledger; delivery records are
// the write-once outcome of a successful share plus refreshable
// engagement metrics.
package storage
