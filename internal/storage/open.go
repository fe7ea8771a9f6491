package storage

import (
	"context"
	"time"

	"autopost/internal/content"
	logx "autopost/pkg/logx"
)

// Store is the persistence API used by the publisher and the admin surface.
//
// Queue semantics:
//   - Enqueue is idempotent; it never resurrects a terminal entry.
//   - NextPending returns pending entries oldest-first.
//   - MarkShared on an unknown id is a no-op (manual shares may never
//     have been enqueued).
//   - IncrementAttempt bumps the counter on a pending entry and returns
//     the new count; the retry-cap policy lives in the caller.
//
// Content semantics:
//   - PutContent upserts the host-provided snapshot so queued ids stay
//     resolvable; it never touches queue state.
//
// Record semantics:
//   - PutRecord is write-once per content id and reports whether this
//     call created the record.
//   - SetMetrics refreshes engagement numbers on an existing record.
type Store interface {
	Enqueue(ctx context.Context, contentID int64, now time.Time) error
	NextPending(ctx context.Context, limit int) ([]Entry, error)
	MarkShared(ctx context.Context, contentID int64, now time.Time) error
	IncrementAttempt(ctx context.Context, contentID int64) (int, error)
	MarkFailed(ctx context.Context, contentID int64) error
	Entry(ctx context.Context, contentID int64) (Entry, bool, error)
	Entries(ctx context.Context, limit int) ([]Entry, error)

	PutContent(ctx context.Context, item *content.Item) error
	GetContent(ctx context.Context, contentID int64) (*content.Item, bool, error)

	PutRecord(ctx context.Context, r Record) (created bool, err error)
	GetRecord(ctx context.Context, contentID int64) (Record, bool, error)
	SetMetrics(ctx context.Context, contentID int64, likes, shares int, at time.Time) error

	Close() error
}

// Open initializes the SQLite-backed store at cfg.Path.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	return openSQLite(cfg, log)
}
