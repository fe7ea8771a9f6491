package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "autopost/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// timeLayout is RFC 3339 with fixed-width fractional seconds. Timestamps
// live in TEXT columns and feed ORDER BY, so every value must be the
// same length or lexical order diverges from chronological order.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	// Basic pragmas.
	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- queue ----

func (s *sqliteStore) Enqueue(ctx context.Context, contentID int64, now time.Time) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	// Primary key keeps one row per content id; a second enqueue is a no-op
	// regardless of the current status, so terminal entries stay terminal.
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO queue(content_id, status, attempt_count, enqueued_at)
		 VALUES(?,?,0,?)
		 ON CONFLICT(content_id) DO NOTHING`,
		contentID, StatusPending.String(), now.UTC().Format(timeLayout),
	)
	return err
}

func (s *sqliteStore) NextPending(ctx context.Context, limit int) ([]Entry, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT content_id, status, attempt_count, enqueued_at, shared_at
		 FROM queue WHERE status = ? ORDER BY enqueued_at ASC LIMIT ?`,
		StatusPending.String(), limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEntries(rows)
}

func (s *sqliteStore) MarkShared(ctx context.Context, contentID int64, now time.Time) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	// Silently a no-op when the id was never enqueued (manual share path).
	_, err := s.db.ExecContext(ctx,
		`UPDATE queue SET status = ?, shared_at = ?
		 WHERE content_id = ? AND status != ?`,
		StatusShared.String(), now.UTC().Format(timeLayout),
		contentID, StatusShared.String(),
	)
	return err
}

func (s *sqliteStore) IncrementAttempt(ctx context.Context, contentID int64) (int, error) {
	if s == nil || s.db == nil {
		return 0, ErrDisabled
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE queue SET attempt_count = attempt_count + 1
		 WHERE content_id = ? AND status = ?`,
		contentID, StatusPending.String(),
	)
	if err != nil {
		return 0, err
	}
	var n int
	err = s.db.QueryRowContext(ctx,
		`SELECT attempt_count FROM queue WHERE content_id = ?`, contentID,
	).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return n, err
}

func (s *sqliteStore) MarkFailed(ctx context.Context, contentID int64) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE queue SET status = ? WHERE content_id = ? AND status = ?`,
		StatusFailed.String(), contentID, StatusPending.String(),
	)
	return err
}

func (s *sqliteStore) Entry(ctx context.Context, contentID int64) (Entry, bool, error) {
	if s == nil || s.db == nil {
		return Entry{}, false, ErrDisabled
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT content_id, status, attempt_count, enqueued_at, shared_at
		 FROM queue WHERE content_id = ?`, contentID,
	)
	e, err := scanEntry(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	return e, true, nil
}

func (s *sqliteStore) Entries(ctx context.Context, limit int) ([]Entry, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT content_id, status, attempt_count, enqueued_at, shared_at
		 FROM queue ORDER BY enqueued_at DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEntries(rows)
}

func scanEntries(rows *sql.Rows) ([]Entry, error) {
	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanEntry(scan func(dest ...any) error) (Entry, error) {
	var (
		e        Entry
		status   string
		enqueued string
		shared   sql.NullString
	)
	if err := scan(&e.ContentID, &status, &e.AttemptCount, &enqueued, &shared); err != nil {
		return Entry{}, err
	}
	st, err := parseStatus(status)
	if err != nil {
		return Entry{}, err
	}
	e.Status = st
	e.EnqueuedAt, _ = time.Parse(time.RFC3339Nano, enqueued)
	if shared.Valid {
		e.SharedAt, _ = time.Parse(time.RFC3339Nano, shared.String)
	}
	return e, nil
}

// ---- delivery records ----

func (s *sqliteStore) PutRecord(ctx context.Context, r Record) (bool, error) {
	if s == nil || s.db == nil {
		return false, ErrDisabled
	}
	// Write-once: shared/share_time/external_id never change after the
	// first successful delivery.
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO delivery_records(content_id, shared, share_time, external_id)
		 VALUES(?,1,?,?)`,
		r.ContentID, r.ShareTime.UTC().Format(timeLayout), r.ExternalID,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *sqliteStore) GetRecord(ctx context.Context, contentID int64) (Record, bool, error) {
	if s == nil || s.db == nil {
		return Record{}, false, ErrDisabled
	}
	var (
		r         Record
		sharedInt int
		shareTime string
		likes     sql.NullInt64
		shares    sql.NullInt64
		metricsAt sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT content_id, shared, share_time, external_id, likes, shares, metrics_at
		 FROM delivery_records WHERE content_id = ?`, contentID,
	).Scan(&r.ContentID, &sharedInt, &shareTime, &r.ExternalID, &likes, &shares, &metricsAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}
	r.Shared = sharedInt != 0
	r.ShareTime, _ = time.Parse(time.RFC3339Nano, shareTime)
	if likes.Valid || shares.Valid {
		r.HasMetrics = true
		r.Likes = int(likes.Int64)
		r.Shares = int(shares.Int64)
	}
	if metricsAt.Valid {
		r.MetricsAt, _ = time.Parse(time.RFC3339Nano, metricsAt.String)
	}
	return r, true, nil
}

func (s *sqliteStore) SetMetrics(ctx context.Context, contentID int64, likes, shares int, at time.Time) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE delivery_records SET likes = ?, shares = ?, metrics_at = ?
		 WHERE content_id = ?`,
		likes, shares, at.UTC().Format(timeLayout), contentID,
	)
	return err
}
