package ratelimit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SQLiteCounters keeps counters in the rate_counters and quota_counters
// tables. db must come from storage/sqlite.Open, whose connections start
// every transaction with BEGIN IMMEDIATE: the read below already holds the
// write lock, so concurrent updates to a key serialise.
type SQLiteCounters struct {
	db *sql.DB
}

// NewSQLiteCounters wraps a migrated runbox database.
func NewSQLiteCounters(db *sql.DB) *SQLiteCounters {
	return &SQLiteCounters{db: db}
}

func (s *SQLiteCounters) HitWindow(ctx context.Context, key string, now time.Time, window time.Duration, limit int) (Window, bool, error) {
	var out Window
	var allowed bool
	err := s.tx(ctx, func(tx *sql.Tx) error {
		var startMs int64
		var count int
		err := tx.QueryRowContext(ctx,
			`SELECT window_start, count FROM rate_counters WHERE key = ?`, key).Scan(&startMs, &count)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		cur := Window{Start: time.UnixMilli(startMs), Count: count}
		out, allowed = applyWindow(cur, err == nil, now, window, limit)
		if !allowed {
			return nil
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO rate_counters (key, window_start, count) VALUES (?, ?, ?)
			ON CONFLICT(key) DO UPDATE SET window_start = excluded.window_start, count = excluded.count`,
			key, out.Start.UnixMilli(), out.Count)
		return err
	})
	if err != nil {
		return Window{}, false, fmt.Errorf("updating rate counter: %w", err)
	}
	return out, allowed, nil
}

func (s *SQLiteCounters) HitQuota(ctx context.Context, key string, limit int, now, expires time.Time) (int, bool, error) {
	var runs int
	var allowed bool
	err := s.tx(ctx, func(tx *sql.Tx) error {
		// Yesterday's counters are never read again.
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM quota_counters WHERE expires_at <= ?`, now.UnixMilli()); err != nil {
			return err
		}
		var cur int
		err := tx.QueryRowContext(ctx,
			`SELECT runs FROM quota_counters WHERE key = ?`, key).Scan(&cur)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		runs, allowed = applyQuota(cur, limit)
		if !allowed {
			return nil
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO quota_counters (key, runs, expires_at) VALUES (?, ?, ?)
			ON CONFLICT(key) DO UPDATE SET runs = excluded.runs, expires_at = excluded.expires_at`,
			key, runs, expires.UnixMilli())
		return err
	})
	if err != nil {
		return 0, false, fmt.Errorf("updating quota counter: %w", err)
	}
	return runs, allowed, nil
}

func (s *SQLiteCounters) tx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}
