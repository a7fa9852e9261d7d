package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/michaelbrown/runbox/internal/apperr"
	"github.com/michaelbrown/runbox/internal/model"
	"github.com/michaelbrown/runbox/internal/storage"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements storage.Store backed by a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// Open creates or opens a SQLite database at the given path and runs migrations.
// Use ":memory:" for an in-memory database (useful for testing).
//
// Every transaction starts with BEGIN IMMEDIATE so read-modify-write counter
// updates hold the write lock from their first read.
func Open(dbPath string) (*SQLiteStore, error) {
	memory := dbPath == ":memory:"
	if !memory {
		dir := filepath.Dir(dbPath)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dsn(dbPath))
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if memory {
		// Each connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func dsn(path string) string {
	params := []string{"_txlock=immediate", "_pragma=foreign_keys(1)", "_pragma=busy_timeout(5000)"}
	if path != ":memory:" {
		params = append(params, "_pragma=journal_mode(WAL)")
	}
	return path + "?" + strings.Join(params, "&")
}

// DB exposes the handle so the rate limiter can keep its counters in the
// same database.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

const submissionColumns = `id, user_id, kind, item_id, project_id, language, code, files, status, result, error_message, created_at, updated_at`

func (s *SQLiteStore) CreateSubmission(ctx context.Context, sub *storage.Submission) error {
	now := time.Now().UTC()
	sub.CreatedAt = now
	sub.UpdatedAt = now
	if sub.Status == "" {
		sub.Status = storage.StatusQueued
	}

	files := sub.Files
	if files == nil {
		files = []model.File{}
	}
	filesJSON, err := json.Marshal(files)
	if err != nil {
		return fmt.Errorf("marshaling files: %w", err)
	}
	blob, err := encodeResult(sub.Result)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO submissions (`+submissionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sub.ID, sub.UserID, string(sub.Kind), sub.ItemID, sub.ProjectID, string(sub.Language),
		sub.Code, string(filesJSON), string(sub.Status), nullable(blob), sub.ErrorMessage,
		formatTime(sub.CreatedAt), formatTime(sub.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting submission: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetSubmission(ctx context.Context, id string) (*storage.Submission, error) {
	sub, err := scanSubmission(s.db.QueryRowContext(ctx,
		`SELECT `+submissionColumns+` FROM submissions WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, apperr.Newf(apperr.NotFound, "submission not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("querying submission: %w", err)
	}
	return sub, nil
}

// likeEscaper makes a user string match itself literally under ESCAPE '\'.
var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func (s *SQLiteStore) ResolveSubmission(ctx context.Context, prefix string) (*storage.Submission, error) {
	sub, err := s.GetSubmission(ctx, prefix)
	if apperr.CodeOf(err) != apperr.NotFound {
		return sub, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+submissionColumns+` FROM submissions WHERE id LIKE ? || '%' ESCAPE '\' LIMIT 2`,
		likeEscaper.Replace(prefix))
	if err != nil {
		return nil, fmt.Errorf("querying submission: %w", err)
	}
	defer rows.Close()

	var matches []*storage.Submission
	for rows.Next() {
		sub, err := scanSubmission(rows)
		if err != nil {
			return nil, err
		}
		matches = append(matches, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	switch len(matches) {
	case 0:
		return nil, apperr.Newf(apperr.NotFound, "submission not found: %s", prefix)
	case 1:
		return matches[0], nil
	default:
		return nil, apperr.Newf(apperr.ValidationFailed, "ambiguous submission prefix %q", prefix)
	}
}

func (s *SQLiteStore) ListSubmissions(ctx context.Context, opts storage.SubmissionListOptions) ([]storage.Submission, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT ` + submissionColumns + ` FROM submissions`
	var where []string
	var args []any

	if opts.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, opts.UserID)
	}
	if opts.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(opts.Status))
	}
	if opts.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, string(opts.Kind))
	}
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}

	query += ` ORDER BY created_at DESC, rowid DESC LIMIT ? OFFSET ?`
	args = append(args, limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing submissions: %w", err)
	}
	defer rows.Close()

	subs := []storage.Submission{}
	for rows.Next() {
		sub, err := scanSubmission(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, *sub)
	}
	return subs, rows.Err()
}

func (s *SQLiteStore) Transition(ctx context.Context, id string, status storage.SubmissionStatus, result *model.ExecutionResult, errMsg string) error {
	from := status.Predecessors()
	if len(from) == 0 {
		return apperr.Newf(apperr.Conflict, "no transition leads to %s", status)
	}
	blob, err := encodeResult(result)
	if err != nil {
		return err
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(from)), ",")
	args := []any{string(status), nullable(blob), errMsg, formatTime(time.Now().UTC()), id}
	for _, f := range from {
		args = append(args, string(f))
	}

	// The status guard in WHERE makes terminal rows immutable.
	res, err := s.db.ExecContext(ctx, `
		UPDATE submissions SET status = ?, result = COALESCE(?, result), error_message = ?, updated_at = ?
		WHERE id = ? AND status IN (`+placeholders+`)`, args...)
	if err != nil {
		return fmt.Errorf("updating submission: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}

	var current string
	err = s.db.QueryRowContext(ctx, `SELECT status FROM submissions WHERE id = ?`, id).Scan(&current)
	if err == sql.ErrNoRows {
		return apperr.Newf(apperr.NotFound, "submission not found: %s", id)
	}
	if err != nil {
		return fmt.Errorf("querying submission: %w", err)
	}
	return apperr.Newf(apperr.Conflict, "submission %s is %s and cannot move to %s", id, current, status)
}

const logColumns = `id, user_id, kind, item_id, project_id, submission_id, language, started_at, finished_at, status, timing_ms, compile_ok, tests_passed, tests_failed_count, error_message`

func (s *SQLiteStore) AppendLog(ctx context.Context, e *storage.LogEntry) error {
	var passed, failed any
	if e.TestsPassed != nil {
		passed = *e.TestsPassed
	}
	if e.TestsFailed != nil {
		failed = int64(*e.TestsFailed)
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO execution_logs (user_id, kind, item_id, project_id, submission_id, language,
			started_at, finished_at, status, timing_ms, compile_ok, tests_passed, tests_failed_count, error_message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.UserID, string(e.Kind), e.ItemID, e.ProjectID, e.SubmissionID, string(e.Language),
		formatTime(e.StartedAt), formatTime(e.FinishedAt), string(e.Status), e.TimingMs,
		e.CompileOK, passed, failed, e.ErrorMessage,
	)
	if err != nil {
		return fmt.Errorf("inserting log entry: %w", err)
	}
	e.ID, err = res.LastInsertId()
	return err
}

func (s *SQLiteStore) ListLogs(ctx context.Context, opts storage.LogListOptions) ([]storage.LogEntry, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT ` + logColumns + ` FROM execution_logs`
	var where []string
	var args []any

	if opts.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, opts.UserID)
	}
	if opts.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(opts.Status))
	}
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}

	query += ` ORDER BY started_at DESC, id DESC LIMIT ? OFFSET ?`
	args = append(args, limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing logs: %w", err)
	}
	defer rows.Close()

	entries := []storage.LogEntry{}
	for rows.Next() {
		var e storage.LogEntry
		var startedAt, finishedAt string
		var passed sql.NullBool
		var failed sql.NullInt64
		err := rows.Scan(&e.ID, &e.UserID, &e.Kind, &e.ItemID, &e.ProjectID, &e.SubmissionID,
			&e.Language, &startedAt, &finishedAt, &e.Status, &e.TimingMs, &e.CompileOK,
			&passed, &failed, &e.ErrorMessage)
		if err != nil {
			return nil, err
		}
		e.StartedAt = parseTime(startedAt)
		e.FinishedAt = parseTime(finishedAt)
		if passed.Valid {
			e.TestsPassed = &passed.Bool
		}
		if failed.Valid {
			n := int(failed.Int64)
			e.TestsFailed = &n
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// nullable keeps a missing result NULL rather than an empty blob.
func nullable(blob []byte) any {
	if blob == nil {
		return nil
	}
	return blob
}

// Scanner interface to work with both *sql.Row and *sql.Rows
type scanner interface {
	Scan(dest ...any) error
}

func scanSubmission(s scanner) (*storage.Submission, error) {
	var sub storage.Submission
	var files, createdAt, updatedAt string
	var blob []byte
	err := s.Scan(&sub.ID, &sub.UserID, &sub.Kind, &sub.ItemID, &sub.ProjectID, &sub.Language,
		&sub.Code, &files, &sub.Status, &blob, &sub.ErrorMessage, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(files), &sub.Files); err != nil {
		return nil, fmt.Errorf("unmarshaling files: %w", err)
	}
	if len(sub.Files) == 0 {
		sub.Files = nil
	}
	if sub.Result, err = decodeResult(blob); err != nil {
		return nil, err
	}
	sub.CreatedAt = parseTime(createdAt)
	sub.UpdatedAt = parseTime(updatedAt)
	return &sub, nil
}

// Times are stored as fixed-width UTC text so they sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}
