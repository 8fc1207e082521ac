package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/mpataki/healthgate/internal/logging"
	_ "modernc.org/sqlite"
)

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

type Storage struct {
	db     *sql.DB
	logger *slog.Logger
}

func dsn(dbPath string) string {
	q := url.Values{}
	q.Add("_pragma", "busy_timeout(5000)")
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "foreign_keys(1)")
	q.Set("_txlock", "immediate")
	return "file:" + dbPath + "?" + q.Encode()
}

func New(dbPath string) (*Storage, error) {
	db, err := sql.Open("sqlite", dsn(dbPath))
	if err != nil {
		return nil, err
	}

	s := &Storage{db: db, logger: logging.New("storage")}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate: %w", err)
	}

	return s, nil
}

func (s *Storage) Close() error {
	return s.db.Close()
}

func (s *Storage) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS submissions (
		submission_id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		submitted_at TEXT NOT NULL,
		age INTEGER NOT NULL DEFAULT 0,
		sex TEXT NOT NULL DEFAULT '',
		intake_completeness REAL NOT NULL DEFAULT 0,
		has_dietary_data INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS stream_points (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		submission_id TEXT NOT NULL REFERENCES submissions(submission_id),
		stream TEXT NOT NULL,
		metric TEXT NOT NULL DEFAULT '',
		ts TEXT NOT NULL,
		value REAL NOT NULL,
		noisy INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS analytes (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		submission_id TEXT NOT NULL REFERENCES submissions(submission_id),
		name TEXT NOT NULL,
		value REAL NOT NULL,
		unit TEXT NOT NULL DEFAULT '',
		source TEXT NOT NULL,
		collected_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS runs (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL UNIQUE,
		submission_id TEXT NOT NULL REFERENCES submissions(submission_id),
		owner_id TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'queued',
		progress REAL NOT NULL DEFAULT 0,
		error_message TEXT,
		run_trigger TEXT NOT NULL,
		superseded INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		started_at TEXT,
		completed_at TEXT,
		duration_ms INTEGER
	);

	CREATE TABLE IF NOT EXISTS summaries (
		run_id TEXT PRIMARY KEY REFERENCES runs(run_id),
		submission_id TEXT NOT NULL,
		schema_version TEXT NOT NULL,
		payload TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS artifacts (
		run_id TEXT NOT NULL REFERENCES runs(run_id),
		submission_id TEXT NOT NULL,
		artifact_type TEXT NOT NULL,
		payload TEXT NOT NULL,
		created_at TEXT NOT NULL,
		PRIMARY KEY (run_id, artifact_type)
	);

	CREATE INDEX IF NOT EXISTS idx_points_submission ON stream_points(submission_id, stream);
	CREATE INDEX IF NOT EXISTS idx_analytes_submission ON analytes(submission_id);
	CREATE INDEX IF NOT EXISTS idx_runs_submission ON runs(submission_id, superseded, status);
	CREATE INDEX IF NOT EXISTS idx_runs_created ON runs(created_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func scanNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullStr(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullInt(p *int64) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *p, Valid: true}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func marshal(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// inTx runs fn inside a single write transaction.
func (s *Storage) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}
