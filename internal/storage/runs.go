package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mpataki/healthgate/internal/models"
)

const runColumns = `run_id, submission_id, owner_id, status, progress, error_message, run_trigger,
	superseded, created_at, started_at, completed_at, duration_ms`

// CreateRun inserts a QUEUED run together with its initial artifact.
func (s *Storage) CreateRun(ctx context.Context, run *models.Run, artifact *models.Artifact) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if err := insertRun(ctx, tx, run); err != nil {
			return err
		}
		if artifact != nil {
			return upsertArtifact(ctx, tx, artifact)
		}
		return nil
	})
}

func insertRun(ctx context.Context, tx *sql.Tx, run *models.Run) error {
	if run.Status != models.RunStatusQueued {
		return fmt.Errorf("%w: new runs must be queued, got %s", models.ErrValidation, run.Status)
	}

	_, err := tx.ExecContext(ctx,
		`INSERT INTO runs (run_id, submission_id, owner_id, status, progress, error_message, run_trigger,
		                   superseded, created_at, started_at, completed_at, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.RunID, run.SubmissionID, run.OwnerID, run.Status, run.Progress, nullStr(run.ErrorMessage),
		run.Trigger, boolInt(run.Superseded), formatTime(run.CreatedAt), nullTime(run.StartedAt),
		nullTime(run.CompletedAt), nullInt(run.DurationMS),
	)
	return err
}

func (s *Storage) GetRun(ctx context.Context, runID string) (*models.Run, error) {
	return getRun(ctx, s.db, runID)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getRun(ctx context.Context, q queryer, runID string) (*models.Run, error) {
	row := q.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE run_id = ?`, runID)

	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: run %s", models.ErrNotFound, runID)
	}
	return run, err
}

// transitionError explains why a guarded status update touched no rows.
func transitionError(ctx context.Context, q queryer, runID string, to models.RunStatus) error {
	run, err := getRun(ctx, q, runID)
	if err != nil {
		return err
	}
	return models.NewErrInvalidRunStateChanging(run.Status, to)
}

// MarkRunning moves a QUEUED run to RUNNING. The update is conditional on the
// current status so two executors cannot both start the same run.
func (s *Storage) MarkRunning(ctx context.Context, runID string, startedAt time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, started_at = ?, progress = 0.1
		 WHERE run_id = ? AND status = ?`,
		models.RunStatusRunning, formatTime(startedAt), runID, models.RunStatusQueued,
	)
	if err != nil {
		return err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return transitionError(ctx, s.db, runID, models.RunStatusRunning)
	}
	return nil
}

// UpdateProgress records pipeline progress for a RUNNING run.
func (s *Storage) UpdateProgress(ctx context.Context, runID string, progress float64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE runs SET progress = ? WHERE run_id = ? AND status = ?`,
		progress, runID, models.RunStatusRunning,
	)
	return err
}

// CompleteRun commits RUNNING -> COMPLETED, the summary and the artifact in
// one transaction. Unless the run was itself superseded while running, any
// other current completed run of the submission is superseded so that at most
// one current summary exists.
func (s *Storage) CompleteRun(ctx context.Context, runID string, completedAt time.Time, durationMS int64, summary *models.Summary, artifact *models.Artifact) error {
	if summary == nil {
		return fmt.Errorf("%w: completed runs require a summary", models.ErrValidation)
	}

	payload, err := marshal(summary)
	if err != nil {
		return fmt.Errorf("failed to encode summary: %w", err)
	}

	return s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE runs SET status = ?, progress = 1.0, completed_at = ?, duration_ms = ?, error_message = NULL
			 WHERE run_id = ? AND status = ?`,
			models.RunStatusCompleted, formatTime(completedAt), durationMS, runID, models.RunStatusRunning,
		)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			return transitionError(ctx, tx, runID, models.RunStatusCompleted)
		}

		run, err := getRun(ctx, tx, runID)
		if err != nil {
			return err
		}

		if !run.Superseded {
			res, err := tx.ExecContext(ctx,
				`UPDATE runs SET superseded = 1
				 WHERE submission_id = ? AND run_id <> ? AND status = ? AND superseded = 0`,
				run.SubmissionID, runID, models.RunStatusCompleted,
			)
			if err != nil {
				return err
			}
			if n, _ := res.RowsAffected(); n > 0 {
				s.logger.Debug("superseded previous summary", "submission_id", run.SubmissionID, "count", n)
			}
		}

		_, err = tx.ExecContext(ctx,
			`INSERT INTO summaries (run_id, submission_id, schema_version, payload, created_at)
			 VALUES (?, ?, ?, ?, ?)`,
			runID, run.SubmissionID, summary.SchemaVersion, payload, formatTime(summary.CreatedAt),
		)
		if err != nil {
			return err
		}

		if artifact != nil {
			return upsertArtifact(ctx, tx, artifact)
		}
		return nil
	})
}

// FailRun marks a QUEUED or RUNNING run FAILED and records why.
func (s *Storage) FailRun(ctx context.Context, runID string, completedAt time.Time, durationMS *int64, message string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, completed_at = ?, duration_ms = ?, error_message = ?
		 WHERE run_id = ? AND status IN (?, ?)`,
		models.RunStatusFailed, formatTime(completedAt), nullInt(durationMS), message,
		runID, models.RunStatusQueued, models.RunStatusRunning,
	)
	if err != nil {
		return err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return transitionError(ctx, s.db, runID, models.RunStatusFailed)
	}
	return nil
}

// LatestRun returns the most recent non-superseded run for a submission, or
// nil when there is none.
func (s *Storage) LatestRun(ctx context.Context, submissionID, ownerID string) (*models.Run, error) {
	return latestRun(ctx, s.db, submissionID, ownerID)
}

func latestRun(ctx context.Context, q queryer, submissionID, ownerID string) (*models.Run, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM runs
		 WHERE submission_id = ? AND owner_id = ? AND superseded = 0
		 ORDER BY created_at DESC, seq DESC LIMIT 1`,
		submissionID, ownerID,
	)

	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return run, err
}

// SupersedeAndCreate atomically retires the run the caller observed as
// latest and inserts newRun. expectedRunID is empty when the caller saw no
// run at all. If the latest run changed in between, nothing is written and
// ErrConcurrencyConflict is returned.
func (s *Storage) SupersedeAndCreate(ctx context.Context, expectedRunID string, newRun *models.Run, artifact *models.Artifact) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if expectedRunID == "" {
			latest, err := latestRun(ctx, tx, newRun.SubmissionID, newRun.OwnerID)
			if err != nil {
				return err
			}
			if latest != nil {
				return fmt.Errorf("%w: run %s appeared for submission %s", models.ErrConcurrencyConflict, latest.RunID, newRun.SubmissionID)
			}
		} else {
			res, err := tx.ExecContext(ctx,
				`UPDATE runs SET superseded = 1 WHERE run_id = ? AND superseded = 0`, expectedRunID,
			)
			if err != nil {
				return err
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			if n == 0 {
				return fmt.Errorf("%w: run %s was already superseded", models.ErrConcurrencyConflict, expectedRunID)
			}
		}

		if err := insertRun(ctx, tx, newRun); err != nil {
			return err
		}
		if artifact != nil {
			return upsertArtifact(ctx, tx, artifact)
		}
		return nil
	})
}

// ListRuns returns the newest runs of ownerID, or of every owner when
// ownerID is empty.
func (s *Storage) ListRuns(ctx context.Context, ownerID string, limit int) ([]*models.Run, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT ` + runColumns + ` FROM runs`
	var args []any
	if ownerID != "" {
		query += ` WHERE owner_id = ?`
		args = append(args, ownerID)
	}
	query += ` ORDER BY created_at DESC, seq DESC LIMIT ?`

	return s.queryRuns(ctx, query, append(args, limit)...)
}

// History returns every run of a submission, newest first, superseded ones
// included.
func (s *Storage) History(ctx context.Context, submissionID, ownerID string) ([]*models.Run, error) {
	return s.queryRuns(ctx,
		`SELECT `+runColumns+` FROM runs
		 WHERE submission_id = ? AND owner_id = ?
		 ORDER BY created_at DESC, seq DESC`,
		submissionID, ownerID,
	)
}

func (s *Storage) queryRuns(ctx context.Context, query string, args ...any) ([]*models.Run, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*models.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}

	return runs, rows.Err()
}

func scanRun(row scanner) (*models.Run, error) {
	var run models.Run
	var status, trigger, created string
	var errMsg, startedAt, completedAt sql.NullString
	var duration sql.NullInt64
	var superseded int

	err := row.Scan(
		&run.RunID, &run.SubmissionID, &run.OwnerID, &status, &run.Progress, &errMsg, &trigger,
		&superseded, &created, &startedAt, &completedAt, &duration,
	)
	if err != nil {
		return nil, err
	}

	if run.Status, err = models.AsRunStatus(status); err != nil {
		return nil, err
	}
	if run.Trigger, err = models.AsTrigger(trigger); err != nil {
		return nil, err
	}
	if run.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if run.StartedAt, err = scanNullTime(startedAt); err != nil {
		return nil, err
	}
	if run.CompletedAt, err = scanNullTime(completedAt); err != nil {
		return nil, err
	}
	if errMsg.Valid {
		run.ErrorMessage = errMsg.String
	}
	if duration.Valid {
		d := duration.Int64
		run.DurationMS = &d
	}
	run.Superseded = superseded != 0

	return &run, nil
}
