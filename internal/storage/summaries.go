package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mpataki/healthgate/internal/models"
)

// CurrentSummary returns the summary of the most recently completed,
// non-superseded run, or nil when the submission has none.
func (s *Storage) CurrentSummary(ctx context.Context, submissionID, ownerID string) (*models.Summary, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT s.payload FROM summaries s
		 JOIN runs r ON r.run_id = s.run_id
		 WHERE r.submission_id = ? AND r.owner_id = ? AND r.status = ? AND r.superseded = 0
		 ORDER BY r.completed_at DESC, r.seq DESC LIMIT 1`,
		submissionID, ownerID, models.RunStatusCompleted,
	)

	summary, err := scanSummary(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return summary, err
}

// GetSummary returns the summary written by runID, superseded or not.
func (s *Storage) GetSummary(ctx context.Context, runID string) (*models.Summary, error) {
	row := s.db.QueryRowContext(ctx, `SELECT payload FROM summaries WHERE run_id = ?`, runID)

	summary, err := scanSummary(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: summary for run %s", models.ErrNotFound, runID)
	}
	return summary, err
}

func scanSummary(row scanner) (*models.Summary, error) {
	var payload string
	if err := row.Scan(&payload); err != nil {
		return nil, err
	}

	var summary models.Summary
	if err := json.Unmarshal([]byte(payload), &summary); err != nil {
		return nil, fmt.Errorf("failed to decode summary: %w", err)
	}
	return &summary, nil
}

func upsertArtifact(ctx context.Context, tx *sql.Tx, a *models.Artifact) error {
	payload, err := marshal(a.Payload)
	if err != nil {
		return fmt.Errorf("failed to encode artifact: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO artifacts (run_id, submission_id, artifact_type, payload, created_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(run_id, artifact_type) DO UPDATE SET payload = excluded.payload`,
		a.RunID, a.SubmissionID, a.Type, payload, formatTime(a.CreatedAt),
	)
	return err
}

func (s *Storage) GetArtifacts(ctx context.Context, runID string) ([]*models.Artifact, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, submission_id, artifact_type, payload, created_at
		 FROM artifacts WHERE run_id = ? ORDER BY artifact_type`, runID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var artifacts []*models.Artifact
	for rows.Next() {
		var a models.Artifact
		var payload, created string
		if err := rows.Scan(&a.RunID, &a.SubmissionID, &a.Type, &payload, &created); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(payload), &a.Payload); err != nil {
			return nil, fmt.Errorf("failed to decode artifact: %w", err)
		}
		if a.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		artifacts = append(artifacts, &a)
	}

	return artifacts, rows.Err()
}
