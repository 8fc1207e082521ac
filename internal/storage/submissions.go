package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/mpataki/healthgate/internal/models"
)

// PutSubmission stores a submission with its stream points and analytes,
// replacing any raw data previously stored under the same id.
func (s *Storage) PutSubmission(ctx context.Context, data models.SubmissionData) error {
	sub := data.Submission
	if sub.SubmissionID == "" || sub.OwnerID == "" {
		return fmt.Errorf("%w: submission_id and owner_id are required", models.ErrValidation)
	}

	return s.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO submissions (submission_id, owner_id, submitted_at, age, sex, intake_completeness, has_dietary_data)
			 VALUES (?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(submission_id) DO UPDATE SET
			   owner_id = excluded.owner_id,
			   submitted_at = excluded.submitted_at,
			   age = excluded.age,
			   sex = excluded.sex,
			   intake_completeness = excluded.intake_completeness,
			   has_dietary_data = excluded.has_dietary_data`,
			sub.SubmissionID, sub.OwnerID, formatTime(sub.SubmittedAt), sub.Age, sub.Sex,
			sub.IntakeCompleteness, boolInt(sub.HasDietaryData),
		)
		if err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM stream_points WHERE submission_id = ?`, sub.SubmissionID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM analytes WHERE submission_id = ?`, sub.SubmissionID); err != nil {
			return err
		}

		pointStmt, err := tx.PrepareContext(ctx,
			`INSERT INTO stream_points (submission_id, stream, metric, ts, value, noisy) VALUES (?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer pointStmt.Close()

		for _, p := range data.Points {
			if _, err := pointStmt.ExecContext(ctx,
				sub.SubmissionID, p.Stream, p.Metric, formatTime(p.Timestamp), p.Value, boolInt(p.Noisy),
			); err != nil {
				return err
			}
		}

		analyteStmt, err := tx.PrepareContext(ctx,
			`INSERT INTO analytes (submission_id, name, value, unit, source, collected_at) VALUES (?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer analyteStmt.Close()

		for _, a := range data.Analytes {
			if _, err := analyteStmt.ExecContext(ctx,
				sub.SubmissionID, a.Name, a.Value, a.Unit, a.Source, formatTime(a.CollectedAt),
			); err != nil {
				return err
			}
		}

		return nil
	})
}

// GetSubmission returns the submission owned by ownerID. A submission owned
// by someone else is reported as not found.
func (s *Storage) GetSubmission(ctx context.Context, submissionID, ownerID string) (*models.Submission, error) {
	return getSubmission(ctx, s.db, submissionID, ownerID)
}

func getSubmission(ctx context.Context, q queryer, submissionID, ownerID string) (*models.Submission, error) {
	row := q.QueryRowContext(ctx,
		`SELECT submission_id, owner_id, submitted_at, age, sex, intake_completeness, has_dietary_data
		 FROM submissions WHERE submission_id = ? AND owner_id = ?`, submissionID, ownerID,
	)

	sub, err := scanSubmission(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: submission %s", models.ErrNotFound, submissionID)
	}
	return sub, err
}

func (s *Storage) ListSubmissions(ctx context.Context, ownerID string) ([]*models.Submission, error) {
	query := `SELECT submission_id, owner_id, submitted_at, age, sex, intake_completeness, has_dietary_data
		FROM submissions`
	var args []any
	if ownerID != "" {
		query += ` WHERE owner_id = ?`
		args = append(args, ownerID)
	}
	query += ` ORDER BY submitted_at DESC, submission_id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var subs []*models.Submission
	for rows.Next() {
		sub, err := scanSubmission(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}

	return subs, rows.Err()
}

// LoadSubmissionData reads the submission and all raw data the pipeline needs
// from a single snapshot, so a concurrent PutSubmission is seen whole or not
// at all.
func (s *Storage) LoadSubmissionData(ctx context.Context, submissionID, ownerID string) (*models.SubmissionData, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	sub, err := getSubmission(ctx, tx, submissionID, ownerID)
	if err != nil {
		return nil, err
	}

	data := &models.SubmissionData{Submission: *sub}
	if data.Points, err = loadPoints(ctx, tx, submissionID); err != nil {
		return nil, err
	}
	if data.Analytes, err = loadAnalytes(ctx, tx, submissionID); err != nil {
		return nil, err
	}

	return data, tx.Commit()
}

func loadPoints(ctx context.Context, tx *sql.Tx, submissionID string) ([]models.StreamPoint, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT stream, metric, ts, value, noisy FROM stream_points
		 WHERE submission_id = ? ORDER BY ts, id`, submissionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var points []models.StreamPoint
	for rows.Next() {
		var p models.StreamPoint
		var ts string
		var noisy int
		if err := rows.Scan(&p.Stream, &p.Metric, &ts, &p.Value, &noisy); err != nil {
			return nil, err
		}
		if p.Timestamp, err = parseTime(ts); err != nil {
			return nil, err
		}
		p.Noisy = noisy != 0
		points = append(points, p)
	}

	return points, rows.Err()
}

func loadAnalytes(ctx context.Context, tx *sql.Tx, submissionID string) ([]models.Analyte, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT name, value, unit, source, collected_at FROM analytes
		 WHERE submission_id = ? ORDER BY collected_at, id`, submissionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var analytes []models.Analyte
	for rows.Next() {
		var a models.Analyte
		var collected string
		if err := rows.Scan(&a.Name, &a.Value, &a.Unit, &a.Source, &collected); err != nil {
			return nil, err
		}
		if a.CollectedAt, err = parseTime(collected); err != nil {
			return nil, err
		}
		analytes = append(analytes, a)
	}

	return analytes, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSubmission(row scanner) (*models.Submission, error) {
	var sub models.Submission
	var submitted string
	var dietary int

	err := row.Scan(
		&sub.SubmissionID, &sub.OwnerID, &submitted, &sub.Age, &sub.Sex,
		&sub.IntakeCompleteness, &dietary,
	)
	if err != nil {
		return nil, err
	}

	if sub.SubmittedAt, err = parseTime(submitted); err != nil {
		return nil, err
	}
	sub.HasDietaryData = dietary != 0

	return &sub, nil
}
