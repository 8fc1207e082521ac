// Package orchestrator owns the run lifecycle: it creates runs, drives them
// through the analysis pipeline and persists the resulting summaries.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mpataki/healthgate/internal/logging"
	"github.com/mpataki/healthgate/internal/models"
)

// Store persists runs, summaries and artifacts.
type Store interface {
	CreateRun(ctx context.Context, run *models.Run, artifact *models.Artifact) error
	GetRun(ctx context.Context, runID string) (*models.Run, error)
	MarkRunning(ctx context.Context, runID string, startedAt time.Time) error
	UpdateProgress(ctx context.Context, runID string, progress float64) error
	CompleteRun(ctx context.Context, runID string, completedAt time.Time, durationMS int64, summary *models.Summary, artifact *models.Artifact) error
	FailRun(ctx context.Context, runID string, completedAt time.Time, durationMS *int64, message string) error
	LatestRun(ctx context.Context, submissionID, ownerID string) (*models.Run, error)
	CurrentSummary(ctx context.Context, submissionID, ownerID string) (*models.Summary, error)
	GetSummary(ctx context.Context, runID string) (*models.Summary, error)
	SupersedeAndCreate(ctx context.Context, expectedRunID string, newRun *models.Run, artifact *models.Artifact) error
	ListRuns(ctx context.Context, ownerID string, limit int) ([]*models.Run, error)
	History(ctx context.Context, submissionID, ownerID string) ([]*models.Run, error)
}

// DataSource is read-only access to submitted raw data.
type DataSource interface {
	GetSubmission(ctx context.Context, submissionID, ownerID string) (*models.Submission, error)
	LoadSubmissionData(ctx context.Context, submissionID, ownerID string) (*models.SubmissionData, error)
}

type Orchestrator struct {
	store    Store
	data     DataSource
	analyzer Analyzer
	clock    func() time.Time
	newID    func() string
	logger   *slog.Logger

	mu    sync.Mutex
	locks map[string]*submissionLock
}

// submissionLock serializes retries of one submission. refs counts holders
// and waiters so the entry can be dropped once nobody needs it.
type submissionLock struct {
	mu   sync.Mutex
	refs int
}

type Option func(*Orchestrator)

// WithClock replaces time.Now, mostly for tests.
func WithClock(clock func() time.Time) Option {
	return func(o *Orchestrator) { o.clock = clock }
}

func WithIDGenerator(newID func() string) Option {
	return func(o *Orchestrator) { o.newID = newID }
}

func New(store Store, data DataSource, analyzer Analyzer, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:    store,
		data:     data,
		analyzer: analyzer,
		clock:    time.Now,
		newID:    uuid.NewString,
		logger:   logging.New("orchestrator"),
		locks:    make(map[string]*submissionLock),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Result is the terminal outcome of ExecuteRun. Pipeline failures are
// reported here rather than as an error.
type Result struct {
	RunID   string           `json:"run_id"`
	Status  models.RunStatus `json:"status"`
	Summary *models.Summary  `json:"summary,omitempty"`
	Error   string           `json:"error,omitempty"`
}

func (o *Orchestrator) now() time.Time {
	return o.clock().UTC()
}

func (o *Orchestrator) newRun(submissionID, ownerID string, trigger models.Trigger) (*models.Run, *models.Artifact) {
	now := o.now()
	run := &models.Run{
		RunID:        o.newID(),
		SubmissionID: submissionID,
		OwnerID:      ownerID,
		Status:       models.RunStatusQueued,
		Trigger:      trigger,
		CreatedAt:    now,
	}
	artifact := &models.Artifact{
		RunID:        run.RunID,
		SubmissionID: submissionID,
		Type:         models.ArtifactCompletenessCheck,
		Payload:      map[string]any{"status": "pending", "trigger": string(trigger)},
		CreatedAt:    now,
	}
	return run, artifact
}

// CreateRun inserts a QUEUED run for a submission owned by ownerID.
func (o *Orchestrator) CreateRun(ctx context.Context, submissionID, ownerID string, trigger models.Trigger) (*models.Run, error) {
	if _, err := models.AsTrigger(string(trigger)); err != nil {
		return nil, err
	}
	if _, err := o.data.GetSubmission(ctx, submissionID, ownerID); err != nil {
		return nil, err
	}

	run, artifact := o.newRun(submissionID, ownerID, trigger)
	if err := o.store.CreateRun(ctx, run, artifact); err != nil {
		return nil, fmt.Errorf("failed to create run: %w", err)
	}

	o.logger.Info("run created", "run_id", run.RunID, "submission_id", submissionID, "trigger", trigger)
	return run, nil
}

// ExecuteRun drives a QUEUED run to a terminal state. Errors are returned
// only when the run cannot be started or its terminal state cannot be
// recorded; a failing pipeline yields a failed Result.
func (o *Orchestrator) ExecuteRun(ctx context.Context, runID string) (*Result, error) {
	run, err := o.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if !run.Status.CanTransition(models.RunStatusRunning) {
		return nil, models.NewErrInvalidRunStateChanging(run.Status, models.RunStatusRunning)
	}

	logger := o.logger.With(slog.String("run_id", runID), slog.String("submission_id", run.SubmissionID))

	start := o.now()
	if err := o.store.MarkRunning(ctx, runID, start); err != nil {
		return nil, err
	}
	logger.Info("run started")

	analysis, err := o.analyze(ctx, run)
	if err != nil {
		return o.fail(ctx, logger, runID, start, err)
	}

	completed := o.now()
	summary := analysis.Summary
	summary.RunID = runID
	summary.CreatedAt = completed

	artifact := &models.Artifact{
		RunID:        runID,
		SubmissionID: run.SubmissionID,
		Type:         models.ArtifactCompletenessCheck,
		Payload: map[string]any{
			"status":             "completed",
			"trigger":            string(run.Trigger),
			"completeness_score": analysis.Completeness.Score,
			"component_scores":   analysis.Completeness.Components,
			"missing_critical":   analysis.Completeness.MissingCritical,
			"lab_flags":          analysis.LabFlags,
		},
		CreatedAt: completed,
	}

	duration := completed.Sub(start).Milliseconds()
	if err := o.store.CompleteRun(ctx, runID, completed, duration, summary, artifact); err != nil {
		return o.fail(ctx, logger, runID, start, fmt.Errorf("failed to persist summary: %w", err))
	}

	logger.Info("run completed",
		"duration_ms", duration,
		"eligible_for_part_b", summary.Gating.EligibleForPartB)

	return &Result{RunID: runID, Status: models.RunStatusCompleted, Summary: summary}, nil
}

// analyze loads the submission and runs the pipeline, converting panics into
// pipeline failures.
func (o *Orchestrator) analyze(ctx context.Context, run *models.Run) (analysis *Analysis, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: panic: %v", models.ErrPipelineFailure, r)
		}
	}()

	data, err := o.data.LoadSubmissionData(ctx, run.SubmissionID, run.OwnerID)
	if err != nil {
		return nil, fmt.Errorf("failed to load submission data: %w", err)
	}

	progress := func(p float64) {
		if err := o.store.UpdateProgress(ctx, run.RunID, p); err != nil {
			o.logger.Debug("failed to record progress", "run_id", run.RunID, "error", err)
		}
	}

	analysis, err = o.analyzer.Analyze(ctx, data, progress)
	if err != nil {
		return nil, err
	}
	if analysis == nil || analysis.Summary == nil {
		return nil, fmt.Errorf("%w: pipeline produced no summary", models.ErrPipelineFailure)
	}
	return analysis, nil
}

func (o *Orchestrator) fail(ctx context.Context, logger *slog.Logger, runID string, start time.Time, cause error) (*Result, error) {
	msg := cause.Error()
	completed := o.now()
	duration := completed.Sub(start).Milliseconds()

	logger.Error("run failed", "error", msg)

	// the caller's context may be what failed the pipeline
	if err := o.store.FailRun(context.WithoutCancel(ctx), runID, completed, &duration, msg); err != nil {
		return &Result{RunID: runID, Status: models.RunStatusFailed, Error: msg},
			fmt.Errorf("failed to record run failure: %w", err)
	}

	return &Result{RunID: runID, Status: models.RunStatusFailed, Error: msg}, nil
}

// RunSynchronous creates and immediately executes a run.
func (o *Orchestrator) RunSynchronous(ctx context.Context, submissionID, ownerID string, trigger models.Trigger) (*Result, error) {
	run, err := o.CreateRun(ctx, submissionID, ownerID, trigger)
	if err != nil {
		return nil, err
	}
	return o.ExecuteRun(ctx, run.RunID)
}

// lockSubmission blocks until the caller holds the submission's retry lock
// and returns the function that releases it.
func (o *Orchestrator) lockSubmission(submissionID string) (unlock func()) {
	o.mu.Lock()
	l, ok := o.locks[submissionID]
	if !ok {
		l = &submissionLock{}
		o.locks[submissionID] = l
	}
	l.refs++
	o.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()

		o.mu.Lock()
		defer o.mu.Unlock()
		if l.refs--; l.refs == 0 {
			delete(o.locks, submissionID)
		}
	}
}

// Retry supersedes the latest run of a submission and queues a new one.
// Retries of one submission are serialized in-process, and the store
// rejects the swap with ErrConcurrencyConflict if another process changed
// the latest run in the meantime.
func (o *Orchestrator) Retry(ctx context.Context, submissionID, ownerID string) (*models.Run, error) {
	if _, err := o.data.GetSubmission(ctx, submissionID, ownerID); err != nil {
		return nil, err
	}

	unlock := o.lockSubmission(submissionID)
	defer unlock()

	latest, err := o.store.LatestRun(ctx, submissionID, ownerID)
	if err != nil {
		return nil, err
	}

	var expected string
	if latest != nil {
		expected = latest.RunID
	}

	run, artifact := o.newRun(submissionID, ownerID, models.TriggerRetry)
	if err := o.store.SupersedeAndCreate(ctx, expected, run, artifact); err != nil {
		if errors.Is(err, models.ErrConcurrencyConflict) {
			o.logger.Warn("retry conflict", "submission_id", submissionID, "expected_run_id", expected)
		}
		return nil, err
	}

	o.logger.Info("run retried", "run_id", run.RunID, "submission_id", submissionID, "superseded", expected)
	return run, nil
}

// GetStatus returns the most recent non-superseded run, or nil if the
// submission has never been analyzed.
func (o *Orchestrator) GetStatus(ctx context.Context, submissionID, ownerID string) (*models.Run, error) {
	if _, err := o.data.GetSubmission(ctx, submissionID, ownerID); err != nil {
		return nil, err
	}
	return o.store.LatestRun(ctx, submissionID, ownerID)
}

// GetSummary returns the current summary, or nil if no run has completed.
func (o *Orchestrator) GetSummary(ctx context.Context, submissionID, ownerID string) (*models.Summary, error) {
	if _, err := o.data.GetSubmission(ctx, submissionID, ownerID); err != nil {
		return nil, err
	}
	return o.store.CurrentSummary(ctx, submissionID, ownerID)
}

func (o *Orchestrator) GetRun(ctx context.Context, runID string) (*models.Run, error) {
	return o.store.GetRun(ctx, runID)
}

// RunSummary returns the summary a specific run wrote, superseded or not.
func (o *Orchestrator) RunSummary(ctx context.Context, runID string) (*models.Summary, error) {
	return o.store.GetSummary(ctx, runID)
}

// RunSummaryFor is RunSummary for callers that must not see other owners'
// runs. A run of another submission or owner is reported as not found.
func (o *Orchestrator) RunSummaryFor(ctx context.Context, submissionID, ownerID, runID string) (*models.Summary, error) {
	run, err := o.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.SubmissionID != submissionID || run.OwnerID != ownerID {
		return nil, fmt.Errorf("%w: run %s", models.ErrNotFound, runID)
	}
	return o.store.GetSummary(ctx, runID)
}

// ListRuns returns the newest runs of ownerID across its submissions.
func (o *Orchestrator) ListRuns(ctx context.Context, ownerID string, limit int) ([]*models.Run, error) {
	return o.store.ListRuns(ctx, ownerID, limit)
}

// History lists every run of a submission, newest first.
func (o *Orchestrator) History(ctx context.Context, submissionID, ownerID string) ([]*models.Run, error) {
	if _, err := o.data.GetSubmission(ctx, submissionID, ownerID); err != nil {
		return nil, err
	}
	return o.store.History(ctx, submissionID, ownerID)
}
