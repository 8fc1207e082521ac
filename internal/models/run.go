package models

import (
	"fmt"
	"time"
)

type RunStatus string

const (
	RunStatusQueued    RunStatus = "queued"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

func AsRunStatus(s string) (RunStatus, error) {
	switch RunStatus(s) {
	case RunStatusQueued, RunStatusRunning, RunStatusCompleted, RunStatusFailed:
		return RunStatus(s), nil
	default:
		return "", fmt.Errorf("%w: unknown run status %q", ErrValidation, s)
	}
}

// Terminal reports whether no further transition is possible.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusFailed:
		return true
	default:
		return false
	}
}

// CanTransition reports whether a run may move from s to next.
// queued -> running -> {completed, failed}; a queued run may also fail.
func (s RunStatus) CanTransition(next RunStatus) bool {
	switch s {
	case RunStatusQueued:
		return next == RunStatusRunning || next == RunStatusFailed
	case RunStatusRunning:
		return next == RunStatusCompleted || next == RunStatusFailed
	case RunStatusCompleted, RunStatusFailed:
		return false
	default:
		return false
	}
}

type Trigger string

const (
	TriggerAuto   Trigger = "auto"
	TriggerManual Trigger = "manual"
	TriggerRetry  Trigger = "retry"
)

func AsTrigger(s string) (Trigger, error) {
	switch Trigger(s) {
	case TriggerAuto, TriggerManual, TriggerRetry:
		return Trigger(s), nil
	default:
		return "", fmt.Errorf("%w: unknown trigger %q", ErrValidation, s)
	}
}

type Run struct {
	RunID        string     `json:"run_id"`
	SubmissionID string     `json:"submission_id"`
	OwnerID      string     `json:"owner_id"`
	Status       RunStatus  `json:"status"`
	Progress     float64    `json:"progress"`
	ErrorMessage string     `json:"error_message,omitempty"`
	Trigger      Trigger    `json:"trigger"`
	Superseded   bool       `json:"superseded"`
	CreatedAt    time.Time  `json:"created_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	DurationMS   *int64     `json:"duration_ms,omitempty"`
}

// Current reports whether this run's summary is the one served to readers.
func (r *Run) Current() bool {
	return r.Status == RunStatusCompleted && !r.Superseded
}
