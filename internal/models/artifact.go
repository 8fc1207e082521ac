package models

import "time"

type ArtifactType string

const ArtifactCompletenessCheck ArtifactType = "completeness_check"

// Artifact is an audit record attached to a run. Its payload is opaque JSON.
type Artifact struct {
	RunID        string         `json:"run_id"`
	SubmissionID string         `json:"submission_id"`
	Type         ArtifactType   `json:"artifact_type"`
	Payload      map[string]any `json:"payload"`
	CreatedAt    time.Time      `json:"created_at"`
}
