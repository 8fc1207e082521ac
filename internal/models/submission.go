package models

import "time"

type Stream string

const (
	StreamGlucose Stream = "glucose"
	StreamLactate Stream = "lactate"
	StreamVitals  Stream = "vitals"
	StreamSleep   Stream = "sleep"
	StreamPROs    Stream = "pros"
	StreamLabs    Stream = "labs"
)

// Streams lists every stream in the fixed order used for reporting.
var Streams = []Stream{StreamGlucose, StreamLactate, StreamVitals, StreamSleep, StreamPROs, StreamLabs}

type Submission struct {
	SubmissionID       string    `json:"submission_id" yaml:"submission_id"`
	OwnerID            string    `json:"owner_id" yaml:"owner_id"`
	SubmittedAt        time.Time `json:"submitted_at" yaml:"submitted_at"`
	Age                int       `json:"age" yaml:"age"`
	Sex                string    `json:"sex" yaml:"sex"`
	IntakeCompleteness float64   `json:"intake_completeness" yaml:"intake_completeness"`
	HasDietaryData     bool      `json:"has_dietary_data" yaml:"has_dietary_data"`
}

// StreamPoint is one timestamped observation from a monitored stream.
// Metric distinguishes channels within a stream (e.g. sbp/dbp for vitals).
type StreamPoint struct {
	Stream    Stream    `json:"stream" yaml:"stream"`
	Metric    string    `json:"metric" yaml:"metric"`
	Timestamp time.Time `json:"ts" yaml:"ts"`
	Value     float64   `json:"value" yaml:"value"`
	Noisy     bool      `json:"noisy,omitempty" yaml:"noisy,omitempty"`
}

// Analyte is a single specimen measurement.
type Analyte struct {
	Name        string    `json:"name" yaml:"name"`
	Value       float64   `json:"value" yaml:"value"`
	Unit        string    `json:"unit" yaml:"unit"`
	Source      string    `json:"source" yaml:"source"`
	CollectedAt time.Time `json:"collected_at" yaml:"collected_at"`
}

// SubmissionData bundles everything the pipeline reads for one submission.
type SubmissionData struct {
	Submission Submission
	Points     []StreamPoint
	Analytes   []Analyte
}
