package models

import "time"

const SummarySchemaVersion = "1.0.0"

type StreamCoverage struct {
	DaysCovered  int        `json:"days_covered"`
	MissingRate  float64    `json:"missing_rate"`
	LastSeen     *time.Time `json:"last_seen"`
	QualityScore float64    `json:"quality_score"`
}

type Grade string

const (
	GradeA Grade = "A"
	GradeB Grade = "B"
	GradeC Grade = "C"
	GradeD Grade = "D"
)

type AnchorStrength struct {
	Score   float64  `json:"score"`
	Grade   Grade    `json:"grade"`
	Count   int      `json:"count"`
	Reasons []string `json:"reasons"`
}

type GatingSummary struct {
	EligibleForPartB bool     `json:"eligible_for_part_b"`
	Reasons          []string `json:"reasons"`
}

type ConflictFlag struct {
	Analyte    string      `json:"analyte"`
	Sources    []string    `json:"sources"`
	Values     []float64   `json:"values"`
	Divergence float64     `json:"divergence"`
	Tolerance  float64     `json:"tolerance"`
	ObservedAt []time.Time `json:"observed_at"`
}

type DerivedFeature struct {
	Name   string   `json:"name"`
	Value  float64  `json:"value"`
	Unit   string   `json:"unit"`
	Inputs []string `json:"inputs"`
}

// OutputAssessment is the provenance of one candidate derived output.
type OutputAssessment struct {
	Output     string           `json:"output"`
	Grade      Grade            `json:"grade"`
	Gate       GateDecision     `json:"gate"`
	Confidence ConfidenceResult `json:"confidence"`
}

type ConfidenceDistribution struct {
	A int `json:"A"`
	B int `json:"B"`
	C int `json:"C"`
	D int `json:"D"`
}

func (d *ConfidenceDistribution) Add(g Grade) {
	switch g {
	case GradeA:
		d.A++
	case GradeB:
		d.B++
	case GradeC:
		d.C++
	default:
		d.D++
	}
}

type PriorsUsed struct {
	Source  string `json:"source"`
	Version string `json:"version"`
	Schema  string `json:"schema"`
}

type Summary struct {
	RunID                  string                    `json:"run_id"`
	SubmissionID           string                    `json:"submission_id"`
	StreamCoverage         map[Stream]StreamCoverage `json:"stream_coverage"`
	Gating                 GatingSummary             `json:"gating"`
	Outputs                []OutputAssessment        `json:"outputs"`
	AnchorStrengthByDomain map[string]AnchorStrength `json:"anchor_strength_by_domain"`
	ConflictFlags          []ConflictFlag            `json:"conflict_flags"`
	DerivedFeaturesCount   int                       `json:"derived_features_count"`
	DerivedFeatures        []DerivedFeature          `json:"derived_features"`
	ConfidenceDistribution ConfidenceDistribution    `json:"confidence_distribution"`
	PriorsUsed             PriorsUsed                `json:"priors_used"`
	SchemaVersion          string                    `json:"schema_version"`
	CreatedAt              time.Time                 `json:"created_at"`
}

// GradeForScore buckets a 0-100 confidence score.
func GradeForScore(score float64) Grade {
	switch {
	case score >= 80:
		return GradeA
	case score >= 65:
		return GradeB
	case score >= 50:
		return GradeC
	default:
		return GradeD
	}
}
