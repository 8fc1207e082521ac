package models

import "fmt"

type RangeWidth string

const (
	RangeTight        RangeWidth = "TIGHT"
	RangeWide         RangeWidth = "WIDE"
	RangeInsufficient RangeWidth = "INSUFFICIENT"
)

type OutputType string

const (
	OutputMeasured         OutputType = "MEASURED"
	OutputInferredTight    OutputType = "INFERRED_TIGHT"
	OutputInferredWide     OutputType = "INFERRED_WIDE"
	OutputInferredNoAnchor OutputType = "INFERRED_NO_ANCHOR"
)

func AsOutputType(s string) (OutputType, error) {
	switch OutputType(s) {
	case OutputMeasured, OutputInferredTight, OutputInferredWide, OutputInferredNoAnchor:
		return OutputType(s), nil
	default:
		return "", fmt.Errorf("%w: unknown output type %q", ErrValidation, s)
	}
}

// Check is one output-specific condition evaluated on top of the base gate.
type Check struct {
	Name        string `json:"name"`
	Passed      bool   `json:"passed"`
	Reason      string `json:"reason,omitempty"`
	Remediation string `json:"remediation,omitempty"`
}

// GateDetails records every threshold the gate consulted and what it saw.
type GateDetails struct {
	MinDays              int      `json:"min_days"`
	DaysOfData           int      `json:"days_of_data"`
	SignalQuality        *float64 `json:"signal_quality"`
	AssumedQuality       bool     `json:"assumed_quality,omitempty"`
	TightThreshold       float64  `json:"tight_threshold"`
	WideThreshold        float64  `json:"wide_threshold"`
	AnyOutputThreshold   float64  `json:"any_output_threshold"`
	HasAnchor            bool     `json:"has_anchor"`
	AnchorRecencyDays    *int     `json:"anchor_recency_days"`
	TightAnchorMaxDays   int      `json:"tight_anchor_max_days"`
	WideAnchorMaxDays    int      `json:"wide_anchor_max_days"`
	RequiredTightAnchors []string `json:"required_tight_anchors,omitempty"`
	AnchorMandatory      bool     `json:"anchor_mandatory,omitempty"`
}

type GateDecision struct {
	Output      string      `json:"output"`
	Allowed     bool        `json:"allowed"`
	RangeWidth  RangeWidth  `json:"range_width"`
	Reasons     []string    `json:"reasons"`
	Remediation []string    `json:"remediation,omitempty"`
	Checks      []Check     `json:"checks,omitempty"`
	Details     GateDetails `json:"details"`
}

type Impact string

const (
	ImpactHigh   Impact = "high"
	ImpactMedium Impact = "medium"
	ImpactLow    Impact = "low"
)

type Driver struct {
	Component string  `json:"component"`
	Factor    string  `json:"factor"`
	Impact    Impact  `json:"impact"`
	Score     float64 `json:"score"`
}

// ComponentScore is one weighted term of the confidence sum.
type ComponentScore struct {
	Name         string   `json:"name"`
	Raw          *float64 `json:"raw"`
	Score        float64  `json:"score"`
	Weight       float64  `json:"weight"`
	Contribution float64  `json:"contribution"`
}

type ConfidenceBreakdown struct {
	Components     []ComponentScore `json:"components"`
	AlignmentBonus float64          `json:"alignment_bonus"`
	WeightedSum    float64          `json:"weighted_sum"`
	Ceiling        float64          `json:"ceiling"`
	Final          float64          `json:"final"`
}

type ConfidenceResult struct {
	Score           float64             `json:"score"`
	MaxAllowed      float64             `json:"max_allowed"`
	OutputType      OutputType          `json:"output_type"`
	Drivers         []Driver            `json:"drivers"`
	Recommendations []string            `json:"recommendations"`
	Breakdown       ConfidenceBreakdown `json:"breakdown"`
}
