// Package gating decides whether a derived output may be produced and at
// what uncertainty-range width.
package gating

import (
	"fmt"
	"math"
	"strings"

	"github.com/mpataki/healthgate/internal/models"
	"github.com/mpataki/healthgate/internal/priors"
)

type Request struct {
	Output            string
	DaysOfData        int
	SignalQuality     *float64
	HasAnchor         bool
	AnchorRecencyDays *int
	ExtraChecks       []models.Check
}

type Engine struct {
	th priors.GatingThresholds
}

func NewEngine(th priors.GatingThresholds) *Engine {
	return &Engine{th: th}
}

func (e *Engine) MinimumWindow(output string) int {
	return e.th.MinimumWindow(output)
}

// QualityThreshold is the minimum signal quality for a range width.
// INSUFFICIENT maps to the any-output floor.
func (e *Engine) QualityThreshold(w models.RangeWidth) float64 {
	switch w {
	case models.RangeTight:
		return e.th.Quality.TightRange
	case models.RangeWide:
		return e.th.Quality.WideRange
	default:
		return e.th.Quality.AnyOutput
	}
}

func validateRequest(req Request) error {
	if strings.TrimSpace(req.Output) == "" {
		return fmt.Errorf("%w: output name is required", models.ErrValidation)
	}
	if req.DaysOfData < 0 {
		return fmt.Errorf("%w: days_of_data must be >= 0, got %d", models.ErrValidation, req.DaysOfData)
	}
	if q := req.SignalQuality; q != nil && (math.IsNaN(*q) || *q < 0 || *q > 1) {
		return fmt.Errorf("%w: signal_quality must be within [0,1], got %v", models.ErrValidation, *q)
	}
	if r := req.AnchorRecencyDays; r != nil && *r < 0 {
		return fmt.Errorf("%w: anchor_recency_days must be >= 0, got %d", models.ErrValidation, *r)
	}
	for _, c := range req.ExtraChecks {
		if c.Name == "" {
			return fmt.Errorf("%w: extra check without a name", models.ErrValidation)
		}
	}
	return nil
}

// CheckGate evaluates one output against the window, quality and anchor
// rules plus any caller-supplied checks.
func (e *Engine) CheckGate(req Request) (models.GateDecision, error) {
	if err := validateRequest(req); err != nil {
		return models.GateDecision{}, err
	}

	var reasons, remediation []string

	minDays := e.th.MinimumWindow(req.Output)
	required := e.th.RequiredTightAnchors[req.Output]
	mandatory := e.th.IsAnchorMandatory(req.Output)

	details := models.GateDetails{
		MinDays:              minDays,
		DaysOfData:           req.DaysOfData,
		TightThreshold:       e.th.Quality.TightRange,
		WideThreshold:        e.th.Quality.WideRange,
		AnyOutputThreshold:   e.th.Quality.AnyOutput,
		HasAnchor:            req.HasAnchor,
		AnchorRecencyDays:    req.AnchorRecencyDays,
		TightAnchorMaxDays:   e.th.AnchorRecency.Tight,
		WideAnchorMaxDays:    e.th.AnchorRecency.Wide,
		RequiredTightAnchors: required,
		AnchorMandatory:      mandatory,
	}

	windowOK := req.DaysOfData >= minDays
	if !windowOK {
		reasons = append(reasons, fmt.Sprintf("Insufficient data: %d days (need %d+)", req.DaysOfData, minDays))
		remediation = append(remediation, fmt.Sprintf("Collect at least %d days of continuous data", minDays))
	}

	quality := e.th.AssumedSignalQuality
	qualityOK := true
	if req.SignalQuality != nil {
		quality = *req.SignalQuality
		if quality < e.th.Quality.AnyOutput {
			qualityOK = false
			reasons = append(reasons, fmt.Sprintf("Signal quality too low: %.2f (need %.2f+)", quality, e.th.Quality.AnyOutput))
			remediation = append(remediation, "Improve sensor contact and calibration")
		}
	} else {
		details.AssumedQuality = true
	}
	details.SignalQuality = &quality

	tightAnchor, wideAnchor := false, false
	switch {
	case req.HasAnchor && req.AnchorRecencyDays != nil && *req.AnchorRecencyDays <= e.th.AnchorRecency.Tight:
		tightAnchor, wideAnchor = true, true
		reasons = append(reasons, fmt.Sprintf("Recent anchor data available (%d days old)", *req.AnchorRecencyDays))
	case req.HasAnchor && req.AnchorRecencyDays != nil && *req.AnchorRecencyDays <= e.th.AnchorRecency.Wide:
		wideAnchor = true
		reasons = append(reasons, fmt.Sprintf("Moderately recent anchor data (%d days old)", *req.AnchorRecencyDays))
	case req.HasAnchor:
		reasons = append(reasons, fmt.Sprintf("Anchor data is stale (>%d days old)", e.th.AnchorRecency.Wide))
		remediation = append(remediation, "Upload recent lab results")
	case len(required) > 0:
		reasons = append(reasons, fmt.Sprintf("No anchor data available (need: %s)", strings.Join(required, ", ")))
		remediation = append(remediation, fmt.Sprintf("Upload %s for tight range", required[0]))
	}

	anchorOK := true
	if mandatory && !wideAnchor {
		anchorOK = false
		reasons = append(reasons, fmt.Sprintf("%s requires an anchor no older than %d days", req.Output, e.th.AnchorRecency.Wide))
		if !req.HasAnchor && len(required) == 0 {
			remediation = append(remediation, "Upload recent lab results")
		}
	}

	checksOK := true
	for _, c := range req.ExtraChecks {
		if c.Reason != "" {
			reasons = append(reasons, fmt.Sprintf("%s: %s", c.Name, c.Reason))
		}
		if c.Passed {
			continue
		}
		checksOK = false
		if c.Remediation != "" {
			remediation = append(remediation, c.Remediation)
		} else {
			remediation = append(remediation, fmt.Sprintf("Resolve failed check: %s", c.Name))
		}
	}

	allowed := windowOK && qualityOK && anchorOK && checksOK
	width := models.RangeInsufficient

	switch {
	case !allowed:
	case quality >= e.th.Quality.TightRange && (tightAnchor || len(required) == 0):
		width = models.RangeTight
		reasons = append(reasons, "High-quality data enables tight range estimate")
	case quality >= e.th.Quality.WideRange:
		width = models.RangeWide
		reasons = append(reasons, "Moderate-quality data enables wide range estimate")
	default:
		allowed = false
		reasons = append(reasons, fmt.Sprintf("Signal quality %.2f is below the wide-range threshold %.2f", quality, e.th.Quality.WideRange))
		remediation = append(remediation, "Improve sensor contact and calibration")
	}

	if allowed {
		remediation = nil
	}

	return models.GateDecision{
		Output:      req.Output,
		Allowed:     allowed,
		RangeWidth:  width,
		Reasons:     reasons,
		Remediation: remediation,
		Checks:      req.ExtraChecks,
		Details:     details,
	}, nil
}
