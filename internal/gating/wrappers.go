package gating

import (
	"fmt"

	"github.com/mpataki/healthgate/internal/models"
)

const (
	OutputA1cEstimate        = "a1c_estimate"
	OutputGlucoseVariability = "glucose_variability"
	OutputBPEstimate         = "bp_estimate"
	OutputLipidTrend         = "lipid_trend"
	OutputLactateTrend       = "lactate_trend"
)

type A1cInput struct {
	DaysOfGlucoseData int
	SignalQuality     *float64
	HasAnchor         bool
	AnchorDaysOld     *int
	GlucoseCV         *float64
	Extra             []models.Check
}

func (e *Engine) CheckA1c(in A1cInput) (models.GateDecision, error) {
	var checks []models.Check
	if in.GlucoseCV != nil {
		cv := *in.GlucoseCV
		if cv > e.th.MaxGlucoseCV {
			checks = append(checks, models.Check{
				Name:        "glucose_stability",
				Reason:      fmt.Sprintf("Glucose CV %.2f is very high (unstable)", cv),
				Remediation: "Improve glucose stability with diet/medication management",
			})
		} else {
			checks = append(checks, models.Check{
				Name:   "glucose_stability",
				Passed: true,
				Reason: fmt.Sprintf("Glucose CV %.2f is acceptable", cv),
			})
		}
	}

	return e.CheckGate(Request{
		Output:            OutputA1cEstimate,
		DaysOfData:        in.DaysOfGlucoseData,
		SignalQuality:     in.SignalQuality,
		HasAnchor:         in.HasAnchor,
		AnchorRecencyDays: in.AnchorDaysOld,
		ExtraChecks:       append(checks, in.Extra...),
	})
}

type BPInput struct {
	DaysOfData    int
	SignalQuality *float64
	Readings      int
	SD            *float64
	Extra         []models.Check
}

// CheckBP treats manual readings as an anchor of fixed recency.
func (e *Engine) CheckBP(in BPInput) (models.GateDecision, error) {
	var checks []models.Check
	hasReadings := in.Readings > 0

	switch {
	case hasReadings && in.Readings < e.th.MinBPReadings:
		checks = append(checks, models.Check{
			Name:        "reading_count",
			Reason:      fmt.Sprintf("Only %d BP readings (need %d+ for reliability)", in.Readings, e.th.MinBPReadings),
			Remediation: "Take additional BP readings at different times of day",
		})
	case hasReadings:
		checks = append(checks, models.Check{
			Name:   "reading_count",
			Passed: true,
			Reason: fmt.Sprintf("%d BP readings available", in.Readings),
		})
	}

	if in.SD != nil && *in.SD > e.th.MaxBPSD {
		checks = append(checks, models.Check{
			Name:   "bp_stability",
			Passed: true,
			Reason: fmt.Sprintf("BP variability is high (%.1f mmHg SD)", *in.SD),
		})
	}

	var recency *int
	if hasReadings {
		d := e.th.BPReadingAnchorDays
		recency = &d
	}

	return e.CheckGate(Request{
		Output:            OutputBPEstimate,
		DaysOfData:        in.DaysOfData,
		SignalQuality:     in.SignalQuality,
		HasAnchor:         hasReadings,
		AnchorRecencyDays: recency,
		ExtraChecks:       append(checks, in.Extra...),
	})
}

type LipidTrendInput struct {
	DaysOfMonitoring int
	HasLipidPanel    bool
	PanelDaysOld     *int
	HasDietaryData   bool
	Extra            []models.Check
}

// CheckLipidTrend gates a trend that is not sensor based, so signal quality
// is left to the assumed default.
func (e *Engine) CheckLipidTrend(in LipidTrendInput) (models.GateDecision, error) {
	var checks []models.Check
	minDays := e.th.MinimumWindow(OutputLipidTrend)

	if in.DaysOfMonitoring < minDays {
		checks = append(checks, models.Check{
			Name:        "trend_window",
			Reason:      fmt.Sprintf("Lipid trends require %d+ days of data", minDays),
			Remediation: fmt.Sprintf("Continue monitoring for at least %d days", minDays),
		})
	}
	if !in.HasDietaryData {
		checks = append(checks, models.Check{
			Name:   "dietary_context",
			Passed: true,
			Reason: "No dietary data (limits interpretation of trends)",
		})
	}

	return e.CheckGate(Request{
		Output:            OutputLipidTrend,
		DaysOfData:        in.DaysOfMonitoring,
		HasAnchor:         in.HasLipidPanel,
		AnchorRecencyDays: in.PanelDaysOld,
		ExtraChecks:       append(checks, in.Extra...),
	})
}
