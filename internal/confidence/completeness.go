package confidence

import "math"

type CompletenessInput struct {
	SpecimenCount         int
	ContinuousMonitorDays int
	VitalsCount           int
	IntakeCompleteness    float64
}

type CompletenessComponents struct {
	Specimens         float64 `json:"specimens"`
	ContinuousMonitor float64 `json:"continuous_monitor"`
	Vitals            float64 `json:"vitals"`
	IntakeForm        float64 `json:"intake_form"`
}

type Completeness struct {
	Score           float64                `json:"completeness_score"`
	Components      CompletenessComponents `json:"component_scores"`
	MissingCritical []string               `json:"missing_critical"`
}

// DataCompleteness aggregates the four weighted data sources into the
// completeness argument of Compute.
func (s *Scorer) DataCompleteness(in CompletenessInput) Completeness {
	w := s.p.CompletenessWeights
	tg := s.p.CompletenessTargets

	c := CompletenessComponents{
		Specimens:         ratio(float64(in.SpecimenCount), tg.Specimens),
		ContinuousMonitor: ratio(float64(in.ContinuousMonitorDays), tg.ContinuousMonitorDays),
		Vitals:            ratio(float64(in.VitalsCount), tg.Vitals),
		IntakeForm:        math.Max(0, math.Min(in.IntakeCompleteness, 1)),
	}

	score := c.Specimens*w.Specimens +
		c.ContinuousMonitor*w.ContinuousMonitor +
		c.Vitals*w.Vitals +
		c.IntakeForm*w.IntakeForm

	missing := []string{}
	if in.SpecimenCount == 0 {
		missing = append(missing, "Blood panel (CMP, CBC, or lipid)")
	}
	if in.ContinuousMonitorDays < 7 {
		missing = append(missing, "7+ days of continuous monitor data")
	}
	if in.VitalsCount == 0 {
		missing = append(missing, "Vital signs (BP, HR)")
	}
	if in.IntakeCompleteness < 0.5 {
		missing = append(missing, "Complete intake form (demographics, medical history)")
	}

	return Completeness{
		Score: round3(score),
		Components: CompletenessComponents{
			Specimens:         round3(c.Specimens),
			ContinuousMonitor: round3(c.ContinuousMonitor),
			Vitals:            round3(c.Vitals),
			IntakeForm:        round3(c.IntakeForm),
		},
		MissingCritical: missing,
	}
}

func ratio(n, target float64) float64 {
	if target <= 0 || n <= 0 {
		return 0
	}
	return math.Min(n/target, 1)
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}
