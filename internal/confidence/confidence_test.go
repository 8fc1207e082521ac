package confidence

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/mpataki/healthgate/internal/models"
	"github.com/mpataki/healthgate/internal/priors"
)

func f(v float64) *float64 { return &v }

func newScorer(t *testing.T) *Scorer {
	t.Helper()
	p, err := priors.Default()
	if err != nil {
		t.Fatalf("priors.Default: %v", err)
	}
	return NewScorer(p.ConfidenceParameters())
}

func mustCompute(t *testing.T, s *Scorer, in Input) models.ConfidenceResult {
	t.Helper()
	r, err := s.Compute(in)
	if err != nil {
		t.Fatalf("Compute(%+v): %v", in, err)
	}
	return r
}

var outputTypes = []models.OutputType{
	models.OutputMeasured,
	models.OutputInferredTight,
	models.OutputInferredWide,
	models.OutputInferredNoAnchor,
}

func TestCeilingInvariant(t *testing.T) {
	s := newScorer(t)
	ceilings := map[models.OutputType]float64{
		models.OutputMeasured:         95,
		models.OutputInferredTight:    85,
		models.OutputInferredWide:     70,
		models.OutputInferredNoAnchor: 55,
	}
	grid := []float64{0, 0.25, 0.5, 0.75, 1}

	for _, ot := range outputTypes {
		var best float64
		for _, c := range grid {
			for _, a := range grid {
				for _, q := range grid {
					for _, al := range grid {
						r := mustCompute(t, s, Input{
							OutputType:        ot,
							Completeness:      c,
							AnchorQuality:     a,
							RecencyDays:       f(0),
							SignalQuality:     f(q),
							SignalStability:   f(1),
							ModalityAlignment: f(al),
						})
						if r.Score < 0 || r.Score > 100 || r.Score > ceilings[ot] {
							t.Fatalf("%s: score %v escapes ceiling %v", ot, r.Score, ceilings[ot])
						}
						if r.Score > best {
							best = r.Score
						}
					}
				}
			}
		}
		if best != ceilings[ot] {
			t.Errorf("%s: best score %v should reach ceiling %v", ot, best, ceilings[ot])
		}
	}
}

func TestMonotonicity(t *testing.T) {
	s := newScorer(t)
	base := Input{
		OutputType:      models.OutputInferredWide,
		Completeness:    0.5,
		AnchorQuality:   0.5,
		RecencyDays:     f(45),
		SignalQuality:   f(0.5),
		SignalStability: f(0.5),
	}
	set := map[string]func(in *Input, v float64){
		"completeness":   func(in *Input, v float64) { in.Completeness = v },
		"anchor_quality": func(in *Input, v float64) { in.AnchorQuality = v },
		"signal_quality": func(in *Input, v float64) { in.SignalQuality = f(v) },
	}

	for name, apply := range set {
		t.Run(name, func(t *testing.T) {
			prev := -1.0
			for step := 0; step <= 20; step++ {
				in := base
				apply(&in, float64(step)/20)
				got := mustCompute(t, s, in).Score
				if got < prev {
					t.Fatalf("score decreased from %v to %v at %v", prev, got, float64(step)/20)
				}
				prev = got
			}
		})
	}
}

func TestEndToEndTightScore(t *testing.T) {
	s := newScorer(t)
	r := mustCompute(t, s, Input{
		OutputType:      models.OutputInferredTight,
		Completeness:    0.76,
		AnchorQuality:   0.5,
		RecencyDays:     f(20),
		SignalQuality:   f(0.85),
		SignalStability: f(1),
	})

	if r.Score != 77.3 {
		t.Errorf("score = %v, want 77.3", r.Score)
	}
	if r.MaxAllowed != 85 {
		t.Errorf("ceiling = %v", r.MaxAllowed)
	}
	if len(r.Breakdown.Components) != 5 {
		t.Errorf("breakdown should list every component: %+v", r.Breakdown.Components)
	}
}

func TestMeasuredIsSelfAnchoring(t *testing.T) {
	s := newScorer(t)
	r := mustCompute(t, s, Input{OutputType: models.OutputMeasured, Completeness: 0.5, AnchorQuality: 0})
	for _, c := range r.Breakdown.Components {
		if c.Name == ComponentAnchor && c.Score != 1 {
			t.Errorf("anchor score = %v, want 1", c.Score)
		}
	}
	for _, rec := range r.Recommendations {
		if rec == "Upload recent lab results to improve accuracy" {
			t.Error("measured outputs should not ask for anchors")
		}
	}
}

func TestTieOrderingIsAlphabetical(t *testing.T) {
	s := newScorer(t)
	in := Input{
		OutputType:      models.OutputInferredNoAnchor,
		Completeness:    0.5,
		AnchorQuality:   0.5,
		SignalQuality:   f(0.5),
		SignalStability: f(0.5),
	}
	r := mustCompute(t, s, in)

	wantRecs := []string{
		"Upload recent lab results to improve accuracy",
		"Upload additional specimen data (blood, urine, saliva)",
		"Add more recent data to improve timeliness",
		"Ensure the continuous monitor has good contact and is properly calibrated",
	}
	if diff := cmp.Diff(wantRecs, r.Recommendations); diff != "" {
		t.Errorf("recommendations mismatch (-want +got):\n%s", diff)
	}

	wantDrivers := []models.Driver{
		{Component: "anchor", Factor: "Some lab data available", Impact: models.ImpactMedium, Score: 0.5},
		{Component: "completeness", Factor: "Limited data available", Impact: models.ImpactLow, Score: 0.5},
		{Component: "recency", Factor: "Older data", Impact: models.ImpactLow, Score: 0.5},
	}
	if diff := cmp.Diff(wantDrivers, r.Drivers); diff != "" {
		t.Errorf("drivers mismatch (-want +got):\n%s", diff)
	}

	again := mustCompute(t, s, in)
	if diff := cmp.Diff(r, again); diff != "" {
		t.Errorf("compute is not deterministic:\n%s", diff)
	}
}

func TestRecommendationContext(t *testing.T) {
	s := newScorer(t)
	days := 5
	r := mustCompute(t, s, Input{
		OutputType:    models.OutputInferredWide,
		Completeness:  0.2,
		AnchorQuality: 0.9,
		RecencyDays:   f(1),
		SignalQuality: f(0.95),
		Context: Context{
			MissingItems: []string{"a", "b", "c", "d"},
			DaysOfData:   &days,
		},
	})

	want := []string{
		"Upload missing data: a, b, c",
		"Collect more days of continuous monitoring (14+ days recommended)",
	}
	if diff := cmp.Diff(want, r.Recommendations); diff != "" {
		t.Errorf("recommendations mismatch (-want +got):\n%s", diff)
	}
}

func TestAlignmentDriver(t *testing.T) {
	s := newScorer(t)
	r := mustCompute(t, s, Input{
		OutputType:        models.OutputInferredTight,
		Completeness:      0.3,
		AnchorQuality:     0.3,
		SignalQuality:     f(0.3),
		SignalStability:   f(0.3),
		ModalityAlignment: f(1),
	})
	if r.Drivers[0].Component != "alignment" {
		t.Errorf("alignment should lead drivers: %+v", r.Drivers)
	}
	if r.Breakdown.AlignmentBonus != 0.1 {
		t.Errorf("bonus = %v", r.Breakdown.AlignmentBonus)
	}
}

func TestComputeValidation(t *testing.T) {
	s := newScorer(t)
	bad := []Input{
		{OutputType: "GUESSED", Completeness: 0.5, AnchorQuality: 0.5},
		{OutputType: models.OutputInferredWide, Completeness: 1.5, AnchorQuality: 0.5},
		{OutputType: models.OutputInferredWide, Completeness: 0.5, AnchorQuality: -0.1},
		{OutputType: models.OutputInferredWide, Completeness: 0.5, AnchorQuality: 0.5, RecencyDays: f(-1)},
		{OutputType: models.OutputInferredWide, Completeness: 0.5, AnchorQuality: 0.5, SignalStability: f(2)},
	}
	for _, in := range bad {
		if _, err := s.Compute(in); !errors.Is(err, models.ErrValidation) {
			t.Errorf("Compute(%+v): expected ErrValidation, got %v", in, err)
		}
	}
}

func TestInsufficientIsZero(t *testing.T) {
	s := newScorer(t)
	r, err := s.Insufficient(models.OutputInferredTight, []string{"a", "b", "c", "d", "e"})
	if err != nil {
		t.Fatal(err)
	}
	if r.Score != 0 || len(r.Recommendations) != 4 {
		t.Errorf("unexpected insufficient result: %+v", r)
	}
}

func TestDataCompleteness(t *testing.T) {
	s := newScorer(t)

	got := s.DataCompleteness(CompletenessInput{SpecimenCount: 1, ContinuousMonitorDays: 30, VitalsCount: 10, IntakeCompleteness: 0.8})
	want := Completeness{
		Score:           0.76,
		Components:      CompletenessComponents{Specimens: 0.333, ContinuousMonitor: 1, Vitals: 1, IntakeForm: 0.8},
		MissingCritical: []string{},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("completeness mismatch (-want +got):\n%s", diff)
	}

	empty := s.DataCompleteness(CompletenessInput{})
	if empty.Score != 0 || len(empty.MissingCritical) != 4 {
		t.Errorf("unexpected empty completeness: %+v", empty)
	}
}
