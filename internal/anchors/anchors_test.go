package anchors

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/mpataki/healthgate/internal/models"
	"github.com/mpataki/healthgate/internal/priors"
)

var ref = time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)

func TestDomainOf(t *testing.T) {
	cases := map[string]Domain{
		"Glucose":         DomainMetabolic,
		"HbA1c":           DomainMetabolic,
		"LDL Cholesterol": DomainCardio,
		"triglycerides":   DomainCardio,
		"eGFR":            DomainRenal,
		"hs-CRP":          DomainInflammation,
		"Vitamin D":       DomainNutrition,
		"ferritin":        DomainOther,
		"serum iron":      DomainNutrition,
		"hemoglobin":      DomainOther,
	}
	for name, want := range cases {
		if got := DomainOf(name); got != want {
			t.Errorf("DomainOf(%q) = %s, want %s", name, got, want)
		}
	}
}

func TestGradeTable(t *testing.T) {
	cases := []struct {
		count int
		score float64
		grade models.Grade
	}{
		{0, 0.2, models.GradeD},
		{1, 0.5, models.GradeC},
		{2, 0.7, models.GradeB},
		{3, 0.9, models.GradeA},
		{7, 0.9, models.GradeA},
	}
	for _, c := range cases {
		got := Grade(c.count)
		if got.Score != c.score || got.Grade != c.grade {
			t.Errorf("Grade(%d) = %+v", c.count, got)
		}
	}
}

func TestClassify(t *testing.T) {
	analytes := []models.Analyte{
		{Name: "glucose", Value: 92, Source: "blood", CollectedAt: ref.Add(-20 * 24 * time.Hour)},
		{Name: "glucose", Value: 100, Source: SourceContinuousMonitor, CollectedAt: ref},
		{Name: "ldl_cholesterol", Value: 110, Source: "blood", CollectedAt: ref.Add(-40 * 24 * time.Hour)},
		{Name: "hdl_cholesterol", Value: 55, Source: "blood", CollectedAt: ref.Add(-41 * 24 * time.Hour)},
	}

	r := NewClassifier().Classify(analytes)

	got := map[Domain]models.Grade{}
	for d, s := range r.Strength {
		got[d] = s.Grade
	}
	want := map[Domain]models.Grade{
		DomainMetabolic:    models.GradeC,
		DomainCardio:       models.GradeB,
		DomainRenal:        models.GradeD,
		DomainInflammation: models.GradeD,
		DomainNutrition:    models.GradeD,
		DomainOther:        models.GradeD,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("grades mismatch (-want +got):\n%s", diff)
	}

	days, ok := r.RecencyDays(DomainMetabolic, ref)
	if !ok || days != 20 {
		t.Errorf("metabolic recency = %d, %v; want 20", days, ok)
	}
	days, ok = r.RecencyDays(DomainCardio, ref)
	if !ok || days != 40 {
		t.Errorf("cardio recency = %d, %v; want 40", days, ok)
	}
	if _, ok := r.RecencyDays(DomainRenal, ref); ok {
		t.Error("renal should have no anchor")
	}
}

func newDetector(t *testing.T) *ConflictDetector {
	t.Helper()
	p, err := priors.Default()
	if err != nil {
		t.Fatalf("priors.Default: %v", err)
	}
	return NewConflictDetector(p.Conflicts())
}

func TestDetectCrossSourceConflict(t *testing.T) {
	var analytes []models.Analyte
	for k := 0; k < 12; k++ {
		analytes = append(analytes, models.Analyte{
			Name:        "glucose",
			Value:       100 + float64(k),
			Source:      SourceContinuousMonitor,
			CollectedAt: ref.Add(time.Duration(k-6) * 15 * time.Minute),
		})
	}
	analytes = append(analytes,
		models.Analyte{Name: "Glucose", Value: 160, Source: "blood", CollectedAt: ref},
		models.Analyte{Name: "creatinine", Value: 1.0, Source: "blood", CollectedAt: ref},
		models.Analyte{Name: "creatinine", Value: 1.05, Source: "urine", CollectedAt: ref},
	)

	got := newDetector(t).Detect(analytes)

	want := []models.ConflictFlag{{
		Analyte:    "glucose",
		Sources:    []string{"blood", SourceContinuousMonitor},
		Values:     []float64{160, 100},
		Divergence: 0.375,
		Tolerance:  0.20,
		ObservedAt: []time.Time{ref, ref.Add(-90 * time.Minute)},
	}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("conflicts mismatch (-want +got):\n%s", diff)
	}
}

func TestDetectIgnoresDistantReadings(t *testing.T) {
	analytes := []models.Analyte{
		{Name: "glucose", Value: 250, Source: "blood", CollectedAt: ref},
		{Name: "glucose", Value: 90, Source: SourceContinuousMonitor, CollectedAt: ref.Add(5 * time.Hour)},
		{Name: "glucose", Value: 90, Source: "blood", CollectedAt: ref.Add(10 * time.Minute)},
	}
	if got := newDetector(t).Detect(analytes); len(got) != 0 {
		t.Errorf("expected no conflicts, got %+v", got)
	}
}

func TestDetectEmpty(t *testing.T) {
	got := newDetector(t).Detect(nil)
	if got == nil || len(got) != 0 {
		t.Errorf("expected empty non-nil slice, got %#v", got)
	}
}
