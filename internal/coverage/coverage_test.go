package coverage

import (
	"math"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/mpataki/healthgate/internal/models"
)

var t0 = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

func glucosePoints(days int, skip func(i int) bool) []models.StreamPoint {
	var pts []models.StreamPoint
	for i := 0; i < days*96; i++ {
		if skip != nil && skip(i) {
			continue
		}
		pts = append(pts, models.StreamPoint{
			Stream:    models.StreamGlucose,
			Metric:    "glucose",
			Timestamp: t0.Add(time.Duration(i) * 15 * time.Minute),
			Value:     100,
		})
	}
	return pts
}

func TestEmptyStreamSentinel(t *testing.T) {
	got := NewAnalyzer().Analyze(nil, nil)

	want := models.StreamCoverage{DaysCovered: 0, MissingRate: 1.0, LastSeen: nil, QualityScore: 0.0}
	for _, s := range models.Streams {
		r, ok := got[s]
		if !ok {
			t.Fatalf("stream %s missing from result", s)
		}
		if diff := cmp.Diff(want, r.StreamCoverage); diff != "" {
			t.Errorf("%s sentinel mismatch (-want +got):\n%s", s, diff)
		}
	}
}

func TestCadenceOverride(t *testing.T) {
	pts := glucosePoints(30, func(i int) bool { return i%2 == 1 })

	a := NewAnalyzerWithCadence(map[models.Stream]float64{
		models.StreamGlucose: 48,
		models.StreamVitals:  0,
	})
	r := a.Analyze(pts, nil)[models.StreamGlucose]
	if r.Expected != 1440 || r.Observed != 1440 || r.MissingRate != 0 {
		t.Errorf("expected/observed/missing = %d/%d/%v", r.Expected, r.Observed, r.MissingRate)
	}

	// non-positive cadences keep the default
	if got := a.cadence[models.StreamVitals]; got != DefaultCadence[models.StreamVitals] {
		t.Errorf("vitals cadence = %v", got)
	}
}

func TestGlucoseCoverage(t *testing.T) {
	pts := glucosePoints(30, func(i int) bool {
		m := i % 20
		return m == 5 || m == 10 || m == 15
	})

	r := NewAnalyzer().Analyze(pts, nil)[models.StreamGlucose]

	if r.DaysCovered != 30 {
		t.Errorf("days_covered = %d, want 30", r.DaysCovered)
	}
	if r.Expected != 2880 || r.Observed != 2448 {
		t.Errorf("expected/observed = %d/%d", r.Expected, r.Observed)
	}
	if math.Abs(r.QualityScore-0.85) > 1e-9 {
		t.Errorf("quality = %v, want 0.85", r.QualityScore)
	}
	if math.Abs(r.MissingRate-0.15) > 1e-9 {
		t.Errorf("missing = %v, want 0.15", r.MissingRate)
	}
	wantLast := t0.Add(2879 * 15 * time.Minute)
	if r.LastSeen == nil || !r.LastSeen.Equal(wantLast) {
		t.Errorf("last_seen = %v, want %v", r.LastSeen, wantLast)
	}
}

func TestNoisePenalisesQuality(t *testing.T) {
	pts := glucosePoints(1, nil)
	for i := range pts {
		if i%4 == 0 {
			pts[i].Noisy = true
		}
	}

	r := NewAnalyzer().Analyze(pts, nil)[models.StreamGlucose]
	if r.MissingRate != 0 {
		t.Errorf("missing = %v, want 0", r.MissingRate)
	}
	if math.Abs(r.QualityScore-0.75) > 1e-9 {
		t.Errorf("quality = %v, want 0.75", r.QualityScore)
	}
}

func TestOversampledStreamClamps(t *testing.T) {
	var pts []models.StreamPoint
	for i := 0; i < 5; i++ {
		pts = append(pts, models.StreamPoint{Stream: models.StreamVitals, Metric: "hr", Timestamp: t0.Add(time.Duration(i) * time.Hour), Value: 60})
	}

	r := NewAnalyzer().Analyze(pts, nil)[models.StreamVitals]
	if r.DaysCovered != 1 || r.MissingRate != 0 || r.QualityScore != 1 {
		t.Errorf("unexpected clamp result: %+v", r.StreamCoverage)
	}
}

func TestVitalsChannelsShareTimestamps(t *testing.T) {
	var pts []models.StreamPoint
	for d := 0; d < 10; d++ {
		ts := t0.Add(time.Duration(d) * 24 * time.Hour)
		pts = append(pts,
			models.StreamPoint{Stream: models.StreamVitals, Metric: "sbp", Timestamp: ts, Value: 120},
			models.StreamPoint{Stream: models.StreamVitals, Metric: "dbp", Timestamp: ts, Value: 80},
		)
	}

	r := NewAnalyzer().Analyze(pts, nil)[models.StreamVitals]
	if r.Observed != 10 || r.DaysCovered != 10 || r.QualityScore != 1 {
		t.Errorf("unexpected vitals coverage: observed=%d %+v", r.Observed, r.StreamCoverage)
	}
}

func TestLabsFromAnalytes(t *testing.T) {
	analytes := []models.Analyte{
		{Name: "glucose", Value: 95, Source: "blood", CollectedAt: t0},
		{Name: "hba1c", Value: 5.4, Source: "blood", CollectedAt: t0},
	}
	pts := []models.StreamPoint{{Stream: "telemetry", Timestamp: t0, Value: 1}}

	got := NewAnalyzer().Analyze(pts, analytes)
	labs := got[models.StreamLabs]
	if labs.DaysCovered != 1 || labs.Observed != 1 || labs.QualityScore != 1 {
		t.Errorf("unexpected labs coverage: %+v", labs)
	}
	if _, ok := got["telemetry"]; ok {
		t.Error("unknown stream should be ignored")
	}
}

func TestCoefficientOfVariation(t *testing.T) {
	if _, ok := CoefficientOfVariation(nil); ok {
		t.Error("empty CV should be undefined")
	}
	cv, ok := CoefficientOfVariation([]float64{90, 110})
	if !ok || math.Abs(cv-0.1) > 1e-9 {
		t.Errorf("cv = %v, %v", cv, ok)
	}
}
