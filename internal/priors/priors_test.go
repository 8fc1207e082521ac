package priors

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func mustDefault(t *testing.T) *Store {
	t.Helper()
	s, err := Default()
	if err != nil {
		t.Fatalf("Default: %v", err)
	}
	return s
}

func TestDefaultPackManifest(t *testing.T) {
	s := mustDefault(t)

	want := Manifest{Source: "NHANES", Version: "2017-2020", Schema: "priors_pack/v1"}
	if diff := cmp.Diff(want, s.Manifest()); diff != "" {
		t.Errorf("manifest mismatch (-want +got):\n%s", diff)
	}
	if len(s.Checksum()) != 64 {
		t.Errorf("expected hex sha256 checksum, got %q", s.Checksum())
	}
}

func TestPercentilesByAge(t *testing.T) {
	s := mustDefault(t)

	young, ok := s.Percentiles("resting_hr_bpm", 25, "F")
	if !ok {
		t.Fatal("expected young female stratum")
	}
	older, ok := s.Percentiles("resting_hr_bpm", 65, "f")
	if !ok {
		t.Fatal("expected older female stratum")
	}
	if older.P50 < young.P50 {
		t.Errorf("older p50 %v < younger p50 %v", older.P50, young.P50)
	}

	if _, ok := s.Percentiles("resting_hr_bpm", 35, "X"); ok {
		t.Error("unknown sex should not match")
	}
	if _, ok := s.Percentiles("no_such_metric", 35, "M"); ok {
		t.Error("unknown metric should not match")
	}
}

func TestPercentileRank(t *testing.T) {
	s := mustDefault(t)

	// resting_hr_bpm M 18-39: p25=61, p50=68
	cases := []struct {
		value float64
		want  float64
	}{
		{40, 5},
		{52, 5},
		{61, 25},
		{64.5, 37.5},
		{68, 50},
		{87, 95},
		{120, 95},
	}
	for _, c := range cases {
		got, ok := s.PercentileRank("resting_hr_bpm", c.value, 35, "M")
		if !ok {
			t.Fatalf("PercentileRank(%v): no prior", c.value)
		}
		if got != c.want {
			t.Errorf("PercentileRank(%v) = %v, want %v", c.value, got, c.want)
		}
	}
}

func TestValueAtPercentileInvertsRank(t *testing.T) {
	s := mustDefault(t)

	for _, pct := range []float64{5, 17.5, 50, 82.5, 95} {
		v, ok := s.ValueAtPercentile("systolic_bp_mmhg", pct, 45, "F")
		if !ok {
			t.Fatalf("ValueAtPercentile(%v): no prior", pct)
		}
		back, _ := s.PercentileRank("systolic_bp_mmhg", v, 45, "F")
		if diff := back - pct; diff > 1e-9 || diff < -1e-9 {
			t.Errorf("round trip at %v gave %v", pct, back)
		}
	}
}

func TestReferenceInterval(t *testing.T) {
	s := mustDefault(t)

	ref, ok := s.ReferenceInterval("Glucose", 35, "M", "")
	if !ok {
		t.Fatal("expected glucose interval via ALL fallback")
	}
	if ref.RefLow != 70 || ref.RefHigh != 100 || !ref.UnitsMatch {
		t.Errorf("unexpected glucose interval: %+v", ref)
	}

	male, _ := s.ReferenceInterval("hemoglobin", 35, "M", "")
	female, _ := s.ReferenceInterval("hemoglobin", 35, "F", "")
	if male.RefLow <= female.RefLow {
		t.Errorf("male hemoglobin low %v should exceed female %v", male.RefLow, female.RefLow)
	}

	ref, ok = s.ReferenceInterval("hdl-cholesterol", 50, "F", "mmol/L")
	if !ok {
		t.Fatal("expected normalized analyte lookup")
	}
	if ref.UnitsMatch {
		t.Error("expected units mismatch to be flagged")
	}
}

func TestValidate(t *testing.T) {
	s := mustDefault(t)

	cases := []struct {
		name    string
		analyte string
		value   float64
		units   string
		want    ValueStatus
		valid   bool
	}{
		{"normal", "glucose", 85, "mg/dL", StatusNormal, true},
		{"abnormal", "glucose", 110, "mg/dL", StatusAbnormal, true},
		{"critical", "glucose", 30, "mg/dL", StatusCritical, false},
		{"unit mismatch", "glucose", 5.5, "mmol/L", StatusUnitMismatch, false},
		{"unknown", "unobtainium", 1, "mg/dL", StatusUnknown, true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := s.Validate(c.analyte, c.value, c.units, 40, "M")
			if got.Status != c.want || got.Valid != c.valid {
				t.Errorf("got status=%s valid=%v, want %s/%v (%s)", got.Status, got.Valid, c.want, c.valid, got.Message)
			}
		})
	}
}

func TestConstantLookup(t *testing.T) {
	s := mustDefault(t)

	if got := s.Float("gating_thresholds.minimum_data_windows_days.a1c_estimate", 0); got != 30 {
		t.Errorf("a1c window = %v, want 30", got)
	}
	if got := s.Float("gating_thresholds.quality_thresholds.tight_range", 0); got != 0.85 {
		t.Errorf("tight threshold = %v, want 0.85", got)
	}
	if got := s.Float("gating_thresholds.nope", 7); got != 7 {
		t.Errorf("missing key should return default, got %v", got)
	}
	if _, ok := s.Constant("manifest.source.deeper"); ok {
		t.Error("walking into a scalar should fail")
	}
}

func TestThresholdFallback(t *testing.T) {
	g := mustDefault(t).GatingThresholds()

	if got := g.MinimumWindow("a1c_estimate"); got != 30 {
		t.Errorf("a1c window = %d", got)
	}
	if got := g.MinimumWindow("something_new"); got != 14 {
		t.Errorf("default window = %d", got)
	}
	if !g.IsAnchorMandatory("lipid_trend") || g.IsAnchorMandatory("a1c_estimate") {
		t.Error("anchor mandatory set mismatch")
	}
}

func TestParseRejectsInconsistentThresholds(t *testing.T) {
	bad := []byte(`
manifest: {source: X, version: "1"}
gating_thresholds:
  minimum_data_windows_days: {default: 14}
  quality_thresholds: {tight_range: 0.5, wide_range: 0.7, any_output: 0.3}
`)
	if _, err := Parse(bad); err == nil {
		t.Fatal("expected validation error")
	}
}
