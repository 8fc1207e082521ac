package report

import (
	"strings"
	"testing"
	"time"

	"github.com/mpataki/healthgate/internal/models"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestFormatTimeAgo(t *testing.T) {
	cases := []struct {
		ago  time.Duration
		want string
	}{
		{10 * time.Second, "just now"},
		{5 * time.Minute, "5m ago"},
		{3 * time.Hour, "3h ago"},
		{72 * time.Hour, "Feb 26"},
	}
	for _, c := range cases {
		if got := FormatTimeAgo(now.Add(-c.ago), now); got != c.want {
			t.Errorf("FormatTimeAgo(-%v) = %q, want %q", c.ago, got, c.want)
		}
	}
}

func TestTableModes(t *testing.T) {
	ascii := NewTable(ASCII)
	ascii.Header("Stream", "Days")
	ascii.Row("glucose", 30)
	if out := ascii.String(); !strings.Contains(out, "───") || !strings.Contains(out, "glucose") {
		t.Errorf("unexpected ASCII table:\n%s", out)
	}

	md := NewTable(Markdown)
	md.Header("Stream", "Days")
	md.Row("glucose", 30)
	if out := md.String(); !strings.Contains(out, "| Stream") || !strings.Contains(out, "---") {
		t.Errorf("unexpected Markdown table:\n%s", out)
	}
}

func TestAlignRightAndPercent(t *testing.T) {
	tb := NewTable(ASCII)
	tb.Header("Stream", "Count")
	tb.AlignRight(2)
	tb.Row("glucose", 5)
	if out := tb.String(); !strings.Contains(out, "│     5 │") {
		t.Errorf("count should be right-aligned:\n%s", out)
	}

	for _, c := range []struct {
		frac   float64
		digits int
		want   string
	}{
		{0.375, 1, "37.5%"},
		{1, 0, "100%"},
		{0, 1, "0.0%"},
	} {
		if got := percent(c.frac, c.digits); got != c.want {
			t.Errorf("percent(%v, %d) = %q, want %q", c.frac, c.digits, got, c.want)
		}
	}
}

func TestRuns(t *testing.T) {
	ms := int64(1500)
	runs := []*models.Run{
		{RunID: "0f8c2a1e-aaaa-bbbb", SubmissionID: "s1", Status: models.RunStatusCompleted, Trigger: models.TriggerRetry, Progress: 1, CreatedAt: now.Add(-2 * time.Minute), DurationMS: &ms},
		{RunID: "77d1e0b4-cccc-dddd", SubmissionID: "s1", Status: models.RunStatusFailed, Trigger: models.TriggerAuto, Superseded: true, CreatedAt: now.Add(-time.Hour)},
	}

	out := Runs(Markdown, runs, now)
	for _, want := range []string{"0f8c2a1e", "failed (superseded)", "2m ago", "1.5s", "100%"} {
		if !strings.Contains(out, want) {
			t.Errorf("runs table missing %q:\n%s", want, out)
		}
	}
}

func TestSummary(t *testing.T) {
	last := now.Add(-time.Hour)
	s := &models.Summary{
		RunID:        "run-1",
		SubmissionID: "s1",
		StreamCoverage: map[models.Stream]models.StreamCoverage{
			models.StreamGlucose: {DaysCovered: 30, MissingRate: 0.15, LastSeen: &last, QualityScore: 0.85},
			models.StreamLactate: {DaysCovered: 0, MissingRate: 1},
		},
		Gating: models.GatingSummary{EligibleForPartB: true, Reasons: []string{"All minimum data requirements met"}},
		Outputs: []models.OutputAssessment{{
			Output:     "a1c_estimate",
			Grade:      models.GradeB,
			Gate:       models.GateDecision{Allowed: true, RangeWidth: models.RangeTight},
			Confidence: models.ConfidenceResult{Score: 77.3, MaxAllowed: 85, OutputType: models.OutputInferredTight},
		}},
		AnchorStrengthByDomain: map[string]models.AnchorStrength{
			"metabolic": {Score: 0.5, Grade: models.GradeC, Count: 1, Reasons: []string{"Limited anchor coverage"}},
		},
		ConflictFlags: []models.ConflictFlag{{Analyte: "glucose", Sources: []string{"blood", "continuous_monitor"}, Values: []float64{160, 100}, Divergence: 0.375, Tolerance: 0.2}},
		SchemaVersion: models.SummarySchemaVersion,
	}

	out := Summary(ASCII, s)
	for _, want := range []string{"eligible for Part B", "All minimum data requirements met", "glucose", "77.3 / 85", "INFERRED_TIGHT", "Limited anchor coverage", "37.5%", "blood vs continuous_monitor"} {
		if !strings.Contains(out, want) {
			t.Errorf("summary missing %q:\n%s", want, out)
		}
	}
}
