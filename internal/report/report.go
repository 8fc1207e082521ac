package report

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/mpataki/healthgate/internal/models"
)

// FormatTimeAgo renders t relative to now for list views.
func FormatTimeAgo(t, now time.Time) string {
	d := now.Sub(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return t.Format("Jan 2")
	}
}

// ShortID keeps the first block of a UUID.
func ShortID(id string) string {
	if i := strings.IndexByte(id, '-'); i > 0 {
		return id[:i]
	}
	return id
}

func Mark(v bool) string {
	if v {
		return "✓"
	}
	return "✗"
}

func duration(ms *int64) string {
	if ms == nil {
		return "-"
	}
	return (time.Duration(*ms) * time.Millisecond).String()
}

func Runs(m Mode, runs []*models.Run, now time.Time) string {
	t := NewTable(m)
	t.Header("Run", "Submission", "Status", "Trigger", "Current", "Progress", "Created", "Duration")
	t.AlignRight(6, 8)

	for _, r := range runs {
		status := string(r.Status)
		if r.Superseded {
			status += " (superseded)"
		}
		t.Row(ShortID(r.RunID), r.SubmissionID, status, r.Trigger, Mark(r.Current()),
			percent(r.Progress, 0), FormatTimeAgo(r.CreatedAt, now), duration(r.DurationMS))
	}
	t.Footer("", "", "", "", "", "", "TOTAL", len(runs))
	return t.String()
}

// Status renders a single run in key/value form.
func Status(m Mode, r *models.Run) string {
	t := NewTable(m)
	t.Header("Field", "Value")
	t.Row("run_id", r.RunID)
	t.Row("submission_id", r.SubmissionID)
	t.Row("status", r.Status)
	t.Row("trigger", r.Trigger)
	t.Row("progress", percent(r.Progress, 0))
	t.Row("created_at", r.CreatedAt.Format(time.RFC3339))
	if r.StartedAt != nil {
		t.Row("started_at", r.StartedAt.Format(time.RFC3339))
	}
	if r.CompletedAt != nil {
		t.Row("completed_at", r.CompletedAt.Format(time.RFC3339))
	}
	t.Row("duration", duration(r.DurationMS))
	if r.ErrorMessage != "" {
		t.Row("error", r.ErrorMessage)
	}
	return t.String()
}

func Coverage(m Mode, s *models.Summary) string {
	t := NewTable(m)
	t.Title("Stream coverage")
	t.Header("Stream", "Days", "Missing", "Quality", "Last seen")
	t.AlignRight(2, 3, 4)

	for _, stream := range models.Streams {
		c, ok := s.StreamCoverage[stream]
		if !ok {
			continue
		}
		last := "-"
		if c.LastSeen != nil {
			last = c.LastSeen.Format("2006-01-02 15:04")
		}
		t.Row(stream, c.DaysCovered, percent(c.MissingRate, 1), fmt.Sprintf("%.2f", c.QualityScore), last)
	}
	return t.String()
}

func Outputs(m Mode, s *models.Summary) string {
	t := NewTable(m)
	t.Title("Outputs")
	t.Header("Output", "Allowed", "Range", "Type", "Confidence", "Grade")
	t.AlignRight(5)

	for _, o := range s.Outputs {
		t.Row(o.Output, Mark(o.Gate.Allowed), o.Gate.RangeWidth, o.Confidence.OutputType,
			fmt.Sprintf("%.1f / %.0f", o.Confidence.Score, o.Confidence.MaxAllowed), o.Grade)
	}
	d := s.ConfidenceDistribution
	t.Footer("", "", "", "", "A/B/C/D", fmt.Sprintf("%d/%d/%d/%d", d.A, d.B, d.C, d.D))
	return t.String()
}

func Anchors(m Mode, s *models.Summary) string {
	domains := make([]string, 0, len(s.AnchorStrengthByDomain))
	for d := range s.AnchorStrengthByDomain {
		domains = append(domains, d)
	}
	sort.Strings(domains)

	t := NewTable(m)
	t.Title("Anchor strength")
	t.Header("Domain", "Anchors", "Score", "Grade", "Reason")
	for _, d := range domains {
		a := s.AnchorStrengthByDomain[d]
		t.Row(d, a.Count, fmt.Sprintf("%.1f", a.Score), a.Grade, strings.Join(a.Reasons, "; "))
	}
	return t.String()
}

func Conflicts(m Mode, s *models.Summary) string {
	t := NewTable(m)
	t.Title("Conflicts")
	t.Header("Analyte", "Sources", "Values", "Divergence", "Tolerance")
	for _, c := range s.ConflictFlags {
		vals := make([]string, len(c.Values))
		for i, v := range c.Values {
			vals[i] = fmt.Sprintf("%g", v)
		}
		t.Row(c.Analyte, strings.Join(c.Sources, " vs "), strings.Join(vals, " vs "),
			percent(c.Divergence, 1), percent(c.Tolerance, 0))
	}
	return t.String()
}

// Summary renders every section of a summary, separated by blank lines.
func Summary(m Mode, s *models.Summary) string {
	var b strings.Builder

	eligible := "not eligible"
	if s.Gating.EligibleForPartB {
		eligible = "eligible"
	}
	fmt.Fprintf(&b, "Run %s for %s: %s for Part B (schema %s, priors %s %s)\n",
		s.RunID, s.SubmissionID, eligible, s.SchemaVersion, s.PriorsUsed.Source, s.PriorsUsed.Version)
	for _, r := range s.Gating.Reasons {
		fmt.Fprintf(&b, "  - %s\n", r)
	}
	b.WriteString("\n")

	b.WriteString(Coverage(m, s))
	b.WriteString("\n\n")
	b.WriteString(Outputs(m, s))
	b.WriteString("\n\n")
	b.WriteString(Anchors(m, s))
	if len(s.ConflictFlags) > 0 {
		b.WriteString("\n\n")
		b.WriteString(Conflicts(m, s))
	}
	if len(s.DerivedFeatures) > 0 {
		t := NewTable(m)
		t.Title("Derived features")
		t.Header("Feature", "Value", "Unit")
		for _, f := range s.DerivedFeatures {
			t.Row(f.Name, f.Value, f.Unit)
		}
		b.WriteString("\n\n")
		b.WriteString(t.String())
	}
	b.WriteString("\n")
	return b.String()
}

func Gate(m Mode, d models.GateDecision) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: allowed=%v range=%s\n", d.Output, d.Allowed, d.RangeWidth)

	t := NewTable(m)
	t.Header("Check", "Passed", "Reason")
	for _, c := range d.Checks {
		t.Row(c.Name, Mark(c.Passed), c.Reason)
	}
	for _, r := range d.Reasons {
		t.Row("gate", "", r)
	}
	b.WriteString(t.String())
	b.WriteString("\n")

	for _, r := range d.Remediation {
		fmt.Fprintf(&b, "  -> %s\n", r)
	}
	return b.String()
}

func Confidence(m Mode, r models.ConfidenceResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Confidence %.1f%% (ceiling %.0f for %s)\n", r.Score, r.MaxAllowed, r.OutputType)

	t := NewTable(m)
	t.Header("Component", "Score", "Weight", "Contribution")
	t.AlignRight(2, 3, 4)
	for _, c := range r.Breakdown.Components {
		t.Row(c.Name, fmt.Sprintf("%.3f", c.Score), fmt.Sprintf("%.2f", c.Weight), fmt.Sprintf("%.3f", c.Contribution))
	}
	if r.Breakdown.AlignmentBonus > 0 {
		t.Row("alignment bonus", "", "", fmt.Sprintf("%.3f", r.Breakdown.AlignmentBonus))
	}
	t.Footer("total", "", "", fmt.Sprintf("%.3f", r.Breakdown.Final))
	b.WriteString(t.String())
	b.WriteString("\n")

	for _, d := range r.Drivers {
		fmt.Fprintf(&b, "  [%s] %s\n", d.Impact, d.Factor)
	}
	for _, rec := range r.Recommendations {
		fmt.Fprintf(&b, "  -> %s\n", rec)
	}
	return b.String()
}
