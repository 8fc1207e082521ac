package confidence

import (
	"fmt"
	"strings"

	"github.com/mpataki/healthgate/internal/models"
)

type band struct {
	high, medium float64
	text         [3]string
}

var driverBands = map[string]band{
	ComponentCompleteness:  {0.8, 0.6, [3]string{"Comprehensive data uploaded", "Good data coverage", "Limited data available"}},
	ComponentAnchor:        {0.8, 0.5, [3]string{"Recent lab results anchor estimate", "Some lab data available", "No recent lab anchors"}},
	ComponentRecency:       {0.8, 0.6, [3]string{"Very recent data", "Reasonably recent data", "Older data"}},
	ComponentSignalQuality: {0.8, 0.6, [3]string{"High sensor quality", "Adequate sensor quality", "Lower sensor quality"}},
	ComponentStability:     {0.8, 0.6, [3]string{"Stable signal patterns", "Moderately stable signal", "Unstable signal patterns"}},
}

func describe(c models.ComponentScore) models.Driver {
	b := driverBands[c.Name]
	d := models.Driver{Component: c.Name, Score: c.Score}
	switch {
	case c.Score >= b.high:
		d.Impact, d.Factor = models.ImpactHigh, b.text[0]
	case c.Score >= b.medium:
		d.Impact, d.Factor = models.ImpactMedium, b.text[1]
	default:
		d.Impact, d.Factor = models.ImpactLow, b.text[2]
	}
	return d
}

func drivers(cs []models.ComponentScore, bonus float64) []models.Driver {
	ranked := cs
	if bonus > 0.05 {
		ranked = append(append([]models.ComponentScore(nil), cs...), models.ComponentScore{Name: componentAlignment, Score: 0.9})
	}

	out := make([]models.Driver, 0, 3)
	for _, c := range byScore(ranked, true) {
		if len(out) == 3 {
			break
		}
		if c.Name == componentAlignment {
			out = append(out, models.Driver{Component: c.Name, Factor: "Multiple modalities agree", Impact: models.ImpactHigh, Score: c.Score})
			continue
		}
		out = append(out, describe(c))
	}
	return out
}

func (s *Scorer) recommendations(cs []models.ComponentScore, in Input) []string {
	recs := []string{}

	for _, c := range byScore(cs, false) {
		switch c.Name {
		case ComponentCompleteness:
			if c.Score >= 0.7 {
				continue
			}
			if items := in.Context.MissingItems; len(items) > 0 {
				if len(items) > 3 {
					items = items[:3]
				}
				recs = append(recs, fmt.Sprintf("Upload missing data: %s", strings.Join(items, ", ")))
			} else {
				recs = append(recs, "Upload additional specimen data (blood, urine, saliva)")
			}
		case ComponentAnchor:
			if c.Score >= 0.7 || in.OutputType == models.OutputMeasured {
				continue
			}
			anchor := in.Context.AnchorType
			if anchor == "" {
				anchor = "lab"
			}
			recs = append(recs, fmt.Sprintf("Upload recent %s results to improve accuracy", anchor))
		case ComponentRecency:
			if c.Score < 0.6 {
				recs = append(recs, "Add more recent data to improve timeliness")
			}
		case ComponentSignalQuality:
			if c.Score < 0.7 {
				recs = append(recs, "Ensure the continuous monitor has good contact and is properly calibrated")
			}
		case ComponentStability:
			if c.Score < 0.6 {
				recs = append(recs, "Keep the monitor in place to reduce signal instability")
			}
		}
	}

	if d := in.Context.DaysOfData; d != nil && *d < s.p.RecommendedDays {
		recs = append(recs, fmt.Sprintf("Collect more days of continuous monitoring (%d+ days recommended)", s.p.RecommendedDays))
	}

	if len(recs) > maxRecommendations {
		recs = recs[:maxRecommendations]
	}
	return recs
}
