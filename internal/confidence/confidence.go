// Package confidence turns data-quality signals into a bounded confidence
// percentage with output-type ceilings.
package confidence

import (
	"fmt"
	"math"
	"sort"

	"github.com/mpataki/healthgate/internal/models"
	"github.com/mpataki/healthgate/internal/priors"
)

const maxRecommendations = 4

// Component names, also the tie-break order for drivers and recommendations.
const (
	ComponentAnchor        = "anchor"
	ComponentCompleteness  = "completeness"
	ComponentRecency       = "recency"
	ComponentSignalQuality = "signal_quality"
	ComponentStability     = "stability"
	componentAlignment     = "alignment"
)

type Context struct {
	MissingItems []string
	AnchorType   string
	DaysOfData   *int
}

type Input struct {
	OutputType        models.OutputType
	Completeness      float64
	AnchorQuality     float64
	RecencyDays       *float64
	SignalQuality     *float64
	SignalStability   *float64
	ModalityAlignment *float64
	Context           Context
}

type Scorer struct {
	p priors.ConfidenceParameters
}

func NewScorer(p priors.ConfidenceParameters) *Scorer {
	return &Scorer{p: p}
}

// Ceiling is the maximum percentage an output type may report.
func (s *Scorer) Ceiling(t models.OutputType) (float64, error) {
	if _, err := models.AsOutputType(string(t)); err != nil {
		return 0, err
	}
	return s.p.MaxByOutputType[string(t)], nil
}

func unit(name string, v float64) error {
	if math.IsNaN(v) || v < 0 || v > 1 {
		return fmt.Errorf("%w: %s must be within [0,1], got %v", models.ErrValidation, name, v)
	}
	return nil
}

func validate(in Input) error {
	if err := unit("completeness", in.Completeness); err != nil {
		return err
	}
	if err := unit("anchor_quality", in.AnchorQuality); err != nil {
		return err
	}
	optional := []struct {
		name string
		v    *float64
	}{
		{"signal_quality", in.SignalQuality},
		{"signal_stability", in.SignalStability},
		{"modality_alignment", in.ModalityAlignment},
	}
	for _, o := range optional {
		if o.v == nil {
			continue
		}
		if err := unit(o.name, *o.v); err != nil {
			return err
		}
	}
	if r := in.RecencyDays; r != nil && (math.IsNaN(*r) || *r < 0) {
		return fmt.Errorf("%w: recency_days must be >= 0, got %v", models.ErrValidation, *r)
	}
	return nil
}

// Compute is pure: identical inputs always produce identical results.
func (s *Scorer) Compute(in Input) (models.ConfidenceResult, error) {
	ceiling, err := s.Ceiling(in.OutputType)
	if err != nil {
		return models.ConfidenceResult{}, err
	}
	if err := validate(in); err != nil {
		return models.ConfidenceResult{}, err
	}

	w := s.p.Weights
	completeness := in.Completeness
	anchorQuality := in.AnchorQuality

	components := []models.ComponentScore{
		{Name: ComponentCompleteness, Raw: &completeness, Score: s.scoreCompleteness(completeness), Weight: w.DataCompleteness},
		{Name: ComponentAnchor, Raw: &anchorQuality, Score: s.scoreAnchor(anchorQuality, in.OutputType), Weight: w.AnchorQuality},
		{Name: ComponentRecency, Raw: in.RecencyDays, Score: s.scoreRecency(in.RecencyDays), Weight: w.Recency},
		{Name: ComponentSignalQuality, Raw: in.SignalQuality, Score: s.floored(in.SignalQuality, s.p.DefaultSignalQuality), Weight: w.SignalQuality},
		{Name: ComponentStability, Raw: in.SignalStability, Score: s.floored(in.SignalStability, s.p.DefaultSignalStability), Weight: w.SignalStability},
	}

	var sum float64
	for i := range components {
		components[i].Contribution = components[i].Score * components[i].Weight
		sum += components[i].Contribution
	}

	var bonus float64
	if in.ModalityAlignment != nil {
		bonus = *in.ModalityAlignment * s.p.AlignmentBonusWeight
	}

	final := math.Max(0, math.Min(sum+bonus, 1))
	pct := math.Min(final*100, ceiling)
	pct = math.Round(pct*10) / 10

	return models.ConfidenceResult{
		Score:           pct,
		MaxAllowed:      ceiling,
		OutputType:      in.OutputType,
		Drivers:         drivers(components, bonus),
		Recommendations: s.recommendations(components, in),
		Breakdown: models.ConfidenceBreakdown{
			Components:     components,
			AlignmentBonus: bonus,
			WeightedSum:    sum,
			Ceiling:        ceiling,
			Final:          final,
		},
	}, nil
}

// Insufficient is the result for an output the gate refused. Its score is
// always zero; the gate's remediation becomes the advice.
func (s *Scorer) Insufficient(t models.OutputType, remediation []string) (models.ConfidenceResult, error) {
	ceiling, err := s.Ceiling(t)
	if err != nil {
		return models.ConfidenceResult{}, err
	}

	recs := append([]string{}, remediation...)
	if len(recs) > maxRecommendations {
		recs = recs[:maxRecommendations]
	}

	return models.ConfidenceResult{
		Score:           0,
		MaxAllowed:      ceiling,
		OutputType:      t,
		Drivers:         []models.Driver{},
		Recommendations: recs,
		Breakdown:       models.ConfidenceBreakdown{Components: []models.ComponentScore{}, Ceiling: ceiling},
	}, nil
}

func (s *Scorer) scoreCompleteness(c float64) float64 {
	return 1 / (1 + math.Exp(-s.p.CompletenessSteepness*(c-0.5)))
}

func (s *Scorer) scoreAnchor(q float64, t models.OutputType) float64 {
	if t == models.OutputMeasured {
		return 1.0
	}
	return q
}

func (s *Scorer) scoreRecency(days *float64) float64 {
	if days == nil {
		return s.p.UnknownRecencyScore
	}
	return math.Exp(-math.Ln2 * *days / s.p.RecencyHalflifeDays)
}

func (s *Scorer) floored(v *float64, def float64) float64 {
	if v == nil {
		return def
	}
	return math.Max(*v, s.p.SignalFloor)
}

// byScore orders components by score, ties broken alphabetically by name.
func byScore(cs []models.ComponentScore, desc bool) []models.ComponentScore {
	out := append([]models.ComponentScore(nil), cs...)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			if desc {
				return out[i].Score > out[j].Score
			}
			return out[i].Score < out[j].Score
		}
		return out[i].Name < out[j].Name
	})
	return out
}
