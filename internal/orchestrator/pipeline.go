package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/mpataki/healthgate/internal/anchors"
	"github.com/mpataki/healthgate/internal/confidence"
	"github.com/mpataki/healthgate/internal/coverage"
	"github.com/mpataki/healthgate/internal/gating"
	"github.com/mpataki/healthgate/internal/logging"
	"github.com/mpataki/healthgate/internal/models"
	"github.com/mpataki/healthgate/internal/priors"
	"github.com/mpataki/healthgate/internal/rules"
)

// Vitals and stream metric names the pipeline reads.
const (
	MetricGlucose   = "glucose"
	MetricLactate   = "lactate"
	MetricSystolic  = "sbp"
	MetricDiastolic = "dbp"
	MetricHeartRate = "hr"
)

// ProgressFunc receives the fraction of the pipeline completed so far.
type ProgressFunc func(fraction float64)

// LabFlag records a specimen value that fell outside its reference interval.
type LabFlag struct {
	Analyte string             `json:"analyte"`
	Value   float64            `json:"value"`
	Unit    string             `json:"unit"`
	Status  priors.ValueStatus `json:"status"`
	Message string             `json:"message"`
}

// Analysis is everything one pipeline pass produces. Summary is persisted,
// the rest goes into the run's audit artifact.
type Analysis struct {
	Summary      *models.Summary
	Completeness confidence.Completeness
	LabFlags     []LabFlag
}

// Analyzer turns one submission's raw data into an Analysis.
type Analyzer interface {
	Analyze(ctx context.Context, data *models.SubmissionData, progress ProgressFunc) (*Analysis, error)
}

type Pipeline struct {
	priors    *priors.Store
	coverage  *coverage.Analyzer
	anchors   *anchors.Classifier
	conflicts *anchors.ConflictDetector
	gate      *gating.Engine
	scorer    *confidence.Scorer
	rules     *rules.Engine
	logger    *slog.Logger
}

// NewPipeline wires the analysis stages around a priors pack. ruleEngine may
// be nil when no custom rules are configured.
func NewPipeline(p *priors.Store, ruleEngine *rules.Engine) *Pipeline {
	return &Pipeline{
		priors:    p,
		coverage:  coverage.NewAnalyzerWithCadence(coverageCadence(p)),
		anchors:   anchors.NewClassifier(),
		conflicts: anchors.NewConflictDetector(p.Conflicts()),
		gate:      gating.NewEngine(p.GatingThresholds()),
		scorer:    confidence.NewScorer(p.ConfidenceParameters()),
		rules:     ruleEngine,
		logger:    logging.New("pipeline"),
	}
}

// coverageCadence reads expected samples per day from the pack's coverage
// section. Streams the pack leaves out keep the built-in cadence.
func coverageCadence(p *priors.Store) map[models.Stream]float64 {
	out := make(map[models.Stream]float64, len(coverage.DefaultCadence))
	for s, def := range coverage.DefaultCadence {
		out[s] = p.Float("coverage.cadence_per_day."+string(s), def)
	}
	return out
}

// facts is the per-submission state shared by the output assessments.
type facts struct {
	sub          models.Submission
	coverage     map[models.Stream]coverage.Result
	anchors      anchors.Result
	completeness confidence.Completeness
	conflicts    []models.ConflictFlag
	labs         map[string]models.Analyte
	values       map[string][]float64
	vitals       []models.StreamPoint
}

func (f *facts) stream(s models.Stream) coverage.Result {
	return f.coverage[s]
}

// quality is nil for an empty stream so the gate falls back to its assumption.
func (f *facts) quality(s models.Stream) *float64 {
	c := f.coverage[s]
	if c.DaysCovered == 0 {
		return nil
	}
	q := c.QualityScore
	return &q
}

func (f *facts) anchorRecency(d anchors.Domain) *int {
	days, ok := f.anchors.RecencyDays(d, f.sub.SubmittedAt)
	if !ok {
		return nil
	}
	return &days
}

// stability is 1 - CV of a stream's values, nil when undefined.
func (f *facts) stability(metric string) *float64 {
	cv, ok := coverage.CoefficientOfVariation(f.values[metric])
	if !ok {
		return nil
	}
	s := math.Max(0, math.Min(1, 1-cv))
	return &s
}

func (p *Pipeline) Analyze(ctx context.Context, data *models.SubmissionData, progress ProgressFunc) (*Analysis, error) {
	if data == nil {
		return nil, fmt.Errorf("%w: no submission data", models.ErrPipelineFailure)
	}
	if progress == nil {
		progress = func(float64) {}
	}

	logger := p.logger.With(slog.String("submission_id", data.Submission.SubmissionID))
	logger.Debug("analyzing submission", "points", len(data.Points), "analytes", len(data.Analytes))

	specimens := specimensOf(data.Analytes)
	f := &facts{
		sub:      data.Submission,
		coverage: p.coverage.Analyze(data.Points, specimens),
		anchors:  p.anchors.Classify(data.Analytes),
		labs:     latestLabs(data.Analytes),
		values:   map[string][]float64{},
	}
	for _, s := range []struct {
		stream models.Stream
		metric string
	}{
		{models.StreamGlucose, MetricGlucose},
		{models.StreamLactate, MetricLactate},
		{models.StreamVitals, MetricSystolic},
		{models.StreamVitals, MetricDiastolic},
		{models.StreamVitals, MetricHeartRate},
	} {
		f.values[s.metric] = coverage.Values(data.Points, s.stream, s.metric)
	}
	for _, pt := range data.Points {
		if pt.Stream == models.StreamVitals {
			f.vitals = append(f.vitals, pt)
		}
	}
	progress(0.3)

	f.completeness = p.scorer.DataCompleteness(confidence.CompletenessInput{
		SpecimenCount:         specimenCount(specimens),
		ContinuousMonitorDays: f.stream(models.StreamGlucose).DaysCovered,
		VitalsCount:           f.stream(models.StreamVitals).Observed,
		IntakeCompleteness:    data.Submission.IntakeCompleteness,
	})
	f.conflicts = p.conflicts.Detect(append(monitorReadings(data.Points), data.Analytes...))
	derived := p.derivedFeatures(f)
	progress(0.5)

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	outputs, err := p.assessOutputs(ctx, f)
	if err != nil {
		return nil, err
	}
	progress(0.8)

	var dist models.ConfidenceDistribution
	for _, o := range outputs {
		dist.Add(o.Grade)
	}

	manifest := p.priors.Manifest()
	summary := &models.Summary{
		SubmissionID:           data.Submission.SubmissionID,
		StreamCoverage:         coverage.Summaries(f.coverage),
		Gating:                 p.partBEligibility(f, len(specimens)),
		Outputs:                outputs,
		AnchorStrengthByDomain: f.anchors.ByDomain(),
		ConflictFlags:          f.conflicts,
		DerivedFeaturesCount:   len(derived),
		DerivedFeatures:        derived,
		ConfidenceDistribution: dist,
		PriorsUsed:             models.PriorsUsed{Source: manifest.Source, Version: manifest.Version, Schema: manifest.Schema},
		SchemaVersion:          models.SummarySchemaVersion,
	}

	logger.Debug("analysis complete",
		"eligible_for_part_b", summary.Gating.EligibleForPartB,
		"outputs", len(outputs),
		"conflicts", len(f.conflicts))

	return &Analysis{
		Summary:      summary,
		Completeness: f.completeness,
		LabFlags:     p.labFlags(data),
	}, nil
}

// specimensOf drops analytes that were tagged as continuous-monitor readings.
func specimensOf(analytes []models.Analyte) []models.Analyte {
	var out []models.Analyte
	for _, a := range analytes {
		if anchors.IsAnchor(a) {
			out = append(out, a)
		}
	}
	return out
}

// monitorReadings presents clean glucose and lactate samples as
// continuous-monitor analytes so specimens can be checked against them.
func monitorReadings(points []models.StreamPoint) []models.Analyte {
	var out []models.Analyte
	for _, pt := range points {
		if pt.Noisy || (pt.Stream != models.StreamGlucose && pt.Stream != models.StreamLactate) {
			continue
		}
		out = append(out, models.Analyte{
			Name:        pt.Metric,
			Value:       pt.Value,
			Source:      anchors.SourceContinuousMonitor,
			CollectedAt: pt.Timestamp,
		})
	}
	return out
}

// specimenCount counts distinct specimen collections, not analytes.
func specimenCount(analytes []models.Analyte) int {
	type collection struct {
		source string
		at     time.Time
	}
	seen := map[collection]bool{}
	for _, a := range analytes {
		if anchors.IsAnchor(a) {
			seen[collection{a.Source, a.CollectedAt.UTC()}] = true
		}
	}
	return len(seen)
}

func (p *Pipeline) assessOutputs(ctx context.Context, f *facts) ([]models.OutputAssessment, error) {
	type candidate struct {
		name   string
		stream models.Stream
		domain anchors.Domain
		gate   func(extra []models.Check) (models.GateDecision, error)
		conf   func(t models.OutputType) confidence.Input
	}

	glucose := f.stream(models.StreamGlucose)
	metabolicAnchor := f.anchors.Strength[anchors.DomainMetabolic]
	cardioAnchor := f.anchors.Strength[anchors.DomainCardio]

	var glucoseCV *float64
	if cv, ok := coverage.CoefficientOfVariation(f.values[MetricGlucose]); ok {
		glucoseCV = &cv
	}

	candidates := []candidate{
		{
			name:   gating.OutputA1cEstimate,
			stream: models.StreamGlucose,
			domain: anchors.DomainMetabolic,
			gate: func(extra []models.Check) (models.GateDecision, error) {
				return p.gate.CheckA1c(gating.A1cInput{
					DaysOfGlucoseData: glucose.DaysCovered,
					SignalQuality:     f.quality(models.StreamGlucose),
					HasAnchor:         metabolicAnchor.Count > 0,
					AnchorDaysOld:     f.anchorRecency(anchors.DomainMetabolic),
					GlucoseCV:         glucoseCV,
					Extra:             extra,
				})
			},
			conf: func(t models.OutputType) confidence.Input {
				return p.sensorConfidence(f, t, models.StreamGlucose, MetricGlucose, anchors.DomainMetabolic, "HbA1c")
			},
		},
		{
			name:   gating.OutputGlucoseVariability,
			stream: models.StreamGlucose,
			domain: anchors.DomainMetabolic,
			gate: func(extra []models.Check) (models.GateDecision, error) {
				return p.gate.CheckGate(gating.Request{
					Output:            gating.OutputGlucoseVariability,
					DaysOfData:        glucose.DaysCovered,
					SignalQuality:     f.quality(models.StreamGlucose),
					HasAnchor:         metabolicAnchor.Count > 0,
					AnchorRecencyDays: f.anchorRecency(anchors.DomainMetabolic),
					ExtraChecks:       extra,
				})
			},
			conf: func(t models.OutputType) confidence.Input {
				return p.sensorConfidence(f, t, models.StreamGlucose, MetricGlucose, anchors.DomainMetabolic, "glucose")
			},
		},
		{
			name:   gating.OutputLactateTrend,
			stream: models.StreamLactate,
			gate: func(extra []models.Check) (models.GateDecision, error) {
				return p.gate.CheckGate(gating.Request{
					Output:        gating.OutputLactateTrend,
					DaysOfData:    f.stream(models.StreamLactate).DaysCovered,
					SignalQuality: f.quality(models.StreamLactate),
					ExtraChecks:   extra,
				})
			},
			conf: func(t models.OutputType) confidence.Input {
				return p.sensorConfidence(f, t, models.StreamLactate, MetricLactate, "", "")
			},
		},
		{
			name:   gating.OutputBPEstimate,
			stream: models.StreamVitals,
			domain: anchors.DomainCardio,
			gate: func(extra []models.Check) (models.GateDecision, error) {
				var sd *float64
				if sbp := f.values[MetricSystolic]; len(sbp) > 1 {
					v := coverage.StdDev(sbp)
					sd = &v
				}
				return p.gate.CheckBP(gating.BPInput{
					DaysOfData:    f.stream(models.StreamVitals).DaysCovered,
					SignalQuality: f.quality(models.StreamVitals),
					Readings:      len(f.values[MetricSystolic]),
					SD:            sd,
					Extra:         extra,
				})
			},
			conf: func(t models.OutputType) confidence.Input {
				in := p.sensorConfidence(f, t, models.StreamVitals, MetricSystolic, "", "blood pressure")
				// manual readings anchor the estimate
				in.AnchorQuality = anchors.Grade(len(f.values[MetricSystolic])).Score
				in.RecencyDays = f.daysSinceLast(models.StreamVitals)
				return in
			},
		},
		{
			name:   gating.OutputLipidTrend,
			domain: anchors.DomainCardio,
			gate: func(extra []models.Check) (models.GateDecision, error) {
				return p.gate.CheckLipidTrend(gating.LipidTrendInput{
					DaysOfMonitoring: f.longestStreamDays(),
					HasLipidPanel:    cardioAnchor.Count > 0,
					PanelDaysOld:     f.anchorRecency(anchors.DomainCardio),
					HasDietaryData:   f.sub.HasDietaryData,
					Extra:            extra,
				})
			},
			conf: func(t models.OutputType) confidence.Input {
				return confidence.Input{
					OutputType:    t,
					Completeness:  f.completeness.Score,
					AnchorQuality: cardioAnchor.Score,
					RecencyDays:   toFloat(f.anchorRecency(anchors.DomainCardio)),
					Context: confidence.Context{
						MissingItems: f.completeness.MissingCritical,
						AnchorType:   "lipid panel",
					},
				}
			},
		},
	}

	out := make([]models.OutputAssessment, 0, len(candidates))
	for _, c := range candidates {
		extra, err := p.evaluateRules(ctx, f, c.name, c.stream, c.domain)
		if err != nil {
			return nil, err
		}

		decision, err := c.gate(extra)
		if err != nil {
			return nil, fmt.Errorf("gate %s: %w", c.name, err)
		}

		t := outputType(decision)
		var result models.ConfidenceResult
		if decision.Allowed {
			result, err = p.scorer.Compute(c.conf(t))
		} else {
			result, err = p.scorer.Insufficient(t, decision.Remediation)
		}
		if err != nil {
			return nil, fmt.Errorf("confidence %s: %w", c.name, err)
		}

		out = append(out, models.OutputAssessment{
			Output:     c.name,
			Grade:      models.GradeForScore(result.Score),
			Gate:       decision,
			Confidence: result,
		})
	}
	return out, nil
}

// sensorConfidence builds the confidence input for an output derived from a
// continuous stream. domain may be empty for outputs without an anchor.
func (p *Pipeline) sensorConfidence(f *facts, t models.OutputType, s models.Stream, metric string, domain anchors.Domain, anchorType string) confidence.Input {
	days := f.stream(s).DaysCovered
	in := confidence.Input{
		OutputType:      t,
		Completeness:    f.completeness.Score,
		SignalQuality:   f.quality(s),
		SignalStability: f.stability(metric),
		Context: confidence.Context{
			MissingItems: f.completeness.MissingCritical,
			AnchorType:   anchorType,
			DaysOfData:   &days,
		},
	}
	if domain != "" {
		in.AnchorQuality = f.anchors.Strength[domain].Score
		in.RecencyDays = toFloat(f.anchorRecency(domain))
		in.ModalityAlignment = f.alignment(metric)
	}
	return in
}

// alignment is 1 when a stream metric was also measured by specimen and the
// two agree, 0 when they conflict, nil when there is nothing to compare.
func (f *facts) alignment(metric string) *float64 {
	if _, ok := f.labs[metric]; !ok || len(f.values[metric]) == 0 {
		return nil
	}
	v := 1.0
	for _, c := range f.conflicts {
		if priors.NormalizeAnalyte(c.Analyte) == metric {
			v = 0
		}
	}
	return &v
}

func (f *facts) longestStreamDays() int {
	longest := 0
	for _, s := range models.Streams {
		if d := f.coverage[s].DaysCovered; d > longest {
			longest = d
		}
	}
	return longest
}

func (f *facts) daysSinceLast(s models.Stream) *float64 {
	last := f.coverage[s].LastSeen
	if last == nil {
		return nil
	}
	days := math.Max(0, math.Floor(f.sub.SubmittedAt.Sub(*last).Hours()/24))
	return &days
}

func toFloat(v *int) *float64 {
	if v == nil {
		return nil
	}
	f := float64(*v)
	return &f
}

// outputType maps a gate decision onto the confidence ceiling it earns.
func outputType(d models.GateDecision) models.OutputType {
	switch {
	case !d.Allowed:
		return models.OutputInferredNoAnchor
	case d.RangeWidth == models.RangeTight:
		return models.OutputInferredTight
	case d.Details.HasAnchor:
		return models.OutputInferredWide
	default:
		return models.OutputInferredNoAnchor
	}
}

func (p *Pipeline) evaluateRules(ctx context.Context, f *facts, output string, s models.Stream, domain anchors.Domain) ([]models.Check, error) {
	if p.rules == nil || len(p.rules.Scripts()) == 0 {
		return nil, nil
	}

	in := rules.Input{
		Output:  output,
		Age:     f.sub.Age,
		Sex:     f.sub.Sex,
		Metrics: map[string]float64{"completeness": f.completeness.Score},
	}
	if s != "" {
		in.DaysOfData = f.stream(s).DaysCovered
		in.SignalQuality = f.quality(s)
	} else {
		in.DaysOfData = f.longestStreamDays()
	}
	if domain != "" {
		in.HasAnchor = f.anchors.Strength[domain].Count > 0
		in.AnchorRecencyDays = f.anchorRecency(domain)
	}
	for metric, vals := range f.values {
		if len(vals) == 0 {
			continue
		}
		in.Metrics[metric+"_mean"] = coverage.Mean(vals)
		if cv, ok := coverage.CoefficientOfVariation(vals); ok {
			in.Metrics[metric+"_cv"] = cv
		}
	}

	checks, err := p.rules.Evaluate(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", models.ErrPipelineFailure, err)
	}
	return checks, nil
}

func (p *Pipeline) partBEligibility(f *facts, specimens int) models.GatingSummary {
	pb := p.priors.PartB()
	var reasons []string
	eligible := true

	days := f.stream(models.StreamGlucose).DaysCovered
	switch {
	case days < pb.MinGlucoseDays:
		eligible = false
		reasons = append(reasons, fmt.Sprintf("Insufficient glucose monitoring (%d days, need %d+)", days, pb.MinGlucoseDays))
	case days < pb.RecommendedGlucoseDays:
		reasons = append(reasons, fmt.Sprintf("Limited glucose monitoring (%d days, %d+ recommended for tighter estimates)", days, pb.RecommendedGlucoseDays))
	}

	if specimens == 0 {
		reasons = append(reasons, "No lab specimens uploaded (recommended for tighter estimates)")
	}
	if f.stream(models.StreamVitals).QualityScore < pb.MinVitalsQuality {
		reasons = append(reasons, "Limited vitals data (recommended for cardiovascular outputs)")
	}
	if f.sub.IntakeCompleteness < pb.MinIntakeCompleteness {
		reasons = append(reasons, "Incomplete clinical profile (recommended for personalization)")
	}

	if eligible {
		reasons = append(reasons, "All minimum data requirements met")
	}
	return models.GatingSummary{EligibleForPartB: eligible, Reasons: reasons}
}

func (p *Pipeline) derivedFeatures(f *facts) []models.DerivedFeature {
	out := []models.DerivedFeature{}

	if sbp, dbp, ok := latestPairedBP(f.vitals); ok {
		out = append(out, models.DerivedFeature{
			Name:   "MAP",
			Value:  round(dbp+(sbp-dbp)/3, 1),
			Unit:   "mmHg",
			Inputs: []string{MetricSystolic, MetricDiastolic},
		})
	}

	total, hasTotal := f.labs["total_cholesterol"]
	hdl, hasHDL := f.labs["hdl_cholesterol"]
	tg, hasTG := f.labs["triglycerides"]
	if hasTotal && hasHDL {
		out = append(out, models.DerivedFeature{
			Name:   "non_hdl_cholesterol",
			Value:  round(total.Value-hdl.Value, 1),
			Unit:   total.Unit,
			Inputs: []string{"total_cholesterol", "hdl_cholesterol"},
		})
	}
	if hasTG && hasHDL && hdl.Value > 0 {
		out = append(out, models.DerivedFeature{
			Name:   "tg_hdl_ratio",
			Value:  round(tg.Value/hdl.Value, 2),
			Inputs: []string{"triglycerides", "hdl_cholesterol"},
		})
	}

	if hr := f.values[MetricHeartRate]; len(hr) > 0 {
		if pct, ok := p.priors.PercentileRank("resting_hr_bpm", coverage.Mean(hr), f.sub.Age, f.sub.Sex); ok {
			out = append(out, models.DerivedFeature{
				Name:   "resting_hr_percentile",
				Value:  round(pct, 1),
				Unit:   "percentile",
				Inputs: []string{MetricHeartRate},
			})
		}
	}

	return out
}

// latestPairedBP returns the newest systolic/diastolic readings taken at the
// same instant.
func latestPairedBP(vitals []models.StreamPoint) (float64, float64, bool) {
	sbp := map[time.Time]float64{}
	dbp := map[time.Time]float64{}
	for _, v := range vitals {
		switch v.Metric {
		case MetricSystolic:
			sbp[v.Timestamp.UTC()] = v.Value
		case MetricDiastolic:
			dbp[v.Timestamp.UTC()] = v.Value
		}
	}

	var best time.Time
	found := false
	for ts := range sbp {
		if _, ok := dbp[ts]; ok && (!found || ts.After(best)) {
			best, found = ts, true
		}
	}
	if !found {
		return 0, 0, false
	}
	return sbp[best], dbp[best], true
}

// latestLabs keeps the newest specimen value per normalized analyte name.
func latestLabs(analytes []models.Analyte) map[string]models.Analyte {
	out := map[string]models.Analyte{}
	for _, a := range analytes {
		if !anchors.IsAnchor(a) {
			continue
		}
		name := priors.NormalizeAnalyte(a.Name)
		if cur, ok := out[name]; !ok || a.CollectedAt.After(cur.CollectedAt) {
			out[name] = a
		}
	}
	return out
}

func (p *Pipeline) labFlags(data *models.SubmissionData) []LabFlag {
	flags := []LabFlag{}
	for _, a := range data.Analytes {
		if !anchors.IsAnchor(a) {
			continue
		}
		v := p.priors.Validate(a.Name, a.Value, a.Unit, data.Submission.Age, data.Submission.Sex)
		if v.Status == priors.StatusNormal || v.Status == priors.StatusUnknown {
			continue
		}
		flags = append(flags, LabFlag{Analyte: a.Name, Value: a.Value, Unit: a.Unit, Status: v.Status, Message: v.Message})
	}
	sort.SliceStable(flags, func(i, j int) bool { return flags[i].Analyte < flags[j].Analyte })
	return flags
}

func round(v float64, places int) float64 {
	m := math.Pow(10, float64(places))
	return math.Round(v*m) / m
}
