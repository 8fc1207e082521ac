// Package coverage measures how much of each monitored stream was actually
// observed for a submission.
package coverage

import (
	"math"
	"sort"
	"time"

	"github.com/mpataki/healthgate/internal/models"
)

// DefaultCadence is the nominal number of observations per day for each stream.
var DefaultCadence = map[models.Stream]float64{
	models.StreamGlucose: 96,
	models.StreamLactate: 96,
	models.StreamVitals:  1,
	models.StreamSleep:   1,
	models.StreamPROs:    1,
	models.StreamLabs:    1.0 / 30,
}

type Result struct {
	models.StreamCoverage
	Observed      int
	Expected      int
	NoisyFraction float64
}

type Analyzer struct {
	cadence map[models.Stream]float64
}

func NewAnalyzer() *Analyzer {
	return &Analyzer{cadence: DefaultCadence}
}

// NewAnalyzerWithCadence overrides cadences for the streams present in c.
func NewAnalyzerWithCadence(c map[models.Stream]float64) *Analyzer {
	merged := make(map[models.Stream]float64, len(DefaultCadence))
	for k, v := range DefaultCadence {
		merged[k] = v
	}
	for k, v := range c {
		if v > 0 {
			merged[k] = v
		}
	}
	return &Analyzer{cadence: merged}
}

// Empty is the canonical result for a stream with no observations.
func Empty() Result {
	return Result{StreamCoverage: models.StreamCoverage{
		DaysCovered:  0,
		MissingRate:  1.0,
		LastSeen:     nil,
		QualityScore: 0.0,
	}}
}

// Analyze computes coverage for every known stream. Points on unknown
// streams are ignored; lab coverage is taken from the collection times of
// specimens, so callers pass only anchor analytes.
func (a *Analyzer) Analyze(points []models.StreamPoint, analytes []models.Analyte) map[models.Stream]Result {
	type obs struct {
		times map[time.Time]bool
		noisy map[time.Time]bool
	}

	byStream := make(map[models.Stream]*obs, len(models.Streams))
	for _, s := range models.Streams {
		byStream[s] = &obs{times: map[time.Time]bool{}, noisy: map[time.Time]bool{}}
	}

	for _, p := range points {
		o, ok := byStream[p.Stream]
		if !ok || p.Stream == models.StreamLabs {
			continue
		}
		ts := p.Timestamp.UTC()
		o.times[ts] = true
		if p.Noisy {
			o.noisy[ts] = true
		}
	}
	for _, an := range analytes {
		byStream[models.StreamLabs].times[an.CollectedAt.UTC()] = true
	}

	out := make(map[models.Stream]Result, len(models.Streams))
	for _, s := range models.Streams {
		o := byStream[s]
		ts := make([]time.Time, 0, len(o.times))
		for t := range o.times {
			ts = append(ts, t)
		}
		out[s] = a.analyzeStream(s, ts, len(o.noisy))
	}
	return out
}

func (a *Analyzer) analyzeStream(s models.Stream, ts []time.Time, noisy int) Result {
	if len(ts) == 0 {
		return Empty()
	}

	sort.Slice(ts, func(i, j int) bool { return ts[i].Before(ts[j]) })
	first, last := ts[0], ts[len(ts)-1]

	days := int(last.Sub(first)/(24*time.Hour)) + 1
	expected := int(math.Round(a.cadence[s] * float64(days)))
	if expected < 1 {
		expected = 1
	}

	missing := clamp01(1 - float64(len(ts))/float64(expected))
	noisyFrac := float64(noisy) / float64(len(ts))
	lastSeen := last

	return Result{
		StreamCoverage: models.StreamCoverage{
			DaysCovered:  days,
			MissingRate:  missing,
			LastSeen:     &lastSeen,
			QualityScore: clamp01((1 - missing) * (1 - noisyFrac)),
		},
		Observed:      len(ts),
		Expected:      expected,
		NoisyFraction: noisyFrac,
	}
}

// Summaries strips the working fields for persistence.
func Summaries(results map[models.Stream]Result) map[models.Stream]models.StreamCoverage {
	out := make(map[models.Stream]models.StreamCoverage, len(results))
	for s, r := range results {
		out[s] = r.StreamCoverage
	}
	return out
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
