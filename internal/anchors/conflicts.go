package anchors

import (
	"math"
	"sort"
	"time"

	"github.com/mpataki/healthgate/internal/models"
	"github.com/mpataki/healthgate/internal/priors"
)

type ConflictDetector struct {
	window     time.Duration
	tolerance  float64
	tolerances map[string]float64
}

func NewConflictDetector(p priors.ConflictParameters) *ConflictDetector {
	tol := make(map[string]float64, len(p.Tolerances))
	for k, v := range p.Tolerances {
		tol[priors.NormalizeAnalyte(k)] = v
	}
	return &ConflictDetector{
		window:     time.Duration(p.OverlapWindowMinutes) * time.Minute,
		tolerance:  p.DefaultTolerance,
		tolerances: tol,
	}
}

func (d *ConflictDetector) toleranceFor(analyte string) float64 {
	if t, ok := d.tolerances[analyte]; ok {
		return t
	}
	return d.tolerance
}

type reading struct {
	value float64
	at    time.Time
}

// Detect compares readings of the same analyte taken by different sources
// within the overlap window. Each diverging source pair yields one flag
// carrying its largest divergence.
func (d *ConflictDetector) Detect(analytes []models.Analyte) []models.ConflictFlag {
	grouped := make(map[string]map[string][]reading)
	for _, a := range analytes {
		name := priors.NormalizeAnalyte(a.Name)
		if grouped[name] == nil {
			grouped[name] = make(map[string][]reading)
		}
		grouped[name][a.Source] = append(grouped[name][a.Source], reading{value: a.Value, at: a.CollectedAt})
	}

	flags := []models.ConflictFlag{}
	for _, name := range sortedKeys(grouped) {
		bySource := grouped[name]
		sources := sortedKeys(bySource)
		for _, rs := range bySource {
			sort.Slice(rs, func(i, j int) bool { return rs[i].at.Before(rs[j].at) })
		}

		tol := d.toleranceFor(name)
		for i := 0; i < len(sources); i++ {
			for j := i + 1; j < len(sources); j++ {
				if f, ok := d.comparePair(name, tol, sources[i], sources[j], bySource[sources[i]], bySource[sources[j]]); ok {
					flags = append(flags, f)
				}
			}
		}
	}
	return flags
}

func (d *ConflictDetector) comparePair(name string, tol float64, srcA, srcB string, as, bs []reading) (models.ConflictFlag, bool) {
	var best models.ConflictFlag
	var bestDiv float64
	found := false

	for _, a := range as {
		lo := sort.Search(len(bs), func(k int) bool { return !bs[k].at.Before(a.at.Add(-d.window)) })
		for k := lo; k < len(bs) && !bs[k].at.After(a.at.Add(d.window)); k++ {
			b := bs[k]
			div := divergence(a.value, b.value)
			if div <= tol || (found && div <= bestDiv) {
				continue
			}
			found, bestDiv = true, div
			best = models.ConflictFlag{
				Analyte:    name,
				Sources:    []string{srcA, srcB},
				Values:     []float64{a.value, b.value},
				Divergence: math.Round(div*1e4) / 1e4,
				Tolerance:  tol,
				ObservedAt: []time.Time{a.at.UTC(), b.at.UTC()},
			}
		}
	}
	return best, found
}

// divergence is the relative difference against the larger magnitude.
func divergence(a, b float64) float64 {
	m := math.Max(math.Abs(a), math.Abs(b))
	if m == 0 {
		return 0
	}
	return math.Abs(a-b) / m
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
