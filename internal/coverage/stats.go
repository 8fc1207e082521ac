package coverage

import (
	"math"
	"sort"

	"github.com/mpataki/healthgate/internal/models"
)

// Values returns the values of a stream channel in timestamp order. An empty
// metric selects every point on the stream.
func Values(points []models.StreamPoint, stream models.Stream, metric string) []float64 {
	var sel []models.StreamPoint
	for _, p := range points {
		if p.Stream == stream && (metric == "" || p.Metric == metric) {
			sel = append(sel, p)
		}
	}
	sort.SliceStable(sel, func(i, j int) bool { return sel[i].Timestamp.Before(sel[j].Timestamp) })

	out := make([]float64, len(sel))
	for i, p := range sel {
		out[i] = p.Value
	}
	return out
}

func Mean(v []float64) float64 {
	if len(v) == 0 {
		return 0
	}
	var sum float64
	for _, x := range v {
		sum += x
	}
	return sum / float64(len(v))
}

// StdDev is the population standard deviation.
func StdDev(v []float64) float64 {
	if len(v) == 0 {
		return 0
	}
	m := Mean(v)
	var ss float64
	for _, x := range v {
		ss += (x - m) * (x - m)
	}
	return math.Sqrt(ss / float64(len(v)))
}

// CoefficientOfVariation reports false when it is undefined (no values or zero mean).
func CoefficientOfVariation(v []float64) (float64, bool) {
	m := Mean(v)
	if len(v) == 0 || m == 0 {
		return 0, false
	}
	return StdDev(v) / math.Abs(m), true
}
