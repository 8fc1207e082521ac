package priors

import (
	"fmt"
	"strings"
)

var percentilePoints = []float64{5, 10, 25, 50, 75, 90, 95}

type Percentiles struct {
	P5, P10, P25, P50, P75, P90, P95 float64
}

func (p Percentiles) values() []float64 {
	return []float64{p.P5, p.P10, p.P25, p.P50, p.P75, p.P90, p.P95}
}

// Percentiles returns the population distribution for metric in the stratum
// matching age and sex. Only M and F strata exist for vitals.
func (s *Store) Percentiles(metric string, age int, sex string) (Percentiles, bool) {
	sex = strings.ToUpper(sex)
	if sex != "M" && sex != "F" {
		return Percentiles{}, false
	}

	for _, r := range s.pack.Vitals {
		if r.Metric == metric && r.Sex == sex && r.AgeMin <= age && age <= r.AgeMax {
			return Percentiles{r.P5, r.P10, r.P25, r.P50, r.P75, r.P90, r.P95}, true
		}
	}
	return Percentiles{}, false
}

// PercentileRank places value within the population by linear interpolation
// between neighbouring percentile points. Values beyond the table clamp to
// 5 and 95.
func (s *Store) PercentileRank(metric string, value float64, age int, sex string) (float64, bool) {
	p, ok := s.Percentiles(metric, age, sex)
	if !ok {
		return 0, false
	}

	vals := p.values()
	if value <= vals[0] {
		return percentilePoints[0], true
	}
	if value >= vals[len(vals)-1] {
		return percentilePoints[len(percentilePoints)-1], true
	}

	for i := 0; i < len(vals)-1; i++ {
		lo, hi := vals[i], vals[i+1]
		if lo <= value && value <= hi {
			if hi == lo {
				return percentilePoints[i], true
			}
			frac := (value - lo) / (hi - lo)
			return percentilePoints[i] + frac*(percentilePoints[i+1]-percentilePoints[i]), true
		}
	}
	return 0, false
}

// ValueAtPercentile is the inverse of PercentileRank over [5, 95].
func (s *Store) ValueAtPercentile(metric string, pct float64, age int, sex string) (float64, bool) {
	p, ok := s.Percentiles(metric, age, sex)
	if !ok {
		return 0, false
	}

	vals := p.values()
	if pct <= percentilePoints[0] {
		return vals[0], true
	}
	if pct >= percentilePoints[len(percentilePoints)-1] {
		return vals[len(vals)-1], true
	}

	for i := 0; i < len(percentilePoints)-1; i++ {
		lo, hi := percentilePoints[i], percentilePoints[i+1]
		if lo <= pct && pct <= hi {
			frac := (pct - lo) / (hi - lo)
			return vals[i] + frac*(vals[i+1]-vals[i]), true
		}
	}
	return 0, false
}

type ReferenceInterval struct {
	RefLow       float64 `json:"ref_low"`
	RefHigh      float64 `json:"ref_high"`
	CriticalLow  float64 `json:"critical_low"`
	CriticalHigh float64 `json:"critical_high"`
	Units        string  `json:"units"`
	UnitsMatch   bool    `json:"units_match"`
}

// NormalizeAnalyte lowercases a name and maps spaces and dashes to underscores.
func NormalizeAnalyte(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	return strings.NewReplacer(" ", "_", "-", "_").Replace(name)
}

// ReferenceInterval looks up analyte for the exact sex first, then the ALL
// stratum. units is optional; when supplied a mismatch is flagged but the
// interval is still returned.
func (s *Store) ReferenceInterval(analyte string, age int, sex, units string) (ReferenceInterval, bool) {
	analyte = NormalizeAnalyte(analyte)
	sex = strings.ToUpper(sex)

	for _, sq := range []string{sex, "ALL"} {
		for _, r := range s.pack.Labs {
			if r.Analyte != analyte || r.Sex != sq || age < r.AgeMin || age > r.AgeMax {
				continue
			}
			return ReferenceInterval{
				RefLow:       r.RefLow,
				RefHigh:      r.RefHigh,
				CriticalLow:  r.CriticalLow,
				CriticalHigh: r.CriticalHigh,
				Units:        r.Units,
				UnitsMatch:   units == "" || strings.EqualFold(r.Units, units),
			}, true
		}
	}
	return ReferenceInterval{}, false
}

type ValueStatus string

const (
	StatusNormal       ValueStatus = "normal"
	StatusAbnormal     ValueStatus = "abnormal"
	StatusCritical     ValueStatus = "critical"
	StatusUnitMismatch ValueStatus = "unit_mismatch"
	StatusUnknown      ValueStatus = "unknown"
)

type Validation struct {
	Valid    bool               `json:"valid"`
	Status   ValueStatus        `json:"status"`
	Interval *ReferenceInterval `json:"ref_interval,omitempty"`
	Message  string             `json:"message"`
}

// Validate checks a lab value against its reference and critical ranges.
// Analytes without an interval are reported unknown and treated as valid.
func (s *Store) Validate(analyte string, value float64, units string, age int, sex string) Validation {
	ref, ok := s.ReferenceInterval(analyte, age, sex, units)
	if !ok {
		return Validation{
			Valid:   true,
			Status:  StatusUnknown,
			Message: fmt.Sprintf("No reference interval available for %s", analyte),
		}
	}

	switch {
	case !ref.UnitsMatch:
		return Validation{
			Status:   StatusUnitMismatch,
			Interval: &ref,
			Message:  fmt.Sprintf("Unit mismatch: expected %s, got %s", ref.Units, units),
		}
	case value < ref.CriticalLow || value > ref.CriticalHigh:
		return Validation{
			Status:   StatusCritical,
			Interval: &ref,
			Message:  fmt.Sprintf("Value %g %s is outside critical range [%g, %g]", value, units, ref.CriticalLow, ref.CriticalHigh),
		}
	case value >= ref.RefLow && value <= ref.RefHigh:
		return Validation{
			Valid:    true,
			Status:   StatusNormal,
			Interval: &ref,
			Message:  fmt.Sprintf("Value %g %s is within normal range [%g, %g]", value, units, ref.RefLow, ref.RefHigh),
		}
	default:
		return Validation{
			Valid:    true,
			Status:   StatusAbnormal,
			Interval: &ref,
			Message:  fmt.Sprintf("Value %g %s is outside normal range [%g, %g] but not critical", value, units, ref.RefLow, ref.RefHigh),
		}
	}
}

// Constant resolves a dot-separated path into the pack, e.g.
// "gating_thresholds.minimum_data_windows_days.a1c_estimate".
func (s *Store) Constant(path string) (any, bool) {
	var cur any = s.raw
	for _, key := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		if cur, ok = m[key]; !ok {
			return nil, false
		}
	}
	return cur, true
}

// Float resolves a numeric constant, returning def when absent or not numeric.
func (s *Store) Float(path string, def float64) float64 {
	v, ok := s.Constant(path)
	if !ok {
		return def
	}
	switch n := v.(type) {
	case int:
		return float64(n)
	case float64:
		return n
	default:
		return def
	}
}
