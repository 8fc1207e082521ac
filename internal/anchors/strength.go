// Package anchors grades how well directly measured lab values anchor each
// clinical domain, and flags measurements that disagree across sources.
package anchors

import (
	"strings"
	"time"

	"github.com/mpataki/healthgate/internal/models"
)

type Domain string

const (
	DomainMetabolic    Domain = "metabolic"
	DomainCardio       Domain = "cardio"
	DomainRenal        Domain = "renal"
	DomainInflammation Domain = "inflammation"
	DomainNutrition    Domain = "nutrition"
	DomainOther        Domain = "other"
)

// Domains in match order; the first domain with a matching keyword wins.
var Domains = []Domain{DomainMetabolic, DomainCardio, DomainRenal, DomainInflammation, DomainNutrition, DomainOther}

var domainKeywords = map[Domain][]string{
	DomainMetabolic:    {"glucose", "a1c", "insulin"},
	DomainCardio:       {"cholesterol", "ldl", "hdl", "triglyceride"},
	DomainRenal:        {"creatinine", "egfr", "bun"},
	DomainInflammation: {"crp", "esr"},
	DomainNutrition:    {"vitamin", "b12", "folate", "iron"},
}

// SourceContinuousMonitor tags readings that came from a stream rather than a specimen.
const SourceContinuousMonitor = "continuous_monitor"

func DomainOf(analyte string) Domain {
	name := strings.ToLower(analyte)
	for _, d := range Domains {
		for _, kw := range domainKeywords[d] {
			if strings.Contains(name, kw) {
				return d
			}
		}
	}
	return DomainOther
}

// IsAnchor reports whether an analyte record is a direct specimen measurement.
func IsAnchor(a models.Analyte) bool {
	return a.Source != SourceContinuousMonitor
}

type Classifier struct{}

func NewClassifier() *Classifier {
	return &Classifier{}
}

// Grade maps an anchor count to its strength.
func Grade(count int) models.AnchorStrength {
	switch {
	case count >= 3:
		return models.AnchorStrength{Score: 0.9, Grade: models.GradeA, Count: count, Reasons: []string{"Multiple anchor points available"}}
	case count == 2:
		return models.AnchorStrength{Score: 0.7, Grade: models.GradeB, Count: count, Reasons: []string{"Moderate anchor coverage"}}
	case count == 1:
		return models.AnchorStrength{Score: 0.5, Grade: models.GradeC, Count: count, Reasons: []string{"Limited anchor coverage"}}
	default:
		return models.AnchorStrength{Score: 0.2, Grade: models.GradeD, Count: 0, Reasons: []string{"No anchor data"}}
	}
}

type Result struct {
	Strength map[Domain]models.AnchorStrength
	Latest   map[Domain]time.Time
}

// ByDomain returns the strength for every domain, including empty ones.
func (r Result) ByDomain() map[string]models.AnchorStrength {
	out := make(map[string]models.AnchorStrength, len(r.Strength))
	for d, s := range r.Strength {
		out[string(d)] = s
	}
	return out
}

// RecencyDays is the age in whole days of the newest anchor in d at ref.
func (r Result) RecencyDays(d Domain, ref time.Time) (int, bool) {
	t, ok := r.Latest[d]
	if !ok {
		return 0, false
	}
	days := int(ref.Sub(t) / (24 * time.Hour))
	if days < 0 {
		days = 0
	}
	return days, true
}

func (c *Classifier) Classify(analytes []models.Analyte) Result {
	counts := make(map[Domain]int, len(Domains))
	latest := make(map[Domain]time.Time)

	for _, a := range analytes {
		if !IsAnchor(a) {
			continue
		}
		d := DomainOf(a.Name)
		counts[d]++
		if a.CollectedAt.After(latest[d]) {
			latest[d] = a.CollectedAt
		}
	}

	strength := make(map[Domain]models.AnchorStrength, len(Domains))
	for _, d := range Domains {
		strength[d] = Grade(counts[d])
	}
	return Result{Strength: strength, Latest: latest}
}
