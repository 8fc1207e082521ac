// Package priors serves population percentiles, lab reference intervals and
// calibration constants from a versioned priors pack. A Store is immutable
// once loaded and safe for concurrent use without locking.
package priors

import (
	"crypto/sha256"
	_ "embed"
	"encoding/hex"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

//go:embed pack/priors.yaml
var defaultPack []byte

type Manifest struct {
	Source  string `yaml:"source" json:"source"`
	Version string `yaml:"version" json:"version"`
	Schema  string `yaml:"schema" json:"schema"`
}

type VitalsRow struct {
	Metric string  `yaml:"metric"`
	Sex    string  `yaml:"sex"`
	AgeMin int     `yaml:"age_min"`
	AgeMax int     `yaml:"age_max"`
	P5     float64 `yaml:"p5"`
	P10    float64 `yaml:"p10"`
	P25    float64 `yaml:"p25"`
	P50    float64 `yaml:"p50"`
	P75    float64 `yaml:"p75"`
	P90    float64 `yaml:"p90"`
	P95    float64 `yaml:"p95"`
}

type LabRow struct {
	Analyte      string  `yaml:"analyte"`
	Sex          string  `yaml:"sex"`
	AgeMin       int     `yaml:"age_min"`
	AgeMax       int     `yaml:"age_max"`
	RefLow       float64 `yaml:"ref_low"`
	RefHigh      float64 `yaml:"ref_high"`
	CriticalLow  float64 `yaml:"critical_low"`
	CriticalHigh float64 `yaml:"critical_high"`
	Units        string  `yaml:"units"`
}

type QualityThresholds struct {
	TightRange float64 `yaml:"tight_range"`
	WideRange  float64 `yaml:"wide_range"`
	AnyOutput  float64 `yaml:"any_output"`
}

type AnchorRecency struct {
	Tight int `yaml:"tight"`
	Wide  int `yaml:"wide"`
}

type GatingThresholds struct {
	MinimumWindows       map[string]int      `yaml:"minimum_data_windows_days"`
	Quality              QualityThresholds   `yaml:"quality_thresholds"`
	AnchorRecency        AnchorRecency       `yaml:"anchor_recency_days"`
	RequiredTightAnchors map[string][]string `yaml:"required_tight_anchors"`
	AnchorMandatory      []string            `yaml:"anchor_mandatory"`
	AssumedSignalQuality float64             `yaml:"assumed_signal_quality"`
	MaxGlucoseCV         float64             `yaml:"max_glucose_cv"`
	MinBPReadings        int                 `yaml:"min_bp_readings"`
	BPReadingAnchorDays  int                 `yaml:"bp_reading_anchor_days"`
	MaxBPSD              float64             `yaml:"max_bp_sd_mmhg"`
}

// MinimumWindow returns the minimum days of data for output, falling back
// to the default window.
func (g GatingThresholds) MinimumWindow(output string) int {
	if days, ok := g.MinimumWindows[output]; ok {
		return days
	}
	return g.MinimumWindows["default"]
}

func (g GatingThresholds) IsAnchorMandatory(output string) bool {
	for _, o := range g.AnchorMandatory {
		if o == output {
			return true
		}
	}
	return false
}

type CompletenessTargets struct {
	Specimens             float64 `yaml:"specimens"`
	ContinuousMonitorDays float64 `yaml:"continuous_monitor_days"`
	Vitals                float64 `yaml:"vitals"`
}

type CompletenessWeights struct {
	Specimens         float64 `yaml:"specimens"`
	ContinuousMonitor float64 `yaml:"continuous_monitor"`
	Vitals            float64 `yaml:"vitals"`
	IntakeForm        float64 `yaml:"intake_form"`
}

type ComponentWeights struct {
	DataCompleteness float64 `yaml:"data_completeness"`
	AnchorQuality    float64 `yaml:"anchor_quality"`
	Recency          float64 `yaml:"recency"`
	SignalQuality    float64 `yaml:"signal_quality"`
	SignalStability  float64 `yaml:"signal_stability"`
}

type ConfidenceParameters struct {
	MaxByOutputType        map[string]float64  `yaml:"max_confidence_by_output_type"`
	Weights                ComponentWeights    `yaml:"component_weights"`
	CompletenessSteepness  float64             `yaml:"completeness_steepness"`
	RecencyHalflifeDays    float64             `yaml:"recency_halflife_days"`
	UnknownRecencyScore    float64             `yaml:"unknown_recency_score"`
	SignalFloor            float64             `yaml:"signal_floor"`
	DefaultSignalQuality   float64             `yaml:"default_signal_quality"`
	DefaultSignalStability float64             `yaml:"default_signal_stability"`
	AlignmentBonusWeight   float64             `yaml:"alignment_bonus_weight"`
	RecommendedDays        int                 `yaml:"recommended_days_of_data"`
	CompletenessWeights    CompletenessWeights `yaml:"completeness_weights"`
	CompletenessTargets    CompletenessTargets `yaml:"completeness_targets"`
}

type PartBParameters struct {
	MinGlucoseDays         int     `yaml:"min_glucose_days"`
	RecommendedGlucoseDays int     `yaml:"recommended_glucose_days"`
	MinVitalsQuality       float64 `yaml:"min_vitals_quality"`
	MinIntakeCompleteness  float64 `yaml:"min_intake_completeness"`
}

type ConflictParameters struct {
	OverlapWindowMinutes int                `yaml:"overlap_window_minutes"`
	DefaultTolerance     float64            `yaml:"default_tolerance"`
	Tolerances           map[string]float64 `yaml:"tolerances"`
}

type pack struct {
	Manifest   Manifest             `yaml:"manifest"`
	Vitals     []VitalsRow          `yaml:"vitals_percentiles"`
	Labs       []LabRow             `yaml:"lab_reference_intervals"`
	Gating     GatingThresholds     `yaml:"gating_thresholds"`
	Confidence ConfidenceParameters `yaml:"confidence_parameters"`
	PartB      PartBParameters      `yaml:"part_b"`
	Conflicts  ConflictParameters   `yaml:"conflict_detection"`
}

type Store struct {
	pack     pack
	raw      map[string]any
	checksum string
}

// Default loads the priors pack compiled into the binary.
func Default() (*Store, error) {
	return Parse(defaultPack)
}

// Load reads a priors pack from path. An empty path selects the embedded pack.
func Load(path string) (*Store, error) {
	if path == "" {
		return Default()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read priors pack: %w", err)
	}

	return Parse(data)
}

func Parse(data []byte) (*Store, error) {
	var p pack
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to parse priors pack: %w", err)
	}

	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse priors pack: %w", err)
	}

	if err := validate(&p); err != nil {
		return nil, err
	}

	sum := sha256.Sum256(data)
	return &Store{pack: p, raw: raw, checksum: hex.EncodeToString(sum[:])}, nil
}

func validate(p *pack) error {
	if p.Manifest.Source == "" || p.Manifest.Version == "" {
		return fmt.Errorf("priors pack manifest must name a source and version")
	}
	if _, ok := p.Gating.MinimumWindows["default"]; !ok {
		return fmt.Errorf("priors pack must define a default minimum data window")
	}

	q := p.Gating.Quality
	if !(q.AnyOutput <= q.WideRange && q.WideRange <= q.TightRange) {
		return fmt.Errorf("quality thresholds must satisfy any_output <= wide_range <= tight_range")
	}
	if p.Gating.AnchorRecency.Tight > p.Gating.AnchorRecency.Wide {
		return fmt.Errorf("tight anchor recency must not exceed wide anchor recency")
	}

	for _, t := range []string{"MEASURED", "INFERRED_TIGHT", "INFERRED_WIDE", "INFERRED_NO_ANCHOR"} {
		if _, ok := p.Confidence.MaxByOutputType[t]; !ok {
			return fmt.Errorf("priors pack is missing a confidence ceiling for %s", t)
		}
	}
	if p.Confidence.RecencyHalflifeDays <= 0 {
		return fmt.Errorf("recency half-life must be positive")
	}

	for _, r := range p.Vitals {
		v := []float64{r.P5, r.P10, r.P25, r.P50, r.P75, r.P90, r.P95}
		if !sort.Float64sAreSorted(v) {
			return fmt.Errorf("percentiles for %s/%s/%d-%d are not monotonic", r.Metric, r.Sex, r.AgeMin, r.AgeMax)
		}
	}

	return nil
}

func (s *Store) Manifest() Manifest                         { return s.pack.Manifest }
func (s *Store) GatingThresholds() GatingThresholds         { return s.pack.Gating }
func (s *Store) ConfidenceParameters() ConfidenceParameters { return s.pack.Confidence }
func (s *Store) PartB() PartBParameters                     { return s.pack.PartB }
func (s *Store) Conflicts() ConflictParameters              { return s.pack.Conflicts }

// Checksum is the SHA-256 of the pack bytes the store was parsed from.
func (s *Store) Checksum() string { return s.checksum }
