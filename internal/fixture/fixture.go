// Package fixture loads submissions and their raw data from YAML files, for
// seeding a local database and for tests.
package fixture

import (
	"embed"
	"fmt"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mpataki/healthgate/internal/models"
)

//go:embed demo/*.yaml
var demoFS embed.FS

// Series generates a regular stream instead of listing every point.
// Every DropEvery-th sample is skipped to simulate gaps, and values follow
// Value + Amplitude*sin(2*pi*i/Period).
type Series struct {
	Stream     models.Stream `yaml:"stream"`
	Metric     string        `yaml:"metric"`
	Start      time.Time     `yaml:"start"`
	Interval   time.Duration `yaml:"interval"`
	Count      int           `yaml:"count"`
	Value      float64       `yaml:"value"`
	Amplitude  float64       `yaml:"amplitude"`
	Period     int           `yaml:"period"`
	DropEvery  int           `yaml:"drop_every"`
	NoisyEvery int           `yaml:"noisy_every"`
}

type File struct {
	Submission models.Submission    `yaml:"submission"`
	Points     []models.StreamPoint `yaml:"points"`
	Series     []Series             `yaml:"series"`
	Analytes   []models.Analyte     `yaml:"analytes"`
}

func Parse(path string) (*models.SubmissionData, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read fixture file: %w", err)
	}
	return Decode(data)
}

func Decode(data []byte) (*models.SubmissionData, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse fixture YAML: %w", err)
	}

	out := &models.SubmissionData{
		Submission: f.Submission,
		Points:     append([]models.StreamPoint(nil), f.Points...),
		Analytes:   f.Analytes,
	}
	for _, s := range f.Series {
		out.Points = append(out.Points, s.generate()...)
	}
	sort.SliceStable(out.Points, func(i, j int) bool {
		return out.Points[i].Timestamp.Before(out.Points[j].Timestamp)
	})

	if err := Validate(out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s Series) generate() []models.StreamPoint {
	pts := make([]models.StreamPoint, 0, s.Count)
	for i := 0; i < s.Count; i++ {
		if s.DropEvery > 0 && i%s.DropEvery == s.DropEvery-1 {
			continue
		}
		v := s.Value
		if s.Period > 0 {
			v += s.Amplitude * math.Sin(2*math.Pi*float64(i)/float64(s.Period))
		}
		pts = append(pts, models.StreamPoint{
			Stream:    s.Stream,
			Metric:    s.Metric,
			Timestamp: s.Start.Add(time.Duration(i) * s.Interval).UTC(),
			Value:     math.Round(v*100) / 100,
			Noisy:     s.NoisyEvery > 0 && i%s.NoisyEvery == 0,
		})
	}
	return pts
}

// LoadAll reads every fixture in dirs keyed by submission id. Missing
// directories are skipped.
func LoadAll(dirs []string) (map[string]*models.SubmissionData, error) {
	out := make(map[string]*models.SubmissionData)

	for _, dir := range dirs {
		if err := loadFromFS(os.DirFS(dir), ".", out); err != nil {
			// Skip directories that don't exist
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("%s: %w", dir, err)
		}
	}

	return out, nil
}

// Demo returns the fixtures compiled into the binary.
func Demo() (map[string]*models.SubmissionData, error) {
	out := make(map[string]*models.SubmissionData)
	if err := loadFromFS(demoFS, "demo", out); err != nil {
		return nil, err
	}
	return out, nil
}

func loadFromFS(fsys fs.FS, dir string, out map[string]*models.SubmissionData) error {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return err
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		name := entry.Name()
		if !strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml") {
			continue
		}

		raw, err := fs.ReadFile(fsys, filepath.ToSlash(filepath.Join(dir, name)))
		if err != nil {
			return err
		}
		data, err := Decode(raw)
		if err != nil {
			return fmt.Errorf("failed to parse %s: %w", name, err)
		}

		if _, dup := out[data.Submission.SubmissionID]; dup {
			return fmt.Errorf("duplicate submission %q in %s", data.Submission.SubmissionID, name)
		}
		out[data.Submission.SubmissionID] = data
	}

	return nil
}

func Validate(d *models.SubmissionData) error {
	sub := d.Submission
	if sub.SubmissionID == "" {
		return fmt.Errorf("%w: fixture must have a submission_id", models.ErrValidation)
	}
	if sub.OwnerID == "" {
		return fmt.Errorf("%w: fixture must have an owner_id", models.ErrValidation)
	}
	if sub.SubmittedAt.IsZero() {
		return fmt.Errorf("%w: fixture must have submitted_at", models.ErrValidation)
	}
	if sub.IntakeCompleteness < 0 || sub.IntakeCompleteness > 1 {
		return fmt.Errorf("%w: intake_completeness must be within [0,1]", models.ErrValidation)
	}

	known := make(map[models.Stream]bool, len(models.Streams))
	for _, s := range models.Streams {
		known[s] = true
	}
	for i, p := range d.Points {
		if !known[p.Stream] || p.Stream == models.StreamLabs {
			return fmt.Errorf("%w: point %d has unknown stream %q", models.ErrValidation, i, p.Stream)
		}
		if p.Timestamp.IsZero() {
			return fmt.Errorf("%w: point %d has no timestamp", models.ErrValidation, i)
		}
	}

	for i, a := range d.Analytes {
		if a.Name == "" || a.Source == "" {
			return fmt.Errorf("%w: analyte %d must have a name and source", models.ErrValidation, i)
		}
		if a.CollectedAt.IsZero() {
			return fmt.Errorf("%w: analyte %s has no collected_at", models.ErrValidation, a.Name)
		}
	}

	return nil
}
