package fixture

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mpataki/healthgate/internal/models"
)

const minimal = `
submission:
  submission_id: s1
  owner_id: o1
  submitted_at: 2026-01-10T00:00:00Z
  intake_completeness: 0.5
points:
  - {stream: vitals, metric: hr, ts: 2026-01-05T08:00:00Z, value: 61}
series:
  - stream: glucose
    metric: glucose
    start: 2026-01-01T00:00:00Z
    interval: 15m
    count: 8
    value: 100
    drop_every: 4
    noisy_every: 3
analytes:
  - {name: hba1c, value: 5.4, unit: "%", source: blood, collected_at: 2026-01-02T09:00:00Z}
`

func TestDecodeExpandsSeries(t *testing.T) {
	d, err := Decode([]byte(minimal))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	var glucose []models.StreamPoint
	for _, p := range d.Points {
		if p.Stream == models.StreamGlucose {
			glucose = append(glucose, p)
		}
	}
	// indexes 3 and 7 are dropped
	if len(glucose) != 6 {
		t.Fatalf("got %d glucose points, want 6", len(glucose))
	}
	if !glucose[1].Timestamp.Equal(time.Date(2026, 1, 1, 0, 15, 0, 0, time.UTC)) {
		t.Errorf("unexpected second timestamp %v", glucose[1].Timestamp)
	}
	noisy := 0
	for _, p := range glucose {
		if p.Noisy {
			noisy++
		}
	}
	if noisy != 2 {
		t.Errorf("noisy points = %d, want 2 (indexes 0 and 6)", noisy)
	}

	for i := 1; i < len(d.Points); i++ {
		if d.Points[i].Timestamp.Before(d.Points[i-1].Timestamp) {
			t.Fatal("points are not sorted by time")
		}
	}
	if len(d.Analytes) != 1 || d.Analytes[0].Name != "hba1c" {
		t.Errorf("analytes = %+v", d.Analytes)
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{"no id", "submission: {owner_id: o, submitted_at: 2026-01-01T00:00:00Z}"},
		{"no owner", "submission: {submission_id: s, submitted_at: 2026-01-01T00:00:00Z}"},
		{"no time", "submission: {submission_id: s, owner_id: o}"},
		{"bad intake", "submission: {submission_id: s, owner_id: o, submitted_at: 2026-01-01T00:00:00Z, intake_completeness: 2}"},
		{"unknown stream", "submission: {submission_id: s, owner_id: o, submitted_at: 2026-01-01T00:00:00Z}\npoints: [{stream: ecg, ts: 2026-01-01T00:00:00Z, value: 1}]"},
		{"analyte source", "submission: {submission_id: s, owner_id: o, submitted_at: 2026-01-01T00:00:00Z}\nanalytes: [{name: crp, value: 1, collected_at: 2026-01-01T00:00:00Z}]"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if _, err := Decode([]byte(c.yaml)); !errors.Is(err, models.ErrValidation) {
				t.Errorf("got %v, want ErrValidation", err)
			}
		})
	}
}

func TestLoadAll(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "a.yaml"), []byte(minimal), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0644); err != nil {
		t.Fatal(err)
	}

	got, err := LoadAll([]string{filepath.Join(dir, "missing"), dir})
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if len(got) != 1 || got["s1"] == nil {
		t.Errorf("LoadAll = %v", got)
	}

	if err := os.WriteFile(filepath.Join(dir, "b.yml"), []byte(minimal), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadAll([]string{dir}); err == nil {
		t.Error("expected duplicate submission error")
	}
}

func TestDemoFixtures(t *testing.T) {
	demo, err := Demo()
	if err != nil {
		t.Fatalf("Demo: %v", err)
	}
	for _, id := range []string{"demo-complete", "demo-sparse"} {
		if demo[id] == nil {
			t.Errorf("demo fixture %s missing", id)
		}
	}
}
