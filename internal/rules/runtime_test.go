package rules

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/mpataki/healthgate/internal/models"
)

const glucoseFloor = `
outputs = {"a1c_estimate", "glucose_variability"}

function check(input)
  local mean = input.metrics.glucose_mean
  if mean == nil then
    return nil
  end
  if mean < 40 then
    return {passed = false, reason = string.format("mean glucose %.0f is implausible", mean), remediation = "Recalibrate the sensor"}
  end
  return {passed = true, reason = "mean glucose plausible"}
end
`

const ageLimit = `
function check(input)
  log("checking age " .. input.age)
  if input.age < 18 then
    return {passed = false, reason = "adult reference ranges only"}
  end
  return nil
end
`

func writeRules(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, src := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(src), 0644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	return dir
}

func TestLoadAndEvaluate(t *testing.T) {
	dir := writeRules(t, map[string]string{
		"glucose_floor.lua": glucoseFloor,
		"age_limit.lua":     ageLimit,
		"README.md":         "not a rule",
	})

	e, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(e.Scripts()) != 2 {
		t.Fatalf("expected 2 scripts, got %d", len(e.Scripts()))
	}

	got, err := e.Evaluate(context.Background(), Input{
		Output:  "a1c_estimate",
		Age:     16,
		Metrics: map[string]float64{"glucose_mean": 30},
	})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}

	want := []models.Check{
		{Name: "age_limit", Passed: false, Reason: "adult reference ranges only"},
		{Name: "glucose_floor", Passed: false, Reason: "mean glucose 30 is implausible", Remediation: "Recalibrate the sensor"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("checks mismatch (-want +got):\n%s", diff)
	}
}

func TestOutputsFilter(t *testing.T) {
	e, err := New(Script{Name: "glucose_floor", Source: glucoseFloor})
	if err != nil {
		t.Fatal(err)
	}

	got, err := e.Evaluate(context.Background(), Input{Output: "bp_estimate", Metrics: map[string]float64{"glucose_mean": 10}})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Errorf("rule should not apply to bp_estimate: %+v", got)
	}
}

func TestMissingDirIsEmpty(t *testing.T) {
	e, err := Load(filepath.Join(t.TempDir(), "nope"))
	if err != nil {
		t.Fatal(err)
	}
	got, err := e.Evaluate(context.Background(), Input{Output: "a1c_estimate"})
	if err != nil || len(got) != 0 {
		t.Errorf("got %v, %v", got, err)
	}
}

func TestSandbox(t *testing.T) {
	cases := map[string]string{
		"os":         `function check(input) return {passed = os.time() > 0} end`,
		"io":         `function check(input) io.open("/etc/passwd") end`,
		"load":       `function check(input) return load("return 1")() end`,
		"random":     `function check(input) return {passed = math.random() > 0.5} end`,
		"dofile":     `function check(input) dofile("/tmp/x.lua") end`,
		"bad return": `function check(input) return 42 end`,
		"no passed":  `function check(input) return {reason = "x"} end`,
	}
	for name, src := range cases {
		t.Run(name, func(t *testing.T) {
			e, err := New(Script{Name: "probe", Source: src})
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			if _, err := e.Evaluate(context.Background(), Input{Output: "x"}); err == nil {
				t.Error("expected evaluation error")
			}
		})
	}
}

func TestLoadRejectsInvalidScripts(t *testing.T) {
	if _, err := New(Script{Name: "nocheck", Source: `x = 1`}); err == nil || !strings.Contains(err.Error(), "check") {
		t.Errorf("expected missing check error, got %v", err)
	}
	if _, err := New(Script{Name: "syntax", Source: `function check(`}); err == nil {
		t.Error("expected syntax error")
	}
	if _, err := New(Script{Name: "outputs", Source: "outputs = 3\nfunction check(i) end"}); err == nil {
		t.Error("expected outputs type error")
	}
}

func TestCancelledContext(t *testing.T) {
	e, err := New(Script{Name: "spin", Source: `function check(input) while true do end end`})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := e.Evaluate(ctx, Input{Output: "x"}); err == nil {
		t.Error("expected cancelled evaluation to fail")
	}
}
