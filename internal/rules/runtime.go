// Package rules runs output-specific gate checks written as sandboxed Lua
// scripts. Each script defines check(input) and may restrict itself to a
// list of outputs with a global `outputs` table.
package rules

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	lua "github.com/yuin/gopher-lua"

	"github.com/mpataki/healthgate/internal/logging"
	"github.com/mpataki/healthgate/internal/models"
)

// Script is one loaded rule. Name doubles as the check name.
type Script struct {
	Name    string
	Source  string
	Outputs []string
}

func (s Script) appliesTo(output string) bool {
	if len(s.Outputs) == 0 {
		return true
	}
	for _, o := range s.Outputs {
		if o == output {
			return true
		}
	}
	return false
}

// Input is what a script sees as the argument to check().
type Input struct {
	Output            string
	DaysOfData        int
	SignalQuality     *float64
	HasAnchor         bool
	AnchorRecencyDays *int
	Age               int
	Sex               string
	Metrics           map[string]float64
}

type Engine struct {
	scripts []Script
	logger  *slog.Logger
}

func New(scripts ...Script) (*Engine, error) {
	e := &Engine{logger: logging.New("rules")}
	for _, s := range scripts {
		outputs, err := inspect(s)
		if err != nil {
			return nil, err
		}
		s.Outputs = outputs
		e.scripts = append(e.scripts, s)
	}
	sort.SliceStable(e.scripts, func(i, j int) bool { return e.scripts[i].Name < e.scripts[j].Name })
	return e, nil
}

// Load reads every *.lua file in dir. A missing directory yields an empty engine.
func Load(dir string) (*Engine, error) {
	if dir == "" {
		return New()
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return New()
		}
		return nil, fmt.Errorf("failed to read rules dir: %w", err)
	}

	var scripts []Script
	for _, entry := range entries {
		if entry.IsDir() || !IsRuleFile(entry.Name()) {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		src, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read rule %s: %w", path, err)
		}
		scripts = append(scripts, Script{
			Name:   strings.TrimSuffix(entry.Name(), filepath.Ext(entry.Name())),
			Source: string(src),
		})
	}

	return New(scripts...)
}

func IsRuleFile(path string) bool {
	return filepath.Ext(path) == ".lua"
}

func (e *Engine) Scripts() []Script {
	return e.scripts
}

// Evaluate runs every script that applies to in.Output, in name order. Any
// script error aborts the evaluation.
func (e *Engine) Evaluate(ctx context.Context, in Input) ([]models.Check, error) {
	var checks []models.Check
	for _, s := range e.scripts {
		if !s.appliesTo(in.Output) {
			continue
		}
		c, ok, err := e.run(ctx, s, in)
		if err != nil {
			return nil, fmt.Errorf("rule %s: %w", s.Name, err)
		}
		if ok {
			checks = append(checks, c)
		}
	}
	return checks, nil
}

func newState(ctx context.Context) *lua.LState {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	if ctx != nil {
		L.SetContext(ctx)
	}
	openSafeLibs(L)
	return L
}

// openSafeLibs loads base, table, string and math, minus anything that
// touches the filesystem, compiles code, or is non-deterministic.
func openSafeLibs(L *lua.LState) {
	lua.OpenBase(L)
	L.SetGlobal("loadfile", lua.LNil)
	L.SetGlobal("dofile", lua.LNil)
	L.SetGlobal("load", lua.LNil)
	L.SetGlobal("loadstring", lua.LNil)
	L.SetGlobal("print", lua.LNil)

	lua.OpenTable(L)
	lua.OpenString(L)
	lua.OpenMath(L)

	if tbl, ok := L.GetGlobal("math").(*lua.LTable); ok {
		L.SetField(tbl, "random", lua.LNil)
		L.SetField(tbl, "randomseed", lua.LNil)
	}
}

// inspect loads a script once to validate it and read its outputs list.
func inspect(s Script) ([]string, error) {
	L := newState(context.Background())
	defer L.Close()
	L.SetGlobal("log", L.NewFunction(func(*lua.LState) int { return 0 }))

	if err := L.DoString(s.Source); err != nil {
		return nil, fmt.Errorf("failed to load rule %s: %w", s.Name, err)
	}
	if _, ok := L.GetGlobal("check").(*lua.LFunction); !ok {
		return nil, fmt.Errorf("rule %s must define a 'check' function", s.Name)
	}

	var outputs []string
	switch v := L.GetGlobal("outputs").(type) {
	case *lua.LNilType:
	case *lua.LTable:
		v.ForEach(func(_, item lua.LValue) {
			if str, ok := item.(lua.LString); ok {
				outputs = append(outputs, string(str))
			}
		})
	default:
		return nil, fmt.Errorf("rule %s: 'outputs' must be a table of output names", s.Name)
	}
	return outputs, nil
}

func (e *Engine) run(ctx context.Context, s Script, in Input) (models.Check, bool, error) {
	L := newState(ctx)
	defer L.Close()

	logger := e.logger.With(slog.String("rule", s.Name), slog.String("output", in.Output))
	L.SetGlobal("log", L.NewFunction(func(L *lua.LState) int {
		logger.Debug(L.CheckString(1))
		return 0
	}))

	if err := L.DoString(s.Source); err != nil {
		return models.Check{}, false, err
	}

	L.Push(L.GetGlobal("check"))
	L.Push(inputToTable(L, in))
	if err := L.PCall(1, 1, nil); err != nil {
		return models.Check{}, false, err
	}

	ret := L.Get(-1)
	L.Pop(1)

	switch v := ret.(type) {
	case *lua.LNilType:
		return models.Check{}, false, nil
	case *lua.LTable:
		passed, ok := v.RawGetString("passed").(lua.LBool)
		if !ok {
			return models.Check{}, false, fmt.Errorf("check() result must set boolean 'passed'")
		}
		return models.Check{
			Name:        s.Name,
			Passed:      bool(passed),
			Reason:      optString(v, "reason"),
			Remediation: optString(v, "remediation"),
		}, true, nil
	default:
		return models.Check{}, false, fmt.Errorf("check() must return a table or nil, got %s", ret.Type())
	}
}

func optString(tbl *lua.LTable, key string) string {
	if s, ok := tbl.RawGetString(key).(lua.LString); ok {
		return string(s)
	}
	return ""
}

func inputToTable(L *lua.LState, in Input) *lua.LTable {
	tbl := L.NewTable()
	L.SetField(tbl, "output", lua.LString(in.Output))
	L.SetField(tbl, "days_of_data", lua.LNumber(in.DaysOfData))
	L.SetField(tbl, "has_anchor", lua.LBool(in.HasAnchor))
	L.SetField(tbl, "age", lua.LNumber(in.Age))
	L.SetField(tbl, "sex", lua.LString(in.Sex))
	if in.SignalQuality != nil {
		L.SetField(tbl, "signal_quality", lua.LNumber(*in.SignalQuality))
	}
	if in.AnchorRecencyDays != nil {
		L.SetField(tbl, "anchor_recency_days", lua.LNumber(*in.AnchorRecencyDays))
	}

	metrics := L.NewTable()
	for k, v := range in.Metrics {
		L.SetField(metrics, k, lua.LNumber(v))
	}
	L.SetField(tbl, "metrics", metrics)
	return tbl
}
