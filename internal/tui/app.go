package tui

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mpataki/healthgate/internal/models"
	"github.com/mpataki/healthgate/internal/orchestrator"
	"github.com/mpataki/healthgate/internal/report"
)

// Backend is the part of the orchestrator the browser needs.
type Backend interface {
	ListRuns(ctx context.Context, ownerID string, limit int) ([]*models.Run, error)
	GetRun(ctx context.Context, runID string) (*models.Run, error)
	RunSummary(ctx context.Context, runID string) (*models.Summary, error)
	Retry(ctx context.Context, submissionID, ownerID string) (*models.Run, error)
	ExecuteRun(ctx context.Context, runID string) (*orchestrator.Result, error)
}

type View int

const (
	ViewRunList View = iota
	ViewRunDetail
)

const listLimit = 50

type App struct {
	backend Backend
	owner   string
	now     func() time.Time

	view      View
	runs      []*models.Run
	cursor    int
	detailRun *models.Run
	summary   *models.Summary
	viewport  viewport.Model
	status    string

	width  int
	height int
	err    error
}

// NewApp browses the runs of owner.
func NewApp(backend Backend, owner string) *App {
	return &App{
		backend:  backend,
		owner:    owner,
		now:      time.Now,
		view:     ViewRunList,
		viewport: viewport.New(80, 20),
	}
}

func (a *App) Init() tea.Cmd {
	return tea.Batch(a.loadRuns, a.tickCmd())
}

func (a *App) tickCmd() tea.Cmd {
	return tea.Tick(2*time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (a *App) hasActiveRuns() bool {
	for _, run := range a.runs {
		if !run.Status.Terminal() {
			return true
		}
	}
	return false
}

type tickMsg time.Time

func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return a.handleKey(msg)

	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		a.viewport.Width = msg.Width
		// title, status line and help
		a.viewport.Height = max(msg.Height-5, 1)
		return a, nil

	case runsLoadedMsg:
		a.runs = msg.runs
		a.err = msg.err
		if a.cursor >= len(a.runs) {
			a.cursor = max(len(a.runs)-1, 0)
		}
		return a, nil

	case tickMsg:
		if a.view == ViewRunList && a.hasActiveRuns() {
			return a, tea.Batch(a.loadRuns, a.tickCmd())
		}
		return a, a.tickCmd()

	case runDetailMsg:
		a.err = msg.err
		if msg.err != nil {
			return a, nil
		}
		a.detailRun = msg.run
		a.summary = msg.summary
		a.viewport.SetContent(a.detailContent())
		a.viewport.GotoTop()
		a.view = ViewRunDetail
		return a, nil

	case retriedMsg:
		a.err = msg.err
		if msg.err == nil {
			a.status = fmt.Sprintf("retry %s for %s: %s", report.ShortID(msg.result.RunID), msg.submissionID, msg.result.Status)
			if msg.result.Error != "" {
				a.status += " (" + msg.result.Error + ")"
			}
		}
		a.view = ViewRunList
		a.cursor = 0
		return a, a.loadRuns
	}

	if a.view == ViewRunDetail {
		var cmd tea.Cmd
		a.viewport, cmd = a.viewport.Update(msg)
		return a, cmd
	}
	return a, nil
}

func (a *App) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch a.view {
	case ViewRunList:
		return a.handleRunListKey(msg)
	case ViewRunDetail:
		return a.handleRunDetailKey(msg)
	}
	return a, nil
}

func (a *App) selected() *models.Run {
	if len(a.runs) == 0 || a.cursor >= len(a.runs) {
		return nil
	}
	return a.runs[a.cursor]
}

func (a *App) handleRunListKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		return a, tea.Quit

	case "up", "k":
		if a.cursor > 0 {
			a.cursor--
		}

	case "down", "j":
		if a.cursor < len(a.runs)-1 {
			a.cursor++
		}

	case "enter":
		if run := a.selected(); run != nil {
			return a, a.loadRunDetail(run.RunID)
		}

	case "r":
		if run := a.selected(); run != nil {
			a.status = "retrying " + run.SubmissionID + "..."
			return a, a.retry(run)
		}

	case "g":
		a.status = ""
		return a, a.loadRuns
	}

	return a, nil
}

func (a *App) handleRunDetailKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "esc":
		a.view = ViewRunList
		a.detailRun = nil
		a.summary = nil

	case "ctrl+c":
		return a, tea.Quit

	case "r":
		if a.detailRun != nil {
			a.status = "retrying " + a.detailRun.SubmissionID + "..."
			return a, a.retry(a.detailRun)
		}

	default:
		var cmd tea.Cmd
		a.viewport, cmd = a.viewport.Update(msg)
		return a, cmd
	}

	return a, nil
}

func (a *App) View() string {
	switch a.view {
	case ViewRunList:
		return a.viewRunList()
	case ViewRunDetail:
		return a.viewRunDetail()
	}
	return ""
}

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205"))

	selectedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("229")).
			Background(lipgloss.Color("57"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243"))

	statusRunning   = lipgloss.NewStyle().Foreground(lipgloss.Color("220"))
	statusCompleted = lipgloss.NewStyle().Foreground(lipgloss.Color("46"))
	statusFailed    = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	statusQueued    = lipgloss.NewStyle().Foreground(lipgloss.Color("243"))

	errorStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))
)

func (a *App) viewRunList() string {
	s := titleStyle.Render("Healthgate") + "\n\n"

	if a.err != nil {
		s += errorStyle.Render(fmt.Sprintf("Error: %v", a.err)) + "\n"
	}
	if a.status != "" {
		s += dimStyle.Render(a.status) + "\n"
	}

	if len(a.runs) == 0 {
		s += "No runs yet. Seed some submissions and run `healthgate run`.\n"
	} else {
		s += "Recent Runs\n"
		s += "───────────\n"

		for i, run := range a.runs {
			line := a.formatRunLine(run)
			switch {
			case i == a.cursor:
				line = selectedStyle.Render("▶ " + line)
			case run.Superseded:
				line = "  " + dimStyle.Render(line)
			default:
				line = "  " + line
			}
			s += line + "\n"
		}
	}

	s += "\n" + helpStyle.Render("[enter] summary  [r] retry  [g] refresh  [q] quit")

	return s
}

func (a *App) formatRunLine(run *models.Run) string {
	current := " "
	if run.Current() {
		current = "*"
	}
	age := report.FormatTimeAgo(run.CreatedAt, a.now())
	return fmt.Sprintf("%s %-8s %-20s %s  %-6s  %s",
		current, report.ShortID(run.RunID), truncate(run.SubmissionID, 20), a.formatStatus(run.Status), run.Trigger, age)
}

func (a *App) formatStatus(status models.RunStatus) string {
	switch status {
	case models.RunStatusRunning:
		return statusRunning.Render("● running  ")
	case models.RunStatusCompleted:
		return statusCompleted.Render("✓ completed")
	case models.RunStatusFailed:
		return statusFailed.Render("✗ failed   ")
	case models.RunStatusQueued:
		return statusQueued.Render("○ queued   ")
	default:
		return string(status)
	}
}

func (a *App) detailContent() string {
	run := a.detailRun
	s := report.Status(report.ASCII, run) + "\n\n"
	switch {
	case a.summary != nil:
		s += report.Summary(report.ASCII, a.summary)
	case run.Status == models.RunStatusFailed:
		s += "(run failed, no summary)\n"
	default:
		s += "(summary not available yet)\n"
	}
	return s
}

func (a *App) viewRunDetail() string {
	if a.detailRun == nil {
		return "No run selected"
	}

	run := a.detailRun
	header := fmt.Sprintf("Run %s: %s", report.ShortID(run.RunID), run.SubmissionID)
	s := titleStyle.Render(header) + "  " + a.formatStatus(run.Status) + "\n\n"
	if a.err != nil {
		s += errorStyle.Render(fmt.Sprintf("Error: %v", a.err)) + "\n"
	}

	s += a.viewport.View() + "\n"
	s += helpStyle.Render(fmt.Sprintf("%3.f%%  [↑/↓] scroll  [r] retry  [esc] back", a.viewport.ScrollPercent()*100))

	return s
}

// Messages

type runsLoadedMsg struct {
	runs []*models.Run
	err  error
}

type runDetailMsg struct {
	run     *models.Run
	summary *models.Summary
	err     error
}

type retriedMsg struct {
	submissionID string
	result       *orchestrator.Result
	err          error
}

// Commands

func (a *App) loadRuns() tea.Msg {
	runs, err := a.backend.ListRuns(context.Background(), a.owner, listLimit)
	return runsLoadedMsg{runs: runs, err: err}
}

func (a *App) loadRunDetail(runID string) tea.Cmd {
	return func() tea.Msg {
		ctx := context.Background()
		run, err := a.backend.GetRun(ctx, runID)
		if err != nil {
			return runDetailMsg{err: err}
		}
		if run.Status != models.RunStatusCompleted {
			return runDetailMsg{run: run}
		}

		summary, err := a.backend.RunSummary(ctx, runID)
		if errors.Is(err, models.ErrNotFound) {
			err = nil
		}
		return runDetailMsg{run: run, summary: summary, err: err}
	}
}

// retry supersedes the submission's latest run and executes the new one.
func (a *App) retry(run *models.Run) tea.Cmd {
	submissionID, ownerID := run.SubmissionID, run.OwnerID
	return func() tea.Msg {
		ctx := context.Background()
		next, err := a.backend.Retry(ctx, submissionID, ownerID)
		if err != nil {
			return retriedMsg{err: err}
		}
		res, err := a.backend.ExecuteRun(ctx, next.RunID)
		return retriedMsg{submissionID: submissionID, result: res, err: err}
	}
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
