package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/mpataki/healthgate/internal/config"
	"github.com/mpataki/healthgate/internal/fixture"
	"github.com/mpataki/healthgate/internal/logging"
	"github.com/mpataki/healthgate/internal/models"
	"github.com/mpataki/healthgate/internal/orchestrator"
	"github.com/mpataki/healthgate/internal/priors"
	"github.com/mpataki/healthgate/internal/report"
	"github.com/mpataki/healthgate/internal/rules"
	"github.com/mpataki/healthgate/internal/storage"
	"github.com/mpataki/healthgate/internal/tui"
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "healthgate",
		Short:         "Data-quality gating and confidence scoring",
		Long:          "Healthgate analyzes submitted health data, gates derived outputs and scores their confidence.",
		RunE:          runTUI,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().Bool("json", false, "Print JSON instead of tables")
	rootCmd.PersistentFlags().Bool("markdown", false, "Render tables as Markdown")
	rootCmd.PersistentFlags().String("owner", "", "Owner id (default from config)")

	rootCmd.AddCommand(newSeedCommand())
	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(newRetryCommand())
	rootCmd.AddCommand(newStatusCommand())
	rootCmd.AddCommand(newSummaryCommand())
	rootCmd.AddCommand(newHistoryCommand())
	rootCmd.AddCommand(newGateCommand())
	rootCmd.AddCommand(newScoreCommand())
	rootCmd.AddCommand(newPriorsCommand())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		stop()
		os.Exit(1)
	}
}

// env holds everything a command needs, opened once per invocation.
type env struct {
	cfg    *config.Config
	store  *storage.Storage
	priors *priors.Store
	orch   *orchestrator.Orchestrator
	owner  string
	mode   report.Mode
	json   bool
	out    io.Writer
}

// setup loads config and opens the database. logTo overrides stderr as the
// log destination.
func setup(cmd *cobra.Command, logTo io.Writer) (*env, error) {
	cfg, err := config.New()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	level, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	logging.Init(level, cfg.LogFormat, logTo)

	if err := cfg.EnsureDataDir(); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	p, err := priors.Load(cfg.PriorsPath)
	if err != nil {
		return nil, err
	}

	ruleEngine, err := rules.Load(cfg.RulesDir)
	if err != nil {
		return nil, err
	}

	store, err := storage.New(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	e := &env{
		cfg:    cfg,
		store:  store,
		priors: p,
		orch:   orchestrator.New(store, store, orchestrator.NewPipeline(p, ruleEngine)),
		owner:  cfg.Owner,
		mode:   report.ASCII,
		out:    cmd.OutOrStdout(),
	}
	applyOutputFlags(cmd, e)
	return e, nil
}

func applyOutputFlags(cmd *cobra.Command, e *env) {
	if owner, _ := cmd.Flags().GetString("owner"); owner != "" {
		e.owner = owner
	}
	if md, _ := cmd.Flags().GetBool("markdown"); md {
		e.mode = report.Markdown
	}
	e.json, _ = cmd.Flags().GetBool("json")
}

func (e *env) Close() error {
	return e.store.Close()
}

// print writes v as indented JSON when --json is set and text() otherwise.
func (e *env) print(v any, text func() string) error {
	if e.json {
		enc := json.NewEncoder(e.out)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	_, err := fmt.Fprint(e.out, text())
	return err
}

func runTUI(cmd *cobra.Command, args []string) error {
	cfg, err := config.New()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.EnsureDataDir(); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	// stderr belongs to the terminal UI
	logFile, err := os.OpenFile(filepath.Join(cfg.DataDir, "healthgate.log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	defer logFile.Close()

	e, err := setup(cmd, logFile)
	if err != nil {
		return err
	}
	defer e.Close()

	app := tui.NewApp(e.orch, e.owner)
	p := tea.NewProgram(app, tea.WithAltScreen(), tea.WithContext(cmd.Context()))

	_, err = p.Run()
	return err
}

func newSeedCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "seed [dir...]",
		Short: "Load submissions from YAML fixtures",
		RunE: func(cmd *cobra.Command, args []string) error {
			demo, _ := cmd.Flags().GetBool("demo")
			if !demo && len(args) == 0 {
				return fmt.Errorf("pass fixture directories or --demo")
			}

			e, err := setup(cmd, nil)
			if err != nil {
				return err
			}
			defer e.Close()

			var fixtures map[string]*models.SubmissionData
			if demo {
				fixtures, err = fixture.Demo()
			} else {
				fixtures, err = fixture.LoadAll(args)
			}
			if err != nil {
				return fmt.Errorf("failed to load fixtures: %w", err)
			}

			ids := make([]string, 0, len(fixtures))
			for id := range fixtures {
				ids = append(ids, id)
			}
			sort.Strings(ids)

			for _, id := range ids {
				if err := e.store.PutSubmission(cmd.Context(), *fixtures[id]); err != nil {
					return fmt.Errorf("failed to store %s: %w", id, err)
				}
				d := fixtures[id]
				fmt.Fprintf(e.out, "Seeded %s (owner %s): %d points, %d analytes\n",
					id, d.Submission.OwnerID, len(d.Points), len(d.Analytes))
			}
			return nil
		},
	}

	cmd.Flags().Bool("demo", false, "Seed the built-in demo submissions")
	return cmd
}

func newRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run [submission]",
		Short: "Analyze a submission synchronously",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			all, _ := cmd.Flags().GetBool("all")
			triggerName, _ := cmd.Flags().GetString("trigger")
			concurrency, _ := cmd.Flags().GetInt("concurrency")

			trigger, err := models.AsTrigger(triggerName)
			if err != nil {
				return err
			}
			if all == (len(args) == 1) {
				return fmt.Errorf("pass exactly one of <submission> or --all")
			}

			e, err := setup(cmd, nil)
			if err != nil {
				return err
			}
			defer e.Close()

			if !all {
				res, err := e.orch.RunSynchronous(cmd.Context(), args[0], e.owner, trigger)
				if err != nil {
					return err
				}
				return e.print(res, func() string {
					s := fmt.Sprintf("Run %s: %s\n", res.RunID, res.Status)
					if res.Error != "" {
						s += "Error: " + res.Error + "\n"
					}
					if res.Summary != nil {
						s += "\n" + report.Summary(e.mode, res.Summary)
					}
					return s
				})
			}

			results, err := runAll(cmd.Context(), e, trigger, concurrency)
			if err != nil {
				return err
			}
			return e.print(results, func() string {
				t := report.NewTable(e.mode)
				t.Header("Submission", "Run", "Status", "Error")
				for _, r := range results {
					t.Row(r.SubmissionID, report.ShortID(r.RunID), r.Status, r.Error)
				}
				return t.String() + "\n"
			})
		},
	}

	cmd.Flags().Bool("all", false, "Analyze every submission of the owner")
	cmd.Flags().String("trigger", string(models.TriggerManual), "Run trigger (auto, manual, retry)")
	cmd.Flags().Int("concurrency", 4, "Parallel runs with --all")
	return cmd
}

type batchResult struct {
	SubmissionID string `json:"submission_id"`
	*orchestrator.Result
}

// runAll executes one run per submission with at most limit in flight. A
// failed pipeline is a result, not an error; storage errors abort the batch.
func runAll(ctx context.Context, e *env, trigger models.Trigger, limit int) ([]batchResult, error) {
	subs, err := e.store.ListSubmissions(ctx, e.owner)
	if err != nil {
		return nil, err
	}

	results := make([]batchResult, len(subs))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(max(limit, 1))

	for i, sub := range subs {
		g.Go(func() error {
			res, err := e.orch.RunSynchronous(ctx, sub.SubmissionID, sub.OwnerID, trigger)
			if err != nil {
				return fmt.Errorf("%s: %w", sub.SubmissionID, err)
			}
			results[i] = batchResult{SubmissionID: sub.SubmissionID, Result: res}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func newRetryCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "retry <submission>",
		Short: "Supersede the latest run and analyze again",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := setup(cmd, nil)
			if err != nil {
				return err
			}
			defer e.Close()

			run, err := e.orch.Retry(cmd.Context(), args[0], e.owner)
			if err != nil {
				return fmt.Errorf("failed to retry: %w", err)
			}

			res, err := e.orch.ExecuteRun(cmd.Context(), run.RunID)
			if err != nil {
				return err
			}
			return e.print(res, func() string {
				s := fmt.Sprintf("Retry run %s: %s\n", res.RunID, res.Status)
				if res.Error != "" {
					s += "Error: " + res.Error + "\n"
				}
				return s
			})
		},
	}
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status <submission>",
		Short: "Show the latest run of a submission",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := setup(cmd, nil)
			if err != nil {
				return err
			}
			defer e.Close()

			run, err := e.orch.GetStatus(cmd.Context(), args[0], e.owner)
			if err != nil {
				return err
			}
			return e.print(run, func() string {
				if run == nil {
					return "No runs for " + args[0] + "\n"
				}
				return report.Status(e.mode, run) + "\n"
			})
		},
	}
}

func newSummaryCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "summary <submission>",
		Short: "Show the current summary of a submission",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			runID, _ := cmd.Flags().GetString("run")

			e, err := setup(cmd, nil)
			if err != nil {
				return err
			}
			defer e.Close()

			var summary *models.Summary
			if runID != "" {
				summary, err = e.orch.RunSummaryFor(cmd.Context(), args[0], e.owner, runID)
			} else {
				summary, err = e.orch.GetSummary(cmd.Context(), args[0], e.owner)
			}
			if err != nil {
				return err
			}

			return e.print(summary, func() string {
				if summary == nil {
					return "No completed run for " + args[0] + "\n"
				}
				return report.Summary(e.mode, summary)
			})
		},
	}

	cmd.Flags().String("run", "", "Show the summary of a specific (possibly superseded) run")
	return cmd
}

func newHistoryCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "history [submission]",
		Short: "List runs of a submission, or recent runs of all your submissions",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := setup(cmd, nil)
			if err != nil {
				return err
			}
			defer e.Close()

			var runs []*models.Run
			if len(args) == 1 {
				runs, err = e.orch.History(cmd.Context(), args[0], e.owner)
			} else {
				runs, err = e.orch.ListRuns(cmd.Context(), e.owner, 20)
			}
			if err != nil {
				return err
			}

			return e.print(runs, func() string {
				if len(runs) == 0 {
					return "No runs found.\n"
				}
				return report.Runs(e.mode, runs, time.Now()) + "\n"
			})
		},
	}
}
