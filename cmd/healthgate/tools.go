package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mpataki/healthgate/internal/confidence"
	"github.com/mpataki/healthgate/internal/gating"
	"github.com/mpataki/healthgate/internal/models"
	"github.com/mpataki/healthgate/internal/priors"
	"github.com/mpataki/healthgate/internal/report"
)

// openPriors loads only the priors pack; the stateless tools need no database.
func openPriors(cmd *cobra.Command) (*env, error) {
	path, _ := cmd.Flags().GetString("priors")
	p, err := priors.Load(path)
	if err != nil {
		return nil, err
	}
	e := &env{priors: p, mode: report.ASCII, out: cmd.OutOrStdout()}
	applyOutputFlags(cmd, e)
	return e, nil
}

func optFloat(cmd *cobra.Command, name string) *float64 {
	if !cmd.Flags().Changed(name) {
		return nil
	}
	v, _ := cmd.Flags().GetFloat64(name)
	return &v
}

func optInt(cmd *cobra.Command, name string) *int {
	if !cmd.Flags().Changed(name) {
		return nil
	}
	v, _ := cmd.Flags().GetInt(name)
	return &v
}

func newGateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "gate <output>",
		Short: "Evaluate the output gate for hypothetical inputs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			days, _ := cmd.Flags().GetInt("days")
			hasAnchor, _ := cmd.Flags().GetBool("anchor")

			e, err := openPriors(cmd)
			if err != nil {
				return err
			}

			decision, err := gating.NewEngine(e.priors.GatingThresholds()).CheckGate(gating.Request{
				Output:            args[0],
				DaysOfData:        days,
				SignalQuality:     optFloat(cmd, "quality"),
				HasAnchor:         hasAnchor,
				AnchorRecencyDays: optInt(cmd, "anchor-age"),
			})
			if err != nil {
				return err
			}
			return e.print(decision, func() string { return report.Gate(e.mode, decision) })
		},
	}

	cmd.Flags().String("priors", "", "Priors pack path (default: embedded)")
	cmd.Flags().Int("days", 0, "Days of data")
	cmd.Flags().Float64("quality", 0, "Signal quality in [0,1] (unset: assumed)")
	cmd.Flags().Bool("anchor", false, "A lab anchor is present")
	cmd.Flags().Int("anchor-age", 0, "Anchor age in days")
	return cmd
}

func newScoreCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "score",
		Short: "Compute a confidence score for hypothetical inputs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			typeName, _ := cmd.Flags().GetString("type")
			completeness, _ := cmd.Flags().GetFloat64("completeness")
			anchorQuality, _ := cmd.Flags().GetFloat64("anchor-quality")

			outputType, err := models.AsOutputType(typeName)
			if err != nil {
				return err
			}

			e, err := openPriors(cmd)
			if err != nil {
				return err
			}

			result, err := confidence.NewScorer(e.priors.ConfidenceParameters()).Compute(confidence.Input{
				OutputType:        outputType,
				Completeness:      completeness,
				AnchorQuality:     anchorQuality,
				RecencyDays:       optFloat(cmd, "recency"),
				SignalQuality:     optFloat(cmd, "quality"),
				SignalStability:   optFloat(cmd, "stability"),
				ModalityAlignment: optFloat(cmd, "alignment"),
			})
			if err != nil {
				return err
			}
			return e.print(result, func() string { return report.Confidence(e.mode, result) })
		},
	}

	cmd.Flags().String("priors", "", "Priors pack path (default: embedded)")
	cmd.Flags().String("type", string(models.OutputInferredWide), "Output type")
	cmd.Flags().Float64("completeness", 0, "Data completeness in [0,1]")
	cmd.Flags().Float64("anchor-quality", 0, "Anchor quality in [0,1]")
	cmd.Flags().Float64("recency", 0, "Days since the most recent anchor")
	cmd.Flags().Float64("quality", 0, "Signal quality in [0,1]")
	cmd.Flags().Float64("stability", 0, "Signal stability in [0,1]")
	cmd.Flags().Float64("alignment", 0, "Modality alignment in [0,1]")
	return cmd
}

func newPriorsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "priors",
		Short: "Show the priors pack, or place a value against it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			metric, _ := cmd.Flags().GetString("metric")
			analyte, _ := cmd.Flags().GetString("analyte")
			units, _ := cmd.Flags().GetString("units")
			value, _ := cmd.Flags().GetFloat64("value")
			age, _ := cmd.Flags().GetInt("age")
			sex, _ := cmd.Flags().GetString("sex")

			e, err := openPriors(cmd)
			if err != nil {
				return err
			}
			p := e.priors

			switch {
			case metric != "":
				rank, ok := p.PercentileRank(metric, value, age, sex)
				if !ok {
					return fmt.Errorf("%w: no percentiles for %s (age %d, sex %q)", models.ErrNotFound, metric, age, sex)
				}
				out := map[string]any{"metric": metric, "value": value, "percentile": rank}
				return e.print(out, func() string {
					return fmt.Sprintf("%s %g is at percentile %.1f\n", metric, value, rank)
				})

			case analyte != "":
				v := p.Validate(analyte, value, units, age, sex)
				return e.print(v, func() string {
					return fmt.Sprintf("%s %g %s: %s (%s)\n", analyte, value, units, v.Status, v.Message)
				})
			}

			m := p.Manifest()
			out := map[string]any{"manifest": m, "checksum": p.Checksum()}
			return e.print(out, func() string {
				t := report.NewTable(e.mode)
				t.Header("Field", "Value")
				t.Row("source", m.Source)
				t.Row("version", m.Version)
				t.Row("schema", m.Schema)
				t.Row("sha256", p.Checksum())
				return t.String() + "\n"
			})
		},
	}

	cmd.Flags().String("priors", "", "Priors pack path (default: embedded)")
	cmd.Flags().String("metric", "", "Vitals metric to rank (e.g. resting_hr_bpm)")
	cmd.Flags().String("analyte", "", "Lab analyte to validate (e.g. hba1c)")
	cmd.Flags().String("units", "", "Units of --value for --analyte")
	cmd.Flags().Float64("value", 0, "Value to place")
	cmd.Flags().Int("age", 40, "Age in years")
	cmd.Flags().String("sex", "M", "Sex stratum (M or F)")
	return cmd
}
