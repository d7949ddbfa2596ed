package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/danielpatrickdp/ternary-mixer/go-controller/internal/engine"
	"github.com/danielpatrickdp/ternary-mixer/go-controller/internal/telemetry"
	"github.com/danielpatrickdp/ternary-mixer/go-controller/internal/trace"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run one independent simulation per collapse alpha",
	Long: `Runs the configured system once per --alphas value. Each run owns its own
processors and mixer, so runs execute in parallel up to --parallel.`,
	RunE: runSweep,
}

func init() {
	rootCmd.AddCommand(sweepCmd)

	sweepCmd.Flags().String("config", "", "Path to a YAML run file")
	sweepCmd.Flags().Float64Slice("alphas", []float64{0.01, 0.05, 0.1}, "Collapse strengths to compare")
	sweepCmd.Flags().Int("parallel", 4, "Maximum concurrent runs")
	sweepCmd.Flags().Int("steps", 0, "Override the step budget")
	sweepCmd.Flags().String("db", "", "SQLite trace database (env TERNARY_DB)")
	sweepCmd.Flags().String("metrics-file", "", "Write Prometheus textfile metrics here (env TERNARY_METRICS_FILE)")
	sweepCmd.Flags().Bool("json", false, "Print results as JSON")
}

type sweepResult struct {
	Alpha   float64        `json:"alpha"`
	Summary engine.Summary `json:"summary"`
}

func runSweep(cmd *cobra.Command, _ []string) error {
	base, err := loadRunConfig(cmd)
	if err != nil {
		return err
	}
	alphas, _ := cmd.Flags().GetFloat64Slice("alphas")
	parallel, _ := cmd.Flags().GetInt("parallel")
	if len(alphas) == 0 {
		return fmt.Errorf("sweep: no alphas given")
	}
	if parallel < 1 {
		parallel = 1
	}
	logger, err := newLogger(cmd, base.Output)
	if err != nil {
		return err
	}

	metrics, err := telemetry.New(nil)
	if err != nil {
		return err
	}
	var store *trace.Store
	if base.Output.DB != "" {
		if store, err = trace.NewStore(base.Output.DB); err != nil {
			return err
		}
		defer store.Close()
	}

	results := make([]sweepResult, len(alphas))
	g, ctx := errgroup.WithContext(cmd.Context())
	g.SetLimit(parallel)
	for i, alpha := range alphas {
		g.Go(func() error {
			cfg := base
			cfg.Schedule.Alpha = alpha
			cfg.Label = fmt.Sprintf("%s alpha=%g", base.Label, alpha)
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("alpha %g: %w", alpha, err)
			}

			opts, err := cfg.WriterOptions()
			if err != nil {
				return fmt.Errorf("alpha %g: %w", alpha, err)
			}
			opts = append(opts, engine.WithLogger(logger.With("alpha", alpha)), engine.WithRecorder(metrics))

			var rec *trace.Recorder
			if store != nil {
				if rec, err = startTrace(ctx, store, cfg); err != nil {
					return fmt.Errorf("alpha %g: %w", alpha, err)
				}
				opts = append(opts, engine.WithRunID(rec.RunID()), engine.WithRecorder(rec))
			}

			e, err := engine.New(cfg.EngineConfig(), opts...)
			if err != nil {
				return fmt.Errorf("alpha %g: %w", alpha, err)
			}
			sum, err := e.Run(ctx, cfg.EngineSchedule())
			if err != nil {
				return fmt.Errorf("alpha %g: %w", alpha, err)
			}
			if rec != nil {
				if err := rec.Finish(ctx, e, sum); err != nil {
					return fmt.Errorf("alpha %g: %w", alpha, err)
				}
			}
			results[i] = sweepResult{Alpha: alpha, Summary: sum}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	if base.Output.MetricsFile != "" {
		if err := metrics.WriteTextfile(base.Output.MetricsFile); err != nil {
			logger.Error("metrics export failed", "err", err)
		}
	}

	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		return writeJSON(cmd.OutOrStdout(), results)
	}
	return printSweep(cmd.OutOrStdout(), results)
}

func printSweep(w io.Writer, results []sweepResult) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ALPHA\tSTEPS\tCOLLAPSES\tI\tN\tU\tGAIN\tRATIO\tREADY\tSTOPPED")
	for _, r := range results {
		s := r.Summary
		m := s.Final.Masses
		fmt.Fprintf(tw, "%g\t%d\t%d\t%.6g\t%.6g\t%.6g\t%.4g\t%.4f\t%t\t%s\n",
			r.Alpha, s.Steps, s.Collapses, m.Admitted, m.Excluded, m.Undecided,
			s.Final.Mixer.LoopGain, s.Final.Mixer.CollapseRatio, s.Ready, s.StoppedBy)
	}
	return tw.Flush()
}
