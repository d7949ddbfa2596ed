package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/danielpatrickdp/ternary-mixer/go-controller/internal/config"
	"github.com/danielpatrickdp/ternary-mixer/go-controller/internal/engine"
	"github.com/danielpatrickdp/ternary-mixer/go-controller/internal/logging"
	"github.com/danielpatrickdp/ternary-mixer/go-controller/internal/telemetry"
	"github.com/danielpatrickdp/ternary-mixer/go-controller/internal/trace"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one simulation",
	Long: `Seeds the three processors, steps the mixer on the configured schedule and
prints a summary. With --db every step and collapse is traced to SQLite.`,
	RunE: runSimulation,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().String("config", "", "Path to a YAML run file")
	runCmd.Flags().Int("steps", 0, "Override the step budget")
	runCmd.Flags().String("db", "", "SQLite trace database (env TERNARY_DB)")
	runCmd.Flags().String("metrics-file", "", "Write Prometheus textfile metrics here (env TERNARY_METRICS_FILE)")
	runCmd.Flags().Bool("json", false, "Print the summary as JSON")
}

func runSimulation(cmd *cobra.Command, _ []string) error {
	cfg, err := loadRunConfig(cmd)
	if err != nil {
		return err
	}
	logger, err := newLogger(cmd, cfg.Output)
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	metrics, err := telemetry.New(nil)
	if err != nil {
		return err
	}
	opts, err := cfg.WriterOptions()
	if err != nil {
		return err
	}
	opts = append(opts, engine.WithLogger(logger), engine.WithRecorder(metrics))

	var rec *trace.Recorder
	if cfg.Output.DB != "" {
		store, err := trace.NewStore(cfg.Output.DB)
		if err != nil {
			return err
		}
		defer store.Close()
		if rec, err = startTrace(ctx, store, cfg); err != nil {
			return err
		}
		opts = append(opts, engine.WithRunID(rec.RunID()), engine.WithRecorder(rec))
	}

	e, err := engine.New(cfg.EngineConfig(), opts...)
	if err != nil {
		return err
	}
	logger.Info("run started", "run_id", e.RunID(), "label", cfg.Label, "steps", cfg.Schedule.Steps)

	sum, runErr := e.Run(ctx, cfg.EngineSchedule())
	logger.Info("final state", logging.SnapshotAttrs(sum.Final)...)

	if rec != nil {
		if err := rec.Finish(context.WithoutCancel(ctx), e, sum); err != nil {
			logger.Error("trace finish failed", "err", err)
		}
	}
	if cfg.Output.MetricsFile != "" {
		if err := metrics.WriteTextfile(cfg.Output.MetricsFile); err != nil {
			logger.Error("metrics export failed", "err", err)
		}
	}

	asJSON, _ := cmd.Flags().GetBool("json")
	if err := printSummary(cmd.OutOrStdout(), sum, asJSON); err != nil {
		return err
	}
	return runErr
}

func startTrace(ctx context.Context, store *trace.Store, cfg config.RunConfig) (*trace.Recorder, error) {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return trace.StartRun(ctx, store, trace.RunRecord{
		Label:      cfg.Label,
		TotalMass:  cfg.System.TotalMass,
		FieldLen:   cfg.System.FieldLen,
		Seeding:    string(cfg.System.Seeding),
		ConfigJSON: string(raw),
	})
}

func printSummary(w io.Writer, sum engine.Summary, asJSON bool) error {
	if asJSON {
		return writeJSON(w, sum)
	}
	m := sum.Final.Masses
	fmt.Fprintf(w, "run        %s\n", sum.RunID)
	fmt.Fprintf(w, "stopped    %s after %d steps, %d collapses\n", sum.StoppedBy, sum.Steps, sum.Collapses)
	fmt.Fprintf(w, "masses     I=%.6g N=%.6g U=%.6g (total %.6g)\n", m.Admitted, m.Excluded, m.Undecided, m.Total())
	fmt.Fprintf(w, "loop gain  %.6g\n", sum.Final.Mixer.LoopGain)
	fmt.Fprintf(w, "collapse   %.4f of initial U\n", sum.Final.Mixer.CollapseRatio)
	fmt.Fprintf(w, "drift      %.3g\n", sum.Final.Mixer.ConservationError)
	fmt.Fprintf(w, "ready      %t\n", sum.Ready)
	if sum.AuditFailed > 0 {
		fmt.Fprintf(w, "audits     %d failed\n", sum.AuditFailed)
	}
	return nil
}
