package main

import (
	"fmt"

	"github.com/danielpatrickdp/ternary-mixer/go-controller/internal/replay"
	"github.com/danielpatrickdp/ternary-mixer/go-controller/internal/trace"
	"github.com/spf13/cobra"
)

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Re-run a traced run and diff it against the trace",
	RunE:  replayRun,
}

func init() {
	rootCmd.AddCommand(replayCmd)

	replayCmd.Flags().String("db", "", "SQLite trace database (env TERNARY_DB)")
	replayCmd.Flags().String("run", "", "Run ID to replay")
	replayCmd.Flags().Float64("tol", 1e-9, "Absolute tolerance per compared value")
	replayCmd.Flags().Bool("json", false, "Print the result as JSON")
	_ = replayCmd.MarkFlagRequired("run")
}

func replayRun(cmd *cobra.Command, _ []string) error {
	dbPath, _ := cmd.Flags().GetString("db")
	if dbPath == "" {
		dbPath = envOr("TERNARY_DB", "")
	}
	if dbPath == "" {
		return fmt.Errorf("replay: --db or TERNARY_DB is required")
	}
	runID, _ := cmd.Flags().GetString("run")
	tol, _ := cmd.Flags().GetFloat64("tol")

	store, err := trace.NewStore(dbPath)
	if err != nil {
		return err
	}
	defer store.Close()

	res, err := replay.Run(cmd.Context(), store, runID, tol)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		if err := writeJSON(out, res); err != nil {
			return err
		}
	} else {
		fmt.Fprintf(out, "run %s: compared %d steps, %d collapses, %d missing, %d mismatches\n",
			res.RunID, res.StepsCompared, res.CollapsesCompared, res.Missing, len(res.Mismatches))
		for _, m := range res.Mismatches {
			fmt.Fprintf(out, "  %s %d %s: recorded %.12g replayed %.12g\n", m.Kind, m.Step, m.Field, m.Recorded, m.Replayed)
		}
	}
	if !res.Deterministic() {
		return fmt.Errorf("replay of %s diverged from its trace", runID)
	}
	return nil
}
