package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/danielpatrickdp/ternary-mixer/go-controller/internal/ssp"
	"github.com/danielpatrickdp/ternary-mixer/go-controller/internal/trace"
	"github.com/spf13/cobra"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "Inspect traced runs",
	Long: `Without --run, lists the most recent runs. With --run, shows the run, its
last steps and every collapse. With --run and --field, prints the final cells
of one role's field.`,
	RunE: inspectTrace,
}

func init() {
	rootCmd.AddCommand(inspectCmd)

	inspectCmd.Flags().String("db", "", "SQLite trace database (env TERNARY_DB)")
	inspectCmd.Flags().String("run", "", "Run ID to show")
	inspectCmd.Flags().Int("last", 20, "Number of runs or steps to show")
	inspectCmd.Flags().String("field", "", "Role whose final field to print (admitted|excluded|undecided or I|N|U)")
	inspectCmd.Flags().Bool("json", false, "Print as JSON")
}

type runDetail struct {
	Run       trace.RunRecord        `json:"run"`
	Steps     []trace.StepRecord     `json:"steps"`
	Collapses []trace.CollapseRecord `json:"collapses"`
}

func inspectTrace(cmd *cobra.Command, _ []string) error {
	dbPath, _ := cmd.Flags().GetString("db")
	if dbPath == "" {
		dbPath = envOr("TERNARY_DB", "")
	}
	if dbPath == "" {
		return fmt.Errorf("inspect: --db or TERNARY_DB is required")
	}
	runID, _ := cmd.Flags().GetString("run")
	last, _ := cmd.Flags().GetInt("last")
	fieldRole, _ := cmd.Flags().GetString("field")
	asJSON, _ := cmd.Flags().GetBool("json")
	if fieldRole != "" && runID == "" {
		return fmt.Errorf("inspect: --field needs --run")
	}

	logger, err := loggerFromFlags(cmd)
	if err != nil {
		return err
	}

	store, err := trace.NewStore(dbPath)
	if err != nil {
		return err
	}
	defer store.Close()
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	if runID == "" {
		runs, err := store.ListRuns(ctx, last)
		if err != nil {
			return err
		}
		logger.Debug("listed runs", "count", len(runs), "db", dbPath)
		if asJSON {
			return writeJSON(out, runs)
		}
		return printRuns(out, runs)
	}

	if fieldRole != "" {
		role, err := ssp.ParseRole(fieldRole)
		if err != nil {
			return err
		}
		rec, err := store.LatestField(ctx, runID, role.String())
		if err != nil {
			return err
		}
		if asJSON {
			return writeJSON(out, rec)
		}
		return printField(out, rec)
	}

	var d runDetail
	if d.Run, err = store.GetRun(ctx, runID); err != nil {
		return err
	}
	if d.Steps, err = store.ListSteps(ctx, runID, last); err != nil {
		return err
	}
	if d.Collapses, err = store.ListCollapses(ctx, runID); err != nil {
		return err
	}
	if asJSON {
		return writeJSON(out, d)
	}
	return printDetail(out, d)
}

func printRuns(w io.Writer, runs []trace.RunRecord) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tLABEL\tCREATED\tSTEPS\tCOLLAPSES\tSTOPPED\tREADY")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%s\t%t\n",
			r.RunID, r.Label, r.CreatedAt.Format(time.DateTime), r.Steps, r.Collapses, r.StoppedBy, r.Ready)
	}
	return tw.Flush()
}

func printDetail(w io.Writer, d runDetail) error {
	r := d.Run
	fmt.Fprintf(w, "run %s (%s) C=%g len=%d seeding=%s stopped=%s ready=%t\n\n",
		r.RunID, r.Label, r.TotalMass, r.FieldLen, r.Seeding, r.StoppedBy, r.Ready)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STEP\tI\tN\tU\tGAIN\tDRIFT\tCORR\tSTABLE\tREADY\tAUDIT")
	for _, s := range d.Steps {
		audit := "ok"
		if !s.AuditPassed {
			audit = s.AuditReason
		}
		fmt.Fprintf(tw, "%d\t%.6g\t%.6g\t%.6g\t%.4g\t%.2g\t%s\t%d\t%t\t%s\n",
			s.Step, s.Admitted, s.Excluded, s.Undecided, s.LoopGain, s.Drift, s.CorrectionKind,
			s.StableCount, s.TransportReady, audit)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if len(d.Collapses) == 0 {
		return nil
	}
	fmt.Fprintln(w)
	tw = tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STEP\tALPHA\tRULE\tTO_I\tTO_N\tU_BEFORE\tU_AFTER")
	for _, c := range d.Collapses {
		fmt.Fprintf(tw, "%d\t%.4g\t%s\t%.6g\t%.6g\t%.6g\t%.6g\n",
			c.Step, c.Alpha, c.Rule, c.DeltaToAdmit, c.DeltaToExclude, c.UndecidedBefore, c.UndecidedAfter)
	}
	return tw.Flush()
}

func printField(w io.Writer, rec trace.FieldRecord) error {
	var sum float64
	for _, v := range rec.Cells {
		sum += v
	}
	fmt.Fprintf(w, "run %s %s step=%d len=%d sum=%.9g\n", rec.RunID, rec.Role, rec.Step, len(rec.Cells), sum)
	for i, v := range rec.Cells {
		fmt.Fprintf(w, "%d\t%.9g\n", i, v)
	}
	return nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
