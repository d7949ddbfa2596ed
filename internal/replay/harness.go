package replay

import (
	"context"
	"encoding/json"
	"fmt"
	"math"

	"github.com/danielpatrickdp/ternary-mixer/go-controller/internal/config"
	"github.com/danielpatrickdp/ternary-mixer/go-controller/internal/engine"
	"github.com/danielpatrickdp/ternary-mixer/go-controller/internal/trace"
)

// #region types
// Mismatch is one value that differs between the trace and the replay.
type Mismatch struct {
	Step     uint64           `json:"step"`
	Kind     engine.EventKind `json:"kind"`
	Field    string           `json:"field"`
	Recorded float64          `json:"recorded"`
	Replayed float64          `json:"replayed"`
}

// Result captures the outcome of replaying one traced run.
type Result struct {
	RunID             string         `json:"run_id"`
	StepsCompared     int            `json:"steps_compared"`
	CollapsesCompared int            `json:"collapses_compared"`
	Missing           int            `json:"missing"` // replayed events with no recorded row
	Mismatches        []Mismatch     `json:"mismatches"`
	Summary           engine.Summary `json:"summary"`
}

// Deterministic reports whether the replay reproduced the trace.
func (r Result) Deterministic() bool {
	return len(r.Mismatches) == 0 && r.Missing == 0
}

// #endregion types

// #region replay
// Run rebuilds the engine from the run's stored configuration, runs it for
// the recorded number of steps, and compares every step and collapse against
// the trace within tol. The replay operates in memory; nothing is written.
func Run(ctx context.Context, store *trace.Store, runID string, tol float64) (Result, error) {
	rec, err := store.GetRun(ctx, runID)
	if err != nil {
		return Result{}, fmt.Errorf("replay: %w", err)
	}
	cfg, err := RunConfig(rec)
	if err != nil {
		return Result{}, err
	}
	steps, err := store.ListSteps(ctx, runID, 0)
	if err != nil {
		return Result{}, fmt.Errorf("replay: %w", err)
	}
	collapses, err := store.ListCollapses(ctx, runID)
	if err != nil {
		return Result{}, fmt.Errorf("replay: %w", err)
	}

	cmp := &comparer{
		tol:       tol,
		steps:     make(map[uint64]trace.StepRecord, len(steps)),
		collapses: collapses,
	}
	for _, s := range steps {
		cmp.steps[s.Step] = s
	}

	opts, err := cfg.WriterOptions()
	if err != nil {
		return Result{}, fmt.Errorf("replay: %w", err)
	}
	opts = append(opts, engine.WithRunID(runID), engine.WithRecorder(cmp))
	e, err := engine.New(cfg.EngineConfig(), opts...)
	if err != nil {
		return Result{}, fmt.Errorf("replay: %w", err)
	}

	sched := cfg.EngineSchedule()
	if rec.Steps > 0 {
		sched.Steps = int(rec.Steps)
	} else if n := len(steps); n > 0 {
		sched.Steps = n
	}
	sum, err := e.Run(ctx, sched)
	if err != nil {
		return Result{}, fmt.Errorf("replay: %w", err)
	}

	return Result{
		RunID:             runID,
		StepsCompared:     cmp.stepsSeen,
		CollapsesCompared: cmp.collapsesSeen,
		Missing:           cmp.missing,
		Mismatches:        cmp.mismatches,
		Summary:           sum,
	}, nil
}

// RunConfig decodes the configuration stored with a run.
func RunConfig(rec trace.RunRecord) (config.RunConfig, error) {
	if rec.ConfigJSON == "" {
		return config.RunConfig{}, fmt.Errorf("replay run %s: no stored config", rec.RunID)
	}
	cfg := config.Default()
	if err := json.Unmarshal([]byte(rec.ConfigJSON), &cfg); err != nil {
		return config.RunConfig{}, fmt.Errorf("replay run %s: decode config: %w", rec.RunID, err)
	}
	if err := cfg.Validate(); err != nil {
		return config.RunConfig{}, fmt.Errorf("replay run %s: %w", rec.RunID, err)
	}
	return cfg, nil
}

// #endregion replay

// #region comparer
// comparer is an engine.Recorder that diffs live snapshots against the trace.
type comparer struct {
	tol       float64
	steps     map[uint64]trace.StepRecord
	collapses []trace.CollapseRecord

	stepsSeen     int
	collapsesSeen int
	missing       int
	mismatches    []Mismatch
}

func (c *comparer) RecordStep(_ context.Context, s engine.Snapshot) error {
	want, ok := c.steps[s.Step]
	if !ok {
		c.missing++
		return nil
	}
	c.stepsSeen++
	c.diff(s.Step, engine.EventStep, "admitted", want.Admitted, s.Masses.Admitted)
	c.diff(s.Step, engine.EventStep, "excluded", want.Excluded, s.Masses.Excluded)
	c.diff(s.Step, engine.EventStep, "undecided", want.Undecided, s.Masses.Undecided)
	c.diff(s.Step, engine.EventStep, "loop_gain", want.LoopGain, s.Mixer.LoopGain)
	if want.TransportReady != s.Mixer.TransportReady {
		c.mismatches = append(c.mismatches, Mismatch{
			Step: s.Step, Kind: engine.EventStep, Field: "transport_ready",
			Recorded: boolFloat(want.TransportReady), Replayed: boolFloat(s.Mixer.TransportReady),
		})
	}
	return nil
}

func (c *comparer) RecordCollapse(_ context.Context, s engine.Snapshot) error {
	if c.collapsesSeen >= len(c.collapses) || s.Collapse == nil {
		c.missing++
		return nil
	}
	want := c.collapses[c.collapsesSeen]
	c.collapsesSeen++
	c.diff(s.Step, engine.EventCollapse, "delta_to_admit", want.DeltaToAdmit, s.Collapse.Result.DeltaToAdmit)
	c.diff(s.Step, engine.EventCollapse, "delta_to_exclude", want.DeltaToExclude, s.Collapse.Result.DeltaToExclude)
	c.diff(s.Step, engine.EventCollapse, "undecided_after", want.UndecidedAfter, s.Collapse.Result.After)
	return nil
}

func (c *comparer) diff(step uint64, kind engine.EventKind, field string, recorded, replayed float64) {
	if math.Abs(recorded-replayed) <= c.tol {
		return
	}
	c.mismatches = append(c.mismatches, Mismatch{
		Step: step, Kind: kind, Field: field, Recorded: recorded, Replayed: replayed,
	})
}

func boolFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// #endregion comparer
