package trace

import (
	"context"
	"fmt"

	"github.com/danielpatrickdp/ternary-mixer/go-controller/internal/engine"
	"github.com/danielpatrickdp/ternary-mixer/go-controller/internal/ssp"
)

// #region recorder
// Recorder writes engine snapshots into a Store under one run.
type Recorder struct {
	store *Store
	run   RunRecord
}

// StartRun creates the run row and returns a recorder bound to it. Pass
// engine.WithRunID(rec.RunID()) so the engine tags snapshots with the same ID.
func StartRun(ctx context.Context, store *Store, run RunRecord) (*Recorder, error) {
	created, err := store.CreateRun(ctx, run)
	if err != nil {
		return nil, fmt.Errorf("start run: %w", err)
	}
	return &Recorder{store: store, run: created}, nil
}

// RunID returns the run this recorder writes to.
func (r *Recorder) RunID() string {
	return r.run.RunID
}

func (r *Recorder) RecordStep(ctx context.Context, s engine.Snapshot) error {
	rec := StepRecord{
		RunID:             r.run.RunID,
		Step:              s.Step,
		Admitted:          s.Masses.Admitted,
		Excluded:          s.Masses.Excluded,
		Undecided:         s.Masses.Undecided,
		LoopGain:          s.Mixer.LoopGain,
		CollapseRatio:     s.Mixer.CollapseRatio,
		ConservationError: s.Mixer.ConservationError,
		TransportReady:    s.Mixer.TransportReady,
		StableCount:       s.StableCount,
		AuditPassed:       s.Audit.Passed,
		AuditReason:       s.Audit.Reason,
		CreatedAt:         s.At,
	}
	if s.Correction != nil {
		rec.CorrectionKind = string(s.Correction.Kind)
		rec.Drift = s.Correction.Drift
	}
	return r.store.RecordStep(ctx, rec)
}

func (r *Recorder) RecordCollapse(ctx context.Context, s engine.Snapshot) error {
	if s.Collapse == nil {
		return fmt.Errorf("record collapse at step %d: snapshot has no collapse", s.Step)
	}
	c := s.Collapse
	return r.store.RecordCollapse(ctx, CollapseRecord{
		RunID:           r.run.RunID,
		Step:            s.Step,
		Alpha:           c.Alpha,
		Rule:            string(c.Decision.Rule),
		Reason:          c.Decision.Reason,
		Admit:           c.Decision.Admit,
		Exclude:         c.Decision.Exclude,
		DeltaToAdmit:    c.Result.DeltaToAdmit,
		DeltaToExclude:  c.Result.DeltaToExclude,
		UndecidedBefore: c.Result.Before,
		UndecidedAfter:  c.Result.After,
		Routed:          c.Routed,
		AuditPassed:     s.Audit.Passed,
		CreatedAt:       s.At,
	})
}

// Finish records the run summary and the final fields.
func (r *Recorder) Finish(ctx context.Context, e *engine.Engine, sum engine.Summary) error {
	fields := make(map[string][]float64, 3)
	for _, role := range ssp.Roles() {
		cells, err := e.Field(role)
		if err != nil {
			return fmt.Errorf("finish run: %w", err)
		}
		fields[role.String()] = cells
	}
	if err := r.store.RecordFields(ctx, r.run.RunID, sum.Steps, fields); err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	return r.store.FinishRun(ctx, r.run.RunID, string(sum.StoppedBy), sum.Steps, sum.Collapses, sum.Ready)
}

// #endregion recorder
