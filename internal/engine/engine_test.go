package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/danielpatrickdp/ternary-mixer/go-controller/internal/field"
	"github.com/danielpatrickdp/ternary-mixer/go-controller/internal/gate"
	"github.com/danielpatrickdp/ternary-mixer/go-controller/internal/ssp"
	"github.com/danielpatrickdp/ternary-mixer/go-controller/internal/writer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingRecorder struct {
	steps, collapses int
	err              error
	last             Snapshot
}

func (r *countingRecorder) RecordStep(_ context.Context, s Snapshot) error {
	r.steps++
	r.last = s
	return r.err
}

func (r *countingRecorder) RecordCollapse(_ context.Context, s Snapshot) error {
	r.collapses++
	r.last = s
	return r.err
}

func newEngine(t *testing.T, opts ...Option) *Engine {
	t.Helper()
	e, err := New(DefaultConfig(), opts...)
	require.NoError(t, err)
	return e
}

func TestNewSeedsUndecided(t *testing.T) {
	e := newEngine(t)

	m := e.Masses()
	assert.InDelta(t, 1000, m.Undecided, 1e-9)
	assert.Zero(t, m.Admitted)
	assert.Zero(t, m.Excluded)
	assert.True(t, e.IsConserved(1e-9))
	assert.NotEmpty(t, e.RunID())

	u, err := e.Field(ssp.RoleUndecided)
	require.NoError(t, err)
	require.Len(t, u, 128)
	assert.InDelta(t, 1000.0/128, u[17], 1e-12)

	pm, err := e.ProcessorMetrics(ssp.RoleUndecided)
	require.NoError(t, err)
	assert.InDelta(t, 0, pm.Stability, 1e-12)
}

func TestNewSeedsUniformThirds(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Seeding = SeedUniform
	e, err := New(cfg)
	require.NoError(t, err)

	m := e.Masses()
	assert.InDelta(t, 1000.0/3, m.Admitted, 1e-9)
	assert.InDelta(t, 1000.0/3, m.Excluded, 1e-9)
	assert.InDelta(t, 1000.0/3, m.Undecided, 1e-9)
}

func TestNewRejectsBadConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Seeding = "sideways"
	_, err := New(cfg)
	assert.ErrorIs(t, err, ssp.ErrInvalidConfig)

	cfg = DefaultConfig()
	cfg.TotalMass = -5
	_, err = New(cfg)
	assert.ErrorIs(t, err, ssp.ErrInvalidTotalMass)

	cfg = DefaultConfig()
	cfg.Capacity = -1
	_, err = New(cfg)
	assert.ErrorIs(t, err, ssp.ErrInvalidCapacity)
}

func TestZeroConfigSectionsTakeDefaults(t *testing.T) {
	e, err := New(Config{TotalMass: 10, FieldLen: 4})
	require.NoError(t, err)
	assert.Equal(t, SeedUndecided, e.Config().Seeding)
	assert.Equal(t, 10.0, e.Config().Capacity)
	assert.Equal(t, gate.DefaultGateConfig(), e.Config().Gate)
	assert.InDelta(t, 1e-5, e.Config().Mixer.EpsConservation, 1e-18)
}

func TestFieldReturnsCopy(t *testing.T) {
	e := newEngine(t)
	u, err := e.Field(ssp.RoleUndecided)
	require.NoError(t, err)
	u[0] = 1e9

	again, _ := e.Field(ssp.RoleUndecided)
	assert.NotEqual(t, 1e9, again[0])

	_, err = e.Field(ssp.Role(0))
	assert.ErrorIs(t, err, ssp.ErrInvalidRole)
}

func TestStepCorrectsWriterDrift(t *testing.T) {
	e := newEngine(t, WithWriter(ssp.RoleUndecided, writer.Drift{Rate: 0.01}))

	for i := 0; i < 10; i++ {
		snap, err := e.Step(context.Background())
		require.NoError(t, err)
		require.True(t, snap.Audit.Passed, snap.Audit.Reason)
		require.NotNil(t, snap.Correction)
		require.True(t, e.IsConserved(e.Config().Mixer.EpsConservation))
	}
	assert.Equal(t, uint64(10), e.StepCount())
}

func TestCollapseRoutesThroughMixer(t *testing.T) {
	rec := &countingRecorder{}
	e := newEngine(t, WithRecorder(rec))
	_, err := e.Step(context.Background())
	require.NoError(t, err)

	snap, err := e.Collapse(context.Background(), 0.01)
	require.NoError(t, err)

	require.NotNil(t, snap.Collapse)
	assert.Equal(t, EventCollapse, snap.Kind)
	assert.True(t, snap.Audit.Passed, snap.Audit.Reason)
	assert.InDelta(t, 8, snap.Masses.Admitted, 1e-9)
	assert.InDelta(t, 1, snap.Masses.Excluded, 1e-9)
	assert.InDelta(t, 991, snap.Masses.Undecided, 1e-9)
	assert.Equal(t, 1, rec.steps)
	assert.Equal(t, 1, rec.collapses)
	assert.Equal(t, e.RunID(), rec.last.RunID)
}

func TestRunStopsWhenReady(t *testing.T) {
	e := newEngine(t)

	sum, err := e.Run(context.Background(), Schedule{Steps: 50, StopWhenReady: true})
	require.NoError(t, err)

	assert.Equal(t, StopReady, sum.StoppedBy)
	assert.True(t, sum.Ready)
	assert.Equal(t, uint64(6), sum.Steps, "baseline step plus a window of five")
}

func TestRunWithScheduledCollapses(t *testing.T) {
	e := newEngine(t)

	sum, err := e.Run(context.Background(), Schedule{Steps: 10, CollapseEvery: 2, Alpha: 0.1})
	require.NoError(t, err)

	assert.Equal(t, StopBudget, sum.StoppedBy)
	assert.Equal(t, 5, sum.Collapses)
	assert.Zero(t, sum.AuditFailed)
	assert.Less(t, e.Masses().Undecided, 1000.0)
	assert.Greater(t, e.Masses().Admitted, e.Masses().Excluded)
	assert.True(t, e.IsConserved(e.Config().Mixer.EpsConservation))
}

func TestRunCancelled(t *testing.T) {
	e := newEngine(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	sum, err := e.Run(ctx, Schedule{Steps: 5})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StopCancelled, sum.StoppedBy)
	assert.Zero(t, sum.Steps)
}

func TestRunRejectsBadSchedule(t *testing.T) {
	e := newEngine(t)
	_, err := e.Run(context.Background(), Schedule{Steps: 0})
	assert.ErrorIs(t, err, ssp.ErrInvalidConfig)
	_, err = e.Run(context.Background(), Schedule{Steps: 3, Alpha: -1})
	assert.ErrorIs(t, err, ssp.ErrInvalidConfig)
}

func TestRecorderErrorPropagates(t *testing.T) {
	boom := errors.New("disk full")
	e := newEngine(t, WithRecorder(&countingRecorder{err: boom}))

	_, err := e.Step(context.Background())
	assert.ErrorIs(t, err, boom)
}

func TestAuditFlagsNegativeWriter(t *testing.T) {
	poke := writer.Func(func(_ uint64, f *field.Field) error {
		return f.Set(0, -5)
	})
	e := newEngine(t, WithWriter(ssp.RoleUndecided, poke))

	sum, err := e.Run(context.Background(), Schedule{Steps: 2})
	require.NoError(t, err)
	assert.Equal(t, 2, sum.AuditFailed)
	assert.False(t, sum.Final.Audit.Passed)
}

func TestWriterErrorStopsStep(t *testing.T) {
	fail := writer.Func(func(uint64, *field.Field) error { return errors.New("sensor offline") })
	e := newEngine(t, WithWriter(ssp.RoleAdmitted, fail))

	_, err := e.Step(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sensor offline")
	assert.Zero(t, e.StepCount())
}
