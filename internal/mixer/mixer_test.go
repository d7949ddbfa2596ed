package mixer

import (
	"math"
	"testing"

	"github.com/danielpatrickdp/ternary-mixer/go-controller/internal/field"
	"github.com/danielpatrickdp/ternary-mixer/go-controller/internal/gate"
	"github.com/danielpatrickdp/ternary-mixer/go-controller/internal/ssp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// #region helpers
type triple struct {
	I, N, U *ssp.Processor
}

func newTriple(t *testing.T, n int, capacity float64) triple {
	t.Helper()
	var tr triple
	var err error
	tr.I, err = ssp.New(ssp.RoleAdmitted, n, capacity)
	require.NoError(t, err)
	tr.N, err = ssp.New(ssp.RoleExcluded, n, capacity)
	require.NoError(t, err)
	tr.U, err = ssp.New(ssp.RoleUndecided, n, capacity)
	require.NoError(t, err)
	return tr
}

func seed(t *testing.T, p *ssp.Processor, total float64) {
	t.Helper()
	require.NoError(t, p.Mutate(func(f *field.Field) error {
		f.Fill(total / float64(f.Len()))
		return nil
	}))
	p.Commit()
}

func (tr triple) commit() {
	tr.I.Commit()
	tr.N.Commit()
	tr.U.Commit()
}

func (tr triple) total() float64 {
	return tr.I.TotalMass() + tr.N.TotalMass() + tr.U.TotalMass()
}

func newMixer(t *testing.T, c float64, n int, cfg Config, opts ...Option) *Mixer {
	t.Helper()
	m, err := New(c, n, cfg, opts...)
	require.NoError(t, err)
	return m
}

// #endregion helpers

// #region construction
func TestNewRejectsInvalidArguments(t *testing.T) {
	for _, c := range []float64{0, -1, math.NaN(), math.Inf(1)} {
		_, err := New(c, 8, DefaultConfig())
		assert.ErrorIs(t, err, ssp.ErrInvalidTotalMass, "total mass %v", c)
	}

	_, err := New(1000, 0, DefaultConfig())
	assert.ErrorIs(t, err, ssp.ErrInvalidFieldLength)

	_, err = New(1000, ssp.MaxFieldLen+1, DefaultConfig())
	assert.ErrorIs(t, err, ssp.ErrAllocationFailed)
}

func TestNewRejectsOutOfRangeConfig(t *testing.T) {
	cases := map[string]func(*Config){
		"negative eps conservation": func(c *Config) { c.EpsConservation = -1 },
		"negative eps delta":        func(c *Config) { c.EpsDelta = -1e-9 },
		"zero window":               func(c *Config) { c.StabilityWindow = 0 },
		"ema above one":             func(c *Config) { c.EMAAlpha = 1.5 },
		"ema negative":              func(c *Config) { c.EMAAlpha = -0.1 },
		"threshold above one":       func(c *Config) { c.AdmissibleVolumeThreshold = 2 },
		"nan eps":                   func(c *Config) { c.EpsConservation = math.NaN() },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := DefaultConfig()
			mutate(&cfg)
			_, err := New(1000, 8, cfg)
			require.ErrorIs(t, err, ssp.ErrInvalidConfig)
		})
	}
}

func TestDefaultConfigForScalesEpsilons(t *testing.T) {
	cfg := DefaultConfigFor(1000)
	assert.InDelta(t, 1e-3, cfg.EpsConservation, 1e-15)
	assert.InDelta(t, 1e-3, cfg.EpsDelta, 1e-15)

	small := DefaultConfigFor(0.5)
	assert.Equal(t, DefaultConfig().EpsConservation, small.EpsConservation)
}

// #endregion construction

// #region preconditions
func TestStepRoleMismatch(t *testing.T) {
	tr := newTriple(t, 8, 10)
	m := newMixer(t, 10, 8, DefaultConfig())

	_, err := m.Step(tr.N, tr.I, tr.U)
	assert.ErrorIs(t, err, ssp.ErrRoleMismatch)

	_, err = m.Step(tr.I, tr.N, tr.I)
	assert.ErrorIs(t, err, ssp.ErrRoleMismatch)

	_, err = m.RequestCollapse(tr.U, tr.N, tr.I, 0.1)
	assert.ErrorIs(t, err, ssp.ErrRoleMismatch)
}

func TestStepNullArgument(t *testing.T) {
	tr := newTriple(t, 8, 10)
	m := newMixer(t, 10, 8, DefaultConfig())

	_, err := m.Step(tr.I, nil, tr.U)
	assert.ErrorIs(t, err, ssp.ErrNullArgument)
	_, err = m.RequestCollapse(nil, tr.N, tr.U, 0.1)
	assert.ErrorIs(t, err, ssp.ErrNullArgument)
}

func TestMismatchedMixersReportLengthMismatch(t *testing.T) {
	tr := newTriple(t, 128, 1000)
	seed(t, tr.U, 1000)

	wide := newMixer(t, 1000, 128, DefaultConfigFor(1000))
	narrow := newMixer(t, 1000, 64, DefaultConfigFor(1000))

	_, err := wide.Step(tr.I, tr.N, tr.U)
	require.NoError(t, err)

	before := tr.U.Snapshot()
	_, err = narrow.Step(tr.I, tr.N, tr.U)
	require.ErrorIs(t, err, ssp.ErrLengthMismatch)
	_, err = narrow.RequestCollapse(tr.I, tr.N, tr.U, 0.5)
	require.ErrorIs(t, err, ssp.ErrLengthMismatch)
	assert.Equal(t, before, tr.U.Snapshot(), "rejected calls must not touch the field")
	assert.False(t, narrow.Initialized())
}

// #endregion preconditions

// #region conservation
func TestFirstStepSnapshotsBaseline(t *testing.T) {
	tr := newTriple(t, 16, 1000)
	seed(t, tr.U, 1000)
	m := newMixer(t, 1000, 16, DefaultConfigFor(1000))

	res, err := m.Step(tr.I, tr.N, tr.U)
	require.NoError(t, err)

	assert.True(t, res.First)
	assert.False(t, res.Metrics.TransportReady)
	assert.Equal(t, 0, m.StableCount())
	i0, n0, u0 := m.Baseline()
	assert.Equal(t, 0.0, i0)
	assert.Equal(t, 0.0, n0)
	assert.InDelta(t, 1000, u0, 1e-9)
}

func TestExcessAbsorbedFromUndecided(t *testing.T) {
	tr := newTriple(t, 10, 1000)
	seed(t, tr.I, 200)
	seed(t, tr.N, 100)
	seed(t, tr.U, 900) // 200 spurious
	m := newMixer(t, 1000, 10, DefaultConfigFor(1000))

	res, err := m.Step(tr.I, tr.N, tr.U)
	require.NoError(t, err)

	assert.Equal(t, CorrectionExcess, res.Correction.Kind)
	assert.InDelta(t, 200, res.Correction.FromUndecided, 1e-9)
	assert.False(t, res.Correction.ScaledDecided)
	assert.InDelta(t, 200, tr.I.TotalMass(), 1e-9, "admitted must be untouched")
	assert.InDelta(t, 100, tr.N.TotalMass(), 1e-9, "excluded must be untouched")
	assert.InDelta(t, 1000, tr.total(), 1e-9)
	assert.LessOrEqual(t, res.Metrics.ConservationError, m.Config().EpsConservation)
}

func TestExcessBeyondUndecidedScalesDecided(t *testing.T) {
	tr := newTriple(t, 4, 1000)
	seed(t, tr.I, 800)
	seed(t, tr.N, 400)
	seed(t, tr.U, 100)
	m := newMixer(t, 1000, 4, DefaultConfigFor(1000))

	res, err := m.Step(tr.I, tr.N, tr.U)
	require.NoError(t, err)

	assert.True(t, res.Correction.ScaledDecided)
	assert.InDelta(t, 0, tr.U.TotalMass(), 1e-9)
	assert.InDelta(t, 1000*800.0/1200, tr.I.TotalMass(), 1e-9)
	assert.InDelta(t, 1000*400.0/1200, tr.N.TotalMass(), 1e-9)
	assert.InDelta(t, 1000, tr.total(), 1e-9)
}

func TestDeficitScalesUndecided(t *testing.T) {
	tr := newTriple(t, 4, 1000)
	seed(t, tr.I, 100)
	seed(t, tr.U, 400)
	m := newMixer(t, 1000, 4, DefaultConfigFor(1000))

	res, err := m.Step(tr.I, tr.N, tr.U)
	require.NoError(t, err)

	assert.Equal(t, CorrectionDeficit, res.Correction.Kind)
	assert.InDelta(t, 900, tr.U.TotalMass(), 1e-9)
	assert.InDelta(t, 100, tr.I.TotalMass(), 1e-9)
	assert.Zero(t, res.Correction.UniformSpread)
}

func TestDeficitIntoEmptyUndecidedSpreadsUniformly(t *testing.T) {
	tr := newTriple(t, 4, 1000)
	seed(t, tr.I, 600)
	m := newMixer(t, 1000, 4, DefaultConfigFor(1000))

	res, err := m.Step(tr.I, tr.N, tr.U)
	require.NoError(t, err)

	assert.InDelta(t, 400, res.Correction.UniformSpread, 1e-9)
	for i, v := range tr.U.Snapshot() {
		assert.InDelta(t, 100, v, 1e-9, "cell %d", i)
	}
}

func TestDeficitBeyondScaleCap(t *testing.T) {
	tr := newTriple(t, 4, 1000)
	seed(t, tr.U, 10)
	m := newMixer(t, 1000, 4, DefaultConfigFor(1000))

	res, err := m.Step(tr.I, tr.N, tr.U)
	require.NoError(t, err)

	assert.InDelta(t, 900, res.Correction.UniformSpread, 1e-9)
	assert.InDelta(t, 1000, tr.total(), 1e-9)
}

// #endregion conservation

// #region collapse-tests
func TestRequestCollapseDefaultThresholds(t *testing.T) {
	tr := newTriple(t, 128, 1000)
	seed(t, tr.U, 1000)
	tr.commit()
	m := newMixer(t, 1000, 128, DefaultConfigFor(1000))
	_, err := m.Step(tr.I, tr.N, tr.U)
	require.NoError(t, err)

	out, err := m.RequestCollapse(tr.I, tr.N, tr.U, 0.01)
	require.NoError(t, err)

	assert.Equal(t, gate.RuleDefault, out.Decision.Rule)
	assert.True(t, out.Routed)
	assert.InDelta(t, 9, out.Result.Removed(), 1e-9)
	assert.InDelta(t, 8, out.Result.DeltaToAdmit, 1e-9)
	assert.InDelta(t, 1, out.Result.DeltaToExclude, 1e-9)
	assert.InDelta(t, 8, tr.I.TotalMass(), 1e-9)
	assert.InDelta(t, 1, tr.N.TotalMass(), 1e-9)
	assert.InDelta(t, 991, tr.U.TotalMass(), 1e-9)

	tr.commit()
	res, err := m.Step(tr.I, tr.N, tr.U)
	require.NoError(t, err)
	assert.LessOrEqual(t, res.Metrics.ConservationError, m.Config().EpsConservation)
	assert.Less(t, res.Correction.Drift, 1e-9, "routing already conserved the total")
	assert.InDelta(t, 0.009, res.Metrics.CollapseRatio, 1e-9)
	assert.InDelta(t, 0.1*8.0/9.0, res.Metrics.LoopGain, 1e-9)
}

func TestRequestCollapseIsIrreversible(t *testing.T) {
	tr := newTriple(t, 32, 1000)
	seed(t, tr.U, 1000)
	m := newMixer(t, 1000, 32, DefaultConfigFor(1000))
	_, err := m.Step(tr.I, tr.N, tr.U)
	require.NoError(t, err)

	for i := 0; i < 20; i++ {
		prev := tr.U.TotalMass()
		before := tr.U.Snapshot()
		_, err := m.RequestCollapse(tr.I, tr.N, tr.U, 0.2)
		require.NoError(t, err)
		tr.commit()
		after := tr.U.Snapshot()
		for c := range before {
			require.LessOrEqual(t, after[c], before[c], "cell %d grew", c)
		}
		require.LessOrEqual(t, tr.U.TotalMass(), prev)

		_, err = m.Step(tr.I, tr.N, tr.U)
		require.NoError(t, err)
		require.LessOrEqual(t, m.Metrics().ConservationError, m.Config().EpsConservation)
	}
}

func TestRequestCollapseUsesPolicy(t *testing.T) {
	tr := newTriple(t, 4, 100)
	seed(t, tr.U, 100)
	custom := gate.PolicyFunc(func(ssp.Metrics) gate.GateDecision {
		return gate.GateDecision{Rule: "all-out", Admit: 0, Exclude: 1}
	})
	m := newMixer(t, 100, 4, DefaultConfigFor(100), WithPolicy(custom))

	out, err := m.RequestCollapse(tr.I, tr.N, tr.U, 1)
	require.NoError(t, err)
	assert.Equal(t, gate.Rule("all-out"), out.Decision.Rule)
	assert.InDelta(t, 100, tr.N.TotalMass(), 1e-9)
	assert.InDelta(t, 0, tr.U.TotalMass(), 1e-9)
}

func TestRequestCollapseRejectsNegativeAlpha(t *testing.T) {
	tr := newTriple(t, 4, 100)
	seed(t, tr.U, 100)
	m := newMixer(t, 100, 4, DefaultConfigFor(100))

	_, err := m.RequestCollapse(tr.I, tr.N, tr.U, -0.5)
	require.ErrorIs(t, err, ssp.ErrInvalidAmount)
	assert.InDelta(t, 100, tr.U.TotalMass(), 1e-9)
}

func TestInterruptedRoutingSelfHeals(t *testing.T) {
	tr := newTriple(t, 16, 1000)
	seed(t, tr.U, 1000)
	m := newMixer(t, 1000, 16, DefaultConfigFor(1000))
	_, err := m.Step(tr.I, tr.N, tr.U)
	require.NoError(t, err)

	// Collapse U and route only the admitted share, as if the second
	// AddMass never landed.
	mask, err := ssp.NewUniformMask(16, 0.8, 0.1)
	require.NoError(t, err)
	res, err := tr.U.ApplyCollapseMask(mask, 0.5)
	require.NoError(t, err)
	require.NoError(t, tr.I.AddMass(res.DeltaToAdmit))
	tr.commit()

	missing := 1000 - tr.total()
	require.InDelta(t, res.DeltaToExclude, missing, 1e-9)

	step, err := m.Step(tr.I, tr.N, tr.U)
	require.NoError(t, err)
	assert.Equal(t, CorrectionDeficit, step.Correction.Kind)
	assert.InDelta(t, res.DeltaToExclude, step.Correction.Drift, 1e-9, "violation bounded by the one collapse")
	assert.LessOrEqual(t, step.Metrics.ConservationError, m.Config().EpsConservation)
}

// #endregion collapse-tests

// #region stability-window
func TestTransportReadyAfterExactlyKStableSteps(t *testing.T) {
	cfg := DefaultConfigFor(1000)
	cfg.StabilityWindow = 3
	tr := newTriple(t, 8, 1000)
	seed(t, tr.U, 1000)
	m := newMixer(t, 1000, 8, cfg)

	_, err := m.Step(tr.I, tr.N, tr.U) // baseline
	require.NoError(t, err)
	for i := 1; i <= 2; i++ {
		res, err := m.Step(tr.I, tr.N, tr.U)
		require.NoError(t, err)
		require.True(t, res.Stable)
		require.Equal(t, i, res.StableCount)
		require.False(t, res.Metrics.TransportReady, "ready too early at %d", i)
	}
	res, err := m.Step(tr.I, tr.N, tr.U)
	require.NoError(t, err)
	assert.Equal(t, 3, res.StableCount)
	assert.True(t, res.Metrics.TransportReady)
}

func TestSingleUnstableStepResetsWindow(t *testing.T) {
	cfg := DefaultConfigFor(1000)
	cfg.StabilityWindow = 2
	tr := newTriple(t, 8, 1000)
	seed(t, tr.U, 1000)
	m := newMixer(t, 1000, 8, cfg)

	for i := 0; i < 5; i++ {
		_, err := m.Step(tr.I, tr.N, tr.U)
		require.NoError(t, err)
	}
	require.True(t, m.Metrics().TransportReady)
	require.Equal(t, 4, m.StableCount())

	_, err := m.RequestCollapse(tr.I, tr.N, tr.U, 0.5)
	require.NoError(t, err)
	tr.commit()
	res, err := m.Step(tr.I, tr.N, tr.U)
	require.NoError(t, err)
	assert.False(t, res.Stable)
	assert.Equal(t, 0, m.StableCount())
	assert.False(t, res.Metrics.TransportReady)

	res, err = m.Step(tr.I, tr.N, tr.U)
	require.NoError(t, err)
	assert.Equal(t, 1, res.StableCount)
	assert.False(t, res.Metrics.TransportReady)
}

func TestAdmissibleVolumeThresholdGatesStability(t *testing.T) {
	cfg := DefaultConfigFor(1000)
	cfg.StabilityWindow = 1
	cfg.AdmissibleVolumeThreshold = 0.5
	tr := newTriple(t, 8, 1000)
	seed(t, tr.I, 400)
	seed(t, tr.U, 600)
	m := newMixer(t, 1000, 8, cfg)

	for i := 0; i < 4; i++ {
		res, err := m.Step(tr.I, tr.N, tr.U)
		require.NoError(t, err)
		require.False(t, res.Stable, "I/C = 0.4 must not count as stable")
	}

	_, err := m.RequestCollapse(tr.I, tr.N, tr.U, 1)
	require.NoError(t, err)
	_, err = m.Step(tr.I, tr.N, tr.U) // delta step, unstable
	require.NoError(t, err)
	res, err := m.Step(tr.I, tr.N, tr.U)
	require.NoError(t, err)
	assert.True(t, res.Stable)
	assert.True(t, res.Metrics.TransportReady)
}

// #endregion stability-window
