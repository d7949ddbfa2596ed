package mixer

import (
	"fmt"
	"log/slog"
	"math"

	"github.com/danielpatrickdp/ternary-mixer/go-controller/internal/gate"
	"github.com/danielpatrickdp/ternary-mixer/go-controller/internal/ssp"
)

// gainFloor keeps the instantaneous loop gain finite when U did not shrink.
const gainFloor = 1e-12

// #region mixer
// Mixer arbitrates the three processors. It owns no field: each call borrows
// the admitted, excluded and undecided processors, enforces I+N+U = C, and
// updates the stability window. It is not safe for concurrent use.
type Mixer struct {
	totalMass float64
	fieldLen  int
	config    Config
	policy    gate.Policy
	logger    *slog.Logger

	initialized  bool
	i0, n0, u0   float64
	prevI, prevU float64
	stableCount  int
	metrics      Metrics

	collapseMask   *ssp.CollapseMask
	correctionMask *ssp.CollapseMask
}

// Option customizes a Mixer at construction.
type Option func(*Mixer)

// WithPolicy replaces the default threshold gate.
func WithPolicy(p gate.Policy) Option {
	return func(m *Mixer) {
		if p != nil {
			m.policy = p
		}
	}
}

// WithLogger sets the logger used for corrections and readiness transitions.
func WithLogger(l *slog.Logger) Option {
	return func(m *Mixer) {
		if l != nil {
			m.logger = l
		}
	}
}

// New creates a mixer for a conserved total C over fieldLen cells.
func New(totalMass float64, fieldLen int, config Config, opts ...Option) (*Mixer, error) {
	const op = "new_mixer"
	if math.IsNaN(totalMass) || math.IsInf(totalMass, 0) || totalMass <= 0 {
		return nil, ssp.Fail(op, ssp.ErrInvalidTotalMass, fmt.Sprintf("%g", totalMass))
	}
	if fieldLen <= 0 {
		return nil, ssp.Fail(op, ssp.ErrInvalidFieldLength, fmt.Sprintf("len %d", fieldLen))
	}
	if fieldLen > ssp.MaxFieldLen {
		return nil, ssp.Fail(op, ssp.ErrAllocationFailed, fmt.Sprintf("len %d exceeds %d", fieldLen, ssp.MaxFieldLen))
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	collapseMask, err := ssp.NewCollapseMask(fieldLen)
	if err != nil {
		return nil, ssp.Fail(op, ssp.ErrAllocationFailed, err.Error())
	}
	correctionMask, err := ssp.NewCollapseMask(fieldLen)
	if err != nil {
		return nil, ssp.Fail(op, ssp.ErrAllocationFailed, err.Error())
	}

	m := &Mixer{
		totalMass:      totalMass,
		fieldLen:       fieldLen,
		config:         config,
		policy:         gate.NewGate(gate.DefaultGateConfig()),
		logger:         slog.New(slog.DiscardHandler),
		collapseMask:   collapseMask,
		correctionMask: correctionMask,
	}
	for _, o := range opts {
		o(m)
	}
	return m, nil
}

// #endregion mixer

// #region accessors
func (m *Mixer) Metrics() Metrics    { return m.metrics }
func (m *Mixer) Config() Config      { return m.config }
func (m *Mixer) TotalMass() float64  { return m.totalMass }
func (m *Mixer) FieldLen() int       { return m.fieldLen }
func (m *Mixer) StableCount() int    { return m.stableCount }
func (m *Mixer) Initialized() bool   { return m.initialized }
func (m *Mixer) Policy() gate.Policy { return m.policy }

// Baseline returns the masses snapshotted by the first Step.
func (m *Mixer) Baseline() (i0, n0, u0 float64) { return m.i0, m.n0, m.u0 }

// #endregion accessors

// #region preconditions
func (m *Mixer) check(op string, admitted, excluded, undecided *ssp.Processor) error {
	if admitted == nil || excluded == nil || undecided == nil {
		return ssp.Fail(op, ssp.ErrNullArgument, "nil processor")
	}
	if admitted.Role() != ssp.RoleAdmitted || excluded.Role() != ssp.RoleExcluded || undecided.Role() != ssp.RoleUndecided {
		return ssp.Fail(op, ssp.ErrRoleMismatch, fmt.Sprintf("got %s/%s/%s, want admitted/excluded/undecided",
			admitted.Role(), excluded.Role(), undecided.Role()))
	}
	for _, p := range [3]*ssp.Processor{admitted, excluded, undecided} {
		if p.FieldLen() != m.fieldLen {
			return ssp.Fail(op, ssp.ErrLengthMismatch, fmt.Sprintf("%s len %d, mixer len %d", p.Role(), p.FieldLen(), m.fieldLen))
		}
	}
	return nil
}

// #endregion preconditions

// #region step
// Step observes the three processors, corrects conservation drift, and
// advances loop gain and the transport-readiness window.
func (m *Mixer) Step(admitted, excluded, undecided *ssp.Processor) (StepResult, error) {
	if err := m.check("step", admitted, excluded, undecided); err != nil {
		return StepResult{}, err
	}

	corr, err := m.correct(admitted, excluded, undecided)
	if err != nil {
		return StepResult{}, err
	}

	I := admitted.TotalMass()
	N := excluded.TotalMass()
	U := undecided.TotalMass()
	total := I + N + U

	m.metrics.AdmissibleVolume = I
	m.metrics.ExcludedVolume = N
	m.metrics.UndecidedVolume = U
	m.metrics.ConservationError = math.Abs(total - m.totalMass)

	if !m.initialized {
		m.initialized = true
		m.i0, m.n0, m.u0 = I, N, U
		m.prevI, m.prevU = I, U
		m.stableCount = 0
		m.metrics.LoopGain = 0
		m.metrics.CollapseRatio = 0
		m.metrics.TransportReady = false
		return StepResult{First: true, Correction: corr, Metrics: m.metrics}, nil
	}

	if m.u0 > 0 {
		m.metrics.CollapseRatio = math.Max(0, m.u0-U) / m.u0
	} else {
		m.metrics.CollapseRatio = 0
	}

	dI := I - m.prevI
	instGain := dI / math.Max(m.prevU-U, gainFloor)
	m.metrics.LoopGain = (1-m.config.EMAAlpha)*m.metrics.LoopGain + m.config.EMAAlpha*instGain

	stable := m.metrics.ConservationError <= m.config.EpsConservation &&
		math.Abs(dI) <= m.config.EpsDelta &&
		math.Abs(U-m.prevU) <= m.config.EpsDelta &&
		I/m.totalMass >= m.config.AdmissibleVolumeThreshold

	wasReady := m.metrics.TransportReady
	if stable {
		m.stableCount++
	} else {
		m.stableCount = 0
	}
	m.metrics.TransportReady = m.stableCount >= m.config.StabilityWindow
	if m.metrics.TransportReady != wasReady {
		m.logger.Info("transport readiness changed",
			"ready", m.metrics.TransportReady,
			"stable_count", m.stableCount,
			"admissible_volume", I,
		)
	}

	m.prevI, m.prevU = I, U

	return StepResult{
		Stable:      stable,
		StableCount: m.stableCount,
		Correction:  corr,
		Metrics:     m.metrics,
	}, nil
}

// #endregion step

// #region correction
// correct restores I+N+U = C. Excess is treated as spurious undecided growth
// and collapsed out of U; if U cannot absorb all of it, I and N are scaled
// down. A deficit is injected into U.
func (m *Mixer) correct(admitted, excluded, undecided *ssp.Processor) (Correction, error) {
	I := admitted.TotalMass()
	N := excluded.TotalMass()
	U := undecided.TotalMass()
	total := I + N + U
	c := Correction{Kind: CorrectionNone, TotalBefore: total, Drift: math.Abs(total - m.totalMass)}

	switch {
	case total > m.totalMass:
		c.Kind = CorrectionExcess
		excess := total - m.totalMass
		absorbed := false
		if U > 0 {
			frac := math.Min(excess/U, 1)
			m.correctionMask.Fill(frac, 0)
			res, err := undecided.ApplyCollapseMask(m.correctionMask, 1)
			if err != nil {
				return c, fmt.Errorf("correct excess: %w", err)
			}
			c.FromUndecided = res.Removed()
			U = res.After
			absorbed = excess < res.Before
		}
		if decided := I + N; !absorbed && decided > 0 {
			factor := math.Max(0, m.totalMass-math.Max(U, 0)) / decided
			if err := admitted.ScaleFields(factor); err != nil {
				return c, fmt.Errorf("correct excess scale admitted: %w", err)
			}
			if err := excluded.ScaleFields(factor); err != nil {
				return c, fmt.Errorf("correct excess scale excluded: %w", err)
			}
			c.ScaledDecided = true
		}
	case total < m.totalMass:
		c.Kind = CorrectionDeficit
		deficit := m.totalMass - total
		if U > 0 {
			scale := 1 + deficit/U
			if scale > MaxScaleFactor {
				scale = MaxScaleFactor
			}
			if err := undecided.ScaleFields(scale); err != nil {
				return c, fmt.Errorf("correct deficit scale: %w", err)
			}
			rest := m.totalMass - (I + N + undecided.TotalMass())
			if rest > 0 && scale == MaxScaleFactor {
				if err := undecided.AddMass(rest); err != nil {
					return c, fmt.Errorf("correct deficit spread: %w", err)
				}
				c.UniformSpread = rest
			}
		} else {
			if err := undecided.AddUniform(deficit / float64(m.fieldLen)); err != nil {
				return c, fmt.Errorf("correct deficit spread: %w", err)
			}
			c.UniformSpread = deficit
		}
		c.FromUndecided = deficit
	}

	if c.Kind != CorrectionNone {
		m.logger.Debug("conservation corrected",
			"kind", c.Kind,
			"drift", c.Drift,
			"from_undecided", c.FromUndecided,
			"scaled_decided", c.ScaledDecided,
		)
	}
	return c, nil
}

// #endregion correction

// #region collapse
// RequestCollapse asks the policy for collapse fractions given U's metrics,
// collapses U by alpha, and routes the removed mass into I and N. The three
// calls are not atomic: if routing fails after U was reduced, the shortfall is
// bounded by this collapse and the next Step's deficit correction absorbs it.
func (m *Mixer) RequestCollapse(admitted, excluded, undecided *ssp.Processor, alpha float64) (CollapseOutcome, error) {
	const op = "request_collapse"
	if err := m.check(op, admitted, excluded, undecided); err != nil {
		return CollapseOutcome{}, err
	}
	if math.IsNaN(alpha) || alpha < 0 {
		return CollapseOutcome{}, ssp.Fail(op, ssp.ErrInvalidAmount, fmt.Sprintf("alpha %g", alpha))
	}

	decision := m.policy.Evaluate(undecided.Metrics())
	m.collapseMask.Fill(decision.Admit, decision.Exclude)

	out := CollapseOutcome{Alpha: math.Min(alpha, 1), Decision: decision}
	res, err := undecided.ApplyCollapseMask(m.collapseMask, alpha)
	if err != nil {
		return out, fmt.Errorf("%s: %w", op, err)
	}
	out.Result = res

	if err := admitted.AddMass(res.DeltaToAdmit); err != nil {
		return out, fmt.Errorf("%s: route to admitted: %w", op, err)
	}
	if err := excluded.AddMass(res.DeltaToExclude); err != nil {
		return out, fmt.Errorf("%s: route to excluded: %w", op, err)
	}
	out.Routed = true

	m.logger.Info("collapse applied",
		"rule", decision.Rule,
		"alpha", out.Alpha,
		"to_admitted", res.DeltaToAdmit,
		"to_excluded", res.DeltaToExclude,
		"undecided_after", res.After,
	)
	return out, nil
}

// #endregion collapse
