package engine

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/danielpatrickdp/ternary-mixer/go-controller/internal/eval"
	"github.com/danielpatrickdp/ternary-mixer/go-controller/internal/field"
	"github.com/danielpatrickdp/ternary-mixer/go-controller/internal/gate"
	"github.com/danielpatrickdp/ternary-mixer/go-controller/internal/mixer"
	"github.com/danielpatrickdp/ternary-mixer/go-controller/internal/ssp"
	"github.com/danielpatrickdp/ternary-mixer/go-controller/internal/writer"
	"github.com/google/uuid"
)

// #region engine
// Engine owns the three processors and the mixer of one run and drives them
// in a fixed order: writers, commit, mixer step, commit, audit, record. It is
// not safe for concurrent use; run independent engines in parallel instead.
type Engine struct {
	runID  string
	config Config

	admitted  *ssp.Processor
	excluded  *ssp.Processor
	undecided *ssp.Processor
	writers   map[ssp.Role]writer.Writer

	mixer     *mixer.Mixer
	policy    gate.Policy
	audit     *eval.Harness
	recorders MultiRecorder
	logger    *slog.Logger
	now       func() time.Time

	steps uint64
	last  Snapshot
}

// Option customizes an Engine at construction.
type Option func(*Engine)

// WithRunID overrides the generated run ID.
func WithRunID(id string) Option {
	return func(e *Engine) {
		if id != "" {
			e.runID = id
		}
	}
}

// WithWriter binds w to the processor with the given role.
func WithWriter(role ssp.Role, w writer.Writer) Option {
	return func(e *Engine) {
		if w != nil {
			e.writers[role] = w
		}
	}
}

// WithPolicy replaces the threshold gate built from Config.Gate.
func WithPolicy(p gate.Policy) Option {
	return func(e *Engine) {
		if p != nil {
			e.policy = p
		}
	}
}

// WithRecorder appends a recorder.
func WithRecorder(r Recorder) Option {
	return func(e *Engine) {
		if r != nil {
			e.recorders = append(e.recorders, r)
		}
	}
}

// WithAudit replaces the default audit harness.
func WithAudit(h *eval.Harness) Option {
	return func(e *Engine) {
		if h != nil {
			e.audit = h
		}
	}
}

// WithLogger sets the logger shared with the mixer.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// New builds and seeds an engine. All three fields are committed before it
// returns, so the first Step sees consistent metrics.
func New(config Config, opts ...Option) (*Engine, error) {
	if config.Capacity == 0 {
		config.Capacity = config.TotalMass
	}
	if config.Seeding == "" {
		config.Seeding = SeedUndecided
	}
	if config.Mixer == (mixer.Config{}) {
		config.Mixer = mixer.DefaultConfigFor(config.TotalMass)
	}
	if config.Gate == (gate.GateConfig{}) {
		config.Gate = gate.DefaultGateConfig()
	}

	e := &Engine{
		runID:   uuid.New().String(),
		config:  config,
		writers: make(map[ssp.Role]writer.Writer, 3),
		policy:  gate.NewGate(config.Gate),
		logger:  slog.New(slog.DiscardHandler),
		now:     time.Now,
	}
	for _, o := range opts {
		o(e)
	}
	if e.audit == nil {
		ac := eval.DefaultAuditConfig()
		ac.ConservationTolerance = config.Mixer.EpsConservation
		e.audit = eval.NewHarness(ac)
	}
	e.logger = e.logger.With("run_id", e.runID)

	m, err := mixer.New(config.TotalMass, config.FieldLen, config.Mixer,
		mixer.WithPolicy(e.policy), mixer.WithLogger(e.logger))
	if err != nil {
		return nil, fmt.Errorf("new engine: %w", err)
	}
	e.mixer = m

	if e.admitted, err = ssp.New(ssp.RoleAdmitted, config.FieldLen, config.Capacity); err != nil {
		return nil, fmt.Errorf("new engine: %w", err)
	}
	if e.excluded, err = ssp.New(ssp.RoleExcluded, config.FieldLen, config.Capacity); err != nil {
		return nil, fmt.Errorf("new engine: %w", err)
	}
	if e.undecided, err = ssp.New(ssp.RoleUndecided, config.FieldLen, config.Capacity); err != nil {
		return nil, fmt.Errorf("new engine: %w", err)
	}

	if err := e.seed(); err != nil {
		return nil, fmt.Errorf("new engine: %w", err)
	}
	e.commit()
	e.last = e.snapshot(EventStep)
	return e, nil
}

// #endregion engine

// #region seeding-impl
func (e *Engine) seed() error {
	perCell := func(total float64) func(*field.Field) error {
		return func(f *field.Field) error {
			f.Fill(total / float64(f.Len()))
			return nil
		}
	}
	c := e.config.TotalMass
	switch e.config.Seeding {
	case SeedUndecided:
		return e.undecided.Mutate(perCell(c))
	case SeedUniform:
		for _, p := range e.processors() {
			if err := p.Mutate(perCell(c / 3)); err != nil {
				return err
			}
		}
		return nil
	default:
		return ssp.Fail("seed", ssp.ErrInvalidConfig, fmt.Sprintf("unknown seeding %q", e.config.Seeding))
	}
}

// #endregion seeding-impl

// #region step
// Step runs one cycle: each writer mutates its own processor, all three
// commit, the mixer corrects and observes, and all three commit again.
func (e *Engine) Step(ctx context.Context) (Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return Snapshot{}, err
	}

	for _, p := range e.processors() {
		w, ok := e.writers[p.Role()]
		if !ok {
			continue
		}
		step := e.steps
		if err := p.Mutate(func(f *field.Field) error { return w.Write(step, f) }); err != nil {
			return Snapshot{}, fmt.Errorf("step %d: %w", step, err)
		}
	}
	e.commit()

	res, err := e.mixer.Step(e.admitted, e.excluded, e.undecided)
	if err != nil {
		return Snapshot{}, fmt.Errorf("step %d: %w", e.steps, err)
	}
	e.commit()
	e.steps++

	snap := e.snapshot(EventStep)
	snap.Stable = res.Stable
	snap.StableCount = res.StableCount
	corr := res.Correction
	snap.Correction = &corr
	snap.Audit = e.audit.Run(e.observe())
	if !snap.Audit.Passed {
		e.logger.Warn("step audit failed", "step", e.steps, "reason", snap.Audit.Reason)
	}
	e.last = snap

	if err := e.recorders.RecordStep(ctx, snap); err != nil {
		return snap, fmt.Errorf("record step %d: %w", e.steps, err)
	}
	return snap, nil
}

// #endregion step

// #region collapse
// Collapse asks the mixer to collapse U by alpha and route the removed mass.
// The fields are committed even when routing fails so metrics match state.
func (e *Engine) Collapse(ctx context.Context, alpha float64) (Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return Snapshot{}, err
	}

	before := e.undecided.Snapshot()
	out, err := e.mixer.RequestCollapse(e.admitted, e.excluded, e.undecided, alpha)
	e.commit()
	if err != nil {
		e.last = e.snapshot(EventCollapse)
		return e.last, fmt.Errorf("collapse at step %d: %w", e.steps, err)
	}

	snap := e.snapshot(EventCollapse)
	snap.StableCount = e.mixer.StableCount()
	snap.Collapse = &out
	snap.Audit = e.audit.RunCollapse(eval.CollapseObservation{
		UndecidedBefore: before,
		UndecidedAfter:  e.undecided.Snapshot(),
		Admit:           out.Decision.Admit,
		Exclude:         out.Decision.Exclude,
	})
	if !snap.Audit.Passed {
		e.logger.Warn("collapse audit failed", "step", e.steps, "reason", snap.Audit.Reason)
	}
	e.last = snap

	if err := e.recorders.RecordCollapse(ctx, snap); err != nil {
		return snap, fmt.Errorf("record collapse at step %d: %w", e.steps, err)
	}
	return snap, nil
}

// #endregion collapse

// #region run
// Run loops Step and scheduled collapses until the budget is spent, the
// context is cancelled, or (optionally) transport becomes ready.
func (e *Engine) Run(ctx context.Context, s Schedule) (Summary, error) {
	sum := Summary{RunID: e.runID}
	if s.Steps <= 0 {
		return sum, ssp.Fail("run", ssp.ErrInvalidConfig, fmt.Sprintf("steps %d", s.Steps))
	}
	if s.CollapseEvery < 0 || math.IsNaN(s.Alpha) || s.Alpha < 0 {
		return sum, ssp.Fail("run", ssp.ErrInvalidConfig,
			fmt.Sprintf("collapse_every %d alpha %g", s.CollapseEvery, s.Alpha))
	}

	finish := func(reason StopReason, err error) (Summary, error) {
		sum.Steps = e.steps
		sum.Ready = e.mixer.Metrics().TransportReady
		sum.StoppedBy = reason
		sum.Final = e.last
		e.logger.Info("run finished",
			"stopped_by", reason,
			"steps", sum.Steps,
			"collapses", sum.Collapses,
			"ready", sum.Ready,
		)
		return sum, err
	}

	for i := 1; i <= s.Steps; i++ {
		snap, err := e.Step(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return finish(StopCancelled, err)
			}
			return finish(StopError, err)
		}
		if !snap.Audit.Passed {
			sum.AuditFailed++
		}
		if s.StopWhenReady && snap.Mixer.TransportReady {
			return finish(StopReady, nil)
		}
		if s.CollapseEvery > 0 && i%s.CollapseEvery == 0 {
			snap, err := e.Collapse(ctx, s.Alpha)
			if err != nil {
				if ctx.Err() != nil {
					return finish(StopCancelled, err)
				}
				return finish(StopError, err)
			}
			sum.Collapses++
			if !snap.Audit.Passed {
				sum.AuditFailed++
			}
		}
	}
	return finish(StopBudget, nil)
}

// #endregion run

// #region accessors
func (e *Engine) RunID() string          { return e.runID }
func (e *Engine) Config() Config         { return e.config }
func (e *Engine) StepCount() uint64      { return e.steps }
func (e *Engine) Metrics() mixer.Metrics { return e.mixer.Metrics() }
func (e *Engine) Last() Snapshot         { return e.last }

// Masses returns the current I, N and U.
func (e *Engine) Masses() Masses {
	return Masses{
		Admitted:  e.admitted.TotalMass(),
		Excluded:  e.excluded.TotalMass(),
		Undecided: e.undecided.TotalMass(),
	}
}

// ConservationError returns |I+N+U - C| for the current fields.
func (e *Engine) ConservationError() float64 {
	return math.Abs(e.Masses().Total() - e.config.TotalMass)
}

// IsConserved reports whether the conservation error is within tol.
func (e *Engine) IsConserved(tol float64) bool {
	return e.ConservationError() <= tol
}

// Field returns a copy of the field held by the processor with the given role.
func (e *Engine) Field(role ssp.Role) ([]float64, error) {
	p, err := e.processor(role)
	if err != nil {
		return nil, err
	}
	return p.Snapshot(), nil
}

// ProcessorMetrics returns the committed metrics of one processor.
func (e *Engine) ProcessorMetrics(role ssp.Role) (ssp.Metrics, error) {
	p, err := e.processor(role)
	if err != nil {
		return ssp.Metrics{}, err
	}
	return p.Metrics(), nil
}

// #endregion accessors

// #region helpers
func (e *Engine) processors() [3]*ssp.Processor {
	return [3]*ssp.Processor{e.admitted, e.excluded, e.undecided}
}

func (e *Engine) processor(role ssp.Role) (*ssp.Processor, error) {
	switch role {
	case ssp.RoleAdmitted:
		return e.admitted, nil
	case ssp.RoleExcluded:
		return e.excluded, nil
	case ssp.RoleUndecided:
		return e.undecided, nil
	default:
		return nil, ssp.Fail("processor", ssp.ErrInvalidRole, role.String())
	}
}

func (e *Engine) commit() {
	for _, p := range e.processors() {
		p.Commit()
	}
}

func (e *Engine) observe() eval.Observation {
	state := func(p *ssp.Processor) eval.RoleState {
		return eval.RoleState{Mass: p.TotalMass(), MinCell: p.MinCell()}
	}
	return eval.Observation{
		TotalMass: e.config.TotalMass,
		Admitted:  state(e.admitted),
		Excluded:  state(e.excluded),
		Undecided: state(e.undecided),
	}
}

func (e *Engine) snapshot(kind EventKind) Snapshot {
	return Snapshot{
		RunID:  e.runID,
		Kind:   kind,
		Step:   e.steps,
		At:     e.now().UTC(),
		Masses: e.Masses(),
		Mixer:  e.mixer.Metrics(),
		Processors: ProcessorMetrics{
			Admitted:  e.admitted.Metrics(),
			Excluded:  e.excluded.Metrics(),
			Undecided: e.undecided.Metrics(),
		},
		StableCount: e.mixer.StableCount(),
	}
}

// #endregion helpers
