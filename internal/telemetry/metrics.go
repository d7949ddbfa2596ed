package telemetry

import (
	"context"
	"fmt"

	"github.com/danielpatrickdp/ternary-mixer/go-controller/internal/engine"
	"github.com/danielpatrickdp/ternary-mixer/go-controller/internal/mixer"
	"github.com/prometheus/client_golang/prometheus"
)

// Namespace prefixes every metric name.
const Namespace = "ternary"

// #region metrics
// Metrics exports engine snapshots as Prometheus series labelled by run. It
// implements engine.Recorder and is safe to share between engines running in
// parallel.
type Metrics struct {
	registry *prometheus.Registry

	mass              *prometheus.GaugeVec
	loopGain          *prometheus.GaugeVec
	collapseRatio     *prometheus.GaugeVec
	conservationError *prometheus.GaugeVec
	transportReady    *prometheus.GaugeVec
	stableCount       *prometheus.GaugeVec

	steps         *prometheus.CounterVec
	collapses     *prometheus.CounterVec
	corrections   *prometheus.CounterVec
	auditFailures *prometheus.CounterVec
	collapsedMass *prometheus.HistogramVec
}

// New registers the collectors on reg, or on a fresh registry when reg is nil.
func New(reg *prometheus.Registry) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	gauge := func(name, help string, labels ...string) *prometheus.GaugeVec {
		return prometheus.NewGaugeVec(prometheus.GaugeOpts{Namespace: Namespace, Name: name, Help: help}, labels)
	}
	counter := func(name, help string, labels ...string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: Namespace, Name: name, Help: help}, labels)
	}

	m := &Metrics{
		registry:          reg,
		mass:              gauge("mass", "Committed mass per role", "run", "role"),
		loopGain:          gauge("loop_gain", "EMA of admitted gain per undecided loss", "run"),
		collapseRatio:     gauge("collapse_ratio", "Fraction of the initial undecided mass collapsed", "run"),
		conservationError: gauge("conservation_error", "Absolute drift of I+N+U from the conserved total", "run"),
		transportReady:    gauge("transport_ready", "1 once the stability window is full", "run"),
		stableCount:       gauge("stable_count", "Consecutive stable steps", "run"),
		steps:             counter("steps_total", "Mixer steps taken", "run"),
		collapses:         counter("collapses_total", "Collapses applied by gate rule", "run", "rule"),
		corrections:       counter("corrections_total", "Conservation corrections by kind", "run", "kind"),
		auditFailures:     counter("audit_failures_total", "Failed post-step audits by event", "run", "event"),
		collapsedMass: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "collapsed_mass",
			Help:      "Mass removed from the undecided field per collapse",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 10),
		}, []string{"run"}),
	}

	for _, c := range []prometheus.Collector{
		m.mass, m.loopGain, m.collapseRatio, m.conservationError, m.transportReady, m.stableCount,
		m.steps, m.collapses, m.corrections, m.auditFailures, m.collapsedMass,
	} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
	}
	return m, nil
}

// Registry returns the registry the collectors live on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// WriteTextfile writes every series in the node_exporter textfile format.
func (m *Metrics) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}

// #endregion metrics

// #region recorder
func (m *Metrics) RecordStep(_ context.Context, s engine.Snapshot) error {
	m.observe(s)
	m.steps.WithLabelValues(s.RunID).Inc()
	if s.Correction != nil && s.Correction.Kind != mixer.CorrectionNone {
		m.corrections.WithLabelValues(s.RunID, string(s.Correction.Kind)).Inc()
	}
	if !s.Audit.Passed {
		m.auditFailures.WithLabelValues(s.RunID, string(engine.EventStep)).Inc()
	}
	return nil
}

func (m *Metrics) RecordCollapse(_ context.Context, s engine.Snapshot) error {
	m.observe(s)
	if s.Collapse != nil {
		m.collapses.WithLabelValues(s.RunID, string(s.Collapse.Decision.Rule)).Inc()
		m.collapsedMass.WithLabelValues(s.RunID).Observe(s.Collapse.Result.Removed())
	}
	if !s.Audit.Passed {
		m.auditFailures.WithLabelValues(s.RunID, string(engine.EventCollapse)).Inc()
	}
	return nil
}

func (m *Metrics) observe(s engine.Snapshot) {
	run := s.RunID
	m.mass.WithLabelValues(run, "admitted").Set(s.Masses.Admitted)
	m.mass.WithLabelValues(run, "excluded").Set(s.Masses.Excluded)
	m.mass.WithLabelValues(run, "undecided").Set(s.Masses.Undecided)
	m.loopGain.WithLabelValues(run).Set(s.Mixer.LoopGain)
	m.collapseRatio.WithLabelValues(run).Set(s.Mixer.CollapseRatio)
	m.conservationError.WithLabelValues(run).Set(s.Mixer.ConservationError)
	m.stableCount.WithLabelValues(run).Set(float64(s.StableCount))
	ready := 0.0
	if s.Mixer.TransportReady {
		ready = 1
	}
	m.transportReady.WithLabelValues(run).Set(ready)
}

// #endregion recorder
