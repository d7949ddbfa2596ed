package engine

import (
	"time"

	"github.com/danielpatrickdp/ternary-mixer/go-controller/internal/eval"
	"github.com/danielpatrickdp/ternary-mixer/go-controller/internal/gate"
	"github.com/danielpatrickdp/ternary-mixer/go-controller/internal/mixer"
	"github.com/danielpatrickdp/ternary-mixer/go-controller/internal/ssp"
)

// #region seeding
// Seeding selects how the conserved total is laid out before the first step.
type Seeding string

const (
	SeedUndecided Seeding = "undecided" // all mass in U, spread uniformly
	SeedUniform   Seeding = "uniform"   // C/3 in each role, spread uniformly
)

// #endregion seeding

// #region engine-config
// Config describes one simulated system.
type Config struct {
	TotalMass float64
	FieldLen  int
	Capacity  float64 // per-processor capacity; 0 means TotalMass
	Seeding   Seeding
	Mixer     mixer.Config
	Gate      gate.GateConfig
}

// DefaultConfig returns a 128-cell system conserving 1000 units, seeded
// entirely undecided, with capacity equal to the total.
func DefaultConfig() Config {
	return Config{
		TotalMass: 1000,
		FieldLen:  128,
		Seeding:   SeedUndecided,
		Mixer:     mixer.DefaultConfigFor(1000),
		Gate:      gate.DefaultGateConfig(),
	}
}

// #endregion engine-config

// #region masses
// Masses is I, N and U as last committed.
type Masses struct {
	Admitted  float64 `json:"admitted"`
	Excluded  float64 `json:"excluded"`
	Undecided float64 `json:"undecided"`
}

// Total returns I+N+U.
func (m Masses) Total() float64 {
	return m.Admitted + m.Excluded + m.Undecided
}

// #endregion masses

// #region snapshot
// EventKind distinguishes step snapshots from collapse snapshots.
type EventKind string

const (
	EventStep     EventKind = "step"
	EventCollapse EventKind = "collapse"
)

// ProcessorMetrics groups the committed metrics of all three processors.
type ProcessorMetrics struct {
	Admitted  ssp.Metrics `json:"admitted"`
	Excluded  ssp.Metrics `json:"excluded"`
	Undecided ssp.Metrics `json:"undecided"`
}

// Snapshot is the observable engine state after a step or a collapse.
type Snapshot struct {
	RunID       string                 `json:"run_id"`
	Kind        EventKind              `json:"kind"`
	Step        uint64                 `json:"step"`
	At          time.Time              `json:"at"`
	Masses      Masses                 `json:"masses"`
	Mixer       mixer.Metrics          `json:"mixer"`
	Processors  ProcessorMetrics       `json:"processors"`
	Stable      bool                   `json:"stable,omitempty"`
	StableCount int                    `json:"stable_count"`
	Correction  *mixer.Correction      `json:"correction,omitempty"`
	Collapse    *mixer.CollapseOutcome `json:"collapse,omitempty"`
	Audit       eval.AuditResult       `json:"audit"`
}

// #endregion snapshot

// #region schedule
// Schedule drives Run.
type Schedule struct {
	Steps         int     // step budget; must be positive
	CollapseEvery int     // collapse after every Nth step; 0 disables
	Alpha         float64 // collapse strength
	StopWhenReady bool    // stop as soon as transport becomes ready
}

// StopReason says why Run returned.
type StopReason string

const (
	StopBudget    StopReason = "budget"
	StopReady     StopReason = "ready"
	StopCancelled StopReason = "cancelled"
	StopError     StopReason = "error"
)

// Summary is returned by Run.
type Summary struct {
	RunID       string     `json:"run_id"`
	Steps       uint64     `json:"steps"`
	Collapses   int        `json:"collapses"`
	AuditFailed int        `json:"audit_failed"`
	Ready       bool       `json:"ready"`
	StoppedBy   StopReason `json:"stopped_by"`
	Final       Snapshot   `json:"final"`
}

// #endregion schedule
