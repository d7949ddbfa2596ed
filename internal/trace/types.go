package trace

import "time"

// #region run-record
// RunRecord is one row in the runs table.
type RunRecord struct {
	RunID      string
	Label      string
	TotalMass  float64
	FieldLen   int
	Seeding    string
	ConfigJSON string
	CreatedAt  time.Time

	// Filled by FinishRun.
	FinishedAt time.Time
	StoppedBy  string
	Steps      uint64
	Collapses  int
	Ready      bool
}

// #endregion run-record

// #region step-record
// StepRecord is one row in the steps table.
type StepRecord struct {
	RunID             string
	Step              uint64
	Admitted          float64
	Excluded          float64
	Undecided         float64
	LoopGain          float64
	CollapseRatio     float64
	ConservationError float64
	TransportReady    bool
	StableCount       int
	CorrectionKind    string
	Drift             float64
	AuditPassed       bool
	AuditReason       string
	CreatedAt         time.Time
}

// #endregion step-record

// #region collapse-record
// CollapseRecord is one row in the collapses table.
type CollapseRecord struct {
	RunID           string
	Step            uint64
	Alpha           float64
	Rule            string
	Reason          string
	Admit           float64
	Exclude         float64
	DeltaToAdmit    float64
	DeltaToExclude  float64
	UndecidedBefore float64
	UndecidedAfter  float64
	Routed          bool
	AuditPassed     bool
	CreatedAt       time.Time
}

// #endregion collapse-record

// #region field-record
// FieldRecord is a stored copy of one processor's cells at a step.
type FieldRecord struct {
	RunID string
	Step  uint64
	Role  string
	Cells []float64
}

// #endregion field-record
