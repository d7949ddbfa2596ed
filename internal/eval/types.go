package eval

// #region audit-config
// AuditConfig holds the tolerances for post-step validation.
type AuditConfig struct {
	ConservationTolerance float64 // fail if |I+N+U - C| exceeds this
	NegativeTolerance     float64 // fail if any cell drops below -NegativeTolerance
	IncreaseTolerance     float64 // fail if a collapse grows any undecided cell by more than this
}

// DefaultAuditConfig returns tolerances matching the unscaled mixer defaults.
func DefaultAuditConfig() AuditConfig {
	return AuditConfig{
		ConservationTolerance: 1e-6,
		NegativeTolerance:     1e-12,
		IncreaseTolerance:     1e-12,
	}
}

// #endregion audit-config

// #region observation
// RoleState is what the audit sees of one processor.
type RoleState struct {
	Mass    float64
	MinCell float64
}

// Observation is the committed state of all three processors after a step.
type Observation struct {
	TotalMass float64
	Admitted  RoleState
	Excluded  RoleState
	Undecided RoleState
}

// CollapseObservation pairs the undecided field around one collapse with the
// fractions the policy chose for it.
type CollapseObservation struct {
	UndecidedBefore []float64
	UndecidedAfter  []float64
	Admit           float64
	Exclude         float64
}

// #endregion observation

// #region audit-result
// AuditCheck captures a single validation check result.
type AuditCheck struct {
	Name  string  `json:"name"`
	Value float64 `json:"value"`
	Pass  bool    `json:"pass"`
}

// AuditResult is the output of post-step validation.
type AuditResult struct {
	Passed bool         `json:"passed"`
	Checks []AuditCheck `json:"checks"`
	Reason string       `json:"reason"`
}

// #endregion audit-result
