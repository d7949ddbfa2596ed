package eval

import (
	"fmt"
	"math"
)

// #region audit-harness
// Harness runs lightweight validation on committed processor state. It never
// mutates anything; a failed audit is reported, not repaired.
type Harness struct {
	config AuditConfig
}

// NewHarness creates an audit harness with the given configuration.
func NewHarness(config AuditConfig) *Harness {
	return &Harness{config: config}
}

// Config returns the harness tolerances.
func (h *Harness) Config() AuditConfig {
	return h.config
}

// Run checks conservation and non-negativity after a mixer step.
func (h *Harness) Run(obs Observation) AuditResult {
	var r report

	// 1. Conservation: I+N+U = C within tolerance
	total := obs.Admitted.Mass + obs.Excluded.Mass + obs.Undecided.Mass
	drift := math.Abs(total - obs.TotalMass)
	r.check("conservation", drift, drift <= h.config.ConservationTolerance,
		fmt.Sprintf("conservation error %.3g exceeds %.3g", drift, h.config.ConservationTolerance))

	// 2. Non-negativity per role
	roles := []struct {
		name string
		st   RoleState
	}{
		{"admitted", obs.Admitted},
		{"excluded", obs.Excluded},
		{"undecided", obs.Undecided},
	}
	for _, s := range roles {
		ok := s.st.MinCell >= -h.config.NegativeTolerance
		r.check("non_negative_"+s.name, s.st.MinCell, ok,
			fmt.Sprintf("%s field has cell %.3g below zero", s.name, s.st.MinCell))
	}

	return r.result()
}

// RunCollapse checks that a collapse only shrank the undecided field and that
// the policy's fractions were admissible.
func (h *Harness) RunCollapse(obs CollapseObservation) AuditResult {
	var r report

	// 1. Mask fractions
	a, e := obs.Admit, obs.Exclude
	maskOK := a >= 0 && a <= 1 && e >= 0 && e <= 1 && a+e <= 1
	r.check("mask_fractions", a+e, maskOK,
		fmt.Sprintf("fractions admit=%.4f exclude=%.4f violate admit+exclude <= 1", a, e))

	// 2. Pointwise irreversibility
	if len(obs.UndecidedBefore) != len(obs.UndecidedAfter) {
		r.check("undecided_length", float64(len(obs.UndecidedAfter)), false,
			fmt.Sprintf("undecided length changed from %d to %d", len(obs.UndecidedBefore), len(obs.UndecidedAfter)))
		return r.result()
	}
	var maxGrowth, before, after float64
	worst := -1
	for i := range obs.UndecidedBefore {
		before += obs.UndecidedBefore[i]
		after += obs.UndecidedAfter[i]
		if g := obs.UndecidedAfter[i] - obs.UndecidedBefore[i]; g > maxGrowth {
			maxGrowth = g
			worst = i
		}
	}
	r.check("undecided_pointwise", maxGrowth, maxGrowth <= h.config.IncreaseTolerance,
		fmt.Sprintf("undecided cell %d grew by %.3g", worst, maxGrowth))

	// 3. Total irreversibility
	growth := after - before
	r.check("undecided_total", growth, growth <= h.config.IncreaseTolerance,
		fmt.Sprintf("undecided mass grew by %.3g", growth))

	return r.result()
}

// #endregion audit-harness

// #region helpers
type report struct {
	checks  []AuditCheck
	reasons []string
}

func (r *report) check(name string, value float64, pass bool, failReason string) {
	r.checks = append(r.checks, AuditCheck{Name: name, Value: value, Pass: pass})
	if !pass {
		r.reasons = append(r.reasons, failReason)
	}
}

func (r *report) result() AuditResult {
	reason := "all checks passed"
	if len(r.reasons) == 1 {
		reason = fmt.Sprintf("audit failed: %s", r.reasons[0])
	} else if len(r.reasons) > 1 {
		reason = fmt.Sprintf("audit failed: %d checks: %s", len(r.reasons), r.reasons[0])
	}
	return AuditResult{
		Passed: len(r.reasons) == 0,
		Checks: r.checks,
		Reason: reason,
	}
}

// #endregion helpers
