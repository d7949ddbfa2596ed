package gate

import (
	"fmt"

	"github.com/danielpatrickdp/ternary-mixer/go-controller/internal/ssp"
)

// #region policy
// Policy decides how much of the undecided field a collapse admits and
// excludes, given the undecided processor's committed metrics.
type Policy interface {
	Evaluate(undecided ssp.Metrics) GateDecision
}

// PolicyFunc adapts a plain function to Policy.
type PolicyFunc func(undecided ssp.Metrics) GateDecision

func (f PolicyFunc) Evaluate(undecided ssp.Metrics) GateDecision {
	return f(undecided)
}

// #endregion policy

// #region gate
// Gate is the default threshold policy.
type Gate struct {
	config GateConfig
}

// NewGate creates a gate with the given configuration.
func NewGate(config GateConfig) *Gate {
	return &Gate{config: config}
}

// Config returns a copy of the gate configuration.
func (g *Gate) Config() GateConfig {
	return g.config
}

// Evaluate checks roughness first, then headroom, and otherwise returns the
// default fractions. A rough field is excluded more even when it has headroom.
func (g *Gate) Evaluate(undecided ssp.Metrics) GateDecision {
	if undecided.Divergence > g.config.DivergenceThreshold {
		return decide(RuleRough, g.config.Rough,
			fmt.Sprintf("divergence %.4f exceeds %.4f", undecided.Divergence, g.config.DivergenceThreshold))
	}
	if undecided.Stability > g.config.StabilityThreshold {
		return decide(RuleHeadroom, g.config.Headroom,
			fmt.Sprintf("stability %.4f exceeds %.4f", undecided.Stability, g.config.StabilityThreshold))
	}
	return decide(RuleDefault, g.config.Default,
		fmt.Sprintf("stability %.4f, divergence %.4f within thresholds", undecided.Stability, undecided.Divergence))
}

// #endregion gate

// #region helpers
// decide builds a decision whose fractions already satisfy admit+exclude ≤ 1.
func decide(rule Rule, f Fractions, reason string) GateDecision {
	a, e := ssp.ClampFractions(f.Admit, f.Exclude)
	return GateDecision{Rule: rule, Admit: a, Exclude: e, Reason: reason}
}

// #endregion helpers
