package gate

// #region rule
// Rule names which branch of the threshold policy produced a decision.
type Rule string

const (
	RuleDefault  Rule = "default"
	RuleHeadroom Rule = "headroom" // undecided field has stability headroom
	RuleRough    Rule = "rough"    // undecided field is rough, trust it less
)

// #endregion rule

// #region fractions
// Fractions is an admit/exclude pair applied to every cell of a collapse mask.
type Fractions struct {
	Admit   float64 `yaml:"admit" json:"admit" validate:"gte=0,lte=1"`
	Exclude float64 `yaml:"exclude" json:"exclude" validate:"gte=0,lte=1"`
}

// #endregion fractions

// #region gate-config
// GateConfig holds the thresholds and fraction sets for the default policy.
type GateConfig struct {
	StabilityThreshold  float64   `yaml:"stability_threshold" json:"stability_threshold"`
	DivergenceThreshold float64   `yaml:"divergence_threshold" json:"divergence_threshold" validate:"gte=0"`
	Default             Fractions `yaml:"default" json:"default"`
	Headroom            Fractions `yaml:"headroom" json:"headroom"`
	Rough               Fractions `yaml:"rough" json:"rough"`
}

// DefaultGateConfig returns the shipped threshold policy: 0.8/0.1 by default,
// 0.9/0.05 with stability headroom, 0.6/0.3 on a rough field.
func DefaultGateConfig() GateConfig {
	return GateConfig{
		StabilityThreshold:  0.5,
		DivergenceThreshold: 0.1,
		Default:             Fractions{Admit: 0.8, Exclude: 0.1},
		Headroom:            Fractions{Admit: 0.9, Exclude: 0.05},
		Rough:               Fractions{Admit: 0.6, Exclude: 0.3},
	}
}

// #endregion gate-config

// #region gate-decision
// GateDecision is the output of an admissibility evaluation.
type GateDecision struct {
	Rule    Rule    `json:"rule"`
	Admit   float64 `json:"admit"`
	Exclude float64 `json:"exclude"`
	Reason  string  `json:"reason"`
}

// Retained is the fraction of each cell left in the undecided field at alpha=1.
func (d GateDecision) Retained() float64 {
	r := 1 - d.Admit - d.Exclude
	if r < 0 {
		return 0
	}
	return r
}

// #endregion gate-decision
