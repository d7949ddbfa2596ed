package mixer

import (
	"fmt"
	"math"
	"strings"

	"github.com/danielpatrickdp/ternary-mixer/go-controller/internal/gate"
	"github.com/danielpatrickdp/ternary-mixer/go-controller/internal/ssp"
	"github.com/go-playground/validator/v10"
)

// MaxScaleFactor caps the proportional deficit scaling applied to the undecided
// field in one step. Any deficit left beyond the cap is spread uniformly.
const MaxScaleFactor = 10.0

// #region config
// Config holds the mixer tolerances. It is fixed at construction.
type Config struct {
	EpsConservation           float64 `yaml:"eps_conservation" json:"eps_conservation" validate:"gte=0"`
	EpsDelta                  float64 `yaml:"eps_delta" json:"eps_delta" validate:"gte=0"`
	StabilityWindow           int     `yaml:"stability_window" json:"stability_window" validate:"gte=1"`
	EMAAlpha                  float64 `yaml:"ema_alpha" json:"ema_alpha" validate:"gte=0,lte=1"`
	AdmissibleVolumeThreshold float64 `yaml:"admissible_volume_threshold" json:"admissible_volume_threshold" validate:"gte=0,lte=1"`
}

// DefaultConfig returns unscaled defaults: eps 1e-6, K=5, EMA 0.1, no volume floor.
func DefaultConfig() Config {
	return Config{
		EpsConservation:           1e-6,
		EpsDelta:                  1e-6,
		StabilityWindow:           5,
		EMAAlpha:                  0.1,
		AdmissibleVolumeThreshold: 0,
	}
}

// DefaultConfigFor returns DefaultConfig with both epsilons scaled by
// max(totalMass, 1), so tolerances stay relative for large conserved totals.
func DefaultConfigFor(totalMass float64) Config {
	c := DefaultConfig()
	scale := math.Max(totalMass, 1)
	c.EpsConservation *= scale
	c.EpsDelta *= scale
	return c
}

var validate = validator.New()

// Validate reports every out-of-range field as a single ErrInvalidConfig.
func (c Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return ssp.Fail("validate_config", ssp.ErrInvalidConfig, err.Error())
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fmt.Sprintf("%s must be %s %s (got %v)", fe.Field(), fe.Tag(), fe.Param(), fe.Value()))
	}
	return ssp.Fail("validate_config", ssp.ErrInvalidConfig, strings.Join(parts, "; "))
}

// #endregion config

// #region metrics
// Metrics is the mixer's observable state after the latest Step.
type Metrics struct {
	LoopGain          float64 `json:"loop_gain"`
	AdmissibleVolume  float64 `json:"admissible_volume"`
	ExcludedVolume    float64 `json:"excluded_volume"`
	UndecidedVolume   float64 `json:"undecided_volume"`
	CollapseRatio     float64 `json:"collapse_ratio"`
	ConservationError float64 `json:"conservation_error"`
	TransportReady    bool    `json:"transport_ready"`
}

// Total returns I+N+U as last observed.
func (m Metrics) Total() float64 {
	return m.AdmissibleVolume + m.ExcludedVolume + m.UndecidedVolume
}

// #endregion metrics

// #region correction
// CorrectionKind says which branch of conservation correction ran.
type CorrectionKind string

const (
	CorrectionNone    CorrectionKind = "none"
	CorrectionExcess  CorrectionKind = "excess"
	CorrectionDeficit CorrectionKind = "deficit"
)

// Correction describes the conservation correction applied in one Step.
type Correction struct {
	Kind          CorrectionKind `json:"kind"`
	TotalBefore   float64        `json:"total_before"`
	Drift         float64        `json:"drift"`          // |total - C| before correction
	FromUndecided float64        `json:"from_undecided"` // mass removed from U (excess) or added to U (deficit)
	ScaledDecided bool           `json:"scaled_decided"` // I and N were scaled down because U could not absorb the excess
	UniformSpread float64        `json:"uniform_spread"` // deficit mass spread uniformly into U
}

// #endregion correction

// #region results
// StepResult is returned by Step.
type StepResult struct {
	First       bool       `json:"first"`
	Stable      bool       `json:"stable"`
	StableCount int        `json:"stable_count"`
	Correction  Correction `json:"correction"`
	Metrics     Metrics    `json:"metrics"`
}

// CollapseOutcome is returned by RequestCollapse.
type CollapseOutcome struct {
	Alpha    float64            `json:"alpha"`
	Decision gate.GateDecision  `json:"decision"`
	Result   ssp.CollapseResult `json:"result"`
	Routed   bool               `json:"routed"` // both AddMass calls landed
}

// #endregion results
