package writer

import "github.com/danielpatrickdp/ternary-mixer/go-controller/internal/field"

// #region kind
// Kind selects a writer implementation from configuration.
type Kind string

const (
	KindNoop      Kind = "noop"
	KindDiffusion Kind = "diffusion"
	KindDrift     Kind = "drift"
	KindNoise     Kind = "noise"
)

// #endregion kind

// #region writer
// Writer mutates one processor's field in place between commits. The engine
// hands each writer only the field of the processor it is bound to.
type Writer interface {
	Write(step uint64, f *field.Field) error
}

// Func adapts a plain function to Writer.
type Func func(step uint64, f *field.Field) error

func (fn Func) Write(step uint64, f *field.Field) error {
	return fn(step, f)
}

// #endregion writer

// #region writer-config
// Config describes one writer in a run file.
type Config struct {
	Kind      Kind    `yaml:"kind" json:"kind" validate:"omitempty,oneof=noop diffusion drift noise"`
	Rate      float64 `yaml:"rate" json:"rate" validate:"gte=-1,lte=1"`
	Amplitude float64 `yaml:"amplitude" json:"amplitude" validate:"gte=0"`
	Seed      uint64  `yaml:"seed" json:"seed"`
}

// DefaultConfig returns a writer that leaves the field alone.
func DefaultConfig() Config {
	return Config{Kind: KindNoop}
}

// #endregion writer-config
