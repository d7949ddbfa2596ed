package writer

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/danielpatrickdp/ternary-mixer/go-controller/internal/field"
)

// ErrUnknownKind is returned by New for an unrecognized writer kind.
var ErrUnknownKind = errors.New("unknown writer kind")

// New builds the writer described by cfg. An empty kind is a no-op.
func New(cfg Config) (Writer, error) {
	switch cfg.Kind {
	case "", KindNoop:
		return Noop{}, nil
	case KindDiffusion:
		if cfg.Rate < 0 || cfg.Rate > 0.5 {
			return nil, fmt.Errorf("diffusion rate %g outside [0, 0.5]", cfg.Rate)
		}
		return Diffusion{Rate: cfg.Rate}, nil
	case KindDrift:
		if cfg.Rate <= -1 {
			return nil, fmt.Errorf("drift rate %g must exceed -1", cfg.Rate)
		}
		return Drift{Rate: cfg.Rate}, nil
	case KindNoise:
		if cfg.Amplitude < 0 {
			return nil, fmt.Errorf("noise amplitude %g must be non-negative", cfg.Amplitude)
		}
		return NewNoise(cfg.Amplitude, cfg.Seed), nil
	default:
		return nil, fmt.Errorf("writer %q: %w", cfg.Kind, ErrUnknownKind)
	}
}

// #region noop
// Noop leaves the field unchanged.
type Noop struct{}

func (Noop) Write(uint64, *field.Field) error { return nil }

// #endregion noop

// #region diffusion
// Diffusion smooths the field with a discrete Laplacian and reflecting
// boundaries. It conserves the field's sum, and rates up to 0.5 keep every
// cell non-negative.
type Diffusion struct {
	Rate float64
}

func (d Diffusion) Write(_ uint64, f *field.Field) error {
	n := f.Len()
	if n < 2 || d.Rate == 0 {
		return nil
	}
	prev := f.Copy()
	f.Each(func(i int, v float64) float64 {
		left, right := v, v
		if i > 0 {
			left = prev[i-1]
		}
		if i < n-1 {
			right = prev[i+1]
		}
		return v + d.Rate*(left+right-2*v)/2
	})
	return nil
}

// #endregion diffusion

// #region drift
// Drift multiplies every cell by 1+Rate each step. A positive rate models
// spurious growth, a negative rate a leak; the mixer corrects both.
type Drift struct {
	Rate float64
}

func (d Drift) Write(_ uint64, f *field.Field) error {
	factor := 1 + d.Rate
	f.Each(func(_ int, v float64) float64 { return v * factor })
	return nil
}

// #endregion drift

// #region noise
// Noise adds zero-mean uniform jitter of the given amplitude to every cell and
// clips at zero. The sequence is reproducible for a given seed.
type Noise struct {
	amplitude float64
	rng       *rand.Rand
}

// NewNoise returns a seeded noise writer.
func NewNoise(amplitude float64, seed uint64) *Noise {
	return &Noise{
		amplitude: amplitude,
		rng:       rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
	}
}

func (n *Noise) Write(_ uint64, f *field.Field) error {
	if n.amplitude == 0 {
		return nil
	}
	f.Each(func(_ int, v float64) float64 {
		return math.Max(0, v+n.amplitude*(2*n.rng.Float64()-1))
	})
	return nil
}

// #endregion noise
