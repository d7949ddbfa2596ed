package ssp

import (
	"fmt"
	"math"

	"github.com/danielpatrickdp/ternary-mixer/go-controller/internal/field"
)

// MaxFieldLen bounds the backing storage a single processor may request.
// Larger requests fail with ErrAllocationFailed instead of exhausting memory.
const MaxFieldLen = 1 << 24

// #region processor
// Processor owns one semantic field and is bound to one role for its whole
// lifetime. It holds no reference to any other processor; the only way mass
// moves between processors is the mixer calling ApplyCollapseMask on the
// undecided processor and AddMass on the others.
type Processor struct {
	role     Role
	capacity float64
	field    *field.Field
	metrics  Metrics
	step     uint64
}

// New creates a zero-initialized processor.
func New(role Role, fieldLen int, capacity float64) (*Processor, error) {
	if !role.Valid() {
		return nil, Fail("new_processor", ErrInvalidRole, role.String())
	}
	if fieldLen <= 0 {
		return nil, Fail("new_processor", ErrInvalidFieldLength, fmt.Sprintf("len %d", fieldLen))
	}
	if math.IsNaN(capacity) || capacity < 0 {
		return nil, Fail("new_processor", ErrInvalidCapacity, fmt.Sprintf("capacity %g", capacity))
	}
	if fieldLen > MaxFieldLen {
		return nil, Fail("new_processor", ErrAllocationFailed, fmt.Sprintf("len %d exceeds %d", fieldLen, MaxFieldLen))
	}
	f, err := field.New(fieldLen)
	if err != nil {
		return nil, Fail("new_processor", ErrAllocationFailed, err.Error())
	}
	return &Processor{role: role, capacity: capacity, field: f}, nil
}

// #endregion processor

// #region accessors
func (p *Processor) Role() Role         { return p.role }
func (p *Processor) FieldLen() int      { return p.field.Len() }
func (p *Processor) Capacity() float64  { return p.capacity }
func (p *Processor) Metrics() Metrics   { return p.metrics }
func (p *Processor) TotalMass() float64 { return p.field.Sum() }

// MinCell returns the smallest cell value.
func (p *Processor) MinCell() float64 { return p.field.Min() }

// Step returns how many times Commit has run.
func (p *Processor) Step() uint64 { return p.step }

// Snapshot returns a detached copy of the field.
func (p *Processor) Snapshot() []float64 { return p.field.Copy() }

// #endregion accessors

// #region writer-path
// Mutate hands the processor's own field to fn for in-place writes. This is the
// external writer's entry point; fn must not retain f after returning. Call
// Commit afterwards to refresh metrics.
func (p *Processor) Mutate(fn func(f *field.Field) error) error {
	if fn == nil {
		return Fail("mutate", ErrNullArgument, "nil writer func")
	}
	if err := fn(p.field); err != nil {
		return fmt.Errorf("mutate %s: %w", p.role, err)
	}
	return nil
}

// #endregion writer-path

// #region commit
// Commit recomputes metrics from the current field in a single pass.
func (p *Processor) Commit() {
	n := p.field.Len()
	var sum, sumSq, div, prev float64
	p.field.Each(func(i int, v float64) float64 {
		sum += v
		sumSq += v * v
		if i > 0 {
			div += math.Abs(v - prev)
		}
		prev = v
		return v
	})

	mean := sum / float64(n)
	variance := sumSq/float64(n) - mean*mean
	if variance < 0 {
		variance = 0
	}

	load := 1.0
	if p.capacity > 0 {
		load = sum / p.capacity
	}

	p.metrics.Stability = 1 - load
	p.metrics.Coherence = 1 / (1 + variance)
	if n > 1 {
		p.metrics.Divergence = div / float64(n-1)
	} else {
		p.metrics.Divergence = 0
	}
	p.step++
}

// #endregion commit

// #region collapse
// ApplyCollapseMask removes alpha·(admit+exclude)·f[i] from every cell and
// reports how much of it was admit-bound and exclude-bound. It is legal only on
// the undecided processor and never increases any cell.
func (p *Processor) ApplyCollapseMask(mask *CollapseMask, alpha float64) (CollapseResult, error) {
	const op = "apply_collapse_mask"

	switch p.role {
	case RoleUndecided:
	case RoleAdmitted, RoleExcluded:
		return CollapseResult{}, Fail(op, ErrRoleMismatch, fmt.Sprintf("requires %s, processor is %s", RoleUndecided, p.role))
	default:
		return CollapseResult{}, Fail(op, ErrInvalidRole, p.role.String())
	}
	if mask == nil {
		return CollapseResult{}, Fail(op, ErrNullArgument, "nil mask")
	}
	if mask.Len() != p.field.Len() {
		return CollapseResult{}, Fail(op, ErrLengthMismatch, fmt.Sprintf("mask len %d field len %d", mask.Len(), p.field.Len()))
	}
	if math.IsNaN(alpha) || alpha < 0 {
		return CollapseResult{}, Fail(op, ErrInvalidAmount, fmt.Sprintf("alpha %g", alpha))
	}
	if alpha > 1 {
		alpha = 1
	}

	var res CollapseResult
	p.field.Each(func(i int, v float64) float64 {
		res.Before += v
		if v <= 0 {
			res.After += v
			return v
		}
		a, e := clampPair(mask.admit[i], mask.exclude[i])
		da := clampTo(alpha*a*v, v)
		de := clampTo(alpha*e*v, v)
		if s := da + de; s > v {
			da *= v / s
			de *= v / s
		}
		res.DeltaToAdmit += da
		res.DeltaToExclude += de
		next := v - (da + de)
		if next < 0 {
			next = 0
		}
		res.After += next
		return next
	})
	return res, nil
}

// clampTo bounds x to [0, hi].
func clampTo(x, hi float64) float64 {
	if x < 0 {
		return 0
	}
	if x > hi {
		return hi
	}
	return x
}

// #endregion collapse

// #region routing
// AddMass spreads delta uniformly over the field. Reductions are rejected; they
// must go through ApplyCollapseMask or ScaleFields.
func (p *Processor) AddMass(delta float64) error {
	if err := checkAmount("add_mass", delta); err != nil {
		return err
	}
	if delta == 0 {
		return nil
	}
	per := delta / float64(p.field.Len())
	p.field.Each(func(_ int, v float64) float64 { return v + per })
	return nil
}

// AddUniform adds perCell to every cell.
func (p *Processor) AddUniform(perCell float64) error {
	if err := checkAmount("add_uniform", perCell); err != nil {
		return err
	}
	if perCell == 0 {
		return nil
	}
	p.field.Each(func(_ int, v float64) float64 { return v + perCell })
	return nil
}

// ScaleFields multiplies every cell by factor. Used for proportional
// conservation correction only.
func (p *Processor) ScaleFields(factor float64) error {
	if err := checkAmount("scale_fields", factor); err != nil {
		return err
	}
	p.field.Each(func(_ int, v float64) float64 { return v * factor })
	return nil
}

func checkAmount(op string, x float64) error {
	if math.IsNaN(x) || math.IsInf(x, 0) || x < 0 {
		return Fail(op, ErrInvalidAmount, fmt.Sprintf("%g", x))
	}
	return nil
}

// #endregion routing
