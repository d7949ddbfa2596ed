package ssp

import (
	"fmt"
	"math"
)

// #region collapse-mask
// CollapseMask holds the per-cell admit and exclude fractions used by a single
// collapse. After Clamp every cell satisfies admit, exclude ∈ [0,1] and
// admit+exclude ≤ 1.
type CollapseMask struct {
	admit   []float64
	exclude []float64
}

// NewCollapseMask returns an all-zero mask of length n.
func NewCollapseMask(n int) (*CollapseMask, error) {
	if n <= 0 {
		return nil, Fail("new_collapse_mask", ErrInvalidFieldLength, fmt.Sprintf("len %d", n))
	}
	return &CollapseMask{
		admit:   make([]float64, n),
		exclude: make([]float64, n),
	}, nil
}

// NewUniformMask returns a length-n mask with the same fractions in every cell,
// already clamped.
func NewUniformMask(n int, admit, exclude float64) (*CollapseMask, error) {
	m, err := NewCollapseMask(n)
	if err != nil {
		return nil, err
	}
	m.Fill(admit, exclude)
	return m, nil
}

// Len returns the mask length.
func (m *CollapseMask) Len() int {
	return len(m.admit)
}

// Set writes the raw fractions for cell i. Values are clamped at use, not here.
func (m *CollapseMask) Set(i int, admit, exclude float64) error {
	if i < 0 || i >= len(m.admit) {
		return Fail("mask_set", ErrLengthMismatch, fmt.Sprintf("index %d len %d", i, len(m.admit)))
	}
	m.admit[i] = admit
	m.exclude[i] = exclude
	return nil
}

// Fill writes the same clamped fractions into every cell.
func (m *CollapseMask) Fill(admit, exclude float64) {
	a, e := clampPair(admit, exclude)
	for i := range m.admit {
		m.admit[i] = a
		m.exclude[i] = e
	}
}

// At returns the clamped fractions for cell i.
func (m *CollapseMask) At(i int) (admit, exclude float64, err error) {
	if i < 0 || i >= len(m.admit) {
		return 0, 0, Fail("mask_at", ErrLengthMismatch, fmt.Sprintf("index %d len %d", i, len(m.admit)))
	}
	a, e := clampPair(m.admit[i], m.exclude[i])
	return a, e, nil
}

// Clamp rewrites every cell in place so the pointwise constraint holds.
func (m *CollapseMask) Clamp() {
	for i := range m.admit {
		m.admit[i], m.exclude[i] = clampPair(m.admit[i], m.exclude[i])
	}
}

// Valid reports whether the raw mask already satisfies the constraint.
func (m *CollapseMask) Valid() bool {
	if len(m.admit) != len(m.exclude) {
		return false
	}
	for i := range m.admit {
		a, e := m.admit[i], m.exclude[i]
		if !(a >= 0 && a <= 1) || !(e >= 0 && e <= 1) || a+e > 1 {
			return false
		}
	}
	return true
}

// #endregion collapse-mask

// #region helpers
// ClampFractions applies the same clamping a mask applies to each cell.
func ClampFractions(admit, exclude float64) (float64, float64) {
	return clampPair(admit, exclude)
}

func clamp01(x float64) float64 {
	if math.IsNaN(x) || x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}

// clampPair clamps each fraction into [0,1] and, if their sum still exceeds 1,
// scales both down proportionally.
func clampPair(admit, exclude float64) (float64, float64) {
	a, e := clamp01(admit), clamp01(exclude)
	if s := a + e; s > 1 {
		a /= s
		e /= s
		// guard rounding so a+e never lands above 1
		if a+e > 1 {
			e = 1 - a
		}
	}
	return a, e
}

// #endregion helpers
