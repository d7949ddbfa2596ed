package field

import (
	"errors"
	"fmt"
	"math"
)

// #region errors
var (
	// ErrInvalidLength is returned when a field is requested with zero cells.
	ErrInvalidLength = errors.New("invalid field length")
	// ErrIndexOutOfRange is returned by At/Set/Add for an index outside [0, Len).
	ErrIndexOutOfRange = errors.New("index out of range")
)

// #endregion errors

// #region field
// Field is a fixed-length sequence of real-valued cells. Its length never changes
// after construction and every indexed access is bounds-checked.
type Field struct {
	cells []float64
}

// New returns a zero-initialized field with n cells.
func New(n int) (*Field, error) {
	if n <= 0 {
		return nil, fmt.Errorf("new field with %d cells: %w", n, ErrInvalidLength)
	}
	return &Field{cells: make([]float64, n)}, nil
}

// Len returns the number of cells.
func (f *Field) Len() int {
	return len(f.cells)
}

// At returns the value of cell i.
func (f *Field) At(i int) (float64, error) {
	if i < 0 || i >= len(f.cells) {
		return 0, fmt.Errorf("at %d (len %d): %w", i, len(f.cells), ErrIndexOutOfRange)
	}
	return f.cells[i], nil
}

// Set overwrites cell i.
func (f *Field) Set(i int, v float64) error {
	if i < 0 || i >= len(f.cells) {
		return fmt.Errorf("set %d (len %d): %w", i, len(f.cells), ErrIndexOutOfRange)
	}
	f.cells[i] = v
	return nil
}

// Add adds v to cell i.
func (f *Field) Add(i int, v float64) error {
	if i < 0 || i >= len(f.cells) {
		return fmt.Errorf("add %d (len %d): %w", i, len(f.cells), ErrIndexOutOfRange)
	}
	f.cells[i] += v
	return nil
}

// Fill sets every cell to v.
func (f *Field) Fill(v float64) {
	for i := range f.cells {
		f.cells[i] = v
	}
}

// Each calls fn for every cell in index order. fn receives the current value and
// returns the replacement.
func (f *Field) Each(fn func(i int, v float64) float64) {
	for i, v := range f.cells {
		f.cells[i] = fn(i, v)
	}
}

// #endregion field

// #region reductions
// Sum returns Σ cells.
func (f *Field) Sum() float64 {
	var s float64
	for _, v := range f.cells {
		s += v
	}
	return s
}

// SumSq returns Σ cells².
func (f *Field) SumSq() float64 {
	var s float64
	for _, v := range f.cells {
		s += v * v
	}
	return s
}

// Min returns the smallest cell value.
func (f *Field) Min() float64 {
	m := math.Inf(1)
	for _, v := range f.cells {
		if v < m {
			m = v
		}
	}
	return m
}

// Copy returns a detached copy of the cells.
func (f *Field) Copy() []float64 {
	out := make([]float64, len(f.cells))
	copy(out, f.cells)
	return out
}

// #endregion reductions
