package ssp

import (
	"errors"

	"github.com/danielpatrickdp/ternary-mixer/go-controller/internal/field"
)

// #region taxonomy
// Sentinel errors shared by the processor and the mixer. Callers compare with
// errors.Is; every returned error wraps exactly one of these.
var (
	ErrInvalidRole        = errors.New("invalid role")
	ErrInvalidFieldLength = field.ErrInvalidLength
	ErrInvalidCapacity    = errors.New("invalid capacity")
	ErrInvalidTotalMass   = errors.New("invalid total mass")
	ErrInvalidConfig      = errors.New("invalid config")
	ErrAllocationFailed   = errors.New("allocation failed")
	ErrRoleMismatch       = errors.New("role mismatch")
	ErrLengthMismatch     = errors.New("length mismatch")
	ErrInvalidAmount      = errors.New("invalid amount")
	ErrNullArgument       = errors.New("null argument")
)

// #endregion taxonomy

// #region op-error
// OpError records the operation that failed alongside the taxonomy sentinel.
type OpError struct {
	Op     string // e.g. "apply_collapse_mask"
	Detail string
	Err    error
}

func (e *OpError) Error() string {
	if e.Detail == "" {
		return e.Op + ": " + e.Err.Error()
	}
	return e.Op + ": " + e.Err.Error() + ": " + e.Detail
}

func (e *OpError) Unwrap() error {
	return e.Err
}

// Fail builds an *OpError. Exported so the mixer reports failures in the same shape.
func Fail(op string, err error, detail string) error {
	return &OpError{Op: op, Detail: detail, Err: err}
}

// #endregion op-error
