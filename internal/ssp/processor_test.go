package ssp

import (
	"errors"
	"math"
	"testing"

	"github.com/danielpatrickdp/ternary-mixer/go-controller/internal/field"
)

// #region helpers
func newProc(t *testing.T, role Role, n int, capacity float64) *Processor {
	t.Helper()
	p, err := New(role, n, capacity)
	if err != nil {
		t.Fatalf("New(%s): %v", role, err)
	}
	return p
}

func fill(t *testing.T, p *Processor, vals ...float64) {
	t.Helper()
	err := p.Mutate(func(f *field.Field) error {
		for i, v := range vals {
			if err := f.Set(i, v); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Mutate: %v", err)
	}
	p.Commit()
}

func near(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

// #endregion helpers

// #region construction
func TestNewZeroInitialized(t *testing.T) {
	p := newProc(t, RoleUndecided, 8, 10)
	if p.FieldLen() != 8 {
		t.Fatalf("expected field len 8, got %d", p.FieldLen())
	}
	if p.TotalMass() != 0 {
		t.Fatalf("expected zero mass, got %f", p.TotalMass())
	}
	if p.Role() != RoleUndecided {
		t.Fatalf("expected undecided, got %s", p.Role())
	}
}

func TestNewFailures(t *testing.T) {
	cases := []struct {
		name     string
		role     Role
		n        int
		capacity float64
		want     error
	}{
		{"zero role", Role(0), 4, 1, ErrInvalidRole},
		{"unknown role", Role(9), 4, 1, ErrInvalidRole},
		{"zero length", RoleAdmitted, 0, 1, ErrInvalidFieldLength},
		{"negative capacity", RoleExcluded, 4, -1, ErrInvalidCapacity},
		{"nan capacity", RoleExcluded, 4, math.NaN(), ErrInvalidCapacity},
		{"oversized", RoleUndecided, MaxFieldLen + 1, 1, ErrAllocationFailed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := New(tc.role, tc.n, tc.capacity)
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
			var opErr *OpError
			if !errors.As(err, &opErr) || opErr.Op != "new_processor" {
				t.Fatalf("expected *OpError with op new_processor, got %#v", err)
			}
		})
	}
}

// #endregion construction

// #region commit-metrics
func TestStabilityIsSignedOvercapacity(t *testing.T) {
	p := newProc(t, RoleAdmitted, 2, 10)

	fill(t, p, 5, 5)
	if !near(p.Metrics().Stability, 0) {
		t.Errorf("sum=10: expected stability 0, got %f", p.Metrics().Stability)
	}
	fill(t, p, 2.5, 2.5)
	if !near(p.Metrics().Stability, 0.5) {
		t.Errorf("sum=5: expected stability 0.5, got %f", p.Metrics().Stability)
	}
	fill(t, p, 7.5, 7.5)
	if !near(p.Metrics().Stability, -0.5) {
		t.Errorf("sum=15: expected stability -0.5, got %f", p.Metrics().Stability)
	}
}

func TestZeroCapacityLoadIsOne(t *testing.T) {
	p := newProc(t, RoleExcluded, 3, 0)
	fill(t, p, 1, 2, 3)
	if !near(p.Metrics().Stability, 0) {
		t.Fatalf("capacity 0: expected stability 0, got %f", p.Metrics().Stability)
	}
}

func TestCoherenceAndDivergence(t *testing.T) {
	p := newProc(t, RoleUndecided, 4, 100)
	fill(t, p, 1, 3, 1, 3)

	// mean 2, variance 1
	if !near(p.Metrics().Coherence, 0.5) {
		t.Errorf("expected coherence 0.5, got %f", p.Metrics().Coherence)
	}
	if !near(p.Metrics().Divergence, 2) {
		t.Errorf("expected divergence 2, got %f", p.Metrics().Divergence)
	}
}

func TestSingleCellDivergenceIsZero(t *testing.T) {
	p := newProc(t, RoleUndecided, 1, 1)
	fill(t, p, 42)
	if p.Metrics().Divergence != 0 {
		t.Fatalf("expected divergence 0, got %f", p.Metrics().Divergence)
	}
	if p.Metrics().Coherence != 1 {
		t.Fatalf("expected coherence 1 for single cell, got %f", p.Metrics().Coherence)
	}
}

func TestUniformFieldVarianceNeverNegative(t *testing.T) {
	p := newProc(t, RoleUndecided, 128, 1000)
	err := p.Mutate(func(f *field.Field) error {
		f.Fill(1000.0 / 128)
		return nil
	})
	if err != nil {
		t.Fatalf("Mutate: %v", err)
	}
	p.Commit()
	if p.Metrics().Coherence > 1 {
		t.Fatalf("coherence above 1 means negative variance leaked: %f", p.Metrics().Coherence)
	}
}

func TestCommitCountsSteps(t *testing.T) {
	p := newProc(t, RoleAdmitted, 2, 1)
	p.Commit()
	p.Commit()
	if p.Step() != 2 {
		t.Fatalf("expected step 2, got %d", p.Step())
	}
}

// #endregion commit-metrics

// #region collapse-tests
func TestApplyCollapseMaskRoutesFractions(t *testing.T) {
	p := newProc(t, RoleUndecided, 4, 100)
	fill(t, p, 10, 10, 10, 10)
	mask, _ := NewUniformMask(4, 0.8, 0.1)

	res, err := p.ApplyCollapseMask(mask, 0.5)
	if err != nil {
		t.Fatalf("ApplyCollapseMask: %v", err)
	}
	if !near(res.DeltaToAdmit, 16) {
		t.Errorf("expected admit 16, got %f", res.DeltaToAdmit)
	}
	if !near(res.DeltaToExclude, 2) {
		t.Errorf("expected exclude 2, got %f", res.DeltaToExclude)
	}
	if !near(p.TotalMass(), 22) {
		t.Errorf("expected remaining 22, got %f", p.TotalMass())
	}
	if !near(res.Before-res.After, res.Removed()) {
		t.Errorf("removed %f does not match before-after %f", res.Removed(), res.Before-res.After)
	}
}

func TestApplyCollapseMaskIsPointwiseNonIncreasing(t *testing.T) {
	p := newProc(t, RoleUndecided, 5, 100)
	fill(t, p, 0, 1, 7, 3, 0.5)
	before := p.Snapshot()

	mask, _ := NewCollapseMask(5)
	_ = mask.Set(0, 1, 1)
	_ = mask.Set(1, 2, -1)
	_ = mask.Set(2, 0.3, 0.3)
	_ = mask.Set(3, 0.9, 0.9)
	_ = mask.Set(4, 0, 0)

	if _, err := p.ApplyCollapseMask(mask, 3); err != nil {
		t.Fatalf("ApplyCollapseMask: %v", err)
	}
	after := p.Snapshot()
	for i := range before {
		if after[i] > before[i] {
			t.Fatalf("cell %d increased: %f -> %f", i, before[i], after[i])
		}
		if after[i] < 0 {
			t.Fatalf("cell %d went negative: %f", i, after[i])
		}
	}
}

func TestApplyCollapseMaskFullAlphaDrainsAtMostField(t *testing.T) {
	p := newProc(t, RoleUndecided, 2, 10)
	fill(t, p, 4, 6)
	mask, _ := NewUniformMask(2, 0.7, 0.7)

	res, err := p.ApplyCollapseMask(mask, 1)
	if err != nil {
		t.Fatalf("ApplyCollapseMask: %v", err)
	}
	if !near(res.Removed(), 10) {
		t.Fatalf("expected all 10 removed, got %f", res.Removed())
	}
	if p.TotalMass() < 0 {
		t.Fatalf("field went negative: %f", p.TotalMass())
	}
}

func TestApplyCollapseMaskRoleMismatchLeavesFieldUnchanged(t *testing.T) {
	for _, role := range []Role{RoleAdmitted, RoleExcluded} {
		p := newProc(t, role, 3, 10)
		fill(t, p, 1, 2, 3)
		mask, _ := NewUniformMask(3, 0.8, 0.1)

		_, err := p.ApplyCollapseMask(mask, 0.5)
		if !errors.Is(err, ErrRoleMismatch) {
			t.Fatalf("%s: expected ErrRoleMismatch, got %v", role, err)
		}
		got := p.Snapshot()
		if got[0] != 1 || got[1] != 2 || got[2] != 3 {
			t.Fatalf("%s: field changed on rejected collapse: %v", role, got)
		}
	}
}

func TestApplyCollapseMaskPreconditions(t *testing.T) {
	p := newProc(t, RoleUndecided, 3, 10)
	fill(t, p, 1, 1, 1)

	if _, err := p.ApplyCollapseMask(nil, 0.1); !errors.Is(err, ErrNullArgument) {
		t.Errorf("nil mask: expected ErrNullArgument, got %v", err)
	}
	short, _ := NewUniformMask(2, 0.5, 0.5)
	if _, err := p.ApplyCollapseMask(short, 0.1); !errors.Is(err, ErrLengthMismatch) {
		t.Errorf("short mask: expected ErrLengthMismatch, got %v", err)
	}
	mask, _ := NewUniformMask(3, 0.5, 0.5)
	if _, err := p.ApplyCollapseMask(mask, -0.1); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("negative alpha: expected ErrInvalidAmount, got %v", err)
	}
	if _, err := p.ApplyCollapseMask(mask, math.NaN()); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("nan alpha: expected ErrInvalidAmount, got %v", err)
	}
	if !near(p.TotalMass(), 3) {
		t.Errorf("rejected collapses changed mass: %f", p.TotalMass())
	}
}

// #endregion collapse-tests

// #region routing-tests
func TestAddMassSpreadsUniformly(t *testing.T) {
	p := newProc(t, RoleAdmitted, 4, 10)
	if err := p.AddMass(8); err != nil {
		t.Fatalf("AddMass: %v", err)
	}
	for i, v := range p.Snapshot() {
		if !near(v, 2) {
			t.Fatalf("cell %d: expected 2, got %f", i, v)
		}
	}
}

func TestAddMassRejectsReductions(t *testing.T) {
	p := newProc(t, RoleAdmitted, 4, 10)
	for _, bad := range []float64{-1, math.NaN(), math.Inf(1)} {
		if err := p.AddMass(bad); !errors.Is(err, ErrInvalidAmount) {
			t.Errorf("AddMass(%v): expected ErrInvalidAmount, got %v", bad, err)
		}
		if err := p.AddUniform(bad); !errors.Is(err, ErrInvalidAmount) {
			t.Errorf("AddUniform(%v): expected ErrInvalidAmount, got %v", bad, err)
		}
	}
	if p.TotalMass() != 0 {
		t.Fatalf("rejected adds changed mass: %f", p.TotalMass())
	}
}

func TestAddUniformAndScale(t *testing.T) {
	p := newProc(t, RoleUndecided, 2, 10)
	if err := p.AddUniform(1.5); err != nil {
		t.Fatalf("AddUniform: %v", err)
	}
	if err := p.ScaleFields(2); err != nil {
		t.Fatalf("ScaleFields: %v", err)
	}
	if !near(p.TotalMass(), 6) {
		t.Fatalf("expected 6, got %f", p.TotalMass())
	}
	if err := p.ScaleFields(-1); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("negative scale: expected ErrInvalidAmount, got %v", err)
	}
}

func TestRoleNeverChanges(t *testing.T) {
	p := newProc(t, RoleUndecided, 3, 10)
	fill(t, p, 1, 2, 3)
	mask, _ := NewUniformMask(3, 0.5, 0.2)
	_, _ = p.ApplyCollapseMask(mask, 0.3)
	_ = p.AddMass(1)
	_ = p.ScaleFields(0.5)
	_ = p.AddUniform(0.1)
	p.Commit()
	if p.Role() != RoleUndecided {
		t.Fatalf("role changed to %s", p.Role())
	}
}

func TestMutateNilAndErrorPropagation(t *testing.T) {
	p := newProc(t, RoleUndecided, 2, 1)
	if err := p.Mutate(nil); !errors.Is(err, ErrNullArgument) {
		t.Fatalf("expected ErrNullArgument, got %v", err)
	}
	err := p.Mutate(func(f *field.Field) error { return f.Set(5, 1) })
	if !errors.Is(err, field.ErrIndexOutOfRange) {
		t.Fatalf("expected out-of-range from writer, got %v", err)
	}
}

// #endregion routing-tests
