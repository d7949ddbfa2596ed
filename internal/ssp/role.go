package ssp

import "fmt"

// #region role
// Role is the fixed semantic role of a processor. Only the three constants below
// are valid; the zero value is deliberately invalid so an unset role cannot pass
// construction.
type Role uint8

const (
	RoleAdmitted  Role = iota + 1 // I
	RoleExcluded                  // N
	RoleUndecided                 // U
)

// Roles lists every valid role in I, N, U order.
func Roles() [3]Role {
	return [3]Role{RoleAdmitted, RoleExcluded, RoleUndecided}
}

// Valid reports whether r is one of the three defined roles.
func (r Role) Valid() bool {
	switch r {
	case RoleAdmitted, RoleExcluded, RoleUndecided:
		return true
	default:
		return false
	}
}

func (r Role) String() string {
	switch r {
	case RoleAdmitted:
		return "admitted"
	case RoleExcluded:
		return "excluded"
	case RoleUndecided:
		return "undecided"
	default:
		return fmt.Sprintf("role(%d)", uint8(r))
	}
}

// Symbol returns the single-letter I/N/U name.
func (r Role) Symbol() string {
	switch r {
	case RoleAdmitted:
		return "I"
	case RoleExcluded:
		return "N"
	case RoleUndecided:
		return "U"
	default:
		return "?"
	}
}

// ParseRole accepts either the long name or the I/N/U symbol.
func ParseRole(s string) (Role, error) {
	switch s {
	case "admitted", "I", "i":
		return RoleAdmitted, nil
	case "excluded", "N", "n":
		return RoleExcluded, nil
	case "undecided", "U", "u":
		return RoleUndecided, nil
	}
	return 0, Fail("parse_role", ErrInvalidRole, fmt.Sprintf("%q", s))
}

// #endregion role
