package domain

import "fmt"

// Role is the closed set of actor roles the ledger recognizes.
type Role string

const (
	RoleAdmin    Role = "admin"
	RoleSystem   Role = "system"
	RoleProvider Role = "provider"
	RoleStudent  Role = "student"
)

// ParseRole maps a wire string to a Role. Unknown strings are rejected
// rather than passed through, so downstream checks only ever see the
// closed set.
func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case RoleAdmin, RoleSystem, RoleProvider, RoleStudent:
		return Role(s), nil
	}
	return "", fmt.Errorf("unknown role %q", s)
}

// Operation names a coordinator operation for authorization purposes.
type Operation string

const (
	OpCredit     Operation = "credit"
	OpDebit      Operation = "debit"
	OpGetBalance Operation = "get_balance"
	OpListLedger Operation = "list_ledger"
)
