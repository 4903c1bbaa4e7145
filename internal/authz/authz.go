// Package authz supplies the authorization decision the coordinator consults
// before touching storage. The platform's API gateway derives the actor's
// role and id from its JWT; this package only decides whether that actor may
// perform a ledger operation against a target user.
package authz

import (
	"github.com/Jaymayes/scholarship-credits/internal/domain"
)

// Gate is the decision interface consumed by the coordinator.
type Gate interface {
	Authorize(role domain.Role, op domain.Operation, actorID, targetUserID string) error
}

// Scope says which target users a role may touch for an operation.
type Scope int

const (
	ScopeNone Scope = iota
	ScopeSelf
	ScopeAny
)

// capabilities is the static (role, operation) -> scope table. Roles outside
// the table deny by omission.
var capabilities = map[domain.Role]map[domain.Operation]Scope{
	domain.RoleAdmin: {
		domain.OpCredit:     ScopeAny,
		domain.OpDebit:      ScopeAny,
		domain.OpGetBalance: ScopeAny,
		domain.OpListLedger: ScopeAny,
	},
	domain.RoleSystem: {
		domain.OpCredit:     ScopeAny,
		domain.OpDebit:      ScopeAny,
		domain.OpGetBalance: ScopeAny,
		domain.OpListLedger: ScopeAny,
	},
	domain.RoleProvider: {
		domain.OpCredit:     ScopeAny,
		domain.OpGetBalance: ScopeSelf,
		domain.OpListLedger: ScopeSelf,
	},
	domain.RoleStudent: {
		domain.OpDebit:      ScopeSelf,
		domain.OpGetBalance: ScopeSelf,
		domain.OpListLedger: ScopeSelf,
	},
}

// TableGate authorizes against the static capability table.
type TableGate struct{}

func NewTableGate() *TableGate { return &TableGate{} }

func (g *TableGate) Authorize(role domain.Role, op domain.Operation, actorID, targetUserID string) error {
	ops, ok := capabilities[role]
	if !ok {
		return domain.Forbiddenf("role %q may not perform %s", role, op)
	}
	switch ops[op] {
	case ScopeAny:
		return nil
	case ScopeSelf:
		if actorID != "" && actorID == targetUserID {
			return nil
		}
		return domain.Forbiddenf("role %q may only perform %s on its own account", role, op)
	default:
		return domain.Forbiddenf("role %q may not perform %s", role, op)
	}
}

var _ Gate = (*TableGate)(nil)
