// Package domain holds the data model shared by the mechanism engine, query
// planner, budget ledger, and admission gate.
package domain

import "time"

// Role gates access to privileged endpoints (bulk data load, cross-principal
// audit view, budget reset); it has no effect on DP semantics, which are
// identical for every role.
type Role string

const (
	RoleAdmin      Role = "admin"
	RoleAnalyst    Role = "analyst"
	RoleResearcher Role = "researcher"
	RoleViewer     Role = "viewer"
)

// Principal is a registered caller of the query service.
type Principal struct {
	ID        string
	Role      Role
	Active    bool
	CreatedAt time.Time
}

// IsAdmin reports whether the principal may call admin-gated endpoints.
func (p Principal) IsAdmin() bool {
	return p.Role == RoleAdmin
}
