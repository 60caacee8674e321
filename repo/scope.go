// Package repo implements the persistence engine: the write path that turns
// a resource into durable rows and derived indexes, the read/update/delete/
// history paths with optimistic concurrency and soft delete, the SQL planner
// that compiles parsed queries, and the include resolver.
package repo

import (
	"strings"
)

// Policy is the access level a capability token grants.
type Policy string

const (
	PolicyAdmin  Policy = "admin"
	PolicyMember Policy = "member"
)

// Scope is the tenant context a capability token grants to an operation.
// The zero value is the unrestricted system scope used by internal callers.
type Scope struct {
	// ProjectID scopes reads and writes to one project; empty means no
	// tenant filter.
	ProjectID string

	// Compartment restricts searches to one compartment, in "Kind/id" form.
	Compartment string

	// Policy is the granted access level.
	Policy Policy

	// Actor identifies the caller for audit records.
	Actor string
}

// CompartmentID returns the focal resource id of the compartment
// restriction, or "" when unrestricted.
func (s Scope) CompartmentID() string {
	if s.Compartment == "" {
		return ""
	}
	if _, id, ok := strings.Cut(s.Compartment, "/"); ok {
		return id
	}
	return s.Compartment
}
