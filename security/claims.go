package security

import (
	"github.com/vitalbase/vitalbase/repo"
)

// Policy values carried by access tokens. Admins see every tenant; members
// are confined to their project and optional compartment.
const (
	PolicyAdmin  = "admin"
	PolicyMember = "member"
)

// AccessClaims is the authorization payload extracted from a verified token.
type AccessClaims struct {
	Subject     string `json:"sub"`
	Project     string `json:"project,omitempty"`
	Policy      string `json:"policy,omitempty"`
	Compartment string `json:"compartment,omitempty"`
}

// Scope translates the claims into the repository scope. Admin tokens carry
// no tenant filter; everything else is confined to the claimed project.
func (c *AccessClaims) Scope() repo.Scope {
	if c == nil {
		return repo.Scope{}
	}
	scope := repo.Scope{Actor: c.Subject}
	switch c.Policy {
	case PolicyAdmin:
		scope.Policy = repo.PolicyAdmin
	default:
		scope.Policy = repo.PolicyMember
		scope.ProjectID = c.Project
		scope.Compartment = c.Compartment
	}
	return scope
}
