package model

import "time"

// Role is a named bundle of scope patterns. Scopes may carry
// self-referencing filters such as "access:servers!user", which expand to
// the resolving principal at resolution time.
type Role struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Scopes      []string  `json:"scopes"`
	CreatedAt   time.Time `json:"created_at"`
}

// Role assignment target kinds.
const (
	RoleTargetUser    = "user"
	RoleTargetGroup   = "group"
	RoleTargetService = "service"
	RoleTargetToken   = "token"
)

// RoleAssignment binds a role to a user, group, service, or token.
type RoleAssignment struct {
	RoleID     string `json:"role_id"`
	TargetKind string `json:"target_kind"`
	TargetID   string `json:"target_id"`
}
