package model

import "time"

// User represents a hub account. Users are created on first successful
// authentication or by explicit admin action.
type User struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	Admin        bool       `json:"admin"`
	Groups       []string   `json:"groups"`
	CreatedAt    time.Time  `json:"created_at"`
	LastActivity *time.Time `json:"last_activity,omitempty"`
}

// Group is a named collection of users used for role assignment.
type Group struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// Service is a non-user principal (a hub-managed helper process or an
// external automation) that owns tokens and an OAuth client.
type Service struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Admin     bool      `json:"admin"`
	CreatedAt time.Time `json:"created_at"`
}
