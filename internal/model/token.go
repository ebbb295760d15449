package model

import "time"

// APIToken is an opaque bearer token. Only the SHA-256 hash is stored.
//
// Scopes are fixed at issuance: they are the intersection of what was
// requested, what the owner resolved to at that moment, and what the issuing
// client is allowed. Role changes apply to future tokens only.
type APIToken struct {
	ID           string     `json:"id"`
	TokenHash    string     `json:"-"`
	TokenPrefix  string     `json:"token_prefix,omitempty"`
	UserID       *string    `json:"user_id,omitempty"`
	ServiceName  *string    `json:"service_name,omitempty"`
	ClientID     *string    `json:"client_id,omitempty"`
	Scopes       []string   `json:"scopes"`
	Note         string     `json:"note,omitempty"`
	SessionID    string     `json:"session_id,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	LastActivity *time.Time `json:"last_activity,omitempty"`
}

// OwnerName returns the principal the token acts as: the owning user's name
// for user tokens, the service name otherwise.
func (t *APIToken) OwnerName(userName string) string {
	if t.ServiceName != nil {
		return *t.ServiceName
	}
	return userName
}
