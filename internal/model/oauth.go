package model

import "time"

// OAuthClient is a registered consumer of the hub's internal OAuth provider:
// a per-user server instance or a service. AllowedScopes caps what the
// client may request on a user's behalf.
type OAuthClient struct {
	ID          string `json:"id"`
	ClientID    string `json:"client_id"`
	SecretHash  string `json:"-"`
	RedirectURI string `json:"redirect_uri"`
	// Description is shown on the consent page.
	Description      string    `json:"description,omitempty"`
	AllowedScopes    []string  `json:"allowed_scopes"`
	SkipConfirmation bool      `json:"skip_confirmation"`
	CreatedAt        time.Time `json:"created_at"`
}

// OAuthCode is a short-lived single-use authorization code. The row is
// deleted on redemption or expiry; only the hash of the code is stored.
type OAuthCode struct {
	ID          string    `json:"id"`
	CodeHash    string    `json:"-"`
	ClientID    string    `json:"client_id"`
	UserID      string    `json:"user_id"`
	Scopes      []string  `json:"scopes"`
	RedirectURI string    `json:"redirect_uri"`
	SessionID   string    `json:"session_id"`
	ExpiresAt   time.Time `json:"expires_at"`
}
