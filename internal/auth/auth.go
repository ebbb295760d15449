// Package auth pluggable user authentication. The hub only needs a name
// and group membership back; everything after login (tokens, scopes,
// sessions) is the hub's own.
package auth

import (
	"context"
	"errors"
)

// ErrInvalidCredentials is returned for any bad username/password pair.
// Callers must not distinguish unknown users from wrong passwords.
var ErrInvalidCredentials = errors.New("invalid username or password")

// Credentials is what the login form submits.
type Credentials struct {
	Username string
	Password string
}

// UserInfo is the authenticator's verdict about a user.
type UserInfo struct {
	Name   string
	Groups []string
	Admin  bool
}

// Authenticator validates credentials. Implementations may talk to
// external systems and must honor ctx.
type Authenticator interface {
	Authenticate(ctx context.Context, creds Credentials) (*UserInfo, error)
}
