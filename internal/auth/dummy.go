package auth

import (
	"context"
	"crypto/subtle"
	"strings"
)

// DummyAuthenticator accepts any username. With a global password set, that
// password is required; otherwise anything non-empty passes. Development
// only.
type DummyAuthenticator struct {
	// Password, when non-empty, is required for every user.
	Password string
	// Admins names users who log in with the admin flag set.
	Admins map[string]bool
}

func NewDummyAuthenticator(password string, admins []string) *DummyAuthenticator {
	return &DummyAuthenticator{Password: password, Admins: adminSet(admins)}
}

func (a *DummyAuthenticator) Authenticate(ctx context.Context, creds Credentials) (*UserInfo, error) {
	name := NormalizeUsername(creds.Username)
	if name == "" {
		return nil, ErrInvalidCredentials
	}
	if a.Password != "" && subtle.ConstantTimeCompare([]byte(creds.Password), []byte(a.Password)) != 1 {
		return nil, ErrInvalidCredentials
	}
	return &UserInfo{Name: name, Admin: a.Admins[name]}, nil
}

// NormalizeUsername lowercases and trims the submitted name so "Alice" and
// "alice " are the same account.
func NormalizeUsername(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func adminSet(admins []string) map[string]bool {
	set := make(map[string]bool, len(admins))
	for _, a := range admins {
		if n := NormalizeUsername(a); n != "" {
			set[n] = true
		}
	}
	return set
}
