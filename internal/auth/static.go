package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"strings"
)

// StaticAuthenticator authenticates against a fixed user table configured
// through the environment, "name:password" pairs separated by commas.
// Suited to small single-team deployments.
type StaticAuthenticator struct {
	// users maps a normalized name to the sha256 of its password, so the
	// plaintext table is not kept resident after startup.
	users  map[string][32]byte
	admins map[string]bool
}

func NewStaticAuthenticator(userTable string, admins []string) (*StaticAuthenticator, error) {
	users := make(map[string][32]byte)
	for _, pair := range strings.Split(userTable, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		name, password, ok := strings.Cut(pair, ":")
		if !ok || NormalizeUsername(name) == "" {
			return nil, fmt.Errorf("malformed user entry %q, want name:password", pair)
		}
		users[NormalizeUsername(name)] = sha256.Sum256([]byte(password))
	}
	if len(users) == 0 {
		return nil, fmt.Errorf("static authenticator configured with no users")
	}
	return &StaticAuthenticator{users: users, admins: adminSet(admins)}, nil
}

func (a *StaticAuthenticator) Authenticate(ctx context.Context, creds Credentials) (*UserInfo, error) {
	name := NormalizeUsername(creds.Username)
	want, ok := a.users[name]
	got := sha256.Sum256([]byte(creds.Password))
	// Compare even for unknown users to keep timing uniform.
	match := subtle.ConstantTimeCompare(want[:], got[:]) == 1
	if !ok || !match {
		return nil, ErrInvalidCredentials
	}
	return &UserInfo{Name: name, Admin: a.admins[name]}, nil
}
