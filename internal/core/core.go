// Package core holds the hub's persistence services: users, servers, API
// tokens, roles, and the internal OAuth provider's clients and codes. Each
// service speaks raw SQL through the narrow DB interface so the backing
// store can be swapped or split out without touching callers.
package core

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DB defines the database operations used by core services.
// *pgxpool.Pool satisfies this interface.
type DB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Sentinel errors shared across services. Handlers map these onto HTTP
// status codes.
var (
	ErrNotFound = errors.New("not found")
	// ErrCodeInvalid covers unknown, expired, and already-redeemed OAuth
	// codes; a second redemption must fail loudly, never reissue.
	ErrCodeInvalid = errors.New("invalid or expired authorization code")
	// ErrUserHasServers blocks user deletion while any server is active.
	ErrUserHasServers = errors.New("user still has running servers")
)

// Services bundles the core persistence services.
type Services struct {
	User    *UserService
	Server  *ServerService
	Token   *TokenService
	Role    *RoleService
	OAuth   *OAuthService
	Service *ServiceAccountService
}

// Options carries service tunables.
type Options struct {
	TokenCacheMaxAge   time.Duration
	OAuthCodeTTL       time.Duration
	ActivityResolution time.Duration
}

func NewServices(db DB, opts Options) *Services {
	role := NewRoleService(db)
	return &Services{
		User:    NewUserService(db, opts.ActivityResolution),
		Server:  NewServerService(db),
		Token:   NewTokenService(db, role, opts.TokenCacheMaxAge),
		Role:    role,
		OAuth:   NewOAuthService(db, opts.OAuthCodeTTL),
		Service: NewServiceAccountService(db),
	}
}

func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}
