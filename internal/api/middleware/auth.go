package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/edvin/notehub/internal/api/response"
	"github.com/edvin/notehub/internal/core"
)

type contextKey string

const identityKey contextKey = "identity"

// Cookie names. The session cookie carries a raw API token scoped to the
// hub pages; the session-id cookie is a plain identifier that groups the
// tokens minted during one browser session so logout can revoke them all.
const (
	SessionCookie   = "notehub-session"
	SessionIDCookie = "notehub-session-id"
)

// Identity is the resolved principal attached to an authenticated request.
type Identity = core.TokenInfo

// Auth resolves the request's credentials into an Identity: the
// Authorization header ("token <v>" or "Bearer <v>") first, the session
// cookie otherwise. An explicit header with an unknown token is rejected;
// a stale cookie just leaves the request anonymous so page handlers can
// redirect to login.
func Auth(tokens *core.TokenService) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, fromHeader := tokenFromRequest(r)
			if raw == "" {
				next.ServeHTTP(w, r)
				return
			}

			info, err := tokens.Lookup(r.Context(), raw)
			if err != nil {
				if fromHeader {
					if errors.Is(err, core.ErrNotFound) {
						response.WriteError(w, http.StatusUnauthorized, "invalid token")
						return
					}
					response.WriteError(w, http.StatusInternalServerError, "token lookup failed")
					return
				}
				next.ServeHTTP(w, r)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), info)))
		})
	}
}

func tokenFromRequest(r *http.Request) (raw string, fromHeader bool) {
	if h := r.Header.Get("Authorization"); h != "" {
		for _, prefix := range []string{"token ", "Bearer ", "bearer "} {
			if v, ok := strings.CutPrefix(h, prefix); ok {
				return strings.TrimSpace(v), true
			}
		}
		return "", false
	}
	if c, err := r.Cookie(SessionCookie); err == nil && c.Value != "" {
		return c.Value, false
	}
	return "", false
}

// WithIdentity attaches an identity to ctx; mainly for tests.
func WithIdentity(ctx context.Context, info *Identity) context.Context {
	return context.WithValue(ctx, identityKey, info)
}

// GetIdentity extracts the Identity from the request context, nil when the
// request is anonymous.
func GetIdentity(ctx context.Context) *Identity {
	info, _ := ctx.Value(identityKey).(*Identity)
	return info
}
