package middleware

import (
	"net/http"

	"github.com/edvin/notehub/internal/api/response"
)

// HasScope checks whether the identity's token covers the needed scope,
// filters included (e.g. "read:servers!user=alice").
func HasScope(identity *Identity, needed string) bool {
	if identity == nil {
		return false
	}
	return identity.ScopeSet.Allows(needed)
}

// RequireScope guards API routes with a fixed scope. Authorization failures
// are always JSON 403, never a login redirect: a token that authenticated
// but lacks scope must see the difference from a missing token.
func RequireScope(needed string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity := GetIdentity(r.Context())
			if identity == nil {
				response.WriteError(w, http.StatusUnauthorized, "missing token")
				return
			}
			if !HasScope(identity, needed) {
				response.WriteError(w, http.StatusForbidden, "insufficient scope: requires "+needed)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireAuth only insists that some identity is present.
func RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if GetIdentity(r.Context()) == nil {
			response.WriteError(w, http.StatusUnauthorized, "missing token")
			return
		}
		next.ServeHTTP(w, r)
	})
}
