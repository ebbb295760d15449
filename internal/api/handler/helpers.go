// Package handler contains the hub's HTTP handlers: the browser pages, the
// REST API under /hub/api, and the internal OAuth provider endpoints.
package handler

import (
	"errors"
	"net/http"

	mw "github.com/edvin/notehub/internal/api/middleware"
	"github.com/edvin/notehub/internal/api/response"
	"github.com/edvin/notehub/internal/core"
)

// authorize enforces a scope on an API request and returns the identity, or
// nil after writing the error response. Scope failures are 403 JSON, never
// a redirect.
func authorize(w http.ResponseWriter, r *http.Request, needed string) *mw.Identity {
	identity := mw.GetIdentity(r.Context())
	if identity == nil {
		response.WriteError(w, http.StatusUnauthorized, "missing token")
		return nil
	}
	if !mw.HasScope(identity, needed) {
		response.WriteError(w, http.StatusForbidden, "insufficient scope: requires "+needed)
		return nil
	}
	return identity
}

// writeServiceError maps core sentinel errors onto status codes.
func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, core.ErrNotFound):
		response.WriteError(w, http.StatusNotFound, "not found")
	case errors.Is(err, core.ErrUserHasServers):
		response.WriteError(w, http.StatusConflict, err.Error())
	default:
		response.WriteError(w, http.StatusInternalServerError, err.Error())
	}
}
