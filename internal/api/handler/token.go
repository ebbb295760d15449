package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	mw "github.com/edvin/notehub/internal/api/middleware"
	"github.com/edvin/notehub/internal/api/request"
	"github.com/edvin/notehub/internal/api/response"
	"github.com/edvin/notehub/internal/core"
)

// Token handles the token management API and the identity endpoint
// backends use to resolve a presented token.
type Token struct {
	users  *core.UserService
	tokens *core.TokenService
}

func NewToken(users *core.UserService, tokens *core.TokenService) *Token {
	return &Token{users: users, tokens: tokens}
}

// CurrentUser describes the authenticated principal: this is what a
// backend sees when it validates a visitor's OAuth token.
func (h *Token) CurrentUser(w http.ResponseWriter, r *http.Request) {
	identity := mw.GetIdentity(r.Context())
	if identity == nil {
		response.WriteError(w, http.StatusUnauthorized, "missing token")
		return
	}

	groups := identity.Groups
	if groups == nil {
		groups = []string{}
	}
	response.WriteJSON(w, http.StatusOK, map[string]any{
		"name":       identity.Name,
		"admin":      identity.Admin,
		"groups":     groups,
		"scopes":     identity.ScopeSet.Slice(),
		"session_id": identity.Token.SessionID,
	})
}

// Create mints a token for the named user. The raw value appears only in
// this response. Requires tokens scope filtered to the user.
func (h *Token) Create(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "user")
	identity := authorize(w, r, "tokens!user="+name)
	if identity == nil {
		return
	}

	var req request.CreateToken
	if err := request.Decode(r, &req); err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	u, err := h.users.GetByName(r.Context(), name)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	token, raw, err := h.tokens.Issue(r.Context(), core.IssueParams{
		User:            u,
		RequestedScopes: req.Scopes,
		TTL:             time.Duration(req.ExpiresIn) * time.Second,
		Note:            req.Note,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}

	response.WriteJSON(w, http.StatusCreated, map[string]any{
		"id":           token.ID,
		"token":        raw,
		"token_prefix": token.TokenPrefix,
		"scopes":       token.Scopes,
		"note":         token.Note,
		"created_at":   token.CreatedAt,
		"expires_at":   token.ExpiresAt,
	})
}

// List returns the user's tokens, hashes omitted. Requires read:tokens
// filtered to the user.
func (h *Token) List(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "user")
	if authorize(w, r, "read:tokens!user="+name) == nil {
		return
	}

	u, err := h.users.GetByName(r.Context(), name)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	tokens, err := h.tokens.ListByUser(r.Context(), u.ID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	response.WriteJSON(w, http.StatusOK, map[string]any{"items": tokens})
}

// Revoke deletes one token and drops it from the lookup cache. Requires
// tokens scope filtered to the user.
func (h *Token) Revoke(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "user")
	if authorize(w, r, "tokens!user="+name) == nil {
		return
	}

	u, err := h.users.GetByName(r.Context(), name)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	// The token must belong to the named user; a bare id is not enough.
	id := chi.URLParam(r, "id")
	owned, err := h.tokens.ListByUser(r.Context(), u.ID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	found := false
	for _, t := range owned {
		if t.ID == id {
			found = true
			break
		}
	}
	if !found {
		response.WriteError(w, http.StatusNotFound, "not found")
		return
	}

	if err := h.tokens.Revoke(r.Context(), id); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
