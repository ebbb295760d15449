package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/edvin/notehub/internal/api/response"
	"github.com/edvin/notehub/internal/core"
	"github.com/edvin/notehub/internal/model"
)

// Role handles the admin role API: listing roles and binding them to users.
// Scope changes never touch existing tokens; they apply at the next issuance.
type Role struct {
	roles *core.RoleService
	users *core.UserService
}

func NewRole(roles *core.RoleService, users *core.UserService) *Role {
	return &Role{roles: roles, users: users}
}

type roleView struct {
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Scopes      []string  `json:"scopes"`
	Created     time.Time `json:"created"`
}

func roleToView(r *model.Role) roleView {
	v := roleView{Name: r.Name, Description: r.Description, Scopes: r.Scopes, Created: r.CreatedAt}
	if v.Scopes == nil {
		v.Scopes = []string{}
	}
	return v
}

// List returns all roles. Requires read:roles.
func (h *Role) List(w http.ResponseWriter, r *http.Request) {
	if authorize(w, r, "read:roles") == nil {
		return
	}

	roles, err := h.roles.List(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	views := make([]roleView, 0, len(roles))
	for i := range roles {
		views = append(views, roleToView(&roles[i]))
	}
	response.WriteJSON(w, http.StatusOK, map[string]any{"items": views})
}

// Grant binds a role to a user. Idempotent. Requires admin:users.
func (h *Role) Grant(w http.ResponseWriter, r *http.Request) {
	if authorize(w, r, "admin:users") == nil {
		return
	}

	role, user, ok := h.resolve(w, r)
	if !ok {
		return
	}
	if err := h.roles.Assign(r.Context(), role.ID, model.RoleTargetUser, user.ID); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Revoke removes a role binding from a user. Idempotent. Requires admin:users.
func (h *Role) Revoke(w http.ResponseWriter, r *http.Request) {
	if authorize(w, r, "admin:users") == nil {
		return
	}

	role, user, ok := h.resolve(w, r)
	if !ok {
		return
	}
	if err := h.roles.Unassign(r.Context(), role.ID, model.RoleTargetUser, user.ID); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Role) resolve(w http.ResponseWriter, r *http.Request) (*model.Role, *model.User, bool) {
	role, err := h.roles.Get(r.Context(), chi.URLParam(r, "role"))
	if err != nil {
		writeServiceError(w, err)
		return nil, nil, false
	}
	user, err := h.users.GetByName(r.Context(), chi.URLParam(r, "user"))
	if err != nil {
		writeServiceError(w, err)
		return nil, nil, false
	}
	return role, user, true
}
