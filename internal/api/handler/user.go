package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/edvin/notehub/internal/api/request"
	"github.com/edvin/notehub/internal/api/response"
	"github.com/edvin/notehub/internal/core"
	"github.com/edvin/notehub/internal/model"
	"github.com/edvin/notehub/internal/spawn"
)

// User handles the admin user-management API and the activity report
// endpoint backends post to.
type User struct {
	users      *core.UserService
	servers    *core.ServerService
	controller *spawn.Controller
	proxy      ActivitySink
}

// ActivitySink receives backend-reported route activity. The proxy's table
// satisfies it.
type ActivitySink interface {
	SetRouteActivity(routespec string, at time.Time)
}

func NewUser(users *core.UserService, servers *core.ServerService, controller *spawn.Controller, proxy ActivitySink) *User {
	return &User{users: users, servers: servers, controller: controller, proxy: proxy}
}

// userView is the wire shape for one user, live server states included.
type userView struct {
	Name         string                `json:"name"`
	Admin        bool                  `json:"admin"`
	Groups       []string              `json:"groups"`
	Created      time.Time             `json:"created"`
	LastActivity *time.Time            `json:"last_activity,omitempty"`
	Servers      map[string]serverView `json:"servers"`
}

type serverView struct {
	Name         string     `json:"name"`
	Ready        bool       `json:"ready"`
	Pending      string     `json:"pending,omitempty"`
	URL          string     `json:"url,omitempty"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	LastActivity *time.Time `json:"last_activity,omitempty"`
	FailReason   string     `json:"fail_reason,omitempty"`
	UserOptions  any        `json:"user_options,omitempty"`
}

func (h *User) view(r *http.Request, u *model.User) userView {
	v := userView{
		Name:         u.Name,
		Admin:        u.Admin,
		Groups:       u.Groups,
		Created:      u.CreatedAt,
		LastActivity: u.LastActivity,
		Servers:      map[string]serverView{},
	}
	if v.Groups == nil {
		v.Groups = []string{}
	}

	rows, err := h.servers.ListByUser(r.Context(), u.ID)
	if err != nil {
		return v
	}
	for _, row := range rows {
		state, url, failReason := h.controller.State(u.Name, row.Name)
		sv := serverView{
			Name:         row.Name,
			Ready:        state == model.StateRunning,
			URL:          url,
			StartedAt:    row.StartedAt,
			LastActivity: row.LastActivity,
			FailReason:   failReason,
		}
		if state == model.StateSpawnPending {
			sv.Pending = "spawn"
		}
		if state == model.StateStopPending {
			sv.Pending = "stop"
		}
		if len(row.UserOptions) > 0 {
			sv.UserOptions = row.UserOptions
		}
		// Only live or previously started servers are interesting here, but
		// stopped ones are kept so clients can see user_options and failures.
		v.Servers[row.Name] = sv
	}
	return v
}

// List returns all users, cursor-paginated. Requires read:users.
func (h *User) List(w http.ResponseWriter, r *http.Request) {
	if authorize(w, r, "read:users") == nil {
		return
	}
	pg := request.ParsePagination(r)

	users, hasMore, err := h.users.List(r.Context(), pg.Limit, pg.Cursor)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	views := make([]userView, 0, len(users))
	for i := range users {
		views = append(views, h.view(r, &users[i]))
	}
	// The list query paginates on name, so that is what the cursor carries.
	var nextCursor string
	if hasMore && len(users) > 0 {
		nextCursor = users[len(users)-1].Name
	}
	response.WritePaginated(w, http.StatusOK, views, nextCursor, hasMore)
}

// Create adds a user. Requires admin:users.
func (h *User) Create(w http.ResponseWriter, r *http.Request) {
	if authorize(w, r, "admin:users") == nil {
		return
	}

	var req request.CreateUser
	if err := request.Decode(r, &req); err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	u, err := h.users.Create(r.Context(), req.Name, req.Admin)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	response.WriteJSON(w, http.StatusCreated, h.view(r, u))
}

// Get returns one user. Requires read:users filtered to that user.
func (h *User) Get(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "user")
	if authorize(w, r, "read:users!user="+name) == nil {
		return
	}

	u, err := h.users.GetByName(r.Context(), name)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	response.WriteJSON(w, http.StatusOK, h.view(r, u))
}

// Update toggles the admin flag. Requires admin:users.
func (h *User) Update(w http.ResponseWriter, r *http.Request) {
	if authorize(w, r, "admin:users") == nil {
		return
	}
	name := chi.URLParam(r, "user")

	var req request.UpdateUser
	if err := request.Decode(r, &req); err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	u, err := h.users.GetByName(r.Context(), name)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if err := h.users.SetAdmin(r.Context(), u.ID, *req.Admin); err != nil {
		writeServiceError(w, err)
		return
	}
	u.Admin = *req.Admin
	response.WriteJSON(w, http.StatusOK, h.view(r, u))
}

// Delete removes a user. Blocked while any of the user's servers is active.
// Requires admin:users.
func (h *User) Delete(w http.ResponseWriter, r *http.Request) {
	identity := authorize(w, r, "admin:users")
	if identity == nil {
		return
	}
	name := chi.URLParam(r, "user")
	if identity.Name == name {
		response.WriteError(w, http.StatusBadRequest, "refusing to delete the authenticated user")
		return
	}

	u, err := h.users.GetByName(r.Context(), name)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if err := h.users.Delete(r.Context(), u.ID); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// PostActivity ingests a backend's self-reported activity timestamps and
// fans them out to the user row, the server rows, and the proxy's route
// data. Requires users:activity filtered to the user.
func (h *User) PostActivity(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "user")
	if authorize(w, r, "users:activity!user="+name) == nil {
		return
	}

	var req request.PostActivity
	if err := request.Decode(r, &req); err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	u, err := h.users.GetByName(r.Context(), name)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	if req.LastActivity != "" {
		at, err := time.Parse(time.RFC3339, req.LastActivity)
		if err != nil {
			response.WriteError(w, http.StatusBadRequest, "last_activity: "+err.Error())
			return
		}
		if err := h.users.TouchActivity(r.Context(), u.ID, at); err != nil {
			writeServiceError(w, err)
			return
		}
	}

	for serverName, sa := range req.Servers {
		at, err := time.Parse(time.RFC3339, sa.LastActivity)
		if err != nil {
			response.WriteError(w, http.StatusBadRequest, "servers."+serverName+": "+err.Error())
			return
		}
		if err := h.servers.TouchActivity(r.Context(), u.ID, serverName, at); err != nil {
			writeServiceError(w, err)
			return
		}
		if h.proxy != nil {
			h.proxy.SetRouteActivity(spawn.ServerPrefix(name, serverName), at)
		}
	}

	w.WriteHeader(http.StatusAccepted)
}
