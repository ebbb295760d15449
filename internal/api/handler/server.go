package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/edvin/notehub/internal/api/response"
	"github.com/edvin/notehub/internal/core"
	"github.com/edvin/notehub/internal/model"
	"github.com/edvin/notehub/internal/spawn"
)

// Server handles the spawn/stop REST API and the spawn progress feeds.
type Server struct {
	users      *core.UserService
	controller *spawn.Controller
}

func NewServer(users *core.UserService, controller *spawn.Controller) *Server {
	return &Server{users: users, controller: controller}
}

// serverScope builds the filter value for (user, server) scopes,
// "alice/gpu" or "alice/" for the default server.
func serverScope(user, serverName string) string {
	return user + "/" + serverName
}

// Start requests a spawn: 201 when the server is already up, 202 while the
// spawn is pending. A JSON body, when present, is stored as the server's
// user options. Requires servers scope for the target.
func (h *Server) Start(w http.ResponseWriter, r *http.Request) {
	user := chi.URLParam(r, "user")
	serverName := chi.URLParam(r, "server")
	if authorize(w, r, "servers!server="+serverScope(user, serverName)) == nil {
		return
	}

	u, err := h.users.GetByName(r.Context(), user)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	var options json.RawMessage
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 64<<10))
	if err != nil {
		response.WriteError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	if len(body) > 0 {
		if !json.Valid(body) {
			response.WriteError(w, http.StatusBadRequest, "user options must be a JSON document")
			return
		}
		options = body
	}

	state, err := h.controller.Start(r.Context(), u, serverName, options)
	switch {
	case errors.Is(err, spawn.ErrOverCapacity):
		response.WriteError(w, http.StatusTooManyRequests, err.Error())
		return
	case errors.Is(err, spawn.ErrStopPending):
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		response.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if state == model.StateRunning {
		response.WriteJSON(w, http.StatusCreated, map[string]any{
			"ready": true,
			"url":   spawn.ServerPrefix(user, serverName),
		})
		return
	}
	response.WriteJSON(w, http.StatusAccepted, map[string]any{
		"ready":   false,
		"pending": "spawn",
	})
}

// Stop requests a shutdown: 204 when the server was already stopped, 202
// while the stop resolves.
func (h *Server) Stop(w http.ResponseWriter, r *http.Request) {
	user := chi.URLParam(r, "user")
	serverName := chi.URLParam(r, "server")
	if authorize(w, r, "servers!server="+serverScope(user, serverName)) == nil {
		return
	}

	state, err := h.controller.Stop(r.Context(), user, serverName)
	if err != nil {
		response.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if state == model.StateStopped {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	response.WriteJSON(w, http.StatusAccepted, map[string]any{"pending": "stop"})
}

// Progress streams spawn progress as server-sent events. The stream ends
// after the terminal event.
func (h *Server) Progress(w http.ResponseWriter, r *http.Request) {
	user := chi.URLParam(r, "user")
	serverName := chi.URLParam(r, "server")
	if authorize(w, r, "read:servers!server="+serverScope(user, serverName)) == nil {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		response.WriteError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	events, cancel := h.controller.Subscribe(user, serverName)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				return
			}
			if _, err := w.Write([]byte("data: " + string(payload) + "\n\n")); err != nil {
				return
			}
			flusher.Flush()
			if ev.Terminal() {
				return
			}
		}
	}
}

// ProgressWS is the WebSocket variant of the progress feed: one JSON text
// message per event, closing normally after the terminal one.
func (h *Server) ProgressWS(w http.ResponseWriter, r *http.Request) {
	user := chi.URLParam(r, "user")
	serverName := chi.URLParam(r, "server")
	if authorize(w, r, "read:servers!server="+serverScope(user, serverName)) == nil {
		return
	}
	log := zerolog.Ctx(r.Context())

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // Origin is the backend's prefix, not the hub's.
	})
	if err != nil {
		log.Error().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer ws.CloseNow()

	events, cancel := h.controller.Subscribe(user, serverName)
	defer cancel()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-events:
			if !ok {
				ws.Close(websocket.StatusNormalClosure, "")
				return
			}
			if err := wsjson.Write(r.Context(), ws, ev); err != nil {
				return
			}
			if ev.Terminal() {
				ws.Close(websocket.StatusNormalClosure, "")
				return
			}
		}
	}
}
