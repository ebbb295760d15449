// Package api assembles the hub application: routing, middleware, and the
// HTTP surface (pages, REST API, OAuth provider). The same handler tree is
// both the hub listener and the proxy's default target.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/edvin/notehub/internal/api/handler"
	mw "github.com/edvin/notehub/internal/api/middleware"
	"github.com/edvin/notehub/internal/auth"
	"github.com/edvin/notehub/internal/config"
	"github.com/edvin/notehub/internal/core"
	"github.com/edvin/notehub/internal/spawn"
)

type Server struct {
	router        chi.Router
	logger        zerolog.Logger
	services      *core.Services
	pool          *pgxpool.Pool
	controller    *spawn.Controller
	activity      handler.ActivitySink
	authenticator auth.Authenticator
	cfg           *config.Config
}

func NewServer(logger zerolog.Logger, pool *pgxpool.Pool, services *core.Services,
	controller *spawn.Controller, activity handler.ActivitySink,
	authenticator auth.Authenticator, cfg *config.Config) *Server {

	s := &Server{
		router:        chi.NewRouter(),
		logger:        logger,
		services:      services,
		pool:          pool,
		controller:    controller,
		activity:      activity,
		authenticator: authenticator,
		cfg:           cfg,
	}

	s.setupMiddleware()
	s.setupRoutes()

	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(mw.RequestLogger(s.logger))
	s.router.Use(middleware.Recoverer)
	s.router.Use(mw.Metrics)
	s.router.Use(mw.Auth(s.services.Token))
}

func (s *Server) setupRoutes() {
	// Prometheus metrics endpoint
	s.router.Handle("/metrics", promhttp.Handler())

	// Health check endpoints
	s.router.Get("/healthz", s.handleHealthz)
	s.router.Get("/readyz", s.handleReadyz)

	pages := handler.NewPages(s.authenticator, s.services.User, s.services.Server,
		s.services.Token, s.controller, s.cfg.CookieMaxAge, s.cfg.ProxyRetryMax)
	user := handler.NewUser(s.services.User, s.services.Server, s.controller, s.activity)
	server := handler.NewServer(s.services.User, s.controller)
	token := handler.NewToken(s.services.User, s.services.Token)
	oauth := handler.NewOAuth(s.services.OAuth, s.services.User, s.services.Token, s.cfg.TokenDefaultTTL)
	role := handler.NewRole(s.services.Role, s.services.User)

	s.router.Get("/", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/hub/home", http.StatusFound)
	})

	s.router.Route("/hub", func(r chi.Router) {
		r.Get("/", func(w http.ResponseWriter, req *http.Request) {
			http.Redirect(w, req, "/hub/home", http.StatusFound)
		})

		// Pages
		r.Get("/login", pages.LoginForm)
		r.Post("/login", pages.Login)
		r.Get("/logout", pages.Logout)
		r.Post("/logout", pages.Logout)
		r.Get("/home", pages.Home)
		r.Post("/spawn/{user}", pages.Spawn)
		r.Post("/spawn/{user}/{server}", pages.Spawn)
		r.Post("/stop/{user}", pages.StopServer)
		r.Post("/stop/{user}/{server}", pages.StopServer)
		r.Get("/spawn-pending/{user}", pages.SpawnPending)
		r.Get("/spawn-pending/{user}/{server}", pages.SpawnPending)

		// OAuth provider
		r.Get("/api/oauth2/authorize", oauth.Authorize)
		r.Post("/api/oauth2/authorize", oauth.AuthorizeDecision)
		r.Post("/api/oauth2/token", oauth.Token)

		// REST API
		r.Route("/api", func(r chi.Router) {
			r.Get("/user", token.CurrentUser)

			r.Get("/users", user.List)
			r.Post("/users", user.Create)
			r.Get("/users/{user}", user.Get)
			r.Patch("/users/{user}", user.Update)
			r.Delete("/users/{user}", user.Delete)
			r.Post("/users/{user}/activity", user.PostActivity)

			// The default server lives under /server; named servers under
			// /servers/{server}.
			r.Post("/users/{user}/server", server.Start)
			r.Delete("/users/{user}/server", server.Stop)
			r.Get("/users/{user}/server/progress", server.Progress)
			r.Get("/users/{user}/server/progress/ws", server.ProgressWS)
			r.Post("/users/{user}/servers/{server}", server.Start)
			r.Delete("/users/{user}/servers/{server}", server.Stop)
			r.Get("/users/{user}/servers/{server}/progress", server.Progress)
			r.Get("/users/{user}/servers/{server}/progress/ws", server.ProgressWS)

			r.Get("/roles", role.List)
			r.Post("/roles/{role}/users/{user}", role.Grant)
			r.Delete("/roles/{role}/users/{user}", role.Revoke)

			r.Get("/users/{user}/tokens", token.List)
			r.Post("/users/{user}/tokens", token.Create)
			r.Delete("/users/{user}/tokens/{id}", token.Revoke)
		})
	})

	// Everything under /user/ that the proxy could not route lands here.
	s.router.HandleFunc("/user/*", pages.UserPath)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	checks := map[string]string{}
	healthy := true

	if err := s.pool.Ping(ctx); err != nil {
		checks["db"] = err.Error()
		healthy = false
	} else {
		checks["db"] = "ok"
	}

	if s.controller.OverCapacity() {
		checks["spawner"] = "suspended after consecutive failures"
		healthy = false
	} else {
		checks["spawner"] = "ok"
	}

	w.Header().Set("Content-Type", "application/json")
	if healthy {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(checks)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
