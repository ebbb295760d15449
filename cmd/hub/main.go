package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/edvin/notehub/internal/api"
	"github.com/edvin/notehub/internal/auth"
	"github.com/edvin/notehub/internal/config"
	"github.com/edvin/notehub/internal/core"
	"github.com/edvin/notehub/internal/db"
	"github.com/edvin/notehub/internal/logging"
	"github.com/edvin/notehub/internal/metrics"
	"github.com/edvin/notehub/internal/model"
	"github.com/edvin/notehub/internal/proxy"
	"github.com/edvin/notehub/internal/spawn"
	"github.com/edvin/notehub/internal/spawner"
)

func main() {
	migrateFlag := flag.Bool("migrate", false, "Run database migrations before starting")
	migrateDirFlag := flag.String("migrate-dir", "migrations", "Migration files directory")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewLogger(cfg)

	if *migrateFlag {
		logger.Info().Str("dir", *migrateDirFlag).Msg("running database migrations")
		if err := db.RunMigrations(cfg.DatabaseURL, *migrateDirFlag); err != nil {
			logger.Fatal().Err(err).Msg("migration failed")
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()

	metrics.RegisterPoolMetrics(pool)

	services := core.NewServices(pool, core.Options{
		TokenCacheMaxAge:   cfg.TokenCacheMaxAge,
		OAuthCodeTTL:       cfg.OAuthCodeTTL,
		ActivityResolution: cfg.ActivityResolution,
	})

	if err := provisionServices(ctx, cfg, services, logger); err != nil {
		logger.Fatal().Err(err).Msg("failed to provision service accounts")
	}

	authenticator, err := buildAuthenticator(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to configure authenticator")
	}

	sp, err := buildSpawner(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to configure spawner")
	}

	table := proxy.NewTable(logger)

	env := newSpawnEnv(cfg, services)
	controller := spawn.NewController(sp, table, services.Server, env.prepare, spawn.Config{
		SpawnTimeout:            cfg.SpawnTimeout,
		SlowSpawnTimeout:        cfg.SlowSpawnTimeout,
		StopTimeout:             cfg.StopTimeout,
		ConsecutiveFailureLimit: cfg.ConsecutiveFailureLimit,
	}, logger)
	metrics.RegisterServerCensus(func() int { return len(controller.RunningServers()) })

	hub := api.NewServer(logger, pool, services, controller, table, authenticator, cfg)

	hubServer := &http.Server{
		Addr:         cfg.HTTPListenAddr,
		Handler:      hub,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // progress streams stay open
		IdleTimeout:  60 * time.Second,
	}
	proxyTLS, err := cfg.ProxyTLS()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to configure proxy TLS")
	}
	proxyServer := &http.Server{
		Addr:      cfg.ProxyListenAddr,
		Handler:   table.Handler(hub),
		TLSConfig: proxyTLS,
	}

	reconciler := proxy.NewReconciler(table, controller.RunningServers, cfg.RouteReconcileInterval, logger)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info().Str("addr", cfg.HTTPListenAddr).Msg("starting hub API server")
		if err := hubServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("hub server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		logger.Info().Str("addr", cfg.ProxyListenAddr).Bool("tls", proxyTLS != nil).Msg("starting proxy server")
		var err error
		if proxyTLS != nil {
			err = proxyServer.ListenAndServeTLS("", "")
		} else {
			err = proxyServer.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("proxy server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		reconciler.Run(gctx)
		return nil
	})
	g.Go(func() error {
		ticker := time.NewTicker(cfg.RouteReconcileInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				controller.PollBackends(gctx)
			}
		}
	})
	g.Go(func() error {
		runPurgeLoop(gctx, services, logger)
		return nil
	})
	g.Go(func() error {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		select {
		case <-gctx.Done():
			return nil
		case sig := <-quit:
			logger.Info().Str("signal", sig.String()).Msg("shutting down")
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		hubServer.Shutdown(shutdownCtx)
		proxyServer.Shutdown(shutdownCtx)
		cancel()
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Fatal().Err(err).Msg("hub exited")
	}
}

func buildAuthenticator(cfg *config.Config) (auth.Authenticator, error) {
	admins := strings.Split(cfg.AdminUsers, ",")
	switch cfg.Authenticator {
	case "dummy":
		return auth.NewDummyAuthenticator("", admins), nil
	case "static":
		return auth.NewStaticAuthenticator(cfg.StaticUsers, admins)
	default:
		return nil, fmt.Errorf("unknown authenticator %q", cfg.Authenticator)
	}
}

func buildSpawner(cfg *config.Config, logger zerolog.Logger) (spawner.Spawner, error) {
	switch cfg.Spawner {
	case "local":
		return spawner.NewLocalProcess(cfg.SpawnerCommand, cfg.SpawnerPortRangeStart, logger), nil
	default:
		return nil, fmt.Errorf("unknown spawner %q", cfg.Spawner)
	}
}

// provisionServices upserts each config-declared service account, stores
// its pre-shared API token, and registers its OAuth client when a redirect
// URI is configured. Hub-managed clients skip the consent page.
func provisionServices(ctx context.Context, cfg *config.Config, services *core.Services, logger zerolog.Logger) error {
	for _, account := range cfg.ServiceAccounts {
		svc, err := services.Service.Upsert(ctx, account.Name, account.Admin)
		if err != nil {
			return err
		}
		if err := services.Token.EnsureServiceToken(ctx, svc, account.Token); err != nil {
			return err
		}
		if account.OAuthRedirect != "" {
			_, err := services.OAuth.RegisterClientWithSecret(ctx,
				"notehub-service-"+account.Name, account.Token, account.OAuthRedirect,
				"Service "+account.Name, []string{"read:users!user"}, true)
			if err != nil {
				return err
			}
		}
		logger.Info().Str("service", account.Name).Bool("admin", account.Admin).
			Bool("oauth", account.OAuthRedirect != "").Msg("provisioned service account")
	}
	return nil
}

// runPurgeLoop sweeps expired tokens and stale OAuth codes.
func runPurgeLoop(ctx context.Context, services *core.Services, logger zerolog.Logger) {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := services.Token.PurgeExpired(ctx); err != nil {
				logger.Error().Err(err).Msg("purge expired tokens")
			} else if n > 0 {
				logger.Info().Int64("count", n).Msg("purged expired tokens")
			}
			if n, err := services.OAuth.PurgeExpiredCodes(ctx); err != nil {
				logger.Error().Err(err).Msg("purge expired oauth codes")
			} else if n > 0 {
				logger.Info().Int64("count", n).Msg("purged expired oauth codes")
			}
		}
	}
}

// spawnEnv prepares everything a backend needs before launch: its API
// token, its OAuth client registration, and the hub coordinates.
type spawnEnv struct {
	cfg      *config.Config
	services *core.Services
}

func newSpawnEnv(cfg *config.Config, services *core.Services) *spawnEnv {
	return &spawnEnv{cfg: cfg, services: services}
}

func (e *spawnEnv) prepare(ctx context.Context, u *model.User, serverName, prefix string) (map[string]string, error) {
	clientID := "notehub-user-" + u.Name
	if serverName != "" {
		clientID += "-" + serverName
	}
	callbackURL := strings.TrimSuffix(e.cfg.PublicURL, "/") + prefix + "oauth_callback"

	// The backend's OAuth client may only ask for access to itself and for
	// activity reporting; filters are concrete, not self-referencing, so
	// the grant is pinned to this user.
	allowedScopes := []string{
		"access:servers!server=" + u.Name + "/" + serverName,
		"users:activity!user=" + u.Name,
		"read:users!user=" + u.Name,
	}

	_, secret, err := e.services.OAuth.RegisterClient(ctx, clientID, callbackURL,
		fmt.Sprintf("Server %s%s", u.Name, suffixName(serverName)), allowedScopes, true)
	if err != nil {
		return nil, fmt.Errorf("register oauth client: %w", err)
	}

	_, raw, err := e.services.Token.Issue(ctx, core.IssueParams{
		User: u,
		RequestedScopes: []string{
			"users:activity!user=" + u.Name,
			"access:servers!server=" + u.Name + "/" + serverName,
		},
		Note: "server token " + prefix,
	})
	if err != nil {
		return nil, fmt.Errorf("issue server token: %w", err)
	}

	apiURL := "http://" + e.cfg.HTTPListenAddr
	if strings.HasPrefix(e.cfg.HTTPListenAddr, ":") {
		apiURL = "http://127.0.0.1" + e.cfg.HTTPListenAddr
	}

	return map[string]string{
		"NOTEHUB_API_TOKEN":           raw,
		"NOTEHUB_API_URL":             apiURL + "/hub/api",
		"NOTEHUB_SERVICE_PREFIX":      prefix,
		"NOTEHUB_USER":                u.Name,
		"NOTEHUB_OAUTH_CLIENT_ID":     clientID,
		"NOTEHUB_OAUTH_CLIENT_SECRET": secret,
		"NOTEHUB_OAUTH_CALLBACK_URL":  callbackURL,
		"NOTEHUB_OAUTH_SCOPES":        strings.Join(allowedScopes, " "),
	}, nil
}

func suffixName(serverName string) string {
	if serverName == "" {
		return ""
	}
	return "/" + serverName
}
