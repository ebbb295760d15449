package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all runtime configuration, loaded from the environment.
type Config struct {
	DatabaseURL    string
	HTTPListenAddr string
	// ProxyListenAddr is where the routing proxy listens; all end-user
	// traffic enters here and the hub itself is the proxy's default target.
	ProxyListenAddr string
	// PublicURL is the externally visible base URL of the proxy, used in
	// redirects and in the environment handed to spawned servers.
	PublicURL string
	LogLevel  string

	// ProxyTLSCert/ProxyTLSKey enable TLS on the proxy listener; empty
	// means plaintext. ProxyTLSClientCA additionally enforces mTLS.
	ProxyTLSCert     string
	ProxyTLSKey      string
	ProxyTLSClientCA string

	// Authenticator selects the identity backend ("dummy" or "static").
	Authenticator string
	// StaticUsers is the "static" authenticator's user table, formatted
	// "name:password,name:password".
	StaticUsers string
	// AdminUsers names get the admin flag on first login regardless of
	// authenticator.
	AdminUsers string

	// Spawner selects the launcher backend ("local").
	Spawner string
	// SpawnerCommand is the command the local launcher runs.
	SpawnerCommand string
	// SpawnerPortRangeStart is the first port the local launcher hands out.
	SpawnerPortRangeStart int

	CookieMaxAge     time.Duration
	OAuthCodeTTL     time.Duration
	TokenCacheMaxAge time.Duration
	// TokenDefaultTTL of zero means session tokens expire with the cookie.
	TokenDefaultTTL time.Duration

	SpawnTimeout     time.Duration
	SlowSpawnTimeout time.Duration
	StopTimeout      time.Duration
	// ConsecutiveFailureLimit aborts all further spawning process-wide once
	// this many spawns fail in a row. Zero disables the limit.
	ConsecutiveFailureLimit int

	// ProxyRetryMax bounds the redirect-retry loop when a server is Running
	// but its route is not yet visible.
	ProxyRetryMax          int
	ActivityResolution     time.Duration
	RouteReconcileInterval time.Duration

	// ServiceAccounts are non-user principals provisioned at startup from
	// SERVICE_ACCOUNTS, e.g. "culler:admin,backup". Each service's
	// pre-shared API token comes from SERVICE_TOKEN_<NAME>; an optional
	// SERVICE_OAUTH_REDIRECT_<NAME> additionally registers an OAuth client
	// (skip_confirmation, secret = the token).
	ServiceAccounts []ServiceAccount
}

// ServiceAccount is one config-declared service principal.
type ServiceAccount struct {
	Name          string
	Admin         bool
	Token         string
	OAuthRedirect string
}

func Load() (*Config, error) {
	cfg := &Config{
		DatabaseURL:             getEnv("DATABASE_URL", ""),
		HTTPListenAddr:          getEnv("HTTP_LISTEN_ADDR", "127.0.0.1:8081"),
		ProxyListenAddr:         getEnv("PROXY_LISTEN_ADDR", ":8000"),
		PublicURL:               getEnv("PUBLIC_URL", "http://127.0.0.1:8000"),
		LogLevel:                getEnv("LOG_LEVEL", "info"),
		ProxyTLSCert:            getEnv("PROXY_TLS_CERT", ""),
		ProxyTLSKey:             getEnv("PROXY_TLS_KEY", ""),
		ProxyTLSClientCA:        getEnv("PROXY_TLS_CLIENT_CA", ""),
		Authenticator:           getEnv("AUTHENTICATOR", "dummy"),
		StaticUsers:             getEnv("STATIC_USERS", ""),
		AdminUsers:              getEnv("ADMIN_USERS", ""),
		Spawner:                 getEnv("SPAWNER", "local"),
		SpawnerCommand:          getEnv("SPAWNER_COMMAND", "notehub-singleuser"),
		SpawnerPortRangeStart:   getEnvInt("SPAWNER_PORT_RANGE_START", 42000),
		CookieMaxAge:            getEnvDuration("COOKIE_MAX_AGE", 14*24*time.Hour),
		OAuthCodeTTL:            getEnvDuration("OAUTH_CODE_TTL", 30*time.Second),
		TokenCacheMaxAge:        getEnvDuration("TOKEN_CACHE_MAX_AGE", 5*time.Minute),
		TokenDefaultTTL:         getEnvDuration("TOKEN_DEFAULT_TTL", 0),
		SpawnTimeout:            getEnvDuration("SPAWN_TIMEOUT", 120*time.Second),
		SlowSpawnTimeout:        getEnvDuration("SLOW_SPAWN_TIMEOUT", 10*time.Second),
		StopTimeout:             getEnvDuration("STOP_TIMEOUT", 30*time.Second),
		ConsecutiveFailureLimit: getEnvInt("CONSECUTIVE_FAILURE_LIMIT", 5),
		ProxyRetryMax:           getEnvInt("PROXY_RETRY_MAX", 4),
		ActivityResolution:      getEnvDuration("ACTIVITY_RESOLUTION", 30*time.Second),
		RouteReconcileInterval:  getEnvDuration("ROUTE_RECONCILE_INTERVAL", 60*time.Second),
	}

	accounts, err := parseServiceAccounts(getEnv("SERVICE_ACCOUNTS", ""), os.Getenv)
	if err != nil {
		return nil, err
	}
	cfg.ServiceAccounts = accounts

	return cfg, nil
}

// parseServiceAccounts splits "name[:admin],name[:admin]" and resolves each
// service's token and optional OAuth redirect from the environment.
func parseServiceAccounts(spec string, getenv func(string) string) ([]ServiceAccount, error) {
	if spec == "" {
		return nil, nil
	}

	var accounts []ServiceAccount
	for _, entry := range strings.Split(spec, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		name, flag, _ := strings.Cut(entry, ":")
		if flag != "" && flag != "admin" {
			return nil, fmt.Errorf("SERVICE_ACCOUNTS entry %q: unknown flag %q", entry, flag)
		}

		suffix := strings.ToUpper(strings.NewReplacer("-", "_", ".", "_").Replace(name))
		token := getenv("SERVICE_TOKEN_" + suffix)
		if token == "" {
			return nil, fmt.Errorf("SERVICE_TOKEN_%s is required for service account %q", suffix, name)
		}

		accounts = append(accounts, ServiceAccount{
			Name:          name,
			Admin:         flag == "admin",
			Token:         token,
			OAuthRedirect: getenv("SERVICE_OAUTH_REDIRECT_" + suffix),
		})
	}
	return accounts, nil
}

// Validate checks the fields the hub cannot run without.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if _, err := url.Parse(c.PublicURL); err != nil {
		return fmt.Errorf("invalid PUBLIC_URL: %w", err)
	}
	if (c.ProxyTLSCert == "") != (c.ProxyTLSKey == "") {
		return fmt.Errorf("PROXY_TLS_CERT and PROXY_TLS_KEY must be set together")
	}
	if c.SpawnTimeout <= 0 {
		return fmt.Errorf("SPAWN_TIMEOUT must be positive")
	}
	if c.OAuthCodeTTL <= 0 {
		return fmt.Errorf("OAUTH_CODE_TTL must be positive")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
