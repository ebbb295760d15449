// Package spawn implements the per-(user, server) lifecycle state machine:
// Stopped -> SpawnPending -> Running -> StopPending -> Stopped. Transitions
// are serialized per key; calls into the external launcher run as background
// tasks that post their outcome back into the machine, so no lock is held
// across network waits.
package spawn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/edvin/notehub/internal/core"
	"github.com/edvin/notehub/internal/model"
	"github.com/edvin/notehub/internal/spawner"
)

var (
	spawnDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "spawn_duration_seconds",
		Help:    "Time from spawn request to ready",
		Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
	})
	spawnFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "spawn_failures_total",
		Help: "Spawns that ended in failure",
	})
	activeServers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "active_servers",
		Help: "Servers currently running",
	})
)

// Errors surfaced to the request layer.
var (
	// ErrOverCapacity means the process-wide consecutive-failure limit was
	// breached and the hub refuses new spawns until a spawn succeeds or the
	// hub restarts. Operator-facing, distinct from one user's failure.
	ErrOverCapacity = errors.New("spawning is suspended: too many consecutive spawn failures")
	// ErrStopPending rejects a start while a stop is still resolving.
	ErrStopPending = errors.New("server stop is still pending, retry shortly")
)

// RouteSync is the slice of the proxy the controller drives: add a route
// when a server reaches Running, remove it on the way down.
type RouteSync interface {
	AddRoute(routespec, target string, data model.RouteData) error
	DeleteRoute(routespec string) error
}

// EnvFunc prepares the environment for a backend about to launch: API
// token, hub API URL, prefix, and the backend's OAuth client credentials.
type EnvFunc func(ctx context.Context, user *model.User, serverName, prefix string) (map[string]string, error)

// Config carries the controller's tunables.
type Config struct {
	SpawnTimeout     time.Duration
	SlowSpawnTimeout time.Duration
	StopTimeout      time.Duration
	// ConsecutiveFailureLimit of zero disables the process-wide circuit
	// breaker.
	ConsecutiveFailureLimit int
}

type key struct {
	user string
	name string
}

type entry struct {
	mu sync.Mutex

	userID string
	rowID  string

	state      model.SpawnState
	endpoint   string
	failReason string

	// stopRequested is set when a stop arrives during SpawnPending; the
	// in-flight spawn observes it on completion and tears itself down.
	stopRequested bool
	cancelSpawn   context.CancelFunc
	startedAt     time.Time

	hub *progressHub
}

// Controller owns every server's state machine.
type Controller struct {
	spawner spawner.Spawner
	routes  RouteSync
	servers *core.ServerService
	prepEnv EnvFunc
	cfg     Config
	logger  zerolog.Logger

	mu      sync.Mutex
	entries map[key]*entry

	consecutiveFailures atomic.Int64
}

func NewController(sp spawner.Spawner, routes RouteSync, servers *core.ServerService, prepEnv EnvFunc, cfg Config, logger zerolog.Logger) *Controller {
	return &Controller{
		spawner: sp,
		routes:  routes,
		servers: servers,
		prepEnv: prepEnv,
		cfg:     cfg,
		logger:  logger.With().Str("component", "spawn").Logger(),
		entries: make(map[key]*entry),
	}
}

// ServerPrefix is the URL path a server is exposed under. The empty server
// name is the user's default server.
func ServerPrefix(user, serverName string) string {
	if serverName == "" {
		return "/user/" + user + "/"
	}
	return "/user/" + user + "/" + serverName + "/"
}

func (c *Controller) entryFor(k key) *entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[k]
	if !ok {
		e = &entry{state: model.StateStopped, hub: newProgressHub()}
		c.entries[k] = e
	}
	return e
}

// State returns the current state and, when relevant, the exposed URL and
// last failure reason.
func (c *Controller) State(user, serverName string) (model.SpawnState, string, string) {
	e := c.entryFor(key{user, serverName})
	e.mu.Lock()
	defer e.mu.Unlock()
	url := ""
	if e.state == model.StateRunning {
		url = ServerPrefix(user, serverName)
	}
	return e.state, url, e.failReason
}

// Start requests a spawn. It is an idempotent no-op when the server is
// already SpawnPending or Running: the current state is returned and no
// second launch happens. Only the transition runs under the key's lock; the
// launcher call proceeds in the background.
func (c *Controller) Start(ctx context.Context, user *model.User, serverName string, options json.RawMessage) (model.SpawnState, error) {
	k := key{user.Name, serverName}
	e := c.entryFor(k)

	e.mu.Lock()
	switch e.state {
	case model.StateSpawnPending, model.StateRunning:
		state := e.state
		e.mu.Unlock()
		return state, nil
	case model.StateStopPending:
		e.mu.Unlock()
		return model.StateStopPending, ErrStopPending
	}

	if limit := int64(c.cfg.ConsecutiveFailureLimit); limit > 0 && c.consecutiveFailures.Load() >= limit {
		e.mu.Unlock()
		return model.StateStopped, ErrOverCapacity
	}

	spawnCtx, cancel := context.WithTimeout(context.Background(), c.cfg.SpawnTimeout)
	e.state = model.StateSpawnPending
	e.userID = user.ID
	e.failReason = ""
	e.endpoint = ""
	e.stopRequested = false
	e.cancelSpawn = cancel
	e.startedAt = time.Now()
	e.hub = newProgressHub()
	hub := e.hub
	e.mu.Unlock()

	hub.emit(Event{Progress: 0, Message: "Server requested"})

	go func() {
		defer cancel()
		c.runSpawn(spawnCtx, e, k, user, serverName, options)
	}()

	return model.StateSpawnPending, nil
}

func (c *Controller) runSpawn(ctx context.Context, e *entry, k key, user *model.User, serverName string, options json.RawMessage) {
	log := c.logger.With().Str("user", k.user).Str("server_name", k.name).Logger()
	prefix := ServerPrefix(k.user, k.name)

	e.mu.Lock()
	hub := e.hub
	e.mu.Unlock()

	// Persist the pending record (and the options for identical relaunch).
	row, err := c.servers.Upsert(ctx, user.ID, serverName, options)
	if err == nil {
		e.mu.Lock()
		e.rowID = row.ID
		rowID := row.ID
		e.mu.Unlock()
		_ = c.servers.SetState(ctx, rowID, model.StateSpawnPending, "", "")
		if options == nil {
			options = row.UserOptions
		}
	} else {
		log.Error().Err(err).Msg("persist pending server")
	}

	slowTimer := time.AfterFunc(c.cfg.SlowSpawnTimeout, func() {
		log.Warn().Dur("elapsed", c.cfg.SlowSpawnTimeout).Msg("spawn is slow")
		hub.emit(Event{Progress: 80, Message: "Server is taking longer than expected"})
	})
	defer slowTimer.Stop()

	env := map[string]string{}
	if c.prepEnv != nil {
		env, err = c.prepEnv(ctx, user, serverName, prefix)
		if err != nil {
			c.finishSpawn(ctx, e, k, "", fmt.Errorf("prepare environment: %w", err))
			return
		}
	}

	hub.emit(Event{Progress: 50, Message: "Spawning server..."})

	endpoint, err := c.spawner.Start(ctx, spawner.StartParams{
		User:        k.user,
		ServerName:  k.name,
		Prefix:      prefix,
		Env:         env,
		UserOptions: options,
	})
	c.finishSpawn(ctx, e, k, endpoint, err)
}

// finishSpawn posts the launcher's outcome back into the state machine.
func (c *Controller) finishSpawn(ctx context.Context, e *entry, k key, endpoint string, spawnErr error) {
	log := c.logger.With().Str("user", k.user).Str("server_name", k.name).Logger()
	prefix := ServerPrefix(k.user, k.name)

	e.mu.Lock()
	stopRequested := e.stopRequested
	rowID := e.rowID
	startedAt := e.startedAt

	switch {
	case stopRequested:
		// A stop arrived while the spawn was in flight. If the spawn won
		// the race anyway, tear the orphan down; either way the final
		// state is Stopped.
		e.state = model.StateStopped
		e.endpoint = ""
		hub := e.hub
		e.mu.Unlock()

		if spawnErr == nil {
			log.Info().Msg("spawn completed after stop was requested, stopping orphan")
			stopCtx, cancel := context.WithTimeout(context.Background(), c.cfg.StopTimeout)
			defer cancel()
			if err := c.spawner.Stop(stopCtx, k.user, k.name); err != nil {
				log.Error().Err(err).Msg("stop orphaned backend")
			}
		}
		hub.emit(Event{Progress: 100, Failed: true, Message: "Server stopped while starting"})
		if rowID != "" {
			_ = c.servers.SetState(ctx, rowID, model.StateStopped, "", "stopped before startup finished")
		}

	case spawnErr != nil:
		n := c.consecutiveFailures.Add(1)
		spawnFailures.Inc()
		e.state = model.StateStopped
		e.failReason = spawnErr.Error()
		hub := e.hub
		e.mu.Unlock()

		log.Error().Err(spawnErr).Int64("consecutive_failures", n).Msg("spawn failed")
		if limit := int64(c.cfg.ConsecutiveFailureLimit); limit > 0 && n >= limit {
			log.Error().Int64("limit", limit).Msg("consecutive failure limit reached, suspending spawning")
		}
		hub.emit(Event{Progress: 100, Failed: true, Message: "Spawn failed: " + spawnErr.Error()})
		if rowID != "" {
			_ = c.servers.SetState(ctx, rowID, model.StateStopped, "", spawnErr.Error())
		}

	default:
		c.consecutiveFailures.Store(0)
		e.state = model.StateRunning
		e.endpoint = endpoint
		e.failReason = ""
		hub := e.hub
		e.mu.Unlock()

		activeServers.Inc()
		spawnDuration.Observe(time.Since(startedAt).Seconds())

		// Route goes in only after Running is observed; reconciliation
		// repairs the gap if this call is lost.
		if err := c.routes.AddRoute(prefix, endpoint, model.RouteData{User: k.user, ServerName: k.name}); err != nil {
			log.Error().Err(err).Str("routespec", prefix).Msg("add route after spawn")
		}
		if rowID != "" {
			_ = c.servers.SetState(ctx, rowID, model.StateRunning, prefix, "")
		}

		log.Info().Str("endpoint", endpoint).Msg("server running")
		hub.emit(Event{Progress: 100, Ready: true, URL: prefix, Message: "Server ready"})
	}
}

// Stop requests a shutdown. Valid from Running and SpawnPending (the
// in-flight start is cancelled and its eventual success torn down); a stop
// on a Stopped server is a no-op.
func (c *Controller) Stop(ctx context.Context, user, serverName string) (model.SpawnState, error) {
	k := key{user, serverName}
	e := c.entryFor(k)

	e.mu.Lock()
	switch e.state {
	case model.StateStopped:
		e.mu.Unlock()
		return model.StateStopped, nil

	case model.StateStopPending:
		e.mu.Unlock()
		return model.StateStopPending, nil

	case model.StateSpawnPending:
		e.stopRequested = true
		e.state = model.StateStopPending
		cancel := e.cancelSpawn
		e.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		return model.StateStopPending, nil
	}

	// Running.
	e.state = model.StateStopPending
	rowID := e.rowID
	e.mu.Unlock()

	prefix := ServerPrefix(user, serverName)
	if err := c.routes.DeleteRoute(prefix); err != nil {
		c.logger.Warn().Err(err).Str("routespec", prefix).Msg("delete route on stop")
	}
	if rowID != "" {
		_ = c.servers.SetState(ctx, rowID, model.StateStopPending, "", "")
	}

	go func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), c.cfg.StopTimeout)
		defer cancel()

		stopErr := c.spawner.Stop(stopCtx, user, serverName)

		e.mu.Lock()
		e.state = model.StateStopped
		e.endpoint = ""
		if stopErr != nil {
			// Still Stopped locally so the machine cannot wedge, but the
			// error is kept for the user and admin to see.
			e.failReason = "stop failed: " + stopErr.Error()
		}
		failReason := e.failReason
		e.mu.Unlock()

		activeServers.Dec()
		if stopErr != nil {
			c.logger.Error().Err(stopErr).Str("user", user).Str("server_name", serverName).Msg("launcher stop failed")
		}
		if rowID != "" {
			_ = c.servers.SetState(context.Background(), rowID, model.StateStopped, "", failReason)
		}
	}()

	return model.StateStopPending, nil
}

// Subscribe attaches a progress consumer for (user, serverName). A
// subscriber arriving after the spawn settled receives a single terminal
// event reflecting the current state.
func (c *Controller) Subscribe(user, serverName string) (<-chan Event, func()) {
	e := c.entryFor(key{user, serverName})

	e.mu.Lock()
	state := e.state
	failReason := e.failReason
	hub := e.hub
	e.mu.Unlock()

	switch state {
	case model.StateSpawnPending:
		return hub.subscribe()
	case model.StateRunning:
		return hub.subscribe()
	default:
		// Settled without a live hub (e.g. hub restarted): synthesize the
		// terminal event.
		ch := make(chan Event, 1)
		if failReason != "" {
			ch <- Event{Progress: 100, Failed: true, Message: "Spawn failed: " + failReason}
		} else {
			ch <- Event{Progress: 100, Failed: true, Message: "Server is not running"}
		}
		close(ch)
		return ch, func() {}
	}
}

// RunningServers is the controller's authoritative view for route
// reconciliation: routespec -> backend endpoint.
func (c *Controller) RunningServers() map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[string]string)
	for k, e := range c.entries {
		e.mu.Lock()
		if e.state == model.StateRunning {
			out[ServerPrefix(k.user, k.name)] = e.endpoint
		}
		e.mu.Unlock()
	}
	return out
}

// PollBackends asks the launcher about every Running server and moves the
// ones whose backend died to Stopped, removing their routes. Driven
// periodically from the main loop; without it a crashed backend would keep
// its Running state and a dangling route until an explicit stop.
func (c *Controller) PollBackends(ctx context.Context) {
	c.mu.Lock()
	keys := make([]key, 0, len(c.entries))
	for k, e := range c.entries {
		e.mu.Lock()
		if e.state == model.StateRunning {
			keys = append(keys, k)
		}
		e.mu.Unlock()
	}
	c.mu.Unlock()

	for _, k := range keys {
		status, err := c.spawner.Poll(ctx, k.user, k.name)
		if err != nil {
			c.logger.Warn().Err(err).Str("user", k.user).Str("server_name", k.name).Msg("backend poll failed")
			continue
		}
		if status.Running {
			continue
		}
		c.markBackendGone(ctx, k, status)
	}
}

func (c *Controller) markBackendGone(ctx context.Context, k key, status spawner.Status) {
	reason := "backend exited"
	if status.ExitCode != nil {
		reason = fmt.Sprintf("backend exited with code %d", *status.ExitCode)
	}

	e := c.entryFor(k)
	e.mu.Lock()
	// A stop or restart may have raced the poll; only a still-Running
	// entry is ours to move.
	if e.state != model.StateRunning {
		e.mu.Unlock()
		return
	}
	e.state = model.StateStopped
	e.endpoint = ""
	e.failReason = reason
	rowID := e.rowID
	e.mu.Unlock()

	activeServers.Dec()
	prefix := ServerPrefix(k.user, k.name)
	if err := c.routes.DeleteRoute(prefix); err != nil {
		c.logger.Warn().Err(err).Str("routespec", prefix).Msg("delete route for dead backend")
	}
	if rowID != "" {
		_ = c.servers.SetState(ctx, rowID, model.StateStopped, "", reason)
	}
	c.logger.Warn().Str("user", k.user).Str("server_name", k.name).Str("reason", reason).Msg("backend died, marked stopped")
}

// OverCapacity reports whether the failure circuit breaker is open.
func (c *Controller) OverCapacity() bool {
	limit := int64(c.cfg.ConsecutiveFailureLimit)
	return limit > 0 && c.consecutiveFailures.Load() >= limit
}
