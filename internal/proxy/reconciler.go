package proxy

import (
	"context"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/edvin/notehub/internal/model"
)

var routeInconsistencies = promauto.NewCounter(prometheus.CounterOpts{
	Name: "proxy_route_inconsistencies_total",
	Help: "Route table entries repaired by reconciliation",
})

// ExpectedFunc supplies the authoritative routespec -> target map, taken
// from the spawn controller's view of Running servers.
type ExpectedFunc func() map[string]string

// Reconciler periodically compares the route table against the expected
// set and repairs drift in both directions: a Running server without a
// route gets one, a route whose server is gone is removed. Only user
// routes (the "/user/" namespace) are reconciled; service routes are
// managed by their own registration path.
type Reconciler struct {
	table    *Table
	expected ExpectedFunc
	interval time.Duration
	logger   zerolog.Logger
}

func NewReconciler(table *Table, expected ExpectedFunc, interval time.Duration, logger zerolog.Logger) *Reconciler {
	return &Reconciler{
		table:    table,
		expected: expected,
		interval: interval,
		logger:   logger.With().Str("component", "route-reconciler").Logger(),
	}
}

// Run blocks until ctx is done, reconciling every interval.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.ReconcileOnce()
		}
	}
}

// ReconcileOnce performs a single repair pass and returns the number of
// routes added and removed.
func (r *Reconciler) ReconcileOnce() (added, removed int) {
	expected := r.expected()
	actual := r.table.GetAllRoutes()

	for spec, target := range expected {
		current, ok := actual[spec]
		if ok && current.Target == target {
			continue
		}
		routeInconsistencies.Inc()
		if ok {
			r.logger.Warn().Str("routespec", spec).
				Str("expected_target", target).Str("actual_target", current.Target).
				Msg("RouteInconsistency: wrong target, replacing")
		} else {
			r.logger.Warn().Str("routespec", spec).Str("target", target).
				Msg("RouteInconsistency: running server had no route, adding")
		}
		user, serverName := splitUserSpec(spec)
		if err := r.table.AddRoute(spec, target, model.RouteData{User: user, ServerName: serverName}); err != nil {
			r.logger.Error().Err(err).Str("routespec", spec).Msg("repair add failed")
			continue
		}
		added++
	}

	for spec := range actual {
		if !strings.HasPrefix(spec, "/user/") {
			continue
		}
		if _, ok := expected[spec]; ok {
			continue
		}
		routeInconsistencies.Inc()
		r.logger.Warn().Str("routespec", spec).Msg("RouteInconsistency: route without running server, removing")
		if err := r.table.DeleteRoute(spec); err != nil {
			r.logger.Error().Err(err).Str("routespec", spec).Msg("repair delete failed")
			continue
		}
		removed++
	}
	return added, removed
}

// splitUserSpec recovers (user, serverName) from "/user/<name>/" or
// "/user/<name>/<server>/".
func splitUserSpec(spec string) (string, string) {
	rest, ok := strings.CutPrefix(spec, "/user/")
	if !ok {
		return "", ""
	}
	parts := strings.Split(strings.TrimSuffix(rest, "/"), "/")
	switch len(parts) {
	case 1:
		return parts[0], ""
	case 2:
		return parts[0], parts[1]
	default:
		return "", ""
	}
}
