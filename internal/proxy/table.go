// Package proxy holds the route table in front of every backend and the
// handler that forwards traffic by longest matching prefix. The hub is the
// default target: anything that matches no backend route lands on the hub
// application, which decides whether to render a page or answer 424.
package proxy

import (
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/edvin/notehub/internal/model"
)

var proxyRoutes = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "proxy_routes",
	Help: "Routes currently in the proxy table",
})

type route struct {
	spec    string
	target  *url.URL
	proxy   *httputil.ReverseProxy
	data    model.RouteData
	addedAt time.Time
}

// Table maps normalized routespecs to backend targets. A routespec is
// "/path/" or "host/path/"; at most one route exists per spec.
type Table struct {
	logger zerolog.Logger

	mu     sync.RWMutex
	routes map[string]*route
}

func NewTable(logger zerolog.Logger) *Table {
	return &Table{
		logger: logger.With().Str("component", "proxy").Logger(),
		routes: make(map[string]*route),
	}
}

// normalizeSpec forces the trailing slash. Specs not starting with "/" are
// host-prefixed, e.g. "host.example.com/foo/".
func normalizeSpec(spec string) string {
	if spec == "" {
		return "/"
	}
	if !strings.HasSuffix(spec, "/") {
		spec += "/"
	}
	return spec
}

// AddRoute installs or replaces the route for routespec. Re-adding an
// identical route is a no-op; replacing an existing target is allowed and
// logged, since a respawned server comes back on a fresh port.
func (t *Table) AddRoute(routespec, target string, data model.RouteData) error {
	spec := normalizeSpec(routespec)

	u, err := url.Parse(target)
	if err != nil {
		return fmt.Errorf("parse route target %q: %w", target, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("route target %q must be an absolute URL", target)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if existing, ok := t.routes[spec]; ok {
		if existing.target.String() == u.String() {
			t.logger.Warn().Str("routespec", spec).Msg("route already present")
			return nil
		}
		t.logger.Warn().Str("routespec", spec).
			Str("old_target", existing.target.String()).
			Str("new_target", u.String()).
			Msg("replacing route target")
	}

	rp := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(u)
			// Backends serve under their full prefix; the path is passed
			// through untouched.
			pr.Out.URL.Path = pr.In.URL.Path
			pr.Out.URL.RawPath = pr.In.URL.RawPath
			pr.SetXForwarded()
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			t.logger.Error().Err(err).Str("routespec", spec).Str("path", r.URL.Path).Msg("backend request failed")
			http.Error(w, "backend unavailable", http.StatusBadGateway)
		},
		FlushInterval: 100 * time.Millisecond,
	}

	t.routes[spec] = &route{spec: spec, target: u, proxy: rp, data: data, addedAt: time.Now()}
	proxyRoutes.Set(float64(len(t.routes)))
	return nil
}

// DeleteRoute removes the route for routespec. Deleting a route that is not
// present only warns.
func (t *Table) DeleteRoute(routespec string) error {
	spec := normalizeSpec(routespec)

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.routes[spec]; !ok {
		t.logger.Warn().Str("routespec", spec).Msg("delete of unknown route")
		return nil
	}
	delete(t.routes, spec)
	proxyRoutes.Set(float64(len(t.routes)))
	return nil
}

// GetAllRoutes snapshots the table.
func (t *Table) GetAllRoutes() map[string]model.RouteInfo {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make(map[string]model.RouteInfo, len(t.routes))
	for spec, rt := range t.routes {
		out[spec] = model.RouteInfo{
			RouteSpec: spec,
			Target:    rt.target.String(),
			Data:      rt.data,
		}
	}
	return out
}

// SetRouteActivity records backend-reported activity on a route. The proxy
// never counts traffic itself; backends report through the hub API.
func (t *Table) SetRouteActivity(routespec string, at time.Time) {
	spec := normalizeSpec(routespec)

	t.mu.Lock()
	defer t.mu.Unlock()
	if rt, ok := t.routes[spec]; ok && (rt.data.LastActivity == nil || at.After(*rt.data.LastActivity)) {
		rt.data.LastActivity = &at
	}
}

// match returns the route with the longest spec matching the request, host
// routes taking precedence over path-only ones.
func (t *Table) match(host, path string) *route {
	if !strings.HasSuffix(path, "/") {
		path += "/"
	}
	hostPath := host + path

	t.mu.RLock()
	defer t.mu.RUnlock()

	var best *route
	for spec, rt := range t.routes {
		var candidate string
		if strings.HasPrefix(spec, "/") {
			candidate = path
		} else {
			candidate = hostPath
		}
		if !strings.HasPrefix(candidate, spec) {
			continue
		}
		if best == nil || len(spec) > len(best.spec) {
			best = rt
			continue
		}
		// On equal length a host-qualified spec beats a path-only one.
		if len(spec) == len(best.spec) && strings.HasPrefix(best.spec, "/") && !strings.HasPrefix(spec, "/") {
			best = rt
		}
	}
	return best
}

// Handler forwards matched requests to their backend and everything else,
// including /user/ paths with no live route, to fallback (the hub app).
// WebSocket upgrades ride the reverse proxy's native upgrade handling.
func (t *Table) Handler(fallback http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if rt := t.match(r.Host, r.URL.Path); rt != nil {
			rt.proxy.ServeHTTP(w, r)
			return
		}
		fallback.ServeHTTP(w, r)
	})
}
