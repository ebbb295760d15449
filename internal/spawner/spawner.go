// Package spawner defines the launcher boundary: the narrow contract the
// hub uses to start, poll, and stop one backend process per (user, server).
// Implementations are selected at startup via configuration.
package spawner

import (
	"context"
	"encoding/json"
)

// StartParams carries everything a launcher needs to bring up a backend.
type StartParams struct {
	User       string
	ServerName string
	// Prefix is the URL path the backend must serve under, e.g. "/user/alice/".
	Prefix string
	// Env is the environment handed to the process: API token, hub API
	// base URL, service prefix, and the backend's own OAuth client setup.
	Env map[string]string
	// UserOptions is the opaque option blob persisted with the server so a
	// relaunch is identical.
	UserOptions json.RawMessage
}

// Status is a launcher's view of a backend process.
type Status struct {
	Running bool
	// ExitCode is set once the process has exited, when the launcher can
	// know it.
	ExitCode *int
}

// Spawner launches and supervises backend processes. Start blocks until the
// backend is reachable at the returned endpoint or ctx is done; the hub
// enforces its own spawn timeout through ctx.
type Spawner interface {
	Start(ctx context.Context, params StartParams) (endpoint string, err error)
	Stop(ctx context.Context, user, serverName string) error
	Poll(ctx context.Context, user, serverName string) (Status, error)
}
