package model

import (
	"encoding/json"
	"time"
)

// SpawnState is the lifecycle state of a user's backend server process.
type SpawnState string

const (
	// StateStopped is the initial and terminal state. A failed spawn
	// returns here with a recorded failure reason rather than entering a
	// distinct failed state.
	StateStopped SpawnState = "stopped"
	// StateSpawnPending means a spawn has been requested and the launcher
	// has not yet produced a ready endpoint.
	StateSpawnPending SpawnState = "spawn_pending"
	// StateRunning means the backend is up and a proxy route should exist.
	StateRunning SpawnState = "running"
	// StateStopPending means a stop has been requested and the launcher
	// has not yet confirmed termination.
	StateStopPending SpawnState = "stop_pending"
)

// Active reports whether the server occupies spawner resources, i.e. is in
// any state other than Stopped.
func (s SpawnState) Active() bool {
	return s != StateStopped
}

// Server is one named backend instance belonging to a user. The empty name
// is the user's default server. UserOptions are persisted opaquely so a
// stopped server can be relaunched identically.
type Server struct {
	ID           string          `json:"id"`
	UserID       string          `json:"user_id"`
	Name         string          `json:"name"`
	State        SpawnState      `json:"state"`
	URL          string          `json:"url,omitempty"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	LastActivity *time.Time      `json:"last_activity,omitempty"`
	UserOptions  json.RawMessage `json:"user_options,omitempty"`
	FailReason   string          `json:"fail_reason,omitempty"`
}
