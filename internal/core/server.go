package core

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/edvin/notehub/internal/model"
	"github.com/edvin/notehub/internal/platform"
)

// ServerService persists the per-user server records. The in-memory spawn
// controller owns live state transitions; rows here carry the durable view
// (options for identical relaunch, last known state for reconciliation
// after a hub restart).
type ServerService struct {
	db DB
}

func NewServerService(db DB) *ServerService {
	return &ServerService{db: db}
}

// Upsert creates or refreshes the record for (userID, name), persisting the
// user options so a stopped server can be relaunched identically.
func (s *ServerService) Upsert(ctx context.Context, userID, name string, options json.RawMessage) (*model.Server, error) {
	srv := &model.Server{
		ID:          platform.NewID(),
		UserID:      userID,
		Name:        name,
		State:       model.StateStopped,
		UserOptions: options,
	}

	err := s.db.QueryRow(ctx,
		`INSERT INTO servers (id, user_id, name, user_options)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (user_id, name)
		 DO UPDATE SET user_options = COALESCE(EXCLUDED.user_options, servers.user_options)
		 RETURNING id, state, url, started_at, user_options`,
		srv.ID, userID, name, options,
	).Scan(&srv.ID, &srv.State, &srv.URL, &srv.StartedAt, &srv.UserOptions)
	if err != nil {
		return nil, fmt.Errorf("upsert server %s/%s: %w", userID, name, err)
	}
	return srv, nil
}

// Get retrieves one server record.
func (s *ServerService) Get(ctx context.Context, userID, name string) (*model.Server, error) {
	var srv model.Server
	err := s.db.QueryRow(ctx,
		`SELECT id, user_id, name, state, url, started_at, last_activity, user_options, fail_reason
		   FROM servers WHERE user_id = $1 AND name = $2`,
		userID, name,
	).Scan(&srv.ID, &srv.UserID, &srv.Name, &srv.State, &srv.URL,
		&srv.StartedAt, &srv.LastActivity, &srv.UserOptions, &srv.FailReason)
	if isNoRows(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get server %s/%s: %w", userID, name, err)
	}
	return &srv, nil
}

// ListByUser returns all server records for a user.
func (s *ServerService) ListByUser(ctx context.Context, userID string) ([]model.Server, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, user_id, name, state, url, started_at, last_activity, user_options, fail_reason
		   FROM servers WHERE user_id = $1 ORDER BY name`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("list servers for user %s: %w", userID, err)
	}
	defer rows.Close()

	var servers []model.Server
	for rows.Next() {
		var srv model.Server
		if err := rows.Scan(&srv.ID, &srv.UserID, &srv.Name, &srv.State, &srv.URL,
			&srv.StartedAt, &srv.LastActivity, &srv.UserOptions, &srv.FailReason); err != nil {
			return nil, fmt.Errorf("scan server: %w", err)
		}
		servers = append(servers, srv)
	}
	return servers, rows.Err()
}

// SetState records a lifecycle transition. URL and fail reason are written
// together with the state so the row is always internally consistent.
func (s *ServerService) SetState(ctx context.Context, id string, state model.SpawnState, url, failReason string) error {
	var started *time.Time
	if state == model.StateRunning {
		now := time.Now()
		started = &now
	}

	_, err := s.db.Exec(ctx,
		`UPDATE servers SET state = $1, url = $2, fail_reason = $3,
		        started_at = COALESCE($4, started_at)
		  WHERE id = $5`,
		state, url, failReason, started, id,
	)
	if err != nil {
		return fmt.Errorf("set server %s state %s: %w", id, state, err)
	}
	return nil
}

// TouchActivity updates a server's last_activity timestamp.
func (s *ServerService) TouchActivity(ctx context.Context, userID, name string, at time.Time) error {
	_, err := s.db.Exec(ctx,
		`UPDATE servers SET last_activity = $1 WHERE user_id = $2 AND name = $3
		   AND (last_activity IS NULL OR last_activity < $1)`,
		at, userID, name,
	)
	if err != nil {
		return fmt.Errorf("touch server %s/%s activity: %w", userID, name, err)
	}
	return nil
}
