package core

import (
	"context"
	"fmt"
	"time"

	"github.com/edvin/notehub/internal/model"
	"github.com/edvin/notehub/internal/platform"
)

// UserService manages hub user accounts.
type UserService struct {
	db DB
	// activityResolution bounds how often last_activity is written; updates
	// newer than this are skipped to keep the hot path cheap.
	activityResolution time.Duration
}

func NewUserService(db DB, activityResolution time.Duration) *UserService {
	return &UserService{db: db, activityResolution: activityResolution}
}

// Create inserts a new user.
func (s *UserService) Create(ctx context.Context, name string, admin bool) (*model.User, error) {
	u := &model.User{ID: platform.NewID(), Name: name, Admin: admin}

	err := s.db.QueryRow(ctx,
		`INSERT INTO users (id, name, admin) VALUES ($1, $2, $3) RETURNING created_at`,
		u.ID, u.Name, u.Admin,
	).Scan(&u.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("create user %s: %w", name, err)
	}
	return u, nil
}

// GetOrCreate returns the user with the given name, creating it on first
// successful authentication.
func (s *UserService) GetOrCreate(ctx context.Context, name string, admin bool) (*model.User, error) {
	u, err := s.GetByName(ctx, name)
	if err == nil {
		if admin && !u.Admin {
			if err := s.SetAdmin(ctx, u.ID, true); err != nil {
				return nil, err
			}
			u.Admin = true
		}
		return u, nil
	}
	if err != ErrNotFound {
		return nil, err
	}
	return s.Create(ctx, name, admin)
}

// GetByName retrieves a user and their group memberships.
func (s *UserService) GetByName(ctx context.Context, name string) (*model.User, error) {
	var u model.User
	err := s.db.QueryRow(ctx,
		`SELECT id, name, admin, created_at, last_activity FROM users WHERE name = $1`, name,
	).Scan(&u.ID, &u.Name, &u.Admin, &u.CreatedAt, &u.LastActivity)
	if isNoRows(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user %s: %w", name, err)
	}

	if u.Groups, err = s.groupNames(ctx, u.ID); err != nil {
		return nil, err
	}
	return &u, nil
}

// GetByID retrieves a user by primary key.
func (s *UserService) GetByID(ctx context.Context, id string) (*model.User, error) {
	var u model.User
	err := s.db.QueryRow(ctx,
		`SELECT id, name, admin, created_at, last_activity FROM users WHERE id = $1`, id,
	).Scan(&u.ID, &u.Name, &u.Admin, &u.CreatedAt, &u.LastActivity)
	if isNoRows(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user %s: %w", id, err)
	}

	if u.Groups, err = s.groupNames(ctx, u.ID); err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *UserService) groupNames(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.db.Query(ctx,
		`SELECT g.name FROM groups g JOIN user_groups ug ON ug.group_id = g.id WHERE ug.user_id = $1 ORDER BY g.name`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("get groups for user %s: %w", userID, err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, fmt.Errorf("scan group name: %w", err)
		}
		names = append(names, n)
	}
	return names, rows.Err()
}

// List retrieves users with cursor-based pagination.
func (s *UserService) List(ctx context.Context, limit int, cursor string) ([]model.User, bool, error) {
	query := `SELECT id, name, admin, created_at, last_activity FROM users`
	args := []any{}
	if cursor != "" {
		query += ` WHERE name > $1`
		args = append(args, cursor)
	}
	query += fmt.Sprintf(` ORDER BY name LIMIT $%d`, len(args)+1)
	args = append(args, limit+1)

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, false, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	var users []model.User
	for rows.Next() {
		var u model.User
		if err := rows.Scan(&u.ID, &u.Name, &u.Admin, &u.CreatedAt, &u.LastActivity); err != nil {
			return nil, false, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, false, fmt.Errorf("iterate users: %w", err)
	}

	hasMore := len(users) > limit
	if hasMore {
		users = users[:limit]
	}
	return users, hasMore, nil
}

// SetAdmin grants or revokes the admin flag.
func (s *UserService) SetAdmin(ctx context.Context, id string, admin bool) error {
	tag, err := s.db.Exec(ctx, `UPDATE users SET admin = $1 WHERE id = $2`, admin, id)
	if err != nil {
		return fmt.Errorf("set admin for user %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes a user. Fails with ErrUserHasServers while any of the
// user's servers is not stopped.
func (s *UserService) Delete(ctx context.Context, id string) error {
	var active int
	err := s.db.QueryRow(ctx,
		`SELECT count(*) FROM servers WHERE user_id = $1 AND state <> 'stopped'`, id,
	).Scan(&active)
	if err != nil {
		return fmt.Errorf("count active servers for user %s: %w", id, err)
	}
	if active > 0 {
		return ErrUserHasServers
	}

	tag, err := s.db.Exec(ctx, `DELETE FROM users WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete user %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// TouchActivity updates last_activity at bounded resolution: the write is
// skipped when the stored value is already within the resolution window.
func (s *UserService) TouchActivity(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.Exec(ctx,
		`UPDATE users SET last_activity = $1 WHERE id = $2
		   AND (last_activity IS NULL OR last_activity < $3)`,
		at, id, at.Add(-s.activityResolution),
	)
	if err != nil {
		return fmt.Errorf("touch activity for user %s: %w", id, err)
	}
	return nil
}
