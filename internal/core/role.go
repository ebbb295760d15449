package core

import (
	"context"
	"fmt"

	"github.com/edvin/notehub/internal/model"
	"github.com/edvin/notehub/internal/platform"
	"github.com/edvin/notehub/internal/scopes"
)

// RoleService resolves the maximal scope set a principal holds from its
// role assignments. Resolution happens at token issuance only; tokens keep
// the scopes they were issued with even if roles change afterwards.
type RoleService struct {
	db DB
}

func NewRoleService(db DB) *RoleService {
	return &RoleService{db: db}
}

// Get retrieves a role by name.
func (s *RoleService) Get(ctx context.Context, name string) (*model.Role, error) {
	var r model.Role
	err := s.db.QueryRow(ctx,
		`SELECT id, name, description, scopes, created_at FROM roles WHERE name = $1`, name,
	).Scan(&r.ID, &r.Name, &r.Description, &r.Scopes, &r.CreatedAt)
	if isNoRows(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get role %s: %w", name, err)
	}
	return &r, nil
}

// List returns all roles.
func (s *RoleService) List(ctx context.Context) ([]model.Role, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, name, description, scopes, created_at FROM roles ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list roles: %w", err)
	}
	defer rows.Close()

	var roles []model.Role
	for rows.Next() {
		var r model.Role
		if err := rows.Scan(&r.ID, &r.Name, &r.Description, &r.Scopes, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan role: %w", err)
		}
		roles = append(roles, r)
	}
	return roles, rows.Err()
}

// Create inserts a new role with the given scope patterns.
func (s *RoleService) Create(ctx context.Context, name, description string, scopeList []string) (*model.Role, error) {
	if _, err := scopes.NewSet(scopeList...); err != nil {
		return nil, fmt.Errorf("role %s: %w", name, err)
	}

	r := &model.Role{ID: platform.NewID(), Name: name, Description: description, Scopes: scopeList}
	err := s.db.QueryRow(ctx,
		`INSERT INTO roles (id, name, description, scopes) VALUES ($1, $2, $3, $4) RETURNING created_at`,
		r.ID, r.Name, r.Description, r.Scopes,
	).Scan(&r.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("create role %s: %w", name, err)
	}
	return r, nil
}

// Assign binds a role to a user, group, service, or token. Idempotent.
func (s *RoleService) Assign(ctx context.Context, roleID, targetKind, targetID string) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO role_assignments (role_id, target_kind, target_id)
		 VALUES ($1, $2, $3) ON CONFLICT DO NOTHING`,
		roleID, targetKind, targetID,
	)
	if err != nil {
		return fmt.Errorf("assign role %s to %s %s: %w", roleID, targetKind, targetID, err)
	}
	return nil
}

// Unassign removes a role binding. Idempotent.
func (s *RoleService) Unassign(ctx context.Context, roleID, targetKind, targetID string) error {
	_, err := s.db.Exec(ctx,
		`DELETE FROM role_assignments WHERE role_id = $1 AND target_kind = $2 AND target_id = $3`,
		roleID, targetKind, targetID,
	)
	if err != nil {
		return fmt.Errorf("unassign role %s from %s %s: %w", roleID, targetKind, targetID, err)
	}
	return nil
}

// ResolveForUser computes the user's maximal scope set: the default "user"
// role, the "admin" role if the user is flagged admin, plus every role
// assigned to the user directly or through a group, with self-referencing
// filters expanded to the user. The result is a fresh set on every call.
func (s *RoleService) ResolveForUser(ctx context.Context, user *model.User) (scopes.Set, error) {
	names := []string{"user"}
	if user.Admin {
		names = append(names, "admin")
	}

	assigned, err := s.assignedScopes(ctx, user)
	if err != nil {
		return nil, err
	}

	set := assigned
	for _, name := range names {
		role, err := s.Get(ctx, name)
		if err != nil {
			if err == ErrNotFound {
				continue
			}
			return nil, err
		}
		roleSet, err := scopes.NewSet(role.Scopes...)
		if err != nil {
			return nil, fmt.Errorf("role %s: %w", name, err)
		}
		set = set.Union(roleSet)
	}

	return set.ExpandSelf(scopes.Identity{User: user.Name}), nil
}

// ResolveForService returns a service principal's scope set.
func (s *RoleService) ResolveForService(ctx context.Context, svc *model.Service) (scopes.Set, error) {
	rows, err := s.db.Query(ctx,
		`SELECT r.scopes FROM roles r
		   JOIN role_assignments ra ON ra.role_id = r.id
		  WHERE ra.target_kind = $1 AND ra.target_id = $2`,
		model.RoleTargetService, svc.ID,
	)
	if err != nil {
		return nil, fmt.Errorf("resolve roles for service %s: %w", svc.Name, err)
	}
	defer rows.Close()

	set := scopes.Set{}
	for rows.Next() {
		var scopeList []string
		if err := rows.Scan(&scopeList); err != nil {
			return nil, fmt.Errorf("scan role scopes: %w", err)
		}
		roleSet, err := scopes.NewSet(scopeList...)
		if err != nil {
			return nil, err
		}
		set = set.Union(roleSet)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if svc.Admin {
		if role, err := s.Get(ctx, "admin"); err == nil {
			adminSet, err := scopes.NewSet(role.Scopes...)
			if err != nil {
				return nil, err
			}
			set = set.Union(adminSet)
		}
	}

	return set.ExpandSelf(scopes.Identity{Service: svc.Name}), nil
}

func (s *RoleService) assignedScopes(ctx context.Context, user *model.User) (scopes.Set, error) {
	rows, err := s.db.Query(ctx,
		`SELECT r.scopes FROM roles r
		   JOIN role_assignments ra ON ra.role_id = r.id
		  WHERE (ra.target_kind = $1 AND ra.target_id = $2)
		     OR (ra.target_kind = $3 AND ra.target_id IN (
		           SELECT group_id FROM user_groups WHERE user_id = $2))`,
		model.RoleTargetUser, user.ID, model.RoleTargetGroup,
	)
	if err != nil {
		return nil, fmt.Errorf("resolve roles for user %s: %w", user.Name, err)
	}
	defer rows.Close()

	set := scopes.Set{}
	for rows.Next() {
		var scopeList []string
		if err := rows.Scan(&scopeList); err != nil {
			return nil, fmt.Errorf("scan role scopes: %w", err)
		}
		roleSet, err := scopes.NewSet(scopeList...)
		if err != nil {
			return nil, err
		}
		set = set.Union(roleSet)
	}
	return set, rows.Err()
}
