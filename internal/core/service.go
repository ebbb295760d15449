package core

import (
	"context"
	"fmt"

	"github.com/edvin/notehub/internal/model"
	"github.com/edvin/notehub/internal/platform"
)

// ServiceAccountService manages non-user principals. Services are declared
// in configuration and provisioned at startup, so writes are upserts.
type ServiceAccountService struct {
	db DB
}

func NewServiceAccountService(db DB) *ServiceAccountService {
	return &ServiceAccountService{db: db}
}

// Upsert creates the service row or updates its admin flag in place.
func (s *ServiceAccountService) Upsert(ctx context.Context, name string, admin bool) (*model.Service, error) {
	svc := &model.Service{ID: platform.NewID(), Name: name, Admin: admin}
	err := s.db.QueryRow(ctx,
		`INSERT INTO services (id, name, admin) VALUES ($1, $2, $3)
		 ON CONFLICT (name) DO UPDATE SET admin = EXCLUDED.admin
		 RETURNING id, created_at`,
		svc.ID, svc.Name, svc.Admin,
	).Scan(&svc.ID, &svc.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("upsert service %s: %w", name, err)
	}
	return svc, nil
}

// GetByName retrieves a service account.
func (s *ServiceAccountService) GetByName(ctx context.Context, name string) (*model.Service, error) {
	var svc model.Service
	err := s.db.QueryRow(ctx,
		`SELECT id, name, admin, created_at FROM services WHERE name = $1`, name,
	).Scan(&svc.ID, &svc.Name, &svc.Admin, &svc.CreatedAt)
	if isNoRows(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get service %s: %w", name, err)
	}
	return &svc, nil
}

// List returns all service accounts.
func (s *ServiceAccountService) List(ctx context.Context) ([]model.Service, error) {
	rows, err := s.db.Query(ctx, `SELECT id, name, admin, created_at FROM services ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list services: %w", err)
	}
	defer rows.Close()

	var out []model.Service
	for rows.Next() {
		var svc model.Service
		if err := rows.Scan(&svc.ID, &svc.Name, &svc.Admin, &svc.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan service: %w", err)
		}
		out = append(out, svc)
	}
	return out, rows.Err()
}

// Delete removes a service account and its tokens. Idempotent.
func (s *ServiceAccountService) Delete(ctx context.Context, name string) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM api_tokens WHERE service_name = $1`, name); err != nil {
		return fmt.Errorf("delete tokens for service %s: %w", name, err)
	}
	if _, err := s.db.Exec(ctx, `DELETE FROM services WHERE name = $1`, name); err != nil {
		return fmt.Errorf("delete service %s: %w", name, err)
	}
	return nil
}
