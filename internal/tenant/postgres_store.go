package tenant

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type PostgresStore struct {
	db DB
}

func NewPostgresStore(db DB) Store {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) GetConfig(ctx context.Context, tenantID string) (*Config, error) {
	query := `
		SELECT tenant_id, default_model_id, COALESCE(allowed_models, '{}')
		FROM tenant_configs
		WHERE tenant_id = $1
	`

	var c Config
	err := s.db.QueryRow(ctx, query, tenantID).Scan(&c.TenantID, &c.DefaultModelID, &c.AllowedModels)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTenantNotFound
		}
		return nil, fmt.Errorf("failed to get tenant config for %s: %w", tenantID, err)
	}

	return &c, nil
}

func (s *PostgresStore) GetBinding(ctx context.Context, tenantID, applicationID string) (string, error) {
	query := `
		SELECT profile_ref
		FROM inference_profile_bindings
		WHERE tenant_id = $1 AND application_id = $2
	`

	var ref string
	err := s.db.QueryRow(ctx, query, tenantID, applicationID).Scan(&ref)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("failed to get profile binding for %s/%s: %w", tenantID, applicationID, err)
	}

	return ref, nil
}
