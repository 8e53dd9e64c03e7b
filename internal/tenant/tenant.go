package tenant

import (
	"context"
	"errors"
)

var ErrTenantNotFound = errors.New("tenant not found")

// Config is a tenant's read-only configuration, refreshed on cache expiry.
type Config struct {
	TenantID       string   `json:"tenant_id"`
	DefaultModelID string   `json:"default_model_id"`
	AllowedModels  []string `json:"allowed_models"`
}

// ModelAllowed reports whether the tenant may invoke modelID. An empty
// allow-list means no restriction.
func (c *Config) ModelAllowed(modelID string) bool {
	if len(c.AllowedModels) == 0 {
		return true
	}
	for _, m := range c.AllowedModels {
		if m == modelID {
			return true
		}
	}
	return false
}

type Store interface {
	GetConfig(ctx context.Context, tenantID string) (*Config, error)

	// GetBinding returns the inference-profile reference selecting metered mode
	// for (tenant, application), or "" when none is configured.
	GetBinding(ctx context.Context, tenantID, applicationID string) (string, error)
}
