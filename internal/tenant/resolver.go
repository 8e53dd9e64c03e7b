package tenant

import (
	"context"
	"fmt"
	"time"

	"github.com/vnmchuo/llm-meter/internal/cache"
	"go.uber.org/zap"
)

const (
	configTTL = 5 * time.Minute
	// Bindings change only on provisioning; negative results are cached for
	// the same hour to avoid hammering the store for direct-mode tenants.
	bindingTTL = time.Hour
)

// cachedBinding wraps the profile reference so an explicit "none found" is
// distinguishable from a cache miss.
type cachedBinding struct {
	Ref string `json:"ref"`
}

type Resolver struct {
	store  Store
	cache  *cache.Client
	logger *zap.Logger
}

func NewResolver(store Store, cacheClient *cache.Client, logger *zap.Logger) *Resolver {
	return &Resolver{
		store:  store,
		cache:  cacheClient,
		logger: logger.With(zap.String("component", "tenant")),
	}
}

// Config resolves a tenant's configuration through the cache-aside layer.
// ErrTenantNotFound propagates: an unknown tenant is a client error.
func (r *Resolver) Config(ctx context.Context, tenantID string) (*Config, error) {
	key := fmt.Sprintf("tenant_config:%s", tenantID)

	var cached Config
	if r.cache.Get(ctx, key, &cached) {
		return &cached, nil
	}

	c, err := r.store.GetConfig(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	r.cache.Set(ctx, key, c, configTTL)
	return c, nil
}

// ProfileBinding returns the inference-profile reference selecting metered
// mode for (tenant, application), or "" for direct mode. Lookup failures also
// yield direct mode, so a broken binding store degrades to unmetered calls
// rather than refusing them.
func (r *Resolver) ProfileBinding(ctx context.Context, tenantID, applicationID string) string {
	key := fmt.Sprintf("inference_profile:%s:%s", tenantID, applicationID)

	var cached cachedBinding
	if r.cache.Get(ctx, key, &cached) {
		return cached.Ref
	}

	ref, err := r.store.GetBinding(ctx, tenantID, applicationID)
	if err != nil {
		r.logger.Error("profile binding lookup failed, using direct mode",
			zap.String("tenant_id", tenantID),
			zap.String("application_id", applicationID),
			zap.Error(err))
		return ""
	}

	r.cache.Set(ctx, key, cachedBinding{Ref: ref}, bindingTTL)

	if ref == "" {
		r.logger.Info("no inference profile bound, using direct mode",
			zap.String("tenant_id", tenantID),
			zap.String("application_id", applicationID))
	}
	return ref
}
