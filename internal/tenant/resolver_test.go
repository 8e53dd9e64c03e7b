package tenant

import (
	"context"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/vnmchuo/llm-meter/internal/cache"
	"go.uber.org/zap"
)

// Mock Tenant Store
type mockTenantStore struct {
	getConfigFunc  func(ctx context.Context, tenantID string) (*Config, error)
	getBindingFunc func(ctx context.Context, tenantID, applicationID string) (string, error)
	bindingCalls   int
}

func (m *mockTenantStore) GetConfig(ctx context.Context, tenantID string) (*Config, error) {
	if m.getConfigFunc != nil {
		return m.getConfigFunc(ctx, tenantID)
	}
	return nil, ErrTenantNotFound
}

func (m *mockTenantStore) GetBinding(ctx context.Context, tenantID, applicationID string) (string, error) {
	m.bindingCalls++
	if m.getBindingFunc != nil {
		return m.getBindingFunc(ctx, tenantID, applicationID)
	}
	return "", nil
}

func setupTenantResolver(t *testing.T, store *mockTenantStore) *Resolver {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewResolver(store, cache.NewClient(rdb, zap.NewNop()), zap.NewNop())
}

func TestModelAllowed(t *testing.T) {
	open := &Config{}
	if !open.ModelAllowed("anything") {
		t.Errorf("Expected empty allow-list to permit any model")
	}

	restricted := &Config{AllowedModels: []string{"claude-3-haiku", "claude-3-sonnet"}}
	if !restricted.ModelAllowed("claude-3-sonnet") {
		t.Errorf("Expected listed model to be allowed")
	}
	if restricted.ModelAllowed("claude-3-opus") {
		t.Errorf("Expected unlisted model to be rejected")
	}
}

func TestConfig_NotFoundPropagates(t *testing.T) {
	r := setupTenantResolver(t, &mockTenantStore{})

	_, err := r.Config(context.Background(), "ghost")
	if !errors.Is(err, ErrTenantNotFound) {
		t.Errorf("Expected ErrTenantNotFound, got %v", err)
	}
}

func TestProfileBinding_MeteredMode(t *testing.T) {
	store := &mockTenantStore{
		getBindingFunc: func(ctx context.Context, tenantID, applicationID string) (string, error) {
			return "profile-t1-app1", nil
		},
	}
	r := setupTenantResolver(t, store)

	ref := r.ProfileBinding(context.Background(), "t1", "app1")
	if ref != "profile-t1-app1" {
		t.Errorf("Expected profile-t1-app1, got %s", ref)
	}
}

func TestProfileBinding_NegativeResultCached(t *testing.T) {
	store := &mockTenantStore{}
	r := setupTenantResolver(t, store)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if ref := r.ProfileBinding(ctx, "t1", "app1"); ref != "" {
			t.Fatalf("Expected direct mode for unbound tenant, got %q", ref)
		}
	}

	// The "no binding" answer must be cached like a positive one.
	if store.bindingCalls != 1 {
		t.Errorf("Expected 1 store call across repeated lookups, got %d", store.bindingCalls)
	}
}

func TestProfileBinding_StoreFailureYieldsDirect(t *testing.T) {
	store := &mockTenantStore{
		getBindingFunc: func(ctx context.Context, tenantID, applicationID string) (string, error) {
			return "", errors.New("connection refused")
		},
	}
	r := setupTenantResolver(t, store)

	if ref := r.ProfileBinding(context.Background(), "t1", "app1"); ref != "" {
		t.Errorf("Expected direct mode on lookup failure, got %q", ref)
	}
}
