// Package tenant manages per-tenant exchange configuration. Each
// tenant owns one configuration provider; the registry creates
// providers on demand and wires them to the reload signal bus so a
// load on one node reaches subscribers on every node.
package tenant

import (
	"log/slog"
	"sync"

	"github.com/sirosfoundation/go-gateway/internal/signal"
	"github.com/sirosfoundation/go-gateway/pkg/pmode"
)

// DefaultTenant is used by single-tenant deployments.
const DefaultTenant = "default"

// Registry hands out the configuration provider of each tenant.
type Registry struct {
	bus        signal.Bus
	pullPolicy pmode.PullInitiatorPolicy
	logger     *slog.Logger

	mu        sync.RWMutex
	providers map[string]*pmode.Provider
}

// Config holds the registry's collaborators. Bus and PullPolicy are
// optional and shared by all providers the registry creates.
type Config struct {
	Bus        signal.Bus
	PullPolicy pmode.PullInitiatorPolicy
	Logger     *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg Config) *Registry {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		bus:        cfg.Bus,
		pullPolicy: cfg.PullPolicy,
		logger:     logger,
		providers:  make(map[string]*pmode.Provider),
	}
}

// Provider returns the tenant's configuration provider, creating it on
// first access. A new provider holds no configuration until its first
// Load.
func (r *Registry) Provider(tenantID string) *pmode.Provider {
	if tenantID == "" {
		tenantID = DefaultTenant
	}

	r.mu.RLock()
	p, ok := r.providers[tenantID]
	r.mu.RUnlock()
	if ok {
		return p
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.providers[tenantID]; ok {
		return p
	}
	p = pmode.NewProvider(pmode.ProviderConfig{
		TenantID:    tenantID,
		Logger:      r.logger.With("tenant", tenantID),
		Broadcaster: r.bus,
		PullPolicy:  r.pullPolicy,
	})
	r.providers[tenantID] = p
	r.logger.Info("tenant provider created", "tenant", tenantID)
	return p
}

// Tenants returns the ids of all tenants with a provider.
func (r *Registry) Tenants() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.providers))
	for id := range r.providers {
		ids = append(ids, id)
	}
	return ids
}
