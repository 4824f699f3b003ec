// Package signal fans configuration-reload signals out to interested
// components. Delivery is best-effort: a subscriber that misses a
// signal reconciles by comparing the provider's configuration version
// on its next access.
package signal

import (
	"context"
	"sync"
)

// Bus broadcasts reload signals per tenant.
type Bus interface {
	BroadcastConfigReload(ctx context.Context, tenantID string)
	Subscribe(tenantID string) <-chan struct{}
}

// MemoryBus is an in-process Bus.
type MemoryBus struct {
	mu   sync.Mutex
	subs map[string][]chan struct{}
}

// NewMemoryBus creates an empty bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[string][]chan struct{})}
}

// Subscribe returns a channel that receives a token on every reload of
// the tenant's configuration. The channel has a one-slot buffer;
// signals arriving while it is full are dropped.
func (b *MemoryBus) Subscribe(tenantID string) <-chan struct{} {
	ch := make(chan struct{}, 1)
	b.mu.Lock()
	b.subs[tenantID] = append(b.subs[tenantID], ch)
	b.mu.Unlock()
	return ch
}

// BroadcastConfigReload signals every subscriber of the tenant.
func (b *MemoryBus) BroadcastConfigReload(ctx context.Context, tenantID string) {
	b.mu.Lock()
	subs := b.subs[tenantID]
	b.mu.Unlock()
	for _, ch := range subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
