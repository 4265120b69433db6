package exchange

import (
	"fmt"
	"sort"
	"sync"

	"github.com/vitos/crypto_signal_copier/internal/domain"
)

// Registry maps users to their exchange adapters. Every user carries their
// own credentials, so there is one adapter instance per user.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]domain.Exchange
}

func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]domain.Exchange)}
}

func (r *Registry) Register(userID string, adapter domain.Exchange) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[userID] = adapter
}

func (r *Registry) ForUser(userID string) (domain.Exchange, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	adapter, ok := r.adapters[userID]
	if !ok {
		return nil, fmt.Errorf("no exchange adapter configured for user %s", userID)
	}
	return adapter, nil
}

func (r *Registry) UserIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.adapters))
	for id := range r.adapters {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
