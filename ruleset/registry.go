package ruleset

import (
	"context"
	"sync"

	"github.com/migadu/sift/pkg/metrics"
)

// Registry hands out the per-account managers, loading each account's
// documents on first use and keeping the loaded managers for the process
// lifetime.
type Registry struct {
	store Store
	opts  ManagerOptions

	mu         sync.Mutex
	managers   map[int64]*Manager
	forwarding map[int64]*ForwardingManager
}

// NewRegistry creates a registry. All managers it creates share the store
// and options.
func NewRegistry(store Store, opts ManagerOptions) *Registry {
	opts.Store = store
	return &Registry{
		store:      store,
		opts:       opts,
		managers:   make(map[int64]*Manager),
		forwarding: make(map[int64]*ForwardingManager),
	}
}

// Manager returns the account's filter manager, loading persisted state on
// first access.
func (r *Registry) Manager(ctx context.Context, accountID int64) (*Manager, error) {
	r.mu.Lock()
	if m, ok := r.managers[accountID]; ok {
		r.mu.Unlock()
		return m, nil
	}
	r.mu.Unlock()

	m := NewManager(accountID, r.opts)
	if err := m.Load(ctx); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	// Lost the race: another goroutine loaded the same account first.
	if existing, ok := r.managers[accountID]; ok {
		return existing, nil
	}
	r.managers[accountID] = m
	return m, nil
}

// Forwarding returns the account's forwarding manager, loading persisted
// state on first access.
func (r *Registry) Forwarding(ctx context.Context, accountID int64) (*ForwardingManager, error) {
	r.mu.Lock()
	if m, ok := r.forwarding[accountID]; ok {
		r.mu.Unlock()
		return m, nil
	}
	r.mu.Unlock()

	m := NewForwardingManager(accountID, r.opts)
	if err := m.Load(ctx); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.forwarding[accountID]; ok {
		return existing, nil
	}
	r.forwarding[accountID] = m
	return m, nil
}

// Close flushes every loaded manager. The first error is returned, after
// attempting the rest.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	managers := make([]*Manager, 0, len(r.managers))
	for _, m := range r.managers {
		managers = append(managers, m)
	}
	forwarding := make([]*ForwardingManager, 0, len(r.forwarding))
	for _, m := range r.forwarding {
		forwarding = append(forwarding, m)
	}
	r.mu.Unlock()

	var firstErr error
	for _, m := range managers {
		if err := m.Close(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, m := range forwarding {
		if err := m.Close(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// EngineStats aggregates counts across the loaded managers for the metrics
// collector.
func (r *Registry) EngineStats(_ context.Context) (*metrics.EngineStats, error) {
	r.mu.Lock()
	managers := make([]*Manager, 0, len(r.managers))
	for _, m := range r.managers {
		managers = append(managers, m)
	}
	forwarding := make([]*ForwardingManager, 0, len(r.forwarding))
	for _, m := range r.forwarding {
		forwarding = append(forwarding, m)
	}
	r.mu.Unlock()

	stats := &metrics.EngineStats{Accounts: int64(len(managers))}
	for _, m := range managers {
		s := m.Stats()
		stats.TotalFilters += int64(s.TotalRules)
		stats.EnabledFilters += int64(s.EnabledRules)
	}
	for _, m := range forwarding {
		stats.ForwardingRules += int64(len(m.Rules()))
	}
	return stats, nil
}
