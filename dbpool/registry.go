package dbpool

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// =============================================================================
// 📒 Registry
// =============================================================================

// Registry maps logical connection names to pools. A pool is created the
// first time its name is looked up and lives until Disconnect or CloseAll.
type Registry struct {
	mu      sync.Mutex
	configs map[string]PoolConfig
	pools   map[string]*Pool
	logger  *zap.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		configs: make(map[string]PoolConfig),
		pools:   make(map[string]*Pool),
		logger:  logger,
	}
}

// Configure registers the configuration for name. It does not open any
// connection and does not affect a pool that already exists for name.
func (r *Registry) Configure(name string, cfg PoolConfig) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("configure %q: %w", name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.configs[name] = cfg
	return nil
}

// Configured reports whether name has a configuration or a live pool.
func (r *Registry) Configured(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.configs[name]
	if !ok {
		_, ok = r.pools[name]
	}
	return ok
}

// GetOrCreate returns the pool for name, creating it from cfg if it does not
// exist yet. cfg is also remembered for later lookups. Concurrent callers
// for the same name get the same pool.
func (r *Registry) GetOrCreate(ctx context.Context, name string, cfg PoolConfig) (*Pool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if p, ok := r.pools[name]; ok {
		return p, nil
	}
	if _, ok := r.configs[name]; !ok {
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("configure %q: %w", name, err)
		}
		r.configs[name] = cfg
	}
	return r.createLocked(ctx, name, cfg)
}

// Pool returns the pool for name, creating it from the registered
// configuration. ErrPoolUnavailable is returned for unknown names.
func (r *Registry) Pool(ctx context.Context, name string) (*Pool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if p, ok := r.pools[name]; ok {
		return p, nil
	}
	cfg, ok := r.configs[name]
	if !ok {
		return nil, fmt.Errorf("%w: connection %q is not configured", ErrPoolUnavailable, name)
	}
	return r.createLocked(ctx, name, cfg)
}

func (r *Registry) createLocked(ctx context.Context, name string, cfg PoolConfig) (*Pool, error) {
	p, err := NewPool(ctx, name, cfg, r.logger)
	if err != nil {
		return nil, err
	}
	r.pools[name] = p
	return p, nil
}

// Lookup returns the pool for name without creating it.
func (r *Registry) Lookup(name string) (*Pool, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.pools[name]
	return p, ok
}

// Config returns the registered configuration for name.
func (r *Registry) Config(name string) (PoolConfig, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cfg, ok := r.configs[name]
	return cfg, ok
}

// Names returns every configured name, sorted.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]string, 0, len(r.configs))
	for name := range r.configs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Disconnect removes the pool for name and closes it. The configuration is
// kept, so the next lookup builds a fresh pool.
func (r *Registry) Disconnect(name string) error {
	r.mu.Lock()
	p, ok := r.pools[name]
	delete(r.pools, name)
	r.mu.Unlock()

	if !ok {
		return nil
	}
	return p.Close()
}

// Remove drops both the configuration and the pool for name.
func (r *Registry) Remove(name string) error {
	r.mu.Lock()
	delete(r.configs, name)
	r.mu.Unlock()
	return r.Disconnect(name)
}

// CloseAll closes every pool in parallel.
func (r *Registry) CloseAll() error {
	r.mu.Lock()
	pools := make([]*Pool, 0, len(r.pools))
	for name, p := range r.pools {
		pools = append(pools, p)
		delete(r.pools, name)
	}
	r.mu.Unlock()

	var (
		mu   sync.Mutex
		errs []error
		g    errgroup.Group
	)
	for _, p := range pools {
		g.Go(func() error {
			if err := p.Close(); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("close pool %q: %w", p.Name(), err))
				mu.Unlock()
			}
			return nil
		})
	}
	g.Wait()
	return errors.Join(errs...)
}

// Stats returns a snapshot of every live pool, sorted by name.
func (r *Registry) Stats() []Stats {
	r.mu.Lock()
	pools := make([]*Pool, 0, len(r.pools))
	for _, p := range r.pools {
		pools = append(pools, p)
	}
	r.mu.Unlock()

	stats := make([]Stats, 0, len(pools))
	for _, p := range pools {
		stats = append(stats, p.Stats())
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].Name < stats[j].Name })
	return stats
}
