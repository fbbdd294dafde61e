package dbpool

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// =============================================================================
// 🗂️ Manager
// =============================================================================

// Manager caches one Handle per (connection name, task). Handles stay cached
// until the task is forgotten or the connection is disconnected, so every
// statement a task runs on a name goes through the same handle.
type Manager struct {
	registry    *Registry
	logger      *zap.Logger
	tracer      trace.Tracer
	defaultName string

	mu      sync.Mutex
	handles map[string]map[TaskID]*Handle

	listenersMu sync.RWMutex
	listeners   []Listener

	forcedReleases atomic.Int64
}

// NewManager creates a manager over registry.
func NewManager(registry *Registry, opts ...Option) *Manager {
	m := &Manager{
		registry:    registry,
		logger:      zap.NewNop(),
		tracer:      otel.Tracer(instrumentationName),
		defaultName: "default",
		handles:     make(map[string]map[TaskID]*Handle),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With(zap.String("component", "dbpool_manager"))
	return m
}

// Registry returns the underlying pool registry.
func (m *Manager) Registry() *Registry { return m.registry }

// DefaultConnection returns the name used for "".
func (m *Manager) DefaultConnection() string { return m.defaultName }

func (m *Manager) resolve(name string) string {
	if name == "" {
		return m.defaultName
	}
	return name
}

// ConnectionFor returns the handle of task for name, creating it on first
// use. No connection is acquired here.
func (m *Manager) ConnectionFor(task TaskID, name string) (*Handle, error) {
	if task == "" {
		return nil, ErrNoTask
	}
	name = m.resolve(name)
	if !m.registry.Configured(name) {
		return nil, fmt.Errorf("%w: connection %q is not configured", ErrPoolUnavailable, name)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	byTask, ok := m.handles[name]
	if !ok {
		byTask = make(map[TaskID]*Handle)
		m.handles[name] = byTask
	}
	h, ok := byTask[task]
	if !ok {
		h = newHandle(m, name, task)
		byTask[task] = h
	}
	return h, nil
}

// Connection is ConnectionFor with the task taken from ctx.
func (m *Manager) Connection(ctx context.Context, name string) (*Handle, error) {
	task, ok := TaskFromContext(ctx)
	if !ok {
		return nil, ErrNoTask
	}
	return m.ConnectionFor(task, name)
}

// ForgetTask drops every handle of task and force-releases their
// connections, rolling back any transaction left open. The dropped handles
// fail with ErrPoolUnavailable if the task keeps using them.
func (m *Manager) ForgetTask(ctx context.Context, task TaskID) error {
	m.mu.Lock()
	var handles []*Handle
	for name, byTask := range m.handles {
		if h, ok := byTask[task]; ok {
			handles = append(handles, h)
			delete(byTask, task)
		}
		if len(byTask) == 0 {
			delete(m.handles, name)
		}
	}
	m.mu.Unlock()

	return retire(ctx, handles)
}

// retire marks every handle unusable before releasing any of them, so a
// dropped handle waiting in Acquire cannot pick up a connection another
// dropped handle just gave back.
func retire(ctx context.Context, handles []*Handle) error {
	for _, h := range handles {
		h.mu.Lock()
		h.retired = true
		h.mu.Unlock()
	}
	var errs []error
	for _, h := range handles {
		if err := h.ForceRelease(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Tasks returns how many tasks hold a handle for name.
func (m *Manager) Tasks(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.handles[m.resolve(name)])
}

// IdleCount returns the idle connections of name's pool, or 0 when the pool
// does not exist yet.
func (m *Manager) IdleCount(name string) int {
	if p, ok := m.registry.Lookup(m.resolve(name)); ok {
		return p.IdleCount()
	}
	return 0
}

// Size returns the capacity of name's pool, or of its configuration when the
// pool does not exist yet.
func (m *Manager) Size(name string) int {
	name = m.resolve(name)
	if p, ok := m.registry.Lookup(name); ok {
		return p.Size()
	}
	if cfg, ok := m.registry.Config(name); ok {
		return cfg.Capacity
	}
	return 0
}

// Stats returns a snapshot of every live pool.
func (m *Manager) Stats() []Stats {
	return m.registry.Stats()
}

// ForcedReleases returns how many connections were taken back from tasks.
func (m *Manager) ForcedReleases() int64 {
	return m.forcedReleases.Load()
}

// Listen registers l for every QueryExecuted event.
func (m *Manager) Listen(l Listener) {
	if l == nil {
		return
	}
	m.listenersMu.Lock()
	m.listeners = append(m.listeners, l)
	m.listenersMu.Unlock()
}

func (m *Manager) emit(e QueryExecuted) {
	m.listenersMu.RLock()
	defer m.listenersMu.RUnlock()
	for _, l := range m.listeners {
		l(e)
	}
}

// Ping checks out one connection of name, validates it (reconnecting if it
// is dead) and gives it back.
func (m *Manager) Ping(ctx context.Context, name string) error {
	name = m.resolve(name)
	p, err := m.registry.Pool(ctx, name)
	if err != nil {
		return err
	}

	conn, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	if conn.IsAlive(ctx) {
		p.Release(conn)
		return nil
	}

	conn, err = p.Reconnect(ctx, conn)
	if err != nil {
		return err
	}
	p.Release(conn)
	return nil
}

// Disconnect force-releases every task's handle for name and closes its
// pool. The configuration is kept; tasks get a new handle from
// ConnectionFor, the old ones stay unusable.
func (m *Manager) Disconnect(ctx context.Context, name string) error {
	name = m.resolve(name)

	m.mu.Lock()
	byTask := m.handles[name]
	delete(m.handles, name)
	m.mu.Unlock()

	err := retire(ctx, slices.Collect(maps.Values(byTask)))
	return errors.Join(err, m.registry.Disconnect(name))
}

// Close force-releases every handle and closes every pool.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	all := m.handles
	m.handles = make(map[string]map[TaskID]*Handle)
	m.mu.Unlock()

	var handles []*Handle
	for _, byTask := range all {
		handles = slices.AppendSeq(handles, maps.Values(byTask))
	}
	err := retire(ctx, handles)
	return errors.Join(err, m.registry.CloseAll())
}
