package dbpool

import (
	"fmt"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/BaSui01/connpool/driver"
)

// PoolConfig configures one logical connection.
type PoolConfig struct {
	// Capacity is the fixed number of connections. Must be positive.
	Capacity int
	// Factory opens a new connection.
	Factory driver.Factory
	// AcquireTimeout bounds how long Acquire waits for an idle connection.
	// Zero waits until the context is done.
	AcquireTimeout time.Duration
	// ReconnectLimit caps reconnects per second. Zero means unlimited.
	ReconnectLimit rate.Limit
	// ReconnectBurst is the reconnect bucket size; defaults to Capacity.
	ReconnectBurst int
}

// Validate checks the configuration.
func (c PoolConfig) Validate() error {
	if c.Capacity <= 0 {
		return fmt.Errorf("capacity must be positive, got %d", c.Capacity)
	}
	if c.Factory == nil {
		return fmt.Errorf("factory cannot be nil")
	}
	if c.AcquireTimeout < 0 {
		return fmt.Errorf("acquire timeout cannot be negative")
	}
	if c.ReconnectLimit < 0 {
		return fmt.Errorf("reconnect limit cannot be negative")
	}
	return nil
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger used by the manager and its handles.
func WithLogger(logger *zap.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithTracerProvider sets the provider used for statement spans. Defaults to
// the global provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(m *Manager) {
		if tp != nil {
			m.tracer = tp.Tracer(instrumentationName)
		}
	}
}

// WithDefaultConnection sets the name used when a caller passes "".
func WithDefaultConnection(name string) Option {
	return func(m *Manager) {
		m.defaultName = name
	}
}

// WithListener registers a QueryExecuted listener at construction.
func WithListener(l Listener) Option {
	return func(m *Manager) {
		if l != nil {
			m.listeners = append(m.listeners, l)
		}
	}
}
