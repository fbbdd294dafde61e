// Package connector turns connection settings from config into pool
// configurations for the dbpool registry.
package connector

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/BaSui01/connpool/config"
	"github.com/BaSui01/connpool/dbpool"
	"github.com/BaSui01/connpool/driver"
	"github.com/BaSui01/connpool/driver/redisconn"
	"github.com/BaSui01/connpool/driver/sqlconn"
)

// =============================================================================
// 🔌 Connector
// =============================================================================

// Connector builds dbpool.PoolConfig values and owns the shared clients some
// drivers need (one *redis.Client per redis connection name).
type Connector struct {
	mu      sync.Mutex
	clients map[string]*redisClient
	logger  *zap.Logger
}

// New creates a connector.
func New(logger *zap.Logger) *Connector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Connector{
		clients: make(map[string]*redisClient),
		logger:  logger.With(zap.String("component", "connector")),
	}
}

// PoolConfig maps one connection's settings to a pool configuration.
func (c *Connector) PoolConfig(ctx context.Context, name string, cc config.ConnectionConfig) (dbpool.PoolConfig, error) {
	factory, err := c.factory(ctx, name, cc)
	if err != nil {
		return dbpool.PoolConfig{}, err
	}

	pc := dbpool.PoolConfig{
		Capacity:       cc.PoolSize,
		Factory:        factory,
		AcquireTimeout: cc.AcquireTimeout,
		ReconnectLimit: rate.Limit(cc.ReconnectLimit),
		ReconnectBurst: cc.ReconnectBurst,
	}
	if err := pc.Validate(); err != nil {
		return dbpool.PoolConfig{}, fmt.Errorf("connection %q: %w", name, err)
	}
	return pc, nil
}

func (c *Connector) factory(ctx context.Context, name string, cc config.ConnectionConfig) (driver.Factory, error) {
	dsn := cc.ConnString()
	if dsn == "" {
		return nil, fmt.Errorf("connection %q: dsn is empty", name)
	}

	if cc.Driver == "redis" {
		client, err := c.redis(ctx, name, cc)
		if err != nil {
			return nil, err
		}
		return redisconn.NewFactory(client.client), nil
	}

	driverName := cc.SQLDriverName()
	if driverName == "" {
		return nil, fmt.Errorf("connection %q: unknown driver %q", name, cc.Driver)
	}
	return sqlconn.NewFactory(sqlconn.Options{
		DriverName:      driverName,
		DSN:             dsn,
		CacheStatements: cc.CacheStatements,
		PingTimeout:     cc.PingTimeout,
	}), nil
}

// redis returns the client for name, replacing one built from older settings.
func (c *Connector) redis(ctx context.Context, name string, cc config.ConnectionConfig) (*redisClient, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.clients[name]; ok {
		if existing.settings == cc {
			return existing, nil
		}
		if err := existing.Close(); err != nil {
			c.logger.Warn("close stale redis client", zap.String("connection", name), zap.Error(err))
		}
		delete(c.clients, name)
	}

	client, err := newRedisClient(ctx, cc, c.logger.With(zap.String("connection", name)))
	if err != nil {
		return nil, fmt.Errorf("connection %q: %w", name, err)
	}
	c.clients[name] = client
	return client, nil
}

// Configure registers every connection of cfg with registry. No pool is
// opened; pools are still created on first use.
func (c *Connector) Configure(ctx context.Context, registry *dbpool.Registry, cfg *config.Config) error {
	for _, name := range cfg.ConnectionNames() {
		pc, err := c.PoolConfig(ctx, name, cfg.Connections[name])
		if err != nil {
			return err
		}
		if err := registry.Configure(name, pc); err != nil {
			return err
		}
	}
	return nil
}

// Release closes the shared client held for name, if any. Call it after the
// pool for name has been closed.
func (c *Connector) Release(name string) error {
	c.mu.Lock()
	client, ok := c.clients[name]
	delete(c.clients, name)
	c.mu.Unlock()

	if !ok {
		return nil
	}
	return client.Close()
}

// Clients returns the names that currently hold a shared client.
func (c *Connector) Clients() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	names := make([]string, 0, len(c.clients))
	for name := range c.clients {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close releases every shared client.
func (c *Connector) Close() error {
	c.mu.Lock()
	clients := c.clients
	c.clients = make(map[string]*redisClient)
	c.mu.Unlock()

	var errs []error
	for name, client := range clients {
		if err := client.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close redis client %q: %w", name, err))
		}
	}
	return errors.Join(errs...)
}
