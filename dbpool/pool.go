package dbpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/BaSui01/connpool/driver"
)

// =============================================================================
// 🏊 Pool
// =============================================================================

// Pool is a fixed-capacity set of connections. The buffered channel holds
// the idle connections; a nil entry is a vacant slot that the factory refills
// on the next Acquire. Capacity never changes.
type Pool struct {
	name    string
	cfg     PoolConfig
	slots   chan driver.Conn
	closeCh chan struct{}
	limiter *rate.Limiter
	logger  *zap.Logger

	mu     sync.Mutex
	closed bool

	inUse      atomic.Int64
	acquired   atomic.Int64
	waited     atomic.Int64
	waitNanos  atomic.Int64
	timeouts   atomic.Int64
	reconnects atomic.Int64
	discarded  atomic.Int64
}

// Stats is a point-in-time snapshot of a pool.
type Stats struct {
	Name       string        `json:"name"`
	Capacity   int           `json:"capacity"`
	Idle       int           `json:"idle"`
	InUse      int           `json:"in_use"`
	Acquired   int64         `json:"acquired"`
	Waited     int64         `json:"waited"`
	WaitTime   time.Duration `json:"wait_time"`
	Timeouts   int64         `json:"timeouts"`
	Reconnects int64         `json:"reconnects"`
	Discarded  int64         `json:"discarded"`
	Closed     bool          `json:"closed"`
}

// NewPool creates a pool and fills it with cfg.Capacity connections opened in
// parallel. If any connection fails to open, the others are closed and the
// error is returned.
func NewPool(ctx context.Context, name string, cfg PoolConfig, logger *zap.Logger) (*Pool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("pool %q: %w", name, err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	p := &Pool{
		name:    name,
		cfg:     cfg,
		slots:   make(chan driver.Conn, cfg.Capacity),
		closeCh: make(chan struct{}),
		logger:  logger.With(zap.String("component", "dbpool"), zap.String("pool", name)),
	}
	if cfg.ReconnectLimit > 0 {
		burst := cfg.ReconnectBurst
		if burst <= 0 {
			burst = cfg.Capacity
		}
		p.limiter = rate.NewLimiter(cfg.ReconnectLimit, burst)
	}

	conns := make([]driver.Conn, cfg.Capacity)
	g, gctx := errgroup.WithContext(ctx)
	for i := range conns {
		g.Go(func() error {
			conn, err := cfg.Factory(gctx)
			if err != nil {
				return err
			}
			conns[i] = conn
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, conn := range conns {
			if conn != nil {
				conn.Close()
			}
		}
		return nil, fmt.Errorf("pool %q: open connection: %w", name, err)
	}

	for _, conn := range conns {
		p.slots <- conn
	}

	p.logger.Info("pool created", zap.Int("capacity", cfg.Capacity))
	return p, nil
}

// Name returns the logical connection name.
func (p *Pool) Name() string { return p.name }

// Size returns the fixed capacity.
func (p *Pool) Size() int { return p.cfg.Capacity }

// IdleCount returns the number of connections (or vacant slots) waiting in
// the pool.
func (p *Pool) IdleCount() int { return len(p.slots) }

// InUse returns the number of checked-out connections.
func (p *Pool) InUse() int { return int(p.inUse.Load()) }

// IsClosed reports whether Close has been called.
func (p *Pool) IsClosed() bool {
	select {
	case <-p.closeCh:
		return true
	default:
		return false
	}
}

// Acquire checks out a connection, blocking until one is idle, the pool is
// closed, ctx is done or AcquireTimeout elapses.
func (p *Pool) Acquire(ctx context.Context) (driver.Conn, error) {
	if p.IsClosed() {
		return nil, ErrPoolClosed
	}

	var conn driver.Conn
	select {
	case conn = <-p.slots:
	default:
		c, err := p.wait(ctx)
		if err != nil {
			return nil, err
		}
		conn = c
	}

	if p.IsClosed() {
		if conn != nil {
			conn.Close()
		}
		return nil, ErrPoolClosed
	}

	if conn == nil {
		c, err := p.cfg.Factory(ctx)
		if err != nil {
			p.putSlot(nil)
			return nil, fmt.Errorf("pool %q: refill vacant slot: %w", p.name, err)
		}
		conn = c
	}

	p.inUse.Add(1)
	p.acquired.Add(1)
	return conn, nil
}

func (p *Pool) wait(ctx context.Context) (driver.Conn, error) {
	p.waited.Add(1)
	start := time.Now()
	defer func() { p.waitNanos.Add(int64(time.Since(start))) }()

	var timeout <-chan time.Time
	if p.cfg.AcquireTimeout > 0 {
		timer := time.NewTimer(p.cfg.AcquireTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case conn := <-p.slots:
		return conn, nil
	case <-p.closeCh:
		return nil, ErrPoolClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timeout:
		p.timeouts.Add(1)
		return nil, fmt.Errorf("pool %q after %s: %w", p.name, p.cfg.AcquireTimeout, ErrPoolExhausted)
	}
}

// Release returns a checked-out connection. It never blocks. After Close the
// connection is closed instead.
func (p *Pool) Release(conn driver.Conn) {
	if conn == nil {
		return
	}
	p.inUse.Add(-1)

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		p.logger.Warn("connection released after pool close", zap.Int64("conn_id", conn.ID()))
		if err := conn.Close(); err != nil {
			p.logger.Warn("close released connection", zap.Int64("conn_id", conn.ID()), zap.Error(err))
		}
		return
	}

	select {
	case p.slots <- conn:
	default:
		// 槽位已满说明同一连接被归还了两次
		p.logger.Error("pool overflow on release, closing connection", zap.Int64("conn_id", conn.ID()))
		conn.Close()
	}
}

// Discard closes a broken checked-out connection and frees its slot. The
// next Acquire of that slot opens a fresh connection.
func (p *Pool) Discard(conn driver.Conn) {
	if conn == nil {
		return
	}
	p.inUse.Add(-1)
	p.discarded.Add(1)

	if err := conn.Close(); err != nil {
		p.logger.Debug("close discarded connection", zap.Int64("conn_id", conn.ID()), zap.Error(err))
	}
	p.putSlot(nil)
}

// Reconnect replaces a dead checked-out connection with a fresh one in the
// same slot. On failure the slot is returned vacant, the caller no longer
// owns a connection and the error wraps ErrConnectionDead.
func (p *Pool) Reconnect(ctx context.Context, dead driver.Conn) (driver.Conn, error) {
	deadID := int64(0)
	if dead != nil {
		deadID = dead.ID()
		if err := dead.Close(); err != nil {
			p.logger.Debug("close dead connection", zap.Int64("conn_id", deadID), zap.Error(err))
		}
	}

	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			p.giveBack()
			return nil, fmt.Errorf("%w: reconnect throttled: %w", ErrConnectionDead, err)
		}
	}

	conn, err := p.cfg.Factory(ctx)
	if err != nil {
		p.giveBack()
		p.logger.Warn("reconnect failed", zap.Int64("conn_id", deadID), zap.Error(err))
		return nil, fmt.Errorf("%w: %w", ErrConnectionDead, err)
	}

	p.reconnects.Add(1)
	p.logger.Warn("connection reconnected",
		zap.Int64("old_conn_id", deadID),
		zap.Int64("conn_id", conn.ID()),
	)
	return conn, nil
}

// giveBack returns the slot of a checked-out connection that no longer exists.
func (p *Pool) giveBack() {
	p.inUse.Add(-1)
	p.putSlot(nil)
}

func (p *Pool) putSlot(conn driver.Conn) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		if conn != nil {
			conn.Close()
		}
		return
	}
	select {
	case p.slots <- conn:
	default:
	}
}

// Close drains and closes every idle connection. Connections checked out at
// that moment are closed when released. Close is idempotent.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.closeCh)
	p.mu.Unlock()

	var errs []error
	for {
		select {
		case conn := <-p.slots:
			if conn == nil {
				continue
			}
			if err := conn.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close conn %d: %w", conn.ID(), err))
			}
		default:
			p.logger.Info("pool closed", zap.Int("in_use", p.InUse()))
			return errors.Join(errs...)
		}
	}
}

// Stats returns a snapshot of the pool counters.
func (p *Pool) Stats() Stats {
	return Stats{
		Name:       p.name,
		Capacity:   p.cfg.Capacity,
		Idle:       p.IdleCount(),
		InUse:      p.InUse(),
		Acquired:   p.acquired.Load(),
		Waited:     p.waited.Load(),
		WaitTime:   time.Duration(p.waitNanos.Load()),
		Timeouts:   p.timeouts.Load(),
		Reconnects: p.reconnects.Load(),
		Discarded:  p.discarded.Load(),
		Closed:     p.IsClosed(),
	}
}
