package dbpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/BaSui01/connpool/driver"
	"github.com/BaSui01/connpool/internal/database"
)

const instrumentationName = "github.com/BaSui01/connpool/dbpool"

// =============================================================================
// 🔌 Handle
// =============================================================================

// Handle is the connection a task sees for one logical name. It owns no
// physical connection until a statement runs, and gives the connection back
// as soon as the statement is done unless a transaction is open.
//
// A Handle belongs to one task. It is safe for concurrent use, but
// statements from several goroutines of the same task share one connection.
type Handle struct {
	name    string
	task    TaskID
	manager *Manager
	logger  *zap.Logger

	// acquiring 同一时刻只允许一个 goroutine 向连接池取连接；
	// 等待期间不持有 mu
	acquiring chan struct{}

	mu    sync.Mutex
	conn  driver.Conn
	pool  *Pool
	depth int
	// pins counts operations currently using conn (a cursor and the
	// statements run inside its loop).
	pins int
	// retired is set once the manager dropped the handle; it never holds a
	// connection again.
	retired bool
}

func newHandle(m *Manager, name string, task TaskID) *Handle {
	return &Handle{
		name:      name,
		task:      task,
		manager:   m,
		logger:    m.logger.With(zap.String("pool", name), zap.String("task", string(task))),
		acquiring: make(chan struct{}, 1),
	}
}

// Name returns the logical connection name.
func (h *Handle) Name() string { return h.name }

// Task returns the owning task.
func (h *Handle) Task() TaskID { return h.task }

// TransactionLevel returns the current transaction depth.
func (h *Handle) TransactionLevel() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.depth
}

// Holding reports whether the handle currently owns a physical connection.
func (h *Handle) Holding() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.conn != nil
}

// ConnID returns the id of the held connection, or 0.
func (h *Handle) ConnID() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.conn == nil {
		return 0
	}
	return h.conn.ID()
}

func (h *Handle) lockAcquire(ctx context.Context) error {
	select {
	case h.acquiring <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Handle) unlockAcquire() { <-h.acquiring }

func (h *Handle) retiredErr() error {
	return fmt.Errorf("%w: handle of task %s for %q was released", ErrPoolUnavailable, h.task, h.name)
}

// pinHeld pins the held connection, if any.
func (h *Handle) pinHeld() (driver.Conn, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.retired {
		return nil, h.retiredErr()
	}
	if h.conn != nil {
		h.pins++
		return h.conn, nil
	}
	return nil, nil
}

// attach publishes a freshly acquired connection as the held one, pinned
// once. A handle retired in the meantime gives conn straight back to p.
func (h *Handle) attach(conn driver.Conn, p *Pool) (driver.Conn, error) {
	h.mu.Lock()
	if h.retired {
		h.mu.Unlock()
		p.Release(conn)
		return nil, h.retiredErr()
	}
	h.conn, h.pool = conn, p
	h.pins = 1
	h.mu.Unlock()
	return conn, nil
}

// checkout pins the held connection, acquiring one first if needed. Every
// successful checkout must be paired with unpin.
func (h *Handle) checkout(ctx context.Context) (driver.Conn, error) {
	if conn, err := h.pinHeld(); conn != nil || err != nil {
		return conn, err
	}

	if err := h.lockAcquire(ctx); err != nil {
		return nil, err
	}
	defer h.unlockAcquire()

	// 等待期间同一任务的其他 goroutine 可能已经拿到连接
	if conn, err := h.pinHeld(); conn != nil || err != nil {
		return conn, err
	}

	p, err := h.manager.registry.Pool(ctx, h.name)
	if err != nil {
		if errors.Is(err, ErrPoolUnavailable) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrPoolUnavailable, err)
	}

	conn, err := p.Acquire(ctx)
	if err != nil {
		if errors.Is(err, ErrPoolClosed) {
			return nil, fmt.Errorf("%w: %w", ErrPoolUnavailable, err)
		}
		return nil, err
	}

	if !conn.IsAlive(ctx) {
		h.logger.Warn("dead connection at checkout, reconnecting", zap.Int64("conn_id", conn.ID()))
		conn, err = p.Reconnect(ctx, conn)
		if err != nil {
			return nil, err
		}
	}
	return h.attach(conn, p)
}

// unpin drops one pin and gives the connection back once nothing uses it
// and no transaction is open.
func (h *Handle) unpin() {
	h.mu.Lock()
	if h.pins > 0 {
		h.pins--
	}
	if h.pins > 0 || h.depth > 0 || h.conn == nil {
		h.mu.Unlock()
		return
	}
	conn, p := h.conn, h.pool
	h.conn, h.pool = nil, nil
	h.mu.Unlock()

	p.Release(conn)
}

// replace swaps a dead connection for a fresh one. It only does so when the
// caller is the single user of the connection outside a transaction;
// otherwise ok is false. On success the new connection carries the
// caller's pin.
func (h *Handle) replace(ctx context.Context, dead driver.Conn) (conn driver.Conn, ok bool, err error) {
	if err := h.lockAcquire(ctx); err != nil {
		return nil, false, nil
	}
	defer h.unlockAcquire()

	h.mu.Lock()
	if h.conn != dead || h.pins != 1 || h.depth != 0 {
		h.mu.Unlock()
		return nil, false, nil
	}
	p := h.pool
	h.conn, h.pool, h.pins = nil, nil, 0
	h.mu.Unlock()

	conn, err = p.Reconnect(ctx, dead)
	if err != nil {
		return nil, true, err
	}
	conn, err = h.attach(conn, p)
	return conn, true, err
}

// Reconnect replaces the held connection with a new session from the
// factory and gives it back to the pool. An open transaction is lost and
// the depth drops to 0. Without a held connection there is nothing to do;
// the next statement checks one out and validates it.
func (h *Handle) Reconnect(ctx context.Context) error {
	if err := h.lockAcquire(ctx); err != nil {
		return err
	}
	defer h.unlockAcquire()

	h.mu.Lock()
	if h.retired {
		h.mu.Unlock()
		return h.retiredErr()
	}
	conn, p, depth, pins := h.conn, h.pool, h.depth, h.pins
	if conn == nil {
		h.mu.Unlock()
		return nil
	}
	if pins > 0 {
		h.mu.Unlock()
		return fmt.Errorf("%w: %d operations on connection %d", ErrHandleBusy, pins, conn.ID())
	}
	h.conn, h.pool, h.depth = nil, nil, 0
	h.mu.Unlock()

	if depth > 0 {
		h.logger.Warn("reconnecting inside a transaction, transaction is lost",
			zap.Int64("conn_id", conn.ID()),
			zap.Int("depth", depth),
		)
	}
	fresh, err := p.Reconnect(ctx, conn)
	if err != nil {
		return err
	}
	p.Release(fresh)
	return nil
}

// Run executes fn with a checked-out connection. The connection is given
// back when fn returns or panics unless a transaction is open. If fn fails
// with a connection error outside a transaction, the connection is rebuilt
// and fn runs once more.
func (h *Handle) Run(ctx context.Context, fn func(ctx context.Context, conn driver.Conn) error) error {
	conn, err := h.checkout(ctx)
	if err != nil {
		return err
	}
	defer h.unpin()

	err = fn(ctx, conn)
	if err == nil || !database.IsConnectionError(err) {
		return err
	}

	fresh, ok, rerr := h.replace(ctx, conn)
	if !ok {
		return err
	}
	if rerr != nil {
		return errors.Join(err, rerr)
	}

	h.logger.Warn("connection lost, retrying on a new connection",
		zap.Int64("old_conn_id", conn.ID()),
		zap.Int64("conn_id", fresh.ID()),
		zap.Error(err),
	)
	return fn(ctx, fresh)
}

// Exec runs a statement that returns no rows.
func (h *Handle) Exec(ctx context.Context, query string, args ...any) (driver.Result, error) {
	var res driver.Result
	err := h.Run(ctx, func(ctx context.Context, conn driver.Conn) error {
		return h.instrument(ctx, conn, query, args, func(ctx context.Context) error {
			var err error
			res, err = conn.Exec(ctx, query, args...)
			return err
		})
	})
	return res, err
}

// Statement runs a raw statement and discards its result.
func (h *Handle) Statement(ctx context.Context, query string, args ...any) error {
	_, err := h.Exec(ctx, query, args...)
	return err
}

// Select runs a query and reads every row before the connection is given
// back.
func (h *Handle) Select(ctx context.Context, query string, args ...any) ([]Row, error) {
	var out []Row
	err := h.Run(ctx, func(ctx context.Context, conn driver.Conn) error {
		return h.instrument(ctx, conn, query, args, func(ctx context.Context) error {
			rows, err := conn.Query(ctx, query, args...)
			if err != nil {
				return err
			}
			out, err = collectRows(rows)
			return err
		})
	})
	return out, err
}

// SelectOne returns the first row of a query, or nil when there is none.
func (h *Handle) SelectOne(ctx context.Context, query string, args ...any) (Row, error) {
	rows, err := h.Select(ctx, query, args...)
	if err != nil || len(rows) == 0 {
		return nil, err
	}
	return rows[0], nil
}

// ForceRelease gives the connection back whatever the transaction depth.
// An open transaction is rolled back; if that fails the connection is
// closed instead of being reused.
func (h *Handle) ForceRelease(ctx context.Context) error {
	h.mu.Lock()
	conn, p, depth, pins := h.conn, h.pool, h.depth, h.pins
	h.conn, h.pool = nil, nil
	h.depth, h.pins = 0, 0
	h.mu.Unlock()

	if conn == nil {
		return nil
	}

	h.manager.forcedReleases.Add(1)
	if pins > 0 {
		h.logger.Warn("force releasing a connection that is still in use",
			zap.Int64("conn_id", conn.ID()),
			zap.Int("pins", pins),
		)
	}
	if depth == 0 {
		p.Release(conn)
		return nil
	}

	h.logger.Warn("force releasing connection inside a transaction",
		zap.Int64("conn_id", conn.ID()),
		zap.Int("depth", depth),
	)

	// 任务可能已被取消，回滚不能继承取消信号
	if err := conn.Rollback(context.WithoutCancel(ctx)); err != nil {
		h.logger.Warn("rollback on force release failed, discarding connection",
			zap.Int64("conn_id", conn.ID()),
			zap.Error(err),
		)
		p.Discard(conn)
		return wrapQueryError(h.name, conn.ID(), "ROLLBACK", err)
	}
	p.Release(conn)
	return nil
}

// instrument wraps one user statement with a span and a QueryExecuted event.
func (h *Handle) instrument(ctx context.Context, conn driver.Conn, query string, args []any, op func(ctx context.Context) error) error {
	ctx, span := h.manager.tracer.Start(ctx, "dbpool.query", h.querySpanOptions(conn, query)...)
	defer span.End()

	start := time.Now()
	err := op(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	h.emitQuery(conn, query, args, time.Since(start), err)
	return wrapQueryError(h.name, conn.ID(), query, err)
}

// Record reports a statement that ran on conn outside the handle's own
// helpers, such as an ORM session bound to the checked-out connection. It
// produces the same span and QueryExecuted event as Exec.
func (h *Handle) Record(ctx context.Context, conn driver.Conn, query string, args []any, start time.Time, err error) {
	opts := append(h.querySpanOptions(conn, query), trace.WithTimestamp(start))
	_, span := h.manager.tracer.Start(ctx, "dbpool.query", opts...)
	endSpan(span, err)

	h.emitQuery(conn, query, args, time.Since(start), err)
}

func (h *Handle) querySpanOptions(conn driver.Conn, query string) []trace.SpanStartOption {
	return []trace.SpanStartOption{
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("db.pool", h.name),
			attribute.Int64("db.conn_id", conn.ID()),
			attribute.String("db.statement", query),
		),
	}
}

func (h *Handle) emitQuery(conn driver.Conn, query string, args []any, d time.Duration, err error) {
	h.manager.emit(QueryExecuted{
		Pool:     h.name,
		Task:     h.task,
		ConnID:   conn.ID(),
		Query:    query,
		Bindings: args,
		Duration: d,
		Err:      err,
	})
}

// txSpan starts a span for a transaction control statement.
func (h *Handle) txSpan(ctx context.Context, conn driver.Conn, op string) (context.Context, trace.Span) {
	return h.manager.tracer.Start(ctx, "dbpool."+op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("db.pool", h.name),
			attribute.Int64("db.conn_id", conn.ID()),
		))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// discard drops the held connection without giving it back for reuse.
func (h *Handle) discard() {
	h.mu.Lock()
	conn, p := h.conn, h.pool
	h.conn, h.pool = nil, nil
	h.mu.Unlock()

	if conn != nil {
		p.Discard(conn)
	}
}
