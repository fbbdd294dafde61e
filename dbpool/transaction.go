package dbpool

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"go.uber.org/zap"

	"github.com/BaSui01/connpool/driver"
	"github.com/BaSui01/connpool/internal/database"
)

// =============================================================================
// 🔁 Transactions
// =============================================================================

// savepointName returns the savepoint created when the depth becomes level.
func savepointName(level int) string {
	return "trans" + strconv.Itoa(level)
}

// Begin starts a transaction, or a savepoint when one is already open. The
// connection stays with the handle until the outermost transaction ends.
func (h *Handle) Begin(ctx context.Context) error {
	conn, err := h.checkout(ctx)
	if err != nil {
		return err
	}
	defer h.unpin()

	h.mu.Lock()
	depth := h.depth
	h.mu.Unlock()

	if depth == 0 {
		err = h.beginOn(ctx, conn)
		if err != nil && database.IsConnectionError(err) {
			fresh, ok, rerr := h.replace(ctx, conn)
			switch {
			case !ok:
			case rerr != nil:
				err = errors.Join(err, rerr)
			default:
				h.logger.Warn("connection lost at begin, retrying on a new connection",
					zap.Int64("old_conn_id", conn.ID()),
					zap.Int64("conn_id", fresh.ID()),
				)
				err = h.beginOn(ctx, fresh)
			}
		}
	} else {
		name := savepointName(depth + 1)
		sctx, span := h.txSpan(ctx, conn, "savepoint")
		err = conn.Savepoint(sctx, name)
		endSpan(span, err)
		err = wrapQueryError(h.name, conn.ID(), "SAVEPOINT "+name, err)
	}
	if err != nil {
		return err
	}

	h.mu.Lock()
	h.depth++
	h.mu.Unlock()
	return nil
}

func (h *Handle) beginOn(ctx context.Context, conn driver.Conn) error {
	ctx, span := h.txSpan(ctx, conn, "begin")
	err := conn.Begin(ctx)
	endSpan(span, err)

	if errors.Is(err, driver.ErrTxAlreadyStarted) {
		err = fmt.Errorf("%w: %w", ErrTransactionAlreadyActive, err)
	}
	return wrapQueryError(h.name, conn.ID(), "BEGIN", err)
}

// Commit ends the innermost transaction level. Only the outermost level
// issues a real commit and gives the connection back; inner levels just
// decrement the depth.
func (h *Handle) Commit(ctx context.Context) error {
	h.mu.Lock()
	switch {
	case h.depth == 0:
		h.mu.Unlock()
		return ErrNoActiveTransaction
	case h.depth > 1:
		h.depth--
		h.mu.Unlock()
		return nil
	}
	conn := h.conn
	if conn == nil {
		// 并发的 ForceRelease 已经收走连接
		h.mu.Unlock()
		return ErrNoActiveTransaction
	}
	h.pins++
	h.mu.Unlock()
	defer h.unpin()

	cctx, span := h.txSpan(ctx, conn, "commit")
	err := conn.Commit(cctx)
	endSpan(span, err)

	h.mu.Lock()
	h.depth = 0
	h.mu.Unlock()

	if err != nil {
		h.abandon(ctx, conn, err)
	}
	return wrapQueryError(h.name, conn.ID(), "COMMIT", err)
}

// abandon cleans up after a failed commit. A lost connection is discarded.
// Otherwise the transaction is rolled back in case the driver left it open,
// and the connection is discarded if even that fails.
func (h *Handle) abandon(ctx context.Context, conn driver.Conn, commitErr error) {
	if database.IsConnectionError(commitErr) {
		h.discard()
		return
	}
	err := conn.Rollback(context.WithoutCancel(ctx))
	if err == nil || errors.Is(err, driver.ErrTxNotStarted) {
		return
	}
	h.logger.Warn("rollback after failed commit failed, discarding connection",
		zap.Int64("conn_id", conn.ID()),
		zap.Error(err),
	)
	h.discard()
}

// Rollback undoes the innermost transaction level.
func (h *Handle) Rollback(ctx context.Context) error {
	h.mu.Lock()
	depth := h.depth
	h.mu.Unlock()

	if depth == 0 {
		return ErrNoActiveTransaction
	}
	return h.RollbackTo(ctx, depth-1)
}

// RollbackTo rolls back to the given depth. Level 0 rolls back the whole
// transaction and gives the connection back; a higher level rolls back to
// the savepoint created when that level was entered and keeps the
// connection.
func (h *Handle) RollbackTo(ctx context.Context, level int) error {
	h.mu.Lock()
	depth := h.depth
	if depth == 0 {
		h.mu.Unlock()
		return ErrNoActiveTransaction
	}
	if level < 0 || level >= depth {
		h.mu.Unlock()
		return fmt.Errorf("%w: %d at depth %d", ErrInvalidTransactionLevel, level, depth)
	}
	conn := h.conn
	if conn == nil {
		h.mu.Unlock()
		return ErrNoActiveTransaction
	}
	h.pins++
	h.mu.Unlock()
	defer h.unpin()

	if level == 0 {
		rctx, span := h.txSpan(ctx, conn, "rollback")
		err := conn.Rollback(rctx)
		endSpan(span, err)

		h.mu.Lock()
		h.depth = 0
		h.mu.Unlock()

		if err != nil {
			h.logger.Warn("rollback failed, discarding connection", zap.Int64("conn_id", conn.ID()), zap.Error(err))
			h.discard()
		}
		return wrapQueryError(h.name, conn.ID(), "ROLLBACK", err)
	}

	name := savepointName(level + 1)
	rctx, span := h.txSpan(ctx, conn, "rollback_to")
	err := conn.RollbackTo(rctx, name)
	endSpan(span, err)
	if err != nil {
		return wrapQueryError(h.name, conn.ID(), "ROLLBACK TO SAVEPOINT "+name, err)
	}

	h.mu.Lock()
	h.depth = level
	h.mu.Unlock()
	return nil
}

// Transaction runs fn inside Begin/Commit. The level is rolled back when fn
// returns an error or panics; a panic is re-raised after the rollback.
func (h *Handle) Transaction(ctx context.Context, fn func(ctx context.Context, h *Handle) error) error {
	if err := h.Begin(ctx); err != nil {
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			if rbErr := h.Rollback(ctx); rbErr != nil {
				h.logger.Warn("rollback after panic failed", zap.Error(rbErr))
			}
			panic(r)
		}
	}()

	if err := fn(ctx, h); err != nil {
		if rbErr := h.Rollback(ctx); rbErr != nil {
			return errors.Join(err, rbErr)
		}
		return err
	}
	return h.Commit(ctx)
}

// TransactionRetry runs Transaction up to attempts times while it fails
// with a retryable error (deadlock, serialization failure, lost
// connection). Nested calls are never retried since only the outermost
// level can be replayed.
func (h *Handle) TransactionRetry(ctx context.Context, attempts int, fn func(ctx context.Context, h *Handle) error) error {
	if h.TransactionLevel() > 0 {
		attempts = 1
	}
	return database.Retry(ctx, attempts, h.logger, func(ctx context.Context) error {
		return h.Transaction(ctx, fn)
	})
}
