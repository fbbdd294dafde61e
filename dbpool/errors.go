package dbpool

import (
	"errors"
	"fmt"
)

var (
	// ErrPoolUnavailable 连接名未配置或连接池已关闭
	ErrPoolUnavailable = errors.New("dbpool: pool unavailable")
	// ErrPoolClosed 连接池已关闭
	ErrPoolClosed = errors.New("dbpool: pool closed")
	// ErrPoolExhausted 等待连接超过 AcquireTimeout
	ErrPoolExhausted = errors.New("dbpool: timed out waiting for a connection")
	// ErrNoActiveTransaction 深度为 0 时提交或回滚
	ErrNoActiveTransaction = errors.New("dbpool: no active transaction")
	// ErrTransactionAlreadyActive 连接已处于事务中
	ErrTransactionAlreadyActive = errors.New("dbpool: transaction already active")
	// ErrConnectionDead 连接失效且无法重建
	ErrConnectionDead = errors.New("dbpool: connection is dead")
	// ErrInvalidTransactionLevel 回滚目标层级超出范围
	ErrInvalidTransactionLevel = errors.New("dbpool: invalid transaction level")
	// ErrNoTask context 中没有任务标识
	ErrNoTask = errors.New("dbpool: no task in context")
	// ErrHandleBusy 连接正被其他操作使用，不能重连
	ErrHandleBusy = errors.New("dbpool: connection is in use")
)

// QueryError wraps a driver failure with the identity of the connection and
// the statement that produced it.
type QueryError struct {
	Pool   string
	ConnID int64
	Query  string
	Err    error
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("dbpool: %s (pool=%s conn=%d): %v", e.Query, e.Pool, e.ConnID, e.Err)
}

func (e *QueryError) Unwrap() error { return e.Err }

func wrapQueryError(pool string, connID int64, query string, err error) error {
	if err == nil {
		return nil
	}
	var qe *QueryError
	if errors.As(err, &qe) {
		return err
	}
	return &QueryError{Pool: pool, ConnID: connID, Query: query, Err: err}
}
