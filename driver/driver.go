// Package driver defines the contract a database driver has to satisfy to be
// managed by the connection pool: one Conn is one physical session.
package driver

import (
	"context"
	"errors"
	"sync/atomic"
)

var (
	ErrTxAlreadyStarted      = errors.New("driver: transaction already started, use a savepoint")
	ErrTxNotStarted          = errors.New("driver: transaction is not started")
	ErrSavepointsUnsupported = errors.New("driver: savepoints are not supported")
	ErrConnClosed            = errors.New("driver: connection is closed")
)

// Conn is a single physical database session. A Conn is never used by two
// goroutines at the same time; the pool hands it to one owner at a time.
type Conn interface {
	// ID returns the process-unique identifier assigned at construction.
	ID() int64

	// IsAlive reports whether the session can still run statements.
	IsAlive(ctx context.Context) bool

	Exec(ctx context.Context, query string, args ...any) (Result, error)
	Query(ctx context.Context, query string, args ...any) (Rows, error)

	Begin(ctx context.Context) error
	Savepoint(ctx context.Context, name string) error
	RollbackTo(ctx context.Context, name string) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error

	Close() error
}

// Factory opens a new Conn.
type Factory func(ctx context.Context) (Conn, error)

// Result describes the outcome of a statement that returns no rows.
type Result struct {
	RowsAffected int64 `json:"rows_affected"`
	LastInsertID int64 `json:"last_insert_id"`
}

// Rows is a forward-only row iterator. *sql.Rows satisfies it.
type Rows interface {
	Columns() ([]string, error)
	Next() bool
	Scan(dest ...any) error
	Err() error
	Close() error
}

var connSeq atomic.Int64

// NextID returns the next connection identifier. Identifiers are shared by
// every driver in the process and only ever increase.
func NextID() int64 {
	return connSeq.Add(1)
}
