// Package redisconn adapts a sticky go-redis connection to driver.Conn.
//
// A statement is a whitespace separated command ("SET key ?") whose "?"
// placeholders are replaced by the bound arguments in order. Transactions map
// to MULTI/EXEC/DISCARD; Redis has no savepoints, so nested transactions are
// rejected with driver.ErrSavepointsUnsupported.
package redisconn

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/redis/go-redis/v9"

	"github.com/BaSui01/connpool/driver"
	"github.com/BaSui01/connpool/internal/database"
)

// Conn is one dedicated Redis connection.
type Conn struct {
	id     int64
	conn   *redis.Conn
	inTx   bool
	dead   atomic.Bool
	closed bool
}

var _ driver.Conn = (*Conn)(nil)

// NewFactory returns a factory that pins one connection of client per Conn.
// client.Options().PoolSize must be at least the pool capacity.
func NewFactory(client *redis.Client) driver.Factory {
	return func(ctx context.Context) (driver.Conn, error) {
		return Open(ctx, client)
	}
}

// Open pins a connection of client and checks it with PING.
func Open(ctx context.Context, client *redis.Client) (*Conn, error) {
	if client == nil {
		return nil, fmt.Errorf("redisconn: client cannot be nil")
	}

	conn := client.Conn()
	if err := conn.Ping(ctx).Err(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("redisconn: ping: %w", err)
	}

	return &Conn{id: driver.NextID(), conn: conn}, nil
}

func (c *Conn) ID() int64 { return c.id }

func (c *Conn) IsAlive(ctx context.Context) bool {
	if c.closed || c.dead.Load() {
		return false
	}
	if err := c.conn.Ping(ctx).Err(); err != nil {
		c.dead.Store(true)
		return false
	}
	return true
}

func (c *Conn) Exec(ctx context.Context, query string, args ...any) (driver.Result, error) {
	reply, err := c.do(ctx, query, args)
	if err != nil {
		return driver.Result{}, err
	}

	var res driver.Result
	if n, ok := reply.(int64); ok {
		res.RowsAffected = n
	}
	return res, nil
}

// Query returns the reply as rows of a single "value" column: one row per
// element for array replies, one row otherwise. Nil replies yield no rows.
func (c *Conn) Query(ctx context.Context, query string, args ...any) (driver.Rows, error) {
	reply, err := c.do(ctx, query, args)
	if err != nil {
		return nil, err
	}

	var values [][]any
	switch v := reply.(type) {
	case nil:
	case []any:
		values = make([][]any, len(v))
		for i, el := range v {
			values[i] = []any{el}
		}
	default:
		values = [][]any{{v}}
	}
	return driver.NewSliceRows([]string{"value"}, values), nil
}

func (c *Conn) do(ctx context.Context, query string, args []any) (any, error) {
	if c.closed {
		return nil, driver.ErrConnClosed
	}

	cmd, err := buildCommand(query, args)
	if err != nil {
		return nil, err
	}

	reply, err := c.conn.Do(ctx, cmd...).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		if database.IsConnectionError(err) {
			c.dead.Store(true)
		}
		return nil, err
	}
	return reply, nil
}

func (c *Conn) Begin(ctx context.Context) error {
	if c.inTx {
		return driver.ErrTxAlreadyStarted
	}
	if _, err := c.do(ctx, "MULTI", nil); err != nil {
		return err
	}
	c.inTx = true
	return nil
}

func (c *Conn) Savepoint(ctx context.Context, name string) error {
	return driver.ErrSavepointsUnsupported
}

func (c *Conn) RollbackTo(ctx context.Context, name string) error {
	return driver.ErrSavepointsUnsupported
}

func (c *Conn) Commit(ctx context.Context) error {
	return c.finish(ctx, "EXEC")
}

func (c *Conn) Rollback(ctx context.Context) error {
	return c.finish(ctx, "DISCARD")
}

func (c *Conn) finish(ctx context.Context, verb string) error {
	if !c.inTx {
		return driver.ErrTxNotStarted
	}
	c.inTx = false
	_, err := c.do(ctx, verb, nil)
	return err
}

func (c *Conn) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	if c.inTx {
		c.inTx = false
		c.conn.Do(context.Background(), "DISCARD")
	}
	return c.conn.Close()
}

// buildCommand splits query on whitespace and substitutes "?" tokens.
func buildCommand(query string, args []any) ([]any, error) {
	fields := strings.Fields(query)
	if len(fields) == 0 {
		return nil, fmt.Errorf("redisconn: empty command")
	}

	cmd := make([]any, 0, len(fields))
	next := 0
	for _, f := range fields {
		if f != "?" {
			cmd = append(cmd, f)
			continue
		}
		if next >= len(args) {
			return nil, fmt.Errorf("redisconn: not enough arguments for %q", query)
		}
		cmd = append(cmd, args[next])
		next++
	}
	if next != len(args) {
		return nil, fmt.Errorf("redisconn: %d arguments given, %d placeholders in %q", len(args), next, query)
	}
	return cmd, nil
}
