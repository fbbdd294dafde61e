// Package fakedb is an in-memory driver.Conn implementation for tests.
//
// The server keeps one table of names. Statements are matched by prefix:
// "INSERT" appends the first argument, "SELECT ... FROM snakes" lists the
// names visible to the connection, any other SELECT returns a single row
// {"value": 1}, and statements containing "FAIL" return a syntax error.
// Inserts made inside a transaction are only visible to other connections
// after commit.
package fakedb

import (
	"context"
	sqldriver "database/sql/driver"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/BaSui01/connpool/driver"
)

// ErrSyntax is returned for statements containing "FAIL".
var ErrSyntax = errors.New("fakedb: syntax error")

// Statement is one entry of the server log.
type Statement struct {
	ConnID int64
	Query  string
	Args   []any
}

// Server is the shared state behind every Conn it opens.
type Server struct {
	mu       sync.Mutex
	names    []string
	conns    []*Conn
	log      []Statement
	openErr  error
	failNext []error
	opened   int
	closed   int
}

// NewServer returns an empty server.
func NewServer() *Server {
	return &Server{}
}

// Factory returns a driver.Factory opening connections to s.
func (s *Server) Factory() driver.Factory {
	return func(ctx context.Context) (driver.Conn, error) {
		return s.Open(ctx)
	}
}

// Open opens a new connection.
func (s *Server) Open(ctx context.Context) (*Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.openErr != nil {
		return nil, s.openErr
	}

	c := &Conn{id: driver.NextID(), server: s}
	s.conns = append(s.conns, c)
	s.opened++
	return c, nil
}

// SetOpenError makes every following Open fail with err. Nil restores it.
func (s *Server) SetOpenError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.openErr = err
}

// FailNext makes the next statement executed on any connection return err.
// Connection errors also kill the connection that ran the statement.
func (s *Server) FailNext(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = append(s.failNext, err)
}

// KillAll marks every open connection dead, as if the server had restarted.
func (s *Server) KillAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conns {
		c.dead = true
	}
}

// Names returns the committed names in insertion order.
func (s *Server) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.names)
}

// Statements returns a copy of the statement log.
func (s *Server) Statements() []Statement {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.log)
}

// Queries returns the logged statement texts of connID, or of every
// connection when connID is 0.
func (s *Server) Queries(connID int64) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, st := range s.log {
		if connID == 0 || st.ConnID == connID {
			out = append(out, st.Query)
		}
	}
	return out
}

// Opened returns how many connections were opened.
func (s *Server) Opened() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opened
}

// Closed returns how many connections were closed.
func (s *Server) Closed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Open connections not yet closed.
func (s *Server) Live() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opened - s.closed
}

// Conn is a fake session.
type Conn struct {
	id     int64
	server *Server

	// guarded by server.mu
	dead       bool
	closed     bool
	inTx       bool
	pending    []string
	savepoints []savepoint
}

type savepoint struct {
	name string
	mark int
}

var _ driver.Conn = (*Conn)(nil)

func (c *Conn) ID() int64 { return c.id }

// Kill marks the connection dead.
func (c *Conn) Kill() {
	c.server.mu.Lock()
	defer c.server.mu.Unlock()
	c.dead = true
}

// InTx reports whether a transaction is open.
func (c *Conn) InTx() bool {
	c.server.mu.Lock()
	defer c.server.mu.Unlock()
	return c.inTx
}

func (c *Conn) IsAlive(ctx context.Context) bool {
	c.server.mu.Lock()
	defer c.server.mu.Unlock()
	return !c.dead && !c.closed
}

// run logs the statement and returns the error it has to fail with, if any.
// Callers hold server.mu.
func (c *Conn) run(query string, args []any) error {
	if c.closed {
		return driver.ErrConnClosed
	}
	if c.dead {
		return sqldriver.ErrBadConn
	}

	s := c.server
	s.log = append(s.log, Statement{ConnID: c.id, Query: query, Args: slices.Clone(args)})

	if len(s.failNext) > 0 {
		err := s.failNext[0]
		s.failNext = s.failNext[1:]
		if errors.Is(err, sqldriver.ErrBadConn) {
			c.dead = true
		}
		return err
	}
	if strings.Contains(query, "FAIL") {
		return ErrSyntax
	}
	return nil
}

func (c *Conn) Exec(ctx context.Context, query string, args ...any) (driver.Result, error) {
	c.server.mu.Lock()
	defer c.server.mu.Unlock()

	if err := c.run(query, args); err != nil {
		return driver.Result{}, err
	}

	if !strings.HasPrefix(strings.ToUpper(strings.TrimSpace(query)), "INSERT") {
		return driver.Result{}, nil
	}
	if len(args) == 0 {
		return driver.Result{}, fmt.Errorf("fakedb: INSERT needs an argument")
	}

	name := fmt.Sprint(args[0])
	if c.inTx {
		c.pending = append(c.pending, name)
	} else {
		c.server.names = append(c.server.names, name)
	}
	return driver.Result{RowsAffected: 1, LastInsertID: int64(len(c.server.names) + len(c.pending))}, nil
}

func (c *Conn) Query(ctx context.Context, query string, args ...any) (driver.Rows, error) {
	c.server.mu.Lock()
	defer c.server.mu.Unlock()

	if err := c.run(query, args); err != nil {
		return nil, err
	}

	if strings.Contains(strings.ToLower(query), "from snakes") {
		visible := append(slices.Clone(c.server.names), c.pending...)
		values := make([][]any, len(visible))
		for i, name := range visible {
			values[i] = []any{name}
		}
		return driver.NewSliceRows([]string{"name"}, values), nil
	}
	return driver.NewSliceRows([]string{"value"}, [][]any{{int64(1)}}), nil
}

func (c *Conn) Begin(ctx context.Context) error {
	c.server.mu.Lock()
	defer c.server.mu.Unlock()

	if c.inTx {
		return driver.ErrTxAlreadyStarted
	}
	if err := c.run("BEGIN", nil); err != nil {
		return err
	}
	c.inTx = true
	c.pending = nil
	c.savepoints = nil
	return nil
}

func (c *Conn) Savepoint(ctx context.Context, name string) error {
	c.server.mu.Lock()
	defer c.server.mu.Unlock()

	if !c.inTx {
		return driver.ErrTxNotStarted
	}
	if err := c.run("SAVEPOINT "+name, nil); err != nil {
		return err
	}
	c.savepoints = append(c.savepoints, savepoint{name: name, mark: len(c.pending)})
	return nil
}

func (c *Conn) RollbackTo(ctx context.Context, name string) error {
	c.server.mu.Lock()
	defer c.server.mu.Unlock()

	if !c.inTx {
		return driver.ErrTxNotStarted
	}
	if err := c.run("ROLLBACK TO SAVEPOINT "+name, nil); err != nil {
		return err
	}

	for i := len(c.savepoints) - 1; i >= 0; i-- {
		if c.savepoints[i].name == name {
			c.pending = c.pending[:c.savepoints[i].mark]
			c.savepoints = c.savepoints[:i+1]
			return nil
		}
	}
	return fmt.Errorf("fakedb: savepoint %q does not exist", name)
}

func (c *Conn) Commit(ctx context.Context) error {
	c.server.mu.Lock()
	defer c.server.mu.Unlock()

	if !c.inTx {
		return driver.ErrTxNotStarted
	}
	err := c.run("COMMIT", nil)
	if err == nil {
		c.server.names = append(c.server.names, c.pending...)
	}
	c.inTx = false
	c.pending = nil
	c.savepoints = nil
	return err
}

func (c *Conn) Rollback(ctx context.Context) error {
	c.server.mu.Lock()
	defer c.server.mu.Unlock()

	if !c.inTx {
		return driver.ErrTxNotStarted
	}
	err := c.run("ROLLBACK", nil)
	c.inTx = false
	c.pending = nil
	c.savepoints = nil
	return err
}

func (c *Conn) Close() error {
	c.server.mu.Lock()
	defer c.server.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	c.inTx = false
	c.pending = nil
	c.server.closed++
	return nil
}
