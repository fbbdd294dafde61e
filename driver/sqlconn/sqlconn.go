// Package sqlconn adapts database/sql to driver.Conn. Each Conn owns one
// dedicated *sql.Conn, i.e. one physical session of the underlying driver.
package sqlconn

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"sync/atomic"
	"time"

	"github.com/BaSui01/connpool/driver"
	"github.com/BaSui01/connpool/internal/database"
)

// Options configures how connections are opened.
type Options struct {
	// DriverName is the database/sql driver, e.g. "pgx", "mysql", "sqlite".
	DriverName string `yaml:"driver_name" json:"driver_name"`

	DSN string `yaml:"dsn" json:"dsn"`

	// CacheStatements keeps one prepared statement per distinct query for the
	// lifetime of the session.
	CacheStatements bool `yaml:"cache_statements" json:"cache_statements"`

	// PingTimeout bounds IsAlive. Zero means 2s.
	PingTimeout time.Duration `yaml:"ping_timeout" json:"ping_timeout"`
}

// Executor exposes the database/sql handles behind a Conn so that code built
// on database/sql (for example an ORM) can run on the same session.
type Executor interface {
	// SQLConn is the dedicated session.
	SQLConn() *sql.Conn
	// SQLTx is the open transaction, or nil.
	SQLTx() *sql.Tx
	DriverName() string
}

var savepointName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Conn is a driver.Conn over a single *sql.Conn.
type Conn struct {
	id         int64
	driverName string
	db         *sql.DB
	ownsDB     bool
	conn       *sql.Conn
	tx         *sql.Tx

	cacheStatements bool
	stmts           map[string]*sql.Stmt

	pingTimeout time.Duration
	dead        atomic.Bool
	closed      bool
}

var (
	_ driver.Conn = (*Conn)(nil)
	_ Executor    = (*Conn)(nil)
)

// Open opens a private *sql.DB limited to one connection and pins it.
func Open(ctx context.Context, opts Options) (*Conn, error) {
	if opts.DriverName == "" {
		return nil, fmt.Errorf("sqlconn: driver name is required")
	}

	db, err := sql.Open(opts.DriverName, opts.DSN)
	if err != nil {
		return nil, fmt.Errorf("sqlconn: open %s: %w", opts.DriverName, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	c, err := fromDB(ctx, db, opts)
	if err != nil {
		db.Close()
		return nil, err
	}
	c.ownsDB = true
	return c, nil
}

// FromDB pins one session of an existing *sql.DB. The *sql.DB is not closed
// by Close.
func FromDB(ctx context.Context, db *sql.DB, opts Options) (*Conn, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlconn: db cannot be nil")
	}
	return fromDB(ctx, db, opts)
}

func fromDB(ctx context.Context, db *sql.DB, opts Options) (*Conn, error) {
	conn, err := db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("sqlconn: acquire session: %w", err)
	}

	pingTimeout := opts.PingTimeout
	if pingTimeout <= 0 {
		pingTimeout = 2 * time.Second
	}

	return &Conn{
		id:              driver.NextID(),
		driverName:      opts.DriverName,
		db:              db,
		conn:            conn,
		cacheStatements: opts.CacheStatements,
		stmts:           make(map[string]*sql.Stmt),
		pingTimeout:     pingTimeout,
	}, nil
}

// NewFactory returns a driver.Factory that opens connections with opts.
func NewFactory(opts Options) driver.Factory {
	return func(ctx context.Context) (driver.Conn, error) {
		return Open(ctx, opts)
	}
}

func (c *Conn) ID() int64 { return c.id }

func (c *Conn) DriverName() string { return c.driverName }

func (c *Conn) SQLConn() *sql.Conn { return c.conn }

func (c *Conn) SQLTx() *sql.Tx { return c.tx }

// CachedStatements returns the number of prepared statements held.
func (c *Conn) CachedStatements() int { return len(c.stmts) }

func (c *Conn) IsAlive(ctx context.Context) bool {
	if c.closed || c.dead.Load() {
		return false
	}

	ctx, cancel := context.WithTimeout(ctx, c.pingTimeout)
	defer cancel()

	if err := c.conn.PingContext(ctx); err != nil {
		c.dead.Store(true)
		return false
	}
	return true
}

// MarkDead flags the session as broken; IsAlive reports false from now on.
func (c *Conn) MarkDead() { c.dead.Store(true) }

func (c *Conn) Exec(ctx context.Context, query string, args ...any) (driver.Result, error) {
	if c.closed {
		return driver.Result{}, driver.ErrConnClosed
	}

	var (
		res sql.Result
		err error
	)
	if stmt, perr := c.statement(ctx, query); perr != nil {
		return driver.Result{}, c.observe(perr)
	} else if stmt != nil {
		res, err = stmt.ExecContext(ctx, args...)
	} else if c.tx != nil {
		res, err = c.tx.ExecContext(ctx, query, args...)
	} else {
		res, err = c.conn.ExecContext(ctx, query, args...)
	}
	if err != nil {
		return driver.Result{}, c.observe(err)
	}

	var out driver.Result
	// Not every driver supports both values; missing ones stay zero.
	if n, err := res.RowsAffected(); err == nil {
		out.RowsAffected = n
	}
	if id, err := res.LastInsertId(); err == nil {
		out.LastInsertID = id
	}
	return out, nil
}

func (c *Conn) Query(ctx context.Context, query string, args ...any) (driver.Rows, error) {
	if c.closed {
		return nil, driver.ErrConnClosed
	}

	var (
		rows *sql.Rows
		err  error
	)
	if stmt, perr := c.statement(ctx, query); perr != nil {
		return nil, c.observe(perr)
	} else if stmt != nil {
		rows, err = stmt.QueryContext(ctx, args...)
	} else if c.tx != nil {
		rows, err = c.tx.QueryContext(ctx, query, args...)
	} else {
		rows, err = c.conn.QueryContext(ctx, query, args...)
	}
	if err != nil {
		return nil, c.observe(err)
	}
	return rows, nil
}

// statement returns the cached prepared statement for query bound to the
// current transaction, or nil when caching is off.
func (c *Conn) statement(ctx context.Context, query string) (*sql.Stmt, error) {
	if !c.cacheStatements {
		return nil, nil
	}

	stmt, ok := c.stmts[query]
	if !ok {
		var err error
		stmt, err = c.conn.PrepareContext(ctx, query)
		if err != nil {
			return nil, err
		}
		c.stmts[query] = stmt
	}

	if c.tx != nil {
		return c.tx.StmtContext(ctx, stmt), nil
	}
	return stmt, nil
}

func (c *Conn) Begin(ctx context.Context) error {
	if c.closed {
		return driver.ErrConnClosed
	}
	if c.tx != nil {
		return driver.ErrTxAlreadyStarted
	}

	tx, err := c.conn.BeginTx(ctx, nil)
	if err != nil {
		return c.observe(err)
	}
	c.tx = tx
	return nil
}

func (c *Conn) Savepoint(ctx context.Context, name string) error {
	return c.savepointExec(ctx, "SAVEPOINT ", name)
}

func (c *Conn) RollbackTo(ctx context.Context, name string) error {
	return c.savepointExec(ctx, "ROLLBACK TO SAVEPOINT ", name)
}

func (c *Conn) savepointExec(ctx context.Context, verb, name string) error {
	if c.tx == nil {
		return driver.ErrTxNotStarted
	}
	if !savepointName.MatchString(name) {
		return fmt.Errorf("sqlconn: invalid savepoint name %q", name)
	}
	if _, err := c.tx.ExecContext(ctx, verb+name); err != nil {
		return c.observe(err)
	}
	return nil
}

func (c *Conn) Commit(ctx context.Context) error {
	if c.tx == nil {
		return driver.ErrTxNotStarted
	}
	tx := c.tx
	c.tx = nil
	return c.observe(tx.Commit())
}

func (c *Conn) Rollback(ctx context.Context) error {
	if c.tx == nil {
		return driver.ErrTxNotStarted
	}
	tx := c.tx
	c.tx = nil
	return c.observe(tx.Rollback())
}

// Close drops the statement cache, aborts any transaction and releases the
// session.
func (c *Conn) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true

	var errs []error
	for q, stmt := range c.stmts {
		if err := stmt.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close statement %q: %w", q, err))
		}
	}
	clear(c.stmts)

	if c.tx != nil {
		if err := c.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			errs = append(errs, fmt.Errorf("rollback: %w", err))
		}
		c.tx = nil
	}

	if err := c.conn.Close(); err != nil && !errors.Is(err, sql.ErrConnDone) {
		errs = append(errs, fmt.Errorf("close session: %w", err))
	}
	if c.ownsDB {
		if err := c.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close db: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (c *Conn) observe(err error) error {
	if err != nil && database.IsConnectionError(err) {
		c.dead.Store(true)
	}
	return err
}
