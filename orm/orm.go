package orm

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/BaSui01/connpool/dbpool"
	"github.com/BaSui01/connpool/driver"
	"github.com/BaSui01/connpool/driver/sqlconn"
)

// ErrNotSQL is returned when the handle's connection is not backed by
// database/sql (for example a redis connection).
var ErrNotSQL = errors.New("orm: connection does not expose database/sql")

// =============================================================================
// 🌉 Bridge
// =============================================================================

// Bridge runs gorm code on the connection a dbpool.Handle pins. Inside an
// open handle transaction gorm statements join that transaction.
type Bridge struct {
	mu     sync.Mutex
	bases  map[string]*gorm.DB
	logger *zap.Logger
}

// NewBridge creates a bridge. gorm statements are logged through logger at
// debug level.
func NewBridge(logger *zap.Logger) *Bridge {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bridge{
		bases:  make(map[string]*gorm.DB),
		logger: logger.With(zap.String("component", "orm")),
	}
}

// Do checks out the handle's connection and calls fn with a gorm session
// bound to it. gorm statements are traced and reported to the manager's
// listeners like the handle's own. The connection is released afterwards
// unless a transaction is open. Like any handle statement outside a transaction, fn is retried once
// on a fresh connection if the first one turns out to be dead.
func (b *Bridge) Do(ctx context.Context, h *dbpool.Handle, fn func(db *gorm.DB) error) error {
	return h.Run(ctx, func(ctx context.Context, conn driver.Conn) error {
		exec, ok := conn.(sqlconn.Executor)
		if !ok {
			return fmt.Errorf("%w: %T", ErrNotSQL, conn)
		}
		db, err := b.session(withTarget(ctx, h, conn), exec)
		if err != nil {
			return err
		}
		return fn(db)
	})
}

// session returns a gorm session whose statements go to exec's active
// transaction or, outside one, to its pinned session.
func (b *Bridge) session(ctx context.Context, exec sqlconn.Executor) (*gorm.DB, error) {
	var pool gorm.ConnPool = exec.SQLConn()
	if tx := exec.SQLTx(); tx != nil {
		pool = tx
	}

	base, err := b.base(exec.DriverName(), pool)
	if err != nil {
		return nil, err
	}

	db := base.Session(&gorm.Session{Context: ctx, NewDB: true})
	db.Statement.ConnPool = pool
	return db, nil
}

// base returns the initialized *gorm.DB for a driver. Dialect setup runs once
// per driver, on the first connection seen.
func (b *Bridge) base(driverName string, pool gorm.ConnPool) (*gorm.DB, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if db, ok := b.bases[driverName]; ok {
		return db, nil
	}

	dialector, err := Dialector(driverName, pool)
	if err != nil {
		return nil, err
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		// 事务由 Handle 管理
		SkipDefaultTransaction: true,
		DisableAutomaticPing:   true,
		Logger:                 NewLogger(b.logger),
	})
	if err != nil {
		return nil, fmt.Errorf("orm: open %s dialect: %w", driverName, err)
	}
	if err := registerCallbacks(db); err != nil {
		return nil, fmt.Errorf("orm: register %s callbacks: %w", driverName, err)
	}

	b.logger.Debug("gorm dialect initialized", zap.String("driver", driverName))
	b.bases[driverName] = db
	return db, nil
}

// Dialector picks the gorm dialect for a database/sql driver name.
func Dialector(driverName string, pool gorm.ConnPool) (gorm.Dialector, error) {
	switch driverName {
	case "pgx", "postgres":
		return postgres.New(postgres.Config{Conn: pool}), nil
	case "mysql":
		return mysql.New(mysql.Config{Conn: pool, SkipInitializeWithVersion: true}), nil
	case "sqlite":
		return &sqlite.Dialector{Conn: pool}, nil
	default:
		return nil, fmt.Errorf("orm: no gorm dialect for driver %q", driverName)
	}
}
