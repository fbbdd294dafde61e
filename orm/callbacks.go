package orm

import (
	"context"
	"errors"
	"slices"
	"time"

	"gorm.io/gorm"

	"github.com/BaSui01/connpool/dbpool"
	"github.com/BaSui01/connpool/driver"
)

// =============================================================================
// 📡 Statement events
// =============================================================================

const startedAtKey = "connpool:started_at"

type statementKey struct{}

// statementTarget is the handle and connection a gorm session runs on.
type statementTarget struct {
	h    *dbpool.Handle
	conn driver.Conn
}

func withTarget(ctx context.Context, h *dbpool.Handle, conn driver.Conn) context.Context {
	return context.WithValue(ctx, statementKey{}, statementTarget{h: h, conn: conn})
}

// registerCallbacks reports every gorm statement to the handle the session is
// bound to, the same way the handle reports its own statements.
func registerCallbacks(db *gorm.DB) error {
	cb := db.Callback()
	return errors.Join(
		cb.Create().Before("gorm:create").Register("connpool:before_create", beforeStatement),
		cb.Create().After("gorm:create").Register("connpool:after_create", afterStatement),
		cb.Query().Before("gorm:query").Register("connpool:before_query", beforeStatement),
		cb.Query().After("gorm:query").Register("connpool:after_query", afterStatement),
		cb.Update().Before("gorm:update").Register("connpool:before_update", beforeStatement),
		cb.Update().After("gorm:update").Register("connpool:after_update", afterStatement),
		cb.Delete().Before("gorm:delete").Register("connpool:before_delete", beforeStatement),
		cb.Delete().After("gorm:delete").Register("connpool:after_delete", afterStatement),
		cb.Row().Before("gorm:row").Register("connpool:before_row", beforeStatement),
		cb.Row().After("gorm:row").Register("connpool:after_row", afterStatement),
		cb.Raw().Before("gorm:raw").Register("connpool:before_raw", beforeStatement),
		cb.Raw().After("gorm:raw").Register("connpool:after_raw", afterStatement),
	)
}

func beforeStatement(db *gorm.DB) {
	db.InstanceSet(startedAtKey, time.Now())
}

func afterStatement(db *gorm.DB) {
	if db.DryRun || db.Statement.Context == nil {
		return
	}
	target, ok := db.Statement.Context.Value(statementKey{}).(statementTarget)
	if !ok {
		return
	}
	query := db.Statement.SQL.String()
	if query == "" {
		return
	}

	start := time.Now()
	if v, ok := db.InstanceGet(startedAtKey); ok {
		if t, ok := v.(time.Time); ok {
			start = t
		}
	}
	err := db.Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		err = nil
	}
	target.h.Record(db.Statement.Context, target.conn, query, slices.Clone(db.Statement.Vars), start, err)
}
