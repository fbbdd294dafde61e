package dbpool

import (
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"
)

// =============================================================================
// 📣 Query events
// =============================================================================

// QueryExecuted is emitted once for every statement a handle runs, including
// failed ones.
type QueryExecuted struct {
	Pool     string
	Task     TaskID
	ConnID   int64
	Query    string
	Bindings []any
	Duration time.Duration
	Err      error
}

// Listener receives query events. It runs synchronously on the goroutine
// that executed the statement and must not block.
type Listener func(QueryExecuted)

// QueryLogger returns a listener logging every statement at debug level.
func QueryLogger(logger *zap.Logger) Listener {
	logger = logger.With(zap.String("component", "query_log"))
	return func(e QueryExecuted) {
		fields := []zap.Field{
			zap.String("pool", e.Pool),
			zap.String("task", string(e.Task)),
			zap.Int64("conn_id", e.ConnID),
			zap.String("query", e.Query),
			zap.Any("bindings", e.Bindings),
			zap.Duration("duration", e.Duration),
		}
		if e.Err != nil {
			logger.Debug("query failed", append(fields, zap.Error(e.Err))...)
			return
		}
		logger.Debug("query executed", fields...)
	}
}

// QueryLogEntry is one recorded statement.
type QueryLogEntry struct {
	Pool     string        `json:"pool"`
	ConnID   int64         `json:"conn_id"`
	Query    string        `json:"query"`
	Bindings []any         `json:"bindings"`
	Duration time.Duration `json:"duration"`
}

// QueryLog records executed statements in memory while enabled.
type QueryLog struct {
	mu      sync.Mutex
	enabled bool
	entries []QueryLogEntry
}

// NewQueryLog returns a disabled query log.
func NewQueryLog() *QueryLog {
	return &QueryLog{}
}

func (l *QueryLog) Enable() {
	l.mu.Lock()
	l.enabled = true
	l.mu.Unlock()
}

func (l *QueryLog) Disable() {
	l.mu.Lock()
	l.enabled = false
	l.mu.Unlock()
}

func (l *QueryLog) Enabled() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.enabled
}

// Entries returns a copy of the recorded statements.
func (l *QueryLog) Entries() []QueryLogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.entries)
}

// Flush drops every recorded statement.
func (l *QueryLog) Flush() {
	l.mu.Lock()
	l.entries = nil
	l.mu.Unlock()
}

// Listener returns the function to register with Manager.Listen.
func (l *QueryLog) Listener() Listener {
	return l.record
}

func (l *QueryLog) record(e QueryExecuted) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.enabled {
		return
	}
	l.entries = append(l.entries, QueryLogEntry{
		Pool:     e.Pool,
		ConnID:   e.ConnID,
		Query:    e.Query,
		Bindings: e.Bindings,
		Duration: e.Duration,
	})
}
