package main

import (
	"context"
	"fmt"
	"io"
	"slices"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/connpool/dbpool"
	"github.com/BaSui01/connpool/driver/sqlconn"
	"github.com/BaSui01/connpool/internal/pool"
)

// =============================================================================
// 🏋️ 连接池压测
// =============================================================================

const benchConnection = "bench"

var benchSnakes = []string{"Cobra", "Mamba", "Taipan", "Viper", "Krait", "Boomslang"}

// BenchOptions 压测参数
type BenchOptions struct {
	Tasks          int
	Conns          int
	Workers        int
	Hold           time.Duration
	AcquireTimeout time.Duration
	LogQueries     bool
}

func defaultBenchOptions() BenchOptions {
	return BenchOptions{
		Tasks:          100,
		Conns:          4,
		Workers:        32,
		Hold:           2 * time.Millisecond,
		AcquireTimeout: 30 * time.Second,
	}
}

// BenchReport 压测结果
type BenchReport struct {
	Tasks     int               `json:"tasks"`
	Succeeded int64             `json:"succeeded"`
	Failed    int64             `json:"failed"`
	Elapsed   time.Duration     `json:"elapsed"`
	P50       time.Duration     `json:"p50"`
	P99       time.Duration     `json:"p99"`
	Max       time.Duration     `json:"max"`
	Workers   pool.WorkersStats `json:"workers"`
	Pool      dbpool.Stats      `json:"pool"`
	Forced    int64             `json:"forced_releases"`
}

// Print 以人类可读的格式输出报告
func (r *BenchReport) Print(w io.Writer) {
	fmt.Fprintf(w, "tasks:       %d (ok %d, failed %d)\n", r.Tasks, r.Succeeded, r.Failed)
	fmt.Fprintf(w, "elapsed:     %s\n", r.Elapsed)
	fmt.Fprintf(w, "latency:     p50 %s  p99 %s  max %s\n", r.P50, r.P99, r.Max)
	fmt.Fprintf(w, "workers:     %d submitted, %d completed\n", r.Workers.Submitted, r.Workers.Completed)
	fmt.Fprintf(w, "pool:        capacity %d, idle %d, in use %d\n", r.Pool.Capacity, r.Pool.Idle, r.Pool.InUse)
	fmt.Fprintf(w, "checkouts:   %d (waited %d, total wait %s, timeouts %d)\n",
		r.Pool.Acquired, r.Pool.Waited, r.Pool.WaitTime, r.Pool.Timeouts)
	fmt.Fprintf(w, "reconnects:  %d  discarded: %d  forced releases: %d\n",
		r.Pool.Reconnects, r.Pool.Discarded, r.Forced)
}

// Bench runs opts.Tasks tasks on a worker pool against a private in-memory
// SQLite pool of opts.Conns connections. Every task takes its own handle,
// reads one row inside a transaction, holds it for opts.Hold and forgets
// the task.
func Bench(ctx context.Context, opts BenchOptions, logger *zap.Logger) (*BenchReport, error) {
	if opts.Tasks <= 0 {
		return nil, fmt.Errorf("tasks must be positive, got %d", opts.Tasks)
	}
	if opts.Conns <= 0 {
		return nil, fmt.Errorf("conns must be positive, got %d", opts.Conns)
	}
	if opts.Workers <= 0 {
		opts.Workers = opts.Tasks
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	registry := dbpool.NewRegistry(logger)
	err := registry.Configure(benchConnection, dbpool.PoolConfig{
		Capacity: opts.Conns,
		Factory: sqlconn.NewFactory(sqlconn.Options{
			DriverName:      "sqlite",
			DSN:             fmt.Sprintf("file:bench-%s?mode=memory&cache=shared", uuid.NewString()),
			CacheStatements: true,
		}),
		AcquireTimeout: opts.AcquireTimeout,
	})
	if err != nil {
		return nil, err
	}

	managerOpts := []dbpool.Option{
		dbpool.WithLogger(logger),
		dbpool.WithDefaultConnection(benchConnection),
	}
	if opts.LogQueries {
		managerOpts = append(managerOpts, dbpool.WithListener(dbpool.QueryLogger(logger)))
	}
	m := dbpool.NewManager(registry, managerOpts...)
	defer func() {
		if err := m.Close(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("close bench pools", zap.Error(err))
		}
	}()

	if err := seedBench(ctx, m); err != nil {
		return nil, fmt.Errorf("seed: %w", err)
	}

	workers := pool.NewWorkers(pool.WorkersConfig{
		MaxWorkers:  opts.Workers,
		QueueSize:   opts.Workers,
		IdleTimeout: time.Second,
	})

	latencies := make([]time.Duration, opts.Tasks)
	start := time.Now()
	errs := workers.Map(ctx, opts.Tasks, func(ctx context.Context, i int) error {
		began := time.Now()
		err := benchTask(ctx, m, i%len(benchSnakes)+1, opts.Hold)
		latencies[i] = time.Since(began)
		return err
	})
	elapsed := time.Since(start)
	workers.Close()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var failed int64
	for i, err := range errs {
		if err != nil {
			failed++
			logger.Warn("bench task failed", zap.Int("task", i), zap.Error(err))
		}
	}

	report := &BenchReport{
		Tasks:     opts.Tasks,
		Succeeded: int64(opts.Tasks) - failed,
		Failed:    failed,
		Elapsed:   elapsed,
		Workers:   workers.Stats(),
		Forced:    m.ForcedReleases(),
	}
	for _, s := range m.Stats() {
		if s.Name == benchConnection {
			report.Pool = s
		}
	}

	slices.Sort(latencies)
	if n := len(latencies); n > 0 {
		report.P50 = latencies[n/2]
		report.P99 = latencies[min(n-1, n*99/100)]
		report.Max = latencies[n-1]
	}
	return report, nil
}

func seedBench(ctx context.Context, m *dbpool.Manager) error {
	task := dbpool.NewTaskID()
	defer m.ForgetTask(ctx, task)

	h, err := m.ConnectionFor(task, "")
	if err != nil {
		return err
	}
	if err := h.Statement(ctx, "CREATE TABLE snakes (id INTEGER PRIMARY KEY, name TEXT NOT NULL)"); err != nil {
		return err
	}
	return h.Transaction(ctx, func(ctx context.Context, h *dbpool.Handle) error {
		for i, name := range benchSnakes {
			if err := h.Statement(ctx, "INSERT INTO snakes (id, name) VALUES (?, ?)", i+1, name); err != nil {
				return err
			}
		}
		return nil
	})
}

func benchTask(ctx context.Context, m *dbpool.Manager, id int, hold time.Duration) error {
	task := dbpool.NewTaskID()
	defer m.ForgetTask(ctx, task)

	h, err := m.ConnectionFor(task, "")
	if err != nil {
		return err
	}
	return h.Transaction(ctx, func(ctx context.Context, h *dbpool.Handle) error {
		row, err := h.SelectOne(ctx, "SELECT name FROM snakes WHERE id = ?", id)
		if err != nil {
			return err
		}
		if row == nil {
			return fmt.Errorf("snake %d not found", id)
		}
		if hold <= 0 {
			return nil
		}
		timer := time.NewTimer(hold)
		defer timer.Stop()
		select {
		case <-timer.C:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
}
