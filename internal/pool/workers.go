package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

var (
	ErrWorkersClosed = errors.New("worker pool is closed")
	ErrQueueFull     = errors.New("worker queue is full")
)

// Job 一个工作单元。bench 中每个 Job 对应 dbpool 的一个任务。
type Job func(ctx context.Context) error

// WorkersConfig worker 池配置
type WorkersConfig struct {
	MaxWorkers   int           `json:"max_workers"`
	QueueSize    int           `json:"queue_size"`
	IdleTimeout  time.Duration `json:"idle_timeout"`
	PanicHandler func(any)     `json:"-"`
}

// DefaultWorkersConfig 返回默认配置
func DefaultWorkersConfig() WorkersConfig {
	return WorkersConfig{
		MaxWorkers:  32,
		QueueSize:   32,
		IdleTimeout: time.Second,
	}
}

// Workers 在至多 MaxWorkers 个 goroutine 上执行 Job。
// worker 按需启动，空闲 IdleTimeout 后退出（至少保留一个直到 Close）。
type Workers struct {
	cfg   WorkersConfig
	queue chan queued

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup

	running atomic.Int32
	busy    atomic.Int32

	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	rejected  atomic.Int64
	panics    atomic.Int64
}

type queued struct {
	ctx  context.Context
	job  Job
	done chan error
}

// NewWorkers 创建 worker 池
func NewWorkers(cfg WorkersConfig) *Workers {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 1
	}
	if cfg.QueueSize < 0 {
		cfg.QueueSize = 0
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = time.Minute
	}
	return &Workers{cfg: cfg, queue: make(chan queued, cfg.QueueSize)}
}

// Go 排队执行 job 但不等待结果。队列满且无法再启动 worker 时返回 ErrQueueFull。
func (w *Workers) Go(ctx context.Context, job Job) error {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return ErrWorkersClosed
	}
	w.submitted.Add(1)

	q := queued{ctx: ctx, job: job}
	w.grow()
	select {
	case w.queue <- q:
		return nil
	default:
	}
	if w.spawn() {
		select {
		case w.queue <- q:
			return nil
		default:
		}
	}
	w.rejected.Add(1)
	return ErrQueueFull
}

// Do 排队执行 job 并等待其结果。排队期间 ctx 结束则放弃该 job。
func (w *Workers) Do(ctx context.Context, job Job) error {
	w.mu.RLock()
	if w.closed {
		w.mu.RUnlock()
		return ErrWorkersClosed
	}
	w.submitted.Add(1)

	q := queued{ctx: ctx, job: job, done: make(chan error, 1)}
	w.grow()
	select {
	case w.queue <- q:
		w.mu.RUnlock()
	case <-ctx.Done():
		w.mu.RUnlock()
		w.rejected.Add(1)
		return ctx.Err()
	}

	select {
	case err := <-q.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Map 以 n 个 Job 的形式运行 fn(ctx, 0..n-1)，等待全部结束。
// 返回的切片按下标保存每个 Job 的错误。
func (w *Workers) Map(ctx context.Context, n int, fn func(ctx context.Context, i int) error) []error {
	errs := make([]error, n)
	var g errgroup.Group
	g.SetLimit(w.cfg.MaxWorkers + w.cfg.QueueSize)
	for i := range n {
		g.Go(func() error {
			errs[i] = w.Do(ctx, func(ctx context.Context) error { return fn(ctx, i) })
			return nil
		})
	}
	_ = g.Wait()
	return errs
}

// grow 在所有 worker 都在忙时再启动一个
func (w *Workers) grow() {
	if n := w.running.Load(); n == 0 || n <= w.busy.Load() {
		w.spawn()
	}
}

func (w *Workers) spawn() bool {
	for {
		n := w.running.Load()
		if n >= int32(w.cfg.MaxWorkers) {
			return false
		}
		if w.running.CompareAndSwap(n, n+1) {
			w.wg.Add(1)
			go w.loop()
			return true
		}
	}
}

func (w *Workers) loop() {
	defer w.wg.Done()

	idle := time.NewTimer(w.cfg.IdleTimeout)
	defer idle.Stop()

	for {
		select {
		case q, ok := <-w.queue:
			if !ok {
				w.running.Add(-1)
				return
			}
			w.busy.Add(1)
			err := w.run(q)
			w.busy.Add(-1)

			if err != nil {
				w.failed.Add(1)
			} else {
				w.completed.Add(1)
			}
			if q.done != nil {
				q.done <- err
			}
			idle.Reset(w.cfg.IdleTimeout)

		case <-idle.C:
			if n := w.running.Load(); n > 1 && w.running.CompareAndSwap(n, n-1) {
				return
			}
			idle.Reset(w.cfg.IdleTimeout)
		}
	}
}

func (w *Workers) run(q queued) (err error) {
	defer func() {
		if r := recover(); r != nil {
			w.panics.Add(1)
			if w.cfg.PanicHandler != nil {
				w.cfg.PanicHandler(r)
			}
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	if err := q.ctx.Err(); err != nil {
		return err
	}
	return q.job(q.ctx)
}

// Close 停止接收新 Job，等待队列排空、worker 退出。可重复调用。
func (w *Workers) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	close(w.queue)
	w.mu.Unlock()

	w.wg.Wait()
}

// Stats 返回运行统计
func (w *Workers) Stats() WorkersStats {
	return WorkersStats{
		Running:   int(w.running.Load()),
		Busy:      int(w.busy.Load()),
		Queued:    len(w.queue),
		Submitted: w.submitted.Load(),
		Completed: w.completed.Load(),
		Failed:    w.failed.Load(),
		Rejected:  w.rejected.Load(),
		Panics:    w.panics.Load(),
	}
}

// WorkersStats worker 池统计
type WorkersStats struct {
	Running   int   `json:"running"`
	Busy      int   `json:"busy"`
	Queued    int   `json:"queued"`
	Submitted int64 `json:"submitted"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Rejected  int64 `json:"rejected"`
	Panics    int64 `json:"panics"`
}
