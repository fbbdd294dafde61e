// Package pool 提供行扫描缓冲的对象池，以及并发跑大量任务的有界 worker 池。
package pool

import (
	"sync"
	"sync/atomic"
)

// Pool is a generic object pool.
type Pool[T any] struct {
	pool  sync.Pool
	reset func(*T)

	gets atomic.Int64
	puts atomic.Int64
	news atomic.Int64
}

// NewPool creates a new object pool.
func NewPool[T any](newFunc func() T, resetFunc func(*T)) *Pool[T] {
	p := &Pool[T]{reset: resetFunc}
	p.pool.New = func() any {
		p.news.Add(1)
		return newFunc()
	}
	return p
}

// Get retrieves an object from the pool.
func (p *Pool[T]) Get() T {
	p.gets.Add(1)
	return p.pool.Get().(T)
}

// Put returns an object to the pool.
func (p *Pool[T]) Put(obj T) {
	p.puts.Add(1)
	if p.reset != nil {
		p.reset(&obj)
	}
	p.pool.Put(obj)
}

// Stats returns pool statistics.
func (p *Pool[T]) Stats() PoolStats {
	return PoolStats{
		Gets: p.gets.Load(),
		Puts: p.puts.Load(),
		News: p.news.Load(),
	}
}

// PoolStats contains pool statistics.
type PoolStats struct {
	Gets int64 `json:"gets"`
	Puts int64 `json:"puts"`
	News int64 `json:"news"`
}

// HitRate returns the share of Get calls served without allocating.
func (s PoolStats) HitRate() float64 {
	if s.Gets == 0 {
		return 0
	}
	return float64(s.Gets-s.News) / float64(s.Gets)
}

// ScanBuffers holds the destination slices used to scan one row.
type ScanBuffers struct {
	Values []any
	Ptrs   []any
}

// ScanBufferPool pools the buffers used for scanning rows into maps.
var ScanBufferPool = NewPool(
	func() *ScanBuffers {
		return &ScanBuffers{Values: make([]any, 0, 16), Ptrs: make([]any, 0, 16)}
	},
	func(b **ScanBuffers) {
		clear((*b).Values)
		clear((*b).Ptrs)
		(*b).Values = (*b).Values[:0]
		(*b).Ptrs = (*b).Ptrs[:0]
	},
)

// Prepare sizes the buffers for n columns and points every Ptrs entry at the
// matching Values entry.
func (b *ScanBuffers) Prepare(n int) {
	if cap(b.Values) < n {
		b.Values = make([]any, n)
		b.Ptrs = make([]any, n)
	}
	b.Values = b.Values[:n]
	b.Ptrs = b.Ptrs[:n]
	for i := range b.Values {
		b.Values[i] = nil
		b.Ptrs[i] = &b.Values[i]
	}
}
