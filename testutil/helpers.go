// =============================================================================
// 🧪 连接池测试辅助
// =============================================================================
// 等待、阻塞断言与上下文辅助。连接池的大部分行为要靠"某个调用仍在
// 等连接"来验证，这里把这类断言集中起来。
//
// 使用方法:
//
//	ctx := testutil.TestContext(t)
//	done := testutil.Async(func() error { return h.Statement(ctx, q) })
//	testutil.Blocked(t, done, 50*time.Millisecond)
//
// =============================================================================
package testutil

import (
	"context"
	"testing"
	"time"
)

// DefaultTimeout 测试上下文的默认超时
const DefaultTimeout = 30 * time.Second

// TestContext 返回带 DefaultTimeout 的上下文，测试结束时取消
func TestContext(t testing.TB) context.Context {
	return TestContextWithTimeout(t, DefaultTimeout)
}

// TestContextWithTimeout 返回带自定义超时的上下文，测试结束时取消
func TestContextWithTimeout(t testing.TB, timeout time.Duration) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	t.Cleanup(cancel)
	return ctx
}

// Async 在新 goroutine 中运行 fn，结果写入容量为 1 的通道
func Async(fn func() error) <-chan error {
	done := make(chan error, 1)
	go func() { done <- fn() }()
	return done
}

// WaitForChannel 等待通道接收或超时
func WaitForChannel[T any](ch <-chan T, timeout time.Duration) (T, bool) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case v := <-ch:
		return v, true
	case <-timer.C:
		var zero T
		return zero, false
	}
}

// Blocked 断言 ch 在 wait 时间内没有收到值（调用方仍被阻塞）
func Blocked[T any](t testing.TB, ch <-chan T, wait time.Duration) {
	t.Helper()

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case v := <-ch:
		t.Fatalf("expected to stay blocked, got %v", v)
	case <-timer.C:
	}
}

// Eventually 轮询 cond 直到为真或超时，超时则测试失败
func Eventually(t testing.TB, cond func() bool, timeout time.Duration) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met within %v", timeout)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
