package database

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// =============================================================================
// 🔍 错误分类
// =============================================================================

// connectionErrorMarkers 连接类错误的文本特征（小写）
var connectionErrorMarkers = []string{
	"bad connection",
	"connection reset",
	"connection refused",
	"broken pipe",
	"connection is closed",
	"conn closed",
	"server closed the connection",
	"terminating connection",
	"use of closed network connection",
	"invalid connection",
}

// retryableErrorMarkers 可重试但连接本身仍可用的错误特征（小写）
var retryableErrorMarkers = []string{
	"deadlock",
	"serialization failure",
	"40001",
	"lock timeout",
	"lock wait timeout",
	"database is locked",
}

// IsConnectionError 判断错误是否表示底层会话已失效
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, sql.ErrConnDone) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}

	return containsAny(strings.ToLower(err.Error()), connectionErrorMarkers)
}

// IsRetryable 判断错误是否可重试（例如死锁、序列化失败、连接中断）
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	// context 取消不可重试
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	if IsConnectionError(err) {
		return true
	}

	return containsAny(strings.ToLower(err.Error()), retryableErrorMarkers)
}

func containsAny(s string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}

// =============================================================================
// 🔄 重试
// =============================================================================

// BaseBackoff 第一次重试前的等待时间，之后每次翻倍
var BaseBackoff = 100 * time.Millisecond

// Retry 执行 fn，遇到可重试错误时按指数退避重试，最多执行 attempts 次
func Retry(ctx context.Context, attempts int, logger *zap.Logger, fn func(ctx context.Context) error) error {
	if attempts < 1 {
		attempts = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if !IsRetryable(err) {
			return err
		}
		if i == attempts-1 {
			break
		}

		logger.Warn("operation failed, retrying",
			zap.Int("attempt", i+1),
			zap.Int("max_attempts", attempts),
			zap.Error(err),
		)

		backoff := time.Duration(1<<uint(i)) * BaseBackoff
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}

	return fmt.Errorf("operation failed after %d attempts: %w", attempts, lastErr)
}
