package database

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestIsConnectionError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"bad conn", driver.ErrBadConn, true},
		{"wrapped bad conn", fmt.Errorf("exec: %w", driver.ErrBadConn), true},
		{"eof", io.EOF, true},
		{"reset text", errors.New("read tcp: connection reset by peer"), true},
		{"broken pipe text", errors.New("write: Broken Pipe"), true},
		{"syntax error", errors.New(`syntax error at or near "SELEC"`), false},
		{"deadlock", errors.New("deadlock detected"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsConnectionError(tt.err))
		})
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"deadlock", errors.New("ERROR: deadlock detected (SQLSTATE 40P01)"), true},
		{"serialization", errors.New("could not serialize access (SQLSTATE 40001)"), true},
		{"lock wait", errors.New("Error 1205: Lock wait timeout exceeded"), true},
		{"sqlite busy", errors.New("database is locked (5) (SQLITE_BUSY)"), true},
		{"connection", driver.ErrBadConn, true},
		{"canceled", context.Canceled, false},
		{"constraint", errors.New("UNIQUE constraint failed: snakes.name"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}

func TestRetry(t *testing.T) {
	orig := BaseBackoff
	BaseBackoff = time.Millisecond
	t.Cleanup(func() { BaseBackoff = orig })

	ctx := context.Background()

	t.Run("succeeds after retryable failures", func(t *testing.T) {
		calls := 0
		err := Retry(ctx, 3, zap.NewNop(), func(ctx context.Context) error {
			calls++
			if calls < 3 {
				return errors.New("deadlock detected")
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("stops on non-retryable error", func(t *testing.T) {
		calls := 0
		boom := errors.New("constraint violation")
		err := Retry(ctx, 5, nil, func(ctx context.Context) error {
			calls++
			return boom
		})
		assert.ErrorIs(t, err, boom)
		assert.Equal(t, 1, calls)
	})

	t.Run("gives up after attempts", func(t *testing.T) {
		calls := 0
		err := Retry(ctx, 2, nil, func(ctx context.Context) error {
			calls++
			return driver.ErrBadConn
		})
		assert.ErrorIs(t, err, driver.ErrBadConn)
		assert.Contains(t, err.Error(), "after 2 attempts")
		assert.Equal(t, 2, calls)
	})

	t.Run("honours cancellation", func(t *testing.T) {
		BaseBackoff = time.Hour
		defer func() { BaseBackoff = time.Millisecond }()

		cctx, cancel := context.WithCancel(ctx)
		err := Retry(cctx, 3, nil, func(ctx context.Context) error {
			cancel()
			return errors.New("deadlock detected")
		})
		assert.ErrorIs(t, err, context.Canceled)
	})
}
