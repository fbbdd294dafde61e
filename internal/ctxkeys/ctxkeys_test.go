package ctxkeys

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestContextValues(t *testing.T) {
	tests := []struct {
		name string
		with func(context.Context, string) context.Context
		get  func(context.Context) (string, bool)
	}{
		{"trace", WithTraceID, TraceID},
		{"request", WithRequestID, RequestID},
		{"task", WithTaskID, TaskID},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, ok := tt.get(context.Background())
			assert.False(t, ok)

			_, ok = tt.get(tt.with(context.Background(), ""))
			assert.False(t, ok, "empty values are treated as missing")

			v, ok := tt.get(tt.with(context.Background(), "abc"))
			assert.True(t, ok)
			assert.Equal(t, "abc", v)
		})
	}
}

func TestKeysDoNotCollide(t *testing.T) {
	ctx := WithTaskID(context.Background(), "task-1")
	ctx = WithRequestID(ctx, "req-1")

	task, _ := TaskID(ctx)
	req, _ := RequestID(ctx)
	assert.Equal(t, "task-1", task)
	assert.Equal(t, "req-1", req)
}
