package dbpool

import (
	"context"

	"github.com/google/uuid"

	"github.com/BaSui01/connpool/internal/ctxkeys"
)

// TaskID identifies one unit of work (a request, a job) that owns handles.
// It is only used as a cache key.
type TaskID string

// NewTaskID returns a fresh random task identifier.
func NewTaskID() TaskID {
	return TaskID(uuid.NewString())
}

// WithTask returns a copy of ctx carrying task.
func WithTask(ctx context.Context, task TaskID) context.Context {
	return ctxkeys.WithTaskID(ctx, string(task))
}

// TaskFromContext returns the task carried by ctx.
func TaskFromContext(ctx context.Context) (TaskID, bool) {
	v, ok := ctxkeys.TaskID(ctx)
	return TaskID(v), ok
}
