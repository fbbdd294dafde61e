package dbpool

import (
	"net/http"

	"go.uber.org/zap"
)

// TaskHeader carries the task id assigned to a request back to the client.
const TaskHeader = "X-Task-ID"

// Middleware assigns a fresh task to every request, stores it in the request
// context and releases every connection the task took once the handler
// returns, including when it panics.
func Middleware(m *Manager) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			task := NewTaskID()
			ctx := WithTask(r.Context(), task)
			w.Header().Set(TaskHeader, string(task))

			defer func() {
				if err := m.ForgetTask(ctx, task); err != nil {
					m.logger.Warn("release task connections",
						zap.String("task", string(task)),
						zap.String("path", r.URL.Path),
						zap.Error(err),
					)
				}
			}()

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
