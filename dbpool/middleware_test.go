package dbpool

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMiddleware_ReleasesConnectionsWhenRequestEnds(t *testing.T) {
	m, server := newTestManager(t, 1)

	var seen TaskID
	handler := Middleware(m)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		task, ok := TaskFromContext(r.Context())
		require.True(t, ok)
		seen = task

		h, err := m.Connection(r.Context(), "default")
		require.NoError(t, err)
		require.NoError(t, h.Begin(r.Context()))
		_, err = h.Exec(r.Context(), insertSnake, "viper")
		require.NoError(t, err)
		w.WriteHeader(http.StatusCreated)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/snakes", nil))

	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, string(seen), rec.Header().Get(TaskHeader))
	assert.Equal(t, 1, m.IdleCount("default"))
	assert.Equal(t, 0, m.Tasks("default"))
	assert.Empty(t, server.Names(), "the open transaction is rolled back")
}

func TestMiddleware_ReleasesOnPanic(t *testing.T) {
	m, _ := newTestManager(t, 1)

	handler := Middleware(m)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h, err := m.Connection(r.Context(), "")
		require.NoError(t, err)
		require.NoError(t, h.Begin(r.Context()))
		panic("snake bite")
	}))

	assert.Panics(t, func() {
		handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	})
	assert.Equal(t, 1, m.IdleCount("default"))
}

func TestMiddleware_DistinctTasksPerRequest(t *testing.T) {
	m, _ := newTestManager(t, 1)

	var tasks []TaskID
	handler := Middleware(m)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		task, _ := TaskFromContext(r.Context())
		tasks = append(tasks, task)
	}))

	for i := 0; i < 2; i++ {
		handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	}
	require.Len(t, tasks, 2)
	assert.NotEqual(t, tasks[0], tasks[1])
}
