package dbpool

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/BaSui01/connpool/testutil/fakedb"
)

func newTestPool(t *testing.T, capacity int) (*Pool, *fakedb.Server) {
	t.Helper()
	server := fakedb.NewServer()
	p, err := NewPool(context.Background(), "default", PoolConfig{
		Capacity: capacity,
		Factory:  server.Factory(),
	}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	return p, server
}

func newTestManager(t *testing.T, capacity int, opts ...Option) (*Manager, *fakedb.Server) {
	t.Helper()
	server := fakedb.NewServer()
	registry := NewRegistry(zap.NewNop())
	require.NoError(t, registry.Configure("default", PoolConfig{
		Capacity: capacity,
		Factory:  server.Factory(),
	}))

	opts = append([]Option{WithLogger(zaptest.NewLogger(t))}, opts...)
	m := NewManager(registry, opts...)
	t.Cleanup(func() { m.Close(context.Background()) })
	return m, server
}

func mustHandle(t *testing.T, m *Manager, task TaskID) *Handle {
	t.Helper()
	h, err := m.ConnectionFor(task, "default")
	require.NoError(t, err)
	return h
}

func names(t *testing.T, rows []Row) []string {
	t.Helper()
	out := make([]string, 0, len(rows))
	for _, r := range rows {
		out = append(out, r["name"].(string))
	}
	return out
}
