package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/BaSui01/connpool/config"
	"github.com/BaSui01/connpool/dbpool"
)

func sqliteConnection(t *testing.T, name string, poolSize int) config.ConnectionConfig {
	t.Helper()
	cc := config.DefaultConnectionConfig()
	cc.DSN = fmt.Sprintf("file:%s_%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"), name)
	cc.PoolSize = poolSize
	cc.AcquireTimeout = 5 * time.Second
	return cc
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Server.HTTPPort = 0
	cfg.Server.ShutdownTimeout = 5 * time.Second
	cfg.Metrics.Enabled = false
	cfg.Connections = map[string]config.ConnectionConfig{
		config.DefaultConnectionName: sqliteConnection(t, "default", 2),
	}
	return cfg
}

func newTestServer(t *testing.T, cfg *config.Config) *Server {
	t.Helper()
	s, err := NewServer(cfg, zaptest.NewLogger(t), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Shutdown(context.Background()) })
	return s
}

func do(t *testing.T, h http.Handler, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, target, &buf))
	return rec
}

func TestNewServer_IsLazy(t *testing.T) {
	s := newTestServer(t, testConfig(t))

	assert.True(t, s.registry.Configured("default"))
	_, ok := s.registry.Lookup("default")
	assert.False(t, ok, "no pool before first use")
	assert.Empty(t, s.Manager().Stats())
}

func TestServer_Health(t *testing.T) {
	s := newTestServer(t, testConfig(t))

	rec := do(t, s.Handler(), http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp healthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, map[string]string{"default": "ok"}, resp.Connections)
	assert.NotEmpty(t, rec.Header().Get(RequestIDHeader))

	rec = do(t, s.Handler(), http.MethodGet, "/health?connection=missing", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestServer_Pools(t *testing.T) {
	s := newTestServer(t, testConfig(t))
	require.NoError(t, s.Manager().Ping(context.Background(), "default"))

	rec := do(t, s.Handler(), http.MethodGet, "/pools", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp poolsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Pools, 1)
	assert.Equal(t, "default", resp.Pools[0].Name)
	assert.Equal(t, 2, resp.Pools[0].Capacity)
	assert.Equal(t, 2, resp.Pools[0].Idle)
	assert.Equal(t, []string{"default"}, resp.Configured)
}

func TestServer_Snakes(t *testing.T) {
	s := newTestServer(t, testConfig(t))
	h := s.Handler()

	rec := do(t, h, http.MethodPost, "/snakes", map[string]string{"name": "Cobra"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get(dbpool.TaskHeader))

	var created Snake
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, "Cobra", created.Name)
	assert.NotZero(t, created.ID)

	rec = do(t, h, http.MethodPost, "/snakes", map[string]string{"name": "Mamba"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = do(t, h, http.MethodGet, "/snakes", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var snakes []Snake
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snakes))
	require.Len(t, snakes, 2)
	assert.Equal(t, "Cobra", snakes[0].Name)
	assert.Equal(t, "Mamba", snakes[1].Name)

	// 请求结束后任务的连接全部归还
	assert.Zero(t, s.Manager().Tasks("default"))
	assert.Equal(t, 2, s.Manager().IdleCount("default"))
}

func TestServer_SnakesValidation(t *testing.T) {
	s := newTestServer(t, testConfig(t))

	rec := do(t, s.Handler(), http.MethodPost, "/snakes", map[string]string{"name": ""})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/snakes", strings.NewReader("{")))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, s.Handler(), http.MethodGet, "/snakes?connection=missing", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = do(t, s.Handler(), http.MethodDelete, "/snakes", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestServer_SnakesOnRedisConnection(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig(t)
	cfg.Connections["cache"] = config.ConnectionConfig{
		Driver:   "redis",
		DSN:      "redis://" + mr.Addr() + "/0",
		PoolSize: 1,
	}
	s := newTestServer(t, cfg)

	rec := do(t, s.Handler(), http.MethodGet, "/snakes?connection=cache", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, s.Handler(), http.MethodGet, "/health?connection=cache", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_ApplyConnections(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	s := newTestServer(t, cfg)
	require.NoError(t, s.Manager().Ping(ctx, "default"))

	next := testConfig(t)
	next.Connections["default"] = sqliteConnection(t, "default", 3)
	next.Connections["reports"] = sqliteConnection(t, "reports", 1)

	change := config.DiffConnections(cfg, next)
	assert.Equal(t, []string{"reports"}, change.Added)
	assert.Equal(t, []string{"default"}, change.Changed)
	require.NoError(t, s.applyConnections(ctx, next, change))

	assert.True(t, s.registry.Configured("reports"))
	_, ok := s.registry.Lookup("default")
	assert.False(t, ok, "changed pool is closed")

	require.NoError(t, s.Manager().Ping(ctx, "default"))
	assert.Equal(t, 3, s.Manager().Size("default"))

	// 删除
	last := testConfig(t)
	last.Connections["default"] = next.Connections["default"]
	change = config.DiffConnections(next, last)
	assert.Equal(t, []string{"reports"}, change.Removed)
	require.NoError(t, s.applyConnections(ctx, last, change))

	assert.False(t, s.registry.Configured("reports"))
	assert.ErrorIs(t, s.Manager().Ping(ctx, "reports"), dbpool.ErrPoolUnavailable)
}

func TestServer_ApplyConnectionsKeepsOldOnError(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	s := newTestServer(t, cfg)
	require.NoError(t, s.Manager().Ping(ctx, "default"))

	next := testConfig(t)
	next.Connections["default"] = sqliteConnection(t, "default", 4)
	next.Connections["broken"] = config.ConnectionConfig{Driver: "oracle", DSN: "x", PoolSize: 1}

	err := s.applyConnections(ctx, next, config.ConnectionChange{
		Added:   []string{"broken"},
		Changed: []string{"default"},
	})
	require.Error(t, err)

	_, ok := s.registry.Lookup("default")
	assert.True(t, ok, "existing pool untouched")
	assert.Equal(t, 2, s.Manager().Size("default"))
	assert.False(t, s.registry.Configured("broken"))
}

func TestServer_Metrics(t *testing.T) {
	cfg := testConfig(t)
	cfg.Metrics.Enabled = true
	s := newTestServer(t, cfg)

	rec := do(t, s.Handler(), http.MethodPost, "/snakes", map[string]string{"name": "Krait"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = do(t, s.Handler(), http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `connpool_pool_capacity_connections{database="default"} 2`)
	assert.Contains(t, body, `connpool_http_requests_total{method="POST",path="/snakes",status="2xx"} 1`)
	assert.Contains(t, body, "connpool_db_query_duration_seconds")
}

func TestServer_StartAndShutdown(t *testing.T) {
	s, err := NewServer(testConfig(t), zaptest.NewLogger(t), nil)
	require.NoError(t, err)
	require.NoError(t, s.Start())

	_, port, err := net.SplitHostPort(s.Addr())
	require.NoError(t, err)

	resp, err := http.Get("http://127.0.0.1:" + port + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	_, ok := s.registry.Lookup("default")
	require.True(t, ok)

	require.NoError(t, s.Shutdown(context.Background()))
	_, ok = s.registry.Lookup("default")
	assert.False(t, ok, "pools closed by shutdown hook")
}
