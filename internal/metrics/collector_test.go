package metrics

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/BaSui01/connpool/dbpool"
	"github.com/BaSui01/connpool/testutil/fakedb"
)

// =============================================================================
// 🧪 Collector 测试
// =============================================================================

func TestNewCollector_OwnRegistry(t *testing.T) {
	a := NewCollector("test", zaptest.NewLogger(t))
	b := NewCollector("test", zaptest.NewLogger(t))
	assert.NotSame(t, a.Registry(), b.Registry(), "same namespace twice must not collide")

	a.RecordHTTPRequest("GET", "/pools", 200, time.Millisecond, 0, 64)
	count, err := testutil.GatherAndCount(a.Registry(), "test_http_requests_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	count, err = testutil.GatherAndCount(b.Registry(), "test_http_requests_total")
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestNewCollector_WithRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector("shared", nil, WithRegistry(reg))
	assert.Same(t, reg, c.Registry())

	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		assert.True(t, strings.HasPrefix(mf.GetName(), "shared_"), mf.GetName())
	}
}

func TestCollector_Handler(t *testing.T) {
	c := NewCollector("scrape", zaptest.NewLogger(t))
	c.RecordHTTPRequest("POST", "/snakes", 201, time.Millisecond, 16, 32)

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `scrape_http_requests_total{method="POST",path="/snakes",status="2xx"} 1`)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestCollector_SlowQueries(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	c := NewCollector("slow", zap.New(core), WithSlowQueryThreshold(10*time.Millisecond))
	listener := c.QueryListener()

	listener(dbpool.QueryExecuted{Pool: "default", Task: "t1", Query: "SELECT 1", Duration: time.Millisecond})
	listener(dbpool.QueryExecuted{Pool: "default", Task: "t1", Query: "SELECT pg_sleep(1)", Duration: 20 * time.Millisecond})

	assert.Equal(t, float64(1), testutil.ToFloat64(c.dbSlowQueries.WithLabelValues("default", "SELECT")))
	entries := logs.FilterMessage("slow query").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "t1", entries[0].ContextMap()["task"])
}

func TestCollector_RecordHTTPRequest(t *testing.T) {
	collector := NewCollector("test", zaptest.NewLogger(t))

	collector.RecordHTTPRequest("GET", "/snakes", 200, 100*time.Millisecond, 1024, 2048)
	collector.RecordHTTPRequest("GET", "/snakes", 201, 50*time.Millisecond, 512, 1024)

	assert.Equal(t, float64(2), testutil.ToFloat64(collector.httpRequestsTotal.WithLabelValues("GET", "/snakes", "2xx")))
}

func TestCollector_QueryListener(t *testing.T) {
	collector := NewCollector("test", zaptest.NewLogger(t))
	listener := collector.QueryListener()

	listener(dbpool.QueryExecuted{Pool: "default", Query: "insert into snakes(name) values (?)", Duration: time.Millisecond})
	listener(dbpool.QueryExecuted{Pool: "default", Query: "SELECT name FROM snakes", Duration: time.Millisecond, Err: errors.New("boom")})

	assert.Equal(t, 2, testutil.CollectAndCount(collector.dbQueryDuration))
	assert.Equal(t, float64(1), testutil.ToFloat64(collector.dbQueryErrors.WithLabelValues("default", "SELECT")))
}

func TestOperation(t *testing.T) {
	tests := map[string]string{
		"select 1":                    "SELECT",
		"  INSERT INTO snakes VALUES": "INSERT",
		"SAVEPOINT trans2":            "other",
		"":                            "unknown",
	}
	for query, want := range tests {
		assert.Equal(t, want, operation(query), query)
	}
}

func TestStatusCode(t *testing.T) {
	assert.Equal(t, "2xx", statusCode(204))
	assert.Equal(t, "3xx", statusCode(302))
	assert.Equal(t, "4xx", statusCode(404))
	assert.Equal(t, "5xx", statusCode(503))
	assert.Equal(t, "unknown", statusCode(100))
}

func TestCollector_ConcurrentRecording(t *testing.T) {
	collector := NewCollector("test", zaptest.NewLogger(t))
	listener := collector.QueryListener()

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			collector.RecordHTTPRequest("GET", "/pools", 200, time.Millisecond, 0, 128)
			listener(dbpool.QueryExecuted{Pool: "default", Query: "SELECT 1"})
		}()
	}
	wg.Wait()

	assert.Equal(t, float64(10), testutil.ToFloat64(collector.httpRequestsTotal.WithLabelValues("GET", "/pools", "2xx")))
}

// =============================================================================
// 🏊 连接池采集器测试
// =============================================================================

type staticSource struct {
	stats  []dbpool.Stats
	forced int64
}

func (s staticSource) Stats() []dbpool.Stats { return s.stats }
func (s staticSource) ForcedReleases() int64 { return s.forced }

func TestPoolCollector_Collect(t *testing.T) {
	source := staticSource{
		stats: []dbpool.Stats{
			{Name: "default", Capacity: 4, Idle: 3, InUse: 1, Acquired: 10, Reconnects: 2},
		},
		forced: 5,
	}
	pc := newPoolCollector("ns", source)

	expected := `
# HELP ns_pool_idle_connections Connections waiting in the pool
# TYPE ns_pool_idle_connections gauge
ns_pool_idle_connections{database="default"} 3
# HELP ns_pool_in_use_connections Connections checked out by tasks
# TYPE ns_pool_in_use_connections gauge
ns_pool_in_use_connections{database="default"} 1
# HELP ns_pool_reconnects_total Total number of dead connections replaced
# TYPE ns_pool_reconnects_total counter
ns_pool_reconnects_total{database="default"} 2
# HELP ns_pool_forced_releases_total Total number of connections taken back from finished tasks
# TYPE ns_pool_forced_releases_total counter
ns_pool_forced_releases_total 5
`
	err := testutil.CollectAndCompare(pc, strings.NewReader(expected),
		"ns_pool_idle_connections",
		"ns_pool_in_use_connections",
		"ns_pool_reconnects_total",
		"ns_pool_forced_releases_total",
	)
	require.NoError(t, err)
	assert.Equal(t, 10, testutil.CollectAndCount(pc))
}

func TestCollector_WatchPoolsWithManager(t *testing.T) {
	server := fakedb.NewServer()
	registry := dbpool.NewRegistry(nil)
	require.NoError(t, registry.Configure("default", dbpool.PoolConfig{Capacity: 2, Factory: server.Factory()}))
	manager := dbpool.NewManager(registry)
	defer manager.Close(context.Background())

	collector := NewCollector("test", zaptest.NewLogger(t))
	require.NoError(t, collector.WatchPools(manager))
	manager.Listen(collector.QueryListener())

	h, err := manager.ConnectionFor(dbpool.NewTaskID(), "default")
	require.NoError(t, err)
	require.NoError(t, h.Statement(context.Background(), "SELECT 1"))

	pc := newPoolCollector("check", manager)
	assert.Equal(t, 10, testutil.CollectAndCount(pc))
	assert.Equal(t, 1, testutil.CollectAndCount(collector.dbQueryDuration))
}
