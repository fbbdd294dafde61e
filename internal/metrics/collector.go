package metrics

import (
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/BaSui01/connpool/dbpool"
)

// =============================================================================
// 📊 指标收集器
// =============================================================================

// Collector 持有 HTTP、语句与连接池指标。每个 Collector 有自己的
// registry，/metrics 通过 Handler 暴露。
type Collector struct {
	namespace string
	registry  *prometheus.Registry
	slowQuery time.Duration

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	httpRequestSize     *prometheus.HistogramVec
	httpResponseSize    *prometheus.HistogramVec

	dbQueryDuration *prometheus.HistogramVec
	dbQueryErrors   *prometheus.CounterVec
	dbSlowQueries   *prometheus.CounterVec

	logger *zap.Logger
}

// CollectorOption 配置 Collector
type CollectorOption func(*Collector)

// WithRegistry 把指标注册到 reg，而不是新建 registry
func WithRegistry(reg *prometheus.Registry) CollectorOption {
	return func(c *Collector) { c.registry = reg }
}

// WithSlowQueryThreshold 超过 d 的语句计入 db_slow_queries_total 并记 warn 日志，0 关闭
func WithSlowQueryThreshold(d time.Duration) CollectorOption {
	return func(c *Collector) { c.slowQuery = d }
}

// NewCollector 创建指标收集器。未指定 registry 时新建一个，并带上
// Go 运行时与进程指标。
func NewCollector(namespace string, logger *zap.Logger, opts ...CollectorOption) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Collector{
		namespace: namespace,
		logger:    logger.With(zap.String("component", "metrics")),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.registry == nil {
		c.registry = prometheus.NewRegistry()
		c.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	factory := promauto.With(c.registry)

	c.httpRequestsTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "Total number of HTTP requests",
	}, []string{"method", "path", "status"})

	c.httpRequestDuration = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request duration in seconds",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "path"})

	sizeBuckets := prometheus.ExponentialBuckets(64, 4, 8)
	c.httpRequestSize = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_size_bytes",
		Help:      "HTTP request size in bytes",
		Buckets:   sizeBuckets,
	}, []string{"method", "path"})

	c.httpResponseSize = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_response_size_bytes",
		Help:      "HTTP response size in bytes",
		Buckets:   sizeBuckets,
	}, []string{"method", "path"})

	c.dbQueryDuration = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "db_query_duration_seconds",
		Help:      "Database statement duration in seconds",
		Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	}, []string{"database", "operation"})

	c.dbQueryErrors = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "db_query_errors_total",
		Help:      "Total number of failed database statements",
	}, []string{"database", "operation"})

	c.dbSlowQueries = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "db_slow_queries_total",
		Help:      "Statements slower than the configured threshold",
	}, []string{"database", "operation"})

	c.logger.Info("metrics collector initialized",
		zap.String("namespace", namespace),
		zap.Duration("slow_query_threshold", c.slowQuery),
	)
	return c
}

// Registry 返回指标所在的 registry
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler 返回暴露本 Collector 指标的 HTTP handler
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		Registry:          c.registry,
		EnableOpenMetrics: true,
	})
}

// =============================================================================
// 🎯 HTTP 指标记录
// =============================================================================

// RecordHTTPRequest 记录 HTTP 请求
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration, requestSize, responseSize int64) {
	c.httpRequestsTotal.WithLabelValues(method, path, statusCode(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	c.httpRequestSize.WithLabelValues(method, path).Observe(float64(requestSize))
	c.httpResponseSize.WithLabelValues(method, path).Observe(float64(responseSize))
}

// =============================================================================
// 🗄️ 语句指标
// =============================================================================

// QueryListener 返回可注册到 dbpool.Manager 的语句监听器
func (c *Collector) QueryListener() dbpool.Listener {
	return c.observeQuery
}

func (c *Collector) observeQuery(e dbpool.QueryExecuted) {
	op := operation(e.Query)
	c.dbQueryDuration.WithLabelValues(e.Pool, op).Observe(e.Duration.Seconds())
	if e.Err != nil {
		c.dbQueryErrors.WithLabelValues(e.Pool, op).Inc()
	}
	if c.slowQuery > 0 && e.Duration >= c.slowQuery {
		c.dbSlowQueries.WithLabelValues(e.Pool, op).Inc()
		c.logger.Warn("slow query",
			zap.String("database", e.Pool),
			zap.String("task", string(e.Task)),
			zap.Int64("conn_id", e.ConnID),
			zap.String("sql", e.Query),
			zap.Duration("duration", e.Duration),
		)
	}
}

// WatchPools 注册连接池采集器，每次抓取时读取 source 的快照
func (c *Collector) WatchPools(source PoolSource) error {
	return c.registry.Register(newPoolCollector(c.namespace, source))
}

// =============================================================================
// 🔧 辅助函数
// =============================================================================

func statusCode(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}

// operation 取语句的第一个关键字作为 label
func operation(query string) string {
	fields := strings.Fields(query)
	if len(fields) == 0 {
		return "unknown"
	}
	switch op := strings.ToUpper(fields[0]); op {
	case "SELECT", "INSERT", "UPDATE", "DELETE", "WITH", "CREATE", "DROP", "ALTER":
		return op
	default:
		return "other"
	}
}
