package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/BaSui01/connpool/config"
	"github.com/BaSui01/connpool/dbpool"
	"github.com/BaSui01/connpool/internal/connector"
	"github.com/BaSui01/connpool/internal/metrics"
	"github.com/BaSui01/connpool/internal/server"
	"github.com/BaSui01/connpool/internal/telemetry"
	"github.com/BaSui01/connpool/orm"
)

// =============================================================================
// 🖥️ Server 结构
// =============================================================================

// Server 是 connpool 的演示服务器
type Server struct {
	cfg       *config.Config
	logger    *zap.Logger
	providers *telemetry.Providers

	// 连接池
	registry  *dbpool.Registry
	connector *connector.Connector
	manager   *dbpool.Manager
	bridge    *orm.Bridge

	// 指标
	collector  *metrics.Collector
	poolGauges metric.Registration

	// 配置热更新
	reloader *config.Reloader

	// 已建表的连接名
	migrated sync.Map

	handler     http.Handler
	httpManager *server.Manager
}

// Snake 演示资源
type Snake struct {
	ID   uint   `gorm:"primaryKey" json:"id"`
	Name string `gorm:"size:64;not null" json:"name"`
}

// NewServer 创建服务器：注册连接配置（不建立任何连接）、挂载监听器与指标
func NewServer(cfg *config.Config, logger *zap.Logger, providers *telemetry.Providers) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		cfg:       cfg,
		logger:    logger,
		providers: providers,
		registry:  dbpool.NewRegistry(logger),
		connector: connector.New(logger),
		bridge:    orm.NewBridge(logger),
	}

	// 1. 连接配置
	if err := s.connector.Configure(context.Background(), s.registry, cfg); err != nil {
		s.connector.Close()
		return nil, fmt.Errorf("configure connections: %w", err)
	}

	// 2. 连接管理器
	opts := []dbpool.Option{
		dbpool.WithLogger(logger),
		dbpool.WithTracerProvider(providers.TracerProvider()),
		dbpool.WithDefaultConnection(cfg.DefaultConnection),
	}
	if cfg.Log.LogQueries {
		opts = append(opts, dbpool.WithListener(dbpool.QueryLogger(logger)))
	}
	if cfg.Metrics.Enabled {
		s.collector = metrics.NewCollector(cfg.Metrics.Namespace, logger,
			metrics.WithSlowQueryThreshold(cfg.Metrics.SlowQueryThreshold))
		opts = append(opts, dbpool.WithListener(s.collector.QueryListener()))
	}
	s.manager = dbpool.NewManager(s.registry, opts...)

	// 3. 连接池指标
	if s.collector != nil {
		if err := s.collector.WatchPools(s.manager); err != nil {
			s.connector.Close()
			return nil, fmt.Errorf("register pool metrics: %w", err)
		}
	}
	reg, err := providers.ObservePools(s.manager)
	if err != nil {
		s.logger.Warn("pool gauges disabled", zap.Error(err))
	}
	s.poolGauges = reg

	s.handler = s.routes()
	return s, nil
}

// Handler 返回带中间件链的 HTTP handler
func (s *Server) Handler() http.Handler { return s.handler }

// Manager 返回连接管理器
func (s *Server) Manager() *dbpool.Manager { return s.manager }

// =============================================================================
// 🚀 启动流程
// =============================================================================

// Start 启动 HTTP 服务（非阻塞）并注册关闭钩子
func (s *Server) Start() error {
	s.httpManager = server.NewManager(s.handler, server.FromServerConfig(s.cfg.Server), s.logger)

	// 钩子按注册的逆序执行：先停热更新，再关连接池，最后刷新遥测
	s.httpManager.OnShutdown(s.providers.Shutdown)
	s.httpManager.OnShutdown(func(context.Context) error {
		if s.poolGauges == nil {
			return nil
		}
		return s.poolGauges.Unregister()
	})
	s.httpManager.OnShutdown(func(context.Context) error { return s.connector.Close() })
	s.httpManager.OnShutdown(s.manager.Close)
	s.httpManager.OnShutdown(func(context.Context) error {
		if s.reloader == nil {
			return nil
		}
		return s.reloader.Stop()
	})

	var err error
	if s.cfg.Server.TLSCertFile != "" {
		err = s.httpManager.StartTLS(s.cfg.Server.TLSCertFile, s.cfg.Server.TLSKeyFile)
	} else {
		err = s.httpManager.Start()
	}
	if err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	s.logger.Info("HTTP server started",
		zap.String("addr", s.httpManager.Addr()),
		zap.Strings("connections", s.registry.Names()),
		zap.String("default_connection", s.manager.DefaultConnection()),
		zap.Bool("tls", s.cfg.Server.TLSCertFile != ""),
		zap.Bool("metrics_enabled", s.collector != nil),
		zap.Bool("hot_reload_enabled", s.reloader != nil),
	)
	return nil
}

// Addr 返回实际监听地址
func (s *Server) Addr() string {
	if s.httpManager == nil {
		return ""
	}
	return s.httpManager.Addr()
}

// WaitForShutdown 等待关闭信号并优雅关闭
func (s *Server) WaitForShutdown(ctx context.Context) error {
	if s.httpManager == nil {
		return s.manager.Close(ctx)
	}
	return s.httpManager.WaitForShutdown(ctx)
}

// Shutdown 优雅关闭所有服务
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpManager == nil {
		return errors.Join(s.manager.Close(ctx), s.connector.Close())
	}
	return s.httpManager.Shutdown(ctx)
}

// =============================================================================
// 🔄 配置热更新
// =============================================================================

// WatchConfig 监听配置文件，connections 段的变化在线生效
func (s *Server) WatchConfig(ctx context.Context, loader *config.Loader) error {
	reloader, err := config.NewReloader(loader, s.cfg, s.applyConnections, s.logger)
	if err != nil {
		return err
	}
	if err := reloader.Start(ctx); err != nil {
		return fmt.Errorf("failed to start config watcher: %w", err)
	}
	s.reloader = reloader
	return nil
}

// applyConnections 应用连接变化。新配置先全部构建，任何一个失败都不改动现有连接。
// 修改或删除的连接会强制归还所有任务持有的连接并关闭旧池。
func (s *Server) applyConnections(ctx context.Context, cfg *config.Config, change config.ConnectionChange) error {
	pending := make(map[string]dbpool.PoolConfig)
	for _, name := range slices.Concat(change.Added, change.Changed) {
		pc, err := s.connector.PoolConfig(ctx, name, cfg.Connections[name])
		if err != nil {
			return err
		}
		pending[name] = pc
	}

	// 已存在的池不受 Configure 影响，断开后下一次使用按新配置建池
	var errs []error
	for name, pc := range pending {
		if err := s.registry.Configure(name, pc); err != nil {
			errs = append(errs, err)
		}
	}
	for _, name := range slices.Concat(change.Changed, change.Removed) {
		if err := s.manager.Disconnect(ctx, name); err != nil {
			errs = append(errs, fmt.Errorf("disconnect %q: %w", name, err))
		}
		s.migrated.Delete(name)
	}
	for _, name := range change.Removed {
		if err := s.registry.Remove(name); err != nil {
			errs = append(errs, fmt.Errorf("remove %q: %w", name, err))
		}
		if err := s.connector.Release(name); err != nil {
			errs = append(errs, fmt.Errorf("release %q: %w", name, err))
		}
	}

	// 断开旧连接时的失败不阻止新配置生效
	if err := errors.Join(errs...); err != nil {
		s.logger.Warn("connections reloaded with errors", zap.Error(err))
	}
	return nil
}

// =============================================================================
// 🌐 路由
// =============================================================================

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /version", s.handleVersion)
	mux.HandleFunc("GET /pools", s.handlePools)
	if s.collector != nil {
		mux.Handle("GET /metrics", s.collector.Handler())
	}

	// 演示资源：每个请求是一个任务，返回时归还该任务的所有连接
	snakes := http.NewServeMux()
	snakes.HandleFunc("GET /snakes", s.handleListSnakes)
	snakes.HandleFunc("POST /snakes", s.handleCreateSnake)
	mux.Handle("/snakes", dbpool.Middleware(s.manager)(snakes))

	middlewares := []Middleware{
		Recovery(s.logger),
		RequestID(),
		SecurityHeaders(),
		OTelTracing(s.providers.TracerProvider()),
		RequestLogger(s.logger),
	}
	if s.collector != nil {
		middlewares = append(middlewares, MetricsMiddleware(s.collector))
	}
	return Chain(mux, middlewares...)
}

// =============================================================================
// 🏥 健康检查与状态
// =============================================================================

type healthResponse struct {
	Status      string            `json:"status"`
	Connections map[string]string `json:"connections"`
}

// handleHealth 对每个连接（或 ?connection= 指定的一个）取出一条连接并校验
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	names := s.registry.Names()
	if name := r.URL.Query().Get("connection"); name != "" {
		names = []string{name}
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	resp := healthResponse{Status: "ok", Connections: make(map[string]string, len(names))}
	for _, name := range names {
		if err := s.manager.Ping(ctx, name); err != nil {
			s.logger.Warn("health check failed", zap.String("connection", name), zap.Error(err))
			resp.Status = "unavailable"
			resp.Connections[name] = err.Error()
			continue
		}
		resp.Connections[name] = "ok"
	}

	status := http.StatusOK
	if resp.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"version":    Version,
		"build_time": BuildTime,
		"git_commit": GitCommit,
	})
}

type poolsResponse struct {
	Pools          []dbpool.Stats `json:"pools"`
	Configured     []string       `json:"configured"`
	ForcedReleases int64          `json:"forced_releases"`
}

func (s *Server) handlePools(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, poolsResponse{
		Pools:          s.manager.Stats(),
		Configured:     s.registry.Names(),
		ForcedReleases: s.manager.ForcedReleases(),
	})
}

// =============================================================================
// 🐍 /snakes
// =============================================================================

func (s *Server) handleListSnakes(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	h, err := s.handle(ctx, r)
	if err != nil {
		writeHandleError(w, err)
		return
	}

	snakes := []Snake{}
	err = s.bridge.Do(ctx, h, func(db *gorm.DB) error {
		return db.Order("id").Find(&snakes).Error
	})
	if err != nil {
		s.logger.Error("list snakes", zap.Error(err))
		writeHandleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snakes)
}

func (s *Server) handleCreateSnake(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Name == "" {
		writeJSONError(w, http.StatusBadRequest, "name is required")
		return
	}

	ctx := r.Context()
	h, err := s.handle(ctx, r)
	if err != nil {
		writeHandleError(w, err)
		return
	}

	snake := Snake{Name: req.Name}
	err = h.TransactionRetry(ctx, 3, func(ctx context.Context, h *dbpool.Handle) error {
		snake.ID = 0
		return s.bridge.Do(ctx, h, func(db *gorm.DB) error {
			return db.Create(&snake).Error
		})
	})
	if err != nil {
		s.logger.Error("create snake", zap.Error(err))
		writeHandleError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, snake)
}

// handle 返回当前任务在 ?connection= 上的 handle，首次使用时建表
func (s *Server) handle(ctx context.Context, r *http.Request) (*dbpool.Handle, error) {
	h, err := s.manager.Connection(ctx, r.URL.Query().Get("connection"))
	if err != nil {
		return nil, err
	}
	if _, ok := s.migrated.Load(h.Name()); ok {
		return h, nil
	}

	err = s.bridge.Do(ctx, h, func(db *gorm.DB) error {
		return db.AutoMigrate(&Snake{})
	})
	if err != nil {
		return nil, fmt.Errorf("migrate snakes on %q: %w", h.Name(), err)
	}
	s.migrated.Store(h.Name(), struct{}{})
	return h, nil
}

// =============================================================================
// 🔧 辅助函数
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeHandleError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, orm.ErrNotSQL):
		writeJSONError(w, http.StatusBadRequest, "connection does not support SQL")
	case errors.Is(err, dbpool.ErrPoolUnavailable), errors.Is(err, dbpool.ErrPoolClosed), errors.Is(err, dbpool.ErrPoolExhausted):
		writeJSONError(w, http.StatusServiceUnavailable, err.Error())
	default:
		writeJSONError(w, http.StatusInternalServerError, "database error")
	}
}
