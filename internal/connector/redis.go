package connector

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/BaSui01/connpool/config"
	"github.com/BaSui01/connpool/internal/tlsutil"
)

// =============================================================================
// 💾 Redis 客户端
// =============================================================================

// redisClient 持有一个逻辑连接名共享的 go-redis 客户端。
// 连接池里的每个连接从这里 pin 一个独占会话。
type redisClient struct {
	client   *redis.Client
	settings config.ConnectionConfig
	logger   *zap.Logger
	mu       sync.Mutex
	closed   bool
}

// redisOptions 解析 redis:// 或 rediss:// 连接串
func redisOptions(cc config.ConnectionConfig) (*redis.Options, error) {
	opts, err := redis.ParseURL(cc.ConnString())
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	// rediss:// 使用统一的 TLS 加固配置
	if opts.TLSConfig != nil {
		opts.TLSConfig = tlsutil.ClientTLSConfig(opts.TLSConfig.ServerName)
	}

	// 连接池里每个连接独占一个会话，多留一个给重连
	opts.PoolSize = cc.PoolSize + 1
	opts.MinIdleConns = 0
	opts.MaxRetries = 0
	return opts, nil
}

// newRedisClient 创建客户端并测试连接
func newRedisClient(ctx context.Context, cc config.ConnectionConfig, logger *zap.Logger) (*redisClient, error) {
	opts, err := redisOptions(cc)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)

	timeout := cc.PingTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger.Info("redis client initialized",
		zap.String("addr", opts.Addr),
		zap.Int("db", opts.DB),
		zap.Bool("tls", opts.TLSConfig != nil),
		zap.Int("pool_size", opts.PoolSize),
	)

	return &redisClient{
		client:   client,
		settings: cc,
		logger:   logger,
	}, nil
}

// Close 关闭客户端，重复调用无副作用
func (r *redisClient) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true
	r.logger.Info("closing redis client")

	err := r.client.Close()
	if err != nil && strings.Contains(err.Error(), "client is closed") {
		return nil
	}
	return err
}
