// =============================================================================
// 📦 connpool 默认配置
// =============================================================================
// 提供所有配置项的合理默认值
// =============================================================================
package config

import "time"

// DefaultConnectionName 默认连接名
const DefaultConnectionName = "default"

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Server: DefaultServerConfig(),
		Connections: map[string]ConnectionConfig{
			DefaultConnectionName: DefaultConnectionConfig(),
		},
		DefaultConnection: DefaultConnectionName,
		Log:               DefaultLogConfig(),
		Telemetry:         DefaultTelemetryConfig(),
		Metrics:           DefaultMetricsConfig(),
	}
}

// DefaultServerConfig 返回默认服务器配置
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPPort:        8080,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		ShutdownTimeout: 15 * time.Second,
	}
}

// DefaultConnectionConfig 返回默认连接配置：共享内存 SQLite
func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		Driver:         "sqlite",
		DSN:            "file:connpool?mode=memory&cache=shared",
		PoolSize:       5,
		AcquireTimeout: 30 * time.Second,
		ReconnectLimit: 10,
		ReconnectBurst: 5,
		PingTimeout:    5 * time.Second,
	}
}

// withDefaults 为未设置的池参数补默认值；驱动与地址不补
func (cc ConnectionConfig) withDefaults() ConnectionConfig {
	def := DefaultConnectionConfig()
	if cc.PoolSize == 0 {
		cc.PoolSize = def.PoolSize
	}
	if cc.AcquireTimeout == 0 {
		cc.AcquireTimeout = def.AcquireTimeout
	}
	if cc.PingTimeout == 0 {
		cc.PingTimeout = def.PingTimeout
	}
	if cc.ReconnectBurst == 0 {
		cc.ReconnectBurst = cc.PoolSize
	}
	if cc.Port == 0 {
		switch cc.Driver {
		case "postgres", "pgx":
			cc.Port = 5432
		case "mysql":
			cc.Port = 3306
		case "redis":
			cc.Port = 6379
		}
	}
	if cc.SSLMode == "" && (cc.Driver == "postgres" || cc.Driver == "pgx") {
		cc.SSLMode = "disable"
	}
	return cc
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "json",
		OutputPaths:      []string{"stdout"},
		EnableCaller:     true,
		EnableStacktrace: false,
	}
}

// DefaultTelemetryConfig 返回默认遥测配置
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:        false,
		OTLPEndpoint:   "localhost:4317",
		ServiceName:    "connpool",
		SampleRate:     0.1,
		Insecure:       true,
		ExportInterval: 30 * time.Second,
	}
}

// DefaultMetricsConfig 返回默认指标配置
func DefaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Enabled:            true,
		Namespace:          "connpool",
		SlowQueryThreshold: 500 * time.Millisecond,
	}
}
