// =============================================================================
// 📦 connpool 配置加载器
// =============================================================================
// 统一配置加载，支持 YAML / TOML 文件 + 环境变量覆盖
//
// 使用方法:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("connpool.yaml").
//	    WithEnvPrefix("CONNPOOL").
//	    Load()
//
// 配置优先级: 默认值 → 配置文件 → 环境变量
// 扩展名为 .toml 时按 TOML 解析，其余按 YAML
// =============================================================================
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// =============================================================================
// 🎯 核心配置结构
// =============================================================================

// Config 是 connpool 服务的完整配置结构
type Config struct {
	// Server HTTP 服务配置
	Server ServerConfig `yaml:"server" toml:"server" env:"SERVER"`

	// Connections 逻辑连接名 → 连接配置
	Connections map[string]ConnectionConfig `yaml:"connections" toml:"connections" env:"CONNECTIONS"`

	// DefaultConnection 调用方传空名字时使用的连接
	DefaultConnection string `yaml:"default_connection" toml:"default_connection" env:"DEFAULT_CONNECTION"`

	// Log 日志配置
	Log LogConfig `yaml:"log" toml:"log" env:"LOG"`

	// Telemetry 遥测配置
	Telemetry TelemetryConfig `yaml:"telemetry" toml:"telemetry" env:"TELEMETRY"`

	// Metrics 指标配置
	Metrics MetricsConfig `yaml:"metrics" toml:"metrics" env:"METRICS"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	// HTTP 端口
	HTTPPort int `yaml:"http_port" toml:"http_port" env:"HTTP_PORT"`
	// 读取超时
	ReadTimeout time.Duration `yaml:"read_timeout" toml:"read_timeout" env:"READ_TIMEOUT"`
	// 写入超时
	WriteTimeout time.Duration `yaml:"write_timeout" toml:"write_timeout" env:"WRITE_TIMEOUT"`
	// 优雅关闭超时
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" toml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	// 同时处理的最大 HTTP 连接数，0 表示不限制
	MaxConnections int `yaml:"max_connections" toml:"max_connections" env:"MAX_CONNECTIONS"`
	// 证书与私钥路径，两者都设置时启用 HTTPS
	TLSCertFile string `yaml:"tls_cert_file" toml:"tls_cert_file" env:"TLS_CERT_FILE"`
	TLSKeyFile  string `yaml:"tls_key_file" toml:"tls_key_file" env:"TLS_KEY_FILE"`
}

// ConnectionConfig 单个逻辑连接的配置
type ConnectionConfig struct {
	// 驱动: postgres, pgx, mysql, sqlite, redis
	Driver string `yaml:"driver" toml:"driver" env:"DRIVER"`
	// 完整连接串；为空时由 Host/Port/... 拼出
	DSN string `yaml:"dsn" toml:"dsn" env:"DSN"`

	Host     string `yaml:"host" toml:"host" env:"HOST"`
	Port     int    `yaml:"port" toml:"port" env:"PORT"`
	User     string `yaml:"user" toml:"user" env:"USER"`
	Password string `yaml:"password" toml:"password" env:"PASSWORD"`
	Database string `yaml:"database" toml:"database" env:"DATABASE"`
	SSLMode  string `yaml:"ssl_mode" toml:"ssl_mode" env:"SSL_MODE"`

	// 连接池容量
	PoolSize int `yaml:"pool_size" toml:"pool_size" env:"POOL_SIZE"`
	// 等待空闲连接的上限，0 表示只受 context 约束
	AcquireTimeout time.Duration `yaml:"acquire_timeout" toml:"acquire_timeout" env:"ACQUIRE_TIMEOUT"`
	// 每秒重连上限，0 表示不限
	ReconnectLimit float64 `yaml:"reconnect_limit" toml:"reconnect_limit" env:"RECONNECT_LIMIT"`
	// 重连令牌桶大小
	ReconnectBurst int `yaml:"reconnect_burst" toml:"reconnect_burst" env:"RECONNECT_BURST"`
	// 是否缓存预编译语句（仅 SQL 驱动）
	CacheStatements bool `yaml:"cache_statements" toml:"cache_statements" env:"CACHE_STATEMENTS"`
	// 建连时 ping 的超时
	PingTimeout time.Duration `yaml:"ping_timeout" toml:"ping_timeout" env:"PING_TIMEOUT"`
}

// LogConfig 日志配置
type LogConfig struct {
	// 日志级别: debug, info, warn, error
	Level string `yaml:"level" toml:"level" env:"LEVEL"`
	// 输出格式: json, console
	Format string `yaml:"format" toml:"format" env:"FORMAT"`
	// 输出路径
	OutputPaths []string `yaml:"output_paths" toml:"output_paths" env:"OUTPUT_PATHS"`
	// 是否启用调用者信息
	EnableCaller bool `yaml:"enable_caller" toml:"enable_caller" env:"ENABLE_CALLER"`
	// 是否启用堆栈跟踪
	EnableStacktrace bool `yaml:"enable_stacktrace" toml:"enable_stacktrace" env:"ENABLE_STACKTRACE"`
	// 是否把每条语句以 debug 级别写入日志
	LogQueries bool `yaml:"log_queries" toml:"log_queries" env:"LOG_QUERIES"`
}

// TelemetryConfig 遥测配置
type TelemetryConfig struct {
	// 是否启用
	Enabled bool `yaml:"enabled" toml:"enabled" env:"ENABLED"`
	// OTLP 端点
	OTLPEndpoint string `yaml:"otlp_endpoint" toml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	// 服务名称
	ServiceName string `yaml:"service_name" toml:"service_name" env:"SERVICE_NAME"`
	// 采样率，父 span 已采样时始终跟随
	SampleRate float64 `yaml:"sample_rate" toml:"sample_rate" env:"SAMPLE_RATE"`
	// 不使用 TLS 连接 collector
	Insecure bool `yaml:"insecure" toml:"insecure" env:"INSECURE"`
	// 指标导出间隔
	ExportInterval time.Duration `yaml:"export_interval" toml:"export_interval" env:"EXPORT_INTERVAL"`
}

// MetricsConfig Prometheus 指标配置
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled" env:"ENABLED"`
	Namespace string `yaml:"namespace" toml:"namespace" env:"NAMESPACE"`
	// 慢语句阈值，0 关闭
	SlowQueryThreshold time.Duration `yaml:"slow_query_threshold" toml:"slow_query_threshold" env:"SLOW_QUERY_THRESHOLD"`
}

// =============================================================================
// 🔧 配置加载器
// =============================================================================

// Loader 配置加载器（Builder 模式）
type Loader struct {
	configPath string
	envPrefix  string
	validators []func(*Config) error
}

// NewLoader 创建新的配置加载器
func NewLoader() *Loader {
	return &Loader{
		envPrefix:  "CONNPOOL",
		validators: make([]func(*Config) error, 0),
	}
}

// WithConfigPath 设置配置文件路径
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix 设置环境变量前缀
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithValidator 添加配置验证器
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load 加载配置
func (l *Loader) Load() (*Config, error) {
	// 1. 从默认值开始
	cfg := DefaultConfig()

	// 2. 如果指定了配置文件，从文件加载
	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	// 3. 从环境变量覆盖
	if err := l.loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	// 4. 运行验证器
	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}

	return cfg, nil
}

// loadFromFile 从 YAML 文件加载配置
func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			// 文件不存在，使用默认值
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	decode := yaml.Unmarshal
	if isTOML(l.configPath) {
		decode = toml.Unmarshal
	}

	// 文件里声明了 connections 时整体替换默认连接
	var raw struct {
		Connections map[string]any `yaml:"connections" toml:"connections"`
	}
	if err := decode(data, &raw); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	if len(raw.Connections) > 0 {
		cfg.Connections = make(map[string]ConnectionConfig, len(raw.Connections))
	}

	if err := decode(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	// 未写出的连接字段沿用默认值
	for name, cc := range cfg.Connections {
		cfg.Connections[name] = cc.withDefaults()
	}

	return nil
}

func isTOML(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".toml")
}

// loadFromEnv 从环境变量加载配置
func (l *Loader) loadFromEnv(cfg *Config) error {
	return l.setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix)
}

// setFieldsFromEnv 递归设置结构体字段
func (l *Loader) setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		// 获取 env tag
		envTag := fieldType.Tag.Get("env")
		if envTag == "" || envTag == "-" {
			continue
		}

		envKey := prefix + "_" + envTag

		// 如果是结构体，递归处理
		if field.Kind() == reflect.Struct {
			if err := l.setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		// map[string]struct: 只覆盖已声明的条目，键名转大写
		if field.Kind() == reflect.Map {
			if err := l.setMapFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		// 获取环境变量值
		envValue := os.Getenv(envKey)
		if envValue == "" {
			continue
		}

		// 设置字段值
		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("failed to set %s: %w", envKey, err)
		}
	}

	return nil
}

// setMapFromEnv 处理 map 值为结构体的字段（map 元素不可寻址，复制后写回）
func (l *Loader) setMapFromEnv(field reflect.Value, prefix string) error {
	if field.IsNil() || field.Type().Key().Kind() != reflect.String ||
		field.Type().Elem().Kind() != reflect.Struct {
		return nil
	}

	for _, key := range field.MapKeys() {
		elem := reflect.New(field.Type().Elem()).Elem()
		elem.Set(field.MapIndex(key))

		envKey := prefix + "_" + strings.ToUpper(key.String())
		if err := l.setFieldsFromEnv(elem, envKey); err != nil {
			return err
		}
		field.SetMapIndex(key, elem)
	}
	return nil
}

// setFieldValue 设置字段值
func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		// 特殊处理 time.Duration
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return err
			}
			field.SetInt(i)
		}

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetUint(u)

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Slice:
		// 支持逗号分隔的字符串切片
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		}
	}

	return nil
}

// =============================================================================
// 🔍 辅助函数
// =============================================================================

// MustLoad 加载配置，失败时 panic
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// LoadFromEnv 仅从环境变量加载配置
func LoadFromEnv() (*Config, error) {
	return NewLoader().Load()
}

// knownDrivers 支持的驱动
var knownDrivers = map[string]bool{
	"postgres": true,
	"pgx":      true,
	"mysql":    true,
	"sqlite":   true,
	"redis":    true,
}

// Validate 验证配置
func (c *Config) Validate() error {
	var errs []string

	// 验证服务器配置
	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		errs = append(errs, "invalid HTTP port")
	}
	if c.Server.MaxConnections < 0 {
		errs = append(errs, "server max_connections cannot be negative")
	}
	if (c.Server.TLSCertFile == "") != (c.Server.TLSKeyFile == "") {
		errs = append(errs, "server tls_cert_file and tls_key_file must be set together")
	}

	if len(c.Connections) == 0 {
		errs = append(errs, "at least one connection is required")
	}
	for _, name := range c.ConnectionNames() {
		cc := c.Connections[name]
		if !knownDrivers[cc.Driver] {
			errs = append(errs, fmt.Sprintf("connection %q: unknown driver %q", name, cc.Driver))
		}
		if cc.PoolSize <= 0 {
			errs = append(errs, fmt.Sprintf("connection %q: pool_size must be positive", name))
		}
		if cc.AcquireTimeout < 0 {
			errs = append(errs, fmt.Sprintf("connection %q: acquire_timeout cannot be negative", name))
		}
		if cc.ReconnectLimit < 0 {
			errs = append(errs, fmt.Sprintf("connection %q: reconnect_limit cannot be negative", name))
		}
		if knownDrivers[cc.Driver] && cc.ConnString() == "" {
			errs = append(errs, fmt.Sprintf("connection %q: dsn is empty", name))
		}
	}

	if c.Metrics.SlowQueryThreshold < 0 {
		errs = append(errs, "metrics slow_query_threshold cannot be negative")
	}
	if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
		errs = append(errs, "telemetry sample_rate must be between 0 and 1")
	}

	if c.DefaultConnection != "" && len(c.Connections) > 0 {
		if _, ok := c.Connections[c.DefaultConnection]; !ok {
			errs = append(errs, fmt.Sprintf("default_connection %q is not configured", c.DefaultConnection))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// ConnectionNames 返回排序后的连接名
func (c *Config) ConnectionNames() []string {
	names := make([]string, 0, len(c.Connections))
	for name := range c.Connections {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SQLDriverName 返回 database/sql 注册的驱动名；redis 返回空串
func (cc ConnectionConfig) SQLDriverName() string {
	switch cc.Driver {
	case "postgres", "pgx":
		return "pgx"
	case "mysql":
		return "mysql"
	case "sqlite":
		return "sqlite"
	default:
		return ""
	}
}

// ConnString 返回连接字符串，DSN 优先
func (cc ConnectionConfig) ConnString() string {
	if cc.DSN != "" {
		return cc.DSN
	}
	switch cc.Driver {
	case "postgres", "pgx":
		return fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			cc.Host, cc.Port, cc.User, cc.Password, cc.Database, cc.SSLMode,
		)
	case "mysql":
		return fmt.Sprintf(
			"%s:%s@tcp(%s:%d)/%s?parseTime=true",
			cc.User, cc.Password, cc.Host, cc.Port, cc.Database,
		)
	case "sqlite":
		return cc.Database
	case "redis":
		if cc.Host == "" {
			return ""
		}
		if cc.Password != "" {
			return fmt.Sprintf("redis://:%s@%s:%d/%s", cc.Password, cc.Host, cc.Port, cc.Database)
		}
		return fmt.Sprintf("redis://%s:%d/%s", cc.Host, cc.Port, cc.Database)
	default:
		return ""
	}
}
