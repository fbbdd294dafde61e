// =============================================================================
// connpool 主入口
// =============================================================================
// 连接池演示服务与压测工具
//
// 使用方法:
//
//	connpool serve                              # 启动服务
//	connpool serve --config connpool.yaml       # 指定配置文件
//	connpool serve --config connpool.yaml --watch  # 监听配置文件并热更新 connections
//	connpool bench --tasks 200 --conns 4        # 在内存 SQLite 上压测连接池
//	connpool health --addr http://localhost:8080
//	connpool version
// =============================================================================

package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/glebarez/go-sqlite"
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/BaSui01/connpool/config"
	"github.com/BaSui01/connpool/internal/telemetry"
	"github.com/BaSui01/connpool/internal/tlsutil"
)

// =============================================================================
// 📦 版本信息（构建时注入）
// =============================================================================

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// =============================================================================
// 🎯 主函数
// =============================================================================

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		runServe(os.Args[2:])
	case "bench":
		runBench(os.Args[2:])
	case "version":
		printVersion()
	case "health":
		runHealthCheck(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

// =============================================================================
// 🖥️ serve 命令
// =============================================================================

func runServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	watch := fs.Bool("watch", false, "Reload connections when the config file changes")
	fs.Parse(args)

	// 加载配置
	loader := config.NewLoader()
	if *configPath != "" {
		loader = loader.WithConfigPath(*configPath)
	}

	cfg, err := loader.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid config: %v\n", err)
		os.Exit(1)
	}

	logger := initLogger(cfg.Log)
	defer logger.Sync()

	logger.Info("Starting connpool",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("git_commit", GitCommit),
		zap.Strings("connections", cfg.ConnectionNames()),
	)

	providers, err := telemetry.Init(cfg.Telemetry, logger,
		telemetry.WithResourceAttributes(attribute.String("db.pool.default_connection", cfg.DefaultConnection)),
	)
	if err != nil {
		logger.Warn("failed to initialize telemetry", zap.Error(err))
	}

	srv, err := NewServer(cfg, logger, providers)
	if err != nil {
		logger.Fatal("Failed to build server", zap.Error(err))
	}

	if *watch {
		if *configPath == "" {
			logger.Warn("--watch ignored: no config file")
		} else if err := srv.WatchConfig(context.Background(), loader); err != nil {
			logger.Fatal("Failed to watch config", zap.Error(err))
		}
	}

	if err := srv.Start(); err != nil {
		logger.Fatal("Failed to start server", zap.Error(err))
	}

	if err := srv.WaitForShutdown(context.Background()); err != nil {
		logger.Error("shutdown finished with errors", zap.Error(err))
	}

	logger.Info("connpool stopped")
}

// =============================================================================
// 🏋️ bench 命令
// =============================================================================

func runBench(args []string) {
	fs := flag.NewFlagSet("bench", flag.ExitOnError)
	opts := defaultBenchOptions()
	fs.IntVar(&opts.Tasks, "tasks", opts.Tasks, "Number of tasks to run")
	fs.IntVar(&opts.Conns, "conns", opts.Conns, "Pool capacity")
	fs.IntVar(&opts.Workers, "workers", opts.Workers, "Worker goroutines")
	fs.DurationVar(&opts.Hold, "hold", opts.Hold, "How long each task keeps its transaction open")
	fs.DurationVar(&opts.AcquireTimeout, "acquire-timeout", opts.AcquireTimeout, "Pool acquire timeout")
	verbose := fs.Bool("v", false, "Log every statement")
	fs.Parse(args)

	logCfg := config.DefaultLogConfig()
	logCfg.Format = "console"
	logCfg.OutputPaths = []string{"stderr"}
	if *verbose {
		logCfg.Level = "debug"
		opts.LogQueries = true
	}
	logger := initLogger(logCfg)
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	report, err := Bench(ctx, opts, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Bench failed: %v\n", err)
		os.Exit(1)
	}
	report.Print(os.Stdout)
	if report.Failed > 0 {
		os.Exit(1)
	}
}

// =============================================================================
// 🏥 健康检查命令
// =============================================================================

func runHealthCheck(args []string) {
	fs := flag.NewFlagSet("health", flag.ExitOnError)
	addr := fs.String("addr", "http://localhost:8080", "Server address")
	conn := fs.String("connection", "", "Connection name to check (default connection if empty)")
	fs.Parse(args)

	url := *addr + "/health"
	if *conn != "" {
		url += "?connection=" + *conn
	}

	client := tlsutil.SecureHTTPClient(5 * time.Second)
	resp, err := client.Get(url)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Health check failed: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "Health check failed: status %d\n", resp.StatusCode)
		os.Exit(1)
	}

	fmt.Println("OK")
}

// =============================================================================
// 📋 版本和帮助
// =============================================================================

func printVersion() {
	fmt.Printf("connpool %s\n", Version)
	fmt.Printf("  Build Time: %s\n", BuildTime)
	fmt.Printf("  Git Commit: %s\n", GitCommit)
}

func printUsage() {
	fmt.Println(`connpool - per-task lazy connection pooling

Usage:
  connpool <command> [options]

Commands:
  serve     Start the demo HTTP server
  bench     Run tasks against an in-memory SQLite pool
  version   Show version information
  health    Check server health
  help      Show this help message

Options for 'serve':
  --config <path>   Path to configuration file (YAML)
  --watch           Reload connections when the file changes

Options for 'bench':
  --tasks <n>            Number of tasks (default 100)
  --conns <n>            Pool capacity (default 4)
  --workers <n>          Worker goroutines (default 32)
  --hold <duration>      Time each task holds its transaction (default 2ms)
  --acquire-timeout <d>  Pool acquire timeout (default 30s)
  -v                     Log every statement

Examples:
  connpool serve --config /etc/connpool/connpool.yaml --watch
  connpool bench --tasks 500 --conns 8
  connpool health --addr http://localhost:8080 --connection reports
  connpool version`)
}

// =============================================================================
// 🔧 日志初始化
// =============================================================================

func initLogger(cfg config.LogConfig) *zap.Logger {
	// 解析日志级别
	var level zapcore.Level
	switch cfg.Level {
	case "debug":
		level = zapcore.DebugLevel
	case "info":
		level = zapcore.InfoLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		level = zapcore.InfoLevel
	}

	// 配置编码器
	var encoderConfig zapcore.EncoderConfig
	if cfg.Format == "console" {
		encoderConfig = zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		encoderConfig = zap.NewProductionEncoderConfig()
		encoderConfig.TimeKey = "timestamp"
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	outputs := cfg.OutputPaths
	if len(outputs) == 0 {
		outputs = []string{"stdout"}
	}

	zapConfig := zap.Config{
		Level:            zap.NewAtomicLevelAt(level),
		Development:      cfg.Format == "console",
		Encoding:         "json",
		EncoderConfig:    encoderConfig,
		OutputPaths:      outputs,
		ErrorOutputPaths: []string{"stderr"},
	}
	if cfg.Format == "console" {
		zapConfig.Encoding = "console"
	}

	var opts []zap.Option
	if cfg.EnableCaller {
		opts = append(opts, zap.AddCaller())
	}
	if cfg.EnableStacktrace {
		opts = append(opts, zap.AddStacktrace(zapcore.ErrorLevel))
	}

	logger, err := zapConfig.Build(opts...)
	if err != nil {
		// 回退到基本 logger
		logger, _ = zap.NewProduction()
	}

	return logger
}
