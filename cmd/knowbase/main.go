// =============================================================================
// Knowbase 主入口
// =============================================================================
// 知识库服务入口点，包含 HTTP 服务、后台流水线 Worker、健康检查、Prometheus 指标
//
// 使用方法:
//
//	knowbase serve                       # 启动 API 服务
//	knowbase serve --config config.yaml  # 指定配置文件
//	knowbase worker                      # 启动后台解析 Worker
//	knowbase version                     # 显示版本信息
//	knowbase health                      # 健康检查
//	knowbase migrate up                  # 运行数据库迁移
//	knowbase migrate down                # 回滚最后一次迁移
//	knowbase migrate status              # 查看迁移状态
// =============================================================================

// @title Knowbase API
// @version 1.0.0
// @description Knowbase is a document ingestion and hybrid retrieval service for RAG applications.
// @description
// @description ## Features
// @description - Multi-format document parsing (PDF, DOCX, Markdown, Excel, audio)
// @description - Parent/child semantic chunking with vector and fulltext indexing
// @description - Hybrid search: exact match, sparse and dense recall fused via RRF
// @description - Async processing pipeline backed by Redis
// @description - Health monitoring and metrics

// @contact.name Knowbase Team
// @contact.url https://github.com/BaSui01/knowbase

// @license.name MIT
// @license.url https://opensource.org/licenses/MIT

// @host localhost:8080
// @BasePath /
// @schemes http https

// @securityDefinitions.apikey ApiKeyAuth
// @in header
// @name X-API-Key
// @description API key for authentication

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

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/BaSui01/knowbase/chunk"
	"github.com/BaSui01/knowbase/config"
	"github.com/BaSui01/knowbase/document"
	"github.com/BaSui01/knowbase/internal/metrics"
	"github.com/BaSui01/knowbase/internal/server"
	"github.com/BaSui01/knowbase/internal/telemetry"
	"github.com/BaSui01/knowbase/taskqueue"
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
	case "worker":
		runWorker(os.Args[2:])
	case "migrate":
		runMigrate(os.Args[2:])
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

// loadConfig 加载并校验配置
func loadConfig(configPath string) *config.Config {
	loader := config.NewLoader()
	if configPath != "" {
		loader = loader.WithConfigPath(configPath)
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

	return cfg
}

// =============================================================================
// 🖥️ serve 命令
// =============================================================================

func runServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	fs.Parse(args)

	cfg := loadConfig(*configPath)

	// 初始化日志
	logger := initLogger(cfg.Log)
	defer logger.Sync()

	logger.Info("Starting Knowbase",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("git_commit", GitCommit),
	)

	// Initialize OpenTelemetry
	otelProviders, err := telemetry.Init(cfg.Telemetry, logger)
	if err != nil {
		logger.Warn("failed to initialize telemetry", zap.Error(err))
	}
	_ = otelProviders

	// 初始化数据库连接（元数据库是硬依赖）
	db, err := openDatabase(cfg.Database, logger)
	if err != nil {
		logger.Fatal("Database not available", zap.Error(err))
	}

	// AutoMigrate 确保表结构最新（正式环境建议改用 migrate 子命令）
	if migrateErr := db.AutoMigrate(&document.Notebook{}, &document.Document{}, &chunk.Chunk{}); migrateErr != nil {
		logger.Error("Database auto-migrate failed", zap.Error(migrateErr))
	}

	// 创建服务器
	srv := NewServer(cfg, logger, db)

	// 启动服务器
	if err := srv.Start(); err != nil {
		logger.Fatal("Failed to start server", zap.Error(err))
	}

	// 等待关闭信号
	srv.WaitForShutdown()

	logger.Info("Knowbase stopped")
}

// =============================================================================
// ⚙️ worker 命令
// =============================================================================

// runWorker 启动后台流水线消费者。与 serve 共用同一套配置，
// 可水平扩展多个 worker 进程消费同一队列。
func runWorker(args []string) {
	fs := flag.NewFlagSet("worker", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	fs.Parse(args)

	cfg := loadConfig(*configPath)

	logger := initLogger(cfg.Log)
	defer logger.Sync()

	logger.Info("Starting Knowbase worker",
		zap.String("version", Version),
		zap.String("git_commit", GitCommit),
	)

	if !cfg.Redis.QueueEnabled {
		logger.Fatal("Task queue disabled in config, worker has nothing to consume")
	}

	db, err := openDatabase(cfg.Database, logger)
	if err != nil {
		logger.Fatal("Database not available", zap.Error(err))
	}

	// 组装入库流水线（与 serve 相同的装配逻辑）
	collector := metrics.NewCollector("knowbase", logger)
	deps, err := buildPipeline(cfg, db, collector, logger)
	if err != nil {
		logger.Fatal("Failed to build pipeline", zap.Error(err))
	}
	defer deps.Close()

	// Worker 进程也暴露 /metrics 供抓取
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsManager := server.NewManager(metricsMux, server.Config{
		Addr:            fmt.Sprintf(":%d", cfg.Server.MetricsPort),
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	}, logger)
	if err := metricsManager.Start(); err != nil {
		logger.Warn("metrics listener not started", zap.Error(err))
		metricsManager = nil
	}

	worker := taskqueue.NewWorker(deps.Queue, func(ctx context.Context, documentID string) error {
		_, procErr := deps.Ingest.Process(ctx, documentID)
		return procErr
	}, logger).WithMetrics(collector)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	runErr := worker.Run(ctx)

	if metricsManager != nil {
		if err := metricsManager.Shutdown(context.Background()); err != nil {
			logger.Warn("metrics listener shutdown error", zap.Error(err))
		}
	}
	if runErr != nil && ctx.Err() == nil {
		logger.Fatal("Worker exited with error", zap.Error(runErr))
	}

	logger.Info("Knowbase worker stopped")
}

// =============================================================================
// 🏥 健康检查命令
// =============================================================================

func runHealthCheck(args []string) {
	fs := flag.NewFlagSet("health", flag.ExitOnError)
	addr := fs.String("addr", "http://localhost:8080", "Server address")
	fs.Parse(args)

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(*addr + "/health")
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
	fmt.Printf("Knowbase %s\n", Version)
	fmt.Printf("  Build Time: %s\n", BuildTime)
	fmt.Printf("  Git Commit: %s\n", GitCommit)
}

func printUsage() {
	fmt.Println(`Knowbase - Document Ingestion & Hybrid Retrieval Service

Usage:
  knowbase <command> [options]

Commands:
  serve     Start the Knowbase API server
  worker    Start the background processing worker
  migrate   Database migration commands
  version   Show version information
  health    Check server health
  help      Show this help message

Options for 'serve' and 'worker':
  --config <path>   Path to configuration file (YAML)

Migration subcommands:
  migrate up        Apply all pending migrations
  migrate down      Rollback the last migration
  migrate status    Show migration status
  migrate version   Show current migration version
  migrate goto <v>  Migrate to a specific version
  migrate force <v> Force set migration version
  migrate reset     Rollback all migrations

Examples:
  knowbase serve
  knowbase serve --config /etc/knowbase/config.yaml
  knowbase worker --config /etc/knowbase/config.yaml
  knowbase migrate up
  knowbase migrate status
  knowbase health --addr http://localhost:8080
  knowbase version`)
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

	// 构建配置
	zapConfig := zap.Config{
		Level:            zap.NewAtomicLevelAt(level),
		Development:      cfg.Format == "console",
		Encoding:         cfg.Format,
		EncoderConfig:    encoderConfig,
		OutputPaths:      cfg.OutputPaths,
		ErrorOutputPaths: []string{"stderr"},
	}

	if cfg.Format == "console" {
		zapConfig.Encoding = "console"
	} else {
		zapConfig.Encoding = "json"
	}

	// 构建 logger
	logger, err := zapConfig.Build(
		zap.AddCaller(),
		zap.AddStacktrace(zapcore.ErrorLevel),
	)
	if err != nil {
		// 回退到基本 logger
		logger, _ = zap.NewProduction()
	}

	return logger
}

// openDatabase 根据配置打开数据库连接
func openDatabase(dbCfg config.DatabaseConfig, logger *zap.Logger) (*gorm.DB, error) {
	if dbCfg.Driver == "" {
		return nil, fmt.Errorf("database driver not configured")
	}

	var dialector gorm.Dialector
	switch dbCfg.Driver {
	case "postgres":
		dialector = postgres.Open(dbCfg.DSN())
	default:
		return nil, fmt.Errorf("unsupported database driver: %s (supported: postgres)", dbCfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to connect database: %w", err)
	}

	logger.Info("Database connected", zap.String("driver", dbCfg.Driver))
	return db, nil
}
