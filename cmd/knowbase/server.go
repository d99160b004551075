package main

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/BaSui01/knowbase/api/handlers"
	"github.com/BaSui01/knowbase/chunk"
	"github.com/BaSui01/knowbase/config"
	"github.com/BaSui01/knowbase/document"
	"github.com/BaSui01/knowbase/embedding"
	"github.com/BaSui01/knowbase/imaging"
	"github.com/BaSui01/knowbase/ingest"
	"github.com/BaSui01/knowbase/internal/cache"
	"github.com/BaSui01/knowbase/internal/database"
	"github.com/BaSui01/knowbase/internal/metrics"
	"github.com/BaSui01/knowbase/internal/server"
	"github.com/BaSui01/knowbase/llm"
	"github.com/BaSui01/knowbase/parser"
	"github.com/BaSui01/knowbase/rerank"
	"github.com/BaSui01/knowbase/search"
	"github.com/BaSui01/knowbase/storage"
	"github.com/BaSui01/knowbase/taskqueue"
	"github.com/BaSui01/knowbase/vectorstore"
)

// =============================================================================
// 🧩 流水线装配
// =============================================================================

// 检索服务（含缓存装饰器）必须满足 handler 侧接口
var (
	_ handlers.Searcher = (*search.Service)(nil)
	_ handlers.Searcher = (*search.CachedService)(nil)
)

// pipeline 把入库 / 检索链路上的全部依赖装配到一起。
// serve 与 worker 共用同一套装配逻辑，保证两类进程行为一致。
type pipeline struct {
	Pool      *database.PoolManager
	Docs      *document.Repository
	Notebooks *document.NotebookRepository
	Chunks    *chunk.Repository
	Store     *storage.Client
	Vectors   *vectorstore.Store
	Queue     *taskqueue.Queue
	Ingest    *ingest.Service
	Search    handlers.Searcher
	Cache     *cache.Manager

	logger *zap.Logger
}

// buildPipeline 按配置装配入库与检索服务。collector 可为 nil（不上报指标）。
func buildPipeline(cfg *config.Config, db *gorm.DB, collector *metrics.Collector, logger *zap.Logger) (*pipeline, error) {
	// 连接池参数来自 Database 配置，健康检查用默认间隔
	poolCfg := database.DefaultPoolConfig()
	if cfg.Database.MaxOpenConns > 0 {
		poolCfg.MaxOpenConns = cfg.Database.MaxOpenConns
	}
	if cfg.Database.MaxIdleConns > 0 {
		poolCfg.MaxIdleConns = cfg.Database.MaxIdleConns
	}
	if cfg.Database.ConnMaxLifetime > 0 {
		poolCfg.ConnMaxLifetime = cfg.Database.ConnMaxLifetime
	}

	pool, err := database.NewPoolManager(db, poolCfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to init connection pool: %w", err)
	}
	if collector != nil {
		registerQueryMetrics(db, collector)
	}

	docs := document.NewRepository(db, logger)
	notebooks := document.NewNotebookRepository(db, logger)
	chunks := chunk.NewRepository(db, logger)

	store, err := storage.NewClient(cfg.Storage, logger)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to init object storage: %w", err)
	}

	vectors := vectorstore.NewStore(cfg.Milvus, logger)
	ensureCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := vectors.EnsureCollection(ensureCtx); err != nil {
		// Milvus 不可达时仍允许启动：上传与元数据查询可用，嵌入与检索会报错
		logger.Warn("vector collection not ready", zap.Error(err))
	}

	dense := embedding.NewDenseClient(cfg.Embedding, logger)
	sparse := embedding.NewSparseClient(cfg.Sparse, logger)
	reranker := rerank.NewReranker(cfg.Rerank, dense, logger)

	llmClient := llm.NewClient(cfg.LLM, logger)
	images := imaging.NewPipeline(store, llmClient, logger)

	factory := parser.NewFactory(cfg.MinerU, cfg.LLM, logger)
	chainParser := ingest.NewChainParser(factory)

	queue := taskqueue.NewQueue(cfg.Redis, logger)

	ingestSvc := ingest.NewService(
		cfg.Chunking,
		cfg.LLM,
		docs,
		chunks,
		store,
		chainParser,
		dense,
		sparse,
		vectors,
		images,
		llmClient,
		logger,
	)

	searchSvc := search.NewService(cfg.Search, chunks, vectors, dense, sparse, reranker, logger)

	if collector != nil {
		ingestSvc = ingestSvc.WithMetrics(collector)
		searchSvc = searchSvc.WithMetrics(collector)
	}

	// 结果缓存可选：Redis 不可达时直接降级为不缓存
	var searcher handlers.Searcher = searchSvc
	var cacheManager *cache.Manager
	if cfg.Search.CacheEnabled {
		cacheCfg := cache.DefaultConfig()
		cacheCfg.Addr = cfg.Redis.Addr
		cacheCfg.Password = cfg.Redis.Password
		cacheCfg.DB = cfg.Redis.DB
		if cfg.Redis.PoolSize > 0 {
			cacheCfg.PoolSize = cfg.Redis.PoolSize
		}
		cacheCfg.DefaultTTL = cfg.Search.CacheTTL

		if cm, cacheErr := cache.NewManager(cacheCfg, logger); cacheErr != nil {
			logger.Warn("search result cache disabled", zap.Error(cacheErr))
		} else {
			cacheManager = cm
			searcher = search.NewCachedService(searchSvc, cm, cfg.Search.CacheTTL, logger)
		}
	}

	return &pipeline{
		Pool:      pool,
		Docs:      docs,
		Notebooks: notebooks,
		Chunks:    chunks,
		Store:     store,
		Vectors:   vectors,
		Queue:     queue,
		Ingest:    ingestSvc,
		Search:    searcher,
		Cache:     cacheManager,
		logger:    logger,
	}, nil
}

// registerQueryMetrics 通过 gorm callback 上报各类 SQL 操作耗时
func registerQueryMetrics(db *gorm.DB, collector *metrics.Collector) {
	const startKey = "knowbase:query_start"
	before := func(d *gorm.DB) { d.InstanceSet(startKey, time.Now()) }
	after := func(op string) func(*gorm.DB) {
		return func(d *gorm.DB) {
			if v, ok := d.InstanceGet(startKey); ok {
				if start, ok := v.(time.Time); ok {
					collector.RecordDBQuery("postgres", op, time.Since(start))
				}
			}
		}
	}
	_ = db.Callback().Query().Before("gorm:query").Register("knowbase:metrics_before_query", before)
	_ = db.Callback().Query().After("gorm:query").Register("knowbase:metrics_after_query", after("query"))
	_ = db.Callback().Create().Before("gorm:create").Register("knowbase:metrics_before_create", before)
	_ = db.Callback().Create().After("gorm:create").Register("knowbase:metrics_after_create", after("create"))
	_ = db.Callback().Update().Before("gorm:update").Register("knowbase:metrics_before_update", before)
	_ = db.Callback().Update().After("gorm:update").Register("knowbase:metrics_after_update", after("update"))
	_ = db.Callback().Delete().Before("gorm:delete").Register("knowbase:metrics_before_delete", before)
	_ = db.Callback().Delete().After("gorm:delete").Register("knowbase:metrics_after_delete", after("delete"))
}

// Close 释放流水线持有的连接
func (p *pipeline) Close() {
	if p.Cache != nil {
		if err := p.Cache.Close(); err != nil {
			p.logger.Warn("cache close error", zap.Error(err))
		}
	}
	if p.Queue != nil {
		if err := p.Queue.Close(); err != nil {
			p.logger.Warn("queue close error", zap.Error(err))
		}
	}
	if p.Pool != nil {
		if err := p.Pool.Close(); err != nil {
			p.logger.Warn("connection pool close error", zap.Error(err))
		}
	}
}

// =============================================================================
// 🖥️ Server 结构
// =============================================================================

// Server 是 Knowbase 的主服务器
type Server struct {
	cfg    *config.Config
	logger *zap.Logger
	db     *gorm.DB

	// 流水线依赖
	pipeline *pipeline

	// 服务器管理器
	httpManager    *server.Manager
	metricsManager *server.Manager

	// Handlers
	healthHandler   *handlers.HealthHandler
	documentHandler *handlers.DocumentHandler
	searchHandler   *handlers.SearchHandler
	notebookHandler *handlers.NotebookHandler
	statsHandler    *handlers.StatsHandler

	// 指标收集器
	metricsCollector *metrics.Collector

	// Rate limiter 生命周期管理
	rateLimiterCancel context.CancelFunc

	// 连接池采样 goroutine 生命周期管理
	samplerCancel context.CancelFunc

	wg sync.WaitGroup
}

// NewServer 创建新的服务器实例
func NewServer(cfg *config.Config, logger *zap.Logger, db *gorm.DB) *Server {
	return &Server{
		cfg:    cfg,
		logger: logger,
		db:     db,
	}
}

// =============================================================================
// 🚀 启动流程
// =============================================================================

// Start 启动所有服务
func (s *Server) Start() error {
	// 1. 初始化指标收集器
	s.metricsCollector = metrics.NewCollector("knowbase", s.logger)

	// 2. 装配流水线
	p, err := buildPipeline(s.cfg, s.db, s.metricsCollector, s.logger)
	if err != nil {
		return fmt.Errorf("failed to build pipeline: %w", err)
	}
	s.pipeline = p

	// 3. 初始化 Handlers
	s.initHandlers()

	// 连接池指标采样
	s.startPoolStatsSampler()

	// 4. 启动 HTTP 服务器
	if err := s.startHTTPServer(); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	// 5. 启动 Metrics 服务器
	if err := s.startMetricsServer(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	s.logger.Info("All servers started",
		zap.Int("http_port", s.cfg.Server.HTTPPort),
		zap.Int("metrics_port", s.cfg.Server.MetricsPort),
		zap.Bool("queue_enabled", s.cfg.Redis.QueueEnabled),
	)

	return nil
}

// =============================================================================
// 🔧 初始化方法
// =============================================================================

// initHandlers 初始化所有 handlers
func (s *Server) initHandlers() {
	p := s.pipeline

	// 健康检查 handler，挂接 Postgres / Milvus / Redis 就绪探针
	s.healthHandler = handlers.NewHealthHandler(s.logger)
	s.healthHandler.RegisterCheck(handlers.NewDatabaseHealthCheck("postgres", p.Pool.Ping))
	s.healthHandler.RegisterCheck(handlers.NewVectorStoreHealthCheck("milvus", p.Vectors.Ping))
	if s.cfg.Redis.QueueEnabled {
		s.healthHandler.RegisterCheck(handlers.NewRedisHealthCheck("redis", func(ctx context.Context) error {
			if !p.Queue.Available(ctx) {
				return fmt.Errorf("task queue unavailable")
			}
			return nil
		}))
	}

	s.documentHandler = handlers.NewDocumentHandler(p.Ingest, p.Queue, p.Docs, p.Chunks, s.logger)
	if s.cfg.Server.MaxUploadBytes > 0 {
		s.documentHandler = s.documentHandler.WithMaxUploadBytes(s.cfg.Server.MaxUploadBytes)
	}

	s.searchHandler = handlers.NewSearchHandler(p.Search, s.logger)
	s.notebookHandler = handlers.NewNotebookHandler(p.Notebooks, p.Docs, p.Ingest, s.logger)
	s.statsHandler = handlers.NewStatsHandler(p.Docs, p.Chunks, p.Vectors, s.logger)

	s.logger.Info("Handlers initialized")
}

// startPoolStatsSampler 周期性上报数据库连接池状态
func (s *Server) startPoolStatsSampler() {
	ctx, cancel := context.WithCancel(context.Background())
	s.samplerCancel = cancel

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				stats := s.pipeline.Pool.Stats()
				s.metricsCollector.RecordDBConnections("postgres", stats.OpenConnections, stats.Idle)
			}
		}
	}()
}

// =============================================================================
// 🌐 HTTP 服务器
// =============================================================================

// startHTTPServer 启动 HTTP 服务器
func (s *Server) startHTTPServer() error {
	mux := http.NewServeMux()

	// ========================================
	// 健康检查端点
	// ========================================
	mux.HandleFunc("/health", s.healthHandler.HandleHealth)
	mux.HandleFunc("/healthz", s.healthHandler.HandleHealth)
	mux.HandleFunc("/ready", s.healthHandler.HandleReady)
	mux.HandleFunc("/readyz", s.healthHandler.HandleReady)

	// 版本信息端点
	mux.HandleFunc("/version", s.healthHandler.HandleVersion(Version, BuildTime, GitCommit))

	// ========================================
	// 文档 API 路由
	// ========================================
	mux.HandleFunc("POST /api/v1/rag/documents/upload", s.documentHandler.HandleUpload)
	mux.HandleFunc("GET /api/v1/rag/documents", s.documentHandler.HandleList)
	mux.HandleFunc("GET /api/v1/rag/documents/{id}", s.documentHandler.HandleGet)
	mux.HandleFunc("POST /api/v1/rag/documents/{id}/process", s.documentHandler.HandleProcess)
	mux.HandleFunc("POST /api/v1/rag/documents/{id}/reparse", s.documentHandler.HandleReparse)
	mux.HandleFunc("GET /api/v1/rag/documents/{id}/chunks", s.documentHandler.HandleChunks)
	mux.HandleFunc("GET /api/v1/rag/documents/{id}/markdown", s.documentHandler.HandleMarkdown)
	mux.HandleFunc("DELETE /api/v1/rag/documents/{id}", s.documentHandler.HandleDelete)

	// ========================================
	// 检索 / 笔记本 / 诊断路由
	// ========================================
	mux.HandleFunc("POST /api/v1/rag/search", s.searchHandler.HandleSearch)
	mux.HandleFunc("GET /api/v1/rag/notebooks", s.notebookHandler.HandleList)
	mux.HandleFunc("POST /api/v1/rag/notebooks", s.notebookHandler.HandleCreate)
	mux.HandleFunc("PUT /api/v1/rag/notebooks/{id}", s.notebookHandler.HandleUpdate)
	mux.HandleFunc("DELETE /api/v1/rag/notebooks/{id}", s.notebookHandler.HandleDelete)
	mux.HandleFunc("GET /api/v1/rag/stats", s.statsHandler.HandleStats)

	// ========================================
	// 构建中间件链
	// ========================================
	skipAuthPaths := []string{"/health", "/healthz", "/ready", "/readyz", "/version", "/metrics"}
	rateLimiterCtx, rateLimiterCancel := context.WithCancel(context.Background())
	s.rateLimiterCancel = rateLimiterCancel
	handler := Chain(mux,
		Recovery(s.logger),
		RequestID(),
		SecurityHeaders(),
		RequestLogger(s.logger),
		MetricsMiddleware(s.metricsCollector),
		OTelTracing(),
		CORS(s.cfg.Server.CORSAllowedOrigins),
		RateLimiter(rateLimiterCtx, float64(s.cfg.Server.RateLimitRPS), s.cfg.Server.RateLimitBurst, s.logger),
		APIKeyAuth(s.cfg.Server.APIKeys, skipAuthPaths, s.cfg.Server.AllowQueryAPIKey, s.logger),
	)

	// ========================================
	// 使用 internal/server.Manager
	// ========================================
	serverConfig := server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.HTTPPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		IdleTimeout:     2 * s.cfg.Server.ReadTimeout, // 2x ReadTimeout
		MaxHeaderBytes:  1 << 20,                      // 1 MB
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}

	s.httpManager = server.NewManager(handler, serverConfig, s.logger)

	// 配置了证书则走 HTTPS，否则明文 HTTP（两者都非阻塞启动）
	if s.cfg.Server.TLSCertFile != "" && s.cfg.Server.TLSKeyFile != "" {
		if err := s.httpManager.StartTLS(s.cfg.Server.TLSCertFile, s.cfg.Server.TLSKeyFile); err != nil {
			return err
		}
		s.logger.Info("HTTPS server started", zap.Int("port", s.cfg.Server.HTTPPort))
		return nil
	}

	if err := s.httpManager.Start(); err != nil {
		return err
	}
	s.logger.Info("HTTP server started", zap.Int("port", s.cfg.Server.HTTPPort))
	return nil
}

// =============================================================================
// 📊 Metrics 服务器
// =============================================================================

// startMetricsServer 启动 Metrics 服务器
func (s *Server) startMetricsServer() error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	serverConfig := server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.MetricsPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}

	s.metricsManager = server.NewManager(mux, serverConfig, s.logger)

	// 启动服务器（非阻塞）
	if err := s.metricsManager.Start(); err != nil {
		return err
	}

	s.logger.Info("Metrics server started", zap.Int("port", s.cfg.Server.MetricsPort))
	return nil
}

// =============================================================================
// 🛑 关闭流程
// =============================================================================

// WaitForShutdown 等待关闭信号并优雅关闭
func (s *Server) WaitForShutdown() {
	// 使用 httpManager 的 WaitForShutdown（它会监听信号）
	if s.httpManager != nil {
		s.httpManager.WaitForShutdown()
	}

	// 执行清理
	s.Shutdown()
}

// Shutdown 优雅关闭所有服务
func (s *Server) Shutdown() {
	s.logger.Info("Starting graceful shutdown...")

	ctx := context.Background()

	// 0. 停止 rate limiter 清理与连接池采样 goroutine
	if s.rateLimiterCancel != nil {
		s.rateLimiterCancel()
	}
	if s.samplerCancel != nil {
		s.samplerCancel()
	}

	// 1. 关闭 HTTP 服务器
	if s.httpManager != nil {
		if err := s.httpManager.Shutdown(ctx); err != nil {
			s.logger.Error("HTTP server shutdown error", zap.Error(err))
		}
	}

	// 2. 关闭 Metrics 服务器
	if s.metricsManager != nil {
		if err := s.metricsManager.Shutdown(ctx); err != nil {
			s.logger.Error("Metrics server shutdown error", zap.Error(err))
		}
	}

	// 3. 释放流水线资源（队列 / 连接池）
	if s.pipeline != nil {
		s.pipeline.Close()
	}

	// 4. 等待所有 goroutine 完成
	s.wg.Wait()

	s.logger.Info("Graceful shutdown completed")
}
