// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// =============================================================================
// 📊 指标收集器
// =============================================================================

// Collector 指标收集器
type Collector struct {
	// HTTP 指标
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	httpRequestSize     *prometheus.HistogramVec
	httpResponseSize    *prometheus.HistogramVec

	// 文档流水线指标
	documentsProcessedTotal *prometheus.CounterVec
	pipelineStageDuration   *prometheus.HistogramVec
	chunksCreatedTotal      *prometheus.CounterVec

	// 向量化 / 检索指标
	embeddingRequestsTotal *prometheus.CounterVec
	searchRequestsTotal    *prometheus.CounterVec
	searchDuration         *prometheus.HistogramVec
	searchPathHits         *prometheus.CounterVec

	// 队列指标
	queueJobsTotal *prometheus.CounterVec

	// 数据库指标
	dbConnectionsOpen *prometheus.GaugeVec
	dbConnectionsIdle *prometheus.GaugeVec
	dbQueryDuration   *prometheus.HistogramVec

	logger *zap.Logger
	mu     sync.RWMutex
}

// NewCollector 创建指标收集器
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	// HTTP 指标
	c.httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	c.httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	c.httpRequestSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_size_bytes",
			Help:      "HTTP request size in bytes",
			Buckets:   prometheus.ExponentialBuckets(100, 10, 8),
		},
		[]string{"method", "path"},
	)

	c.httpResponseSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_response_size_bytes",
			Help:      "HTTP response size in bytes",
			Buckets:   prometheus.ExponentialBuckets(100, 10, 8),
		},
		[]string{"method", "path"},
	)

	// 文档流水线指标
	c.documentsProcessedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "documents_processed_total",
			Help:      "Total number of documents processed by final status",
		},
		[]string{"status"},
	)

	c.pipelineStageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pipeline_stage_duration_seconds",
			Help:      "Document pipeline stage duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		},
		[]string{"stage"}, // parse, chunk, embed, upsert
	)

	c.chunksCreatedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunks_created_total",
			Help:      "Total number of chunks created",
		},
		[]string{"chunk_type"},
	)

	// 向量化 / 检索指标
	c.embeddingRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "embedding_requests_total",
			Help:      "Total number of embedding batch requests",
		},
		[]string{"kind", "status"}, // kind: dense, sparse
	)

	c.searchRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "search_requests_total",
			Help:      "Total number of search requests",
		},
		[]string{"status"},
	)

	c.searchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "search_duration_seconds",
			Help:      "Hybrid search request duration in seconds",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		},
		[]string{"status"},
	)

	c.searchPathHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "search_path_hits_total",
			Help:      "Total number of hits returned per recall path",
		},
		[]string{"path"}, // exact, sparse, dense
	)

	// 队列指标
	c.queueJobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_jobs_total",
			Help:      "Total number of background jobs by outcome",
		},
		[]string{"outcome"}, // success, retry, dead
	)

	// 数据库指标
	c.dbConnectionsOpen = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_open",
			Help:      "Number of open database connections",
		},
		[]string{"database"},
	)

	c.dbConnectionsIdle = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_idle",
			Help:      "Number of idle database connections",
		},
		[]string{"database"},
	)

	c.dbQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "db_query_duration_seconds",
			Help:      "Database query duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"database", "operation"},
	)

	logger.Info("metrics collector initialized", zap.String("namespace", namespace))

	return c
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
// 📄 文档流水线指标记录
// =============================================================================

// RecordDocumentProcessed 记录文档处理结果（READY / FAILED）
func (c *Collector) RecordDocumentProcessed(status string) {
	c.documentsProcessedTotal.WithLabelValues(status).Inc()
}

// RecordPipelineStage 记录流水线单阶段耗时
func (c *Collector) RecordPipelineStage(stage string, duration time.Duration) {
	c.pipelineStageDuration.WithLabelValues(stage).Observe(duration.Seconds())
}

// RecordChunksCreated 记录切片产出
func (c *Collector) RecordChunksCreated(chunkType string, count int) {
	c.chunksCreatedTotal.WithLabelValues(chunkType).Add(float64(count))
}

// =============================================================================
// 🔍 向量化 / 检索指标记录
// =============================================================================

// RecordEmbeddingRequest 记录向量化批次请求
func (c *Collector) RecordEmbeddingRequest(kind, status string) {
	c.embeddingRequestsTotal.WithLabelValues(kind, status).Inc()
}

// RecordSearch 记录检索请求
func (c *Collector) RecordSearch(status string, duration time.Duration, pathStats map[string]int) {
	c.searchRequestsTotal.WithLabelValues(status).Inc()
	c.searchDuration.WithLabelValues(status).Observe(duration.Seconds())
	for _, path := range []string{"exact", "sparse", "dense"} {
		if n := pathStats[path]; n > 0 {
			c.searchPathHits.WithLabelValues(path).Add(float64(n))
		}
	}
}

// =============================================================================
// 📥 队列指标记录
// =============================================================================

// RecordQueueJob 记录后台任务结果
func (c *Collector) RecordQueueJob(outcome string) {
	c.queueJobsTotal.WithLabelValues(outcome).Inc()
}

// =============================================================================
// 🗄️ 数据库指标记录
// =============================================================================

// RecordDBConnections 记录数据库连接数
func (c *Collector) RecordDBConnections(database string, open, idle int) {
	c.dbConnectionsOpen.WithLabelValues(database).Set(float64(open))
	c.dbConnectionsIdle.WithLabelValues(database).Set(float64(idle))
}

// RecordDBQuery 记录数据库查询
func (c *Collector) RecordDBQuery(database, operation string, duration time.Duration) {
	c.dbQueryDuration.WithLabelValues(database, operation).Observe(duration.Seconds())
}

// =============================================================================
// 🔧 辅助函数
// =============================================================================

// statusCode 将 HTTP 状态码转换为字符串
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
