package handlers

import (
	"context"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ============ 🏥 健康检查 ============

// HealthCheck 单项就绪检查。Critical 为 true 的检查失败时服务整体不可用，
// 否则只降级：Postgres 是关键依赖，Milvus 故障时检索会退化为纯关系路径，
// Redis 故障时任务队列退化为同步处理。
type HealthCheck interface {
	Name() string
	Critical() bool
	Check(ctx context.Context) error
}

// HealthStatus 健康状态响应
type HealthStatus struct {
	Status    string                 `json:"status"` // healthy / degraded / unhealthy
	Timestamp time.Time              `json:"timestamp"`
	Version   string                 `json:"version,omitempty"`
	Checks    map[string]CheckResult `json:"checks,omitempty"`
}

// CheckResult 单项检查结果
type CheckResult struct {
	Status  string `json:"status"` // pass / fail
	Message string `json:"message,omitempty"`
	Latency string `json:"latency,omitempty"`
}

// HealthHandler 健康与就绪探针处理器
type HealthHandler struct {
	logger *zap.Logger

	mu     sync.RWMutex
	checks []HealthCheck
}

// NewHealthHandler 创建健康检查处理器
func NewHealthHandler(logger *zap.Logger) *HealthHandler {
	return &HealthHandler{logger: logger}
}

// RegisterCheck 注册就绪检查
func (h *HealthHandler) RegisterCheck(check HealthCheck) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks = append(h.checks, check)
}

// HandleHealth 处理 /health 与 /healthz（存活探针，不探依赖）
// @Summary 存活检查
// @Tags 健康
// @Produce json
// @Success 200 {object} HealthStatus
// @Router /health [get]
func (h *HealthHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, HealthStatus{
		Status:    "healthy",
		Timestamp: time.Now(),
	})
}

// HandleReady 处理 /ready 与 /readyz。逐项探测依赖：
// 关键依赖失败返回 503，可降级依赖失败仍返回 200 但状态标记 degraded。
// @Summary 就绪检查
// @Tags 健康
// @Produce json
// @Success 200 {object} HealthStatus "就绪或降级运行"
// @Failure 503 {object} HealthStatus "关键依赖不可用"
// @Router /ready [get]
func (h *HealthHandler) HandleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	h.mu.RLock()
	checks := make([]HealthCheck, len(h.checks))
	copy(checks, h.checks)
	h.mu.RUnlock()

	status := HealthStatus{
		Status:    "healthy",
		Timestamp: time.Now(),
		Checks:    make(map[string]CheckResult, len(checks)),
	}

	criticalDown := false
	for _, check := range checks {
		start := time.Now()
		err := check.Check(ctx)
		latency := time.Since(start)

		result := CheckResult{Status: "pass", Latency: latency.String()}
		if err != nil {
			result.Status = "fail"
			result.Message = err.Error()
			if check.Critical() {
				criticalDown = true
			} else if status.Status == "healthy" {
				status.Status = "degraded"
			}
			h.logger.Warn("readiness check failed",
				zap.String("check", check.Name()),
				zap.Bool("critical", check.Critical()),
				zap.Duration("latency", latency),
				zap.Error(err),
			)
		}
		status.Checks[check.Name()] = result
	}

	if criticalDown {
		status.Status = "unhealthy"
		WriteJSON(w, http.StatusServiceUnavailable, status)
		return
	}
	WriteJSON(w, http.StatusOK, status)
}

// HandleVersion 处理 /version
// @Summary 版本信息
// @Tags 健康
// @Produce json
// @Success 200 {object} map[string]string
// @Router /version [get]
func (h *HealthHandler) HandleVersion(version, buildTime, gitCommit string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		WriteSuccess(w, map[string]string{
			"version":    version,
			"build_time": buildTime,
			"git_commit": gitCommit,
		})
	}
}

// ============ 🔧 探针实现 ============

// pingCheck 把探活函数适配成 HealthCheck
type pingCheck struct {
	name     string
	critical bool
	ping     func(ctx context.Context) error
}

func (c *pingCheck) Name() string                    { return c.name }
func (c *pingCheck) Critical() bool                  { return c.critical }
func (c *pingCheck) Check(ctx context.Context) error { return c.ping(ctx) }

// NewDatabaseHealthCheck Postgres 探针。元数据库是关键依赖。
func NewDatabaseHealthCheck(name string, ping func(ctx context.Context) error) HealthCheck {
	return &pingCheck{name: name, critical: true, ping: ping}
}

// NewRedisHealthCheck Redis 任务队列探针。队列故障降级为同步处理。
func NewRedisHealthCheck(name string, ping func(ctx context.Context) error) HealthCheck {
	return &pingCheck{name: name, ping: ping}
}

// NewVectorStoreHealthCheck Milvus 探针。向量库故障时检索退化为关系路径。
func NewVectorStoreHealthCheck(name string, ping func(ctx context.Context) error) HealthCheck {
	return &pingCheck{name: name, ping: ping}
}
