// Package taskqueue Redis 解析任务队列。
//
// 长耗时解析（大 PDF 可能数分钟）不在 HTTP 请求里同步执行，改为
// 队列 + Worker 消费：任务持久化在 Redis list，服务重启不丢；
// 失败按间隔重试，超过次数进入死信 list 供人工处理。
// 队列不可用时调用方降级为同步解析。
package taskqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/BaSui01/knowbase/config"
	"github.com/BaSui01/knowbase/types"
)

// Job 队列里的解析任务
type Job struct {
	ID         string    `json:"id"`
	DocumentID string    `json:"document_id"`
	Attempt    int       `json:"attempt"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// Handler 任务处理函数
type Handler func(ctx context.Context, documentID string) error

// Queue Redis 任务队列
type Queue struct {
	cfg    config.RedisConfig
	rdb    *redis.Client
	logger *zap.Logger
}

// NewQueue 创建队列
func NewQueue(cfg config.RedisConfig, logger *zap.Logger) *Queue {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})
	return &Queue{
		cfg:    cfg,
		rdb:    rdb,
		logger: logger.With(zap.String("component", "task_queue")),
	}
}

// NewQueueWithClient 用现成连接创建队列（测试用）
func NewQueueWithClient(cfg config.RedisConfig, rdb *redis.Client, logger *zap.Logger) *Queue {
	return &Queue{cfg: cfg, rdb: rdb, logger: logger.With(zap.String("component", "task_queue"))}
}

func (q *Queue) key() string        { return q.cfg.QueueName }
func (q *Queue) delayedKey() string { return q.cfg.QueueName + ":delayed" }
func (q *Queue) deadKey() string    { return q.cfg.QueueName + ":dead" }

// Available 队列是否启用且 Redis 可达
func (q *Queue) Available(ctx context.Context) bool {
	if !q.cfg.QueueEnabled {
		return false
	}
	return q.rdb.Ping(ctx).Err() == nil
}

// Enqueue 任务入队，返回 job_id
func (q *Queue) Enqueue(ctx context.Context, documentID string) (string, error) {
	job := Job{
		ID:         uuid.NewString(),
		DocumentID: documentID,
		EnqueuedAt: time.Now().UTC(),
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("marshal job: %w", err)
	}
	if err := q.rdb.LPush(ctx, q.key(), payload).Err(); err != nil {
		return "", types.NewError(types.ErrQueueUnavailable, "enqueue failed").WithCause(err).WithRetryable(true)
	}
	q.logger.Info("job enqueued",
		zap.String("job_id", job.ID),
		zap.String("document_id", documentID))
	return job.ID, nil
}

// Close 关闭底层连接
func (q *Queue) Close() error {
	return q.rdb.Close()
}

// ============ 🛠️ Worker ============

// JobMetrics 任务结果指标上报能力，可选注入。
// outcome 取值：success / retry / dead。
type JobMetrics interface {
	RecordQueueJob(outcome string)
}

// Worker 队列消费者
type Worker struct {
	queue   *Queue
	handler Handler
	metrics JobMetrics
	logger  *zap.Logger
}

// NewWorker 创建消费者
func NewWorker(queue *Queue, handler Handler, logger *zap.Logger) *Worker {
	return &Worker{
		queue:   queue,
		handler: handler,
		logger:  logger.With(zap.String("component", "task_worker")),
	}
}

// WithMetrics 注入任务指标收集器
func (w *Worker) WithMetrics(m JobMetrics) *Worker {
	w.metrics = m
	return w
}

func (w *Worker) observeJob(outcome string) {
	if w.metrics != nil {
		w.metrics.RecordQueueJob(outcome)
	}
}

// Run 消费循环，ctx 取消后返回
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("worker started", zap.String("queue", w.queue.key()))
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("worker stopped")
			return ctx.Err()
		default:
		}

		if err := w.promoteDueRetries(ctx); err != nil && ctx.Err() == nil {
			w.logger.Warn("promote retries failed", zap.Error(err))
		}

		res, err := w.queue.rdb.BRPop(ctx, time.Second, w.queue.key()).Result()
		if err != nil {
			if err == redis.Nil {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.logger.Warn("queue pop failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}
		// BRPOP 返回 [key, value]
		if len(res) == 2 {
			w.RunJob(ctx, []byte(res[1]))
		}
	}
}

// RunJob 执行单个任务，失败按配置重试
func (w *Worker) RunJob(ctx context.Context, payload []byte) {
	var job Job
	if err := json.Unmarshal(payload, &job); err != nil {
		w.logger.Error("malformed job payload dropped", zap.Error(err))
		return
	}

	jobCtx := ctx
	if w.queue.cfg.JobTimeout > 0 {
		var cancel context.CancelFunc
		jobCtx, cancel = context.WithTimeout(ctx, w.queue.cfg.JobTimeout)
		defer cancel()
	}

	start := time.Now()
	err := w.handler(jobCtx, job.DocumentID)
	if err == nil {
		w.observeJob("success")
		w.logger.Info("job done",
			zap.String("job_id", job.ID),
			zap.String("document_id", job.DocumentID),
			zap.Duration("elapsed", time.Since(start)))
		return
	}

	w.logger.Error("job failed",
		zap.String("job_id", job.ID),
		zap.String("document_id", job.DocumentID),
		zap.Int("attempt", job.Attempt),
		zap.Error(err))

	if job.Attempt >= w.queue.cfg.MaxRetries {
		w.observeJob("dead")
		if derr := w.queue.rdb.LPush(ctx, w.queue.deadKey(), payload).Err(); derr != nil {
			w.logger.Error("dead letter push failed", zap.Error(derr))
		}
		return
	}

	w.observeJob("retry")
	job.Attempt++
	retryPayload, merr := json.Marshal(job)
	if merr != nil {
		return
	}
	readyAt := time.Now().Add(w.queue.cfg.RetryDelay)
	if zerr := w.queue.rdb.ZAdd(ctx, w.queue.delayedKey(), redis.Z{
		Score:  float64(readyAt.UnixMilli()),
		Member: retryPayload,
	}).Err(); zerr != nil {
		w.logger.Error("retry schedule failed", zap.Error(zerr))
	}
}

// promoteDueRetries 把到期的重试任务移回主队列
func (w *Worker) promoteDueRetries(ctx context.Context) error {
	now := fmt.Sprintf("%d", time.Now().UnixMilli())
	due, err := w.queue.rdb.ZRangeByScore(ctx, w.queue.delayedKey(), &redis.ZRangeBy{
		Min: "-inf", Max: now,
	}).Result()
	if err != nil || len(due) == 0 {
		return err
	}
	for _, payload := range due {
		if err := w.queue.rdb.LPush(ctx, w.queue.key(), payload).Err(); err != nil {
			return err
		}
		if err := w.queue.rdb.ZRem(ctx, w.queue.delayedKey(), payload).Err(); err != nil {
			return err
		}
	}
	return nil
}
