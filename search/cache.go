package search

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/knowbase/internal/cache"
)

// ============ 💾 查询结果缓存 ============

// ResultCache 查询结果缓存能力（Redis）
type ResultCache interface {
	GetJSON(ctx context.Context, key string, dest interface{}) error
	SetJSON(ctx context.Context, key string, value interface{}, ttl time.Duration) error
}

// CachedService 在检索服务外层加一层查询结果缓存。
// 缓存故障只降级为直查，不影响检索结果的正确性。
// 注意：文档变更后缓存不主动失效，依赖 TTL 过期，
// TTL 应配置为业务可容忍的陈旧窗口。
type CachedService struct {
	inner  *Service
	cache  ResultCache
	ttl    time.Duration
	logger *zap.Logger
}

// NewCachedService 创建带结果缓存的检索服务
func NewCachedService(inner *Service, rc ResultCache, ttl time.Duration, logger *zap.Logger) *CachedService {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &CachedService{
		inner:  inner,
		cache:  rc,
		ttl:    ttl,
		logger: logger.With(zap.String("component", "search_cache")),
	}
}

// Search 先查缓存，未命中再走完整检索链路
func (c *CachedService) Search(ctx context.Context, req *Request) (*Response, error) {
	key, err := cacheKey(req)
	if err != nil {
		return c.inner.Search(ctx, req)
	}

	var cached Response
	if getErr := c.cache.GetJSON(ctx, key, &cached); getErr == nil {
		c.logger.Debug("search cache hit", zap.String("key", key))
		return &cached, nil
	} else if !cache.IsCacheMiss(getErr) {
		c.logger.Warn("search cache read failed", zap.Error(getErr))
	}

	resp, err := c.inner.Search(ctx, req)
	if err != nil {
		return nil, err
	}

	if setErr := c.cache.SetJSON(ctx, key, resp, c.ttl); setErr != nil {
		c.logger.Warn("search cache write failed", zap.Error(setErr))
	}

	return resp, nil
}

// cacheKey 由请求的全部检索参数派生，任一参数变化都会命中不同键
func cacheKey(req *Request) (string, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return "knowbase:search:" + hex.EncodeToString(sum[:]), nil
}
