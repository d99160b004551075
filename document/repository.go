package document

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/BaSui01/knowbase/types"
)

// ErrNotFound 文档不存在
var ErrNotFound = types.NewError(types.ErrNotFound, "document not found").WithHTTPStatus(404)

// Repository documents 表访问层
type Repository struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewRepository 创建文档仓库
func NewRepository(db *gorm.DB, logger *zap.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger.With(zap.String("component", "document_repository")),
	}
}

// Create 插入文档记录
func (r *Repository) Create(ctx context.Context, doc *Document) error {
	if err := r.db.WithContext(ctx).Create(doc).Error; err != nil {
		return fmt.Errorf("failed to create document: %w", err)
	}
	return nil
}

// GetByID 按 ID 查询
func (r *Repository) GetByID(ctx context.Context, id string) (*Document, error) {
	var doc Document
	err := r.db.WithContext(ctx).First(&doc, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get document %s: %w", id, err)
	}
	return &doc, nil
}

// FindByNotebookAndHash 同笔记本去重查询
func (r *Repository) FindByNotebookAndHash(ctx context.Context, notebookID, hash string) (*Document, error) {
	var doc Document
	err := r.db.WithContext(ctx).
		First(&doc, "notebook_id = ? AND file_hash = ?", notebookID, hash).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find document by hash: %w", err)
	}
	return &doc, nil
}

// FindReadyByHash 跨笔记本查找同内容且已就绪的文档（秒传捐赠源）。
// 排除 excludeNotebookID，优先返回最早入库的记录。
func (r *Repository) FindReadyByHash(ctx context.Context, hash, excludeNotebookID string) (*Document, error) {
	var doc Document
	err := r.db.WithContext(ctx).
		Where("file_hash = ? AND status = ? AND notebook_id <> ?", hash, StatusReady, excludeNotebookID).
		Order("created_at ASC").
		First(&doc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find donor document: %w", err)
	}
	return &doc, nil
}

// UpdateStatus 状态守卫更新：仅当当前状态允许进入 target 时写入。
// 返回 false 表示没有行被更新（状态不匹配，可能是并发请求已占先）。
func (r *Repository) UpdateStatus(ctx context.Context, id string, target Status) (bool, error) {
	res := r.db.WithContext(ctx).Model(&Document{}).
		Where("id = ? AND status IN ?", id, statusStrings(AllowedFrom(target))).
		Update("status", target)
	if res.Error != nil {
		return false, fmt.Errorf("failed to update status to %s: %w", target, res.Error)
	}
	if res.RowsAffected == 0 {
		r.logger.Debug("status transition rejected",
			zap.String("doc_id", id),
			zap.String("target", string(target)))
		return false, nil
	}
	return true, nil
}

// MarkFailed 标记失败并记录错误摘要。FAILED 可从任意状态进入。
func (r *Repository) MarkFailed(ctx context.Context, id string, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	err := r.db.WithContext(ctx).Model(&Document{}).
		Where("id = ?", id).
		Updates(map[string]any{"status": StatusFailed, "error_log": msg}).Error
	if err != nil {
		return fmt.Errorf("failed to mark document failed: %w", err)
	}
	r.logger.Warn("document marked failed", zap.String("doc_id", id), zap.String("error", msg))
	return nil
}

// UpdateSummary 写入生成的来源指南
func (r *Repository) UpdateSummary(ctx context.Context, id, summary string) error {
	err := r.db.WithContext(ctx).Model(&Document{}).
		Where("id = ?", id).
		Update("summary", summary).Error
	if err != nil {
		return fmt.Errorf("failed to update summary: %w", err)
	}
	return nil
}

// ListByNotebook 按笔记本列出文档
func (r *Repository) ListByNotebook(ctx context.Context, notebookID string, limit, offset int) ([]Document, error) {
	if limit <= 0 {
		limit = 50
	}
	var docs []Document
	err := r.db.WithContext(ctx).
		Where("notebook_id = ?", notebookID).
		Order("created_at DESC").
		Limit(limit).Offset(offset).
		Find(&docs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}
	return docs, nil
}

// Delete 删除文档行
func (r *Repository) Delete(ctx context.Context, id string) (bool, error) {
	res := r.db.WithContext(ctx).Delete(&Document{}, "id = ?", id)
	if res.Error != nil {
		return false, fmt.Errorf("failed to delete document: %w", res.Error)
	}
	return res.RowsAffected > 0, nil
}

// CountByStatus 按状态统计文档数（诊断接口用）
func (r *Repository) CountByStatus(ctx context.Context) (map[Status]int64, error) {
	type row struct {
		Status Status
		Cnt    int64
	}
	var rows []row
	err := r.db.WithContext(ctx).Model(&Document{}).
		Select("status, COUNT(*) as cnt").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to count documents: %w", err)
	}
	out := make(map[Status]int64, len(rows))
	for _, r := range rows {
		out[r.Status] = r.Cnt
	}
	return out, nil
}

func statusStrings(in []Status) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = string(s)
	}
	return out
}
