package document

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/BaSui01/knowbase/types"
)

// ErrNotebookNotFound 笔记本不存在
var ErrNotebookNotFound = types.NewError(types.ErrNotFound, "notebook not found").WithHTTPStatus(404)

// NotebookRepository notebooks 表访问层
type NotebookRepository struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewNotebookRepository 创建笔记本仓库
func NewNotebookRepository(db *gorm.DB, logger *zap.Logger) *NotebookRepository {
	return &NotebookRepository{
		db:     db,
		logger: logger.With(zap.String("component", "notebook_repository")),
	}
}

// Create 创建笔记本
func (r *NotebookRepository) Create(ctx context.Context, nb *Notebook) error {
	if err := r.db.WithContext(ctx).Create(nb).Error; err != nil {
		return fmt.Errorf("failed to create notebook: %w", err)
	}
	return nil
}

// GetByID 按 ID 查询
func (r *NotebookRepository) GetByID(ctx context.Context, id string) (*Notebook, error) {
	var nb Notebook
	err := r.db.WithContext(ctx).First(&nb, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotebookNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get notebook %s: %w", id, err)
	}
	return &nb, nil
}

// GetStats 获取笔记本详情，含知识源数量与最后更新时间
func (r *NotebookRepository) GetStats(ctx context.Context, id string) (*NotebookStats, error) {
	nb, err := r.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	stats := &NotebookStats{Notebook: *nb}

	var cnt int64
	if err := r.db.WithContext(ctx).Model(&Document{}).
		Where("notebook_id = ?", id).Count(&cnt).Error; err != nil {
		return nil, fmt.Errorf("failed to count notebook documents: %w", err)
	}
	stats.SourceCount = cnt

	if cnt > 0 {
		// 聚合函数直接 Scan 时间列在不同驱动下行为不一，改走模型字段解码
		var latest Document
		err := r.db.WithContext(ctx).
			Where("notebook_id = ?", id).
			Order("updated_at DESC").
			Select("updated_at").
			First(&latest).Error
		if err == nil && !latest.UpdatedAt.IsZero() {
			last := latest.UpdatedAt
			stats.LastUpdated = &last
		}
	}
	return stats, nil
}

// ListByUser 按用户列出笔记本（含统计），按更新时间倒序
func (r *NotebookRepository) ListByUser(ctx context.Context, userID int64, limit, offset int) ([]NotebookStats, error) {
	if limit <= 0 {
		limit = 50
	}
	var notebooks []Notebook
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("updated_at DESC").
		Limit(limit).Offset(offset).
		Find(&notebooks).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list notebooks: %w", err)
	}

	out := make([]NotebookStats, 0, len(notebooks))
	for _, nb := range notebooks {
		stats, err := r.GetStats(ctx, nb.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, *stats)
	}
	return out, nil
}

// UpdateTitle 更新标题
func (r *NotebookRepository) UpdateTitle(ctx context.Context, id, title string) (bool, error) {
	res := r.db.WithContext(ctx).Model(&Notebook{}).
		Where("id = ?", id).
		Updates(map[string]any{"title": title, "updated_at": time.Now()})
	if res.Error != nil {
		return false, fmt.Errorf("failed to update notebook: %w", res.Error)
	}
	return res.RowsAffected > 0, nil
}

// Delete 删除笔记本
func (r *NotebookRepository) Delete(ctx context.Context, id string) (bool, error) {
	res := r.db.WithContext(ctx).Delete(&Notebook{}, "id = ?", id)
	if res.Error != nil {
		return false, fmt.Errorf("failed to delete notebook: %w", res.Error)
	}
	return res.RowsAffected > 0, nil
}
