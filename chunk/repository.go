package chunk

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Repository document_chunks 表访问层
type Repository struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewRepository 创建切片仓库
func NewRepository(db *gorm.DB, logger *zap.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger.With(zap.String("component", "chunk_repository")),
	}
}

// BulkCreate 批量插入切片（流水线末尾一次性写入）
func (r *Repository) BulkCreate(ctx context.Context, chunks []Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	if err := r.db.WithContext(ctx).CreateInBatches(chunks, 500).Error; err != nil {
		return fmt.Errorf("failed to bulk create chunks: %w", err)
	}
	r.logger.Debug("chunks inserted", zap.Int("count", len(chunks)))
	return nil
}

// ListByDocument 按文档列出切片，chunk_index 升序。
// activeOnly 为 true 时仅返回活跃切片。
func (r *Repository) ListByDocument(ctx context.Context, documentID string, activeOnly bool) ([]Chunk, error) {
	q := r.db.WithContext(ctx).Where("document_id = ?", documentID)
	if activeOnly {
		q = q.Where("is_active = ?", true)
	}
	var chunks []Chunk
	if err := q.Order("chunk_index ASC").Find(&chunks).Error; err != nil {
		return nil, fmt.Errorf("failed to list chunks: %w", err)
	}
	return chunks, nil
}

// GetByIDs 按 ID 批量查询活跃切片
func (r *Repository) GetByIDs(ctx context.Context, ids []string) ([]Chunk, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var chunks []Chunk
	err := r.db.WithContext(ctx).
		Where("id IN ? AND is_active = ?", ids, true).
		Find(&chunks).Error
	if err != nil {
		return nil, fmt.Errorf("failed to get chunks by ids: %w", err)
	}
	return chunks, nil
}

// GetParentsBatch 批量解析 child → parent 内容。
// 返回 map[childID]parentChunk，没有父块的 child 不在结果中。
func (r *Repository) GetParentsBatch(ctx context.Context, childIDs []string) (map[string]*Chunk, error) {
	if len(childIDs) == 0 {
		return map[string]*Chunk{}, nil
	}

	var children []Chunk
	err := r.db.WithContext(ctx).
		Select("id", "parent_chunk_id").
		Where("id IN ? AND parent_chunk_id IS NOT NULL", childIDs).
		Find(&children).Error
	if err != nil {
		return nil, fmt.Errorf("failed to resolve parent links: %w", err)
	}
	if len(children) == 0 {
		return map[string]*Chunk{}, nil
	}

	parentIDs := make([]string, 0, len(children))
	for _, c := range children {
		parentIDs = append(parentIDs, *c.ParentChunkID)
	}

	var parents []Chunk
	err = r.db.WithContext(ctx).
		Where("id IN ? AND is_active = ?", parentIDs, true).
		Find(&parents).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load parent chunks: %w", err)
	}

	byID := make(map[string]*Chunk, len(parents))
	for i := range parents {
		byID[parents[i].ID] = &parents[i]
	}

	out := make(map[string]*Chunk, len(children))
	for _, c := range children {
		if p, ok := byID[*c.ParentChunkID]; ok {
			out[c.ID] = p
		}
	}
	return out, nil
}

// DeactivateByDocument 废弃文档的全部活跃切片（重新解析前调用）。
// 返回受影响行数。
func (r *Repository) DeactivateByDocument(ctx context.Context, documentID string) (int64, error) {
	res := r.db.WithContext(ctx).Model(&Chunk{}).
		Where("document_id = ? AND is_active = ?", documentID, true).
		Update("is_active", false)
	if res.Error != nil {
		return 0, fmt.Errorf("failed to deactivate chunks: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// DeleteByDocument 物理删除文档的全部切片（删除文档时调用）
func (r *Repository) DeleteByDocument(ctx context.Context, documentID string) error {
	if err := r.db.WithContext(ctx).Delete(&Chunk{}, "document_id = ?", documentID).Error; err != nil {
		return fmt.Errorf("failed to delete chunks: %w", err)
	}
	return nil
}

// CountActive 活跃切片总数（诊断接口用）
func (r *Repository) CountActive(ctx context.Context) (int64, error) {
	var cnt int64
	err := r.db.WithContext(ctx).Model(&Chunk{}).
		Where("is_active = ?", true).
		Count(&cnt).Error
	if err != nil {
		return 0, fmt.Errorf("failed to count chunks: %w", err)
	}
	return cnt, nil
}

// FulltextSearch 精确/词法召回（Path-1）。
//
// PostgreSQL FTS（simple 分词 + ts_rank_cd）与 ILIKE 子串命中取并集，
// ILIKE 命中固定 0.5 权重排在 FTS 命中之后。documentIDs 为 nil 表示不限定，
// 空列表的「什么都没选」语义由上层 search 编排器短路，不会落到这里。
func (r *Repository) FulltextSearch(ctx context.Context, notebookID, query string, documentIDs []string, chunkTypes []Type, limit int) ([]FTSMatch, error) {
	if strings.TrimSpace(query) == "" || limit <= 0 {
		return nil, nil
	}

	var sb strings.Builder
	args := []any{}

	sb.WriteString(`
WITH fts AS (
    SELECT id AS chunk_id,
           ts_rank_cd(to_tsvector('simple', content), plainto_tsquery('simple', ?)) AS rank
    FROM document_chunks
    WHERE notebook_id = ?
      AND is_active = TRUE
      AND to_tsvector('simple', content) @@ plainto_tsquery('simple', ?)`)
	args = append(args, query, notebookID, query)
	appendScopeFilters(&sb, &args, documentIDs, chunkTypes)

	sb.WriteString(`
), ilike_hits AS (
    SELECT id AS chunk_id, 0.5::float8 AS rank
    FROM document_chunks
    WHERE notebook_id = ?
      AND is_active = TRUE
      AND content ILIKE ?
      AND id NOT IN (SELECT chunk_id FROM fts)`)
	args = append(args, notebookID, "%"+query+"%")
	appendScopeFilters(&sb, &args, documentIDs, chunkTypes)

	sb.WriteString(`
)
SELECT chunk_id, rank FROM fts
UNION ALL
SELECT chunk_id, rank FROM ilike_hits
ORDER BY rank DESC
LIMIT ?`)
	args = append(args, limit)

	var matches []FTSMatch
	if err := r.db.WithContext(ctx).Raw(sb.String(), args...).Scan(&matches).Error; err != nil {
		return nil, fmt.Errorf("fulltext search failed: %w", err)
	}
	return matches, nil
}

func appendScopeFilters(sb *strings.Builder, args *[]any, documentIDs []string, chunkTypes []Type) {
	if documentIDs != nil {
		sb.WriteString("\n      AND document_id IN ?")
		*args = append(*args, documentIDs)
	}
	if len(chunkTypes) > 0 {
		sb.WriteString("\n      AND chunk_type IN ?")
		*args = append(*args, chunkTypes)
	}
}
