package chunk

import (
	"context"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&Chunk{}))
	return db
}

// buildFamily 构造一个父块 + 两个子块 + 一个独立块
func buildFamily(docID, nbID string) []Chunk {
	parentID := uuid.NewString()
	return []Chunk{
		{
			ID: parentID, DocumentID: docID, NotebookID: nbID,
			ChunkIndex: 0, ChunkType: TypeText, Content: "第一章 概述\n本章介绍系统整体结构。",
			PageNumbers: PageNumbers{1}, TokenCount: 20, IsActive: true,
		},
		{
			ID: uuid.NewString(), DocumentID: docID, NotebookID: nbID,
			ParentChunkID: &parentID,
			ChunkIndex:    1, ChunkType: TypeText, Content: "本章介绍系统整体结构。",
			PageNumbers: PageNumbers{1}, TokenCount: 10, IsActive: true,
		},
		{
			ID: uuid.NewString(), DocumentID: docID, NotebookID: nbID,
			ParentChunkID: &parentID,
			ChunkIndex:    2, ChunkType: TypeTable, Content: "| 模块 | 行数 |\n| --- | --- |\n| 解析 | 1200 |",
			PageNumbers: PageNumbers{2}, TokenCount: 15, IsActive: true,
		},
		{
			ID: uuid.NewString(), DocumentID: docID, NotebookID: nbID,
			ChunkIndex: 3, ChunkType: TypeImageCaption, Content: "https://files/x.png\n销售额柱状图",
			PageNumbers: PageNumbers{3}, TokenCount: 8, IsActive: true,
		},
	}
}

func TestBulkCreateAndList(t *testing.T) {
	repo := NewRepository(newTestDB(t), zap.NewNop())
	ctx := context.Background()

	chunks := buildFamily("doc1", "nb1")
	require.NoError(t, repo.BulkCreate(ctx, chunks))

	got, err := repo.ListByDocument(ctx, "doc1", true)
	require.NoError(t, err)
	require.Len(t, got, 4)
	// chunk_index 升序
	for i := 1; i < len(got); i++ {
		assert.Greater(t, got[i].ChunkIndex, got[i-1].ChunkIndex)
	}

	// 空输入是 no-op
	require.NoError(t, repo.BulkCreate(ctx, nil))
}

func TestGetByIDsActiveOnly(t *testing.T) {
	repo := NewRepository(newTestDB(t), zap.NewNop())
	ctx := context.Background()

	chunks := buildFamily("doc1", "nb1")
	chunks[3].IsActive = false
	require.NoError(t, repo.BulkCreate(ctx, chunks))

	got, err := repo.GetByIDs(ctx, []string{chunks[1].ID, chunks[3].ID})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, chunks[1].ID, got[0].ID)

	got, err = repo.GetByIDs(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestBulkCreatePersistsInactiveFlag(t *testing.T) {
	repo := NewRepository(newTestDB(t), zap.NewNop())
	ctx := context.Background()

	chunks := buildFamily("doc1", "nb1")
	for i := range chunks {
		chunks[i].IsActive = false
	}
	require.NoError(t, repo.BulkCreate(ctx, chunks))

	// 插入即处于非活跃状态的切片不能被悄悄写成 true
	active, err := repo.ListByDocument(ctx, "doc1", true)
	require.NoError(t, err)
	assert.Empty(t, active)

	all, err := repo.ListByDocument(ctx, "doc1", false)
	require.NoError(t, err)
	require.Len(t, all, 4)
	for _, c := range all {
		assert.False(t, c.IsActive)
	}
}

func TestGetParentsBatch(t *testing.T) {
	repo := NewRepository(newTestDB(t), zap.NewNop())
	ctx := context.Background()

	chunks := buildFamily("doc1", "nb1")
	require.NoError(t, repo.BulkCreate(ctx, chunks))

	parentID := chunks[0].ID
	childA, childB, standalone := chunks[1].ID, chunks[2].ID, chunks[3].ID

	parents, err := repo.GetParentsBatch(ctx, []string{childA, childB, standalone})
	require.NoError(t, err)
	require.Len(t, parents, 2)
	assert.Equal(t, parentID, parents[childA].ID)
	assert.Equal(t, parentID, parents[childB].ID)
	// 独立块没有父块
	_, ok := parents[standalone]
	assert.False(t, ok)
}

func TestDeactivateByDocument(t *testing.T) {
	repo := NewRepository(newTestDB(t), zap.NewNop())
	ctx := context.Background()

	require.NoError(t, repo.BulkCreate(ctx, buildFamily("doc1", "nb1")))
	require.NoError(t, repo.BulkCreate(ctx, buildFamily("doc2", "nb1")))

	n, err := repo.DeactivateByDocument(ctx, "doc1")
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)

	// doc1 的活跃切片归零，行仍在
	active, err := repo.ListByDocument(ctx, "doc1", true)
	require.NoError(t, err)
	assert.Empty(t, active)
	all, err := repo.ListByDocument(ctx, "doc1", false)
	require.NoError(t, err)
	assert.Len(t, all, 4)

	// doc2 不受影响
	cnt, err := repo.CountActive(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(4), cnt)
}

func TestDeleteByDocument(t *testing.T) {
	repo := NewRepository(newTestDB(t), zap.NewNop())
	ctx := context.Background()

	require.NoError(t, repo.BulkCreate(ctx, buildFamily("doc1", "nb1")))
	require.NoError(t, repo.DeleteByDocument(ctx, "doc1"))

	all, err := repo.ListByDocument(ctx, "doc1", false)
	require.NoError(t, err)
	assert.Empty(t, all)
}
