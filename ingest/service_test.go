package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/BaSui01/knowbase/chunk"
	"github.com/BaSui01/knowbase/config"
	"github.com/BaSui01/knowbase/document"
	"github.com/BaSui01/knowbase/embedding"
	"github.com/BaSui01/knowbase/imaging"
	"github.com/BaSui01/knowbase/parser"
	"github.com/BaSui01/knowbase/types"
	"github.com/BaSui01/knowbase/vectorstore"
)

// ============ 🧪 测试替身 ============

type stubObjectStore struct {
	objects    map[string][]byte
	failUpload bool
}

func newStubObjectStore() *stubObjectStore {
	return &stubObjectStore{objects: make(map[string][]byte)}
}

func (s *stubObjectStore) Upload(_ context.Context, name string, data []byte, _ string) error {
	if s.failUpload {
		return types.NewError(types.ErrStorageError, "upload failed")
	}
	s.objects[name] = data
	return nil
}

func (s *stubObjectStore) Download(_ context.Context, name string) ([]byte, error) {
	data, ok := s.objects[name]
	if !ok {
		return nil, types.NewError(types.ErrNotFound, "object not found")
	}
	return data, nil
}

func (s *stubObjectStore) PresignedURL(_ context.Context, name string) (string, error) {
	return "https://minio.local/" + name, nil
}

type stubParser struct {
	result *parser.Result
	err    error
	calls  int
}

func (p *stubParser) Parse(_ context.Context, _ parser.Request) (*parser.Result, error) {
	p.calls++
	if p.err != nil {
		return nil, p.err
	}
	return p.result, nil
}

type stubDense struct {
	err error
}

func (d *stubDense) Embed(_ context.Context, texts []string) ([][]float32, error) {
	if d.err != nil {
		return nil, d.err
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0, 0, 0}
	}
	return out, nil
}

type stubSparse struct{}

func (s *stubSparse) Embed(_ context.Context, texts []string) ([]embedding.SparseVector, error) {
	out := make([]embedding.SparseVector, len(texts))
	for i := range texts {
		out[i] = embedding.SparseVector{7: 0.5}
	}
	return out, nil
}

type stubVectorStore struct {
	upserted   []vectorstore.Row
	deletedDoc []string
	failUpsert bool
}

func (v *stubVectorStore) Upsert(_ context.Context, rows []vectorstore.Row) (int, error) {
	if v.failUpsert {
		return 0, types.NewError(types.ErrVectorStoreError, "milvus down").WithRetryable(true)
	}
	v.upserted = append(v.upserted, rows...)
	return len(rows), nil
}

func (v *stubVectorStore) DeleteByDocument(_ context.Context, documentID string) error {
	v.deletedDoc = append(v.deletedDoc, documentID)
	return nil
}

type stubSummarizer struct {
	available bool
	out       string
	err       error
	lastInput string
	calls     int
}

func (s *stubSummarizer) Available() bool { return s.available }

func (s *stubSummarizer) Summarize(_ context.Context, text string) (string, error) {
	s.calls++
	s.lastInput = text
	return s.out, s.err
}

// ============ 🧪 环境搭建 ============

type testEnv struct {
	svc     *Service
	docs    *document.Repository
	chunks  *chunk.Repository
	store   *stubObjectStore
	parse   *stubParser
	dense   *stubDense
	vectors *stubVectorStore
	summary *stubSummarizer
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&document.Document{}, &chunk.Chunk{}))

	logger := zap.NewNop()
	env := &testEnv{
		docs:    document.NewRepository(db, logger),
		chunks:  chunk.NewRepository(db, logger),
		store:   newStubObjectStore(),
		parse:   &stubParser{result: blockResult()},
		dense:   &stubDense{},
		vectors: &stubVectorStore{},
		summary: &stubSummarizer{},
	}
	env.svc = NewService(
		config.DefaultChunkingConfig(),
		config.DefaultLLMConfig(),
		env.docs, env.chunks, env.store, env.parse,
		env.dense, &stubSparse{}, env.vectors,
		nil, env.summary, logger,
	)
	return env
}

// blockResult 一份足够触发父子切块的解析结果
func blockResult() *parser.Result {
	return &parser.Result{
		Markdown: "# 第一章 系统概述\n\n本系统由解析、切块、向量化三个阶段组成。",
		Blocks: []parser.Block{
			{Type: parser.BlockTitle, Text: "第一章 系统概述", PageNumbers: []int{1}},
			{Type: parser.BlockText, Text: strings.Repeat("本系统由解析、切块、向量化三个阶段组成。", 40), PageNumbers: []int{1}},
			{Type: parser.BlockTable, TableBody: "| 阶段 | 说明 |\n| --- | --- |\n| 解析 | MinerU |", PageNumbers: []int{2}},
		},
	}
}

func uploadReq(nb, filename string, data []byte) UploadRequest {
	return UploadRequest{NotebookID: nb, UserID: 1, Filename: filename, Data: data}
}

// ============ 🧪 上传 ============

func TestUploadCreatesDocument(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	data := []byte("hello pdf content")
	doc, err := env.svc.Upload(ctx, uploadReq("nb1", "report.pdf", data))
	require.NoError(t, err)

	assert.Equal(t, document.StatusUploaded, doc.Status)
	assert.Equal(t, int64(len(data)), doc.ByteSize)
	sum := sha256.Sum256(data)
	assert.Equal(t, hex.EncodeToString(sum[:]), doc.FileHash)
	assert.Contains(t, env.store.objects, doc.StoragePath)
}

func TestUploadRejectsEmptyAndUnsupported(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.svc.Upload(ctx, uploadReq("nb1", "report.pdf", nil))
	assert.Equal(t, types.ErrEmptyFile, types.GetErrorCode(err))

	_, err = env.svc.Upload(ctx, uploadReq("nb1", "virus.exe", []byte("x")))
	assert.Equal(t, types.ErrUnsupportedFormat, types.GetErrorCode(err))
}

func TestUploadDeduplicatesWithinNotebook(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	data := []byte("same bytes")
	first, err := env.svc.Upload(ctx, uploadReq("nb1", "a.pdf", data))
	require.NoError(t, err)
	second, err := env.svc.Upload(ctx, uploadReq("nb1", "b.pdf", data))
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Len(t, env.store.objects, 1)
}

func TestUploadClonesFromReadyDonor(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	data := []byte("shared corpus")
	donor, err := env.svc.Upload(ctx, uploadReq("nb1", "a.pdf", data))
	require.NoError(t, err)
	donor, err = env.svc.Process(ctx, donor.ID)
	require.NoError(t, err)
	require.Equal(t, document.StatusReady, donor.Status)
	donorVectors := len(env.vectors.upserted)
	require.Greater(t, donorVectors, 0)

	clone, err := env.svc.Upload(ctx, uploadReq("nb2", "a.pdf", data))
	require.NoError(t, err)

	assert.Equal(t, document.StatusReady, clone.Status)
	assert.NotEqual(t, donor.ID, clone.ID)
	// 解析只跑过捐赠文档一次
	assert.Equal(t, 1, env.parse.calls)

	cloneChunks, err := env.chunks.ListByDocument(ctx, clone.ID, true)
	require.NoError(t, err)
	donorChunks, err := env.chunks.ListByDocument(ctx, donor.ID, true)
	require.NoError(t, err)
	require.Len(t, cloneChunks, len(donorChunks))

	donorIDs := make(map[string]bool)
	for _, c := range donorChunks {
		donorIDs[c.ID] = true
	}
	for _, c := range cloneChunks {
		assert.False(t, donorIDs[c.ID], "clone must mint new chunk IDs")
		assert.Equal(t, clone.ID, c.DocumentID)
		assert.Equal(t, "nb2", c.NotebookID)
		if c.ParentChunkID != nil {
			assert.False(t, donorIDs[*c.ParentChunkID], "parent references must be remapped")
		}
	}
	assert.Greater(t, len(env.vectors.upserted), donorVectors)
}

func TestUploadCloneFailureKeepsDocumentUploaded(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	data := []byte("shared corpus")
	donor, err := env.svc.Upload(ctx, uploadReq("nb1", "a.pdf", data))
	require.NoError(t, err)
	_, err = env.svc.Process(ctx, donor.ID)
	require.NoError(t, err)

	env.vectors.failUpsert = true
	clone, err := env.svc.Upload(ctx, uploadReq("nb2", "a.pdf", data))
	require.NoError(t, err)
	assert.Equal(t, document.StatusUploaded, clone.Status)
}

// ============ 🧪 解析流水线 ============

func TestProcessHappyPath(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	doc, err := env.svc.Upload(ctx, uploadReq("nb1", "report.pdf", []byte("pdf bytes")))
	require.NoError(t, err)

	processed, err := env.svc.Process(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, document.StatusReady, processed.Status)

	rows, err := env.chunks.ListByDocument(ctx, doc.ID, true)
	require.NoError(t, err)
	require.NotEmpty(t, rows)

	// 只有子块进向量库
	childCount := 0
	for _, c := range rows {
		if c.ParentChunkID != nil {
			childCount++
		}
	}
	require.Greater(t, childCount, 0)
	assert.Len(t, env.vectors.upserted, childCount)
	for _, row := range env.vectors.upserted {
		assert.Equal(t, "nb1", row.NotebookID)
		assert.Equal(t, doc.ID, row.DocumentID)
		assert.NotEmpty(t, row.Dense)
		assert.NotEmpty(t, row.Sparse)
		assert.Contains(t, row.Metadata, "content_preview")
		assert.Contains(t, row.Metadata, "chunk_index")
	}
}

func TestProcessIsIdempotentWhenReady(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	doc, err := env.svc.Upload(ctx, uploadReq("nb1", "report.pdf", []byte("pdf bytes")))
	require.NoError(t, err)
	_, err = env.svc.Process(ctx, doc.ID)
	require.NoError(t, err)

	again, err := env.svc.Process(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, document.StatusReady, again.Status)
	assert.Equal(t, 1, env.parse.calls)
}

func TestProcessParseFailureMarksFailed(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	doc, err := env.svc.Upload(ctx, uploadReq("nb1", "report.pdf", []byte("pdf bytes")))
	require.NoError(t, err)

	env.parse.err = types.NewError(types.ErrParseFailed, "all parser backends failed")
	failed, err := env.svc.Process(ctx, doc.ID)
	require.Error(t, err)
	require.NotNil(t, failed)
	assert.Equal(t, document.StatusFailed, failed.Status)
	assert.Contains(t, failed.ErrorLog, "all parser backends failed")
}

func TestProcessEmptyParseResultFails(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	doc, err := env.svc.Upload(ctx, uploadReq("nb1", "report.pdf", []byte("pdf bytes")))
	require.NoError(t, err)

	env.parse.result = &parser.Result{}
	failed, err := env.svc.Process(ctx, doc.ID)
	require.Error(t, err)
	assert.Equal(t, types.ErrParseFailed, types.GetErrorCode(err))
	assert.Equal(t, document.StatusFailed, failed.Status)
}

func TestProcessRetriesAfterFailure(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	doc, err := env.svc.Upload(ctx, uploadReq("nb1", "report.pdf", []byte("pdf bytes")))
	require.NoError(t, err)

	env.parse.err = errors.New("upstream exploded")
	_, err = env.svc.Process(ctx, doc.ID)
	require.Error(t, err)

	// 失败后的重试从 FAILED 自动重置再跑
	env.parse.err = nil
	recovered, err := env.svc.Process(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, document.StatusReady, recovered.Status)
}

func TestProcessFallsBackToMarkdownChunking(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	doc, err := env.svc.Upload(ctx, uploadReq("nb1", "notes.md", []byte("markdown bytes")))
	require.NoError(t, err)

	env.parse.result = &parser.Result{Markdown: "# 标题\n\n正文内容，不带结构化 block。"}
	processed, err := env.svc.Process(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, document.StatusReady, processed.Status)

	rows, err := env.chunks.ListByDocument(ctx, doc.ID, true)
	require.NoError(t, err)
	assert.NotEmpty(t, rows)
}

func TestProcessRejectsConcurrentRun(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	doc, err := env.svc.Upload(ctx, uploadReq("nb1", "report.pdf", []byte("pdf bytes")))
	require.NoError(t, err)

	// 模拟另一个流程已经抢到 PARSING
	ok, err := env.docs.UpdateStatus(ctx, doc.ID, document.StatusParsing)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = env.svc.Process(ctx, doc.ID)
	assert.Equal(t, types.ErrInvalidTransition, types.GetErrorCode(err))
}

func TestProcessDeactivatesOldChunks(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	doc, err := env.svc.Upload(ctx, uploadReq("nb1", "report.pdf", []byte("pdf bytes")))
	require.NoError(t, err)

	stale := chunk.Chunk{
		ID: uuid.NewString(), DocumentID: doc.ID, NotebookID: "nb1",
		ChunkIndex: 0, ChunkType: chunk.TypeText, Content: "旧版本切片", IsActive: true,
	}
	require.NoError(t, env.chunks.BulkCreate(ctx, []chunk.Chunk{stale}))

	_, err = env.svc.Process(ctx, doc.ID)
	require.NoError(t, err)

	rows, err := env.chunks.ListByDocument(ctx, doc.ID, true)
	require.NoError(t, err)
	for _, c := range rows {
		assert.NotEqual(t, stale.ID, c.ID)
	}
}

// ============ 🧪 重新解析 / 删除 ============

func TestReparseResetsAndReruns(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	doc, err := env.svc.Upload(ctx, uploadReq("nb1", "report.pdf", []byte("pdf bytes")))
	require.NoError(t, err)
	_, err = env.svc.Process(ctx, doc.ID)
	require.NoError(t, err)

	reparsed, err := env.svc.Reparse(ctx, doc.ID, false)
	require.NoError(t, err)
	assert.Equal(t, document.StatusReady, reparsed.Status)
	assert.Equal(t, []string{doc.ID}, env.vectors.deletedDoc)
	assert.Equal(t, 2, env.parse.calls)
}

type stubImages struct {
	opts  imaging.Options
	calls int
}

func (s *stubImages) Preprocess(_ context.Context, _ []*parser.Block, _, _ string, opts imaging.Options) {
	s.calls++
	s.opts = opts
}

func TestReparseReusesImageCaptionsByDefault(t *testing.T) {
	env := newTestEnv(t)
	images := &stubImages{}
	env.svc.images = images
	ctx := context.Background()

	doc, err := env.svc.Upload(ctx, uploadReq("nb1", "report.pdf", []byte("pdf bytes")))
	require.NoError(t, err)
	_, err = env.svc.Process(ctx, doc.ID)
	require.NoError(t, err)

	caption := "【图表/图像分析】\n解析内容：\n旧版图片说明"
	prior := chunk.Chunk{
		ID: uuid.NewString(), DocumentID: doc.ID, NotebookID: "nb1",
		ChunkIndex: 99, ChunkType: chunk.TypeImageCaption,
		Content:  "https://minio.local/rag/images/nb1/" + doc.ID + "/0a1b2c.png?X-Amz-Signature=sig\n" + caption,
		IsActive: true,
	}
	require.NoError(t, env.chunks.BulkCreate(ctx, []chunk.Chunk{prior}))

	_, err = env.svc.Reparse(ctx, doc.ID, false)
	require.NoError(t, err)
	assert.False(t, images.opts.Recaption)
	assert.Equal(t, caption, images.opts.PriorCaptions["0a1b2c"])

	_, err = env.svc.Reparse(ctx, doc.ID, true)
	require.NoError(t, err)
	assert.True(t, images.opts.Recaption)
	assert.Nil(t, images.opts.PriorCaptions)
}

func TestDeleteRemovesVectorsChunksAndRow(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	doc, err := env.svc.Upload(ctx, uploadReq("nb1", "report.pdf", []byte("pdf bytes")))
	require.NoError(t, err)
	_, err = env.svc.Process(ctx, doc.ID)
	require.NoError(t, err)

	deleted, err := env.svc.Delete(ctx, doc.ID)
	require.NoError(t, err)
	assert.True(t, deleted)
	assert.Equal(t, []string{doc.ID}, env.vectors.deletedDoc)

	_, err = env.docs.GetByID(ctx, doc.ID)
	assert.Equal(t, types.ErrNotFound, types.GetErrorCode(err))

	rows, err := env.chunks.ListByDocument(ctx, doc.ID, false)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestDeleteUnknownDocument(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.svc.Delete(context.Background(), "no-such-doc")
	assert.Equal(t, types.ErrNotFound, types.GetErrorCode(err))
}

// ============ 🧪 Markdown 还原 ============

func markdownFixture(t *testing.T, env *testEnv, docID string) {
	t.Helper()
	parentID := uuid.NewString()
	rows := []chunk.Chunk{
		{
			ID: parentID, DocumentID: docID, NotebookID: "nb1",
			ChunkIndex: 0, ChunkType: chunk.TypeText,
			Content: "第一章 概述\n系统分三个阶段。", IsActive: true,
		},
		{
			ID: uuid.NewString(), DocumentID: docID, NotebookID: "nb1",
			ParentChunkID: &parentID,
			ChunkIndex:    1, ChunkType: chunk.TypeText, Content: "系统分三个阶段。", IsActive: true,
		},
		{
			ID: uuid.NewString(), DocumentID: docID, NotebookID: "nb1",
			ChunkIndex: 2, ChunkType: chunk.TypeImageCaption,
			Content: "https://files.local/pic.PNG?sig=abc\n架构图", IsActive: true,
		},
	}
	require.NoError(t, env.chunks.BulkCreate(context.Background(), rows))
}

func TestMarkdownReconstructsSegments(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	doc, err := env.svc.Upload(ctx, uploadReq("nb1", "report.pdf", []byte("pdf bytes")))
	require.NoError(t, err)
	markdownFixture(t, env, doc.ID)

	result, err := env.svc.Markdown(ctx, doc.ID)
	require.NoError(t, err)
	require.Len(t, result.Segments, 2)

	// 被引用的父块在前，子块不单独出现
	assert.Equal(t, "parent", result.Segments[0].Type)
	assert.Contains(t, result.Segments[0].Content, "第一章 概述")
	assert.Equal(t, "standalone", result.Segments[1].Type)
	// 单行图片 URL 转为 Markdown 图片语法
	assert.Contains(t, result.Segments[1].Content, "![image](https://files.local/pic.PNG?sig=abc)")
}

func TestMarkdownGeneratesSummaryOnce(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	doc, err := env.svc.Upload(ctx, uploadReq("nb1", "report.pdf", []byte("pdf bytes")))
	require.NoError(t, err)
	markdownFixture(t, env, doc.ID)

	env.summary.available = true
	env.summary.out = "本文概述了系统的三个处理阶段。"

	first, err := env.svc.Markdown(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, env.summary.out, first.Summary)
	assert.Equal(t, 1, env.summary.calls)
	assert.Contains(t, env.summary.lastInput, "第一章 概述")

	// 第二次直接用落库的总结
	second, err := env.svc.Markdown(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, env.summary.out, second.Summary)
	assert.Equal(t, 1, env.summary.calls)
}

func TestMarkdownSummaryFailureNonFatal(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	doc, err := env.svc.Upload(ctx, uploadReq("nb1", "report.pdf", []byte("pdf bytes")))
	require.NoError(t, err)
	markdownFixture(t, env, doc.ID)

	env.summary.available = true
	env.summary.err = errors.New("llm down")

	result, err := env.svc.Markdown(ctx, doc.ID)
	require.NoError(t, err)
	assert.Empty(t, result.Summary)
	assert.Len(t, result.Segments, 2)
}

func TestMarkdownSummarizerDisabled(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	doc, err := env.svc.Upload(ctx, uploadReq("nb1", "report.pdf", []byte("pdf bytes")))
	require.NoError(t, err)
	markdownFixture(t, env, doc.ID)

	result, err := env.svc.Markdown(ctx, doc.ID)
	require.NoError(t, err)
	assert.Empty(t, result.Summary)
	assert.Zero(t, env.summary.calls)
}

func TestReconstructSegmentsSkipsEmptyContent(t *testing.T) {
	rows := []chunk.Chunk{
		{ID: "a", ChunkIndex: 0, Content: "   \n"},
		{ID: "b", ChunkIndex: 1, Content: "有效内容"},
	}
	segments := reconstructSegments(rows)
	require.Len(t, segments, 1)
	assert.Equal(t, "b", segments[0].ChunkID)
}

func TestImageURLsAsMarkdown(t *testing.T) {
	in := "说明文字\nhttps://files.local/a.jpg\nhttp://x.io/b.webp?token=1\nnot-a-url.png"
	out := imageURLsAsMarkdown(in)
	assert.Contains(t, out, "![image](https://files.local/a.jpg)")
	assert.Contains(t, out, "![image](http://x.io/b.webp?token=1)")
	assert.Contains(t, out, "说明文字")
	assert.Contains(t, out, "not-a-url.png")
	assert.NotContains(t, out, "![image](not-a-url.png)")
}

func TestContentPreviewTruncates(t *testing.T) {
	long := strings.Repeat("内", 2500)
	preview := contentPreview(long)
	assert.True(t, strings.HasSuffix(preview, "...[truncated]"))
	assert.Len(t, []rune(preview), 2000+len([]rune("...[truncated]")))

	short := "短文本"
	assert.Equal(t, short, contentPreview(short))
}

// ============ 🧪 指标上报 ============

type stubPipelineMetrics struct {
	processed []string
	stages    []string
	chunks    map[string]int
	embeds    []string
}

func (m *stubPipelineMetrics) RecordDocumentProcessed(status string) {
	m.processed = append(m.processed, status)
}

func (m *stubPipelineMetrics) RecordPipelineStage(stage string, _ time.Duration) {
	m.stages = append(m.stages, stage)
}

func (m *stubPipelineMetrics) RecordChunksCreated(chunkType string, count int) {
	if m.chunks == nil {
		m.chunks = map[string]int{}
	}
	m.chunks[chunkType] += count
}

func (m *stubPipelineMetrics) RecordEmbeddingRequest(kind, status string) {
	m.embeds = append(m.embeds, kind+":"+status)
}

func TestProcessReportsPipelineMetrics(t *testing.T) {
	env := newTestEnv(t)
	metrics := &stubPipelineMetrics{}
	env.svc.WithMetrics(metrics)
	ctx := context.Background()

	doc, err := env.svc.Upload(ctx, uploadReq("nb1", "report.pdf", []byte("pdf bytes")))
	require.NoError(t, err)
	_, err = env.svc.Process(ctx, doc.ID)
	require.NoError(t, err)

	assert.Equal(t, []string{string(document.StatusReady)}, metrics.processed)
	assert.Contains(t, metrics.stages, "parse")
	assert.Contains(t, metrics.stages, "chunk")
	assert.Contains(t, metrics.stages, "embed")
	assert.Contains(t, metrics.stages, "upsert")
	assert.NotEmpty(t, metrics.chunks)
	assert.Contains(t, metrics.embeds, "dense:success")
	assert.Contains(t, metrics.embeds, "sparse:success")
}

func TestProcessFailureReportsFailedMetric(t *testing.T) {
	env := newTestEnv(t)
	metrics := &stubPipelineMetrics{}
	env.svc.WithMetrics(metrics)
	ctx := context.Background()

	doc, err := env.svc.Upload(ctx, uploadReq("nb1", "report.pdf", []byte("pdf bytes")))
	require.NoError(t, err)
	env.parse.err = errors.New("parser exploded")

	_, err = env.svc.Process(ctx, doc.ID)
	require.Error(t, err)
	assert.Equal(t, []string{string(document.StatusFailed)}, metrics.processed)
}
