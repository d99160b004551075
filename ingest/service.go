// Package ingest 文档入库流水线。
//
// 驱动 UPLOADED → PARSING → PARSED → EMBEDDING → READY 的全流程：
// 上传去重（同笔记本防重 + 跨笔记本秒传）、MinerU 解析、
// Parent-Child 切块、仅子块向量化写入 Milvus。
// 状态写入全部走守卫式更新，并发的重复请求会在状态机上被拒绝。
package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/knowbase/chunk"
	"github.com/BaSui01/knowbase/chunking"
	"github.com/BaSui01/knowbase/config"
	"github.com/BaSui01/knowbase/document"
	"github.com/BaSui01/knowbase/embedding"
	"github.com/BaSui01/knowbase/imaging"
	"github.com/BaSui01/knowbase/llm"
	"github.com/BaSui01/knowbase/parser"
	"github.com/BaSui01/knowbase/storage"
	"github.com/BaSui01/knowbase/types"
	"github.com/BaSui01/knowbase/vectorstore"
)

// ObjectStore 原始文件与图片的对象存储能力
type ObjectStore interface {
	Upload(ctx context.Context, objectName string, data []byte, contentType string) error
	Download(ctx context.Context, objectName string) ([]byte, error)
	PresignedURL(ctx context.Context, objectName string) (string, error)
}

// Parser 文档解析能力
type Parser interface {
	Parse(ctx context.Context, req parser.Request) (*parser.Result, error)
}

// DenseEmbedder 稠密向量化能力
type DenseEmbedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// SparseEmbedder 稀疏向量化能力
type SparseEmbedder interface {
	Embed(ctx context.Context, texts []string) ([]embedding.SparseVector, error)
}

// VectorStore 向量库写删能力
type VectorStore interface {
	Upsert(ctx context.Context, rows []vectorstore.Row) (int, error)
	DeleteByDocument(ctx context.Context, documentID string) error
}

// ImagePreprocessor 图片 block 预处理能力
type ImagePreprocessor interface {
	Preprocess(ctx context.Context, blocks []*parser.Block, notebookID, documentID string, opts imaging.Options)
}

// Summarizer 文档总结能力
type Summarizer interface {
	Available() bool
	Summarize(ctx context.Context, text string) (string, error)
}

// PipelineMetrics 流水线指标上报能力，可选注入
type PipelineMetrics interface {
	RecordDocumentProcessed(status string)
	RecordPipelineStage(stage string, duration time.Duration)
	RecordChunksCreated(chunkType string, count int)
	RecordEmbeddingRequest(kind, status string)
}

// chainParser 把解析器工厂适配成按文件名选链的 Parser
type chainParser struct {
	factory *parser.Factory
}

// NewChainParser 按文件扩展名路由解析链
func NewChainParser(factory *parser.Factory) Parser {
	return &chainParser{factory: factory}
}

func (p *chainParser) Parse(ctx context.Context, req parser.Request) (*parser.Result, error) {
	chain, err := p.factory.ChainFor(req.Filename)
	if err != nil {
		return nil, err
	}
	return chain.Parse(ctx, req)
}

// Service 入库流水线服务
type Service struct {
	chunkingCfg config.ChunkingConfig
	llmCfg      config.LLMConfig

	docs    *document.Repository
	chunks  *chunk.Repository
	store   ObjectStore
	parse   Parser
	chunker *chunking.Chunker
	tok     chunking.Tokenizer
	dense   DenseEmbedder
	sparse  SparseEmbedder
	vectors VectorStore
	images  ImagePreprocessor
	summary Summarizer
	metrics PipelineMetrics
	logger  *zap.Logger
}

// NewService 创建入库服务。images 与 summary 可为 nil（对应能力关闭）。
func NewService(
	chunkingCfg config.ChunkingConfig,
	llmCfg config.LLMConfig,
	docs *document.Repository,
	chunks *chunk.Repository,
	store ObjectStore,
	parse Parser,
	dense DenseEmbedder,
	sparse SparseEmbedder,
	vectors VectorStore,
	images ImagePreprocessor,
	summary Summarizer,
	logger *zap.Logger,
) *Service {
	tok := chunking.NewTokenizer()
	return &Service{
		chunkingCfg: chunkingCfg,
		llmCfg:      llmCfg,
		docs:        docs,
		chunks:      chunks,
		store:       store,
		parse:       parse,
		chunker:     chunking.NewChunker(chunkingCfg, tok),
		tok:         tok,
		dense:       dense,
		sparse:      sparse,
		vectors:     vectors,
		images:      images,
		summary:     summary,
		logger:      logger.With(zap.String("component", "ingest_service")),
	}
}

// WithMetrics 注入流水线指标收集器
func (s *Service) WithMetrics(m PipelineMetrics) *Service {
	s.metrics = m
	return s
}

func (s *Service) observeStage(stage string, start time.Time) {
	if s.metrics != nil {
		s.metrics.RecordPipelineStage(stage, time.Since(start))
	}
}

// ============ 📤 上传 ============

// UploadRequest 上传参数
type UploadRequest struct {
	NotebookID  string
	UserID      int64
	Filename    string
	Data        []byte
	ContentType string
}

// Upload 上传文档：
// 1. SHA-256 去重（同笔记本直接返回已有记录）
// 2. 写入对象存储与 documents 表
// 3. 跨笔记本命中已就绪的同内容文档时秒传（复制切片 + 重新向量化）
func (s *Service) Upload(ctx context.Context, req UploadRequest) (*document.Document, error) {
	if len(req.Data) == 0 {
		return nil, types.NewError(types.ErrEmptyFile, "uploaded file is empty").WithHTTPStatus(400)
	}
	if !parser.IsSupported(req.Filename) {
		return nil, types.NewError(types.ErrUnsupportedFormat,
			fmt.Sprintf("unsupported file type: %s", req.Filename)).WithHTTPStatus(400)
	}

	sum := sha256.Sum256(req.Data)
	fileHash := hex.EncodeToString(sum[:])

	existing, err := s.docs.FindByNotebookAndHash(ctx, req.NotebookID, fileHash)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		s.logger.Info("duplicate upload in notebook, returning existing document",
			zap.String("doc_id", existing.ID))
		return existing, nil
	}

	docID := uuid.NewString()
	storagePath := storage.DocumentObjectPath(req.NotebookID, docID, req.Filename)
	contentType := req.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	if err := s.store.Upload(ctx, storagePath, req.Data, contentType); err != nil {
		return nil, err
	}

	donor, err := s.docs.FindReadyByHash(ctx, fileHash, req.NotebookID)
	if err != nil {
		return nil, err
	}

	doc := &document.Document{
		ID:          docID,
		NotebookID:  req.NotebookID,
		UserID:      req.UserID,
		Filename:    req.Filename,
		FileHash:    fileHash,
		ByteSize:    int64(len(req.Data)),
		StoragePath: storagePath,
		Status:      document.StatusUploaded,
		Metadata:    document.JSONMap{},
	}
	if err := s.docs.Create(ctx, doc); err != nil {
		return nil, err
	}

	if donor != nil {
		s.logger.Info("cross-notebook instant clone",
			zap.String("donor_id", donor.ID),
			zap.String("doc_id", docID))
		if err := s.cloneFromDonor(ctx, donor.ID, doc); err != nil {
			s.logger.Warn("instant clone failed, document stays UPLOADED for normal parsing",
				zap.Error(err))
			return doc, nil
		}
		return s.docs.GetByID(ctx, docID)
	}
	return doc, nil
}

// ============ ⚙️ 解析流水线 ============

// Process 驱动文档全流程解析。已 READY 的文档幂等返回；
// FAILED 的文档先重置回 UPLOADED 再跑（队列重试依赖这一点）；
// 中间态（PARSING/PARSED/EMBEDDING）说明有并发流程在跑，直接拒绝。
func (s *Service) Process(ctx context.Context, docID string) (*document.Document, error) {
	return s.process(ctx, docID, false)
}

func (s *Service) process(ctx context.Context, docID string, recaption bool) (*document.Document, error) {
	doc, err := s.docs.GetByID(ctx, docID)
	if err != nil {
		return nil, err
	}
	if doc.Status == document.StatusReady {
		return doc, nil
	}
	if doc.Status == document.StatusFailed {
		if _, err := s.docs.UpdateStatus(ctx, docID, document.StatusUploaded); err != nil {
			return nil, err
		}
	}

	ok, err := s.docs.UpdateStatus(ctx, docID, document.StatusParsing)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, types.NewError(types.ErrInvalidTransition,
			fmt.Sprintf("document %s is already being processed", docID)).WithHTTPStatus(409)
	}

	if err := s.runPipeline(ctx, doc, recaption); err != nil {
		_ = s.docs.MarkFailed(ctx, docID, err)
		if s.metrics != nil {
			s.metrics.RecordDocumentProcessed(string(document.StatusFailed))
		}
		refreshed, gerr := s.docs.GetByID(ctx, docID)
		if gerr != nil {
			return nil, err
		}
		return refreshed, err
	}
	if s.metrics != nil {
		s.metrics.RecordDocumentProcessed(string(document.StatusReady))
	}
	return s.docs.GetByID(ctx, docID)
}

func (s *Service) runPipeline(ctx context.Context, doc *document.Document, recaption bool) error {
	s.logger.Info("parsing started",
		zap.String("doc_id", doc.ID),
		zap.String("filename", doc.Filename))

	data, err := s.store.Download(ctx, doc.StoragePath)
	if err != nil {
		return fmt.Errorf("download source file: %w", err)
	}
	fileURL, err := s.store.PresignedURL(ctx, doc.StoragePath)
	if err != nil {
		s.logger.Warn("presign source url failed, external parser will be skipped", zap.Error(err))
		fileURL = ""
	}

	parseStart := time.Now()
	result, err := s.parse.Parse(ctx, parser.Request{
		Filename: doc.Filename,
		Data:     data,
		FileURL:  fileURL,
	})
	if err != nil {
		return err
	}
	s.observeStage("parse", parseStart)
	s.logger.Info("parsing finished",
		zap.String("doc_id", doc.ID),
		zap.Int("blocks", len(result.Blocks)),
		zap.Int("markdown_len", len(result.Markdown)))

	if _, err := s.docs.UpdateStatus(ctx, doc.ID, document.StatusParsed); err != nil {
		return err
	}

	// 图片 block：上传对象存储并可选 VLM 融合说明。
	// 除非明确要求重新理解，上一轮留下的说明按内容哈希复用，避免重复调模型。
	if s.images != nil && len(result.Blocks) > 0 {
		ptrs := make([]*parser.Block, len(result.Blocks))
		for i := range result.Blocks {
			ptrs[i] = &result.Blocks[i]
		}
		opts := imaging.Options{Recaption: recaption}
		if !recaption {
			opts.PriorCaptions = s.priorCaptions(ctx, doc.ID)
		}
		s.images.Preprocess(ctx, ptrs, doc.NotebookID, doc.ID, opts)
	}

	if len(result.Blocks) == 0 && strings.TrimSpace(result.Markdown) == "" {
		return types.NewError(types.ErrParseFailed, "parser returned empty content")
	}

	chunkStart := time.Now()
	var pieces []chunking.Chunk
	if len(result.Blocks) > 0 {
		pieces = s.chunker.ProcessBlocks(result.Blocks, doc.ID, doc.NotebookID)
	} else {
		s.logger.Info("no structured blocks, falling back to markdown chunking",
			zap.String("doc_id", doc.ID))
		pieces = s.chunker.ChunkMarkdown(result.Markdown, doc.ID, doc.NotebookID)
	}
	s.observeStage("chunk", chunkStart)
	if len(pieces) == 0 {
		return types.NewError(types.ErrParseFailed, "no usable chunks produced")
	}

	parentCount := 0
	for _, p := range pieces {
		if p.IsParent {
			parentCount++
		}
	}
	s.logger.Info("chunking finished",
		zap.String("doc_id", doc.ID),
		zap.Int("parents", parentCount),
		zap.Int("children", len(pieces)-parentCount))

	if _, err := s.chunks.DeactivateByDocument(ctx, doc.ID); err != nil {
		return err
	}
	if err := s.chunks.BulkCreate(ctx, toChunkRows(pieces)); err != nil {
		return err
	}
	if s.metrics != nil {
		byType := make(map[chunk.Type]int)
		for _, p := range pieces {
			byType[p.ChunkType]++
		}
		for ct, n := range byType {
			s.metrics.RecordChunksCreated(string(ct), n)
		}
	}

	if _, err := s.docs.UpdateStatus(ctx, doc.ID, document.StatusEmbedding); err != nil {
		return err
	}

	var children []chunking.Chunk
	for _, p := range pieces {
		if !p.IsParent {
			children = append(children, p)
		}
	}
	if len(children) > 0 {
		if err := s.embedAndUpsert(ctx, doc.NotebookID, children); err != nil {
			return fmt.Errorf("embed children: %w", err)
		}
		s.logger.Info("vectors written",
			zap.String("doc_id", doc.ID),
			zap.Int("children", len(children)))
	} else {
		s.logger.Warn("no child chunks to embed", zap.String("doc_id", doc.ID))
	}

	if _, err := s.docs.UpdateStatus(ctx, doc.ID, document.StatusReady); err != nil {
		return err
	}
	s.logger.Info("document ready", zap.String("doc_id", doc.ID))
	return nil
}

func toChunkRows(pieces []chunking.Chunk) []chunk.Chunk {
	rows := make([]chunk.Chunk, len(pieces))
	for i, p := range pieces {
		rows[i] = chunk.Chunk{
			ID:            p.ID,
			DocumentID:    p.DocumentID,
			NotebookID:    p.NotebookID,
			ParentChunkID: p.ParentChunkID,
			ChunkIndex:    p.ChunkIndex,
			PageNumbers:   chunk.PageNumbers(p.PageNumbers),
			ChunkType:     p.ChunkType,
			Content:       p.Content,
			TokenCount:    p.TokenCount,
			IsActive:      true,
		}
	}
	return rows
}

// embedAndUpsert 对子块做 Dense+Sparse 并发向量化并写入 Milvus。
// 父块不进向量库：长文本向量语义模糊，子块短小聚焦，命中后再回查父块。
func (s *Service) embedAndUpsert(ctx context.Context, notebookID string, children []chunking.Chunk) error {
	texts := make([]string, len(children))
	for i, c := range children {
		texts[i] = chunking.ContentForEmbedding(c.Content, c.ChunkType, s.tok, s.chunkingCfg.MaxEmbeddingTokens)
	}

	embedStart := time.Now()
	var denseVecs [][]float32
	var sparseVecs []embedding.SparseVector
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		denseVecs, err = s.dense.Embed(gctx, texts)
		s.observeEmbedding("dense", err)
		return err
	})
	g.Go(func() error {
		var err error
		sparseVecs, err = s.sparse.Embed(gctx, texts)
		s.observeEmbedding("sparse", err)
		return err
	})
	if err := g.Wait(); err != nil {
		return err
	}
	s.observeStage("embed", embedStart)
	if len(denseVecs) != len(children) || len(sparseVecs) != len(children) {
		return types.NewError(types.ErrEmbeddingFailed,
			fmt.Sprintf("vector count mismatch: dense=%d sparse=%d children=%d",
				len(denseVecs), len(sparseVecs), len(children)))
	}

	rows := make([]vectorstore.Row, len(children))
	for i, c := range children {
		rows[i] = vectorstore.Row{
			ChunkID:    c.ID,
			NotebookID: notebookID,
			DocumentID: c.DocumentID,
			ChunkType:  string(c.ChunkType),
			Metadata: map[string]any{
				"page_numbers":    c.PageNumbers,
				"chunk_index":     c.ChunkIndex,
				"has_parent":      c.ParentChunkID != nil,
				"content_preview": contentPreview(c.Content),
			},
			Dense:  denseVecs[i],
			Sparse: sparseVecs[i],
		}
	}
	upsertStart := time.Now()
	_, err := s.vectors.Upsert(ctx, rows)
	if err == nil {
		s.observeStage("upsert", upsertStart)
	}
	return err
}

func (s *Service) observeEmbedding(kind string, err error) {
	if s.metrics == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	s.metrics.RecordEmbeddingRequest(kind, status)
}

// contentPreview 便于在 Milvus 侧直接观察 chunk 文本，存一份可控长度预览
func contentPreview(content string) string {
	const maxChars = 2000
	runes := []rune(content)
	if len(runes) <= maxChars {
		return content
	}
	return string(runes[:maxChars]) + "...[truncated]"
}

// ============ ⚡ 跨笔记本秒传 ============

// cloneFromDonor 复制捐赠文档的切片到新文档并重新向量化。
// Parent + Child 全部复制（生成新 ID 并重映射父子关系）。
func (s *Service) cloneFromDonor(ctx context.Context, donorDocID string, newDoc *document.Document) error {
	donorChunks, err := s.chunks.ListByDocument(ctx, donorDocID, true)
	if err != nil {
		return err
	}
	if len(donorChunks) == 0 {
		return types.NewError(types.ErrNotFound, "donor document has no chunks")
	}

	idMapping := make(map[string]string, len(donorChunks))
	newChunks := make([]chunk.Chunk, len(donorChunks))
	for i, dc := range donorChunks {
		newID := uuid.NewString()
		idMapping[dc.ID] = newID
		newChunks[i] = chunk.Chunk{
			ID:          newID,
			DocumentID:  newDoc.ID,
			NotebookID:  newDoc.NotebookID,
			ChunkIndex:  dc.ChunkIndex,
			PageNumbers: dc.PageNumbers,
			ChunkType:   dc.ChunkType,
			Content:     dc.Content,
			TokenCount:  dc.TokenCount,
			IsActive:    true,
		}
	}
	for i, dc := range donorChunks {
		if dc.ParentChunkID != nil {
			if mapped, ok := idMapping[*dc.ParentChunkID]; ok {
				newChunks[i].ParentChunkID = &mapped
			}
		}
	}

	if err := s.chunks.BulkCreate(ctx, newChunks); err != nil {
		return err
	}

	// 子块 + 非文本独立块参与向量化；全无时退化为全量
	var embedSet []chunking.Chunk
	for _, nc := range newChunks {
		if nc.ParentChunkID != nil || (nc.ParentChunkID == nil && nc.ChunkType != chunk.TypeText) {
			embedSet = append(embedSet, fromChunkRow(nc))
		}
	}
	if len(embedSet) == 0 {
		for _, nc := range newChunks {
			embedSet = append(embedSet, fromChunkRow(nc))
		}
	}
	if err := s.embedAndUpsert(ctx, newDoc.NotebookID, embedSet); err != nil {
		return err
	}

	// 秒传不经过解析，但状态仍按合法链路推进
	for _, target := range []document.Status{
		document.StatusParsing, document.StatusParsed, document.StatusEmbedding, document.StatusReady,
	} {
		if _, err := s.docs.UpdateStatus(ctx, newDoc.ID, target); err != nil {
			return err
		}
	}
	s.logger.Info("instant clone finished",
		zap.String("doc_id", newDoc.ID),
		zap.Int("chunks", len(newChunks)),
		zap.Int("embedded", len(embedSet)))
	return nil
}

func fromChunkRow(c chunk.Chunk) chunking.Chunk {
	return chunking.Chunk{
		ID:            c.ID,
		DocumentID:    c.DocumentID,
		NotebookID:    c.NotebookID,
		ChunkIndex:    c.ChunkIndex,
		Content:       c.Content,
		TokenCount:    c.TokenCount,
		ChunkType:     c.ChunkType,
		PageNumbers:   []int(c.PageNumbers),
		ParentChunkID: c.ParentChunkID,
		IsParent:      c.ParentChunkID == nil,
	}
}

// ============ 🔁 重新解析 / 删除 ============

// PrepareReparse 废弃旧切片与旧向量并把状态重置回 UPLOADED。
// 之后可以同步 Process，也可以丢给后台队列。
func (s *Service) PrepareReparse(ctx context.Context, docID string) error {
	if _, err := s.docs.GetByID(ctx, docID); err != nil {
		return err
	}
	if err := s.vectors.DeleteByDocument(ctx, docID); err != nil {
		return err
	}
	if _, err := s.chunks.DeactivateByDocument(ctx, docID); err != nil {
		return err
	}
	if _, err := s.docs.UpdateStatus(ctx, docID, document.StatusUploaded); err != nil {
		return err
	}
	return nil
}

// Reparse 重置后立刻同步重跑全流程。
// 适用于解析算法升级后的定向重解析。
// recaption 为 false 时复用已有的图片说明，只有显式要求才重调视觉模型。
func (s *Service) Reparse(ctx context.Context, docID string, recaption bool) (*document.Document, error) {
	if err := s.PrepareReparse(ctx, docID); err != nil {
		return nil, err
	}
	return s.process(ctx, docID, recaption)
}

// priorCaptions 从旧切片（含已废弃的）里收集图片说明，键为图片内容哈希。
// 图片对象名即内容哈希，从切片首行的预签名 URL 反推出来。
func (s *Service) priorCaptions(ctx context.Context, docID string) map[string]string {
	rows, err := s.chunks.ListByDocument(ctx, docID, false)
	if err != nil {
		s.logger.Warn("list prior chunks failed, captions will be regenerated", zap.Error(err))
		return nil
	}
	captions := make(map[string]string)
	for _, row := range rows {
		if row.ChunkType != chunk.TypeImageCaption {
			continue
		}
		url, caption, found := strings.Cut(row.Content, "\n")
		if !found || (!strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://")) {
			continue
		}
		key := imageKeyFromURL(url)
		caption = strings.TrimSpace(caption)
		if key == "" || caption == "" {
			continue
		}
		captions[key] = caption
	}
	return captions
}

// imageKeyFromURL 取预签名 URL 路径末段（去掉查询串与 .png 后缀）
func imageKeyFromURL(url string) string {
	if idx := strings.IndexByte(url, '?'); idx >= 0 {
		url = url[:idx]
	}
	if idx := strings.LastIndexByte(url, '/'); idx >= 0 {
		url = url[idx+1:]
	}
	return strings.TrimSuffix(url, ".png")
}

// Delete 删除文档：先清向量，再删行（切片与文档）。
func (s *Service) Delete(ctx context.Context, docID string) (bool, error) {
	if _, err := s.docs.GetByID(ctx, docID); err != nil {
		return false, err
	}
	if err := s.vectors.DeleteByDocument(ctx, docID); err != nil {
		return false, err
	}
	if err := s.chunks.DeleteByDocument(ctx, docID); err != nil {
		return false, err
	}
	return s.docs.Delete(ctx, docID)
}

// ============ 📄 Markdown 还原与总结 ============

// Segment 还原片段
type Segment struct {
	Type    string `json:"type"` // parent | standalone
	Content string `json:"content"`
	ChunkID string `json:"chunk_id"`
}

// MarkdownResult 文档还原结果
type MarkdownResult struct {
	Filename string    `json:"filename"`
	Segments []Segment `json:"segments"`
	Summary  string    `json:"summary"`
}

var imageURLLine = regexp.MustCompile(`(?i)^https?://\S+\.(png|jpg|jpeg|gif|webp|bmp)(\?\S*)?$`)

// Markdown 还原文档为有序片段并附带来源总结。
// 总结首次请求时生成并落库，生成失败不阻塞返回。
func (s *Service) Markdown(ctx context.Context, docID string) (*MarkdownResult, error) {
	doc, err := s.docs.GetByID(ctx, docID)
	if err != nil {
		return nil, err
	}
	rows, err := s.chunks.ListByDocument(ctx, docID, true)
	if err != nil {
		return nil, err
	}

	segments := reconstructSegments(rows)
	for i := range segments {
		segments[i].Content = imageURLsAsMarkdown(segments[i].Content)
	}

	summary := strings.TrimSpace(doc.Summary)
	if summary == "" && len(segments) > 0 {
		summary = s.generateSummary(ctx, docID, segments)
	}
	return &MarkdownResult{Filename: doc.Filename, Segments: segments, Summary: summary}, nil
}

// reconstructSegments 按 chunk 列表还原片段：
// 被子块引用的父块与无父的独立块各按 chunk_index 排序，父块在前。
func reconstructSegments(rows []chunk.Chunk) []Segment {
	if len(rows) == 0 {
		return nil
	}
	referenced := make(map[string]bool)
	for _, c := range rows {
		if c.ParentChunkID != nil {
			referenced[*c.ParentChunkID] = true
		}
	}

	var parents, standalone []chunk.Chunk
	for _, c := range rows {
		switch {
		case referenced[c.ID]:
			parents = append(parents, c)
		case c.ParentChunkID == nil:
			standalone = append(standalone, c)
		}
	}
	sort.Slice(parents, func(i, j int) bool { return parents[i].ChunkIndex < parents[j].ChunkIndex })
	sort.Slice(standalone, func(i, j int) bool { return standalone[i].ChunkIndex < standalone[j].ChunkIndex })

	var segments []Segment
	appendSeg := func(c chunk.Chunk, segType string) {
		text := strings.TrimRight(c.Content, " \n\t")
		if text == "" {
			return
		}
		segments = append(segments, Segment{Type: segType, Content: text, ChunkID: c.ID})
	}
	for _, c := range parents {
		appendSeg(c, "parent")
	}
	for _, c := range standalone {
		appendSeg(c, "standalone")
	}
	return segments
}

// imageURLsAsMarkdown 把单独一行的图片 URL 转为 Markdown 图片语法
func imageURLsAsMarkdown(text string) string {
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		if stripped := strings.TrimSpace(line); imageURLLine.MatchString(stripped) {
			lines[i] = fmt.Sprintf("![image](%s)", stripped)
		}
	}
	return strings.Join(lines, "\n")
}

// generateSummary 生成并落库来源总结，失败返回空串
func (s *Service) generateSummary(ctx context.Context, docID string, segments []Segment) string {
	if s.summary == nil || !s.summary.Available() {
		return ""
	}
	maxChars := s.llmCfg.SummaryMaxChars
	if maxChars <= 0 {
		maxChars = 6000
	}
	texts := make([]string, len(segments))
	for i, seg := range segments {
		texts[i] = seg.Content
	}
	input := llm.BuildSummaryInput(texts, maxChars)
	out, err := s.summary.Summarize(ctx, input)
	if err != nil || out == "" {
		if err != nil {
			s.logger.Warn("summary generation failed", zap.String("doc_id", docID), zap.Error(err))
		}
		return ""
	}
	if err := s.docs.UpdateSummary(ctx, docID, out); err != nil {
		s.logger.Warn("summary persist failed", zap.String("doc_id", docID), zap.Error(err))
	}
	return out
}
