package search

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/knowbase/chunk"
	"github.com/BaSui01/knowbase/config"
	"github.com/BaSui01/knowbase/embedding"
	"github.com/BaSui01/knowbase/rerank"
	"github.com/BaSui01/knowbase/types"
	"github.com/BaSui01/knowbase/vectorstore"
)

type stubChunks struct {
	fts        []chunk.FTSMatch
	ftsErr     error
	ftsCalls   int
	rows       []chunk.Chunk
	parents    map[string]*chunk.Chunk
	parentErr  error
	lastChunks []string
}

func (s *stubChunks) FulltextSearch(_ context.Context, _, _ string, _ []string, _ []chunk.Type, _ int) ([]chunk.FTSMatch, error) {
	s.ftsCalls++
	return s.fts, s.ftsErr
}

func (s *stubChunks) GetByIDs(_ context.Context, ids []string) ([]chunk.Chunk, error) {
	s.lastChunks = ids
	idSet := make(map[string]bool, len(ids))
	for _, id := range ids {
		idSet[id] = true
	}
	var out []chunk.Chunk
	for _, c := range s.rows {
		if idSet[c.ID] {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *stubChunks) GetParentsBatch(_ context.Context, _ []string) (map[string]*chunk.Chunk, error) {
	if s.parentErr != nil {
		return nil, s.parentErr
	}
	return s.parents, nil
}

type stubStore struct {
	dense       []vectorstore.Hit
	denseErr    error
	sparse      []vectorstore.Hit
	sparseErr   error
	denseCalls  int
	sparseCalls int
	lastFilter  vectorstore.Filter
}

func (s *stubStore) SearchDense(_ context.Context, _ []float32, _ int, filter vectorstore.Filter) ([]vectorstore.Hit, error) {
	s.denseCalls++
	s.lastFilter = filter
	return s.dense, s.denseErr
}

func (s *stubStore) SearchSparse(_ context.Context, _ embedding.SparseVector, _ int, filter vectorstore.Filter) ([]vectorstore.Hit, error) {
	s.sparseCalls++
	return s.sparse, s.sparseErr
}

type stubDense struct{ err error }

func (s *stubDense) EmbedSingle(context.Context, string) ([]float32, error) {
	return []float32{1, 0}, s.err
}

type stubSparse struct{ err error }

func (s *stubSparse) EmbedSingle(context.Context, string) (embedding.SparseVector, error) {
	return embedding.SparseVector{1: 0.5}, s.err
}

type stubScorer struct {
	results  []rerank.Result
	err      error
	calls    int
	lastDocs []string
	lastTopN int
}

func (s *stubScorer) Rerank(_ context.Context, _ string, docs []string, topN int) ([]rerank.Result, error) {
	s.calls++
	s.lastDocs = docs
	s.lastTopN = topN
	return s.results, s.err
}

func textChunk(id, docID, content string) chunk.Chunk {
	return chunk.Chunk{ID: id, DocumentID: docID, NotebookID: "nb1", ChunkType: chunk.TypeText, Content: content, IsActive: true}
}

func newTestService(chunks *stubChunks, store *stubStore, scorer *stubScorer) *Service {
	return NewService(config.DefaultSearchConfig(), chunks, store, &stubDense{}, &stubSparse{}, scorer, zap.NewNop())
}

func boolPtr(b bool) *bool { return &b }

func TestSearchValidatesRequest(t *testing.T) {
	svc := newTestService(&stubChunks{}, &stubStore{}, &stubScorer{})

	_, err := svc.Search(context.Background(), &Request{Query: "q"})
	require.Error(t, err)
	assert.Equal(t, types.ErrInvalidRequest, types.GetErrorCode(err))

	_, err = svc.Search(context.Background(), &Request{NotebookID: "nb1"})
	require.Error(t, err)

	_, err = svc.Search(context.Background(), &Request{NotebookID: "nb1", Query: "q", TopK: 51})
	require.Error(t, err)
}

func TestSearchEmptyDocumentIDsShortCircuits(t *testing.T) {
	chunks := &stubChunks{}
	store := &stubStore{}
	svc := newTestService(chunks, store, &stubScorer{})

	resp, err := svc.Search(context.Background(), &Request{
		NotebookID:  "nb1",
		Query:       "anything",
		DocumentIDs: []string{},
	})
	require.NoError(t, err)
	assert.Empty(t, resp.Hits)
	assert.Zero(t, resp.Total)
	assert.Zero(t, chunks.ftsCalls)
	assert.Zero(t, store.denseCalls)
	assert.Zero(t, store.sparseCalls)
}

func TestSearchFusesPathsAndReranks(t *testing.T) {
	chunks := &stubChunks{
		fts: []chunk.FTSMatch{{ChunkID: "c1", Rank: 0.5}},
		rows: []chunk.Chunk{
			textChunk("c1", "d1", "exact and sparse content"),
			textChunk("c2", "d1", "sparse only content"),
			textChunk("c3", "d2", "dense only content"),
		},
	}
	store := &stubStore{
		sparse: []vectorstore.Hit{
			{ChunkID: "c1", DocumentID: "d1", Score: 12.0},
			{ChunkID: "c2", DocumentID: "d1", Score: 9.0},
		},
		dense: []vectorstore.Hit{{ChunkID: "c3", DocumentID: "d2", Score: 0.88}},
	}
	// 精排把 dense 命中排到第一（RRF 序为 c1, c3, c2）
	scorer := &stubScorer{results: []rerank.Result{{Index: 1, Score: 0.95}, {Index: 0, Score: 0.4}}}
	svc := newTestService(chunks, store, scorer)

	resp, err := svc.Search(context.Background(), &Request{NotebookID: "nb1", Query: "查询"})
	require.NoError(t, err)

	assert.Equal(t, 1, resp.PathStats["exact"])
	assert.Equal(t, 2, resp.PathStats["sparse"])
	assert.Equal(t, 1, resp.PathStats["dense"])
	assert.Equal(t, 3, resp.PathStats["rrf_top"])
	assert.Equal(t, 2, resp.PathStats["rerank_top"])

	require.Len(t, resp.Hits, 2)
	// c1 两路命中，RRF 排第一
	assert.Equal(t, []string{"exact and sparse content", "dense only content", "sparse only content"}, scorer.lastDocs)

	assert.Equal(t, "c3", resp.Hits[0].ChunkID)
	assert.InDelta(t, 0.95, resp.Hits[0].Score, 1e-9)
	require.NotNil(t, resp.Hits[0].RerankScore)
	assert.Equal(t, []string{"dense"}, resp.Hits[0].Sources)

	assert.Equal(t, "c1", resp.Hits[1].ChunkID)
	assert.Equal(t, []string{"exact", "sparse"}, resp.Hits[1].Sources)
	assert.Equal(t, 2, resp.Total)
}

func TestSearchPathFailureTolerated(t *testing.T) {
	chunks := &stubChunks{
		fts:  []chunk.FTSMatch{{ChunkID: "c1", Rank: 0.5}},
		rows: []chunk.Chunk{textChunk("c1", "d1", "still here")},
	}
	store := &stubStore{
		denseErr:  errors.New("milvus down"),
		sparseErr: errors.New("milvus down"),
	}
	svc := newTestService(chunks, store, &stubScorer{err: errors.New("no reranker")})

	resp, err := svc.Search(context.Background(), &Request{NotebookID: "nb1", Query: "q"})
	require.NoError(t, err)
	require.Len(t, resp.Hits, 1)
	assert.Equal(t, "c1", resp.Hits[0].ChunkID)
	assert.Zero(t, resp.PathStats["dense"])
	assert.Zero(t, resp.PathStats["sparse"])
	assert.Equal(t, 1, resp.PathStats["exact"])
}

func TestSearchAllPathsFailReturnsEmpty(t *testing.T) {
	chunks := &stubChunks{ftsErr: errors.New("pg down")}
	store := &stubStore{
		denseErr:  errors.New("milvus down"),
		sparseErr: errors.New("milvus down"),
	}
	svc := newTestService(chunks, store, &stubScorer{})

	resp, err := svc.Search(context.Background(), &Request{NotebookID: "nb1", Query: "q"})
	require.NoError(t, err)
	assert.Empty(t, resp.Hits)
	assert.Equal(t, map[string]int{"exact": 0, "sparse": 0, "dense": 0}, resp.PathStats)
}

func TestSearchRerankFailureFallsBackToRRF(t *testing.T) {
	chunks := &stubChunks{
		rows: []chunk.Chunk{
			textChunk("c1", "d1", "one"),
			textChunk("c2", "d1", "two"),
		},
	}
	store := &stubStore{
		dense: []vectorstore.Hit{
			{ChunkID: "c1", Score: 0.9},
			{ChunkID: "c2", Score: 0.8},
		},
	}
	scorer := &stubScorer{err: errors.New("jina 502")}
	svc := newTestService(chunks, store, scorer)

	resp, err := svc.Search(context.Background(), &Request{
		NotebookID:   "nb1",
		Query:        "q",
		TopK:         1,
		EnableExact:  boolPtr(false),
		EnableSparse: boolPtr(false),
	})
	require.NoError(t, err)
	require.Len(t, resp.Hits, 1)
	assert.Equal(t, "c1", resp.Hits[0].ChunkID)
	assert.Nil(t, resp.Hits[0].RerankScore)
	assert.Zero(t, resp.PathStats["rerank_top"])
	// 降级后分数为 RRF 融合分
	assert.InDelta(t, 1.0/61, resp.Hits[0].Score, 1e-6)
}

func TestSearchDisabledRerankUsesRRFOrder(t *testing.T) {
	chunks := &stubChunks{
		rows: []chunk.Chunk{textChunk("c1", "d1", "one")},
	}
	store := &stubStore{dense: []vectorstore.Hit{{ChunkID: "c1", Score: 0.9}}}
	scorer := &stubScorer{}
	svc := newTestService(chunks, store, scorer)

	resp, err := svc.Search(context.Background(), &Request{
		NotebookID:   "nb1",
		Query:        "q",
		EnableExact:  boolPtr(false),
		EnableSparse: boolPtr(false),
		EnableRerank: boolPtr(false),
	})
	require.NoError(t, err)
	require.Len(t, resp.Hits, 1)
	assert.Zero(t, scorer.calls)
	assert.Nil(t, resp.Hits[0].RerankScore)
}

func TestSearchAttachesParentContent(t *testing.T) {
	parentID := "p1"
	child := textChunk("c1", "d1", "child content")
	child.ParentChunkID = &parentID
	parent := textChunk("p1", "d1", "parent narrative around the child")

	chunks := &stubChunks{
		rows:    []chunk.Chunk{child},
		parents: map[string]*chunk.Chunk{"c1": &parent},
	}
	store := &stubStore{dense: []vectorstore.Hit{{ChunkID: "c1", Score: 0.9}}}
	svc := newTestService(chunks, store, &stubScorer{results: []rerank.Result{{Index: 0, Score: 0.8}}})

	resp, err := svc.Search(context.Background(), &Request{
		NotebookID:   "nb1",
		Query:        "q",
		EnableExact:  boolPtr(false),
		EnableSparse: boolPtr(false),
	})
	require.NoError(t, err)
	require.Len(t, resp.Hits, 1)
	assert.Equal(t, "parent narrative around the child", resp.Hits[0].ParentContent)

	// 关闭 Parent 扩展后不再携带
	resp, err = svc.Search(context.Background(), &Request{
		NotebookID:   "nb1",
		Query:        "q",
		UseParent:    boolPtr(false),
		EnableExact:  boolPtr(false),
		EnableSparse: boolPtr(false),
	})
	require.NoError(t, err)
	require.Len(t, resp.Hits, 1)
	assert.Empty(t, resp.Hits[0].ParentContent)
}

func TestSearchChunkTypeFilterReachesStore(t *testing.T) {
	chunks := &stubChunks{}
	store := &stubStore{}
	svc := newTestService(chunks, store, &stubScorer{})

	_, err := svc.Search(context.Background(), &Request{
		NotebookID:   "nb1",
		Query:        "q",
		DocumentIDs:  []string{"d1"},
		ChunkTypes:   []chunk.Type{chunk.TypeTable},
		EnableExact:  boolPtr(false),
		EnableSparse: boolPtr(false),
	})
	require.NoError(t, err)
	assert.Equal(t, "nb1", store.lastFilter.NotebookID)
	assert.Equal(t, []string{"d1"}, store.lastFilter.DocumentIDs)
	assert.Equal(t, []string{"TABLE"}, store.lastFilter.ChunkTypes)
}

func TestSearchSkipsHitsMissingFromPostgres(t *testing.T) {
	// 向量库残留了已删除文档的向量
	chunks := &stubChunks{rows: []chunk.Chunk{textChunk("c1", "d1", "alive")}}
	store := &stubStore{dense: []vectorstore.Hit{
		{ChunkID: "ghost", Score: 0.95},
		{ChunkID: "c1", Score: 0.9},
	}}
	svc := newTestService(chunks, store, &stubScorer{results: []rerank.Result{{Index: 0, Score: 0.7}}})

	resp, err := svc.Search(context.Background(), &Request{
		NotebookID:   "nb1",
		Query:        "q",
		EnableExact:  boolPtr(false),
		EnableSparse: boolPtr(false),
	})
	require.NoError(t, err)
	require.Len(t, resp.Hits, 1)
	assert.Equal(t, "c1", resp.Hits[0].ChunkID)
}

type stubSearchMetrics struct {
	statuses  []string
	lastStats map[string]int
}

func (m *stubSearchMetrics) RecordSearch(status string, _ time.Duration, pathStats map[string]int) {
	m.statuses = append(m.statuses, status)
	m.lastStats = pathStats
}

func TestSearchReportsMetrics(t *testing.T) {
	chunks := &stubChunks{
		fts:  []chunk.FTSMatch{{ChunkID: "c1", Rank: 0.5}},
		rows: []chunk.Chunk{textChunk("c1", "d1", "content")},
	}
	svc := newTestService(chunks, &stubStore{}, &stubScorer{})
	m := &stubSearchMetrics{}
	svc.WithMetrics(m)

	_, err := svc.Search(context.Background(), &Request{
		NotebookID:   "nb1",
		Query:        "content",
		EnableRerank: boolPtr(false),
	})
	require.NoError(t, err)
	require.Len(t, m.statuses, 1)
	assert.Equal(t, "success", m.statuses[0])
	assert.Equal(t, 1, m.lastStats["exact"])

	_, err = svc.Search(context.Background(), &Request{Query: "no notebook"})
	require.Error(t, err)
	require.Len(t, m.statuses, 2)
	assert.Equal(t, "error", m.statuses[1])
}
