package search

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/knowbase/chunk"
	"github.com/BaSui01/knowbase/internal/cache"
	"github.com/BaSui01/knowbase/vectorstore"
)

type fakeResultCache struct {
	entries map[string][]byte
	getErr  error
	setErr  error
	sets    int
}

func newFakeResultCache() *fakeResultCache {
	return &fakeResultCache{entries: map[string][]byte{}}
}

func (f *fakeResultCache) GetJSON(_ context.Context, key string, dest interface{}) error {
	if f.getErr != nil {
		return f.getErr
	}
	data, ok := f.entries[key]
	if !ok {
		return cache.ErrCacheMiss
	}
	return json.Unmarshal(data, dest)
}

func (f *fakeResultCache) SetJSON(_ context.Context, key string, value interface{}, _ time.Duration) error {
	if f.setErr != nil {
		return f.setErr
	}
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	f.entries[key] = data
	f.sets++
	return nil
}

func cachedFixture(rc ResultCache) (*CachedService, *stubStore) {
	chunks := &stubChunks{rows: []chunk.Chunk{textChunk("c1", "d1", "milvus index tuning")}}
	store := &stubStore{dense: []vectorstore.Hit{{ChunkID: "c1", Score: 0.9}}}
	inner := newTestService(chunks, store, &stubScorer{})
	return NewCachedService(inner, rc, time.Minute, zap.NewNop()), store
}

func TestCachedSearchSecondCallSkipsRecall(t *testing.T) {
	rc := newFakeResultCache()
	svc, store := cachedFixture(rc)

	req := func() *Request {
		return &Request{NotebookID: "nb1", Query: "milvus", EnableRerank: boolPtr(false)}
	}

	first, err := svc.Search(context.Background(), req())
	require.NoError(t, err)
	require.Len(t, first.Hits, 1)
	assert.Equal(t, 1, store.denseCalls)
	assert.Equal(t, 1, rc.sets)

	second, err := svc.Search(context.Background(), req())
	require.NoError(t, err)
	assert.Equal(t, first.Hits, second.Hits)
	// 第二次命中缓存，召回路不再被调用
	assert.Equal(t, 1, store.denseCalls)
}

func TestCachedSearchDifferentRequestsMissCache(t *testing.T) {
	rc := newFakeResultCache()
	svc, store := cachedFixture(rc)

	_, err := svc.Search(context.Background(), &Request{NotebookID: "nb1", Query: "milvus", EnableRerank: boolPtr(false)})
	require.NoError(t, err)

	_, err = svc.Search(context.Background(), &Request{NotebookID: "nb1", Query: "postgres", EnableRerank: boolPtr(false)})
	require.NoError(t, err)

	assert.Equal(t, 2, store.denseCalls)
	assert.Len(t, rc.entries, 2)
}

func TestCachedSearchCacheFailureFallsThrough(t *testing.T) {
	rc := newFakeResultCache()
	rc.getErr = errors.New("redis down")
	rc.setErr = errors.New("redis down")
	svc, store := cachedFixture(rc)

	resp, err := svc.Search(context.Background(), &Request{NotebookID: "nb1", Query: "milvus", EnableRerank: boolPtr(false)})
	require.NoError(t, err)
	assert.Len(t, resp.Hits, 1)
	assert.Equal(t, 1, store.denseCalls)
}

func TestCachedSearchValidationErrorNotCached(t *testing.T) {
	rc := newFakeResultCache()
	svc, _ := cachedFixture(rc)

	_, err := svc.Search(context.Background(), &Request{Query: "no notebook"})
	require.Error(t, err)
	assert.Empty(t, rc.entries)
}
