package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/knowbase/document"
)

type fakeNotebookRepo struct {
	created *document.Notebook
	stats   []document.NotebookStats
	updated bool
	deleted bool
}

func (f *fakeNotebookRepo) Create(_ context.Context, nb *document.Notebook) error {
	f.created = nb
	return nil
}

func (f *fakeNotebookRepo) GetStats(_ context.Context, id string) (*document.NotebookStats, error) {
	for i := range f.stats {
		if f.stats[i].ID == id {
			return &f.stats[i], nil
		}
	}
	return nil, document.ErrNotebookNotFound
}

func (f *fakeNotebookRepo) ListByUser(_ context.Context, _ int64, _, _ int) ([]document.NotebookStats, error) {
	return f.stats, nil
}

func (f *fakeNotebookRepo) UpdateTitle(_ context.Context, _, _ string) (bool, error) {
	return f.updated, nil
}

func (f *fakeNotebookRepo) Delete(_ context.Context, _ string) (bool, error) {
	return f.deleted, nil
}

type fakeDeleter struct {
	deleted []string
}

func (f *fakeDeleter) Delete(_ context.Context, docID string) (bool, error) {
	f.deleted = append(f.deleted, docID)
	return true, nil
}

func TestHandleNotebookCreate(t *testing.T) {
	repo := &fakeNotebookRepo{}
	h := NewNotebookHandler(repo, &fakeDocRepo{}, &fakeDeleter{}, zap.NewNop())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/rag/notebooks",
		strings.NewReader(`{"title":"  研发资料库 ","user_id":7}`))
	rec := httptest.NewRecorder()
	h.HandleCreate(rec, req)

	assert.Equal(t, http.StatusCreated, rec.Code)
	require.NotNil(t, repo.created)
	assert.Equal(t, "研发资料库", repo.created.Title)
	assert.Equal(t, int64(7), repo.created.UserID)
	assert.NotEmpty(t, repo.created.ID)
}

func TestHandleNotebookCreateRequiresTitle(t *testing.T) {
	h := NewNotebookHandler(&fakeNotebookRepo{}, &fakeDocRepo{}, &fakeDeleter{}, zap.NewNop())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/rag/notebooks",
		strings.NewReader(`{"title":"   "}`))
	rec := httptest.NewRecorder()
	h.HandleCreate(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleNotebookList(t *testing.T) {
	repo := &fakeNotebookRepo{stats: []document.NotebookStats{
		{Notebook: document.Notebook{ID: "nb-1", Title: "资料库"}, SourceCount: 3},
	}}
	h := NewNotebookHandler(repo, &fakeDocRepo{}, &fakeDeleter{}, zap.NewNop())

	req := httptest.NewRequest(http.MethodGet, "/api/v1/rag/notebooks?user_id=7", nil)
	rec := httptest.NewRecorder()
	h.HandleList(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"source_count":3`)
}

func TestHandleNotebookListRequiresUserID(t *testing.T) {
	h := NewNotebookHandler(&fakeNotebookRepo{}, &fakeDocRepo{}, &fakeDeleter{}, zap.NewNop())

	req := httptest.NewRequest(http.MethodGet, "/api/v1/rag/notebooks", nil)
	rec := httptest.NewRecorder()
	h.HandleList(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleNotebookUpdateNotFound(t *testing.T) {
	h := NewNotebookHandler(&fakeNotebookRepo{updated: false}, &fakeDocRepo{}, &fakeDeleter{}, zap.NewNop())

	mux := http.NewServeMux()
	mux.HandleFunc("PUT /api/v1/rag/notebooks/{id}", h.HandleUpdate)
	req := httptest.NewRequest(http.MethodPut, "/api/v1/rag/notebooks/nb-x",
		strings.NewReader(`{"title":"新标题"}`))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleNotebookDeleteCascades(t *testing.T) {
	repo := &fakeNotebookRepo{deleted: true}
	deleter := &fakeDeleter{}
	h := NewNotebookHandler(repo, &fakeDocRepo{}, deleter, zap.NewNop())

	// 第一轮返回两个文档，删除后第二轮为空
	drained := false
	h.docs = docRepoFunc(func() []document.Document {
		if drained {
			return nil
		}
		drained = true
		return []document.Document{{ID: "d1"}, {ID: "d2"}}
	})

	mux := http.NewServeMux()
	mux.HandleFunc("DELETE /api/v1/rag/notebooks/{id}", h.HandleDelete)
	req := httptest.NewRequest(http.MethodDelete, "/api/v1/rag/notebooks/nb-1", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"d1", "d2"}, deleter.deleted)
}

// docRepoFunc 把函数适配成 DocumentRepo（仅列表用）
type docRepoFunc func() []document.Document

func (f docRepoFunc) GetByID(_ context.Context, _ string) (*document.Document, error) {
	return nil, document.ErrNotFound
}

func (f docRepoFunc) ListByNotebook(_ context.Context, _ string, _, _ int) ([]document.Document, error) {
	return f(), nil
}
