package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/knowbase/types"
)

func decodeResponse(t *testing.T, rec *httptest.ResponseRecorder) Response {
	t.Helper()
	var resp Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func TestWriteSuccess(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteSuccess(rec, map[string]string{"hello": "world"})

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "application/json")

	resp := decodeResponse(t, rec)
	assert.True(t, resp.Success)
	assert.Nil(t, resp.Error)
}

func TestWriteErrorMapsCodes(t *testing.T) {
	cases := []struct {
		code   types.ErrorCode
		status int
	}{
		{types.ErrInvalidRequest, http.StatusBadRequest},
		{types.ErrEmptyFile, http.StatusBadRequest},
		{types.ErrNotFound, http.StatusNotFound},
		{types.ErrInvalidTransition, http.StatusConflict},
		{types.ErrRateLimited, http.StatusTooManyRequests},
		{types.ErrQueueUnavailable, http.StatusServiceUnavailable},
		{types.ErrUpstreamTimeout, http.StatusGatewayTimeout},
		{types.ErrUpstreamError, http.StatusBadGateway},
		{types.ErrParseFailed, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		rec := httptest.NewRecorder()
		WriteError(rec, types.NewError(tc.code, "boom"), zap.NewNop())
		assert.Equal(t, tc.status, rec.Code, "code %s", tc.code)

		resp := decodeResponse(t, rec)
		assert.False(t, resp.Success)
		require.NotNil(t, resp.Error)
		assert.Equal(t, string(tc.code), resp.Error.Code)
	}
}

func TestWriteErrorPrefersExplicitStatus(t *testing.T) {
	rec := httptest.NewRecorder()
	err := types.NewError(types.ErrInvalidRequest, "gone").WithHTTPStatus(http.StatusGone)
	WriteError(rec, err, zap.NewNop())
	assert.Equal(t, http.StatusGone, rec.Code)
}

func TestWriteAnyErrorWrapsPlainError(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteAnyError(rec, errors.New("disk on fire"), zap.NewNop())

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	resp := decodeResponse(t, rec)
	require.NotNil(t, resp.Error)
	assert.Equal(t, string(types.ErrInternalError), resp.Error.Code)
}

func TestDecodeJSONBodyRejectsUnknownFields(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"title":"x","bogus":1}`))

	var dst struct {
		Title string `json:"title"`
	}
	err := DecodeJSONBody(rec, req, &dst, zap.NewNop())
	require.Error(t, err)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestResponseWriterCapturesStatus(t *testing.T) {
	rec := httptest.NewRecorder()
	rw := NewResponseWriter(rec)

	rw.WriteHeader(http.StatusTeapot)
	rw.WriteHeader(http.StatusOK) // 第二次无效
	_, _ = rw.Write([]byte("tea"))

	assert.Equal(t, http.StatusTeapot, rw.StatusCode)
	assert.Equal(t, http.StatusTeapot, rec.Code)
}
