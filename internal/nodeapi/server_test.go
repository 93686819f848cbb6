package nodeapi

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/strata/internal/chunkstore"
	"github.com/cuemby/strata/internal/health"
)

type noopForwarder struct{ nodes []string }

func (f *noopForwarder) Forward(ctx context.Context, headAddr, chunkID string, compressed []byte, tail []string) ([]string, error) {
	return f.nodes, nil
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	cs, err := chunkstore.New("node-a", t.TempDir(), &noopForwarder{})
	require.NoError(t, err)
	return NewServer(Config{
		Store:  cs,
		NodeID: "node-a",
		Checkers: map[string]health.Checker{
			"disk": &health.FuncChecker{Fn: func(ctx context.Context) error { return nil }},
		},
	})
}

func multipartBody(t *testing.T, field string, data []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile(field, "chunk")
	require.NoError(t, err)
	_, err = part.Write(data)
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func TestPutChunkClientModeStoresAndGetReturnsIt(t *testing.T) {
	s := newTestServer(t)
	data := bytes.Repeat([]byte{0x42}, 2048)
	body, ct := multipartBody(t, "file", data)

	req := httptest.NewRequest(http.MethodPut, "/api/v1/chunks/chunk-1", body)
	req.Header.Set("Content-Type", ct)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp storeResponseDTO
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "chunk-1", resp.ChunkID)
	assert.Equal(t, int64(len(data)), resp.Size)

	getReq := httptest.NewRequest(http.MethodGet, "/api/v1/chunks/chunk-1", nil)
	getRec := httptest.NewRecorder()
	s.Handler().ServeHTTP(getRec, getReq)
	require.Equal(t, http.StatusOK, getRec.Code)
	assert.True(t, bytes.Equal(data, getRec.Body.Bytes()))
	assert.Equal(t, resp.Checksum, getRec.Header().Get("X-Checksum"))
}

func TestPutChunkRelayModeStoresCompressedBytesVerbatim(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodPut, "/api/v1/chunks/chunk-2", bytes.NewReader([]byte("already-compressed")))
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set(relayChecksumHeader, "deadbeef")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp storeResponseDTO
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "deadbeef", resp.Checksum)
}

func TestGetChunkMissingReturns404(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/chunks/missing", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDeleteChunkMissingReturns404(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodDelete, "/api/v1/chunks/missing", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDeleteChunkExistingSucceeds(t *testing.T) {
	s := newTestServer(t)
	data, ct := multipartBody(t, "file", []byte("x"))
	putReq := httptest.NewRequest(http.MethodPut, "/api/v1/chunks/chunk-3", data)
	putReq.Header.Set("Content-Type", ct)
	putRec := httptest.NewRecorder()
	s.Handler().ServeHTTP(putRec, putReq)
	require.Equal(t, http.StatusOK, putRec.Code)

	delReq := httptest.NewRequest(http.MethodDelete, "/api/v1/chunks/chunk-3", nil)
	delRec := httptest.NewRecorder()
	s.Handler().ServeHTTP(delRec, delReq)
	assert.Equal(t, http.StatusOK, delRec.Code)
}

func TestHealthEndpointReportsHealthy(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}
