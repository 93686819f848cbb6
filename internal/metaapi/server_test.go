package metaapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/strata/internal/coordinator"
	"github.com/cuemby/strata/internal/health"
	"github.com/cuemby/strata/internal/lease"
	"github.com/cuemby/strata/internal/metastore/memstore"
	"github.com/cuemby/strata/internal/nodeclient"
	"github.com/cuemby/strata/internal/types"
)

func newTestServer(t *testing.T) (*Server, *memstore.Store) {
	t.Helper()
	store := memstore.New(nil)
	leases := lease.New(store, time.Second)
	coord := coordinator.New(store, leases, coordinator.Config{ReplicationFactor: 2, DefaultChunkSize: 64})
	s := NewServer(Config{
		Store:          store,
		Coordinator:    coord,
		Leases:         leases,
		Client:         nodeclient.New(),
		BootstrapToken: "s3cr3t",
		Checkers: map[string]health.Checker{
			"store": &health.FuncChecker{Fn: func(ctx context.Context) error { return nil }},
		},
	})
	return s, store
}

func seedNodes(t *testing.T, store *memstore.Store, ids ...string) {
	t.Helper()
	for _, id := range ids {
		require.NoError(t, store.UpsertNode(context.Background(), &types.Node{
			NodeID: id, Host: id, Port: 9000, State: types.NodeActive, FreeSpace: 1000, TotalSpace: 1000,
		}))
	}
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestUploadInitAndCommitRoundTrip(t *testing.T) {
	s, store := newTestServer(t)
	seedNodes(t, store, "n1", "n2")

	rec := doJSON(t, s.Handler(), http.MethodPost, "/api/v1/files/upload-init", uploadInitRequest{
		Path: "/f.bin", Size: 64,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var initResp uploadInitResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &initResp))
	require.Len(t, initResp.Chunks, 1)
	leaseID := rec.Header().Get("X-Lease-ID")
	require.NotEmpty(t, leaseID)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/files/commit", bytes.NewReader(mustJSON(t, commitRequest{
		FileID: initResp.FileID,
		Chunks: []commitChunkDTO{{ChunkID: initResp.Chunks[0].ChunkID, Checksum: "abc", Nodes: []string{"n1", "n2"}}},
	})))
	req.Header.Set("X-Lease-ID", leaseID)
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var commitResp commitResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &commitResp))
	assert.Equal(t, "committed", commitResp.Status)
	assert.Equal(t, 2, commitResp.TotalReplicas)
}

func TestUploadInitInsufficientNodesReturns503(t *testing.T) {
	s, store := newTestServer(t)
	seedNodes(t, store, "n1")

	rec := doJSON(t, s.Handler(), http.MethodPost, "/api/v1/files/upload-init", uploadInitRequest{Path: "/f.bin", Size: 64})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestRegisterNodeRejectsBadToken(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doJSON(t, s.Handler(), http.MethodPost, "/api/v1/nodes/register", registerNodeRequest{
		NodeID: "n1", Host: "n1", Port: 9000, Token: "wrong",
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRegisterNodeAcceptsGoodToken(t *testing.T) {
	s, store := newTestServer(t)
	rec := doJSON(t, s.Handler(), http.MethodPost, "/api/v1/nodes/register", registerNodeRequest{
		NodeID: "n1", Host: "n1", Port: 9000, Token: "s3cr3t",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	node, err := store.GetNode(context.Background(), "n1")
	require.NoError(t, err)
	assert.Equal(t, types.NodeActive, node.State)
}

func TestHeartbeatUpdatesNode(t *testing.T) {
	s, store := newTestServer(t)
	seedNodes(t, store, "n1")

	rec := doJSON(t, s.Handler(), http.MethodPost, "/api/v1/nodes/heartbeat", heartbeatRequestDTO{
		NodeID: "n1", URL: "n1:9000", FreeSpace: 500, TotalSpace: 1000,
	})
	assert.Equal(t, http.StatusOK, rec.Code)

	node, err := store.GetNode(context.Background(), "n1")
	require.NoError(t, err)
	assert.Equal(t, int64(500), node.FreeSpace)
}

func TestHealthReportsHealthy(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestListFilesEmpty(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/files?prefix=/", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "[]\n", rec.Body.String())
}

func TestGetFileNotFoundReturns404(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/files/missing.bin", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func TestListLeasesFiltersByPath(t *testing.T) {
	s, _ := newTestServer(t)
	_, err := s.leases.Acquire(context.Background(), "/a.bin", types.LeaseOpWrite, time.Minute, "client-1")
	require.NoError(t, err)
	_, err = s.leases.Acquire(context.Background(), "/b.bin", types.LeaseOpWrite, time.Minute, "client-1")
	require.NoError(t, err)

	rec := doJSON(t, s.Handler(), http.MethodGet, "/api/v1/leases", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	var all []*types.Lease
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &all))
	assert.Len(t, all, 2)

	rec = doJSON(t, s.Handler(), http.MethodGet, "/api/v1/leases?path=/a.bin", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	var filtered []*types.Lease
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &filtered))
	require.Len(t, filtered, 1)
	assert.Equal(t, "/a.bin", filtered[0].Path)
}
