// Package metaapi implements the Metadata Service's external HTTP/JSON
// interface (spec §6), routed with gorilla/mux the way the pack's object
// storage gateway routes its REST surface. It is a thin JSON transcoding
// layer: all real logic lives in internal/coordinator, internal/lease,
// internal/metastore, and internal/reconciler.
package metaapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cuemby/strata/internal/coordinator"
	"github.com/cuemby/strata/internal/errs"
	"github.com/cuemby/strata/internal/health"
	"github.com/cuemby/strata/internal/lease"
	"github.com/cuemby/strata/internal/log"
	"github.com/cuemby/strata/internal/metastore"
	"github.com/cuemby/strata/internal/nodeclient"
	"github.com/cuemby/strata/internal/types"
)

// Server hosts the Metadata Service's HTTP API.
type Server struct {
	store         metastore.Store
	coord         *coordinator.Coordinator
	leases        *lease.Manager
	client        *nodeclient.Client
	bootstrapTok  string
	checkers      map[string]health.Checker
	startTime     time.Time
	router        *mux.Router
}

// Config wires a Server's collaborators.
type Config struct {
	Store          metastore.Store
	Coordinator    *coordinator.Coordinator
	Leases         *lease.Manager
	Client         *nodeclient.Client
	BootstrapToken string
	Checkers       map[string]health.Checker
}

// NewServer builds the mux and binds all handlers.
func NewServer(cfg Config) *Server {
	s := &Server{
		store:        cfg.Store,
		coord:        cfg.Coordinator,
		leases:       cfg.Leases,
		client:       cfg.Client,
		bootstrapTok: cfg.BootstrapToken,
		checkers:     cfg.Checkers,
		startTime:    time.Now(),
	}
	s.router = s.buildRouter()
	return s
}

// Handler returns the Server as an http.Handler, for use with http.Server
// or httptest.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) buildRouter() *mux.Router {
	r := mux.NewRouter()
	api := r.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/files/upload-init", s.handleUploadInit).Methods(http.MethodPost)
	api.HandleFunc("/files/commit", s.handleCommit).Methods(http.MethodPost)
	api.HandleFunc("/files", s.handleListFiles).Methods(http.MethodGet)
	api.HandleFunc("/files/{path:.*}", s.handleGetFile).Methods(http.MethodGet)
	api.HandleFunc("/files/{path:.*}", s.handleDeleteFile).Methods(http.MethodDelete)

	api.HandleFunc("/nodes/heartbeat", s.handleHeartbeat).Methods(http.MethodPost)
	api.HandleFunc("/nodes/register", s.handleRegisterNode).Methods(http.MethodPost)
	api.HandleFunc("/nodes", s.handleListNodes).Methods(http.MethodGet)
	api.HandleFunc("/nodes/{node_id}", s.handleGetNode).Methods(http.MethodGet)

	api.HandleFunc("/leases/acquire", s.handleLeaseAcquire).Methods(http.MethodPost)
	api.HandleFunc("/leases/release", s.handleLeaseRelease).Methods(http.MethodPost)
	api.HandleFunc("/leases/renew", s.handleLeaseRenew).Methods(http.MethodPost)
	api.HandleFunc("/leases", s.handleListLeases).Methods(http.MethodGet)

	api.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	api.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)

	api.HandleFunc("/proxy/chunks/{chunk_id}", s.handleProxyPutChunk).Methods(http.MethodPut)
	api.HandleFunc("/proxy/chunks/{chunk_id}", s.handleProxyGetChunk).Methods(http.MethodGet)

	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	return r
}

// --- files ---

type uploadInitRequest struct {
	Path      string `json:"path"`
	Size      int64  `json:"size"`
	ChunkSize int64  `json:"chunk_size"`
}

type chunkPlacementDTO struct {
	ChunkID string   `json:"chunk_id"`
	Size    int64    `json:"size"`
	Targets []string `json:"targets"`
}

type uploadInitResponse struct {
	FileID string              `json:"file_id"`
	Chunks []chunkPlacementDTO `json:"chunks"`
}

func (s *Server) handleUploadInit(w http.ResponseWriter, r *http.Request) {
	var req uploadInitRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Path == "" {
		writeError(w, errs.InvalidRequestf("path is required"))
		return
	}

	result, leaseID, err := s.coord.InitUpload(r.Context(), coordinator.InitRequest{
		Path: req.Path, Size: req.Size, ChunkSize: req.ChunkSize,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	resp := uploadInitResponse{FileID: result.FileID, Chunks: make([]chunkPlacementDTO, len(result.Chunks))}
	for i, c := range result.Chunks {
		resp.Chunks[i] = chunkPlacementDTO{ChunkID: c.ChunkID, Size: c.Size, Targets: c.Targets}
	}

	w.Header().Set("X-Lease-ID", leaseID)
	writeJSON(w, http.StatusOK, resp)
}

type commitChunkDTO struct {
	ChunkID  string   `json:"chunk_id"`
	Checksum string   `json:"checksum"`
	Nodes    []string `json:"nodes"`
}

type commitRequest struct {
	FileID string           `json:"file_id"`
	Chunks []commitChunkDTO `json:"chunks"`
}

type commitResponse struct {
	Status                string   `json:"status"`
	FileID                string   `json:"file_id"`
	TotalReplicas         int      `json:"total_replicas"`
	UnderReplicatedChunks []string `json:"under_replicated_chunks"`
}

func (s *Server) handleCommit(w http.ResponseWriter, r *http.Request) {
	var req commitRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	leaseID := r.Header.Get("X-Lease-ID")
	chunks := make([]coordinator.CommitChunk, len(req.Chunks))
	for i, c := range req.Chunks {
		chunks[i] = coordinator.CommitChunk{ChunkID: c.ChunkID, Checksum: c.Checksum, NodeIDs: c.Nodes}
	}

	result, err := s.coord.Commit(r.Context(), leaseID, coordinator.CommitRequest{FileID: req.FileID, Chunks: chunks})
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, commitResponse{
		Status: result.Status, FileID: result.FileID,
		TotalReplicas: result.TotalReplicas, UnderReplicatedChunks: result.UnderReplicatedChunks,
	})
}

func (s *Server) handleGetFile(w http.ResponseWriter, r *http.Request) {
	path := "/" + mux.Vars(r)["path"]
	f, err := s.store.GetFile(r.Context(), path)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, f)
}

func (s *Server) handleListFiles(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	prefix := q.Get("prefix")
	limit := parseIntOr(q.Get("limit"), 100)
	offset := parseIntOr(q.Get("offset"), 0)

	files, err := s.store.ListFiles(r.Context(), prefix, limit, offset)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, files)
}

func (s *Server) handleDeleteFile(w http.ResponseWriter, r *http.Request) {
	path := "/" + mux.Vars(r)["path"]
	permanent := r.URL.Query().Get("permanent") == "true"

	if err := s.store.DeleteFile(r.Context(), path, permanent); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// --- nodes ---

type heartbeatRequestDTO struct {
	NodeID         string   `json:"node_id"`
	URL            string   `json:"url"`
	FreeSpace      int64    `json:"free_space"`
	TotalSpace     int64    `json:"total_space"`
	ChunkIDs       []string `json:"chunk_ids"`
	OverlayAddress string   `json:"overlay_address,omitempty"`
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req heartbeatRequestDTO
	if !decodeJSON(w, r, &req) {
		return
	}

	report := metastore.HeartbeatReport{
		NodeID: req.NodeID, URL: req.URL, FreeSpace: req.FreeSpace, TotalSpace: req.TotalSpace,
		ChunkIDs: req.ChunkIDs, OverlayAddress: req.OverlayAddress, ReceivedAt: time.Now(),
	}
	if err := s.store.ApplyHeartbeat(r.Context(), report); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "node_id": req.NodeID})
}

type registerNodeRequest struct {
	NodeID         string `json:"node_id"`
	Host           string `json:"host"`
	Port           int    `json:"port"`
	Rack           string `json:"rack,omitempty"`
	OverlayAddress string `json:"overlay_address,omitempty"`
	Token          string `json:"token"`
}

func (s *Server) handleRegisterNode(w http.ResponseWriter, r *http.Request) {
	var req registerNodeRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	if s.bootstrapTok != "" && !tokenEquals(req.Token, s.bootstrapTok) {
		http.Error(w, "invalid bootstrap token", http.StatusUnauthorized)
		return
	}

	node := &types.Node{
		NodeID: req.NodeID, Host: req.Host, Port: req.Port, Rack: req.Rack,
		OverlayAddress: req.OverlayAddress, State: types.NodeActive, LastHeartbeat: time.Now(),
	}
	if err := s.store.UpsertNode(r.Context(), node); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, node)
}

func (s *Server) handleListNodes(w http.ResponseWriter, r *http.Request) {
	nodes, err := s.store.ListNodes(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nodes)
}

func (s *Server) handleGetNode(w http.ResponseWriter, r *http.Request) {
	nodeID := mux.Vars(r)["node_id"]
	node, err := s.store.GetNode(r.Context(), nodeID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, node)
}

// --- leases ---

type leaseAcquireRequest struct {
	Path     string `json:"path"`
	Op       string `json:"operation"`
	TTL      int64  `json:"ttl_seconds"`
	ClientID string `json:"client_id"`
}

func (s *Server) handleLeaseAcquire(w http.ResponseWriter, r *http.Request) {
	var req leaseAcquireRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	ttl := time.Duration(req.TTL) * time.Second
	l, err := s.leases.Acquire(r.Context(), req.Path, types.LeaseOp(req.Op), ttl, req.ClientID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, l)
}

type leaseIDRequest struct {
	LeaseID string `json:"lease_id"`
	TTL     int64  `json:"ttl_seconds,omitempty"`
}

func (s *Server) handleLeaseRelease(w http.ResponseWriter, r *http.Request) {
	var req leaseIDRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	s.leases.Release(r.Context(), req.LeaseID)
	writeJSON(w, http.StatusOK, map[string]string{"status": "released"})
}

func (s *Server) handleLeaseRenew(w http.ResponseWriter, r *http.Request) {
	var req leaseIDRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	ttl := time.Duration(req.TTL) * time.Second
	if err := s.leases.Renew(r.Context(), req.LeaseID, ttl); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "renewed"})
}

// handleListLeases is a read-only introspection endpoint; it never touches
// the lease state machine. An optional path query parameter narrows the
// result to leases held on that path.
func (s *Server) handleListLeases(w http.ResponseWriter, r *http.Request) {
	leases, err := s.store.ListLeases(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if path := r.URL.Query().Get("path"); path != "" {
		filtered := make([]*types.Lease, 0, len(leases))
		for _, l := range leases {
			if l.Path == path {
				filtered = append(filtered, l)
			}
		}
		leases = filtered
	}
	writeJSON(w, http.StatusOK, leases)
}

// --- health / stats ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	healthy, results := health.Aggregate(ctx, s.checkers)
	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{
		"healthy": healthy, "checks": results, "uptime_seconds": time.Since(s.startTime).Seconds(),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.Stats(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// --- proxy ---

func (s *Server) handleProxyPutChunk(w http.ResponseWriter, r *http.Request) {
	chunkID := mux.Vars(r)["chunk_id"]
	targetNodes := splitNonEmpty(r.URL.Query().Get("target_nodes"), ",")
	if len(targetNodes) == 0 {
		writeError(w, errs.InvalidRequestf("target_nodes is required"))
		return
	}

	data, err := readAllLimited(r)
	if err != nil {
		writeError(w, errs.InvalidRequestf("failed to read request body: %v", err))
		return
	}

	head, tail := targetNodes[0], targetNodes[1:]
	res, err := s.client.PutChunk(r.Context(), head, chunkID, data, tail)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleProxyGetChunk(w http.ResponseWriter, r *http.Request) {
	chunkID := mux.Vars(r)["chunk_id"]
	filePath := "/" + strings.TrimPrefix(r.URL.Query().Get("file_path"), "/")

	f, err := s.store.GetFile(r.Context(), filePath)
	if err != nil {
		writeError(w, err)
		return
	}

	var nodeAddr string
	for _, chunk := range f.Chunks {
		if chunk.ChunkID != chunkID {
			continue
		}
		for _, rep := range chunk.Replicas {
			if rep.State == types.ReplicaCommitted {
				nodeAddr = rep.URL
				break
			}
		}
	}
	if nodeAddr == "" {
		writeError(w, errs.NotFoundf("no committed replica found for chunk %s", chunkID))
		return
	}

	data, checksum, err := s.client.GetChunk(r.Context(), nodeAddr, chunkID)
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("X-Chunk-ID", chunkID)
	w.Header().Set("X-Checksum", checksum)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// --- helpers ---

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, errs.InvalidRequestf("invalid request body: %v", err))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithComponent("metaapi").Warn().Err(err).Msg("failed to encode response")
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := errs.StatusCode(err)
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func parseIntOr(s string, fallback int) int {
	if s == "" {
		return fallback
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return fallback
	}
	return n
}

func splitNonEmpty(s, sep string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, sep) {
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func tokenEquals(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func readAllLimited(r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	const maxChunkBody = 128 * 1024 * 1024 // generous ceiling above the 64 MiB default chunk size
	return io.ReadAll(http.MaxBytesReader(nil, r.Body, maxChunkBody))
}
