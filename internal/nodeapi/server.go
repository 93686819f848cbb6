// Package nodeapi implements the Storage Node's external HTTP/JSON
// interface (spec §6), routed the same way internal/metaapi routes the
// metadata service's surface. It dispatches chunk PUTs between the
// client-mode multipart path and the relay-mode already-compressed path
// based on whether the request carries a pipeline checksum header.
package nodeapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cuemby/strata/internal/chunkstore"
	"github.com/cuemby/strata/internal/errs"
	"github.com/cuemby/strata/internal/health"
	"github.com/cuemby/strata/internal/log"
)

// relayChecksumHeader must match internal/nodeclient's constant of the same
// name; duplicated here rather than imported to avoid nodeapi depending on
// the client package it is the server counterpart of.
const relayChecksumHeader = "X-Relay-Checksum"

// Server hosts a storage node's HTTP API.
type Server struct {
	store     *chunkstore.Store
	nodeID    string
	checkers  map[string]health.Checker
	startTime time.Time
	router    *mux.Router
}

// Config wires a Server's collaborators.
type Config struct {
	Store    *chunkstore.Store
	NodeID   string
	Checkers map[string]health.Checker
}

// NewServer builds the mux and binds all handlers.
func NewServer(cfg Config) *Server {
	s := &Server{
		store:     cfg.Store,
		nodeID:    cfg.NodeID,
		checkers:  cfg.Checkers,
		startTime: time.Now(),
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

	api.HandleFunc("/chunks/{chunk_id}", s.handlePutChunk).Methods(http.MethodPut)
	api.HandleFunc("/chunks/{chunk_id}", s.handleGetChunk).Methods(http.MethodGet)
	api.HandleFunc("/chunks/{chunk_id}", s.handleDeleteChunk).Methods(http.MethodDelete)

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	return r
}

func (s *Server) handlePutChunk(w http.ResponseWriter, r *http.Request) {
	chunkID := mux.Vars(r)["chunk_id"]
	replicateTo := splitNonEmpty(r.URL.Query().Get("replicate_to"), "|")

	if checksum := r.Header.Get(relayChecksumHeader); checksum != "" {
		s.storeRelayed(w, r, chunkID, checksum, replicateTo)
		return
	}
	s.storeClient(w, r, chunkID, replicateTo)
}

func (s *Server) storeClient(w http.ResponseWriter, r *http.Request, chunkID string, replicateTo []string) {
	const maxChunkBody = 128 * 1024 * 1024 // generous ceiling above the 64 MiB default chunk size

	ct := r.Header.Get("Content-Type")
	var data []byte
	var err error
	if strings.HasPrefix(ct, "multipart/") {
		data, err = readMultipartField(r, maxChunkBody)
	} else {
		data, err = readBody(r, maxChunkBody)
	}
	if err != nil {
		writeError(w, errs.InvalidRequestf("failed to read chunk body: %v", err))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 120*time.Second)
	defer cancel()

	res, err := s.store.Store(ctx, chunkID, data, replicateTo)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, storeResponseDTO{
		Status: "ok", ChunkID: res.ChunkID, Size: res.UncompressedSize,
		CompressedSize: res.CompressedSize, Checksum: res.Checksum, NodeID: res.NodeID, Nodes: res.Nodes,
	})
}

func (s *Server) storeRelayed(w http.ResponseWriter, r *http.Request, chunkID, checksum string, replicateTo []string) {
	const maxChunkBody = 128 * 1024 * 1024
	data, err := readBody(r, maxChunkBody)
	if err != nil {
		writeError(w, errs.InvalidRequestf("failed to read chunk body: %v", err))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 120*time.Second)
	defer cancel()

	res, err := s.store.StoreRelayed(ctx, chunkID, data, checksum, replicateTo)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, storeResponseDTO{
		Status: "ok", ChunkID: res.ChunkID, Size: res.UncompressedSize,
		CompressedSize: res.CompressedSize, Checksum: res.Checksum, NodeID: res.NodeID, Nodes: res.Nodes,
	})
}

func (s *Server) handleGetChunk(w http.ResponseWriter, r *http.Request) {
	chunkID := mux.Vars(r)["chunk_id"]

	data, checksum, err := s.store.Retrieve(r.Context(), chunkID)
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("X-Chunk-ID", chunkID)
	w.Header().Set("X-Checksum", checksum)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

func (s *Server) handleDeleteChunk(w http.ResponseWriter, r *http.Request) {
	chunkID := mux.Vars(r)["chunk_id"]
	if err := s.store.Delete(r.Context(), chunkID, true); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	healthy, results := health.Aggregate(ctx, s.checkers)
	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{
		"healthy": healthy, "checks": results, "node_id": s.nodeID,
		"uptime_seconds": time.Since(s.startTime).Seconds(),
	})
}

type storeResponseDTO struct {
	Status         string   `json:"status"`
	ChunkID        string   `json:"chunk_id"`
	Size           int64    `json:"size"`
	CompressedSize int64    `json:"compressed_size,omitempty"`
	Checksum       string   `json:"checksum"`
	NodeID         string   `json:"node_id"`
	Nodes          []string `json:"nodes"`
}

func readMultipartField(r *http.Request, maxBody int64) ([]byte, error) {
	if err := r.ParseMultipartForm(maxBody); err != nil {
		return nil, err
	}
	file, _, err := r.FormFile("file")
	if err != nil {
		return nil, err
	}
	defer file.Close()
	return io.ReadAll(io.LimitReader(file, maxBody))
}

func readBody(r *http.Request, maxBody int64) ([]byte, error) {
	defer r.Body.Close()
	return io.ReadAll(http.MaxBytesReader(nil, r.Body, maxBody))
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

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithComponent("nodeapi").Warn().Err(err).Msg("failed to encode response")
	}
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, errs.StatusCode(err), map[string]string{"error": err.Error()})
}
