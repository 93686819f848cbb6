// Package nodeclient is the HTTP client the metadata service and storage
// nodes use to talk to a storage node: pipeline forwards, repair pulls and
// pushes, proxy relays, and heartbeat delivery. It plays the role the
// teacher's pkg/client plays for manager<->worker gRPC calls, adapted to
// the plain HTTP/JSON wire protocol spec §6 mandates.
package nodeclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cuemby/strata/internal/errs"
)

// relayChecksumHeader signals that the PUT body is already-compressed bytes
// from an upstream pipeline hop rather than raw bytes from an external
// client; see internal/chunkstore's two store entry points.
const relayChecksumHeader = "X-Relay-Checksum"

// Client is a thin HTTP client with no connection-count limit of its own;
// callers share one Client (and therefore one keep-alive pool) per process,
// matching spec §5's "shared connection pool, bounded concurrency" note.
type Client struct {
	httpClient *http.Client
}

// New creates a client with its own keep-alive http.Transport (up to 256
// idle connections, 64 per host).
func New() *Client {
	return &Client{httpClient: &http.Client{Transport: &http.Transport{
		MaxIdleConns:        256,
		MaxIdleConnsPerHost: 64,
		IdleConnTimeout:     90 * time.Second,
	}}}
}

// StoreResponse mirrors the storage node PUT response body (spec §6).
type StoreResponse struct {
	Status         string   `json:"status"`
	ChunkID        string   `json:"chunk_id"`
	Size           int64    `json:"size"`
	CompressedSize int64    `json:"compressed_size,omitempty"`
	Checksum       string   `json:"checksum"`
	NodeID         string   `json:"node_id"`
	Nodes          []string `json:"nodes"`
}

func chunkURL(nodeAddr, chunkID string, replicateTo []string) string {
	u := fmt.Sprintf("http://%s/api/v1/chunks/%s", nodeAddr, chunkID)
	if len(replicateTo) > 0 {
		u += "?replicate_to=" + url.QueryEscape(strings.Join(replicateTo, "|"))
	}
	return u
}

// PutChunk uploads raw (uncompressed) bytes to nodeAddr as the head of a
// pipeline, exactly as an external client would per spec §6.
func (c *Client) PutChunk(ctx context.Context, nodeAddr, chunkID string, data []byte, replicateTo []string) (StoreResponse, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", chunkID)
	if err != nil {
		return StoreResponse{}, err
	}
	if _, err := part.Write(data); err != nil {
		return StoreResponse{}, err
	}
	if err := mw.Close(); err != nil {
		return StoreResponse{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, chunkURL(nodeAddr, chunkID, replicateTo), &body)
	if err != nil {
		return StoreResponse{}, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return c.doStore(req, nodeAddr)
}

// Forward implements chunkstore.Forwarder: it ships already-compressed
// bytes plus the precomputed checksum to headAddr, which persists them
// directly and recurses down tail without recompressing.
func (c *Client) Forward(ctx context.Context, headAddr, chunkID string, compressed []byte, tail []string) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, chunkURL(headAddr, chunkID, tail), bytes.NewReader(compressed))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	resp, err := c.doStoreRaw(req, headAddr)
	if err != nil {
		return nil, err
	}
	return resp.Nodes, nil
}

// ForwardWithChecksum is the relay-mode counterpart to Forward, setting the
// header that tells the receiving node's handler not to recompute the
// checksum but to store the bytes with the one already known upstream.
func (c *Client) ForwardWithChecksum(ctx context.Context, headAddr, chunkID, checksum string, compressed []byte, tail []string) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, chunkURL(headAddr, chunkID, tail), bytes.NewReader(compressed))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set(relayChecksumHeader, checksum)
	resp, err := c.doStoreRaw(req, headAddr)
	if err != nil {
		return nil, err
	}
	return resp.Nodes, nil
}

func (c *Client) doStore(req *http.Request, nodeAddr string) (StoreResponse, error) {
	return c.doStoreRaw(req, nodeAddr)
}

func (c *Client) doStoreRaw(req *http.Request, nodeAddr string) (StoreResponse, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return StoreResponse{}, errs.WrapNodeUnreachable(err, "PUT chunk to %s", nodeAddr)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		b, _ := io.ReadAll(resp.Body)
		return StoreResponse{}, errs.WrapStorageFailure(fmt.Errorf("status %d: %s", resp.StatusCode, b), "store on %s", nodeAddr)
	}

	var out StoreResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return StoreResponse{}, errs.WrapStorageFailure(err, "decode store response from %s", nodeAddr)
	}
	return out, nil
}

// GetChunk retrieves the uncompressed bytes and checksum header for chunkID
// from nodeAddr.
func (c *Client) GetChunk(ctx context.Context, nodeAddr, chunkID string) ([]byte, string, error) {
	u := fmt.Sprintf("http://%s/api/v1/chunks/%s", nodeAddr, chunkID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, "", err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, "", errs.WrapNodeUnreachable(err, "GET chunk from %s", nodeAddr)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, "", errs.NotFoundf("chunk %s on %s", chunkID, nodeAddr)
	default:
		b, _ := io.ReadAll(resp.Body)
		return nil, "", errs.WrapStorageFailure(fmt.Errorf("status %d: %s", resp.StatusCode, b), "retrieve from %s", nodeAddr)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", errs.WrapStorageFailure(err, "read body from %s", nodeAddr)
	}
	return data, resp.Header.Get("X-Checksum"), nil
}

// DeleteChunk removes chunkID from nodeAddr.
func (c *Client) DeleteChunk(ctx context.Context, nodeAddr, chunkID string) error {
	u := fmt.Sprintf("http://%s/api/v1/chunks/%s", nodeAddr, chunkID)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, u, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errs.WrapNodeUnreachable(err, "DELETE chunk on %s", nodeAddr)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNotFound {
		b, _ := io.ReadAll(resp.Body)
		return errs.WrapStorageFailure(fmt.Errorf("status %d: %s", resp.StatusCode, b), "delete on %s", nodeAddr)
	}
	return nil
}

// HeartbeatRequest is the body a storage node POSTs periodically, per spec
// §4.B / §6.
type HeartbeatRequest struct {
	NodeID         string   `json:"node_id"`
	URL            string   `json:"url"`
	FreeSpace      int64    `json:"free_space"`
	TotalSpace     int64    `json:"total_space"`
	ChunkIDs       []string `json:"chunk_ids"`
	OverlayAddress string   `json:"overlay_address,omitempty"`
}

// HeartbeatResponse is the metadata service's ack.
type HeartbeatResponse struct {
	Status string `json:"status"`
	NodeID string `json:"node_id"`
}

// PostHeartbeat delivers hb to the metadata service at metadataAddr.
func (c *Client) PostHeartbeat(ctx context.Context, metadataAddr string, hb HeartbeatRequest) (HeartbeatResponse, error) {
	body, err := json.Marshal(hb)
	if err != nil {
		return HeartbeatResponse{}, err
	}
	u := fmt.Sprintf("http://%s/api/v1/nodes/heartbeat", metadataAddr)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return HeartbeatResponse{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return HeartbeatResponse{}, errs.WrapNodeUnreachable(err, "POST heartbeat to %s", metadataAddr)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return HeartbeatResponse{}, errs.WrapNodeUnreachable(fmt.Errorf("status %d: %s", resp.StatusCode, b), "heartbeat to %s", metadataAddr)
	}

	var out HeartbeatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return HeartbeatResponse{}, err
	}
	return out, nil
}
