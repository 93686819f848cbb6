// Package chunkstore implements the per-storage-node chunk persistence
// contract of spec §4.A: durable, integrity-checked storage of opaque byte
// blobs keyed by chunk id, with DEFLATE compression and pipeline
// forwarding to downstream replicas.
package chunkstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/klauspost/compress/flate"

	"github.com/cuemby/strata/internal/errs"
	"github.com/cuemby/strata/internal/log"
	"github.com/cuemby/strata/internal/metrics"
)

const (
	chunkExt    = ".chunk"
	checksumExt = ".checksum"

	// formatRaw/formatDeflate tag the first byte of every .chunk file so a
	// future reader never has to guess whether the payload was compressed;
	// see spec §9 ("Backward-compatible chunk format").
	formatRaw     byte = 0x00
	formatDeflate byte = 0x01

	deflateLevel = flate.DefaultCompression // fixed mid-range level, per spec §4.A
)

var chunkIDPattern = regexp.MustCompile(`^[0-9a-fA-F-]{8,}$`)

// StoreResult is returned by Store; Nodes always starts with this node's id.
type StoreResult struct {
	ChunkID          string
	UncompressedSize int64
	CompressedSize   int64
	Checksum         string
	NodeID           string
	Nodes            []string
}

// Forwarder pushes an already-compressed chunk payload to the head of a
// pipeline tail, returning the set of node ids that confirmed durable
// persistence at or below that head. Implemented by internal/nodeclient;
// declared here as an interface to avoid a dependency cycle.
type Forwarder interface {
	Forward(ctx context.Context, headAddr, chunkID string, compressed []byte, tail []string) (confirmedNodes []string, err error)
}

// Store is the per-node chunk store. A single mutex serializes all
// mutating operations (Store/Delete) and Inventory; Retrieve and Scrub
// take no lock.
type Store struct {
	nodeID string
	dir    string
	fwd    Forwarder
	mu     sync.Mutex
	cache  *InventoryCache
}

// New creates a chunk store rooted at dir (created if absent).
func New(nodeID, dir string, fwd Forwarder) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errs.WrapStorageFailure(err, "create chunk directory %s", dir)
	}
	return &Store{nodeID: nodeID, dir: dir, fwd: fwd}, nil
}

// EnableCache opens (or creates) dir/inventory.db and resyncs it against a
// fresh directory scan, so subsequent Inventory calls read the bbolt cache
// instead of re-scanning the filesystem on every heartbeat. Optional: a
// Store with no cache falls back to a directory scan, as before.
func (s *Store) EnableCache() error {
	cache, err := OpenInventoryCache(s.dir)
	if err != nil {
		return err
	}
	ids, err := s.scanDir()
	if err != nil {
		cache.Close()
		return err
	}
	if err := cache.Rebuild(ids); err != nil {
		cache.Close()
		return err
	}
	s.mu.Lock()
	s.cache = cache
	s.mu.Unlock()
	return nil
}

// CloseCache closes the inventory cache, if enabled.
func (s *Store) CloseCache() error {
	s.mu.Lock()
	cache := s.cache
	s.cache = nil
	s.mu.Unlock()
	if cache == nil {
		return nil
	}
	return cache.Close()
}

func (s *Store) chunkPath(chunkID string) string    { return filepath.Join(s.dir, chunkID+chunkExt) }
func (s *Store) checksumPath(chunkID string) string { return filepath.Join(s.dir, chunkID+checksumExt) }

// cacheAdd records chunkID in the inventory cache, if enabled. Callers must
// already hold s.mu.
func (s *Store) cacheAdd(chunkID string) {
	if s.cache != nil {
		s.cache.Add(chunkID)
	}
}

// Store persists data under chunkID, forwarding the compressed payload down
// replicateTo if non-empty, per spec §4.A Store(chunk_id, bytes, replicate_to).
func (s *Store) Store(ctx context.Context, chunkID string, data []byte, replicateTo []string) (StoreResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sum := sha256.Sum256(data)
	checksum := hex.EncodeToString(sum[:])

	compressed, err := deflateCompress(data)
	if err != nil {
		return StoreResult{}, errs.WrapStorageFailure(err, "compress chunk %s", chunkID)
	}

	if err := s.writeAtomic(s.chunkPath(chunkID), append([]byte{formatDeflate}, compressed...)); err != nil {
		metrics.ChunkStoreOpsTotal.WithLabelValues("store", "error").Inc()
		return StoreResult{}, errs.WrapStorageFailure(err, "write chunk %s", chunkID)
	}
	if err := s.writeAtomic(s.checksumPath(chunkID), []byte(checksum)); err != nil {
		// Unwind the chunk file too: a chunk without a checksum sidecar is
		// not a valid replica (spec §4.A step 2).
		os.Remove(s.chunkPath(chunkID))
		metrics.ChunkStoreOpsTotal.WithLabelValues("store", "error").Inc()
		return StoreResult{}, errs.WrapStorageFailure(err, "write checksum for chunk %s", chunkID)
	}

	result := StoreResult{
		ChunkID:          chunkID,
		UncompressedSize: int64(len(data)),
		CompressedSize:   int64(len(compressed)),
		Checksum:         checksum,
		NodeID:           s.nodeID,
		Nodes:            []string{s.nodeID},
	}
	s.cacheAdd(chunkID)

	if len(replicateTo) > 0 {
		head, tail := replicateTo[0], replicateTo[1:]
		downstream, err := s.fwd.Forward(ctx, head, chunkID, compressed, tail)
		if err != nil {
			// Downstream failure does not unwind the local write (spec
			// §4.A failure policy): report a shortened node list and rely
			// on the reconciler to raise replication back up.
			log.WithComponent("chunkstore").Warn().Err(err).Str("chunk_id", chunkID).Str("downstream", head).Msg("pipeline forward failed, local write stands")
			metrics.ChunkStoreOpsTotal.WithLabelValues("store", "partial").Inc()
			return result, nil
		}
		result.Nodes = append(result.Nodes, downstream...)
	}

	metrics.ChunkStoreOpsTotal.WithLabelValues("store", "ok").Inc()
	return result, nil
}

// StoreRelayed persists an already-compressed payload received from an
// upstream pipeline hop, together with its already-computed checksum,
// without recompressing or rehashing the bytes. This is the relay-mode
// counterpart to Store used when this node is a non-head link in a
// pipeline forward (spec §4.A: "forwards the already-compressed bytes").
func (s *Store) StoreRelayed(ctx context.Context, chunkID string, compressed []byte, checksum string, replicateTo []string) (StoreResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.writeAtomic(s.chunkPath(chunkID), append([]byte{formatDeflate}, compressed...)); err != nil {
		metrics.ChunkStoreOpsTotal.WithLabelValues("store_relayed", "error").Inc()
		return StoreResult{}, errs.WrapStorageFailure(err, "write chunk %s", chunkID)
	}
	if err := s.writeAtomic(s.checksumPath(chunkID), []byte(checksum)); err != nil {
		os.Remove(s.chunkPath(chunkID))
		metrics.ChunkStoreOpsTotal.WithLabelValues("store_relayed", "error").Inc()
		return StoreResult{}, errs.WrapStorageFailure(err, "write checksum for chunk %s", chunkID)
	}

	result := StoreResult{
		ChunkID:        chunkID,
		CompressedSize: int64(len(compressed)),
		Checksum:       checksum,
		NodeID:         s.nodeID,
		Nodes:          []string{s.nodeID},
	}
	s.cacheAdd(chunkID)

	if len(replicateTo) > 0 {
		head, tail := replicateTo[0], replicateTo[1:]
		downstream, err := s.fwd.Forward(ctx, head, chunkID, compressed, tail)
		if err != nil {
			log.WithComponent("chunkstore").Warn().Err(err).Str("chunk_id", chunkID).Str("downstream", head).Msg("pipeline forward failed, local write stands")
			metrics.ChunkStoreOpsTotal.WithLabelValues("store_relayed", "partial").Inc()
			return result, nil
		}
		result.Nodes = append(result.Nodes, downstream...)
	}

	metrics.ChunkStoreOpsTotal.WithLabelValues("store_relayed", "ok").Inc()
	return result, nil
}

// Retrieve reads back chunkID, verifying its checksum. Returns Corrupted if
// the recomputed checksum disagrees with the sidecar file, NotFound if
// absent.
func (s *Store) Retrieve(ctx context.Context, chunkID string) ([]byte, string, error) {
	raw, err := os.ReadFile(s.chunkPath(chunkID))
	if err != nil {
		if os.IsNotExist(err) {
			metrics.ChunkStoreOpsTotal.WithLabelValues("retrieve", "not_found").Inc()
			return nil, "", errs.NotFoundf("chunk %s", chunkID)
		}
		metrics.ChunkStoreOpsTotal.WithLabelValues("retrieve", "error").Inc()
		return nil, "", errs.WrapStorageFailure(err, "read chunk %s", chunkID)
	}

	data, err := decodeChunkFile(raw)
	if err != nil {
		metrics.ChunkStoreOpsTotal.WithLabelValues("retrieve", "error").Inc()
		return nil, "", errs.WrapStorageFailure(err, "decode chunk %s", chunkID)
	}

	wantChecksum, err := os.ReadFile(s.checksumPath(chunkID))
	if err != nil {
		if os.IsNotExist(err) {
			metrics.ChunkStoreOpsTotal.WithLabelValues("retrieve", "not_found").Inc()
			return nil, "", errs.NotFoundf("checksum sidecar for chunk %s", chunkID)
		}
		metrics.ChunkStoreOpsTotal.WithLabelValues("retrieve", "error").Inc()
		return nil, "", errs.WrapStorageFailure(err, "read checksum for chunk %s", chunkID)
	}

	sum := sha256.Sum256(data)
	got := hex.EncodeToString(sum[:])
	if got != strings.TrimSpace(string(wantChecksum)) {
		metrics.ChunkStoreOpsTotal.WithLabelValues("retrieve", "corrupted").Inc()
		return nil, "", errs.Corruptedf("checksum mismatch for chunk %s: got %s want %s", chunkID, got, wantChecksum)
	}

	metrics.ChunkStoreOpsTotal.WithLabelValues("retrieve", "ok").Inc()
	return data, got, nil
}

// Delete removes both files for chunkID. Absence is not an error unless
// requireExisted is set (the caller wants proof of deletion).
func (s *Store) Delete(ctx context.Context, chunkID string, requireExisted bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, statErr := os.Stat(s.chunkPath(chunkID))
	existed := statErr == nil

	os.Remove(s.chunkPath(chunkID))
	os.Remove(s.checksumPath(chunkID))
	if s.cache != nil {
		s.cache.Remove(chunkID)
	}

	if requireExisted && !existed {
		return errs.NotFoundf("chunk %s", chunkID)
	}
	return nil
}

// Inventory returns the set of valid chunk ids currently held — the single
// source of truth the heartbeat reporter sends upstream (spec §4.B). When
// EnableCache has been called it reads the bbolt-backed cache instead of
// rescanning the directory on every call.
func (s *Store) Inventory(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	cache := s.cache
	s.mu.Unlock()
	if cache != nil {
		return cache.List()
	}
	return s.scanDir()
}

// scanDir lists the storage directory directly, ignoring any cache.
func (s *Store) scanDir() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, errs.WrapStorageFailure(err, "scan chunk directory %s", s.dir)
	}

	var ids []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), chunkExt) {
			continue
		}
		id := strings.TrimSuffix(e.Name(), chunkExt)
		if !chunkIDPattern.MatchString(id) {
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Scrub calls Retrieve on every chunk currently held and reports (but never
// repairs) checksum mismatches, per spec §4.A's optional scrub sweep.
func (s *Store) Scrub(ctx context.Context, onMismatch func(chunkID string, err error)) error {
	ids, err := s.Inventory(ctx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if _, _, err := s.Retrieve(ctx, id); err != nil {
			if onMismatch != nil {
				onMismatch(id, err)
			}
		}
	}
	return nil
}

func (s *Store) writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}

func deflateCompress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, deflateLevel)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// decodeChunkFile interprets the format tag written by Store, falling back
// to guessing (decompress, else raw) for files written before the tag
// existed — the "read-path kindness for pre-existing data" of spec §9.
func decodeChunkFile(raw []byte) ([]byte, error) {
	if len(raw) == 0 {
		return nil, nil
	}

	tag, payload := raw[0], raw[1:]
	switch tag {
	case formatDeflate:
		return flateDecompress(payload)
	case formatRaw:
		return payload, nil
	default:
		// Untagged legacy file: the whole buffer is the payload.
		if out, err := flateDecompress(raw); err == nil {
			return out, nil
		}
		return raw, nil
	}
}

func flateDecompress(data []byte) ([]byte, error) {
	r := flate.NewReader(bytes.NewReader(data))
	defer r.Close()
	return io.ReadAll(r)
}
