package chunkstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type noopForwarder struct {
	nodes []string
	err   error
}

func (f *noopForwarder) Forward(ctx context.Context, headAddr, chunkID string, compressed []byte, tail []string) ([]string, error) {
	return f.nodes, f.err
}

func newTestStore(t *testing.T, fwd Forwarder) *Store {
	t.Helper()
	s, err := New("node-a", t.TempDir(), fwd)
	require.NoError(t, err)
	return s
}

func TestStoreRetrieveRoundTrip(t *testing.T) {
	s := newTestStore(t, &noopForwarder{})
	data := bytes.Repeat([]byte{0x78}, 1024*1024)

	res, err := s.Store(context.Background(), "chunk-1", data, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), res.UncompressedSize)
	assert.Equal(t, []string{"node-a"}, res.Nodes)

	sum := sha256.Sum256(data)
	assert.Equal(t, hex.EncodeToString(sum[:]), res.Checksum)

	got, checksum, err := s.Retrieve(context.Background(), "chunk-1")
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data, got))
	assert.Equal(t, res.Checksum, checksum)
}

func TestRetrieveNotFound(t *testing.T) {
	s := newTestStore(t, &noopForwarder{})
	_, _, err := s.Retrieve(context.Background(), "missing")
	assert.ErrorContains(t, err, "NotFound")
}

func TestRetrieveCorrupted(t *testing.T) {
	s := newTestStore(t, &noopForwarder{})
	data := []byte("hello world")
	_, err := s.Store(context.Background(), "chunk-2", data, nil)
	require.NoError(t, err)

	// Overwrite the on-disk chunk file with garbage, simulating bitrot.
	require.NoError(t, os.WriteFile(s.chunkPath("chunk-2"), []byte{formatRaw, 'x', 'x', 'x'}, 0o644))

	_, _, err = s.Retrieve(context.Background(), "chunk-2")
	assert.ErrorContains(t, err, "Corrupted")
}

func TestDeleteAbsenceIsNotErrorUnlessRequired(t *testing.T) {
	s := newTestStore(t, &noopForwarder{})
	require.NoError(t, s.Delete(context.Background(), "never-existed", false))
	assert.Error(t, s.Delete(context.Background(), "never-existed", true))
}

func TestStoreForwardsPipelineAndMergesNodes(t *testing.T) {
	s := newTestStore(t, &noopForwarder{nodes: []string{"node-b", "node-c"}})
	res, err := s.Store(context.Background(), "chunk-3", []byte("payload"), []string{"node-b:9000", "node-c:9000"})
	require.NoError(t, err)
	assert.Equal(t, []string{"node-a", "node-b", "node-c"}, res.Nodes)
}

func TestStoreSurvivesDownstreamFailure(t *testing.T) {
	s := newTestStore(t, &noopForwarder{err: assertError{}})
	res, err := s.Store(context.Background(), "chunk-4", []byte("payload"), []string{"node-b:9000"})
	require.NoError(t, err)
	assert.Equal(t, []string{"node-a"}, res.Nodes)

	// Local copy must still be retrievable despite the downstream failure.
	_, _, err = s.Retrieve(context.Background(), "chunk-4")
	require.NoError(t, err)
}

func TestInventoryListsStoredChunks(t *testing.T) {
	s := newTestStore(t, &noopForwarder{})
	_, err := s.Store(context.Background(), "11111111-1111-1111-1111-111111111111", []byte("a"), nil)
	require.NoError(t, err)
	_, err = s.Store(context.Background(), "22222222-2222-2222-2222-222222222222", []byte("b"), nil)
	require.NoError(t, err)

	ids, err := s.Inventory(context.Background())
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{
		"11111111-1111-1111-1111-111111111111",
		"22222222-2222-2222-2222-222222222222",
	}, ids)
}

func TestStoreRelayedPersistsCompressedBytesAsGiven(t *testing.T) {
	s := newTestStore(t, &noopForwarder{})
	data := bytes.Repeat([]byte{0x41}, 4096)
	compressed, err := deflateCompress(data)
	require.NoError(t, err)
	sum := sha256.Sum256(data)
	checksum := hex.EncodeToString(sum[:])

	res, err := s.StoreRelayed(context.Background(), "chunk-relay-1", compressed, checksum, nil)
	require.NoError(t, err)
	assert.Equal(t, checksum, res.Checksum)
	assert.Equal(t, []string{"node-a"}, res.Nodes)

	got, gotChecksum, err := s.Retrieve(context.Background(), "chunk-relay-1")
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data, got))
	assert.Equal(t, checksum, gotChecksum)
}

func TestStoreRelayedForwardsTail(t *testing.T) {
	s := newTestStore(t, &noopForwarder{nodes: []string{"node-b"}})
	res, err := s.StoreRelayed(context.Background(), "chunk-relay-2", []byte("compressed-bytes"), "deadbeef", []string{"node-b:9000"})
	require.NoError(t, err)
	assert.Equal(t, []string{"node-a", "node-b"}, res.Nodes)
}

type assertError struct{}

func (assertError) Error() string { return "downstream unreachable" }
