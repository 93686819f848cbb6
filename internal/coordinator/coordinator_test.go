package coordinator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/strata/internal/lease"
	"github.com/cuemby/strata/internal/metastore/memstore"
	"github.com/cuemby/strata/internal/types"
)

func newTestCoordinator(t *testing.T) (*Coordinator, *memstore.Store) {
	t.Helper()
	store := memstore.New(nil)
	leases := lease.New(store, time.Second)
	return New(store, leases, Config{ReplicationFactor: 2, DefaultChunkSize: 64}), store
}

func seedActiveNodes(t *testing.T, store *memstore.Store, ids ...string) {
	t.Helper()
	for _, id := range ids {
		require.NoError(t, store.UpsertNode(context.Background(), &types.Node{
			NodeID: id, Host: id, Port: 9000, State: types.NodeActive, FreeSpace: 1000, TotalSpace: 1000,
		}))
	}
}

func TestInitUploadPlansChunksAndHoldsLease(t *testing.T) {
	c, store := newTestCoordinator(t)
	ctx := context.Background()
	seedActiveNodes(t, store, "n1", "n2", "n3")

	result, leaseID, err := c.InitUpload(ctx, InitRequest{Path: "/f.bin", Size: 150})
	require.NoError(t, err)
	require.NotEmpty(t, leaseID)
	require.Len(t, result.Chunks, 3)
	assert.Len(t, result.Chunks[0].Targets, 2)

	_, _, err = c.InitUpload(ctx, InitRequest{Path: "/f.bin", Size: 10})
	assert.ErrorContains(t, err, "Conflict")
}

func TestInitUploadFailsInsufficientNodes(t *testing.T) {
	c, store := newTestCoordinator(t)
	ctx := context.Background()
	seedActiveNodes(t, store, "n1")

	_, _, err := c.InitUpload(ctx, InitRequest{Path: "/f.bin", Size: 150})
	assert.ErrorContains(t, err, "InsufficientNodes")
}

func TestInitUploadAndCommitAcceptZeroByteFileWithTooFewNodes(t *testing.T) {
	c, store := newTestCoordinator(t)
	ctx := context.Background()
	seedActiveNodes(t, store, "n1")

	result, leaseID, err := c.InitUpload(ctx, InitRequest{Path: "/empty.bin", Size: 0})
	require.NoError(t, err)
	require.Empty(t, result.Chunks)

	res, err := c.Commit(ctx, leaseID, CommitRequest{FileID: result.FileID, Chunks: nil})
	require.NoError(t, err)
	assert.Equal(t, "committed", res.Status)
	assert.Zero(t, res.TotalReplicas)
	assert.Empty(t, res.UnderReplicatedChunks)
}

func TestCommitAcceptsFullReplication(t *testing.T) {
	c, store := newTestCoordinator(t)
	ctx := context.Background()
	seedActiveNodes(t, store, "n1", "n2", "n3")

	result, leaseID, err := c.InitUpload(ctx, InitRequest{Path: "/f.bin", Size: 64})
	require.NoError(t, err)
	require.Len(t, result.Chunks, 1)

	commit := CommitRequest{FileID: result.FileID, Chunks: []CommitChunk{
		{ChunkID: result.Chunks[0].ChunkID, Checksum: "abc", NodeIDs: []string{"n1", "n2"}},
	}}
	res, err := c.Commit(ctx, leaseID, commit)
	require.NoError(t, err)
	assert.Equal(t, "committed", res.Status)
	assert.Equal(t, 2, res.TotalReplicas)
	assert.Empty(t, res.UnderReplicatedChunks)

	_, _, err = c.InitUpload(ctx, InitRequest{Path: "/f.bin", Size: 1})
	assert.ErrorContains(t, err, "already exists")
}

func TestCommitFlagsUnderReplicatedChunk(t *testing.T) {
	c, store := newTestCoordinator(t)
	ctx := context.Background()
	seedActiveNodes(t, store, "n1", "n2", "n3")

	result, leaseID, err := c.InitUpload(ctx, InitRequest{Path: "/f.bin", Size: 64})
	require.NoError(t, err)

	commit := CommitRequest{FileID: result.FileID, Chunks: []CommitChunk{
		{ChunkID: result.Chunks[0].ChunkID, Checksum: "abc", NodeIDs: []string{"n1"}},
	}}
	res, err := c.Commit(ctx, leaseID, commit)
	require.NoError(t, err)
	assert.Equal(t, []string{result.Chunks[0].ChunkID}, res.UnderReplicatedChunks)
}

func TestCommitRejectsUnknownChunkID(t *testing.T) {
	c, store := newTestCoordinator(t)
	ctx := context.Background()
	seedActiveNodes(t, store, "n1", "n2", "n3")

	result, leaseID, err := c.InitUpload(ctx, InitRequest{Path: "/f.bin", Size: 64})
	require.NoError(t, err)

	commit := CommitRequest{FileID: result.FileID, Chunks: []CommitChunk{
		{ChunkID: "not-the-planned-chunk", Checksum: "abc", NodeIDs: []string{"n1"}},
	}}
	_, err = c.Commit(ctx, leaseID, commit)
	assert.ErrorContains(t, err, "InvalidRequest")
}

func TestCancelUploadReleasesLease(t *testing.T) {
	c, store := newTestCoordinator(t)
	ctx := context.Background()
	seedActiveNodes(t, store, "n1", "n2")

	_, leaseID, err := c.InitUpload(ctx, InitRequest{Path: "/f.bin", Size: 10})
	require.NoError(t, err)

	c.CancelUpload(ctx, leaseID)

	_, _, err = c.InitUpload(ctx, InitRequest{Path: "/f.bin", Size: 10})
	assert.NoError(t, err)
}
