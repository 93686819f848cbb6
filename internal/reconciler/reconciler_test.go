package reconciler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/strata/internal/events"
	"github.com/cuemby/strata/internal/metastore/memstore"
	"github.com/cuemby/strata/internal/nodeclient"
	"github.com/cuemby/strata/internal/types"
)

type fakeTransfer struct {
	mu   sync.Mutex
	puts []string
	data map[string][]byte
}

func newFakeTransfer() *fakeTransfer {
	return &fakeTransfer{data: map[string][]byte{}}
}

func (f *fakeTransfer) GetChunk(ctx context.Context, nodeAddr, chunkID string) ([]byte, string, error) {
	return []byte("chunk-bytes"), "checksum", nil
}

func (f *fakeTransfer) PutChunk(ctx context.Context, nodeAddr, chunkID string, data []byte, replicateTo []string) (nodeclient.StoreResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.puts = append(f.puts, nodeAddr)
	return nodeclient.StoreResponse{Status: "ok", ChunkID: chunkID}, nil
}

func (f *fakeTransfer) putCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.puts)
}

func seedFile(t *testing.T, store *memstore.Store, chunkID string, replicaNodeIDs ...string) {
	t.Helper()
	replicas := make([]types.Replica, len(replicaNodeIDs))
	now := time.Now()
	for i, id := range replicaNodeIDs {
		replicas[i] = types.Replica{NodeID: id, URL: id + ":9000", State: types.ReplicaCommitted, LastHeartbeat: &now}
	}
	f := &types.File{
		FileID: types.NewID(),
		Path:   "/under-replicated.bin",
		Size:   64,
		Chunks: []types.ChunkEntry{{ChunkID: chunkID, SeqIndex: 0, Size: 64, Replicas: replicas}},
	}
	require.NoError(t, store.CreateFilePlanned(context.Background(), f))
}

func seedNode(t *testing.T, store *memstore.Store, id string, free int64) {
	t.Helper()
	require.NoError(t, store.UpsertNode(context.Background(), &types.Node{
		NodeID: id, Host: id, Port: 9000, State: types.NodeActive, FreeSpace: free, TotalSpace: 1000,
	}))
}

func TestRunCycleRepairsUnderReplicatedChunk(t *testing.T) {
	store := memstore.New(events.NewBroker())
	ctx := context.Background()

	seedNode(t, store, "n1", 500)
	seedNode(t, store, "n2", 800)
	seedNode(t, store, "n3", 900)

	seedFile(t, store, "chunk-1", "n1")

	transfer := newFakeTransfer()
	r := New(Config{ReplicationFactor: 3}, store, transfer, nil)

	r.RunCycle(ctx)

	assert.Equal(t, 2, transfer.putCount())
}

func TestRunCycleSkipsChunkWithNoHealthyReplicas(t *testing.T) {
	store := memstore.New(nil)
	ctx := context.Background()

	seedNode(t, store, "n2", 800)
	seedFile(t, store, "chunk-1", "n1") // n1 is not an active node

	transfer := newFakeTransfer()
	r := New(Config{ReplicationFactor: 3}, store, transfer, nil)

	r.RunCycle(ctx)

	assert.Equal(t, 0, transfer.putCount())
}

func TestRunCycleLeavesFullyReplicatedChunkAlone(t *testing.T) {
	store := memstore.New(nil)
	ctx := context.Background()

	seedNode(t, store, "n1", 500)
	seedNode(t, store, "n2", 800)
	seedFile(t, store, "chunk-1", "n1", "n2")

	transfer := newFakeTransfer()
	r := New(Config{ReplicationFactor: 2}, store, transfer, nil)

	r.RunCycle(ctx)

	assert.Equal(t, 0, transfer.putCount())
}

func TestStopIsBounded(t *testing.T) {
	store := memstore.New(nil)
	r := New(Config{ReplicationFactor: 3, Interval: 10 * time.Millisecond}, store, newFakeTransfer(), nil)
	r.Start()
	r.Stop()
}
