package sqlstore_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/strata/internal/metastore"
	"github.com/cuemby/strata/internal/metastore/sqlite"
	"github.com/cuemby/strata/internal/types"
)

func newTestStore(t *testing.T) metastore.Store {
	t.Helper()
	s, err := sqlite.Open(":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteCreateFilePlannedRejectsDuplicate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateFilePlanned(ctx, &types.File{
		FileID: "f1", Path: "/a.txt", CreatedAt: time.Now(), ModifiedAt: time.Now(),
	}))
	err := s.CreateFilePlanned(ctx, &types.File{
		FileID: "f2", Path: "/a.txt", CreatedAt: time.Now(), ModifiedAt: time.Now(),
	})
	assert.ErrorContains(t, err, "Conflict")
}

func TestSQLiteMutateFileRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateFilePlanned(ctx, &types.File{
		FileID: "f1", Path: "/a.txt", CreatedAt: time.Now(), ModifiedAt: time.Now(),
	}))

	err := s.MutateFile(ctx, "f1", func(f *types.File) error {
		f.Size = 42
		f.Chunks = []types.ChunkEntry{{ChunkID: "c1", Size: 42, Replicas: []types.Replica{{NodeID: "node-a", State: types.ReplicaCommitted}}}}
		return nil
	})
	require.NoError(t, err)

	got, err := s.GetFile(ctx, "/a.txt")
	require.NoError(t, err)
	assert.EqualValues(t, 42, got.Size)
	require.Len(t, got.Chunks, 1)
	assert.Equal(t, "node-a", got.Chunks[0].Replicas[0].NodeID)
}

func TestSQLiteApplyHeartbeatPrunesReplica(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateFilePlanned(ctx, &types.File{
		FileID: "f1", Path: "/a.txt", CreatedAt: time.Now(), ModifiedAt: time.Now(),
		Chunks: []types.ChunkEntry{{
			ChunkID: "c1",
			Replicas: []types.Replica{
				{NodeID: "node-a", State: types.ReplicaCommitted},
				{NodeID: "node-b", State: types.ReplicaCommitted},
			},
		}},
	}))

	require.NoError(t, s.ApplyHeartbeat(ctx, metastore.HeartbeatReport{
		NodeID:     "node-a",
		ChunkIDs:   nil,
		ReceivedAt: time.Now(),
	}))

	got, err := s.GetFile(ctx, "/a.txt")
	require.NoError(t, err)
	require.Len(t, got.Chunks[0].Replicas, 1)
	assert.Equal(t, "node-b", got.Chunks[0].Replicas[0].NodeID)
}

func TestSQLiteLeaseLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	l := &types.Lease{LeaseID: "l1", Path: "/a.txt", Operation: types.LeaseOpWrite, ExpiresAt: time.Now().Add(time.Minute)}
	require.NoError(t, s.AcquireLease(ctx, l))
	assert.Error(t, s.AcquireLease(ctx, &types.Lease{LeaseID: "l2", Path: "/a.txt", ExpiresAt: time.Now().Add(time.Minute)}))

	require.NoError(t, s.ReleaseLease(ctx, "l1"))
	require.NoError(t, s.AcquireLease(ctx, &types.Lease{LeaseID: "l2", Path: "/a.txt", ExpiresAt: time.Now().Add(time.Minute)}))
}

func TestSQLiteSweepStaleNodes(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertNode(ctx, &types.Node{
		NodeID: "node-a", State: types.NodeActive, LastHeartbeat: time.Now().Add(-time.Hour),
	}))
	require.NoError(t, s.SweepStaleNodes(ctx, time.Minute))

	n, err := s.GetNode(ctx, "node-a")
	require.NoError(t, err)
	assert.Equal(t, types.NodeInactive, n.State)
}
