// Package coordinator implements the Upload/Commit Coordinator (spec
// §4.G): the three-phase upload protocol tying the lease manager,
// placement planner, and metastore together. It holds no state of its
// own beyond its collaborators, grounded the same way the teacher wires
// independent subsystems together in pkg/manager.
package coordinator

import (
	"context"
	"time"

	"github.com/cuemby/strata/internal/errs"
	"github.com/cuemby/strata/internal/lease"
	"github.com/cuemby/strata/internal/log"
	"github.com/cuemby/strata/internal/metastore"
	"github.com/cuemby/strata/internal/placement"
	"github.com/cuemby/strata/internal/types"
)

// InitRequest is the upload-init request body.
type InitRequest struct {
	Path      string
	Size      int64
	ChunkSize int64
}

// ChunkPlacement describes one chunk's target storage nodes.
type ChunkPlacement struct {
	ChunkID string
	Size    int64
	Targets []string
}

// InitResult is the upload-init response.
type InitResult struct {
	FileID string
	Chunks []ChunkPlacement
}

// CommitChunk is one reported chunk in a commit request.
type CommitChunk struct {
	ChunkID  string
	Checksum string
	NodeIDs  []string
}

// CommitRequest is the commit request body.
type CommitRequest struct {
	FileID string
	Chunks []CommitChunk
}

// CommitResult is the commit response.
type CommitResult struct {
	Status                string
	FileID                string
	TotalReplicas         int
	UnderReplicatedChunks []string
}

// Coordinator implements upload-init and commit.
type Coordinator struct {
	store             metastore.Store
	leases            *lease.Manager
	replicationFactor int
	defaultChunkSize  int64
	defaultLeaseTTL   time.Duration
}

// Config controls the Coordinator's defaults.
type Config struct {
	ReplicationFactor int
	DefaultChunkSize  int64
	DefaultLeaseTTL   time.Duration
}

// New creates a Coordinator.
func New(store metastore.Store, leases *lease.Manager, cfg Config) *Coordinator {
	if cfg.ReplicationFactor <= 0 {
		cfg.ReplicationFactor = 3
	}
	if cfg.DefaultChunkSize <= 0 {
		cfg.DefaultChunkSize = placement.DefaultChunkSize
	}
	if cfg.DefaultLeaseTTL <= 0 {
		cfg.DefaultLeaseTTL = 300 * time.Second
	}
	return &Coordinator{
		store:             store,
		leases:            leases,
		replicationFactor: cfg.ReplicationFactor,
		defaultChunkSize:  cfg.DefaultChunkSize,
		defaultLeaseTTL:   cfg.DefaultLeaseTTL,
	}
}

// InitUpload acquires a write lease on path, plans chunk placement across
// the currently active nodes, and records a planned File row whose chunk
// entries carry no replicas yet (spec §4.G phase 1). The lease is held by
// the caller across the pipeline write and released only on Commit or
// CancelUpload.
func (c *Coordinator) InitUpload(ctx context.Context, req InitRequest) (*InitResult, string, error) {
	chunkSize := req.ChunkSize
	if chunkSize <= 0 {
		chunkSize = c.defaultChunkSize
	}

	acquired, err := c.leases.Acquire(ctx, req.Path, types.LeaseOpWrite, c.defaultLeaseTTL, "")
	if err != nil {
		return nil, "", err
	}

	nodes, err := c.store.ListActiveNodes(ctx)
	if err != nil {
		c.leases.Release(ctx, acquired.LeaseID)
		return nil, "", err
	}
	placement.SortByFreeSpaceDescending(nodes)

	plans, err := placement.Plan(req.Size, chunkSize, c.replicationFactor, nodes)
	if err != nil {
		c.leases.Release(ctx, acquired.LeaseID)
		return nil, "", err
	}

	file := &types.File{
		FileID:     types.NewID(),
		Path:       req.Path,
		Size:       req.Size,
		CreatedAt:  time.Now(),
		ModifiedAt: time.Now(),
		Chunks:     make([]types.ChunkEntry, len(plans)),
	}

	result := &InitResult{FileID: file.FileID, Chunks: make([]ChunkPlacement, len(plans))}
	for i, p := range plans {
		chunkID := types.NewID()
		file.Chunks[i] = types.ChunkEntry{ChunkID: chunkID, SeqIndex: p.SeqIndex, Size: p.Size}

		targets := make([]string, len(p.Targets))
		for j, n := range p.Targets {
			targets[j] = n.PublicURL()
		}
		result.Chunks[i] = ChunkPlacement{ChunkID: chunkID, Size: p.Size, Targets: targets}
	}

	if err := c.store.CreateFilePlanned(ctx, file); err != nil {
		c.leases.Release(ctx, acquired.LeaseID)
		return nil, "", err
	}

	return result, acquired.LeaseID, nil
}

// CancelUpload releases the write lease held by an upload-init that will
// not proceed to commit, so a future upload-init on the same path is not
// blocked until the lease's TTL expires.
func (c *Coordinator) CancelUpload(ctx context.Context, leaseID string) {
	c.leases.Release(ctx, leaseID)
}

// Commit applies the client-reported replica placement to the planned
// File row and releases its write lease (spec §4.G phase 3). It rejects
// commits referencing chunk_ids outside the plan or omitting a planned
// chunk; it accepts (with a warning) chunks whose reported node count
// falls short of the replication factor, leaving the reconciler to
// restore it.
func (c *Coordinator) Commit(ctx context.Context, leaseID string, req CommitRequest) (*CommitResult, error) {
	defer c.leases.Release(ctx, leaseID)

	reported := make(map[string]CommitChunk, len(req.Chunks))
	for _, cc := range req.Chunks {
		reported[cc.ChunkID] = cc
	}

	var result CommitResult
	result.FileID = req.FileID

	err := c.store.MutateFile(ctx, req.FileID, func(f *types.File) error {
		if len(reported) != len(f.Chunks) {
			return errs.InvalidRequestf("commit reports %d chunks, plan has %d", len(reported), len(f.Chunks))
		}

		for i := range f.Chunks {
			planned := &f.Chunks[i]
			cc, ok := reported[planned.ChunkID]
			if !ok {
				return errs.InvalidRequestf("commit omits planned chunk %s", planned.ChunkID)
			}

			nodes := make([]*types.Node, 0, len(cc.NodeIDs))
			for _, nodeID := range cc.NodeIDs {
				node, err := c.store.GetNode(ctx, nodeID)
				if err != nil {
					continue
				}
				nodes = append(nodes, node)
			}

			replicas := make([]types.Replica, len(nodes))
			for j, n := range nodes {
				replicas[j] = types.Replica{NodeID: n.NodeID, URL: n.PublicURL(), State: types.ReplicaCommitted}
			}

			planned.Checksum = cc.Checksum
			planned.Replicas = replicas
			result.TotalReplicas += len(replicas)

			if len(replicas) < c.replicationFactor {
				result.UnderReplicatedChunks = append(result.UnderReplicatedChunks, planned.ChunkID)
				log.WithComponent("coordinator").Warn().
					Str("file_id", req.FileID).Str("chunk_id", planned.ChunkID).
					Int("replicas", len(replicas)).Int("want", c.replicationFactor).
					Msg("commit accepted with under-replicated chunk")
			}
		}

		f.ModifiedAt = time.Now()
		return nil
	})
	if err != nil {
		return nil, err
	}

	result.Status = "committed"
	return &result, nil
}
