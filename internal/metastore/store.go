// Package metastore defines the Metadata Store contract (spec §4.C): the
// single-writer source of truth for file and node records. It mirrors the
// shape of the teacher's pkg/storage.Store interface, narrowed to this
// domain's entities, with three interchangeable implementations: memstore
// (unit tests), sqlite and postgres (production, both under
// internal/metastore/sqlstore).
package metastore

import (
	"context"
	"time"

	"github.com/cuemby/strata/internal/types"
)

// HeartbeatReport is what a storage node reports periodically; see
// internal/nodeclient.HeartbeatRequest, which this mirrors on the
// receiving side.
type HeartbeatReport struct {
	NodeID         string
	URL            string
	FreeSpace      int64
	TotalSpace     int64
	ChunkIDs       []string
	OverlayAddress string
	ReceivedAt     time.Time
}

// Stats is the supplemented /api/v1/stats payload (SPEC_FULL §3).
type Stats struct {
	TotalFiles       int64
	TotalBytes       int64
	ActiveNodes      int64
	TotalChunks      int64
	UnderReplicated  int64
	TotalFreeSpace   int64
	TotalSpaceOnDisk int64
}

// Store is the full metadata persistence contract.
type Store interface {
	// CreateFilePlanned inserts a new file row in the "planned" state,
	// failing with errs.Conflict if path already has a live (non-deleted)
	// row — the atomic insert-if-absent of spec §4.C / §4.G.
	CreateFilePlanned(ctx context.Context, file *types.File) error

	// GetFile returns the current row for path, or errs.NotFound.
	GetFile(ctx context.Context, path string) (*types.File, error)

	// GetFileByID returns the current row for fileID, or errs.NotFound.
	GetFileByID(ctx context.Context, fileID string) (*types.File, error)

	// MutateFile performs an atomic read-modify-write of a single file row:
	// fn receives the current row and returns the row to persist. Used by
	// commit to fill in chunk/replica data under the metadata service's
	// single-writer guarantee.
	MutateFile(ctx context.Context, fileID string, fn func(*types.File) error) error

	// DeleteFile marks path deleted (tombstone) or, if permanent, removes
	// the row outright.
	DeleteFile(ctx context.Context, path string, permanent bool) error

	// ListFiles returns non-deleted files whose path has the given prefix,
	// ordered by path, paged by limit/offset.
	ListFiles(ctx context.Context, prefix string, limit, offset int) ([]*types.File, error)

	// UpsertNode inserts or fully replaces a node row, used for initial
	// registration.
	UpsertNode(ctx context.Context, node *types.Node) error

	// GetNode returns a single node row, or errs.NotFound.
	GetNode(ctx context.Context, nodeID string) (*types.Node, error)

	// ListNodes returns every known node row.
	ListNodes(ctx context.Context) ([]*types.Node, error)

	// ListActiveNodes returns node rows currently in types.NodeActive.
	ListActiveNodes(ctx context.Context) ([]*types.Node, error)

	// ApplyHeartbeat runs the heartbeat-driven sync of spec §4.C: updates
	// the node row, then for every file whose chunks reference this node,
	// reconciles the Replica rows against report.ChunkIDs, publishing a
	// ReplicaLost event for every replica this heartbeat no longer confirms.
	ApplyHeartbeat(ctx context.Context, report HeartbeatReport) error

	// SweepStaleNodes transitions nodes whose last heartbeat is older than
	// staleAfter into types.NodeInactive, publishing NodeWentInactive for
	// each transition.
	SweepStaleNodes(ctx context.Context, staleAfter time.Duration) error

	// AcquireLease creates a held lease for path, or errs.Conflict if one
	// is already held and unexpired.
	AcquireLease(ctx context.Context, lease *types.Lease) error

	// ReleaseLease frees the lease identified by leaseID.
	ReleaseLease(ctx context.Context, leaseID string) error

	// RenewLease extends an existing held lease's expiry, or returns
	// errs.NotFound if the lease is absent or already expired.
	RenewLease(ctx context.Context, leaseID string, newExpiry time.Time) error

	// GetLease returns the current lease for path, if any is held and
	// unexpired.
	GetLease(ctx context.Context, path string) (*types.Lease, error)

	// ListLeases returns every lease row, including expired ones that no
	// sweep has removed yet.
	ListLeases(ctx context.Context) ([]*types.Lease, error)

	// SweepExpiredLeases frees every lease whose ExpiresAt has passed.
	SweepExpiredLeases(ctx context.Context, now time.Time) (int, error)

	// Stats computes the supplemented aggregate stats endpoint's payload.
	Stats(ctx context.Context) (Stats, error)

	// Close releases underlying resources (DB handles, etc).
	Close() error
}
