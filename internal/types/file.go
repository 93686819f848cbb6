package types

import "time"

// ReplicaState is the lifecycle state of a single stored copy of a chunk.
type ReplicaState string

const (
	ReplicaPending   ReplicaState = "pending"
	ReplicaCommitted ReplicaState = "committed"
	ReplicaCorrupted ReplicaState = "corrupted"
	ReplicaDeleted   ReplicaState = "deleted"
)

// Replica is one stored copy of a chunk on one storage node.
//
// A replica is authoritative only when both State == ReplicaCommitted and
// the owning node's most recent heartbeat included this chunk_id.
type Replica struct {
	NodeID           string       `json:"node_id"`
	URL              string       `json:"url"`
	State            ReplicaState `json:"state"`
	LastHeartbeat    *time.Time   `json:"last_heartbeat,omitempty"`
	ChecksumVerified bool         `json:"checksum_verified"`
}

// ChunkEntry is one fixed-size (except possibly the last) slice of a file's
// byte stream, embedded in the owning File.
type ChunkEntry struct {
	ChunkID  string    `json:"chunk_id"`
	SeqIndex int       `json:"seq_index"`
	Size     int64     `json:"size"`
	Checksum string    `json:"checksum,omitempty"`
	Replicas []Replica `json:"replicas"`
}

// HealthyReplicas returns the replicas in state committed whose owning node
// is in the given active-node id set.
func (c *ChunkEntry) HealthyReplicas(activeIDs map[string]bool) []Replica {
	var healthy []Replica
	for _, r := range c.Replicas {
		if r.State == ReplicaCommitted && activeIDs[r.NodeID] {
			healthy = append(healthy, r)
		}
	}
	return healthy
}

// File is a virtual-path-addressed byte stream split into ordered chunks.
type File struct {
	FileID     string       `json:"file_id"`
	Path       string       `json:"path"`
	Size       int64        `json:"size"`
	CreatedAt  time.Time    `json:"created_at"`
	ModifiedAt time.Time    `json:"modified_at"`
	IsDeleted  bool         `json:"is_deleted"`
	DeletedAt  *time.Time   `json:"deleted_at,omitempty"`
	Chunks     []ChunkEntry `json:"chunks"`
}
