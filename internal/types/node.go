package types

import (
	"strconv"
	"time"
)

// NodeState mirrors the teacher's NodeStatus enum, narrowed to spec §3.
type NodeState string

const (
	NodeActive   NodeState = "active"
	NodeInactive NodeState = "inactive"
	NodeDraining NodeState = "draining"
	NodeFailed   NodeState = "failed"
)

// Node is a storage node as seen by the Metadata Service.
type Node struct {
	NodeID        string    `json:"node_id"`
	Host          string    `json:"host"`
	Port          int       `json:"port"`
	Rack          string    `json:"rack,omitempty"`
	FreeSpace     int64     `json:"free_space"`
	TotalSpace    int64     `json:"total_space"`
	ChunkCount    int       `json:"chunk_count"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	State         NodeState `json:"state"`

	// OverlayAddress is the optional mesh-VPN address a node advertises in
	// place of Host/Port when the deployment runs storage nodes behind an
	// overlay network. The core only ever stores and returns it; dialing the
	// overlay is an external collaborator's concern (spec §1, §9).
	OverlayAddress string `json:"overlay_address,omitempty"`
}

// PublicURL returns the address clients and peers should dial: the overlay
// address if the node advertised one, otherwise host:port.
func (n *Node) PublicURL() string {
	if n.OverlayAddress != "" {
		return n.OverlayAddress
	}
	return n.Host + ":" + strconv.Itoa(n.Port)
}
