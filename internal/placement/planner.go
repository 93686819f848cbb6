// Package placement implements the Placement Planner (spec §4.D): a pure,
// stateless function choosing target storage nodes for each chunk of a new
// file. It holds no state of its own, grounded the same way as the
// teacher's pkg/scheduler computes assignments from a point-in-time node
// snapshot rather than tracking reservations.
package placement

import (
	"sort"

	"github.com/cuemby/strata/internal/errs"
	"github.com/cuemby/strata/internal/types"
)

// DefaultChunkSize is the fixed chunk size spec §3 specifies (64 MiB).
const DefaultChunkSize int64 = 64 * 1024 * 1024

// Plan is one chunk's placement: its size and ordered target node list.
type Plan struct {
	SeqIndex int
	Size     int64
	Targets  []*types.Node
}

// Plan computes the placement for a file of size fileSize, given chunkSize
// and replication factor r, against nodes (assumed already filtered to
// active and sorted by descending free space per spec §4.D's stated input
// contract).
func Plan(fileSize, chunkSize int64, r int, nodes []*types.Node) ([]Plan, error) {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	// A zero-byte file needs zero chunks and therefore zero nodes (spec §8);
	// check this before the node-count requirement so an empty upload never
	// fails InsufficientNodes on an undersized cluster.
	if fileSize <= 0 {
		return []Plan{}, nil
	}
	if len(nodes) < r {
		return nil, errs.InsufficientNodesf("need %d active nodes for replication factor %d, have %d", r, r, len(nodes))
	}

	k := ceilDiv(fileSize, chunkSize)
	plans := make([]Plan, 0, k)
	n := len(nodes)

	for i := int64(0); i < k; i++ {
		size := chunkSize
		if remaining := fileSize - i*chunkSize; remaining < chunkSize {
			size = remaining
		}

		targets := make([]*types.Node, 0, r)
		seen := make(map[string]bool, r)
		// Cycle through the node vector starting at i*r, skipping any
		// index that would repeat a node already chosen for this chunk
		// (spec §4.D tie-break rule), until r distinct targets are found
		// or every node has been tried.
		for j := 0; len(targets) < r && j < n; j++ {
			idx := int((i*int64(r) + int64(j)) % int64(n))
			node := nodes[idx]
			if seen[node.NodeID] {
				continue
			}
			seen[node.NodeID] = true
			targets = append(targets, node)
		}

		plans = append(plans, Plan{SeqIndex: int(i), Size: size, Targets: targets})
	}
	return plans, nil
}

func ceilDiv(a, b int64) int64 {
	if a <= 0 {
		return 0
	}
	return (a + b - 1) / b
}

// SortByFreeSpaceDescending is a convenience for callers building the node
// snapshot Plan expects (spec §4.D: "sorted by descending free space").
func SortByFreeSpaceDescending(nodes []*types.Node) {
	sort.SliceStable(nodes, func(i, j int) bool { return nodes[i].FreeSpace > nodes[j].FreeSpace })
}
