package placement

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/strata/internal/types"
)

func nodesNamed(ids ...string) []*types.Node {
	var out []*types.Node
	for _, id := range ids {
		out = append(out, &types.Node{NodeID: id})
	}
	return out
}

func TestPlanChunkCountAndSizes(t *testing.T) {
	nodes := nodesNamed("n1", "n2", "n3")
	plans, err := Plan(150, 64, 3, nodes)
	require.NoError(t, err)
	require.Len(t, plans, 3)
	assert.EqualValues(t, 64, plans[0].Size)
	assert.EqualValues(t, 64, plans[1].Size)
	assert.EqualValues(t, 22, plans[2].Size)
}

func TestPlanFailsInsufficientNodes(t *testing.T) {
	nodes := nodesNamed("n1", "n2")
	_, err := Plan(100, 64, 3, nodes)
	assert.ErrorContains(t, err, "InsufficientNodes")
}

func TestPlanZeroByteFileProducesNoChunks(t *testing.T) {
	nodes := nodesNamed("n1", "n2")
	plans, err := Plan(0, 64, 3, nodes)
	require.NoError(t, err)
	assert.Len(t, plans, 0)
}

func TestPlanZeroByteFileSucceedsEvenWithoutEnoughNodes(t *testing.T) {
	plans, err := Plan(0, 64, 3, nil)
	require.NoError(t, err)
	assert.Len(t, plans, 0)
}

func TestPlanCyclesTargetsAcrossChunks(t *testing.T) {
	nodes := nodesNamed("n1", "n2", "n3", "n4")
	plans, err := Plan(64*3, 64, 2, nodes)
	require.NoError(t, err)
	require.Len(t, plans, 3)

	assert.Equal(t, []string{"n1", "n2"}, ids(plans[0].Targets))
	assert.Equal(t, []string{"n3", "n4"}, ids(plans[1].Targets))
	assert.Equal(t, []string{"n1", "n2"}, ids(plans[2].Targets))
}

func TestPlanNeverRepeatsNodeWithinAChunk(t *testing.T) {
	nodes := nodesNamed("n1", "n2", "n3")
	plans, err := Plan(64*5, 64, 3, nodes)
	require.NoError(t, err)
	for _, p := range plans {
		seen := map[string]bool{}
		for _, n := range p.Targets {
			assert.False(t, seen[n.NodeID], "duplicate target within one chunk")
			seen[n.NodeID] = true
		}
		assert.Len(t, p.Targets, 3)
	}
}

func ids(nodes []*types.Node) []string {
	out := make([]string, len(nodes))
	for i, n := range nodes {
		out[i] = n.NodeID
	}
	return out
}
