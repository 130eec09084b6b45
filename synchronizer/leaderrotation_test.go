package synchronizer

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/relab/kauri"
)

func replicas(ids ...kauri.ID) map[kauri.ID]kauri.ReplicaInfo {
	out := make(map[kauri.ID]kauri.ReplicaInfo, len(ids))
	for _, id := range ids {
		out[id] = kauri.ReplicaInfo{ID: id}
	}
	return out
}

func TestRoundRobinCyclesInAscendingIDOrder(t *testing.T) {
	rr := NewRoundRobin(replicas(3, 1, 2))

	require.Equal(t, kauri.ID(1), rr.GetLeader(0))
	require.Equal(t, kauri.ID(2), rr.GetLeader(1))
	require.Equal(t, kauri.ID(3), rr.GetLeader(2))
	require.Equal(t, kauri.ID(1), rr.GetLeader(3), "wraps back around to the first replica")
}

func TestRoundRobinWithASingleReplicaAlwaysLeads(t *testing.T) {
	rr := NewRoundRobin(replicas(5))
	for view := kauri.View(0); view < 4; view++ {
		require.Equal(t, kauri.ID(5), rr.GetLeader(view))
	}
}

func TestRoundRobinWithNoReplicasReturnsZero(t *testing.T) {
	rr := NewRoundRobin(nil)
	require.Equal(t, kauri.ID(0), rr.GetLeader(0))
}
