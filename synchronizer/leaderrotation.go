package synchronizer

import (
	"sort"

	"github.com/relab/kauri"
	"github.com/relab/kauri/modules"
)

// RoundRobin is the simplest modules.LeaderRotation: replicas take turns
// leading in ascending ID order, wrapping around.
type RoundRobin struct {
	ids []kauri.ID
}

// NewRoundRobin returns a RoundRobin leader schedule over the given
// replica configuration, in ascending ID order.
func NewRoundRobin(replicas map[kauri.ID]kauri.ReplicaInfo) *RoundRobin {
	ids := make([]kauri.ID, 0, len(replicas))
	for id := range replicas {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return &RoundRobin{ids: ids}
}

// GetLeader returns the leader of the given view.
func (r *RoundRobin) GetLeader(view kauri.View) kauri.ID {
	if len(r.ids) == 0 {
		return 0
	}
	return r.ids[int(view)%len(r.ids)]
}

var _ modules.LeaderRotation = (*RoundRobin)(nil)
