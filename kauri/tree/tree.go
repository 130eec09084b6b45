// Package tree implements the k-ary vote-aggregation tree topology:
// replicas are arranged so that each internal node has at most `fanout`
// children, reducing the leader's direct fan-in from O(n) to O(fanout)
// while still aggregating all n partial certificates within
// O(log_fanout n) levels. On repeated leader/view-change failures the
// topology rotates its membership ordering and falls back to a flat
// star (fanout == n-1) once enough rotations have failed to make
// progress, trading aggregation depth for directness when the tree
// itself seems to be the problem.
package tree

import (
	"sort"

	"github.com/relab/kauri"
)

// Tree is an immutable snapshot of one k-ary topology over a fixed
// replica set, rooted at the view's leader.
type Tree struct {
	order  []kauri.ID // root first, then breadth-first order
	fanout int
	index  map[kauri.ID]int // id -> position in order
}

// New builds a tree rooted at root, with every other replica (in
// ascending ID order, then rotated by rotation positions) placed
// breadth-first with the given fanout.
func New(replicas map[kauri.ID]kauri.ReplicaInfo, root kauri.ID, fanout int, rotation int) *Tree {
	ids := make([]kauri.ID, 0, len(replicas))
	for id := range replicas {
		if id != root {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	if fanout < 1 {
		fanout = 1
	}
	if fanout > len(ids) {
		fanout = len(ids)
	}
	if len(ids) > 0 {
		rotation %= len(ids)
		if rotation < 0 {
			rotation += len(ids)
		}
		ids = rotateSlice(ids, rotation)
	}

	order := append([]kauri.ID{root}, ids...)
	index := make(map[kauri.ID]int, len(order))
	for i, id := range order {
		index[id] = i
	}
	return &Tree{order: order, fanout: fanout, index: index}
}

// NewStar builds the degenerate fallback topology: every non-root
// replica is a direct child of root (fanout == n-1), used once the
// rotation budget is exhausted.
func NewStar(replicas map[kauri.ID]kauri.ReplicaInfo, root kauri.ID) *Tree {
	n := len(replicas)
	if n > 1 {
		n--
	}
	return New(replicas, root, n, 0)
}

func rotateSlice(ids []kauri.ID, by int) []kauri.ID {
	if len(ids) == 0 {
		return ids
	}
	out := make([]kauri.ID, len(ids))
	for i := range ids {
		out[i] = ids[(i+by)%len(ids)]
	}
	return out
}

// Root returns the replica this tree is rooted at (ordinarily the
// current view's leader).
func (t *Tree) Root() kauri.ID { return t.order[0] }

// Fanout returns the maximum number of children any node has.
func (t *Tree) Fanout() int { return t.fanout }

// Parent returns id's parent in the tree, or false if id is the root.
// Breadth-first indexing: the child at position p within the non-root
// slice (0-indexed) has its parent at position p/fanout (0 being root).
func (t *Tree) Parent(id kauri.ID) (kauri.ID, bool) {
	pos, ok := t.index[id]
	if !ok || pos == 0 {
		return 0, false
	}
	childIdx := pos - 1
	parentIdx := childIdx / t.fanout
	return t.order[parentIdx], true
}

// Children returns id's children in the tree, in order.
func (t *Tree) Children(id kauri.ID) []kauri.ID {
	pos, ok := t.index[id]
	if !ok {
		return nil
	}
	var children []kauri.ID
	for i := 1; i < len(t.order); i++ {
		childIdx := i - 1
		parentIdx := childIdx / t.fanout
		if parentIdx == pos {
			children = append(children, t.order[i])
		}
	}
	return children
}

// IsLeaf reports whether id has no children in the tree.
func (t *Tree) IsLeaf(id kauri.ID) bool {
	return len(t.Children(id)) == 0
}
