package cluster

import (
	"fmt"
	"math"
	"slices"

	"linkage/internal/model"
)

// unionFind is a disjoint-set forest over arena indices 0..n-1.
type unionFind struct {
	parent []int32
	rank   []uint8
}

func newUnionFind(n int) *unionFind {
	u := &unionFind{parent: make([]int32, n), rank: make([]uint8, n)}
	for i := range u.parent {
		u.parent[i] = int32(i)
	}
	return u
}

func (u *unionFind) find(i int32) int32 {
	root := i
	for u.parent[root] != root {
		root = u.parent[root]
	}
	for u.parent[i] != root {
		i, u.parent[i] = u.parent[i], root
	}
	return root
}

func (u *unionFind) union(a, b int32) {
	ra, rb := u.find(a), u.find(b)
	if ra == rb {
		return
	}
	switch {
	case u.rank[ra] < u.rank[rb]:
		u.parent[ra] = rb
	case u.rank[ra] > u.rank[rb]:
		u.parent[rb] = ra
	default:
		u.parent[rb] = ra
		u.rank[ra]++
	}
}

// Components clusters nodes in memory.
//
// Edges below the threshold are ignored. Duplicate node ids are collapsed.
// The result is sorted by cluster id, then node id (CompareNodeIDs order).
//
// Errors:
//   - model.ErrConfiguration for conflicting or invalid thresholds.
//   - ErrUnknownNode when an edge endpoint is not a node and
//     o.AdmitUnknownNodes is false. Every edge is checked, whatever its score.
func Components(nodes []NodeID, edges []Edge, o Options) ([]Assignment, error) {
	threshold, filter, err := o.Threshold()
	if err != nil {
		return nil, err
	}

	index := make(map[NodeID]int32, len(nodes))
	arena := make([]NodeID, 0, len(nodes))
	add := func(id NodeID) int32 {
		i, ok := index[id]
		if !ok {
			i = int32(len(arena))
			index[id] = i
			arena = append(arena, id)
		}
		return i
	}
	for _, n := range nodes {
		add(n)
	}
	for _, e := range edges {
		for _, id := range [2]NodeID{e.Left, e.Right} {
			if _, ok := index[id]; ok {
				continue
			}
			if !o.AdmitUnknownNodes {
				return nil, fmt.Errorf("cluster: edge (%s, %s): %w %q", e.Left, e.Right, ErrUnknownNode, id)
			}
			add(id)
		}
	}

	uf := newUnionFind(len(arena))
	for _, e := range edges {
		if filter && !(e.MatchProbability >= threshold) {
			continue
		}
		uf.union(index[e.Left], index[e.Right])
	}

	// Smallest member id per root.
	minID := make(map[int32]NodeID, len(arena))
	for i, id := range arena {
		r := uf.find(int32(i))
		if cur, ok := minID[r]; !ok || CompareNodeIDs(id, cur) < 0 {
			minID[r] = id
		}
	}

	out := make([]Assignment, len(arena))
	for i, id := range arena {
		out[i] = Assignment{ClusterID: minID[uf.find(int32(i))], NodeID: id}
	}
	sortAssignments(out)
	return out, nil
}

func sortAssignments(a []Assignment) {
	slices.SortFunc(a, func(x, y Assignment) int {
		if c := CompareNodeIDs(x.ClusterID, y.ClusterID); c != 0 {
			return c
		}
		return CompareNodeIDs(x.NodeID, y.NodeID)
	})
}

// ThresholdClusters is the clustering at one threshold.
type ThresholdClusters struct {
	Threshold   float64
	Assignments []Assignment
}

// ClusterAtMultipleThresholds clusters at each probability threshold,
// ascending. The lowest threshold is solved from scratch; for each higher one,
// clusters whose weakest internal edge still clears the new threshold are kept
// as they are and only the remaining nodes are re-clustered. The result at
// every threshold equals a direct Components call at that threshold.
//
// o's own thresholds must be unset; o.AdmitUnknownNodes applies.
func ClusterAtMultipleThresholds(nodes []NodeID, edges []Edge, thresholds []float64, o Options) ([]ThresholdClusters, error) {
	if o.ThresholdMatchProbability != nil || o.ThresholdMatchWeight != nil {
		return nil, fmt.Errorf("%w: pass thresholds as a list, not in options", model.ErrConfiguration)
	}
	if len(thresholds) == 0 {
		return nil, fmt.Errorf("%w: at least one threshold is required", model.ErrConfiguration)
	}
	ts := slices.Clone(thresholds)
	slices.Sort(ts)
	ts = slices.Compact(ts)
	for _, t := range ts {
		if !(t >= 0 && t <= 1) {
			return nil, fmt.Errorf("%w: threshold %v outside [0,1]", model.ErrConfiguration, t)
		}
	}
	logf := o.logf()

	first := o
	first.ThresholdMatchProbability = model.Float(ts[0])
	current, err := Components(nodes, edges, first)
	if err != nil {
		return nil, err
	}
	out := []ThresholdClusters{{Threshold: ts[0], Assignments: current}}

	for i := 1; i < len(ts); i++ {
		prev, t := ts[i-1], ts[i]
		clusterOf := make(map[NodeID]NodeID, len(current))
		for _, a := range current {
			clusterOf[a.NodeID] = a.ClusterID
		}

		// Weakest edge holding each cluster together at the previous threshold.
		weakest := map[NodeID]float64{}
		for _, e := range edges {
			if !(e.MatchProbability >= prev) {
				continue
			}
			c := clusterOf[e.Left]
			if w, ok := weakest[c]; !ok {
				weakest[c] = e.MatchProbability
			} else {
				weakest[c] = math.Min(w, e.MatchProbability)
			}
		}

		var next, kept []Assignment
		var redo []NodeID
		redoSet := map[NodeID]bool{}
		for _, a := range current {
			w, joined := weakest[a.ClusterID]
			if !joined || w >= t {
				kept = append(kept, a)
				continue
			}
			redo = append(redo, a.NodeID)
			redoSet[a.NodeID] = true
		}
		var redoEdges []Edge
		for _, e := range edges {
			if redoSet[e.Left] && redoSet[e.Right] {
				redoEdges = append(redoEdges, e)
			}
		}
		sub := o
		sub.ThresholdMatchProbability = model.Float(t)
		reclustered, err := Components(redo, redoEdges, sub)
		if err != nil {
			return nil, err
		}
		next = append(kept, reclustered...)
		sortAssignments(next)
		logf("stage=cluster_threshold threshold=%v kept=%d reclustered=%d", t, len(kept), len(redo))

		out = append(out, ThresholdClusters{Threshold: t, Assignments: next})
		current = next
	}
	return out, nil
}
