package cluster

import (
	"context"
	"errors"
	"fmt"
	"time"

	"linkage/internal/metrics"
	"linkage/internal/storage"
)

// MemorySolver reads the graph out of the executor, runs Components and
// writes the result back as a cluster table. Node ids are compared with
// CompareNodeIDs, so integer ids stored as text still sort numerically.
type MemorySolver struct {
	// BatchSize bounds rows per insert; zero lets the executor decide.
	BatchSize int
}

// Solve implements Solver.
func (m MemorySolver) Solve(ctx context.Context, ex storage.Executor, g Graph, o Options) (out *storage.Table, err error) {
	start := time.Now()
	logf := o.logf()
	defer func() { metrics.RecordStep("cluster_memory", start, err) }()

	if _, _, err := o.Threshold(); err != nil {
		return nil, err
	}
	nodes, edges, err := ReadGraph(ctx, ex, g)
	if err != nil {
		return nil, err
	}
	logf("stage=cluster_memory_read nodes=%d edges=%d duration=%s", len(nodes), len(edges), durMS(start))

	assignments, err := Components(nodes, edges, o)
	if err != nil {
		return nil, err
	}
	metrics.RecordRecords("clustered_nodes", int64(len(assignments)))
	return WriteAssignments(ctx, ex, assignments, m.BatchSize)
}

// ReadGraph loads the node ids and scored edges of g into memory, ids
// normalized with storage.NormalizeKey.
func ReadGraph(ctx context.Context, ex storage.Executor, g Graph) ([]NodeID, []Edge, error) {
	g = g.withDefaults()
	if err := g.validate(); err != nil {
		return nil, nil, err
	}
	nodeRows, err := ex.Query(ctx, fmt.Sprintf("SELECT %s AS node_id FROM %s", g.NodeIDColumn, g.NodesTable))
	if err != nil {
		return nil, nil, fmt.Errorf("cluster: read nodes: %w", err)
	}
	nodes := make([]NodeID, len(nodeRows))
	for i, r := range nodeRows {
		nodes[i] = NodeID(storage.NormalizeKey(r["node_id"]))
	}

	edgeRows, err := ex.Query(ctx, fmt.Sprintf("SELECT %s AS node_id_l, %s AS node_id_r, %s AS match_probability FROM %s",
		g.LeftColumn, g.RightColumn, g.ProbabilityColumn, g.EdgesTable))
	if err != nil {
		return nil, nil, fmt.Errorf("cluster: read edges: %w", err)
	}
	edges := make([]Edge, len(edgeRows))
	for i, r := range edgeRows {
		p, err := storage.Float64(r["match_probability"])
		if err != nil {
			return nil, nil, fmt.Errorf("cluster: edge %d: %w", i, err)
		}
		edges[i] = Edge{
			Left:             NodeID(storage.NormalizeKey(r["node_id_l"])),
			Right:            NodeID(storage.NormalizeKey(r["node_id_r"])),
			MatchProbability: p,
		}
	}
	return nodes, edges, nil
}

// WriteAssignments stores assignments as a new owned cluster table with text
// columns cluster_id and node_id.
func WriteAssignments(ctx context.Context, ex storage.Executor, assignments []Assignment, batchSize int) (out *storage.Table, err error) {
	notNull := false
	t, err := ex.CreateTable(ctx, storage.TableSpec{
		Name: storage.PhysicalName(ClustersTable),
		Columns: []storage.ColumnSpec{
			{Name: "cluster_id", Type: "text", Nullable: &notNull},
			{Name: "node_id", Type: "text", Nullable: &notNull},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("cluster: create cluster table: %w", err)
	}
	defer func() {
		if err != nil {
			err = errors.Join(err, t.Release(context.WithoutCancel(ctx)))
		}
	}()

	if batchSize <= 0 {
		batchSize = len(assignments)
	}
	cols := []string{"cluster_id", "node_id"}
	for lo := 0; lo < len(assignments); lo += batchSize {
		hi := min(lo+batchSize, len(assignments))
		rows := make([][]any, 0, hi-lo)
		for _, a := range assignments[lo:hi] {
			rows = append(rows, []any{string(a.ClusterID), string(a.NodeID)})
		}
		if _, err := ex.InsertRows(ctx, t, cols, rows); err != nil {
			return nil, fmt.Errorf("cluster: write clusters: %w", err)
		}
	}
	return t, nil
}
