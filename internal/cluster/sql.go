package cluster

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"linkage/internal/metrics"
	"linkage/internal/pipeline"
	"linkage/internal/storage"
)

// Logical names of the solver tables.
const (
	ClustersTable = "__linkage__clusters"

	nodesStep           = "__linkage__cc_nodes"
	rankedStep          = "__linkage__cc_ranked"
	edgesStep           = "__linkage__cc_edges"
	neighboursStep      = "__linkage__cc_neighbours"
	representativesStep = "__linkage__cc_representatives"
	candidatesStep      = "__linkage__cc_candidates"
	minimumStep         = "__linkage__cc_minimum"
	unstableStep        = "__linkage__cc_unstable"
	stableStep          = "__linkage__cc_stable"
	assignedStep        = "__linkage__cc_assigned"
	unknownStep         = "__linkage__cc_unknown"
)

// Graph names the tables a solver reads. Column names default to node_id,
// node_id_l, node_id_r and match_probability.
type Graph struct {
	NodesTable   string
	NodeIDColumn string

	EdgesTable        string
	LeftColumn        string
	RightColumn       string
	ProbabilityColumn string
}

func (g Graph) withDefaults() Graph {
	if g.NodeIDColumn == "" {
		g.NodeIDColumn = "node_id"
	}
	if g.LeftColumn == "" {
		g.LeftColumn = "node_id_l"
	}
	if g.RightColumn == "" {
		g.RightColumn = "node_id_r"
	}
	if g.ProbabilityColumn == "" {
		g.ProbabilityColumn = "match_probability"
	}
	return g
}

func (g Graph) validate() error {
	if strings.TrimSpace(g.NodesTable) == "" || strings.TrimSpace(g.EdgesTable) == "" {
		return fmt.Errorf("cluster: nodes and edges tables are required")
	}
	return nil
}

// Solver materializes a cluster table (cluster_id, node_id) for a graph held
// by the executor. The caller owns the returned table.
type Solver interface {
	Solve(ctx context.Context, ex storage.Executor, g Graph, o Options) (*storage.Table, error)
}

// SQLSolver computes connected components inside the executor.
//
// Node ids are first ranked in CompareNodeIDs order (Dialect.IDOrderSQL), and
// the loop works on those integer ranks, so the minimum it finds is the one
// MemorySolver finds whatever the id column's type. Each node starts with the smallest id among itself and its neighbours as
// representative. Every iteration lowers a node's representative to the
// minimum of its neighbours' representatives and of its representative's
// representative (pointer jumping). Representatives only decrease and always
// lie in the node's component, so the loop ends with each component labelled
// by its minimum id.
//
// After each iteration, groups of nodes sharing a representative with no
// neighbour outside the group are complete components: they are set aside
// and removed from the working tables, which keeps late iterations small.
//
// Every superseded table is released as soon as it is no longer referenced,
// and all of them on error.
type SQLSolver struct {
	// MaxIterations caps the loop; DefaultMaxIterations when zero.
	MaxIterations int

	// DisablePruning keeps every node in the working set until convergence.
	DisablePruning bool
}

// Solve implements Solver.
//
// Errors:
//   - model.ErrConfiguration for invalid thresholds.
//   - ErrUnknownNode for edges to missing nodes unless o.AdmitUnknownNodes.
//   - ErrNotConverged when MaxIterations is reached.
//   - executor errors, wrapped.
func (s SQLSolver) Solve(ctx context.Context, ex storage.Executor, g Graph, o Options) (out *storage.Table, err error) {
	start := time.Now()
	logf := o.logf()
	defer func() { metrics.RecordStep("cluster_sql", start, err) }()

	threshold, filter, err := o.Threshold()
	if err != nil {
		return nil, err
	}
	g = g.withDefaults()
	if err := g.validate(); err != nil {
		return nil, err
	}
	maxIter := s.MaxIterations
	if maxIter <= 0 {
		maxIter = DefaultMaxIterations
	}

	rel := storage.NewReleaser()
	defer func() {
		err = errors.Join(err, rel.ReleaseAll(context.WithoutCancel(ctx)))
	}()

	if !o.AdmitUnknownNodes {
		if err := checkUnknownNodes(ctx, ex, rel, g); err != nil {
			return nil, err
		}
	}

	// Rank the distinct node ids once; ties only arise between ids that
	// differ in surrounding whitespace.
	nodesSQL := fmt.Sprintf("select %s as node_id from %s", g.NodeIDColumn, g.NodesTable)
	if o.AdmitUnknownNodes {
		nodesSQL += fmt.Sprintf("\nUNION\nselect %s as node_id from %s\nUNION\nselect %s as node_id from %s",
			g.LeftColumn, g.EdgesTable, g.RightColumn, g.EdgesTable)
	}
	ranked, err := ex.Execute(ctx, pipeline.New().
		Enqueue(nodesSQL, nodesStep).
		Enqueue(fmt.Sprintf(
			"select node_id, row_number() over (order by %s) as node_rank\nfrom (select distinct node_id from %s) as d",
			ex.Dialect().IDOrderSQL("node_id"), nodesStep), rankedStep))
	if err != nil {
		return nil, fmt.Errorf("cluster: rank nodes: %w", err)
	}
	rel.Track(ranked)

	// Neighbours: both directions of every kept edge plus a self loop per node.
	edgeWhere := ""
	if filter {
		edgeWhere = fmt.Sprintf("\nwhere e.%s >= %s", g.ProbabilityColumn, storage.FormatFloat(threshold))
	}
	p := pipeline.New().
		Alias(rankedStep, ranked.PhysicalName()).
		Enqueue(fmt.Sprintf(
			"select a.node_rank as node_id_l, b.node_rank as node_id_r from %s as e\n"+
				"inner join %s as a on a.node_id = e.%s\n"+
				"inner join %s as b on b.node_id = e.%s%s",
			g.EdgesTable, rankedStep, g.LeftColumn, rankedStep, g.RightColumn, edgeWhere), edgesStep).
		Enqueue(fmt.Sprintf(
			"select node_id_l as node_id, node_id_r as neighbour from %s\n"+
				"UNION\nselect node_id_r as node_id, node_id_l as neighbour from %s\n"+
				"UNION\nselect node_rank as node_id, node_rank as neighbour from %s",
			edgesStep, edgesStep, rankedStep), neighboursStep)
	neighbours, err := ex.Execute(ctx, p)
	if err != nil {
		return nil, fmt.Errorf("cluster: neighbours: %w", err)
	}
	rel.Track(neighbours)

	reps, err := ex.Execute(ctx, pipeline.New().
		Alias(neighboursStep, neighbours.PhysicalName()).
		Enqueue(fmt.Sprintf("select node_id, min(neighbour) as representative from %s group by node_id",
			neighboursStep), representativesStep))
	if err != nil {
		return nil, fmt.Errorf("cluster: initial representatives: %w", err)
	}
	rel.Track(reps)

	var done []*storage.Table
	iteration := 0
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if iteration >= maxIter {
			metrics.RecordIterations(metrics.CCIterationsTotal, iteration, false)
			return nil, fmt.Errorf("cluster: %w after %d iterations", ErrNotConverged, iteration)
		}
		iteration++
		iterStart := time.Now()

		next, err := ex.Execute(ctx, updateRepresentativesPipeline(neighbours, reps))
		if err != nil {
			return nil, fmt.Errorf("cluster: iteration %d: %w", iteration, err)
		}
		rel.Track(next)
		if err := rel.Release(ctx, reps); err != nil {
			return nil, err
		}
		reps = next

		changed, err := scalar(ctx, ex, fmt.Sprintf("SELECT COUNT(*) AS row_count FROM %s WHERE rep_match = 1", reps.PhysicalName()))
		if err != nil {
			return nil, fmt.Errorf("cluster: iteration %d: count changes: %w", iteration, err)
		}
		logf("stage=cc_iter iteration=%d unsettled=%d duration=%s", iteration, changed, durMS(iterStart))
		if changed == 0 {
			break
		}
		if s.DisablePruning {
			continue
		}

		stable, remaining, remainingNeighbours, err := prune(ctx, ex, rel, neighbours, reps)
		if err != nil {
			return nil, fmt.Errorf("cluster: iteration %d: prune: %w", iteration, err)
		}
		if stable == nil {
			continue
		}
		done = append(done, stable)
		if err := rel.Release(ctx, reps); err != nil {
			return nil, err
		}
		if err := rel.Release(ctx, neighbours); err != nil {
			return nil, err
		}
		reps, neighbours = remaining, remainingNeighbours
	}
	metrics.RecordIterations(metrics.CCIterationsTotal, iteration, true)

	final := pipeline.New().Alias(rankedStep, ranked.PhysicalName())
	parts := make([]string, 0, len(done)+1)
	for i, t := range append(done, reps) {
		name := fmt.Sprintf("%s_%d", stableStep, i)
		final.Alias(name, t.PhysicalName())
		parts = append(parts, fmt.Sprintf("select representative, node_id from %s", name))
	}
	final.Enqueue(strings.Join(parts, "\nUNION ALL\n"), assignedStep).
		Enqueue(fmt.Sprintf(
			"select c.node_id as cluster_id, n.node_id from %s as s\n"+
				"inner join %s as n on n.node_rank = s.node_id\n"+
				"inner join %s as c on c.node_rank = s.representative",
			assignedStep, rankedStep, rankedStep), ClustersTable)
	out, err = ex.Execute(ctx, final)
	if err != nil {
		return nil, fmt.Errorf("cluster: assemble clusters: %w", err)
	}
	logf("stage=cc ok iterations=%d pruned_batches=%d duration=%s", iteration, len(done), durMS(start))
	return out, nil
}

// updateRepresentativesPipeline renders one min-propagation round. The output
// flags nodes whose representative moved with rep_match = 1.
func updateRepresentativesPipeline(neighbours, reps *storage.Table) *pipeline.Pipeline {
	prev := "__linkage__cc_prev"
	return pipeline.New().
		Alias(neighboursStep, neighbours.PhysicalName()).
		Alias(prev, reps.PhysicalName()).
		Enqueue(fmt.Sprintf(
			"select n.node_id, r.representative from %s as n inner join %s as r on n.neighbour = r.node_id\n"+
				"UNION ALL\n"+
				"select p.node_id, q.representative from %s as p inner join %s as q on p.representative = q.node_id",
			neighboursStep, prev, prev, prev), candidatesStep).
		Enqueue(fmt.Sprintf("select node_id, min(representative) as representative from %s group by node_id",
			candidatesStep), minimumStep).
		Enqueue(fmt.Sprintf(
			"select m.node_id, m.representative,\n"+
				"CASE WHEN m.representative <> p.representative THEN 1 ELSE 0 END as rep_match\n"+
				"from %s as m inner join %s as p on m.node_id = p.node_id",
			minimumStep, prev), representativesStep)
}

// prune sets aside groups that are complete components. It returns nil
// tables when nothing is stable yet.
func prune(ctx context.Context, ex storage.Executor, rel *storage.Releaser, neighbours, reps *storage.Table) (stable, remaining, remainingNeighbours *storage.Table, err error) {
	prev := "__linkage__cc_current"
	base := func() *pipeline.Pipeline {
		return pipeline.New().
			Alias(neighboursStep, neighbours.PhysicalName()).
			Alias(prev, reps.PhysicalName()).
			Enqueue(fmt.Sprintf(
				"select distinct a.representative from %s as n\n"+
					"inner join %s as a on n.node_id = a.node_id\n"+
					"inner join %s as b on n.neighbour = b.node_id\n"+
					"where a.representative <> b.representative",
				neighboursStep, prev, prev), unstableStep)
	}
	notExists := func(alias string) string {
		return fmt.Sprintf("not exists (select 1 from %s as u where u.representative = %s.representative)", unstableStep, alias)
	}

	stable, err = ex.Execute(ctx, base().Enqueue(fmt.Sprintf(
		"select r.node_id, r.representative from %s as r where %s", prev, notExists("r")), stableStep))
	if err != nil {
		return nil, nil, nil, err
	}
	rel.Track(stable)
	n, err := stable.Count(ctx)
	if err != nil {
		return nil, nil, nil, err
	}
	if n == 0 {
		return nil, nil, nil, rel.Release(ctx, stable)
	}

	remaining, err = ex.Execute(ctx, base().Enqueue(fmt.Sprintf(
		"select r.node_id, r.representative, r.rep_match from %s as r where not (%s)", prev, notExists("r")),
		representativesStep))
	if err != nil {
		return nil, nil, nil, err
	}
	rel.Track(remaining)

	remainingNeighbours, err = ex.Execute(ctx, pipeline.New().
		Alias(neighboursStep, neighbours.PhysicalName()).
		Alias(prev, remaining.PhysicalName()).
		Enqueue(fmt.Sprintf(
			"select n.node_id, n.neighbour from %s as n inner join %s as r on n.node_id = r.node_id",
			neighboursStep, prev), neighboursStep+"_remaining"))
	if err != nil {
		return nil, nil, nil, err
	}
	rel.Track(remainingNeighbours)
	return stable, remaining, remainingNeighbours, nil
}

// checkUnknownNodes fails with ErrUnknownNode when an edge endpoint is not in
// the node table.
func checkUnknownNodes(ctx context.Context, ex storage.Executor, rel *storage.Releaser, g Graph) error {
	p := pipeline.New().Enqueue(fmt.Sprintf(
		"select e.%s as node_id from %s as e where not exists (select 1 from %s as n where n.%s = e.%s)\n"+
			"UNION\n"+
			"select e.%s as node_id from %s as e where not exists (select 1 from %s as n where n.%s = e.%s)",
		g.LeftColumn, g.EdgesTable, g.NodesTable, g.NodeIDColumn, g.LeftColumn,
		g.RightColumn, g.EdgesTable, g.NodesTable, g.NodeIDColumn, g.RightColumn,
	), unknownStep)
	t, err := ex.Execute(ctx, p)
	if err != nil {
		return fmt.Errorf("cluster: check edge endpoints: %w", err)
	}
	rel.Track(t)
	rows, err := t.Rows(ctx, "node_id")
	if err != nil {
		return err
	}
	if len(rows) > 0 {
		return fmt.Errorf("cluster: %d unknown endpoint(s), first %q: %w",
			len(rows), storage.NormalizeKey(rows[0]["node_id"]), ErrUnknownNode)
	}
	return nil
}

func scalar(ctx context.Context, ex storage.Executor, q string) (int64, error) {
	recs, err := ex.Query(ctx, q)
	if err != nil {
		return 0, err
	}
	if len(recs) != 1 {
		return 0, fmt.Errorf("expected 1 row, got %d", len(recs))
	}
	return storage.Int64(recs[0]["row_count"])
}

// ReadAssignments reads a cluster table sorted by cluster id, then node id,
// both in CompareNodeIDs order.
func ReadAssignments(ctx context.Context, t *storage.Table) ([]Assignment, error) {
	rows, err := t.Rows(ctx, "cluster_id", "node_id")
	if err != nil {
		return nil, err
	}
	out := make([]Assignment, len(rows))
	for i, r := range rows {
		out[i] = Assignment{
			ClusterID: NodeID(storage.NormalizeKey(r["cluster_id"])),
			NodeID:    NodeID(storage.NormalizeKey(r["node_id"])),
		}
	}
	sortAssignments(out)
	return out, nil
}
