package cluster

import (
	"context"
	"fmt"

	"linkage/internal/blocking"
	"linkage/internal/model"
	"linkage/internal/pipeline"
	"linkage/internal/predict"
	"linkage/internal/storage"
)

// NodeIDSeparator joins source dataset and unique id into a node id for jobs
// that link several datasets.
const NodeIDSeparator = "-__-"

const (
	predictionNodesTable = "__linkage__cc_prediction_nodes"
	predictionEdgesTable = "__linkage__cc_prediction_edges"
)

// NodeIDExpr renders the node id of a record for s. Dedupe jobs use the
// unique id as is; link jobs prefix it with the source dataset, since unique
// ids only need to be unique within one dataset.
func NodeIDExpr(s model.Settings, prefix, suffix string) string {
	uid := prefix + s.UniqueIDColumn + suffix
	if s.LinkType == model.DedupeOnly {
		return uid
	}
	sd := prefix + s.SourceDatasetColumn + suffix
	return fmt.Sprintf("concat(%s, '%s', %s)", sd, NodeIDSeparator, uid)
}

// PredictionGraph materializes the node and edge tables that the solvers read
// from the inputs and a predictions table produced by predict.Predict. The
// returned releaser owns both tables.
func PredictionGraph(ctx context.Context, ex storage.Executor, s model.Settings, inputs []blocking.Input, predictions *storage.Table) (Graph, *storage.Releaser, error) {
	s = s.WithDefaults()
	rel := storage.NewReleaser()

	concatSQL, err := blocking.ConcatSQL(inputs, s.SourceDatasetColumn, []string{s.UniqueIDColumn})
	if err != nil {
		return Graph{}, rel, err
	}
	nodes, err := ex.Execute(ctx, pipeline.New().
		Enqueue(concatSQL, blocking.ConcatTable).
		Enqueue(fmt.Sprintf("select %s as node_id from %s", NodeIDExpr(s, "", ""), blocking.ConcatTable),
			predictionNodesTable))
	if err != nil {
		return Graph{}, rel, fmt.Errorf("cluster: nodes: %w", err)
	}
	rel.Track(nodes)

	edges, err := ex.Execute(ctx, pipeline.New().
		Alias(predict.PredictionsTable, predictions.PhysicalName()).
		Enqueue(fmt.Sprintf("select %s as node_id_l, %s as node_id_r, %s from %s",
			NodeIDExpr(s, "", "_l"), NodeIDExpr(s, "", "_r"), predict.MatchProbabilityColumn, predict.PredictionsTable),
			predictionEdgesTable))
	if err != nil {
		return Graph{}, rel, fmt.Errorf("cluster: edges: %w", err)
	}
	rel.Track(edges)

	return Graph{NodesTable: nodes.PhysicalName(), EdgesTable: edges.PhysicalName()}.withDefaults(), rel, nil
}
