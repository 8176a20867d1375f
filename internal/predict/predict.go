package predict

import (
	"context"
	"fmt"
	"io"
	"log"
	"time"

	"linkage/internal/blocking"
	"linkage/internal/metrics"
	"linkage/internal/model"
	"linkage/internal/pipeline"
	"linkage/internal/storage"
)

// PredictionsTable is the logical name of the scored pairs table.
const PredictionsTable = "__linkage__df_predict"

const scoredTable = "__linkage__df_match_scored"

// Logger is the minimal logging interface used by Predict.
// *log.Logger satisfies this interface.
type Logger interface {
	Printf(format string, v ...any)
}

// Options configures Predict.
type Options struct {
	// ThresholdMatchProbability drops pairs scoring below it. Zero keeps all.
	ThresholdMatchProbability float64

	// RetainColumns keeps the compared input columns (col_l, col_r).
	RetainColumns bool

	Logger Logger
}

// Predict scores every candidate pair of inputs produced by the settings'
// blocking rules and materializes the result.
//
// The returned table has unique_id_l/_r, source_dataset_l/_r, one gamma_
// column per comparison, match_key, match_weight, match_odds and
// match_probability. The caller owns it and must Release it.
//
// When to use:
//   - After u (EstimateU) and m (Trainer.Train) are set on every level; levels
//     without both probabilities score as uninformative.
//
// Edge cases:
//   - No blocking rules means all pairs, which grows with the square of the
//     input size.
func Predict(ctx context.Context, ex storage.Executor, s model.Settings, inputs []blocking.Input, o Options) (out *storage.Table, err error) {
	start := time.Now()
	logf := log.New(io.Discard, "", 0).Printf
	if o.Logger != nil {
		logf = o.Logger.Printf
	}
	defer func() { metrics.RecordStep("predict", start, err) }()

	if len(inputs) == 0 {
		return nil, fmt.Errorf("%w: at least one input table is required", model.ErrConfiguration)
	}
	if o.ThresholdMatchProbability < 0 || o.ThresholdMatchProbability > 1 {
		return nil, fmt.Errorf("%w: threshold_match_probability must be in [0,1], got %v",
			model.ErrConfiguration, o.ThresholdMatchProbability)
	}
	s = s.Clone().WithDefaults()
	s.StripTermFrequencyAdjustments()
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrConfiguration, err)
	}
	if len(s.BlockingRules) == 0 {
		logf("stage=predict warning=no_blocking_rules comparing=all_pairs")
	}

	p, err := PredictPipeline(s, inputs, o)
	if err != nil {
		return nil, err
	}
	out, err = ex.Execute(ctx, p)
	if err != nil {
		return nil, fmt.Errorf("predict: %w", err)
	}
	n, err := out.Count(ctx)
	if err != nil {
		_ = out.Release(context.WithoutCancel(ctx))
		return nil, fmt.Errorf("predict: count: %w", err)
	}
	metrics.RecordRecords("scored_pairs", n)
	logf("stage=predict ok pairs=%d rules=%d duration=%s", n, len(s.BlockingRules), time.Since(start).Truncate(time.Millisecond))
	return out, nil
}

// PredictPipeline renders the full prediction as one pipeline. s must already
// carry defaults.
func PredictPipeline(s model.Settings, inputs []blocking.Input, o Options) (*pipeline.Pipeline, error) {
	concatSQL, err := blocking.ConcatSQL(inputs, s.SourceDatasetColumn, blocking.ConcatColumns(s))
	if err != nil {
		return nil, err
	}
	blocked, err := blocking.BlockSQL(blocking.Options{
		LinkType:            s.LinkType,
		UniqueIDColumn:      s.UniqueIDColumn,
		SourceDatasetColumn: s.SourceDatasetColumn,
		Columns:             s.InputColumns(),
		Rules:               blocking.Rules(s.BlockingRules),
		LeftTable:           blocking.ConcatTable,
		RightTable:          blocking.ConcatTable,
	})
	if err != nil {
		return nil, err
	}
	vectors, err := blocking.ComparisonVectorsSQL(s, blocking.BlockedTable, o.RetainColumns)
	if err != nil {
		return nil, err
	}
	score, err := ScoreSteps(s, blocking.VectorsTable, scoredTable)
	if err != nil {
		return nil, err
	}

	p := pipeline.New().
		Enqueue(concatSQL, blocking.ConcatTable).
		Enqueue(blocked, blocking.BlockedTable).
		Enqueue(vectors, blocking.VectorsTable).
		EnqueueAll(score)

	final := "select * from " + scoredTable
	if o.ThresholdMatchProbability > 0 {
		final += fmt.Sprintf(" where %s >= %s", MatchProbabilityColumn, storage.FormatFloat(o.ThresholdMatchProbability))
	}
	return p.Enqueue(final, PredictionsTable), nil
}
