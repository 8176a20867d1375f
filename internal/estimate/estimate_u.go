package estimate

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"time"

	"linkage/internal/blocking"
	"linkage/internal/metrics"
	"linkage/internal/model"
	"linkage/internal/pipeline"
	"linkage/internal/storage"
)

// Logical names of the u estimation tables.
const (
	sourceCountsTable = "__linkage__source_counts"
	sampleTable       = "__linkage__df_sample"
	saltedSampleTable = "__linkage__df_sample_salted"
	sampleLeftTable   = "__linkage__df_sample_left"
	sampleRightTable  = "__linkage__df_sample_right"
	scoredTable       = "__linkage__df_scored"
	countsTable       = "__linkage__m_u_counts"

	// saltingThreshold is the max_pairs above which a backend that supports
	// salted blocking gets an all-pairs rule split across CPUs.
	saltingThreshold = 1e4
)

// UOptions configures EstimateU.
type UOptions struct {
	// MaxPairs is the approximate number of record pairs to compare.
	MaxPairs float64

	// Seed makes the sample repeatable when non-nil.
	Seed *int64

	// Partitions overrides the salting partition count (runtime.NumCPU()).
	Partitions int

	Logger Logger

	// Now stamps trained values; time.Now when nil.
	Now func() time.Time
}

// UResult reports what EstimateU did.
type UResult struct {
	Plan SamplePlan
	// Pairs is the number of sampled record pairs.
	Pairs int64
	// Records holds the normalized u probabilities per observed level.
	Records []model.ParameterRecord
	// Updated counts levels whose u probability was written back.
	Updated int
}

// EstimateU estimates u probabilities from a random sample of record pairs.
//
// The sample is drawn from the concatenation of inputs, blocked with an
// unconditional rule (salted when the backend benefits from it), compared,
// and every pair is counted as a non-match. The normalized level counts are
// written to s with provenance model.ProvenanceUByRandomSampling. Levels
// with FixUProbability are left untouched.
//
// s is only modified after the run succeeded; all work happens on a copy with
// term-frequency adjustments stripped.
//
// Errors:
//   - model.ErrConfiguration for invalid settings or sizing inputs.
//   - *EstimationError when a comparison has no observed non-null level.
//   - executor errors, wrapped.
//
// Every intermediate table is released before returning, also on error.
func EstimateU(ctx context.Context, ex storage.Executor, s *model.Settings, inputs []blocking.Input, o UOptions) (res UResult, err error) {
	start := time.Now()
	logf := logfOf(o.Logger)
	defer func() { metrics.RecordStep("estimate_u", start, err) }()

	if s == nil {
		return UResult{}, fmt.Errorf("%w: settings are required", model.ErrConfiguration)
	}
	if len(inputs) == 0 {
		return UResult{}, fmt.Errorf("%w: at least one input table is required", model.ErrConfiguration)
	}
	work := s.Clone().WithDefaults()
	work.StripTermFrequencyAdjustments()
	if err := work.Validate(); err != nil {
		return UResult{}, fmt.Errorf("%w: %v", model.ErrConfiguration, err)
	}

	rel := storage.NewReleaser()
	defer func() {
		err = errors.Join(err, rel.ReleaseAll(context.WithoutCancel(ctx)))
	}()

	concatSQL, err := blocking.ConcatSQL(inputs, work.SourceDatasetColumn, blocking.ConcatColumns(work))
	if err != nil {
		return UResult{}, err
	}
	concat, err := ex.Execute(ctx, pipeline.New().Enqueue(concatSQL, blocking.ConcatTable))
	if err != nil {
		return UResult{}, fmt.Errorf("estimate u: concat inputs: %w", err)
	}
	rel.Track(concat)

	counts, err := countBySource(ctx, ex, rel, concat, work.SourceDatasetColumn)
	if err != nil {
		return UResult{}, err
	}

	plan, err := PlanSample(work.LinkType, counts, o.MaxPairs)
	if err != nil {
		return UResult{}, err
	}
	res.Plan = plan
	logf("stage=estimate_u_plan proportion=%.6f size=%d skip=%t datasets=%d",
		plan.Proportion, plan.Size, plan.Skip, len(counts))

	salted := ex.Capabilities().SupportsSaltedBlocking && o.MaxPairs > saltingThreshold
	partitions := o.Partitions
	if partitions <= 0 {
		partitions = runtime.NumCPU()
	}
	var rules []blocking.Rule
	if salted && partitions > 1 {
		rules = []blocking.Rule{blocking.AllPairs(partitions)}
	}

	sampleStart := time.Now()
	sampleP := pipeline.New()
	if plan.Skip {
		sampleP.Enqueue("select * from "+concat.PhysicalName(), sampleTable)
	} else {
		sampleP.Enqueue(ex.Dialect().SampleSQL(concat.PhysicalName(), storage.SampleSpec{
			Proportion: plan.Proportion,
			Size:       plan.Size,
			Seed:       o.Seed,
		}), sampleTable)
	}
	if len(rules) > 0 {
		// The salt must be materialized with the sample, see blocking.SaltSQL.
		sampleP.Enqueue(blocking.SaltSQL(sampleTable, partitions, ex.Dialect()), saltedSampleTable)
	}
	sample, err := ex.Execute(ctx, sampleP)
	if err != nil {
		return UResult{}, fmt.Errorf("estimate u: sample: %w", err)
	}
	rel.Track(sample)
	// The concat table is not referenced after sampling.
	if err := concat.Release(ctx); err != nil {
		return UResult{}, fmt.Errorf("estimate u: release concat: %w", err)
	}
	logf("stage=estimate_u_sample salted=%t duration=%s", len(rules) > 0, durMS(sampleStart))

	p := pipeline.New().Alias(sampleTable, sample.PhysicalName())
	left, right := sampleTable, sampleTable
	if work.LinkType == model.LinkOnly && len(counts) == 2 {
		p.EnqueueAll(blocking.SplitSQL(sampleTable, work.SourceDatasetColumn, sampleLeftTable, sampleRightTable))
		left, right = sampleLeftTable, sampleRightTable
	}
	if err := enqueueVectors(p, work, rules, left, right); err != nil {
		return UResult{}, err
	}
	p.Enqueue(fmt.Sprintf("select *, CAST(0.0 AS FLOAT) as match_probability from %s", blocking.VectorsTable), scoredTable)
	p.Enqueue(CountsSQL(work, scoredTable, "match_probability"), countsTable)

	countStart := time.Now()
	countsT, err := ex.Execute(ctx, p)
	if err != nil {
		return UResult{}, fmt.Errorf("estimate u: count levels: %w", err)
	}
	rel.Track(countsT)
	rows, err := countsT.Rows(ctx)
	if err != nil {
		return UResult{}, fmt.Errorf("estimate u: read counts: %w", err)
	}
	logf("stage=estimate_u_counts rows=%d duration=%s", len(rows), durMS(countStart))

	records, err := ParseCounts(rows)
	if err != nil {
		return UResult{}, err
	}
	for _, r := range records {
		if r.OutputColumnName == model.LambdaColumnName {
			res.Pairs = int64(r.MCount + r.UCount)
		}
	}
	metrics.RecordRecords("sampled_pairs", res.Pairs)
	if missing := missingComparisons(work, records); len(missing) > 0 {
		return UResult{}, &EstimationError{Comparison: missing[0], Kind: model.KindU, Err: ErrNoObservations}
	}
	props, err := ComputeProportions(records, WantU)
	if err != nil {
		return UResult{}, err
	}
	res.Records = props.Records

	now := time.Now
	if o.Now != nil {
		now = o.Now
	}
	res.Updated = writeBack(s, props.Records, model.KindU, model.ProvenanceUByRandomSampling, now(), logf)
	logf("stage=estimate_u ok pairs=%d updated=%d duration=%s", res.Pairs, res.Updated, durMS(start))
	return res, nil
}

// enqueueVectors adds the blocked-pairs and comparison-vector steps.
func enqueueVectors(p *pipeline.Pipeline, s model.Settings, rules []blocking.Rule, left, right string) error {
	blocked, err := blocking.BlockSQL(blocking.Options{
		LinkType:            s.LinkType,
		UniqueIDColumn:      s.UniqueIDColumn,
		SourceDatasetColumn: s.SourceDatasetColumn,
		Columns:             s.InputColumns(),
		Rules:               rules,
		LeftTable:           left,
		RightTable:          right,
	})
	if err != nil {
		return err
	}
	vectors, err := blocking.ComparisonVectorsSQL(s, blocking.BlockedTable, false)
	if err != nil {
		return err
	}
	p.Enqueue(blocked, blocking.BlockedTable)
	p.Enqueue(vectors, blocking.VectorsTable)
	return nil
}

// countBySource returns the row count of each source dataset in concat,
// ordered by dataset name.
func countBySource(ctx context.Context, ex storage.Executor, rel *storage.Releaser, concat *storage.Table, sd string) ([]int64, error) {
	p := pipeline.New().
		Alias(blocking.ConcatTable, concat.PhysicalName()).
		Enqueue(fmt.Sprintf("select %s as source_dataset, count(*) as row_count from %s group by %s",
			sd, blocking.ConcatTable, sd), sourceCountsTable)
	t, err := ex.Execute(ctx, p)
	if err != nil {
		return nil, fmt.Errorf("estimate u: count inputs: %w", err)
	}
	rel.Track(t)
	rows, err := t.Rows(ctx, "source_dataset")
	if err != nil {
		return nil, fmt.Errorf("estimate u: read input counts: %w", err)
	}
	out := make([]int64, 0, len(rows))
	for _, r := range rows {
		n, err := storage.Int64(r["row_count"])
		if err != nil {
			return nil, fmt.Errorf("estimate u: input count: %w", err)
		}
		out = append(out, n)
	}
	return out, nil
}

// writeBack applies trained probabilities to s, skipping fixed levels.
// Comparisons without any record are left alone; levels of an estimated
// comparison that received no estimate are logged. It returns the number of
// levels updated.
func writeBack(s *model.Settings, records []model.ParameterRecord, kind model.ProbabilityKind, description string, at time.Time, logf func(string, ...any)) int {
	got := model.ParameterLookup(records)
	estimated := map[string]bool{}
	for _, r := range records {
		estimated[r.OutputColumnName] = true
	}
	updated := 0
	for ci := range s.Comparisons {
		c := &s.Comparisons[ci]
		if !estimated[c.OutputColumnName] {
			continue
		}
		for _, li := range c.NonNullLevels() {
			level := &c.Levels[li]
			r, ok := got[model.ParameterKey{OutputColumnName: c.OutputColumnName, VectorValue: c.VectorValue(li)}]
			if !ok {
				logf("stage=write_back comparison=%s level=%d kind=%s status=not_observed",
					c.OutputColumnName, c.VectorValue(li), kind)
				continue
			}
			if (kind == model.KindM && level.FixMProbability) || (kind == model.KindU && level.FixUProbability) {
				continue
			}
			v := r.MProbability
			if kind == model.KindU {
				v = r.UProbability
			}
			level.AppendTrained(kind, v, description, at)
			updated++
		}
	}
	return updated
}
