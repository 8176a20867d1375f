package estimate

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"linkage/internal/blocking"
	"linkage/internal/metrics"
	"linkage/internal/model"
	"linkage/internal/pipeline"
	"linkage/internal/predict"
	"linkage/internal/storage"
)

const (
	DefaultMaxIterations = 25
	DefaultTolerance     = 1e-4

	emScoredTable = "__linkage__df_em_scored"
	emCountsTable = "__linkage__em_counts"

	// lambda is kept strictly inside (0,1) so the prior odds stay finite.
	minLambda = 1e-12
	maxLambda = 1 - 1e-12
)

// TrainOptions configures one EM session.
type TrainOptions struct {
	// BlockingRule restricts the pairs EM trains on, e.g. "l.dob = r.dob".
	// Comparisons that read a column used by the rule are not trained: the
	// rule makes their levels uninformative.
	BlockingRule string

	// MaxIterations caps the EM loop. Zero means DefaultMaxIterations.
	MaxIterations int

	// Tolerance stops the loop once no parameter moves by more than this.
	// Zero means DefaultTolerance.
	Tolerance float64

	// TrainU also re-estimates u. By default u stays fixed at the values
	// produced by EstimateU.
	TrainU bool
}

// TrainResult reports the outcome of Train.
type TrainResult struct {
	Iterations int
	Converged  bool
	// MaxChange is the largest parameter movement of the last iteration.
	MaxChange float64
	// Lambda is the final estimate of the probability that two random
	// records match within the blocked pairs. It is not written to settings.
	Lambda float64
	// Trained holds the final probabilities of the trained comparisons.
	Trained []model.ParameterRecord
	// Excluded lists comparisons skipped because the rule uses their columns.
	Excluded []string
	// Updated counts levels written back.
	Updated int
}

// Trainer runs expectation maximisation against an executor.
type Trainer struct {
	Executor storage.Executor
	Logger   Logger

	// Now stamps trained values; time.Now when nil.
	Now func() time.Time
}

// Train estimates m (and u with TrainU) from the pairs of inputs selected by
// o.BlockingRule. Comparison vectors are materialized once; each iteration
// scores them with the current parameters (E-step), sums posterior weights
// per level and normalizes (M-step).
//
// The loop stops when the largest change of any trained probability or of
// lambda drops below the tolerance, or at MaxIterations. A run that hits the
// cap is not an error: Converged reports the difference.
//
// Errors:
//   - model.ErrConfiguration when the rule is empty or excludes every comparison.
//   - *EstimationError when a comparison's posterior weights sum to zero.
//   - executor errors, wrapped.
func (t *Trainer) Train(ctx context.Context, s *model.Settings, inputs []blocking.Input, o TrainOptions) (res TrainResult, err error) {
	start := time.Now()
	logf := logfOf(t.Logger)
	defer func() { metrics.RecordStep("train_em", start, err) }()

	if t.Executor == nil {
		return TrainResult{}, fmt.Errorf("%w: executor is required", model.ErrConfiguration)
	}
	if s == nil {
		return TrainResult{}, fmt.Errorf("%w: settings are required", model.ErrConfiguration)
	}
	if len(inputs) == 0 {
		return TrainResult{}, fmt.Errorf("%w: at least one input table is required", model.ErrConfiguration)
	}
	rule := strings.TrimSpace(o.BlockingRule)
	if rule == "" {
		return TrainResult{}, fmt.Errorf("%w: EM needs a blocking rule", model.ErrConfiguration)
	}
	if o.MaxIterations <= 0 {
		o.MaxIterations = DefaultMaxIterations
	}
	if o.Tolerance <= 0 {
		o.Tolerance = DefaultTolerance
	}

	work := s.Clone().WithDefaults()
	work.StripTermFrequencyAdjustments()
	if err := work.Validate(); err != nil {
		return TrainResult{}, fmt.Errorf("%w: %v", model.ErrConfiguration, err)
	}

	train, excluded := TrainableSettings(work, rule)
	res.Excluded = excluded
	if len(train.Comparisons) == 0 {
		return TrainResult{}, fmt.Errorf("%w: blocking rule %q uses the columns of every comparison",
			model.ErrConfiguration, rule)
	}
	for _, name := range initialiseParameters(&train) {
		logf("stage=train_em comparison=%s status=default_parameters", name)
	}
	logf("stage=train_em_start rule=%q comparisons=%d excluded=%d", rule, len(train.Comparisons), len(excluded))

	rel := storage.NewReleaser()
	defer func() {
		err = errors.Join(err, rel.ReleaseAll(context.WithoutCancel(ctx)))
	}()

	vectors, err := t.materializeVectors(ctx, work, train, rule, inputs)
	if err != nil {
		return TrainResult{}, err
	}
	rel.Track(vectors)

	want := WantM
	if o.TrainU {
		want |= WantU
	}

	var last []model.ParameterRecord
	for res.Iterations < o.MaxIterations {
		if err := ctx.Err(); err != nil {
			return TrainResult{}, err
		}
		iterStart := time.Now()
		res.Iterations++

		props, err := t.iterate(ctx, train, vectors)
		if err != nil {
			return TrainResult{}, fmt.Errorf("train em: iteration %d: %w", res.Iterations, err)
		}
		if err := requireObserved(train, props, want); err != nil {
			return TrainResult{}, err
		}
		p, err := ComputeProportions(props, want)
		if err != nil {
			return TrainResult{}, err
		}

		res.MaxChange = applyIteration(&train, p, want)
		last = p.Records
		logf("stage=train_em_iter iteration=%d max_change=%.3g lambda=%.6g duration=%s",
			res.Iterations, res.MaxChange, train.ProbabilityTwoRandomRecordsMatch, durMS(iterStart))

		if res.MaxChange < o.Tolerance {
			res.Converged = true
			break
		}
	}
	metrics.RecordIterations(metrics.EMIterationsTotal, res.Iterations, res.Converged)
	res.Lambda = train.ProbabilityTwoRandomRecordsMatch
	res.Trained = last

	now := time.Now
	if t.Now != nil {
		now = t.Now
	}
	at := now()
	res.Updated = writeBack(s, last, model.KindM, model.ProvenanceMByEMPrefix+rule, at, logf)
	if o.TrainU {
		res.Updated += writeBack(s, last, model.KindU, model.ProvenanceUByEMPrefix+rule, at, logf)
	}
	logf("stage=train_em ok iterations=%d converged=%t updated=%d duration=%s",
		res.Iterations, res.Converged, res.Updated, durMS(start))
	return res, nil
}

// materializeVectors blocks inputs with rule and stores the comparison vectors
// of the trainable comparisons.
func (t *Trainer) materializeVectors(ctx context.Context, work, train model.Settings, rule string, inputs []blocking.Input) (*storage.Table, error) {
	cols := blocking.ConcatColumns(work)
	have := map[string]bool{work.SourceDatasetColumn: true}
	for _, c := range cols {
		have[c] = true
	}
	for _, c := range RuleColumns(rule) {
		if !have[c] {
			have[c] = true
			cols = append(cols, c)
		}
	}
	concatSQL, err := blocking.ConcatSQL(inputs, work.SourceDatasetColumn, cols)
	if err != nil {
		return nil, err
	}
	p := pipeline.New().Enqueue(concatSQL, blocking.ConcatTable)
	if err := enqueueVectors(p, train, blocking.Rules([]string{rule}), blocking.ConcatTable, blocking.ConcatTable); err != nil {
		return nil, err
	}
	vectors, err := t.Executor.Execute(ctx, p)
	if err != nil {
		return nil, fmt.Errorf("train em: comparison vectors: %w", err)
	}
	return vectors, nil
}

// iterate scores the vectors with the current parameters and reads back the
// per-level posterior sums.
func (t *Trainer) iterate(ctx context.Context, train model.Settings, vectors *storage.Table) ([]model.ParameterRecord, error) {
	steps, err := predict.ScoreSteps(train, blocking.VectorsTable, emScoredTable)
	if err != nil {
		return nil, err
	}
	p := pipeline.New().
		Alias(blocking.VectorsTable, vectors.PhysicalName()).
		EnqueueAll(steps).
		Enqueue(CountsSQL(train, emScoredTable, predict.MatchProbabilityColumn), emCountsTable)

	counts, err := t.Executor.Execute(ctx, p)
	if err != nil {
		return nil, err
	}
	rows, err := counts.Rows(ctx)
	releaseErr := counts.Release(context.WithoutCancel(ctx))
	if err != nil {
		return nil, err
	}
	if releaseErr != nil {
		return nil, releaseErr
	}
	return ParseCounts(rows)
}

// requireObserved rejects iterations where a trained comparison has no
// non-null level at all.
func requireObserved(train model.Settings, records []model.ParameterRecord, want Want) error {
	if missing := missingComparisons(train, records); len(missing) > 0 {
		kind := model.KindM
		if want&WantM == 0 {
			kind = model.KindU
		}
		return &EstimationError{Comparison: missing[0], Kind: kind, Err: ErrNoObservations}
	}
	return nil
}

// applyIteration moves the parameters of train to the new estimates and
// returns the largest absolute change. Fixed levels keep their values.
func applyIteration(train *model.Settings, p Proportions, want Want) float64 {
	maxChange := 0.0
	move := func(dst **float64, v float64) {
		if *dst != nil {
			maxChange = math.Max(maxChange, math.Abs(**dst-v))
		} else {
			maxChange = math.Inf(1)
		}
		*dst = model.Float(v)
	}
	for _, r := range p.Records {
		c, ok := train.Comparison(r.OutputColumnName)
		if !ok {
			continue
		}
		li, ok := c.LevelByVectorValue(r.VectorValue)
		if !ok {
			continue
		}
		level := &c.Levels[li]
		if want&WantM != 0 && !level.FixMProbability {
			move(&level.MProbability, r.MProbability)
		}
		if want&WantU != 0 && !level.FixUProbability {
			move(&level.UProbability, r.UProbability)
		}
	}
	lambda := math.Min(maxLambda, math.Max(minLambda, p.Lambda))
	maxChange = math.Max(maxChange, math.Abs(train.ProbabilityTwoRandomRecordsMatch-lambda))
	train.ProbabilityTwoRandomRecordsMatch = lambda
	return maxChange
}

// TrainableSettings returns s without the comparisons whose input columns the
// rule references, and the names of those comparisons.
func TrainableSettings(s model.Settings, rule string) (model.Settings, []string) {
	used := map[string]struct{}{}
	for _, c := range RuleColumns(rule) {
		used[c] = struct{}{}
	}
	out := s
	out.Comparisons = nil
	var excluded []string
	for _, c := range s.Comparisons {
		if c.UsesColumn(used) {
			excluded = append(excluded, c.OutputColumnName)
			continue
		}
		out.Comparisons = append(out.Comparisons, c)
	}
	return out, excluded
}

// RuleColumns returns the lower-cased columns referenced as l.<col> or
// r.<col> in rule, in first-seen order.
func RuleColumns(rule string) []string { return blocking.RuleColumns(rule) }

// initialiseParameters fills missing starting values. A comparison missing
// any m gets geometric defaults (each level twice as likely as the next less
// similar one); missing u defaults to uniform. Fixed levels keep their values.
// It returns the comparisons that received defaults.
func initialiseParameters(s *model.Settings) []string {
	var touched []string
	for ci := range s.Comparisons {
		c := &s.Comparisons[ci]
		idx := c.NonNullLevels()
		var needM, needU bool
		for _, li := range idx {
			needM = needM || c.Levels[li].MProbability == nil
			needU = needU || c.Levels[li].UProbability == nil
		}
		if !needM && !needU {
			continue
		}
		touched = append(touched, c.OutputColumnName)

		k := len(idx)
		var total float64
		for i := range idx {
			total += math.Exp2(float64(k - 1 - i))
		}
		for i, li := range idx {
			level := &c.Levels[li]
			if needM && (!level.FixMProbability || level.MProbability == nil) {
				level.MProbability = model.Float(math.Exp2(float64(k-1-i)) / total)
			}
			if needU && (!level.FixUProbability || level.UProbability == nil) {
				level.UProbability = model.Float(1 / float64(k))
			}
		}
	}
	return touched
}
