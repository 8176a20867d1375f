// Package runner drives a linkage pipeline end to end: it loads the inputs,
// estimates u by random sampling, trains m with one EM session per blocking
// rule, scores candidate pairs and clusters them. Results go to the optional
// results database, the parameter store and a settings file.
package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"linkage/internal/blocking"
	"linkage/internal/cluster"
	"linkage/internal/config"
	"linkage/internal/estimate"
	"linkage/internal/loader"
	"linkage/internal/metrics"
	"linkage/internal/model"
	"linkage/internal/paramstore"
	"linkage/internal/predict"
	"linkage/internal/sink"
	"linkage/internal/storage"
)

// DefaultMaxPairs is the u sample size when training.max_pairs is unset.
const DefaultMaxPairs = 1e6

// Logger is the minimal logging interface used by the runner and handed to
// every stage.
type Logger interface {
	Printf(format string, v ...any)
}

// Stage names a pipeline step. Stages run in declaration order.
type Stage int

const (
	StageLoad Stage = iota + 1
	StageEstimateU
	StageTrain
	StagePredict
	StageCluster
)

var stageNames = map[Stage]string{
	StageLoad:      "load",
	StageEstimateU: "estimate-u",
	StageTrain:     "train",
	StagePredict:   "predict",
	StageCluster:   "cluster",
}

func (s Stage) String() string {
	if n, ok := stageNames[s]; ok {
		return n
	}
	return fmt.Sprintf("stage(%d)", int(s))
}

// ParseStage is the inverse of Stage.String.
func ParseStage(name string) (Stage, error) {
	for s, n := range stageNames {
		if n == name {
			return s, nil
		}
	}
	return 0, fmt.Errorf("unknown stage %q", name)
}

// Options selects what Run does.
type Options struct {
	// Until is the last stage to run. Zero runs every stage.
	Until Stage

	// Resume skips estimation and takes the settings of the job's latest
	// compatible snapshot from the parameter store.
	Resume bool
}

// ValidationError carries the issues that made a pipeline unrunnable.
type ValidationError struct {
	Issues []config.Issue
}

func (e *ValidationError) Error() string {
	var msgs []string
	for _, i := range e.Issues {
		if i.Severity == config.SeverityError {
			msgs = append(msgs, i.Path+": "+i.Message)
		}
	}
	return "invalid pipeline: " + strings.Join(msgs, "; ")
}

// InputReport is the outcome of loading one input.
type InputReport struct {
	Name  string
	Table string
	loader.Stats
}

// EMReport is the outcome of one EM session.
type EMReport struct {
	Rule string
	estimate.TrainResult
}

// Report summarizes a run.
type Report struct {
	// RunID is set when a results database is configured.
	RunID string

	Inputs []InputReport
	U      *estimate.UResult
	EM     []EMReport

	// SnapshotID is the last saved (or, with Resume, the loaded) snapshot.
	SnapshotID string

	Pairs       int64
	Nodes       int
	Clusters    int
	Assignments []cluster.Assignment

	// Thresholds holds the extra clusterings of clustering.thresholds,
	// ascending.
	Thresholds []ThresholdReport

	Settings model.Settings
}

// ThresholdReport summarizes the clustering at one extra threshold.
type ThresholdReport struct {
	Threshold   float64
	Clusters    int
	Assignments []cluster.Assignment
}

// Runner holds the factory seams used by Run.
type Runner struct {
	NewExecutor    func(ctx context.Context, cfg storage.Config) (storage.Executor, error)
	NewLogger      func(w io.Writer) Logger
	ExpandEnv      func(string) string
	OpenSink       func(ctx context.Context, path string) (*sink.Store, error)
	OpenParamStore func(o paramstore.Options) (*paramstore.Store, error)

	// LogWriter is handed to NewLogger; os.Stderr when nil.
	LogWriter io.Writer

	// Now stamps trained values; time.Now when nil.
	Now func() time.Time
}

func NewDefaultRunner() *Runner {
	return &Runner{
		NewExecutor: storage.New,
		NewLogger: func(w io.Writer) Logger {
			return log.New(w, "", log.LstdFlags)
		},
		ExpandEnv:      os.ExpandEnv,
		OpenSink:       sink.Open,
		OpenParamStore: paramstore.Open,
	}
}

// Run executes cfg up to o.Until.
func (r *Runner) Run(ctx context.Context, cfg config.Pipeline, o Options) (rep Report, err error) {
	start := time.Now()
	defer func() { metrics.RecordStep("run", start, err) }()

	issues := config.ValidatePipeline(cfg)
	if config.HasErrors(issues) {
		return rep, &ValidationError{Issues: issues}
	}
	if o.Until == 0 {
		o.Until = StageCluster
	}

	w := r.LogWriter
	if w == nil {
		w = os.Stderr
	}
	logger := r.newLogger(w)
	for _, i := range issues {
		logger.Printf("stage=validate %s", i)
	}

	job := cfg.Job
	if job == "" {
		job = "linkage"
	}
	settings := cfg.Settings.WithDefaults()

	rec := &recorder{logger: logger}
	if path := cfg.Output.ResultsDB; path != "" {
		st, serr := r.OpenSink(ctx, path)
		if serr != nil {
			return rep, fmt.Errorf("results db: %w", serr)
		}
		defer st.Close()
		run, serr := st.StartRun(ctx, job)
		if serr != nil {
			return rep, serr
		}
		rec.sink, rec.runID, rep.RunID = st, run.ID, run.ID
		defer func() {
			if ferr := st.FinishRun(context.WithoutCancel(ctx), run.ID, err); ferr != nil {
				err = errors.Join(err, ferr)
			}
		}()
	}

	var ps *paramstore.Store
	if dir := cfg.Output.ParamStoreDir; dir != "" {
		ps, err = r.OpenParamStore(paramstore.Options{Dir: dir})
		if err != nil {
			return rep, fmt.Errorf("param store: %w", err)
		}
		defer ps.Close()
	}
	if o.Resume && ps == nil {
		return rep, fmt.Errorf("%w: resume needs output.param_store_dir", model.ErrConfiguration)
	}

	ex, err := r.NewExecutor(ctx, storage.Config{
		Kind:         cfg.Storage.Kind,
		DSN:          cfg.ExpandedDSN(r.ExpandEnv),
		MaxOpenConns: cfg.Storage.MaxOpenConns,
	})
	if err != nil {
		return rep, fmt.Errorf("executor (kind=%s): %w", cfg.Storage.Kind, err)
	}
	defer ex.Close()

	inputs, err := r.loadInputs(ctx, ex, cfg, settings, logger, rec, &rep)
	if err != nil {
		return rep, err
	}
	rep.Settings = settings
	if o.Until == StageLoad {
		return rep, nil
	}

	if o.Resume {
		snap, err := ps.LatestCompatible(job, settings)
		if err != nil {
			return rep, err
		}
		settings = snap.Settings.WithDefaults()
		rep.SnapshotID = snap.ID
		logger.Printf("stage=resume job=%s snapshot=%s from=%s created=%s", job, snap.ID, snap.Stage, snap.CreatedAt.Format(time.RFC3339))
	} else if err := r.train(ctx, ex, cfg, job, &settings, inputs, o.Until, ps, logger, rec, &rep); err != nil {
		return rep, err
	}
	rep.Settings = settings

	if err := r.writeParameters(ctx, cfg, settings, rec); err != nil {
		return rep, err
	}
	if o.Until < StagePredict {
		return rep, nil
	}

	t0 := time.Now()
	preds, err := predict.Predict(ctx, ex, settings, inputs, predict.Options{
		ThresholdMatchProbability: cfg.Prediction.ThresholdMatchProbability,
		Logger:                    logger,
	})
	if err != nil {
		return rep, err
	}
	defer func() { err = errors.Join(err, preds.Release(context.WithoutCancel(ctx))) }()
	if rep.Pairs, err = preds.Count(ctx); err != nil {
		return rep, fmt.Errorf("count predictions: %w", err)
	}
	if err := rec.stage(ctx, "predict", rep.Pairs, t0, fmt.Sprintf("rules=%d", len(settings.BlockingRules))); err != nil {
		return rep, err
	}
	if o.Until < StageCluster {
		return rep, nil
	}

	if err := r.cluster(ctx, ex, cfg, settings, inputs, preds, logger, rec, &rep); err != nil {
		return rep, err
	}
	logger.Printf("stage=run job=%s inputs=%d pairs=%d nodes=%d clusters=%d duration=%s",
		job, len(inputs), rep.Pairs, rep.Nodes, rep.Clusters, time.Since(start).Truncate(time.Millisecond))
	return rep, nil
}

func (r *Runner) loadInputs(ctx context.Context, ex storage.Executor, cfg config.Pipeline, s model.Settings, logger Logger, rec *recorder, rep *Report) ([]blocking.Input, error) {
	required := requiredInputColumns(cfg, s)
	inputs := make([]blocking.Input, 0, len(cfg.Inputs))
	for _, in := range cfg.Inputs {
		t0 := time.Now()
		var cols []string
		if in.Parser.Kind == "json" {
			cols = required
		}
		tbl, st, err := loader.Load(ctx, ex, in, loader.Options{
			UniqueIDColumn: s.UniqueIDColumn,
			Columns:        cols,
			Replace:        true,
			Strict:         cfg.Runtime.StrictLoad,
			BatchSize:      cfg.Runtime.BatchSize,
			ChannelBuffer:  cfg.Runtime.ChannelBuffer,
			Logger:         logger,
		})
		if err != nil {
			return nil, err
		}
		if missing := missingColumns(st.Columns, required); len(missing) > 0 {
			return nil, errors.Join(
				fmt.Errorf("%w: input %s lacks columns %s", model.ErrConfiguration, in.Name, strings.Join(missing, ",")),
				tbl.Release(context.WithoutCancel(ctx)))
		}
		inputs = append(inputs, blocking.Input{SourceDataset: in.Name, Table: tbl.PhysicalName()})
		rep.Inputs = append(rep.Inputs, InputReport{Name: in.Name, Table: tbl.PhysicalName(), Stats: st})
		if err := rec.stage(ctx, "load", st.Rows, t0, fmt.Sprintf("input=%s rejected=%d", in.Name, st.Rejected)); err != nil {
			return nil, err
		}
	}
	return inputs, nil
}

func (r *Runner) train(ctx context.Context, ex storage.Executor, cfg config.Pipeline, job string, s *model.Settings, inputs []blocking.Input, until Stage, ps *paramstore.Store, logger Logger, rec *recorder, rep *Report) error {
	maxPairs := cfg.Training.MaxPairs
	if maxPairs == 0 {
		maxPairs = DefaultMaxPairs
	}

	t0 := time.Now()
	u, err := estimate.EstimateU(ctx, ex, s, inputs, estimate.UOptions{
		MaxPairs: maxPairs,
		Seed:     cfg.Training.Seed,
		Logger:   logger,
		Now:      r.Now,
	})
	if err != nil {
		return err
	}
	rep.U = &u
	if err := rec.stage(ctx, "estimate_u", u.Pairs, t0, fmt.Sprintf("updated=%d", u.Updated)); err != nil {
		return err
	}
	if err := r.snapshot(ps, job, "estimate_u", *s, logger, rep); err != nil {
		return err
	}
	if until < StageTrain {
		return nil
	}

	if len(cfg.Training.EMBlockingRules) == 0 {
		logger.Printf("stage=train_em skipped reason=%q", "no em_blocking_rules; m comes from settings")
	}
	tr := &estimate.Trainer{Executor: ex, Logger: logger, Now: r.Now}
	for _, rule := range cfg.Training.EMBlockingRules {
		t0 := time.Now()
		res, err := tr.Train(ctx, s, inputs, estimate.TrainOptions{
			BlockingRule:  rule,
			MaxIterations: cfg.Training.MaxIterations,
			Tolerance:     cfg.Training.Tolerance,
			TrainU:        cfg.Training.TrainU,
		})
		if err != nil {
			return fmt.Errorf("em %q: %w", rule, err)
		}
		rep.EM = append(rep.EM, EMReport{Rule: rule, TrainResult: res})
		detail := fmt.Sprintf("rule=%q converged=%t lambda=%g", rule, res.Converged, res.Lambda)
		if err := rec.stage(ctx, "train_em", int64(res.Iterations), t0, detail); err != nil {
			return err
		}
		if err := r.snapshot(ps, job, "train_em", *s, logger, rep); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runner) snapshot(ps *paramstore.Store, job, stage string, s model.Settings, logger Logger, rep *Report) error {
	if ps == nil {
		return nil
	}
	snap, err := ps.Save(job, stage, s)
	if err != nil {
		return err
	}
	rep.SnapshotID = snap.ID
	logger.Printf("stage=snapshot job=%s from=%s snapshot=%s", job, stage, snap.ID)
	return nil
}

func (r *Runner) writeParameters(ctx context.Context, cfg config.Pipeline, s model.Settings, rec *recorder) error {
	if path := cfg.Output.SettingsPath; path != "" {
		if err := WriteSettings(path, s); err != nil {
			return err
		}
	}
	if rec.sink == nil {
		return nil
	}
	_, err := rec.sink.WriteParameters(ctx, rec.runID, s)
	return err
}

func (r *Runner) cluster(ctx context.Context, ex storage.Executor, cfg config.Pipeline, s model.Settings, inputs []blocking.Input, preds *storage.Table, logger Logger, rec *recorder, rep *Report) (err error) {
	t0 := time.Now()
	graph, rel, err := cluster.PredictionGraph(ctx, ex, s, inputs, preds)
	defer func() { err = errors.Join(err, rel.ReleaseAll(context.WithoutCancel(ctx))) }()
	if err != nil {
		return err
	}

	var solver cluster.Solver = cluster.SQLSolver{MaxIterations: cfg.Clustering.MaxIterations}
	if cfg.Clustering.Solver == "memory" {
		solver = cluster.MemorySolver{BatchSize: cfg.Runtime.BatchSize}
	}
	out, err := solver.Solve(ctx, ex, graph, cluster.Options{
		ThresholdMatchProbability: cfg.Clustering.ThresholdMatchProbability,
		ThresholdMatchWeight:      cfg.Clustering.ThresholdMatchWeight,
		AdmitUnknownNodes:         cfg.Clustering.AdmitUnknownNodes,
		Logger:                    logger,
	})
	if err != nil {
		return err
	}
	defer func() { err = errors.Join(err, out.Release(context.WithoutCancel(ctx))) }()

	as, err := cluster.ReadAssignments(ctx, out)
	if err != nil {
		return fmt.Errorf("read clusters: %w", err)
	}
	ids := map[cluster.NodeID]struct{}{}
	for _, a := range as {
		ids[a.ClusterID] = struct{}{}
	}
	rep.Assignments, rep.Nodes, rep.Clusters = as, len(as), len(ids)
	metrics.RecordRecords("clusters", int64(rep.Clusters))

	if rec.sink != nil {
		if _, err := rec.sink.WriteClusters(ctx, rec.runID, as); err != nil {
			return err
		}
	}
	if err := rec.stage(ctx, "cluster", int64(rep.Clusters), t0, fmt.Sprintf("nodes=%d solver=%s", rep.Nodes, solverName(cfg.Clustering.Solver))); err != nil {
		return err
	}
	if len(cfg.Clustering.Thresholds) == 0 {
		return nil
	}
	return r.clusterThresholds(ctx, ex, cfg, graph, logger, rec, rep)
}

// clusterThresholds reclusters the prediction graph in memory at every
// clustering.thresholds value and records each result.
func (r *Runner) clusterThresholds(ctx context.Context, ex storage.Executor, cfg config.Pipeline, graph cluster.Graph, logger Logger, rec *recorder, rep *Report) error {
	t0 := time.Now()
	nodes, edges, err := cluster.ReadGraph(ctx, ex, graph)
	if err != nil {
		return err
	}
	results, err := cluster.ClusterAtMultipleThresholds(nodes, edges, cfg.Clustering.Thresholds, cluster.Options{
		AdmitUnknownNodes: cfg.Clustering.AdmitUnknownNodes,
		Logger:            logger,
	})
	if err != nil {
		return err
	}

	details := make([]string, 0, len(results))
	for _, res := range results {
		ids := map[cluster.NodeID]struct{}{}
		for _, a := range res.Assignments {
			ids[a.ClusterID] = struct{}{}
		}
		rep.Thresholds = append(rep.Thresholds, ThresholdReport{Threshold: res.Threshold, Clusters: len(ids), Assignments: res.Assignments})
		details = append(details, fmt.Sprintf("%g:%d", res.Threshold, len(ids)))
	}
	if rec.sink != nil {
		if _, err := rec.sink.WriteThresholdClusters(ctx, rec.runID, results); err != nil {
			return err
		}
	}
	return rec.stage(ctx, "cluster_thresholds", int64(len(results)), t0, "clusters="+strings.Join(details, ","))
}

// WriteSettings writes s as indented JSON, creating the parent directory.
func WriteSettings(path string, s model.Settings) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("settings dir: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write settings %s: %w", path, err)
	}
	return nil
}

func (r *Runner) newLogger(w io.Writer) Logger {
	if r.NewLogger == nil {
		return log.New(w, "", log.LstdFlags)
	}
	return r.NewLogger(w)
}

// recorder logs stage summaries and mirrors them to the results database
// when one is open.
type recorder struct {
	logger Logger
	sink   *sink.Store
	runID  string
}

func (rc *recorder) stage(ctx context.Context, name string, rows int64, start time.Time, detail string) error {
	d := time.Since(start)
	rc.logger.Printf("stage=%s done rows=%d duration=%s %s", name, rows, d.Truncate(time.Millisecond), detail)
	if rc.sink == nil {
		return nil
	}
	return rc.sink.RecordStage(ctx, rc.runID, name, rows, d, detail)
}

// requiredInputColumns lists the columns every input must provide: the
// unique id, the comparison inputs, and the columns referenced by prediction
// and EM blocking rules.
func requiredInputColumns(cfg config.Pipeline, s model.Settings) []string {
	cols := blocking.ConcatColumns(s)
	seen := map[string]bool{s.SourceDatasetColumn: true}
	for _, c := range cols {
		seen[c] = true
	}
	for _, rule := range cfg.Training.EMBlockingRules {
		for _, c := range blocking.RuleColumns(rule) {
			if !seen[c] {
				seen[c] = true
				cols = append(cols, c)
			}
		}
	}
	return cols
}

func missingColumns(have, want []string) []string {
	set := make(map[string]bool, len(have))
	for _, c := range have {
		set[c] = true
	}
	var out []string
	for _, c := range want {
		if !set[c] {
			out = append(out, c)
		}
	}
	return out
}

func solverName(s string) string {
	if s == "" {
		return "sql"
	}
	return s
}
