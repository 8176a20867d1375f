// Command linkage runs probabilistic record linkage pipelines: it loads the
// configured inputs, estimates the comparison parameters, scores candidate
// pairs and clusters them into entities.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"linkage/internal/config"
	"linkage/internal/logging"
	"linkage/internal/metrics"
	"linkage/internal/metrics/datadog"
	"linkage/internal/probe"
	"linkage/internal/runner"

	// register all backends with the storage factory.
	_ "linkage/internal/storage/all"
)

// pipelineRunner is the part of *runner.Runner the CLI drives.
type pipelineRunner interface {
	Run(ctx context.Context, cfg config.Pipeline, o runner.Options) (runner.Report, error)
}

// appDeps holds the side-effecting seams of runMain.
type appDeps struct {
	readFile    func(path string) ([]byte, error)
	decode      func(ext string, data []byte) (config.Pipeline, error)
	newLogging  func(cfg logging.Config, stderr io.Writer) *logging.Manager
	initMetrics func(ctx context.Context, jobName, backendName string, tags []string) (func(), error)
	newRunner   func(logger runner.Logger) pipelineRunner
	probe       func(ctx context.Context, opt probe.Options) (probe.Result, error)
}

func defaultDeps() appDeps {
	return appDeps{
		readFile:    os.ReadFile,
		decode:      config.Decode,
		newLogging:  logging.NewManagerWriter,
		initMetrics: initMetrics,
		newRunner: func(logger runner.Logger) pipelineRunner {
			r := runner.NewDefaultRunner()
			r.NewLogger = func(io.Writer) runner.Logger { return logger }
			return r
		},
		probe: probe.Probe,
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := runMain(ctx, os.Args[1:], os.Stdout, os.Stderr, defaultDeps())
	stop()
	os.Exit(code)
}

// usageError marks command line mistakes; runMain exits 2 for them.
type usageError struct{ err error }

func (e usageError) Error() string { return e.err.Error() }
func (e usageError) Unwrap() error { return e.err }

// exitError carries an already reported failure.
type exitError struct{ code int }

func (e exitError) Error() string { return fmt.Sprintf("exit %d", e.code) }

// runMain executes the CLI and returns the process exit code: 0 on success,
// 1 on configuration or run failures, 2 on usage errors.
func runMain(ctx context.Context, args []string, stdout, stderr io.Writer, deps appDeps) int {
	root := newRootCmd(stdout, stderr, deps)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.ExecuteContext(ctx)
	var (
		uerr usageError
		xerr exitError
	)
	switch {
	case err == nil:
		return 0
	case errors.As(err, &xerr):
		return xerr.code
	case errors.As(err, &uerr), strings.HasPrefix(err.Error(), "unknown command"):
		fmt.Fprintf(stderr, "%v\nusage: linkage <command> --config path/to/pipeline.{json,yaml,toml}\n", err)
		return 2
	default:
		fmt.Fprintf(stderr, "%v\n", err)
		return 1
	}
}

type globalFlags struct {
	cfgPath        string
	metricsBackend string
	verbose        bool
	resume         bool
}

func newRootCmd(stdout, stderr io.Writer, deps appDeps) *cobra.Command {
	var g globalFlags

	root := &cobra.Command{
		Use:   "linkage",
		Short: "Probabilistic record linkage and deduplication",
		Long: `linkage links and deduplicates records with a Fellegi-Sunter model.

A pipeline config (JSON, YAML or TOML) names the inputs, the SQL backend
(sqlite, postgres or mssql), the comparisons and the training, prediction
and clustering options. Each command runs the pipeline up to its stage.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(g.cfgPath) == "" {
				return usageError{errors.New("--config is required")}
			}
			return nil
		},
	}
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error { return usageError{err} })

	pf := root.PersistentFlags()
	pf.StringVarP(&g.cfgPath, "config", "c", "", "pipeline config path (.json, .yaml or .toml)")
	pf.StringVar(&g.metricsBackend, "metrics-backend", "", "metrics backend (none, datadog); overrides config and METRICS_BACKEND")
	pf.BoolVarP(&g.verbose, "verbose", "v", false, "enable debug logs")

	root.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate the pipeline config and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := loadPipeline(g.cfgPath, stderr, deps); err != nil {
				return err
			}
			fmt.Fprintf(stdout, "configuration is valid: %s\n", g.cfgPath)
			return nil
		},
	})

	stages := []struct {
		until runner.Stage
		use   string
		short string
	}{
		{runner.StageLoad, "load", "Load the inputs into the backend"},
		{runner.StageEstimateU, "estimate-u", "Load, then estimate u probabilities by random sampling"},
		{runner.StageTrain, "train", "Estimate u, then train m with EM"},
		{runner.StagePredict, "predict", "Train, then score candidate pairs"},
		{runner.StageCluster, "cluster", "Predict, then cluster pairs into entities"},
		{runner.StageCluster, "run", "Run the whole pipeline"},
	}
	for _, s := range stages {
		s := s
		cmd := &cobra.Command{
			Use:   s.use,
			Short: s.short,
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return runStage(cmd.Context(), g, s.until, stdout, stderr, deps)
			},
		}
		if s.until >= runner.StagePredict {
			cmd.Flags().BoolVar(&g.resume, "resume", false, "skip estimation and use the latest compatible snapshot from output.param_store_dir")
		}
		root.AddCommand(cmd)
	}
	root.AddCommand(newProbeCmd(stdout, stderr, deps))
	return root
}

type probeFlags struct {
	maxBytes int
	name     string
	job      string
	backend  string
	dsn      string
	format   string
	comma    string
	out      string
	report   bool
}

// newProbeCmd samples a source and prints a starter pipeline for it. It runs
// without --config.
func newProbeCmd(stdout, stderr io.Writer, deps appDeps) *cobra.Command {
	var f probeFlags
	cmd := &cobra.Command{
		Use:   "probe <path-or-url>",
		Short: "Sample a CSV or JSON source and print a starter pipeline config",
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) != 1 {
				return usageError{fmt.Errorf("probe takes exactly one source, got %d", len(args))}
			}
			return nil
		},
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		RunE: func(cmd *cobra.Command, args []string) error {
			format := strings.ToLower(strings.TrimPrefix(f.format, "."))
			switch format {
			case "json", "yaml", "yml", "toml":
			default:
				return usageError{fmt.Errorf("unsupported --format %q (want json, yaml or toml)", f.format)}
			}
			opt := probe.Options{
				Source:   args[0],
				MaxBytes: f.maxBytes,
				Name:     f.name,
				Job:      f.job,
				Backend:  f.backend,
				DSN:      f.dsn,
			}
			if opt.DSN == "" {
				opt.DSN = strings.TrimSpace(os.Getenv("DSN"))
			}
			if f.comma != "" {
				opt.Parser = config.Options{"comma": f.comma}
			}

			res, err := deps.probe(cmd.Context(), opt)
			if err != nil {
				return err
			}
			if f.report {
				fmt.Fprintln(stdout, probe.Report(res))
				return nil
			}
			b, err := config.Encode(format, res.Pipeline)
			if err != nil {
				return err
			}
			if f.out == "" {
				_, err = stdout.Write(b)
				return err
			}
			if err := os.WriteFile(f.out, b, 0o644); err != nil {
				return fmt.Errorf("write %s: %w", f.out, err)
			}
			fmt.Fprintf(stderr, "wrote %s (%d columns, %d sampled rows)\n", f.out, len(res.Columns), res.Rows)
			return nil
		},
	}
	fl := cmd.Flags()
	fl.IntVar(&f.maxBytes, "max-bytes", probe.DefaultMaxBytes, "bytes to sample from the start of the source")
	fl.StringVar(&f.name, "name", "", "input name (default: derived from the source)")
	fl.StringVar(&f.job, "job", "", "job name (default: the input name)")
	fl.StringVar(&f.backend, "backend", "sqlite", "storage backend: sqlite, postgres or mssql")
	fl.StringVar(&f.dsn, "dsn", "", "storage DSN; overrides the DSN env var and the backend placeholder")
	fl.StringVar(&f.format, "format", "json", "output format: json, yaml or toml")
	fl.StringVar(&f.comma, "comma", "", "CSV field delimiter")
	fl.StringVarP(&f.out, "out", "o", "", "write the config here instead of stdout")
	fl.BoolVar(&f.report, "report", false, "print the uniqueness report instead of a config")
	return cmd
}

// loadPipeline reads, decodes and validates the config, printing every issue
// to stderr.
func loadPipeline(path string, stderr io.Writer, deps appDeps) (config.Pipeline, error) {
	data, err := deps.readFile(path)
	if err != nil {
		return config.Pipeline{}, fmt.Errorf("read config: %w", err)
	}
	p, err := deps.decode(filepath.Ext(path), data)
	if err != nil {
		return config.Pipeline{}, fmt.Errorf("parse config: %w", err)
	}

	issues := config.ValidatePipeline(p)
	for _, iss := range issues {
		fmt.Fprintln(stderr, iss.String())
	}
	if config.HasErrors(issues) {
		fmt.Fprintf(stderr, "configuration is invalid: %s\n", path)
		return config.Pipeline{}, exitError{code: 1}
	}
	return p, nil
}

func runStage(ctx context.Context, g globalFlags, until runner.Stage, stdout, stderr io.Writer, deps appDeps) error {
	p, err := loadPipeline(g.cfgPath, stderr, deps)
	if err != nil {
		return err
	}

	lm := deps.newLogging(p.Logging, stderr)
	defer lm.Close()
	if g.verbose {
		lm.SetLevel("debug")
	}
	logger := lm.Printf(slog.LevelInfo)

	// Decide metrics backend: flag → config → env → none.
	backend := g.metricsBackend
	if backend == "" {
		backend = p.Metrics.Backend
	}
	if backend == "" {
		backend = os.Getenv("METRICS_BACKEND")
	}
	jobName := p.Job
	if jobName == "" {
		jobName = "linkage"
	}
	tags := append(append([]string(nil), p.Metrics.Tags...), datadog.ParseTagsCSV(os.Getenv("METRICS_TAGS"))...)

	cleanup, err := deps.initMetrics(ctx, jobName, backend, tags)
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}
	defer cleanup()

	if g.verbose {
		lm.Logger().Debug("pipeline", "job", jobName, "stage", until.String(), "storage", p.Storage.Kind,
			"inputs", len(p.Inputs), "comparisons", len(p.Settings.Comparisons), "metrics", backend)
	}

	start := time.Now()
	rep, err := deps.newRunner(logger).Run(ctx, p, runner.Options{Until: until, Resume: g.resume})
	if err != nil {
		return fmt.Errorf("run: %w", err)
	}
	printReport(stdout, rep)
	if g.verbose {
		lm.Logger().Debug("completed", "duration", time.Since(start).Truncate(time.Millisecond))
	}
	fmt.Fprintln(stdout, "ok")
	return nil
}

func printReport(w io.Writer, rep runner.Report) {
	for _, in := range rep.Inputs {
		fmt.Fprintf(w, "input %s: rows=%d rejected=%d columns=%d\n", in.Name, in.Rows, in.Rejected, len(in.Columns))
	}
	if rep.U != nil {
		fmt.Fprintf(w, "estimate_u: pairs=%d levels=%d\n", rep.U.Pairs, rep.U.Updated)
	}
	for _, em := range rep.EM {
		fmt.Fprintf(w, "train_em: rule=%q iterations=%d converged=%t lambda=%.6g\n", em.Rule, em.Iterations, em.Converged, em.Lambda)
	}
	if rep.SnapshotID != "" {
		fmt.Fprintf(w, "snapshot: %s\n", rep.SnapshotID)
	}
	if rep.Pairs > 0 {
		fmt.Fprintf(w, "predict: pairs=%d\n", rep.Pairs)
	}
	if rep.Nodes > 0 {
		fmt.Fprintf(w, "cluster: clusters=%d nodes=%d\n", rep.Clusters, rep.Nodes)
	}
	for _, th := range rep.Thresholds {
		fmt.Fprintf(w, "cluster_threshold: threshold=%g clusters=%d\n", th.Threshold, th.Clusters)
	}
	if rep.RunID != "" {
		fmt.Fprintf(w, "run_id: %s\n", rep.RunID)
	}
}

// metricsBackend is what initMetrics needs from a concrete backend.
type metricsBackend interface {
	Close() error
}

// Seams for initMetrics tests.
var (
	newDatadogBackend = func(ctx context.Context, opts datadog.Options) (metricsBackend, error) {
		return datadog.NewBackend(ctx, opts)
	}
	setMetricsBackend = func(b any) {
		if mb, ok := b.(metrics.Backend); ok {
			metrics.SetBackend(mb)
		}
	}
	logPrintf = log.Printf
)

// initMetrics wires the named backend into the metrics package. The returned
// cleanup is never nil and flushes the backend; call it exactly once.
func initMetrics(ctx context.Context, jobName, backendName string, tags []string) (func(), error) {
	nop := func() {}
	switch strings.ToLower(strings.TrimSpace(backendName)) {
	case "", "none", "noop":
		return nop, nil

	case "datadog", "dd":
		// Datadog buffers metrics and submits them periodically; Close stops
		// the flush loop and submits one last time.
		b, err := newDatadogBackend(ctx, datadog.Options{
			JobName:    jobName,
			Tags:       tags,
			FlushEvery: 60 * time.Second,
		})
		if err != nil {
			return nop, err
		}
		setMetricsBackend(b)
		return func() {
			if err := b.Close(); err != nil {
				logPrintf("metrics: datadog close error: %v", err)
			}
		}, nil

	default:
		return nop, fmt.Errorf("unknown metrics backend %q (want none|datadog)", backendName)
	}
}
