package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"linkage/internal/config"
	"linkage/internal/logging"
	"linkage/internal/metrics/datadog"
	"linkage/internal/probe"
	"linkage/internal/runner"
)

// fakeRunner records the number of calls and the last config and options it
// received, and returns a configurable report and error.
type fakeRunner struct {
	rep   runner.Report
	err   error
	calls atomic.Int64

	mu      sync.Mutex
	lastCfg config.Pipeline
	lastOpt runner.Options
}

func (r *fakeRunner) Run(ctx context.Context, cfg config.Pipeline, o runner.Options) (runner.Report, error) {
	r.calls.Add(1)
	r.mu.Lock()
	r.lastCfg, r.lastOpt = cfg, o
	r.mu.Unlock()
	return r.rep, r.err
}

// fakeMetricsBackend is a deterministic metrics backend used by initMetrics tests.
type fakeMetricsBackend struct {
	closeErr error
	closed   atomic.Int64
}

func (b *fakeMetricsBackend) Close() error {
	b.closed.Add(1)
	return b.closeErr
}

const validJSON = `{
  "job": "job1",
  "inputs": [{"name": "people", "path": "people.csv"}],
  "storage": {"kind": "sqlite", "dsn": ":memory:"},
  "settings": {
    "comparisons": [{
      "output_column_name": "first_name",
      "input_columns": ["first_name"],
      "comparison_levels": [
        {"sql_condition": "first_name_l = first_name_r"},
        {"sql_condition": "ELSE"}
      ]
    }],
    "blocking_rules_to_generate_predictions": ["l.surname = r.surname"]
  }
}`

func panicDeps(t *testing.T) appDeps {
	return appDeps{
		readFile: func(string) ([]byte, error) {
			t.Fatalf("readFile must not be called on usage errors")
			return nil, nil
		},
		decode: func(string, []byte) (config.Pipeline, error) {
			t.Fatalf("decode must not be called on usage errors")
			return config.Pipeline{}, nil
		},
		newLogging: func(logging.Config, io.Writer) *logging.Manager {
			t.Fatalf("newLogging must not be called on usage errors")
			return nil
		},
		initMetrics: func(context.Context, string, string, []string) (func(), error) {
			t.Fatalf("initMetrics must not be called on usage errors")
			return func() {}, nil
		},
		newRunner: func(runner.Logger) pipelineRunner {
			t.Fatalf("newRunner must not be called on usage errors")
			return &fakeRunner{}
		},
	}
}

func TestRunMain_UsageErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name          string
		args          []string
		wantStderrSub string
	}{
		{name: "missing_config_flag", args: []string{"run"}, wantStderrSub: "--config is required"},
		{name: "blank_config_value", args: []string{"validate", "--config", "   "}, wantStderrSub: "usage: linkage"},
		{name: "unknown_flag", args: []string{"run", "--nope"}, wantStderrSub: "unknown flag: --nope"},
		{name: "unknown_command", args: []string{"score", "--config", "p.json"}, wantStderrSub: "unknown command"},
		{name: "resume_not_on_load", args: []string{"load", "--config", "p.json", "--resume"}, wantStderrSub: "unknown flag: --resume"},
		{name: "positional_args", args: []string{"run", "--config", "p.json", "extra"}, wantStderrSub: "usage: linkage"},
		{name: "probe_without_source", args: []string{"probe"}, wantStderrSub: "exactly one source"},
		{name: "probe_bad_format", args: []string{"probe", "x.csv", "--format", "ini"}, wantStderrSub: "unsupported --format"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			var stdout, stderr bytes.Buffer
			code := runMain(context.Background(), tc.args, &stdout, &stderr, panicDeps(t))
			if code != 2 {
				t.Fatalf("exit code=%d, want 2; stderr=%q", code, stderr.String())
			}
			if !strings.Contains(stderr.String(), tc.wantStderrSub) {
				t.Fatalf("stderr=%q, want contains %q", stderr.String(), tc.wantStderrSub)
			}
			if stdout.Len() != 0 {
				t.Fatalf("stdout=%q, want empty", stdout.String())
			}
		})
	}
}

func TestRunMain_ReadParseMetricsRun_FullFlow(t *testing.T) {
	t.Parallel()

	// Error precedence: read -> parse -> validate -> initMetrics -> run.
	tests := []struct {
		name             string
		readErr          error
		decodeErr        error
		invalid          bool
		initMetricsErr   error
		runErr           error
		wantCode         int
		wantStderrSub    string
		wantRunnerCalls  int64
		wantCleanupCalls int64
	}{
		{name: "read_config_error", readErr: errors.New("no such file"), wantCode: 1, wantStderrSub: "read config:"},
		{name: "parse_config_error", decodeErr: errors.New("bad json"), wantCode: 1, wantStderrSub: "parse config:"},
		{name: "invalid_config", invalid: true, wantCode: 1, wantStderrSub: "configuration is invalid: cfg.json"},
		{name: "init_metrics_error", initMetricsErr: errors.New("metrics unavailable"), wantCode: 1, wantStderrSub: "init metrics:"},
		{name: "runner_error_runs_cleanup", runErr: errors.New("db failed"), wantCode: 1, wantStderrSub: "run: db failed", wantRunnerCalls: 1, wantCleanupCalls: 1},
		{name: "success", wantCode: 0, wantRunnerCalls: 1, wantCleanupCalls: 1},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			var stdout, stderr bytes.Buffer
			fr := &fakeRunner{err: tc.runErr, rep: runner.Report{
				Pairs: 3, Clusters: 2, Nodes: 4, RunID: "r1",
				Thresholds: []runner.ThresholdReport{{Threshold: 0.5, Clusters: 1}, {Threshold: 0.95, Clusters: 3}},
			}}
			var cleanupCalls atomic.Int64

			deps := appDeps{
				readFile: func(path string) ([]byte, error) {
					if path != "cfg.json" {
						t.Fatalf("readFile path=%q, want cfg.json", path)
					}
					return []byte(validJSON), tc.readErr
				},
				decode: func(ext string, data []byte) (config.Pipeline, error) {
					if ext != ".json" {
						t.Fatalf("decode ext=%q, want .json", ext)
					}
					if tc.decodeErr != nil {
						return config.Pipeline{}, tc.decodeErr
					}
					p, err := config.Decode(ext, data)
					if err != nil {
						t.Fatalf("decode fixture: %v", err)
					}
					if tc.invalid {
						p.Inputs = nil
					}
					return p, nil
				},
				newLogging: func(cfg logging.Config, w io.Writer) *logging.Manager {
					return logging.NewManagerWriter(cfg, io.Discard)
				},
				initMetrics: func(ctx context.Context, jobName, backendName string, tags []string) (func(), error) {
					if jobName != "job1" {
						t.Fatalf("jobName=%q, want job1", jobName)
					}
					if backendName != "none" {
						t.Fatalf("backendName=%q, want flag value none", backendName)
					}
					if tc.initMetricsErr != nil {
						return func() {}, tc.initMetricsErr
					}
					return func() { cleanupCalls.Add(1) }, nil
				},
				newRunner: func(runner.Logger) pipelineRunner { return fr },
			}

			code := runMain(context.Background(),
				[]string{"cluster", "--config", "cfg.json", "--metrics-backend", "none", "--resume"},
				&stdout, &stderr, deps)

			if code != tc.wantCode {
				t.Fatalf("exit code=%d, want %d; stderr=%q", code, tc.wantCode, stderr.String())
			}
			if tc.wantStderrSub != "" && !strings.Contains(stderr.String(), tc.wantStderrSub) {
				t.Fatalf("stderr=%q, want contains %q", stderr.String(), tc.wantStderrSub)
			}
			if got := fr.calls.Load(); got != tc.wantRunnerCalls {
				t.Fatalf("runner calls=%d, want %d", got, tc.wantRunnerCalls)
			}
			if got := cleanupCalls.Load(); got != tc.wantCleanupCalls {
				t.Fatalf("cleanup calls=%d, want %d", got, tc.wantCleanupCalls)
			}
			if tc.wantCode != 0 {
				return
			}
			want := "predict: pairs=3\ncluster: clusters=2 nodes=4\n" +
				"cluster_threshold: threshold=0.5 clusters=1\ncluster_threshold: threshold=0.95 clusters=3\n" +
				"run_id: r1\nok\n"
			if stdout.String() != want {
				t.Fatalf("stdout=%q, want %q", stdout.String(), want)
			}
			fr.mu.Lock()
			defer fr.mu.Unlock()
			if fr.lastOpt != (runner.Options{Until: runner.StageCluster, Resume: true}) || fr.lastCfg.Job != "job1" {
				t.Fatalf("runner got opts=%+v job=%q", fr.lastOpt, fr.lastCfg.Job)
			}
		})
	}
}

func TestRunMain_StageCommandsMapToStages(t *testing.T) {
	t.Parallel()

	tests := map[string]runner.Stage{
		"load":       runner.StageLoad,
		"estimate-u": runner.StageEstimateU,
		"train":      runner.StageTrain,
		"predict":    runner.StagePredict,
		"cluster":    runner.StageCluster,
		"run":        runner.StageCluster,
	}
	for cmd, want := range tests {
		t.Run(cmd, func(t *testing.T) {
			t.Parallel()

			fr := &fakeRunner{}
			deps := defaultDeps()
			deps.readFile = func(string) ([]byte, error) { return []byte(validJSON), nil }
			deps.newLogging = func(cfg logging.Config, w io.Writer) *logging.Manager {
				return logging.NewManagerWriter(cfg, io.Discard)
			}
			deps.newRunner = func(runner.Logger) pipelineRunner { return fr }

			var stdout, stderr bytes.Buffer
			code := runMain(context.Background(), []string{cmd, "-c", "p.json", "--metrics-backend", "none"}, &stdout, &stderr, deps)
			if code != 0 {
				t.Fatalf("exit code=%d stderr=%q", code, stderr.String())
			}
			if fr.lastOpt.Until != want || fr.lastOpt.Resume {
				t.Fatalf("opts=%+v, want until %s", fr.lastOpt, want)
			}
		})
	}
}

func TestRunMain_ValidatePrintsWarnings(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "p.yaml")
	yml := `job: ""
inputs:
  - name: people
    path: people.csv
storage:
  kind: sqlite
settings:
  comparisons:
    - output_column_name: first_name
      input_columns: [first_name]
      comparison_levels:
        - sql_condition: first_name_l = first_name_r
        - sql_condition: ELSE
`
	if err := os.WriteFile(path, []byte(yml), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	deps := defaultDeps()
	deps.newRunner = func(runner.Logger) pipelineRunner {
		t.Fatalf("validate must not construct a runner")
		return nil
	}

	var stdout, stderr bytes.Buffer
	code := runMain(context.Background(), []string{"validate", "--config", path}, &stdout, &stderr, deps)
	if code != 0 {
		t.Fatalf("exit code=%d stderr=%q", code, stderr.String())
	}
	if !strings.Contains(stdout.String(), "configuration is valid") {
		t.Fatalf("stdout=%q", stdout.String())
	}
	for _, want := range []string{"warning: job:", "warning: storage.dsn:", "warning: settings.blocking_rules_to_generate_predictions:"} {
		if !strings.Contains(stderr.String(), want) {
			t.Fatalf("stderr=%q, want contains %q", stderr.String(), want)
		}
	}
}

// TestRunMain_EndToEndSQLite drives the real runner against an in-memory
// SQLite backend.
func TestRunMain_EndToEndSQLite(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	csv := "unique_id,first_name,surname\n1,ann,smith\n2,ann,smith\n3,bob,jones\n4,cat,brown\n"
	if err := os.WriteFile(filepath.Join(dir, "people.csv"), []byte(csv), 0o600); err != nil {
		t.Fatalf("write csv: %v", err)
	}
	toml := fmt.Sprintf(`job = "people"

[[inputs]]
name = "people"
path = %q

[storage]
kind = "sqlite"
dsn = ":memory:"

[settings]
blocking_rules_to_generate_predictions = ["l.surname = r.surname"]

[[settings.comparisons]]
output_column_name = "first_name"
input_columns = ["first_name"]

[[settings.comparisons.comparison_levels]]
sql_condition = "first_name_l = first_name_r"
m_probability = 0.9

[[settings.comparisons.comparison_levels]]
sql_condition = "ELSE"
m_probability = 0.1

[output]
settings_path = %q
`, filepath.Join(dir, "people.csv"), filepath.Join(dir, "trained.json"))
	path := filepath.Join(dir, "pipeline.toml")
	if err := os.WriteFile(path, []byte(toml), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	deps := defaultDeps()
	deps.newLogging = func(cfg logging.Config, w io.Writer) *logging.Manager {
		return logging.NewManagerWriter(cfg, io.Discard)
	}

	var stdout, stderr bytes.Buffer
	code := runMain(context.Background(), []string{"run", "--config", path, "--metrics-backend", "none"}, &stdout, &stderr, deps)
	if code != 0 {
		t.Fatalf("exit code=%d stderr=%q", code, stderr.String())
	}
	out := stdout.String()
	for _, want := range []string{"input people: rows=4", "estimate_u: pairs=6", "predict: pairs=1", "cluster: clusters=3 nodes=4", "ok\n"} {
		if !strings.Contains(out, want) {
			t.Fatalf("stdout=%q, want contains %q", out, want)
		}
	}
	if _, err := os.Stat(filepath.Join(dir, "trained.json")); err != nil {
		t.Fatalf("trained settings not written: %v", err)
	}
}

func TestRunMain_ProbeWritesDecodableConfig(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	src := filepath.Join(dir, "people.csv")
	csv := "unique_id;first_name;surname\n1;ann;smith\n2;ann;smith\n3;bob;jones\n"
	if err := os.WriteFile(src, []byte(csv), 0o600); err != nil {
		t.Fatalf("write csv: %v", err)
	}

	for _, format := range []string{"json", "yaml", "toml"} {
		t.Run(format, func(t *testing.T) {
			t.Parallel()

			out := filepath.Join(t.TempDir(), "pipeline."+format)
			var stdout, stderr bytes.Buffer
			code := runMain(context.Background(),
				[]string{"probe", src, "--comma", ";", "--format", format, "--backend", "postgres", "--dsn", "postgres://db/linkage", "-o", out},
				&stdout, &stderr, defaultDeps())
			if code != 0 {
				t.Fatalf("exit code=%d stderr=%q", code, stderr.String())
			}
			if !strings.Contains(stderr.String(), "wrote "+out) {
				t.Fatalf("stderr=%q", stderr.String())
			}

			p, err := config.Load(out)
			if err != nil {
				t.Fatalf("load generated config: %v", err)
			}
			if p.Storage.Kind != "postgres" || p.Storage.DSN != "postgres://db/linkage" {
				t.Fatalf("storage=%+v", p.Storage)
			}
			if p.Inputs[0].Name != "people" || p.Inputs[0].Parser.Options.Rune("comma", ',') != ';' {
				t.Fatalf("input=%+v", p.Inputs[0])
			}
			if len(p.Settings.Comparisons) != 2 || p.Settings.UniqueIDColumn != "unique_id" {
				t.Fatalf("settings=%+v", p.Settings)
			}
			if issues := config.ValidatePipeline(p); config.HasErrors(issues) {
				t.Fatalf("generated config invalid: %v", issues)
			}
		})
	}
}

func TestRunMain_ProbeReportAndErrors(t *testing.T) {
	t.Parallel()

	deps := panicDeps(t)
	deps.probe = func(ctx context.Context, opt probe.Options) (probe.Result, error) {
		if opt.Source == "missing.csv" {
			return probe.Result{}, errors.New("probe: peek: no such file")
		}
		if opt.MaxBytes != 1024 {
			t.Fatalf("max bytes=%d", opt.MaxBytes)
		}
		return probe.Result{Format: probe.FormatCSV, Rows: 2, Columns: []probe.Column{{Name: "id", Type: "integer", NonEmpty: 2, Distinct: 2}}}, nil
	}

	var stdout, stderr bytes.Buffer
	code := runMain(context.Background(), []string{"probe", "people.csv", "--report", "--max-bytes", "1024"}, &stdout, &stderr, deps)
	if code != 0 {
		t.Fatalf("exit code=%d stderr=%q", code, stderr.String())
	}
	if !strings.HasPrefix(stdout.String(), "format=csv sampled_rows=2") {
		t.Fatalf("stdout=%q", stdout.String())
	}

	stdout.Reset()
	code = runMain(context.Background(), []string{"probe", "missing.csv", "--max-bytes", "1024"}, &stdout, &stderr, deps)
	if code != 1 || !strings.Contains(stderr.String(), "no such file") {
		t.Fatalf("exit code=%d stderr=%q", code, stderr.String())
	}
}

func TestInitMetrics_None_DoesNotMutateGlobalState(t *testing.T) {
	// Not parallel: swaps package-level seams.
	oldSet := setMetricsBackend
	defer func() { setMetricsBackend = oldSet }()
	setMetricsBackend = func(any) {
		t.Fatalf("setMetricsBackend must not be called for none/noop")
	}

	for _, name := range []string{"", "none", "noop"} {
		cleanup, err := initMetrics(context.Background(), "job", name, nil)
		if err != nil {
			t.Fatalf("initMetrics(%q) err=%v, want nil", name, err)
		}
		if cleanup == nil {
			t.Fatalf("cleanup=nil, want non-nil")
		}
		cleanup()
	}
}

func TestInitMetrics_Datadog_WiresBackendAndCloses(t *testing.T) {
	b := &fakeMetricsBackend{}

	var (
		newCalls atomic.Int64
		setCalls atomic.Int64
		gotOpts  datadog.Options
	)
	oldNew, oldSet, oldLog := newDatadogBackend, setMetricsBackend, logPrintf
	defer func() { newDatadogBackend, setMetricsBackend, logPrintf = oldNew, oldSet, oldLog }()

	newDatadogBackend = func(ctx context.Context, opts datadog.Options) (metricsBackend, error) {
		newCalls.Add(1)
		gotOpts = opts
		return b, nil
	}
	setMetricsBackend = func(any) { setCalls.Add(1) }
	var logged bytes.Buffer
	logPrintf = func(format string, v ...any) { fmt.Fprintf(&logged, format, v...) }

	cleanup, err := initMetrics(context.Background(), "jobA", "datadog", []string{"team:data"})
	if err != nil {
		t.Fatalf("initMetrics err=%v, want nil", err)
	}
	if gotOpts.JobName != "jobA" || len(gotOpts.Tags) != 1 || gotOpts.Tags[0] != "team:data" {
		t.Fatalf("datadog options=%+v", gotOpts)
	}
	if newCalls.Load() != 1 || setCalls.Load() != 1 {
		t.Fatalf("new=%d set=%d, want 1 and 1", newCalls.Load(), setCalls.Load())
	}

	cleanup()
	if b.closed.Load() != 1 {
		t.Fatalf("backend closed=%d, want 1", b.closed.Load())
	}
	if logged.Len() != 0 {
		t.Fatalf("unexpected log output: %q", logged.String())
	}
}

func TestInitMetrics_Datadog_CloseErrorIsLogged(t *testing.T) {
	b := &fakeMetricsBackend{closeErr: errors.New("flush failed")}

	oldNew, oldSet, oldLog := newDatadogBackend, setMetricsBackend, logPrintf
	defer func() { newDatadogBackend, setMetricsBackend, logPrintf = oldNew, oldSet, oldLog }()

	newDatadogBackend = func(context.Context, datadog.Options) (metricsBackend, error) { return b, nil }
	setMetricsBackend = func(any) {}
	var logged bytes.Buffer
	logPrintf = func(format string, v ...any) { fmt.Fprintf(&logged, format, v...) }

	cleanup, err := initMetrics(context.Background(), "job", "dd", nil)
	if err != nil {
		t.Fatalf("initMetrics err=%v, want nil", err)
	}
	cleanup()

	if !strings.Contains(logged.String(), "metrics: datadog close error: flush failed") {
		t.Fatalf("log=%q", logged.String())
	}
}

func TestInitMetrics_UnknownBackendErrors(t *testing.T) {
	t.Parallel()

	cleanup, err := initMetrics(context.Background(), "job", "nope", nil)
	if err == nil || !strings.Contains(err.Error(), "unknown metrics backend") || !strings.Contains(err.Error(), "none|datadog") {
		t.Fatalf("err=%v", err)
	}
	if cleanup == nil {
		t.Fatalf("cleanup=nil, want non-nil")
	}
	cleanup()
}
