// Package sink records linkage runs in a SQLite results database: run status,
// per-stage timings, the trained parameters and the final cluster assignments.
//
// The schema is managed by goose migrations embedded in the binary; Open
// applies pending migrations before returning.
package sink

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"linkage/internal/cluster"
	"linkage/internal/model"
)

// Run statuses.
const (
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// ErrRunNotFound reports an unknown run id.
var ErrRunNotFound = errors.New("sink: run not found")

// Run is one row of the runs table.
type Run struct {
	ID         string
	Job        string
	Status     string
	Error      string
	StartedAt  time.Time
	FinishedAt *time.Time
	Lambda     *float64
}

// Stage is one recorded pipeline stage of a run.
type Stage struct {
	Seq      int
	Name     string
	Rows     int64
	Duration time.Duration
	Detail   string
}

// Parameter is one stored comparison level.
type Parameter struct {
	Comparison   string
	VectorValue  int
	Label        string
	SQLCondition string
	MProbability *float64
	UProbability *float64
	MProvenance  string
	UProvenance  string
}

// Store wraps the results database. Safe for concurrent use; SQLite
// serializes writers through the single open connection.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens the results database at path, creating the parent directory,
// and migrates it. ":memory:" opens a private in-memory database.
func Open(ctx context.Context, path string) (*Store, error) {
	dsn := ":memory:"
	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
		dsn = path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// Single writer connection for SQLite
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}
	if err := Migrate(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db, now: time.Now}, nil
}

// DB exposes the underlying handle.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Close() error { return s.db.Close() }

// StartRun inserts a running run for job.
func (s *Store) StartRun(ctx context.Context, job string) (Run, error) {
	r := Run{ID: uuid.NewString(), Job: job, Status: StatusRunning, StartedAt: s.now().UTC()}
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO runs (id, job, status, started_at) VALUES (?, ?, ?, ?)",
		r.ID, r.Job, r.Status, formatTime(r.StartedAt))
	if err != nil {
		return Run{}, fmt.Errorf("sink: start run: %w", err)
	}
	return r, nil
}

// FinishRun marks the run succeeded, or failed with runErr's message.
func (s *Store) FinishRun(ctx context.Context, runID string, runErr error) error {
	status, msg := StatusSucceeded, ""
	if runErr != nil {
		status, msg = StatusFailed, runErr.Error()
	}
	res, err := s.db.ExecContext(ctx,
		"UPDATE runs SET status = ?, error = ?, finished_at = ? WHERE id = ?",
		status, msg, formatTime(s.now().UTC()), runID)
	if err != nil {
		return fmt.Errorf("sink: finish run: %w", err)
	}
	return mustAffect(res, runID)
}

// RecordStage appends a stage to the run.
func (s *Store) RecordStage(ctx context.Context, runID, stage string, rows int64, d time.Duration, detail string) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO stages (run_id, seq, stage, rows, duration_ms, detail)
SELECT ?, COALESCE(MAX(seq), 0) + 1, ?, ?, ?, ? FROM stages WHERE run_id = ?`,
		runID, stage, rows, d.Milliseconds(), detail, runID)
	if err != nil {
		return fmt.Errorf("sink: record stage %s: %w", stage, err)
	}
	return nil
}

// WriteParameters stores every non-null level of settings for the run and
// the run's lambda. Existing parameters of the run are replaced.
func (s *Store) WriteParameters(ctx context.Context, runID string, settings model.Settings) (n int, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("sink: begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	res, err := tx.ExecContext(ctx, "UPDATE runs SET lambda = ? WHERE id = ?",
		settings.ProbabilityTwoRandomRecordsMatch, runID)
	if err != nil {
		return 0, fmt.Errorf("sink: write lambda: %w", err)
	}
	if err := mustAffect(res, runID); err != nil {
		return 0, err
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM parameters WHERE run_id = ?", runID); err != nil {
		return 0, fmt.Errorf("sink: clear parameters: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
INSERT INTO parameters (run_id, comparison, vector_value, label, sql_condition,
                        m_probability, u_probability, m_provenance, u_provenance)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, fmt.Errorf("sink: prepare: %w", err)
	}
	defer stmt.Close()

	for _, c := range settings.Comparisons {
		for _, i := range c.NonNullLevels() {
			l := c.Levels[i]
			_, err := stmt.ExecContext(ctx, runID, c.OutputColumnName, c.VectorValue(i), l.Label, l.SQLCondition,
				nullFloat(l.MProbability), nullFloat(l.UProbability),
				lastProvenance(l, model.KindM), lastProvenance(l, model.KindU))
			if err != nil {
				return 0, fmt.Errorf("sink: write %s level %d: %w", c.OutputColumnName, i, err)
			}
			n++
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("sink: commit: %w", err)
	}
	return n, nil
}

// Parameters reads the stored levels of a run ordered by comparison, then
// descending vector value.
func (s *Store) Parameters(ctx context.Context, runID string) ([]Parameter, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT comparison, vector_value, label, sql_condition, m_probability, u_probability, m_provenance, u_provenance
FROM parameters WHERE run_id = ? ORDER BY comparison, vector_value DESC`, runID)
	if err != nil {
		return nil, fmt.Errorf("sink: read parameters: %w", err)
	}
	defer rows.Close()

	var out []Parameter
	for rows.Next() {
		var (
			p    Parameter
			m, u sql.NullFloat64
		)
		if err := rows.Scan(&p.Comparison, &p.VectorValue, &p.Label, &p.SQLCondition, &m, &u, &p.MProvenance, &p.UProvenance); err != nil {
			return nil, fmt.Errorf("sink: scan parameter: %w", err)
		}
		p.MProbability = floatPtr(m)
		p.UProbability = floatPtr(u)
		out = append(out, p)
	}
	return out, rows.Err()
}

// WriteClusters stores the cluster assignments of a run in one transaction.
func (s *Store) WriteClusters(ctx context.Context, runID string, assignments []cluster.Assignment) (n int64, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("sink: begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err := tx.ExecContext(ctx, "DELETE FROM clusters WHERE run_id = ?", runID); err != nil {
		return 0, fmt.Errorf("sink: clear clusters: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, "INSERT INTO clusters (run_id, cluster_id, node_id) VALUES (?, ?, ?)")
	if err != nil {
		return 0, fmt.Errorf("sink: prepare: %w", err)
	}
	defer stmt.Close()

	for _, a := range assignments {
		if _, err := stmt.ExecContext(ctx, runID, string(a.ClusterID), string(a.NodeID)); err != nil {
			return 0, fmt.Errorf("sink: write node %s: %w", a.NodeID, err)
		}
		n++
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("sink: commit: %w", err)
	}
	return n, nil
}

// Clusters reads the assignments of a run sorted by cluster id, then node id,
// in cluster.CompareNodeIDs order.
func (s *Store) Clusters(ctx context.Context, runID string) ([]cluster.Assignment, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT cluster_id, node_id FROM clusters WHERE run_id = ?", runID)
	if err != nil {
		return nil, fmt.Errorf("sink: read clusters: %w", err)
	}
	defer rows.Close()

	var out []cluster.Assignment
	for rows.Next() {
		var c, n string
		if err := rows.Scan(&c, &n); err != nil {
			return nil, fmt.Errorf("sink: scan cluster: %w", err)
		}
		out = append(out, cluster.Assignment{ClusterID: cluster.NodeID(c), NodeID: cluster.NodeID(n)})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sortAssignments(out)
	return out, nil
}

func sortAssignments(a []cluster.Assignment) {
	sort.Slice(a, func(i, j int) bool {
		if c := cluster.CompareNodeIDs(a[i].ClusterID, a[j].ClusterID); c != 0 {
			return c < 0
		}
		return cluster.CompareNodeIDs(a[i].NodeID, a[j].NodeID) < 0
	})
}

// WriteThresholdClusters stores the clusterings of a run at several
// thresholds in one transaction, replacing any stored earlier.
func (s *Store) WriteThresholdClusters(ctx context.Context, runID string, results []cluster.ThresholdClusters) (n int64, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("sink: begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err := tx.ExecContext(ctx, "DELETE FROM threshold_clusters WHERE run_id = ?", runID); err != nil {
		return 0, fmt.Errorf("sink: clear threshold clusters: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx,
		"INSERT INTO threshold_clusters (run_id, threshold, cluster_id, node_id) VALUES (?, ?, ?, ?)")
	if err != nil {
		return 0, fmt.Errorf("sink: prepare: %w", err)
	}
	defer stmt.Close()

	for _, r := range results {
		for _, a := range r.Assignments {
			if _, err := stmt.ExecContext(ctx, runID, r.Threshold, string(a.ClusterID), string(a.NodeID)); err != nil {
				return 0, fmt.Errorf("sink: write node %s at %v: %w", a.NodeID, r.Threshold, err)
			}
			n++
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("sink: commit: %w", err)
	}
	return n, nil
}

// ThresholdClusters reads the per-threshold clusterings of a run, thresholds
// ascending, assignments sorted as in Clusters.
func (s *Store) ThresholdClusters(ctx context.Context, runID string) ([]cluster.ThresholdClusters, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT threshold, cluster_id, node_id FROM threshold_clusters WHERE run_id = ? ORDER BY threshold", runID)
	if err != nil {
		return nil, fmt.Errorf("sink: read threshold clusters: %w", err)
	}
	defer rows.Close()

	var out []cluster.ThresholdClusters
	for rows.Next() {
		var (
			t    float64
			c, n string
		)
		if err := rows.Scan(&t, &c, &n); err != nil {
			return nil, fmt.Errorf("sink: scan threshold cluster: %w", err)
		}
		if len(out) == 0 || out[len(out)-1].Threshold != t {
			out = append(out, cluster.ThresholdClusters{Threshold: t})
		}
		last := &out[len(out)-1]
		last.Assignments = append(last.Assignments, cluster.Assignment{ClusterID: cluster.NodeID(c), NodeID: cluster.NodeID(n)})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, r := range out {
		sortAssignments(r.Assignments)
	}
	return out, nil
}

// GetRun reads one run.
func (s *Store) GetRun(ctx context.Context, runID string) (Run, error) {
	runs, err := s.queryRuns(ctx, "WHERE id = ?", runID)
	if err != nil {
		return Run{}, err
	}
	if len(runs) == 0 {
		return Run{}, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return runs[0], nil
}

// Runs lists the runs of job, newest first. An empty job lists every run.
func (s *Store) Runs(ctx context.Context, job string) ([]Run, error) {
	if job == "" {
		return s.queryRuns(ctx, "ORDER BY started_at DESC")
	}
	return s.queryRuns(ctx, "WHERE job = ? ORDER BY started_at DESC", job)
}

// Stages lists the stages of a run in recording order.
func (s *Store) Stages(ctx context.Context, runID string) ([]Stage, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT seq, stage, rows, duration_ms, detail FROM stages WHERE run_id = ? ORDER BY seq", runID)
	if err != nil {
		return nil, fmt.Errorf("sink: read stages: %w", err)
	}
	defer rows.Close()

	var out []Stage
	for rows.Next() {
		var (
			st Stage
			ms int64
		)
		if err := rows.Scan(&st.Seq, &st.Name, &st.Rows, &ms, &st.Detail); err != nil {
			return nil, fmt.Errorf("sink: scan stage: %w", err)
		}
		st.Duration = time.Duration(ms) * time.Millisecond
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *Store) queryRuns(ctx context.Context, where string, args ...any) ([]Run, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, job, status, error, started_at, finished_at, lambda FROM runs "+where, args...)
	if err != nil {
		return nil, fmt.Errorf("sink: read runs: %w", err)
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		var (
			r        Run
			started  string
			finished sql.NullString
			lambda   sql.NullFloat64
		)
		if err := rows.Scan(&r.ID, &r.Job, &r.Status, &r.Error, &started, &finished, &lambda); err != nil {
			return nil, fmt.Errorf("sink: scan run: %w", err)
		}
		if r.StartedAt, err = time.Parse(time.RFC3339Nano, started); err != nil {
			return nil, fmt.Errorf("sink: run %s started_at: %w", r.ID, err)
		}
		if finished.Valid {
			t, err := time.Parse(time.RFC3339Nano, finished.String)
			if err != nil {
				return nil, fmt.Errorf("sink: run %s finished_at: %w", r.ID, err)
			}
			r.FinishedAt = &t
		}
		r.Lambda = floatPtr(lambda)
		out = append(out, r)
	}
	return out, rows.Err()
}

func mustAffect(res sql.Result, runID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sink: rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return nil
}

func lastProvenance(l model.ComparisonLevel, kind model.ProbabilityKind) string {
	for i := len(l.Trained) - 1; i >= 0; i-- {
		if l.Trained[i].Kind == kind {
			return l.Trained[i].Description
		}
	}
	return ""
}

func nullFloat(p *float64) sql.NullFloat64 {
	if p == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *p, Valid: true}
}

func floatPtr(n sql.NullFloat64) *float64 {
	if !n.Valid {
		return nil
	}
	v := n.Float64
	return &v
}

// formatTime keeps a fixed width so started_at sorts as text.
func formatTime(t time.Time) string { return t.Format("2006-01-02T15:04:05.000000000Z07:00") }
