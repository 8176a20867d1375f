// Package postgres implements storage.Executor on a pgx connection pool.
package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"linkage/internal/pipeline"
	"linkage/internal/storage"
)

// maxBindParams is the protocol limit on parameters per statement.
const maxBindParams = 65535

func init() {
	storage.Register("postgres", New)
}

/*
Executor implements storage.Executor for Postgres.

It provides:
  - CREATE TABLE AS materialization of pipelines
  - multi-row inserts with $n placeholders
  - TABLESAMPLE-based random sampling

Postgres runs a UNION ALL of salted partitions in parallel workers, so it
reports SupportsSaltedBlocking.
*/
type Executor struct {
	pool    *pgxpool.Pool
	dialect Dialect
}

// New creates a new Postgres-backed Executor.
func New(ctx context.Context, cfg storage.Config) (storage.Executor, error) {
	pcfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, err
	}
	if cfg.MaxOpenConns > 0 {
		pcfg.MaxConns = int32(cfg.MaxOpenConns)
	}
	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return &Executor{pool: pool}, nil
}

func (e *Executor) Dialect() storage.Dialect { return e.dialect }

func (e *Executor) Capabilities() storage.Capabilities {
	return storage.Capabilities{SupportsSaltedBlocking: true, MaxBindParams: maxBindParams}
}

// Execute materializes p's output under a unique physical name.
func (e *Executor) Execute(ctx context.Context, p *pipeline.Pipeline) (*storage.Table, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	name := p.OutputName()
	physical := storage.PhysicalName(name)
	q := e.dialect.CreateTableAsSQL(physical, p)
	if _, err := e.pool.Exec(ctx, q); err != nil {
		return nil, &storage.ExecError{Step: name, SQL: q, Err: err}
	}
	return storage.NewTable(name, physical, e), nil
}

// CreateTable creates the input table, and its schema when qualified.
func (e *Executor) CreateTable(ctx context.Context, spec storage.TableSpec) (*storage.Table, error) {
	schemaSQL, ddl, err := buildCreateSQL(spec)
	if err != nil {
		return nil, err
	}
	if schemaSQL != "" {
		if _, err := e.pool.Exec(ctx, schemaSQL); err != nil {
			return nil, fmt.Errorf("postgres: create schema for %s: %w", spec.Name, err)
		}
	}
	if _, err := e.pool.Exec(ctx, ddl); err != nil {
		return nil, &storage.ExecError{Step: "create " + spec.Name, SQL: ddl, Err: err}
	}
	return storage.NewTable(spec.Name, spec.Name, e), nil
}

// InsertRows performs a bulk INSERT, split to stay under the parameter limit.
func (e *Executor) InsertRows(ctx context.Context, t *storage.Table, columns []string, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	per := storage.RowsPerStatement(len(columns), maxBindParams)

	var total int64
	for start := 0; start < len(rows); start += per {
		end := min(start+per, len(rows))
		q, args, err := buildInsertSQL(t.PhysicalName(), columns, rows[start:end])
		if err != nil {
			return total, err
		}
		cmd, err := e.pool.Exec(ctx, q, args...)
		if err != nil {
			return total, &storage.ExecError{Step: "insert " + t.Name(), SQL: q, Err: err}
		}
		total += cmd.RowsAffected()
	}
	return total, nil
}

func (e *Executor) Attach(name string) *storage.Table { return storage.ExternalTable(name, e) }

// Query collects rows with pgx.RowToMap; keys are the column names as
// returned by Postgres (lower case for unquoted identifiers).
func (e *Executor) Query(ctx context.Context, q string, args ...any) ([]storage.Record, error) {
	rows, err := e.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, &storage.ExecError{Step: "query", SQL: q, Err: err}
	}
	maps, err := pgx.CollectRows(rows, pgx.RowToMap)
	if err != nil {
		return nil, &storage.ExecError{Step: "query", SQL: q, Err: err}
	}
	out := make([]storage.Record, len(maps))
	for i, m := range maps {
		for k, v := range m {
			m[k] = normalizeValue(v)
		}
		out[i] = storage.Record(m)
	}
	return out, nil
}

// normalizeValue converts NUMERIC results (sum over integers, decimal casts)
// to float64 or int64 so callers see the same types as with database/sql.
func normalizeValue(v any) any {
	n, ok := v.(pgtype.Numeric)
	if !ok {
		return v
	}
	if !n.Valid {
		return nil
	}
	if i, err := n.Int64Value(); err == nil && i.Valid && n.Exp >= 0 {
		return i.Int64
	}
	f, err := n.Float64Value()
	if err != nil || !f.Valid {
		return v
	}
	return f.Float64
}

func (e *Executor) DropTable(ctx context.Context, physical string) error {
	_, err := e.pool.Exec(ctx, e.dialect.DropTableSQL(physical))
	return err
}

// Close closes the connection pool.
func (e *Executor) Close() error {
	e.pool.Close()
	return nil
}

// buildInsertSQL constructs a single INSERT statement and its args for Postgres.
//
// Why this exists:
//   - It is pure and deterministic, so placeholder numbering is unit tested
//     without a database.
//
// Constraints:
//   - rows must have the same length as columns for every row.
//   - columns must be non-empty.
func buildInsertSQL(table string, columns []string, rows [][]any) (string, []any, error) {
	if len(columns) == 0 {
		return "", nil, fmt.Errorf("postgres: insert into %s: no columns", table)
	}

	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(table)
	b.WriteString(" (")
	for i, c := range columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(pgIdent(c))
	}
	b.WriteString(") VALUES ")

	args := make([]any, 0, len(rows)*len(columns))
	p := 1
	for i, row := range rows {
		if len(row) != len(columns) {
			return "", nil, fmt.Errorf("postgres: insert into %s: row %d has %d values, want %d", table, i, len(row), len(columns))
		}
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("(")
		for j := range columns {
			if j > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "$%d", p)
			args = append(args, row[j])
			p++
		}
		b.WriteString(")")
	}
	return b.String(), args, nil
}
