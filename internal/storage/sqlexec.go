package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync/atomic"

	"linkage/internal/pipeline"
)

// SQLExecutor implements Executor on top of database/sql. The sqlite and
// mssql backends share it and differ only in Dialect and Capabilities.
type SQLExecutor struct {
	db      *sql.DB
	dialect Dialect
	caps    Capabilities

	// steps counts executed pipelines; used only in error messages.
	steps atomic.Int64
}

// NewSQLExecutor wraps an open database handle. The executor owns db and
// closes it in Close.
func NewSQLExecutor(db *sql.DB, d Dialect, caps Capabilities) *SQLExecutor {
	return &SQLExecutor{db: db, dialect: d, caps: caps}
}

func (e *SQLExecutor) Dialect() Dialect           { return e.dialect }
func (e *SQLExecutor) Capabilities() Capabilities { return e.caps }

// DB exposes the handle for backend-specific tests.
func (e *SQLExecutor) DB() *sql.DB { return e.db }

// Execute materializes p's output under a unique physical name.
//
// Errors:
//   - p.Validate errors are returned as-is.
//   - Backend failures are wrapped in *ExecError carrying the rendered SQL.
func (e *SQLExecutor) Execute(ctx context.Context, p *pipeline.Pipeline) (*Table, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	name := p.OutputName()
	physical := PhysicalName(name)
	q := e.dialect.CreateTableAsSQL(physical, p)
	e.steps.Add(1)

	if _, err := e.db.ExecContext(ctx, q); err != nil {
		return nil, &ExecError{Step: name, SQL: q, Err: err}
	}
	return NewTable(name, physical, e), nil
}

// CreateTable creates an empty, owned input table named spec.Name.
func (e *SQLExecutor) CreateTable(ctx context.Context, spec TableSpec) (*Table, error) {
	ddl, err := e.dialect.CreateTableSQL(spec)
	if err != nil {
		return nil, err
	}
	if _, err := e.db.ExecContext(ctx, ddl); err != nil {
		return nil, &ExecError{Step: "create " + spec.Name, SQL: ddl, Err: err}
	}
	return NewTable(spec.Name, spec.Name, e), nil
}

// InsertRows performs multi-row inserts, split so no statement exceeds
// Capabilities().MaxBindParams placeholders.
func (e *SQLExecutor) InsertRows(ctx context.Context, t *Table, columns []string, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	if len(columns) == 0 {
		return 0, fmt.Errorf("storage: insert into %s: no columns", t.Name())
	}
	if err := t.usable(); err != nil {
		return 0, err
	}

	per := RowsPerStatement(len(columns), e.caps.MaxBindParams)
	var total int64
	for start := 0; start < len(rows); start += per {
		end := min(start+per, len(rows))
		chunk := rows[start:end]

		q := e.dialect.InsertSQL(t.PhysicalName(), columns, len(chunk))
		args := make([]any, 0, len(chunk)*len(columns))
		for i, r := range chunk {
			if len(r) != len(columns) {
				return total, fmt.Errorf("storage: insert into %s: row %d has %d values, want %d",
					t.Name(), start+i, len(r), len(columns))
			}
			args = append(args, r...)
		}

		res, err := e.db.ExecContext(ctx, q, args...)
		if err != nil {
			return total, &ExecError{Step: "insert " + t.Name(), SQL: q, Err: err}
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}

// Attach wraps an existing table without taking ownership.
func (e *SQLExecutor) Attach(name string) *Table { return ExternalTable(name, e) }

// Query runs q and scans every row into a Record. []byte values are converted
// to string so callers see the same types across drivers.
func (e *SQLExecutor) Query(ctx context.Context, q string, args ...any) ([]Record, error) {
	rows, err := e.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, &ExecError{Step: "query", SQL: q, Err: err}
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	for i, c := range cols {
		cols[i] = strings.ToLower(c)
	}

	var out []Record
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		rec := make(Record, len(cols))
		for i, c := range cols {
			if b, ok := vals[i].([]byte); ok {
				rec[c] = string(b)
				continue
			}
			rec[c] = vals[i]
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, &ExecError{Step: "query", SQL: q, Err: err}
	}
	return out, nil
}

// DropTable drops a physical table if it exists.
func (e *SQLExecutor) DropTable(ctx context.Context, physical string) error {
	_, err := e.db.ExecContext(ctx, e.dialect.DropTableSQL(physical))
	return err
}

// Close closes the database handle.
func (e *SQLExecutor) Close() error { return e.db.Close() }

// Executed returns how many pipelines have been executed.
func (e *SQLExecutor) Executed() int64 { return e.steps.Load() }
