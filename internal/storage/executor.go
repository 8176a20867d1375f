package storage

import (
	"context"
	"fmt"
	"sync"

	"linkage/internal/pipeline"
)

// Config is the minimal configuration needed to open an Executor.
//
// When to use:
//   - Use Config when constructing an Executor via New.
//
// Edge cases:
//   - Kind must be non-empty and must match a registered backend kind.
//   - DSN is passed through to the backend factory; validation is backend-specific.
type Config struct {
	Kind string `json:"kind" yaml:"kind" toml:"kind"`
	DSN  string `json:"dsn" yaml:"dsn" toml:"dsn"`

	// MaxOpenConns caps the connection pool. Zero keeps the backend default.
	MaxOpenConns int `json:"max_open_conns,omitempty" yaml:"max_open_conns,omitempty" toml:"max_open_conns,omitempty"`
}

// Capabilities describes optional backend behavior the core may exploit.
// The core never branches on backend identity, only on these flags.
type Capabilities struct {
	// SupportsSaltedBlocking reports that the backend parallelizes a UNION ALL of
	// salted partitions, so an all-pairs rule split by salt is worth generating.
	SupportsSaltedBlocking bool

	// MaxBindParams bounds the number of placeholders in a single statement.
	MaxBindParams int
}

// Executor is the relational execution capability: run a chain of named query
// steps against materialized tables and materialize the result under a new name.
//
// IMPORTANT: this interface is intentionally narrow. Each backend implements it
// in its own idiomatic way (CREATE TABLE AS, SELECT INTO, ...). Errors returned
// by the backend are surfaced wrapped in *ExecError and never retried, since
// partial execution side effects are backend-defined.
type Executor interface {
	Owner

	// Execute materializes the pipeline output as a new table.
	Execute(ctx context.Context, p *pipeline.Pipeline) (*Table, error)

	// CreateTable creates an empty input table. The physical name is spec.Name.
	CreateTable(ctx context.Context, spec TableSpec) (*Table, error)

	// InsertRows appends rows to a table created by CreateTable.
	InsertRows(ctx context.Context, t *Table, columns []string, rows [][]any) (int64, error)

	// Attach wraps an existing table without taking ownership of it.
	Attach(name string) *Table

	Dialect() Dialect
	Capabilities() Capabilities

	// Close releases backend resources (connections, pools).
	Close() error
}

// Dialect renders the backend-specific statements the core needs.
type Dialect interface {
	Name() string

	// CreateTableAsSQL materializes the pipeline output into table.
	CreateTableAsSQL(table string, p *pipeline.Pipeline) string
	DropTableSQL(table string) string
	CreateTableSQL(spec TableSpec) (string, error)

	// InsertSQL renders a multi-row insert with rows*len(columns) placeholders.
	InsertSQL(table string, columns []string, rows int) string

	// SampleSQL selects a uniform random sample from table.
	SampleSQL(table string, s SampleSpec) string

	// RandomIntExpr is an expression yielding a uniform integer in [0, n).
	RandomIntExpr(n int) string

	// IDOrderSQL renders ORDER BY terms that sort the id expression the way
	// CanonicalInt describes, whatever the column type: canonical integers
	// first by value, then the remaining ids as trimmed text, bytewise.
	IDOrderSQL(expr string) string
}

// SampleSpec describes a random sample. Backends use Proportion or Size,
// whichever their sampling primitive supports.
type SampleSpec struct {
	Proportion float64
	Size       int64
	// Seed makes the sample repeatable when non-nil.
	Seed *int64
}

// ---- factories ----

type factory func(ctx context.Context, cfg Config) (Executor, error)

var (
	mu        sync.RWMutex
	factories = map[string]factory{}
)

// Register registers a backend under a kind (e.g. "postgres", "sqlite").
//
// When to use:
//   - Call Register from an init() function in a backend package.
//   - The `kind` string becomes the lookup key used by New.
//
// Panics:
//   - If kind is empty.
//   - If f is nil.
//   - If kind is already registered. This fails fast instead of silently
//     picking one of two backends.
func Register(kind string, f factory) {
	mu.Lock()
	defer mu.Unlock()

	if kind == "" {
		panic("storage: Register called with empty kind")
	}
	if f == nil {
		panic("storage: Register called with nil factory")
	}
	if _, exists := factories[kind]; exists {
		panic(fmt.Sprintf("storage: factory already registered for kind=%q", kind))
	}

	factories[kind] = f
}

// New constructs an Executor using the registered backend factory.
//
// Concurrency:
//   - Safe for concurrent use with Register.
//
// Errors:
//   - Returns an error if cfg.Kind is empty or unsupported.
//   - Returns whatever error the registered factory returns.
func New(ctx context.Context, cfg Config) (Executor, error) {
	if cfg.Kind == "" {
		return nil, fmt.Errorf("storage: missing Kind")
	}

	mu.RLock()
	f := factories[cfg.Kind]
	mu.RUnlock()

	if f == nil {
		return nil, fmt.Errorf("unsupported storage.kind=%s", cfg.Kind)
	}
	return f(ctx, cfg)
}

// Kinds returns the registered backend kinds.
func Kinds() []string {
	mu.RLock()
	defer mu.RUnlock()
	out := make([]string, 0, len(factories))
	for k := range factories {
		out = append(out, k)
	}
	return out
}

// ExecError wraps a backend failure with the step that produced it.
type ExecError struct {
	Step string
	SQL  string
	Err  error
}

func (e *ExecError) Error() string {
	return fmt.Sprintf("storage: execute %s: %v", e.Step, e.Err)
}

func (e *ExecError) Unwrap() error { return e.Err }
