// Package loader registers input datasets with an executor: it streams a
// source file through parser -> coerce -> derived id stages and inserts the
// rows in batches into a newly created input table.
package loader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"linkage/internal/config"
	"linkage/internal/metrics"
	"linkage/internal/parser/csv"
	"linkage/internal/parser/json"
	"linkage/internal/storage"
	"linkage/internal/transformer"
)

// Logger is the minimal logging interface used by the loader.
type Logger interface {
	Printf(format string, v ...any)
}

const (
	DefaultBatchSize     = 5000
	DefaultChannelBuffer = 256
)

// Options tunes a load.
type Options struct {
	// UniqueIDColumn is the settings' unique id column. It is added to the
	// table when DeriveUniqueID is configured and the source lacks it.
	UniqueIDColumn string

	// Columns fixes the loaded columns. Required for JSON inputs, which have
	// no header; for CSV the source header is used when empty.
	Columns []string

	// Replace drops an existing table of the same name first.
	Replace bool

	// Strict aborts on the first malformed or unparsable record. Otherwise
	// such records are logged and skipped.
	Strict bool

	BatchSize     int
	ChannelBuffer int
	Logger        Logger
}

// Stats summarizes a load.
type Stats struct {
	Rows     int64
	Rejected int64
	Columns  []string
	Duration time.Duration
}

// Load creates table in.Name and fills it from in.Path. The returned table is
// owned by the executor: Release drops it.
func Load(ctx context.Context, ex storage.Executor, in config.Input, o Options) (*storage.Table, Stats, error) {
	f, err := os.Open(in.Path)
	if err != nil {
		return nil, Stats{}, fmt.Errorf("loader: open %s: %w", in.Path, err)
	}
	return LoadReader(ctx, ex, in, f, o)
}

// LoadReader is Load with an already open source. src is closed on return.
func LoadReader(ctx context.Context, ex storage.Executor, in config.Input, src io.ReadCloser, o Options) (t *storage.Table, st Stats, err error) {
	start := time.Now()
	defer func() { metrics.RecordStep("load", start, err) }()
	logf := logfOf(o.Logger)

	if o.BatchSize <= 0 {
		o.BatchSize = DefaultBatchSize
	}
	if o.ChannelBuffer <= 0 {
		o.ChannelBuffer = DefaultChannelBuffer
	}

	kind := in.Parser.Kind
	if kind == "" {
		kind = "csv"
	}

	var (
		columns []string
		produce func(ctx context.Context, out chan<- *transformer.Row, onErr func(int, error)) error
	)
	switch kind {
	case "csv":
		r, err := csv.Open(src, in.Parser.Options)
		if err != nil {
			return nil, st, fmt.Errorf("loader: %s: %w", in.Name, err)
		}
		defer r.Close()
		columns = o.Columns
		if len(columns) == 0 {
			columns = r.Columns()
		}
		produce = func(ctx context.Context, out chan<- *transformer.Row, onErr func(int, error)) error {
			return r.Stream(ctx, columns, out, onErr)
		}
	case "json":
		defer src.Close()
		columns = o.Columns
		if len(columns) == 0 {
			return nil, st, fmt.Errorf("loader: %s: json inputs need explicit columns", in.Name)
		}
		produce = func(ctx context.Context, out chan<- *transformer.Row, onErr func(int, error)) error {
			return json.StreamJSONRows(ctx, src, columns, in.Parser.Options, out, onErr)
		}
	default:
		_ = src.Close()
		return nil, st, fmt.Errorf("loader: %s: unsupported parser %q", in.Name, kind)
	}

	columns = append([]string(nil), columns...)
	if len(in.DeriveUniqueID) > 0 && indexOf(columns, o.UniqueIDColumn) < 0 {
		if o.UniqueIDColumn == "" {
			return nil, st, fmt.Errorf("loader: %s: derive_unique_id needs a unique id column", in.Name)
		}
		columns = append(columns, o.UniqueIDColumn)
	}
	if err := checkColumns(columns); err != nil {
		return nil, st, fmt.Errorf("loader: %s: %w", in.Name, err)
	}
	st.Columns = columns

	if o.Replace {
		if err := ex.DropTable(ctx, in.Name); err != nil {
			return nil, st, fmt.Errorf("loader: drop %s: %w", in.Name, err)
		}
	}
	t, err = ex.CreateTable(ctx, tableSpec(in, columns))
	if err != nil {
		return nil, st, fmt.Errorf("loader: create %s: %w", in.Name, err)
	}
	defer func() {
		if err != nil {
			err = errors.Join(err, t.Release(context.WithoutCancel(ctx)))
			t = nil
		}
	}()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		mu       sync.Mutex
		firstErr error
		rejected int64
	)
	reject := func(line int, reason string) {
		mu.Lock()
		defer mu.Unlock()
		rejected++
		if o.Strict && firstErr == nil {
			firstErr = fmt.Errorf("loader: %s line %d: %s", in.Name, line, reason)
			cancel()
			return
		}
		logf("stage=load table=%s line=%d rejected=%q", in.Name, line, reason)
	}

	rawCh := make(chan *transformer.Row, o.ChannelBuffer)
	coercedCh := make(chan *transformer.Row, o.ChannelBuffer)
	var producerErr error
	var wg sync.WaitGroup

	wg.Add(2)
	go func() {
		defer wg.Done()
		defer close(rawCh)
		producerErr = produce(ctx, rawCh, func(line int, err error) { reject(line, err.Error()) })
	}()
	go func() {
		defer wg.Done()
		defer close(coercedCh)
		transformer.CoerceLoopRows(ctx, columns, rawCh, coercedCh, transformer.CoerceSpec{Types: in.Types}, reject)
	}()

	finalCh := coercedCh
	if len(in.DeriveUniqueID) > 0 {
		hashedCh := make(chan *transformer.Row, o.ChannelBuffer)
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer close(hashedCh)
			transformer.HashLoopRows(ctx, columns, coercedCh, hashedCh, transformer.HashSpec{
				Fields:      in.DeriveUniqueID,
				TargetField: o.UniqueIDColumn,
				TrimSpace:   true,
			}, reject)
		}()
		finalCh = hashedCh
	}

	insertErr := insertBatches(ctx, ex, t, columns, finalCh, o.BatchSize, &st.Rows)
	if insertErr != nil {
		cancel()
		for r := range finalCh {
			r.Drop()
		}
	}
	wg.Wait()

	st.Rejected = rejected
	st.Duration = time.Since(start).Truncate(time.Millisecond)
	switch {
	case insertErr != nil:
		return nil, st, fmt.Errorf("loader: insert %s: %w", in.Name, insertErr)
	case firstErr != nil:
		return nil, st, firstErr
	case producerErr != nil:
		return nil, st, fmt.Errorf("loader: read %s: %w", in.Name, producerErr)
	}

	metrics.RecordRecords("loaded_rows", st.Rows)
	logf("stage=load table=%s rows=%d rejected=%d columns=%d duration=%s",
		in.Name, st.Rows, st.Rejected, len(columns), st.Duration)
	return t, st, nil
}

// insertBatches drains in, inserting BatchSize rows per call. Rows are freed
// once copied into the batch.
func insertBatches(ctx context.Context, ex storage.Executor, t *storage.Table, columns []string, in <-chan *transformer.Row, batchSize int, total *int64) error {
	batch := make([][]any, 0, batchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		n, err := ex.InsertRows(ctx, t, columns, batch)
		*total += n
		batch = batch[:0]
		return err
	}
	for r := range in {
		batch = append(batch, append([]any(nil), r.V...))
		r.Free()
		if len(batch) == batchSize {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	if err := ctx.Err(); err != nil {
		return nil
	}
	return flush()
}

func tableSpec(in config.Input, columns []string) storage.TableSpec {
	spec := storage.TableSpec{Name: in.Name, Columns: make([]storage.ColumnSpec, len(columns))}
	for i, c := range columns {
		typ := in.Types[c]
		if typ == "" {
			typ = "text"
		}
		spec.Columns[i] = storage.ColumnSpec{Name: c, Type: typ}
	}
	return spec
}

func checkColumns(columns []string) error {
	if len(columns) == 0 {
		return fmt.Errorf("no columns")
	}
	seen := make(map[string]bool, len(columns))
	var dups []string
	for _, c := range columns {
		if c == "" {
			return fmt.Errorf("empty column name")
		}
		if seen[c] {
			dups = append(dups, c)
		}
		seen[c] = true
	}
	if len(dups) > 0 {
		sort.Strings(dups)
		return fmt.Errorf("duplicate columns: %s", strings.Join(dups, ","))
	}
	return nil
}

func indexOf(cols []string, name string) int {
	for i, c := range cols {
		if c == name {
			return i
		}
	}
	return -1
}

func logfOf(l Logger) func(format string, v ...any) {
	if l == nil {
		return log.New(io.Discard, "", 0).Printf
	}
	return l.Printf
}
