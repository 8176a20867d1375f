package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Record is one row read back from a table, keyed by column name.
type Record map[string]any

// Owner is the part of an Executor a Table needs to read and drop itself.
type Owner interface {
	Query(ctx context.Context, query string, args ...any) ([]Record, error)
	DropTable(ctx context.Context, physicalName string) error
}

// Table is a handle to a materialized result.
//
// Lifecycle:
//   - Tables created by Execute/CreateTable are owned: Release drops them.
//   - Tables created by Attach are external: Release only invalidates the handle.
//   - Release is idempotent.
type Table struct {
	name     string
	physical string
	owner    Owner
	external bool

	mu       sync.Mutex
	released bool
}

// NewTable returns an owned handle. Backends call this after materializing.
func NewTable(name, physical string, owner Owner) *Table {
	return &Table{name: name, physical: physical, owner: owner}
}

// ExternalTable returns a handle to a table the caller owns.
func ExternalTable(name string, owner Owner) *Table {
	return &Table{name: name, physical: name, owner: owner, external: true}
}

// Name is the logical (templated) name.
func (t *Table) Name() string { return t.name }

// PhysicalName is the name to use in SQL.
func (t *Table) PhysicalName() string { return t.physical }

// Rows reads the whole table, optionally ordered. Use it for small results
// (counts, parameter estimates, cluster assignments of modest size).
func (t *Table) Rows(ctx context.Context, orderBy ...string) ([]Record, error) {
	if err := t.usable(); err != nil {
		return nil, err
	}
	q := "SELECT * FROM " + t.physical
	if len(orderBy) > 0 {
		q += " ORDER BY " + strings.Join(orderBy, ", ")
	}
	return t.owner.Query(ctx, q)
}

// Count returns the row count.
func (t *Table) Count(ctx context.Context) (int64, error) {
	if err := t.usable(); err != nil {
		return 0, err
	}
	recs, err := t.owner.Query(ctx, "SELECT COUNT(*) AS row_count FROM "+t.physical)
	if err != nil {
		return 0, err
	}
	if len(recs) != 1 {
		return 0, fmt.Errorf("storage: count %s: expected 1 row, got %d", t.name, len(recs))
	}
	return Int64(recs[0]["row_count"])
}

// Release drops the underlying table (owned tables only). Safe to call twice.
func (t *Table) Release(ctx context.Context) error {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.released {
		return nil
	}
	t.released = true
	if t.external {
		return nil
	}
	if err := t.owner.DropTable(ctx, t.physical); err != nil {
		return fmt.Errorf("storage: release %s: %w", t.physical, err)
	}
	return nil
}

// Released reports whether Release has been called.
func (t *Table) Released() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.released
}

func (t *Table) usable() error {
	if t.Released() {
		return fmt.Errorf("storage: table %s already released", t.name)
	}
	return nil
}

// PhysicalName derives a unique physical table name for a logical name.
func PhysicalName(name string) string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	return name + "_" + id[:8]
}

// Releaser collects intermediate tables so they are dropped on every exit path.
//
//	rel := storage.NewReleaser()
//	defer rel.ReleaseAll(ctx)
//	t, err := exec.Execute(ctx, p)
//	rel.Track(t)
type Releaser struct {
	tables []*Table
}

// NewReleaser returns an empty Releaser.
func NewReleaser() *Releaser { return &Releaser{} }

// Track registers t for release. Nil tables are ignored.
func (r *Releaser) Track(t *Table) *Table {
	if t != nil {
		r.tables = append(r.tables, t)
	}
	return t
}

// Keep stops tracking t, so it outlives ReleaseAll.
func (r *Releaser) Keep(t *Table) {
	for i, x := range r.tables {
		if x == t {
			r.tables = append(r.tables[:i], r.tables[i+1:]...)
			return
		}
	}
}

// Release releases t now and stops tracking it.
func (r *Releaser) Release(ctx context.Context, t *Table) error {
	r.Keep(t)
	return t.Release(ctx)
}

// Len is the number of tracked tables.
func (r *Releaser) Len() int { return len(r.tables) }

// ReleaseAll releases every tracked table in reverse order and joins errors.
func (r *Releaser) ReleaseAll(ctx context.Context) error {
	var errs []error
	for i := len(r.tables) - 1; i >= 0; i-- {
		if err := r.tables[i].Release(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	r.tables = nil
	return errors.Join(errs...)
}
