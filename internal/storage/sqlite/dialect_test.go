package sqlite

import (
	"context"
	"errors"
	"strings"
	"testing"

	"linkage/internal/pipeline"
	"linkage/internal/storage"
)

func boolPtr(v bool) *bool { return &v }

func TestBuildCreateTableSQL_MapsPortableTypes(t *testing.T) {
	t.Parallel()

	got, err := buildCreateTableSQL(storage.TableSpec{
		Name: "people",
		Columns: []storage.ColumnSpec{
			{Name: "unique_id", Type: "integer", Nullable: boolPtr(false)},
			{Name: "first_name", Type: "text"},
			{Name: "score", Type: "float"},
		},
	})
	if err != nil {
		t.Fatalf("buildCreateTableSQL: %v", err)
	}
	for _, want := range []string{
		`CREATE TABLE people (`,
		`"unique_id" INTEGER NOT NULL`,
		`"first_name" TEXT`,
		`"score" REAL`,
	} {
		if !strings.Contains(got, want) {
			t.Fatalf("missing %q in %q", want, got)
		}
	}
}

func TestBuildCreateTableSQL_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		spec storage.TableSpec
	}{
		{name: "empty_name", spec: storage.TableSpec{Columns: []storage.ColumnSpec{{Name: "a"}}}},
		{name: "no_columns", spec: storage.TableSpec{Name: "t"}},
		{name: "duplicate", spec: storage.TableSpec{Name: "t", Columns: []storage.ColumnSpec{{Name: "a"}, {Name: "A"}}}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := buildCreateTableSQL(tc.spec); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestBuildInsertSQL_Placeholders(t *testing.T) {
	t.Parallel()

	got := buildInsertSQL("people", []string{"unique_id", "name"}, 2)
	want := `INSERT INTO people ("unique_id", "name") VALUES (?,?), (?,?)`
	if got != want {
		t.Fatalf("got %q\nwant %q", got, want)
	}
}

func TestSampleSQL_SeededIsDeterministicText(t *testing.T) {
	t.Parallel()

	seed := int64(42)
	d := Dialect{}
	a := d.SampleSQL("concat_1", storage.SampleSpec{Size: 10, Seed: &seed})
	b := d.SampleSQL("concat_1", storage.SampleSpec{Size: 10, Seed: &seed})
	if a != b || strings.Contains(a, "random()") {
		t.Fatalf("seeded sample should not use random(): %q", a)
	}
	if u := d.SampleSQL("concat_1", storage.SampleSpec{Size: 10}); !strings.Contains(u, "ORDER BY random() LIMIT 10") {
		t.Fatalf("unseeded sample: %q", u)
	}
}

func newMemoryExecutor(t *testing.T) storage.Executor {
	t.Helper()
	ex, err := New(context.Background(), storage.Config{Kind: "sqlite", DSN: ":memory:"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = ex.Close() })
	return ex
}

func TestExecutor_CreateInsertExecuteRelease(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	ex := newMemoryExecutor(t)

	in, err := ex.CreateTable(ctx, storage.TableSpec{
		Name: "people",
		Columns: []storage.ColumnSpec{
			{Name: "unique_id", Type: "integer"},
			{Name: "city", Type: "text"},
		},
	})
	if err != nil {
		t.Fatalf("CreateTable: %v", err)
	}
	n, err := ex.InsertRows(ctx, in, []string{"unique_id", "city"}, [][]any{
		{int64(1), "leeds"}, {int64(2), "york"}, {int64(3), "leeds"},
	})
	if err != nil || n != 3 {
		t.Fatalf("InsertRows n=%d err=%v", n, err)
	}

	p := pipeline.New().Alias("src", in.PhysicalName())
	p.Enqueue("select city, count(*) as n from src group by city", "by_city")
	out, err := ex.Execute(ctx, p)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out.Name() != "by_city" || out.PhysicalName() == "by_city" {
		t.Fatalf("names: %q %q", out.Name(), out.PhysicalName())
	}

	recs, err := out.Rows(ctx, "city")
	if err != nil {
		t.Fatalf("Rows: %v", err)
	}
	if len(recs) != 2 || recs[0]["city"] != "leeds" {
		t.Fatalf("unexpected rows %v", recs)
	}
	if c, _ := storage.Int64(recs[0]["n"]); c != 2 {
		t.Fatalf("leeds count=%d", c)
	}

	if err := out.Release(ctx); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if err := out.Release(ctx); err != nil {
		t.Fatalf("second Release: %v", err)
	}
	if _, err := ex.Query(ctx, "select * from "+out.PhysicalName()); err == nil {
		t.Fatalf("expected released table to be dropped")
	}
}

func TestExecutor_InsertRowsSplitsByBindLimit(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	db := newMemoryExecutor(t).(*storage.SQLExecutor).DB()
	ex := storage.NewSQLExecutor(db, Dialect{}, storage.Capabilities{MaxBindParams: 4})

	in, err := ex.CreateTable(ctx, storage.TableSpec{Name: "pairs", Columns: []storage.ColumnSpec{{Name: "a"}, {Name: "b"}}})
	if err != nil {
		t.Fatalf("CreateTable: %v", err)
	}
	rows := [][]any{{"1", "x"}, {"2", "y"}, {"3", "z"}, {"4", "w"}, {"5", "v"}}
	n, err := ex.InsertRows(ctx, in, []string{"a", "b"}, rows)
	if err != nil || n != 5 {
		t.Fatalf("InsertRows n=%d err=%v", n, err)
	}
	if c, err := in.Count(ctx); err != nil || c != 5 {
		t.Fatalf("Count=%d err=%v", c, err)
	}
}

func TestExecutor_ExecErrorCarriesStep(t *testing.T) {
	t.Parallel()
	ex := newMemoryExecutor(t)

	_, err := ex.Execute(context.Background(), pipeline.New().Enqueue("select * from missing_table", "broken"))
	var ee *storage.ExecError
	if err == nil {
		t.Fatalf("expected error")
	}
	if !errors.As(err, &ee) || ee.Step != "broken" {
		t.Fatalf("expected ExecError for step broken, got %v", err)
	}
}

func TestRegistered(t *testing.T) {
	t.Parallel()
	for _, k := range storage.Kinds() {
		if k == "sqlite" {
			return
		}
	}
	t.Fatalf("sqlite not registered: %v", storage.Kinds())
}

// sampleIDs inserts ids 1..n and returns the seeded sample of size k.
func sampleIDs(t *testing.T, ex storage.Executor, table string, seed int64, k int64) map[int64]bool {
	t.Helper()
	recs, err := ex.Query(context.Background(), Dialect{}.SampleSQL(table, storage.SampleSpec{Size: k, Seed: &seed}))
	if err != nil {
		t.Fatalf("sample seed=%d: %v", seed, err)
	}
	out := make(map[int64]bool, len(recs))
	for _, r := range recs {
		v, err := storage.Int64(r["v"])
		if err != nil {
			t.Fatalf("v: %v", err)
		}
		out[v] = true
	}
	if int64(len(out)) != k {
		t.Fatalf("seed=%d sampled %d distinct rows, want %d", seed, len(out), k)
	}
	return out
}

func TestSampleSQL_NeighbouringSeedsAreUncorrelated(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	ex := newMemoryExecutor(t)

	in, err := ex.CreateTable(ctx, storage.TableSpec{Name: "vals", Columns: []storage.ColumnSpec{{Name: "v", Type: "integer"}}})
	if err != nil {
		t.Fatalf("CreateTable: %v", err)
	}
	rows := make([][]any, 200)
	for i := range rows {
		rows[i] = []any{int64(i + 1)}
	}
	if _, err := ex.InsertRows(ctx, in, []string{"v"}, rows); err != nil {
		t.Fatalf("InsertRows: %v", err)
	}

	a := sampleIDs(t, ex, in.PhysicalName(), 7, 50)
	again := sampleIDs(t, ex, in.PhysicalName(), 7, 50)
	for v := range a {
		if !again[v] {
			t.Fatalf("same seed drew different rows")
		}
	}
	// Independent 50-of-200 samples share about 12 rows; a shifted sequence
	// shares nearly all 50.
	for _, seed := range []int64{8, 9, -7} {
		b := sampleIDs(t, ex, in.PhysicalName(), seed, 50)
		shared := 0
		for v := range a {
			if b[v] {
				shared++
			}
		}
		if shared > 30 {
			t.Fatalf("seeds 7 and %d share %d of 50 rows", seed, shared)
		}
	}
	if seedMask(1) == seedMask(2) || seedMask(0) == seedMask(1<<32) {
		t.Fatalf("seedMask collisions")
	}
}

func TestIDOrderSQL_OrdersLikeCanonicalInt(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	ex := newMemoryExecutor(t)

	want := []string{"-12", "0", "9", "10", "999999999999999999",
		"-0", "007", "1000000000000000000", "10a", "1a", "a"}
	in, err := ex.CreateTable(ctx, storage.TableSpec{Name: "ids", Columns: []storage.ColumnSpec{{Name: "id", Type: "text"}}})
	if err != nil {
		t.Fatalf("CreateTable: %v", err)
	}
	rows := make([][]any, 0, len(want))
	for i := len(want) - 1; i >= 0; i-- {
		rows = append(rows, []any{want[i]})
	}
	if _, err := ex.InsertRows(ctx, in, []string{"id"}, rows); err != nil {
		t.Fatalf("InsertRows: %v", err)
	}

	recs, err := ex.Query(ctx, "SELECT id FROM "+in.PhysicalName()+" ORDER BY "+Dialect{}.IDOrderSQL("id"))
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	got := make([]string, len(recs))
	for i, r := range recs {
		got[i] = storage.NormalizeKey(r["id"])
	}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("order=%v\nwant  %v", got, want)
	}
	for _, id := range want {
		_, canonical := storage.CanonicalInt(id)
		if canonical != (id == "-12" || id == "0" || id == "9" || id == "10" || id == "999999999999999999") {
			t.Fatalf("CanonicalInt(%q)=%v", id, canonical)
		}
	}
}
