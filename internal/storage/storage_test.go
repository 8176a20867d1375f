package storage

import (
	"context"
	"errors"
	"strings"
	"testing"
)

// fakeOwner records drops and fails on names listed in failDrop.
type fakeOwner struct {
	dropped  []string
	failDrop map[string]bool
	records  []Record
}

func (f *fakeOwner) Query(ctx context.Context, q string, args ...any) ([]Record, error) {
	return f.records, nil
}

func (f *fakeOwner) DropTable(ctx context.Context, physical string) error {
	f.dropped = append(f.dropped, physical)
	if f.failDrop[physical] {
		return errors.New("boom")
	}
	return nil
}

func TestTable_ReleaseIsIdempotentAndSkipsExternal(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	o := &fakeOwner{}

	owned := NewTable("edges", "edges_1", o)
	ext := ExternalTable("people", o)

	for i := 0; i < 2; i++ {
		if err := owned.Release(ctx); err != nil {
			t.Fatalf("Release owned: %v", err)
		}
		if err := ext.Release(ctx); err != nil {
			t.Fatalf("Release external: %v", err)
		}
	}
	if len(o.dropped) != 1 || o.dropped[0] != "edges_1" {
		t.Fatalf("dropped=%v, want [edges_1]", o.dropped)
	}
	if _, err := owned.Rows(ctx); err == nil {
		t.Fatalf("expected error reading a released table")
	}
}

func TestReleaser_ReleasesInReverseAndJoinsErrors(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	o := &fakeOwner{failDrop: map[string]bool{"b_1": true}}

	r := NewReleaser()
	r.Track(NewTable("a", "a_1", o))
	r.Track(NewTable("b", "b_1", o))
	kept := r.Track(NewTable("c", "c_1", o))
	r.Track(nil)
	r.Keep(kept)

	err := r.ReleaseAll(ctx)
	if err == nil || !strings.Contains(err.Error(), "b_1") {
		t.Fatalf("expected joined error naming b_1, got %v", err)
	}
	if got := strings.Join(o.dropped, ","); got != "b_1,a_1" {
		t.Fatalf("drop order=%s, want b_1,a_1", got)
	}
	if kept.Released() {
		t.Fatalf("kept table should not be released")
	}
}

func TestTable_Count(t *testing.T) {
	t.Parallel()

	o := &fakeOwner{records: []Record{{"row_count": int64(7)}}}
	n, err := NewTable("x", "x_1", o).Count(context.Background())
	if err != nil || n != 7 {
		t.Fatalf("Count=%d err=%v", n, err)
	}
}

func TestPhysicalName_Unique(t *testing.T) {
	t.Parallel()

	a, b := PhysicalName("__linkage__edges"), PhysicalName("__linkage__edges")
	if a == b {
		t.Fatalf("expected unique names, got %q twice", a)
	}
	if !strings.HasPrefix(a, "__linkage__edges_") || len(a) != len("__linkage__edges_")+8 {
		t.Fatalf("unexpected physical name %q", a)
	}
}

func TestRegister_PanicsOnDuplicate(t *testing.T) {
	f := func(ctx context.Context, cfg Config) (Executor, error) { return nil, nil }
	Register("test-dup", f)

	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic on duplicate Register")
		}
	}()
	Register("test-dup", f)
}

func TestNew_UnknownKind(t *testing.T) {
	t.Parallel()

	if _, err := New(context.Background(), Config{}); err == nil {
		t.Fatalf("expected error for empty kind")
	}
	if _, err := New(context.Background(), Config{Kind: "nope"}); err == nil {
		t.Fatalf("expected error for unknown kind")
	}
}

func TestConverters(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      any
		wantI   int64
		wantF   float64
		wantErr bool
	}{
		{in: int64(3), wantI: 3, wantF: 3},
		{in: int32(4), wantI: 4, wantF: 4},
		{in: []byte(" 5 "), wantI: 5, wantF: 5},
		{in: "6", wantI: 6, wantF: 6},
		{in: float64(2), wantI: 2, wantF: 2},
		{in: nil, wantErr: true},
	}
	for _, tc := range tests {
		i, err := Int64(tc.in)
		if (err != nil) != tc.wantErr || i != tc.wantI {
			t.Fatalf("Int64(%v)=%d err=%v", tc.in, i, err)
		}
		f, err := Float64(tc.in)
		if (err != nil) != tc.wantErr || f != tc.wantF {
			t.Fatalf("Float64(%v)=%v err=%v", tc.in, f, err)
		}
	}
	if _, err := Int64(2.5); err == nil {
		t.Fatalf("expected error for non-integral float")
	}
	if got := NormalizeKey([]byte(" 8429529 ")); got != "8429529" {
		t.Fatalf("NormalizeKey=%q", got)
	}
	if got := QuoteString("o'brien"); got != "'o''brien'" {
		t.Fatalf("QuoteString=%q", got)
	}
}

func TestRowsPerStatement(t *testing.T) {
	t.Parallel()

	cases := map[[2]int]int{
		{2, 4}:      2,
		{3, 2100}:   700,
		{5000, 100}: 1,
		{0, 100}:    1,
	}
	for in, want := range cases {
		if got := RowsPerStatement(in[0], in[1]); got != want {
			t.Fatalf("RowsPerStatement(%d,%d)=%d want %d", in[0], in[1], got, want)
		}
	}
}

func TestFormatFloat_ExponentForm(t *testing.T) {
	t.Parallel()

	for in, want := range map[float64]string{0.25: "2.5e-01", 1e12: "1e+12", 1: "1e+00"} {
		if got := FormatFloat(in); got != want {
			t.Fatalf("FormatFloat(%v)=%q want %q", in, got, want)
		}
	}
}

func TestReleaser_ReleaseStopsTracking(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	o := &fakeOwner{}

	r := NewReleaser()
	for i := 0; i < 100; i++ {
		old := r.Track(NewTable("reps", "reps_old", o))
		r.Track(NewTable("reps", "reps_new", o))
		if err := r.Release(ctx, old); err != nil {
			t.Fatalf("Release: %v", err)
		}
		if !old.Released() {
			t.Fatalf("iteration %d: table not released", i)
		}
	}
	if r.Len() != 100 {
		t.Fatalf("tracked=%d, want 100 live tables", r.Len())
	}
	if err := r.ReleaseAll(ctx); err != nil {
		t.Fatalf("ReleaseAll: %v", err)
	}
	if r.Len() != 0 || len(o.dropped) != 200 {
		t.Fatalf("tracked=%d dropped=%d", r.Len(), len(o.dropped))
	}
}

func TestCanonicalInt(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want int64
		ok   bool
	}{
		{"0", 0, true},
		{"42", 42, true},
		{"-42", -42, true},
		{"999999999999999999", 999999999999999999, true},
		{"-999999999999999999", -999999999999999999, true},
		{"1000000000000000000", 0, false},
		{"007", 0, false},
		{"-0", 0, false},
		{"+5", 0, false},
		{" 5", 0, false},
		{"5a", 0, false},
		{"", 0, false},
	}
	for _, tc := range tests {
		got, ok := CanonicalInt(tc.in)
		if ok != tc.ok || got != tc.want {
			t.Fatalf("CanonicalInt(%q)=%d,%v want %d,%v", tc.in, got, ok, tc.want, tc.ok)
		}
	}
}
