package transformer

import (
	"context"
	"testing"
)

func runHash(t *testing.T, columns []string, spec HashSpec, rows ...*Row) ([]*Row, []string) {
	t.Helper()
	in := make(chan *Row, len(rows))
	out := make(chan *Row, len(rows))
	for _, r := range rows {
		in <- r
	}
	close(in)

	var rejects []string
	HashLoopRows(context.Background(), columns, in, out, spec, func(line int, reason string) {
		rejects = append(rejects, reason)
	})
	close(out)

	var got []*Row
	for r := range out {
		got = append(got, r)
	}
	return got, rejects
}

func TestHashLoopRows_DerivesDeterministicUniqueID(t *testing.T) {
	t.Parallel()

	columns := []string{"first_name", "dob", "unique_id"}
	spec := HashSpec{TargetField: "unique_id", Fields: []string{"first_name", "dob"}, TrimSpace: true}

	got, rejects := runHash(t, columns, spec,
		&Row{Line: 1, V: []any{"ann", "1990-01-01", nil}},
		&Row{Line: 2, V: []any{" ann ", "1990-01-01", nil}},
		&Row{Line: 3, V: []any{"ann", nil, nil}},
	)
	if len(rejects) != 0 || len(got) != 3 {
		t.Fatalf("rows=%d rejects=%v", len(got), rejects)
	}
	h1, ok := got[0].V[2].(string)
	if !ok || len(h1) != 64 {
		t.Fatalf("unique_id=%v, want 64-char hex", got[0].V[2])
	}
	if got[1].V[2] != h1 {
		t.Fatalf("trimmed duplicate hashed differently: %v vs %v", got[1].V[2], h1)
	}
	if got[2].V[2] == h1 {
		t.Fatalf("missing dob collided with present dob")
	}
}

func TestHashLoopRows_KeepsExistingIDUnlessOverwrite(t *testing.T) {
	t.Parallel()

	columns := []string{"first_name", "unique_id"}
	spec := HashSpec{TargetField: "unique_id", Fields: []string{"first_name"}}

	got, _ := runHash(t, columns, spec, &Row{V: []any{"ann", "17"}})
	if got[0].V[1] != "17" {
		t.Fatalf("existing id overwritten: %v", got[0].V[1])
	}

	spec.Overwrite = true
	got, _ = runHash(t, columns, spec, &Row{V: []any{"ann", "17"}})
	if got[0].V[1] == "17" {
		t.Fatalf("Overwrite did not replace id")
	}
}

func TestHashLoopRows_IncludeFieldNamesChangesHash(t *testing.T) {
	t.Parallel()

	columns := []string{"first_name", "surname", "unique_id"}
	run := func(include bool) any {
		spec := HashSpec{TargetField: "unique_id", Fields: []string{"first_name", "surname"}, IncludeFieldNames: include}
		got, _ := runHash(t, columns, spec, &Row{V: []any{"ann", "lee", nil}})
		return got[0].V[2]
	}
	if run(false) == run(true) {
		t.Fatalf("include_field_names did not change the hash")
	}
}

func TestHashLoopRows_MissingFieldRejects(t *testing.T) {
	t.Parallel()

	got, rejects := runHash(t, []string{"a", "unique_id"},
		HashSpec{TargetField: "unique_id", Fields: []string{"b"}},
		&Row{Line: 4, V: []any{"x", nil}})
	if len(got) != 0 || len(rejects) != 1 {
		t.Fatalf("rows=%d rejects=%v, want one reject", len(got), rejects)
	}
}

func TestHasEdgeSpace(t *testing.T) {
	t.Parallel()

	for in, want := range map[string]bool{"": false, "a": false, " a": true, "a\t": true, "a b": false} {
		if got := HasEdgeSpace(in); got != want {
			t.Fatalf("HasEdgeSpace(%q)=%v, want %v", in, got, want)
		}
	}
}
