package json

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"testing"

	"linkage/internal/config"
	"linkage/internal/transformer"
)

// runStream runs StreamJSONRows to completion and returns the row values,
// the returned error and the onParseErr calls as "line=N err=..." strings.
func runStream(ctx context.Context, input string, columns []string, opts config.Options) ([][]any, error, []string) {
	out := make(chan *transformer.Row, 64)
	var parseCalls []string
	err := StreamJSONRows(ctx, strings.NewReader(input), columns, opts, out, func(line int, e error) {
		parseCalls = append(parseCalls, fmt.Sprintf("line=%d err=%s", line, e.Error()))
	})
	close(out)

	var rows [][]any
	for r := range out {
		rows = append(rows, append([]any(nil), r.V...))
		r.Free()
	}
	return rows, err, parseCalls
}

func TestStreamJSONRows_Layouts(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		input string
		want  [][]any
	}{
		{
			name:  "root_array_then_jsonl",
			input: `[{"unique_id": 1, "first_name": "ann"}, null, {"unique_id": 2}] {"unique_id": 3, "first_name": ""}`,
			want:  [][]any{{"1", "ann"}, {"2", nil}, {"3", nil}},
		},
		{
			name: "envelope_first_array_field",
			input: `{"meta": {"count": 2}, "records": [{"unique_id": 7, "first_name": "bo"}, {"unique_id": 8}],
			        "trailer": {"deep": [{"k": "v"}]}}`,
			want: [][]any{{"7", "bo"}, {"8", nil}},
		},
		{
			name:  "single_object",
			input: `{"unique_id": 5, "first_name": "cy", "extra": {"x": 1}}`,
			want:  [][]any{{"5", "cy"}},
		},
		{
			name:  "jsonl",
			input: "{\"unique_id\": 1}\n{\"unique_id\": 2, \"first_name\": \"di\"}\n",
			want:  [][]any{{"1", nil}, {"2", "di"}},
		},
		{
			name:  "empty",
			input: "",
			want:  nil,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			rows, err, parseCalls := runStream(context.Background(), tc.input, []string{"unique_id", "first_name"}, nil)
			if err != nil || len(parseCalls) != 0 {
				t.Fatalf("err=%v parseCalls=%v", err, parseCalls)
			}
			if !reflect.DeepEqual(rows, tc.want) {
				t.Fatalf("rows=%v, want %v", rows, tc.want)
			}
		})
	}
}

func TestStreamJSONRows_HeaderMapAndArrayJoin(t *testing.T) {
	t.Parallel()

	opts := config.Options{
		"header_map":           map[string]any{"FirstName": "first_name"},
		"array_join_separator": "|",
	}
	input := `[{"FirstName": "ann", "aliases": ["a", "annie"], "flags": [1, 2], "active": true}]`
	rows, err, _ := runStream(context.Background(), input, []string{"first_name", "aliases", "flags", "active"}, opts)
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	want := []any{"ann", "a|annie", "[1,2]", "true"}
	if !reflect.DeepEqual(rows[0], want) {
		t.Fatalf("row=%v, want %v", rows[0], want)
	}
}

func TestStreamJSONRows_ContextCanceled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	out := make(chan *transformer.Row)
	err := StreamJSONRows(ctx, strings.NewReader(`[{"a": 1}]`), []string{"a"}, nil, out, nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err=%v, want context.Canceled", err)
	}
}

func TestStreamJSONRows_ErrorPaths(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name          string
		input         string
		wantErrSubstr string
		wantParseLine string
	}{
		{name: "scalar_root", input: `null`, wantErrSubstr: "unsupported root token"},
		{name: "bad_first_token", input: `(`, wantErrSubstr: "read first token", wantParseLine: "line=0"},
		{name: "array_of_numbers", input: `[1]`, wantErrSubstr: "array element not an object", wantParseLine: "line=1"},
		{name: "envelope_of_numbers", input: `{"records":[1]}`, wantErrSubstr: "array element not an object", wantParseLine: "line=1"},
		{name: "trailing_garbage", input: `{"x":1} not-json`, wantErrSubstr: "decode trailing object", wantParseLine: "line=2"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err, parseCalls := runStream(context.Background(), tc.input, []string{"x"}, nil)
			if err == nil || !strings.Contains(err.Error(), tc.wantErrSubstr) {
				t.Fatalf("err=%v, want substring %q", err, tc.wantErrSubstr)
			}
			if tc.wantParseLine == "" {
				if len(parseCalls) != 0 {
					t.Fatalf("unexpected onParseErr calls: %v", parseCalls)
				}
				return
			}
			if len(parseCalls) == 0 || !strings.Contains(parseCalls[0], tc.wantParseLine) {
				t.Fatalf("parseCalls=%v, want %s", parseCalls, tc.wantParseLine)
			}
		})
	}
}

func TestNormalizeValue(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   any
		want any
	}{
		{nil, nil},
		{"", nil},
		{"x", "x"},
		{false, "false"},
		{[]any{nil, nil}, nil},
		{[]any{"a", "b"}, "a;b"},
		{[]any{"a", 1.5}, `["a",1.5]`},
		{map[string]any{"k": "v"}, `{"k":"v"}`},
	}
	for _, tc := range tests {
		if got := normalizeValue(tc.in, ";"); !reflect.DeepEqual(got, tc.want) {
			t.Fatalf("normalizeValue(%#v)=%#v, want %#v", tc.in, got, tc.want)
		}
	}
}
