// Package json streams JSON input records into pooled transformer rows.
//
// Accepted layouts:
//   - a root array of objects, optionally followed by JSONL objects;
//   - a root object whose first array field holds the records (envelope);
//   - a single root object, or a JSONL stream of objects.
//
// Values are normalized to what the loader binds: numbers and booleans become
// their JSON text, arrays of strings are joined with array_join_separator,
// other nested values are re-encoded as compact JSON, and empty strings
// become nil.
package json

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"linkage/internal/config"
	"linkage/internal/transformer"
)

// StreamJSONRows parses r and sends one Row per record, aligned to columns.
// header_map (original key -> column) is honored. onParseErr receives the
// 1-based record number the error was detected at.
func StreamJSONRows(
	ctx context.Context,
	r io.Reader,
	columns []string,
	opts config.Options,
	out chan<- *transformer.Row,
	onParseErr func(line int, err error),
) error {
	dec := json.NewDecoder(r)
	dec.UseNumber()

	rev := reverseHeaderMap(opts.StringMap("header_map"))
	sep := opts.String("array_join_separator", ",")
	if sep == "" {
		sep = ","
	}

	line := 0
	emit := func(obj map[string]any) error {
		line++
		row := transformer.GetRow(len(columns))
		row.Line = line
		recordToRow(obj, columns, rev, sep, row.V)

		select {
		case out <- row:
			return nil
		case <-ctx.Done():
			row.Drop()
			return ctx.Err()
		}
	}

	tok, err := dec.Token()
	if err != nil {
		if err == io.EOF {
			return nil
		}
		if onParseErr != nil {
			onParseErr(0, err)
		}
		return fmt.Errorf("json: read first token: %w", err)
	}

	d, ok := tok.(json.Delim)
	if !ok {
		return fmt.Errorf("json: unsupported root token %T (want object or array)", tok)
	}
	switch d {
	case '[':
		if err := streamArrayOfObjects(ctx, dec, emit, onParseErr, &line); err != nil {
			return err
		}
		if err := expectDelim(dec, ']'); err != nil {
			return err
		}
	case '{':
		streamed, single, err := streamEnvelopeOrSingle(ctx, dec, emit, onParseErr, &line)
		if err != nil {
			return err
		}
		if err := expectDelim(dec, '}'); err != nil {
			return err
		}
		if !streamed && single != nil {
			if err := emit(single); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("json: unsupported root delimiter %q", d)
	}
	return streamTrailingObjects(ctx, dec, emit, onParseErr, &line)
}

func expectDelim(dec *json.Decoder, want json.Delim) error {
	tok, err := dec.Token()
	if err != nil {
		return fmt.Errorf("json: read %q: %w", want, err)
	}
	if tok != want {
		return fmt.Errorf("json: expected %q, got %v", want, tok)
	}
	return nil
}

func streamTrailingObjects(
	ctx context.Context,
	dec *json.Decoder,
	emit func(map[string]any) error,
	onParseErr func(line int, err error),
	line *int,
) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		var obj map[string]any
		if err := dec.Decode(&obj); err != nil {
			if err == io.EOF {
				return nil
			}
			if onParseErr != nil {
				onParseErr(*line+1, err)
			}
			return fmt.Errorf("json: decode trailing object: %w", err)
		}
		if err := emit(obj); err != nil {
			return err
		}
	}
}

// streamArrayOfObjects streams the elements of an array whose '[' has been
// consumed. null elements are skipped; any other non-object is an error.
func streamArrayOfObjects(
	ctx context.Context,
	dec *json.Decoder,
	emit func(map[string]any) error,
	onParseErr func(line int, err error),
	line *int,
) error {
	for dec.More() {
		if err := ctx.Err(); err != nil {
			return err
		}
		var raw any
		if err := dec.Decode(&raw); err != nil {
			if onParseErr != nil {
				onParseErr(*line+1, err)
			}
			return fmt.Errorf("json: decode array element: %w", err)
		}
		if raw == nil {
			continue
		}
		obj, ok := raw.(map[string]any)
		if !ok {
			err := fmt.Errorf("json: array element not an object (got %T)", raw)
			if onParseErr != nil {
				onParseErr(*line+1, err)
			}
			return err
		}
		if err := emit(obj); err != nil {
			return err
		}
	}
	return nil
}

// streamEnvelopeOrSingle walks a root object whose '{' has been consumed. The
// first array-valued field is streamed as the records and the remaining
// fields are skipped. Without such a field the object itself is returned as
// a single record.
func streamEnvelopeOrSingle(
	ctx context.Context,
	dec *json.Decoder,
	emit func(map[string]any) error,
	onParseErr func(line int, err error),
	line *int,
) (streamed bool, single map[string]any, _ error) {
	single = make(map[string]any)

	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			if onParseErr != nil {
				onParseErr(*line+1, err)
			}
			return false, nil, fmt.Errorf("json: read object key: %w", err)
		}
		key, _ := keyTok.(string)

		valTok, err := dec.Token()
		if err != nil {
			if onParseErr != nil {
				onParseErr(*line+1, err)
			}
			return false, nil, fmt.Errorf("json: read object value: %w", err)
		}

		if delim, ok := valTok.(json.Delim); ok && delim == '[' {
			if err := streamArrayOfObjects(ctx, dec, emit, onParseErr, line); err != nil {
				return false, nil, err
			}
			if err := expectDelim(dec, ']'); err != nil {
				return false, nil, err
			}
			for dec.More() {
				if _, err := dec.Token(); err != nil {
					return true, nil, fmt.Errorf("json: skip envelope key: %w", err)
				}
				if err := skipNextValue(dec); err != nil {
					return true, nil, err
				}
			}
			return true, nil, nil
		}

		val, err := materializeValueFromFirstToken(dec, valTok)
		if err != nil {
			if onParseErr != nil {
				onParseErr(*line+1, err)
			}
			return false, nil, err
		}
		single[key] = val
	}
	return false, single, nil
}

func skipNextValue(dec *json.Decoder) error {
	tok, err := dec.Token()
	if err != nil {
		return fmt.Errorf("json: skip value: %w", err)
	}
	_, err = materializeValueFromFirstToken(dec, tok)
	return err
}

// materializeValueFromFirstToken builds the Go value whose first token has
// already been read. Used for single-object records and skipped fields, both
// small.
func materializeValueFromFirstToken(dec *json.Decoder, tok any) (any, error) {
	d, ok := tok.(json.Delim)
	if !ok {
		return tok, nil
	}
	switch d {
	case '{':
		m := make(map[string]any)
		for dec.More() {
			kt, err := dec.Token()
			if err != nil {
				return nil, fmt.Errorf("json: read nested key: %w", err)
			}
			k, _ := kt.(string)
			vt, err := dec.Token()
			if err != nil {
				return nil, fmt.Errorf("json: read nested value: %w", err)
			}
			v, err := materializeValueFromFirstToken(dec, vt)
			if err != nil {
				return nil, err
			}
			m[k] = v
		}
		return m, expectDelim(dec, '}')
	case '[':
		var arr []any
		for dec.More() {
			vt, err := dec.Token()
			if err != nil {
				return nil, fmt.Errorf("json: read nested element: %w", err)
			}
			v, err := materializeValueFromFirstToken(dec, vt)
			if err != nil {
				return nil, err
			}
			arr = append(arr, v)
		}
		return arr, expectDelim(dec, ']')
	default:
		return nil, fmt.Errorf("json: unexpected delimiter %q", d)
	}
}

// reverseHeaderMap turns original->column into column->original.
func reverseHeaderMap(h map[string]string) map[string]string {
	out := make(map[string]string, len(h))
	for orig, norm := range h {
		if orig == "" || norm == "" {
			continue
		}
		out[norm] = orig
	}
	return out
}

// recordToRow fills dst (aligned with columns) from obj.
func recordToRow(obj map[string]any, columns []string, rev map[string]string, sep string, dst []any) {
	for i, col := range columns {
		v, ok := obj[col]
		if !ok {
			if orig, ok := rev[col]; ok {
				v = obj[orig]
			}
		}
		dst[i] = normalizeValue(v, sep)
	}
}

// normalizeValue converts a decoded JSON value to nil or a string.
func normalizeValue(v any, sep string) any {
	switch t := v.(type) {
	case nil:
		return nil
	case string:
		if t == "" {
			return nil
		}
		return t
	case json.Number:
		return t.String()
	case bool:
		return strconv.FormatBool(t)
	case []any:
		ss := make([]string, 0, len(t))
		for _, it := range t {
			if it == nil {
				continue
			}
			s, ok := it.(string)
			if !ok {
				return compactJSON(v)
			}
			ss = append(ss, s)
		}
		if len(ss) == 0 {
			return nil
		}
		return strings.Join(ss, sep)
	default:
		return compactJSON(v)
	}
}

func compactJSON(v any) any {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}
