// Package csv streams delimited input files into pooled transformer rows.
//
// Options (parser.options in the pipeline config):
//
//	has_header         bool    default true
//	columns            []string required when has_header is false
//	comma              string  default ","; "tab" for tab
//	trim_space         bool    default true
//	lazy_quotes        bool    default false
//	fields_per_record  int     default 0 (unchecked)
//	encoding           string  default "utf-8"; see Encodings
//	header_map         map     source header -> column name
//
// Header names are lowercased with spaces replaced by underscores unless
// header_map names them, so columns are usable as unquoted SQL identifiers.
// Empty fields become nil.
package csv

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"sort"
	"strings"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/unicode"

	"linkage/internal/config"
	"linkage/internal/transformer"
)

var encodings = map[string]encoding.Encoding{
	"utf-8":        unicode.UTF8,
	"utf8":         unicode.UTF8,
	"utf-16le":     unicode.UTF16(unicode.LittleEndian, unicode.UseBOM),
	"windows-1250": charmap.Windows1250,
	"windows-1252": charmap.Windows1252,
	"iso-8859-1":   charmap.ISO8859_1,
	"iso-8859-2":   charmap.ISO8859_2,
	"latin1":       charmap.ISO8859_1,
}

// Encodings lists the accepted encoding option values.
func Encodings() []string {
	out := make([]string, 0, len(encodings))
	for k := range encodings {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Reader is an open CSV source with its header already consumed.
type Reader struct {
	src     io.ReadCloser
	cr      *csv.Reader
	columns []string
	trim    bool
	line    int
}

// Open wraps src with the configured decoding and reads the header. The
// returned Reader owns src.
func Open(src io.ReadCloser, opt config.Options) (*Reader, error) {
	encName := strings.ToLower(opt.String("encoding", "utf-8"))
	enc, ok := encodings[encName]
	if !ok {
		_ = src.Close()
		return nil, fmt.Errorf("csv: unsupported encoding %q", encName)
	}

	cr := csv.NewReader(enc.NewDecoder().Reader(src))
	cr.Comma = opt.Rune("comma", ',')
	cr.ReuseRecord = true
	cr.LazyQuotes = opt.Bool("lazy_quotes", false)
	if n := opt.Int("fields_per_record", 0); n != 0 {
		cr.FieldsPerRecord = n
	} else {
		cr.FieldsPerRecord = -1
	}

	r := &Reader{src: src, cr: cr, trim: opt.Bool("trim_space", true)}

	if !opt.Bool("has_header", true) {
		r.columns = opt.StringSlice("columns")
		if len(r.columns) == 0 {
			_ = src.Close()
			return nil, fmt.Errorf("csv: has_header=false requires the columns option")
		}
		return r, nil
	}

	hdr, err := r.read()
	if err != nil {
		_ = src.Close()
		return nil, fmt.Errorf("csv: read header: %w", err)
	}
	hm := opt.StringMap("header_map")
	r.columns = make([]string, len(hdr))
	for i, h := range hdr {
		if transformer.HasEdgeSpace(h) {
			h = strings.TrimSpace(h)
		}
		if i == 0 {
			h = strings.TrimPrefix(h, "\uFEFF")
		}
		if mapped, ok := hm[h]; ok {
			h = mapped
		} else {
			h = strings.ReplaceAll(strings.ToLower(h), " ", "_")
		}
		r.columns[i] = h
	}
	return r, nil
}

// Columns returns the normalized source column names.
func (r *Reader) Columns() []string { return append([]string(nil), r.columns...) }

func (r *Reader) read() ([]string, error) {
	r.line++
	return r.cr.Read()
}

// Close closes the underlying source.
func (r *Reader) Close() error { return r.src.Close() }

// Stream sends every remaining record as a pooled Row aligned to columns.
// Target columns missing from the source are nil. Malformed records are
// reported through onErr and skipped.
//
// On ctx cancellation in-flight rows are dropped, not re-pooled, since
// downstream stages may still be draining them.
func (r *Reader) Stream(ctx context.Context, columns []string, out chan<- *transformer.Row, onErr func(line int, err error)) error {
	srcIdx := make(map[string]int, len(r.columns))
	for i, c := range r.columns {
		srcIdx[c] = i
	}
	colIx := make([]int, len(columns))
	for t, target := range columns {
		colIx[t] = -1
		if si, ok := srcIdx[target]; ok {
			colIx[t] = si
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		rec, err := r.read()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			if onErr != nil {
				onErr(r.line, fmt.Errorf("csv read: %w", err))
			}
			continue
		}

		row := transformer.GetRow(len(columns))
		row.Line = r.line

		for t := range columns {
			si := colIx[t]
			if si < 0 || si >= len(rec) {
				row.V[t] = nil
				continue
			}
			v := rec[si]
			if r.trim && transformer.HasEdgeSpace(v) {
				v = strings.TrimSpace(v)
			}
			if v == "" {
				row.V[t] = nil
			} else {
				row.V[t] = v
			}
		}

		select {
		case out <- row:
		case <-ctx.Done():
			row.Drop()
			return ctx.Err()
		}
	}
}
