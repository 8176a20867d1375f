// Package transformer holds the streaming stages between the CSV parser and
// the input-table loader: type coercion and derived unique ids. Stages pass
// pooled *Row values over channels.
package transformer

import "sync"

// Row is a pooled positional record aligned to the loader's column order.
//
// Ownership contract:
//   - Exactly one goroutine owns a Row at a time; sending it on a channel
//     transfers ownership.
//   - The final consumer calls Free once it no longer references r.V.
//   - Cancellation paths call Drop instead, so a row still visible to a
//     draining stage is never handed out again by GetRow.
type Row struct {
	V    []any
	Line int // 1-based record number in the source, if known
}

var rowPool sync.Pool

// GetRow returns a zeroed Row with len(V) == colCount.
func GetRow(colCount int) *Row {
	if v := rowPool.Get(); v != nil {
		r := v.(*Row)
		if cap(r.V) < colCount {
			r.V = make([]any, colCount)
		}
		r.V = r.V[:colCount]
		for i := range r.V {
			r.V[i] = nil
		}
		r.Line = 0
		return r
	}
	return &Row{V: make([]any, colCount)}
}

// Free returns the Row to the pool.
func (r *Row) Free() {
	rowPool.Put(r)
}

// Drop discards the Row without re-pooling it.
func (r *Row) Drop() {
	r.V = nil
	r.Line = 0
}
