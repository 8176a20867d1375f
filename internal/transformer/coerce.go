package transformer

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// CoerceSpec maps column names to the portable types "text", "integer" and
// "float". Columns not listed stay text.
type CoerceSpec struct {
	Types map[string]string
}

type colPlan struct {
	name   string
	coerce func(dst *any, s string) bool
}

type plan struct {
	cols []colPlan
}

func compilePlan(columns []string, spec CoerceSpec) plan {
	p := plan{cols: make([]colPlan, len(columns))}
	for i, c := range columns {
		cp := colPlan{name: c, coerce: coerceText}
		switch strings.ToLower(spec.Types[c]) {
		case "integer", "int", "bigint":
			cp.coerce = coerceInt
		case "float", "double", "real":
			cp.coerce = coerceFloat
		}
		p.cols[i] = cp
	}
	return p
}

func coerceText(dst *any, s string) bool {
	*dst = s
	return true
}

func coerceInt(dst *any, s string) bool {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return false
	}
	*dst = n
	return true
}

func coerceFloat(dst *any, s string) bool {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return false
	}
	*dst = f
	return true
}

// CoerceLoopRows converts string values in each row to the configured types.
// Nil values stay nil. A row holding an unparsable value is rejected through
// onReject and freed.
func CoerceLoopRows(
	ctx context.Context,
	columns []string,
	in <-chan *Row,
	out chan<- *Row,
	spec CoerceSpec,
	onReject func(line int, reason string),
) {
	p := compilePlan(columns, spec)

	for r := range in {
		select {
		case <-ctx.Done():
			if r != nil {
				r.Drop()
			}
			continue
		default:
		}

		if r == nil || len(r.V) != len(columns) {
			if r != nil {
				r.Free()
			}
			continue
		}

		ok := true
		for i, cp := range p.cols {
			s, isStr := r.V[i].(string)
			if !isStr {
				continue
			}
			if !cp.coerce(&r.V[i], s) {
				ok = false
				if onReject != nil {
					onReject(r.Line, fmt.Sprintf("coerce: column %q: cannot parse %q as %s", cp.name, s, spec.Types[cp.name]))
				}
				break
			}
		}
		if !ok {
			r.Free()
			continue
		}

		select {
		case out <- r:
		case <-ctx.Done():
			r.Drop()
		}
	}
}
