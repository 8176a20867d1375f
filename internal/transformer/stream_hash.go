package transformer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

// HashSpec derives a stable id for records whose source has none.
//
// Canonical form: the Fields values joined by Separator (default 0x1f), each
// optionally prefixed "name=". Nil encodes as "null", so a missing value
// differs from an empty string. The id is the lowercase hex SHA-256 of that
// form (64 characters).
type HashSpec struct {
	Fields            []string
	TargetField       string
	IncludeFieldNames bool
	Separator         string
	TrimSpace         bool

	// Overwrite replaces a non-nil target value. When false only missing ids
	// are filled.
	Overwrite bool
}

// HashLoopRows fills spec.TargetField on every row. When the target column
// is not among columns the stage drains in and emits nothing; callers
// validate the spec before wiring it.
func HashLoopRows(
	ctx context.Context,
	columns []string,
	in <-chan *Row,
	out chan<- *Row,
	spec HashSpec,
	onReject func(line int, reason string),
) {
	targetIdx := indexOf(columns, spec.TargetField)
	if targetIdx < 0 {
		for r := range in {
			if r != nil {
				r.Free()
			}
		}
		return
	}

	fieldIdx := make([]int, len(spec.Fields))
	for i, name := range spec.Fields {
		fieldIdx[i] = indexOf(columns, name)
	}

	sep := spec.Separator
	if sep == "" {
		sep = "\x1f"
	}

	var b strings.Builder

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

		reject := false
		for i, idx := range fieldIdx {
			if idx < 0 {
				reject = true
				if onReject != nil {
					onReject(r.Line, fmt.Sprintf("hash: missing field %q", spec.Fields[i]))
				}
				break
			}
		}
		if reject {
			r.Free()
			continue
		}

		if spec.Overwrite || r.V[targetIdx] == nil {
			b.Reset()
			for i, idx := range fieldIdx {
				if i > 0 {
					b.WriteString(sep)
				}
				if spec.IncludeFieldNames {
					b.WriteString(spec.Fields[i])
					b.WriteByte('=')
				}
				appendCanonicalValue(&b, r.V[idx], spec.TrimSpace)
			}
			sum := sha256.Sum256([]byte(b.String()))
			r.V[targetIdx] = hex.EncodeToString(sum[:])
		}

		select {
		case out <- r:
		case <-ctx.Done():
			r.Drop()
		}
	}
}

func indexOf(cols []string, name string) int {
	if name == "" {
		return -1
	}
	for i, c := range cols {
		if c == name {
			return i
		}
	}
	return -1
}

func appendCanonicalValue(b *strings.Builder, v any, trimSpace bool) {
	switch t := v.(type) {
	case nil:
		b.WriteString("null")
	case string:
		if trimSpace && HasEdgeSpace(t) {
			t = strings.TrimSpace(t)
		}
		b.WriteString(t)
	case int64:
		b.WriteString(strconv.FormatInt(t, 10))
	case float64:
		b.WriteString(strconv.FormatFloat(t, 'g', -1, 64))
	default:
		fmt.Fprint(b, t)
	}
}

// HasEdgeSpace reports whether s starts or ends with a space or tab. It lets
// hot paths skip strings.TrimSpace for the common case.
func HasEdgeSpace(s string) bool {
	if s == "" {
		return false
	}
	return s[0] == ' ' || s[len(s)-1] == ' ' || s[0] == '\t' || s[len(s)-1] == '\t'
}
