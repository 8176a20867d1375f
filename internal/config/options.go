package config

import (
	"fmt"
	"strconv"
	"unicode/utf8"
)

// Options is a free-form option bag attached to parsers and inputs. Values
// arrive from JSON, YAML or TOML decoders, so numeric accessors accept any of
// the numeric types those produce.
type Options map[string]any

// Any returns the raw value for key, or nil.
func (o Options) Any(key string) any {
	if o == nil {
		return nil
	}
	return o[key]
}

// String returns a string option or def.
func (o Options) String(key, def string) string {
	if s, ok := o.Any(key).(string); ok {
		return s
	}
	return def
}

// Bool returns a bool option or def. Strings "true"/"false" are accepted.
func (o Options) Bool(key string, def bool) bool {
	switch v := o.Any(key).(type) {
	case bool:
		return v
	case string:
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

// Int returns an integer option or def.
func (o Options) Int(key string, def int) int {
	switch v := o.Any(key).(type) {
	case int:
		return v
	case int64:
		return int(v)
	case uint64:
		return int(v)
	case float64:
		return int(v)
	case string:
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

// Rune returns the first rune of a string option or def. "\t" and "tab"
// both mean a tab.
func (o Options) Rune(key string, def rune) rune {
	s, ok := o.Any(key).(string)
	if !ok || s == "" {
		return def
	}
	if s == "tab" || s == `\t` {
		return '\t'
	}
	r, _ := utf8.DecodeRuneInString(s)
	return r
}

// StringMap returns a map option with string values. Non-string values are
// formatted with %v.
func (o Options) StringMap(key string) map[string]string {
	out := map[string]string{}
	switch m := o.Any(key).(type) {
	case map[string]string:
		for k, v := range m {
			out[k] = v
		}
	case map[string]any:
		for k, v := range m {
			if s, ok := v.(string); ok {
				out[k] = s
			} else {
				out[k] = fmt.Sprint(v)
			}
		}
	}
	return out
}

// StringSlice returns a list option of strings.
func (o Options) StringSlice(key string) []string {
	switch v := o.Any(key).(type) {
	case []string:
		return append([]string(nil), v...)
	case []any:
		out := make([]string, 0, len(v))
		for _, x := range v {
			if s, ok := x.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
