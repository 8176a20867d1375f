package probe

import (
	"strconv"
	"strings"
	"time"
)

// inferTypes assigns each column the narrowest loader type every non-empty
// sampled value parses as: integer, then float, then text.
func inferTypes(columns []string, rows [][]string) []string {
	out := make([]string, len(columns))
	for col := range columns {
		seen, allInt, allFloat := false, true, true
		for _, r := range rows {
			if col >= len(r) {
				continue
			}
			v := strings.TrimSpace(r[col])
			if v == "" {
				continue
			}
			seen = true
			if allInt {
				// Leading zeros carry meaning in codes and phone numbers.
				if _, err := strconv.ParseInt(v, 10, 64); err != nil || hasLeadingZero(v) {
					allInt = false
				}
			}
			if allFloat {
				if _, err := strconv.ParseFloat(v, 64); err != nil || hasLeadingZero(v) {
					allFloat = false
				}
			}
			if !allInt && !allFloat {
				break
			}
		}
		switch {
		case !seen:
			out[col] = "text"
		case allInt:
			out[col] = "integer"
		case allFloat:
			out[col] = "float"
		default:
			out[col] = "text"
		}
	}
	return out
}

func hasLeadingZero(v string) bool {
	v = strings.TrimLeft(v, "+-")
	return len(v) > 1 && v[0] == '0' && v[1] != '.'
}

var dateLayouts = []string{
	"2006-01-02",
	"02.01.2006",
	"02/01/2006",
	"01/02/2006",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	time.RFC3339,
}

func parseBoolLoose(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "t", "true", "yes", "y", "f", "false", "no", "n":
		return true
	}
	return false
}

// textHint names the majority date layout of a text column, or "boolean"
// when every value looks like one. Dates stay text in storage; the hint
// tells the user which comparison to reach for.
func textHint(rows [][]string, col int) string {
	counts := map[string]int{}
	seen, allBool, allDate := 0, true, true
	for _, r := range rows {
		v := strings.TrimSpace(r[col])
		if v == "" {
			continue
		}
		seen++
		if allBool && !parseBoolLoose(v) {
			allBool = false
		}
		if !allDate {
			continue
		}
		matched := false
		for _, lay := range dateLayouts {
			if _, err := time.Parse(lay, v); err == nil {
				counts[lay]++
				matched = true
				break
			}
		}
		if !matched {
			allDate = false
		}
	}
	switch {
	case seen == 0:
		return ""
	case allBool:
		return "boolean"
	case !allDate:
		return ""
	}
	best, bestN := "", 0
	for _, lay := range dateLayouts {
		if counts[lay] > bestN {
			best, bestN = lay, counts[lay]
		}
	}
	return best
}
