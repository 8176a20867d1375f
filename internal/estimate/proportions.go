package estimate

import (
	"errors"
	"fmt"
	"strings"

	"linkage/internal/model"
	"linkage/internal/storage"
)

// Columns of the counts table produced by CountsSQL.
const (
	colOutputColumnName = "output_column_name"
	colVectorValue      = "comparison_vector_value"
	colMCount           = "m_count"
	colUCount           = "u_count"
)

// ErrNoObservations is wrapped by EstimationError when a comparison's
// non-null levels carry no weight at all.
var ErrNoObservations = errors.New("no observations in non-null levels")

// EstimationError names the comparison whose probabilities could not be
// normalized.
type EstimationError struct {
	Comparison string
	Kind       model.ProbabilityKind
	Err        error
}

func (e *EstimationError) Error() string {
	return fmt.Sprintf("estimate: comparison %q: cannot normalize %s probabilities: %v", e.Comparison, e.Kind, e.Err)
}

func (e *EstimationError) Unwrap() error { return e.Err }

// CountsSQL renders the E-step: per comparison and comparison vector value,
// the sum of posterior match probabilities (m_count) and of their complement
// (u_count). A final row carries the totals under model.LambdaColumnName.
func CountsSQL(s model.Settings, scoredTable, probabilityColumn string) string {
	parts := make([]string, 0, len(s.Comparisons)+1)
	for _, c := range s.Comparisons {
		g := c.GammaColumn()
		parts = append(parts, fmt.Sprintf(
			"select %s as %s, sum(%s) as %s, sum(1 - %s) as %s, %s as %s from %s group by %s",
			g, colVectorValue,
			probabilityColumn, colMCount,
			probabilityColumn, colUCount,
			storage.QuoteString(c.OutputColumnName), colOutputColumnName,
			scoredTable, g,
		))
	}
	parts = append(parts, fmt.Sprintf(
		"select 0 as %s, sum(%s) as %s, sum(1 - %s) as %s, %s as %s from %s",
		colVectorValue,
		probabilityColumn, colMCount,
		probabilityColumn, colUCount,
		storage.QuoteString(model.LambdaColumnName), colOutputColumnName,
		scoredTable,
	))
	return strings.Join(parts, "\nUNION ALL\n")
}

// ParseCounts converts counts-table rows into records. NULL sums (groups with
// no rows on some backends) count as zero.
func ParseCounts(rows []storage.Record) ([]model.ParameterRecord, error) {
	out := make([]model.ParameterRecord, 0, len(rows))
	for i, r := range rows {
		name, ok := r[colOutputColumnName]
		if !ok {
			return nil, fmt.Errorf("estimate: counts row %d: missing %s", i, colOutputColumnName)
		}
		v, err := storage.Int64(r[colVectorValue])
		if err != nil {
			return nil, fmt.Errorf("estimate: counts row %d: %s: %w", i, colVectorValue, err)
		}
		m, err := sumValue(r[colMCount])
		if err != nil {
			return nil, fmt.Errorf("estimate: counts row %d: %s: %w", i, colMCount, err)
		}
		u, err := sumValue(r[colUCount])
		if err != nil {
			return nil, fmt.Errorf("estimate: counts row %d: %s: %w", i, colUCount, err)
		}
		out = append(out, model.ParameterRecord{
			OutputColumnName: storage.NormalizeKey(name),
			VectorValue:      int(v),
			MCount:           m,
			UCount:           u,
		})
	}
	return out, nil
}

func sumValue(v any) (float64, error) {
	if storage.IsNull(v) {
		return 0, nil
	}
	return storage.Float64(v)
}

// Want selects which probabilities ComputeProportions normalizes.
type Want uint8

const (
	WantM Want = 1 << iota
	WantU
)

// Proportions is the M-step result.
type Proportions struct {
	// Records holds one entry per observed non-null level with normalized
	// probabilities. Only the requested kinds are filled.
	Records []model.ParameterRecord
	// Lambda is m/(m+u) over the lambda row, or 0 when it is absent.
	Lambda float64
}

// ComputeProportions normalizes counts per comparison across non-null levels
// (comparison vector value != -1). The lambda row is split off.
//
// Errors:
//   - *EstimationError when a comparison's non-null counts sum to zero for a
//     requested kind.
func ComputeProportions(records []model.ParameterRecord, want Want) (Proportions, error) {
	var out Proportions
	type totals struct{ m, u float64 }
	sums := map[string]*totals{}
	var order []string

	for _, r := range records {
		if r.OutputColumnName == model.LambdaColumnName {
			if d := r.MCount + r.UCount; d > 0 {
				out.Lambda = r.MCount / d
			}
			continue
		}
		if r.VectorValue == model.NullVectorValue {
			continue
		}
		t, ok := sums[r.OutputColumnName]
		if !ok {
			t = &totals{}
			sums[r.OutputColumnName] = t
			order = append(order, r.OutputColumnName)
		}
		t.m += r.MCount
		t.u += r.UCount
	}

	for _, name := range order {
		t := sums[name]
		if want&WantM != 0 && t.m <= 0 {
			return Proportions{}, &EstimationError{Comparison: name, Kind: model.KindM, Err: ErrNoObservations}
		}
		if want&WantU != 0 && t.u <= 0 {
			return Proportions{}, &EstimationError{Comparison: name, Kind: model.KindU, Err: ErrNoObservations}
		}
	}

	for _, r := range records {
		if r.OutputColumnName == model.LambdaColumnName || r.VectorValue == model.NullVectorValue {
			continue
		}
		t := sums[r.OutputColumnName]
		if want&WantM != 0 {
			r.MProbability = r.MCount / t.m
		}
		if want&WantU != 0 {
			r.UProbability = r.UCount / t.u
		}
		out.Records = append(out.Records, r)
	}
	return out, nil
}

// missingComparisons lists comparisons of s with no non-null record at all,
// which ComputeProportions cannot see.
func missingComparisons(s model.Settings, records []model.ParameterRecord) []string {
	seen := map[string]bool{}
	for _, r := range records {
		if r.VectorValue != model.NullVectorValue {
			seen[r.OutputColumnName] = true
		}
	}
	var out []string
	for _, c := range s.Comparisons {
		if !seen[c.OutputColumnName] {
			out = append(out, c.OutputColumnName)
		}
	}
	return out
}
