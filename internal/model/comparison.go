package model

import (
	"fmt"
	"strings"
)

// ElseCondition marks the catch-all level of a comparison.
const ElseCondition = "ELSE"

// Comparison is one input-column-group similarity rule split into mutually
// exclusive levels. Levels are declared from most to least similar, with an
// optional null level anywhere in the list.
type Comparison struct {
	OutputColumnName string            `json:"output_column_name" yaml:"output_column_name" toml:"output_column_name"`
	Description      string            `json:"comparison_description,omitempty" yaml:"comparison_description,omitempty" toml:"comparison_description,omitempty"`
	InputColumns     []string          `json:"input_columns" yaml:"input_columns" toml:"input_columns"`
	Levels           []ComparisonLevel `json:"comparison_levels" yaml:"comparison_levels" toml:"comparison_levels"`
}

// ComparisonLevel is a single outcome bucket of a Comparison.
//
// SQLCondition is evaluated against a blocked pair with columns suffixed _l and
// _r (e.g. "first_name_l = first_name_r"). ElseCondition matches anything not
// caught by an earlier level.
type ComparisonLevel struct {
	Label        string `json:"label_for_charts,omitempty" yaml:"label_for_charts,omitempty" toml:"label_for_charts,omitempty"`
	SQLCondition string `json:"sql_condition" yaml:"sql_condition" toml:"sql_condition"`
	IsNullLevel  bool   `json:"is_null_level,omitempty" yaml:"is_null_level,omitempty" toml:"is_null_level,omitempty"`

	MProbability *float64 `json:"m_probability,omitempty" yaml:"m_probability,omitempty" toml:"m_probability,omitempty"`
	UProbability *float64 `json:"u_probability,omitempty" yaml:"u_probability,omitempty" toml:"u_probability,omitempty"`

	// FixMProbability / FixUProbability exclude the level from training updates.
	FixMProbability bool `json:"fix_m_probability,omitempty" yaml:"fix_m_probability,omitempty" toml:"fix_m_probability,omitempty"`
	FixUProbability bool `json:"fix_u_probability,omitempty" yaml:"fix_u_probability,omitempty" toml:"fix_u_probability,omitempty"`

	TFAdjustmentColumn string `json:"tf_adjustment_column,omitempty" yaml:"tf_adjustment_column,omitempty" toml:"tf_adjustment_column,omitempty"`

	Trained []TrainedValue `json:"trained,omitempty" yaml:"trained,omitempty" toml:"trained,omitempty"`
}

// GammaColumn is the comparison-vector column holding this comparison's level.
func (c Comparison) GammaColumn() string { return "gamma_" + c.OutputColumnName }

// NullVectorValue is the comparison vector value of the null level.
const NullVectorValue = -1

// VectorValue returns the comparison vector value of level i: -1 for the null
// level, otherwise the number of non-null levels declared after it. The least
// similar non-null level is therefore 0.
func (c Comparison) VectorValue(i int) int {
	if c.Levels[i].IsNullLevel {
		return NullVectorValue
	}
	n := 0
	for _, l := range c.Levels[i+1:] {
		if !l.IsNullLevel {
			n++
		}
	}
	return n
}

// NonNullLevels returns the indices of levels that carry m/u probabilities.
func (c Comparison) NonNullLevels() []int {
	out := make([]int, 0, len(c.Levels))
	for i, l := range c.Levels {
		if !l.IsNullLevel {
			out = append(out, i)
		}
	}
	return out
}

// LevelByVectorValue returns the level index with comparison vector value v.
func (c Comparison) LevelByVectorValue(v int) (int, bool) {
	for i := range c.Levels {
		if c.VectorValue(i) == v {
			return i, true
		}
	}
	return -1, false
}

// UsesColumn reports whether any input column of c is in cols.
func (c Comparison) UsesColumn(cols map[string]struct{}) bool {
	for _, col := range c.InputColumns {
		if _, ok := cols[strings.ToLower(col)]; ok {
			return true
		}
	}
	return false
}

func (c Comparison) validate() error {
	if len(c.InputColumns) == 0 {
		return fmt.Errorf("settings: comparison %q: input_columns is empty", c.OutputColumnName)
	}
	if len(c.NonNullLevels()) == 0 {
		return fmt.Errorf("settings: comparison %q: needs at least one non-null level", c.OutputColumnName)
	}
	for i, l := range c.Levels {
		if strings.TrimSpace(l.SQLCondition) == "" {
			return fmt.Errorf("settings: comparison %q level %d: sql_condition is empty", c.OutputColumnName, i)
		}
		if l.IsNullLevel && (l.MProbability != nil || l.UProbability != nil) {
			return fmt.Errorf("settings: comparison %q level %d: null level cannot carry m/u probabilities",
				c.OutputColumnName, i)
		}
		if strings.EqualFold(l.SQLCondition, ElseCondition) && i != len(c.Levels)-1 {
			return fmt.Errorf("settings: comparison %q level %d: ELSE must be the last level", c.OutputColumnName, i)
		}
	}
	return nil
}

func (c Comparison) clone() Comparison {
	out := c
	out.InputColumns = append([]string(nil), c.InputColumns...)
	out.Levels = make([]ComparisonLevel, len(c.Levels))
	for i, l := range c.Levels {
		cl := l
		cl.MProbability = clonePtr(l.MProbability)
		cl.UProbability = clonePtr(l.UProbability)
		cl.Trained = append([]TrainedValue(nil), l.Trained...)
		out.Levels[i] = cl
	}
	return out
}

func clonePtr(p *float64) *float64 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// Float returns a pointer to v.
func Float(v float64) *float64 { return &v }
