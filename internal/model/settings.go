// Package model holds the comparison configuration consumed by estimation,
// prediction and clustering: link type, comparisons, comparison levels and the
// trained m/u probabilities attached to them.
//
// Settings is a plain value. Code that needs a scratch configuration (for example
// the u sampler, which strips term-frequency adjustments) works on Clone() and
// writes results back to the caller's value explicitly.
package model

import (
	"fmt"
	"strings"
)

// LinkType selects which record pairs are candidates for comparison.
type LinkType string

const (
	DedupeOnly    LinkType = "dedupe_only"
	LinkOnly      LinkType = "link_only"
	LinkAndDedupe LinkType = "link_and_dedupe"
)

const (
	DefaultUniqueIDColumn      = "unique_id"
	DefaultSourceDatasetColumn = "source_dataset"

	// DefaultProbabilityTwoRandomRecordsMatch is the prior (lambda) used when
	// settings do not provide one.
	DefaultProbabilityTwoRandomRecordsMatch = 0.0001
)

// Settings is the comparison configuration of a linkage model.
type Settings struct {
	LinkType            LinkType `json:"link_type" yaml:"link_type" toml:"link_type"`
	UniqueIDColumn      string   `json:"unique_id_column_name" yaml:"unique_id_column_name" toml:"unique_id_column_name"`
	SourceDatasetColumn string   `json:"source_dataset_column_name" yaml:"source_dataset_column_name" toml:"source_dataset_column_name"`

	Comparisons []Comparison `json:"comparisons" yaml:"comparisons" toml:"comparisons"`

	// BlockingRules are SQL join conditions over the aliases l and r, e.g.
	// "l.surname = r.surname". They restrict the pairs scored by prediction.
	BlockingRules []string `json:"blocking_rules_to_generate_predictions" yaml:"blocking_rules_to_generate_predictions" toml:"blocking_rules_to_generate_predictions"`

	ProbabilityTwoRandomRecordsMatch float64 `json:"probability_two_random_records_match" yaml:"probability_two_random_records_match" toml:"probability_two_random_records_match"`
}

// WithDefaults fills empty fields with their defaults.
func (s Settings) WithDefaults() Settings {
	if s.LinkType == "" {
		s.LinkType = DedupeOnly
	}
	if s.UniqueIDColumn == "" {
		s.UniqueIDColumn = DefaultUniqueIDColumn
	}
	if s.SourceDatasetColumn == "" {
		s.SourceDatasetColumn = DefaultSourceDatasetColumn
	}
	if s.ProbabilityTwoRandomRecordsMatch <= 0 {
		s.ProbabilityTwoRandomRecordsMatch = DefaultProbabilityTwoRandomRecordsMatch
	}
	return s
}

// Validate reports structural problems that would make generated SQL invalid.
func (s Settings) Validate() error {
	switch s.LinkType {
	case DedupeOnly, LinkOnly, LinkAndDedupe:
	default:
		return fmt.Errorf("settings: unknown link_type %q", s.LinkType)
	}
	if len(s.Comparisons) == 0 {
		return fmt.Errorf("settings: at least one comparison is required")
	}
	seen := make(map[string]struct{}, len(s.Comparisons))
	for i, c := range s.Comparisons {
		if strings.TrimSpace(c.OutputColumnName) == "" {
			return fmt.Errorf("settings: comparisons[%d]: output_column_name is empty", i)
		}
		if _, dup := seen[c.OutputColumnName]; dup {
			return fmt.Errorf("settings: duplicate comparison %q", c.OutputColumnName)
		}
		seen[c.OutputColumnName] = struct{}{}
		if err := c.validate(); err != nil {
			return err
		}
	}
	if s.ProbabilityTwoRandomRecordsMatch <= 0 || s.ProbabilityTwoRandomRecordsMatch >= 1 {
		return fmt.Errorf("settings: probability_two_random_records_match must be in (0,1), got %v",
			s.ProbabilityTwoRandomRecordsMatch)
	}
	return nil
}

// Clone returns a deep copy. Mutating the copy never affects s.
func (s Settings) Clone() Settings {
	out := s
	out.BlockingRules = append([]string(nil), s.BlockingRules...)
	out.Comparisons = make([]Comparison, len(s.Comparisons))
	for i, c := range s.Comparisons {
		out.Comparisons[i] = c.clone()
	}
	return out
}

// InputColumns returns the distinct input columns referenced by comparisons, in
// first-seen order.
func (s Settings) InputColumns() []string {
	seen := map[string]struct{}{}
	var out []string
	for _, c := range s.Comparisons {
		for _, col := range c.InputColumns {
			if _, ok := seen[col]; ok {
				continue
			}
			seen[col] = struct{}{}
			out = append(out, col)
		}
	}
	return out
}

// Comparison returns the comparison with the given output column name.
func (s *Settings) Comparison(outputColumnName string) (*Comparison, bool) {
	for i := range s.Comparisons {
		if s.Comparisons[i].OutputColumnName == outputColumnName {
			return &s.Comparisons[i], true
		}
	}
	return nil, false
}

// StripTermFrequencyAdjustments clears tf adjustment columns on every level.
func (s *Settings) StripTermFrequencyAdjustments() {
	for i := range s.Comparisons {
		for j := range s.Comparisons[i].Levels {
			s.Comparisons[i].Levels[j].TFAdjustmentColumn = ""
		}
	}
}
