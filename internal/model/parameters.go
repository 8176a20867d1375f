package model

import (
	"math"
	"time"
)

// ProbabilityKind distinguishes m from u probabilities.
type ProbabilityKind string

const (
	KindM ProbabilityKind = "m"
	KindU ProbabilityKind = "u"
)

// Provenance descriptions attached to trained values.
const (
	ProvenanceUByRandomSampling = "estimate u by random sampling"
	ProvenanceMByEMPrefix       = "estimate m by EM, blocking on "
	ProvenanceUByEMPrefix       = "estimate u by EM, blocking on "
)

// TrainedValue records one training outcome for a level, for auditability.
type TrainedValue struct {
	Kind        ProbabilityKind `json:"kind" yaml:"kind" toml:"kind"`
	Value       float64         `json:"value" yaml:"value" toml:"value"`
	Description string          `json:"description" yaml:"description" toml:"description"`
	RecordedAt  time.Time       `json:"recorded_at" yaml:"recorded_at" toml:"recorded_at"`
}

// AppendTrained records a trained probability and makes it the level's current
// value. Null levels are left untouched.
func (l *ComparisonLevel) AppendTrained(kind ProbabilityKind, value float64, description string, at time.Time) {
	if l.IsNullLevel {
		return
	}
	l.Trained = append(l.Trained, TrainedValue{
		Kind:        kind,
		Value:       value,
		Description: description,
		RecordedAt:  at.UTC(),
	})
	v := value
	switch kind {
	case KindM:
		l.MProbability = &v
	case KindU:
		l.UProbability = &v
	}
}

// ParameterKey identifies an m/u record: comparison output column and level
// comparison vector value.
type ParameterKey struct {
	OutputColumnName string
	VectorValue      int
}

// ParameterRecord is one row of estimation output.
type ParameterRecord struct {
	OutputColumnName string  `json:"output_column_name"`
	VectorValue      int     `json:"comparison_vector_value"`
	MCount           float64 `json:"m_count"`
	UCount           float64 `json:"u_count"`
	MProbability     float64 `json:"m_probability"`
	UProbability     float64 `json:"u_probability"`
}

// Key returns the lookup key of r.
func (r ParameterRecord) Key() ParameterKey {
	return ParameterKey{OutputColumnName: r.OutputColumnName, VectorValue: r.VectorValue}
}

// LambdaColumnName is the pseudo comparison carrying the lambda counts.
const LambdaColumnName = "_probability_two_random_records_match"

// ParameterLookup indexes records by key.
func ParameterLookup(records []ParameterRecord) map[ParameterKey]ParameterRecord {
	out := make(map[ParameterKey]ParameterRecord, len(records))
	for _, r := range records {
		out[r.Key()] = r
	}
	return out
}

// ProbabilityToBayesFactor converts a probability to odds.
func ProbabilityToBayesFactor(p float64) float64 { return p / (1 - p) }

// BayesFactorToProbability converts odds to a probability.
func BayesFactorToProbability(bf float64) float64 { return bf / (1 + bf) }

// ProbabilityToMatchWeight returns log2(p / (1 - p)).
func ProbabilityToMatchWeight(p float64) float64 { return math.Log2(ProbabilityToBayesFactor(p)) }

// MatchWeightToProbability is the inverse of ProbabilityToMatchWeight.
func MatchWeightToProbability(w float64) float64 {
	bf := math.Exp2(w)
	if math.IsInf(bf, 1) {
		return 1
	}
	return BayesFactorToProbability(bf)
}

// Bayes factor bounds keep products of many levels finite in every backend.
const (
	MinBayesFactor = 1e-12
	MaxBayesFactor = 1e12
)

// BayesFactor returns m/u for the level, clamped to [MinBayesFactor, MaxBayesFactor].
// ok is false when either probability is missing.
func (l ComparisonLevel) BayesFactor() (bf float64, ok bool) {
	if l.MProbability == nil || l.UProbability == nil {
		return 0, false
	}
	m, u := *l.MProbability, *l.UProbability
	switch {
	case u <= 0:
		return MaxBayesFactor, true
	case m <= 0:
		return MinBayesFactor, true
	}
	return math.Min(MaxBayesFactor, math.Max(MinBayesFactor, m/u)), true
}
