// Package predict scores comparison vectors into match weights and match
// probabilities, and runs the full prediction flow: concatenate inputs, block
// with the configured rules, compute comparison vectors, score.
package predict

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"linkage/internal/model"
	"linkage/internal/pipeline"
	"linkage/internal/storage"
)

// Output columns added by scoring.
const (
	MatchWeightColumn      = "match_weight"
	MatchOddsColumn        = "match_odds"
	MatchProbabilityColumn = "match_probability"
)

// MaxScoredComparisons bounds the number of Bayes factors multiplied in one
// row. With factors clamped to [1e-12, 1e12], 25 of them stay inside the
// double range, so no backend overflows.
const MaxScoredComparisons = 25

// ScoreSteps renders two steps over vectorsTable. The first adds match_weight
// (log2 of the posterior odds, summed from precomputed literals) and
// match_odds; the second, named outputName, adds match_probability.
//
// Levels without both m and u contribute a Bayes factor of 1, as does the
// null level. No logarithm or power function is needed in SQL.
func ScoreSteps(s model.Settings, vectorsTable, outputName string) ([]pipeline.Step, error) {
	if len(s.Comparisons) > MaxScoredComparisons {
		return nil, fmt.Errorf("%w: %d comparisons exceed the scoring limit of %d",
			model.ErrConfiguration, len(s.Comparisons), MaxScoredComparisons)
	}
	lambda := s.ProbabilityTwoRandomRecordsMatch
	if lambda <= 0 || lambda >= 1 {
		return nil, fmt.Errorf("%w: probability_two_random_records_match must be in (0,1), got %v",
			model.ErrConfiguration, lambda)
	}

	priorOdds := model.ProbabilityToBayesFactor(lambda)
	weightTerms := []string{storage.FormatFloat(model.ProbabilityToMatchWeight(lambda))}
	oddsTerms := []string{storage.FormatFloat(priorOdds)}
	for _, c := range s.Comparisons {
		w, o := bayesFactorCases(c)
		if w == "" {
			continue
		}
		weightTerms = append(weightTerms, w)
		oddsTerms = append(oddsTerms, o)
	}

	oddsName := outputName + "_odds"
	return []pipeline.Step{
		{
			SQL: fmt.Sprintf("select *,\n%s as %s,\nCAST(%s AS FLOAT) as %s\nfrom %s",
				strings.Join(weightTerms, "\n + "), MatchWeightColumn,
				strings.Join(oddsTerms, "\n * "), MatchOddsColumn,
				vectorsTable),
			OutputName: oddsName,
		},
		{
			SQL: fmt.Sprintf("select *, %s / (1 + %s) as %s\nfrom %s",
				MatchOddsColumn, MatchOddsColumn, MatchProbabilityColumn, oddsName),
			OutputName: outputName,
		},
	}, nil
}

// bayesFactorCases renders the per-comparison weight and Bayes factor CASE
// expressions. Both are empty when no level has a usable Bayes factor.
func bayesFactorCases(c model.Comparison) (weight, odds string) {
	var wb, ob strings.Builder
	n := 0
	for i, l := range c.Levels {
		if l.IsNullLevel {
			continue
		}
		bf, ok := l.BayesFactor()
		if !ok {
			continue
		}
		v := strconv.Itoa(c.VectorValue(i))
		fmt.Fprintf(&wb, " WHEN %s THEN %s", v, storage.FormatFloat(math.Log2(bf)))
		fmt.Fprintf(&ob, " WHEN %s THEN %s", v, storage.FormatFloat(bf))
		n++
	}
	if n == 0 {
		return "", ""
	}
	col := c.GammaColumn()
	return "(CASE " + col + wb.String() + " ELSE 0 END)",
		"(CASE " + col + ob.String() + " ELSE 1 END)"
}
