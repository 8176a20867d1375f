package estimate

import (
	"fmt"
	"math"

	"linkage/internal/model"
)

// SamplePlan is the outcome of sizing a random sample for u estimation.
type SamplePlan struct {
	// Proportion of input rows to keep, in (0, 1].
	Proportion float64
	// Size is the number of rows to keep, at most the total row count.
	Size int64
	// Skip is true when the whole input is small enough to use as is.
	Skip bool
}

// RowsNeededForPairs returns how many rows produce roughly maxPairs
// unordered pairs: the positive root of n(n-1)/2 = maxPairs.
func RowsNeededForPairs(maxPairs float64) float64 {
	return 0.5 * (math.Sqrt(8*maxPairs+1) + 1)
}

// PlanSample sizes the sample for linkType.
//
// countsBySource holds row counts per source dataset; for dedupe_only and
// link_and_dedupe only their sum matters. For link_only the number of cross
// dataset pairs is ((Σn)^2 - Σn^2)/2 and the proportion is its square-root
// ratio to maxPairs, since pairs grow with the square of the sample.
//
// Errors:
//   - maxPairs <= 0, or an empty input, is a configuration error.
//   - link_only inputs with no cross dataset pairs (a single dataset) are a
//     configuration error.
func PlanSample(linkType model.LinkType, countsBySource []int64, maxPairs float64) (SamplePlan, error) {
	if maxPairs <= 0 {
		return SamplePlan{}, fmt.Errorf("%w: max_pairs must be positive, got %v", model.ErrConfiguration, maxPairs)
	}
	var total, sumSquares float64
	for _, n := range countsBySource {
		total += float64(n)
		sumSquares += float64(n) * float64(n)
	}
	if total <= 0 {
		return SamplePlan{}, fmt.Errorf("%w: no input rows to sample", model.ErrConfiguration)
	}

	var proportion float64
	switch linkType {
	case model.LinkOnly:
		totalLinks := (total*total - sumSquares) / 2
		if totalLinks <= 0 {
			return SamplePlan{}, fmt.Errorf("%w: link_only needs at least two non-empty source datasets",
				model.ErrConfiguration)
		}
		proportion = math.Sqrt(maxPairs / totalLinks)
	case model.DedupeOnly, model.LinkAndDedupe:
		proportion = RowsNeededForPairs(maxPairs) / total
	default:
		return SamplePlan{}, fmt.Errorf("%w: unknown link type %q", model.ErrConfiguration, linkType)
	}

	if proportion >= 1 {
		return SamplePlan{Proportion: 1, Size: int64(total), Skip: true}, nil
	}
	size := int64(math.Round(proportion * total))
	if size > int64(total) {
		size = int64(total)
	}
	if size < 1 {
		size = 1
	}
	return SamplePlan{Proportion: proportion, Size: size}, nil
}
