// Package cluster groups scored record pairs into connected components.
//
// Two solvers share one contract: nodes end up in the same cluster iff they are
// connected by edges at or above the threshold, every node (including isolated
// ones) belongs to exactly one cluster, and a cluster's id is its smallest
// member id.
//
//   - Components / MemorySolver run union-find over an arena of node indices.
//   - SQLSolver propagates minimum representatives through the executor, one
//     pipeline per iteration, for graphs that do not fit in memory.
package cluster

import (
	"cmp"
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"strings"
	"time"

	"linkage/internal/model"
	"linkage/internal/storage"
)

var (
	// ErrUnknownNode is returned when an edge references a node id missing from
	// the node set and Options.AdmitUnknownNodes is false.
	ErrUnknownNode = errors.New("edge references unknown node")

	// ErrNotConverged is returned when SQLSolver hits its iteration cap.
	ErrNotConverged = errors.New("connected components did not converge")
)

// DefaultMaxIterations caps SQLSolver iterations. Min-propagation with pointer
// jumping needs O(log diameter) rounds, so hitting this means a backend bug.
const DefaultMaxIterations = 1000

// NodeID identifies a node.
type NodeID string

// CompareNodeIDs orders node ids: canonical integers (storage.CanonicalInt)
// come first, by value, then every other id bytewise. It is a total order,
// and each backend ranks ids the same way through Dialect.IDOrderSQL, so
// MemorySolver and SQLSolver pick the same minimum.
func CompareNodeIDs(a, b NodeID) int {
	ai, aInt := storage.CanonicalInt(string(a))
	bi, bInt := storage.CanonicalInt(string(b))
	switch {
	case aInt && bInt:
		return cmp.Compare(ai, bi)
	case aInt:
		return -1
	case bInt:
		return 1
	}
	return strings.Compare(string(a), string(b))
}

// Edge is a scored pair. Direction is irrelevant.
type Edge struct {
	Left             NodeID
	Right            NodeID
	MatchProbability float64
}

// Assignment places a node in a cluster.
type Assignment struct {
	ClusterID NodeID
	NodeID    NodeID
}

// Logger is the minimal logging interface used by the solvers.
// *log.Logger satisfies this interface.
type Logger interface {
	Printf(format string, v ...any)
}

// Options configures clustering.
type Options struct {
	// ThresholdMatchProbability keeps edges with match_probability >= it.
	ThresholdMatchProbability *float64

	// ThresholdMatchWeight is the same threshold in match-weight units,
	// converted with p = 2^w / (1 + 2^w). Mutually exclusive with
	// ThresholdMatchProbability.
	ThresholdMatchWeight *float64

	// AdmitUnknownNodes adds edge endpoints missing from the node set as
	// nodes instead of failing with ErrUnknownNode.
	AdmitUnknownNodes bool

	Logger Logger
}

// Threshold resolves the effective probability threshold. ok is false when
// no threshold is set and every edge counts.
//
// Errors:
//   - model.ErrConfiguration when both thresholds are set, or a probability
//     threshold lies outside [0,1].
func (o Options) Threshold() (p float64, ok bool, err error) {
	switch {
	case o.ThresholdMatchProbability != nil && o.ThresholdMatchWeight != nil:
		return 0, false, fmt.Errorf("%w: threshold_match_probability and threshold_match_weight are both set. Please specify only one",
			model.ErrConfiguration)
	case o.ThresholdMatchWeight != nil:
		w := *o.ThresholdMatchWeight
		if math.IsNaN(w) {
			return 0, false, fmt.Errorf("%w: threshold_match_weight is NaN", model.ErrConfiguration)
		}
		return model.MatchWeightToProbability(w), true, nil
	case o.ThresholdMatchProbability != nil:
		p := *o.ThresholdMatchProbability
		if !(p >= 0 && p <= 1) {
			return 0, false, fmt.Errorf("%w: threshold_match_probability must be in [0,1], got %v",
				model.ErrConfiguration, p)
		}
		return p, true, nil
	}
	return 0, false, nil
}

func (o Options) logf() func(format string, v ...any) {
	if o.Logger == nil {
		return log.New(io.Discard, "", 0).Printf
	}
	return o.Logger.Printf
}

func durMS(start time.Time) time.Duration { return time.Since(start).Truncate(time.Millisecond) }
