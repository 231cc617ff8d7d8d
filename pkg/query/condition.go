// Package query implements the condition pipeline of spec.md §4.8: an
// ordered list of conditions reduced against a running matching-entity set,
// dispatching to column predicates, statistics, sampling, and the distance
// engine.
package query

import (
	"errors"
	"math"

	"github.com/amalgam/sbfds/pkg/cell"
	"github.com/amalgam/sbfds/pkg/distance"
)

// Op enumerates the condition types.
type Op int

const (
	OpExists Op = iota
	OpNotExists
	OpEquals
	OpNotEquals
	OpBetween
	OpNotBetween
	OpAmong
	OpNotAmong
	OpGreaterOrEqual
	OpLessOrEqual
	OpMin
	OpMax
	OpSum
	OpMode
	OpQuantile
	OpGeneralizedMean
	OpValueMasses
	OpMinDifference
	OpMaxDifference
	OpSelect
	OpSample
	OpWeightedSample
	OpWithinDistance
	OpNearest
	OpConvictions
	OpKLDivergences
	OpGroupKLDivergence
	OpDistanceContributions
	OpInEntityList
	OpNotInEntityList
)

// Errors of the pipeline. Execute returns only ErrNoConditions and
// ErrUnsupportedPValue. Budget exhaustion is reported through
// Result.Exhausted, with whatever had been computed when the budget ran
// out; a distance condition without features (ErrMissingDistanceTag)
// degrades to null inside Execute. ErrBudgetExhausted and ErrMissingLabel
// are not returned by Execute.
var (
	ErrBudgetExhausted    = errors.New("query: step budget exhausted")
	ErrUnsupportedPValue  = errors.New("query: p value of 0 is not supported by the accelerated distance path")
	ErrNoConditions       = errors.New("query: empty condition list")
	ErrMissingLabel       = errors.New("query: condition missing required label")
	ErrMissingDistanceTag = errors.New("query: distance condition requires feature parameters")
)

// ValuePair is one coalesced (label, value) element of an equality or
// existence condition.
type ValuePair struct {
	Label string
	Value cell.Value
}

// FeatureSpec carries the per-feature distance parameters as they arrive in
// a query request (spec.md §6). KnownToUnknown/UnknownToUnknown default to
// NaN, meaning "derive from the column".
type FeatureSpec struct {
	Label              string
	Weight             float64
	Type               distance.FeatureType
	Deviation          float64
	KnownToUnknown     float64
	UnknownToUnknown   float64
	CycleRange         float64
	NominalCardinality float64
	Target             cell.Value
}

// NewFeatureSpec fills the NaN defaults so zero-valued literals keep their
// meaning.
func NewFeatureSpec(label string, weight float64, ftype distance.FeatureType, target cell.Value) FeatureSpec {
	return FeatureSpec{
		Label:            label,
		Weight:           weight,
		Type:             ftype,
		KnownToUnknown:   math.NaN(),
		UnknownToUnknown: math.NaN(),
		Target:           target,
	}
}

// Condition is one tagged step of the pipeline. Only the fields relevant to
// Op are read; wrong-arity or missing-parameter conditions degrade to null
// per spec.md §7.
type Condition struct {
	Op Op

	// Single-label predicates and statistics.
	Label string

	// Coalesced multi-label forms (EXISTS/EQUALS chains).
	Pairs []ValuePair

	// Range bounds for BETWEEN and friends.
	LowValue      cell.Value
	HighValue     cell.Value
	LowInclusive  bool
	HighInclusive bool

	// AMONG / NOT_AMONG membership list.
	Values []cell.Value

	// K is top_k for nearest queries, the walk count for MIN/MAX, the
	// count for SELECT/SAMPLE, and the neighbor count for conviction ops.
	K      int
	Offset int

	// Statistic parameters.
	Quantile float64
	MeanP    float64

	// Distance query parameters.
	Features  []FeatureSpec
	PValue    float64
	MaxDist   float64
	Precision string // "precise", "fast", or "" (fast + recompute survivors)

	// Conviction parameters.
	TransformExponent   float64
	SurprisalToProb     bool
	ConvictionOfRemoval bool
	UseLog              bool
	WeightLabel         string

	// Seed for any sampling or tie-breaking this condition performs.
	Seed string

	// Entity-list conditions, and the folded single-entity exclusion for
	// nearest queries.
	Entities        []int
	ExclusionEntity int
	HasExclusion    bool
}

// isFilter reports whether the condition constrains the matching set (so an
// invalid instance must empty it) as opposed to producing a value (so an
// invalid instance is skipped).
func (c *Condition) isFilter() bool {
	switch c.Op {
	case OpSum, OpMode, OpQuantile, OpGeneralizedMean, OpValueMasses,
		OpMinDifference, OpMaxDifference,
		OpConvictions, OpKLDivergences, OpGroupKLDivergence, OpDistanceContributions:
		return false
	}
	return true
}

// labels returns every label the condition references, for cache
// materialization.
func (c *Condition) labels() []string {
	var out []string
	if c.Label != "" {
		out = append(out, c.Label)
	}
	for _, p := range c.Pairs {
		out = append(out, p.Label)
	}
	for _, f := range c.Features {
		out = append(out, f.Label)
	}
	if c.WeightLabel != "" {
		out = append(out, c.WeightLabel)
	}
	return out
}

// CollectLabels returns the union of labels referenced by conds, in first-
// reference order. The cache layer materializes these before execution
// (spec.md §2 data flow).
func CollectLabels(conds []Condition) []string {
	seen := make(map[string]bool)
	var out []string
	for i := range conds {
		for _, l := range conds[i].labels() {
			if !seen[l] {
				seen[l] = true
				out = append(out, l)
			}
		}
	}
	return out
}

// coalesce merges runs of compatible conditions into single multi-pair
// conditions and folds a single-entity NOT_IN_ENTITY_LIST into an
// immediately following nearest-distance condition's exclusion slot
// (spec.md §4.8 condition coalescing).
func coalesce(conds []Condition) []Condition {
	out := make([]Condition, 0, len(conds))
	for i := 0; i < len(conds); i++ {
		c := conds[i]

		// Fold: NOT_IN_ENTITY_LIST of one entity directly before a
		// nearest query becomes that query's exclusion.
		if c.Op == OpNotInEntityList && len(c.Entities) == 1 && i+1 < len(conds) {
			next := conds[i+1]
			if next.Op == OpNearest || next.Op == OpWithinDistance {
				next.ExclusionEntity = c.Entities[0]
				next.HasExclusion = true
				out = append(out, next)
				i++
				continue
			}
		}

		// Merge runs of single-label EQUALS / NOT_EQUALS / EXISTS /
		// NOT_EXISTS into one multi-pair condition.
		switch c.Op {
		case OpEquals, OpNotEquals:
			if c.Label != "" {
				c.Pairs = append(c.Pairs, ValuePair{Label: c.Label, Value: c.LowValue})
				c.Label = ""
			}
			for i+1 < len(conds) && conds[i+1].Op == c.Op && conds[i+1].Label != "" {
				c.Pairs = append(c.Pairs, ValuePair{Label: conds[i+1].Label, Value: conds[i+1].LowValue})
				i++
			}
		case OpExists, OpNotExists:
			if c.Label != "" {
				c.Pairs = append(c.Pairs, ValuePair{Label: c.Label})
				c.Label = ""
			}
			for i+1 < len(conds) && conds[i+1].Op == c.Op && conds[i+1].Label != "" {
				c.Pairs = append(c.Pairs, ValuePair{Label: conds[i+1].Label})
				i++
			}
		}
		out = append(out, c)
	}
	return out
}

// normalizeRange rewrites >= and <= to BETWEEN with an infinite opposite
// bound (spec.md §4.8).
func normalizeRange(c *Condition) {
	switch c.Op {
	case OpGreaterOrEqual:
		c.Op = OpBetween
		c.HighValue = cell.NewNumber(math.Inf(1))
		c.LowInclusive = true
		c.HighInclusive = true
	case OpLessOrEqual:
		c.Op = OpBetween
		c.HighValue = c.LowValue
		c.LowValue = cell.NewNumber(math.Inf(-1))
		c.LowInclusive = true
		c.HighInclusive = true
	}
}
