package query

import (
	"math"

	"github.com/amalgam/sbfds/pkg/cell"
	"github.com/amalgam/sbfds/pkg/codegraph"
	"github.com/amalgam/sbfds/pkg/column"
	"github.com/amalgam/sbfds/pkg/conviction"
	"github.com/amalgam/sbfds/pkg/distance"
	"github.com/amalgam/sbfds/pkg/indexset"
	"github.com/amalgam/sbfds/pkg/intern"
	"github.com/amalgam/sbfds/pkg/knn"
	"github.com/amalgam/sbfds/pkg/matrix"
	"github.com/amalgam/sbfds/pkg/randstream"
)

// Env is the execution environment handed to the pipeline: the matrix
// snapshot (columns already materialized for every referenced label by the
// cache layer), the intern pool, and the code graph.
type Env struct {
	Matrix *matrix.Matrix
	Pool   *intern.Pool
	Graph  *codegraph.Manager
}

// columnFor resolves a label string to its materialized column, if any.
func (e *Env) columnFor(label string) (int, *column.Data, bool) {
	id, ok := e.Pool.Lookup(label)
	if !ok {
		return 0, nil, false
	}
	c, ok := e.Matrix.ColumnForLabel(id)
	if !ok {
		return 0, nil, false
	}
	return c, e.Matrix.Column(c), true
}

// entityWeight reads an entity's weight from the weight column, defaulting
// to 1 for entities without a finite numeric weight.
func (e *Env) entityWeight(weightCol int, entity int) float64 {
	if weightCol < 0 {
		return 1
	}
	v := e.Matrix.At(entity, weightCol)
	if v.Type == cell.Number && !math.IsNaN(v.Number) && !math.IsInf(v.Number, 0) {
		return v.Number
	}
	return 1
}

// Budget is the remaining-step budget a query carries (spec.md §5). A zero
// or negative initial value means unlimited.
type Budget struct {
	remaining int64
	unlimited bool
	exhausted bool
}

// NewBudget creates a budget of at most steps condition/candidate steps.
func NewBudget(steps int64) *Budget {
	return &Budget{remaining: steps, unlimited: steps <= 0}
}

// Step consumes one unit, reporting false once the budget is spent.
func (b *Budget) Step() bool {
	if b.unlimited {
		return true
	}
	if b.remaining <= 0 {
		b.exhausted = true
		return false
	}
	b.remaining--
	return true
}

// Exhausted reports whether the budget ran out at any point.
func (b *Budget) Exhausted() bool { return b.exhausted }

// ValueMass is one bucket of a VALUE_MASSES histogram.
type ValueMass struct {
	Value cell.Value
	Mass  float64
}

// Result carries whichever outputs the final compute condition produced,
// plus the terminal matching-entity set.
type Result struct {
	Entities  []int
	Distances []knn.Result
	Scalar    float64
	HasScalar bool
	Value     cell.Value
	HasValue  bool
	Masses    []ValueMass

	// Exhausted is set when the step budget ran out and the result is
	// partial (spec.md §7 resource exhaustion).
	Exhausted bool
}

// Execute reduces conds against the environment. Invalid conditions degrade
// per spec.md §7: a filter empties the matching set, a statistic is
// skipped. The only hard errors are an empty condition list and the
// unsupported p=0 distance path.
func Execute(env *Env, conds []Condition, budget *Budget, scratch *knn.Scratch) (*Result, error) {
	if len(conds) == 0 {
		return nil, ErrNoConditions
	}
	if budget == nil {
		budget = NewBudget(0)
	}
	conds = coalesce(conds)

	n := env.Matrix.NumEntities()
	matching := indexset.New(n)
	for i := 0; i < n; i++ {
		matching.Insert(i)
	}

	res := &Result{}
	isFirst := true
	for i := range conds {
		if !budget.Step() {
			res.Exhausted = true
			break
		}
		c := &conds[i]
		normalizeRange(c)

		var err error
		switch c.Op {
		case OpExists, OpNotExists:
			env.applyExists(c, matching)
		case OpEquals, OpNotEquals:
			env.applyEquals(c, matching)
		case OpBetween, OpNotBetween:
			env.applyBetween(c, matching)
		case OpAmong, OpNotAmong:
			env.applyAmong(c, matching)
		case OpMin, OpMax:
			env.applyMinMax(c, matching, isFirst)
		case OpInEntityList:
			keep := indexset.New(n)
			for _, e := range c.Entities {
				if matching.Contains(e) {
					keep.Insert(e)
				}
			}
			*matching = *keep
		case OpNotInEntityList:
			for _, e := range c.Entities {
				matching.Erase(e)
			}
		case OpSelect, OpSample, OpWeightedSample:
			env.applySampling(c, matching, res)
		case OpSum, OpMode, OpQuantile, OpGeneralizedMean, OpValueMasses,
			OpMinDifference, OpMaxDifference:
			env.applyStatistic(c, matching, isFirst, res)
		case OpNearest, OpWithinDistance:
			err = env.applyDistance(c, matching, budget, scratch, res)
		case OpConvictions, OpKLDivergences, OpGroupKLDivergence, OpDistanceContributions:
			err = env.applyConviction(c, matching, budget, scratch, res)
		default:
			// Unknown condition: degrades to null.
			if c.isFilter() {
				matching.Clear()
			}
		}
		if err == ErrMissingDistanceTag {
			// A distance condition without features is invalid and
			// degrades to null like any other invalid condition.
			if c.isFilter() {
				matching.Clear()
			}
			err = nil
		}
		if err != nil {
			return nil, err
		}
		if budget.Exhausted() {
			res.Exhausted = true
			break
		}
		isFirst = false
	}

	if res.Entities == nil {
		res.Entities = matching.ToSlice()
	}
	return res, nil
}

// existsSet collects every entity that carries a non-invalid value in col.
func existsSet(col *column.Data, out *indexset.Set) {
	col.NumberIndices().Iterate(func(e int) { out.Insert(e) })
	col.NaNIndices().Iterate(func(e int) { out.Insert(e) })
	col.StringIDIndices().Iterate(func(e int) { out.Insert(e) })
	col.CodeIndices().Iterate(func(e int) { out.Insert(e) })
	col.NullIndices().Iterate(func(e int) { out.Insert(e) })
}

func (env *Env) applyExists(c *Condition, matching *indexset.Set) {
	pairs := c.Pairs
	if len(pairs) == 0 && c.Label != "" {
		pairs = []ValuePair{{Label: c.Label}}
	}
	for _, p := range pairs {
		_, col, ok := env.columnFor(p.Label)
		if !ok {
			// Nobody carries the label.
			if c.Op == OpExists {
				matching.Clear()
			}
			continue
		}
		has := indexset.New(env.Matrix.NumEntities())
		existsSet(col, has)
		if c.Op == OpExists {
			indexset.IntersectTo(matching, has, matching)
		} else {
			indexset.EraseTo(matching, has, matching)
		}
	}
}

func (env *Env) applyEquals(c *Condition, matching *indexset.Set) {
	pairs := c.Pairs
	if len(pairs) == 0 && c.Label != "" {
		pairs = []ValuePair{{Label: c.Label, Value: c.LowValue}}
	}
	for _, p := range pairs {
		_, col, ok := env.columnFor(p.Label)
		if !ok {
			if c.Op == OpEquals {
				matching.Clear()
			}
			continue
		}
		equal := indexset.New(env.Matrix.NumEntities())
		col.UnionAllWithValue(p.Value, equal)
		if c.Op == OpEquals {
			indexset.IntersectTo(matching, equal, matching)
		} else {
			// NOT_EQUALS keeps entities that carry the label with a
			// different value.
			has := indexset.New(env.Matrix.NumEntities())
			existsSet(col, has)
			indexset.EraseTo(has, equal, has)
			indexset.IntersectTo(matching, has, matching)
		}
	}
}

func (env *Env) applyBetween(c *Condition, matching *indexset.Set) {
	_, col, ok := env.columnFor(c.Label)
	if !ok || c.Label == "" {
		matching.Clear()
		return
	}
	within := indexset.New(env.Matrix.NumEntities())
	switch {
	case c.LowValue.Type == cell.Number && c.HighValue.Type == cell.Number:
		// Mixed-type columns range-match only the numeric subset; string
		// and code values never satisfy a numeric BETWEEN.
		col.FindAllWithinNumeric(c.LowValue.Number, c.HighValue.Number, c.LowInclusive, c.HighInclusive, within)
	case c.LowValue.Type == cell.StringID && c.HighValue.Type == cell.StringID:
		col.FindAllWithinString(env.Pool, env.Pool.Get(c.LowValue.StringID), env.Pool.Get(c.HighValue.StringID),
			c.LowInclusive, c.HighInclusive, within)
	default:
		// Mismatched bound types: invalid condition, degrades to null.
		matching.Clear()
		return
	}
	if c.Op == OpBetween {
		indexset.IntersectTo(matching, within, matching)
	} else {
		// NOT_BETWEEN keeps value-carrying entities outside the range.
		var has *indexset.Set = indexset.New(env.Matrix.NumEntities())
		if c.LowValue.Type == cell.Number {
			col.NumberIndices().Iterate(func(e int) { has.Insert(e) })
		} else {
			col.StringIDIndices().Iterate(func(e int) { has.Insert(e) })
		}
		indexset.EraseTo(has, within, has)
		indexset.IntersectTo(matching, has, matching)
	}
}

func (env *Env) applyAmong(c *Condition, matching *indexset.Set) {
	_, col, ok := env.columnFor(c.Label)
	if !ok || len(c.Values) == 0 {
		if c.Op == OpAmong {
			matching.Clear()
		}
		return
	}
	member := indexset.New(env.Matrix.NumEntities())
	for _, v := range c.Values {
		col.UnionAllWithValue(v, member)
	}
	if c.Op == OpAmong {
		indexset.IntersectTo(matching, member, matching)
	} else {
		has := indexset.New(env.Matrix.NumEntities())
		existsSet(col, has)
		indexset.EraseTo(has, member, has)
		indexset.IntersectTo(matching, has, matching)
	}
}

func (env *Env) applyMinMax(c *Condition, matching *indexset.Set, isFirst bool) {
	_, col, ok := env.columnFor(c.Label)
	if !ok {
		matching.Clear()
		return
	}
	k := c.K
	if k <= 0 {
		k = 1
	}
	enabled := matching
	if isFirst {
		enabled = nil
	}
	out := indexset.New(env.Matrix.NumEntities())
	col.FindMinMax(k, c.Op == OpMax, enabled, out)
	*matching = *out
}

// buildDistanceSearch assembles the knn.Search for a distance or conviction
// condition: feature/column binding, precision mapping, the unknown-value
// closure, and the auto-EXISTS narrowing of the enabled set for every
// queried feature (spec.md §4.7, E5).
func (env *Env) buildDistanceSearch(c *Condition, matching *indexset.Set, budget *Budget) (*knn.Search, *indexset.Set, *randstream.Stream, error) {
	if c.PValue == 0 {
		return nil, nil, nil, ErrUnsupportedPValue
	}
	if len(c.Features) == 0 {
		return nil, nil, nil, ErrMissingDistanceTag
	}

	enabled := matching.Clone()
	params := &distance.Params{
		PValue: c.PValue,
		Pool:   env.Pool,
		Graph:  env.Graph,
	}
	switch c.Precision {
	case "precise":
		params.HighAccuracy = true
	case "fast":
		// Fast approximations all the way through.
	default:
		params.RecomputeAccurate = true
	}

	var features []knn.Feature
	var cols []*column.Data
	for _, spec := range c.Features {
		if spec.Weight == 0 && len(c.Features) > 1 {
			// Weight 0 disables the feature entirely (spec.md §3); it
			// must not affect results, so it is not bound at all.
			continue
		}
		colIdx, col, ok := env.columnFor(spec.Label)
		if !ok {
			// Missing column: the feature degrades to a "not present"
			// constraint AND-ed into the query (spec.md §4.7 failure
			// modes), which no entity satisfies.
			enabled.Clear()
			continue
		}
		// Auto-EXISTS: entities without the label cannot participate.
		lacking := col.InvalidIndices()
		indexset.EraseTo(enabled, lacking, enabled)

		k2u, u2u := spec.KnownToUnknown, spec.UnknownToUnknown
		params.Features = append(params.Features, distance.FeatureParams{
			Weight:             spec.Weight,
			Type:               spec.Type,
			Deviation:          spec.Deviation,
			KnownToUnknown:     k2u,
			UnknownToUnknown:   u2u,
			CycleRange:         spec.CycleRange,
			NominalCardinality: spec.NominalCardinality,
		})
		features = append(features, knn.Feature{Column: colIdx, Target: spec.Target})
		cols = append(cols, col)
	}
	params.PrecomputeTerms()
	params.ResolveUnknownTerms(cols)

	if c.HasExclusion {
		enabled.Erase(c.ExclusionEntity)
	}

	search := &knn.Search{
		Matrix:    env.Matrix,
		Params:    params,
		Features:  features,
		StepCheck: budget.Step,
	}
	return search, enabled, randstream.NewFromSeedString(c.Seed), nil
}

func (env *Env) applyDistance(c *Condition, matching *indexset.Set, budget *Budget, scratch *knn.Scratch, res *Result) error {
	search, enabled, stream, err := env.buildDistanceSearch(c, matching, budget)
	if err != nil {
		return err
	}

	var results []knn.Result
	if c.Op == OpNearest {
		k := c.K
		if k <= 0 {
			k = 1
		}
		results = search.FindNearest(enabled, k, stream, scratch)
	} else {
		results = search.FindWithin(enabled, c.MaxDist, stream, scratch)
	}

	res.Distances = results
	matching.Clear()
	for _, r := range results {
		matching.Insert(r.Entity)
	}
	return nil
}

func (env *Env) applyConviction(c *Condition, matching *indexset.Set, budget *Budget, scratch *knn.Scratch, res *Result) error {
	search, enabled, stream, err := env.buildDistanceSearch(c, matching, budget)
	if err != nil {
		return err
	}

	weightCol := -1
	if c.WeightLabel != "" {
		if wc, _, ok := env.columnFor(c.WeightLabel); ok {
			weightCol = wc
		}
	}
	k := c.K
	if k <= 0 {
		k = 1
	}

	proc := conviction.NewProcessor(search, enabled, k, stream, scratch)
	proc.TransformExponent = c.TransformExponent
	proc.SurprisalToProb = c.SurprisalToProb
	proc.EntityWeight = func(e int) float64 { return env.entityWeight(weightCol, e) }

	// Targets: the condition's subset when supplied, otherwise everything
	// matching; result ids are the subset's or global respectively
	// (spec.md §4.9).
	targets := c.Entities
	if len(targets) == 0 {
		targets = enabled.ToSlice()
	}

	switch c.Op {
	case OpConvictions:
		vals := proc.CaseConvictions(targets, c.ConvictionOfRemoval)
		res.Distances = pairUp(targets, vals)
	case OpKLDivergences:
		vals := proc.CaseKLDivergences(targets, c.UseLog, c.ConvictionOfRemoval)
		res.Distances = pairUp(targets, vals)
	case OpGroupKLDivergence:
		group := indexset.New(env.Matrix.NumEntities())
		for _, e := range targets {
			group.Insert(e)
		}
		div := proc.GroupKLDivergence(group, c.ConvictionOfRemoval)
		// When the group is the entire matching set the original returns
		// the single element [(divergence, 0)]; the 0 is a sentinel id,
		// not entity 0.
		res.Distances = []knn.Result{{Entity: 0, Distance: div}}
		res.Scalar = div
		res.HasScalar = true
	case OpDistanceContributions:
		vals := proc.DistanceContributions(targets)
		res.Distances = pairUp(targets, vals)
	}
	return nil
}

func pairUp(entities []int, values []float64) []knn.Result {
	out := make([]knn.Result, len(entities))
	for i := range entities {
		out[i] = knn.Result{Entity: entities[i], Distance: values[i]}
	}
	return out
}
