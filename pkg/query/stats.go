package query

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/amalgam/sbfds/pkg/cell"
	"github.com/amalgam/sbfds/pkg/indexset"
	"github.com/amalgam/sbfds/pkg/intern"
	"github.com/amalgam/sbfds/pkg/randstream"
)

// aliasTableThreshold is the sample count above which weighted sampling
// builds a Walker alias transform instead of repeating the cumulative
// search (spec.md §4.8 sampling).
const aliasTableThreshold = 10

// scopedNumbers collects the finite numeric values (and their entities) of
// the condition's column over the current scope: the matching set, or the
// column's whole numeric population when this is the first condition.
func (env *Env) scopedNumbers(c *Condition, matching *indexset.Set, isFirst bool) (values []float64, entities []int, ok bool) {
	colIdx, col, found := env.columnFor(c.Label)
	if !found {
		return nil, nil, false
	}
	scope := col.NumberIndices()
	if !isFirst {
		tmp := indexset.New(env.Matrix.NumEntities())
		indexset.IntersectTo(matching, col.NumberIndices(), tmp)
		scope = tmp
	}
	scope.Iterate(func(e int) {
		values = append(values, env.Matrix.At(e, colIdx).Number)
		entities = append(entities, e)
	})
	return values, entities, true
}

// applyStatistic computes the condition's scalar (or histogram) over the
// current scope. Statistics never change the matching set; an invalid
// statistic is skipped (spec.md §7).
func (env *Env) applyStatistic(c *Condition, matching *indexset.Set, isFirst bool, res *Result) {
	switch c.Op {
	case OpValueMasses:
		env.applyValueMasses(c, matching, isFirst, res)
		return
	case OpMode:
		env.applyMode(c, matching, isFirst, res)
		return
	}

	values, _, ok := env.scopedNumbers(c, matching, isFirst)
	if !ok || len(values) == 0 {
		return
	}

	switch c.Op {
	case OpSum:
		res.Scalar = floats.Sum(values)
		res.HasScalar = true

	case OpQuantile:
		q := c.Quantile
		if q < 0 || q > 1 || math.IsNaN(q) {
			return
		}
		sort.Float64s(values)
		res.Scalar = stat.Quantile(q, stat.Empirical, values, nil)
		res.HasScalar = true

	case OpGeneralizedMean:
		res.Scalar = generalizedMean(values, c.MeanP)
		res.HasScalar = true

	case OpMinDifference, OpMaxDifference:
		sort.Float64s(values)
		best := math.Inf(1)
		if c.Op == OpMaxDifference {
			best = 0
		}
		found := false
		for i := 1; i < len(values); i++ {
			gap := values[i] - values[i-1]
			if gap == 0 {
				continue
			}
			found = true
			if c.Op == OpMinDifference && gap < best {
				best = gap
			}
			if c.Op == OpMaxDifference && gap > best {
				best = gap
			}
		}
		if !found {
			return
		}
		res.Scalar = best
		res.HasScalar = true
	}
}

// generalizedMean is (mean of x^p)^(1/p), with the standard special cases
// delegated to gonum: p=1 arithmetic, p=0 geometric, p=-1 harmonic.
func generalizedMean(values []float64, p float64) float64 {
	switch p {
	case 1, 0:
		// gonum's GeometricMean operates in log space and handles the
		// p -> 0 limit exactly.
		if p == 1 {
			return stat.Mean(values, nil)
		}
		return stat.GeometricMean(values, nil)
	case -1:
		return stat.HarmonicMean(values, nil)
	}
	sum := 0.0
	for _, v := range values {
		sum += math.Pow(v, p)
	}
	return math.Pow(sum/float64(len(values)), 1/p)
}

// applyMode finds the most frequent value in scope. Numeric modes use
// gonum's Mode over the gathered values; string-valued columns fall back to
// bucket counting over the interned ids. Ties resolve to the smaller value
// so results are deterministic.
func (env *Env) applyMode(c *Condition, matching *indexset.Set, isFirst bool, res *Result) {
	colIdx, col, found := env.columnFor(c.Label)
	if !found {
		return
	}

	values, _, _ := env.scopedNumbers(c, matching, isFirst)
	if len(values) > 0 {
		sort.Float64s(values)
		mode, count := stat.Mode(values, nil)

		// A string bucket can still outnumber the numeric mode in a
		// mixed column.
		if sid, n := env.stringMode(colIdx, col.StringIDIndices(), matching, isFirst); n > int(count) {
			res.Value = cell.NewStringID(sid)
			res.HasValue = true
			return
		}
		res.Scalar = mode
		res.HasScalar = true
		res.Value = cell.NewNumber(mode)
		res.HasValue = true
		return
	}

	if sid, n := env.stringMode(colIdx, col.StringIDIndices(), matching, isFirst); n > 0 {
		res.Value = cell.NewStringID(sid)
		res.HasValue = true
	}
}

func (env *Env) stringMode(colIdx int, stringIndices *indexset.Set, matching *indexset.Set, isFirst bool) (bestID intern.ID, bestCount int) {
	counts := make(map[intern.ID]int)
	stringIndices.Iterate(func(e int) {
		if !isFirst && !matching.Contains(e) {
			return
		}
		counts[env.Matrix.At(e, colIdx).StringID]++
	})
	for id, n := range counts {
		if n > bestCount || (n == bestCount && id < bestID) {
			bestCount = n
			bestID = id
		}
	}
	return bestID, bestCount
}

// applyValueMasses builds the value -> total-weight histogram over scope,
// weighting by the condition's weight column when given (spec.md §4.8).
func (env *Env) applyValueMasses(c *Condition, matching *indexset.Set, isFirst bool, res *Result) {
	colIdx, col, found := env.columnFor(c.Label)
	if !found {
		return
	}
	weightCol := -1
	if c.WeightLabel != "" {
		if wc, _, ok := env.columnFor(c.WeightLabel); ok {
			weightCol = wc
		}
	}

	inScope := func(e int) bool { return isFirst || matching.Contains(e) }

	numberMass := make(map[float64]float64)
	col.NumberIndices().Iterate(func(e int) {
		if inScope(e) {
			numberMass[env.Matrix.At(e, colIdx).Number] += env.entityWeight(weightCol, e)
		}
	})
	stringMass := make(map[intern.ID]float64)
	col.StringIDIndices().Iterate(func(e int) {
		if inScope(e) {
			stringMass[env.Matrix.At(e, colIdx).StringID] += env.entityWeight(weightCol, e)
		}
	})

	masses := make([]ValueMass, 0, len(numberMass)+len(stringMass))
	for v, m := range numberMass {
		masses = append(masses, ValueMass{Value: cell.NewNumber(v), Mass: m})
	}
	for id, m := range stringMass {
		masses = append(masses, ValueMass{Value: cell.NewStringID(id), Mass: m})
	}
	sort.Slice(masses, func(i, j int) bool {
		a, b := masses[i].Value, masses[j].Value
		if a.Type != b.Type {
			return a.Type < b.Type
		}
		if a.Type == cell.Number {
			return a.Number < b.Number
		}
		return a.StringID < b.StringID
	})
	res.Masses = masses
}

// applySampling handles SELECT (offset+count, optionally shuffled),
// SAMPLE (uniform without replacement), and WEIGHTED_SAMPLE (cumulative
// search for small counts, Walker alias transform for large ones).
func (env *Env) applySampling(c *Condition, matching *indexset.Set, res *Result) {
	pool := matching.ToSlice()

	switch c.Op {
	case OpSelect:
		if c.Seed != "" {
			stream := randstream.NewFromSeedString(c.Seed)
			for i := range pool {
				j := i + stream.Intn(len(pool)-i)
				pool[i], pool[j] = pool[j], pool[i]
			}
		}
		start := c.Offset
		if start > len(pool) {
			start = len(pool)
		}
		end := len(pool)
		if c.K > 0 && start+c.K < end {
			end = start + c.K
		}
		picked := pool[start:end]
		matching.Clear()
		for _, e := range picked {
			matching.Insert(e)
		}
		res.Entities = append([]int(nil), picked...)

	case OpSample:
		k := c.K
		if k <= 0 || k > len(pool) {
			k = len(pool)
		}
		stream := randstream.NewFromSeedString(c.Seed)
		for i := 0; i < k; i++ {
			j := i + stream.Intn(len(pool)-i)
			pool[i], pool[j] = pool[j], pool[i]
		}
		picked := pool[:k]
		matching.Clear()
		for _, e := range picked {
			matching.Insert(e)
		}
		res.Entities = append([]int(nil), picked...)

	case OpWeightedSample:
		k := c.K
		if k <= 0 {
			k = 1
		}
		weightCol := -1
		if c.WeightLabel != "" {
			if wc, _, ok := env.columnFor(c.WeightLabel); ok {
				weightCol = wc
			}
		}
		weights := make([]float64, len(pool))
		total := 0.0
		for i, e := range pool {
			w := env.entityWeight(weightCol, e)
			if w < 0 || math.IsNaN(w) {
				w = 0
			}
			weights[i] = w
			total += w
		}
		if total <= 0 || len(pool) == 0 {
			matching.Clear()
			res.Entities = []int{}
			return
		}
		stream := randstream.NewFromSeedString(c.Seed)
		var picked []int
		if k <= aliasTableThreshold {
			picked = sampleCumulative(pool, weights, total, k, stream)
		} else {
			picked = newAliasTable(weights).sample(pool, k, stream)
		}
		matching.Clear()
		for _, e := range picked {
			matching.Insert(e)
		}
		res.Entities = picked
	}
}

// sampleCumulative draws k entities with replacement by walking the
// cumulative weight vector per draw.
func sampleCumulative(pool []int, weights []float64, total float64, k int, stream *randstream.Stream) []int {
	cum := make([]float64, len(weights))
	run := 0.0
	for i, w := range weights {
		run += w
		cum[i] = run
	}
	out := make([]int, k)
	for d := 0; d < k; d++ {
		x := stream.Float64() * total
		i := sort.SearchFloat64s(cum, x)
		if i >= len(pool) {
			i = len(pool) - 1
		}
		out[d] = pool[i]
	}
	return out
}

// aliasTable is the Walker alias method: O(n) build, O(1) per draw.
type aliasTable struct {
	prob  []float64
	alias []int
}

func newAliasTable(weights []float64) *aliasTable {
	n := len(weights)
	t := &aliasTable{prob: make([]float64, n), alias: make([]int, n)}
	total := floats.Sum(weights)
	scaled := make([]float64, n)
	for i, w := range weights {
		scaled[i] = w * float64(n) / total
	}
	var small, large []int
	for i, s := range scaled {
		if s < 1 {
			small = append(small, i)
		} else {
			large = append(large, i)
		}
	}
	for len(small) > 0 && len(large) > 0 {
		s := small[len(small)-1]
		small = small[:len(small)-1]
		l := large[len(large)-1]
		large = large[:len(large)-1]
		t.prob[s] = scaled[s]
		t.alias[s] = l
		scaled[l] = scaled[l] + scaled[s] - 1
		if scaled[l] < 1 {
			small = append(small, l)
		} else {
			large = append(large, l)
		}
	}
	for _, i := range large {
		t.prob[i] = 1
	}
	for _, i := range small {
		t.prob[i] = 1
	}
	return t
}

func (t *aliasTable) sample(pool []int, k int, stream *randstream.Stream) []int {
	out := make([]int, k)
	for d := 0; d < k; d++ {
		i := stream.Intn(len(t.prob))
		if stream.Float64() < t.prob[i] {
			out[d] = pool[i]
		} else {
			out[d] = pool[t.alias[i]]
		}
	}
	return out
}
