// Package knn implements the k-nearest-neighbor and radius search at the
// heart of the query engine (spec.md §4.7): per-feature seeding of partial
// sums from each column's sorted index, lower-bound tables over the
// not-yet-seeded remainder, and candidate resolution under an evolving
// reject distance with stochastic, seed-deterministic tie-breaking.
package knn

import (
	"math"
	"sort"

	"github.com/amalgam/sbfds/pkg/cell"
	"github.com/amalgam/sbfds/pkg/column"
	"github.com/amalgam/sbfds/pkg/distance"
	"github.com/amalgam/sbfds/pkg/indexset"
	"github.com/amalgam/sbfds/pkg/matrix"
	"github.com/amalgam/sbfds/pkg/partialsum"
	"github.com/amalgam/sbfds/pkg/randstream"
)

// Result is one (entity, distance) output pair.
type Result struct {
	Entity   int
	Distance float64
}

// Feature binds one enabled query feature to its materialized column and
// its target value, in query order. The slice must align index-for-index
// with Params.Features.
type Feature struct {
	Column int
	Target cell.Value
}

// Scratch is the per-worker scratch state: the partial-sum collection and
// reusable buffers. One Scratch must not be shared between concurrent
// searches (spec.md §5 per-thread scratch).
type Scratch struct {
	sums           partialsum.Collection
	minUnpopulated []float64
	lowerBound     []float64
	candidates     []candidate
}

type candidate struct {
	entity     int
	lowerBound float64
}

// Search runs distance queries against one matrix snapshot.
type Search struct {
	Matrix   *matrix.Matrix
	Params   *distance.Params
	Features []Feature

	// StepCheck, when non-nil, is consulted before each candidate
	// resolution; returning false halts the search with partial results
	// (spec.md §5 cancellation).
	StepCheck func() bool
}

// seedTargetMultiplier bounds how many entities the per-feature seeding
// walk accumulates before handing over to the lower-bound machinery.
const seedTargetMultiplier = 2

// FindNearest returns the topK nearest entities among enabled, ordered by
// ascending distance. Ties at the acceptance boundary are broken uniformly
// using stream, so a fixed seed yields a fixed result (spec.md §8 prop 2).
func (s *Search) FindNearest(enabled *indexset.Set, topK int, stream *randstream.Stream, scratch *Scratch) []Result {
	if enabled.Size() == 0 || topK <= 0 {
		return nil
	}
	if topK > enabled.Size() {
		topK = enabled.Size()
	}
	if s.allWeightsZero() {
		return s.sampleZeroDistance(enabled, topK, stream)
	}
	if s.Params.PValue < 0 {
		return s.bruteForce(enabled, topK, math.Inf(1), stream)
	}
	return s.search(enabled, topK, math.Inf(1), stream, scratch)
}

// FindWithin returns every enabled entity whose distance to the target is
// at most maxDist, ordered by ascending distance.
func (s *Search) FindWithin(enabled *indexset.Set, maxDist float64, stream *randstream.Stream, scratch *Scratch) []Result {
	if enabled.Size() == 0 || math.IsNaN(maxDist) {
		return nil
	}
	if s.allWeightsZero() {
		out := make([]Result, 0, enabled.Size())
		enabled.Iterate(func(e int) { out = append(out, Result{Entity: e}) })
		return out
	}
	sumLimit := maxDist
	if s.Params.PValue != 1 {
		sumLimit = math.Pow(maxDist, s.Params.PValue)
	}
	if s.Params.PValue < 0 {
		return s.bruteForce(enabled, enabled.Size(), sumLimit, stream)
	}
	return s.searchRadius(enabled, sumLimit, stream, scratch)
}

// FindNearestFirstNonzero expands topK until at least k results carry a
// strictly positive distance, or the enabled set is exhausted. The
// conviction processor needs neighbors at positive distance so the
// distance-to-weight transforms stay finite (spec.md §4.7 step 8).
func (s *Search) FindNearestFirstNonzero(enabled *indexset.Set, k int, stream *randstream.Stream, scratch *Scratch) []Result {
	topK := k
	for {
		results := s.FindNearest(enabled, topK, stream.CreateOtherStream(), scratch)
		positive := 0
		for _, r := range results {
			if r.Distance > 0 {
				positive++
			}
		}
		if positive >= k || topK >= enabled.Size() {
			return results
		}
		topK *= 2
		if topK > enabled.Size() {
			topK = enabled.Size()
		}
	}
}

func (s *Search) allWeightsZero() bool {
	for i := range s.Params.Features {
		if s.Params.Features[i].Weight != 0 {
			return false
		}
	}
	return true
}

// sampleZeroDistance handles the all-zero-weights degenerate case: every
// distance is 0, so return topK entities sampled without replacement via
// the query's stream (spec.md §4.7 failure modes).
func (s *Search) sampleZeroDistance(enabled *indexset.Set, topK int, stream *randstream.Stream) []Result {
	pool := enabled.ToSlice()
	for i := 0; i < topK; i++ {
		j := i + stream.Intn(len(pool)-i)
		pool[i], pool[j] = pool[j], pool[i]
	}
	out := make([]Result, topK)
	for i := 0; i < topK; i++ {
		out[i] = Result{Entity: pool[i]}
	}
	return out
}

// bruteForce computes the full distance for every enabled entity, used when
// the Minkowski exponent defeats sum-space pruning (negative p).
func (s *Search) bruteForce(enabled *indexset.Set, topK int, sumLimit float64, stream *randstream.Stream) []Result {
	pq := newTieBreakQueue(topK)
	enabled.Iterate(func(e int) {
		if s.StepCheck != nil && !s.StepCheck() {
			return
		}
		sum := 0.0
		for f := range s.Features {
			sum += s.Params.ComputeTerm(f, s.Features[f].Target, s.Matrix.At(e, s.Features[f].Column))
		}
		if sum > sumLimit {
			return
		}
		pq.offer(tieBreakItem{entity: e, sum: sum, rank: stream.Float64()})
	})
	return s.finish(pq.drainAscending())
}

// search is the accelerated k-NN core: seed, bound, scan, resolve.
func (s *Search) search(enabled *indexset.Set, topK int, sumLimit float64, stream *randstream.Stream, scratch *Scratch) []Result {
	numFeatures := len(s.Features)
	scratch.sums.Resize(s.Matrix.NumEntities(), numFeatures)

	seedTarget := seedTargetMultiplier * topK
	if seedTarget < 30 {
		seedTarget = 30
	}
	s.seedPartialSums(enabled, seedTarget, scratch)
	s.buildLowerBoundTable(scratch)

	// Scan the partial sums into candidates ordered by lower-bound
	// distance; the lower bound for an entity missing k feature terms is
	// its current sum plus the sum of the k smallest unseen per-feature
	// minimums (spec.md §4.7 steps 3-4).
	scratch.candidates = scratch.candidates[:0]
	enabled.Iterate(func(e int) {
		sum, count := scratch.sums.SumAndCount(e)
		lb := sum + scratch.lowerBound[numFeatures-count]
		scratch.candidates = append(scratch.candidates, candidate{entity: e, lowerBound: lb})
	})
	sort.Slice(scratch.candidates, func(i, j int) bool {
		if scratch.candidates[i].lowerBound != scratch.candidates[j].lowerBound {
			return scratch.candidates[i].lowerBound < scratch.candidates[j].lowerBound
		}
		return scratch.candidates[i].entity < scratch.candidates[j].entity
	})

	pq := newTieBreakQueue(topK)
	for _, cand := range scratch.candidates {
		if s.StepCheck != nil && !s.StepCheck() {
			break
		}
		rejectSum := sumLimit
		if pq.full() && pq.worst().sum < rejectSum {
			rejectSum = pq.worst().sum
		}
		if pq.full() && cand.lowerBound > rejectSum {
			// Candidates are in ascending lower-bound order; nothing
			// further can qualify.
			break
		}
		sum, ok := s.resolve(cand.entity, rejectSum, pq.full(), scratch)
		if !ok || sum > sumLimit {
			continue
		}
		pq.offer(tieBreakItem{entity: cand.entity, sum: sum, rank: stream.Float64()})
	}
	return s.finish(pq.drainAscending())
}

// searchRadius is the fixed-reject-distance variant: no size cap, the
// reject sum never shrinks (spec.md §4.7 step 7).
func (s *Search) searchRadius(enabled *indexset.Set, sumLimit float64, stream *randstream.Stream, scratch *Scratch) []Result {
	numFeatures := len(s.Features)
	scratch.sums.Resize(s.Matrix.NumEntities(), numFeatures)
	s.seedPartialSums(enabled, enabled.Size(), scratch)
	s.buildLowerBoundTable(scratch)

	var kept []tieBreakItem
	enabled.Iterate(func(e int) {
		if s.StepCheck != nil && !s.StepCheck() {
			return
		}
		sum, count := scratch.sums.SumAndCount(e)
		if sum+scratch.lowerBound[numFeatures-count] > sumLimit {
			return
		}
		sum, ok := s.resolve(e, sumLimit, true, scratch)
		if !ok || sum > sumLimit {
			return
		}
		kept = append(kept, tieBreakItem{entity: e, sum: sum})
	})
	sort.Slice(kept, func(i, j int) bool {
		if kept[i].sum != kept[j].sum {
			return kept[i].sum < kept[j].sum
		}
		return kept[i].entity < kept[j].entity
	})
	return s.finish(kept)
}

// resolve completes the remaining feature terms for entity, abandoning as
// soon as the running sum exceeds rejectSum. canReject is false while the
// result queue is not yet full and no fixed radius applies, in which case
// every candidate must be fully resolved.
func (s *Search) resolve(entity int, rejectSum float64, canReject bool, scratch *Scratch) (float64, bool) {
	sum, _ := scratch.sums.SumAndCount(entity)
	feat, more := scratch.sums.NextUncomputed(entity, 0)
	for more {
		term := s.Params.ComputeTerm(feat, s.Features[feat].Target, s.Matrix.At(entity, s.Features[feat].Column))
		sum += term
		if canReject && sum > rejectSum {
			return sum, false
		}
		feat, more = scratch.sums.NextUncomputed(entity, feat+1)
	}
	return sum, true
}

// seedPartialSums runs step 2 of spec.md §4.7: for each enabled feature,
// accumulate the smallest per-feature terms into the partial sums from the
// column's sorted numeric index (or hash bucket for exact matches), and
// record minUnpopulated[f], the smallest term still achievable by any
// entity not yet accumulated in feature f.
func (s *Search) seedPartialSums(enabled *indexset.Set, seedTarget int, scratch *Scratch) {
	numFeatures := len(s.Features)
	if cap(scratch.minUnpopulated) < numFeatures {
		scratch.minUnpopulated = make([]float64, numFeatures)
	} else {
		scratch.minUnpopulated = scratch.minUnpopulated[:numFeatures]
	}

	for f := range s.Features {
		scratch.minUnpopulated[f] = s.seedFeature(f, enabled, seedTarget, scratch)
	}
}

// seedFeature populates partial sums for one feature and returns the
// minimum term achievable by any entity it did not populate.
func (s *Search) seedFeature(f int, enabled *indexset.Set, seedTarget int, scratch *Scratch) float64 {
	fp := &s.Params.Features[f]
	col := s.Matrix.Column(s.Features[f].Column)
	target := s.Features[f].Target

	k2u := fp.KnownToUnknownTerm()
	u2u := fp.UnknownToUnknownTerm()

	// Unknown target: every candidate's term depends only on whether the
	// candidate itself is known, both cases already closed-form. Nothing
	// to seed; the bound is the smaller of the two terms.
	if !target.IsKnown() {
		return math.Min(k2u, u2u)
	}

	// unseenUnknownBound applies when entities outside the seeded portion
	// hold unknown or differently-typed values for this feature.
	unseenUnknownBound := math.Inf(1)
	if col.NaNIndices().Size() > 0 || col.NullIndices().Size() > 0 || col.InvalidIndices().Size() > 0 {
		unseenUnknownBound = k2u
	}

	switch fp.Type {
	case distance.Nominal:
		// Exact matches contribute 0; every other combination is the
		// precomputed mismatch or an unknown term. Seed only the match
		// bucket; the rest is closed-form.
		matches := indexset.New(s.Matrix.NumEntities())
		col.UnionAllWithValue(target, matches)
		matches.Iterate(func(e int) {
			if enabled.Contains(e) {
				scratch.sums.AccumZero(e, f)
			}
		})
		return math.Min(fp.NominalNonMatchTerm(), math.Min(unseenUnknownBound, u2u))

	case distance.ContinuousNumeric, distance.ContinuousUniversallyNumeric:
		if target.Type != cell.Number {
			// A non-numeric target against a numeric feature is unknown
			// territory for every candidate; closed-form.
			return math.Min(k2u, u2u)
		}
		next := s.seedNumericWalk(f, col, target.Number, enabled, seedTarget, scratch)
		if col.StringIDIndices().Size() > 0 || col.CodeIndices().Size() > 0 {
			// Mixed-type columns: string/code cells meet a numeric target
			// through the known-to-unknown term.
			unseenUnknownBound = math.Min(unseenUnknownBound, k2u)
		}
		return math.Min(next, math.Min(unseenUnknownBound, u2u))

	case distance.ContinuousNumericCyclic:
		if target.Type != cell.Number {
			return math.Min(k2u, u2u)
		}
		// Value-order adjacency does not imply cyclic-distance adjacency,
		// so seed the whole numeric population exactly instead of walking
		// outward.
		col.NumberIndices().Iterate(func(e int) {
			if !enabled.Contains(e) {
				return
			}
			v := s.Matrix.At(e, s.Features[f].Column)
			scratch.sums.Accum(e, f, s.Params.ComputeNumberTerm(f, target.Number, v.Number))
		})
		return math.Min(unseenUnknownBound, u2u)

	case distance.ContinuousString, distance.ContinuousCode:
		// Seed exact matches at term 0. Near-miss edit distances have no
		// cheap sorted order to walk, so the unpopulated bound for
		// non-equal values is 0: no pruning credit, always correct.
		matches := indexset.New(s.Matrix.NumEntities())
		col.UnionAllWithValue(target, matches)
		matches.Iterate(func(e int) {
			if enabled.Contains(e) {
				scratch.sums.AccumZero(e, f)
			}
		})
		return 0
	}
	return 0
}

// seedNumericWalk walks the column's sorted numeric index outward from the
// target value, alternating between the ascending and descending frontier
// by whichever next term is smaller, accumulating terms until seedTarget
// enabled entities are populated. It returns the term of the nearest value
// left unvisited (infinite when the walk exhausted the column).
func (s *Search) seedNumericWalk(f int, col *column.Data, targetNumber float64, enabled *indexset.Set, seedTarget int, scratch *Scratch) float64 {
	type pair struct {
		value  float64
		entity int
	}
	var up, down []pair
	// Collect a bounded window on each side; one extra element per side
	// carries the min-unpopulated bound. A full window means the column
	// may hold further values beyond it.
	limit := seedTarget + 1
	col.AscendNumbers(targetNumber, func(v float64, e int) bool {
		up = append(up, pair{v, e})
		return len(up) < limit
	})
	col.DescendNumbers(targetNumber, func(v float64, e int) bool {
		down = append(down, pair{v, e})
		return len(down) < limit
	})
	upTruncated := len(up) == limit
	downTruncated := len(down) == limit

	seeded := 0
	ui, di := 0, 0
	for seeded < seedTarget && (ui < len(up) || di < len(down)) {
		var p pair
		takeUp := di >= len(down)
		if !takeUp && ui < len(up) {
			takeUp = up[ui].value-targetNumber <= targetNumber-down[di].value
		}
		if takeUp {
			p = up[ui]
			ui++
		} else {
			p = down[di]
			di++
		}
		if !enabled.Contains(p.entity) {
			continue
		}
		scratch.sums.Accum(p.entity, f, s.Params.ComputeNumberTerm(f, targetNumber, p.value))
		seeded++
	}

	// The bound from each side is the next unconsumed value's term; a side
	// whose window was both fully consumed and truncated still has unseen
	// values farther out, whose terms are at least the last collected
	// value's term since the per-feature term grows with value distance.
	next := math.Inf(1)
	switch {
	case ui < len(up):
		next = s.Params.ComputeNumberTerm(f, targetNumber, up[ui].value)
	case upTruncated:
		next = s.Params.ComputeNumberTerm(f, targetNumber, up[len(up)-1].value)
	}
	if di < len(down) {
		if t := s.Params.ComputeNumberTerm(f, targetNumber, down[di].value); t < next {
			next = t
		}
	} else if downTruncated {
		if t := s.Params.ComputeNumberTerm(f, targetNumber, down[len(down)-1].value); t < next {
			next = t
		}
	}
	return next
}

// buildLowerBoundTable sorts the per-feature minimum unpopulated terms and
// prefix-sums them: lowerBound[k] is the least possible contribution of any
// k missing features (spec.md §4.7 step 3).
func (s *Search) buildLowerBoundTable(scratch *Scratch) {
	numFeatures := len(s.Features)
	if cap(scratch.lowerBound) < numFeatures+1 {
		scratch.lowerBound = make([]float64, numFeatures+1)
	} else {
		scratch.lowerBound = scratch.lowerBound[:numFeatures+1]
	}
	mins := append([]float64(nil), scratch.minUnpopulated...)
	sort.Float64s(mins)
	scratch.lowerBound[0] = 0
	for k := 1; k <= numFeatures; k++ {
		b := mins[k-1]
		if math.IsInf(b, 1) {
			// An exhausted feature cannot contribute to unseen entities;
			// its bound participates as "no further term possible".
			b = 0
		}
		scratch.lowerBound[k] = scratch.lowerBound[k-1] + b
	}
}

// finish converts accepted sum-space items to distances, optionally
// recomputing survivors with exact arithmetic and re-sorting (spec.md §4.7
// step 9).
func (s *Search) finish(items []tieBreakItem) []Result {
	out := make([]Result, len(items))
	recompute := !s.Params.HighAccuracy && s.Params.RecomputeAccurate
	for i, it := range items {
		d := s.Params.SumToDistance(it.sum)
		if recompute {
			sum := 0.0
			for f := range s.Features {
				sum += s.Params.ExactTerm(f, s.Features[f].Target, s.Matrix.At(it.entity, s.Features[f].Column))
			}
			d = s.Params.SumToDistanceExact(sum)
		}
		out[i] = Result{Entity: it.entity, Distance: d}
	}
	if recompute {
		sort.SliceStable(out, func(i, j int) bool { return out[i].Distance < out[j].Distance })
	}
	return out
}
