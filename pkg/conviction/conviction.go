// Package conviction computes entity KL divergences, case convictions,
// group divergence, and distance contributions on top of a cached
// k-nearest-neighbor layer (spec.md §4.9). All distances flow through a
// distance-to-weight transform: either x -> x^e or the surprisal-to-
// probability transform x -> 2^-x.
package conviction

import (
	"math"

	"github.com/amalgam/sbfds/pkg/indexset"
	"github.com/amalgam/sbfds/pkg/knn"
	"github.com/amalgam/sbfds/pkg/randstream"
)

// Processor owns one conviction computation over a fixed enabled-entity
// set. The k-NN cache is filled lazily per entity and reused across the
// with/without comparisons, which is what makes case divergence affordable.
type Processor struct {
	Search  *knn.Search
	Enabled *indexset.Set
	K       int
	Stream  *randstream.Stream

	// TransformExponent applies x -> x^e to distances when SurprisalToProb
	// is false; 0 (or 1) leaves distances untransformed.
	TransformExponent float64
	SurprisalToProb   bool

	// EntityWeight scales each target's contribution; nil means weight 1.
	EntityWeight func(entity int) float64

	scratch *knn.Scratch
	cache   map[int][]knn.Result
}

// NewProcessor builds a processor over the enabled set with k neighbors per
// query.
func NewProcessor(search *knn.Search, enabled *indexset.Set, k int, stream *randstream.Stream, scratch *knn.Scratch) *Processor {
	if scratch == nil {
		scratch = &knn.Scratch{}
	}
	return &Processor{
		Search:  search,
		Enabled: enabled,
		K:       k,
		Stream:  stream,
		scratch: scratch,
		cache:   make(map[int][]knn.Result),
	}
}

func (p *Processor) weight(entity int) float64 {
	if p.EntityWeight == nil {
		return 1
	}
	return p.EntityWeight(entity)
}

// transform maps a raw distance to its weight-space value.
func (p *Processor) transform(d float64) float64 {
	if p.SurprisalToProb {
		return math.Exp2(-d)
	}
	if p.TransformExponent != 0 && p.TransformExponent != 1 {
		return math.Pow(d, p.TransformExponent)
	}
	return d
}

// neighbors returns entity's nearest neighbors among the enabled set (minus
// the entity itself), expanded until at least k of them lie at strictly
// positive distance (zero-distance neighbors stay in the list), cached for
// the processor's lifetime.
func (p *Processor) neighbors(entity int) []knn.Result {
	if cached, ok := p.cache[entity]; ok {
		return cached
	}
	enabled := p.Enabled.Clone()
	enabled.Erase(entity)
	results := p.searchAround(entity).FindNearestFirstNonzero(enabled, p.K, p.Stream.CreateOtherStream(), p.scratch)
	p.cache[entity] = results
	return results
}

// searchAround returns a copy of the processor's search whose feature
// targets are entity's own cell values, so the k-NN it runs is entity's
// neighborhood.
func (p *Processor) searchAround(entity int) *knn.Search {
	s := *p.Search
	s.Features = make([]knn.Feature, len(p.Search.Features))
	for i, f := range p.Search.Features {
		s.Features[i] = knn.Feature{Column: f.Column, Target: p.Search.Matrix.At(entity, f.Column)}
	}
	return &s
}

// neighborsExcluding computes entity's k-NN with the exclusion set also
// removed, bypassing the cache (the exclusion changes the neighborhood).
func (p *Processor) neighborsExcluding(entity int, exclude *indexset.Set) []knn.Result {
	enabled := p.Enabled.Clone()
	enabled.Erase(entity)
	indexset.EraseTo(enabled, exclude, enabled)
	return p.searchAround(entity).FindNearestFirstNonzero(enabled, p.K, p.Stream.CreateOtherStream(), p.scratch)
}

// expectedDistance is the transform-weighted average neighbor distance: the
// expected distance to a neighbor drawn with probability proportional to
// its transformed distance weight. Falls back to the plain mean when the
// transform collapses every weight to zero.
func expectedDistance(results []knn.Result, transform func(float64) float64) float64 {
	if len(results) == 0 {
		return 0
	}
	num, den := 0.0, 0.0
	mean := 0.0
	for _, r := range results {
		w := transform(r.Distance)
		num += w * r.Distance
		den += w
		mean += r.Distance
	}
	if den > 0 {
		return num / den
	}
	return mean / float64(len(results))
}

// caseDivergence computes one target's divergence: the aggregated shift in
// its neighbors' expected k-NN distance between the store with the target
// present and with it removed. convictionOfRemoval flips the ratio so a
// large value consistently means "removing this entity would surprise the
// model" (spec.md §4.9).
func (p *Processor) caseDivergence(target int, useLog, convictionOfRemoval bool) float64 {
	excl := indexset.New(target + 1)
	excl.Insert(target)

	total := 0.0
	for _, n := range p.neighbors(target) {
		with := expectedDistance(p.neighbors(n.Entity), p.transform)
		without := expectedDistance(p.neighborsExcluding(n.Entity, excl), p.transform)
		if with <= 0 || without <= 0 {
			continue
		}
		ratio := without / with
		if convictionOfRemoval {
			ratio = with / without
		}
		if useLog {
			total += math.Log(ratio)
		} else {
			total += ratio - 1
		}
	}
	return p.weight(target) * total
}

// CaseKLDivergences computes the per-target divergences.
func (p *Processor) CaseKLDivergences(targets []int, useLog, convictionOfRemoval bool) []float64 {
	out := make([]float64, len(targets))
	for i, t := range targets {
		out[i] = p.caseDivergence(t, useLog, convictionOfRemoval)
	}
	return out
}

// CaseConvictions normalizes divergences into convictions: the ratio of the
// average divergence to each target's own. Interior, well-supported cases
// land near 1; outliers whose removal moves their neighborhood much more
// than average fall below 1 and vice versa.
func (p *Processor) CaseConvictions(targets []int, convictionOfRemoval bool) []float64 {
	divs := p.CaseKLDivergences(targets, false, convictionOfRemoval)
	mean := 0.0
	for _, d := range divs {
		mean += d
	}
	if len(divs) > 0 {
		mean /= float64(len(divs))
	}
	out := make([]float64, len(divs))
	for i, d := range divs {
		switch {
		case d == 0 && mean == 0:
			out[i] = 1
		case d == 0:
			out[i] = math.Inf(1)
		default:
			out[i] = mean / d
		}
	}
	return out
}

// GroupKLDivergence aggregates the divergence of removing an entire entity
// subset at once: every remaining entity whose neighborhood touches the
// group is re-queried with the group excluded. Removing the whole enabled
// set leaves no neighborhoods to shift and yields 0.
func (p *Processor) GroupKLDivergence(group *indexset.Set, convictionOfRemoval bool) float64 {
	rest := p.Enabled.Clone()
	indexset.EraseTo(rest, group, rest)
	if rest.Size() == 0 {
		return 0
	}

	total := 0.0
	rest.Iterate(func(e int) {
		touchesGroup := false
		for _, n := range p.neighbors(e) {
			if group.Contains(n.Entity) {
				touchesGroup = true
				break
			}
		}
		if !touchesGroup {
			return
		}
		with := expectedDistance(p.neighbors(e), p.transform)
		without := expectedDistance(p.neighborsExcluding(e, group), p.transform)
		if with <= 0 || without <= 0 {
			return
		}
		ratio := without / with
		if convictionOfRemoval {
			ratio = with / without
		}
		total += p.weight(e) * math.Log(ratio)
	})
	return total
}

// DistanceContributions computes, per target, the expected distance the
// entity adds when inserted into the neighborhood of a random other entity:
// the transform-weighted expectation over its own cached k-NN distances
// (spec.md §4.9).
func (p *Processor) DistanceContributions(targets []int) []float64 {
	out := make([]float64, len(targets))
	for i, t := range targets {
		out[i] = p.weight(t) * expectedDistance(p.neighbors(t), p.transform)
	}
	return out
}
