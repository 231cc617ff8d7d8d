// Package distance implements the generalized Minkowski distance engine:
// per-feature weights, deviations, and unknown-value semantics over nominal,
// continuous, cyclic, string, and code feature types (spec.md §4.5).
//
// Distance work happens in two spaces. Hot-path comparisons run in "sum
// space" (the Minkowski accumulation before the final 1/p root), which is
// monotonic in true distance for p > 0, so the k-NN engine can prune
// without ever taking a root. Only final results are converted to distance
// space, using either an exact math.Pow or a fast approximate power
// selected at init time from CPU capabilities.
package distance

import (
	"log"
	"math"

	"github.com/klauspost/cpuid/v2"

	"github.com/amalgam/sbfds/pkg/cell"
	"github.com/amalgam/sbfds/pkg/codegraph"
	"github.com/amalgam/sbfds/pkg/column"
	"github.com/amalgam/sbfds/pkg/intern"
)

// FeatureType selects the per-feature distance semantics.
type FeatureType uint8

const (
	// Nominal features contribute 0 on match and a precomputed mismatch
	// term otherwise.
	Nominal FeatureType = iota
	// ContinuousNumeric is plain |a-b| with optional deviation subtraction.
	ContinuousNumeric
	// ContinuousNumericCyclic wraps the difference around a cycle range.
	ContinuousNumericCyclic
	// ContinuousString uses a weighted edit distance between the strings.
	ContinuousString
	// ContinuousCode uses the shared-node edit distance from the code graph.
	ContinuousCode
	// ContinuousUniversallyNumeric treats anything that is not a finite
	// number as an unknown value rather than a type mismatch.
	ContinuousUniversallyNumeric
)

func (t FeatureType) String() string {
	switch t {
	case Nominal:
		return "nominal"
	case ContinuousNumeric:
		return "continuous"
	case ContinuousNumericCyclic:
		return "cyclic"
	case ContinuousString:
		return "string"
	case ContinuousCode:
		return "code"
	case ContinuousUniversallyNumeric:
		return "universally_numeric"
	default:
		return "unknown"
	}
}

// FeatureParams are the per-feature knobs of one query. KnownToUnknown and
// UnknownToUnknown are raw differences (not terms); NaN means "derive from
// the column contents" and is resolved by ResolveUnknownTerms before the
// query runs, so term computation afterwards is branch-free (spec.md §4.5
// "unknown-value closure").
type FeatureParams struct {
	Weight    float64
	Type      FeatureType
	Deviation float64

	KnownToUnknown   float64
	UnknownToUnknown float64

	// CycleRange is the wrap-around period for cyclic features. A range of
	// 0 degenerates to plain continuous handling (spec.md §8 boundaries).
	CycleRange float64
	// NominalCardinality is the number of distinct classes a nominal
	// feature can take; it scales the mismatch term.
	NominalCardinality float64

	// Resolved terms, filled by ResolveUnknownTerms / precompute.
	knownToUnknownTerm   float64
	unknownToUnknownTerm float64
	nominalNonMatchTerm  float64
}

// KnownToUnknownTerm exposes the resolved term for callers (k-NN seeding)
// that need the raw per-feature contribution of a known-target/unknown-case
// pair.
func (f *FeatureParams) KnownToUnknownTerm() float64 { return f.knownToUnknownTerm }

// UnknownToUnknownTerm exposes the resolved unknown/unknown contribution.
func (f *FeatureParams) UnknownToUnknownTerm() float64 { return f.unknownToUnknownTerm }

// NominalNonMatchTerm exposes the precomputed nominal mismatch contribution.
func (f *FeatureParams) NominalNonMatchTerm() float64 { return f.nominalNonMatchTerm }

// Params is the per-query distance configuration: the enabled features in
// query order plus the global Minkowski p and accuracy switches.
type Params struct {
	Features []FeatureParams

	// PValue is the Minkowski exponent. PValue == 0 is rejected upstream
	// (spec.md §9 open questions); negative values disable sum-space
	// pruning and force the brute-force path.
	PValue float64

	// HighAccuracy uses exact math.Pow everywhere. When false the fast
	// approximate power is used, optionally followed by an exact recompute
	// of the surviving candidates (RecomputeAccurate).
	HighAccuracy      bool
	RecomputeAccurate bool

	Pool  *intern.Pool
	Graph *codegraph.Manager
}

// powFunc is the approximate x^p used when HighAccuracy is false. Selected
// once at init from CPU capabilities, mirroring the compute-engine dispatch
// the rest of the codebase does for vector math.
var powFunc func(x, p float64) float64 = fastPow

func init() {
	if cpuid.CPU.Has(cpuid.FMA3) {
		powFunc = fastPowRefined
		log.Println("distance compute engine: approximate power with FMA refinement step")
	} else {
		log.Println("distance compute engine: approximate power (bit-shift exp2/log2)")
	}
}

// Schraudolph-style exp2/log2 approximations on the raw float64 bits. Error
// is a few percent, which is fine for pruning: exact values are recomputed
// for survivors when RecomputeAccurate is set.
const expBias = 1022.942695

func fastLog2(x float64) float64 {
	return float64(math.Float64bits(x))*(1.0/(1<<52)) - expBias
}

func fastExp2(p float64) float64 {
	if p < -1022 {
		p = -1022
	}
	return math.Float64frombits(uint64((1 << 52) * (p + expBias)))
}

func fastPow(x, p float64) float64 {
	switch {
	case x == 0:
		if p == 0 {
			return 1
		}
		return 0
	case x < 0:
		// Negative bases only arise from malformed inputs; fall back.
		return math.Pow(x, p)
	case p == 1:
		return x
	case p == 2:
		return x * x
	}
	return fastExp2(p * fastLog2(x))
}

// fastPowRefined runs one Newton step on the bit-shift estimate, solving
// ln y = p ln x, which cuts the relative error by roughly an order of
// magnitude at the cost of two exact logs. Only selected when FMA is
// available since the correction is fma-shaped.
func fastPowRefined(x, p float64) float64 {
	y := fastPow(x, p)
	if y <= 0 || x <= 0 {
		return y
	}
	corr := (p*math.Log2(x) - math.Log2(y)) * math.Ln2
	return math.FMA(y, corr, y)
}

// Pow applies x^p honoring the accuracy mode.
func (d *Params) Pow(x, p float64) float64 {
	if d.HighAccuracy {
		return math.Pow(x, p)
	}
	return powFunc(x, p)
}

// diffToTerm converts an absolute feature difference into its weighted
// Minkowski term w * diff^p, flooring deviation-adjusted differences at 0.
func (d *Params) diffToTerm(f *FeatureParams, diff float64) float64 {
	if f.Deviation > 0 {
		diff -= f.Deviation
		if diff < 0 {
			diff = 0
		}
	}
	if diff == 0 {
		return 0
	}
	return f.Weight * d.Pow(diff, d.PValue)
}

// PrecomputeTerms resolves every derived per-feature term that does not
// need column contents: nominal mismatch, and any unknown terms the caller
// supplied explicitly (non-NaN). Must be called before ResolveUnknownTerms.
func (d *Params) PrecomputeTerms() {
	for i := range d.Features {
		f := &d.Features[i]

		// Nominal mismatch is a unit difference unless a deviation is
		// supplied, in which case the deviation is spread over the
		// cardinality's off-diagonal mass.
		if f.Type == Nominal {
			diff := 1.0
			if f.Deviation > 0 && f.NominalCardinality > 1 {
				diff = f.Deviation * f.NominalCardinality / (f.NominalCardinality - 1)
			}
			f.nominalNonMatchTerm = f.Weight * d.Pow(diff, d.PValue)
		}

		if !math.IsNaN(f.KnownToUnknown) {
			f.knownToUnknownTerm = d.diffToTerm(f, f.KnownToUnknown)
		}
		if !math.IsNaN(f.UnknownToUnknown) {
			f.unknownToUnknownTerm = d.diffToTerm(f, f.UnknownToUnknown)
		}
	}
}

// ResolveUnknownTerms closes over the columns: for every feature whose
// KnownToUnknown or UnknownToUnknown difference was left NaN, derive the
// largest plausible difference from the column's current contents and cache
// the resulting term. Nominal features never consult the column; their
// mismatch term already bounds any unknown comparison.
func (d *Params) ResolveUnknownTerms(columns []*column.Data) {
	for i := range d.Features {
		f := &d.Features[i]
		var col *column.Data
		if i < len(columns) {
			col = columns[i]
		}

		if math.IsNaN(f.KnownToUnknown) {
			f.knownToUnknownTerm = d.maxTermFromColumn(f, col)
		}
		if math.IsNaN(f.UnknownToUnknown) {
			f.unknownToUnknownTerm = d.maxTermFromColumn(f, col)
		}
	}
}

// maxTermFromColumn is get_max_difference_term_from_value (spec.md §4.3):
// the largest per-feature contribution the column's current contents can
// produce.
func (d *Params) maxTermFromColumn(f *FeatureParams, col *column.Data) float64 {
	switch f.Type {
	case Nominal:
		return f.nominalNonMatchTerm
	case ContinuousNumericCyclic:
		if f.CycleRange > 0 {
			return d.diffToTerm(f, f.CycleRange/2)
		}
		fallthrough
	case ContinuousNumeric, ContinuousUniversallyNumeric:
		if col != nil {
			if lo, hi, ok := col.NumberMinMax(); ok {
				return d.diffToTerm(f, hi-lo)
			}
		}
		return d.diffToTerm(f, 1)
	case ContinuousString, ContinuousCode:
		// Edit distances are normalized to [0, 1].
		return d.diffToTerm(f, 1)
	}
	return d.diffToTerm(f, 1)
}

// ComputeTerm returns the per-feature Minkowski term between the query
// target value and a candidate cell for feature index feat. Both unknown
// terms must already be resolved.
func (d *Params) ComputeTerm(feat int, target, candidate cell.Value) float64 {
	f := &d.Features[feat]
	if f.Weight == 0 {
		return 0
	}

	targetKnown := d.valueKnown(f, target)
	candKnown := d.valueKnown(f, candidate)
	switch {
	case !targetKnown && !candKnown:
		return f.unknownToUnknownTerm
	case !targetKnown || !candKnown:
		return f.knownToUnknownTerm
	}

	switch f.Type {
	case Nominal:
		if cell.Equal(target, candidate) {
			return 0
		}
		if target.Type == cell.Code && candidate.Type == cell.Code && d.Graph != nil &&
			d.Graph.StructurallyEqual(target.Code, candidate.Code) {
			return 0
		}
		return f.nominalNonMatchTerm

	case ContinuousNumeric, ContinuousUniversallyNumeric:
		if target.Type != cell.Number || candidate.Type != cell.Number {
			return f.knownToUnknownTerm
		}
		return d.diffToTerm(f, math.Abs(target.Number-candidate.Number))

	case ContinuousNumericCyclic:
		if target.Type != cell.Number || candidate.Type != cell.Number {
			return f.knownToUnknownTerm
		}
		diff := math.Abs(target.Number - candidate.Number)
		if f.CycleRange > 0 && diff > f.CycleRange-diff {
			diff = f.CycleRange - diff
		}
		return d.diffToTerm(f, diff)

	case ContinuousString:
		if target.Type != cell.StringID || candidate.Type != cell.StringID {
			return f.knownToUnknownTerm
		}
		if target.StringID == candidate.StringID {
			return 0
		}
		if d.Pool == nil {
			return f.knownToUnknownTerm
		}
		return d.diffToTerm(f, normalizedEditDistance(d.Pool.Get(target.StringID), d.Pool.Get(candidate.StringID)))

	case ContinuousCode:
		if target.Type != cell.Code || candidate.Type != cell.Code || d.Graph == nil {
			return f.knownToUnknownTerm
		}
		return d.diffToTerm(f, d.Graph.CodeEditDistance(target.Code, candidate.Code))
	}
	return 0
}

// ComputeNumberTerm is the hot-path specialization for finite-number
// candidates, used by the k-NN seeding walk over a column's sorted numeric
// index where the candidate type is known up front.
func (d *Params) ComputeNumberTerm(feat int, targetNumber, candidateNumber float64) float64 {
	f := &d.Features[feat]
	diff := math.Abs(targetNumber - candidateNumber)
	if f.Type == ContinuousNumericCyclic && f.CycleRange > 0 && diff > f.CycleRange-diff {
		diff = f.CycleRange - diff
	}
	return d.diffToTerm(f, diff)
}

// valueKnown applies the per-type notion of "known": universally-numeric
// features demote non-numbers to unknown rather than mismatches.
func (d *Params) valueKnown(f *FeatureParams, v cell.Value) bool {
	if f.Type == ContinuousUniversallyNumeric {
		return v.Type == cell.Number && !math.IsNaN(v.Number)
	}
	return v.IsKnown()
}

// SumToDistance converts an accumulated Minkowski sum to a distance via the
// 1/p root, honoring the accuracy mode.
func (d *Params) SumToDistance(sum float64) float64 {
	if sum <= 0 {
		return 0
	}
	if d.PValue == 1 {
		return sum
	}
	return d.Pow(sum, 1/d.PValue)
}

// SumToDistanceExact is the exact-arithmetic variant used by the final
// accuracy pass over surviving candidates (spec.md §4.7 step 9).
func (d *Params) SumToDistanceExact(sum float64) float64 {
	if sum <= 0 {
		return 0
	}
	return math.Pow(sum, 1/d.PValue)
}

// ExactTerm recomputes one term with exact arithmetic regardless of the
// accuracy mode, for the recompute-survivors pass.
func (d *Params) ExactTerm(feat int, target, candidate cell.Value) float64 {
	saved := d.HighAccuracy
	d.HighAccuracy = true
	t := d.ComputeTerm(feat, target, candidate)
	d.HighAccuracy = saved
	return t
}

// normalizedEditDistance is the Levenshtein distance between a and b scaled
// into [0, 1] by the longer length.
func normalizedEditDistance(a, b string) float64 {
	if a == b {
		return 0
	}
	la, lb := len(a), len(b)
	if la == 0 || lb == 0 {
		return 1
	}
	prev := make([]int, lb+1)
	cur := make([]int, lb+1)
	for j := 0; j <= lb; j++ {
		prev[j] = j
	}
	for i := 1; i <= la; i++ {
		cur[0] = i
		for j := 1; j <= lb; j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			m := prev[j] + 1
			if cur[j-1]+1 < m {
				m = cur[j-1] + 1
			}
			if prev[j-1]+cost < m {
				m = prev[j-1] + cost
			}
			cur[j] = m
		}
		prev, cur = cur, prev
	}
	longer := la
	if lb > longer {
		longer = lb
	}
	return float64(prev[lb]) / float64(longer)
}
