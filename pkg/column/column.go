// Package column implements the per-label index described in spec.md §4.3:
// a sorted numeric index for range/min-max queries, a hash index for
// strings, a linear scan for structurally-compared code values, and
// disjoint null/NaN/invalid accounting sets. Every entity that currently
// carries this label is in exactly one of the column's status sets
// (spec.md §3 invariant 1).
package column

import (
	"sort"

	"github.com/tidwall/btree"

	"github.com/amalgam/sbfds/pkg/cell"
	"github.com/amalgam/sbfds/pkg/codegraph"
	"github.com/amalgam/sbfds/pkg/indexset"
	"github.com/amalgam/sbfds/pkg/intern"
)

// numberEntry is the (value, entity) pair kept in the sorted numeric index.
// Ties are broken by entity index, matching the stable-sort requirement in
// spec.md §3 invariant 2.
type numberEntry struct {
	Value  float64
	Entity int
}

func lessNumberEntry(a, b numberEntry) bool {
	if a.Value != b.Value {
		return a.Value < b.Value
	}
	return a.Entity < b.Entity
}

// Data is the per-label column index. StringID names the label itself.
type Data struct {
	StringID intern.ID

	numberIndices   *indexset.Set
	stringIDIndices *indexset.Set
	codeIndices     *indexset.Set
	nullIndices     *indexset.Set
	nanIndices      *indexset.Set
	invalidIndices  *indexset.Set

	sortedNumbers *btree.BTreeG[numberEntry]
	stringIDMap   map[intern.ID]*indexset.Set
	codeValues    map[int]codegraph.Handle // entity -> code handle, for equality scans

	graph *codegraph.Manager
}

// New creates an empty column for the given universe size (entity count
// upper bound at construction time; the underlying sets grow on demand).
func New(id intern.ID, universe int, graph *codegraph.Manager) *Data {
	return &Data{
		StringID:        id,
		numberIndices:   indexset.New(universe),
		stringIDIndices: indexset.New(universe),
		codeIndices:     indexset.New(universe),
		nullIndices:     indexset.New(universe),
		nanIndices:      indexset.New(universe),
		invalidIndices:  indexset.New(universe),
		sortedNumbers:   btree.NewBTreeG(lessNumberEntry),
		stringIDMap:     make(map[intern.ID]*indexset.Set),
		codeValues:      make(map[int]codegraph.Handle),
		graph:           graph,
	}
}

// statusSetFor returns the set an entity of v's type belongs to, distinguishing
// NaN numbers from other numbers.
func (c *Data) statusSetFor(v cell.Value) *indexset.Set {
	switch v.Type {
	case cell.Null:
		return c.nullIndices
	case cell.Invalid:
		return c.invalidIndices
	case cell.Number:
		if v.IsMissingNumber() {
			return c.nanIndices
		}
		return c.numberIndices
	case cell.StringID:
		return c.stringIDIndices
	case cell.Code:
		return c.codeIndices
	default:
		return c.invalidIndices
	}
}

// InsertIndexValue places entity into the correct status set for v and
// maintains the sorted numeric index, preserving spec.md §3's invariants.
func (c *Data) InsertIndexValue(entity int, v cell.Value) {
	c.statusSetFor(v).Insert(entity)
	switch v.Type {
	case cell.Number:
		if !v.IsMissingNumber() {
			c.sortedNumbers.Set(numberEntry{Value: v.Number, Entity: entity})
		}
	case cell.StringID:
		set, ok := c.stringIDMap[v.StringID]
		if !ok {
			set = indexset.New(entity + 1)
			c.stringIDMap[v.StringID] = set
		}
		set.Insert(entity)
	case cell.Code:
		c.codeValues[entity] = v.Code
	}
}

// NumberPair is one (value, entity) element of a bulk numeric load.
type NumberPair struct {
	Value  float64
	Entity int
}

// AppendSortedNumberIndices bulk-loads a pre-sorted (value, entity) run
// during column materialization. The caller must supply pairs already
// ordered by (value, entity); entities must have been visited in increasing
// index order when collecting them so ties remain stable.
func (c *Data) AppendSortedNumberIndices(sortedPairs []NumberPair) {
	for _, p := range sortedPairs {
		c.numberIndices.Insert(p.Entity)
		c.sortedNumbers.Set(numberEntry{Value: p.Value, Entity: p.Entity})
	}
}

// DeleteIndexValue removes entity from whichever status set currently holds
// it for v, and from the sorted/hash indexes if applicable.
func (c *Data) DeleteIndexValue(entity int, v cell.Value) {
	c.statusSetFor(v).Erase(entity)
	switch v.Type {
	case cell.Number:
		if !v.IsMissingNumber() {
			c.sortedNumbers.Delete(numberEntry{Value: v.Number, Entity: entity})
		}
	case cell.StringID:
		if set, ok := c.stringIDMap[v.StringID]; ok {
			set.Erase(entity)
			if set.Size() == 0 {
				delete(c.stringIDMap, v.StringID)
			}
		}
	case cell.Code:
		delete(c.codeValues, entity)
	}
}

// ChangeIndexValue atomically moves entity from oldValue's status to
// newValue's, respecting every invariant DeleteIndexValue/InsertIndexValue
// would individually.
func (c *Data) ChangeIndexValue(entity int, oldValue, newValue cell.Value) {
	c.DeleteIndexValue(entity, oldValue)
	c.InsertIndexValue(entity, newValue)
}

// GetIndexValueType reports which status set currently holds entity,
// answered from set membership alone (NaN numbers report Number), so the
// column needs no storage of the raw value; this mirrors GetIndexValueType's
// O(log N) membership-query behavior in spec.md §4.3 in spirit, while the
// matrix (which does store the raw cell) is authoritative for the value itself.
func (c *Data) GetIndexValueType(entity int) cell.Type {
	switch {
	case c.numberIndices.Contains(entity):
		return cell.Number
	case c.nanIndices.Contains(entity):
		return cell.Number
	case c.stringIDIndices.Contains(entity):
		return cell.StringID
	case c.codeIndices.Contains(entity):
		return cell.Code
	case c.nullIndices.Contains(entity):
		return cell.Null
	default:
		return cell.Invalid
	}
}

// NumberIndices, StringIDIndices, CodeIndices, NullIndices, NaNIndices, and
// InvalidIndices expose the six disjoint status sets for callers (the
// query pipeline's EXISTS/NOT_EXISTS family, distance unknown-value
// closures) that need direct access.
func (c *Data) NumberIndices() *indexset.Set   { return c.numberIndices }
func (c *Data) StringIDIndices() *indexset.Set { return c.stringIDIndices }
func (c *Data) CodeIndices() *indexset.Set     { return c.codeIndices }
func (c *Data) NullIndices() *indexset.Set     { return c.nullIndices }
func (c *Data) NaNIndices() *indexset.Set      { return c.nanIndices }
func (c *Data) InvalidIndices() *indexset.Set  { return c.invalidIndices }

// NumEntities returns how many entities currently carry any value (of any
// status) for this column.
func (c *Data) NumEntities() int {
	return c.numberIndices.Size() + c.nanIndices.Size() + c.stringIDIndices.Size() +
		c.codeIndices.Size() + c.nullIndices.Size() + c.invalidIndices.Size()
}

// AllInvalid reports whether the column holds at least one entity and every
// entity it holds is in the invalid set, the condition under which matrix.SweepColumns
// drops the column entirely (spec.md §4.4, §C.5 in SPEC_FULL.md).
func (c *Data) AllInvalid() bool {
	total := c.NumEntities()
	return total > 0 && c.invalidIndices.Size() == total
}

// NumberMinMax returns the smallest and largest finite numeric values in
// the column, or ok=false if the column holds no finite numbers. The
// distance engine uses the spread to derive unknown-value terms
// (spec.md §4.5 "unknown-value closure").
func (c *Data) NumberMinMax() (lo, hi float64, ok bool) {
	minE, okMin := c.sortedNumbers.Min()
	maxE, okMax := c.sortedNumbers.Max()
	if !okMin || !okMax {
		return 0, 0, false
	}
	return minE.Value, maxE.Value, true
}

// FindAllWithinNumeric emits into out every entity whose numeric value lies
// within [low, high], respecting the inclusive flags independently per
// bound (so BETWEEN, >=, and <= all reduce to this one routine, per the
// coalescing rule in spec.md §4.8).
func (c *Data) FindAllWithinNumeric(low, high float64, lowInclusive, highInclusive bool, out *indexset.Set) {
	c.sortedNumbers.Ascend(numberEntry{Value: low}, func(e numberEntry) bool {
		if e.Value < low || (e.Value == low && !lowInclusive) {
			return true
		}
		if e.Value > high || (e.Value == high && !highInclusive) {
			return false
		}
		out.Insert(e.Entity)
		return true
	})
}

// FindMinMax walks the sorted numeric index from the appropriate end,
// skipping entities not present in enabled (nil enabled means "all"),
// collecting up to k entity indices into out.
func (c *Data) FindMinMax(k int, isMax bool, enabled *indexset.Set, out *indexset.Set) {
	found := 0
	visit := func(e numberEntry) bool {
		if enabled != nil && !enabled.Contains(e.Entity) {
			return true
		}
		out.Insert(e.Entity)
		found++
		return found < k
	}
	if isMax {
		c.sortedNumbers.Reverse(visit)
	} else {
		c.sortedNumbers.Scan(visit)
	}
}

// AscendNumbers iterates (value, entity) pairs with value >= from, in
// ascending (value, entity) order, until fn returns false. The k-NN
// seeding walk uses this together with DescendNumbers to visit a feature's
// values outward from the query target (spec.md §4.7 step 2).
func (c *Data) AscendNumbers(from float64, fn func(value float64, entity int) bool) {
	c.sortedNumbers.Ascend(numberEntry{Value: from, Entity: -1}, func(e numberEntry) bool {
		return fn(e.Value, e.Entity)
	})
}

// DescendNumbers iterates pairs with value < below, in descending order.
func (c *Data) DescendNumbers(below float64, fn func(value float64, entity int) bool) {
	c.sortedNumbers.Descend(numberEntry{Value: below, Entity: -1}, func(e numberEntry) bool {
		if e.Value >= below {
			return true
		}
		return fn(e.Value, e.Entity)
	})
}

// UnionAllWithValue adds to out every entity whose value equals v: a hash
// lookup for strings, a binary-search range for numbers, and a structural
// equality scan for code (spec.md §4.3).
func (c *Data) UnionAllWithValue(v cell.Value, out *indexset.Set) {
	switch v.Type {
	case cell.Number:
		if v.IsMissingNumber() {
			c.nanIndices.Iterate(func(e int) { out.Insert(e) })
			return
		}
		c.sortedNumbers.Ascend(numberEntry{Value: v.Number}, func(e numberEntry) bool {
			if e.Value != v.Number {
				return false
			}
			out.Insert(e.Entity)
			return true
		})
	case cell.StringID:
		if set, ok := c.stringIDMap[v.StringID]; ok {
			set.Iterate(func(e int) { out.Insert(e) })
		}
	case cell.Code:
		if c.graph == nil {
			return
		}
		for entity, h := range c.codeValues {
			if c.graph.StructurallyEqual(h, v.Code) {
				out.Insert(entity)
			}
		}
	case cell.Null:
		c.nullIndices.Iterate(func(e int) { out.Insert(e) })
	case cell.Invalid:
		c.invalidIndices.Iterate(func(e int) { out.Insert(e) })
	}
}

// NaturalStringLess compares two interned strings in the "natural order"
// used by string BETWEEN queries (spec.md §4.3): numeric substrings compare
// numerically, with a byte-compare tie-break. This is deliberately a
// simplified natural-sort: it compares the two strings as whole numbers
// when both parse as floats, and falls back to byte order otherwise, since
// the original's embedded-numeric-run comparison is a presentation detail
// the distilled spec leaves unspecified for the string BETWEEN case.
func NaturalStringLess(a, b string) bool {
	if a == b {
		return false
	}
	af, aok := parseFloatFast(a)
	bf, bok := parseFloatFast(b)
	if aok && bok {
		if af != bf {
			return af < bf
		}
	}
	return a < b
}

func parseFloatFast(s string) (float64, bool) {
	var f float64
	var div float64
	var any bool
	for i, r := range s {
		switch {
		case r >= '0' && r <= '9':
			if div == 0 {
				f = f*10 + float64(r-'0')
			} else {
				f += float64(r-'0') / div
				div *= 10
			}
			any = true
		case r == '.' && div == 0:
			div = 10
		case r == '-' && i == 0:
			// handled by sign below
		default:
			return 0, false
		}
	}
	if !any {
		return 0, false
	}
	if s[0] == '-' {
		f = -f
	}
	return f, true
}

// FindAllWithinString emits into out every entity whose interned string
// value lies within [low, high] under NaturalStringLess, using pool to
// resolve IDs to their backing strings.
func (c *Data) FindAllWithinString(pool *intern.Pool, low, high string, lowInclusive, highInclusive bool, out *indexset.Set) {
	ids := make([]intern.ID, 0, len(c.stringIDMap))
	for id := range c.stringIDMap {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return NaturalStringLess(pool.Get(ids[i]), pool.Get(ids[j]))
	})
	for _, id := range ids {
		s := pool.Get(id)
		if NaturalStringLess(s, low) && s != low {
			continue
		}
		if s == low && !lowInclusive {
			continue
		}
		if NaturalStringLess(high, s) && s != high {
			break
		}
		if s == high && !highInclusive {
			continue
		}
		c.stringIDMap[id].Iterate(func(e int) { out.Insert(e) })
	}
}
