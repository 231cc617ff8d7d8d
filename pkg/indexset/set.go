// Package indexset implements the dual-representation integer set used
// throughout the SBFDS to hold sets of entity indices: a sorted slice when
// the set is sparse, and a flat bit array when it is dense. The two
// representations are interchangeable from the caller's point of view; Set
// switches between them automatically as density crosses a configurable
// threshold, mirroring the original engine's EfficientIntegerSet (spec.md
// §4.2, §9).
package indexset

import "sort"

// DefaultDensityThreshold is the density (elements per 64 possible slots)
// above which Set switches its backing representation to a bit array.
// Below it, a sorted slice is cheaper both in memory and for iteration.
const DefaultDensityThreshold = 1.0 / 64.0

// Set is an integer set over [0, universe) with an adaptively chosen
// internal representation. The zero value is a valid, empty set, but its
// density threshold is 0, so it switches to the bit array on its first
// insert; use New for the default threshold and a given universe size.
type Set struct {
	sorted    []int // used when !dense; always ascending, deduped
	bits      []uint64
	size      int // number of elements; authoritative regardless of representation
	universe  int
	dense     bool
	threshold float64
}

// New creates an empty Set sized for entities in [0, universe).
func New(universe int) *Set {
	return &Set{universe: universe, threshold: DefaultDensityThreshold}
}

// WithThreshold overrides the density threshold used to decide when to
// switch representations. It must be called before any inserts to have a
// well-defined effect on an already-dense/sparse set.
func (s *Set) WithThreshold(t float64) *Set {
	s.threshold = t
	return s
}

// Size returns the number of elements currently in the set.
func (s *Set) Size() int { return s.size }

// IsDense reports which representation the set currently uses.
func (s *Set) IsDense() bool { return s.dense }

func (s *Set) bucketsFor(universe int) int { return (universe >> 6) + 1 }

func (s *Set) growBits(n int) {
	needed := s.bucketsFor(n)
	if len(s.bits) < needed {
		nb := make([]uint64, needed)
		copy(nb, s.bits)
		s.bits = nb
	}
}

// Contains reports whether x is a member of the set.
func (s *Set) Contains(x int) bool {
	if x < 0 {
		return false
	}
	if s.dense {
		bucket := x >> 6
		if bucket >= len(s.bits) {
			return false
		}
		return s.bits[bucket]&(1<<(uint(x)&63)) != 0
	}
	i := sort.SearchInts(s.sorted, x)
	return i < len(s.sorted) && s.sorted[i] == x
}

// Insert adds x to the set, switching representation if the resulting
// density crosses the threshold.
func (s *Set) Insert(x int) {
	if s.Contains(x) {
		return
	}
	if x+1 > s.universe {
		s.universe = x + 1
	}

	if s.dense {
		s.growBits(x)
		s.bits[x>>6] |= 1 << (uint(x) & 63)
		s.size++
		return
	}

	i := sort.SearchInts(s.sorted, x)
	s.sorted = append(s.sorted, 0)
	copy(s.sorted[i+1:], s.sorted[i:])
	s.sorted[i] = x
	s.size++

	if s.shouldDensify() {
		s.toDense()
	}
}

// Erase removes x from the set if present.
func (s *Set) Erase(x int) {
	if !s.Contains(x) {
		return
	}
	if s.dense {
		s.bits[x>>6] &^= 1 << (uint(x) & 63)
		s.size--
		return
	}
	i := sort.SearchInts(s.sorted, x)
	s.sorted = append(s.sorted[:i], s.sorted[i+1:]...)
	s.size--
}

func (s *Set) shouldDensify() bool {
	if s.universe == 0 {
		return false
	}
	return float64(s.size)/float64(s.universe) >= s.threshold
}

func (s *Set) shouldSparsify() bool {
	if s.universe == 0 {
		return true
	}
	return float64(s.size)/float64(s.universe) < s.threshold/2
}

func (s *Set) toDense() {
	s.growBits(s.universe)
	for i := range s.bits {
		s.bits[i] = 0
	}
	for _, x := range s.sorted {
		s.bits[x>>6] |= 1 << (uint(x) & 63)
	}
	s.sorted = nil
	s.dense = true
}

func (s *Set) toSparse() {
	sorted := make([]int, 0, s.size)
	for bucket, word := range s.bits {
		for word != 0 {
			bit := trailingZeros64(word)
			sorted = append(sorted, bucket<<6+bit)
			word &= word - 1
		}
	}
	s.bits = nil
	s.sorted = sorted
	s.dense = false
}

func trailingZeros64(x uint64) int {
	n := 0
	for x&1 == 0 {
		x >>= 1
		n++
	}
	return n
}

// Iterate calls fn for every member in ascending order. Iteration is
// identical across representations, satisfying the cross-representation
// ordering invariant in spec.md §8.
func (s *Set) Iterate(fn func(x int)) {
	if s.dense {
		for bucket, word := range s.bits {
			for word != 0 {
				bit := trailingZeros64(word)
				fn(bucket<<6 + bit)
				word &= word - 1
			}
		}
		return
	}
	for _, x := range s.sorted {
		fn(x)
	}
}

// ToSlice materializes the set's members in ascending order.
func (s *Set) ToSlice() []int {
	out := make([]int, 0, s.size)
	s.Iterate(func(x int) { out = append(out, x) })
	return out
}

// FirstGE returns the smallest member >= x and true, or (0, false) if none.
func (s *Set) FirstGE(x int) (int, bool) {
	if s.dense {
		if x < 0 {
			x = 0
		}
		bucket := x >> 6
		if bucket >= len(s.bits) {
			return 0, false
		}
		mask := ^uint64(0) << (uint(x) & 63)
		word := s.bits[bucket] & mask
		for {
			if word != 0 {
				return bucket<<6 + trailingZeros64(word), true
			}
			bucket++
			if bucket >= len(s.bits) {
				return 0, false
			}
			word = s.bits[bucket]
		}
	}
	i := sort.SearchInts(s.sorted, x)
	if i >= len(s.sorted) {
		return 0, false
	}
	return s.sorted[i], true
}

// RandomElement returns a uniformly random member using next() as the
// entropy source (a single draw in [0, size)), or (0, false) if empty.
// next must return a value in [0, n).
func (s *Set) RandomElement(next func(n int) int) (int, bool) {
	if s.size == 0 {
		return 0, false
	}
	target := next(s.size)
	found := -1
	count := 0
	s.Iterate(func(x int) {
		if found != -1 {
			return
		}
		if count == target {
			found = x
		}
		count++
	})
	if found == -1 {
		return 0, false
	}
	return found, true
}

// UnionTo computes a ∪ b into dst. dst may alias a or b.
func UnionTo(a, b *Set, dst *Set) {
	switch {
	case dst == a:
		b.Iterate(func(x int) { dst.Insert(x) })
	case dst == b:
		a.Iterate(func(x int) { dst.Insert(x) })
	default:
		dst.Clear()
		a.Iterate(func(x int) { dst.Insert(x) })
		b.Iterate(func(x int) { dst.Insert(x) })
	}
}

// IntersectTo computes a ∩ b into dst. dst may alias a or b; the aliased
// case snapshots the surviving members before rewriting dst.
func IntersectTo(a, b *Set, dst *Set) {
	small, large := a, b
	if b.Size() < a.Size() {
		small, large = b, a
	}
	if dst == a || dst == b {
		kept := make([]int, 0, small.Size())
		small.Iterate(func(x int) {
			if large.Contains(x) {
				kept = append(kept, x)
			}
		})
		dst.Clear()
		for _, x := range kept {
			dst.Insert(x)
		}
		return
	}
	dst.Clear()
	small.Iterate(func(x int) {
		if large.Contains(x) {
			dst.Insert(x)
		}
	})
}

// EraseTo computes a \ b (set difference) into dst. dst may alias a or b.
func EraseTo(a, b *Set, dst *Set) {
	switch {
	case dst == a:
		// Erasing in place never needs a snapshot of a; b is only read.
		b.Iterate(func(x int) { dst.Erase(x) })
	case dst == b:
		kept := make([]int, 0, a.Size())
		a.Iterate(func(x int) {
			if !b.Contains(x) {
				kept = append(kept, x)
			}
		})
		dst.Clear()
		for _, x := range kept {
			dst.Insert(x)
		}
	default:
		dst.Clear()
		a.Iterate(func(x int) {
			if !b.Contains(x) {
				dst.Insert(x)
			}
		})
	}
}

// NotTo computes the complement of a within [0, universeSize) into dst.
func NotTo(a *Set, universeSize int, dst *Set) {
	dst.Clear()
	dst.universe = universeSize
	for x := 0; x < universeSize; x++ {
		if !a.Contains(x) {
			dst.Insert(x)
		}
	}
}

// Clear empties the set in place, keeping its representation and universe.
func (s *Set) Clear() {
	s.size = 0
	if s.dense {
		for i := range s.bits {
			s.bits[i] = 0
		}
	} else {
		s.sorted = s.sorted[:0]
	}
}

// Compact switches to the cheaper representation for the set's current
// density, if it isn't already using it. Nothing calls it automatically:
// Insert switches a sparse set to the bit array, but no operation, boolean
// set operations included, switches a dense set back to the sorted slice
// unless Compact is called.
func (s *Set) Compact() {
	if s.dense && s.shouldSparsify() {
		s.toSparse()
	} else if !s.dense && s.shouldDensify() {
		s.toDense()
	}
}

// Clone returns an independent copy of the set.
func (s *Set) Clone() *Set {
	c := &Set{universe: s.universe, threshold: s.threshold, dense: s.dense, size: s.size}
	if s.dense {
		c.bits = append([]uint64(nil), s.bits...)
	} else {
		c.sorted = append([]int(nil), s.sorted...)
	}
	return c
}
