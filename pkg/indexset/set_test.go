package indexset

import (
	"math/rand"
	"testing"
)

func TestInsertContainsErase(t *testing.T) {
	s := New(100)
	for _, x := range []int{5, 3, 9, 1} {
		s.Insert(x)
	}
	if s.Size() != 4 {
		t.Fatalf("size = %d, want 4", s.Size())
	}
	if !s.Contains(3) || s.Contains(4) {
		t.Fatalf("contains mismatch")
	}
	s.Erase(3)
	if s.Contains(3) || s.Size() != 3 {
		t.Fatalf("erase failed")
	}
}

func TestIterateAscendingAcrossRepresentations(t *testing.T) {
	sparse := New(1000)
	dense := New(1000).WithThreshold(0) // force dense immediately

	vals := []int{42, 7, 900, 13, 0, 999}
	for _, v := range vals {
		sparse.Insert(v)
		dense.Insert(v)
	}
	if sparse.IsDense() {
		t.Fatalf("expected sparse set to stay sparse at this density")
	}
	if !dense.IsDense() {
		t.Fatalf("expected forced-dense set to be dense")
	}

	var a, b []int
	sparse.Iterate(func(x int) { a = append(a, x) })
	dense.Iterate(func(x int) { b = append(b, x) })
	if len(a) != len(b) {
		t.Fatalf("length mismatch: %v vs %v", a, b)
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("ordering mismatch at %d: %v vs %v", i, a, b)
		}
	}
}

func TestDensityAutoSwitch(t *testing.T) {
	s := New(128)
	if s.IsDense() {
		t.Fatalf("expected to start sparse")
	}
	for i := 0; i < 100; i++ {
		s.Insert(i)
	}
	if !s.IsDense() {
		t.Fatalf("expected set to switch to dense representation above the threshold")
	}
}

func TestUnionIntersectEraseNot(t *testing.T) {
	a := New(20)
	b := New(20)
	for _, x := range []int{1, 2, 3, 4} {
		a.Insert(x)
	}
	for _, x := range []int{3, 4, 5, 6} {
		b.Insert(x)
	}

	union := New(20)
	UnionTo(a, b, union)
	if union.Size() != 6 {
		t.Fatalf("union size = %d, want 6", union.Size())
	}

	inter := New(20)
	IntersectTo(a, b, inter)
	if inter.Size() != 2 || !inter.Contains(3) || !inter.Contains(4) {
		t.Fatalf("intersection incorrect: %v", inter.ToSlice())
	}

	diff := New(20)
	EraseTo(a, b, diff)
	if diff.Size() != 2 || !diff.Contains(1) || !diff.Contains(2) {
		t.Fatalf("difference incorrect: %v", diff.ToSlice())
	}

	not := New(20)
	NotTo(a, 6, not)
	for _, x := range []int{0, 5} {
		if !not.Contains(x) {
			t.Fatalf("complement missing %d", x)
		}
	}
	for _, x := range []int{1, 2, 3, 4} {
		if not.Contains(x) {
			t.Fatalf("complement should not contain %d", x)
		}
	}
}

func TestUnionComplementCoversUniverse(t *testing.T) {
	universe := 50
	s := New(universe)
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 20; i++ {
		s.Insert(rng.Intn(universe))
	}

	complement := New(universe)
	NotTo(s, universe, complement)

	union := New(universe)
	UnionTo(s, complement, union)

	if union.Size() != universe {
		t.Fatalf("S ∪ Sᶜ should cover the universe, got %d of %d", union.Size(), universe)
	}
}

func TestFirstGE(t *testing.T) {
	s := New(100)
	for _, x := range []int{5, 10, 50} {
		s.Insert(x)
	}
	if v, ok := s.FirstGE(6); !ok || v != 10 {
		t.Fatalf("FirstGE(6) = %d,%v want 10,true", v, ok)
	}
	if _, ok := s.FirstGE(51); ok {
		t.Fatalf("FirstGE(51) should find nothing")
	}
}

func TestRandomElementDeterministicWithFixedStream(t *testing.T) {
	s := New(10)
	for i := 0; i < 10; i++ {
		s.Insert(i)
	}
	next := func(n int) int { return 3 % n }
	v1, _ := s.RandomElement(next)
	v2, _ := s.RandomElement(next)
	if v1 != v2 {
		t.Fatalf("same draw index should produce the same element")
	}
}

func TestCloneIndependence(t *testing.T) {
	s := New(10)
	s.Insert(1)
	c := s.Clone()
	c.Insert(2)
	if s.Contains(2) {
		t.Fatalf("clone mutation leaked into original")
	}
}
