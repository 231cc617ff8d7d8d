package codegraph

import "testing"

func TestStructuralEqualityLeaves(t *testing.T) {
	m := NewManager()
	a := m.AllocLeafNumber(1)
	b := m.AllocLeafNumber(1)
	c := m.AllocLeafNumber(2)

	if !m.StructurallyEqual(a, b) {
		t.Fatalf("equal leaves should compare equal")
	}
	if m.StructurallyEqual(a, c) {
		t.Fatalf("different leaves should not compare equal")
	}
}

func TestStructuralEqualityLists(t *testing.T) {
	m := NewManager()
	l1 := m.AllocList([]Handle{m.AllocLeafNumber(1), m.AllocLeafString("x")})
	l2 := m.AllocList([]Handle{m.AllocLeafNumber(1), m.AllocLeafString("x")})
	l3 := m.AllocList([]Handle{m.AllocLeafNumber(1), m.AllocLeafString("y")})

	if !m.StructurallyEqual(l1, l2) {
		t.Fatalf("identical lists should be equal")
	}
	if m.StructurallyEqual(l1, l3) {
		t.Fatalf("lists differing in a leaf should not be equal")
	}
}

func TestCodeEditDistanceZeroForIdentical(t *testing.T) {
	m := NewManager()
	l1 := m.AllocList([]Handle{m.AllocLeafNumber(1), m.AllocLeafNumber(2)})
	l2 := m.AllocList([]Handle{m.AllocLeafNumber(1), m.AllocLeafNumber(2)})
	if d := m.CodeEditDistance(l1, l2); d != 0 {
		t.Fatalf("identical trees should have 0 edit distance, got %v", d)
	}
}

func TestCodeEditDistancePositiveForDifferent(t *testing.T) {
	m := NewManager()
	l1 := m.AllocList([]Handle{m.AllocLeafNumber(1), m.AllocLeafNumber(2)})
	l2 := m.AllocList([]Handle{m.AllocLeafNumber(1), m.AllocLeafNumber(99)})
	if d := m.CodeEditDistance(l1, l2); d <= 0 {
		t.Fatalf("different trees should have positive edit distance, got %v", d)
	}
}

func TestUpdateFlagsPropagatesCycleCheckFromLists(t *testing.T) {
	m := NewManager()
	leaf := m.AllocLeafNumber(1)
	list := m.AllocList([]Handle{leaf})
	m.UpdateFlagsForTree(list)
	if !m.NeedsCycleCheck(list) {
		t.Fatalf("list nodes should always need a cycle check")
	}
}

func TestGarbageCollectionReclaimsUnreachable(t *testing.T) {
	m := NewManager()
	root := m.AllocLeafNumber(1)
	orphan := m.AllocLeafNumber(2)
	m.KeepRef(root)

	before := m.Len()
	m.CollectGarbage()
	after := m.Len()

	if after >= before {
		t.Fatalf("expected GC to shrink live set: before=%d after=%d", before, after)
	}
	if m.get(orphan) != nil {
		t.Fatalf("unreferenced node should have been collected")
	}
	if m.get(root) == nil {
		t.Fatalf("rooted node should survive GC")
	}
}

func TestDeepCopyLabelEscape(t *testing.T) {
	m := NewManager()
	orig := m.AllocLeafString("foo")
	inc := m.DeepCopy(orig, 1)
	n := m.get(inc)
	if n.str != "#foo" {
		t.Fatalf("label escape increment should prefix with #, got %q", n.str)
	}
	dec := m.DeepCopy(inc, -1)
	n2 := m.get(dec)
	if n2.str != "foo" {
		t.Fatalf("label escape decrement should strip leading #, got %q", n2.str)
	}
}
