package column

import (
	"math"
	"testing"

	"github.com/amalgam/sbfds/pkg/cell"
	"github.com/amalgam/sbfds/pkg/indexset"
	"github.com/amalgam/sbfds/pkg/intern"
)

func TestInsertDeleteMaintainsStatusSets(t *testing.T) {
	col := New(1, 8, nil)

	col.InsertIndexValue(0, cell.NewNumber(1.5))
	col.InsertIndexValue(1, cell.NewNumber(math.NaN()))
	col.InsertIndexValue(2, cell.NullValue)
	col.InsertIndexValue(3, cell.InvalidValue)

	if !col.NumberIndices().Contains(0) {
		t.Errorf("entity 0 should be in number set")
	}
	if !col.NaNIndices().Contains(1) {
		t.Errorf("NaN number should land in the NaN set, not the number set")
	}
	if !col.NullIndices().Contains(2) || !col.InvalidIndices().Contains(3) {
		t.Errorf("null/invalid entities misplaced")
	}
	if col.NumEntities() != 4 {
		t.Fatalf("NumEntities = %d, want 4", col.NumEntities())
	}

	col.DeleteIndexValue(0, cell.NewNumber(1.5))
	if col.NumberIndices().Contains(0) {
		t.Errorf("entity 0 still present after delete")
	}
}

func TestChangeIndexValueMovesBetweenSets(t *testing.T) {
	col := New(1, 4, nil)
	col.InsertIndexValue(0, cell.NewNumber(2))

	col.ChangeIndexValue(0, cell.NewNumber(2), cell.NullValue)
	if col.NumberIndices().Contains(0) || !col.NullIndices().Contains(0) {
		t.Fatalf("change did not move entity between status sets")
	}
	if col.GetIndexValueType(0) != cell.Null {
		t.Fatalf("GetIndexValueType = %v, want Null", col.GetIndexValueType(0))
	}
}

func TestFindAllWithinNumeric(t *testing.T) {
	col := New(1, 8, nil)
	values := []float64{1.0, 2.0, 3.0, 4.0, math.NaN()}
	for i, v := range values {
		col.InsertIndexValue(i, cell.NewNumber(v))
	}

	out := indexset.New(8)
	col.FindAllWithinNumeric(2.0, 3.5, true, true, out)
	if got := out.ToSlice(); len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Fatalf("FindAllWithinNumeric = %v, want [1 2]", got)
	}

	// Exclusive bounds drop the boundary value.
	out.Clear()
	col.FindAllWithinNumeric(2.0, 4.0, false, false, out)
	if got := out.ToSlice(); len(got) != 1 || got[0] != 2 {
		t.Fatalf("exclusive range = %v, want [2]", got)
	}
}

func TestFindMinMaxSkipsDisabled(t *testing.T) {
	col := New(1, 8, nil)
	for i, v := range []float64{5, 1, 3, 2, 4} {
		col.InsertIndexValue(i, cell.NewNumber(v))
	}

	enabled := indexset.New(8)
	for _, e := range []int{0, 2, 3} {
		enabled.Insert(e)
	}
	out := indexset.New(8)
	col.FindMinMax(2, false, enabled, out)
	if got := out.ToSlice(); len(got) != 2 || got[0] != 2 || got[1] != 3 {
		t.Fatalf("FindMinMax min k=2 = %v, want [2 3]", got)
	}

	out.Clear()
	col.FindMinMax(1, true, enabled, out)
	if got := out.ToSlice(); len(got) != 1 || got[0] != 0 {
		t.Fatalf("FindMinMax max = %v, want [0]", got)
	}
}

func TestUnionAllWithValueMixedTypes(t *testing.T) {
	pool := intern.NewPool(nil)
	a := pool.CreateRef("alpha")
	col := New(1, 8, nil)

	col.InsertIndexValue(0, cell.NewNumber(7))
	col.InsertIndexValue(1, cell.NewStringID(a))
	col.InsertIndexValue(2, cell.NewNumber(7))
	col.InsertIndexValue(3, cell.NewStringID(a))

	out := indexset.New(8)
	col.UnionAllWithValue(cell.NewNumber(7), out)
	if got := out.ToSlice(); len(got) != 2 || got[0] != 0 || got[1] != 2 {
		t.Fatalf("numeric equality = %v, want [0 2]", got)
	}

	out.Clear()
	col.UnionAllWithValue(cell.NewStringID(a), out)
	if got := out.ToSlice(); len(got) != 2 || got[0] != 1 || got[1] != 3 {
		t.Fatalf("string equality = %v, want [1 3]", got)
	}
}

func TestNumberMinMax(t *testing.T) {
	col := New(1, 4, nil)
	if _, _, ok := col.NumberMinMax(); ok {
		t.Fatalf("empty column should have no min/max")
	}
	col.InsertIndexValue(0, cell.NewNumber(-2))
	col.InsertIndexValue(1, cell.NewNumber(9))
	lo, hi, ok := col.NumberMinMax()
	if !ok || lo != -2 || hi != 9 {
		t.Fatalf("NumberMinMax = (%v, %v, %v), want (-2, 9, true)", lo, hi, ok)
	}
}

func TestNaturalStringLess(t *testing.T) {
	cases := []struct {
		a, b string
		want bool
	}{
		{"2", "10", true},
		{"10", "2", false},
		{"1.0", "1.25", true},
		{"1.25", "2.0", true},
		{"-1.5", "1.5", true},
		{"abc", "abd", true},
		{"x", "x", false},
	}
	for _, c := range cases {
		if got := NaturalStringLess(c.a, c.b); got != c.want {
			t.Errorf("NaturalStringLess(%q, %q) = %v, want %v", c.a, c.b, got, c.want)
		}
	}
}
