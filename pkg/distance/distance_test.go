package distance

import (
	"math"
	"testing"

	"github.com/amalgam/sbfds/pkg/cell"
	"github.com/amalgam/sbfds/pkg/intern"
)

func newParams(features ...FeatureParams) *Params {
	d := &Params{Features: features, PValue: 2, HighAccuracy: true}
	d.PrecomputeTerms()
	return d
}

func contFeature(weight float64) FeatureParams {
	return FeatureParams{
		Weight:           weight,
		Type:             ContinuousNumeric,
		KnownToUnknown:   1,
		UnknownToUnknown: 1,
	}
}

func TestContinuousTerm(t *testing.T) {
	d := newParams(contFeature(1))

	got := d.ComputeTerm(0, cell.NewNumber(1), cell.NewNumber(4))
	if got != 9 {
		t.Fatalf("term = %v, want 9 (|1-4|^2)", got)
	}
	if got := d.ComputeTerm(0, cell.NewNumber(5), cell.NewNumber(5)); got != 0 {
		t.Fatalf("equal values must contribute 0, got %v", got)
	}
}

func TestDeviationFloorsAtZero(t *testing.T) {
	f := contFeature(1)
	f.Deviation = 2
	d := newParams(f)

	if got := d.ComputeTerm(0, cell.NewNumber(0), cell.NewNumber(1)); got != 0 {
		t.Fatalf("deviation-subtracted diff should floor at 0, got %v", got)
	}
	if got := d.ComputeTerm(0, cell.NewNumber(0), cell.NewNumber(5)); got != 9 {
		t.Fatalf("term = %v, want (5-2)^2 = 9", got)
	}
}

func TestCyclicWrapsDifference(t *testing.T) {
	f := FeatureParams{
		Weight:           1,
		Type:             ContinuousNumericCyclic,
		CycleRange:       360,
		KnownToUnknown:   1,
		UnknownToUnknown: 1,
	}
	d := &Params{Features: []FeatureParams{f}, PValue: 1, HighAccuracy: true}
	d.PrecomputeTerms()

	cases := []struct {
		a, b, want float64
	}{
		{0, 10, 10},
		{0, 350, 10},
		{0, 180, 180},
	}
	for _, c := range cases {
		if got := d.ComputeTerm(0, cell.NewNumber(c.a), cell.NewNumber(c.b)); got != c.want {
			t.Errorf("cyclic |%v-%v| = %v, want %v", c.a, c.b, got, c.want)
		}
	}
}

func TestCyclicRangeZeroDegeneratesToContinuous(t *testing.T) {
	f := FeatureParams{
		Weight:           1,
		Type:             ContinuousNumericCyclic,
		CycleRange:       0,
		KnownToUnknown:   1,
		UnknownToUnknown: 1,
	}
	d := &Params{Features: []FeatureParams{f}, PValue: 1, HighAccuracy: true}
	d.PrecomputeTerms()

	if got := d.ComputeTerm(0, cell.NewNumber(0), cell.NewNumber(300)); got != 300 {
		t.Fatalf("range-0 cyclic should behave continuously, got %v", got)
	}
}

func TestNominalMismatch(t *testing.T) {
	pool := intern.NewPool(nil)
	a := pool.CreateRef("A")
	b := pool.CreateRef("B")

	f := FeatureParams{
		Weight:             1,
		Type:               Nominal,
		NominalCardinality: 3,
		KnownToUnknown:     1,
		UnknownToUnknown:   1,
	}
	d := &Params{Features: []FeatureParams{f}, PValue: 1, HighAccuracy: true, Pool: pool}
	d.PrecomputeTerms()

	if got := d.ComputeTerm(0, cell.NewStringID(a), cell.NewStringID(a)); got != 0 {
		t.Fatalf("nominal match must be 0, got %v", got)
	}
	mismatch := d.ComputeTerm(0, cell.NewStringID(a), cell.NewStringID(b))
	if mismatch != d.Features[0].NominalNonMatchTerm() || mismatch <= 0 {
		t.Fatalf("nominal mismatch = %v, want precomputed positive term", mismatch)
	}
}

func TestUnknownValueTerms(t *testing.T) {
	f := contFeature(1)
	f.KnownToUnknown = 3
	f.UnknownToUnknown = 1
	d := newParams(f)

	nan := cell.NewNumber(math.NaN())
	if got := d.ComputeTerm(0, cell.NewNumber(2), nan); got != 9 {
		t.Fatalf("known-to-unknown term = %v, want 9", got)
	}
	if got := d.ComputeTerm(0, nan, nan); got != 1 {
		t.Fatalf("unknown-to-unknown term = %v, want 1", got)
	}
	if got := d.ComputeTerm(0, cell.NewNumber(2), cell.NullValue); got != 9 {
		t.Fatalf("null candidate should use known-to-unknown, got %v", got)
	}
}

func TestStringEditDistance(t *testing.T) {
	pool := intern.NewPool(nil)
	ab := pool.CreateRef("ab")
	ac := pool.CreateRef("ac")

	f := FeatureParams{
		Weight:           1,
		Type:             ContinuousString,
		KnownToUnknown:   1,
		UnknownToUnknown: 1,
	}
	d := &Params{Features: []FeatureParams{f}, PValue: 1, HighAccuracy: true, Pool: pool}
	d.PrecomputeTerms()

	if got := d.ComputeTerm(0, cell.NewStringID(ab), cell.NewStringID(ab)); got != 0 {
		t.Fatalf("identical strings must contribute 0, got %v", got)
	}
	if got := d.ComputeTerm(0, cell.NewStringID(ab), cell.NewStringID(ac)); got != 0.5 {
		t.Fatalf("one edit over length 2 = %v, want 0.5", got)
	}
}

func TestFastPowStaysWithinTolerance(t *testing.T) {
	for _, x := range []float64{0.001, 0.5, 1, 2, 10, 1234.5} {
		for _, p := range []float64{0.5, 1, 2, 2.5} {
			exact := math.Pow(x, p)
			approx := fastPow(x, p)
			rel := math.Abs(approx-exact) / exact
			if rel > 0.15 {
				t.Errorf("fastPow(%v, %v) = %v, exact %v, rel err %.3f", x, p, approx, exact, rel)
			}
		}
	}
	if fastPow(0, 2) != 0 {
		t.Errorf("fastPow(0, 2) must be 0")
	}
}

func TestSumToDistance(t *testing.T) {
	d := &Params{PValue: 2, HighAccuracy: true}
	if got := d.SumToDistance(25); got != 5 {
		t.Fatalf("sqrt(25) = %v, want 5", got)
	}
	d.PValue = 1
	if got := d.SumToDistance(7); got != 7 {
		t.Fatalf("p=1 distance is the sum itself, got %v", got)
	}
}
