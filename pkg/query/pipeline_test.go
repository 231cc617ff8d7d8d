package query_test

import (
	"errors"
	"math"
	"testing"

	"github.com/amalgam/sbfds/pkg/cell"
	"github.com/amalgam/sbfds/pkg/distance"
	"github.com/amalgam/sbfds/pkg/query"
	"github.com/amalgam/sbfds/pkg/store"
)

func numberStore(t *testing.T, label string, values []float64) *store.Store {
	t.Helper()
	st := store.New(store.Config{})
	for _, v := range values {
		st.AddEntity(map[string]interface{}{label: v}, "seed")
	}
	return st
}

func TestBetweenInclusive(t *testing.T) {
	// Five entities with x = [1, 2, 3, 4, NaN]; BETWEEN [2, 3.5] keeps {1, 2}.
	st := numberStore(t, "x", []float64{1, 2, 3, 4, math.NaN()})

	res, err := st.Query([]query.Condition{{
		Op:            query.OpBetween,
		Label:         "x",
		LowValue:      cell.NewNumber(2.0),
		HighValue:     cell.NewNumber(3.5),
		LowInclusive:  true,
		HighInclusive: true,
	}})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Entities) != 2 || res.Entities[0] != 1 || res.Entities[1] != 2 {
		t.Fatalf("BETWEEN = %v, want [1 2]", res.Entities)
	}
}

func TestGreaterOrEqualRewrite(t *testing.T) {
	st := numberStore(t, "x", []float64{1, 2, 3, 4})
	res, err := st.Query([]query.Condition{{
		Op:       query.OpGreaterOrEqual,
		Label:    "x",
		LowValue: cell.NewNumber(3),
	}})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Entities) != 2 || res.Entities[0] != 2 || res.Entities[1] != 3 {
		t.Fatalf(">= 3 = %v, want [2 3]", res.Entities)
	}
}

func TestExistsAndNotExists(t *testing.T) {
	st := store.New(store.Config{})
	st.AddEntity(map[string]interface{}{"x": 1.0, "y": 2.0}, "")
	st.AddEntity(map[string]interface{}{"x": 3.0}, "")
	st.AddEntity(map[string]interface{}{"x": 4.0, "y": 5.0}, "")

	res, err := st.Query([]query.Condition{{Op: query.OpExists, Label: "y"}})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Entities) != 2 || res.Entities[0] != 0 || res.Entities[1] != 2 {
		t.Fatalf("EXISTS y = %v, want [0 2]", res.Entities)
	}

	res, err = st.Query([]query.Condition{{Op: query.OpNotExists, Label: "y"}})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Entities) != 1 || res.Entities[0] != 1 {
		t.Fatalf("NOT_EXISTS y = %v, want [1]", res.Entities)
	}
}

func TestEqualsOnStrings(t *testing.T) {
	st := store.New(store.Config{})
	st.AddEntity(map[string]interface{}{"c": "A"}, "")
	st.AddEntity(map[string]interface{}{"c": "B"}, "")
	st.AddEntity(map[string]interface{}{"c": "A"}, "")

	res, err := st.Query([]query.Condition{{
		Op:       query.OpEquals,
		Label:    "c",
		LowValue: cell.NewStringID(st.Pool().CreateRef("A")),
	}})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Entities) != 2 || res.Entities[0] != 0 || res.Entities[1] != 2 {
		t.Fatalf("EQUALS A = %v, want [0 2]", res.Entities)
	}
}

func TestAmong(t *testing.T) {
	st := numberStore(t, "x", []float64{1, 2, 3, 4})
	res, err := st.Query([]query.Condition{{
		Op:     query.OpAmong,
		Label:  "x",
		Values: []cell.Value{cell.NewNumber(2), cell.NewNumber(4)},
	}})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Entities) != 2 || res.Entities[0] != 1 || res.Entities[1] != 3 {
		t.Fatalf("AMONG = %v, want [1 3]", res.Entities)
	}
}

func TestSumAndQuantile(t *testing.T) {
	st := numberStore(t, "x", []float64{1, 2, 3, 4})

	res, err := st.Query([]query.Condition{{Op: query.OpSum, Label: "x"}})
	if err != nil {
		t.Fatal(err)
	}
	if !res.HasScalar || res.Scalar != 10 {
		t.Fatalf("SUM = %v, want 10", res.Scalar)
	}

	res, err = st.Query([]query.Condition{{Op: query.OpQuantile, Label: "x", Quantile: 0.5}})
	if err != nil {
		t.Fatal(err)
	}
	if !res.HasScalar || res.Scalar < 2 || res.Scalar > 3 {
		t.Fatalf("median = %v, want within [2, 3]", res.Scalar)
	}
}

func TestStatisticIsBitForBitRepeatable(t *testing.T) {
	st := numberStore(t, "x", []float64{0.1, 0.2, 0.3, 1e-9, 7.77})
	cond := []query.Condition{{Op: query.OpGeneralizedMean, Label: "x", MeanP: 3}}

	first, err := st.Query(cond)
	if err != nil {
		t.Fatal(err)
	}
	second, err := st.Query(cond)
	if err != nil {
		t.Fatal(err)
	}
	if math.Float64bits(first.Scalar) != math.Float64bits(second.Scalar) {
		t.Fatalf("statistic not repeatable: %x vs %x", math.Float64bits(first.Scalar), math.Float64bits(second.Scalar))
	}
}

func TestStatisticAfterFilterUsesMatchingSet(t *testing.T) {
	st := numberStore(t, "x", []float64{1, 2, 3, 4})
	res, err := st.Query([]query.Condition{
		{Op: query.OpBetween, Label: "x", LowValue: cell.NewNumber(2), HighValue: cell.NewNumber(4), LowInclusive: true, HighInclusive: true},
		{Op: query.OpSum, Label: "x"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Scalar != 9 {
		t.Fatalf("filtered SUM = %v, want 9", res.Scalar)
	}
}

func TestModeNumeric(t *testing.T) {
	st := numberStore(t, "x", []float64{5, 7, 5, 3, 5})
	res, err := st.Query([]query.Condition{{Op: query.OpMode, Label: "x"}})
	if err != nil {
		t.Fatal(err)
	}
	if !res.HasScalar || res.Scalar != 5 {
		t.Fatalf("MODE = %v, want 5", res.Scalar)
	}
}

func TestValueMasses(t *testing.T) {
	st := numberStore(t, "x", []float64{1, 1, 2})
	res, err := st.Query([]query.Condition{{Op: query.OpValueMasses, Label: "x"}})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Masses) != 2 {
		t.Fatalf("want 2 buckets, got %d", len(res.Masses))
	}
	if res.Masses[0].Value.Number != 1 || res.Masses[0].Mass != 2 {
		t.Fatalf("bucket 0 = %+v, want value 1 mass 2", res.Masses[0])
	}
	if res.Masses[1].Value.Number != 2 || res.Masses[1].Mass != 1 {
		t.Fatalf("bucket 1 = %+v, want value 2 mass 1", res.Masses[1])
	}
}

func TestMinMaxConditions(t *testing.T) {
	st := numberStore(t, "x", []float64{9, 1, 5, 3})
	res, err := st.Query([]query.Condition{{Op: query.OpMin, Label: "x", K: 2}})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Entities) != 2 || res.Entities[0] != 1 || res.Entities[1] != 3 {
		t.Fatalf("MIN k=2 = %v, want [1 3]", res.Entities)
	}
}

func TestSampleDeterministicBySeed(t *testing.T) {
	st := numberStore(t, "x", []float64{0, 1, 2, 3, 4, 5, 6, 7})
	cond := []query.Condition{{Op: query.OpSample, Label: "x", K: 3, Seed: "abc"}}

	a, err := st.Query(cond)
	if err != nil {
		t.Fatal(err)
	}
	b, err := st.Query(cond)
	if err != nil {
		t.Fatal(err)
	}
	if len(a.Entities) != 3 || len(b.Entities) != 3 {
		t.Fatalf("sample sizes = %d, %d; want 3", len(a.Entities), len(b.Entities))
	}
	for i := range a.Entities {
		if a.Entities[i] != b.Entities[i] {
			t.Fatalf("sampling not deterministic: %v vs %v", a.Entities, b.Entities)
		}
	}
}

func TestWeightedSampleFavorsHeavyEntities(t *testing.T) {
	st := store.New(store.Config{})
	st.AddEntity(map[string]interface{}{"x": 1.0, "w": 1000.0}, "")
	st.AddEntity(map[string]interface{}{"x": 2.0, "w": 0.0001}, "")

	res, err := st.Query([]query.Condition{{
		Op:          query.OpWeightedSample,
		Label:       "x",
		WeightLabel: "w",
		K:           20,
		Seed:        "ws",
	}})
	if err != nil {
		t.Fatal(err)
	}
	heavy := 0
	for _, e := range res.Entities {
		if e == 0 {
			heavy++
		}
	}
	if heavy < 15 {
		t.Fatalf("heavy entity drawn %d/20 times, expected a large majority", heavy)
	}
}

func TestNearestDistanceCondition(t *testing.T) {
	st := store.New(store.Config{})
	for _, xy := range [][2]float64{{0, 0}, {3, 4}, {6, 0}} {
		st.AddEntity(map[string]interface{}{"x": xy[0], "y": xy[1]}, "")
	}

	res, err := st.Query([]query.Condition{{
		Op:     query.OpNearest,
		K:      2,
		PValue: 2,
		Seed:   "knn",
		Features: []query.FeatureSpec{
			query.NewFeatureSpec("x", 1, distance.ContinuousNumeric, cell.NewNumber(1)),
			query.NewFeatureSpec("y", 1, distance.ContinuousNumeric, cell.NewNumber(0)),
		},
		Precision: "precise",
	}})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Distances) != 2 {
		t.Fatalf("want 2 nearest, got %+v", res.Distances)
	}
	if res.Distances[0].Entity != 0 || res.Distances[0].Distance != 1 {
		t.Fatalf("nearest = %+v, want entity 0 at 1", res.Distances[0])
	}
}

func TestRadiusExcludesEntityMissingFeature(t *testing.T) {
	// Entity 2 lacks y, so the auto-inserted EXISTS constraint removes it
	// even though its x alone would be within range.
	st := store.New(store.Config{})
	st.AddEntity(map[string]interface{}{"x": 0.0, "y": 0.0}, "")
	st.AddEntity(map[string]interface{}{"x": 0.5, "y": 0.5}, "")
	st.AddEntity(map[string]interface{}{"x": 0.0}, "")

	res, err := st.Query([]query.Condition{{
		Op:      query.OpWithinDistance,
		MaxDist: 1,
		PValue:  2,
		Seed:    "radius",
		Features: []query.FeatureSpec{
			query.NewFeatureSpec("x", 1, distance.ContinuousNumeric, cell.NewNumber(0)),
			query.NewFeatureSpec("y", 1, distance.ContinuousNumeric, cell.NewNumber(0)),
		},
		Precision: "precise",
	}})
	if err != nil {
		t.Fatal(err)
	}
	for _, d := range res.Distances {
		if d.Entity == 2 {
			t.Fatalf("entity without the y label must be excluded, got %+v", res.Distances)
		}
	}
	if len(res.Distances) != 2 {
		t.Fatalf("want entities 0 and 1 within radius, got %+v", res.Distances)
	}
}

func TestExclusionFolding(t *testing.T) {
	st := numberStore(t, "x", []float64{0, 1, 2})
	res, err := st.Query([]query.Condition{
		{Op: query.OpNotInEntityList, Entities: []int{0}},
		{
			Op:     query.OpNearest,
			K:      1,
			PValue: 2,
			Seed:   "fold",
			Features: []query.FeatureSpec{
				query.NewFeatureSpec("x", 1, distance.ContinuousNumeric, cell.NewNumber(0)),
			},
			Precision: "precise",
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Distances) != 1 || res.Distances[0].Entity != 1 {
		t.Fatalf("excluded entity 0 should fold into the nearest query: %+v", res.Distances)
	}
}

func TestPZeroRejected(t *testing.T) {
	st := numberStore(t, "x", []float64{0, 1})
	_, err := st.Query([]query.Condition{{
		Op:     query.OpNearest,
		K:      1,
		PValue: 0,
		Features: []query.FeatureSpec{
			query.NewFeatureSpec("x", 1, distance.ContinuousNumeric, cell.NewNumber(0)),
		},
	}})
	if !errors.Is(err, query.ErrUnsupportedPValue) {
		t.Fatalf("p=0 must be rejected, got %v", err)
	}
}

func TestBudgetExhaustionReturnsPartial(t *testing.T) {
	st := store.New(store.Config{StepBudget: 1})
	for i := 0; i < 10; i++ {
		st.AddEntity(map[string]interface{}{"x": float64(i)}, "")
	}
	res, err := st.Query([]query.Condition{
		{Op: query.OpExists, Label: "x"},
		{Op: query.OpSum, Label: "x"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Exhausted {
		t.Fatalf("budget of 1 step over 2 conditions must flag exhaustion")
	}
}

func TestQueryDeterminismAcrossRuns(t *testing.T) {
	st := numberStore(t, "x", []float64{5, 5, 5, 5, 1})
	cond := []query.Condition{{
		Op:     query.OpNearest,
		K:      2,
		PValue: 2,
		Seed:   "same-seed",
		Features: []query.FeatureSpec{
			query.NewFeatureSpec("x", 1, distance.ContinuousNumeric, cell.NewNumber(5)),
		},
		Precision: "precise",
	}}
	first, err := st.Query(cond)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 5; i++ {
		again, err := st.Query(cond)
		if err != nil {
			t.Fatal(err)
		}
		for j := range first.Distances {
			if first.Distances[j] != again.Distances[j] {
				t.Fatalf("run %d diverged: %+v vs %+v", i, again.Distances, first.Distances)
			}
		}
	}
}
