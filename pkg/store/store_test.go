package store_test

import (
	"math"
	"testing"

	"github.com/amalgam/sbfds/pkg/cell"
	"github.com/amalgam/sbfds/pkg/distance"
	"github.com/amalgam/sbfds/pkg/query"
	"github.com/amalgam/sbfds/pkg/store"
)

func TestAddQueryRemoveLifecycle(t *testing.T) {
	st := store.New(store.Config{})
	for i := 0; i < 5; i++ {
		st.AddEntity(map[string]interface{}{"x": float64(i)}, "")
	}
	if st.NumEntities() != 5 {
		t.Fatalf("NumEntities = %d, want 5", st.NumEntities())
	}

	res, err := st.Query([]query.Condition{{
		Op: query.OpEquals, Label: "x", LowValue: cell.NewNumber(3),
	}})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Entities) != 1 || res.Entities[0] != 3 {
		t.Fatalf("EQUALS 3 = %v, want [3]", res.Entities)
	}

	// Removing entity 1 relocates entity 4 into slot 1.
	if err := st.RemoveEntity(1); err != nil {
		t.Fatal(err)
	}
	st.VerifyIntegrity()

	res, err = st.Query([]query.Condition{{
		Op: query.OpEquals, Label: "x", LowValue: cell.NewNumber(4),
	}})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Entities) != 1 || res.Entities[0] != 1 {
		t.Fatalf("relocated entity should answer at its new index, got %v", res.Entities)
	}
}

func TestRemoveThenReAddRoundTrip(t *testing.T) {
	st := store.New(store.Config{})
	st.AddEntity(map[string]interface{}{"x": 1.0, "tag": "alpha"}, "")
	st.AddEntity(map[string]interface{}{"x": 2.0, "tag": "beta"}, "")

	// Materialize both columns, then remove and re-add the last entity
	// with identical values.
	if _, err := st.Query([]query.Condition{{Op: query.OpExists, Label: "x"}, {Op: query.OpExists, Label: "tag"}}); err != nil {
		t.Fatal(err)
	}
	if err := st.RemoveEntity(1); err != nil {
		t.Fatal(err)
	}
	st.AddEntity(map[string]interface{}{"x": 2.0, "tag": "beta"}, "")
	st.VerifyIntegrity()

	res, err := st.Query([]query.Condition{{
		Op: query.OpEquals, Label: "tag", LowValue: cell.NewStringID(st.Pool().CreateRef("beta")),
	}})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Entities) != 1 || res.Entities[0] != 1 {
		t.Fatalf("re-added entity not queryable: %v", res.Entities)
	}
}

func TestUpdateEntityLabel(t *testing.T) {
	st := store.New(store.Config{})
	st.AddEntity(map[string]interface{}{"x": 1.0}, "")
	st.AddEntity(map[string]interface{}{"x": 2.0}, "")

	if _, err := st.Query([]query.Condition{{Op: query.OpExists, Label: "x"}}); err != nil {
		t.Fatal(err)
	}
	if err := st.UpdateEntityLabel(0, "x", 9.0); err != nil {
		t.Fatal(err)
	}
	st.VerifyIntegrity()

	res, err := st.Query([]query.Condition{{
		Op: query.OpEquals, Label: "x", LowValue: cell.NewNumber(9),
	}})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Entities) != 1 || res.Entities[0] != 0 {
		t.Fatalf("update not reflected in index: %v", res.Entities)
	}
}

func TestStringRefCountsSurviveRemoval(t *testing.T) {
	st := store.New(store.Config{})
	st.AddEntity(map[string]interface{}{"tag": "shared"}, "")
	st.AddEntity(map[string]interface{}{"tag": "shared"}, "")

	id, ok := st.Pool().Lookup("shared")
	if !ok {
		t.Fatalf("value string not interned")
	}
	if err := st.RemoveEntity(0); err != nil {
		t.Fatal(err)
	}
	// One carrier remains; the string must still resolve.
	if got := st.Pool().Get(id); got != "shared" {
		t.Fatalf("shared string lost after one carrier removed: %q", got)
	}
	if err := st.RemoveEntity(0); err != nil {
		t.Fatal(err)
	}
	if _, still := st.Pool().Lookup("shared"); still {
		t.Fatalf("string should be reclaimed once no entity references it")
	}
}

func TestNaNRadiusDegradesToNull(t *testing.T) {
	st := store.New(store.Config{})
	st.AddEntity(map[string]interface{}{"x": 1.0}, "")

	res, err := st.Query([]query.Condition{{
		Op:      query.OpWithinDistance,
		MaxDist: math.NaN(),
		PValue:  2,
		Features: []query.FeatureSpec{
			query.NewFeatureSpec("x", 1, distance.ContinuousNumeric, cell.NewNumber(0)),
		},
	}})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Entities) != 0 {
		t.Fatalf("NaN radius should constrain to nothing, got %v", res.Entities)
	}
}

func TestConvictionEndpointsRankHigher(t *testing.T) {
	// Five entities on a line at x in {0..4}; with k=2 the interior
	// entities are better supported by their neighborhoods, so the
	// endpoints' distance contributions are the largest and the ranking
	// is stable across runs.
	st := store.New(store.Config{})
	for i := 0; i < 5; i++ {
		st.AddEntity(map[string]interface{}{"x": float64(i)}, "")
	}

	cond := []query.Condition{{
		Op:     query.OpDistanceContributions,
		K:      2,
		PValue: 2,
		Seed:   "conviction",
		Features: []query.FeatureSpec{
			query.NewFeatureSpec("x", 1, distance.ContinuousNumeric, cell.NewNumber(0)),
		},
		Precision: "precise",
	}}

	res, err := st.Query(cond)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Distances) != 5 {
		t.Fatalf("want 5 contributions, got %+v", res.Distances)
	}
	byEntity := make(map[int]float64, 5)
	for _, d := range res.Distances {
		byEntity[d.Entity] = d.Distance
	}
	if byEntity[0] <= byEntity[2] || byEntity[4] <= byEntity[2] {
		t.Fatalf("endpoints should contribute more distance than the center: %v", byEntity)
	}

	again, err := st.Query(cond)
	if err != nil {
		t.Fatal(err)
	}
	for i := range res.Distances {
		if res.Distances[i] != again.Distances[i] {
			t.Fatalf("conviction ranking not stable across runs: %+v vs %+v", res.Distances, again.Distances)
		}
	}
}

func TestCaseConvictionsStable(t *testing.T) {
	st := store.New(store.Config{})
	for i := 0; i < 5; i++ {
		st.AddEntity(map[string]interface{}{"x": float64(i)}, "")
	}

	cond := []query.Condition{{
		Op:     query.OpConvictions,
		K:      2,
		PValue: 2,
		Seed:   "conv",
		Features: []query.FeatureSpec{
			query.NewFeatureSpec("x", 1, distance.ContinuousNumeric, cell.NewNumber(0)),
		},
		Precision: "precise",
	}}
	first, err := st.Query(cond)
	if err != nil {
		t.Fatal(err)
	}
	if len(first.Distances) != 5 {
		t.Fatalf("want 5 convictions, got %d", len(first.Distances))
	}
	again, err := st.Query(cond)
	if err != nil {
		t.Fatal(err)
	}
	for i := range first.Distances {
		if first.Distances[i] != again.Distances[i] {
			t.Fatalf("convictions not deterministic: %+v vs %+v", first.Distances, again.Distances)
		}
	}
}

func TestGroupKLDivergenceSentinel(t *testing.T) {
	st := store.New(store.Config{})
	for i := 0; i < 4; i++ {
		st.AddEntity(map[string]interface{}{"x": float64(i)}, "")
	}

	res, err := st.Query([]query.Condition{{
		Op:     query.OpGroupKLDivergence,
		K:      2,
		PValue: 2,
		Seed:   "group",
		Features: []query.FeatureSpec{
			query.NewFeatureSpec("x", 1, distance.ContinuousNumeric, cell.NewNumber(0)),
		},
		Precision: "precise",
	}})
	if err != nil {
		t.Fatal(err)
	}
	// The whole matching set as the group yields the single sentinel pair.
	if len(res.Distances) != 1 || res.Distances[0].Entity != 0 {
		t.Fatalf("group divergence over everything = %+v, want one sentinel-id pair", res.Distances)
	}
}
