package query

import (
	"fmt"
	"strconv"

	"github.com/amalgam/sbfds/pkg/cell"
	"github.com/amalgam/sbfds/pkg/distance"
)

// ValueConverter turns wire-level values into cells, interning strings.
// pkg/store implements it.
type ValueConverter interface {
	CellFromAny(v interface{}) cell.Value
}

// ConditionRequest is the JSON wire form of one condition (spec.md §6
// query request format). Both the HTTP and MCP surfaces decode into this.
type ConditionRequest struct {
	Op    string      `json:"op"`
	Label string      `json:"label,omitempty"`
	Value interface{} `json:"value,omitempty"`

	Low           interface{} `json:"low,omitempty"`
	High          interface{} `json:"high,omitempty"`
	LowInclusive  *bool       `json:"low_inclusive,omitempty"`
	HighInclusive *bool       `json:"high_inclusive,omitempty"`

	Values []interface{} `json:"values,omitempty"`

	K      int     `json:"k,omitempty"`
	Offset int     `json:"offset,omitempty"`
	Q      float64 `json:"q,omitempty"`
	MeanP  float64 `json:"mean_p,omitempty"`

	Features  []FeatureRequest `json:"features,omitempty"`
	P         float64          `json:"p,omitempty"`
	MaxDist   float64          `json:"max_dist,omitempty"`
	Precision string           `json:"precision,omitempty"`

	// Transform is either "surprisal_to_prob" or a numeric exponent
	// rendered as a string (spec.md §6 distance-value transform tag).
	Transform string `json:"transform,omitempty"`

	WeightLabel string `json:"weight_label,omitempty"`
	Seed        string `json:"seed,omitempty"`

	Entities            []int `json:"entities,omitempty"`
	UseLog              bool  `json:"use_log,omitempty"`
	ConvictionOfRemoval bool  `json:"conviction_of_removal,omitempty"`
}

// FeatureRequest is the wire form of one distance feature tuple.
type FeatureRequest struct {
	Label            string      `json:"label"`
	Weight           float64     `json:"weight"`
	Type             string      `json:"type,omitempty"`
	Deviation        float64     `json:"deviation,omitempty"`
	KnownToUnknown   *float64    `json:"known_to_unknown,omitempty"`
	UnknownToUnknown *float64    `json:"unknown_to_unknown,omitempty"`
	CycleRange       float64     `json:"cycle_range,omitempty"`
	Cardinality      float64     `json:"cardinality,omitempty"`
	Target           interface{} `json:"target"`
}

var opNames = map[string]Op{
	"exists":                 OpExists,
	"not_exists":             OpNotExists,
	"equals":                 OpEquals,
	"not_equals":             OpNotEquals,
	"between":                OpBetween,
	"not_between":            OpNotBetween,
	"among":                  OpAmong,
	"not_among":              OpNotAmong,
	"gte":                    OpGreaterOrEqual,
	"lte":                    OpLessOrEqual,
	"min":                    OpMin,
	"max":                    OpMax,
	"sum":                    OpSum,
	"mode":                   OpMode,
	"quantile":               OpQuantile,
	"generalized_mean":       OpGeneralizedMean,
	"value_masses":           OpValueMasses,
	"min_difference":         OpMinDifference,
	"max_difference":         OpMaxDifference,
	"select":                 OpSelect,
	"sample":                 OpSample,
	"weighted_sample":        OpWeightedSample,
	"within":                 OpWithinDistance,
	"nearest":                OpNearest,
	"convictions":            OpConvictions,
	"kl_divergences":         OpKLDivergences,
	"group_kl_divergence":    OpGroupKLDivergence,
	"distance_contributions": OpDistanceContributions,
	"in_entity_list":         OpInEntityList,
	"not_in_entity_list":     OpNotInEntityList,
}

var featureTypeNames = map[string]distance.FeatureType{
	"":                    distance.ContinuousNumeric,
	"nominal":             distance.Nominal,
	"continuous":          distance.ContinuousNumeric,
	"cyclic":              distance.ContinuousNumericCyclic,
	"string":              distance.ContinuousString,
	"code":                distance.ContinuousCode,
	"universally_numeric": distance.ContinuousUniversallyNumeric,
}

// ToCondition converts the wire form into an executable Condition.
func (r *ConditionRequest) ToCondition(conv ValueConverter) (Condition, error) {
	op, ok := opNames[r.Op]
	if !ok {
		return Condition{}, fmt.Errorf("query: unknown condition op %q", r.Op)
	}

	c := Condition{
		Op:                  op,
		Label:               r.Label,
		K:                   r.K,
		Offset:              r.Offset,
		Quantile:            r.Q,
		MeanP:               r.MeanP,
		PValue:              r.P,
		MaxDist:             r.MaxDist,
		Precision:           r.Precision,
		WeightLabel:         r.WeightLabel,
		Seed:                r.Seed,
		Entities:            r.Entities,
		UseLog:              r.UseLog,
		ConvictionOfRemoval: r.ConvictionOfRemoval,
		LowInclusive:        true,
		HighInclusive:       true,
	}
	if r.LowInclusive != nil {
		c.LowInclusive = *r.LowInclusive
	}
	if r.HighInclusive != nil {
		c.HighInclusive = *r.HighInclusive
	}

	if r.Value != nil {
		c.LowValue = conv.CellFromAny(r.Value)
	}
	if r.Low != nil {
		c.LowValue = conv.CellFromAny(r.Low)
	}
	if r.High != nil {
		c.HighValue = conv.CellFromAny(r.High)
	}
	for _, v := range r.Values {
		c.Values = append(c.Values, conv.CellFromAny(v))
	}

	switch r.Transform {
	case "":
	case "surprisal_to_prob":
		c.SurprisalToProb = true
	default:
		exp, err := strconv.ParseFloat(r.Transform, 64)
		if err != nil {
			return Condition{}, fmt.Errorf("query: invalid transform %q", r.Transform)
		}
		c.TransformExponent = exp
	}

	for _, f := range r.Features {
		ftype, ok := featureTypeNames[f.Type]
		if !ok {
			return Condition{}, fmt.Errorf("query: unknown feature type %q", f.Type)
		}
		spec := NewFeatureSpec(f.Label, f.Weight, ftype, conv.CellFromAny(f.Target))
		spec.Deviation = f.Deviation
		spec.CycleRange = f.CycleRange
		spec.NominalCardinality = f.Cardinality
		if f.KnownToUnknown != nil {
			spec.KnownToUnknown = *f.KnownToUnknown
		}
		if f.UnknownToUnknown != nil {
			spec.UnknownToUnknown = *f.UnknownToUnknown
		}
		c.Features = append(c.Features, spec)
	}

	// JSON cannot distinguish an omitted p from an explicit 0, so the wire
	// defaults 0 to Euclidean. Callers who want the rejected p=0 behavior
	// must build the Condition struct directly.
	switch op {
	case OpNearest, OpWithinDistance, OpConvictions, OpKLDivergences,
		OpGroupKLDivergence, OpDistanceContributions:
		if c.PValue == 0 {
			c.PValue = 2
		}
	}
	return c, nil
}

// ToConditions converts a request list, failing on the first invalid entry.
func ToConditions(reqs []ConditionRequest, conv ValueConverter) ([]Condition, error) {
	out := make([]Condition, 0, len(reqs))
	for i := range reqs {
		c, err := reqs[i].ToCondition(conv)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}
