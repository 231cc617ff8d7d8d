package server

import (
	"github.com/amalgam/sbfds/pkg/query"
)

// QueryRequest is the body of POST /query: an ordered condition list plus
// an optional caller-supplied correlation id (one is generated when empty).
type QueryRequest struct {
	RequestID  string                   `json:"request_id,omitempty"`
	Conditions []query.ConditionRequest `json:"conditions"`
}

// DistancePair is one (entity, value) output element.
type DistancePair struct {
	Entity int     `json:"entity"`
	Value  float64 `json:"value"`
}

// ValueMassJSON is one bucket of a value-mass histogram.
type ValueMassJSON struct {
	Value interface{} `json:"value"`
	Mass  float64     `json:"mass"`
}

// QueryResponse carries whichever outputs the pipeline produced.
type QueryResponse struct {
	RequestID string          `json:"request_id"`
	Entities  []int           `json:"entities"`
	Distances []DistancePair  `json:"distances,omitempty"`
	Scalar    *float64        `json:"scalar,omitempty"`
	Value     interface{}     `json:"value,omitempty"`
	Masses    []ValueMassJSON `json:"masses,omitempty"`
	Exhausted bool            `json:"exhausted,omitempty"`
}

// EntityAddRequest is the body of POST /entities.
type EntityAddRequest struct {
	Values map[string]interface{} `json:"values"`
	Seed   string                 `json:"seed,omitempty"`
}

// EntityAddResponse returns the assigned entity index.
type EntityAddResponse struct {
	Entity int `json:"entity"`
}

// EntityUpdateRequest is the body of PATCH /entities/{id}.
type EntityUpdateRequest struct {
	Label string      `json:"label"`
	Value interface{} `json:"value"`
}

// StatsResponse is the body of GET /stats.
type StatsResponse struct {
	Entities int `json:"entities"`
	Columns  int `json:"columns"`
	Strings  int `json:"strings"`
}
