package mcp

import "github.com/amalgam/sbfds/pkg/query"

// --- Tool Arguments ---

type QueryArgs struct {
	Conditions []query.ConditionRequest `json:"conditions" jsonschema:"Ordered list of query conditions to reduce against the entity store,required"`
}

type QueryResult struct {
	RequestID string    `json:"request_id"`
	Entities  []int     `json:"entities"`
	Values    []float64 `json:"values,omitempty"`
	Scalar    *float64  `json:"scalar,omitempty"`
	Exhausted bool      `json:"exhausted,omitempty"`
}

type AddEntityArgs struct {
	Values map[string]interface{} `json:"values" jsonschema:"Label to value mapping for the new entity,required"`
	Seed   string                 `json:"seed,omitempty" jsonschema:"Randomness seed for the entity's stream"`
}

type AddEntityResult struct {
	Entity int `json:"entity"`
}

type RemoveEntityArgs struct {
	Entity int `json:"entity" jsonschema:"Index of the entity to remove,required"`
}

type RemoveEntityResult struct {
	Status string `json:"status"`
}

type UpdateEntityArgs struct {
	Entity int         `json:"entity" jsonschema:"Index of the entity to update,required"`
	Label  string      `json:"label" jsonschema:"Label to set,required"`
	Value  interface{} `json:"value" jsonschema:"New value (null clears to an explicit null cell)"`
}

type UpdateEntityResult struct {
	Status string `json:"status"`
}

type StatsArgs struct{}

type StatsResult struct {
	Entities int `json:"entities"`
	Columns  int `json:"columns"`
	Strings  int `json:"strings"`
}
