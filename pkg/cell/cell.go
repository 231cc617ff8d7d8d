// Package cell defines the Immediate-Value Cell: the tagged-union unit type
// stored in every entry of the SBFDS matrix (spec.md §3).
package cell

import (
	"math"

	"github.com/amalgam/sbfds/pkg/codegraph"
	"github.com/amalgam/sbfds/pkg/intern"
)

// Type tags which variant a Value holds.
type Type uint8

const (
	// Null is an explicit absence of value, distinct from NaN.
	Null Type = iota
	// Invalid marks a cell that could not be read from its entity at all.
	Invalid
	// Number holds a float64, including NaN as the "missing number" sentinel.
	Number
	// StringID holds an interned string.
	StringID
	// Code holds an opaque handle into the external code-graph collaborator.
	Code
)

func (t Type) String() string {
	switch t {
	case Null:
		return "null"
	case Invalid:
		return "invalid"
	case Number:
		return "number"
	case StringID:
		return "string"
	case Code:
		return "code"
	default:
		return "unknown"
	}
}

// Value is the tagged union cell. Exactly one of its fields is meaningful,
// selected by Type. The zero Value is {Null, 0, 0, 0}.
type Value struct {
	Type     Type
	Number   float64
	StringID intern.ID
	Code     codegraph.Handle
}

// NullValue is the canonical Null cell.
var NullValue = Value{Type: Null}

// InvalidValue is the canonical Invalid cell.
var InvalidValue = Value{Type: Invalid}

// NewNumber builds a Number cell. A NaN payload means "missing number",
// distinct from Null.
func NewNumber(v float64) Value { return Value{Type: Number, Number: v} }

// NewStringID builds a StringID cell.
func NewStringID(id intern.ID) Value { return Value{Type: StringID, StringID: id} }

// NewCode builds a Code cell.
func NewCode(h codegraph.Handle) Value { return Value{Type: Code, Code: h} }

// IsMissingNumber reports whether v is a Number cell holding NaN.
func (v Value) IsMissingNumber() bool {
	return v.Type == Number && math.IsNaN(v.Number)
}

// IsKnown reports whether v carries a usable value: a non-NaN number, a
// string, or code. Null, Invalid, and NaN numbers are all "unknown" for
// distance purposes (spec.md §4.5).
func (v Value) IsKnown() bool {
	switch v.Type {
	case Number:
		return !math.IsNaN(v.Number)
	case StringID, Code:
		return true
	default:
		return false
	}
}

// Equal reports structural equality for Number/StringID cells. Code cells
// are never equal here; callers needing code equality must use
// pkg/codegraph's structural comparison, since that requires walking the
// external node manager's arena.
func Equal(a, b Value) bool {
	if a.Type != b.Type {
		return false
	}
	switch a.Type {
	case Null, Invalid:
		return true
	case Number:
		// Two NaNs are considered equal missing-number markers for
		// equality predicates, even though NaN != NaN arithmetically.
		if math.IsNaN(a.Number) && math.IsNaN(b.Number) {
			return true
		}
		return a.Number == b.Number
	case StringID:
		return a.StringID == b.StringID
	case Code:
		return false
	default:
		return false
	}
}
