package stepflow

import (
	"fmt"
	"log/slog"
	"reflect"
	"strings"
)

// Operator is a comparison operator used by conditions.
type Operator string

// Supported condition operators.
const (
	OpEq    Operator = "=="
	OpNe    Operator = "!="
	OpGt    Operator = ">"
	OpLt    Operator = "<"
	OpGe    Operator = ">="
	OpLe    Operator = "<="
	OpIn    Operator = "in"
	OpNotIn Operator = "not_in"
)

// ParseOperator validates an operator string.
func ParseOperator(s string) (Operator, error) {
	switch op := Operator(s); op {
	case OpEq, OpNe, OpGt, OpLt, OpGe, OpLe, OpIn, OpNotIn:
		return op, nil
	default:
		return "", fmt.Errorf("unknown operator %q", s)
	}
}

// Condition is a predicate over a single state field. It compares the
// value stored under Field against Value using Operator.
type Condition struct {
	Field    string   `json:"field"`
	Operator Operator `json:"operator"`
	Value    any      `json:"value"`
}

// Evaluate applies the condition to the given state. A field absent from
// the state evaluates as nil: nil equals only nil, differs from any
// non-nil value, and orders against nothing. Comparisons between
// incomparable types and unknown operators evaluate to false rather
// than failing the run; unknown operators additionally log a warning.
// A panic raised anywhere in the comparison is likewise collapsed to
// false, so slice- or map-valued operands can never abort a caller.
func (c Condition) Evaluate(st *State) (matched bool) {
	defer func() {
		if r := recover(); r != nil {
			slog.Warn("condition evaluation failed",
				"field", c.Field, "operator", string(c.Operator), "panic", r)
			matched = false
		}
	}()

	actual := st.Get(c.Field)

	switch c.Operator {
	case OpEq:
		return equalValues(actual, c.Value)
	case OpNe:
		return !equalValues(actual, c.Value)
	case OpGt:
		af, bf, ok := bothNumbers(actual, c.Value)
		return ok && af > bf
	case OpLt:
		af, bf, ok := bothNumbers(actual, c.Value)
		return ok && af < bf
	case OpGe:
		af, bf, ok := bothNumbers(actual, c.Value)
		return ok && af >= bf
	case OpLe:
		af, bf, ok := bothNumbers(actual, c.Value)
		return ok && af <= bf
	case OpIn:
		return contains(c.Value, actual)
	case OpNotIn:
		return !contains(c.Value, actual)
	default:
		slog.Warn("condition references unknown operator",
			"operator", string(c.Operator), "field", c.Field)
		return false
	}
}

func (c Condition) String() string {
	return fmt.Sprintf("%s %s %v", c.Field, c.Operator, c.Value)
}

// equalValues compares two values, coercing numeric types so that an
// int stored by a step compares equal to a float from a definition.
// Operands of incomparable dynamic types (slices, maps, functions) are
// never equal.
func equalValues(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return af == bf
		}
		return false
	}
	if !reflect.TypeOf(a).Comparable() || !reflect.TypeOf(b).Comparable() {
		return false
	}
	return a == b
}

// bothNumbers coerces both operands to float64. Ordering comparisons are
// defined only over numbers; anything else reports not-ok.
func bothNumbers(a, b any) (float64, float64, bool) {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	return af, bf, aok && bok
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}

// contains reports whether needle is a member of collection. Collections
// are slices (element membership) or strings (substring match when the
// needle is a string).
func contains(collection, needle any) bool {
	switch coll := collection.(type) {
	case []any:
		for _, item := range coll {
			if equalValues(item, needle) {
				return true
			}
		}
		return false
	case []string:
		s, ok := needle.(string)
		if !ok {
			return false
		}
		for _, item := range coll {
			if item == s {
				return true
			}
		}
		return false
	case string:
		s, ok := needle.(string)
		return ok && strings.Contains(coll, s)
	default:
		return false
	}
}
