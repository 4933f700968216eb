// Package segment provides condition evaluation and the segmentation engine.
//
// Conditions are typed predicates over dotted profile field paths. The
// evaluator fails closed: any type mismatch or malformed condition evaluates
// to false, so a single bad rule cannot abort segmentation for other
// segments or customers.
package segment

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/fabiol8/piucane-engine/internal/models"
)

// Evaluate runs a single condition against flattened profile fields.
// It never returns an error; see the fail-closed policy above.
func Evaluate(fields map[string]any, cond models.SegmentCondition) bool {
	value, present := models.ResolvePath(fields, cond.Field)

	switch cond.Operator {
	case models.OperatorExists:
		return present && value != nil
	case models.OperatorNotExists:
		return !present || value == nil
	}

	if !present {
		return matchesAbsent(cond.Operator)
	}

	switch cond.Operator {
	case models.OperatorEquals:
		return equalValues(value, cond.Value)
	case models.OperatorNotEquals:
		return !equalValues(value, cond.Value)
	case models.OperatorGreaterThan:
		a, aok := toFloat(value)
		b, bok := toFloat(cond.Value)
		return aok && bok && a > b
	case models.OperatorLessThan:
		a, aok := toFloat(value)
		b, bok := toFloat(cond.Value)
		return aok && bok && a < b
	case models.OperatorIn:
		return containsValue(cond.Value, value)
	case models.OperatorNotIn:
		set, ok := toSlice(cond.Value)
		if !ok {
			return false
		}
		for _, item := range set {
			if equalValues(item, value) {
				return false
			}
		}
		return true
	case models.OperatorContains:
		return containsSubstring(value, cond.Value)
	case models.OperatorNotContains:
		return !containsSubstring(value, cond.Value)
	case models.OperatorBetween:
		bounds, ok := toSlice(cond.Value)
		if !ok || len(bounds) != 2 {
			return false
		}
		v, vok := toFloat(value)
		lo, lok := toFloat(bounds[0])
		hi, hok := toFloat(bounds[1])
		return vok && lok && hok && v >= lo && v <= hi
	default:
		return false
	}
}

// matchesAbsent handles operators whose semantics are defined even when the
// field is missing from the profile.
func matchesAbsent(op models.ConditionOperator) bool {
	switch op {
	case models.OperatorNotEquals, models.OperatorNotIn, models.OperatorNotContains:
		return true
	default:
		return false
	}
}

// MatchConditions combines an ordered condition list left to right: the
// result starts as the evaluation of the first condition and each subsequent
// condition combines with the running result using its OWN logical operator.
// [C1, C2(OR), C3(AND)] therefore evaluates as (C1 OR C2) AND C3.
func MatchConditions(fields map[string]any, conditions []models.SegmentCondition) bool {
	if len(conditions) == 0 {
		return false
	}
	result := Evaluate(fields, conditions[0])
	for _, cond := range conditions[1:] {
		matched := Evaluate(fields, cond)
		if cond.LogicalOperator == models.LogicalOr {
			result = result || matched
		} else {
			result = result && matched
		}
	}
	return result
}

// equalValues compares two JSON-shaped values. Numbers compare numerically
// regardless of concrete Go type; everything else compares by normalized
// string form after a same-kind check.
func equalValues(a, b any) bool {
	if af, aok := toFloat(a); aok {
		bf, bok := toFloat(b)
		return bok && af == bf
	}
	if _, bok := toFloat(b); bok {
		return false
	}
	ab, aIsBool := a.(bool)
	bb, bIsBool := b.(bool)
	if aIsBool || bIsBool {
		return aIsBool && bIsBool && ab == bb
	}
	as, aIsStr := a.(string)
	bs, bIsStr := b.(string)
	if aIsStr && bIsStr {
		return as == bs
	}
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

// containsValue reports whether set (which must be a slice) contains v.
func containsValue(set, v any) bool {
	items, ok := toSlice(set)
	if !ok {
		return false
	}
	for _, item := range items {
		if equalValues(item, v) {
			return true
		}
	}
	return false
}

// containsSubstring implements the contains operator: for sequences, true
// iff any element's string form contains needle's string form; for scalars,
// a plain substring test.
func containsSubstring(value, needle any) bool {
	ns := stringForm(needle)
	if items, ok := toSlice(value); ok {
		for _, item := range items {
			if strings.Contains(stringForm(item), ns) {
				return true
			}
		}
		return false
	}
	return strings.Contains(stringForm(value), ns)
}

func stringForm(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// toFloat coerces JSON-shaped numeric values (and numeric strings) to float64.
func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// toSlice normalizes the supported sequence shapes to []any.
func toSlice(v any) ([]any, bool) {
	switch s := v.(type) {
	case []any:
		return s, true
	case []string:
		out := make([]any, len(s))
		for i, item := range s {
			out[i] = item
		}
		return out, true
	case []float64:
		out := make([]any, len(s))
		for i, item := range s {
			out[i] = item
		}
		return out, true
	case []int:
		out := make([]any, len(s))
		for i, item := range s {
			out[i] = item
		}
		return out, true
	default:
		return nil, false
	}
}
