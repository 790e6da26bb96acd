// Package condition evaluates a single alert condition against the flat
// data map produced by a data source adapter.
package condition

import (
	"math"
	"strings"

	"github.com/spf13/cast"

	"pulsewatch/internal/model"
)

// Matches reports whether cond holds for data. A missing field, an unknown
// operator or a non-numeric operand for an ordering operator is a non-match.
func Matches(cond model.Condition, data map[string]any) bool {
	current, ok := Lookup(data, cond.Field)
	if !ok || current == nil || cond.Value == nil {
		return false
	}

	switch model.Operator(strings.ToLower(string(cond.Operator))) {
	case model.OpAbove, model.OpGreaterThan:
		a, b, ok := numericPair(current, cond.Value)
		return ok && a > b
	case model.OpBelow, model.OpLessThan:
		a, b, ok := numericPair(current, cond.Value)
		return ok && a < b
	case model.OpEquals:
		if a, b, ok := numericPair(current, cond.Value); ok {
			return a == b
		}
		as, err1 := cast.ToStringE(current)
		bs, err2 := cast.ToStringE(cond.Value)
		return err1 == nil && err2 == nil && as == bs
	case model.OpChangesBy:
		// current is a percent change computed by the adapter.
		a, b, ok := numericPair(current, cond.Value)
		return ok && math.Abs(a) >= math.Abs(b)
	default:
		return false
	}
}

// Lookup finds field in data, falling back to a case-insensitive match.
func Lookup(data map[string]any, field string) (any, bool) {
	if data == nil || field == "" {
		return nil, false
	}
	if v, ok := data[field]; ok {
		return v, true
	}
	for k, v := range data {
		if strings.EqualFold(k, field) {
			return v, true
		}
	}
	return nil, false
}

func numericPair(a, b any) (float64, float64, bool) {
	x, ok := toNumber(a)
	if !ok {
		return 0, 0, false
	}
	y, ok := toNumber(b)
	if !ok {
		return 0, 0, false
	}
	return x, y, true
}

func toNumber(v any) (float64, bool) {
	switch t := v.(type) {
	case nil, bool:
		return 0, false
	case string:
		if strings.TrimSpace(t) == "" {
			return 0, false
		}
	}
	f, err := cast.ToFloat64E(v)
	if err != nil || math.IsNaN(f) {
		return 0, false
	}
	return f, true
}
