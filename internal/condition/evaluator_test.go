package condition

import (
	"testing"

	"pulsewatch/internal/model"
)

func TestMatches(t *testing.T) {
	crypto := map[string]any{
		"price":      51000.0,
		"change_24h": -6.5,
		"source":     "binance",
		"symbol":     "BTC",
	}
	website := map[string]any{
		"status_code": 200,
		"is_online":   true,
		"error":       nil,
	}

	tests := []struct {
		name string
		cond model.Condition
		data map[string]any
		want bool
	}{
		{"above true", model.Condition{Field: "price", Operator: model.OpAbove, Value: 50000}, crypto, true},
		{"above false", model.Condition{Field: "price", Operator: model.OpAbove, Value: 60000}, crypto, false},
		{"greater_than alias", model.Condition{Field: "price", Operator: model.OpGreaterThan, Value: "50000"}, crypto, true},
		{"below", model.Condition{Field: "price", Operator: model.OpBelow, Value: 52000.5}, crypto, true},
		{"less_than alias", model.Condition{Field: "price", Operator: model.OpLessThan, Value: 51000}, crypto, false},
		{"field case-insensitive", model.Condition{Field: "PRICE", Operator: model.OpAbove, Value: 1}, crypto, true},
		{"operator case-insensitive", model.Condition{Field: "price", Operator: "ABOVE", Value: 1}, crypto, true},
		{"missing field", model.Condition{Field: "volume", Operator: model.OpAbove, Value: 1}, crypto, false},
		{"nil data", model.Condition{Field: "price", Operator: model.OpAbove, Value: 1}, nil, false},
		{"equals numeric", model.Condition{Field: "status_code", Operator: model.OpEquals, Value: 200.0}, website, true},
		{"equals numeric string", model.Condition{Field: "status_code", Operator: model.OpEquals, Value: "200"}, website, true},
		{"equals string exact", model.Condition{Field: "source", Operator: model.OpEquals, Value: "binance"}, crypto, true},
		{"equals string case-sensitive", model.Condition{Field: "symbol", Operator: model.OpEquals, Value: "btc"}, crypto, false},
		{"equals bool", model.Condition{Field: "is_online", Operator: model.OpEquals, Value: true}, website, true},
		{"equals bool string", model.Condition{Field: "is_online", Operator: model.OpEquals, Value: "false"}, website, false},
		{"nil field value", model.Condition{Field: "error", Operator: model.OpEquals, Value: "timeout"}, website, false},
		{"ordering on string", model.Condition{Field: "source", Operator: model.OpAbove, Value: 1}, crypto, false},
		{"ordering on bool", model.Condition{Field: "is_online", Operator: model.OpAbove, Value: 0}, website, false},
		{"changes_by negative move", model.Condition{Field: "change_24h", Operator: model.OpChangesBy, Value: 5}, crypto, true},
		{"changes_by below threshold", model.Condition{Field: "change_24h", Operator: model.OpChangesBy, Value: 7}, crypto, false},
		{"unknown operator", model.Condition{Field: "price", Operator: "between", Value: 1}, crypto, false},
		{"nil value", model.Condition{Field: "price", Operator: model.OpAbove, Value: nil}, crypto, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Matches(tt.cond, tt.data); got != tt.want {
				t.Errorf("Matches(%v) = %v, want %v", tt.cond, got, tt.want)
			}
		})
	}
}

func TestLookup_PrefersExactKey(t *testing.T) {
	data := map[string]any{"Price": 1.0, "price": 2.0}
	v, ok := Lookup(data, "price")
	if !ok || v != 2.0 {
		t.Errorf("expected exact key value 2, got %v (%v)", v, ok)
	}
}
