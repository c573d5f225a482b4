package validation_test

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/gioiasoftware/wine-inventory/model"
	"github.com/gioiasoftware/wine-inventory/validation"
)

func TestValidateRowRejectsEmptyAndPlaceholderNames(t *testing.T) {
	cases := []string{"", "  ", "nan", "N/A", "null", "None"}
	for _, name := range cases {
		_, reason, ok := validation.ValidateRow(validation.RawRow{"name": name}, "stage1_parse")
		if ok {
			t.Fatalf("expected row with name %q to be rejected", name)
		}
		if reason == "" {
			t.Fatalf("expected a rejection reason for name %q", name)
		}
	}
}

func TestValidateRowCoercesVintageFromFreeText(t *testing.T) {
	w, _, ok := validation.ValidateRow(validation.RawRow{
		"name":    "Chianti Classico",
		"vintage": "bottled in 2020, drink by 2030",
	}, "stage1_parse")
	if !ok {
		t.Fatalf("expected valid row")
	}
	if w.Vintage == nil || *w.Vintage != 2020 {
		t.Fatalf("expected vintage 2020 (first match), got %v", w.Vintage)
	}
}

func TestValidateRowQuantityDefaultsToZeroOnNegativeOrAbsent(t *testing.T) {
	for _, raw := range []string{"", "-5", "abc"} {
		w, _, ok := validation.ValidateRow(validation.RawRow{"name": "Test Wine", "quantity": raw}, "stage1_parse")
		if !ok {
			t.Fatalf("expected valid row for quantity %q", raw)
		}
		if w.Quantity != 0 {
			t.Fatalf("expected quantity 0 for input %q, got %d", raw, w.Quantity)
		}
	}
}

func TestValidateRowMoneyCommaSeparators(t *testing.T) {
	w, _, ok := validation.ValidateRow(validation.RawRow{
		"name":           "Test Wine",
		"cost_price":     "€12,50",
		"selling_price":  "1.250,75",
	}, "stage1_parse")
	if !ok {
		t.Fatalf("expected valid row")
	}
	if w.CostPrice == nil || !w.CostPrice.Equal(decimal.RequireFromString("12.50")) {
		t.Fatalf("expected cost_price 12.50, got %v", w.CostPrice)
	}
	if w.SellingPrice == nil || !w.SellingPrice.Equal(decimal.RequireFromString("1250.75")) {
		t.Fatalf("expected selling_price 1250.75, got %v", w.SellingPrice)
	}
}

func TestValidateRowNegativeMoneyRejectedToAbsent(t *testing.T) {
	w, _, ok := validation.ValidateRow(validation.RawRow{"name": "Test Wine", "cost_price": "-5.00"}, "stage1_parse")
	if !ok {
		t.Fatalf("expected valid row")
	}
	if w.CostPrice != nil {
		t.Fatalf("expected negative cost_price to be absent, got %v", w.CostPrice)
	}
}

func TestValidateRowAlcoholOutOfRange(t *testing.T) {
	w, _, ok := validation.ValidateRow(validation.RawRow{"name": "Test Wine", "alcohol_content": "150%"}, "stage1_parse")
	if !ok {
		t.Fatalf("expected valid row")
	}
	if w.AlcoholContent != nil {
		t.Fatalf("expected out-of-range alcohol content to be absent, got %v", *w.AlcoholContent)
	}
}

func TestValidateRowTypeHeuristicFallback(t *testing.T) {
	w, _, ok := validation.ValidateRow(validation.RawRow{"name": "Chianti Classico Riserva"}, "stage1_parse")
	if !ok {
		t.Fatalf("expected valid row")
	}
	if w.Type != model.WineTypeRosso {
		t.Fatalf("expected heuristic classification Rosso, got %s", w.Type)
	}
}

func TestDeduplicationMergeSumsQuantity(t *testing.T) {
	rows := []validation.RawRow{
		{"name": "Barolo", "quantity": "4", "vintage": "2018"},
		{"name": "barolo", "quantity": "6", "vintage": "2018"},
	}
	result := validation.ValidateBatch(rows, "stage1_parse")
	if len(result.Valid) != 1 {
		t.Fatalf("expected exactly one merged row, got %d", len(result.Valid))
	}
	if result.Valid[0].Quantity != 10 {
		t.Fatalf("expected merged quantity 10, got %d", result.Valid[0].Quantity)
	}
}

func TestMergeDuplicatesPrefersHigherPriorityStageForAttributes(t *testing.T) {
	stage1 := validation.RawRow{"name": "Barolo", "quantity": "4", "producer": "Marchesi"}
	stage3 := validation.RawRow{"name": "Barolo", "quantity": "2"}
	w1, _, _ := validation.ValidateRow(stage1, "stage1_parse")
	w3, _, _ := validation.ValidateRow(stage3, "stage3_llm")

	merged := validation.MergeDuplicates([]*model.Wine{w3, w1})
	if len(merged) != 1 {
		t.Fatalf("expected one merged row, got %d", len(merged))
	}
	if merged[0].Producer != "Marchesi" {
		t.Fatalf("expected stage1 producer to win, got %q", merged[0].Producer)
	}
	if merged[0].Quantity != 6 {
		t.Fatalf("expected summed quantity 6, got %d", merged[0].Quantity)
	}
}

func TestValidateBatchStats(t *testing.T) {
	rows := []validation.RawRow{
		{"name": "Barolo", "quantity": "4"},
		{"name": ""},
		{"name": "nan"},
	}
	result := validation.ValidateBatch(rows, "stage1_parse")
	if result.Stats.RowsTotal != 3 {
		t.Fatalf("expected rows_total 3, got %d", result.Stats.RowsTotal)
	}
	if result.Stats.RowsValid != 1 {
		t.Fatalf("expected rows_valid 1, got %d", result.Stats.RowsValid)
	}
	if result.Stats.RowsRejected != 2 {
		t.Fatalf("expected rows_rejected 2, got %d", result.Stats.RowsRejected)
	}
}
