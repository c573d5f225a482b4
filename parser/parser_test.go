package parser_test

import (
	"testing"

	"github.com/gioiasoftware/wine-inventory/model"
	"github.com/gioiasoftware/wine-inventory/parser"
)

func defaultOpts() parser.Options {
	return parser.Options{SchemaScoreThreshold: 0.7, MinValidRows: 0.6}
}

// S1 from spec §8: clean CSV with exact Italian headers.
func TestParseCleanCSVSavesDirectly(t *testing.T) {
	csv := "Nome,Produttore,Annata,Quantità,Prezzo,Tipologia\nChianti Classico,Barone Ricasoli,2020,12,18.50,Rosso\n"
	res, err := parser.Parse([]byte(csv), "csv", defaultOpts())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Decision != model.DecisionSave {
		t.Fatalf("expected decision=save, got %s (schema_score=%.2f valid_rows=%.2f)", res.Decision, res.Metrics.SchemaScore, res.Metrics.ValidRows)
	}
	if len(res.Rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(res.Rows))
	}
	if res.Rows[0].Type != model.WineTypeRosso {
		t.Fatalf("expected type Rosso, got %s", res.Rows[0].Type)
	}
}

// S2 from spec §8: ambiguous headers should fail to reach the save
// threshold via Stage 1 alone and escalate.
func TestParseAmbiguousHeadersEscalates(t *testing.T) {
	csv := "Prodotto,Casa,Anno,Qty,Prezzo Vendita,Tipo Vino\nChianti Classico,Barone Ricasoli,2020,12,18.50,Rosso\n"
	res, err := parser.Parse([]byte(csv), "csv", defaultOpts())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Decision != model.DecisionEscalateToStage2 {
		t.Fatalf("expected escalation, got %s", res.Decision)
	}
	if len(res.UnmappedHeader) == 0 {
		t.Fatalf("expected at least one unmapped header")
	}
}

func TestParseEmptyFileEscalates(t *testing.T) {
	res, err := parser.Parse([]byte(""), "csv", defaultOpts())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Metrics.SchemaScore != 0 {
		t.Fatalf("expected schema_score 0 for empty file, got %f", res.Metrics.SchemaScore)
	}
	if res.Decision != model.DecisionEscalateToStage2 {
		t.Fatalf("expected escalation for empty file, got %s", res.Decision)
	}
}

func TestParseTSVUsesTabDelimiter(t *testing.T) {
	tsv := "Nome\tProduttore\tAnnata\tQuantità\tPrezzo\tTipologia\nBarolo\tMarchesi\t2018\t5\t25.00\tRosso\n"
	res, err := parser.Parse([]byte(tsv), "tsv", defaultOpts())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(res.Rows))
	}
}

func TestParseUnsupportedExtensionErrors(t *testing.T) {
	_, err := parser.Parse([]byte("x"), "docx", defaultOpts())
	if err == nil {
		t.Fatalf("expected error for unsupported extension")
	}
}

// Schema-score monotonicity (spec §8 property 6): adding a correctly
// named column never decreases schema_score.
func TestSchemaScoreMonotonicity(t *testing.T) {
	base := "Nome,Annata\nBarolo,2018\n"
	extended := "Nome,Annata,Quantità\nBarolo,2018,5\n"
	r1, _ := parser.Parse([]byte(base), "csv", defaultOpts())
	r2, _ := parser.Parse([]byte(extended), "csv", defaultOpts())
	if r2.Metrics.SchemaScore < r1.Metrics.SchemaScore {
		t.Fatalf("expected schema_score to not decrease: base=%.2f extended=%.2f", r1.Metrics.SchemaScore, r2.Metrics.SchemaScore)
	}
}

func TestMapHeadersDeduplicatesSameTarget(t *testing.T) {
	mapped, _ := parser.MapHeaders([]string{"Nome", "Vino"})
	targets := make(map[string]int)
	for _, t := range mapped {
		targets[t]++
	}
	if targets["name"] != 1 {
		t.Fatalf("expected exactly one header mapped to name, got %d", targets["name"])
	}
}
