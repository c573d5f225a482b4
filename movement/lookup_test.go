package movement

import "testing"

func TestRankProducerCue(t *testing.T) {
	order := rank("tenuta dell'ornellaia")
	if order[0] != fieldProducer {
		t.Fatalf("expected producer first for producer-cue term, got %v", order)
	}
}

func TestRankGrapeVocabulary(t *testing.T) {
	order := rank("sangiovesi")
	if order[0] != fieldGrape {
		t.Fatalf("expected grape_variety first for grape-shaped term, got %v", order)
	}
}

func TestRankDefaultsToName(t *testing.T) {
	order := rank("Brunello Riserva 2018")
	if order[0] != fieldName {
		t.Fatalf("expected name first for an unclassified term, got %v", order)
	}
}

func TestItalianVariantsPluralToSingular(t *testing.T) {
	variants := italianVariants("sangiovesi")
	found := false
	for _, v := range variants {
		if v == "sangiovese" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected singular variant sangiovese in %v", variants)
	}
}

func TestItalianVariantsSingularToPlural(t *testing.T) {
	variants := italianVariants("nebbiolo")
	found := false
	for _, v := range variants {
		if v == "nebbioli" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected plural variant nebbioli in %v", variants)
	}
}

func TestLikeTermsIncludesWildcards(t *testing.T) {
	patterns := likeTerms("Chianti")
	for _, p := range patterns {
		if p[0] != '%' {
			t.Fatalf("expected every pattern to be wrapped in %%, got %q", p)
		}
	}
}
