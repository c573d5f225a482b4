// Package movement implements the Movement Engine (spec §4.I): wine
// lookup ranking, row-locked atomic consumo/rifornimento application,
// and history-aggregate maintenance.
package movement

import "strings"

// producerCues are Italian prepositional particles and brand prefixes
// that mark a lookup term as producer-shaped rather than a wine or
// grape-variety name (e.g. "tenuta dell'ornellaia", "ca' del bosco").
var producerCues = []string{
	"del ", "dell'", "della ", "dei ", "degli ", "di ", "da ", "d'",
	"ca' ", "cà ", "tenuta ", "castello ", "azienda ", "fattoria ",
	"cantina ", "podere ", "villa ",
}

// grapeVocabulary lists grape varieties commonly found in Italian wine
// inventories, singular form, used to detect a term shaped like a grape
// variety rather than a wine name or producer.
var grapeVocabulary = []string{
	"sangiovese", "nebbiolo", "barbera", "montepulciano", "trebbiano",
	"vermentino", "aglianico", "primitivo", "nero d'avola", "corvina",
	"glera", "garganega", "moscato", "malvasia", "chardonnay",
	"pinot grigio", "pinot nero", "merlot", "cabernet sauvignon",
	"cabernet franc", "syrah", "sauvignon blanc", "riesling",
	"lambrusco", "dolcetto", "teroldego", "cortese", "verdicchio",
	"falanghina", "fiano", "greco", "nerello mascalese",
}

// field identifies which inventory column a lookup term was ranked
// against first.
type field int

const (
	fieldProducer field = iota
	fieldName
	fieldGrape
)

// rank classifies the lookup term per spec §4.I and returns the column
// priority order to try, highest first.
func rank(term string) []field {
	lower := strings.ToLower(strings.TrimSpace(term))

	for _, cue := range producerCues {
		if strings.Contains(lower, cue) {
			return []field{fieldProducer, fieldName, fieldGrape}
		}
	}

	variants := italianVariants(lower)
	for _, grape := range grapeVocabulary {
		for _, v := range variants {
			if v == grape || strings.Contains(grape, v) || strings.Contains(v, grape) {
				return []field{fieldGrape, fieldProducer, fieldName}
			}
		}
	}

	return []field{fieldName, fieldProducer, fieldGrape}
}

// italianVariants generates plausible Italian singular/plural variants
// of term, used both for ranking classification and for the LIKE
// disjunction so "sangiovesi" still matches inventory rows stored as
// "sangiovese".
func italianVariants(term string) []string {
	variants := map[string]struct{}{term: {}}

	addVariant := func(s string) {
		if s != "" {
			variants[s] = struct{}{}
		}
	}

	switch {
	case strings.HasSuffix(term, "i") && len(term) > 2:
		stem := term[:len(term)-1]
		addVariant(stem + "o")
		addVariant(stem + "e")
	case strings.HasSuffix(term, "o") && len(term) > 2:
		addVariant(term[:len(term)-1] + "i")
	case strings.HasSuffix(term, "e") && len(term) > 2:
		addVariant(term[:len(term)-1] + "i")
	}

	out := make([]string, 0, len(variants))
	for v := range variants {
		out = append(out, v)
	}
	return out
}

// likeTerms builds the set of ILIKE patterns to OR together for a
// lookup term, covering its generated Italian variants.
func likeTerms(term string) []string {
	variants := italianVariants(strings.ToLower(strings.TrimSpace(term)))
	patterns := make([]string, 0, len(variants))
	for _, v := range variants {
		patterns = append(patterns, "%"+v+"%")
	}
	return patterns
}
