// Package validation implements spec §4.A: per-row schema enforcement,
// type coercion, deduplication keying, and merge policy.
package validation

import (
	"regexp"
	"sort"
	"strconv"
	"strings"
	"unicode"

	"github.com/shopspring/decimal"

	"github.com/gioiasoftware/wine-inventory/model"
)

// RawRow is a loosely-typed attribute map as produced by any upstream
// stage (classic parser, targeted AI repair, LLM extraction, OCR).
type RawRow map[string]string

var placeholderTokens = map[string]bool{
	"nan": true, "none": true, "null": true, "n/a": true, "": true,
}

var vintageRe = regexp.MustCompile(`\b(19\d{2}|20\d{2})\b`)
var qtyRe = regexp.MustCompile(`-?\d+`)
var currencyStrip = regexp.MustCompile(`[€$£\s]`)
var alcoholStrip = regexp.MustCompile(`(?i)%|vol\.?`)

var wineTypeSynonyms = map[string]model.WineType{
	"rosso":    model.WineTypeRosso,
	"bianco":   model.WineTypeBianco,
	"rosato":   model.WineTypeRosato,
	"spumante": model.WineTypeSpumante,
}

// nameTypeKeywords is consulted when `type` is absent: a heuristic
// classification from name keywords, falling back to Altro.
var nameTypeKeywords = []struct {
	keyword string
	t       model.WineType
}{
	{"spumante", model.WineTypeSpumante},
	{"prosecco", model.WineTypeSpumante},
	{"champagne", model.WineTypeSpumante},
	{"franciacorta", model.WineTypeSpumante},
	{"rosato", model.WineTypeRosato},
	{"rosè", model.WineTypeRosato},
	{"rose", model.WineTypeRosato},
	{"bianco", model.WineTypeBianco},
	{"chardonnay", model.WineTypeBianco},
	{"pinot grigio", model.WineTypeBianco},
	{"rosso", model.WineTypeRosso},
	{"chianti", model.WineTypeRosso},
	{"cabernet", model.WineTypeRosso},
	{"merlot", model.WineTypeRosso},
}

// RejectionReason enumerates the reasons validate_row can fail a row.
const (
	ReasonEmptyName        = "empty_name"
	ReasonPlaceholderName  = "placeholder_name"
)

// ValidateRow coerces a raw row into a canonical Wine, or reports a
// rejection reason. sourceStage is attached as metadata for the merge
// priority order (Stage 1 > Stage 2 > Stage 3).
func ValidateRow(row RawRow, sourceStage string) (*model.Wine, string, bool) {
	name := strings.TrimSpace(row["name"])
	if name == "" {
		return nil, ReasonEmptyName, false
	}
	if placeholderTokens[strings.ToLower(name)] {
		return nil, ReasonPlaceholderName, false
	}

	w := &model.Wine{
		Name:           name,
		Producer:       strings.TrimSpace(row["producer"]),
		Supplier:       strings.TrimSpace(row["supplier"]),
		GrapeVariety:   strings.TrimSpace(row["grape_variety"]),
		Region:         strings.TrimSpace(row["region"]),
		Country:        strings.TrimSpace(row["country"]),
		Classification: strings.TrimSpace(row["classification"]),
		Description:    strings.TrimSpace(row["description"]),
		Notes:          strings.TrimSpace(row["notes"]),
		SourceStage:    sourceStage,
	}

	w.Vintage = coerceVintage(row["vintage"])
	w.Quantity = coerceQuantity(row["quantity"])
	w.MinQuantity = coerceQuantity(row["min_quantity"])
	w.CostPrice = coerceMoney(row["cost_price"])
	w.SellingPrice = coerceMoney(row["selling_price"])
	w.AlcoholContent = coerceAlcohol(row["alcohol_content"])
	w.Type = coerceType(row["type"], name)

	return w, "", true
}

// coerceVintage accepts an integer-looking string or extracts the first
// 1900..2099 4-digit year found anywhere in the string.
func coerceVintage(raw string) *int {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	if n, err := strconv.Atoi(raw); err == nil && n >= 1900 && n <= 2099 {
		return &n
	}
	m := vintageRe.FindString(raw)
	if m == "" {
		return nil
	}
	n, err := strconv.Atoi(m)
	if err != nil {
		return nil
	}
	return &n
}

// coerceQuantity extracts the first non-negative integer; absent or
// negative collapses to 0.
func coerceQuantity(raw string) int {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0
	}
	m := qtyRe.FindString(raw)
	if m == "" {
		return 0
	}
	n, err := strconv.Atoi(m)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// coerceMoney strips currency symbols, resolves comma as decimal or
// thousands separator, and rejects negative results to absent.
func coerceMoney(raw string) *decimal.Decimal {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	cleaned := currencyStrip.ReplaceAllString(raw, "")
	cleaned = strings.TrimSpace(cleaned)
	if cleaned == "" {
		return nil
	}

	hasDot := strings.Contains(cleaned, ".")
	hasComma := strings.Contains(cleaned, ",")
	switch {
	case hasComma && !hasDot:
		// comma is the decimal separator
		cleaned = strings.ReplaceAll(cleaned, ",", ".")
	case hasComma && hasDot:
		// Whichever separator appears last is the decimal one — not
		// whichever character is used — so "1.234,56" (comma last)
		// and "1,234.56" (dot last) both resolve correctly.
		if strings.LastIndex(cleaned, ",") > strings.LastIndex(cleaned, ".") {
			cleaned = strings.ReplaceAll(cleaned, ".", "")
			cleaned = strings.ReplaceAll(cleaned, ",", ".")
		} else {
			cleaned = strings.ReplaceAll(cleaned, ",", "")
		}
	}

	d, err := decimal.NewFromString(cleaned)
	if err != nil {
		return nil
	}
	if d.IsNegative() {
		return nil
	}
	return &d
}

// coerceAlcohol strips "%"/"vol" and clamp-rejects values outside 0..100.
func coerceAlcohol(raw string) *float64 {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	cleaned := alcoholStrip.ReplaceAllString(raw, "")
	cleaned = strings.TrimSpace(strings.ReplaceAll(cleaned, ",", "."))
	f, err := strconv.ParseFloat(cleaned, 64)
	if err != nil {
		return nil
	}
	if f < 0 || f > 100 {
		return nil
	}
	return &f
}

// coerceType case-insensitively matches the four concrete wine types,
// else falls back to a name-keyword heuristic, else Altro.
func coerceType(raw, name string) model.WineType {
	raw = strings.ToLower(strings.TrimSpace(raw))
	if t, ok := wineTypeSynonyms[raw]; ok {
		return t
	}
	lowerName := strings.ToLower(name)
	for _, kw := range nameTypeKeywords {
		if strings.Contains(lowerName, kw.keyword) {
			return kw.t
		}
	}
	return model.WineTypeAltro
}

// DedupKey normalises name/producer by lowercasing, stripping punctuation,
// collapsing whitespace, folding accents, and appending vintage when
// present (spec §4.A).
func DedupKey(w *model.Wine) string {
	key := foldAccents(normaliseToken(w.Name)) + "|" + foldAccents(normaliseToken(w.Producer))
	if w.Vintage != nil {
		key += "|" + strconv.Itoa(*w.Vintage)
	}
	return key
}

var punctuationRe = regexp.MustCompile(`[^\w\s]`)
var whitespaceRe = regexp.MustCompile(`\s+`)

func normaliseToken(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = punctuationRe.ReplaceAllString(s, "")
	s = whitespaceRe.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

var accentFold = map[rune]rune{
	'à': 'a', 'á': 'a', 'â': 'a', 'ä': 'a', 'ã': 'a',
	'è': 'e', 'é': 'e', 'ê': 'e', 'ë': 'e',
	'ì': 'i', 'í': 'i', 'î': 'i', 'ï': 'i',
	'ò': 'o', 'ó': 'o', 'ô': 'o', 'ö': 'o', 'õ': 'o',
	'ù': 'u', 'ú': 'u', 'û': 'u', 'ü': 'u',
	'ç': 'c', 'ñ': 'n',
}

func foldAccents(s string) string {
	var b strings.Builder
	for _, r := range s {
		if folded, ok := accentFold[r]; ok {
			b.WriteRune(folded)
		} else if unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.IsSpace(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// stagePriority implements the merge priority order: Stage 1 > Stage 2 > Stage 3.
var stagePriority = map[string]int{
	"stage1_parse":    3,
	"stage2_targeted": 2,
	"stage3_llm":      1,
	"stage4_ocr":      1,
}

func priorityOf(stage string) int {
	if p, ok := stagePriority[stage]; ok {
		return p
	}
	return 0
}

// MergeDuplicates sums quantity across rows sharing a dedup key, and for
// every other field adopts the first non-absent value from the highest
// source-stage priority, ties broken by input order.
func MergeDuplicates(rows []*model.Wine) []*model.Wine {
	type bucket struct {
		key  string
		rows []*model.Wine
	}
	order := make([]string, 0, len(rows))
	buckets := make(map[string]*bucket)
	for _, w := range rows {
		key := DedupKey(w)
		b, ok := buckets[key]
		if !ok {
			b = &bucket{key: key}
			buckets[key] = b
			order = append(order, key)
		}
		b.rows = append(b.rows, w)
	}

	out := make([]*model.Wine, 0, len(order))
	for _, key := range order {
		b := buckets[key]
		if len(b.rows) == 1 {
			out = append(out, b.rows[0])
			continue
		}
		out = append(out, mergeBucket(b.rows))
	}
	return out
}

func mergeBucket(rows []*model.Wine) *model.Wine {
	ranked := make([]*model.Wine, len(rows))
	copy(ranked, rows)
	sort.SliceStable(ranked, func(i, j int) bool {
		return priorityOf(ranked[i].SourceStage) > priorityOf(ranked[j].SourceStage)
	})

	merged := *ranked[0]
	qtySum := 0
	for _, r := range rows {
		qtySum += r.Quantity
	}
	merged.Quantity = qtySum

	for _, r := range ranked[1:] {
		if merged.Producer == "" {
			merged.Producer = r.Producer
		}
		if merged.Supplier == "" {
			merged.Supplier = r.Supplier
		}
		if merged.Vintage == nil {
			merged.Vintage = r.Vintage
		}
		if merged.GrapeVariety == "" {
			merged.GrapeVariety = r.GrapeVariety
		}
		if merged.Region == "" {
			merged.Region = r.Region
		}
		if merged.Country == "" {
			merged.Country = r.Country
		}
		if merged.Type == model.WineTypeAltro || merged.Type == "" {
			merged.Type = r.Type
		}
		if merged.Classification == "" {
			merged.Classification = r.Classification
		}
		if merged.CostPrice == nil {
			merged.CostPrice = r.CostPrice
		}
		if merged.SellingPrice == nil {
			merged.SellingPrice = r.SellingPrice
		}
		if merged.AlcoholContent == nil {
			merged.AlcoholContent = r.AlcoholContent
		}
		if merged.Description == "" {
			merged.Description = r.Description
		}
		if merged.Notes == "" {
			merged.Notes = r.Notes
		}
	}
	return &merged
}

// BatchResult is the outcome of validate_batch (spec §4.A).
type BatchResult struct {
	Valid    []*model.Wine
	Rejected []model.RejectedRow
	Stats    model.ValidationStats
}

// ValidateBatch validates every row, merges duplicates among the valid
// set, and reports aggregate stats including a rejection-reason histogram.
func ValidateBatch(rows []RawRow, sourceStage string) BatchResult {
	res := BatchResult{Stats: model.ValidationStats{RejectionHistogram: map[string]int{}}}
	var valid []*model.Wine

	for _, row := range rows {
		res.Stats.RowsTotal++
		w, reason, ok := ValidateRow(row, sourceStage)
		if !ok {
			res.Stats.RowsRejected++
			res.Stats.RejectionHistogram[reason]++
			res.Rejected = append(res.Rejected, model.RejectedRow{Row: row, Reason: reason})
			continue
		}
		res.Stats.RowsValid++
		valid = append(valid, w)
	}

	res.Valid = MergeDuplicates(valid)
	return res
}
