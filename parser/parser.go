// Package parser implements the Stage 1 classic parser (spec §4.B):
// encoding/delimiter detection, header-synonym mapping, and row
// extraction from CSV/TSV/XLSX input without any LLM involvement.
package parser

import (
	"bytes"
	"fmt"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/qax-os/excelize/v2"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"

	"github.com/gioiasoftware/wine-inventory/model"
	"github.com/gioiasoftware/wine-inventory/validation"
)

// coreFields is the fixed six-field schema used for schema_score (§4.B.5).
var coreFields = []string{"name", "producer", "vintage", "quantity", "cost_price", "type"}

// headerSynonyms maps a normalised synonym to its canonical target field.
// Longer/more specific synonyms are listed so length-based tie-breaking
// in bestTarget has something to discriminate on.
var headerSynonyms = map[string]string{
	"nome": "name", "name": "name", "wine": "name", "vino": "name", "prodotto": "name",
	"produttore": "producer", "cantina": "producer", "casa": "producer", "winery": "producer", "producer": "producer",
	"annata": "vintage", "anno": "vintage", "vintage": "vintage", "year": "vintage",
	"quantita": "quantity", "quantity": "quantity", "qty": "quantity", "qta": "quantity", "giacenza": "quantity", "stock": "quantity",
	"prezzo": "cost_price", "price": "cost_price", "costo": "cost_price", "prezzo acquisto": "cost_price", "cost": "cost_price",
	"prezzo vendita": "selling_price", "selling price": "selling_price", "vendita": "selling_price",
	"tipologia": "type", "tipo": "type", "tipo vino": "type", "type": "type", "category": "type",
	"fornitore": "supplier", "supplier": "supplier",
	"vitigno": "grape_variety", "grape": "grape_variety", "grape_variety": "grape_variety", "uva": "grape_variety",
	"regione": "region", "region": "region",
	"paese": "country", "country": "country", "nazione": "country",
	"classificazione": "classification", "classification": "classification", "denominazione": "classification",
	"alcol": "alcohol_content", "alcohol": "alcohol_content", "gradazione": "alcohol_content", "abv": "alcohol_content",
	"note": "notes", "notes": "notes", "descrizione": "description", "description": "description",
}

// Result is the outcome of a Stage 1 run (spec §4.B contract).
type Result struct {
	Rows     []*model.Wine
	Rejected []model.RejectedRow
	Metrics  model.StageMetrics
	Decision model.StageDecision
	// HeaderMap is exposed so Stage 2 (§4.C) can re-target unmapped headers.
	HeaderMap      map[string]string // original header -> target field
	UnmappedHeader []string
}

// Options configures the save/escalate decision thresholds (spec §6).
type Options struct {
	SchemaScoreThreshold float64
	MinValidRows         float64
}

// Parse runs Stage 1 against raw bytes for the given normalised extension
// (csv, tsv, xlsx, xls — no leading dot, lowercase, per §4.F routing).
func Parse(raw []byte, ext string, opts Options) (Result, error) {
	switch ext {
	case "csv", "tsv":
		return parseDelimited(raw, ext, opts)
	case "xlsx", "xls":
		return parseSpreadsheet(raw, opts)
	default:
		return Result{}, fmt.Errorf("parser: unsupported extension %q", ext)
	}
}

// --- Encoding detection (§4.B.1) ---

// decodeBestEffort chooses the encoding from the first 10KB: a UTF-8 BOM
// (utf-8-sig) is stripped, valid UTF-8 is used as-is, and anything else
// is decoded as ISO-8859-1, which accepts every byte; the Windows-1252
// and raw-bytes fallbacks are reached only if that decoder errors.
func decodeBestEffort(raw []byte) string {
	sample := raw
	if len(sample) > 10*1024 {
		sample = sample[:10*1024]
	}

	// utf-8-sig: a BOM-prefixed UTF-8 stream.
	if bytes.HasPrefix(sample, []byte{0xEF, 0xBB, 0xBF}) {
		return string(bytes.TrimPrefix(raw, []byte{0xEF, 0xBB, 0xBF}))
	}
	if utf8.Valid(sample) {
		return string(raw)
	}
	for _, enc := range []encoding.Encoding{charmap.ISO8859_1, charmap.Windows1252} {
		decoded, err := enc.NewDecoder().Bytes(raw)
		if err == nil {
			return string(decoded)
		}
	}
	// Nothing decoded cleanly; fall back to the raw bytes as-is so the
	// caller still gets *something* to parse rather than failing outright.
	return string(raw)
}

// --- Delimiter sniffing (§4.B.2) ---

var delimiterCandidates = []rune{',', ';', '\t', '|'}

func sniffDelimiter(text string) rune {
	lines := sampleLines(text, 10)
	if len(lines) == 0 {
		return ','
	}
	best := ','
	bestScore := -1.0
	for _, d := range delimiterCandidates {
		counts := make([]int, 0, len(lines))
		for _, ln := range lines {
			counts = append(counts, strings.Count(ln, string(d)))
		}
		score := scoreConsistency(counts)
		if score > bestScore {
			bestScore = score
			best = d
		}
	}
	return best
}

func sampleLines(text string, n int) []string {
	var out []string
	for _, ln := range strings.Split(text, "\n") {
		ln = strings.TrimRight(ln, "\r")
		if strings.TrimSpace(ln) == "" {
			continue
		}
		out = append(out, ln)
		if len(out) >= n {
			break
		}
	}
	return out
}

// scoreConsistency rewards a delimiter that yields the same (non-zero)
// column count across every sampled row, per §4.B.2's "bonus" rule.
func scoreConsistency(counts []int) float64 {
	if len(counts) == 0 || counts[0] == 0 {
		return 0
	}
	total := 0.0
	allSame := true
	for _, c := range counts {
		total += float64(c)
		if c != counts[0] {
			allSame = false
		}
	}
	avg := total / float64(len(counts))
	if allSame {
		avg += 10 // consistency bonus dominates raw delimiter frequency
	}
	return avg
}

func splitLine(line string, delim rune) []string {
	fields := strings.Split(line, string(delim))
	for i := range fields {
		fields[i] = strings.TrimSpace(strings.Trim(fields[i], "\""))
	}
	return fields
}

// --- Header mapping (§4.B.3) ---

func normaliseHeader(h string) string {
	h = strings.ToLower(strings.TrimSpace(h))
	h = foldAccentsLocal(h)
	var b strings.Builder
	prevSpace := false
	for _, r := range h {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			prevSpace = false
		} else if !prevSpace {
			b.WriteRune(' ')
			prevSpace = true
		}
	}
	return strings.TrimSpace(b.String())
}

var accentFoldLocal = map[rune]rune{
	'à': 'a', 'á': 'a', 'â': 'a', 'ä': 'a', 'ã': 'a',
	'è': 'e', 'é': 'e', 'ê': 'e', 'ë': 'e',
	'ì': 'i', 'í': 'i', 'î': 'i', 'ï': 'i',
	'ò': 'o', 'ó': 'o', 'ô': 'o', 'ö': 'o', 'õ': 'o',
	'ù': 'u', 'ú': 'u', 'û': 'u', 'ü': 'u',
	'ç': 'c', 'ñ': 'n',
}

func foldAccentsLocal(s string) string {
	var b strings.Builder
	for _, r := range s {
		if f, ok := accentFoldLocal[r]; ok {
			b.WriteRune(f)
		} else {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// matchRank scores how a normalised header matches a normalised synonym,
// per the priority order in §4.B.3: exact > starts-with > contains >
// contained-by. Returns (rank, ok); lower rank is a better match.
func matchRank(header, synonym string) (int, bool) {
	switch {
	case header == synonym:
		return 0, true
	case strings.HasPrefix(header, synonym):
		return 1, true
	case strings.Contains(header, synonym):
		return 2, true
	case strings.Contains(synonym, header) && header != "":
		return 3, true
	}
	return 0, false
}

// MapHeaders implements §4.B.3 and is also exported for Stage 2 re-use
// on unmapped headers (§4.C's disambiguate-headers operation).
func MapHeaders(headers []string) (mapped map[string]string, unmapped []string) {
	mapped = make(map[string]string)
	assigned := make(map[string]bool) // target field -> already taken
	type candidate struct {
		header  string
		target  string
		rank    int
		synLen  int
	}
	var candidates []candidate
	for _, h := range headers {
		nh := normaliseHeader(h)
		bestRank := -1
		bestTarget := ""
		bestSynLen := 0
		for syn, target := range headerSynonyms {
			nsyn := normaliseHeader(syn)
			rank, ok := matchRank(nh, nsyn)
			if !ok {
				continue
			}
			if bestRank == -1 || rank < bestRank || (rank == bestRank && len(nsyn) > bestSynLen) {
				bestRank = rank
				bestTarget = target
				bestSynLen = len(nsyn)
			}
		}
		if bestRank >= 0 {
			candidates = append(candidates, candidate{header: h, target: bestTarget, rank: bestRank, synLen: bestSynLen})
		} else {
			unmapped = append(unmapped, h)
		}
	}
	// Resolve one target field to at most one header: best rank first,
	// then the longer matched synonym; first occurrence in the header list
	// breaks remaining ties.
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].rank != candidates[j].rank {
			return candidates[i].rank < candidates[j].rank
		}
		return candidates[i].synLen > candidates[j].synLen
	})
	for _, c := range candidates {
		if assigned[c.target] {
			unmapped = append(unmapped, c.header)
			continue
		}
		// Duplicate header names after mapping: keep the first occurrence.
		if _, exists := mapped[c.header]; exists {
			continue
		}
		mapped[c.header] = c.target
		assigned[c.target] = true
	}
	return mapped, unmapped
}

// --- Row extraction + metrics (§4.B.4, §4.B.5) ---

func buildRows(headers []string, headerMap map[string]string, records [][]string) []validation.RawRow {
	rows := make([]validation.RawRow, 0, len(records))
	for _, rec := range records {
		row := make(validation.RawRow)
		for i, h := range headers {
			if i >= len(rec) {
				continue
			}
			target, ok := headerMap[h]
			if !ok {
				continue
			}
			if _, already := row[target]; already {
				continue
			}
			row[target] = rec[i]
		}
		rows = append(rows, row)
	}
	return rows
}

func schemaScore(headerMap map[string]string) float64 {
	mappedTargets := make(map[string]bool)
	for _, t := range headerMap {
		mappedTargets[t] = true
	}
	hit := 0
	for _, f := range coreFields {
		if mappedTargets[f] {
			hit++
		}
	}
	return float64(hit) / float64(len(coreFields))
}

func decide(score, validRatio float64, opts Options) model.StageDecision {
	if score >= opts.SchemaScoreThreshold && validRatio >= opts.MinValidRows {
		return model.DecisionSave
	}
	return model.DecisionEscalateToStage2
}

func finishResult(headers []string, headerMap map[string]string, unmapped []string, rows []validation.RawRow, opts Options) Result {
	batch := validation.ValidateBatch(rows, "stage1_parse")
	score := schemaScore(headerMap)
	var validRatio float64
	if batch.Stats.RowsTotal > 0 {
		validRatio = float64(batch.Stats.RowsValid) / float64(batch.Stats.RowsTotal)
	}
	return Result{
		Rows:     batch.Valid,
		Rejected: batch.Rejected,
		Metrics: model.StageMetrics{
			SchemaScore:  score,
			ValidRows:    validRatio,
			RowsTotal:    batch.Stats.RowsTotal,
			RowsValid:    batch.Stats.RowsValid,
			RowsRejected: batch.Stats.RowsRejected,
		},
		Decision:       decide(score, validRatio, opts),
		HeaderMap:      headerMap,
		UnmappedHeader: unmapped,
	}
}

func parseDelimited(raw []byte, ext string, opts Options) (Result, error) {
	text := decodeBestEffort(raw)
	text = strings.TrimRight(text, "\n\r")
	if strings.TrimSpace(text) == "" {
		return finishResult(nil, map[string]string{}, nil, nil, opts), nil
	}

	var delim rune
	if ext == "tsv" {
		delim = '\t'
	} else {
		delim = sniffDelimiter(text)
	}

	lines := strings.Split(text, "\n")
	var nonEmpty [][]string
	for _, ln := range lines {
		ln = strings.TrimRight(ln, "\r")
		if strings.TrimSpace(ln) == "" {
			continue
		}
		nonEmpty = append(nonEmpty, splitLine(ln, delim))
	}
	if len(nonEmpty) == 0 {
		return finishResult(nil, map[string]string{}, nil, nil, opts), nil
	}

	headers := nonEmpty[0]
	records := nonEmpty[1:]
	headerMap, unmapped := MapHeaders(headers)
	rows := buildRows(headers, headerMap, records)
	return finishResult(headers, headerMap, unmapped, rows, opts), nil
}

// SplitForReuse re-derives the raw header/record matrix for a file
// without running validation, so later stages (airepair, extractor) can
// reuse the same decoded rows Stage 1 already computed instead of
// re-parsing on a different code path.
func SplitForReuse(raw []byte, ext string) (headers []string, records [][]string) {
	switch ext {
	case "csv", "tsv":
		text := decodeBestEffort(raw)
		text = strings.TrimRight(text, "\n\r")
		if strings.TrimSpace(text) == "" {
			return nil, nil
		}
		var delim rune
		if ext == "tsv" {
			delim = '\t'
		} else {
			delim = sniffDelimiter(text)
		}
		var nonEmpty [][]string
		for _, ln := range strings.Split(text, "\n") {
			ln = strings.TrimRight(ln, "\r")
			if strings.TrimSpace(ln) == "" {
				continue
			}
			nonEmpty = append(nonEmpty, splitLine(ln, delim))
		}
		if len(nonEmpty) == 0 {
			return nil, nil
		}
		return nonEmpty[0], nonEmpty[1:]
	case "xlsx", "xls":
		f, err := excelize.OpenReader(bytes.NewReader(raw))
		if err != nil {
			return nil, nil
		}
		defer f.Close()
		sheets := f.GetSheetList()
		if len(sheets) == 0 {
			return nil, nil
		}
		rows, err := f.GetRows(sheets[0])
		if err != nil || len(rows) == 0 {
			return nil, nil
		}
		return rows[0], rows[1:]
	}
	return nil, nil
}

func parseSpreadsheet(raw []byte, opts Options) (Result, error) {
	f, err := excelize.OpenReader(bytes.NewReader(raw))
	if err != nil {
		return Result{}, fmt.Errorf("parser: open spreadsheet: %w", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return finishResult(nil, map[string]string{}, nil, nil, opts), nil
	}
	rowsRaw, err := f.GetRows(sheets[0])
	if err != nil {
		return Result{}, fmt.Errorf("parser: read sheet %q: %w", sheets[0], err)
	}
	if len(rowsRaw) == 0 {
		return finishResult(nil, map[string]string{}, nil, nil, opts), nil
	}

	headers := rowsRaw[0]
	records := rowsRaw[1:]
	headerMap, unmapped := MapHeaders(headers)
	rows := buildRows(headers, headerMap, records)
	return finishResult(headers, headerMap, unmapped, rows, opts), nil
}
