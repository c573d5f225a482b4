// Package extractor implements Stage 3 LLM extraction (spec §4.D):
// chunked extraction of structured rows from raw text via a robust LLM,
// with a four-step JSON recovery policy because the model output is
// never trusted to be clean JSON.
package extractor

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/gioiasoftware/wine-inventory/llm"
	"github.com/gioiasoftware/wine-inventory/model"
	"github.com/gioiasoftware/wine-inventory/validation"
)

const (
	maxInputBytes   = 80 * 1024
	chunkSizeBytes  = 40 * 1024
	chunkOverlap    = 1024
)

// Options mirrors the relevant policy knobs of spec §6.
type Options struct {
	Model       string
	CallTimeout time.Duration
}

// Result mirrors the shared stage-result shape (spec §4.D.7).
type Result struct {
	Rows     []*model.Wine
	Metrics  model.StageMetrics
	Decision model.StageDecision
}

const extractionPrompt = `Extract every wine inventory row mentioned in the text below into a JSON array
of objects. Each object must have exactly these fields: name, producer, vintage,
quantity, price, type. Use null for any field you cannot determine.
Rules:
 - Escape embedded quotes and apostrophes so the result is valid JSON.
 - vintage is an integer year between 1900 and 2099, or null.
 - quantity is a non-negative integer.
 - price is a decimal number; accept a comma as the decimal separator in the source text
   but always emit a JSON number using a dot.
Return ONLY the JSON array, nothing else.

Text:
%s`

// Run chunks text and extracts rows from each chunk, recovering from
// malformed model output per the four-step policy in §4.D.4.
func Run(ctx context.Context, reg *llm.Registry, text string, opts Options) (Result, error) {
	if len(text) > maxInputBytes {
		text = text[:maxInputBytes]
	}
	chunks := chunkText(text, chunkSizeBytes, chunkOverlap)

	var extracted []validation.RawRow
	var totalUsage llm.Usage
	failedChunks := 0
	for _, c := range chunks {
		rows, usage, err := extractChunk(ctx, reg, c, opts)
		totalUsage.PromptTokens += usage.PromptTokens
		totalUsage.CompletionTokens += usage.CompletionTokens
		if err != nil {
			failedChunks++
			continue
		}
		extracted = append(extracted, rows...)
	}

	batch := validation.ValidateBatch(extracted, "stage3_llm")

	decision := model.DecisionError
	if len(batch.Valid) > 0 {
		decision = model.DecisionSave
	}

	metrics := model.StageMetrics{
		Chunks:         len(chunks),
		WinesExtracted: len(extracted),
		// batch.Stats.RowsValid counts valid rows before MergeDuplicates
		// collapses rows sharing a dedup key, so the gap against the
		// post-merge len(batch.Valid) is the true duplicate count —
		// rows rejected by validation never entered RowsValid at all.
		WinesDeduplicated: batch.Stats.RowsValid - len(batch.Valid),
		RowsTotal:         batch.Stats.RowsTotal,
		RowsValid:         batch.Stats.RowsValid,
		RowsRejected:      batch.Stats.RowsRejected,
	}
	if totalUsage.PromptTokens > 0 || totalUsage.CompletionTokens > 0 {
		metrics.PromptTokens = totalUsage.PromptTokens
		metrics.CompletionTokens = totalUsage.CompletionTokens
		metrics.Model = opts.Model
	}

	return Result{
		Rows:     batch.Valid,
		Metrics:  metrics,
		Decision: decision,
	}, nil
}

// chunkText splits text into slices of at most size bytes with a
// trailing overlap, preferring to cut at a newline near the boundary
// (spec §4.D.2).
func chunkText(text string, size, overlap int) []string {
	if len(text) <= size {
		if strings.TrimSpace(text) == "" {
			return nil
		}
		return []string{text}
	}
	var chunks []string
	start := 0
	for start < len(text) {
		end := start + size
		if end >= len(text) {
			chunks = append(chunks, text[start:])
			break
		}
		cut := end
		if idx := strings.LastIndexByte(text[start:end], '\n'); idx > 0 {
			cut = start + idx
		}
		chunks = append(chunks, text[start:cut])
		next := cut - overlap
		if next <= start {
			next = cut
		}
		start = next
	}
	return chunks
}

func extractChunk(ctx context.Context, reg *llm.Registry, chunk string, opts Options) ([]validation.RawRow, llm.Usage, error) {
	req := llm.Request{
		Model:  opts.Model,
		Prompt: fmt.Sprintf(extractionPrompt, chunk),
	}
	resp, err := reg.Complete(ctx, req, opts.CallTimeout)
	if err != nil {
		return nil, llm.Usage{}, fmt.Errorf("extractor: call failed: %w", err)
	}
	usage := resp.Usage

	rows, err := recoverRows(resp.Text)
	if err == nil {
		return rows, usage, nil
	}

	// Step (d): one repair prompt with reduced input and a stricter
	// "valid JSON only" instruction.
	repairPrompt := fmt.Sprintf("Return ONLY a strictly valid JSON array for this data, no prose, no markdown fences:\n%s", truncate(chunk, 8*1024))
	repairResp, rerr := reg.Complete(ctx, llm.Request{Model: opts.Model, Prompt: repairPrompt}, opts.CallTimeout)
	if rerr != nil {
		return nil, usage, fmt.Errorf("extractor: recovery failed: %w", err)
	}
	usage.PromptTokens += repairResp.Usage.PromptTokens
	usage.CompletionTokens += repairResp.Usage.CompletionTokens
	rows, err = recoverRows(repairResp.Text)
	if err != nil {
		return nil, usage, fmt.Errorf("extractor: recovery repair failed: %w", err)
	}
	return rows, usage, nil
}

var fencedBlockRe = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)\\s*```")
var arrayBlockRe = regexp.MustCompile(`(?s)\[.*\]`)

// recoverRows implements the four-step JSON recovery of §4.D.4 minus
// the final repair-prompt step, which the caller drives separately.
func recoverRows(text string) ([]validation.RawRow, error) {
	candidates := []string{text}

	// (a) strip markdown fences.
	if m := fencedBlockRe.FindStringSubmatch(text); len(m) == 2 {
		candidates = append(candidates, m[1])
	}
	// (b) regex-extract the first [ ... ] block.
	if m := arrayBlockRe.FindString(text); m != "" {
		candidates = append(candidates, m)
	}

	for _, c := range candidates {
		if rows, ok := tryParseArray(c); ok {
			return rows, nil
		}
	}

	// (c) stack-based extraction of each balanced { ... } object.
	if objs := extractBalancedObjects(text); len(objs) > 0 {
		var rows []validation.RawRow
		for _, o := range objs {
			var m map[string]interface{}
			if err := json.Unmarshal([]byte(o), &m); err != nil {
				continue
			}
			rows = append(rows, toRawRow(m))
		}
		if len(rows) > 0 {
			return rows, nil
		}
	}

	return nil, fmt.Errorf("extractor: could not recover a JSON array from model output")
}

func tryParseArray(s string) ([]validation.RawRow, bool) {
	var arr []map[string]interface{}
	if err := json.Unmarshal([]byte(strings.TrimSpace(s)), &arr); err != nil {
		return nil, false
	}
	rows := make([]validation.RawRow, 0, len(arr))
	for _, m := range arr {
		rows = append(rows, toRawRow(m))
	}
	return rows, true
}

func toRawRow(m map[string]interface{}) validation.RawRow {
	row := make(validation.RawRow, len(m))
	for k, v := range m {
		if v == nil {
			continue
		}
		switch t := v.(type) {
		case string:
			row[k] = t
		case float64:
			row[k] = fmt.Sprintf("%v", t)
		default:
			row[k] = fmt.Sprintf("%v", t)
		}
	}
	return row
}

// extractBalancedObjects scans text for top-level {...} blocks using a
// brace-depth counter, tolerant of nested objects and strings containing
// braces.
func extractBalancedObjects(text string) []string {
	var objs []string
	depth := 0
	start := -1
	inString := false
	escaped := false
	for i, r := range text {
		if inString {
			if escaped {
				escaped = false
			} else if r == '\\' {
				escaped = true
			} else if r == '"' {
				inString = false
			}
			continue
		}
		switch r {
		case '"':
			inString = true
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			depth--
			if depth == 0 && start >= 0 {
				objs = append(objs, text[start:i+1])
				start = -1
			}
		}
	}
	return objs
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// PrepareTabularText implements the text-preparation half of §4.D.1 for
// tabular inputs escalated from Stage 1/2: it serializes rows as
// "cell | cell | ..." and drops repeated header lines, so Stage 3 can
// run over the same decoded text instead of requiring a second decode.
func PrepareTabularText(headers []string, records [][]string) string {
	var b strings.Builder
	b.WriteString(strings.Join(headers, " | "))
	b.WriteString("\n")
	seenHeader := strings.Join(headers, "|")
	for _, rec := range records {
		line := strings.Join(rec, "|")
		if line == seenHeader {
			continue
		}
		b.WriteString(strings.Join(rec, " | "))
		b.WriteString("\n")
	}
	return b.String()
}
