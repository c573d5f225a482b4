// Package airepair implements Stage 2 targeted AI repair (spec §4.C):
// header disambiguation and batched repair of rows missing name/quantity,
// using a cheap LLM call with a fixed, narrow instruction.
package airepair

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/gioiasoftware/wine-inventory/llm"
	"github.com/gioiasoftware/wine-inventory/model"
	"github.com/gioiasoftware/wine-inventory/parser"
	"github.com/gioiasoftware/wine-inventory/validation"
)

// Options mirrors the policy knobs of spec §6.
type Options struct {
	Enabled               bool
	SchemaScoreThreshold  float64
	MinValidRows          float64
	BatchSizeAmbiguousRow int
	MaxLLMTokens          int
	Model                 string
	CallTimeout           time.Duration
}

// Result mirrors parser.Result's shape so the orchestrator can treat
// both stages uniformly.
type Result struct {
	Rows     []*model.Wine
	Metrics  model.StageMetrics
	Decision model.StageDecision
}

// Run applies §4.C against the Stage 1 output. rawRows are the original
// unmapped row data keyed by original header text (before Stage 1's
// header mapping discarded unmapped columns), needed so a disambiguated
// header can be re-applied to the raw values.
func Run(ctx context.Context, reg *llm.Registry, prior parser.Result, rawRows []map[string]string, opts Options) (Result, error) {
	headerMap := prior.HeaderMap
	var totalUsage llm.Usage
	if len(prior.UnmappedHeader) > 0 && prior.Metrics.SchemaScore < opts.SchemaScoreThreshold {
		disambiguated, usage, err := disambiguateHeaders(ctx, reg, prior.UnmappedHeader, rawRows, opts)
		totalUsage.PromptTokens += usage.PromptTokens
		totalUsage.CompletionTokens += usage.CompletionTokens
		if err != nil {
			// A disambiguation failure is not fatal to Stage 2: fall
			// through with whatever mapping Stage 1 already produced.
			disambiguated = nil
		}
		for h, target := range disambiguated {
			if _, taken := reverseLookup(headerMap, target); !taken {
				headerMap[h] = target
			}
		}
	}

	rows := remapRows(rawRows, headerMap)
	batch := validation.ValidateBatch(rows, "stage2_targeted")

	if prior.Metrics.ValidRows < opts.MinValidRows {
		repaired, usage, err := repairAmbiguousRows(ctx, reg, batch.Rejected, opts)
		totalUsage.PromptTokens += usage.PromptTokens
		totalUsage.CompletionTokens += usage.CompletionTokens
		if err == nil && len(repaired) > 0 {
			extra := validation.ValidateBatch(repaired, "stage2_targeted")
			batch.Valid = validation.MergeDuplicates(append(batch.Valid, extra.Valid...))
			batch.Stats.RowsValid += extra.Stats.RowsValid
			batch.Stats.RowsRejected -= extra.Stats.RowsValid
		}
	}

	score := coreScore(headerMap)
	var validRatio float64
	if batch.Stats.RowsTotal > 0 {
		validRatio = float64(batch.Stats.RowsValid) / float64(batch.Stats.RowsTotal)
	}
	decision := model.DecisionEscalateToStage3
	if score >= opts.SchemaScoreThreshold && validRatio >= opts.MinValidRows {
		decision = model.DecisionSave
	}

	metrics := model.StageMetrics{
		SchemaScore:  score,
		ValidRows:    validRatio,
		RowsTotal:    batch.Stats.RowsTotal,
		RowsValid:    batch.Stats.RowsValid,
		RowsRejected: batch.Stats.RowsRejected,
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

var coreFields = []string{"name", "producer", "vintage", "quantity", "cost_price", "type"}

func coreScore(headerMap map[string]string) float64 {
	targets := make(map[string]bool)
	for _, t := range headerMap {
		targets[t] = true
	}
	hit := 0
	for _, f := range coreFields {
		if targets[f] {
			hit++
		}
	}
	return float64(hit) / float64(len(coreFields))
}

func reverseLookup(m map[string]string, target string) (string, bool) {
	for h, t := range m {
		if t == target {
			return h, true
		}
	}
	return "", false
}

func remapRows(rawRows []map[string]string, headerMap map[string]string) []validation.RawRow {
	rows := make([]validation.RawRow, 0, len(rawRows))
	for _, raw := range rawRows {
		row := make(validation.RawRow)
		for h, v := range raw {
			if target, ok := headerMap[h]; ok {
				if _, already := row[target]; !already {
					row[target] = v
				}
			}
		}
		rows = append(rows, row)
	}
	return rows
}

// headerDisambiguationPrompt is the fixed instruction of §4.C: the only
// legal output is a JSON object mapping original header -> target field
// or null.
const headerDisambiguationPrompt = `You map spreadsheet column headers to a fixed schema for wine inventory data.
Target fields: name, producer, vintage, quantity, cost_price, type.
Given the header names and a few example values below, return ONLY a JSON object
mapping each original header to one of the target fields, or null if it does not
match any target field. Do not assign the same target field to more than one header.

Headers and examples:
%s`

func disambiguateHeaders(ctx context.Context, reg *llm.Registry, unmapped []string, rawRows []map[string]string, opts Options) (map[string]string, llm.Usage, error) {
	if reg == nil || len(unmapped) == 0 {
		return nil, llm.Usage{}, fmt.Errorf("airepair: nothing to disambiguate")
	}
	var b strings.Builder
	for _, h := range unmapped {
		b.WriteString(h)
		b.WriteString(": ")
		examples := sampleExamples(rawRows, h, 3)
		b.WriteString(strings.Join(examples, ", "))
		b.WriteString("\n")
	}
	req := llm.Request{
		Model:     opts.Model,
		Prompt:    fmt.Sprintf(headerDisambiguationPrompt, b.String()),
		MaxTokens: opts.MaxLLMTokens,
	}
	resp, err := reg.Complete(ctx, req, opts.CallTimeout)
	if err != nil {
		return nil, llm.Usage{}, err
	}
	var out map[string]*string
	if err := json.Unmarshal([]byte(extractJSONObject(resp.Text)), &out); err != nil {
		return nil, resp.Usage, fmt.Errorf("airepair: decode header mapping: %w", err)
	}
	result := make(map[string]string)
	for h, target := range out {
		if target != nil && *target != "" {
			result[h] = *target
		}
	}
	return result, resp.Usage, nil
}

func sampleExamples(rawRows []map[string]string, header string, n int) []string {
	var out []string
	for _, row := range rawRows {
		if v, ok := row[header]; ok && v != "" {
			out = append(out, v)
		}
		if len(out) >= n {
			break
		}
	}
	return out
}

var jsonObjectRe = regexp.MustCompile(`(?s)\{.*\}`)
var jsonArrayRe = regexp.MustCompile(`(?s)\[.*\]`)

func extractJSONObject(s string) string {
	s = strings.TrimSpace(strings.Trim(s, "`"))
	if m := jsonObjectRe.FindString(s); m != "" {
		return m
	}
	return s
}

// rowRepairPrompt is the fixed instruction of §4.C's repair-ambiguous-rows
// operation: fill only missing/invalid fields, preserve order and length.
const rowRepairPrompt = `You repair rows of wine inventory data that are missing required fields (name or quantity).
For each input row (a JSON object), fill in ONLY the missing or invalid fields using
context from the other fields; leave fields you are not confident about as null.
Return a JSON array with exactly the same number of elements, in the same order.

Rows:
%s`

func repairAmbiguousRows(ctx context.Context, reg *llm.Registry, rejected []model.RejectedRow, opts Options) ([]validation.RawRow, llm.Usage, error) {
	if reg == nil || len(rejected) == 0 {
		return nil, llm.Usage{}, fmt.Errorf("airepair: nothing to repair")
	}
	batchSize := opts.BatchSizeAmbiguousRow
	if batchSize <= 0 {
		batchSize = 20
	}

	var repaired []validation.RawRow
	var usage llm.Usage
	for start := 0; start < len(rejected); start += batchSize {
		end := start + batchSize
		if end > len(rejected) {
			end = len(rejected)
		}
		chunk := rejected[start:end]

		payload, err := json.Marshal(rowsToMaps(chunk))
		if err != nil {
			continue
		}
		req := llm.Request{
			Model:     opts.Model,
			Prompt:    fmt.Sprintf(rowRepairPrompt, string(payload)),
			MaxTokens: opts.MaxLLMTokens,
		}
		resp, err := reg.Complete(ctx, req, opts.CallTimeout)
		if err != nil {
			continue
		}
		usage.PromptTokens += resp.Usage.PromptTokens
		usage.CompletionTokens += resp.Usage.CompletionTokens
		var out []map[string]*string
		if err := json.Unmarshal([]byte(extractJSONArray(resp.Text)), &out); err != nil || len(out) != len(chunk) {
			continue
		}
		for i, fixed := range out {
			merged := validation.RawRow{}
			for k, v := range chunk[i].Row {
				merged[k] = v
			}
			for k, v := range fixed {
				if v != nil && *v != "" {
					merged[k] = *v
				}
			}
			repaired = append(repaired, merged)
		}
	}
	return repaired, usage, nil
}

func rowsToMaps(rows []model.RejectedRow) []map[string]string {
	out := make([]map[string]string, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.Row)
	}
	return out
}

func extractJSONArray(s string) string {
	s = strings.TrimSpace(strings.Trim(s, "`"))
	if m := jsonArrayRe.FindString(s); m != "" {
		return m
	}
	return s
}
