// Package pipeline implements the Stage F orchestrator (spec §4.F):
// routing by extension, stage sequencing, hybrid merge of partial
// results, and the final save/error decision.
package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/gioiasoftware/wine-inventory/airepair"
	"github.com/gioiasoftware/wine-inventory/extractor"
	"github.com/gioiasoftware/wine-inventory/llm"
	"github.com/gioiasoftware/wine-inventory/model"
	"github.com/gioiasoftware/wine-inventory/ocrx"
	"github.com/gioiasoftware/wine-inventory/parser"
	"github.com/gioiasoftware/wine-inventory/validation"
)

// Options bundles every policy knob from spec §6 needed to drive the
// cascade.
type Options struct {
	IATargetedEnabled  bool
	LLMFallbackEnabled bool
	OCREnabled         bool

	ParserOpts    parser.Options
	AIRepairOpts  airepair.Options
	ExtractorOpts extractor.Options
	OCROpts       ocrx.Options
}

// Outcome is process_file's return value (spec §4.F entry contract).
type Outcome struct {
	Rows       []*model.Wine
	Metrics    map[string]model.StageMetrics // keyed by stage name
	Decision   model.StageDecision
	StageUsed  string
	ErrMessage string
}

var tabularExtensions = map[string]bool{"csv": true, "tsv": true, "xlsx": true, "xls": true}
var imageExtensions = map[string]bool{"pdf": true, "jpg": true, "jpeg": true, "png": true}

// ProcessFile is the single entry point described in spec §4.F.
func ProcessFile(ctx context.Context, reg *llm.Registry, raw []byte, fileName, ext string, opts Options) (Outcome, error) {
	ext = strings.ToLower(strings.TrimPrefix(ext, "."))
	metrics := make(map[string]model.StageMetrics)

	switch {
	case tabularExtensions[ext]:
		return processTabular(ctx, reg, raw, ext, opts, metrics)
	case imageExtensions[ext]:
		return processImage(ctx, reg, raw, ext, opts, metrics)
	default:
		return Outcome{
			Decision:   model.DecisionError,
			StageUsed:  "stage0_routing",
			ErrMessage: fmt.Sprintf("unsupported_format: %q", ext),
		}, nil
	}
}

func processTabular(ctx context.Context, reg *llm.Registry, raw []byte, ext string, opts Options, metrics map[string]model.StageMetrics) (Outcome, error) {
	stage1, err := parser.Parse(raw, ext, opts.ParserOpts)
	if err != nil {
		return Outcome{Decision: model.DecisionError, StageUsed: "stage1_parse", ErrMessage: err.Error()}, nil
	}
	metrics["stage1_parse"] = stage1.Metrics

	if stage1.Decision == model.DecisionSave {
		return Outcome{Rows: stage1.Rows, Metrics: metrics, Decision: model.DecisionSave, StageUsed: "stage1_parse"}, nil
	}

	previousStageWines := stage1.Rows

	if !opts.IATargetedEnabled {
		return escalateOrFail(previousStageWines, metrics, "stage1_parse", ctx, reg, raw, ext, opts)
	}

	rawRows, headers, records := rebuildRawRows(raw, ext, opts)
	stage2, err := airepair.Run(ctx, reg, stage1, rawRows, opts.AIRepairOpts)
	if err != nil {
		stage2 = airepair.Result{Decision: model.DecisionEscalateToStage3}
	}
	metrics["stage2_targeted"] = stage2.Metrics

	if stage2.Decision == model.DecisionSave {
		return Outcome{Rows: stage2.Rows, Metrics: metrics, Decision: model.DecisionSave, StageUsed: "stage2_targeted"}, nil
	}
	if len(stage2.Rows) > 0 {
		previousStageWines = stage2.Rows
	}

	if !opts.LLMFallbackEnabled {
		return fallbackOrError(previousStageWines, metrics, "stage2_targeted")
	}

	text := extractor.PrepareTabularText(headers, records)
	stage3, err := extractor.Run(ctx, reg, text, opts.ExtractorOpts)
	if err != nil {
		stage3 = extractor.Result{Decision: model.DecisionError}
	}
	metrics["stage3_llm"] = stage3.Metrics

	return mergeStage3(previousStageWines, stage3, metrics)
}

func escalateOrFail(previousStageWines []*model.Wine, metrics map[string]model.StageMetrics, stageUsed string, ctx context.Context, reg *llm.Registry, raw []byte, ext string, opts Options) (Outcome, error) {
	if !opts.LLMFallbackEnabled {
		return fallbackOrError(previousStageWines, metrics, stageUsed)
	}
	rawRows, headers, records := rebuildRawRows(raw, ext, opts)
	_ = rawRows
	text := extractor.PrepareTabularText(headers, records)
	stage3, err := extractor.Run(ctx, reg, text, opts.ExtractorOpts)
	if err != nil {
		stage3 = extractor.Result{Decision: model.DecisionError}
	}
	metrics["stage3_llm"] = stage3.Metrics
	return mergeStage3(previousStageWines, stage3, metrics)
}

func fallbackOrError(previousStageWines []*model.Wine, metrics map[string]model.StageMetrics, stageUsed string) (Outcome, error) {
	if len(previousStageWines) > 0 {
		return Outcome{Rows: previousStageWines, Metrics: metrics, Decision: model.DecisionSave, StageUsed: stageUsed + "_fallback"}, nil
	}
	return Outcome{Metrics: metrics, Decision: model.DecisionError, StageUsed: stageUsed, ErrMessage: "parse_failed"}, nil
}

// mergeStage3 implements the hybrid merge policy of §4.F.5.
func mergeStage3(previousStageWines []*model.Wine, stage3 extractor.Result, metrics map[string]model.StageMetrics) (Outcome, error) {
	if stage3.Decision == model.DecisionSave {
		beforeCount := len(previousStageWines) + len(stage3.Rows)
		merged := validation.MergeDuplicates(append(append([]*model.Wine{}, previousStageWines...), stage3.Rows...))
		m := metrics["stage3_llm"]
		if m.Extra == nil {
			m.Extra = make(map[string]any)
		}
		m.Extra["merge_before_count"] = beforeCount
		m.Extra["merge_after_count"] = len(merged)
		metrics["stage3_llm"] = m
		return Outcome{Rows: merged, Metrics: metrics, Decision: model.DecisionSave, StageUsed: "stage3_llm"}, nil
	}
	if len(previousStageWines) > 0 {
		return Outcome{Rows: previousStageWines, Metrics: metrics, Decision: model.DecisionSave, StageUsed: "llm_mode_fallback_previous"}, nil
	}
	return Outcome{Metrics: metrics, Decision: model.DecisionError, StageUsed: "stage3_llm", ErrMessage: "stage3_failed"}, nil
}

func processImage(ctx context.Context, reg *llm.Registry, raw []byte, ext string, opts Options, metrics map[string]model.StageMetrics) (Outcome, error) {
	if !opts.OCREnabled {
		return Outcome{Decision: model.DecisionError, StageUsed: "stage4_ocr", ErrMessage: "ocr_failed: ocr disabled"}, nil
	}
	stage4, err := ocrx.Run(ctx, reg, raw, ext, opts.OCROpts)
	if err != nil {
		return Outcome{Decision: model.DecisionError, StageUsed: "stage4_ocr", ErrMessage: err.Error()}, nil
	}
	metrics["stage4_ocr"] = stage4.Metrics
	if stage4.Decision != model.DecisionSave {
		return Outcome{Metrics: metrics, Decision: model.DecisionError, StageUsed: "stage4_ocr", ErrMessage: "ocr_failed"}, nil
	}
	return Outcome{Rows: stage4.Rows, Metrics: metrics, Decision: model.DecisionSave, StageUsed: "stage4_ocr"}, nil
}

// rebuildRawRows re-derives the original header/record matrix for Stage
// 2/3 re-use by decoding raw again through parser.SplitForReuse, rather
// than threading Stage 1's matrix through, to keep package boundaries
// narrow.
func rebuildRawRows(raw []byte, ext string, opts Options) ([]map[string]string, []string, [][]string) {
	headers, records := parser.SplitForReuse(raw, ext)
	rows := make([]map[string]string, 0, len(records))
	for _, rec := range records {
		row := make(map[string]string)
		for i, h := range headers {
			if i < len(rec) {
				row[h] = rec[i]
			}
		}
		rows = append(rows, row)
	}
	return rows, headers, records
}
