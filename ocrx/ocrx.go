// Package ocrx implements Stage 4 OCR extraction (spec §4.E): images are
// OCR'd directly; PDFs are rasterised page by page and each page OCR'd,
// then the concatenated text is handed off to the extractor package as
// if it were raw text input.
package ocrx

import (
	"bytes"
	"context"
	"fmt"
	"image/png"
	"time"

	"github.com/gen2brain/go-fitz"
	"github.com/otiai10/gosseract/v2"

	"github.com/gioiasoftware/wine-inventory/extractor"
	"github.com/gioiasoftware/wine-inventory/llm"
	"github.com/gioiasoftware/wine-inventory/model"
)

// Options carries the downstream extractor options plus OCR-specific
// language hints (Italian+English per §4.E).
type Options struct {
	Languages []string
	Extractor extractor.Options
}

// Result extends the shared stage-result shape with the OCR-specific
// metrics required by §4.E: pages and text length in Metrics.Pages and
// Metrics.TextLength, ocr_elapsed_sec in Metrics.Extra.
type Result struct {
	Rows     []*model.Wine
	Metrics  model.StageMetrics
	Decision model.StageDecision
}

var imageExtensions = map[string]bool{"jpg": true, "jpeg": true, "png": true}

// Run dispatches on extension: images go straight through OCR; PDFs are
// rasterised page by page first, then both converge on the same
// extractor.Run handoff.
func Run(ctx context.Context, reg *llm.Registry, raw []byte, ext string, opts Options) (Result, error) {
	start := time.Now()

	var text string
	var pages int
	var err error
	switch {
	case imageExtensions[ext]:
		text, err = ocrImage(raw, opts.Languages)
		pages = 1
	case ext == "pdf":
		text, pages, err = ocrPDF(raw, opts.Languages)
	default:
		return Result{}, fmt.Errorf("ocrx: unsupported extension %q", ext)
	}
	if err != nil {
		return Result{}, fmt.Errorf("ocrx: %w", err)
	}

	ocrElapsed := time.Since(start).Seconds()

	extracted, err := extractor.Run(ctx, reg, text, opts.Extractor)
	if err != nil {
		return Result{}, fmt.Errorf("ocrx: downstream extraction: %w", err)
	}

	metrics := extracted.Metrics
	metrics.Pages = pages
	metrics.TextLength = len(text)
	metrics.ElapsedSeconds = ocrElapsed
	if metrics.Extra == nil {
		metrics.Extra = make(map[string]any)
	}
	metrics.Extra["ocr_elapsed_sec"] = ocrElapsed

	return Result{
		Rows:     extracted.Rows,
		Metrics:  metrics,
		Decision: extracted.Decision,
	}, nil
}

func ocrImage(raw []byte, langs []string) (string, error) {
	client := gosseract.NewClient()
	defer client.Close()
	if err := client.SetLanguage(langsOrDefault(langs)...); err != nil {
		return "", fmt.Errorf("set language: %w", err)
	}
	if err := client.SetImageFromBytes(raw); err != nil {
		return "", fmt.Errorf("load image: %w", err)
	}
	text, err := client.Text()
	if err != nil {
		return "", fmt.Errorf("recognize: %w", err)
	}
	return text, nil
}

func langsOrDefault(langs []string) []string {
	if len(langs) == 0 {
		return []string{"ita", "eng"}
	}
	return langs
}

func ocrPDF(raw []byte, langs []string) (string, int, error) {
	doc, err := fitz.NewFromMemory(raw)
	if err != nil {
		return "", 0, fmt.Errorf("open pdf: %w", err)
	}
	defer doc.Close()

	pages := doc.NumPage()
	client := gosseract.NewClient()
	defer client.Close()
	if err := client.SetLanguage(langsOrDefault(langs)...); err != nil {
		return "", 0, fmt.Errorf("set language: %w", err)
	}

	var combined string
	for i := 0; i < pages; i++ {
		img, err := doc.Image(i)
		if err != nil {
			return "", 0, fmt.Errorf("rasterise page %d: %w", i, err)
		}
		var buf bytes.Buffer
		if err := png.Encode(&buf, img); err != nil {
			return "", 0, fmt.Errorf("encode page %d: %w", i, err)
		}
		if err := client.SetImageFromBytes(buf.Bytes()); err != nil {
			return "", 0, fmt.Errorf("load page %d: %w", i, err)
		}
		pageText, err := client.Text()
		if err != nil {
			return "", 0, fmt.Errorf("recognize page %d: %w", i, err)
		}
		combined += pageText + "\n"
	}
	return combined, pages, nil
}
