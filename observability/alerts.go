// Package observability implements structured logging support,
// rolling-window alerting, and the admin-notification sink fan-out
// (spec §4.J).
package observability

import (
	"sync"
	"time"

	"github.com/gioiasoftware/wine-inventory/middleware"
)

// AlertKind identifies which of the three spec §4.J alerts fired.
type AlertKind string

const (
	AlertStage3Failures AlertKind = "stage3_failures"
	AlertLLMCost        AlertKind = "llm_cost"
	AlertErrorRate      AlertKind = "error_rate"
	AlertDailyReport    AlertKind = "daily_report"
)

// AlertThresholds configures the three rolling-window alerts.
type AlertThresholds struct {
	Window            time.Duration
	Stage3FailureCount int
	LLMCostEUR         float64
	ErrorCount         int
}

// tenantWindow holds the per-tenant rolling counters for one alert
// window, reusing middleware.AtomicCounter the same way
// middleware/ratelimit.go reuses a per-key sliding structure for rate
// limiting — here the "window" resets wholesale rather than sliding,
// since spec §4.J only requires a fixed 60-minute rolling bucket with
// per-window dedup, not a precise sliding count.
type tenantWindow struct {
	stage3Failures middleware.AtomicCounter
	llmCostMicros  middleware.AtomicCounter // millionths of a EUR, to keep AtomicCounter's int64
	errors         middleware.AtomicCounter
	windowStart    time.Time
	firedStage3    bool
	firedCost      bool
	firedErrors    bool
	mu             sync.Mutex
}

// Engine tracks per-tenant rolling-window alert state and fans out
// fired alerts through the registered Sink.
type Engine struct {
	mu        sync.Mutex
	windows   map[string]*tenantWindow
	thresholds AlertThresholds
	sink      Sink
}

func NewEngine(thresholds AlertThresholds, sink Sink) *Engine {
	return &Engine{
		windows:    make(map[string]*tenantWindow),
		thresholds: thresholds,
		sink:       sink,
	}
}

func (e *Engine) window(tenant string) *tenantWindow {
	e.mu.Lock()
	defer e.mu.Unlock()
	w, ok := e.windows[tenant]
	now := time.Now()
	if !ok || now.Sub(w.windowStart) > e.thresholds.Window {
		w = &tenantWindow{windowStart: now}
		e.windows[tenant] = w
	}
	return w
}

// RecordStage3Failure records one Stage 3 extraction failure and fires
// the alert once per window when the threshold is crossed.
func (e *Engine) RecordStage3Failure(tenant string) {
	w := e.window(tenant)
	count := w.stage3Failures.Inc()
	w.mu.Lock()
	shouldFire := int(count) >= e.thresholds.Stage3FailureCount && !w.firedStage3
	if shouldFire {
		w.firedStage3 = true
	}
	w.mu.Unlock()
	if shouldFire {
		e.sink.Notify(Notification{
			Kind:    AlertStage3Failures,
			Tenant:  tenant,
			Message: "stage-3 extraction failures crossed threshold",
			Count:   int(count),
			Window:  e.thresholds.Window,
		})
	}
}

// RecordLLMCost accumulates an estimated per-call cost (EUR) and fires
// once per window when the accumulated estimate crosses the threshold.
func (e *Engine) RecordLLMCost(tenant string, costEUR float64) {
	w := e.window(tenant)
	micros := w.llmCostMicros.Add(int64(costEUR*1e6 + 0.5))
	w.mu.Lock()
	shouldFire := float64(micros)/1e6 >= e.thresholds.LLMCostEUR && !w.firedCost
	if shouldFire {
		w.firedCost = true
	}
	w.mu.Unlock()
	if shouldFire {
		e.sink.Notify(Notification{
			Kind:      AlertLLMCost,
			Tenant:    tenant,
			Message:   "accumulated LLM cost estimate crossed threshold",
			EstimatedEUR: float64(micros) / 1e6,
			Window:    e.thresholds.Window,
		})
	}
}

// RecordError records one request-level error and fires once per window
// when the threshold is crossed.
func (e *Engine) RecordError(tenant string) {
	w := e.window(tenant)
	count := w.errors.Inc()
	w.mu.Lock()
	shouldFire := int(count) >= e.thresholds.ErrorCount && !w.firedErrors
	if shouldFire {
		w.firedErrors = true
	}
	w.mu.Unlock()
	if shouldFire {
		e.sink.Notify(Notification{
			Kind:    AlertErrorRate,
			Tenant:  tenant,
			Message: "error rate crossed threshold",
			Count:   int(count),
			Window:  e.thresholds.Window,
		})
	}
}
