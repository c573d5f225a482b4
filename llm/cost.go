package llm

import "sync"

// ModelPricing holds per-model token rates in EUR per 1M tokens. The
// alert thresholds in spec §4.J/§6 are denominated in EUR, so pricing
// here is EUR-native.
type ModelPricing struct {
	InputPer1M  float64
	OutputPer1M float64
}

// PricingTable resolves a model identifier to its rate — trimmed to the
// handful of models this system actually calls (cheap tier for Stage 2,
// robust tier for Stage 3) rather than a full multi-provider catalog.
type PricingTable struct {
	mu      sync.RWMutex
	pricing map[string]ModelPricing
}

func DefaultPricingTable() *PricingTable {
	return &PricingTable{
		pricing: map[string]ModelPricing{
			"claude-3-5-haiku-20241022":  {InputPer1M: 0.75, OutputPer1M: 3.70},
			"claude-3-5-sonnet-20241022": {InputPer1M: 2.80, OutputPer1M: 14.00},
			"claude-3-haiku-20240307":    {InputPer1M: 0.23, OutputPer1M: 1.15},
			"gpt-4o-mini":                {InputPer1M: 0.14, OutputPer1M: 0.55},
			"gpt-4o":                     {InputPer1M: 2.30, OutputPer1M: 9.20},
		},
	}
}

func (pt *PricingTable) Set(model string, p ModelPricing) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	pt.pricing[model] = p
}

// EstimateCost converts a usage record into a EUR cost estimate. Unknown
// models fall back to a conservative default rate rather than silently
// reporting zero cost, which would mask real spend from the §4.J alert.
func (pt *PricingTable) EstimateCost(model string, usage Usage) float64 {
	pt.mu.RLock()
	p, ok := pt.pricing[model]
	pt.mu.RUnlock()
	if !ok {
		p = ModelPricing{InputPer1M: 1.0, OutputPer1M: 3.0}
	}
	in := float64(usage.PromptTokens) / 1_000_000 * p.InputPer1M
	out := float64(usage.CompletionTokens) / 1_000_000 * p.OutputPer1M
	return in + out
}

// EstimateTokens is a rough chars/4 token-count heuristic for text a
// provider has not yet counted.
func EstimateTokens(text string) int {
	if len(text) == 0 {
		return 0
	}
	return len(text)/4 + 1
}
