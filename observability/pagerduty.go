package observability

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// PagerDutyConfig holds configuration for PagerDuty Events API v2.
type PagerDutyConfig struct {
	RoutingKey  string
	Enabled     bool
	SourceName  string
	HTTPTimeout time.Duration
}

func DefaultPagerDutyConfig() PagerDutyConfig {
	return PagerDutyConfig{
		SourceName:  "wine-ingest",
		HTTPTimeout: 10 * time.Second,
	}
}

type PagerDutySeverity string

const (
	PDSeverityCritical PagerDutySeverity = "critical"
	PDSeverityError    PagerDutySeverity = "error"
	PDSeverityWarning  PagerDutySeverity = "warning"
	PDSeverityInfo     PagerDutySeverity = "info"
)

// PagerDutyClient sends incidents to PagerDuty Events API v2.
type PagerDutyClient struct {
	cfg    PagerDutyConfig
	client *http.Client
	logger zerolog.Logger
}

const pagerDutyEventsURL = "https://events.pagerduty.com/v2/enqueue"

func NewPagerDutyClient(cfg PagerDutyConfig, logger zerolog.Logger) *PagerDutyClient {
	return &PagerDutyClient{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.HTTPTimeout},
		logger: logger.With().Str("component", "pagerduty").Logger(),
	}
}

// TriggerAlert fires a PagerDuty alert.
func (pd *PagerDutyClient) TriggerAlert(severity PagerDutySeverity, summary, dedupKey string, details map[string]interface{}) error {
	if !pd.cfg.Enabled || pd.cfg.RoutingKey == "" {
		pd.logger.Debug().Str("summary", summary).Msg("pagerduty disabled, alert suppressed")
		return nil
	}

	payload := map[string]interface{}{
		"routing_key":  pd.cfg.RoutingKey,
		"event_action": "trigger",
		"dedup_key":    dedupKey,
		"payload": map[string]interface{}{
			"summary":         summary,
			"severity":        string(severity),
			"source":          pd.cfg.SourceName,
			"component":       "wine-ingest",
			"timestamp":       time.Now().UTC().Format(time.RFC3339),
			"custom_details":  details,
		},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("pagerduty: marshal: %w", err)
	}

	resp, err := pd.client.Post(pagerDutyEventsURL, "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("pagerduty: api call failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 400 {
		return fmt.Errorf("pagerduty: HTTP %d", resp.StatusCode)
	}
	pd.logger.Info().Str("dedup_key", dedupKey).Str("severity", string(severity)).Msg("pagerduty alert triggered")
	return nil
}

func (pd *PagerDutyClient) ResolveAlert(dedupKey string) error {
	if !pd.cfg.Enabled || pd.cfg.RoutingKey == "" {
		return nil
	}
	payload := map[string]interface{}{
		"routing_key":  pd.cfg.RoutingKey,
		"event_action": "resolve",
		"dedup_key":    dedupKey,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("pagerduty: marshal: %w", err)
	}
	resp, err := pd.client.Post(pagerDutyEventsURL, "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("pagerduty: resolve call failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return nil
}

// ─── Spec §4.J alert wrappers ────────────────────────────────

func (pd *PagerDutyClient) AlertStage3Failures(tenant string, count int, window time.Duration) error {
	return pd.TriggerAlert(PDSeverityError,
		fmt.Sprintf("wine-ingest: %d stage-3 extraction failures for tenant %s in %s", count, tenant, window),
		fmt.Sprintf("stage3-failures-%s", tenant),
		map[string]interface{}{"tenant": tenant, "count": count, "window": window.String()})
}

func (pd *PagerDutyClient) AlertLLMCostThreshold(tenant string, estimatedEUR, thresholdEUR float64) error {
	return pd.TriggerAlert(PDSeverityWarning,
		fmt.Sprintf("wine-ingest: LLM cost for tenant %s reached €%.2f (threshold €%.2f)", tenant, estimatedEUR, thresholdEUR),
		fmt.Sprintf("llm-cost-%s", tenant),
		map[string]interface{}{"tenant": tenant, "estimated_eur": estimatedEUR, "threshold_eur": thresholdEUR})
}

func (pd *PagerDutyClient) AlertErrorRate(tenant string, count int, window time.Duration) error {
	return pd.TriggerAlert(PDSeverityCritical,
		fmt.Sprintf("wine-ingest: error rate for tenant %s reached %d in %s", tenant, count, window),
		fmt.Sprintf("error-rate-%s", tenant),
		map[string]interface{}{"tenant": tenant, "count": count, "window": window.String()})
}
