package observability

import (
	"time"

	"github.com/rs/zerolog"
)

// Notification is one fired alert or scheduler report, handed to Sink
// implementations (spec §4.J, §4.K, §6).
type Notification struct {
	Kind         AlertKind
	Tenant       string
	Message      string
	Count        int
	EstimatedEUR float64
	Window       time.Duration
	Report       string // populated for scheduler daily reports
}

// Sink is the admin-notification fan-out target (spec §6).
type Sink interface {
	Notify(n Notification)
}

// MultiSink fans a single notification out to every registered sink —
// PagerDuty, Splunk, and Datadog side by side rather than choosing one.
type MultiSink struct {
	logger    zerolog.Logger
	pagerDuty *PagerDutyClient
	splunk    *SplunkForwarder
	datadog   *DatadogExporter
}

func NewMultiSink(logger zerolog.Logger, pd *PagerDutyClient, splunk *SplunkForwarder, dd *DatadogExporter) *MultiSink {
	return &MultiSink{logger: logger, pagerDuty: pd, splunk: splunk, datadog: dd}
}

func (m *MultiSink) Notify(n Notification) {
	m.logger.Warn().
		Str("alert_kind", string(n.Kind)).
		Str("tenant", n.Tenant).
		Int("count", n.Count).
		Float64("estimated_eur", n.EstimatedEUR).
		Str("message", n.Message).
		Msg("admin notification")

	if m.splunk != nil {
		m.splunk.Log(map[string]interface{}{
			"event_type":    "admin_alert",
			"alert_kind":    string(n.Kind),
			"tenant":        n.Tenant,
			"message":       n.Message,
			"count":         n.Count,
			"estimated_eur": n.EstimatedEUR,
			"report":        n.Report,
		})
	}
	if m.datadog != nil {
		m.datadog.Count("alert.fired", 1, "kind:"+string(n.Kind), "tenant:"+n.Tenant)
	}
	if m.pagerDuty != nil {
		switch n.Kind {
		case AlertStage3Failures:
			_ = m.pagerDuty.AlertStage3Failures(n.Tenant, n.Count, n.Window)
		case AlertLLMCost:
			_ = m.pagerDuty.AlertLLMCostThreshold(n.Tenant, n.EstimatedEUR, n.EstimatedEUR)
		case AlertErrorRate:
			_ = m.pagerDuty.AlertErrorRate(n.Tenant, n.Count, n.Window)
		}
	}
}
