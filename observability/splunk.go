package observability

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// SplunkConfig holds Splunk HEC connection settings.
type SplunkConfig struct {
	HECURL        string
	Token         string
	Index         string
	Source        string
	SourceType    string
	FlushInterval time.Duration
	BatchSize     int
	Enabled       bool
}

func DefaultSplunkConfig() SplunkConfig {
	return SplunkConfig{
		Index:         "wine_ingest",
		Source:        "wine-ingest",
		SourceType:    "_json",
		FlushInterval: 5 * time.Second,
		BatchSize:     100,
		Enabled:       false,
	}
}

// SplunkForwarder sends structured log events to Splunk HEC.
type SplunkForwarder struct {
	cfg    SplunkConfig
	client *http.Client
	logger zerolog.Logger

	mu     sync.Mutex
	buffer []splunkEvent
	stopCh chan struct{}
	wg     sync.WaitGroup
}

type splunkEvent struct {
	Time       float64                `json:"time"`
	Source     string                 `json:"source,omitempty"`
	SourceType string                 `json:"sourcetype,omitempty"`
	Index      string                 `json:"index,omitempty"`
	Event      map[string]interface{} `json:"event"`
}

func NewSplunkForwarder(cfg SplunkConfig, logger zerolog.Logger) *SplunkForwarder {
	sf := &SplunkForwarder{
		cfg:    cfg,
		logger: logger.With().Str("component", "splunk").Logger(),
		buffer: make([]splunkEvent, 0, cfg.BatchSize),
		stopCh: make(chan struct{}),
		client: &http.Client{Timeout: 15 * time.Second},
	}

	if !cfg.Enabled {
		sf.logger.Info().Msg("splunk forwarder disabled")
		return sf
	}

	sf.wg.Add(1)
	go sf.flushLoop()
	sf.logger.Info().Str("hec_url", cfg.HECURL).Msg("splunk forwarder started")
	return sf
}

func (sf *SplunkForwarder) Stop() {
	if !sf.cfg.Enabled {
		return
	}
	close(sf.stopCh)
	sf.wg.Wait()
	sf.flush()
}

// Log sends a structured event to Splunk.
func (sf *SplunkForwarder) Log(event map[string]interface{}) {
	if !sf.cfg.Enabled {
		return
	}

	se := splunkEvent{
		Time:       float64(time.Now().UnixMilli()) / 1000.0,
		Source:     sf.cfg.Source,
		SourceType: sf.cfg.SourceType,
		Index:      sf.cfg.Index,
		Event:      event,
	}

	sf.mu.Lock()
	sf.buffer = append(sf.buffer, se)
	shouldFlush := len(sf.buffer) >= sf.cfg.BatchSize
	sf.mu.Unlock()

	if shouldFlush {
		sf.flush()
	}
}

// LogIngestion logs one pipeline-stage outcome (spec §4.J).
func (sf *SplunkForwarder) LogIngestion(correlationID, tenant, stage, decision string, elapsedMs float64, rowsTotal, rowsValid, rowsRejected int) {
	sf.Log(map[string]interface{}{
		"event_type":     "ingestion_stage",
		"correlation_id": correlationID,
		"tenant":         tenant,
		"stage":          stage,
		"decision":       decision,
		"elapsed_ms":     elapsedMs,
		"rows_total":     rowsTotal,
		"rows_valid":     rowsValid,
		"rows_rejected":  rowsRejected,
	})
}

// LogMovement logs one movement application.
func (sf *SplunkForwarder) LogMovement(correlationID, tenant, wineName, movementType string, quantityBefore, quantityAfter int) {
	sf.Log(map[string]interface{}{
		"event_type":      "movement",
		"correlation_id":  correlationID,
		"tenant":          tenant,
		"wine_name":       wineName,
		"movement_type":   movementType,
		"quantity_before": quantityBefore,
		"quantity_after":  quantityAfter,
	})
}

// LogAudit logs an administrative action.
func (sf *SplunkForwarder) LogAudit(action, actorID, targetType, targetID string, details map[string]interface{}) {
	event := map[string]interface{}{
		"event_type":  "audit",
		"action":      action,
		"actor_id":    actorID,
		"target_type": targetType,
		"target_id":   targetID,
	}
	for k, v := range details {
		event[k] = v
	}
	sf.Log(event)
}

func (sf *SplunkForwarder) flushLoop() {
	defer sf.wg.Done()
	ticker := time.NewTicker(sf.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			sf.flush()
		case <-sf.stopCh:
			return
		}
	}
}

func (sf *SplunkForwarder) flush() {
	sf.mu.Lock()
	if len(sf.buffer) == 0 {
		sf.mu.Unlock()
		return
	}
	events := sf.buffer
	sf.buffer = make([]splunkEvent, 0, sf.cfg.BatchSize)
	sf.mu.Unlock()

	var buf bytes.Buffer
	encoder := json.NewEncoder(&buf)
	for _, ev := range events {
		if err := encoder.Encode(ev); err != nil {
			sf.logger.Warn().Err(err).Msg("failed to encode splunk event")
		}
	}

	req, err := http.NewRequest("POST", sf.cfg.HECURL, &buf)
	if err != nil {
		sf.logger.Error().Err(err).Msg("failed to create splunk hec request")
		return
	}
	req.Header.Set("Authorization", fmt.Sprintf("Splunk %s", sf.cfg.Token))
	req.Header.Set("Content-Type", "application/json")

	resp, err := sf.client.Do(req)
	if err != nil {
		sf.logger.Error().Err(err).Int("events", len(events)).Msg("failed to send events to splunk hec")
		return
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 400 {
		sf.logger.Error().Int("status", resp.StatusCode).Int("events", len(events)).Msg("splunk hec returned error")
	}
}
