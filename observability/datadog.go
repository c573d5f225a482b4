package observability

import (
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// DatadogConfig holds Datadog Agent connection settings.
type DatadogConfig struct {
	Address       string
	Namespace     string
	GlobalTags    []string
	FlushInterval time.Duration
	BufferSize    int
	Enabled       bool
}

func DefaultDatadogConfig() DatadogConfig {
	return DatadogConfig{
		Address:       "127.0.0.1:8125",
		Namespace:     "wine_ingest",
		FlushInterval: 10 * time.Second,
		BufferSize:    256,
		Enabled:       false,
	}
}

// DatadogExporter sends metrics to a DogStatsD agent over UDP.
type DatadogExporter struct {
	cfg    DatadogConfig
	conn   net.Conn
	logger zerolog.Logger

	mu     sync.Mutex
	buffer []string
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewDatadogExporter creates and starts a Datadog exporter. A no-op if
// cfg.Enabled is false.
func NewDatadogExporter(cfg DatadogConfig, logger zerolog.Logger) (*DatadogExporter, error) {
	dd := &DatadogExporter{
		cfg:    cfg,
		logger: logger.With().Str("component", "datadog").Logger(),
		buffer: make([]string, 0, cfg.BufferSize),
		stopCh: make(chan struct{}),
	}

	if !cfg.Enabled {
		dd.logger.Info().Msg("datadog exporter disabled")
		return dd, nil
	}

	conn, err := net.Dial("udp", cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("datadog: cannot connect to %s: %w", cfg.Address, err)
	}
	dd.conn = conn

	dd.wg.Add(1)
	go dd.flushLoop()

	dd.logger.Info().
		Str("address", cfg.Address).
		Str("namespace", cfg.Namespace).
		Msg("datadog exporter started")

	return dd, nil
}

func (dd *DatadogExporter) Stop() {
	if !dd.cfg.Enabled {
		return
	}
	close(dd.stopCh)
	dd.wg.Wait()
	dd.flush()
	if dd.conn != nil {
		dd.conn.Close()
	}
}

func (dd *DatadogExporter) Count(name string, value int64, tags ...string) {
	dd.send(name, fmt.Sprintf("%d", value), "c", tags)
}

func (dd *DatadogExporter) Gauge(name string, value float64, tags ...string) {
	dd.send(name, fmt.Sprintf("%f", value), "g", tags)
}

func (dd *DatadogExporter) Histogram(name string, value float64, tags ...string) {
	dd.send(name, fmt.Sprintf("%f", value), "h", tags)
}

func (dd *DatadogExporter) Timing(name string, duration time.Duration, tags ...string) {
	dd.send(name, fmt.Sprintf("%f", float64(duration.Milliseconds())), "ms", tags)
}

// ─── Wine-ingestion domain wrappers ──────────────────────────

// RecordStage records one pipeline stage's outcome (spec §4.J).
func (dd *DatadogExporter) RecordStage(stage, decision string, elapsedMs float64) {
	tags := []string{"stage:" + stage, "decision:" + decision}
	dd.Count("stage.runs", 1, tags...)
	dd.Histogram("stage.elapsed_ms", elapsedMs, tags...)
}

// RecordMovement records a consumo/rifornimento application.
func (dd *DatadogExporter) RecordMovement(movementType string, success bool) {
	status := "ok"
	if !success {
		status = "error"
	}
	dd.Count("movement.applied", 1, "type:"+movementType, "status:"+status)
}

// RecordLLMCost records an estimated LLM call cost in EUR cents.
func (dd *DatadogExporter) RecordLLMCost(model string, eurCents float64) {
	dd.Histogram("llm.cost_eur_cents", eurCents, "model:"+model)
}

func (dd *DatadogExporter) send(name, value, metricType string, tags []string) {
	if !dd.cfg.Enabled {
		return
	}
	fullName := dd.namespaced(name)
	tagStr := dd.formatTags(tags)
	line := fmt.Sprintf("%s:%s|%s%s", fullName, value, metricType, tagStr)
	dd.bufferLine(line)
}

func (dd *DatadogExporter) namespaced(name string) string {
	if dd.cfg.Namespace != "" {
		return dd.cfg.Namespace + "." + name
	}
	return name
}

func (dd *DatadogExporter) formatTags(tags []string) string {
	allTags := make([]string, 0, len(dd.cfg.GlobalTags)+len(tags))
	allTags = append(allTags, dd.cfg.GlobalTags...)
	allTags = append(allTags, tags...)
	if len(allTags) == 0 {
		return ""
	}
	return "|#" + strings.Join(allTags, ",")
}

func (dd *DatadogExporter) bufferLine(line string) {
	dd.mu.Lock()
	dd.buffer = append(dd.buffer, line)
	shouldFlush := len(dd.buffer) >= dd.cfg.BufferSize
	dd.mu.Unlock()

	if shouldFlush {
		dd.flush()
	}
}

func (dd *DatadogExporter) flushLoop() {
	defer dd.wg.Done()
	ticker := time.NewTicker(dd.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			dd.flush()
		case <-dd.stopCh:
			return
		}
	}
}

func (dd *DatadogExporter) flush() {
	dd.mu.Lock()
	if len(dd.buffer) == 0 {
		dd.mu.Unlock()
		return
	}
	lines := dd.buffer
	dd.buffer = make([]string, 0, dd.cfg.BufferSize)
	dd.mu.Unlock()

	if dd.conn == nil {
		return
	}

	payload := strings.Join(lines, "\n")
	if _, err := dd.conn.Write([]byte(payload)); err != nil {
		dd.logger.Warn().Err(err).Int("lines", len(lines)).Msg("failed to send metrics to datadog")
	}
}
