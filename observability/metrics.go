package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the process's Prometheus collectors, registered through
// the client_golang registry rather than a hand-rolled text exposition.
type Metrics struct {
	StageRuns       *prometheus.CounterVec
	StageElapsed    *prometheus.HistogramVec
	JobsCreated     prometheus.Counter
	JobsCompleted   *prometheus.CounterVec
	MovementsApplied *prometheus.CounterVec
	LLMCostEUR      *prometheus.CounterVec
	AlertsFired     *prometheus.CounterVec
	WorkerQueueDepth prometheus.Gauge
}

func NewMetrics() *Metrics {
	return &Metrics{
		StageRuns: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wine_ingest",
			Name:      "stage_runs_total",
			Help:      "Pipeline stage invocations by stage and decision.",
		}, []string{"stage", "decision"}),
		StageElapsed: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "wine_ingest",
			Name:      "stage_elapsed_seconds",
			Help:      "Pipeline stage elapsed time in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"stage"}),
		JobsCreated: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "wine_ingest",
			Name:      "jobs_created_total",
			Help:      "Ingestion jobs created.",
		}),
		JobsCompleted: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wine_ingest",
			Name:      "jobs_completed_total",
			Help:      "Ingestion jobs completed by terminal status.",
		}, []string{"status"}),
		MovementsApplied: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wine_ingest",
			Name:      "movements_applied_total",
			Help:      "Movements applied by type and outcome.",
		}, []string{"movement_type", "status"}),
		LLMCostEUR: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wine_ingest",
			Name:      "llm_cost_eur_total",
			Help:      "Estimated cumulative LLM cost in EUR, by model.",
		}, []string{"model"}),
		AlertsFired: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wine_ingest",
			Name:      "alerts_fired_total",
			Help:      "Alerts fired by kind.",
		}, []string{"kind"}),
		WorkerQueueDepth: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: "wine_ingest",
			Name:      "worker_queue_depth",
			Help:      "Current depth of the job worker queue.",
		}),
	}
}

// Handler exposes the default Prometheus registry over /metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.Handler()
}
