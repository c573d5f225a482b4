// Command ingestd is the wine-inventory ingestion service: it wires
// config, storage, the job worker pool, the movement engine, the
// alerting/notification fan-out, the daily scheduler, and the HTTP
// router, then serves until an OS signal requests shutdown.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gioiasoftware/wine-inventory/airepair"
	"github.com/gioiasoftware/wine-inventory/config"
	"github.com/gioiasoftware/wine-inventory/dbx"
	"github.com/gioiasoftware/wine-inventory/extractor"
	"github.com/gioiasoftware/wine-inventory/jobs"
	"github.com/gioiasoftware/wine-inventory/llm"
	"github.com/gioiasoftware/wine-inventory/logger"
	"github.com/gioiasoftware/wine-inventory/model"
	"github.com/gioiasoftware/wine-inventory/movement"
	"github.com/gioiasoftware/wine-inventory/observability"
	"github.com/gioiasoftware/wine-inventory/ocrx"
	"github.com/gioiasoftware/wine-inventory/parser"
	"github.com/gioiasoftware/wine-inventory/pipeline"
	"github.com/gioiasoftware/wine-inventory/redisclient"
	"github.com/gioiasoftware/wine-inventory/router"
	"github.com/gioiasoftware/wine-inventory/scheduler"
	"github.com/gioiasoftware/wine-inventory/store"
	"github.com/gioiasoftware/wine-inventory/viewertoken"
	"github.com/rs/zerolog"
)

func main() {
	cfg := config.Load()
	log := logger.New(cfg)

	log.Info().Str("env", cfg.Env).Msg("wine-ingest starting")

	ctx, cancelBoot := context.WithTimeout(context.Background(), 30*time.Second)
	pool, err := dbx.Open(ctx, cfg.DatabaseURL)
	cancelBoot()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	if err := dbx.Migrate(cfg.DatabaseURL); err != nil {
		log.Fatal().Err(err).Msg("failed to run migrations")
	}

	rc, err := redisclient.New(cfg)
	if err != nil {
		log.Warn().Err(err).Msg("redis init failed — continuing without Redis lock assist")
		rc = nil
	} else if err := rc.Ping(); err != nil {
		log.Warn().Err(err).Msg("redis ping failed")
	} else {
		log.Info().Msg("redis connected")
	}

	registry := llm.NewRegistry()
	registerLLMProviders(cfg, registry, log)
	pricing := llm.DefaultPricingTable()

	st := store.New(pool)
	jobManager := jobs.New(pool)
	movementEngine := movement.New(st, rc)
	tokenIssuer := viewertoken.NewIssuer(cfg.ViewerTokenSalt, cfg.ViewerTokenTTL)

	// --- Observability: metrics, admin notification sinks, alerting ---
	metrics := observability.NewMetrics()

	var pagerDuty *observability.PagerDutyClient
	if cfg.PagerDutyEnabled {
		pdCfg := observability.DefaultPagerDutyConfig()
		pdCfg.RoutingKey = cfg.PagerDutyRoutingKey
		pdCfg.Enabled = true
		pagerDuty = observability.NewPagerDutyClient(pdCfg, log)
	}

	var splunk *observability.SplunkForwarder
	if cfg.SplunkEnabled {
		spCfg := observability.DefaultSplunkConfig()
		spCfg.HECURL = cfg.SplunkHECURL
		spCfg.Token = cfg.SplunkHECToken
		spCfg.Enabled = true
		splunk = observability.NewSplunkForwarder(spCfg, log)
	}

	var datadog *observability.DatadogExporter
	if cfg.DatadogEnabled {
		ddCfg := observability.DefaultDatadogConfig()
		ddCfg.Address = cfg.DatadogAddr
		ddCfg.Enabled = true
		dd, err := observability.NewDatadogExporter(ddCfg, log)
		if err != nil {
			log.Warn().Err(err).Msg("datadog exporter init failed — continuing without it")
		} else {
			datadog = dd
		}
	}

	sink := observability.NewMultiSink(log, pagerDuty, splunk, datadog)
	alertEngine := observability.NewEngine(observability.AlertThresholds{
		Window:             cfg.AlertWindow,
		Stage3FailureCount: cfg.Stage3FailureThreshold,
		LLMCostEUR:         cfg.LLMCostThresholdEUR,
		ErrorCount:         cfg.ErrorRateThreshold,
	}, sink)

	// --- Background worker pool running the ingestion pipeline ---
	processor := newProcessor(registry, pricing, st, jobManager, alertEngine, metrics, cfg, log)
	jobPool := jobs.NewPool(log, processor, jobs.DefaultPoolConfig())
	workerCtx, stopWorkers := context.WithCancel(context.Background())
	jobPool.Start(workerCtx, jobs.DefaultPoolConfig().Workers)

	// --- Daily movement report scheduler (spec §4.K) ---
	sched, err := scheduler.New(scheduler.Config{
		Timezone: cfg.SchedulerTimezone,
		Hour:     cfg.SchedulerHour,
		Minute:   cfg.SchedulerMinute,
		Grace:    cfg.SchedulerGrace,
	}, st, sink, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize scheduler")
	}
	if err := sched.Start(context.Background()); err != nil {
		log.Fatal().Err(err).Msg("failed to start scheduler")
	}

	r := router.NewRouter(router.Deps{
		Config:      cfg,
		Logger:      log,
		JobManager:  jobManager,
		JobPool:     jobPool,
		Store:       st,
		Movement:    movementEngine,
		LLMRegistry: registry,
		Pricing:     pricing,
		TokenIssuer: tokenIssuer,
		TokenVerify: tokenIssuer,
		Metrics:     metrics,
	})

	srv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 6 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		log.Info().Str("addr", cfg.Addr).Msg("wine-ingest listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-done
	log.Info().Msg("shutdown signal received")

	sched.Stop()
	stopWorkers()
	jobPool.Stop()
	if splunk != nil {
		splunk.Stop()
	}
	if datadog != nil {
		datadog.Stop()
	}
	pool.Close()
	if rc != nil {
		rc.Close()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.GracefulTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
	} else {
		log.Info().Msg("wine-ingest stopped gracefully")
	}
}

func registerLLMProviders(cfg *config.Config, registry *llm.Registry, log zerolog.Logger) {
	if cfg.AnthropicAPIKey != "" {
		p := llm.NewAnthropicProvider(cfg.AnthropicAPIKey, cfg.AnthropicBaseURL, cfg.LLMCallTimeout)
		registry.Register(p, cfg.LLMModelTargeted, cfg.LLMModelExtract)
		log.Info().Msg("registered anthropic provider")
	}
	if cfg.OpenAICompatAPIKey != "" {
		p := llm.NewOpenAICompatProvider("openai-compat", cfg.OpenAICompatAPIKey, cfg.OpenAICompatBaseURL, cfg.LLMCallTimeout)
		registry.Register(p, "gpt-4o-mini", "gpt-4o")
		log.Info().Msg("registered openai-compatible provider")
	}
}

// newProcessor closes over every dependency the pipeline needs and
// implements jobs.Processor — the async half of the ingestion
// endpoint's contract (spec §4.F/§4.G): run the cascade, persist
// results, update job state, and feed the alert engine.
func newProcessor(registry *llm.Registry, pricing *llm.PricingTable, st *store.Store, jobManager *jobs.Manager, alertEngine *observability.Engine, metrics *observability.Metrics, cfg *config.Config, log zerolog.Logger) jobs.Processor {
	opts := pipeline.Options{
		IATargetedEnabled:  cfg.IATargetedEnabled,
		LLMFallbackEnabled: cfg.LLMFallbackEnabled,
		OCREnabled:         cfg.OCREnabled,
		ParserOpts: parser.Options{
			SchemaScoreThreshold: cfg.SchemaScoreThreshold,
			MinValidRows:         cfg.MinValidRows,
		},
		AIRepairOpts: airepair.Options{
			Enabled:               cfg.IATargetedEnabled,
			SchemaScoreThreshold:  cfg.SchemaScoreThreshold,
			MinValidRows:          cfg.MinValidRows,
			BatchSizeAmbiguousRow: cfg.BatchSizeAmbiguousRow,
			MaxLLMTokens:          cfg.MaxLLMTokens,
			Model:                 cfg.LLMModelTargeted,
			CallTimeout:           cfg.LLMCallTimeout,
		},
		ExtractorOpts: extractor.Options{
			Model:       cfg.LLMModelExtract,
			CallTimeout: cfg.LLMCallTimeout,
		},
		OCROpts: ocrx.Options{
			Languages: strings.Split(cfg.OCRLanguages, "+"),
			Extractor: extractor.Options{
				Model:       cfg.LLMModelExtract,
				CallTimeout: cfg.LLMCallTimeout,
			},
		},
	}

	return func(ctx context.Context, t jobs.Task) {
		plog := logger.WithCorrelation(log, t.CorrelationID, t.Tenant.Key())
		metrics.JobsCreated.Inc()

		_ = jobManager.UpdateJobStatus(ctx, t.JobID, jobs.Update{Status: model.JobProcessing})

		outcome, err := pipeline.ProcessFile(ctx, registry, t.Raw, t.FileName, t.Ext, opts)
		if err != nil {
			errMsg := err.Error()
			_ = jobManager.UpdateJobStatus(ctx, t.JobID, jobs.Update{Status: model.JobError, ErrorMessage: &errMsg})
			metrics.JobsCompleted.WithLabelValues("error").Inc()
			alertEngine.RecordError(t.Tenant.Key())
			return
		}

		for stageName, m := range outcome.Metrics {
			metrics.StageRuns.WithLabelValues(stageName, string(outcome.Decision)).Inc()
			metrics.StageElapsed.WithLabelValues(stageName).Observe(m.ElapsedSeconds)
			if m.Model != "" {
				cost := pricing.EstimateCost(m.Model, llm.Usage{
					PromptTokens:     m.PromptTokens,
					CompletionTokens: m.CompletionTokens,
				})
				metrics.LLMCostEUR.WithLabelValues(m.Model).Add(cost)
				alertEngine.RecordLLMCost(t.Tenant.Key(), cost)
			}
		}

		if outcome.Decision == model.DecisionError {
			_ = jobManager.UpdateJobStatus(ctx, t.JobID, jobs.Update{
				Status:       model.JobError,
				ErrorMessage: &outcome.ErrMessage,
				StageUsed:    &outcome.StageUsed,
			})
			metrics.JobsCompleted.WithLabelValues("error").Inc()
			if outcome.StageUsed == "stage3_llm" {
				alertEngine.RecordStage3Failure(t.Tenant.Key())
			}
			return
		}

		if t.DryRun {
			total := len(outcome.Rows)
			_ = jobManager.UpdateJobStatus(ctx, t.JobID, jobs.Update{
				Status:     model.JobCompleted,
				TotalWines: &total,
				StageUsed:  &outcome.StageUsed,
			})
			metrics.JobsCompleted.WithLabelValues("completed").Inc()
			return
		}

		if err := st.EnsureTenantTables(ctx, t.Tenant.Key()); err != nil {
			errMsg := err.Error()
			_ = jobManager.UpdateJobStatus(ctx, t.JobID, jobs.Update{Status: model.JobError, ErrorMessage: &errMsg})
			metrics.JobsCompleted.WithLabelValues("error").Inc()
			return
		}

		var saved, failed int
		if t.Mode == "replace" {
			saved, failed, err = st.ReplaceAll(ctx, t.Tenant.Key(), outcome.Rows, cfg.DBInsertBatchSize)
		} else {
			saved, failed, err = st.BatchInsertWines(ctx, t.Tenant.Key(), outcome.Rows, cfg.DBInsertBatchSize)
		}
		if err != nil {
			errMsg := err.Error()
			_ = jobManager.UpdateJobStatus(ctx, t.JobID, jobs.Update{Status: model.JobError, ErrorMessage: &errMsg})
			metrics.JobsCompleted.WithLabelValues("error").Inc()
			return
		}

		total := len(outcome.Rows)
		_ = jobManager.UpdateJobStatus(ctx, t.JobID, jobs.Update{
			Status:         model.JobCompleted,
			TotalWines:     &total,
			ProcessedWines: &total,
			SavedWines:     &saved,
			ErrorCount:     &failed,
			StageUsed:      &outcome.StageUsed,
		})
		metrics.JobsCompleted.WithLabelValues("completed").Inc()
		plog.Info().Int("saved", saved).Int("failed", failed).Msg("ingestion job completed")
	}
}
