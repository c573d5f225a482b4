// Package router assembles the chi router and the full middleware
// chain for the ingestion service: CORS → security headers → request
// ID → panic recovery → request logging → body size limit; then, under
// /v1, header normalization and a per-route timeout; then, per route
// group, authentication (API key or viewer token), with rate limiting
// on the API-key group.
package router

import (
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/gioiasoftware/wine-inventory/config"
	"github.com/gioiasoftware/wine-inventory/handler"
	"github.com/gioiasoftware/wine-inventory/jobs"
	"github.com/gioiasoftware/wine-inventory/llm"
	gwmw "github.com/gioiasoftware/wine-inventory/middleware"
	"github.com/gioiasoftware/wine-inventory/movement"
	"github.com/gioiasoftware/wine-inventory/observability"
	"github.com/gioiasoftware/wine-inventory/store"
	"github.com/gioiasoftware/wine-inventory/viewertoken"
)

// Deps bundles every dependency the router needs to mount handlers as
// an explicit struct rather than an untyped variadic — this service has
// a small, fixed dependency set known at wiring time.
type Deps struct {
	Config       *config.Config
	Logger       zerolog.Logger
	JobManager   *jobs.Manager
	JobPool      *jobs.Pool
	Store        *store.Store
	Movement     *movement.Engine
	LLMRegistry  *llm.Registry
	Pricing      *llm.PricingTable
	TokenIssuer  *viewertoken.Issuer
	TokenVerify  gwmw.TokenVerifier
	Metrics      *observability.Metrics
}

// NewRouter returns a configured chi Router with the full middleware
// chain and every API route mounted.
func NewRouter(d Deps) http.Handler {
	r := chi.NewRouter()
	cfg := d.Config
	appLogger := d.Logger

	// --- Middleware chain (order matters) ---
	r.Use(gwmw.CORSMiddleware([]string{"*"}))
	r.Use(gwmw.SecurityHeadersMiddleware)
	r.Use(gwmw.RequestIDMiddleware)
	r.Use(chimw.Recoverer)
	r.Use(mwRequestLogger(appLogger))
	r.Use(mwMaxBodySize(cfg.MaxUploadBytes))

	// --- Health endpoints (no auth required) ---
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok","service":"wine-ingest"}`))
	})
	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ready","service":"wine-ingest"}`))
	})

	if d.Metrics != nil {
		r.Get("/metrics", d.Metrics.Handler())
	}

	r.Get("/openapi.json", handler.OpenAPIHandler())
	r.Get("/docs", handler.SwaggerUIHandler())

	// --- Handlers ---
	ingestHandler := handler.NewIngestHandler(appLogger, d.JobManager, d.Store, d.JobPool, cfg.MaxUploadBytes)
	jobHandler := handler.NewJobHandler(appLogger, d.JobManager)
	movementHandler := handler.NewMovementHandler(appLogger, d.Movement)
	snapshotHandler := handler.NewSnapshotHandler(appLogger, d.Store)
	adminHandler := handler.NewAdminHandler(appLogger, d.Pricing, d.LLMRegistry, d.TokenIssuer)

	authMW := gwmw.NewAuthMiddleware(appLogger, cfg.APIKeyHeader, cfg.IngestAPIKeys)
	viewerMW := gwmw.NewViewerTokenMiddleware(appLogger, d.TokenVerify)
	rateLimiter := gwmw.NewRateLimiter(appLogger, cfg.RateLimitEnabled, cfg.RateLimitRPM, cfg.RateLimitBurst)
	headerNorm := gwmw.NewHeaderNormalization(appLogger)
	timeoutMW := gwmw.NewTimeoutMiddleware(appLogger, 30*time.Second, map[string]time.Duration{
		"/v1/ingest":    5 * time.Minute,
		"/v1/movements": 10 * time.Second,
		"/v1/snapshot":  10 * time.Second,
	})

	r.Route("/v1", func(r chi.Router) {
		r.Use(headerNorm.Handler)
		r.Use(timeoutMW.Handler)

		// API-key-authenticated routes.
		r.Group(func(r chi.Router) {
			r.Use(authMW.Handler)
			r.Use(rateLimiter.Handler)

			r.Post("/ingest", ingestHandler.Upload)
			r.Get("/jobs/{jobID}", jobHandler.Get)
			r.Post("/movements", movementHandler.Apply)
			r.Post("/admin/viewer-tokens", adminHandler.IssueViewerToken)
			r.Get("/admin/pricing", adminHandler.Pricing)
		})

		// Viewer-token-authenticated snapshot route (spec §6): a
		// lighter-weight, client-shareable credential, not an API key.
		r.Group(func(r chi.Router) {
			r.Use(viewerMW.Handler)
			r.Get("/snapshot", snapshotHandler.Get)
		})
	})

	return r
}

// mwMaxBodySize returns middleware that limits the request body size.
func mwMaxBodySize(maxBytes int64) func(http.Handler) http.Handler {
	if maxBytes <= 0 {
		maxBytes = 10 * 1024 * 1024
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			max := maxBytes
			if v := os.Getenv("INGEST_MAX_BODY_BYTES"); v != "" {
				if parsed, err := strconv.ParseInt(v, 10, 64); err == nil && parsed > 0 {
					max = parsed
				}
			}

			if r.ContentLength > 0 && r.ContentLength > max {
				http.Error(w, `{"error":"request_too_large","message":"request body too large"}`, http.StatusRequestEntityTooLarge)
				return
			}

			r.Body = http.MaxBytesReader(w, r.Body, max)
			next.ServeHTTP(w, r)
		})
	}
}

func mwRequestLogger(appLogger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(rw, r)
			dur := time.Since(start)
			appLogger.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Str("correlation_id", r.Header.Get("X-Request-ID")).
				Int("status", rw.Status()).
				Dur("duration", dur).
				Msg("request completed")
		})
	}
}
