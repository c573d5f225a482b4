package logger

import (
	"os"

	"github.com/gioiasoftware/wine-inventory/config"
	"github.com/rs/zerolog"
)

// New returns a configured zerolog.Logger. In development it renders a
// human-friendly console format; otherwise it emits one JSON record per
// line, as required for the structured logs consumed by §4.J alerting.
func New(cfg *config.Config) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	if cfg.IsDevelopment() {
		lvl = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(lvl)

	if cfg.IsDevelopment() {
		out := zerolog.ConsoleWriter{Out: os.Stderr}
		return zerolog.New(out).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stderr).With().Timestamp().Logger()
}

// WithCorrelation returns a child logger carrying the correlation id and
// tenant identity that every log line for a request/job must include.
func WithCorrelation(log zerolog.Logger, correlationID, tenant string) zerolog.Logger {
	ctx := log.With().Str("correlation_id", correlationID)
	if tenant != "" {
		ctx = ctx.Str("tenant", tenant)
	}
	return ctx.Logger()
}

// WithStage annotates a logger with the pipeline stage it is reporting on.
func WithStage(log zerolog.Logger, stage string) zerolog.Logger {
	return log.With().Str("stage", stage).Logger()
}
