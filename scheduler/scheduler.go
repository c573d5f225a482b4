// Package scheduler implements the daily movement-report job (spec
// §4.K): one cron fire per day, Europe/Rome time, tolerant of missed
// fires within a grace window, never running two instances concurrently.
package scheduler

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/gioiasoftware/wine-inventory/observability"
	"github.com/gioiasoftware/wine-inventory/store"
)

// Config configures the daily report job.
type Config struct {
	Timezone string
	Hour     int
	Minute   int
	Grace    time.Duration
}

// Scheduler runs the daily per-tenant movement report job.
type Scheduler struct {
	cfg     Config
	store   *store.Store
	sink    observability.Sink
	log     zerolog.Logger
	cron    *cron.Cron
	running int32 // single-flight guard, spec §4.K
	loc     *time.Location
}

func New(cfg Config, st *store.Store, sink observability.Sink, log zerolog.Logger) (*Scheduler, error) {
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("scheduler: invalid timezone %q: %w", cfg.Timezone, err)
	}
	c := cron.New(cron.WithLocation(loc), cron.WithChain(cron.Recover(cron.DefaultLogger)))
	return &Scheduler{cfg: cfg, store: st, sink: sink, log: log.With().Str("component", "scheduler").Logger(), cron: c, loc: loc}, nil
}

// Start registers the daily job and starts the cron scheduler. It
// returns immediately; the job itself runs asynchronously in the cron
// goroutine.
func (s *Scheduler) Start(ctx context.Context) error {
	spec := fmt.Sprintf("%d %d * * *", s.cfg.Minute, s.cfg.Hour)
	_, err := s.cron.AddFunc(spec, func() {
		s.runOnce(ctx, time.Now().In(s.loc))
	})
	if err != nil {
		return fmt.Errorf("scheduler: add daily job: %w", err)
	}
	s.cron.Start()
	s.log.Info().Str("spec", spec).Str("tz", s.cfg.Timezone).Msg("scheduler started")
	return nil
}

func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

// runOnce guards against overlapping runs (a missed fire followed by a
// slow run could otherwise overlap the next day's fire). A fire landing
// more than Grace after the nominal time still runs, with a warning.
func (s *Scheduler) runOnce(ctx context.Context, firedAt time.Time) {
	if !atomic.CompareAndSwapInt32(&s.running, 0, 1) {
		s.log.Warn().Msg("daily report job already running, skipping this fire")
		return
	}
	defer atomic.StoreInt32(&s.running, 0)

	nominal := time.Date(firedAt.Year(), firedAt.Month(), firedAt.Day(), s.cfg.Hour, s.cfg.Minute, 0, 0, s.loc)
	if firedAt.Sub(nominal) > s.cfg.Grace {
		s.log.Warn().Time("fired_at", firedAt).Time("nominal", nominal).Msg("daily report fire outside grace window, running anyway")
	}

	tenants, err := s.onboardedTenants(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to list onboarded tenants")
		return
	}

	dayStart := time.Date(firedAt.Year(), firedAt.Month(), firedAt.Day()-1, 0, 0, 0, 0, s.loc)
	dayEnd := dayStart.Add(24 * time.Hour)

	for _, tenant := range tenants {
		report, err := s.aggregateTenant(ctx, tenant, dayStart.UTC(), dayEnd.UTC())
		if err != nil {
			s.log.Error().Err(err).Str("tenant", tenant).Msg("failed to aggregate daily movements")
			continue
		}
		s.sink.Notify(observability.Notification{
			Kind:    observability.AlertDailyReport,
			Tenant:  tenant,
			Message: "daily movement report",
			Report:  report,
		})
	}
}

func (s *Scheduler) onboardedTenants(ctx context.Context) ([]string, error) {
	rows, err := s.store.Pool().Query(ctx, `SELECT user_id FROM tenants ORDER BY onboarded_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tenants []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		tenants = append(tenants, id)
	}
	return tenants, rows.Err()
}

// aggregateTenant builds the textual report for one tenant's movements
// in [from, to) UTC, per spec §4.K.
func (s *Scheduler) aggregateTenant(ctx context.Context, tenantKey string, from, to time.Time) (string, error) {
	table := s.store.MovementsTable(tenantKey)

	rows, err := s.store.Pool().Query(ctx, fmt.Sprintf(`
SELECT movement_type, count(*), COALESCE(sum(abs(quantity_change)), 0)
FROM %s WHERE created_at >= $1 AND created_at < $2
GROUP BY movement_type`, table), from, to)
	if err != nil {
		return "", fmt.Errorf("scheduler: aggregate query: %w", err)
	}
	defer rows.Close()

	var consumoCount, riforCount, consumoQty, riforQty int
	for rows.Next() {
		var movementType string
		var count, qty int
		if err := rows.Scan(&movementType, &count, &qty); err != nil {
			return "", err
		}
		if movementType == "consumo" {
			consumoCount, consumoQty = count, qty
		} else {
			riforCount, riforQty = count, qty
		}
	}
	if err := rows.Err(); err != nil {
		return "", err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Daily movement report for %s (%s to %s):\n", tenantKey, from.Format("2006-01-02"), to.Format("2006-01-02"))
	fmt.Fprintf(&b, "  consumo: %d movements, %d bottles\n", consumoCount, consumoQty)
	fmt.Fprintf(&b, "  rifornimento: %d movements, %d bottles\n", riforCount, riforQty)
	return b.String(), nil
}
