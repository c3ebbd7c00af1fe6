// Package scheduler drives the recurring update jobs on time-of-day and
// market-hours policies. All schedules run in US Eastern time; everything
// the jobs persist stays UTC.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/finbase/marketsync/internal/apperrors"
	"github.com/finbase/marketsync/internal/config"
	"github.com/finbase/marketsync/internal/model"
	"github.com/finbase/marketsync/internal/service"
)

// Market session bounds in Eastern time. Price updates are permitted from
// open until 30 minutes after the 16:00 close.
const (
	marketOpenHour    = 9
	marketOpenMinute  = 30
	priceWindowEnd    = 16*60 + 30 // minutes from midnight
	marketOpenMinutes = marketOpenHour*60 + marketOpenMinute
)

// Scheduler owns the cron runner and the market-hours gate.
type Scheduler struct {
	cron      *cron.Cron
	updater   *service.UpdaterService
	portfolio *service.PortfolioService
	locks     *service.LockService
	cfg       config.SchedulerConfig
	location  *time.Location
	logger    zerolog.Logger
	now       func() time.Time
}

// New creates a scheduler pinned to America/New_York.
func New(
	cfg config.SchedulerConfig,
	updater *service.UpdaterService,
	portfolio *service.PortfolioService,
	locks *service.LockService,
	logger zerolog.Logger,
) (*Scheduler, error) {
	location, err := time.LoadLocation("America/New_York")
	if err != nil {
		return nil, fmt.Errorf("failed to load market timezone: %w", err)
	}
	return &Scheduler{
		cron:      cron.New(cron.WithLocation(location)),
		updater:   updater,
		portfolio: portfolio,
		locks:     locks,
		cfg:       cfg,
		location:  location,
		logger:    logger.With().Str("component", "scheduler").Logger(),
		now:       time.Now,
	}, nil
}

// Start registers the jobs and starts the cron runner. With the kill-switch
// off it does nothing. Startup runs one gated price update immediately.
func (s *Scheduler) Start(ctx context.Context) error {
	if !s.cfg.Enabled {
		s.logger.Info().Msg("scheduler disabled")
		return nil
	}

	priceSpec := fmt.Sprintf("@every %dm", s.cfg.PriceUpdateFrequency)
	if _, err := s.cron.AddFunc(priceSpec, func() { s.runPriceUpdate(ctx) }); err != nil {
		return fmt.Errorf("failed to schedule price update: %w", err)
	}

	jobs := []struct {
		name      string
		timeOfDay string
		run       func()
	}{
		{"metrics_update", s.cfg.MetricsUpdateTime, func() { s.runMetricsUpdate(ctx) }},
		{"history_update", s.cfg.HistoryUpdateTime, func() { s.runHistoryUpdate(ctx) }},
		{"portfolio_snapshot", s.cfg.PortfolioSnapshotTime, func() { s.runSnapshot(ctx) }},
	}
	for _, job := range jobs {
		spec, err := cronSpec(job.timeOfDay)
		if err != nil {
			return fmt.Errorf("invalid schedule for %s: %w", job.name, err)
		}
		if _, err := s.cron.AddFunc(spec, job.run); err != nil {
			return fmt.Errorf("failed to schedule %s: %w", job.name, err)
		}
	}

	s.cron.Start()
	s.logger.Info().
		Int("price_frequency_minutes", s.cfg.PriceUpdateFrequency).
		Str("metrics_time", s.cfg.MetricsUpdateTime).
		Str("history_time", s.cfg.HistoryUpdateTime).
		Str("snapshot_time", s.cfg.PortfolioSnapshotTime).
		Msg("scheduler started")

	// One immediate price pass so a freshly started process does not wait a
	// full interval.
	go s.runPriceUpdate(ctx)
	return nil
}

// Stop stops the cron runner and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	stopCtx := s.cron.Stop()
	<-stopCtx.Done()
	s.logger.Info().Msg("scheduler stopped")
}

// MarketOpen reports whether t falls within the price-update window:
// weekdays 09:30 through 16:30 Eastern, covering the half hour after close.
func (s *Scheduler) MarketOpen(t time.Time) bool {
	eastern := t.In(s.location)
	switch eastern.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	minutes := eastern.Hour()*60 + eastern.Minute()
	return minutes >= marketOpenMinutes && minutes < priceWindowEnd
}

func (s *Scheduler) runPriceUpdate(ctx context.Context) {
	if !s.MarketOpen(s.now()) {
		s.logger.Debug().Msg("price update skipped outside market hours")
		s.locks.LogSkipped(ctx, model.UpdateTypePrice)
		return
	}
	result, err := s.updater.UpdateAllPrices(ctx)
	if err != nil {
		if errors.Is(err, apperrors.ErrUpdateInProgress) {
			return
		}
		s.logger.Error().Err(err).Msg("scheduled price update failed")
		return
	}
	s.logger.Info().Int("updated", result.Updated).Int("requested", result.Requested).Msg("scheduled price update completed")
}

func (s *Scheduler) runMetricsUpdate(ctx context.Context) {
	result, err := s.updater.UpdateStaleMetrics(ctx)
	if err != nil && !errors.Is(err, apperrors.ErrUpdateInProgress) {
		s.logger.Error().Err(err).Msg("scheduled metrics update failed")
		return
	}
	s.logger.Info().Int("updated", result.Updated).Int("not_found", result.NotFound).Msg("scheduled metrics update completed")
}

func (s *Scheduler) runHistoryUpdate(ctx context.Context) {
	result, err := s.updater.UpdateHistory(ctx, nil)
	if err != nil && !errors.Is(err, apperrors.ErrUpdateInProgress) {
		s.logger.Error().Err(err).Msg("scheduled history update failed")
		return
	}
	s.logger.Info().Int("backfilled", result.Backfilled).Int("rows", result.RowsWritten).Msg("scheduled history update completed")
}

func (s *Scheduler) runSnapshot(ctx context.Context) {
	written, err := s.portfolio.SnapshotAll(ctx)
	if err != nil && !errors.Is(err, apperrors.ErrUpdateInProgress) {
		s.logger.Error().Err(err).Msg("scheduled snapshot failed")
		return
	}
	s.logger.Info().Int("snapshots", written).Msg("scheduled snapshot completed")
}

// cronSpec converts an "HH:MM" time of day into a daily cron expression.
func cronSpec(timeOfDay string) (string, error) {
	parts := strings.Split(timeOfDay, ":")
	if len(parts) != 2 {
		return "", fmt.Errorf("expected HH:MM, got %q", timeOfDay)
	}
	hour, err := strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return "", fmt.Errorf("invalid hour in %q", timeOfDay)
	}
	minute, err := strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return "", fmt.Errorf("invalid minute in %q", timeOfDay)
	}
	return fmt.Sprintf("%d %d * * *", minute, hour), nil
}
