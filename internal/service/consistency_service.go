package service

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/finbase/marketsync/internal/repository"
)

// Event types written by the consistency monitor.
const (
	EventConsistencyCheck  = "consistency_check"
	EventConsistencyRepair = "consistency_repair"
)

// ConsistencyReport lists the anomalies found in one run and, when repairs
// were requested, what was fixed.
type ConsistencyReport struct {
	InvalidPrices         []string `json:"invalidPrices"`
	FutureTimestamps      []string `json:"futureTimestamps"`
	InvalidPositions      []int64  `json:"invalidPositions"`
	OrphanPositions       []int64  `json:"orphanPositions"`
	InvalidHistoryRows    int      `json:"invalidHistoryRows"`
	DuplicateHistoryDays  int      `json:"duplicateHistoryDays"`
	MissingHistoryTickers []string `json:"missingHistoryTickers"`
	AbandonedLocks        []string `json:"abandonedLocks"`

	RepairedPrices     int   `json:"repairedPrices"`
	ClampedTimestamps  int64 `json:"clampedTimestamps"`
	DeletedHistoryRows int64 `json:"deletedHistoryRows"`
	DedupedRows        int64 `json:"dedupedRows"`
	ReleasedLocks      int   `json:"releasedLocks"`
}

// Findings returns the total number of anomalies detected.
func (r ConsistencyReport) Findings() int {
	return len(r.InvalidPrices) + len(r.FutureTimestamps) + len(r.InvalidPositions) +
		len(r.OrphanPositions) + r.InvalidHistoryRows + r.DuplicateHistoryDays +
		len(r.MissingHistoryTickers) + len(r.AbandonedLocks)
}

// ConsistencyService checks the data-model invariants and optionally repairs
// the violations that have a safe mechanical fix: invalid security prices
// are replaced with the latest valid close, future timestamps are clamped to
// now, duplicate history days keep only the newest write, and abandoned
// locks are released.
type ConsistencyService struct {
	securityRepo *repository.SecurityRepository
	historyRepo  *repository.PriceHistoryRepository
	accountRepo  *repository.AccountRepository
	trackingRepo *repository.UpdateTrackingRepository
	events       *EventService
	logger       zerolog.Logger
	now          func() time.Time
}

// NewConsistencyService creates a new ConsistencyService with the provided
// repositories.
func NewConsistencyService(
	securityRepo *repository.SecurityRepository,
	historyRepo *repository.PriceHistoryRepository,
	accountRepo *repository.AccountRepository,
	trackingRepo *repository.UpdateTrackingRepository,
	events *EventService,
	logger zerolog.Logger,
) *ConsistencyService {
	return &ConsistencyService{
		securityRepo: securityRepo,
		historyRepo:  historyRepo,
		accountRepo:  accountRepo,
		trackingRepo: trackingRepo,
		events:       events,
		logger:       logger.With().Str("component", "consistency").Logger(),
		now:          time.Now,
	}
}

// Check runs every invariant check. With repair set, violations with a safe
// fix are repaired and each repair is journaled.
func (s *ConsistencyService) Check(ctx context.Context, repair bool) (ConsistencyReport, error) {
	var report ConsistencyReport
	now := s.now()

	eventID := s.events.StartEvent(ctx, EventConsistencyCheck, map[string]any{"repair": repair})

	var err error
	if report.InvalidPrices, err = s.securityRepo.FindInvalidPrices(); err != nil {
		s.events.FailEvent(ctx, eventID, nil, err.Error())
		return report, err
	}
	if report.FutureTimestamps, err = s.securityRepo.FindFutureLastUpdated(now); err != nil {
		s.events.FailEvent(ctx, eventID, nil, err.Error())
		return report, err
	}
	if report.InvalidPositions, err = s.accountRepo.FindInvalidPositions(now); err != nil {
		s.events.FailEvent(ctx, eventID, nil, err.Error())
		return report, err
	}
	if report.OrphanPositions, err = s.accountRepo.FindOrphanPositions(); err != nil {
		s.events.FailEvent(ctx, eventID, nil, err.Error())
		return report, err
	}
	if report.InvalidHistoryRows, err = s.historyRepo.CountInvalidRows(now); err != nil {
		s.events.FailEvent(ctx, eventID, nil, err.Error())
		return report, err
	}
	duplicates, err := s.historyRepo.FindDuplicateDays()
	if err != nil {
		s.events.FailEvent(ctx, eventID, nil, err.Error())
		return report, err
	}
	for _, days := range duplicates {
		report.DuplicateHistoryDays += len(days)
	}
	if report.MissingHistoryTickers, err = s.securityRepo.FindActiveWithoutHistory(); err != nil {
		s.events.FailEvent(ctx, eventID, nil, err.Error())
		return report, err
	}
	if report.AbandonedLocks, err = s.trackingRepo.FindAbandonedLocks(now); err != nil {
		s.events.FailEvent(ctx, eventID, nil, err.Error())
		return report, err
	}

	if repair {
		s.repairPrices(ctx, &report)
		s.clampTimestamps(ctx, &report)
		s.dedupeHistory(ctx, duplicates, &report)
		s.releaseAbandonedLocks(ctx, &report)
	}

	s.events.CompleteEvent(ctx, eventID, map[string]any{
		"findings":             report.Findings(),
		"invalid_prices":       len(report.InvalidPrices),
		"future_timestamps":    len(report.FutureTimestamps),
		"invalid_positions":    len(report.InvalidPositions),
		"orphan_positions":     len(report.OrphanPositions),
		"invalid_history_rows": report.InvalidHistoryRows,
		"duplicate_days":       report.DuplicateHistoryDays,
		"missing_history":      len(report.MissingHistoryTickers),
		"abandoned_locks":      len(report.AbandonedLocks),
		"repaired_prices":      report.RepairedPrices,
		"clamped_timestamps":   report.ClampedTimestamps,
		"deduped_rows":         report.DedupedRows,
		"released_locks":       report.ReleasedLocks,
	})
	return report, nil
}

// repairPrices replaces each invalid current price with the most recent
// valid close from history. Tickers without any valid close are left alone.
func (s *ConsistencyService) repairPrices(ctx context.Context, report *ConsistencyReport) {
	for _, ticker := range report.InvalidPrices {
		latest, err := s.historyRepo.GetLatestValidClose(ticker)
		if err != nil {
			s.logger.Error().Err(err).Str("ticker", ticker).Msg("failed to look up valid close")
			continue
		}
		if latest == nil {
			s.logger.Warn().Str("ticker", ticker).Msg("no valid close available for repair")
			continue
		}
		if err := s.securityRepo.SetCurrentPrice(ctx, ticker, latest.Close, latest.Source, s.now()); err != nil {
			s.logger.Error().Err(err).Str("ticker", ticker).Msg("failed to repair price")
			continue
		}
		report.RepairedPrices++
		eventID := s.events.StartEvent(ctx, EventConsistencyRepair, map[string]any{
			"repair": "invalid_price",
			"ticker": ticker,
			"close":  latest.Close,
			"date":   repository.FormatDate(latest.Date),
		})
		s.events.CompleteEvent(ctx, eventID, nil)
	}
}

func (s *ConsistencyService) clampTimestamps(ctx context.Context, report *ConsistencyReport) {
	if len(report.FutureTimestamps) == 0 {
		return
	}
	clamped, err := s.securityRepo.ClampFutureLastUpdated(ctx, s.now())
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to clamp future timestamps")
		return
	}
	report.ClampedTimestamps = clamped
	eventID := s.events.StartEvent(ctx, EventConsistencyRepair, map[string]any{
		"repair":  "future_timestamps",
		"clamped": clamped,
	})
	s.events.CompleteEvent(ctx, eventID, nil)
}

// dedupeHistory keeps the newest write for each duplicated (ticker, date)
// pair.
func (s *ConsistencyService) dedupeHistory(ctx context.Context, duplicates map[string][]string, report *ConsistencyReport) {
	for ticker, days := range duplicates {
		for _, day := range days {
			deleted, err := s.historyRepo.DedupeDay(ctx, ticker, day)
			if err != nil {
				s.logger.Error().Err(err).Str("ticker", ticker).Str("date", day).Msg("failed to dedupe history day")
				continue
			}
			report.DedupedRows += deleted
		}
	}
	if report.DedupedRows > 0 {
		eventID := s.events.StartEvent(ctx, EventConsistencyRepair, map[string]any{
			"repair":  "duplicate_history",
			"deleted": report.DedupedRows,
		})
		s.events.CompleteEvent(ctx, eventID, nil)
	}
}

func (s *ConsistencyService) releaseAbandonedLocks(ctx context.Context, report *ConsistencyReport) {
	for _, updateType := range report.AbandonedLocks {
		if err := s.trackingRepo.ForceRelease(ctx, updateType); err != nil {
			s.logger.Error().Err(err).Str("update_type", updateType).Msg("failed to release abandoned lock")
			continue
		}
		report.ReleasedLocks++
		eventID := s.events.StartEvent(ctx, EventConsistencyRepair, map[string]any{
			"repair":      "abandoned_lock",
			"update_type": updateType,
		})
		s.events.CompleteEvent(ctx, eventID, nil)
	}
}
