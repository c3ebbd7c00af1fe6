package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"

	"github.com/finbase/marketsync/internal/apperrors"
	"github.com/finbase/marketsync/internal/kvcache"
	"github.com/finbase/marketsync/internal/marketdata"
	"github.com/finbase/marketsync/internal/model"
	"github.com/finbase/marketsync/internal/repository"
)

// Updater defaults. Thresholds are staleness budgets, caps bound a single
// run's provider load.
const (
	stalePriceThreshold   = 24 * time.Hour
	staleMetricsThreshold = 7 * 24 * time.Hour
	maxPriceTickers       = 100
	maxMetricsTickers     = 50
	historyWindowDays     = 30
	historyBatchSize      = 5
)

// Event types written by the updater.
const (
	EventPriceUpdate   = "price_update"
	EventMetricsUpdate = "metrics_update"
	EventHistoryUpdate = "history_update"
	EventUniverseSync  = "universe_sync"
)

// PriceUpdateResult summarizes one price run.
type PriceUpdateResult struct {
	Requested      int    `json:"requested"`
	Updated        int    `json:"updated"`
	Unavailable    int    `json:"unavailable"`
	PolygonSuccess int    `json:"polygonSuccess"`
	YahooSuccess   int    `json:"yfinanceSuccess"`
	Skipped        bool   `json:"skipped"`
	SkipReason     string `json:"skipReason,omitempty"`
}

// MetricsUpdateResult summarizes one metrics run.
type MetricsUpdateResult struct {
	Requested int  `json:"requested"`
	Updated   int  `json:"updated"`
	NotFound  int  `json:"notFound"`
	Failed    int  `json:"failed"`
	Skipped   bool `json:"skipped"`
}

// HistoryUpdateResult summarizes one historical backfill run.
type HistoryUpdateResult struct {
	Requested   int  `json:"requested"`
	Backfilled  int  `json:"backfilled"`
	RowsWritten int  `json:"rowsWritten"`
	Failed      int  `json:"failed"`
	Skipped     bool `json:"skipped"`
}

// UniverseSyncResult summarizes one LISTING_STATUS reference sync.
type UniverseSyncResult struct {
	Listings int `json:"listings"`
	Upserted int `json:"upserted"`
}

// UpdaterService orchestrates price, metrics and history refreshes: it
// selects stale securities, routes them through the market-data manager,
// persists results, and maintains per-source availability flags. Runs are
// serialized across processes with the advisory locks and journaled as
// system events.
type UpdaterService struct {
	manager      *marketdata.Manager
	alphaVantage *marketdata.AlphaVantage // nil when the adapter is disabled
	securityRepo *repository.SecurityRepository
	historyRepo  *repository.PriceHistoryRepository
	accountRepo  *repository.AccountRepository
	events       *EventService
	locks        *LockService
	cache        *kvcache.Cache
	logger       zerolog.Logger
	now          func() time.Time
}

// NewUpdaterService creates a new UpdaterService. alphaVantage may be nil
// when no API key is configured; universe sync then reports an error.
func NewUpdaterService(
	manager *marketdata.Manager,
	alphaVantage *marketdata.AlphaVantage,
	securityRepo *repository.SecurityRepository,
	historyRepo *repository.PriceHistoryRepository,
	accountRepo *repository.AccountRepository,
	events *EventService,
	locks *LockService,
	cache *kvcache.Cache,
	logger zerolog.Logger,
) *UpdaterService {
	return &UpdaterService{
		manager:      manager,
		alphaVantage: alphaVantage,
		securityRepo: securityRepo,
		historyRepo:  historyRepo,
		accountRepo:  accountRepo,
		events:       events,
		locks:        locks,
		cache:        cache,
		logger:       logger.With().Str("component", "updater").Logger(),
		now:          time.Now,
	}
}

// UpdateAllPrices refreshes the current price of every active security that
// has at least one source marked available.
func (s *UpdaterService) UpdateAllPrices(ctx context.Context) (PriceUpdateResult, error) {
	candidates, err := s.securityRepo.GetPriceCandidates()
	if err != nil {
		return PriceUpdateResult{}, err
	}
	return s.runPriceUpdate(ctx, candidates)
}

// UpdateStalePrices refreshes securities whose price is older than one day,
// oldest first, capped at the per-run ticker budget.
func (s *UpdaterService) UpdateStalePrices(ctx context.Context) (PriceUpdateResult, error) {
	stale, err := s.securityRepo.GetStalePriceTickers(s.now().Add(-stalePriceThreshold), maxPriceTickers)
	if err != nil {
		return PriceUpdateResult{}, err
	}
	return s.UpdatePricesFor(ctx, stale)
}

// UpdatePricesFor refreshes an explicit set of tickers, keeping the
// per-ticker availability partitioning of a full run.
func (s *UpdaterService) UpdatePricesFor(ctx context.Context, tickers []string) (PriceUpdateResult, error) {
	if len(tickers) == 0 {
		return PriceUpdateResult{}, nil
	}

	all, err := s.securityRepo.GetPriceCandidates()
	if err != nil {
		return PriceUpdateResult{}, err
	}
	wanted := make(map[string]bool, len(tickers))
	for _, t := range tickers {
		wanted[model.NormalizeTicker(t)] = true
	}
	selected := make([]repository.PriceCandidate, 0, len(tickers))
	for _, c := range all {
		if wanted[c.Ticker] {
			selected = append(selected, c)
		}
	}
	return s.runPriceUpdate(ctx, selected)
}

// runPriceUpdate executes one locked price run: the Polygon-eligible queue
// first, then the Yahoo-chart queue extended with Polygon's misses.
func (s *UpdaterService) runPriceUpdate(ctx context.Context, candidates []repository.PriceCandidate) (PriceUpdateResult, error) {
	result := PriceUpdateResult{Requested: len(candidates)}
	if len(candidates) == 0 {
		return result, nil
	}

	acquired, err := s.locks.TryAcquire(ctx, model.UpdateTypePrice)
	if err != nil {
		return result, err
	}
	if !acquired {
		result.Skipped = true
		result.SkipReason = "update already in progress"
		return result, apperrors.ErrUpdateInProgress
	}

	eventID := s.events.StartEvent(ctx, EventPriceUpdate, map[string]any{"requested": len(candidates)})

	runErr := s.executePriceUpdate(ctx, candidates, &result)

	details := map[string]any{
		"requested":        result.Requested,
		"updated":          result.Updated,
		"unavailable":      result.Unavailable,
		"polygon_success":  result.PolygonSuccess,
		"yfinance_success": result.YahooSuccess,
	}
	if runErr != nil {
		s.events.FailEvent(ctx, eventID, details, runErr.Error())
		if err := s.locks.Release(ctx, model.UpdateTypePrice, false, runErr.Error()); err != nil {
			s.logger.Error().Err(err).Msg("failed to release price lock")
		}
		return result, runErr
	}

	s.events.CompleteEvent(ctx, eventID, details)
	summary := fmt.Sprintf("updated %d of %d tickers", result.Updated, result.Requested)
	if err := s.locks.Release(ctx, model.UpdateTypePrice, true, summary); err != nil {
		s.logger.Error().Err(err).Msg("failed to release price lock")
	}

	s.invalidateCaches(ctx)
	return result, nil
}

func (s *UpdaterService) executePriceUpdate(ctx context.Context, candidates []repository.PriceCandidate, result *PriceUpdateResult) error {
	var polygonQueue, yahooQueue []string
	for _, c := range candidates {
		switch {
		case c.OnPolygon:
			polygonQueue = append(polygonQueue, c.Ticker)
		case c.OnYFinance:
			yahooQueue = append(yahooQueue, c.Ticker)
		}
	}

	done := make(map[string]bool, len(candidates))

	if len(polygonQueue) > 0 && s.manager.HasSource(marketdata.SourcePolygon) {
		quotes, err := s.manager.SourceBatchPrices(ctx, marketdata.SourcePolygon, polygonQueue)
		if err != nil {
			s.logger.Warn().Err(err).Int("tickers", len(polygonQueue)).Msg("polygon batch failed, shifting queue to yahoo")
			yahooQueue = append(yahooQueue, polygonQueue...)
		} else {
			for _, ticker := range polygonQueue {
				quote, ok := quotes[ticker]
				if !ok {
					// Polygon's snapshot is whole-market; absence there is
					// authoritative.
					if err := s.securityRepo.SetPolygonAvailability(ctx, ticker, false); err != nil {
						s.logger.Error().Err(err).Str("ticker", ticker).Msg("failed to clear polygon flag")
					}
					yahooQueue = append(yahooQueue, ticker)
					continue
				}
				if s.persistQuote(ctx, ticker, quote) {
					result.PolygonSuccess++
					result.Updated++
					done[ticker] = true
				}
			}
		}
	} else if len(polygonQueue) > 0 {
		yahooQueue = append(yahooQueue, polygonQueue...)
	}

	if len(yahooQueue) > 0 && s.manager.HasSource(marketdata.SourceYahooChart) {
		quotes, err := s.manager.SourceBatchPrices(ctx, marketdata.SourceYahooChart, yahooQueue)
		if err != nil {
			return fmt.Errorf("yahoo chart batch failed: %w", err)
		}
		for _, ticker := range yahooQueue {
			if done[ticker] {
				continue
			}
			quote, ok := quotes[ticker]
			if !ok {
				// Absence from a chart batch is not authoritative, so the
				// yahoo flag stays untouched.
				continue
			}
			if s.persistQuote(ctx, ticker, quote) {
				result.YahooSuccess++
				result.Updated++
				done[ticker] = true
			}
		}
	}

	result.Unavailable = result.Requested - result.Updated
	return nil
}

// persistQuote writes one quote to the security row and upserts today's
// price_history row. Invalid prices are dropped.
func (s *UpdaterService) persistQuote(ctx context.Context, ticker string, quote marketdata.PriceQuote) bool {
	if quote.Price <= 0 || math.IsNaN(quote.Price) || math.IsInf(quote.Price, 0) {
		s.logger.Warn().Str("ticker", ticker).Float64("price", quote.Price).Msg("dropping invalid quote")
		return false
	}

	now := s.now()
	if err := s.securityRepo.UpdatePrice(ctx, ticker, quote.Price, quote.Timestamp, quote.Source, now); err != nil {
		s.logger.Error().Err(err).Str("ticker", ticker).Msg("failed to persist price")
		return false
	}

	priceTS := quote.Timestamp
	point := model.PriceHistoryPoint{
		Ticker:         model.NormalizeTicker(ticker),
		Date:           now.UTC().Truncate(24 * time.Hour),
		Close:          quote.Price,
		DayOpen:        quote.DayOpen,
		DayHigh:        quote.DayHigh,
		DayLow:         quote.DayLow,
		Volume:         quote.Volume,
		Timestamp:      now,
		PriceTimestamp: &priceTS,
		Source:         quote.Source,
	}
	if err := s.historyRepo.Upsert(ctx, point); err != nil {
		s.logger.Error().Err(err).Str("ticker", ticker).Msg("failed to upsert history row")
	}
	return true
}

// UpdateStaleMetrics refreshes company metrics for securities whose metrics
// are older than seven days, oldest first, capped at the per-run budget.
func (s *UpdaterService) UpdateStaleMetrics(ctx context.Context) (MetricsUpdateResult, error) {
	stale, err := s.securityRepo.GetStaleMetricsTickers(s.now().Add(-staleMetricsThreshold), maxMetricsTickers)
	if err != nil {
		return MetricsUpdateResult{}, err
	}
	return s.UpdateMetricsFor(ctx, stale)
}

// UpdateMetricsFor refreshes company metrics for an explicit set of tickers.
func (s *UpdaterService) UpdateMetricsFor(ctx context.Context, tickers []string) (MetricsUpdateResult, error) {
	result := MetricsUpdateResult{Requested: len(tickers)}
	if len(tickers) == 0 {
		return result, nil
	}

	acquired, err := s.locks.TryAcquire(ctx, model.UpdateTypeMetrics)
	if err != nil {
		return result, err
	}
	if !acquired {
		result.Skipped = true
		return result, apperrors.ErrUpdateInProgress
	}

	eventID := s.events.StartEvent(ctx, EventMetricsUpdate, map[string]any{"requested": len(tickers)})

	for _, ticker := range tickers {
		ticker = model.NormalizeTicker(ticker)
		metrics, err := s.manager.CompanyMetrics(ctx, ticker)
		switch {
		case errors.Is(err, apperrors.ErrTickerNotFound):
			if err := s.securityRepo.MarkMetricsNotFound(ctx, ticker, s.now()); err != nil {
				s.logger.Error().Err(err).Str("ticker", ticker).Msg("failed to mark metrics not found")
			}
			result.NotFound++
		case err != nil:
			s.logger.Warn().Err(err).Str("ticker", ticker).Msg("metrics fetch failed")
			result.Failed++
		default:
			if err := s.persistMetrics(ctx, ticker, metrics); err != nil {
				s.logger.Error().Err(err).Str("ticker", ticker).Msg("failed to persist metrics")
				result.Failed++
				continue
			}
			result.Updated++
		}
	}

	details := map[string]any{
		"requested": result.Requested,
		"updated":   result.Updated,
		"not_found": result.NotFound,
		"failed":    result.Failed,
	}
	s.events.CompleteEvent(ctx, eventID, details)
	summary := fmt.Sprintf("updated %d, not found %d, failed %d", result.Updated, result.NotFound, result.Failed)
	if err := s.locks.Release(ctx, model.UpdateTypeMetrics, result.Failed < result.Requested, summary); err != nil {
		s.logger.Error().Err(err).Msg("failed to release metrics lock")
	}

	s.invalidateCaches(ctx)
	return result, nil
}

// persistMetrics converts a Metrics answer into whitelisted columns and
// writes them. Strings are truncated to their column widths; only populated
// fields are written so existing values survive partial answers.
func (s *UpdaterService) persistMetrics(ctx context.Context, ticker string, metrics *marketdata.Metrics) error {
	columns := map[string]any{}

	putString := func(col string, v *string) {
		if v == nil {
			return
		}
		val := *v
		if width := repository.MetricsColumnWidth(col); width > 0 && len(val) > width {
			val = val[:width]
		}
		columns[col] = val
	}
	putFloat := func(col string, v *float64) {
		if v == nil || math.IsNaN(*v) || math.IsInf(*v, 0) {
			return
		}
		columns[col] = *v
	}
	putInt := func(col string, v *int64) {
		if v == nil {
			return
		}
		columns[col] = *v
	}

	putString("name", metrics.Name)
	putString("sector", metrics.Sector)
	putString("industry", metrics.Industry)
	// The price invariant still applies when the price arrives via metrics.
	if p := metrics.CurrentPrice; p != nil && *p > 0 && !math.IsNaN(*p) && !math.IsInf(*p, 0) {
		columns["current_price"] = *p
	}
	putFloat("market_cap", metrics.MarketCap)
	putFloat("previous_close", metrics.PreviousClose)
	putFloat("day_open", metrics.DayOpen)
	putFloat("day_high", metrics.DayHigh)
	putFloat("day_low", metrics.DayLow)
	putInt("volume", metrics.Volume)
	putInt("average_volume", metrics.AverageVolume)
	putFloat("fifty_two_week_low", metrics.FiftyTwoWeekLow)
	putFloat("fifty_two_week_high", metrics.FiftyTwoWeekHigh)
	putFloat("pe_ratio", metrics.PERatio)
	putFloat("forward_pe", metrics.ForwardPE)
	putFloat("eps", metrics.EPS)
	putFloat("forward_eps", metrics.ForwardEPS)
	putFloat("dividend_rate", metrics.DividendRate)
	putFloat("dividend_yield", metrics.DividendYield)
	putFloat("beta", metrics.Beta)

	if r := model.FormatFiftyTwoWeekRange(metrics.FiftyTwoWeekLow, metrics.FiftyTwoWeekHigh); r != nil {
		columns["fifty_two_week_range"] = *r
	}

	if err := s.securityRepo.UpdateMetrics(ctx, ticker, columns, metrics.Source, s.now()); err != nil {
		return err
	}

	// An explicit Yahoo answer resurrects a previously cleared flag.
	if metrics.Source == marketdata.SourceYahooSummary {
		if err := s.securityRepo.SetYahooAvailability(ctx, ticker, true); err != nil {
			s.logger.Error().Err(err).Str("ticker", ticker).Msg("failed to restore yahoo flag")
		}
	}
	return nil
}

// UpdateHistory backfills daily closes for the given tickers over the last
// 30 days. An empty ticker list selects every active security.
func (s *UpdaterService) UpdateHistory(ctx context.Context, tickers []string) (HistoryUpdateResult, error) {
	end := s.now().UTC().Truncate(24 * time.Hour)
	start := end.AddDate(0, 0, -historyWindowDays)
	return s.UpdateHistoryRange(ctx, tickers, start, end)
}

// UpdateHistoryRange backfills daily closes for an explicit window,
// processing tickers in small batches.
func (s *UpdaterService) UpdateHistoryRange(ctx context.Context, tickers []string, start, end time.Time) (HistoryUpdateResult, error) {
	var result HistoryUpdateResult
	if end.Before(start) {
		return result, apperrors.ErrInvalidDateRange
	}

	if len(tickers) == 0 {
		var err error
		tickers, err = s.securityRepo.GetActiveTickers()
		if err != nil {
			return result, err
		}
	}
	result.Requested = len(tickers)
	if len(tickers) == 0 {
		return result, nil
	}

	acquired, err := s.locks.TryAcquire(ctx, model.UpdateTypeHistory)
	if err != nil {
		return result, err
	}
	if !acquired {
		result.Skipped = true
		return result, apperrors.ErrUpdateInProgress
	}

	eventID := s.events.StartEvent(ctx, EventHistoryUpdate, map[string]any{
		"requested": len(tickers),
		"start":     repository.FormatDate(start),
		"end":       repository.FormatDate(end),
	})

	for i := 0; i < len(tickers); i += historyBatchSize {
		batch := tickers[i:min(i+historyBatchSize, len(tickers))]
		byTicker, err := s.manager.BatchHistoricalPrices(ctx, batch, start, end)
		if err != nil {
			s.logger.Warn().Err(err).Int("tickers", len(batch)).Msg("history batch failed")
			result.Failed += len(batch)
			continue
		}
		for _, ticker := range batch {
			bars, ok := byTicker[ticker]
			if !ok || len(bars) == 0 {
				result.Failed++
				continue
			}
			written := s.persistHistory(ctx, ticker, bars)
			if written > 0 {
				result.Backfilled++
				result.RowsWritten += written
				if err := s.securityRepo.SetLastBackfilled(ctx, ticker, s.now()); err != nil {
					s.logger.Error().Err(err).Str("ticker", ticker).Msg("failed to stamp backfill")
				}
			} else {
				result.Failed++
			}
		}
	}

	details := map[string]any{
		"requested":    result.Requested,
		"backfilled":   result.Backfilled,
		"rows_written": result.RowsWritten,
		"failed":       result.Failed,
	}
	s.events.CompleteEvent(ctx, eventID, details)
	summary := fmt.Sprintf("backfilled %d of %d tickers, %d rows", result.Backfilled, result.Requested, result.RowsWritten)
	if err := s.locks.Release(ctx, model.UpdateTypeHistory, result.Failed < result.Requested, summary); err != nil {
		s.logger.Error().Err(err).Msg("failed to release history lock")
	}

	s.invalidateCaches(ctx)
	return result, nil
}

func (s *UpdaterService) persistHistory(ctx context.Context, ticker string, bars []marketdata.HistoryBar) int {
	now := s.now()
	today := now.UTC().Truncate(24 * time.Hour)

	points := make([]model.PriceHistoryPoint, 0, len(bars))
	for _, bar := range bars {
		if bar.Date.After(today) || bar.Close <= 0 {
			continue
		}
		points = append(points, model.PriceHistoryPoint{
			Ticker:         model.NormalizeTicker(ticker),
			Date:           bar.Date,
			Close:          bar.Close,
			DayOpen:        bar.Open,
			DayHigh:        bar.High,
			DayLow:         bar.Low,
			Volume:         bar.Volume,
			Timestamp:      now,
			PriceTimestamp: bar.PriceTimestamp,
			Source:         bar.Source,
		})
	}
	written, err := s.historyRepo.UpsertBatch(ctx, points)
	if err != nil {
		s.logger.Error().Err(err).Str("ticker", ticker).Msg("failed to write history batch")
		return 0
	}
	return written
}

// SmartUpdate runs the stale-selection policies for every update kind in
// one pass: oldest stale prices, oldest stale metrics, then a history
// backfill when that kind is past its staleness threshold.
func (s *UpdaterService) SmartUpdate(ctx context.Context) (PriceUpdateResult, MetricsUpdateResult, HistoryUpdateResult, error) {
	priceResult, priceErr := s.UpdateStalePrices(ctx)
	if priceErr != nil && !errors.Is(priceErr, apperrors.ErrUpdateInProgress) {
		return priceResult, MetricsUpdateResult{}, HistoryUpdateResult{}, priceErr
	}
	metricsResult, metricsErr := s.UpdateStaleMetrics(ctx)
	if metricsErr != nil && !errors.Is(metricsErr, apperrors.ErrUpdateInProgress) {
		return priceResult, metricsResult, HistoryUpdateResult{}, metricsErr
	}

	var historyResult HistoryUpdateResult
	due, err := s.locks.IsUpdateDue(model.UpdateTypeHistory)
	if err != nil {
		return priceResult, metricsResult, historyResult, err
	}
	if due {
		historyResult, err = s.UpdateHistory(ctx, nil)
		if err != nil && !errors.Is(err, apperrors.ErrUpdateInProgress) {
			return priceResult, metricsResult, historyResult, err
		}
	}
	return priceResult, metricsResult, historyResult, nil
}

// SyncUniverse pulls the LISTING_STATUS reference dump and upserts every
// symbol, never overwriting existing non-null reference columns.
func (s *UpdaterService) SyncUniverse(ctx context.Context) (UniverseSyncResult, error) {
	var result UniverseSyncResult
	if s.alphaVantage == nil {
		return result, apperrors.ErrProviderUnavailable
	}

	eventID := s.events.StartEvent(ctx, EventUniverseSync, nil)

	listings, err := s.alphaVantage.ListingStatus(ctx)
	if err != nil {
		s.events.FailEvent(ctx, eventID, nil, err.Error())
		return result, fmt.Errorf("failed to fetch listing status: %w", err)
	}
	result.Listings = len(listings)

	for _, l := range listings {
		if err := s.securityRepo.UpsertListing(ctx, l.Symbol, l.Name, l.Exchange, l.AssetType, l.IPODate); err != nil {
			s.logger.Error().Err(err).Str("symbol", l.Symbol).Msg("failed to upsert listing")
			continue
		}
		result.Upserted++
	}

	s.events.CompleteEvent(ctx, eventID, map[string]any{
		"listings": result.Listings,
		"upserted": result.Upserted,
	})
	return result, nil
}

// invalidateCaches drops the external portfolio and per-ticker cache entries
// after a run that changed prices or metrics.
func (s *UpdaterService) invalidateCaches(ctx context.Context) {
	if !s.cache.Enabled() {
		return
	}
	s.cache.InvalidatePortfolios(ctx)
	held, err := s.accountRepo.GetHeldTickers()
	if err != nil {
		s.logger.Warn().Err(err).Msg("failed to list held tickers for cache invalidation")
		return
	}
	s.cache.InvalidateTickers(ctx, held)
}
