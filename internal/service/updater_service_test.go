package service

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/finbase/marketsync/internal/apperrors"
	"github.com/finbase/marketsync/internal/config"
	"github.com/finbase/marketsync/internal/kvcache"
	"github.com/finbase/marketsync/internal/marketdata"
	"github.com/finbase/marketsync/internal/model"
	"github.com/finbase/marketsync/internal/repository"
	"github.com/finbase/marketsync/internal/testutil"
)

// stubSource is a scriptable provider adapter for service-level tests.
// Tickers absent from quotes are simply not served, matching how the real
// batch endpoints behave.
type stubSource struct {
	name       string
	quotes     map[string]marketdata.PriceQuote
	batchErr   error
	metrics    *marketdata.Metrics
	metricsErr error
	bars       map[string][]marketdata.HistoryBar
	batchCalls int
}

func (s *stubSource) Name() string                { return s.name }
func (s *stubSource) DailyCallLimit() (int, bool) { return 0, false }

func (s *stubSource) CurrentPrice(_ context.Context, ticker string) (*marketdata.PriceQuote, error) {
	if q, ok := s.quotes[ticker]; ok {
		return &q, nil
	}
	return nil, apperrors.ErrTickerNotFound
}

func (s *stubSource) BatchPrices(_ context.Context, tickers []string) (map[string]marketdata.PriceQuote, error) {
	s.batchCalls++
	if s.batchErr != nil {
		return nil, s.batchErr
	}
	out := make(map[string]marketdata.PriceQuote)
	for _, t := range tickers {
		if q, ok := s.quotes[t]; ok {
			out[t] = q
		}
	}
	return out, nil
}

func (s *stubSource) CompanyMetrics(_ context.Context, _ string) (*marketdata.Metrics, error) {
	if s.metricsErr != nil {
		return nil, s.metricsErr
	}
	if s.metrics != nil {
		return s.metrics, nil
	}
	return nil, apperrors.ErrTickerNotFound
}

func (s *stubSource) HistoricalPrices(_ context.Context, ticker string, _, _ time.Time) ([]marketdata.HistoryBar, error) {
	if bars, ok := s.bars[ticker]; ok {
		return bars, nil
	}
	return nil, apperrors.ErrTickerNotFound
}

func (s *stubSource) BatchHistoricalPrices(_ context.Context, tickers []string, _, _ time.Time) (map[string][]marketdata.HistoryBar, error) {
	out := make(map[string][]marketdata.HistoryBar)
	for _, t := range tickers {
		if bars, ok := s.bars[t]; ok {
			out[t] = bars
		}
	}
	return out, nil
}

type updaterFixture struct {
	db         *sql.DB
	securities *repository.SecurityRepository
	history    *repository.PriceHistoryRepository
	tracking   *repository.UpdateTrackingRepository
	eventsRepo *repository.SystemEventRepository
	svc        *UpdaterService
}

func newUpdaterFixture(t *testing.T, sources ...marketdata.Source) *updaterFixture {
	t.Helper()
	db := testutil.SetupTestDB(t)
	logger := zerolog.Nop()

	manager := marketdata.NewManager(logger)
	for _, src := range sources {
		manager.Register(src)
	}

	securities := repository.NewSecurityRepository(db)
	history := repository.NewPriceHistoryRepository(db)
	tracking := repository.NewUpdateTrackingRepository(db)
	eventsRepo := repository.NewSystemEventRepository(db)

	svc := NewUpdaterService(
		manager,
		nil,
		securities,
		history,
		repository.NewAccountRepository(db),
		NewEventService(eventsRepo, logger),
		NewLockService(tracking, logger),
		kvcache.New(config.RedisConfig{}, logger),
		logger,
	)
	return &updaterFixture{
		db:         db,
		securities: securities,
		history:    history,
		tracking:   tracking,
		eventsRepo: eventsRepo,
		svc:        svc,
	}
}

func quote(ticker string, price float64, source string) marketdata.PriceQuote {
	return marketdata.PriceQuote{
		Ticker:    ticker,
		Price:     price,
		Timestamp: time.Now().UTC().Add(-time.Minute),
		Source:    source,
	}
}

func TestPriceUpdatePolygonMissShiftsToYahoo(t *testing.T) {
	polygon := &stubSource{
		name:   marketdata.SourcePolygon,
		quotes: map[string]marketdata.PriceQuote{"AAPL": quote("AAPL", 190.5, marketdata.SourcePolygon)},
	}
	yahoo := &stubSource{
		name:   marketdata.SourceYahooChart,
		quotes: map[string]marketdata.PriceQuote{"GONE": quote("GONE", 12.25, marketdata.SourceYahooChart)},
	}
	f := newUpdaterFixture(t, polygon, yahoo)

	testutil.CreateSecurity(t, f.db, "AAPL", testutil.SecurityOptions{OnPolygon: true, Active: true})
	testutil.CreateSecurity(t, f.db, "GONE", testutil.SecurityOptions{OnPolygon: true, Active: true})

	result, err := f.svc.UpdateAllPrices(context.Background())
	if err != nil {
		t.Fatalf("UpdateAllPrices failed: %v", err)
	}
	if result.Updated != 2 || result.PolygonSuccess != 1 || result.YahooSuccess != 1 {
		t.Errorf("Unexpected result: %+v", result)
	}

	// The ticker missing from the snapshot loses its polygon flag and is
	// served from the chart endpoint instead.
	gone, err := f.securities.GetSecurity("GONE")
	if err != nil {
		t.Fatalf("GetSecurity failed: %v", err)
	}
	if gone.OnPolygon {
		t.Error("Expected polygon flag cleared after authoritative miss")
	}
	if gone.CurrentPrice == nil || *gone.CurrentPrice != 12.25 {
		t.Errorf("Expected fallback price 12.25, got %v", gone.CurrentPrice)
	}

	aapl, err := f.securities.GetSecurity("AAPL")
	if err != nil {
		t.Fatalf("GetSecurity failed: %v", err)
	}
	if aapl.CurrentPrice == nil || *aapl.CurrentPrice != 190.5 {
		t.Errorf("Expected price 190.5, got %v", aapl.CurrentPrice)
	}

	// Every persisted quote also lands in today's history row.
	latest, err := f.history.GetLatest("AAPL")
	if err != nil {
		t.Fatalf("GetLatest failed: %v", err)
	}
	if latest == nil || latest.Close != 190.5 {
		t.Errorf("Expected history row with close 190.5, got %+v", latest)
	}

	events, err := f.eventsRepo.GetRecentByType(EventPriceUpdate, 1)
	if err != nil {
		t.Fatalf("GetRecentByType failed: %v", err)
	}
	if len(events) != 1 || events[0].Status != model.EventStatusCompleted {
		t.Errorf("Expected one completed price event, got %+v", events)
	}
}

func TestPriceUpdatePolygonBatchErrorShiftsQueue(t *testing.T) {
	polygon := &stubSource{
		name:     marketdata.SourcePolygon,
		batchErr: errors.New("snapshot endpoint down"),
	}
	yahoo := &stubSource{
		name:   marketdata.SourceYahooChart,
		quotes: map[string]marketdata.PriceQuote{"AAPL": quote("AAPL", 191.0, marketdata.SourceYahooChart)},
	}
	f := newUpdaterFixture(t, polygon, yahoo)

	testutil.CreateSecurity(t, f.db, "AAPL", testutil.SecurityOptions{OnPolygon: true, Active: true})

	result, err := f.svc.UpdateAllPrices(context.Background())
	if err != nil {
		t.Fatalf("UpdateAllPrices failed: %v", err)
	}
	if result.Updated != 1 || result.YahooSuccess != 1 || result.PolygonSuccess != 0 {
		t.Errorf("Unexpected result: %+v", result)
	}

	// A whole-batch failure says nothing about individual tickers.
	sec, err := f.securities.GetSecurity("AAPL")
	if err != nil {
		t.Fatalf("GetSecurity failed: %v", err)
	}
	if !sec.OnPolygon {
		t.Error("Expected polygon flag untouched after a batch-level failure")
	}
}

func TestPriceUpdateYahooAbsenceLeavesFlag(t *testing.T) {
	yahoo := &stubSource{name: marketdata.SourceYahooChart}
	f := newUpdaterFixture(t, yahoo)

	testutil.CreateSecurity(t, f.db, "MISS", testutil.SecurityOptions{OnYFinance: true, Active: true})

	result, err := f.svc.UpdateAllPrices(context.Background())
	if err != nil {
		t.Fatalf("UpdateAllPrices failed: %v", err)
	}
	if result.Updated != 0 || result.Unavailable != 1 {
		t.Errorf("Unexpected result: %+v", result)
	}

	sec, err := f.securities.GetSecurity("MISS")
	if err != nil {
		t.Fatalf("GetSecurity failed: %v", err)
	}
	if !sec.OnYFinance {
		t.Error("Expected yahoo flag untouched after a chart batch miss")
	}
}

func TestPriceUpdateDropsNonPositiveQuote(t *testing.T) {
	yahoo := &stubSource{
		name:   marketdata.SourceYahooChart,
		quotes: map[string]marketdata.PriceQuote{"BAD": quote("BAD", -3.0, marketdata.SourceYahooChart)},
	}
	f := newUpdaterFixture(t, yahoo)

	testutil.CreateSecurity(t, f.db, "BAD", testutil.SecurityOptions{OnYFinance: true, Active: true})

	result, err := f.svc.UpdateAllPrices(context.Background())
	if err != nil {
		t.Fatalf("UpdateAllPrices failed: %v", err)
	}
	if result.Updated != 0 || result.Unavailable != 1 {
		t.Errorf("Expected the invalid quote dropped, got %+v", result)
	}

	sec, err := f.securities.GetSecurity("BAD")
	if err != nil {
		t.Fatalf("GetSecurity failed: %v", err)
	}
	if sec.CurrentPrice != nil {
		t.Errorf("Expected no price written, got %v", *sec.CurrentPrice)
	}
}

func TestPriceUpdateSkippedWhileLockHeld(t *testing.T) {
	yahoo := &stubSource{
		name:   marketdata.SourceYahooChart,
		quotes: map[string]marketdata.PriceQuote{"AAPL": quote("AAPL", 190.0, marketdata.SourceYahooChart)},
	}
	f := newUpdaterFixture(t, yahoo)
	ctx := context.Background()

	testutil.CreateSecurity(t, f.db, "AAPL", testutil.SecurityOptions{OnYFinance: true, Active: true})

	acquired, err := f.tracking.TryAcquireLock(ctx, model.UpdateTypePrice, "other-host-99", time.Now())
	if err != nil || !acquired {
		t.Fatalf("Failed to pre-acquire lock: acquired=%v err=%v", acquired, err)
	}

	result, err := f.svc.UpdateAllPrices(ctx)
	if !errors.Is(err, apperrors.ErrUpdateInProgress) {
		t.Fatalf("Expected ErrUpdateInProgress, got %v", err)
	}
	if !result.Skipped {
		t.Error("Expected the run marked skipped")
	}

	sec, err := f.securities.GetSecurity("AAPL")
	if err != nil {
		t.Fatalf("GetSecurity failed: %v", err)
	}
	if sec.CurrentPrice != nil {
		t.Error("Expected no price written while the lock is held elsewhere")
	}
}

func TestMetricsNotFoundClearsYahooFlag(t *testing.T) {
	summary := &stubSource{
		name:       marketdata.SourceYahooSummary,
		metricsErr: apperrors.ErrTickerNotFound,
	}
	f := newUpdaterFixture(t, summary)

	testutil.CreateSecurity(t, f.db, "NOSUCH", testutil.SecurityOptions{OnYFinance: true, Active: true})

	result, err := f.svc.UpdateMetricsFor(context.Background(), []string{"NOSUCH"})
	if err != nil {
		t.Fatalf("UpdateMetricsFor failed: %v", err)
	}
	if result.NotFound != 1 || result.Updated != 0 {
		t.Errorf("Unexpected result: %+v", result)
	}

	sec, err := f.securities.GetSecurity("NOSUCH")
	if err != nil {
		t.Fatalf("GetSecurity failed: %v", err)
	}
	if sec.OnYFinance {
		t.Error("Expected yahoo flag cleared after an authoritative not-found")
	}
	// The clock still advances so the ticker is not retried every cycle.
	if sec.LastMetricsUpdate == nil {
		t.Error("Expected metrics clock advanced")
	}
}

func TestMetricsOutageDoesNotClearYahooFlag(t *testing.T) {
	summary := &stubSource{
		name:       marketdata.SourceYahooSummary,
		metricsErr: errors.New("upstream returned 503"),
	}
	// AlphaVantage refuses class shares, so it answers not-found for BRK.B.
	av := &stubSource{
		name:       marketdata.SourceAlphaVantage,
		metricsErr: apperrors.ErrTickerNotFound,
	}
	f := newUpdaterFixture(t, summary, av)

	testutil.CreateSecurity(t, f.db, "BRK.B", testutil.SecurityOptions{OnYFinance: true, Active: true})

	result, err := f.svc.UpdateMetricsFor(context.Background(), []string{"BRK.B"})
	if err != nil {
		t.Fatalf("UpdateMetricsFor failed: %v", err)
	}
	if result.Failed != 1 || result.NotFound != 0 {
		t.Fatalf("Expected the outage counted as a failure, got %+v", result)
	}

	sec, err := f.securities.GetSecurity("BRK.B")
	if err != nil {
		t.Fatalf("GetSecurity failed: %v", err)
	}
	if !sec.OnYFinance {
		t.Error("Expected yahoo flag intact while the source only failed transiently")
	}
	if sec.LastMetricsUpdate != nil {
		t.Error("Expected the metrics clock untouched so the ticker is retried")
	}
}

func TestMetricsUpdatePersistsAndRestoresFlag(t *testing.T) {
	name := "Apple Inc."
	sector := "Technology"
	summary := &stubSource{
		name: marketdata.SourceYahooSummary,
		metrics: &marketdata.Metrics{
			Name:             &name,
			Sector:           &sector,
			MarketCap:        testutil.Float(2.9e12),
			CurrentPrice:     testutil.Float(231.4),
			FiftyTwoWeekLow:  testutil.Float(150.0),
			FiftyTwoWeekHigh: testutil.Float(240.5),
			Source:           marketdata.SourceYahooSummary,
		},
	}
	f := newUpdaterFixture(t, summary)

	// The flag was cleared by an earlier miss; a real answer restores it.
	testutil.CreateSecurity(t, f.db, "AAPL", testutil.SecurityOptions{OnYFinance: false, Active: true})

	result, err := f.svc.UpdateMetricsFor(context.Background(), []string{"AAPL"})
	if err != nil {
		t.Fatalf("UpdateMetricsFor failed: %v", err)
	}
	if result.Updated != 1 {
		t.Fatalf("Expected 1 updated, got %+v", result)
	}

	sec, err := f.securities.GetSecurity("AAPL")
	if err != nil {
		t.Fatalf("GetSecurity failed: %v", err)
	}
	if sec.Name == nil || *sec.Name != "Apple Inc." {
		t.Errorf("Expected name written, got %v", sec.Name)
	}
	if sec.CurrentPrice == nil || *sec.CurrentPrice != 231.4 {
		t.Errorf("Expected the metrics price persisted, got %v", sec.CurrentPrice)
	}
	if sec.FiftyTwoWeekRange == nil || *sec.FiftyTwoWeekRange != "150.00-240.50" {
		t.Errorf("Expected derived 52-week range, got %v", sec.FiftyTwoWeekRange)
	}
	if sec.MetricsSource == nil || *sec.MetricsSource != marketdata.SourceYahooSummary {
		t.Errorf("Expected metrics source recorded, got %v", sec.MetricsSource)
	}
	if !sec.OnYFinance {
		t.Error("Expected yahoo flag restored by an explicit answer")
	}
}

func TestMetricsFallsBackToSecondSource(t *testing.T) {
	name := "Oracle Corp"
	summary := &stubSource{
		name:       marketdata.SourceYahooSummary,
		metricsErr: apperrors.ErrTickerNotFound,
	}
	av := &stubSource{
		name:    marketdata.SourceAlphaVantage,
		metrics: &marketdata.Metrics{Name: &name, Source: marketdata.SourceAlphaVantage},
	}
	f := newUpdaterFixture(t, summary, av)

	testutil.CreateSecurity(t, f.db, "ORCL", testutil.SecurityOptions{OnYFinance: true, Active: true})

	result, err := f.svc.UpdateMetricsFor(context.Background(), []string{"ORCL"})
	if err != nil {
		t.Fatalf("UpdateMetricsFor failed: %v", err)
	}
	if result.Updated != 1 || result.NotFound != 0 {
		t.Fatalf("Expected the fallback source to serve, got %+v", result)
	}

	sec, err := f.securities.GetSecurity("ORCL")
	if err != nil {
		t.Fatalf("GetSecurity failed: %v", err)
	}
	if sec.MetricsSource == nil || *sec.MetricsSource != marketdata.SourceAlphaVantage {
		t.Errorf("Expected alphavantage metrics source, got %v", sec.MetricsSource)
	}
}

func TestHistoryUpdateBackfillsWindow(t *testing.T) {
	fixedNow := time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)
	day := func(d int) time.Time { return time.Date(2026, 2, d, 0, 0, 0, 0, time.UTC) }

	yahoo := &stubSource{
		name: marketdata.SourceYahooChart,
		bars: map[string][]marketdata.HistoryBar{
			"AAPL": {
				{Date: day(26), Close: 0, Source: marketdata.SourceYahooChart},
				{Date: day(27), Close: 188.1, Source: marketdata.SourceYahooChart},
				{Date: day(28), Close: 189.4, Source: marketdata.SourceYahooChart},
				{Date: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), Close: 190.2, Source: marketdata.SourceYahooChart},
				{Date: time.Date(2026, 3, 3, 0, 0, 0, 0, time.UTC), Close: 191.0, Source: marketdata.SourceYahooChart},
			},
		},
	}
	f := newUpdaterFixture(t, yahoo)
	f.svc.now = func() time.Time { return fixedNow }

	testutil.CreateActiveSecurity(t, f.db, "AAPL")

	result, err := f.svc.UpdateHistory(context.Background(), nil)
	if err != nil {
		t.Fatalf("UpdateHistory failed: %v", err)
	}
	if result.Requested != 1 || result.Backfilled != 1 {
		t.Fatalf("Unexpected result: %+v", result)
	}
	// The zero close and the future-dated bar are dropped.
	if result.RowsWritten != 3 {
		t.Errorf("Expected 3 rows written, got %d", result.RowsWritten)
	}

	count, err := f.history.CountForTicker("AAPL")
	if err != nil {
		t.Fatalf("CountForTicker failed: %v", err)
	}
	if count != 3 {
		t.Errorf("Expected 3 history rows, got %d", count)
	}

	sec, err := f.securities.GetSecurity("AAPL")
	if err != nil {
		t.Fatalf("GetSecurity failed: %v", err)
	}
	if sec.LastBackfilled == nil {
		t.Error("Expected last_backfilled stamped")
	}
}

func TestHistoryRangeRejectsInvertedWindow(t *testing.T) {
	f := newUpdaterFixture(t, &stubSource{name: marketdata.SourceYahooChart})

	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 0, -10)
	if _, err := f.svc.UpdateHistoryRange(context.Background(), []string{"AAPL"}, start, end); !errors.Is(err, apperrors.ErrInvalidDateRange) {
		t.Fatalf("Expected ErrInvalidDateRange, got %v", err)
	}
}

func TestSmartUpdateToleratesHeldPriceLock(t *testing.T) {
	yahoo := &stubSource{name: marketdata.SourceYahooChart}
	f := newUpdaterFixture(t, yahoo)
	ctx := context.Background()

	stale := time.Now().UTC().Add(-48 * time.Hour)
	testutil.CreateSecurity(t, f.db, "AAPL", testutil.SecurityOptions{
		CurrentPrice: testutil.Float(180.0),
		LastUpdated:  &stale,
		OnYFinance:   true,
		Active:       true,
	})

	acquired, err := f.tracking.TryAcquireLock(ctx, model.UpdateTypePrice, "other-host-99", time.Now())
	if err != nil || !acquired {
		t.Fatalf("Failed to pre-acquire lock: acquired=%v err=%v", acquired, err)
	}

	priceResult, _, _, err := f.svc.SmartUpdate(ctx)
	if err != nil {
		t.Fatalf("SmartUpdate failed: %v", err)
	}
	if !priceResult.Skipped {
		t.Error("Expected the price phase skipped while the lock is held")
	}
}

func TestSmartUpdateRunsHistoryWhenDue(t *testing.T) {
	yesterday := time.Now().UTC().Truncate(24 * time.Hour).AddDate(0, 0, -1)
	yahoo := &stubSource{
		name: marketdata.SourceYahooChart,
		bars: map[string][]marketdata.HistoryBar{
			"AAPL": {{Date: yesterday, Close: 188.1, Source: marketdata.SourceYahooChart}},
		},
	}
	f := newUpdaterFixture(t, yahoo)
	ctx := context.Background()

	fresh := time.Now().UTC()
	testutil.CreateSecurity(t, f.db, "AAPL", testutil.SecurityOptions{
		CurrentPrice: testutil.Float(190.0),
		LastUpdated:  &fresh,
		OnYFinance:   true,
		Active:       true,
	})

	// A recent history run keeps the kind out of the pass.
	if _, err := f.db.Exec(`UPDATE update_tracking SET last_updated = ? WHERE update_type = ?`,
		fresh.Format(time.RFC3339), model.UpdateTypeHistory); err != nil {
		t.Fatalf("Failed to stamp history run: %v", err)
	}
	_, _, historyResult, err := f.svc.SmartUpdate(ctx)
	if err != nil {
		t.Fatalf("SmartUpdate failed: %v", err)
	}
	if historyResult.Requested != 0 {
		t.Errorf("Expected the fresh history kind skipped, got %+v", historyResult)
	}

	if _, err := f.db.Exec(`UPDATE update_tracking SET last_updated = NULL WHERE update_type = ?`,
		model.UpdateTypeHistory); err != nil {
		t.Fatalf("Failed to clear history stamp: %v", err)
	}
	_, _, historyResult, err = f.svc.SmartUpdate(ctx)
	if err != nil {
		t.Fatalf("SmartUpdate failed: %v", err)
	}
	if historyResult.Backfilled != 1 || historyResult.RowsWritten != 1 {
		t.Errorf("Expected the due history kind backfilled, got %+v", historyResult)
	}
}

func TestSyncUniverseRequiresAdapter(t *testing.T) {
	f := newUpdaterFixture(t)

	if _, err := f.svc.SyncUniverse(context.Background()); !errors.Is(err, apperrors.ErrProviderUnavailable) {
		t.Fatalf("Expected ErrProviderUnavailable without an adapter, got %v", err)
	}
}
