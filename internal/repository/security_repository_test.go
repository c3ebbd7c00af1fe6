package repository_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/finbase/marketsync/internal/apperrors"
	"github.com/finbase/marketsync/internal/marketdata"
	"github.com/finbase/marketsync/internal/repository"
	"github.com/finbase/marketsync/internal/testutil"
)

func TestGetSecurityNormalizesTicker(t *testing.T) {
	db := testutil.SetupTestDB(t)
	repo := repository.NewSecurityRepository(db)
	testutil.CreateActiveSecurity(t, db, "AAPL")

	sec, err := repo.GetSecurity("  aapl ")
	if err != nil {
		t.Fatalf("GetSecurity failed: %v", err)
	}
	if sec.Ticker != "AAPL" {
		t.Errorf("Expected ticker AAPL, got %q", sec.Ticker)
	}
}

func TestGetSecurityNotFound(t *testing.T) {
	db := testutil.SetupTestDB(t)
	repo := repository.NewSecurityRepository(db)

	_, err := repo.GetSecurity("MISSING")
	if !errors.Is(err, apperrors.ErrSecurityNotFound) {
		t.Fatalf("Expected ErrSecurityNotFound, got %v", err)
	}
}

func TestUpdatePriceSetsSourceFlag(t *testing.T) {
	db := testutil.SetupTestDB(t)
	repo := repository.NewSecurityRepository(db)
	testutil.CreateSecurity(t, db, "AAPL", testutil.SecurityOptions{OnYFinance: true, OnPolygon: false, Active: true})

	now := time.Now().UTC()
	priceTS := now.Add(-5 * time.Minute)
	err := repo.UpdatePrice(context.Background(), "aapl", 190.5, priceTS, marketdata.SourcePolygon, now)
	if err != nil {
		t.Fatalf("UpdatePrice failed: %v", err)
	}

	sec, err := repo.GetSecurity("AAPL")
	if err != nil {
		t.Fatalf("GetSecurity failed: %v", err)
	}
	if sec.CurrentPrice == nil || *sec.CurrentPrice != 190.5 {
		t.Errorf("Expected current price 190.5, got %v", sec.CurrentPrice)
	}
	if sec.DataSource == nil || *sec.DataSource != marketdata.SourcePolygon {
		t.Errorf("Expected data source polygon, got %v", sec.DataSource)
	}
	if !sec.OnPolygon {
		t.Error("Expected a polygon price write to set on_polygon")
	}
	if sec.LastUpdated == nil {
		t.Fatal("Expected last_updated to be stamped")
	}
	if sec.PriceTimestamp == nil || !sec.PriceTimestamp.Equal(priceTS.Truncate(time.Second)) {
		t.Errorf("Expected provider timestamp %v, got %v", priceTS, sec.PriceTimestamp)
	}
}

func TestUpdatePriceUnknownTicker(t *testing.T) {
	db := testutil.SetupTestDB(t)
	repo := repository.NewSecurityRepository(db)

	err := repo.UpdatePrice(context.Background(), "GHOST", 1.0, time.Now(), marketdata.SourceYahooChart, time.Now())
	if !errors.Is(err, apperrors.ErrSecurityNotFound) {
		t.Fatalf("Expected ErrSecurityNotFound, got %v", err)
	}
}

func TestGetStalePriceTickersOrdersNeverUpdatedFirst(t *testing.T) {
	db := testutil.SetupTestDB(t)
	repo := repository.NewSecurityRepository(db)

	now := time.Now().UTC()
	old := now.Add(-48 * time.Hour)
	older := now.Add(-72 * time.Hour)
	fresh := now.Add(-time.Minute)

	testutil.CreateSecurity(t, db, "NEVER", testutil.SecurityOptions{OnYFinance: true, Active: true})
	testutil.CreateSecurity(t, db, "OLD", testutil.SecurityOptions{OnYFinance: true, Active: true, LastUpdated: &old})
	testutil.CreateSecurity(t, db, "OLDER", testutil.SecurityOptions{OnYFinance: true, Active: true, LastUpdated: &older})
	testutil.CreateSecurity(t, db, "FRESH", testutil.SecurityOptions{OnYFinance: true, Active: true, LastUpdated: &fresh})
	testutil.CreateSecurity(t, db, "INACTIVE", testutil.SecurityOptions{OnYFinance: true, LastUpdated: &older})

	tickers, err := repo.GetStalePriceTickers(now.Add(-24*time.Hour), 10)
	if err != nil {
		t.Fatalf("GetStalePriceTickers failed: %v", err)
	}
	want := []string{"NEVER", "OLDER", "OLD"}
	if len(tickers) != len(want) {
		t.Fatalf("Expected %v, got %v", want, tickers)
	}
	for i := range want {
		if tickers[i] != want[i] {
			t.Fatalf("Expected order %v, got %v", want, tickers)
		}
	}

	// The limit caps the selection from the front of the queue.
	capped, err := repo.GetStalePriceTickers(now.Add(-24*time.Hour), 2)
	if err != nil {
		t.Fatalf("GetStalePriceTickers failed: %v", err)
	}
	if len(capped) != 2 || capped[0] != "NEVER" || capped[1] != "OLDER" {
		t.Errorf("Expected capped queue [NEVER OLDER], got %v", capped)
	}
}

func TestGetPriceCandidatesRequiresAnAvailableSource(t *testing.T) {
	db := testutil.SetupTestDB(t)
	repo := repository.NewSecurityRepository(db)

	testutil.CreateSecurity(t, db, "BOTH", testutil.SecurityOptions{OnYFinance: true, OnPolygon: true, Active: true})
	testutil.CreateSecurity(t, db, "YONLY", testutil.SecurityOptions{OnYFinance: true, Active: true})
	testutil.CreateSecurity(t, db, "NONE", testutil.SecurityOptions{Active: true})
	testutil.CreateSecurity(t, db, "OFF", testutil.SecurityOptions{OnYFinance: true, OnPolygon: true})

	candidates, err := repo.GetPriceCandidates()
	if err != nil {
		t.Fatalf("GetPriceCandidates failed: %v", err)
	}
	if len(candidates) != 2 {
		t.Fatalf("Expected 2 candidates, got %d", len(candidates))
	}
	if candidates[0].Ticker != "BOTH" || candidates[1].Ticker != "YONLY" {
		t.Errorf("Unexpected candidates: %+v", candidates)
	}
	if !candidates[0].OnPolygon || candidates[1].OnPolygon {
		t.Errorf("Unexpected availability flags: %+v", candidates)
	}
}

func TestUpdateMetricsRejectsUnknownColumns(t *testing.T) {
	db := testutil.SetupTestDB(t)
	repo := repository.NewSecurityRepository(db)
	testutil.CreateActiveSecurity(t, db, "AAPL")

	err := repo.UpdateMetrics(context.Background(), "AAPL",
		map[string]any{"ticker": "HACK"}, marketdata.SourceYahooSummary, time.Now())
	if err == nil {
		t.Fatal("Expected rejection of non-whitelisted column")
	}
}

func TestUpdateMetricsWritesColumns(t *testing.T) {
	db := testutil.SetupTestDB(t)
	repo := repository.NewSecurityRepository(db)
	testutil.CreateActiveSecurity(t, db, "AAPL")

	now := time.Now().UTC()
	cols := map[string]any{
		"name":     "Apple Inc",
		"sector":   "Technology",
		"pe_ratio": 29.5,
	}
	if err := repo.UpdateMetrics(context.Background(), "AAPL", cols, marketdata.SourceYahooSummary, now); err != nil {
		t.Fatalf("UpdateMetrics failed: %v", err)
	}

	sec, err := repo.GetSecurity("AAPL")
	if err != nil {
		t.Fatalf("GetSecurity failed: %v", err)
	}
	if sec.Name == nil || *sec.Name != "Apple Inc" {
		t.Errorf("Expected name written, got %v", sec.Name)
	}
	if sec.PERatio == nil || *sec.PERatio != 29.5 {
		t.Errorf("Expected pe_ratio written, got %v", sec.PERatio)
	}
	if sec.MetricsSource == nil || *sec.MetricsSource != marketdata.SourceYahooSummary {
		t.Errorf("Expected metrics source recorded, got %v", sec.MetricsSource)
	}
	if sec.LastMetricsUpdate == nil {
		t.Error("Expected last_metrics_update stamped")
	}
}

func TestMarkMetricsNotFoundAdvancesClock(t *testing.T) {
	db := testutil.SetupTestDB(t)
	repo := repository.NewSecurityRepository(db)
	testutil.CreateActiveSecurity(t, db, "GHOST")

	now := time.Now().UTC()
	if err := repo.MarkMetricsNotFound(context.Background(), "GHOST", now); err != nil {
		t.Fatalf("MarkMetricsNotFound failed: %v", err)
	}

	sec, err := repo.GetSecurity("GHOST")
	if err != nil {
		t.Fatalf("GetSecurity failed: %v", err)
	}
	if sec.OnYFinance {
		t.Error("Expected on_yfinance cleared")
	}
	if sec.LastMetricsUpdate == nil {
		t.Error("Expected metrics clock advanced so the ticker is not retried immediately")
	}

	// The cleared flag removes the ticker from the stale-metrics queue.
	tickers, err := repo.GetStaleMetricsTickers(now.Add(time.Hour), 10)
	if err != nil {
		t.Fatalf("GetStaleMetricsTickers failed: %v", err)
	}
	if len(tickers) != 0 {
		t.Errorf("Expected empty metrics queue, got %v", tickers)
	}
}

func TestUpsertListingNeverOverwritesExistingValues(t *testing.T) {
	db := testutil.SetupTestDB(t)
	repo := repository.NewSecurityRepository(db)
	ctx := context.Background()

	ipo1 := time.Date(1980, 12, 12, 0, 0, 0, 0, time.UTC)
	if err := repo.UpsertListing(ctx, "aapl", "Apple Inc", "NASDAQ", "Stock", &ipo1); err != nil {
		t.Fatalf("UpsertListing failed: %v", err)
	}

	sec, err := repo.GetSecurity("AAPL")
	if err != nil {
		t.Fatalf("GetSecurity failed: %v", err)
	}
	if !sec.AVAddedSecurity {
		t.Error("Expected av_added_security set on insert")
	}
	if sec.AVExchange == nil || *sec.AVExchange != "NASDAQ" {
		t.Errorf("Expected exchange NASDAQ, got %v", sec.AVExchange)
	}

	// A later sync with different reference data must not overwrite.
	ipo2 := time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)
	if err := repo.UpsertListing(ctx, "AAPL", "Apple Computer", "NYSE", "ETF", &ipo2); err != nil {
		t.Fatalf("Second UpsertListing failed: %v", err)
	}

	sec, err = repo.GetSecurity("AAPL")
	if err != nil {
		t.Fatalf("GetSecurity failed: %v", err)
	}
	if *sec.AVExchange != "NASDAQ" {
		t.Errorf("Expected exchange preserved, got %q", *sec.AVExchange)
	}
	if sec.AVName == nil || *sec.AVName != "Apple Inc" {
		t.Errorf("Expected name preserved, got %v", sec.AVName)
	}
	if sec.AVIPODate == nil || sec.AVIPODate.Year() != 1980 {
		t.Errorf("Expected IPO date preserved, got %v", sec.AVIPODate)
	}
}

func TestUpsertListingBlankFieldsStayNull(t *testing.T) {
	db := testutil.SetupTestDB(t)
	repo := repository.NewSecurityRepository(db)
	ctx := context.Background()

	// A dump row with blank reference fields must not pin empty strings.
	if err := repo.UpsertListing(ctx, "NEWCO", "", " ", "", nil); err != nil {
		t.Fatalf("UpsertListing failed: %v", err)
	}

	sec, err := repo.GetSecurity("NEWCO")
	if err != nil {
		t.Fatalf("GetSecurity failed: %v", err)
	}
	if sec.AVExchange != nil || sec.AVAssetType != nil || sec.AVName != nil {
		t.Errorf("Expected blank fields stored as NULL, got exchange=%v assetType=%v name=%v",
			sec.AVExchange, sec.AVAssetType, sec.AVName)
	}

	// A later dump with the fields populated fills them in.
	if err := repo.UpsertListing(ctx, "NEWCO", "NewCo Inc", "NYSE", "Stock", nil); err != nil {
		t.Fatalf("Second UpsertListing failed: %v", err)
	}
	sec, err = repo.GetSecurity("NEWCO")
	if err != nil {
		t.Fatalf("GetSecurity failed: %v", err)
	}
	if sec.AVExchange == nil || *sec.AVExchange != "NYSE" {
		t.Errorf("Expected exchange filled on the second sync, got %v", sec.AVExchange)
	}
	if sec.AVName == nil || *sec.AVName != "NewCo Inc" {
		t.Errorf("Expected name filled on the second sync, got %v", sec.AVName)
	}
}

func TestFindInvalidPrices(t *testing.T) {
	db := testutil.SetupTestDB(t)
	repo := repository.NewSecurityRepository(db)

	now := time.Now().UTC()
	testutil.CreateSecurity(t, db, "OK", testutil.SecurityOptions{CurrentPrice: testutil.Float(190.5), LastUpdated: &now, Active: true})
	testutil.CreateSecurity(t, db, "NEG", testutil.SecurityOptions{CurrentPrice: testutil.Float(-1), LastUpdated: &now, Active: true})
	testutil.CreateSecurity(t, db, "HUGE", testutil.SecurityOptions{CurrentPrice: testutil.Float(2e6), LastUpdated: &now, Active: true})
	// NaN arrives as NULL through the driver; a NULL price on an updated row
	// is invalid, a NULL price on a never-updated row is not.
	testutil.CreateSecurity(t, db, "NANISH", testutil.SecurityOptions{LastUpdated: &now, Active: true})
	testutil.CreateSecurity(t, db, "NEWROW", testutil.SecurityOptions{Active: true})

	tickers, err := repo.FindInvalidPrices()
	if err != nil {
		t.Fatalf("FindInvalidPrices failed: %v", err)
	}
	want := []string{"HUGE", "NANISH", "NEG"}
	if len(tickers) != len(want) {
		t.Fatalf("Expected %v, got %v", want, tickers)
	}
	for i := range want {
		if tickers[i] != want[i] {
			t.Fatalf("Expected %v, got %v", want, tickers)
		}
	}
}

func TestClampFutureLastUpdated(t *testing.T) {
	db := testutil.SetupTestDB(t)
	repo := repository.NewSecurityRepository(db)

	now := time.Now().UTC()
	future := now.Add(48 * time.Hour)
	past := now.Add(-time.Hour)
	testutil.CreateSecurity(t, db, "FUTURE", testutil.SecurityOptions{LastUpdated: &future, Active: true})
	testutil.CreateSecurity(t, db, "PAST", testutil.SecurityOptions{LastUpdated: &past, Active: true})

	found, err := repo.FindFutureLastUpdated(now)
	if err != nil {
		t.Fatalf("FindFutureLastUpdated failed: %v", err)
	}
	if len(found) != 1 || found[0] != "FUTURE" {
		t.Fatalf("Expected [FUTURE], got %v", found)
	}

	repaired, err := repo.ClampFutureLastUpdated(context.Background(), now)
	if err != nil {
		t.Fatalf("ClampFutureLastUpdated failed: %v", err)
	}
	if repaired != 1 {
		t.Errorf("Expected 1 repaired row, got %d", repaired)
	}

	found, err = repo.FindFutureLastUpdated(now)
	if err != nil {
		t.Fatalf("FindFutureLastUpdated failed: %v", err)
	}
	if len(found) != 0 {
		t.Errorf("Expected no future timestamps after repair, got %v", found)
	}
}

func TestFindActiveWithoutHistory(t *testing.T) {
	db := testutil.SetupTestDB(t)
	repo := repository.NewSecurityRepository(db)

	testutil.CreateActiveSecurity(t, db, "COVERED")
	testutil.CreateActiveSecurity(t, db, "BARE")
	testutil.CreateHistoryRow(t, db, "COVERED", time.Now().UTC(), 100.0)

	tickers, err := repo.FindActiveWithoutHistory()
	if err != nil {
		t.Fatalf("FindActiveWithoutHistory failed: %v", err)
	}
	if len(tickers) != 1 || tickers[0] != "BARE" {
		t.Errorf("Expected [BARE], got %v", tickers)
	}
}
