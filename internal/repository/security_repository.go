package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/finbase/marketsync/internal/apperrors"
	"github.com/finbase/marketsync/internal/marketdata"
	"github.com/finbase/marketsync/internal/model"
)

// securityColumns is the full select list for the securities table, kept in
// one place so every reader scans the same shape.
const securityColumns = `
	ticker, name, sector, industry, market_cap, current_price, previous_close,
	day_open, day_high, day_low, volume, average_volume,
	fifty_two_week_low, fifty_two_week_high, fifty_two_week_range,
	pe_ratio, forward_pe, eps, forward_eps, dividend_rate, dividend_yield, beta,
	last_updated, last_metrics_update, last_backfilled, price_timestamp,
	data_source, metrics_source, on_yfinance, on_polygon, active,
	av_added_security, av_exchange, av_asset_type, av_ipo_date, av_name`

// metricsColumnWidths caps string metric values at their column widths.
// Longer values are truncated by the updater before they reach the driver.
var metricsColumnWidths = map[string]int{
	"name":     200,
	"sector":   100,
	"industry": 100,
}

// metricsColumns whitelists the columns a metrics update may touch.
var metricsColumns = map[string]bool{
	"name": true, "sector": true, "industry": true, "market_cap": true,
	"current_price": true, "previous_close": true, "day_open": true,
	"day_high": true, "day_low": true, "volume": true, "average_volume": true,
	"fifty_two_week_low": true, "fifty_two_week_high": true,
	"fifty_two_week_range": true, "pe_ratio": true, "forward_pe": true,
	"eps": true, "forward_eps": true, "dividend_rate": true,
	"dividend_yield": true, "beta": true,
}

// MetricsColumnWidth returns the declared width of a string metrics column,
// or 0 when the column is unconstrained.
func MetricsColumnWidth(column string) int {
	return metricsColumnWidths[column]
}

// PriceCandidate is the slim row used to build price-update queues.
type PriceCandidate struct {
	Ticker     string
	OnYFinance bool
	OnPolygon  bool
}

// SecurityRepository provides data access methods for the securities table.
type SecurityRepository struct {
	db *sql.DB
}

// NewSecurityRepository creates a new SecurityRepository with the provided
// database connection.
func NewSecurityRepository(db *sql.DB) *SecurityRepository {
	return &SecurityRepository{db: db}
}

// GetSecurity retrieves one security by ticker.
func (r *SecurityRepository) GetSecurity(ticker string) (model.Security, error) {
	query := `SELECT ` + securityColumns + ` FROM securities WHERE ticker = ?`

	row := r.db.QueryRow(query, model.NormalizeTicker(ticker))
	sec, err := scanSecurity(row)
	if err == sql.ErrNoRows {
		return model.Security{}, apperrors.ErrSecurityNotFound
	}
	if err != nil {
		return model.Security{}, fmt.Errorf("failed to query securities table: %w", err)
	}
	return sec, nil
}

// InsertSecurity creates a new security row. Only the ticker is required;
// availability flags default to true and active to true.
func (r *SecurityRepository) InsertSecurity(ctx context.Context, ticker string) error {
	query := `INSERT INTO securities (ticker) VALUES (?)`
	if _, err := r.db.ExecContext(ctx, query, model.NormalizeTicker(ticker)); err != nil {
		return fmt.Errorf("failed to insert security: %w", err)
	}
	return nil
}

// GetPriceCandidates returns every active security with at least one
// source marked available, for building the full price-update queues.
func (r *SecurityRepository) GetPriceCandidates() ([]PriceCandidate, error) {
	query := `
		SELECT ticker, on_yfinance, on_polygon
		FROM securities
		WHERE active = TRUE AND (on_yfinance = TRUE OR on_polygon = TRUE)
		ORDER BY ticker ASC
	`
	rows, err := r.db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("failed to query price candidates: %w", err)
	}
	defer rows.Close()

	candidates := []PriceCandidate{}
	for rows.Next() {
		var c PriceCandidate
		if err := rows.Scan(&c.Ticker, &c.OnYFinance, &c.OnPolygon); err != nil {
			return nil, fmt.Errorf("failed to scan price candidate: %w", err)
		}
		candidates = append(candidates, c)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating price candidates: %w", err)
	}
	return candidates, nil
}

// GetStalePriceTickers returns active tickers whose price is older than
// the cutoff (or never updated), oldest first, capped at limit.
func (r *SecurityRepository) GetStalePriceTickers(olderThan time.Time, limit int) ([]string, error) {
	query := `
		SELECT ticker
		FROM securities
		WHERE active = TRUE
		AND (on_yfinance = TRUE OR on_polygon = TRUE)
		AND (last_updated IS NULL OR last_updated < ?)
		ORDER BY last_updated IS NOT NULL, last_updated ASC
		LIMIT ?
	`
	return r.queryTickers(query, FormatTime(olderThan), limit)
}

// GetStaleMetricsTickers returns active tickers whose metrics are older
// than the cutoff (or never fetched), oldest first, capped at limit.
func (r *SecurityRepository) GetStaleMetricsTickers(olderThan time.Time, limit int) ([]string, error) {
	query := `
		SELECT ticker
		FROM securities
		WHERE active = TRUE
		AND on_yfinance = TRUE
		AND (last_metrics_update IS NULL OR last_metrics_update < ?)
		ORDER BY last_metrics_update IS NOT NULL, last_metrics_update ASC
		LIMIT ?
	`
	return r.queryTickers(query, FormatTime(olderThan), limit)
}

// GetActiveTickers returns every active ticker.
func (r *SecurityRepository) GetActiveTickers() ([]string, error) {
	query := `SELECT ticker FROM securities WHERE active = TRUE ORDER BY ticker ASC`
	rows, err := r.db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("failed to query active tickers: %w", err)
	}
	defer rows.Close()
	return collectTickers(rows)
}

func (r *SecurityRepository) queryTickers(query string, args ...any) ([]string, error) {
	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query tickers: %w", err)
	}
	defer rows.Close()
	return collectTickers(rows)
}

func collectTickers(rows *sql.Rows) ([]string, error) {
	tickers := []string{}
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, fmt.Errorf("failed to scan ticker: %w", err)
		}
		tickers = append(tickers, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tickers: %w", err)
	}
	return tickers, nil
}

// UpdatePrice writes a successful price observation: current price,
// last_updated, provider timestamp and writing source. The availability
// flag of the writing source is set true at the same time.
func (r *SecurityRepository) UpdatePrice(ctx context.Context, ticker string, price float64, priceTS time.Time, source string, now time.Time) error {
	var flagClause string
	switch source {
	case marketdata.SourcePolygon:
		flagClause = ", on_polygon = TRUE"
	case marketdata.SourceYahooChart:
		flagClause = ", on_yfinance = TRUE"
	}

	//#nosec G202 -- Safe: flagClause is selected from fixed strings above.
	query := `
		UPDATE securities
		SET current_price = ?, last_updated = ?, price_timestamp = ?, data_source = ?` + flagClause + `
		WHERE ticker = ?
	`
	result, err := r.db.ExecContext(ctx, query,
		price, FormatTime(now), FormatTime(priceTS), source, model.NormalizeTicker(ticker))
	if err != nil {
		return fmt.Errorf("failed to update security price: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return apperrors.ErrSecurityNotFound
	}
	return nil
}

// SetPolygonAvailability flips the on_polygon flag for a ticker.
func (r *SecurityRepository) SetPolygonAvailability(ctx context.Context, ticker string, available bool) error {
	query := `UPDATE securities SET on_polygon = ? WHERE ticker = ?`
	if _, err := r.db.ExecContext(ctx, query, available, model.NormalizeTicker(ticker)); err != nil {
		return fmt.Errorf("failed to set polygon availability: %w", err)
	}
	return nil
}

// SetYahooAvailability flips the on_yfinance flag for a ticker.
func (r *SecurityRepository) SetYahooAvailability(ctx context.Context, ticker string, available bool) error {
	query := `UPDATE securities SET on_yfinance = ? WHERE ticker = ?`
	if _, err := r.db.ExecContext(ctx, query, available, model.NormalizeTicker(ticker)); err != nil {
		return fmt.Errorf("failed to set yahoo availability: %w", err)
	}
	return nil
}

// UpdateMetrics writes the populated metric columns for a ticker, along
// with metrics_source and last_metrics_update. Column names are checked
// against the whitelist; unknown columns are rejected.
func (r *SecurityRepository) UpdateMetrics(ctx context.Context, ticker string, columns map[string]any, source string, now time.Time) error {
	setClauses := make([]string, 0, len(columns)+2)
	args := make([]any, 0, len(columns)+3)
	for col, val := range columns {
		if !metricsColumns[col] {
			return fmt.Errorf("metrics column %q not allowed", col)
		}
		setClauses = append(setClauses, col+" = ?")
		args = append(args, val)
	}
	setClauses = append(setClauses, "metrics_source = ?", "last_metrics_update = ?")
	args = append(args, source, FormatTime(now), model.NormalizeTicker(ticker))

	//#nosec G202 -- Safe: column names are validated against the whitelist above.
	query := `UPDATE securities SET ` + strings.Join(setClauses, ", ") + ` WHERE ticker = ?`
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update security metrics: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return apperrors.ErrSecurityNotFound
	}
	return nil
}

// MarkMetricsNotFound records an authoritative metrics absence: the Yahoo
// availability flag is cleared and the metrics clock still advances so the
// ticker is not retried every cycle.
func (r *SecurityRepository) MarkMetricsNotFound(ctx context.Context, ticker string, now time.Time) error {
	query := `UPDATE securities SET on_yfinance = FALSE, last_metrics_update = ? WHERE ticker = ?`
	if _, err := r.db.ExecContext(ctx, query, FormatTime(now), model.NormalizeTicker(ticker)); err != nil {
		return fmt.Errorf("failed to mark metrics not found: %w", err)
	}
	return nil
}

// SetLastBackfilled stamps a successful historical backfill.
func (r *SecurityRepository) SetLastBackfilled(ctx context.Context, ticker string, now time.Time) error {
	query := `UPDATE securities SET last_backfilled = ? WHERE ticker = ?`
	if _, err := r.db.ExecContext(ctx, query, FormatTime(now), model.NormalizeTicker(ticker)); err != nil {
		return fmt.Errorf("failed to set last_backfilled: %w", err)
	}
	return nil
}

// UpsertListing inserts a universe-sync row for a new symbol, or fills the
// av_* reference columns of an existing row without overwriting non-null
// values.
func (r *SecurityRepository) UpsertListing(ctx context.Context, symbol, name, exchange, assetType string, ipoDate *time.Time) error {
	ticker := model.NormalizeTicker(symbol)

	insert := `
		INSERT INTO securities (ticker, av_added_security, av_exchange, av_asset_type, av_ipo_date, av_name)
		VALUES (?, TRUE, ?, ?, ?, ?)
		ON CONFLICT (ticker) DO UPDATE SET
			av_exchange = COALESCE(av_exchange, excluded.av_exchange),
			av_asset_type = COALESCE(av_asset_type, excluded.av_asset_type),
			av_ipo_date = COALESCE(av_ipo_date, excluded.av_ipo_date),
			av_name = COALESCE(av_name, excluded.av_name)
	`
	var ipo any
	if ipoDate != nil {
		ipo = FormatDate(*ipoDate)
	}
	// Blank CSV fields become NULL so a later sync can still fill them
	// through the COALESCE.
	optional := func(s string) *string {
		s = strings.TrimSpace(s)
		if s == "" {
			return nil
		}
		return &s
	}
	if _, err := r.db.ExecContext(ctx, insert, ticker,
		nullString(optional(exchange)), nullString(optional(assetType)), ipo, nullString(optional(name))); err != nil {
		return fmt.Errorf("failed to upsert listing for %s: %w", ticker, err)
	}
	return nil
}

// SetCurrentPrice overwrites the current price directly. Used by the
// consistency monitor's repair path.
func (r *SecurityRepository) SetCurrentPrice(ctx context.Context, ticker string, price float64, source string, now time.Time) error {
	query := `UPDATE securities SET current_price = ?, last_updated = ?, data_source = ? WHERE ticker = ?`
	if _, err := r.db.ExecContext(ctx, query, price, FormatTime(now), source, model.NormalizeTicker(ticker)); err != nil {
		return fmt.Errorf("failed to set current price: %w", err)
	}
	return nil
}

// FindInvalidPrices returns tickers whose current price violates the
// finite-positive-bounded invariant. SQLite stores NaN as NULL, so a NULL
// price on an active, previously-updated security is included too.
func (r *SecurityRepository) FindInvalidPrices() ([]string, error) {
	query := `
		SELECT ticker
		FROM securities
		WHERE (current_price IS NOT NULL AND (current_price <= 0 OR current_price > 1e6))
		OR (current_price IS NULL AND last_updated IS NOT NULL)
		ORDER BY ticker ASC
	`
	return r.queryTickers(query)
}

// FindFutureLastUpdated returns tickers whose last_updated lies in the
// future.
func (r *SecurityRepository) FindFutureLastUpdated(now time.Time) ([]string, error) {
	query := `SELECT ticker FROM securities WHERE last_updated > ? ORDER BY ticker ASC`
	return r.queryTickers(query, FormatTime(now))
}

// ClampFutureLastUpdated rewrites future last_updated stamps to now and
// returns the number of repaired rows.
func (r *SecurityRepository) ClampFutureLastUpdated(ctx context.Context, now time.Time) (int64, error) {
	query := `UPDATE securities SET last_updated = ? WHERE last_updated > ?`
	result, err := r.db.ExecContext(ctx, query, FormatTime(now), FormatTime(now))
	if err != nil {
		return 0, fmt.Errorf("failed to clamp future timestamps: %w", err)
	}
	return result.RowsAffected()
}

// FindActiveWithoutHistory returns active tickers with no price history.
func (r *SecurityRepository) FindActiveWithoutHistory() ([]string, error) {
	query := `
		SELECT s.ticker
		FROM securities s
		LEFT JOIN price_history ph ON ph.ticker = s.ticker
		WHERE s.active = TRUE
		GROUP BY s.ticker
		HAVING COUNT(ph.id) = 0
		ORDER BY s.ticker ASC
	`
	return r.queryTickers(query)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSecurity(row rowScanner) (model.Security, error) {
	var s model.Security
	var name, sector, industry, rangeStr, dataSource, metricsSource sql.NullString
	var avExchange, avAssetType, avName sql.NullString
	var marketCap, currentPrice, prevClose, dayOpen, dayHigh, dayLow sql.NullFloat64
	var ftwLow, ftwHigh, pe, fwdPE, eps, fwdEPS, divRate, divYield, beta sql.NullFloat64
	var volume, avgVolume sql.NullInt64
	var lastUpdated, lastMetrics, lastBackfilled, priceTS, avIPO sql.NullString

	err := row.Scan(
		&s.Ticker, &name, &sector, &industry, &marketCap, &currentPrice, &prevClose,
		&dayOpen, &dayHigh, &dayLow, &volume, &avgVolume,
		&ftwLow, &ftwHigh, &rangeStr,
		&pe, &fwdPE, &eps, &fwdEPS, &divRate, &divYield, &beta,
		&lastUpdated, &lastMetrics, &lastBackfilled, &priceTS,
		&dataSource, &metricsSource, &s.OnYFinance, &s.OnPolygon, &s.Active,
		&s.AVAddedSecurity, &avExchange, &avAssetType, &avIPO, &avName,
	)
	if err != nil {
		return model.Security{}, err
	}

	s.Name = stringPtr(name)
	s.Sector = stringPtr(sector)
	s.Industry = stringPtr(industry)
	s.MarketCap = floatPtr(marketCap)
	s.CurrentPrice = floatPtr(currentPrice)
	s.PreviousClose = floatPtr(prevClose)
	s.DayOpen = floatPtr(dayOpen)
	s.DayHigh = floatPtr(dayHigh)
	s.DayLow = floatPtr(dayLow)
	s.Volume = intPtr(volume)
	s.AverageVolume = intPtr(avgVolume)
	s.FiftyTwoWeekLow = floatPtr(ftwLow)
	s.FiftyTwoWeekHigh = floatPtr(ftwHigh)
	s.FiftyTwoWeekRange = stringPtr(rangeStr)
	s.PERatio = floatPtr(pe)
	s.ForwardPE = floatPtr(fwdPE)
	s.EPS = floatPtr(eps)
	s.ForwardEPS = floatPtr(fwdEPS)
	s.DividendRate = floatPtr(divRate)
	s.DividendYield = floatPtr(divYield)
	s.Beta = floatPtr(beta)
	s.DataSource = stringPtr(dataSource)
	s.MetricsSource = stringPtr(metricsSource)
	s.AVExchange = stringPtr(avExchange)
	s.AVAssetType = stringPtr(avAssetType)
	s.AVName = stringPtr(avName)

	for _, pair := range []struct {
		src  sql.NullString
		dest **time.Time
	}{
		{lastUpdated, &s.LastUpdated},
		{lastMetrics, &s.LastMetricsUpdate},
		{lastBackfilled, &s.LastBackfilled},
		{priceTS, &s.PriceTimestamp},
		{avIPO, &s.AVIPODate},
	} {
		t, err := scanNullTime(pair.src)
		if err != nil {
			return model.Security{}, fmt.Errorf("failed to parse date: %w", err)
		}
		*pair.dest = t
	}

	return s, nil
}
