// Package marketdata provides interchangeable market-data provider adapters
// behind a uniform Source interface, plus the Manager that routes requests
// across sources with reliability scoring, daily-limit gating and fallback.
package marketdata

import (
	"context"
	"errors"
	"time"
)

// Symbolic source names. These are persisted in data_source / metrics_source
// columns and must stay stable.
const (
	SourceYahooChart   = "yahoo_finance"
	SourceYahooSummary = "yahoo_summary"
	SourcePolygon      = "polygon"
	SourceAlphaVantage = "alphavantage"
)

// ErrUnsupportedOperation indicates a source does not implement a given data
// type. The manager skips the source without penalizing its reliability.
var ErrUnsupportedOperation = errors.New("operation not supported by source")

// DataType identifies one capability of the Source interface for routing.
type DataType string

// Routable data types.
const (
	DataCurrentPrice     DataType = "current_price"
	DataBatchPrices      DataType = "batch_prices"
	DataCompanyMetrics   DataType = "company_metrics"
	DataHistoricalPrices DataType = "historical_prices"
)

// PriceQuote is a single current-price observation from a provider.
type PriceQuote struct {
	Ticker     string
	Price      float64
	DayOpen    *float64
	DayHigh    *float64
	DayLow     *float64
	Volume     *int64
	Timestamp  time.Time // provider-reported
	Source     string
	AssetClass string // optional hint, e.g. "stocks"
}

// Metrics is the superset of security attributes a provider may expose.
// Missing fields are nil, never zero.
type Metrics struct {
	Name             *string
	Sector           *string
	Industry         *string
	MarketCap        *float64
	CurrentPrice     *float64
	PreviousClose    *float64
	DayOpen          *float64
	DayHigh          *float64
	DayLow           *float64
	Volume           *int64
	AverageVolume    *int64
	FiftyTwoWeekLow  *float64
	FiftyTwoWeekHigh *float64
	PERatio          *float64
	ForwardPE        *float64
	EPS              *float64
	ForwardEPS       *float64
	DividendRate     *float64
	DividendYield    *float64
	Beta             *float64
	Source           string
}

// PopulatedFields counts non-nil attributes, used to reject near-empty
// provider answers.
func (m *Metrics) PopulatedFields() int {
	count := 0
	fields := []bool{
		m.Name != nil, m.Sector != nil, m.Industry != nil, m.MarketCap != nil,
		m.CurrentPrice != nil, m.PreviousClose != nil, m.DayOpen != nil,
		m.DayHigh != nil, m.DayLow != nil, m.Volume != nil,
		m.AverageVolume != nil, m.FiftyTwoWeekLow != nil,
		m.FiftyTwoWeekHigh != nil, m.PERatio != nil, m.ForwardPE != nil,
		m.EPS != nil, m.ForwardEPS != nil, m.DividendRate != nil,
		m.DividendYield != nil, m.Beta != nil,
	}
	for _, set := range fields {
		if set {
			count++
		}
	}
	return count
}

// HistoryBar is one daily bar returned by a historical-prices query.
type HistoryBar struct {
	Date           time.Time
	Close          float64
	Open           *float64
	High           *float64
	Low            *float64
	Volume         *int64
	PriceTimestamp *time.Time
	Source         string
}

// Source is the capability set every provider adapter implements.
// Adapters signal an authoritative per-ticker absence with
// apperrors.ErrTickerNotFound; technical failures are any other error.
type Source interface {
	// Name returns the symbolic source name.
	Name() string

	// DailyCallLimit returns the provider's daily request quota, if any.
	DailyCallLimit() (int, bool)

	// CurrentPrice returns the latest quote for one ticker.
	CurrentPrice(ctx context.Context, ticker string) (*PriceQuote, error)

	// BatchPrices returns quotes for as many of the given tickers as the
	// provider can serve. Missing tickers are simply absent from the map.
	BatchPrices(ctx context.Context, tickers []string) (map[string]PriceQuote, error)

	// CompanyMetrics returns reference metrics for one ticker.
	CompanyMetrics(ctx context.Context, ticker string) (*Metrics, error)

	// HistoricalPrices returns daily bars for [start, end], oldest first.
	HistoricalPrices(ctx context.Context, ticker string, start, end time.Time) ([]HistoryBar, error)

	// BatchHistoricalPrices returns daily bars for several tickers.
	BatchHistoricalPrices(ctx context.Context, tickers []string, start, end time.Time) (map[string][]HistoryBar, error)
}
