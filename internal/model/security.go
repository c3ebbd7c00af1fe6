package model

import (
	"fmt"
	"strings"
	"time"
)

// Security represents a single security in the reference-data store.
// The ticker is the primary key and is always stored uppercase-normalized.
// Nullable columns are pointers; absent means the value was never reported
// by any data source.
type Security struct {
	Ticker            string     `json:"ticker"`
	Name              *string    `json:"name,omitempty"`
	Sector            *string    `json:"sector,omitempty"`
	Industry          *string    `json:"industry,omitempty"`
	MarketCap         *float64   `json:"marketCap,omitempty"`
	CurrentPrice      *float64   `json:"currentPrice,omitempty"`
	PreviousClose     *float64   `json:"previousClose,omitempty"`
	DayOpen           *float64   `json:"dayOpen,omitempty"`
	DayHigh           *float64   `json:"dayHigh,omitempty"`
	DayLow            *float64   `json:"dayLow,omitempty"`
	Volume            *int64     `json:"volume,omitempty"`
	AverageVolume     *int64     `json:"averageVolume,omitempty"`
	FiftyTwoWeekLow   *float64   `json:"fiftyTwoWeekLow,omitempty"`
	FiftyTwoWeekHigh  *float64   `json:"fiftyTwoWeekHigh,omitempty"`
	FiftyTwoWeekRange *string    `json:"fiftyTwoWeekRange,omitempty"`
	PERatio           *float64   `json:"peRatio,omitempty"`
	ForwardPE         *float64   `json:"forwardPE,omitempty"`
	EPS               *float64   `json:"eps,omitempty"`
	ForwardEPS        *float64   `json:"forwardEps,omitempty"`
	DividendRate      *float64   `json:"dividendRate,omitempty"`
	DividendYield     *float64   `json:"dividendYield,omitempty"`
	Beta              *float64   `json:"beta,omitempty"`
	LastUpdated       *time.Time `json:"lastUpdated,omitempty"`
	LastMetricsUpdate *time.Time `json:"lastMetricsUpdate,omitempty"`
	LastBackfilled    *time.Time `json:"lastBackfilled,omitempty"`
	PriceTimestamp    *time.Time `json:"priceTimestamp,omitempty"`
	DataSource        *string    `json:"dataSource,omitempty"`
	MetricsSource     *string    `json:"metricsSource,omitempty"`
	OnYFinance        bool       `json:"onYfinance"`
	OnPolygon         bool       `json:"onPolygon"`
	Active            bool       `json:"active"`
	AVAddedSecurity   bool       `json:"avAddedSecurity"`
	AVExchange        *string    `json:"avExchange,omitempty"`
	AVAssetType       *string    `json:"avAssetType,omitempty"`
	AVIPODate         *time.Time `json:"avIpoDate,omitempty"`
	AVName            *string    `json:"avName,omitempty"`
}

// NormalizeTicker canonicalizes a raw ticker for storage and lookups.
func NormalizeTicker(t string) string {
	return strings.ToUpper(strings.TrimSpace(t))
}

// FormatFiftyTwoWeekRange derives the "low-high" range string when both
// endpoints are known.
func FormatFiftyTwoWeekRange(low, high *float64) *string {
	if low == nil || high == nil {
		return nil
	}
	r := fmt.Sprintf("%.2f-%.2f", *low, *high)
	return &r
}
