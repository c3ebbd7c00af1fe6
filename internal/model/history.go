package model

import "time"

// PriceHistoryPoint represents one daily close for a ticker.
// Rows are unique on (ticker, date); repeated updates within a day overwrite.
type PriceHistoryPoint struct {
	ID             string     `json:"id"`
	Ticker         string     `json:"ticker"`
	Date           time.Time  `json:"date"`
	Close          float64    `json:"close"`
	DayOpen        *float64   `json:"dayOpen,omitempty"`
	DayHigh        *float64   `json:"dayHigh,omitempty"`
	DayLow         *float64   `json:"dayLow,omitempty"`
	Volume         *int64     `json:"volume,omitempty"`
	Timestamp      time.Time  `json:"timestamp"` // write time
	PriceTimestamp *time.Time `json:"priceTimestamp,omitempty"`
	Source         string     `json:"source"`
}

// PortfolioHistoryPoint represents the once-daily snapshot of one user's
// aggregate portfolio value. Rows are unique on (user_id, date).
type PortfolioHistoryPoint struct {
	ID            string    `json:"id"`
	UserID        string    `json:"userId"`
	Date          time.Time `json:"date"`
	TotalValue    float64   `json:"totalValue"`
	CostBasis     float64   `json:"costBasis"`
	GainLoss      float64   `json:"gainLoss"`
	GainLossPct   float64   `json:"gainLossPct"`
	AccountsCount int       `json:"accountsCount"`
}

// PerformancePeriod is a named lookback window for performance queries.
type PerformancePeriod string

// Supported performance periods.
const (
	Period1W  PerformancePeriod = "1w"
	Period1M  PerformancePeriod = "1m"
	Period3M  PerformancePeriod = "3m"
	Period6M  PerformancePeriod = "6m"
	Period1Y  PerformancePeriod = "1y"
	PeriodYTD PerformancePeriod = "ytd"
	PeriodMax PerformancePeriod = "max"
)

// PerformanceResult is the read-only answer to a performance query.
type PerformanceResult struct {
	UserID       string                  `json:"userId"`
	Period       PerformancePeriod       `json:"period"`
	StartValue   float64                 `json:"startValue"`
	CurrentValue float64                 `json:"currentValue"`
	Change       float64                 `json:"change"`
	ChangePct    float64                 `json:"changePct"`
	Series       []PortfolioHistoryPoint `json:"series"`
}
