package model

import "time"

// Account represents a user account holding positions across asset classes.
// Balance, CostBasis, GainLoss, GainLossPct and PositionsCount are derived
// fields written exclusively by the portfolio calculator.
type Account struct {
	ID             int64      `json:"id"`
	UserID         string     `json:"userId"`
	Name           string     `json:"name"`
	Institution    string     `json:"institution"`
	Type           string     `json:"type"`
	Category       string     `json:"category"`
	Balance        float64    `json:"balance"`
	CostBasis      float64    `json:"costBasis"`
	GainLoss       float64    `json:"gainLoss"`
	GainLossPct    float64    `json:"gainLossPct"`
	PositionsCount int        `json:"positionsCount"`
	UpdatedAt      *time.Time `json:"updatedAt,omitempty"`
}

// AccountTotals holds the aggregation result for a single account before it
// is written back to the account row.
type AccountTotals struct {
	AccountID      int64
	Balance        float64
	CostBasis      float64
	GainLoss       float64
	GainLossPct    float64
	PositionsCount int
}

// UserTotals holds the aggregation result across all accounts of one user.
type UserTotals struct {
	UserID        string  `json:"userId"`
	TotalValue    float64 `json:"totalValue"`
	CostBasis     float64 `json:"costBasis"`
	GainLoss      float64 `json:"gainLoss"`
	GainLossPct   float64 `json:"gainLossPct"`
	AccountsCount int     `json:"accountsCount"`
}
