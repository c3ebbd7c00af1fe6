package model

import "time"

// Position represents a securities holding within an account.
// Positions are written by the user-facing API and are read-only to the
// valuation engine.
type Position struct {
	ID           int64      `json:"id"`
	AccountID    int64      `json:"accountId"`
	Ticker       string     `json:"ticker"`
	Shares       float64    `json:"shares"`
	Price        float64    `json:"price"`     // last known, may be stale
	CostBasis    *float64   `json:"costBasis"` // per share, nil falls back to price
	PurchaseDate *time.Time `json:"purchaseDate,omitempty"`
	Date         *time.Time `json:"date,omitempty"`
}

// CryptoPosition represents a cryptocurrency holding within an account.
type CryptoPosition struct {
	ID            int64    `json:"id"`
	AccountID     int64    `json:"accountId"`
	Symbol        string   `json:"symbol"`
	Quantity      float64  `json:"quantity"`
	PurchasePrice float64  `json:"purchasePrice"`
	CurrentPrice  *float64 `json:"currentPrice,omitempty"`
}

// MetalPosition represents a precious-metal holding within an account.
// CurrentPricePerUnit is nil until a spot-price source is wired in; the
// calculator falls back to the purchase price.
type MetalPosition struct {
	ID                  int64    `json:"id"`
	AccountID           int64    `json:"accountId"`
	Metal               string   `json:"metal"`
	Quantity            float64  `json:"quantity"`
	PurchasePrice       float64  `json:"purchasePrice"`
	CurrentPricePerUnit *float64 `json:"currentPricePerUnit,omitempty"`
}

// RealEstatePosition represents a real-estate holding within an account.
type RealEstatePosition struct {
	ID             int64    `json:"id"`
	AccountID      int64    `json:"accountId"`
	Name           string   `json:"name"`
	PurchasePrice  float64  `json:"purchasePrice"`
	EstimatedValue *float64 `json:"estimatedValue,omitempty"`
}

// CashPosition represents a cash balance within an account.
type CashPosition struct {
	ID             int64    `json:"id"`
	AccountID      int64    `json:"accountId"`
	Name           string   `json:"name"`
	Amount         float64  `json:"amount"`
	InterestRate   *float64 `json:"interestRate,omitempty"`
	InterestPeriod *string  `json:"interestPeriod,omitempty"`
}
