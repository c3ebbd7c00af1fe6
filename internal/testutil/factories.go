package testutil

import (
	"database/sql"
	"testing"
	"time"

	"github.com/google/uuid"
)

// MakeID returns a fresh UUID string for test rows.
func MakeID() string {
	return uuid.New().String()
}

// CreateUser inserts a user row and returns its ID.
func CreateUser(t *testing.T, db *sql.DB, email string) string {
	t.Helper()
	id := MakeID()
	_, err := db.Exec(`INSERT INTO users (id, email) VALUES (?, ?)`, id, email)
	if err != nil {
		t.Fatalf("Failed to create test user: %v", err)
	}
	return id
}

// CreateAccount inserts an account row for a user and returns its ID.
func CreateAccount(t *testing.T, db *sql.DB, userID, name string) int64 {
	t.Helper()
	result, err := db.Exec(
		`INSERT INTO accounts (user_id, name, institution, type, category) VALUES (?, ?, 'Test Bank', 'brokerage', 'investment')`,
		userID, name)
	if err != nil {
		t.Fatalf("Failed to create test account: %v", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		t.Fatalf("Failed to get account id: %v", err)
	}
	return id
}

// SecurityOptions customizes a test security row.
type SecurityOptions struct {
	CurrentPrice *float64
	LastUpdated  *time.Time
	OnYFinance   bool
	OnPolygon    bool
	Active       bool
}

// CreateSecurity inserts a security row with availability flags set.
func CreateSecurity(t *testing.T, db *sql.DB, ticker string, opts SecurityOptions) {
	t.Helper()
	var lastUpdated any
	if opts.LastUpdated != nil {
		lastUpdated = opts.LastUpdated.UTC().Format(time.RFC3339)
	}
	var price any
	if opts.CurrentPrice != nil {
		price = *opts.CurrentPrice
	}
	_, err := db.Exec(
		`INSERT INTO securities (ticker, current_price, last_updated, on_yfinance, on_polygon, active) VALUES (?, ?, ?, ?, ?, ?)`,
		ticker, price, lastUpdated, opts.OnYFinance, opts.OnPolygon, opts.Active)
	if err != nil {
		t.Fatalf("Failed to create test security: %v", err)
	}
}

// CreateActiveSecurity inserts a security available on both price sources.
func CreateActiveSecurity(t *testing.T, db *sql.DB, ticker string) {
	t.Helper()
	CreateSecurity(t, db, ticker, SecurityOptions{OnYFinance: true, OnPolygon: true, Active: true})
}

// CreatePosition inserts a securities position and returns its ID.
func CreatePosition(t *testing.T, db *sql.DB, accountID int64, ticker string, shares, price float64, costBasis *float64) int64 {
	t.Helper()
	var cb any
	if costBasis != nil {
		cb = *costBasis
	}
	result, err := db.Exec(
		`INSERT INTO positions (account_id, ticker, shares, price, cost_basis) VALUES (?, ?, ?, ?, ?)`,
		accountID, ticker, shares, price, cb)
	if err != nil {
		t.Fatalf("Failed to create test position: %v", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		t.Fatalf("Failed to get position id: %v", err)
	}
	return id
}

// CreateCryptoPosition inserts a crypto position.
func CreateCryptoPosition(t *testing.T, db *sql.DB, accountID int64, symbol string, quantity, purchasePrice float64, currentPrice *float64) {
	t.Helper()
	var cp any
	if currentPrice != nil {
		cp = *currentPrice
	}
	_, err := db.Exec(
		`INSERT INTO crypto_positions (account_id, symbol, quantity, purchase_price, current_price) VALUES (?, ?, ?, ?, ?)`,
		accountID, symbol, quantity, purchasePrice, cp)
	if err != nil {
		t.Fatalf("Failed to create test crypto position: %v", err)
	}
}

// CreateCashPosition inserts a cash position.
func CreateCashPosition(t *testing.T, db *sql.DB, accountID int64, name string, amount float64) {
	t.Helper()
	_, err := db.Exec(
		`INSERT INTO cash_positions (account_id, name, amount) VALUES (?, ?, ?)`,
		accountID, name, amount)
	if err != nil {
		t.Fatalf("Failed to create test cash position: %v", err)
	}
}

// CreateRealEstatePosition inserts a real-estate position.
func CreateRealEstatePosition(t *testing.T, db *sql.DB, accountID int64, name string, purchasePrice float64, estimatedValue *float64) {
	t.Helper()
	var ev any
	if estimatedValue != nil {
		ev = *estimatedValue
	}
	_, err := db.Exec(
		`INSERT INTO real_estate_positions (account_id, name, purchase_price, estimated_value) VALUES (?, ?, ?, ?)`,
		accountID, name, purchasePrice, ev)
	if err != nil {
		t.Fatalf("Failed to create test real estate position: %v", err)
	}
}

// CreateMetalPosition inserts a precious-metal position.
func CreateMetalPosition(t *testing.T, db *sql.DB, accountID int64, metal string, quantity, purchasePrice float64) {
	t.Helper()
	_, err := db.Exec(
		`INSERT INTO metal_positions (account_id, metal, quantity, purchase_price) VALUES (?, ?, ?, ?)`,
		accountID, metal, quantity, purchasePrice)
	if err != nil {
		t.Fatalf("Failed to create test metal position: %v", err)
	}
}

// CreateHistoryRow inserts one price_history row.
func CreateHistoryRow(t *testing.T, db *sql.DB, ticker string, date time.Time, close float64) {
	t.Helper()
	_, err := db.Exec(
		`INSERT INTO price_history (id, ticker, date, close, timestamp, source) VALUES (?, ?, ?, ?, ?, 'yahoo_finance')`,
		MakeID(), ticker, date.UTC().Format("2006-01-02"), close, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		t.Fatalf("Failed to create test history row: %v", err)
	}
}

// Float returns a pointer to a float64 literal.
func Float(v float64) *float64 { return &v }
