package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/finbase/marketsync/internal/apperrors"
	"github.com/finbase/marketsync/internal/model"
)

// AccountRepository provides data access methods for accounts and the five
// position tables. Positions are written elsewhere; this repository only
// reads them and writes back derived account totals.
type AccountRepository struct {
	db *sql.DB
}

// NewAccountRepository creates a new AccountRepository with the provided
// database connection.
func NewAccountRepository(db *sql.DB) *AccountRepository {
	return &AccountRepository{db: db}
}

// GetAccount retrieves one account by ID.
func (r *AccountRepository) GetAccount(id int64) (model.Account, error) {
	query := `
		SELECT id, user_id, name, institution, type, category,
			balance, cost_basis, gain_loss, gain_loss_pct, positions_count, updated_at
		FROM accounts WHERE id = ?
	`
	var a model.Account
	var institution, accType, category sql.NullString
	var updatedAt sql.NullString
	err := r.db.QueryRow(query, id).Scan(
		&a.ID, &a.UserID, &a.Name, &institution, &accType, &category,
		&a.Balance, &a.CostBasis, &a.GainLoss, &a.GainLossPct, &a.PositionsCount, &updatedAt)
	if err == sql.ErrNoRows {
		return model.Account{}, apperrors.ErrAccountNotFound
	}
	if err != nil {
		return model.Account{}, fmt.Errorf("failed to query account: %w", err)
	}
	if institution.Valid {
		a.Institution = institution.String
	}
	if accType.Valid {
		a.Type = accType.String
	}
	if category.Valid {
		a.Category = category.String
	}
	if a.UpdatedAt, err = scanNullTime(updatedAt); err != nil {
		return model.Account{}, fmt.Errorf("failed to parse account timestamp: %w", err)
	}
	return a, nil
}

// GetAccountIDsForUser returns the account IDs belonging to one user.
func (r *AccountRepository) GetAccountIDsForUser(userID string) ([]int64, error) {
	query := `SELECT id FROM accounts WHERE user_id = ? ORDER BY id ASC`
	rows, err := r.db.Query(query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query account IDs: %w", err)
	}
	defer rows.Close()

	ids := []int64{}
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan account ID: %w", err)
		}
		ids = append(ids, id)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating account IDs: %w", err)
	}
	return ids, nil
}

// UpdateTotals writes the derived valuation fields back onto an account row.
// These columns belong to the calculator; no other writer touches them.
func (r *AccountRepository) UpdateTotals(ctx context.Context, totals model.AccountTotals, now time.Time) error {
	query := `
		UPDATE accounts
		SET balance = ?, cost_basis = ?, gain_loss = ?, gain_loss_pct = ?,
			positions_count = ?, updated_at = ?
		WHERE id = ?
	`
	result, err := r.db.ExecContext(ctx, query,
		totals.Balance, totals.CostBasis, totals.GainLoss, totals.GainLossPct,
		totals.PositionsCount, FormatTime(now), totals.AccountID)
	if err != nil {
		return fmt.Errorf("failed to update account totals: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return apperrors.ErrAccountNotFound
	}
	return nil
}

// GetPositions returns the securities positions of an account, each joined
// with the latest stored price so the calculator can prefer live data over
// the position's own stale price column.
func (r *AccountRepository) GetPositions(accountID int64) ([]model.Position, map[string]*float64, error) {
	query := `
		SELECT p.id, p.account_id, p.ticker, p.shares, p.price, p.cost_basis,
			p.purchase_date, p.date, s.current_price
		FROM positions p
		LEFT JOIN securities s ON s.ticker = p.ticker
		WHERE p.account_id = ?
		ORDER BY p.id ASC
	`
	rows, err := r.db.Query(query, accountID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to query positions: %w", err)
	}
	defer rows.Close()

	positions := []model.Position{}
	livePrices := map[string]*float64{}
	for rows.Next() {
		var p model.Position
		var costBasis, livePrice sql.NullFloat64
		var purchaseDate, date sql.NullString
		err := rows.Scan(&p.ID, &p.AccountID, &p.Ticker, &p.Shares, &p.Price,
			&costBasis, &purchaseDate, &date, &livePrice)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to scan position: %w", err)
		}
		p.CostBasis = floatPtr(costBasis)
		if p.PurchaseDate, err = scanNullTime(purchaseDate); err != nil {
			return nil, nil, fmt.Errorf("failed to parse purchase date: %w", err)
		}
		if p.Date, err = scanNullTime(date); err != nil {
			return nil, nil, fmt.Errorf("failed to parse position date: %w", err)
		}
		positions = append(positions, p)
		livePrices[p.Ticker] = floatPtr(livePrice)
	}
	if err = rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("error iterating positions: %w", err)
	}
	return positions, livePrices, nil
}

// GetCryptoPositions returns the crypto positions of an account.
func (r *AccountRepository) GetCryptoPositions(accountID int64) ([]model.CryptoPosition, error) {
	query := `
		SELECT id, account_id, symbol, quantity, purchase_price, current_price
		FROM crypto_positions WHERE account_id = ? ORDER BY id ASC
	`
	rows, err := r.db.Query(query, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to query crypto positions: %w", err)
	}
	defer rows.Close()

	positions := []model.CryptoPosition{}
	for rows.Next() {
		var p model.CryptoPosition
		var current sql.NullFloat64
		if err := rows.Scan(&p.ID, &p.AccountID, &p.Symbol, &p.Quantity, &p.PurchasePrice, &current); err != nil {
			return nil, fmt.Errorf("failed to scan crypto position: %w", err)
		}
		p.CurrentPrice = floatPtr(current)
		positions = append(positions, p)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating crypto positions: %w", err)
	}
	return positions, nil
}

// GetMetalPositions returns the precious-metal positions of an account.
func (r *AccountRepository) GetMetalPositions(accountID int64) ([]model.MetalPosition, error) {
	query := `
		SELECT id, account_id, metal, quantity, purchase_price, current_price_per_unit
		FROM metal_positions WHERE account_id = ? ORDER BY id ASC
	`
	rows, err := r.db.Query(query, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to query metal positions: %w", err)
	}
	defer rows.Close()

	positions := []model.MetalPosition{}
	for rows.Next() {
		var p model.MetalPosition
		var current sql.NullFloat64
		if err := rows.Scan(&p.ID, &p.AccountID, &p.Metal, &p.Quantity, &p.PurchasePrice, &current); err != nil {
			return nil, fmt.Errorf("failed to scan metal position: %w", err)
		}
		p.CurrentPricePerUnit = floatPtr(current)
		positions = append(positions, p)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating metal positions: %w", err)
	}
	return positions, nil
}

// GetRealEstatePositions returns the real-estate positions of an account.
func (r *AccountRepository) GetRealEstatePositions(accountID int64) ([]model.RealEstatePosition, error) {
	query := `
		SELECT id, account_id, name, purchase_price, estimated_value
		FROM real_estate_positions WHERE account_id = ? ORDER BY id ASC
	`
	rows, err := r.db.Query(query, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to query real estate positions: %w", err)
	}
	defer rows.Close()

	positions := []model.RealEstatePosition{}
	for rows.Next() {
		var p model.RealEstatePosition
		var estimated sql.NullFloat64
		if err := rows.Scan(&p.ID, &p.AccountID, &p.Name, &p.PurchasePrice, &estimated); err != nil {
			return nil, fmt.Errorf("failed to scan real estate position: %w", err)
		}
		p.EstimatedValue = floatPtr(estimated)
		positions = append(positions, p)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating real estate positions: %w", err)
	}
	return positions, nil
}

// GetCashPositions returns the cash positions of an account.
func (r *AccountRepository) GetCashPositions(accountID int64) ([]model.CashPosition, error) {
	query := `
		SELECT id, account_id, name, amount, interest_rate, interest_period
		FROM cash_positions WHERE account_id = ? ORDER BY id ASC
	`
	rows, err := r.db.Query(query, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to query cash positions: %w", err)
	}
	defer rows.Close()

	positions := []model.CashPosition{}
	for rows.Next() {
		var p model.CashPosition
		var rate sql.NullFloat64
		var period sql.NullString
		if err := rows.Scan(&p.ID, &p.AccountID, &p.Name, &p.Amount, &rate, &period); err != nil {
			return nil, fmt.Errorf("failed to scan cash position: %w", err)
		}
		p.InterestRate = floatPtr(rate)
		p.InterestPeriod = stringPtr(period)
		positions = append(positions, p)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating cash positions: %w", err)
	}
	return positions, nil
}

// FindInvalidPositions returns position IDs with non-positive shares or
// price, or a future position date.
func (r *AccountRepository) FindInvalidPositions(now time.Time) ([]int64, error) {
	query := `
		SELECT id FROM positions
		WHERE shares <= 0 OR price < 0 OR date > ?
		ORDER BY id ASC
	`
	rows, err := r.db.Query(query, FormatTime(now))
	if err != nil {
		return nil, fmt.Errorf("failed to query invalid positions: %w", err)
	}
	defer rows.Close()
	return collectIDs(rows)
}

// FindOrphanPositions returns position IDs whose ticker has no securities
// row.
func (r *AccountRepository) FindOrphanPositions() ([]int64, error) {
	query := `
		SELECT p.id FROM positions p
		LEFT JOIN securities s ON s.ticker = p.ticker
		WHERE s.ticker IS NULL
		ORDER BY p.id ASC
	`
	rows, err := r.db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("failed to query orphan positions: %w", err)
	}
	defer rows.Close()
	return collectIDs(rows)
}

func collectIDs(rows *sql.Rows) ([]int64, error) {
	ids := []int64{}
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating ids: %w", err)
	}
	return ids, nil
}

// GetHeldTickers returns the distinct tickers referenced by any securities
// position, for cache invalidation after a price run.
func (r *AccountRepository) GetHeldTickers() ([]string, error) {
	query := `SELECT DISTINCT ticker FROM positions ORDER BY ticker ASC`
	rows, err := r.db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("failed to query held tickers: %w", err)
	}
	defer rows.Close()
	return collectTickers(rows)
}
