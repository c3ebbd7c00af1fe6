package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/finbase/marketsync/internal/model"
)

// PortfolioHistoryRepository provides data access methods for the
// portfolio_history table.
type PortfolioHistoryRepository struct {
	db *sql.DB
}

// NewPortfolioHistoryRepository creates a new PortfolioHistoryRepository
// with the provided database connection.
func NewPortfolioHistoryRepository(db *sql.DB) *PortfolioHistoryRepository {
	return &PortfolioHistoryRepository{db: db}
}

// Upsert writes one daily snapshot. Rows are keyed on (user_id, date); a
// re-run for the same day overwrites the earlier snapshot.
func (r *PortfolioHistoryRepository) Upsert(ctx context.Context, point model.PortfolioHistoryPoint) error {
	query := `
		INSERT INTO portfolio_history (id, user_id, date, total_value, cost_basis, gain_loss, gain_loss_pct, accounts_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id, date) DO UPDATE SET
			total_value = excluded.total_value,
			cost_basis = excluded.cost_basis,
			gain_loss = excluded.gain_loss,
			gain_loss_pct = excluded.gain_loss_pct,
			accounts_count = excluded.accounts_count
	`
	_, err := r.db.ExecContext(ctx, query,
		uuid.New().String(), point.UserID, FormatDate(point.Date),
		point.TotalValue, point.CostBasis, point.GainLoss, point.GainLossPct,
		point.AccountsCount)
	if err != nil {
		return fmt.Errorf("failed to upsert portfolio history: %w", err)
	}
	return nil
}

// GetSince returns a user's snapshots on or after the given date, ordered
// by date ascending.
func (r *PortfolioHistoryRepository) GetSince(userID string, since time.Time) ([]model.PortfolioHistoryPoint, error) {
	query := `
		SELECT id, user_id, date, total_value, cost_basis, gain_loss, gain_loss_pct, accounts_count
		FROM portfolio_history
		WHERE user_id = ? AND date >= ?
		ORDER BY date ASC
	`
	rows, err := r.db.Query(query, userID, FormatDate(since))
	if err != nil {
		return nil, fmt.Errorf("failed to query portfolio history: %w", err)
	}
	defer rows.Close()
	return scanPortfolioRows(rows)
}

// GetAll returns a user's full snapshot series, ordered by date ascending.
func (r *PortfolioHistoryRepository) GetAll(userID string) ([]model.PortfolioHistoryPoint, error) {
	query := `
		SELECT id, user_id, date, total_value, cost_basis, gain_loss, gain_loss_pct, accounts_count
		FROM portfolio_history
		WHERE user_id = ?
		ORDER BY date ASC
	`
	rows, err := r.db.Query(query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query portfolio history: %w", err)
	}
	defer rows.Close()
	return scanPortfolioRows(rows)
}

func scanPortfolioRows(rows *sql.Rows) ([]model.PortfolioHistoryPoint, error) {
	points := []model.PortfolioHistoryPoint{}
	for rows.Next() {
		var p model.PortfolioHistoryPoint
		var dateStr string
		err := rows.Scan(&p.ID, &p.UserID, &dateStr, &p.TotalValue,
			&p.CostBasis, &p.GainLoss, &p.GainLossPct, &p.AccountsCount)
		if err != nil {
			return nil, fmt.Errorf("failed to scan portfolio history row: %w", err)
		}
		if p.Date, err = ParseTime(dateStr); err != nil {
			return nil, fmt.Errorf("failed to parse snapshot date: %w", err)
		}
		points = append(points, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating portfolio history rows: %w", err)
	}
	return points, nil
}
