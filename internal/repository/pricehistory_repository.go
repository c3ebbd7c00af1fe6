package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/finbase/marketsync/internal/apperrors"
	"github.com/finbase/marketsync/internal/model"
)

// PriceHistoryRepository provides data access methods for the price_history
// table.
type PriceHistoryRepository struct {
	db *sql.DB
}

// NewPriceHistoryRepository creates a new PriceHistoryRepository with the
// provided database connection.
func NewPriceHistoryRepository(db *sql.DB) *PriceHistoryRepository {
	return &PriceHistoryRepository{db: db}
}

// Upsert writes one daily close. Rows are keyed on (ticker, date); a second
// write for the same day overwrites the earlier one.
func (r *PriceHistoryRepository) Upsert(ctx context.Context, point model.PriceHistoryPoint) error {
	if point.Close <= 0 {
		return apperrors.ErrInvalidPrice
	}

	query := `
		INSERT INTO price_history (id, ticker, date, close, day_open, day_high, day_low, volume, timestamp, price_timestamp, source)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (ticker, date) DO UPDATE SET
			close = excluded.close,
			day_open = excluded.day_open,
			day_high = excluded.day_high,
			day_low = excluded.day_low,
			volume = excluded.volume,
			timestamp = excluded.timestamp,
			price_timestamp = excluded.price_timestamp,
			source = excluded.source
	`
	_, err := r.db.ExecContext(ctx, query,
		uuid.New().String(), point.Ticker, FormatDate(point.Date), point.Close,
		nullFloat(point.DayOpen), nullFloat(point.DayHigh), nullFloat(point.DayLow),
		nullInt(point.Volume), FormatTime(point.Timestamp), nullTime(point.PriceTimestamp),
		point.Source)
	if err != nil {
		return fmt.Errorf("failed to upsert price history: %w", err)
	}
	return nil
}

// UpsertBatch writes a set of daily closes, skipping invalid rows instead of
// aborting the batch. It returns the number of rows written.
func (r *PriceHistoryRepository) UpsertBatch(ctx context.Context, points []model.PriceHistoryPoint) (int, error) {
	written := 0
	for _, p := range points {
		if err := r.Upsert(ctx, p); err != nil {
			continue
		}
		written++
	}
	return written, nil
}

// GetRange returns the daily closes for a ticker within [start, end],
// ordered by date ascending.
func (r *PriceHistoryRepository) GetRange(ticker string, start, end time.Time) ([]model.PriceHistoryPoint, error) {
	if end.Before(start) {
		return nil, apperrors.ErrInvalidDateRange
	}

	query := `
		SELECT id, ticker, date, close, day_open, day_high, day_low, volume, timestamp, price_timestamp, source
		FROM price_history
		WHERE ticker = ? AND date >= ? AND date <= ?
		ORDER BY date ASC
	`
	rows, err := r.db.Query(query, model.NormalizeTicker(ticker), FormatDate(start), FormatDate(end))
	if err != nil {
		return nil, fmt.Errorf("failed to query price history: %w", err)
	}
	defer rows.Close()

	return scanHistoryRows(rows)
}

// GetLatest returns the most recent daily close for a ticker.
func (r *PriceHistoryRepository) GetLatest(ticker string) (*model.PriceHistoryPoint, error) {
	query := `
		SELECT id, ticker, date, close, day_open, day_high, day_low, volume, timestamp, price_timestamp, source
		FROM price_history
		WHERE ticker = ?
		ORDER BY date DESC
		LIMIT 1
	`
	rows, err := r.db.Query(query, model.NormalizeTicker(ticker))
	if err != nil {
		return nil, fmt.Errorf("failed to query latest price history: %w", err)
	}
	defer rows.Close()

	points, err := scanHistoryRows(rows)
	if err != nil {
		return nil, err
	}
	if len(points) == 0 {
		return nil, nil
	}
	return &points[0], nil
}

// GetLatestValidClose returns the most recent positive close for a ticker.
// Used by the consistency monitor to repair invalid current prices.
func (r *PriceHistoryRepository) GetLatestValidClose(ticker string) (*model.PriceHistoryPoint, error) {
	query := `
		SELECT id, ticker, date, close, day_open, day_high, day_low, volume, timestamp, price_timestamp, source
		FROM price_history
		WHERE ticker = ? AND close > 0 AND close <= 1e6
		ORDER BY date DESC
		LIMIT 1
	`
	rows, err := r.db.Query(query, model.NormalizeTicker(ticker))
	if err != nil {
		return nil, fmt.Errorf("failed to query latest valid close: %w", err)
	}
	defer rows.Close()

	points, err := scanHistoryRows(rows)
	if err != nil {
		return nil, err
	}
	if len(points) == 0 {
		return nil, nil
	}
	return &points[0], nil
}

// CountForTicker returns the number of history rows stored for a ticker.
func (r *PriceHistoryRepository) CountForTicker(ticker string) (int, error) {
	var count int
	query := `SELECT COUNT(*) FROM price_history WHERE ticker = ?`
	if err := r.db.QueryRow(query, model.NormalizeTicker(ticker)).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count price history: %w", err)
	}
	return count, nil
}

// FindDuplicateDays returns (ticker, date) pairs that appear more than once.
// The unique constraint makes this impossible for new data, but rows imported
// before the constraint existed can still violate it.
func (r *PriceHistoryRepository) FindDuplicateDays() (map[string][]string, error) {
	query := `
		SELECT ticker, date
		FROM price_history
		GROUP BY ticker, date
		HAVING COUNT(*) > 1
	`
	rows, err := r.db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("failed to query duplicate history days: %w", err)
	}
	defer rows.Close()

	dupes := map[string][]string{}
	for rows.Next() {
		var ticker, date string
		if err := rows.Scan(&ticker, &date); err != nil {
			return nil, fmt.Errorf("failed to scan duplicate row: %w", err)
		}
		dupes[ticker] = append(dupes[ticker], date)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating duplicate rows: %w", err)
	}
	return dupes, nil
}

// DedupeDay keeps the most recently written row for a (ticker, date) pair
// and deletes the rest. Returns the number of deleted rows.
func (r *PriceHistoryRepository) DedupeDay(ctx context.Context, ticker, date string) (int64, error) {
	query := `
		DELETE FROM price_history
		WHERE ticker = ? AND date = ?
		AND id != (
			SELECT id FROM price_history
			WHERE ticker = ? AND date = ?
			ORDER BY timestamp DESC LIMIT 1
		)
	`
	ticker = model.NormalizeTicker(ticker)
	result, err := r.db.ExecContext(ctx, query, ticker, date, ticker, date)
	if err != nil {
		return 0, fmt.Errorf("failed to dedupe price history: %w", err)
	}
	return result.RowsAffected()
}

// CountInvalidRows counts history rows whose close violates the
// finite-positive-bounded invariant, plus rows dated in the future.
func (r *PriceHistoryRepository) CountInvalidRows(now time.Time) (int, error) {
	var count int
	query := `
		SELECT COUNT(*) FROM price_history
		WHERE close IS NULL OR close <= 0 OR close > 1e6 OR date > ?
	`
	if err := r.db.QueryRow(query, FormatDate(now)).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count invalid history rows: %w", err)
	}
	return count, nil
}

// DeleteInvalidRows removes history rows whose close violates the
// finite-positive-bounded invariant. Returns the number of deleted rows.
func (r *PriceHistoryRepository) DeleteInvalidRows(ctx context.Context) (int64, error) {
	query := `DELETE FROM price_history WHERE close IS NULL OR close <= 0 OR close > 1e6`
	result, err := r.db.ExecContext(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("failed to delete invalid history rows: %w", err)
	}
	return result.RowsAffected()
}

func scanHistoryRows(rows *sql.Rows) ([]model.PriceHistoryPoint, error) {
	points := []model.PriceHistoryPoint{}
	for rows.Next() {
		var p model.PriceHistoryPoint
		var dateStr, tsStr string
		var priceTS sql.NullString
		var dayOpen, dayHigh, dayLow sql.NullFloat64
		var volume sql.NullInt64

		err := rows.Scan(&p.ID, &p.Ticker, &dateStr, &p.Close,
			&dayOpen, &dayHigh, &dayLow, &volume, &tsStr, &priceTS, &p.Source)
		if err != nil {
			return nil, fmt.Errorf("failed to scan price history row: %w", err)
		}

		if p.Date, err = ParseTime(dateStr); err != nil {
			return nil, fmt.Errorf("failed to parse history date: %w", err)
		}
		if p.Timestamp, err = ParseTime(tsStr); err != nil {
			return nil, fmt.Errorf("failed to parse history timestamp: %w", err)
		}
		if p.PriceTimestamp, err = scanNullTime(priceTS); err != nil {
			return nil, fmt.Errorf("failed to parse price timestamp: %w", err)
		}
		p.DayOpen = floatPtr(dayOpen)
		p.DayHigh = floatPtr(dayHigh)
		p.DayLow = floatPtr(dayLow)
		p.Volume = intPtr(volume)

		points = append(points, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating price history rows: %w", err)
	}
	return points, nil
}
