package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/finbase/marketsync/internal/apperrors"
	"github.com/finbase/marketsync/internal/model"
)

// SystemEventRepository provides data access methods for the system_events
// journal.
type SystemEventRepository struct {
	db *sql.DB
}

// NewSystemEventRepository creates a new SystemEventRepository with the
// provided database connection.
func NewSystemEventRepository(db *sql.DB) *SystemEventRepository {
	return &SystemEventRepository{db: db}
}

// Insert creates a journal row with status "started" and returns its ID.
func (r *SystemEventRepository) Insert(ctx context.Context, eventType string, startedAt time.Time, details map[string]any) (string, error) {
	detailsJSON, err := marshalDetails(details)
	if err != nil {
		return "", err
	}

	id := uuid.New().String()
	query := `
		INSERT INTO system_events (id, event_type, status, started_at, details)
		VALUES (?, ?, ?, ?, ?)
	`
	if _, err := r.db.ExecContext(ctx, query, id, eventType, model.EventStatusStarted, FormatTime(startedAt), detailsJSON); err != nil {
		return "", fmt.Errorf("failed to insert system event: %w", err)
	}
	return id, nil
}

// Complete marks an event terminal. Status must be "completed" or "failed";
// details replace the started-row details when non-nil.
func (r *SystemEventRepository) Complete(ctx context.Context, id, status string, completedAt time.Time, details map[string]any, errorMessage string) error {
	if status != model.EventStatusCompleted && status != model.EventStatusFailed {
		return fmt.Errorf("invalid terminal event status %q", status)
	}

	detailsJSON, err := marshalDetails(details)
	if err != nil {
		return err
	}

	query := `
		UPDATE system_events
		SET status = ?, completed_at = ?,
			details = COALESCE(?, details),
			error_message = CASE WHEN ? = '' THEN error_message ELSE ? END
		WHERE id = ?
	`
	result, err := r.db.ExecContext(ctx, query, status, FormatTime(completedAt), detailsJSON, errorMessage, errorMessage, id)
	if err != nil {
		return fmt.Errorf("failed to complete system event: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return apperrors.ErrEventNotFound
	}
	return nil
}

// GetEvent retrieves one event by ID.
func (r *SystemEventRepository) GetEvent(id string) (model.SystemEvent, error) {
	query := `
		SELECT id, event_type, status, started_at, completed_at, details, error_message
		FROM system_events WHERE id = ?
	`
	rows, err := r.db.Query(query, id)
	if err != nil {
		return model.SystemEvent{}, fmt.Errorf("failed to query system event: %w", err)
	}
	defer rows.Close()

	events, err := scanEventRows(rows)
	if err != nil {
		return model.SystemEvent{}, err
	}
	if len(events) == 0 {
		return model.SystemEvent{}, apperrors.ErrEventNotFound
	}
	return events[0], nil
}

// GetRecent returns the newest events, most recent first.
func (r *SystemEventRepository) GetRecent(limit int) ([]model.SystemEvent, error) {
	query := `
		SELECT id, event_type, status, started_at, completed_at, details, error_message
		FROM system_events
		ORDER BY started_at DESC
		LIMIT ?
	`
	rows, err := r.db.Query(query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query system events: %w", err)
	}
	defer rows.Close()
	return scanEventRows(rows)
}

// GetRecentByType returns the newest events of one type, most recent first.
func (r *SystemEventRepository) GetRecentByType(eventType string, limit int) ([]model.SystemEvent, error) {
	query := `
		SELECT id, event_type, status, started_at, completed_at, details, error_message
		FROM system_events
		WHERE event_type = ?
		ORDER BY started_at DESC
		LIMIT ?
	`
	rows, err := r.db.Query(query, eventType, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query system events: %w", err)
	}
	defer rows.Close()
	return scanEventRows(rows)
}

// CountStale returns the number of non-terminal events older than the
// cutoff. The consistency monitor reports these as abandoned runs.
func (r *SystemEventRepository) CountStale(olderThan time.Time) (int, error) {
	var count int
	query := `SELECT COUNT(*) FROM system_events WHERE status = ? AND started_at < ?`
	if err := r.db.QueryRow(query, model.EventStatusStarted, FormatTime(olderThan)).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count stale events: %w", err)
	}
	return count, nil
}

// FailStale marks non-terminal events older than the cutoff as failed.
// Returns the number of rows repaired.
func (r *SystemEventRepository) FailStale(ctx context.Context, olderThan, now time.Time) (int64, error) {
	query := `
		UPDATE system_events
		SET status = ?, completed_at = ?, error_message = 'marked failed by consistency check'
		WHERE status = ? AND started_at < ?
	`
	result, err := r.db.ExecContext(ctx, query,
		model.EventStatusFailed, FormatTime(now), model.EventStatusStarted, FormatTime(olderThan))
	if err != nil {
		return 0, fmt.Errorf("failed to fail stale events: %w", err)
	}
	return result.RowsAffected()
}

func marshalDetails(details map[string]any) (any, error) {
	if details == nil {
		return nil, nil
	}
	b, err := json.Marshal(details)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event details: %w", err)
	}
	return string(b), nil
}

func scanEventRows(rows *sql.Rows) ([]model.SystemEvent, error) {
	events := []model.SystemEvent{}
	for rows.Next() {
		var e model.SystemEvent
		var startedAt string
		var completedAt, details, errMsg sql.NullString
		err := rows.Scan(&e.ID, &e.EventType, &e.Status, &startedAt, &completedAt, &details, &errMsg)
		if err != nil {
			return nil, fmt.Errorf("failed to scan system event: %w", err)
		}
		if e.StartedAt, err = ParseTime(startedAt); err != nil {
			return nil, fmt.Errorf("failed to parse event start time: %w", err)
		}
		if e.CompletedAt, err = scanNullTime(completedAt); err != nil {
			return nil, fmt.Errorf("failed to parse event completion time: %w", err)
		}
		if details.Valid && details.String != "" {
			if err := json.Unmarshal([]byte(details.String), &e.Details); err != nil {
				return nil, fmt.Errorf("failed to parse event details: %w", err)
			}
		}
		e.ErrorMessage = stringPtr(errMsg)
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating system events: %w", err)
	}
	return events, nil
}
