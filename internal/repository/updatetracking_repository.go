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

// UpdateTrackingRepository provides data access methods for the
// update_tracking lease rows and the update_history log.
type UpdateTrackingRepository struct {
	db *sql.DB
}

// NewUpdateTrackingRepository creates a new UpdateTrackingRepository with
// the provided database connection.
func NewUpdateTrackingRepository(db *sql.DB) *UpdateTrackingRepository {
	return &UpdateTrackingRepository{db: db}
}

// GetTracking retrieves the tracking row for one update type.
func (r *UpdateTrackingRepository) GetTracking(updateType string) (model.UpdateTracking, error) {
	query := `
		SELECT update_type, last_updated, threshold_minutes, in_progress,
			lock_acquired_at, lock_acquired_by, success_count, failure_count,
			last_success_details, last_failure_details, last_failure_at
		FROM update_tracking WHERE update_type = ?
	`
	var t model.UpdateTracking
	var lastUpdated, lockAt, lastFailAt sql.NullString
	var lockBy, successDetails, failureDetails sql.NullString
	err := r.db.QueryRow(query, updateType).Scan(
		&t.UpdateType, &lastUpdated, &t.ThresholdMinutes, &t.InProgress,
		&lockAt, &lockBy, &t.SuccessCount, &t.FailureCount,
		&successDetails, &failureDetails, &lastFailAt)
	if err == sql.ErrNoRows {
		return model.UpdateTracking{}, apperrors.ErrUpdateTrackingNotFound
	}
	if err != nil {
		return model.UpdateTracking{}, fmt.Errorf("failed to query update tracking: %w", err)
	}

	if t.LastUpdated, err = scanNullTime(lastUpdated); err != nil {
		return model.UpdateTracking{}, fmt.Errorf("failed to parse last_updated: %w", err)
	}
	if t.LockAcquiredAt, err = scanNullTime(lockAt); err != nil {
		return model.UpdateTracking{}, fmt.Errorf("failed to parse lock_acquired_at: %w", err)
	}
	if t.LastFailureAt, err = scanNullTime(lastFailAt); err != nil {
		return model.UpdateTracking{}, fmt.Errorf("failed to parse last_failure_at: %w", err)
	}
	t.LockAcquiredBy = stringPtr(lockBy)
	t.LastSuccessDetails = stringPtr(successDetails)
	t.LastFailureDetails = stringPtr(failureDetails)
	return t, nil
}

// GetAllTracking returns every tracking row.
func (r *UpdateTrackingRepository) GetAllTracking() ([]model.UpdateTracking, error) {
	query := `SELECT update_type FROM update_tracking ORDER BY update_type ASC`
	rows, err := r.db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("failed to query update tracking rows: %w", err)
	}
	types := []string{}
	for rows.Next() {
		var ut string
		if err := rows.Scan(&ut); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan update type: %w", err)
		}
		types = append(types, ut)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("error iterating update types: %w", err)
	}
	rows.Close()

	all := make([]model.UpdateTracking, 0, len(types))
	for _, ut := range types {
		t, err := r.GetTracking(ut)
		if err != nil {
			return nil, err
		}
		all = append(all, t)
	}
	return all, nil
}

// IsUpdateDue reports whether an update type is stale: never run, or last
// run longer ago than its threshold.
func (r *UpdateTrackingRepository) IsUpdateDue(updateType string, now time.Time) (bool, error) {
	t, err := r.GetTracking(updateType)
	if err != nil {
		return false, err
	}
	if t.LastUpdated == nil {
		return true, nil
	}
	age := now.Sub(*t.LastUpdated)
	return age >= time.Duration(t.ThresholdMinutes)*time.Minute, nil
}

// TryAcquireLock attempts to take the advisory lock for an update type with
// one atomic conditional UPDATE. A lock held longer than twice the type's
// threshold is treated as abandoned and stolen. Returns false when another
// holder has the lock.
func (r *UpdateTrackingRepository) TryAcquireLock(ctx context.Context, updateType, holder string, now time.Time) (bool, error) {
	t, err := r.GetTracking(updateType)
	if err != nil {
		return false, err
	}
	staleCutoff := now.Add(-2 * time.Duration(t.ThresholdMinutes) * time.Minute)

	// All stored datetimes share the RFC3339 UTC layout, so the string
	// comparison below orders chronologically.
	query := `
		UPDATE update_tracking
		SET in_progress = TRUE, lock_acquired_at = ?, lock_acquired_by = ?
		WHERE update_type = ?
		AND (in_progress = FALSE
			OR lock_acquired_at IS NULL
			OR lock_acquired_at < ?)
	`
	result, err := r.db.ExecContext(ctx, query, FormatTime(now), holder, updateType, FormatTime(staleCutoff))
	if err != nil {
		return false, fmt.Errorf("failed to acquire update lock: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return affected == 1, nil
}

// ReleaseLock releases the advisory lock and folds the run outcome into the
// tracking row. On success last_updated advances; on failure it does not,
// so the update type stays due.
func (r *UpdateTrackingRepository) ReleaseLock(ctx context.Context, updateType string, success bool, details string, now time.Time) error {
	var query string
	nowStr := FormatTime(now)
	var args []any
	if success {
		query = `
			UPDATE update_tracking
			SET in_progress = FALSE, lock_acquired_at = NULL, lock_acquired_by = NULL,
				last_updated = ?, success_count = success_count + 1, last_success_details = ?
			WHERE update_type = ?
		`
		args = []any{nowStr, details, updateType}
	} else {
		query = `
			UPDATE update_tracking
			SET in_progress = FALSE, lock_acquired_at = NULL, lock_acquired_by = NULL,
				failure_count = failure_count + 1, last_failure_details = ?, last_failure_at = ?
			WHERE update_type = ?
		`
		args = []any{details, nowStr, updateType}
	}

	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to release update lock: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return apperrors.ErrUpdateTrackingNotFound
	}
	return nil
}

// ForceRelease clears the lock without recording an outcome. Used by the
// consistency monitor when it finds an abandoned lock.
func (r *UpdateTrackingRepository) ForceRelease(ctx context.Context, updateType string) error {
	query := `
		UPDATE update_tracking
		SET in_progress = FALSE, lock_acquired_at = NULL, lock_acquired_by = NULL
		WHERE update_type = ?
	`
	if _, err := r.db.ExecContext(ctx, query, updateType); err != nil {
		return fmt.Errorf("failed to force-release update lock: %w", err)
	}
	return nil
}

// FindAbandonedLocks returns update types whose lock has been held longer
// than twice their threshold.
func (r *UpdateTrackingRepository) FindAbandonedLocks(now time.Time) ([]string, error) {
	all, err := r.GetAllTracking()
	if err != nil {
		return nil, err
	}

	abandoned := []string{}
	for _, t := range all {
		if !t.InProgress {
			continue
		}
		staleCutoff := now.Add(-2 * time.Duration(t.ThresholdMinutes) * time.Minute)
		if t.LockAcquiredAt == nil || t.LockAcquiredAt.Before(staleCutoff) {
			abandoned = append(abandoned, t.UpdateType)
		}
	}
	return abandoned, nil
}

// SetThreshold changes the staleness threshold for an update type.
func (r *UpdateTrackingRepository) SetThreshold(ctx context.Context, updateType string, minutes int) error {
	query := `UPDATE update_tracking SET threshold_minutes = ? WHERE update_type = ?`
	result, err := r.db.ExecContext(ctx, query, minutes, updateType)
	if err != nil {
		return fmt.Errorf("failed to set threshold: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return apperrors.ErrUpdateTrackingNotFound
	}
	return nil
}

// LogAttempt appends one row to the update_history audit log.
func (r *UpdateTrackingRepository) LogAttempt(ctx context.Context, updateType, outcome string, triggeredAt time.Time) error {
	query := `INSERT INTO update_history (id, update_type, triggered_at, outcome) VALUES (?, ?, ?, ?)`
	if _, err := r.db.ExecContext(ctx, query, uuid.New().String(), updateType, FormatTime(triggeredAt), outcome); err != nil {
		return fmt.Errorf("failed to log update attempt: %w", err)
	}
	return nil
}

// GetHistory returns the newest update_history rows, most recent first.
func (r *UpdateTrackingRepository) GetHistory(updateType string, limit int) ([]model.UpdateHistory, error) {
	query := `
		SELECT id, update_type, triggered_at, outcome
		FROM update_history
		WHERE update_type = ?
		ORDER BY triggered_at DESC
		LIMIT ?
	`
	rows, err := r.db.Query(query, updateType, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query update history: %w", err)
	}
	defer rows.Close()

	history := []model.UpdateHistory{}
	for rows.Next() {
		var h model.UpdateHistory
		var triggeredAt string
		if err := rows.Scan(&h.ID, &h.UpdateType, &triggeredAt, &h.Outcome); err != nil {
			return nil, fmt.Errorf("failed to scan update history row: %w", err)
		}
		if h.TriggeredAt, err = ParseTime(triggeredAt); err != nil {
			return nil, fmt.Errorf("failed to parse trigger time: %w", err)
		}
		history = append(history, h)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating update history: %w", err)
	}
	return history, nil
}
