package repository

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/finbase/marketsync/internal/apperrors"
	"github.com/finbase/marketsync/internal/model"
)

// UserRepository provides read access to the users table. User rows are
// owned by the account-management side of the platform.
type UserRepository struct {
	db *sql.DB
}

// NewUserRepository creates a new UserRepository with the provided database
// connection.
func NewUserRepository(db *sql.DB) *UserRepository {
	return &UserRepository{db: db}
}

// GetUser retrieves one user by ID.
func (r *UserRepository) GetUser(id string) (model.User, error) {
	query := `SELECT id, email, plan, notification_prefs, auth_provider, external_auth_id FROM users WHERE id = ?`

	var u model.User
	var prefs, externalID sql.NullString
	err := r.db.QueryRow(query, id).Scan(&u.ID, &u.Email, &u.Plan, &prefs, &u.AuthProvider, &externalID)
	if err == sql.ErrNoRows {
		return model.User{}, apperrors.ErrUserNotFound
	}
	if err != nil {
		return model.User{}, fmt.Errorf("failed to query user: %w", err)
	}
	if prefs.Valid && prefs.String != "" {
		if err := json.Unmarshal([]byte(prefs.String), &u.NotificationPrefs); err != nil {
			return model.User{}, fmt.Errorf("failed to parse notification prefs: %w", err)
		}
	}
	u.ExternalAuthID = stringPtr(externalID)
	return u, nil
}

// GetUserIDs returns every user ID, for snapshot and recalculation sweeps.
func (r *UserRepository) GetUserIDs() ([]string, error) {
	query := `SELECT id FROM users ORDER BY id ASC`
	rows, err := r.db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("failed to query user IDs: %w", err)
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan user ID: %w", err)
		}
		ids = append(ids, id)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating user IDs: %w", err)
	}
	return ids, nil
}
