package testutil

import (
	"database/sql"
	"testing"

	_ "modernc.org/sqlite" // Test Package
)

// SetupTestDB creates an in-memory SQLite database for testing.
// The database is automatically cleaned up when the test completes.
//
// Example usage:
//
//	func TestSomething(t *testing.T) {
//	    db := testutil.SetupTestDB(t)
//	    // db is ready to use with schema created
//	}
func SetupTestDB(t *testing.T) *sql.DB {
	t.Helper()

	// In-memory database (destroyed when connection closes)
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}

	if err := db.Ping(); err != nil {
		t.Fatalf("Failed to ping test database: %v", err)
	}

	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = MEMORY", // Faster for tests
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			t.Fatalf("Failed to set pragma: %v", err)
		}
	}

	if err := createTestSchema(db); err != nil {
		t.Fatalf("Failed to create test schema: %v", err)
	}

	t.Cleanup(func() {
		db.Close()
	})

	return db
}

// createTestSchema creates all database tables for testing.
// Schema is synchronized with the embedded migrations.
//
//nolint:funlen // Database schema DDL
func createTestSchema(db *sql.DB) error {
	schema := `
		CREATE TABLE securities (
			ticker VARCHAR(20) NOT NULL PRIMARY KEY,
			name VARCHAR(200),
			sector VARCHAR(100),
			industry VARCHAR(100),
			market_cap FLOAT,
			current_price FLOAT,
			previous_close FLOAT,
			day_open FLOAT,
			day_high FLOAT,
			day_low FLOAT,
			volume INTEGER,
			average_volume INTEGER,
			fifty_two_week_low FLOAT,
			fifty_two_week_high FLOAT,
			fifty_two_week_range VARCHAR(50),
			pe_ratio FLOAT,
			forward_pe FLOAT,
			eps FLOAT,
			forward_eps FLOAT,
			dividend_rate FLOAT,
			dividend_yield FLOAT,
			beta FLOAT,
			last_updated DATETIME,
			last_metrics_update DATETIME,
			last_backfilled DATETIME,
			price_timestamp DATETIME,
			data_source VARCHAR(30),
			metrics_source VARCHAR(30),
			on_yfinance BOOLEAN NOT NULL DEFAULT TRUE,
			on_polygon BOOLEAN NOT NULL DEFAULT TRUE,
			active BOOLEAN NOT NULL DEFAULT TRUE,
			av_added_security BOOLEAN NOT NULL DEFAULT FALSE,
			av_exchange VARCHAR(50),
			av_asset_type VARCHAR(30),
			av_ipo_date DATE,
			av_name VARCHAR(200)
		);

		CREATE TABLE price_history (
			id VARCHAR(36) NOT NULL PRIMARY KEY,
			ticker VARCHAR(20) NOT NULL,
			date DATE NOT NULL,
			close FLOAT NOT NULL,
			day_open FLOAT,
			day_high FLOAT,
			day_low FLOAT,
			volume INTEGER,
			timestamp DATETIME NOT NULL,
			price_timestamp DATETIME,
			source VARCHAR(30) NOT NULL,
			CONSTRAINT unique_ticker_date UNIQUE (ticker, date)
		);

		CREATE TABLE users (
			id VARCHAR(36) NOT NULL PRIMARY KEY,
			email VARCHAR(255) NOT NULL UNIQUE,
			plan VARCHAR(30) NOT NULL DEFAULT 'free',
			notification_prefs TEXT,
			auth_provider VARCHAR(10) NOT NULL DEFAULT 'legacy',
			external_auth_id VARCHAR(100)
		);

		CREATE TABLE accounts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id VARCHAR(36) NOT NULL,
			name VARCHAR(100) NOT NULL,
			institution VARCHAR(100),
			type VARCHAR(50),
			category VARCHAR(50),
			balance FLOAT NOT NULL DEFAULT 0,
			cost_basis FLOAT NOT NULL DEFAULT 0,
			gain_loss FLOAT NOT NULL DEFAULT 0,
			gain_loss_pct FLOAT NOT NULL DEFAULT 0,
			positions_count INTEGER NOT NULL DEFAULT 0,
			updated_at DATETIME,
			FOREIGN KEY(user_id) REFERENCES users(id) ON DELETE CASCADE
		);

		CREATE TABLE positions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			account_id INTEGER NOT NULL,
			ticker VARCHAR(20) NOT NULL,
			shares FLOAT NOT NULL,
			price FLOAT NOT NULL DEFAULT 0,
			cost_basis FLOAT,
			purchase_date DATE,
			date DATETIME,
			FOREIGN KEY(account_id) REFERENCES accounts(id) ON DELETE CASCADE
		);

		CREATE TABLE crypto_positions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			account_id INTEGER NOT NULL,
			symbol VARCHAR(20) NOT NULL,
			quantity FLOAT NOT NULL,
			purchase_price FLOAT NOT NULL DEFAULT 0,
			current_price FLOAT,
			FOREIGN KEY(account_id) REFERENCES accounts(id) ON DELETE CASCADE
		);

		CREATE TABLE metal_positions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			account_id INTEGER NOT NULL,
			metal VARCHAR(20) NOT NULL,
			quantity FLOAT NOT NULL,
			purchase_price FLOAT NOT NULL DEFAULT 0,
			current_price_per_unit FLOAT,
			FOREIGN KEY(account_id) REFERENCES accounts(id) ON DELETE CASCADE
		);

		CREATE TABLE real_estate_positions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			account_id INTEGER NOT NULL,
			name VARCHAR(100) NOT NULL,
			purchase_price FLOAT NOT NULL DEFAULT 0,
			estimated_value FLOAT,
			FOREIGN KEY(account_id) REFERENCES accounts(id) ON DELETE CASCADE
		);

		CREATE TABLE cash_positions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			account_id INTEGER NOT NULL,
			name VARCHAR(100) NOT NULL,
			amount FLOAT NOT NULL DEFAULT 0,
			interest_rate FLOAT,
			interest_period VARCHAR(20),
			FOREIGN KEY(account_id) REFERENCES accounts(id) ON DELETE CASCADE
		);

		CREATE TABLE portfolio_history (
			id VARCHAR(36) NOT NULL PRIMARY KEY,
			user_id VARCHAR(36) NOT NULL,
			date DATE NOT NULL,
			total_value FLOAT NOT NULL DEFAULT 0,
			cost_basis FLOAT NOT NULL DEFAULT 0,
			gain_loss FLOAT NOT NULL DEFAULT 0,
			gain_loss_pct FLOAT NOT NULL DEFAULT 0,
			accounts_count INTEGER NOT NULL DEFAULT 0,
			CONSTRAINT unique_user_date UNIQUE (user_id, date),
			FOREIGN KEY(user_id) REFERENCES users(id) ON DELETE CASCADE
		);

		CREATE TABLE system_events (
			id VARCHAR(36) NOT NULL PRIMARY KEY,
			event_type VARCHAR(50) NOT NULL,
			status VARCHAR(10) NOT NULL,
			started_at DATETIME NOT NULL,
			completed_at DATETIME,
			details TEXT,
			error_message TEXT
		);

		CREATE TABLE update_tracking (
			update_type VARCHAR(30) NOT NULL PRIMARY KEY,
			last_updated DATETIME,
			threshold_minutes INTEGER NOT NULL DEFAULT 60,
			in_progress BOOLEAN NOT NULL DEFAULT FALSE,
			lock_acquired_at DATETIME,
			lock_acquired_by VARCHAR(100),
			success_count INTEGER NOT NULL DEFAULT 0,
			failure_count INTEGER NOT NULL DEFAULT 0,
			last_success_details TEXT,
			last_failure_details TEXT,
			last_failure_at DATETIME
		);

		CREATE TABLE update_history (
			id VARCHAR(36) NOT NULL PRIMARY KEY,
			update_type VARCHAR(30) NOT NULL,
			triggered_at DATETIME NOT NULL,
			outcome VARCHAR(20) NOT NULL
		);

		INSERT INTO update_tracking (update_type, threshold_minutes) VALUES
			('price_update', 15),
			('metrics_update', 10080),
			('history_update', 1440),
			('portfolio_snapshot', 1440);
	`

	_, err := db.Exec(schema)
	return err
}
