package service

import (
	"database/sql"
	"strconv"

	"github.com/finbase/marketsync/internal/database"
	"github.com/finbase/marketsync/internal/model"
	"github.com/finbase/marketsync/internal/version"
)

// SystemService handles system-related operations
type SystemService struct {
	db *sql.DB
}

// NewSystemService creates a new SystemService
func NewSystemService(db *sql.DB) *SystemService {
	return &SystemService{
		db: db,
	}
}

// CheckHealth checks the health of the system
func (s *SystemService) CheckHealth() error {
	return database.HealthCheck(s.db)
}

// CheckVersion returns the application and schema versions.
func (s *SystemService) CheckVersion() (model.VersionInfo, error) {
	schemaVersion, err := database.SchemaVersion(s.db)
	if err != nil {
		return model.VersionInfo{}, err
	}
	return model.VersionInfo{
		AppVersion: version.Version,
		DbVersion:  strconv.FormatInt(schemaVersion, 10),
	}, nil
}
