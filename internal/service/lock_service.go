package service

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/finbase/marketsync/internal/model"
	"github.com/finbase/marketsync/internal/repository"
)

// LockService coordinates update runs across processes using the
// update_tracking advisory rows.
type LockService struct {
	trackingRepo *repository.UpdateTrackingRepository
	logger       zerolog.Logger
	owner        string
	now          func() time.Time
}

// NewLockService creates a new LockService. The lock owner string identifies
// this process in the lock rows.
func NewLockService(trackingRepo *repository.UpdateTrackingRepository, logger zerolog.Logger) *LockService {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	return &LockService{
		trackingRepo: trackingRepo,
		logger:       logger.With().Str("component", "locks").Logger(),
		owner:        fmt.Sprintf("%s-%d", hostname, os.Getpid()),
		now:          time.Now,
	}
}

// Owner returns the identity this process writes into acquired locks.
func (s *LockService) Owner() string { return s.owner }

// TryAcquire attempts to take the advisory lock for an update type. It
// returns true when this process now holds the lock. Abandoned locks older
// than twice the type's threshold are stolen.
func (s *LockService) TryAcquire(ctx context.Context, updateType string) (bool, error) {
	acquired, err := s.trackingRepo.TryAcquireLock(ctx, updateType, s.owner, s.now())
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock for %s: %w", updateType, err)
	}
	if !acquired {
		s.logger.Info().Str("update_type", updateType).Msg("update already in progress elsewhere")
	}
	return acquired, nil
}

// Release releases the lock and folds the run outcome into the tracking row.
// It also appends one update_history row.
func (s *LockService) Release(ctx context.Context, updateType string, success bool, details string) error {
	now := s.now()
	if err := s.trackingRepo.ReleaseLock(ctx, updateType, success, details, now); err != nil {
		return fmt.Errorf("failed to release lock for %s: %w", updateType, err)
	}

	outcome := "success"
	if !success {
		outcome = "failure"
	}
	if err := s.trackingRepo.LogAttempt(ctx, updateType, outcome, now); err != nil {
		s.logger.Error().Err(err).Str("update_type", updateType).Msg("failed to log update attempt")
	}
	return nil
}

// LogSkipped appends an update_history row for a run that was gated before
// it started, without touching the lock row.
func (s *LockService) LogSkipped(ctx context.Context, updateType string) {
	if err := s.trackingRepo.LogAttempt(ctx, updateType, "skipped", s.now()); err != nil {
		s.logger.Error().Err(err).Str("update_type", updateType).Msg("failed to log skipped attempt")
	}
}

// IsUpdateDue reports whether an update type is past its staleness
// threshold.
func (s *LockService) IsUpdateDue(updateType string) (bool, error) {
	return s.trackingRepo.IsUpdateDue(updateType, s.now())
}

// Tracking returns the advisory row for one update type.
func (s *LockService) Tracking(updateType string) (model.UpdateTracking, error) {
	return s.trackingRepo.GetTracking(updateType)
}
