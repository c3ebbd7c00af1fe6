package service

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/finbase/marketsync/internal/model"
	"github.com/finbase/marketsync/internal/repository"
)

// EventService is the operational audit trail. Every orchestrated run records
// a started event and exactly one terminal update.
type EventService struct {
	eventRepo *repository.SystemEventRepository
	logger    zerolog.Logger
	now       func() time.Time
}

// NewEventService creates a new EventService with the provided repository.
func NewEventService(eventRepo *repository.SystemEventRepository, logger zerolog.Logger) *EventService {
	return &EventService{
		eventRepo: eventRepo,
		logger:    logger.With().Str("component", "events").Logger(),
		now:       time.Now,
	}
}

// StartEvent records the beginning of an operation and returns the event ID.
// Journal failures are logged but never block the operation itself.
func (s *EventService) StartEvent(ctx context.Context, eventType string, details map[string]any) string {
	id, err := s.eventRepo.Insert(ctx, eventType, s.now(), details)
	if err != nil {
		s.logger.Error().Err(err).Str("event_type", eventType).Msg("failed to record start event")
		return ""
	}
	s.logger.Info().Str("event_type", eventType).Str("event_id", id).Msg("event started")
	return id
}

// CompleteEvent marks an event successful with its final counters.
func (s *EventService) CompleteEvent(ctx context.Context, id string, details map[string]any) {
	if id == "" {
		return
	}
	if err := s.eventRepo.Complete(ctx, id, model.EventStatusCompleted, s.now(), details, ""); err != nil {
		s.logger.Error().Err(err).Str("event_id", id).Msg("failed to record event completion")
	}
}

// FailEvent marks an event failed with an error message.
func (s *EventService) FailEvent(ctx context.Context, id string, details map[string]any, errorMessage string) {
	if id == "" {
		return
	}
	if err := s.eventRepo.Complete(ctx, id, model.EventStatusFailed, s.now(), details, errorMessage); err != nil {
		s.logger.Error().Err(err).Str("event_id", id).Msg("failed to record event failure")
	}
}

// RecentEvents returns the newest journal rows, most recent first.
func (s *EventService) RecentEvents(limit int) ([]model.SystemEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.eventRepo.GetRecent(limit)
}
