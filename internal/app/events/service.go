package events

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/nats-io/nuid"

	"github.com/famplan/organizer/internal/contracts"
)

var (
	ErrTitleRequired  = errors.New("event title is required")
	ErrStartRequired  = errors.New("event start time is required")
	ErrEndBeforeStart = errors.New("event end time is before its start time")
)

// EventInserter persists one validated calendar event.
type EventInserter interface {
	InsertEvent(ctx context.Context, event StoredEvent) error
}

// Service validates parsed events and writes them to the household calendar.
type Service struct {
	Repo  EventInserter
	Now   func() time.Time
	NewID func() string
}

func NewService(repo EventInserter) *Service {
	return &Service{
		Repo:  repo,
		Now:   func() time.Time { return time.Now().UTC() },
		NewID: nuid.Next,
	}
}

// Create validates and persists one parsed event, returning the stored row.
// Validation failures carry sentinel errors so callers can report them
// per-event without aborting the surrounding batch.
func (s *Service) Create(ctx context.Context, householdID string, actorUserID, actorName string, parsed contracts.ParsedEvent) (StoredEvent, error) {
	title := strings.TrimSpace(parsed.Title)
	if title == "" {
		return StoredEvent{}, ErrTitleRequired
	}
	if parsed.StartTime.IsZero() {
		return StoredEvent{}, ErrStartRequired
	}
	if parsed.EndTime != nil && parsed.EndTime.Before(parsed.StartTime) {
		return StoredEvent{}, ErrEndBeforeStart
	}

	event := StoredEvent{
		EventID:         s.NewID(),
		HouseholdID:     householdID,
		Title:           title,
		Description:     strings.TrimSpace(parsed.Description),
		Location:        strings.TrimSpace(parsed.Location),
		StartTime:       parsed.StartTime.UTC(),
		EndTime:         parsed.EndTime,
		CreatedByUserID: actorUserID,
		CreatedByName:   actorName,
		CreatedAt:       s.Now(),
	}
	if event.EndTime != nil {
		end := event.EndTime.UTC()
		event.EndTime = &end
	}
	if err := s.Repo.InsertEvent(ctx, event); err != nil {
		return StoredEvent{}, err
	}
	return event, nil
}
