package events

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/famplan/organizer/internal/contracts"
)

type fakeInserter struct {
	inserted []StoredEvent
	err      error
}

func (f *fakeInserter) InsertEvent(_ context.Context, event StoredEvent) error {
	if f.err != nil {
		return f.err
	}
	f.inserted = append(f.inserted, event)
	return nil
}

func newTestService(repo *fakeInserter) *Service {
	svc := NewService(repo)
	svc.Now = func() time.Time { return time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC) }
	svc.NewID = func() string { return "evt-1" }
	return svc
}

func TestCreate_PersistsValidatedEvent(t *testing.T) {
	repo := &fakeInserter{}
	svc := newTestService(repo)
	end := time.Date(2026, 9, 1, 16, 0, 0, 0, time.UTC)

	stored, err := svc.Create(context.Background(), "house-1", "u1", "Alice", contracts.ParsedEvent{
		Title:       "  Dentist appointment ",
		Description: "Bring insurance card",
		Location:    "Main St 12",
		StartTime:   time.Date(2026, 9, 1, 15, 0, 0, 0, time.UTC),
		EndTime:     &end,
	})
	if err != nil {
		t.Fatalf("Create error: %v", err)
	}
	if stored.EventID != "evt-1" {
		t.Fatalf("event id = %q", stored.EventID)
	}
	if stored.Title != "Dentist appointment" {
		t.Fatalf("title not trimmed: %q", stored.Title)
	}
	if stored.HouseholdID != "house-1" || stored.CreatedByUserID != "u1" || stored.CreatedByName != "Alice" {
		t.Fatalf("actor attribution wrong: %+v", stored)
	}
	if len(repo.inserted) != 1 {
		t.Fatalf("inserted %d rows, want 1", len(repo.inserted))
	}
}

func TestCreate_RejectsBlankTitle(t *testing.T) {
	repo := &fakeInserter{}
	svc := newTestService(repo)

	_, err := svc.Create(context.Background(), "house-1", "u1", "Alice", contracts.ParsedEvent{
		Title:     "   ",
		StartTime: time.Date(2026, 9, 1, 15, 0, 0, 0, time.UTC),
	})
	if !errors.Is(err, ErrTitleRequired) {
		t.Fatalf("expected ErrTitleRequired, got %v", err)
	}
	if len(repo.inserted) != 0 {
		t.Fatal("invalid event reached the repository")
	}
}

func TestCreate_RejectsMissingStart(t *testing.T) {
	svc := newTestService(&fakeInserter{})
	_, err := svc.Create(context.Background(), "house-1", "u1", "Alice", contracts.ParsedEvent{Title: "Picnic"})
	if !errors.Is(err, ErrStartRequired) {
		t.Fatalf("expected ErrStartRequired, got %v", err)
	}
}

func TestCreate_RejectsEndBeforeStart(t *testing.T) {
	svc := newTestService(&fakeInserter{})
	end := time.Date(2026, 9, 1, 14, 0, 0, 0, time.UTC)
	_, err := svc.Create(context.Background(), "house-1", "u1", "Alice", contracts.ParsedEvent{
		Title:     "Picnic",
		StartTime: time.Date(2026, 9, 1, 15, 0, 0, 0, time.UTC),
		EndTime:   &end,
	})
	if !errors.Is(err, ErrEndBeforeStart) {
		t.Fatalf("expected ErrEndBeforeStart, got %v", err)
	}
}

func TestCreate_RepositoryErrorPropagates(t *testing.T) {
	repoErr := errors.New("connection refused")
	svc := newTestService(&fakeInserter{err: repoErr})
	_, err := svc.Create(context.Background(), "house-1", "u1", "Alice", contracts.ParsedEvent{
		Title:     "Picnic",
		StartTime: time.Date(2026, 9, 1, 15, 0, 0, 0, time.UTC),
	})
	if !errors.Is(err, repoErr) {
		t.Fatalf("expected repository error, got %v", err)
	}
}
