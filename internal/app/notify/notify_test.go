package notify

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/famplan/organizer/internal/contracts"
	"github.com/famplan/organizer/internal/sharding"
)

func newTestPublisher(publish PublishFunc) *Publisher {
	p := NewPublisher(publish)
	p.Now = func() time.Time { return time.Date(2026, 8, 30, 9, 0, 0, 0, time.UTC) }
	p.NewID = func() string { return "notice-1" }
	return p
}

func TestEventCreatedPublishesToShardSubject(t *testing.T) {
	var gotSubject string
	var gotPayload []byte
	p := newTestPublisher(func(subject string, payload []byte) error {
		gotSubject = subject
		gotPayload = payload
		return nil
	})

	start := time.Date(2026, 9, 1, 15, 0, 0, 0, time.UTC)
	notice, err := p.EventCreated("house-1", "evt-1", "Dentist", start, "u1", "Alice", []string{"u2", "u3"})
	if err != nil {
		t.Fatalf("EventCreated error: %v", err)
	}
	if gotSubject != sharding.NoticeSubject("house-1") {
		t.Fatalf("published to %q", gotSubject)
	}
	if notice.ShardID != sharding.GetShardID("house-1") {
		t.Fatalf("shard id = %d", notice.ShardID)
	}

	var decoded contracts.EventCreatedNotice
	if err := json.Unmarshal(gotPayload, &decoded); err != nil {
		t.Fatalf("payload not valid JSON: %v", err)
	}
	if decoded.NoticeID != "notice-1" || decoded.EventID != "evt-1" || decoded.Title != "Dentist" {
		t.Fatalf("unexpected notice: %+v", decoded)
	}
	if len(decoded.RecipientIDs) != 2 {
		t.Fatalf("recipients = %v", decoded.RecipientIDs)
	}
}

func TestEventCreatedValidation(t *testing.T) {
	p := newTestPublisher(func(string, []byte) error {
		t.Fatal("publish must not run for invalid input")
		return nil
	})

	if _, err := p.EventCreated("", "evt-1", "T", time.Now(), "u1", "A", nil); !errors.Is(err, ErrHouseholdRequired) {
		t.Fatalf("expected ErrHouseholdRequired, got %v", err)
	}
	if _, err := p.EventCreated("house-1", "", "T", time.Now(), "u1", "A", nil); !errors.Is(err, ErrEventIDRequired) {
		t.Fatalf("expected ErrEventIDRequired, got %v", err)
	}
}

func TestEventCreatedPublishErrorPropagates(t *testing.T) {
	pubErr := errors.New("nats down")
	p := newTestPublisher(func(string, []byte) error { return pubErr })
	if _, err := p.EventCreated("house-1", "evt-1", "T", time.Now(), "u1", "A", nil); !errors.Is(err, pubErr) {
		t.Fatalf("expected publish error, got %v", err)
	}
}

type fakeInboxRepo struct {
	notices []contracts.EventCreatedNotice
	seqs    []uint64
	err     error
}

func (f *fakeInboxRepo) InsertInboxEntries(_ context.Context, notice contracts.EventCreatedNotice, seq uint64) error {
	if f.err != nil {
		return f.err
	}
	f.notices = append(f.notices, notice)
	f.seqs = append(f.seqs, seq)
	return nil
}

func TestDispatcherHandleStoresNotice(t *testing.T) {
	repo := &fakeInboxRepo{}
	d := NewDispatcher(repo)

	notice := contracts.EventCreatedNotice{
		NoticeID:     "notice-1",
		EventID:      "evt-1",
		HouseholdID:  "house-1",
		Title:        "Dentist",
		RecipientIDs: []string{"u2"},
	}
	payload, _ := json.Marshal(notice)
	if err := d.Handle(context.Background(), payload, 42); err != nil {
		t.Fatalf("Handle error: %v", err)
	}
	if len(repo.notices) != 1 || repo.seqs[0] != 42 {
		t.Fatalf("unexpected repo state: %+v seqs=%v", repo.notices, repo.seqs)
	}
}

func TestDispatcherHandleRejectsBadPayload(t *testing.T) {
	d := NewDispatcher(&fakeInboxRepo{})

	if err := d.Handle(context.Background(), []byte("not json"), 1); !errors.Is(err, ErrInvalidNoticePayload) {
		t.Fatalf("expected ErrInvalidNoticePayload, got %v", err)
	}
	if err := d.Handle(context.Background(), []byte(`{"household_id":"h1"}`), 1); !errors.Is(err, ErrInvalidNoticePayload) {
		t.Fatalf("expected ErrInvalidNoticePayload for missing ids, got %v", err)
	}
}
