package calsync

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/famplan/organizer/internal/app/events"
)

func sampleEvent() events.StoredEvent {
	end := time.Date(2026, 9, 1, 16, 0, 0, 0, time.UTC)
	return events.StoredEvent{
		EventID:     "evt-1",
		HouseholdID: "house-1",
		Title:       "Dentist appointment",
		Description: "Bring insurance card",
		Location:    "Main St 12",
		StartTime:   time.Date(2026, 9, 1, 15, 0, 0, 0, time.UTC),
		EndTime:     &end,
		CreatedAt:   time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC),
	}
}

func TestSyncSkippedWhenUnconfigured(t *testing.T) {
	s := NewSyncer("", "", "")
	synced, err := s.Sync(context.Background(), sampleEvent())
	if err != nil {
		t.Fatalf("Sync error: %v", err)
	}
	if synced {
		t.Fatal("unconfigured syncer must report skipped")
	}
}

func TestSyncPutsCalendarObject(t *testing.T) {
	var gotMethod, gotPath, gotUser, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		gotUser, _, _ = r.BasicAuth()
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	s := NewSyncer(srv.URL+"/calendars/", "famplan", "secret")
	s.Now = func() time.Time { return time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC) }

	synced, err := s.Sync(context.Background(), sampleEvent())
	if err != nil {
		t.Fatalf("Sync error: %v", err)
	}
	if !synced {
		t.Fatal("expected synced=true")
	}
	if gotMethod != http.MethodPut {
		t.Fatalf("method = %s", gotMethod)
	}
	if gotPath != "/calendars/house-1/evt-1.ics" {
		t.Fatalf("path = %s", gotPath)
	}
	if gotUser != "famplan" {
		t.Fatalf("basic auth user = %q", gotUser)
	}
	for _, want := range []string{"BEGIN:VEVENT", "UID:evt-1", "SUMMARY:Dentist appointment", "LOCATION:Main St 12"} {
		if !strings.Contains(gotBody, want) {
			t.Fatalf("body missing %q:\n%s", want, gotBody)
		}
	}
}

func TestSyncReportsServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	s := NewSyncer(srv.URL, "", "")
	synced, err := s.Sync(context.Background(), sampleEvent())
	if err == nil {
		t.Fatal("expected error for 403 response")
	}
	if synced {
		t.Fatal("failed sync must not report synced")
	}
}

func TestBuildFeedContainsAllEvents(t *testing.T) {
	second := sampleEvent()
	second.EventID = "evt-2"
	second.Title = "Soccer practice"

	feed := BuildFeed("The Parkers", []events.StoredEvent{sampleEvent(), second}, time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC))
	for _, want := range []string{"UID:evt-1", "UID:evt-2", "SUMMARY:Soccer practice"} {
		if !strings.Contains(feed, want) {
			t.Fatalf("feed missing %q:\n%s", want, feed)
		}
	}
	if strings.Count(feed, "BEGIN:VEVENT") != 2 {
		t.Fatalf("expected 2 VEVENTs:\n%s", feed)
	}
}
