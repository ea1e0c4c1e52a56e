package calsync

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"

	"github.com/famplan/organizer/internal/app/events"
)

const prodID = "-//famplan//organizer//EN"

// Syncer mirrors created events to an external CalDAV calendar. The mirror
// is best-effort: callers log failures and move on, the event store stays
// the source of truth. An unconfigured Syncer reports every sync as skipped.
type Syncer struct {
	BaseURL    string
	Username   string
	Password   string
	HTTPClient *http.Client
	Now        func() time.Time
}

func NewSyncer(baseURL, username, password string) *Syncer {
	return &Syncer{
		BaseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		Username:   username,
		Password:   password,
		HTTPClient: &http.Client{Timeout: 15 * time.Second},
		Now:        func() time.Time { return time.Now().UTC() },
	}
}

// Enabled reports whether a CalDAV endpoint is configured.
func (s *Syncer) Enabled() bool {
	return s.BaseURL != ""
}

// Sync uploads one event as a single-VEVENT calendar object. It returns
// (false, nil) when no endpoint is configured, (true, nil) on success.
func (s *Syncer) Sync(ctx context.Context, event events.StoredEvent) (bool, error) {
	if !s.Enabled() {
		return false, nil
	}

	body := s.buildObject(event)
	target := fmt.Sprintf("%s/%s/%s.ics", s.BaseURL, url.PathEscape(event.HouseholdID), url.PathEscape(event.EventID))

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, target, bytes.NewReader([]byte(body)))
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "text/calendar; charset=utf-8")
	if s.Username != "" {
		req.SetBasicAuth(s.Username, s.Password)
	}

	resp, err := s.HTTPClient.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return false, fmt.Errorf("caldav put %s: unexpected status %d", target, resp.StatusCode)
	}
	return true, nil
}

func (s *Syncer) buildObject(event events.StoredEvent) string {
	cal := ical.NewCalendar()
	cal.SetProductId(prodID)
	cal.SetMethod(ical.MethodPublish)
	appendVEvent(cal, event, s.Now())
	return cal.Serialize()
}

func appendVEvent(cal *ical.Calendar, event events.StoredEvent, stamp time.Time) {
	ve := cal.AddEvent(event.EventID)
	ve.SetCreatedTime(event.CreatedAt)
	ve.SetDtStampTime(stamp)
	ve.SetStartAt(event.StartTime)
	if event.EndTime != nil {
		ve.SetEndAt(*event.EndTime)
	}
	ve.SetSummary(event.Title)
	if event.Location != "" {
		ve.SetLocation(event.Location)
	}
	if event.Description != "" {
		ve.SetDescription(event.Description)
	}
}
