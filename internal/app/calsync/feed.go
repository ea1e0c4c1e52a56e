package calsync

import (
	"time"

	ical "github.com/arran4/golang-ical"

	"github.com/famplan/organizer/internal/app/events"
)

// BuildFeed renders a household's events as one ICS document, for calendar
// apps that subscribe to the household feed instead of receiving pushes.
func BuildFeed(householdName string, items []events.StoredEvent, now time.Time) string {
	cal := ical.NewCalendar()
	cal.SetProductId(prodID)
	cal.SetMethod(ical.MethodPublish)
	if householdName != "" {
		cal.SetName(householdName)
		cal.SetXWRCalName(householdName)
	}
	for _, event := range items {
		appendVEvent(cal, event, now)
	}
	return cal.Serialize()
}
