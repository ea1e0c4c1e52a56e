package contracts

import "time"

// ParsedEvent is one calendar-event candidate extracted from free-form input
// by the parsing adapter. EndTime is nil for point-in-time events.
type ParsedEvent struct {
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	StartTime   time.Time  `json:"start_time"`
	EndTime     *time.Time `json:"end_time,omitempty"`
	Location    string     `json:"location,omitempty"`
}

// ParseResult is the parsing adapter's output for one submission. An empty
// Events slice means nothing was recognized, which is not an error.
type ParseResult struct {
	Events       []ParsedEvent `json:"events"`
	Summary      string        `json:"summary,omitempty"`
	RawUserInput string        `json:"raw_user_input,omitempty"`
}

// EventCreatedNotice is published by pipeline-api after an event is persisted
// and consumed by notify-dispatcher, which fans it out to recipient inboxes.
type EventCreatedNotice struct {
	NoticeID     string    `json:"notice_id"`
	EventID      string    `json:"event_id"`
	HouseholdID  string    `json:"household_id"`
	Title        string    `json:"title"`
	StartTime    time.Time `json:"start_time"`
	ActorUserID  string    `json:"actor_user_id"`
	ActorName    string    `json:"actor_name"`
	RecipientIDs []string  `json:"recipient_ids"`
	OccurredAt   time.Time `json:"occurred_at"`
	ShardID      int       `json:"shard_id"`
}
