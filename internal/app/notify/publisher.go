package notify

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/nats-io/nuid"

	"github.com/famplan/organizer/internal/contracts"
	"github.com/famplan/organizer/internal/sharding"
)

var (
	ErrHouseholdRequired = errors.New("household_id is required")
	ErrEventIDRequired   = errors.New("event_id is required")
)

type PublishFunc func(subject string, payload []byte) error

// Publisher emits an EventCreatedNotice for every persisted calendar event.
// Publishing is best-effort from the pipeline's point of view; the caller
// decides what to do with a failure.
type Publisher struct {
	Publish PublishFunc
	Now     func() time.Time
	NewID   func() string
}

func NewPublisher(publish PublishFunc) *Publisher {
	return &Publisher{
		Publish: publish,
		Now:     func() time.Time { return time.Now().UTC() },
		NewID:   nuid.Next,
	}
}

// EventCreated builds and publishes the notice to that household's shard
// subject.
func (p *Publisher) EventCreated(householdID, eventID, title string, startTime time.Time, actorUserID, actorName string, recipientIDs []string) (contracts.EventCreatedNotice, error) {
	householdID = strings.TrimSpace(householdID)
	if householdID == "" {
		return contracts.EventCreatedNotice{}, ErrHouseholdRequired
	}
	if strings.TrimSpace(eventID) == "" {
		return contracts.EventCreatedNotice{}, ErrEventIDRequired
	}

	notice := contracts.EventCreatedNotice{
		NoticeID:     p.NewID(),
		EventID:      eventID,
		HouseholdID:  householdID,
		Title:        title,
		StartTime:    startTime,
		ActorUserID:  actorUserID,
		ActorName:    actorName,
		RecipientIDs: recipientIDs,
		OccurredAt:   p.Now(),
		ShardID:      sharding.GetShardID(householdID),
	}

	payload, err := json.Marshal(notice)
	if err != nil {
		return contracts.EventCreatedNotice{}, err
	}
	if err := p.Publish(sharding.NoticeSubject(householdID), payload); err != nil {
		return contracts.EventCreatedNotice{}, err
	}
	return notice, nil
}
