package notify

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/famplan/organizer/internal/contracts"
)

var ErrInvalidNoticePayload = errors.New("invalid notice payload")

type Repository interface {
	InsertInboxEntries(ctx context.Context, notice contracts.EventCreatedNotice, streamSeq uint64) error
}

// Dispatcher consumes EventCreatedNotice messages off the stream and writes
// one inbox row per recipient.
type Dispatcher struct {
	Repository Repository
}

func NewDispatcher(repository Repository) *Dispatcher {
	return &Dispatcher{Repository: repository}
}

// Handle processes one stream message. An undecodable payload returns
// ErrInvalidNoticePayload so the consumer can terminate the message instead
// of redelivering it forever.
func (d *Dispatcher) Handle(ctx context.Context, payload []byte, streamSeq uint64) error {
	var notice contracts.EventCreatedNotice
	if err := json.Unmarshal(payload, &notice); err != nil {
		return ErrInvalidNoticePayload
	}
	if notice.NoticeID == "" || notice.EventID == "" {
		return ErrInvalidNoticePayload
	}
	return d.Repository.InsertInboxEntries(ctx, notice, streamSeq)
}
