package pipeline

import (
	"context"
	"log/slog"
	"sync"

	"github.com/famplan/organizer/internal/contracts"
)

// Actor identifies the user driving a pipeline run.
type Actor struct {
	UserID      string
	DisplayName string
}

// Commit is the scope a batch runs under: which household the events belong
// to, who committed them, and who gets notified.
type Commit struct {
	HouseholdID string
	Actor       Actor
	Recipients  []string
}

// CreatedEvent is one persisted event, handed to the best-effort side effects.
type CreatedEvent struct {
	ID    string
	Event contracts.ParsedEvent
}

// CreationOutcome records one persistence attempt inside a batch.
type CreationOutcome struct {
	Event         contracts.ParsedEvent
	CreatedID     string
	FailureReason string
}

// BatchResult aggregates a batch commit. Succeeded == 0 with Attempted > 0
// is the all-failed state, distinct from Attempted == 0 (nothing to create).
type BatchResult struct {
	Attempted  int      `json:"attempted"`
	Succeeded  int      `json:"succeeded"`
	CreatedIDs []string `json:"created_ids"`
}

type CreateFunc func(ctx context.Context, commit Commit, event contracts.ParsedEvent) (string, error)
type SyncFunc func(ctx context.Context, commit Commit, created CreatedEvent) (bool, error)
type NotifyFunc func(ctx context.Context, commit Commit, created CreatedEvent) error

// BatchCreator persists the events of a committed confirmation, one at a
// time, in order. It owns no state across calls; all capabilities are
// injected. One failed creation never aborts the batch, and failures of the
// two best-effort side effects (device-calendar sync, notification fan-out)
// are logged and never reach the BatchResult.
type BatchCreator struct {
	Create CreateFunc
	Sync   SyncFunc
	Notify NotifyFunc
	Logger *slog.Logger
}

// Run processes events sequentially: event i+1 is not attempted until event
// i's creation resolved. Sync and notify for a created event run without
// blocking the loop; they may still be in flight while the next event is
// created, but all are joined before Run returns.
func (b *BatchCreator) Run(ctx context.Context, commit Commit, events []contracts.ParsedEvent) (BatchResult, []CreationOutcome) {
	result := BatchResult{CreatedIDs: []string{}}
	if len(events) == 0 {
		return result, nil
	}

	outcomes := make([]CreationOutcome, 0, len(events))

	var sideEffects sync.WaitGroup
	defer sideEffects.Wait()

	for _, event := range events {
		result.Attempted++

		createdID, err := b.Create(ctx, commit, event)
		if err != nil {
			b.logger().Warn("event creation failed",
				"household_id", commit.HouseholdID,
				"title", event.Title,
				"error", err,
			)
			eventsTotal.WithLabelValues("failed").Inc()
			outcomes = append(outcomes, CreationOutcome{Event: event, FailureReason: err.Error()})
			continue
		}

		result.Succeeded++
		result.CreatedIDs = append(result.CreatedIDs, createdID)
		eventsTotal.WithLabelValues("created").Inc()
		outcomes = append(outcomes, CreationOutcome{Event: event, CreatedID: createdID})

		created := CreatedEvent{ID: createdID, Event: event}
		sideEffects.Add(2)
		go func() {
			defer sideEffects.Done()
			b.runSync(ctx, commit, created)
		}()
		go func() {
			defer sideEffects.Done()
			b.runNotify(ctx, commit, created)
		}()
	}

	return result, outcomes
}

func (b *BatchCreator) runSync(ctx context.Context, commit Commit, created CreatedEvent) {
	if b.Sync == nil {
		return
	}
	synced, err := b.Sync(ctx, commit, created)
	if err != nil {
		sideEffectFailures.WithLabelValues("sync").Inc()
		b.logger().Warn("calendar sync failed", "event_id", created.ID, "error", err)
		return
	}
	if !synced {
		b.logger().Debug("calendar sync skipped", "event_id", created.ID)
	}
}

func (b *BatchCreator) runNotify(ctx context.Context, commit Commit, created CreatedEvent) {
	if b.Notify == nil || len(commit.Recipients) == 0 {
		return
	}
	if err := b.Notify(ctx, commit, created); err != nil {
		sideEffectFailures.WithLabelValues("notify").Inc()
		b.logger().Warn("notification fan-out failed", "event_id", created.ID, "error", err)
	}
}

func (b *BatchCreator) logger() *slog.Logger {
	if b.Logger != nil {
		return b.Logger
	}
	return slog.Default()
}
