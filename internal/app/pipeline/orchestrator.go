package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/famplan/organizer/internal/app/parse"
	"github.com/famplan/organizer/internal/contracts"
)

var (
	ErrCommitInProgress      = errors.New("a batch commit is already running")
	ErrNoPendingConfirmation = errors.New("no confirmation is pending")
)

// Phase is the explicit state of one user's pipeline run. The HTTP layer is
// a pure renderer of the RunView derived from it.
type Phase string

const (
	PhaseIdle                 Phase = "idle"
	PhaseProcessing           Phase = "processing"
	PhaseAwaitingConfirmation Phase = "awaiting_confirmation"
	PhaseCommitting           Phase = "committing"
	PhaseCompleted            Phase = "completed"
	PhaseFailed               Phase = "failed"
)

// Outcome is the single terminal notice a pipeline run surfaces to the user.
type Outcome struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

// PendingView is the review surface rendered while the gate is open.
type PendingView struct {
	HouseholdID  string                  `json:"household_id"`
	Summary      string                  `json:"summary,omitempty"`
	Events       []contracts.ParsedEvent `json:"events"`
	RawUserInput string                  `json:"raw_user_input,omitempty"`
}

// RunView is the UI-facing projection of a run.
type RunView struct {
	Phase        Phase        `json:"phase"`
	LoadingLabel string       `json:"loading_label,omitempty"`
	Pending      *PendingView `json:"pending_confirmation,omitempty"`
	Result       *BatchResult `json:"batch_result,omitempty"`
	Outcome      *Outcome     `json:"outcome,omitempty"`
}

// Parser is the contract with the natural-language extraction service.
type Parser interface {
	Parse(ctx context.Context, req parse.Request) (contracts.ParseResult, error)
}

// RecipientLister resolves the household member set for notification fan-out.
type RecipientLister interface {
	ListRecipientIDs(ctx context.Context, householdID, excludeUserID string) ([]string, error)
}

// Orchestrator coordinates the input-to-calendar-event pipeline: parse,
// confirmation gate, batch creation, aggregate outcome. It owns one run per
// user; the mobile client renders a single review surface, so a newer
// submission always supersedes an older one (last-write-wins), while a run
// whose batch commit is in flight rejects new submissions.
type Orchestrator struct {
	Parser       Parser
	Batch        *BatchCreator
	Recipients   RecipientLister
	ParseTimeout time.Duration
	Logger       *slog.Logger
	Now          func() time.Time

	mu   sync.Mutex
	runs map[string]*run
}

type run struct {
	phase        Phase
	loadingLabel string
	generation   uint64
	gate         Gate
	result       *BatchResult
	outcome      *Outcome
}

func NewOrchestrator(parser Parser, batch *BatchCreator, recipients RecipientLister, parseTimeout time.Duration, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		Parser:       parser,
		Batch:        batch,
		Recipients:   recipients,
		ParseTimeout: parseTimeout,
		Logger:       logger,
		Now:          func() time.Time { return time.Now().UTC() },
		runs:         map[string]*run{},
	}
}

func loadingLabel(kind string) string {
	switch kind {
	case parse.KindVoice:
		return "Listening to your voice note..."
	case parse.KindImage:
		return "Reading your photo..."
	default:
		return "Understanding your input..."
	}
}

// Submit runs the parse step for one input submission and, when events were
// extracted, opens the confirmation gate. Input validation errors are
// returned to the caller; parse failures terminate the run with a failure
// notice instead. The processing indicator is cleared on every path.
func (o *Orchestrator) Submit(ctx context.Context, actor Actor, householdID string, req parse.Request) (RunView, error) {
	o.mu.Lock()
	r := o.ensureRun(actor.UserID)
	if r.phase == PhaseCommitting {
		view := viewOf(r)
		o.mu.Unlock()
		return view, ErrCommitInProgress
	}
	r.generation++
	generation := r.generation
	r.phase = PhaseProcessing
	r.loadingLabel = loadingLabel(req.Kind)
	r.result = nil
	r.outcome = nil
	o.mu.Unlock()

	parseCtx := ctx
	if o.ParseTimeout > 0 {
		var cancel context.CancelFunc
		parseCtx, cancel = context.WithTimeout(ctx, o.ParseTimeout)
		defer cancel()
	}
	parseResult, err := o.Parser.Parse(parseCtx, req)

	o.mu.Lock()
	defer o.mu.Unlock()

	if r.generation != generation {
		// A newer submission superseded this one while it was in flight.
		return viewOf(r), nil
	}
	r.loadingLabel = ""

	if err != nil {
		if isInputError(err) {
			r.phase = PhaseIdle
			parsesTotal.WithLabelValues(req.Kind, "rejected").Inc()
			return viewOf(r), err
		}
		o.logger().Error("parse failed", "user_id", actor.UserID, "kind", req.Kind, "error", err)
		parsesTotal.WithLabelValues(req.Kind, "failed").Inc()
		// The new submission superseded whatever was under review; a stale
		// confirmation must not stay committable behind a failure notice.
		r.gate.Cancel()
		r.phase = PhaseFailed
		r.outcome = &Outcome{
			Title: "Processing failed",
			Body:  "We couldn't process your input. Please try again.",
		}
		return viewOf(r), nil
	}

	if len(parseResult.Events) == 0 {
		parsesTotal.WithLabelValues(req.Kind, "empty").Inc()
		r.gate.Cancel()
		r.phase = PhaseCompleted
		r.outcome = &Outcome{
			Title: "Nothing recognized",
			Body:  "We couldn't find any events in your input.",
		}
		return viewOf(r), nil
	}

	parsesTotal.WithLabelValues(req.Kind, "ok").Inc()
	r.gate.Offer(PendingConfirmation{
		HouseholdID: householdID,
		ParseResult: parseResult,
		ReceivedAt:  o.Now(),
	})
	r.phase = PhaseAwaitingConfirmation
	return viewOf(r), nil
}

// Confirm commits the pending confirmation: the batch creator persists every
// reviewed event in order and the run terminates with exactly one aggregate
// outcome notice. There is no cancellation once the commit has begun.
func (o *Orchestrator) Confirm(ctx context.Context, actor Actor) (RunView, error) {
	o.mu.Lock()
	r := o.ensureRun(actor.UserID)
	if r.phase == PhaseCommitting {
		view := viewOf(r)
		o.mu.Unlock()
		return view, ErrCommitInProgress
	}
	pending, ok := r.gate.Commit()
	if !ok {
		view := viewOf(r)
		o.mu.Unlock()
		return view, ErrNoPendingConfirmation
	}
	r.phase = PhaseCommitting
	generation := r.generation
	o.mu.Unlock()

	// Once the commit has begun it runs to completion; the caller's request
	// context must not be able to abort it mid-batch.
	commitCtx := context.WithoutCancel(ctx)

	// Recipient resolution is part of the best-effort fan-out: if it fails,
	// the batch still runs, just without notifications.
	recipients, err := o.Recipients.ListRecipientIDs(commitCtx, pending.HouseholdID, actor.UserID)
	if err != nil {
		o.logger().Warn("recipient lookup failed", "household_id", pending.HouseholdID, "error", err)
		recipients = nil
	}

	commit := Commit{
		HouseholdID: pending.HouseholdID,
		Actor:       actor,
		Recipients:  recipients,
	}
	result, _ := o.Batch.Run(commitCtx, commit, pending.ParseResult.Events)

	o.mu.Lock()
	defer o.mu.Unlock()
	if r.generation != generation {
		return viewOf(r), nil
	}
	r.phase = PhaseCompleted
	r.result = &result
	r.outcome = outcomeFor(result)
	batchesTotal.WithLabelValues(batchOutcomeLabel(result)).Inc()
	return viewOf(r), nil
}

// Cancel discards the pending confirmation. Cancelling with no pending
// confirmation is a no-op, not an error.
func (o *Orchestrator) Cancel(actor Actor) RunView {
	o.mu.Lock()
	defer o.mu.Unlock()

	r := o.ensureRun(actor.UserID)
	if r.phase == PhaseCommitting {
		return viewOf(r)
	}
	r.gate.Cancel()
	r.phase = PhaseIdle
	r.loadingLabel = ""
	r.result = nil
	r.outcome = nil
	return viewOf(r)
}

// State returns the current run projection for polling clients.
func (o *Orchestrator) State(actor Actor) RunView {
	o.mu.Lock()
	defer o.mu.Unlock()
	return viewOf(o.ensureRun(actor.UserID))
}

func (o *Orchestrator) ensureRun(userID string) *run {
	r, ok := o.runs[userID]
	if !ok {
		r = &run{phase: PhaseIdle}
		o.runs[userID] = r
	}
	return r
}

func (o *Orchestrator) logger() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return slog.Default()
}

func isInputError(err error) bool {
	return errors.Is(err, parse.ErrEmptyInput) ||
		errors.Is(err, parse.ErrUnsupportedKind) ||
		errors.Is(err, parse.ErrMissingMediaPayload)
}

func viewOf(r *run) RunView {
	view := RunView{
		Phase:        r.phase,
		LoadingLabel: r.loadingLabel,
		Result:       r.result,
		Outcome:      r.outcome,
	}
	if pending := r.gate.Pending(); pending != nil {
		view.Pending = &PendingView{
			HouseholdID:  pending.HouseholdID,
			Summary:      pending.ParseResult.Summary,
			Events:       pending.ParseResult.Events,
			RawUserInput: pending.ParseResult.RawUserInput,
		}
	}
	return view
}

func outcomeFor(result BatchResult) *Outcome {
	switch {
	case result.Attempted == 0:
		return &Outcome{Title: "Nothing to create", Body: "There were no events to add."}
	case result.Succeeded == result.Attempted && result.Attempted == 1:
		return &Outcome{Title: "Event created", Body: "Your event was added to the family calendar."}
	case result.Succeeded == result.Attempted:
		return &Outcome{
			Title: "Events created",
			Body:  fmt.Sprintf("All %d events were added to the family calendar.", result.Attempted),
		}
	case result.Succeeded == 0:
		return &Outcome{
			Title: "Creation failed",
			Body:  fmt.Sprintf("0 of %d events could be created. Please try again.", result.Attempted),
		}
	default:
		return &Outcome{
			Title: "Some events created",
			Body:  fmt.Sprintf("%d of %d events were added to the family calendar.", result.Succeeded, result.Attempted),
		}
	}
}

func batchOutcomeLabel(result BatchResult) string {
	switch {
	case result.Attempted == 0:
		return "empty"
	case result.Succeeded == result.Attempted:
		return "all"
	case result.Succeeded == 0:
		return "none"
	default:
		return "partial"
	}
}
