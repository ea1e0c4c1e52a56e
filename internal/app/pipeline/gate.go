package pipeline

import (
	"time"

	"github.com/famplan/organizer/internal/contracts"
)

// PendingConfirmation is the gate's sole piece of state: one parse result
// waiting for the user's commit or cancel.
type PendingConfirmation struct {
	HouseholdID string
	ParseResult contracts.ParseResult
	ReceivedAt  time.Time
}

// Gate is the human-in-the-loop checkpoint between parsing and persistence.
// At most one PendingConfirmation is alive at a time; a new parse result
// replaces the current one (last-write-wins, no queue). The zero value is a
// closed gate. Not safe for concurrent use; the orchestrator serializes
// access per run.
type Gate struct {
	pending *PendingConfirmation
}

// Offer opens the gate with the given confirmation, replacing any pending
// one. A parse result with zero events never opens the gate.
func (g *Gate) Offer(p PendingConfirmation) bool {
	if len(p.ParseResult.Events) == 0 {
		return false
	}
	g.pending = &p
	return true
}

func (g *Gate) IsOpen() bool {
	return g.pending != nil
}

// Pending returns the confirmation under review, or nil when closed.
func (g *Gate) Pending() *PendingConfirmation {
	return g.pending
}

// Commit closes the gate and hands the pending confirmation to the caller
// for batch creation. Returns false when the gate is closed.
func (g *Gate) Commit() (PendingConfirmation, bool) {
	if g.pending == nil {
		return PendingConfirmation{}, false
	}
	p := *g.pending
	g.pending = nil
	return p, true
}

// Cancel discards the pending confirmation unconditionally. Cancelling a
// closed gate is a no-op.
func (g *Gate) Cancel() bool {
	if g.pending == nil {
		return false
	}
	g.pending = nil
	return true
}
