package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"handoff/internal/domain"
)

// Transition events.
const (
	EventClaim        = "claim"
	EventComplete     = "complete"
	EventCancel       = "cancel"
	EventFail         = "fail"
	EventReject       = "reject"
	EventReopen       = "reopen"
	EventLeaseExpired = "lease_expired"
	EventUpdate       = "update"
	EventDelete       = "delete"
)

// DefaultLease is applied when a claim does not specify a duration.
const DefaultLease = 60 * time.Second

// ErrAlreadyClaimed distinguishes "someone else got it first" from a generic
// invalid transition, so callers can branch on it.
var ErrAlreadyClaimed = errors.New("task already claimed")

// InvalidTransitionError names the current status and the attempted event.
type InvalidTransitionError struct {
	From  string
	Event string
}

func (e InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition: cannot %s task in status %s", e.Event, e.From)
}

// Transition is a request to move a task along one edge of the lifecycle
// graph. Only the fields relevant to Event are read.
type Transition struct {
	Event string
	Actor domain.Actor

	// claim
	Lease time.Duration

	// complete
	Outputs json.RawMessage

	// fail / reject / reopen
	Reason string

	// update
	Title       *string
	Description *string
	Priority    *int
}

// Apply validates tr against t's current status and mutates t in place.
// It is a pure function of (task, transition, now); persistence and event
// publication are the caller's concern.
func Apply(t *domain.Task, tr Transition, now time.Time) error {
	switch tr.Event {
	case EventClaim:
		if t.Status == domain.StatusInProgress {
			return ErrAlreadyClaimed
		}
		if t.Status != domain.StatusPending {
			return InvalidTransitionError{From: t.Status, Event: tr.Event}
		}
		lease := tr.Lease
		if lease <= 0 {
			lease = DefaultLease
		}
		actor := tr.Actor
		expires := now.Add(lease)
		t.Status = domain.StatusInProgress
		t.ClaimedBy = &actor
		t.LeaseExpiresAt = &expires
	case EventComplete:
		if t.Status != domain.StatusInProgress {
			return InvalidTransitionError{From: t.Status, Event: tr.Event}
		}
		t.Status = domain.StatusCompleted
		t.Outputs = tr.Outputs
		clearClaim(t)
	case EventCancel:
		if t.Status != domain.StatusInProgress {
			return InvalidTransitionError{From: t.Status, Event: tr.Event}
		}
		t.Status = domain.StatusCancelled
		clearClaim(t)
	case EventFail:
		if t.Status != domain.StatusInProgress {
			return InvalidTransitionError{From: t.Status, Event: tr.Event}
		}
		t.Status = domain.StatusFailed
		t.FailureReason = tr.Reason
		clearClaim(t)
	case EventLeaseExpired:
		if t.Status != domain.StatusInProgress {
			return InvalidTransitionError{From: t.Status, Event: tr.Event}
		}
		t.Status = domain.StatusPending
		clearClaim(t)
	case EventReject:
		if t.Status != domain.StatusPending {
			return InvalidTransitionError{From: t.Status, Event: tr.Event}
		}
		t.Status = domain.StatusRejected
		t.RejectionReason = tr.Reason
	case EventReopen:
		if !domain.Terminal(t.Status) {
			return InvalidTransitionError{From: t.Status, Event: tr.Event}
		}
		// Prior outputs and failure/rejection reasons are kept as history.
		t.Status = domain.StatusPending
		t.ReopenReason = tr.Reason
	case EventUpdate:
		// Allowed from any status; never touches status or claim.
		if tr.Title != nil {
			t.Title = *tr.Title
		}
		if tr.Description != nil {
			t.Description = *tr.Description
		}
		if tr.Priority != nil {
			t.Priority = *tr.Priority
		}
	case EventDelete:
		if domain.Terminal(t.Status) {
			return InvalidTransitionError{From: t.Status, Event: tr.Event}
		}
	default:
		return InvalidTransitionError{From: t.Status, Event: tr.Event}
	}
	return nil
}

// EventKind maps a committed transition event to the event kind published on
// the watch stream. Delete has no published kind.
func EventKind(event string) string {
	switch event {
	case EventClaim:
		return domain.EventTaskClaimed
	case EventComplete:
		return domain.EventTaskCompleted
	case EventCancel:
		return domain.EventTaskCancelled
	case EventFail:
		return domain.EventTaskFailed
	case EventReject:
		return domain.EventTaskRejected
	case EventReopen:
		return domain.EventTaskReopened
	case EventLeaseExpired:
		return domain.EventTaskLeaseExpired
	case EventUpdate:
		return domain.EventTaskUpdated
	}
	return ""
}

func clearClaim(t *domain.Task) {
	t.ClaimedBy = nil
	t.LeaseExpiresAt = nil
}
