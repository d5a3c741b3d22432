package booking

import (
	"fmt"
	"time"

	"github.com/example/booking-engine/internal/models"
	"github.com/example/booking-engine/internal/observability"
)

// forward holds the ordinary lifecycle edges.
var forward = map[models.BookingStatus][]models.BookingStatus{
	models.StatusConfirmed: {models.StatusAssigned, models.StatusCancelled},
	models.StatusAssigned:  {models.StatusOnway, models.StatusCancelled},
	models.StatusOnway:     {models.StatusWorking, models.StatusCancelled},
	models.StatusWorking:   {models.StatusCompleted, models.StatusCancelled},
}

// reassignable statuses accept a self-loop entry when the worker changes
// without the lifecycle moving.
var reassignable = []models.BookingStatus{models.StatusAssigned, models.StatusOnway}

func contains(list []models.BookingStatus, s models.BookingStatus) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// CanTransition reports whether from -> to is an ordinary lifecycle edge.
func CanTransition(from, to models.BookingStatus) bool {
	return contains(forward[from], to)
}

func canReassign(status models.BookingStatus) bool {
	return contains(reassignable, status)
}

func entry(status models.BookingStatus, actor models.Identity, note string, at time.Time) models.StatusEntry {
	return models.StatusEntry{Status: status, ActorRole: actor.Role, ActorID: actor.UserID, Note: note, At: at.UTC()}
}

// Transition moves b along an ordinary edge and appends one history entry.
func Transition(b *models.Booking, to models.BookingStatus, actor models.Identity, note string, at time.Time) error {
	if !CanTransition(b.Status, to) {
		return newError(CodeIllegalTransition, fmt.Sprintf("cannot move booking from %s to %s", b.Status, to),
			map[string]any{"from": b.Status, "to": to})
	}
	apply(b, to, actor, note, at)
	return nil
}

// noteReassignment appends an entry at the current status recording a change
// of worker. The status itself never moves.
func noteReassignment(b *models.Booking, actor models.Identity, note string, at time.Time) error {
	if !canReassign(b.Status) {
		return newError(CodeIllegalTransition, fmt.Sprintf("cannot reassign booking in %s", b.Status),
			map[string]any{"status": b.Status})
	}
	apply(b, b.Status, actor, note, at)
	return nil
}

func apply(b *models.Booking, to models.BookingStatus, actor models.Identity, note string, at time.Time) {
	observability.Transitions.WithLabelValues(string(b.Status), string(to)).Inc()
	b.Status = to
	b.History = append(b.History, entry(to, actor, note, at))
}

// initialize sets the creation status. A booking created with a worker gets
// two entries, confirmed then assigned, the latter recorded as system.
func initialize(b *models.Booking, creator models.Identity, at time.Time) {
	b.History = []models.StatusEntry{entry(models.StatusConfirmed, creator, "booking created", at)}
	b.Status = models.StatusConfirmed
	if b.WorkerID != nil {
		b.History = append(b.History, entry(models.StatusAssigned, models.SystemActor, b.AssignmentReason, at))
		b.Status = models.StatusAssigned
	}
}

// ValidHistory checks that h starts at confirmed, that every step is a forward
// edge or a reassignment self-loop and that the last entry matches status.
func ValidHistory(h []models.StatusEntry, status models.BookingStatus) error {
	if len(h) == 0 {
		return fmt.Errorf("empty history")
	}
	if h[0].Status != models.StatusConfirmed {
		return fmt.Errorf("history starts at %s", h[0].Status)
	}
	for i := 1; i < len(h); i++ {
		from, to := h[i-1].Status, h[i].Status
		if !CanTransition(from, to) && !(from == to && canReassign(from)) {
			return fmt.Errorf("illegal edge %s -> %s at %d", from, to, i)
		}
		if h[i].At.Before(h[i-1].At) {
			return fmt.Errorf("history out of order at %d", i)
		}
	}
	if last := h[len(h)-1].Status; last != status {
		return fmt.Errorf("status %s does not match last history entry %s", status, last)
	}
	return nil
}
