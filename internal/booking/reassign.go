package booking

import (
	"context"
	"fmt"

	"github.com/example/booking-engine/internal/models"
	"github.com/example/booking-engine/internal/notify"
)

// ReportUnavailable is called when the assigned worker cannot attend. The
// booking is auto-matched to someone else or, failing that, left without a
// worker and flagged for manual assignment. A confirmed booking moves to
// assigned; otherwise the status is kept and the change is noted in history.
func (s *Service) ReportUnavailable(ctx context.Context, id string, who models.Identity, reason string) (*models.Booking, error) {
	unlock := s.locks.Lock("booking:" + id)
	defer unlock()

	b, err := s.load(ctx, id, who)
	if err != nil {
		return nil, err
	}
	incumbent := b.AssignedWorker()
	if !who.IsAdmin() && (who.Role != models.RoleWorker || incumbent != who.UserID) {
		return nil, forbidden()
	}
	switch b.Status {
	case models.StatusConfirmed, models.StatusAssigned, models.StatusOnway:
	default:
		return nil, newError(CodeIllegalTransition, fmt.Sprintf("cannot reassign a booking in %s", b.Status),
			map[string]any{"status": b.Status})
	}
	if incumbent == "" {
		return nil, newError(CodeInvalidRequest, "booking has no assigned worker", nil)
	}

	req, err := s.matchRequest(b, b.SlotTime)
	if err != nil {
		return nil, err
	}
	req.ExcludeWorkerIDs = []string{incumbent}
	req.IgnoreBookingID = b.ID
	m, ok, err := s.Matcher.MatchWorker(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("rematch: %w", err)
	}

	now := s.now()
	prevConversation := b.ConversationID
	if ok {
		note := fmt.Sprintf("reassigned after worker %s became unavailable: %s", incumbent, reason)
		if b.Status == models.StatusConfirmed {
			err = Transition(b, models.StatusAssigned, models.SystemActor, note, now)
		} else {
			err = noteReassignment(b, models.SystemActor, note, now)
		}
		if err != nil {
			return nil, err
		}
		w := m.Worker.ID
		b.WorkerID = &w
		b.AssignmentMode = models.AssignmentAuto
		b.AssignmentReason = fmt.Sprintf("reassigned: auto-matched (score %.3f)", m.Score)
		b.NeedsManualAssignment = false
		s.linkConversation(ctx, b)
	} else {
		note := fmt.Sprintf("worker %s unavailable and no replacement found: %s", incumbent, reason)
		if b.Status != models.StatusConfirmed {
			if err := noteReassignment(b, models.SystemActor, note, now); err != nil {
				return nil, err
			}
		}
		b.WorkerID = nil
		b.AssignmentReason = "no replacement worker found; awaiting manual assignment"
		b.NeedsManualAssignment = true
	}
	if err := s.save(ctx, b); err != nil {
		return nil, err
	}

	meta := map[string]any{"previousWorkerId": incumbent, "reason": reason, "previousConversationId": prevConversation}
	if ok {
		meta["workerId"] = m.Worker.ID
		meta["score"] = m.Score
		s.record(ctx, who, "booking.reassigned", b.ID, meta)
		s.notifyAssigned(b)
	} else {
		s.record(ctx, who, "booking.reassignment_failed", b.ID, meta)
		s.notify(b.CustomerID, notify.Notification{
			Title: "Finding a new worker",
			Body:  "Your worker can no longer attend. We are finding a replacement.",
			Href:  bookingHref(b.ID),
			Meta:  map[string]any{"bookingId": b.ID, "needsManualAssignment": true},
		})
	}
	s.notify(incumbent, notify.Notification{
		Title: "Job released",
		Body:  "You have been released from this booking.",
		Href:  bookingHref(b.ID),
		Meta:  map[string]any{"bookingId": b.ID},
	})
	return b, nil
}
