// Package booking drives bookings through their lifecycle: creation,
// rebooking, status transitions, worker assignment and reassignment, and
// tracking-token issuance.
package booking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/example/booking-engine/internal/audit"
	"github.com/example/booking-engine/internal/captoken"
	"github.com/example/booking-engine/internal/matcher"
	"github.com/example/booking-engine/internal/models"
	"github.com/example/booking-engine/internal/notify"
	"github.com/example/booking-engine/internal/payments"
	"github.com/example/booking-engine/internal/policy"
	"github.com/example/booking-engine/internal/pricing"
	"github.com/example/booking-engine/internal/storage"
)

type Store interface {
	storage.BookingStore
	UpsertConversation(ctx context.Context, customerID, workerID, bookingID string) (*models.Conversation, error)
}

type Matcher interface {
	Resolve(ctx context.Context, pref matcher.Preference, req matcher.Request) (matcher.Assignment, error)
	MatchWorker(ctx context.Context, req matcher.Request) (matcher.Match, bool, error)
	EvaluateWorker(ctx context.Context, workerID string, req matcher.Request) (models.Worker, string, error)
}

type Catalog interface {
	Service(id string) (pricing.Service, error)
	ComputePriceBreakup(serviceID string, addonIDs []string) (models.PriceBreakdown, error)
}

type Payer interface {
	Collect(ctx context.Context, userID string, method models.PaymentMethod, price models.PriceBreakdown, idempotencyKey string) (payments.Receipt, error)
	Refund(ctx context.Context, r payments.Receipt) error
}

// Notifier is fire-and-forget.
type Notifier interface {
	Notify(userID string, n notify.Notification)
}

type Deps struct {
	Store    Store
	Matcher  Matcher
	Catalog  Catalog
	Payments Payer
	Notifier Notifier
	Audit    audit.Recorder
	Policy   policy.Source
	Tokens   *captoken.Authority
	Logger   *slog.Logger
	// TokenTTL is used for tracking tokens; zero means the authority default.
	TokenTTL time.Duration
}

type Service struct {
	Deps
	locks *keyedMutex
	now   func() time.Time
}

func NewService(d Deps) *Service {
	return &Service{Deps: d, locks: newKeyedMutex(), now: time.Now}
}

// Result is returned by Create and Rebook.
type Result struct {
	Booking    *models.Booking   `json:"booking"`
	Idempotent bool              `json:"idempotent"`
	Payment    *payments.Receipt `json:"payment,omitempty"`
}

func (s *Service) record(ctx context.Context, actor models.Identity, action, bookingID string, meta map[string]any) {
	s.recordTarget(ctx, actor, action, "booking", bookingID, meta)
}

func (s *Service) recordTarget(ctx context.Context, actor models.Identity, action, targetType, targetID string, meta map[string]any) {
	if s.Audit == nil {
		return
	}
	s.Audit.Record(ctx, actor.UserID, actor.Role, action, targetType, targetID, meta)
}

func (s *Service) notify(userID string, n notify.Notification) {
	if s.Notifier == nil || userID == "" {
		return
	}
	s.Notifier.Notify(userID, n)
}

func bookingHref(id string) string { return "/bookings/" + id }

// load fetches a booking and checks that the identity is a party to it.
func (s *Service) load(ctx context.Context, id string, who models.Identity) (*models.Booking, error) {
	b, err := s.Store.GetBooking(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, notFound()
		}
		return nil, fmt.Errorf("load booking %s: %w", id, err)
	}
	if !canView(b, who) {
		return nil, forbidden()
	}
	return b, nil
}

func canView(b *models.Booking, who models.Identity) bool {
	if who.IsAdmin() {
		return true
	}
	switch who.Role {
	case models.RoleCustomer:
		return b.CustomerID == who.UserID
	case models.RoleWorker:
		return b.AssignedWorker() == who.UserID
	}
	return false
}

func (s *Service) save(ctx context.Context, b *models.Booking) error {
	if err := s.Store.UpdateBooking(ctx, b); err != nil {
		if errors.Is(err, storage.ErrStale) {
			return newError(CodeConcurrentUpdate, "booking was modified concurrently; retry", nil)
		}
		return fmt.Errorf("update booking %s: %w", b.ID, err)
	}
	return nil
}

// Get returns a booking visible to who.
func (s *Service) Get(ctx context.Context, id string, who models.Identity) (*models.Booking, error) {
	return s.load(ctx, id, who)
}

// UpdateStatus performs an ordinary lifecycle transition.
func (s *Service) UpdateStatus(ctx context.Context, id string, who models.Identity, to models.BookingStatus, note string) (*models.Booking, error) {
	unlock := s.locks.Lock("booking:" + id)
	defer unlock()

	b, err := s.load(ctx, id, who)
	if err != nil {
		return nil, err
	}
	from := b.Status
	if !CanTransition(from, to) {
		s.record(ctx, who, "booking.transition_rejected", b.ID, map[string]any{"from": from, "to": to})
		return nil, newError(CodeIllegalTransition, fmt.Sprintf("cannot move booking from %s to %s", from, to),
			map[string]any{"from": from, "to": to})
	}
	if !mayTransition(b, who, to) {
		s.record(ctx, who, "booking.transition_forbidden", b.ID, map[string]any{"from": from, "to": to})
		return nil, newError(CodeForbidden, fmt.Sprintf("%s may not move this booking to %s", who.Role, to), nil)
	}
	if err := Transition(b, to, who, note, s.now()); err != nil {
		return nil, err
	}
	if err := s.save(ctx, b); err != nil {
		return nil, err
	}
	s.record(ctx, who, "booking.status_changed", b.ID, map[string]any{"from": from, "to": to, "note": note})

	n := notify.Notification{
		Title: "Booking " + string(to),
		Body:  fmt.Sprintf("Your booking is now %s.", to),
		Href:  bookingHref(b.ID),
		Meta:  map[string]any{"bookingId": b.ID, "status": to},
	}
	if who.UserID != b.CustomerID {
		s.notify(b.CustomerID, n)
	}
	if w := b.AssignedWorker(); w != "" && w != who.UserID {
		s.notify(w, n)
	}
	return b, nil
}

// mayTransition applies the per-role rules on top of graph legality.
func mayTransition(b *models.Booking, who models.Identity, to models.BookingStatus) bool {
	switch {
	case who.IsAdmin():
		return true
	case who.Role == models.RoleWorker:
		if b.AssignedWorker() != who.UserID {
			return false
		}
		return to == models.StatusOnway || to == models.StatusWorking || to == models.StatusCompleted
	case who.Role == models.RoleCustomer:
		return b.CustomerID == who.UserID && to == models.StatusCancelled &&
			(b.Status == models.StatusConfirmed || b.Status == models.StatusAssigned)
	}
	return false
}

// Assign lets an admin hand an unassigned booking to a specific worker.
func (s *Service) Assign(ctx context.Context, id string, who models.Identity, workerID string) (*models.Booking, error) {
	if !who.IsAdmin() {
		return nil, forbidden()
	}
	unlock := s.locks.Lock("booking:" + id)
	defer unlock()

	b, err := s.load(ctx, id, who)
	if err != nil {
		return nil, err
	}
	if b.WorkerID != nil || (b.Status != models.StatusConfirmed && !canReassign(b.Status)) {
		return nil, newError(CodeIllegalTransition, "only unassigned active bookings can be assigned manually",
			map[string]any{"status": b.Status})
	}
	req, err := s.matchRequest(b, b.SlotTime)
	if err != nil {
		return nil, err
	}
	req.IgnoreBookingID = b.ID
	if _, reason, err := s.Matcher.EvaluateWorker(ctx, workerID, req); err != nil {
		return nil, fmt.Errorf("evaluate worker: %w", err)
	} else if reason != "" {
		return nil, newError(CodeWorkerUnavailable, reason, map[string]any{"workerId": workerID, "reason": reason})
	}
	b.WorkerID = &workerID
	b.AssignmentMode = models.AssignmentManual
	b.AssignmentReason = "assigned by admin"
	b.NeedsManualAssignment = false
	if b.Status == models.StatusConfirmed {
		err = Transition(b, models.StatusAssigned, who, b.AssignmentReason, s.now())
	} else {
		err = noteReassignment(b, who, b.AssignmentReason, s.now())
	}
	if err != nil {
		return nil, err
	}
	s.linkConversation(ctx, b)
	if err := s.save(ctx, b); err != nil {
		return nil, err
	}
	s.record(ctx, who, "booking.assigned", b.ID, map[string]any{"workerId": workerID})
	s.notifyAssigned(b)
	return b, nil
}

// linkConversation upserts the customer/worker thread; failures are logged
// and the booking stays usable without chat.
func (s *Service) linkConversation(ctx context.Context, b *models.Booking) {
	w := b.AssignedWorker()
	if w == "" {
		return
	}
	c, err := s.Store.UpsertConversation(ctx, b.CustomerID, w, b.ID)
	if err != nil {
		s.Logger.Warn("conversation upsert failed", "booking_id", b.ID, "error", err)
		return
	}
	b.ConversationID = c.ID
}

func (s *Service) notifyAssigned(b *models.Booking) {
	meta := map[string]any{"bookingId": b.ID, "slotTime": b.SlotTime}
	s.notify(b.CustomerID, notify.Notification{
		Title: "Worker assigned",
		Body:  "A worker has been assigned to your booking.",
		Href:  bookingHref(b.ID),
		Meta:  meta,
	})
	s.notify(b.AssignedWorker(), notify.Notification{
		Title: "New job",
		Body:  fmt.Sprintf("You have a new %s job on %s.", b.Category, b.SlotTime.UTC().Format(time.RFC1123)),
		Href:  bookingHref(b.ID),
		Meta:  meta,
	})
}

func (s *Service) matchRequest(b *models.Booking, slot time.Time) (matcher.Request, error) {
	svc, err := s.Catalog.Service(b.ServiceID)
	if err != nil {
		return matcher.Request{}, newError(CodeInvalidRequest, err.Error(), nil)
	}
	return matcher.Request{
		Category: svc.Category,
		Location: b.Address.Loc,
		SlotTime: slot,
		Duration: svc.Duration(),
	}, nil
}

// TrackingGrant is the tracking-token response.
type TrackingGrant struct {
	Token       string      `json:"token"`
	ExpiresAt   time.Time   `json:"expiresAt"`
	Permissions Permissions `json:"permissions"`
}

type Permissions struct {
	CanSend bool `json:"canSend"`
}

// IssueTrackingToken grants a capability for the booking's tracking room
// while a worker is on the job.
func (s *Service) IssueTrackingToken(ctx context.Context, id string, who models.Identity) (TrackingGrant, error) {
	b, err := s.load(ctx, id, who)
	if err != nil {
		return TrackingGrant{}, err
	}
	switch b.Status {
	case models.StatusAssigned, models.StatusOnway, models.StatusWorking:
	default:
		return TrackingGrant{}, newError(CodeBookingNotActive, "tracking is only available while a worker is on the job",
			map[string]any{"status": b.Status})
	}
	tok, claims, err := s.Tokens.Issue(b.ID, who.UserID, who.Role, s.TokenTTL)
	if err != nil {
		return TrackingGrant{}, fmt.Errorf("issue tracking token: %w", err)
	}
	canSend := who.Role == models.RoleWorker && b.AssignedWorker() == who.UserID
	s.record(ctx, who, "booking.tracking_token_issued", b.ID, map[string]any{"canSend": canSend})
	return TrackingGrant{Token: tok, ExpiresAt: claims.ExpiresAt().UTC(), Permissions: Permissions{CanSend: canSend}}, nil
}
