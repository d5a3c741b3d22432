package booking

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/example/booking-engine/internal/matcher"
	"github.com/example/booking-engine/internal/models"
	"github.com/example/booking-engine/internal/notify"
	"github.com/example/booking-engine/internal/observability"
	"github.com/example/booking-engine/internal/payments"
	"github.com/example/booking-engine/internal/storage"
)

// CreateRequest books a service from scratch.
type CreateRequest struct {
	ServiceID         string               `json:"serviceId" validate:"required"`
	Addons            []string             `json:"addons"`
	SlotTime          string               `json:"slotTime" validate:"required"`
	Address           models.Address       `json:"address" validate:"required"`
	PaymentMethod     models.PaymentMethod `json:"paymentMethod" validate:"required,oneof=wallet online cod"`
	WorkerPreference  string               `json:"workerPreference" validate:"omitempty,oneof=auto specific"`
	RequestedWorkerID string               `json:"requestedWorkerId" validate:"required_if=WorkerPreference specific"`
	StrictWorker      bool                 `json:"strictWorker"`
	IdempotencyKey    string               `json:"idempotencyKey" validate:"omitempty,max=128"`
}

// slotCodes picks error codes per operation.
type slotCodes struct {
	invalid, tooFar, conflict, workerUnavailable string
}

var (
	createCodes = slotCodes{CodeInvalidSlot, CodeSlotTooFar, CodeSlotConflict, CodeWorkerUnavailable}
	rebookCodes = slotCodes{CodeRebookInvalidSlot, CodeRebookSlotTooFar, CodeRebookSlotConflict, CodeRebookSameUnavailable}
)

// draft is the part of a new booking shared by create and rebook.
type draft struct {
	op         string
	actor      models.Identity
	customerID string
	serviceID  string
	addons     []string
	address    models.Address
	slot       time.Time
	method     models.PaymentMethod
	idemKey    string
	pref       matcher.Preference
	source     *models.Booking
	codes      slotCodes
}

func (d *draft) sourceID() string {
	if d.source == nil {
		return ""
	}
	return d.source.ID
}

// target names what a blocked attempt is recorded against: the source
// booking for a rebook, the customer for a fresh create.
func (d *draft) target() (string, string) {
	if d.source != nil {
		return "booking", d.source.ID
	}
	return "customer", d.customerID
}

// recordAttempt audits a step of d that produced no booking.
func (s *Service) recordAttempt(ctx context.Context, d *draft, action string, meta map[string]any) {
	typ, id := d.target()
	if d.idemKey != "" {
		meta["idempotencyKey"] = d.idemKey
	}
	s.recordTarget(ctx, d.actor, action, typ, id, meta)
}

// Create places a new booking for the calling customer.
func (s *Service) Create(ctx context.Context, who models.Identity, req CreateRequest) (*Result, error) {
	res, err := s.create(ctx, who, req)
	observeOutcome("create", err)
	return res, err
}

func (s *Service) create(ctx context.Context, who models.Identity, req CreateRequest) (*Result, error) {
	if who.Role != models.RoleCustomer {
		return nil, newError(CodeForbidden, "only customers can create bookings", nil)
	}
	pol, err := s.Policy.Current(ctx)
	if err != nil {
		return nil, fmt.Errorf("load policy: %w", err)
	}
	slot, err := validateSlot(req.SlotTime, s.now(), pol.MinLead, pol.MaxFuture(), createCodes)
	if err != nil {
		return nil, err
	}
	pref := matcher.Preference{Mode: matcher.PreferAuto}
	if req.WorkerPreference == string(matcher.PreferSpecific) {
		pref = matcher.Preference{Mode: matcher.PreferSpecific, WorkerID: req.RequestedWorkerID, Strict: req.StrictWorker}
	}
	return s.place(ctx, &draft{
		op:         "create",
		actor:      who,
		customerID: who.UserID,
		serviceID:  req.ServiceID,
		addons:     req.Addons,
		address:    req.Address,
		slot:       slot,
		method:     req.PaymentMethod,
		idemKey:    strings.TrimSpace(req.IdempotencyKey),
		pref:       pref,
		codes:      createCodes,
	})
}

// validateSlot parses raw and checks it against the lead and horizon.
func validateSlot(raw string, now time.Time, minLead, maxFuture time.Duration, codes slotCodes) (time.Time, error) {
	slot, err := time.Parse(time.RFC3339, strings.TrimSpace(raw))
	if err != nil {
		return time.Time{}, newError(codes.invalid, "slotTime must be an RFC 3339 timestamp", map[string]any{"slotTime": raw})
	}
	return checkSlot(slot, now, minLead, maxFuture, codes)
}

func checkSlot(slot, now time.Time, minLead, maxFuture time.Duration, codes slotCodes) (time.Time, error) {
	slot = slot.UTC().Truncate(time.Second)
	if slot.Sub(now) < minLead {
		return time.Time{}, newError(codes.invalid, fmt.Sprintf("slotTime must be at least %s in the future", minLead),
			map[string]any{"slotTime": slot})
	}
	if maxFuture > 0 && slot.Sub(now) > maxFuture {
		return time.Time{}, newError(codes.tooFar, fmt.Sprintf("slotTime must be within %d days", int(maxFuture.Hours()/24)),
			map[string]any{"slotTime": slot, "maxFutureDays": int(maxFuture.Hours() / 24)})
	}
	return slot, nil
}

// place runs idempotency, conflict, matching, payment, persistence,
// conversation and notification steps for a validated draft.
func (s *Service) place(ctx context.Context, d *draft) (*Result, error) {
	unlock := s.locks.Lock("customer:" + d.customerID)
	defer unlock()

	if res, ok, err := s.idempotentHit(ctx, d); err != nil || ok {
		return res, err
	}

	if clash, err := s.Store.FindActiveAtSlot(ctx, d.customerID, d.slot, ""); err == nil {
		return nil, s.slotConflict(ctx, d, clash.ID)
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("slot conflict check: %w", err)
	}

	svc, err := s.Catalog.Service(d.serviceID)
	if err != nil {
		return nil, newError(CodeInvalidRequest, err.Error(), map[string]any{"serviceId": d.serviceID})
	}
	price, err := s.Catalog.ComputePriceBreakup(d.serviceID, d.addons)
	if err != nil {
		return nil, newError(CodeInvalidRequest, err.Error(), map[string]any{"serviceId": d.serviceID, "addons": d.addons})
	}

	asg, err := s.Matcher.Resolve(ctx, d.pref, matcher.Request{
		Category:        svc.Category,
		Location:        d.address.Loc,
		SlotTime:        d.slot,
		Duration:        svc.Duration(),
		IgnoreBookingID: d.sourceID(),
	})
	if err != nil {
		var ue *matcher.UnavailableError
		if errors.As(err, &ue) {
			s.recordAttempt(ctx, d, "booking."+d.op+"_worker_unavailable",
				map[string]any{"workerId": ue.WorkerID, "reason": ue.Reason})
			return nil, newError(d.codes.workerUnavailable, ue.Reason, map[string]any{"workerId": ue.WorkerID, "reason": ue.Reason})
		}
		return nil, fmt.Errorf("match worker: %w", err)
	}

	receipt, err := s.Payments.Collect(ctx, d.customerID, d.method, price, d.idemKey)
	if err != nil {
		if receipt.PaymentID != "" {
			s.compensate(ctx, d, receipt, err)
		}
		s.recordAttempt(ctx, d, "booking."+d.op+"_payment_failed", map[string]any{"method": d.method, "error": err.Error()})
		if errors.Is(err, storage.ErrInsufficientFunds) {
			return nil, newError(CodeInsufficientBalance, "wallet balance is too low", map[string]any{"amount": price.Total})
		}
		return nil, newError(CodePaymentFailed, "payment could not be completed", map[string]any{"method": d.method})
	}

	now := s.now().UTC()
	b := &models.Booking{
		CustomerID:        d.customerID,
		SlotTime:          d.slot,
		Address:           d.address,
		ServiceID:         svc.ID,
		Category:          svc.Category,
		Addons:            append([]string(nil), d.addons...),
		Price:             price,
		PaymentMethod:     d.method,
		PaymentStatus:     receipt.Status,
		PaymentRef:        receipt.PaymentID,
		AssignmentMode:    asg.Mode,
		AssignmentReason:  asg.Reason,
		StrictWorker:      d.pref.Strict,
		RequestedWorkerID: d.pref.WorkerID,
		IdempotencyKey:    d.idemKey,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if asg.WorkerID != "" {
		w := asg.WorkerID
		b.WorkerID = &w
	} else {
		b.NeedsManualAssignment = true
	}
	if src := d.source; src != nil {
		b.IsRebook = true
		b.SourceBookingID = src.RootID()
		b.RebookVersion = src.RebookVersion + 1
	}
	initialize(b, d.actor, now)

	if err := s.Store.CreateBooking(ctx, b); err != nil {
		return s.recoverCreate(ctx, d, receipt, err)
	}

	if b.WorkerID != nil {
		s.linkConversation(ctx, b)
		if b.ConversationID != "" {
			if err := s.save(ctx, b); err != nil {
				s.Logger.Warn("link conversation failed", "booking_id", b.ID, "error", err)
			}
		}
	}

	kind := "new"
	if b.IsRebook {
		kind = "rebook"
	}
	observability.BookingsCreated.WithLabelValues(kind).Inc()
	meta := map[string]any{
		"assignmentMode":   b.AssignmentMode,
		"assignmentReason": b.AssignmentReason,
		"paymentMethod":    b.PaymentMethod,
		"paymentId":        receipt.PaymentID,
	}
	if b.IsRebook {
		meta["sourceBookingId"] = d.sourceID()
		meta["rootBookingId"] = b.SourceBookingID
		meta["rebookVersion"] = b.RebookVersion
	}
	action := "booking.created"
	if b.IsRebook {
		action = "booking.rebooked"
	}
	s.record(ctx, d.actor, action, b.ID, meta)

	title := "Booking confirmed"
	if b.IsRebook {
		title = "Booking rebooked"
	}
	s.notify(b.CustomerID, notify.Notification{
		Title: title,
		Body:  fmt.Sprintf("Your %s booking is set for %s.", b.Category, b.SlotTime.Format(time.RFC1123)),
		Href:  bookingHref(b.ID),
		Meta:  map[string]any{"bookingId": b.ID, "status": b.Status},
	})
	if w := b.AssignedWorker(); w != "" {
		s.notify(w, notify.Notification{
			Title: "New job",
			Body:  fmt.Sprintf("You have a new %s job on %s.", b.Category, b.SlotTime.Format(time.RFC1123)),
			Href:  bookingHref(b.ID),
			Meta:  map[string]any{"bookingId": b.ID},
		})
	}
	out := &Result{Booking: b}
	if receipt.PaymentID != "" {
		out.Payment = &receipt
	}
	return out, nil
}

func (s *Service) idempotentHit(ctx context.Context, d *draft) (*Result, bool, error) {
	if d.idemKey == "" {
		return nil, false, nil
	}
	existing, err := s.Store.FindByIdempotencyKey(ctx, d.customerID, d.idemKey)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("idempotency lookup: %w", err)
	}
	s.record(ctx, d.actor, "booking."+d.op+"_idempotent_replay", existing.ID, map[string]any{"idempotencyKey": d.idemKey})
	return &Result{Booking: existing, Idempotent: true}, true, nil
}

func (s *Service) slotConflict(ctx context.Context, d *draft, clashID string) error {
	s.recordAttempt(ctx, d, "booking."+d.op+"_slot_conflict",
		map[string]any{"slotTime": d.slot, "conflictingBookingId": clashID})
	return newError(d.codes.conflict, "you already have an active booking at this time",
		map[string]any{"conflictingBookingId": clashID, "slotTime": d.slot})
}

// recoverCreate handles a failed insert after payment: constraint races are
// resolved by re-querying the winner; every path refunds first.
func (s *Service) recoverCreate(ctx context.Context, d *draft, receipt payments.Receipt, cause error) (*Result, error) {
	switch {
	case storage.IsConflict(cause, storage.ConstraintIdempotency):
		s.compensate(ctx, d, receipt, cause)
		winner, err := s.Store.FindByIdempotencyKey(ctx, d.customerID, d.idemKey)
		if err != nil {
			return nil, fmt.Errorf("requery idempotency winner: %w", err)
		}
		s.record(ctx, d.actor, "booking."+d.op+"_idempotent_race", winner.ID, map[string]any{"idempotencyKey": d.idemKey})
		return &Result{Booking: winner, Idempotent: true}, nil
	case storage.IsConflict(cause, storage.ConstraintActiveSlot):
		s.compensate(ctx, d, receipt, cause)
		clashID := ""
		if clash, err := s.Store.FindActiveAtSlot(ctx, d.customerID, d.slot, ""); err == nil {
			clashID = clash.ID
		}
		return nil, s.slotConflict(ctx, d, clashID)
	}
	s.Logger.Error("booking insert failed", "op", d.op, "customer_id", d.customerID, "error", cause)
	details := map[string]any{"paymentId": receipt.PaymentID}
	if src := d.sourceID(); src != "" {
		details["sourceBookingId"] = src
	}
	if !s.compensate(ctx, d, receipt, cause) {
		details["compensationFailed"] = true
		return nil, newError(CodePersistenceFailed, "booking could not be saved and the payment needs manual reconciliation", details)
	}
	details["refunded"] = receipt.PaymentID != ""
	return nil, newError(CodePersistenceFailed, "booking could not be saved; any payment was refunded", details)
}

// compensate refunds receipt and reports whether the money is back.
func (s *Service) compensate(ctx context.Context, d *draft, receipt payments.Receipt, cause error) bool {
	if receipt.PaymentID == "" {
		return true
	}
	meta := map[string]any{"paymentId": receipt.PaymentID, "method": receipt.Method, "amount": receipt.Amount, "cause": cause.Error()}
	if src := d.sourceID(); src != "" {
		meta["sourceBookingId"] = src
	}
	// the request context may already be cancelled; the refund must still run
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := s.Payments.Refund(rctx, receipt); err != nil {
		observability.Compensations.WithLabelValues("failed").Inc()
		meta["error"] = err.Error()
		s.Logger.Error("payment compensation failed", "payment_id", receipt.PaymentID, "source_booking_id", d.sourceID(), "error", err)
		s.recordAttempt(ctx, d, "booking.payment_compensation_failed", meta)
		return false
	}
	observability.Compensations.WithLabelValues("refunded").Inc()
	s.recordAttempt(ctx, d, "booking.payment_compensated", meta)
	return true
}

func observeOutcome(op string, err error) {
	code := "OK"
	if err != nil {
		if code = CodeOf(err); code == "" {
			code = "INTERNAL"
		}
	}
	observability.BookingOutcomes.WithLabelValues(op, code).Inc()
}
