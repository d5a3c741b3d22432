package booking

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/example/booking-engine/internal/matcher"
	"github.com/example/booking-engine/internal/models"
	"github.com/example/booking-engine/internal/storage"
)

// RebookRequest derives a new booking from a finished one.
type RebookRequest struct {
	SlotTime         string               `json:"slotTime"`
	WorkerPreference string               `json:"workerPreference" validate:"omitempty,oneof=same auto"`
	StrictSameWorker *bool                `json:"strictSameWorker"`
	PaymentMethod    models.PaymentMethod `json:"paymentMethod" validate:"required,oneof=wallet online cod"`
	IdempotencyKey   string               `json:"idempotencyKey" validate:"omitempty,max=128"`
}

// Rebook creates a new booking from sourceID. Each step is a hard gate:
// ownership, eligibility, idempotency, slot, conflict, matching, payment,
// persistence.
func (s *Service) Rebook(ctx context.Context, sourceID string, who models.Identity, req RebookRequest) (*Result, error) {
	res, err := s.rebook(ctx, sourceID, who, req)
	observeOutcome("rebook", err)
	return res, err
}

func (s *Service) rebook(ctx context.Context, sourceID string, who models.Identity, req RebookRequest) (*Result, error) {
	src, err := s.Store.GetBooking(ctx, sourceID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, notFound()
		}
		return nil, fmt.Errorf("load source booking: %w", err)
	}
	if !who.IsAdmin() && !(who.Role == models.RoleCustomer && src.CustomerID == who.UserID) {
		return nil, forbidden()
	}

	pol, err := s.Policy.Current(ctx)
	if err != nil {
		return nil, fmt.Errorf("load policy: %w", err)
	}
	now := s.now()
	if reasons := pol.RebookBlockers(src, now); len(reasons) > 0 {
		s.record(ctx, who, "booking.rebook_blocked", src.ID, map[string]any{"reasons": reasons})
		return nil, newError(CodeRebookNotEligible, "this booking cannot be rebooked", map[string]any{"reasons": reasons})
	}

	d := &draft{
		op:         "rebook",
		actor:      who,
		customerID: src.CustomerID,
		serviceID:  src.ServiceID,
		addons:     src.Addons,
		address:    src.Address,
		method:     req.PaymentMethod,
		idemKey:    strings.TrimSpace(req.IdempotencyKey),
		source:     src,
		codes:      rebookCodes,
	}

	// replays short-circuit before slot validation so a retry after the
	// original slot became too close still returns the first result
	if res, ok, err := s.idempotentHit(ctx, d); err != nil || ok {
		return res, err
	}

	if strings.TrimSpace(req.SlotTime) == "" {
		d.slot, err = checkSlot(defaultRebookSlot(src.SlotTime, now, pol.MinLead), now, pol.MinLead, pol.MaxFuture(), rebookCodes)
	} else {
		d.slot, err = validateSlot(req.SlotTime, now, pol.MinLead, pol.MaxFuture(), rebookCodes)
	}
	if err != nil {
		s.record(ctx, who, "booking.rebook_invalid_slot", src.ID, map[string]any{"slotTime": req.SlotTime, "code": CodeOf(err)})
		return nil, err
	}

	d.pref = matcher.Preference{Mode: matcher.PreferAuto}
	if req.WorkerPreference == string(matcher.PreferSame) {
		strict := pol.DefaultStrictSame
		if req.StrictSameWorker != nil {
			strict = *req.StrictSameWorker
		}
		prev := previousWorker(src)
		if prev == "" && strict {
			reason := "source booking has no previous worker"
			s.record(ctx, who, "booking.rebook_worker_unavailable", src.ID, map[string]any{"reason": reason})
			return nil, newError(CodeRebookSameUnavailable, reason, map[string]any{"reason": reason})
		}
		d.pref = matcher.Preference{Mode: matcher.PreferSame, WorkerID: prev, Strict: strict}
	}
	return s.place(ctx, d)
}

// previousWorker is the worker currently or most recently on src.
func previousWorker(src *models.Booking) string {
	if w := src.AssignedWorker(); w != "" {
		return w
	}
	return src.RequestedWorkerID
}

// defaultRebookSlot keeps the source's weekday and time of day: the first
// whole-week offset from the source slot that clears the minimum lead.
func defaultRebookSlot(source, now time.Time, minLead time.Duration) time.Time {
	const week = 7 * 24 * time.Hour
	earliest := now.Add(minLead)
	if !source.Before(earliest) {
		return source.Add(week)
	}
	weeks := int(earliest.Sub(source)/week) + 1
	return source.Add(time.Duration(weeks) * week)
}
