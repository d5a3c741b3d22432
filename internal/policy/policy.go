// Package policy holds the read-only rebooking rules.
package policy

import (
	"context"
	"time"

	"github.com/example/booking-engine/internal/models"
)

// Reason codes returned with REBOOK_NOT_ELIGIBLE.
const (
	ReasonSourceActive             = "SOURCE_ACTIVE"
	ReasonCancelledWithoutService  = "SOURCE_CANCELLED_WITHOUT_SERVICE"
	ReasonSourceTooOld             = "SOURCE_TOO_OLD"
	ReasonRebookDisabledForService = "SERVICE_NOT_REBOOKABLE"
)

type Policy struct {
	// RebookWindow bounds how far back the source slot may be.
	RebookWindow time.Duration
	// MaxFutureDays bounds how far ahead a new slot may be.
	MaxFutureDays int
	// MinLead is the minimum distance between now and a new slot.
	MinLead           time.Duration
	DefaultStrictSame bool
	// NonRebookable lists service ids that cannot be rebooked.
	NonRebookable []string
}

func (p Policy) MaxFuture() time.Duration {
	return time.Duration(p.MaxFutureDays) * 24 * time.Hour
}

// Source is queried per request so rules can change without restart.
type Source interface {
	Current(ctx context.Context) (Policy, error)
}

type Static struct {
	P Policy
}

func (s Static) Current(context.Context) (Policy, error) { return s.P, nil }

// Default mirrors the configuration defaults.
func Default() Policy {
	return Policy{
		RebookWindow:      365 * 24 * time.Hour,
		MaxFutureDays:     60,
		MinLead:           60 * time.Second,
		DefaultStrictSame: true,
	}
}

// RebookBlockers returns the reasons src cannot be rebooked at now; empty
// means eligible.
func (p Policy) RebookBlockers(src *models.Booking, now time.Time) []string {
	var reasons []string
	switch {
	case src.Status.Active():
		reasons = append(reasons, ReasonSourceActive)
	case src.Status == models.StatusCancelled && !src.Served():
		reasons = append(reasons, ReasonCancelledWithoutService)
	}
	if p.RebookWindow > 0 && now.Sub(src.SlotTime) > p.RebookWindow {
		reasons = append(reasons, ReasonSourceTooOld)
	}
	for _, id := range p.NonRebookable {
		if id == src.ServiceID {
			reasons = append(reasons, ReasonRebookDisabledForService)
			break
		}
	}
	return reasons
}
