package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/example/booking-engine/internal/models"
)

var (
	ErrNotFound          = errors.New("storage: not found")
	ErrStale             = errors.New("storage: stale version")
	ErrInsufficientFunds = errors.New("storage: insufficient wallet balance")
)

// Constraint names surfaced by ConflictError.
const (
	ConstraintIdempotency  = "bookings_customer_idem_key"
	ConstraintActiveSlot   = "bookings_customer_active_slot"
	ConstraintConversation = "conversations_members_booking"
)

// ConflictError is a unique-constraint violation. Callers treat it as an
// expected outcome and re-query for the winning row.
type ConflictError struct {
	Constraint string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("storage: unique constraint %s violated", e.Constraint)
}

// IsConflict reports whether err is a ConflictError on constraint (any
// constraint when constraint is "").
func IsConflict(err error, constraint string) bool {
	var ce *ConflictError
	if !errors.As(err, &ce) {
		return false
	}
	return constraint == "" || ce.Constraint == constraint
}

// BookingStore persists bookings.
type BookingStore interface {
	GetBooking(ctx context.Context, id string) (*models.Booking, error)
	FindByIdempotencyKey(ctx context.Context, customerID, key string) (*models.Booking, error)
	// FindActiveAtSlot returns a non-terminal booking of customerID at exactly slot.
	FindActiveAtSlot(ctx context.Context, customerID string, slot time.Time, excludeID string) (*models.Booking, error)
	CreateBooking(ctx context.Context, b *models.Booking) error
	// UpdateBooking writes b if the stored version equals b.Version and bumps it.
	UpdateBooking(ctx context.Context, b *models.Booking) error
	// WorkerBookingsBetween lists the worker's active bookings with slot in [from, to).
	WorkerBookingsBetween(ctx context.Context, workerID string, from, to time.Time) ([]*models.Booking, error)
}

type ConversationStore interface {
	UpsertConversation(ctx context.Context, customerID, workerID, bookingID string) (*models.Conversation, error)
	GetConversation(ctx context.Context, id string) (*models.Conversation, error)
	SaveMessage(ctx context.Context, m *models.ChatMessage) error
}

type WalletStore interface {
	DebitWallet(ctx context.Context, userID string, amount int64, ref string) error
	CreditWallet(ctx context.Context, userID string, amount int64, ref string) error
	WalletBalance(ctx context.Context, userID string) (int64, error)
}

type PaymentStore interface {
	SavePayment(ctx context.Context, p *models.Payment) error
	UpdatePaymentStatus(ctx context.Context, id string, status models.PaymentStatus) error
}

// Store is everything the engine persists.
type Store interface {
	BookingStore
	ConversationStore
	WalletStore
	PaymentStore
	Ping(ctx context.Context) error
}
