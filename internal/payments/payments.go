// Package payments collects and refunds booking payments for the three
// supported methods: wallet, online and cash on delivery.
package payments

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/example/booking-engine/internal/models"
	"github.com/example/booking-engine/internal/storage"
)

var ErrUnsupportedMethod = errors.New("payments: unsupported payment method")

// Gateway charges cards through an external provider.
type Gateway interface {
	Name() string
	// Charge must return the same provider id for a repeated idempotencyKey.
	Charge(ctx context.Context, amount int64, currency, customerID, idempotencyKey string) (string, error)
	Refund(ctx context.Context, providerID string, amount int64) error
}

// Receipt describes a collected payment. PaymentID is empty for cod.
type Receipt struct {
	PaymentID  string               `json:"paymentId,omitempty"`
	Method     models.PaymentMethod `json:"method"`
	Status     models.PaymentStatus `json:"status"`
	Amount     int64                `json:"amount"`
	Provider   string               `json:"provider,omitempty"`
	ProviderID string               `json:"providerId,omitempty"`
	UserID     string               `json:"userId"`
}

type Service struct {
	Wallets  storage.WalletStore
	Payments storage.PaymentStore
	Gateway  Gateway
	now      func() time.Time
}

func NewService(wallets storage.WalletStore, payments storage.PaymentStore, gw Gateway) *Service {
	return &Service{Wallets: wallets, Payments: payments, Gateway: gw, now: time.Now}
}

// Collect takes payment for price. idempotencyKey only labels the payment
// record: every call is a separate charge keyed at the gateway by its own
// payment id, so a refunded attempt is never replayed to a later one.
func (s *Service) Collect(ctx context.Context, userID string, method models.PaymentMethod, price models.PriceBreakdown, idempotencyKey string) (Receipt, error) {
	r := Receipt{Method: method, Amount: price.Total, UserID: userID}
	switch method {
	case models.PaymentCOD:
		r.Status = models.PaymentUnpaid
		return r, nil
	case models.PaymentWallet:
		r.PaymentID = uuid.NewString()
		if err := s.Wallets.DebitWallet(ctx, userID, price.Total, r.PaymentID); err != nil {
			return Receipt{}, err
		}
		r.Provider = "wallet"
	case models.PaymentOnline:
		if s.Gateway == nil {
			return Receipt{}, fmt.Errorf("%w: no online gateway configured", ErrUnsupportedMethod)
		}
		r.PaymentID = uuid.NewString()
		pid, err := s.Gateway.Charge(ctx, price.Total, price.Currency, userID, r.PaymentID)
		if err != nil {
			return Receipt{}, fmt.Errorf("charge: %w", err)
		}
		r.Provider = s.Gateway.Name()
		r.ProviderID = pid
	default:
		return Receipt{}, fmt.Errorf("%w: %q", ErrUnsupportedMethod, method)
	}
	r.Status = models.PaymentPaid
	p := &models.Payment{
		ID:         r.PaymentID,
		UserID:     userID,
		Method:     method,
		Amount:     price.Total,
		Currency:   price.Currency,
		Status:     models.PaymentPaid,
		Provider:   r.Provider,
		ProviderID: r.ProviderID,
		CreatedAt:  s.now().UTC(),
	}
	if idempotencyKey != "" {
		p.BookingRef = "idem:" + idempotencyKey
	}
	if err := s.Payments.SavePayment(ctx, p); err != nil {
		// money moved; hand the receipt back so the caller can compensate
		return r, fmt.Errorf("save payment %s: %w", r.PaymentID, err)
	}
	return r, nil
}

// Refund reverses a collected payment.
func (s *Service) Refund(ctx context.Context, r Receipt) error {
	switch r.Method {
	case models.PaymentCOD:
		return nil
	case models.PaymentWallet:
		if err := s.Wallets.CreditWallet(ctx, r.UserID, r.Amount, "refund:"+r.PaymentID); err != nil {
			return fmt.Errorf("credit wallet: %w", err)
		}
	case models.PaymentOnline:
		if s.Gateway == nil {
			return ErrUnsupportedMethod
		}
		if err := s.Gateway.Refund(ctx, r.ProviderID, r.Amount); err != nil {
			return fmt.Errorf("refund %s: %w", r.ProviderID, err)
		}
	default:
		return ErrUnsupportedMethod
	}
	if err := s.Payments.UpdatePaymentStatus(ctx, r.PaymentID, models.PaymentRefunded); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("mark refunded: %w", err)
	}
	return nil
}

// DemoGateway approves every charge; refunds void the demo record.
type DemoGateway struct{}

func (DemoGateway) Name() string { return "demo" }

func (DemoGateway) Charge(context.Context, int64, string, string, string) (string, error) {
	return "demo_" + uuid.NewString(), nil
}

func (DemoGateway) Refund(context.Context, string, int64) error { return nil }
