package payments

import (
	"context"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/paymentintent"
	"github.com/stripe/stripe-go/v74/refund"
)

// StripeGateway charges through PaymentIntents confirmed immediately.
type StripeGateway struct {
	// PaymentMethod is attached to every intent, e.g. "pm_card_visa" in test mode.
	PaymentMethod string
}

// NewStripeGateway sets the package-level stripe key.
func NewStripeGateway(apiKey, paymentMethod string) *StripeGateway {
	stripe.Key = apiKey
	if paymentMethod == "" {
		paymentMethod = "pm_card_visa"
	}
	return &StripeGateway{PaymentMethod: paymentMethod}
}

func (s *StripeGateway) Name() string { return "stripe" }

func (s *StripeGateway) Charge(ctx context.Context, amount int64, currency, customerID, idempotencyKey string) (string, error) {
	params := &stripe.PaymentIntentParams{
		Amount:             stripe.Int64(amount),
		Currency:           stripe.String(currency),
		PaymentMethod:      stripe.String(s.PaymentMethod),
		PaymentMethodTypes: stripe.StringSlice([]string{"card"}),
		Confirm:            stripe.Bool(true),
	}
	params.Context = ctx
	params.AddMetadata("customer_id", customerID)
	if idempotencyKey != "" {
		params.SetIdempotencyKey("charge:" + customerID + ":" + idempotencyKey)
	}
	pi, err := paymentintent.New(params)
	if err != nil {
		return "", err
	}
	return pi.ID, nil
}

func (s *StripeGateway) Refund(ctx context.Context, paymentIntentID string, amount int64) error {
	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(paymentIntentID),
		Amount:        stripe.Int64(amount),
	}
	params.Context = ctx
	_, err := refund.New(params)
	return err
}
