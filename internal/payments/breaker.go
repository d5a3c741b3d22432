package payments

import (
	"context"
	"log/slog"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"
)

// BreakerGateway stops calling a failing gateway until it recovers.
type BreakerGateway struct {
	next Gateway
	cb   *gobreaker.CircuitBreaker[string]
}

func NewBreakerGateway(next Gateway, logger *slog.Logger) *BreakerGateway {
	settings := gobreaker.Settings{
		Name:        "payments-" + next.Name(),
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("payment circuit state change", "breaker", name, "from", from.String(), "to", to.String())
		},
	}
	return &BreakerGateway{next: next, cb: gobreaker.NewCircuitBreaker[string](settings)}
}

func (b *BreakerGateway) Name() string { return b.next.Name() }

func (b *BreakerGateway) Charge(ctx context.Context, amount int64, currency, customerID, idempotencyKey string) (string, error) {
	return b.cb.Execute(func() (string, error) {
		return b.next.Charge(ctx, amount, currency, customerID, idempotencyKey)
	})
}

func (b *BreakerGateway) Refund(ctx context.Context, providerID string, amount int64) error {
	_, err := b.cb.Execute(func() (string, error) {
		return "", b.next.Refund(ctx, providerID, amount)
	})
	return err
}
