package payments

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/example/booking-engine/internal/logging"
	"github.com/example/booking-engine/internal/models"
	"github.com/example/booking-engine/internal/storage"
)

var price = models.PriceBreakdown{Total: 5000, Currency: "usd"}

func TestWalletCollectAndRefund(t *testing.T) {
	ctx := context.Background()
	st := storage.NewMemoryStore()
	st.SetWalletBalance("c1", 8000)
	s := NewService(st, st, DemoGateway{})

	r, err := s.Collect(ctx, "c1", models.PaymentWallet, price, "")
	if err != nil {
		t.Fatal(err)
	}
	if r.Status != models.PaymentPaid || r.PaymentID == "" {
		t.Fatalf("unexpected receipt %+v", r)
	}
	if bal, _ := st.WalletBalance(ctx, "c1"); bal != 3000 {
		t.Fatalf("expected 3000 left, got %d", bal)
	}
	if err := s.Refund(ctx, r); err != nil {
		t.Fatal(err)
	}
	if bal, _ := st.WalletBalance(ctx, "c1"); bal != 8000 {
		t.Fatalf("expected refund to restore 8000, got %d", bal)
	}
	if p, _ := st.Payment(r.PaymentID); p.Status != models.PaymentRefunded {
		t.Fatalf("expected refunded payment, got %s", p.Status)
	}
}

func TestWalletInsufficientFunds(t *testing.T) {
	st := storage.NewMemoryStore()
	s := NewService(st, st, nil)
	_, err := s.Collect(context.Background(), "c1", models.PaymentWallet, price, "")
	if !errors.Is(err, storage.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
}

func TestOnlineDemoAndCOD(t *testing.T) {
	st := storage.NewMemoryStore()
	s := NewService(st, st, DemoGateway{})
	r, err := s.Collect(context.Background(), "c1", models.PaymentOnline, price, "k1")
	if err != nil {
		t.Fatal(err)
	}
	if r.Provider != "demo" || r.Status != models.PaymentPaid {
		t.Fatalf("unexpected receipt %+v", r)
	}
	if p, ok := st.Payment(r.PaymentID); !ok || p.BookingRef != "idem:k1" {
		t.Fatalf("payment record not stored: %+v", p)
	}
	r, err = s.Collect(context.Background(), "c1", models.PaymentCOD, price, "")
	if err != nil || r.Status != models.PaymentUnpaid || r.PaymentID != "" {
		t.Fatalf("unexpected cod receipt %+v err=%v", r, err)
	}
}

type flakyGateway struct{ calls int }

func (f *flakyGateway) Name() string { return "flaky" }
func (f *flakyGateway) Charge(context.Context, int64, string, string, string) (string, error) {
	f.calls++
	return "", errors.New("gateway down")
}
func (f *flakyGateway) Refund(context.Context, string, int64) error { return nil }

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	f := &flakyGateway{}
	b := NewBreakerGateway(f, logging.Discard())
	for i := 0; i < 5; i++ {
		_, _ = b.Charge(context.Background(), 1, "usd", "c", "")
	}
	_, err := b.Charge(context.Background(), 1, "usd", "c", "")
	if !errors.Is(err, gobreaker.ErrOpenState) {
		t.Fatalf("expected open breaker, got %v", err)
	}
	if f.calls != 5 {
		t.Fatalf("expected 5 upstream calls, got %d", f.calls)
	}
}

// replayingGateway answers a repeated idempotency key with the first
// charge's id, like Stripe does for 24h.
type replayingGateway struct {
	mu       sync.Mutex
	byKey    map[string]string
	keys     []string
	refunded map[string]bool
}

func newReplayingGateway() *replayingGateway {
	return &replayingGateway{byKey: map[string]string{}, refunded: map[string]bool{}}
}

func (g *replayingGateway) Name() string { return "replaying" }

func (g *replayingGateway) Charge(_ context.Context, _ int64, _, _, key string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.keys = append(g.keys, key)
	if id, ok := g.byKey[key]; ok {
		return id, nil
	}
	id := fmt.Sprintf("pi_%d", len(g.byKey)+1)
	g.byKey[key] = id
	return id, nil
}

func (g *replayingGateway) Refund(_ context.Context, id string, _ int64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.refunded[id] = true
	return nil
}

func TestOnlineChargesAreDistinctPerAttempt(t *testing.T) {
	ctx := context.Background()
	st := storage.NewMemoryStore()
	gw := newReplayingGateway()
	s := NewService(st, st, gw)

	first, err := s.Collect(ctx, "c1", models.PaymentOnline, price, "k1")
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Refund(ctx, first); err != nil {
		t.Fatal(err)
	}
	second, err := s.Collect(ctx, "c1", models.PaymentOnline, price, "k1")
	if err != nil {
		t.Fatal(err)
	}
	if second.ProviderID == first.ProviderID {
		t.Fatalf("retry after refund reused charge %s", first.ProviderID)
	}
	if gw.refunded[second.ProviderID] {
		t.Fatalf("new charge already refunded")
	}
	if gw.keys[0] != first.PaymentID || gw.keys[1] != second.PaymentID {
		t.Fatalf("gateway key must be the payment id, got %v", gw.keys)
	}
}
