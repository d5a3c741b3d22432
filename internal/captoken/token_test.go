package captoken

import (
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/example/booking-engine/internal/models"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.t = f.t.Add(d)
	f.mu.Unlock()
}

func newTestAuthority(t *testing.T) (*Authority, *fakeClock) {
	t.Helper()
	clk := &fakeClock{t: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
	a, err := NewAuthority([]byte("0123456789abcdef-test-secret"), WithClock(clk.Now))
	if err != nil {
		t.Fatalf("NewAuthority: %v", err)
	}
	return a, clk
}

func TestIssueVerifyRoundTrip(t *testing.T) {
	a, clk := newTestAuthority(t)
	tok, _, err := a.Issue("b1", "w1", models.RoleWorker, 10*time.Minute)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	for _, step := range []time.Duration{0, time.Minute, 9*time.Minute + 59*time.Second} {
		clk.t = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC).Add(step)
		c, err := a.Verify(tok)
		if err != nil {
			t.Fatalf("Verify at +%s: %v", step, err)
		}
		if c.BookingID != "b1" || c.SubjectID != "w1" || c.Role != models.RoleWorker {
			t.Fatalf("unexpected claims %+v", c)
		}
	}
}

func TestVerifyFailsAtAndAfterExpiry(t *testing.T) {
	a, clk := newTestAuthority(t)
	tok, _, err := a.Issue("b1", "c1", models.RoleCustomer, time.Minute)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	clk.Advance(time.Minute)
	if _, err := a.Verify(tok); !errors.Is(err, ErrExpired) {
		t.Fatalf("at expiry: want ErrExpired, got %v", err)
	}
	clk.Advance(time.Hour)
	if _, err := a.Verify(tok); !errors.Is(err, ErrExpired) {
		t.Fatalf("after expiry: want ErrExpired, got %v", err)
	}
}

func TestDefaultTTL(t *testing.T) {
	a, clk := newTestAuthority(t)
	_, c, err := a.Issue("b1", "c1", models.RoleCustomer, 0)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if got := c.ExpiresAt().Sub(clk.Now()); got != DefaultTTL {
		t.Fatalf("default ttl = %s, want %s", got, DefaultTTL)
	}
}

func TestSignatureBitFlips(t *testing.T) {
	a, _ := newTestAuthority(t)
	tok, _, err := a.Issue("booking-42", "worker-7", models.RoleWorker, time.Hour)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	dot := strings.IndexByte(tok, '.')
	for i := dot + 1; i < len(tok); i++ {
		for bit := 0; bit < 8; bit++ {
			b := []byte(tok)
			b[i] ^= 1 << bit
			if _, err := a.Verify(string(b)); err == nil {
				t.Fatalf("flip at byte %d bit %d still verified", i, bit)
			}
		}
	}
}

func TestTamperedPayloadRejected(t *testing.T) {
	a, _ := newTestAuthority(t)
	other, _ := newTestAuthority(t)
	tok, _, _ := a.Issue("b1", "w1", models.RoleWorker, time.Hour)
	forged, _, _ := other.Issue("b2", "w1", models.RoleWorker, time.Hour)

	// payload from one token, signature from another
	spliced := strings.SplitN(forged, ".", 2)[0] + "." + strings.SplitN(tok, ".", 2)[1]
	if _, err := a.Verify(spliced); !errors.Is(err, ErrSignature) {
		t.Fatalf("want ErrSignature, got %v", err)
	}

	wrongKey, _ := NewAuthority([]byte("another-secret-of-length"))
	if _, err := wrongKey.Verify(tok); !errors.Is(err, ErrSignature) {
		t.Fatalf("want ErrSignature for wrong key, got %v", err)
	}
}

func TestMalformedTokens(t *testing.T) {
	a, _ := newTestAuthority(t)
	cases := []string{
		"",
		"abc",
		"a.b.c",
		".sig",
		"payload.",
		"!!!.AAAA",
		"eyJ2IjoxfQ.AAAA", // {"v":1} lacks required fields
	}
	for _, tc := range cases {
		if _, err := a.Verify(tc); !errors.Is(err, ErrMalformed) {
			t.Errorf("Verify(%q) = %v, want ErrMalformed", tc, err)
		}
	}
}

func TestIssueRejectsMissingFields(t *testing.T) {
	a, _ := newTestAuthority(t)
	if _, _, err := a.Issue("", "u", models.RoleWorker, 0); !errors.Is(err, ErrMalformed) {
		t.Fatalf("want ErrMalformed, got %v", err)
	}
}

func TestNewAuthorityRequiresSecret(t *testing.T) {
	if _, err := NewAuthority(nil); !errors.Is(err, ErrNoSecret) {
		t.Fatalf("want ErrNoSecret, got %v", err)
	}
}
