// Package captoken issues and verifies short-lived tracking capability
// tokens. A token is base64url(JSON payload) + "." + base64url(HMAC-SHA256)
// computed over the encoded payload. Verification needs only the shared
// secret and the clock, so any gateway replica can check any token.
package captoken

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/example/booking-engine/internal/models"
)

const (
	Version    = 1
	DefaultTTL = 90 * time.Minute
)

var (
	ErrMalformed = errors.New("captoken: malformed token")
	ErrSignature = errors.New("captoken: signature mismatch")
	ErrExpired   = errors.New("captoken: token expired")
	ErrNoSecret  = errors.New("captoken: signing secret is empty")
)

// strictB64 refuses non-zero trailing bits so every signature bit counts.
var strictB64 = base64.RawURLEncoding.Strict()

// Claims is the verified content of a token.
type Claims struct {
	Version   int         `json:"v"`
	BookingID string      `json:"bookingId"`
	SubjectID string      `json:"subjectId"`
	Role      models.Role `json:"role"`
	Expiry    int64       `json:"exp"`
}

// ExpiresAt returns the absolute expiry instant.
func (c Claims) ExpiresAt() time.Time { return time.Unix(c.Expiry, 0) }

// Valid reports whether the claims are still usable at now.
func (c Claims) Valid(now time.Time) bool {
	return now.Unix() < c.Expiry
}

// Authority signs and verifies tokens. It holds no mutable state and is safe
// for concurrent use.
type Authority struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

type Option func(*Authority)

// WithClock overrides the wall clock, for tests.
func WithClock(now func() time.Time) Option { return func(a *Authority) { a.now = now } }

// WithTTL sets the default lifetime used when Issue gets ttl <= 0.
func WithTTL(ttl time.Duration) Option {
	return func(a *Authority) {
		if ttl > 0 {
			a.ttl = ttl
		}
	}
}

func NewAuthority(secret []byte, opts ...Option) (*Authority, error) {
	if len(secret) == 0 {
		return nil, ErrNoSecret
	}
	a := &Authority{secret: append([]byte(nil), secret...), ttl: DefaultTTL, now: time.Now}
	for _, o := range opts {
		o(a)
	}
	return a, nil
}

// Issue mints a token for subjectID acting as role on bookingID.
func (a *Authority) Issue(bookingID, subjectID string, role models.Role, ttl time.Duration) (string, Claims, error) {
	if bookingID == "" || subjectID == "" || role == "" {
		return "", Claims{}, ErrMalformed
	}
	if ttl <= 0 {
		ttl = a.ttl
	}
	c := Claims{
		Version:   Version,
		BookingID: bookingID,
		SubjectID: subjectID,
		Role:      role,
		Expiry:    a.now().Add(ttl).Unix(),
	}
	raw, err := json.Marshal(c)
	if err != nil {
		return "", Claims{}, err
	}
	payload := base64.RawURLEncoding.EncodeToString(raw)
	return payload + "." + a.sign(payload), c, nil
}

// Verify checks structure, signature and expiry. Structural problems are
// rejected before any cryptographic comparison.
func (a *Authority) Verify(token string) (Claims, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return Claims{}, ErrMalformed
	}
	raw, err := strictB64.DecodeString(parts[0])
	if err != nil {
		return Claims{}, ErrMalformed
	}
	var c Claims
	if err := json.Unmarshal(raw, &c); err != nil {
		return Claims{}, ErrMalformed
	}
	if c.Version == 0 || c.BookingID == "" || c.SubjectID == "" || c.Role == "" || c.Expiry == 0 {
		return Claims{}, ErrMalformed
	}
	got, err := strictB64.DecodeString(parts[1])
	if err != nil {
		return Claims{}, ErrMalformed
	}
	want := a.mac(parts[0])
	if !hmac.Equal(got, want) {
		return Claims{}, ErrSignature
	}
	if !c.Valid(a.now()) {
		return Claims{}, ErrExpired
	}
	return c, nil
}

func (a *Authority) mac(payload string) []byte {
	m := hmac.New(sha256.New, a.secret)
	m.Write([]byte(payload))
	return m.Sum(nil)
}

func (a *Authority) sign(payload string) string {
	return base64.RawURLEncoding.EncodeToString(a.mac(payload))
}
