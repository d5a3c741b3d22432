// Package auth resolves platform session credentials to an identity. It is
// the only place that knows how access tokens are shaped.
package auth

import (
	"errors"
	"net/http"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"

	"github.com/example/booking-engine/internal/models"
)

var ErrUnauthenticated = errors.New("unauthenticated")

// Verifier is the identity/session collaborator.
type Verifier interface {
	VerifyAccessToken(raw string) (models.Identity, error)
}

type Claims struct {
	Sub  string `json:"sub"`
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// JWTVerifier checks HS256 access tokens minted by the platform.
type JWTVerifier struct {
	secret []byte
	now    func() time.Time
}

func NewJWTVerifier(secret string) *JWTVerifier {
	return &JWTVerifier{secret: []byte(secret), now: time.Now}
}

func (v *JWTVerifier) VerifyAccessToken(raw string) (models.Identity, error) {
	if raw == "" {
		return models.Identity{}, ErrUnauthenticated
	}
	t, err := jwt.ParseWithClaims(raw, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(v.now))
	if err != nil {
		return models.Identity{}, ErrUnauthenticated
	}
	c, ok := t.Claims.(*Claims)
	if !ok || !t.Valid || c.Sub == "" {
		return models.Identity{}, ErrUnauthenticated
	}
	role := models.Role(c.Role)
	switch role {
	case models.RoleCustomer, models.RoleWorker, models.RoleAdmin:
	default:
		return models.Identity{}, ErrUnauthenticated
	}
	return models.Identity{UserID: c.Sub, Role: role}, nil
}

// CreateAccessToken mints a session token; used by tooling and tests.
func CreateAccessToken(secret, sub string, role models.Role, ttl time.Duration) (string, error) {
	claims := Claims{Sub: sub, Role: string(role), RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl))}}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// CredentialFromRequest picks the raw credential, in priority order: the
// Authorization bearer header, the handshake auth field (query parameter
// "token" or Sec-WebSocket-Protocol "auth.<token>"), then the named cookie.
func CredentialFromRequest(r *http.Request, cookieName string) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		if tok := strings.TrimSpace(strings.TrimPrefix(h, "Bearer ")); tok != "" {
			return tok
		}
	}
	if tok := r.URL.Query().Get("token"); tok != "" {
		return tok
	}
	for _, p := range websocketProtocols(r) {
		if strings.HasPrefix(p, "auth.") && len(p) > len("auth.") {
			return strings.TrimPrefix(p, "auth.")
		}
	}
	if cookieName != "" {
		if c, err := r.Cookie(cookieName); err == nil && c.Value != "" {
			return c.Value
		}
	}
	return ""
}

func websocketProtocols(r *http.Request) []string {
	var out []string
	for _, h := range r.Header.Values("Sec-WebSocket-Protocol") {
		for _, p := range strings.Split(h, ",") {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}

// Authenticate resolves a request's credential to an identity.
func Authenticate(v Verifier, r *http.Request, cookieName string) (models.Identity, error) {
	raw := CredentialFromRequest(r, cookieName)
	if raw == "" {
		return models.Identity{}, ErrUnauthenticated
	}
	return v.VerifyAccessToken(raw)
}
