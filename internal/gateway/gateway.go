// Package gateway is the authenticated real-time connection endpoint. Each
// connection runs as its own read/write goroutine pair that owns its
// authorization state; rooms live on the Bus.
package gateway

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/example/booking-engine/internal/auth"
	"github.com/example/booking-engine/internal/captoken"
	"github.com/example/booking-engine/internal/models"
	"github.com/example/booking-engine/internal/observability"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 16 * 1024
	sendBuffer     = 256
	lookupTimeout  = 3 * time.Second
)

// ConversationLookup is the storage read used for room access checks.
type ConversationLookup interface {
	GetConversation(ctx context.Context, id string) (*models.Conversation, error)
}

// MessageSink takes chat messages for asynchronous persistence.
type MessageSink interface {
	Offer(msg models.ChatMessage)
}

// SampleSink takes tracking samples for throttled persistence.
type SampleSink interface {
	Offer(s models.LocationSample)
}

type Options struct {
	Verifier      auth.Verifier
	SessionCookie string
	Tokens        *captoken.Authority
	Conversations ConversationLookup
	Messages      MessageSink
	Samples       SampleSink
	Origins       OriginPolicy

	EventsPerSecond float64
	EventBurst      int

	Logger *slog.Logger
	Now    func() time.Time
	// AfterFunc schedules f after d and returns its cancel; time.AfterFunc by default.
	AfterFunc func(d time.Duration, f func()) (stop func() bool)
}

type Gateway struct {
	bus      *Bus
	opts     Options
	upgrader websocket.Upgrader
	validate *validator.Validate
	logger   *slog.Logger
	now      func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(bus *Bus, opts Options) *Gateway {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.AfterFunc == nil {
		opts.AfterFunc = func(d time.Duration, f func()) func() bool { return time.AfterFunc(d, f).Stop }
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.EventsPerSecond <= 0 {
		opts.EventsPerSecond = 20
	}
	if opts.EventBurst <= 0 {
		opts.EventBurst = 40
	}
	if opts.Origins.Logger == nil {
		opts.Origins.Logger = opts.Logger
	}
	ctx, cancel := context.WithCancel(context.Background())
	g := &Gateway{
		bus:      bus,
		opts:     opts,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   opts.Logger,
		now:      opts.Now,
		ctx:      ctx,
		cancel:   cancel,
	}
	g.upgrader = websocket.Upgrader{
		ReadBufferSize:   1024,
		WriteBufferSize:  1024,
		CheckOrigin:      opts.Origins.Check,
		HandshakeTimeout: 10 * time.Second,
	}
	return g
}

// ServeHTTP authenticates the handshake and, on success, upgrades the
// connection and joins it to the caller's personal room.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !g.opts.Origins.Check(r) {
		observability.WSEvents.WithLabelValues("handshake", "origin_rejected").Inc()
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}
	ident, err := auth.Authenticate(g.opts.Verifier, r, g.opts.SessionCookie)
	if err != nil {
		observability.WSEvents.WithLabelValues("handshake", "unauthenticated").Inc()
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	up := g.upgrader
	if proto := authProtocol(r); proto != "" {
		// browsers fail the handshake unless one offered protocol is echoed
		up.Subprotocols = []string{proto}
	}
	conn, err := up.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", "user_id", ident.UserID, "error", err)
		return
	}
	observability.WSEvents.WithLabelValues("handshake", "ok").Inc()

	s := newSession(g, conn, ident)
	g.bus.subscribe(userRoom(ident.UserID), s.sub)
	observability.WSConnections.Inc()
	g.wg.Add(2)
	go s.writePump()
	go s.readPump()
}

// PushToUser sends an event to every connection of userID, on any node.
func (g *Gateway) PushToUser(userID, event string, payload any) error {
	frame, err := encodeFrame(event, payload)
	if err != nil {
		return err
	}
	g.bus.Publish(userRoom(userID), frame, nil)
	return nil
}

// Shutdown closes every open connection and waits for their goroutines.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.cancel()
	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *Gateway) newLimiter() *rate.Limiter {
	return rate.NewLimiter(rate.Limit(g.opts.EventsPerSecond), g.opts.EventBurst)
}

func authProtocol(r *http.Request) string {
	for _, h := range r.Header.Values("Sec-WebSocket-Protocol") {
		for _, p := range strings.Split(h, ",") {
			if p = strings.TrimSpace(p); strings.HasPrefix(p, "auth.") {
				return p
			}
		}
	}
	return ""
}
