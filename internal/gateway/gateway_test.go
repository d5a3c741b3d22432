package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/example/booking-engine/internal/auth"
	"github.com/example/booking-engine/internal/captoken"
	"github.com/example/booking-engine/internal/logging"
	"github.com/example/booking-engine/internal/models"
	"github.com/example/booking-engine/internal/storage"
)

const sessionSecret = "gateway-test-session-secret"

type testClock struct {
	mu     sync.Mutex
	t      time.Time
	timers []*testTimer
}

type testTimer struct {
	at      time.Time
	f       func()
	stopped bool
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) AfterFunc(d time.Duration, f func()) func() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	tm := &testTimer{at: c.t.Add(d), f: f}
	c.timers = append(c.timers, tm)
	return func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		was := !tm.stopped
		tm.stopped = true
		return was
	}
}

// Advance moves the clock and runs the timers that came due, in order of
// registration, on the calling goroutine.
func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	var due []*testTimer
	pending := c.timers[:0]
	for _, tm := range c.timers {
		switch {
		case tm.stopped:
		case !tm.at.After(c.t):
			tm.stopped = true
			due = append(due, tm)
		default:
			pending = append(pending, tm)
		}
	}
	c.timers = pending
	c.mu.Unlock()
	for _, tm := range due {
		tm.f()
	}
}

type fakeSamples struct {
	mu  sync.Mutex
	got []models.LocationSample
}

func (f *fakeSamples) Offer(s models.LocationSample) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.got = append(f.got, s)
}

func (f *fakeSamples) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.got)
}

type harness struct {
	srv     *httptest.Server
	gw      *Gateway
	store   *storage.MemoryStore
	tokens  *captoken.Authority
	clock   *testClock
	samples *fakeSamples
}

func newHarness(t *testing.T, tweak func(*Options)) *harness {
	t.Helper()
	clk := &testClock{t: time.Date(2030, 3, 4, 9, 0, 0, 0, time.UTC)}
	tokens, err := captoken.NewAuthority([]byte("tracking-secret-0123456789"), captoken.WithClock(clk.Now))
	if err != nil {
		t.Fatalf("authority: %v", err)
	}
	store := storage.NewMemoryStore()
	samples := &fakeSamples{}

	ctx, cancel := context.WithCancel(context.Background())
	bus := NewBus(logging.Discard())
	go bus.Run(ctx)
	chat := NewChatPersister(store, logging.Discard(), 16, 1)

	opts := Options{
		Verifier:        auth.NewJWTVerifier(sessionSecret),
		SessionCookie:   "session",
		Tokens:          tokens,
		Conversations:   store,
		Messages:        chat,
		Samples:         samples,
		Origins:         OriginPolicy{Allowed: []string{"https://app.example.com"}, Production: true},
		EventsPerSecond: 1000,
		EventBurst:      1000,
		Logger:          logging.Discard(),
		Now:             clk.Now,
		AfterFunc:       clk.AfterFunc,
	}
	if tweak != nil {
		tweak(&opts)
	}
	gw := New(bus, opts)
	srv := httptest.NewServer(gw)
	t.Cleanup(func() {
		sctx, scancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer scancel()
		_ = gw.Shutdown(sctx)
		srv.Close()
		chat.Close()
		cancel()
	})
	return &harness{srv: srv, gw: gw, store: store, tokens: tokens, clock: clk, samples: samples}
}

func (h *harness) url() string { return "ws" + strings.TrimPrefix(h.srv.URL, "http") }

type client struct {
	t    *testing.T
	conn *websocket.Conn
}

type frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

func (h *harness) dial(t *testing.T, id models.Identity) *client {
	t.Helper()
	tok, err := auth.CreateAccessToken(sessionSecret, id.UserID, id.Role, time.Hour)
	if err != nil {
		t.Fatalf("access token: %v", err)
	}
	hdr := http.Header{}
	hdr.Set("Authorization", "Bearer "+tok)
	conn, resp, err := websocket.DefaultDialer.Dial(h.url(), hdr)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		t.Fatalf("dial %s: %v (status %d)", id.UserID, err, status)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return &client{t: t, conn: conn}
}

func (c *client) send(event string, data any) {
	c.t.Helper()
	raw, err := json.Marshal(map[string]any{"event": event, "data": data})
	if err != nil {
		c.t.Fatalf("marshal: %v", err)
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		c.t.Fatalf("write %s: %v", event, err)
	}
}

func (c *client) next(wait time.Duration) (frame, bool) {
	_ = c.conn.SetReadDeadline(time.Now().Add(wait))
	_, raw, err := c.conn.ReadMessage()
	if err != nil {
		return frame{}, false
	}
	var f frame
	if err := json.Unmarshal(raw, &f); err != nil {
		c.t.Fatalf("decode frame %q: %v", raw, err)
	}
	return f, true
}

// expect requires the very next frame to be event and decodes its data.
func (c *client) expect(event string, into any) {
	c.t.Helper()
	f, ok := c.next(2 * time.Second)
	if !ok {
		c.t.Fatalf("expected %s, got nothing", event)
	}
	if f.Event != event {
		c.t.Fatalf("expected %s, got %s %s", event, f.Event, f.Data)
	}
	if into != nil {
		if err := json.Unmarshal(f.Data, into); err != nil {
			c.t.Fatalf("decode %s: %v", event, err)
		}
	}
}

// expectNone requires silence for a short while. The read deadline breaks
// the connection, so it must be the last read on c.
func (c *client) expectNone() {
	c.t.Helper()
	if f, ok := c.next(200 * time.Millisecond); ok {
		c.t.Fatalf("expected no frame, got %s %s", f.Event, f.Data)
	}
}

var (
	cust1  = models.Identity{UserID: "c1", Role: models.RoleCustomer}
	cust2  = models.Identity{UserID: "c2", Role: models.RoleCustomer}
	work1  = models.Identity{UserID: "w1", Role: models.RoleWorker}
	work2  = models.Identity{UserID: "w2", Role: models.RoleWorker}
	admin1 = models.Identity{UserID: "a1", Role: models.RoleAdmin}
)

func TestHandshakeRequiresCredential(t *testing.T) {
	h := newHarness(t, nil)

	_, resp, err := websocket.DefaultDialer.Dial(h.url(), nil)
	if err == nil {
		t.Fatalf("expected handshake failure without credential")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %+v", resp)
	}

	hdr := http.Header{}
	hdr.Set("Authorization", "Bearer not-a-token")
	_, resp, err = websocket.DefaultDialer.Dial(h.url(), hdr)
	if err == nil || resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for a forged credential, err=%v", err)
	}
}

func TestHandshakeAcceptsCookieAndProtocolCredentials(t *testing.T) {
	h := newHarness(t, nil)
	tok, _ := auth.CreateAccessToken(sessionSecret, "c1", models.RoleCustomer, time.Hour)

	hdr := http.Header{}
	hdr.Set("Cookie", "session="+tok)
	conn, _, err := websocket.DefaultDialer.Dial(h.url(), hdr)
	if err != nil {
		t.Fatalf("cookie handshake: %v", err)
	}
	conn.Close()

	d := websocket.Dialer{Subprotocols: []string{"auth." + tok}}
	conn, resp, err := d.Dial(h.url(), nil)
	if err != nil {
		t.Fatalf("subprotocol handshake: %v", err)
	}
	defer conn.Close()
	if got := resp.Header.Get("Sec-WebSocket-Protocol"); got != "auth."+tok {
		t.Fatalf("expected echoed protocol, got %q", got)
	}
}

func TestHandshakeRejectsForeignOrigin(t *testing.T) {
	h := newHarness(t, nil)
	tok, _ := auth.CreateAccessToken(sessionSecret, "c1", models.RoleCustomer, time.Hour)

	hdr := http.Header{}
	hdr.Set("Authorization", "Bearer "+tok)
	hdr.Set("Origin", "https://evil.example")
	_, resp, err := websocket.DefaultDialer.Dial(h.url(), hdr)
	if err == nil || resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for foreign origin, err=%v", err)
	}

	hdr.Set("Origin", "https://app.example.com")
	conn, _, err := websocket.DefaultDialer.Dial(h.url(), hdr)
	if err != nil {
		t.Fatalf("allowed origin rejected: %v", err)
	}
	conn.Close()
}

func TestOriginPolicy(t *testing.T) {
	cases := []struct {
		name   string
		policy OriginPolicy
		origin string
		want   bool
	}{
		{"no origin header", OriginPolicy{Production: true}, "", true},
		{"listed", OriginPolicy{Allowed: []string{"https://app.example.com"}, Production: true}, "https://app.example.com", true},
		{"trailing slash", OriginPolicy{Allowed: []string{"https://app.example.com/"}, Production: true}, "https://app.example.com", true},
		{"wildcard", OriginPolicy{Allowed: []string{"*"}, Production: true}, "https://x.example", true},
		{"unlisted", OriginPolicy{Allowed: []string{"https://app.example.com"}, Production: true}, "https://evil.example", false},
		{"loopback in development", OriginPolicy{}, "http://localhost:3000", true},
		{"ipv4 loopback in development", OriginPolicy{}, "http://127.0.0.1:5173", true},
		{"ipv6 loopback in development", OriginPolicy{}, "http://[::1]:8080", true},
		{"loopback in production", OriginPolicy{Production: true}, "http://localhost:3000", false},
		{"lookalike host", OriginPolicy{}, "http://localhost.evil.example", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/ws", nil)
			if tc.origin != "" {
				r.Header.Set("Origin", tc.origin)
			}
			if got := tc.policy.Check(r); got != tc.want {
				t.Fatalf("Check(%q) = %v, want %v", tc.origin, got, tc.want)
			}
		})
	}
}

func TestConversationRoomsAreIsolated(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	convA, _ := h.store.UpsertConversation(ctx, "c1", "w1", "b1")
	convB, _ := h.store.UpsertConversation(ctx, "c2", "w2", "b2")

	c1, w1, c2, w2 := h.dial(t, cust1), h.dial(t, work1), h.dial(t, cust2), h.dial(t, work2)
	for _, p := range []struct {
		c  *client
		id string
	}{{c1, convA.ID}, {w1, convA.ID}, {c2, convB.ID}, {w2, convB.ID}} {
		p.c.send(EvConversationJoin, map[string]string{"conversationId": p.id})
		p.c.expect(EvConversationJoined, nil)
	}

	c1.send(EvConversationJoin, map[string]string{"conversationId": convB.ID})
	var e errorPayload
	c1.expect(EvConversationError, &e)
	if e.Reason != ReasonForbidden || e.Room != "conversation:"+convB.ID {
		t.Fatalf("unexpected join error %+v", e)
	}

	c1.send(EvMessageSend, map[string]string{"conversationId": convB.ID, "text": "let me in"})
	c1.expect(EvConversationError, &e)
	if e.Reason != ReasonForbidden {
		t.Fatalf("send into foreign room should be forbidden, got %+v", e)
	}

	c2.send(EvMessageSend, map[string]string{"conversationId": convB.ID, "text": "for B only", "clientMsgId": "m-1"})
	var got models.ChatMessage
	w2.expect(EvMessageNew, &got)
	if got.Text != "for B only" || got.SenderID != "c2" || got.ClientMsgID != "m-1" || got.ID == "" {
		t.Fatalf("unexpected message %+v", got)
	}
	c2.expect(EvMessageNew, nil)

	c1.send(EvMessageSend, map[string]string{"conversationId": convA.ID, "text": "hello A"})
	c1.expect(EvMessageNew, &got)
	if got.Text != "hello A" {
		t.Fatalf("first frame for c1 after B traffic should be its own A message, got %+v", got)
	}
	w1.expect(EvMessageNew, &got)
	if got.Text != "hello A" {
		t.Fatalf("w1 got %+v", got)
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(h.store.Messages(convA.ID)) != 1 || len(h.store.Messages(convB.ID)) != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("messages not persisted: A=%d B=%d", len(h.store.Messages(convA.ID)), len(h.store.Messages(convB.ID)))
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestTypingAndAcksExcludeSender(t *testing.T) {
	h := newHarness(t, nil)
	conv, _ := h.store.UpsertConversation(context.Background(), "c1", "w1", "b1")
	c1, w1 := h.dial(t, cust1), h.dial(t, work1)
	for _, c := range []*client{c1, w1} {
		c.send(EvConversationJoin, map[string]string{"conversationId": conv.ID})
		c.expect(EvConversationJoined, nil)
	}

	c1.send(EvTypingStart, map[string]string{"conversationId": conv.ID})
	var typing map[string]string
	w1.expect(EvTypingStart, &typing)
	if typing["userId"] != "c1" {
		t.Fatalf("typing payload %+v", typing)
	}

	w1.send(EvMessageRead, map[string]string{"conversationId": conv.ID, "messageId": "m-9"})
	var ack map[string]any
	c1.expect(EvMessageRead, &ack)
	if ack["messageId"] != "m-9" || ack["userId"] != "w1" {
		t.Fatalf("ack payload %+v", ack)
	}
	c1.expectNone()
	w1.expectNone()
}

func TestAdminMayJoinAnyConversation(t *testing.T) {
	h := newHarness(t, nil)
	conv, _ := h.store.UpsertConversation(context.Background(), "c1", "w1", "b1")
	a := h.dial(t, admin1)
	a.send(EvConversationJoin, map[string]string{"conversationId": conv.ID})
	a.expect(EvConversationJoined, nil)
}

func TestUnknownConversationLooksForbidden(t *testing.T) {
	h := newHarness(t, nil)
	c := h.dial(t, cust1)
	c.send(EvConversationJoin, map[string]string{"conversationId": "does-not-exist"})
	var e errorPayload
	c.expect(EvConversationError, &e)
	if e.Reason != ReasonForbidden {
		t.Fatalf("missing room must not be distinguishable, got %+v", e)
	}
}

func (h *harness) token(t *testing.T, bookingID string, id models.Identity, ttl time.Duration) string {
	t.Helper()
	tok, _, err := h.tokens.Issue(bookingID, id.UserID, id.Role, ttl)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	return tok
}

func TestTrackingUpdateOutOfRangeIsDropped(t *testing.T) {
	h := newHarness(t, nil)
	w, c := h.dial(t, work1), h.dial(t, cust1)

	var joined map[string]any
	w.send(EvTrackingJoin, map[string]string{"bookingId": "b1", "token": h.token(t, "b1", work1, time.Hour)})
	w.expect(EvTrackingJoined, &joined)
	if joined["canSend"] != true {
		t.Fatalf("worker should be allowed to send: %+v", joined)
	}
	c.send(EvTrackingJoin, map[string]string{"bookingId": "b1", "token": h.token(t, "b1", cust1, time.Hour)})
	c.expect(EvTrackingJoined, &joined)
	if joined["canSend"] != false {
		t.Fatalf("customer must not send: %+v", joined)
	}

	w.send(EvTrackingUpdate, map[string]any{"bookingId": "b1", "lat": 95.0, "lng": 10.0})
	w.send(EvTrackingUpdate, map[string]any{"bookingId": "b1", "lat": 12.5, "lng": 77.6, "heading": 90.0})

	var sample models.LocationSample
	c.expect(EvTrackingUpdated, &sample)
	if sample.Lat != 12.5 || sample.WorkerID != "w1" || sample.Heading == nil || *sample.Heading != 90 {
		t.Fatalf("first broadcast should be the valid sample, got %+v", sample)
	}

	w.send(EvPing, nil)
	w.expect(EvPong, nil)
	if n := h.samples.count(); n != 1 {
		t.Fatalf("expected one recorded sample, got %d", n)
	}
	c.expectNone()
}

func TestTrackingJoinWithExpiredTokenFails(t *testing.T) {
	h := newHarness(t, nil)
	c := h.dial(t, cust1)
	tok := h.token(t, "b1", cust1, time.Minute)

	c.send(EvTrackingJoin, map[string]string{"bookingId": "b1", "token": tok})
	c.expect(EvTrackingJoined, nil)

	h.clock.Advance(2 * time.Minute)
	var e errorPayload
	c.expect(EvTrackingError, &e) // membership lapses with the token
	if e.Reason != ReasonTokenExpired || e.Room != "tracking:b1" {
		t.Fatalf("unexpected expiry notice %+v", e)
	}
	c.send(EvTrackingJoin, map[string]string{"bookingId": "b1", "token": tok})
	c.expect(EvTrackingError, &e)
	if e.Reason != ReasonTokenExpired || e.Room != "tracking:b1" || e.Event != EvTrackingJoin {
		t.Fatalf("unexpected error %+v", e)
	}

	c.send(EvPing, nil)
	c.expect(EvPong, nil)
}

func TestTrackingUpdateAuthorization(t *testing.T) {
	h := newHarness(t, nil)
	w, c := h.dial(t, work1), h.dial(t, cust1)
	var e errorPayload

	w.send(EvTrackingUpdate, map[string]any{"bookingId": "b1", "lat": 1.0, "lng": 1.0})
	w.expect(EvTrackingError, &e)
	if e.Reason != ReasonNotJoined {
		t.Fatalf("update without claim: %+v", e)
	}

	w.send(EvTrackingJoin, map[string]string{"bookingId": "b1", "token": h.token(t, "b2", work1, time.Hour)})
	w.expect(EvTrackingError, &e)
	if e.Reason != ReasonTokenMismatch {
		t.Fatalf("token for another booking: %+v", e)
	}

	w.send(EvTrackingJoin, map[string]string{"bookingId": "b1", "token": h.token(t, "b1", work2, time.Hour)})
	w.expect(EvTrackingError, &e)
	if e.Reason != ReasonTokenMismatch {
		t.Fatalf("token for another subject: %+v", e)
	}

	w.send(EvTrackingJoin, map[string]string{"bookingId": "b1", "token": "garbage"})
	w.expect(EvTrackingError, &e)
	if e.Reason != ReasonTokenInvalid {
		t.Fatalf("garbage token: %+v", e)
	}

	c.send(EvTrackingJoin, map[string]string{"bookingId": "b1", "token": h.token(t, "b1", cust1, time.Hour)})
	c.expect(EvTrackingJoined, nil)
	c.send(EvTrackingUpdate, map[string]any{"bookingId": "b1", "lat": 1.0, "lng": 1.0})
	c.expect(EvTrackingError, &e)
	if e.Reason != ReasonSendDenied {
		t.Fatalf("customer update: %+v", e)
	}

	// a fresh token on the event is enough without a prior join
	w.send(EvTrackingUpdate, map[string]any{"bookingId": "b1", "lat": 1.0, "lng": 1.0, "token": h.token(t, "b1", work1, time.Hour)})
	c.expect(EvTrackingUpdated, nil)
}

func TestCachedTrackingClaimExpires(t *testing.T) {
	h := newHarness(t, nil)
	w := h.dial(t, work1)
	w.send(EvTrackingJoin, map[string]string{"bookingId": "b1", "token": h.token(t, "b1", work1, time.Minute)})
	w.expect(EvTrackingJoined, nil)

	h.clock.Advance(90 * time.Second)
	w.send(EvTrackingUpdate, map[string]any{"bookingId": "b1", "lat": 1.0, "lng": 1.0})
	var e errorPayload
	w.expect(EvTrackingError, &e)
	if e.Reason != ReasonTokenExpired {
		t.Fatalf("stale cached claim: %+v", e)
	}
	if h.samples.count() != 0 {
		t.Fatalf("no sample should be recorded")
	}
}

func TestTrackingMembershipEndsAtTokenExpiry(t *testing.T) {
	h := newHarness(t, nil)
	w, c := h.dial(t, work1), h.dial(t, cust1)
	w.send(EvTrackingJoin, map[string]string{"bookingId": "b1", "token": h.token(t, "b1", work1, 3*time.Hour)})
	w.expect(EvTrackingJoined, nil)
	c.send(EvTrackingJoin, map[string]string{"bookingId": "b1", "token": h.token(t, "b1", cust1, time.Hour)})
	c.expect(EvTrackingJoined, nil)

	w.send(EvTrackingUpdate, map[string]any{"bookingId": "b1", "lat": 1.0, "lng": 1.0})
	c.expect(EvTrackingUpdated, nil)

	h.clock.Advance(time.Hour + time.Second)
	var e errorPayload
	c.expect(EvTrackingError, &e)
	if e.Reason != ReasonTokenExpired || e.Room != "tracking:b1" {
		t.Fatalf("expected expiry notice, got %+v", e)
	}

	w.send(EvTrackingUpdate, map[string]any{"bookingId": "b1", "lat": 2.0, "lng": 2.0})
	w.send(EvPing, nil)
	w.expect(EvPong, nil)
	if n := h.samples.count(); n != 2 {
		t.Fatalf("worker updates should still be recorded, got %d", n)
	}
	c.expectNone()
}

func TestTrackingRejoinExtendsMembership(t *testing.T) {
	h := newHarness(t, nil)
	w, c := h.dial(t, work1), h.dial(t, cust1)
	w.send(EvTrackingJoin, map[string]string{"bookingId": "b1", "token": h.token(t, "b1", work1, 3*time.Hour)})
	w.expect(EvTrackingJoined, nil)
	c.send(EvTrackingJoin, map[string]string{"bookingId": "b1", "token": h.token(t, "b1", cust1, time.Hour)})
	c.expect(EvTrackingJoined, nil)

	h.clock.Advance(30 * time.Minute)
	c.send(EvTrackingJoin, map[string]string{"bookingId": "b1", "token": h.token(t, "b1", cust1, time.Hour)})
	c.expect(EvTrackingJoined, nil)

	// past the first token, inside the second
	h.clock.Advance(45 * time.Minute)
	w.send(EvTrackingUpdate, map[string]any{"bookingId": "b1", "lat": 1.0, "lng": 1.0})
	c.expect(EvTrackingUpdated, nil)
}

func TestPersonalRoomRules(t *testing.T) {
	h := newHarness(t, nil)
	c1, a := h.dial(t, cust1), h.dial(t, admin1)

	c1.send(EvUserJoin, map[string]string{"userId": "c2"})
	var e errorPayload
	c1.expect(EvError, &e)
	if e.Reason != ReasonForbidden {
		t.Fatalf("joining another user's room: %+v", e)
	}

	a.send(EvUserJoin, map[string]string{"userId": "c1"})
	a.expect(EvUserJoined, nil)

	if err := h.gw.PushToUser("c1", EvNotification, map[string]string{"title": "Worker assigned"}); err != nil {
		t.Fatalf("push: %v", err)
	}
	var n map[string]string
	c1.expect(EvNotification, &n)
	if n["title"] != "Worker assigned" {
		t.Fatalf("notification %+v", n)
	}
	a.expect(EvNotification, nil)
}

func TestMalformedAndUnknownFrames(t *testing.T) {
	h := newHarness(t, nil)
	c := h.dial(t, cust1)

	if err := c.conn.WriteMessage(websocket.TextMessage, []byte("{nope")); err != nil {
		t.Fatalf("write: %v", err)
	}
	var e errorPayload
	c.expect(EvError, &e)
	if e.Reason != ReasonBadRequest {
		t.Fatalf("malformed: %+v", e)
	}

	c.send("teleport", map[string]string{})
	c.expect(EvError, &e)
	if e.Reason != ReasonUnknownEvent || e.Event != "teleport" {
		t.Fatalf("unknown: %+v", e)
	}

	c.send(EvConversationJoin, map[string]string{})
	c.expect(EvConversationError, &e)
	if e.Reason != ReasonBadRequest {
		t.Fatalf("missing field: %+v", e)
	}
}

func TestEventsAreRateLimited(t *testing.T) {
	h := newHarness(t, func(o *Options) {
		o.EventsPerSecond = 0.001
		o.EventBurst = 1
	})
	c := h.dial(t, cust1)
	c.send(EvPing, nil)
	c.send(EvPing, nil)
	c.expect(EvPong, nil)
	var e errorPayload
	c.expect(EvError, &e)
	if e.Reason != ReasonRateLimited || e.Event != EvPing {
		t.Fatalf("expected rate limit, got %+v", e)
	}
}
