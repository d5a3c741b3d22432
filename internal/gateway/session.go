package gateway

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/example/booking-engine/internal/captoken"
	"github.com/example/booking-engine/internal/models"
	"github.com/example/booking-engine/internal/observability"
	"github.com/example/booking-engine/internal/storage"
)

// Event outcomes, used as the metric label.
const (
	outcomeOK      = "ok"
	outcomeDenied  = "denied"
	outcomeInvalid = "invalid"
	outcomeDropped = "dropped"
	outcomeError   = "error"
)

// session is one connection. Its maps are touched only by readPump.
type session struct {
	g       *Gateway
	conn    *websocket.Conn
	ident   models.Identity
	sub     *subscriber
	limiter *rate.Limiter
	log     *slog.Logger
	done    chan struct{}

	// conversations caches positive access decisions only.
	conversations map[string]bool
	tracking      map[string]captoken.Claims

	// expiries end tracking memberships when their token lapses. Timers fire
	// off the read goroutine, hence the lock.
	expMu    sync.Mutex
	expiries map[string]*expiry
	closed   bool
}

type expiry struct {
	stop func() bool
}

type handlerFunc func(s *session, event string, data json.RawMessage) string

var handlers = map[string]handlerFunc{
	EvPing:              (*session).onPing,
	EvUserJoin:          (*session).onUserJoin,
	EvConversationJoin:  (*session).onConversationJoin,
	EvConversationLeave: (*session).onConversationLeave,
	EvMessageSend:       (*session).onMessageSend,
	EvTypingStart:       (*session).onTyping,
	EvTypingStop:        (*session).onTyping,
	EvMessageDelivered:  (*session).onAck,
	EvMessageRead:       (*session).onAck,
	EvTrackingJoin:      (*session).onTrackingJoin,
	EvTrackingLeave:     (*session).onTrackingLeave,
	EvTrackingUpdate:    (*session).onTrackingUpdate,
}

func newSession(g *Gateway, conn *websocket.Conn, ident models.Identity) *session {
	return &session{
		g:             g,
		conn:          conn,
		ident:         ident,
		sub:           newSubscriber(sendBuffer),
		limiter:       g.newLimiter(),
		log:           g.logger.With("user_id", ident.UserID, "role", ident.Role),
		done:          make(chan struct{}),
		conversations: make(map[string]bool),
		tracking:      make(map[string]captoken.Claims),
		expiries:      make(map[string]*expiry),
	}
}

func (s *session) readPump() {
	defer func() {
		close(s.done)
		s.stopExpiries()
		s.g.bus.drop(s.sub)
		observability.WSConnections.Dec()
		_ = s.conn.Close()
		s.g.wg.Done()
	}()

	s.conn.SetReadLimit(maxMessageSize)
	if err := s.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		return
	}
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.log.Warn("unexpected websocket close", "error", err)
			}
			return
		}
		s.handle(raw)
	}
}

func (s *session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
		s.g.wg.Done()
	}()

	for {
		select {
		case frame := <-s.sub.send:
			if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-s.g.ctx.Done():
			_ = s.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(writeWait))
			return
		case <-s.done:
			return
		}
	}
}

func (s *session) handle(raw []byte) {
	var in inbound
	if err := json.Unmarshal(raw, &in); err != nil || in.Event == "" {
		observability.WSEvents.WithLabelValues("malformed", outcomeInvalid).Inc()
		s.fail(EvError, "", "", ReasonBadRequest)
		return
	}
	h, ok := handlers[in.Event]
	if !ok {
		observability.WSEvents.WithLabelValues("unknown", outcomeInvalid).Inc()
		s.fail(EvError, in.Event, "", ReasonUnknownEvent)
		return
	}
	if !s.limiter.Allow() {
		observability.WSEvents.WithLabelValues(in.Event, ReasonRateLimited).Inc()
		s.fail(EvError, in.Event, "", ReasonRateLimited)
		return
	}
	outcome := h(s, in.Event, in.Data)
	observability.WSEvents.WithLabelValues(in.Event, outcome).Inc()
}

// reply writes to this connection only.
func (s *session) reply(event string, data any) {
	frame, err := encodeFrame(event, data)
	if err != nil {
		s.log.Error("encode frame", "event", event, "error", err)
		return
	}
	s.sub.offer(frame)
}

func (s *session) fail(errEvent, event, room, reason string) {
	s.reply(errEvent, errorPayload{Event: event, Room: room, Reason: reason})
}

func (s *session) decode(data json.RawMessage, v any) bool {
	if len(data) == 0 {
		return false
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false
	}
	return s.g.validate.Struct(v) == nil
}

func (s *session) publish(room, event string, data any, exceptSelf bool) {
	frame, err := encodeFrame(event, data)
	if err != nil {
		s.log.Error("encode frame", "event", event, "error", err)
		return
	}
	var except *subscriber
	if exceptSelf {
		except = s.sub
	}
	s.g.bus.Publish(room, frame, except)
}

func (s *session) onPing(string, json.RawMessage) string {
	s.reply(EvPong, map[string]any{"at": s.g.now().UTC()})
	return outcomeOK
}

func (s *session) onUserJoin(event string, data json.RawMessage) string {
	var p userJoinPayload
	if !s.decode(data, &p) {
		s.fail(EvError, event, "", ReasonBadRequest)
		return outcomeInvalid
	}
	if p.UserID != s.ident.UserID && !s.ident.IsAdmin() {
		s.fail(EvError, event, userRoom(p.UserID), ReasonForbidden)
		return outcomeDenied
	}
	s.g.bus.subscribe(userRoom(p.UserID), s.sub)
	s.reply(EvUserJoined, map[string]string{"userId": p.UserID})
	return outcomeOK
}

// canJoinConversation memoizes a positive decision for the life of the
// connection; negative results are re-checked next time.
func (s *session) canJoinConversation(id string) (bool, error) {
	if s.conversations[id] {
		return true, nil
	}
	if s.ident.IsAdmin() {
		s.conversations[id] = true
		return true, nil
	}
	ctx, cancel := context.WithTimeout(s.g.ctx, lookupTimeout)
	defer cancel()
	c, err := s.g.opts.Conversations.GetConversation(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !c.HasMember(s.ident.UserID) {
		return false, nil
	}
	s.conversations[id] = true
	return true, nil
}

// authorizeConversation reports the failure itself and returns the outcome
// label, or "" when access is granted.
func (s *session) authorizeConversation(event, id string) string {
	ok, err := s.canJoinConversation(id)
	if err != nil {
		s.log.Warn("conversation access lookup failed", "conversation_id", id, "error", err)
		s.fail(EvConversationError, event, conversationRoom(id), ReasonUnavailable)
		return outcomeError
	}
	if !ok {
		s.fail(EvConversationError, event, conversationRoom(id), ReasonForbidden)
		return outcomeDenied
	}
	return ""
}

func (s *session) onConversationJoin(event string, data json.RawMessage) string {
	var p conversationPayload
	if !s.decode(data, &p) {
		s.fail(EvConversationError, event, "", ReasonBadRequest)
		return outcomeInvalid
	}
	if out := s.authorizeConversation(event, p.ConversationID); out != "" {
		return out
	}
	s.g.bus.subscribe(conversationRoom(p.ConversationID), s.sub)
	s.reply(EvConversationJoined, map[string]string{"conversationId": p.ConversationID})
	return outcomeOK
}

func (s *session) onConversationLeave(event string, data json.RawMessage) string {
	var p conversationPayload
	if !s.decode(data, &p) {
		s.fail(EvConversationError, event, "", ReasonBadRequest)
		return outcomeInvalid
	}
	s.g.bus.unsubscribe(conversationRoom(p.ConversationID), s.sub)
	s.reply(EvConversationLeft, map[string]string{"conversationId": p.ConversationID})
	return outcomeOK
}

func (s *session) onMessageSend(event string, data json.RawMessage) string {
	var p sendPayload
	if !s.decode(data, &p) {
		s.fail(EvConversationError, event, "", ReasonBadRequest)
		return outcomeInvalid
	}
	if out := s.authorizeConversation(event, p.ConversationID); out != "" {
		return out
	}
	msg := models.ChatMessage{
		ID:             uuid.NewString(),
		ConversationID: p.ConversationID,
		SenderID:       s.ident.UserID,
		SenderRole:     s.ident.Role,
		Text:           p.Text,
		ClientMsgID:    p.ClientMsgID,
		SentAt:         s.g.now().UTC(),
	}
	s.publish(conversationRoom(p.ConversationID), EvMessageNew, msg, false)
	if s.g.opts.Messages != nil {
		s.g.opts.Messages.Offer(msg)
	}
	return outcomeOK
}

func (s *session) onTyping(event string, data json.RawMessage) string {
	var p conversationPayload
	if !s.decode(data, &p) {
		s.fail(EvConversationError, event, "", ReasonBadRequest)
		return outcomeInvalid
	}
	if out := s.authorizeConversation(event, p.ConversationID); out != "" {
		return out
	}
	s.publish(conversationRoom(p.ConversationID), event, map[string]string{
		"conversationId": p.ConversationID,
		"userId":         s.ident.UserID,
	}, true)
	return outcomeOK
}

func (s *session) onAck(event string, data json.RawMessage) string {
	var p ackPayload
	if !s.decode(data, &p) {
		s.fail(EvConversationError, event, "", ReasonBadRequest)
		return outcomeInvalid
	}
	if out := s.authorizeConversation(event, p.ConversationID); out != "" {
		return out
	}
	s.publish(conversationRoom(p.ConversationID), event, map[string]any{
		"conversationId": p.ConversationID,
		"messageId":      p.MessageID,
		"userId":         s.ident.UserID,
		"at":             s.g.now().UTC(),
	}, true)
	return outcomeOK
}

// verifyTracking checks a capability token against the booking and this
// connection's user. It returns the failure reason, or "".
func (s *session) verifyTracking(bookingID, token string) (captoken.Claims, string) {
	claims, err := s.g.opts.Tokens.Verify(token)
	switch {
	case errors.Is(err, captoken.ErrExpired):
		return captoken.Claims{}, ReasonTokenExpired
	case err != nil:
		return captoken.Claims{}, ReasonTokenInvalid
	}
	if claims.BookingID != bookingID || claims.SubjectID != s.ident.UserID {
		return captoken.Claims{}, ReasonTokenMismatch
	}
	return claims, ""
}

func (s *session) onTrackingJoin(event string, data json.RawMessage) string {
	var p trackingJoinPayload
	if !s.decode(data, &p) {
		s.fail(EvTrackingError, event, "", ReasonBadRequest)
		return outcomeInvalid
	}
	claims, reason := s.verifyTracking(p.BookingID, p.Token)
	if reason != "" {
		s.fail(EvTrackingError, event, trackingRoom(p.BookingID), reason)
		return outcomeDenied
	}
	s.tracking[p.BookingID] = claims
	s.joinTracking(p.BookingID, claims)
	s.reply(EvTrackingJoined, map[string]any{
		"bookingId": p.BookingID,
		"canSend":   claims.Role == models.RoleWorker,
		"expiresAt": claims.ExpiresAt().UTC(),
	})
	return outcomeOK
}

func (s *session) onTrackingLeave(event string, data json.RawMessage) string {
	var p trackingLeavePayload
	if !s.decode(data, &p) {
		s.fail(EvTrackingError, event, "", ReasonBadRequest)
		return outcomeInvalid
	}
	delete(s.tracking, p.BookingID)
	s.leaveTracking(p.BookingID)
	s.reply(EvTrackingLeft, map[string]string{"bookingId": p.BookingID})
	return outcomeOK
}

// joinTracking subscribes to the booking's room until claims expire. A
// later join replaces the deadline.
func (s *session) joinTracking(bookingID string, claims captoken.Claims) {
	e := &expiry{}
	s.expMu.Lock()
	defer s.expMu.Unlock()
	if s.closed {
		return
	}
	if old := s.expiries[bookingID]; old != nil {
		old.stop()
	}
	s.expiries[bookingID] = e
	s.g.bus.subscribe(trackingRoom(bookingID), s.sub)
	e.stop = s.g.opts.AfterFunc(claims.ExpiresAt().Sub(s.g.now()), func() { s.expire(bookingID, e) })
}

func (s *session) leaveTracking(bookingID string) {
	s.expMu.Lock()
	defer s.expMu.Unlock()
	if e := s.expiries[bookingID]; e != nil {
		e.stop()
		delete(s.expiries, bookingID)
	}
	s.g.bus.unsubscribe(trackingRoom(bookingID), s.sub)
}

// expire drops the membership e guarded, unless a newer join replaced it.
func (s *session) expire(bookingID string, e *expiry) {
	s.expMu.Lock()
	defer s.expMu.Unlock()
	if s.closed || s.expiries[bookingID] != e {
		return
	}
	delete(s.expiries, bookingID)
	room := trackingRoom(bookingID)
	s.g.bus.unsubscribe(room, s.sub)
	observability.WSEvents.WithLabelValues(EvTrackingJoin, "expired").Inc()
	s.fail(EvTrackingError, EvTrackingJoin, room, ReasonTokenExpired)
}

func (s *session) stopExpiries() {
	s.expMu.Lock()
	defer s.expMu.Unlock()
	s.closed = true
	for id, e := range s.expiries {
		e.stop()
		delete(s.expiries, id)
	}
}

func (s *session) onTrackingUpdate(event string, data json.RawMessage) string {
	var p trackingUpdatePayload
	if !s.decode(data, &p) {
		s.fail(EvTrackingError, event, "", ReasonBadRequest)
		return outcomeInvalid
	}
	room := trackingRoom(p.BookingID)

	var claims captoken.Claims
	if p.Token != "" {
		c, reason := s.verifyTracking(p.BookingID, p.Token)
		if reason != "" {
			s.fail(EvTrackingError, event, room, reason)
			return outcomeDenied
		}
		claims = c
		s.tracking[p.BookingID] = c
	} else {
		c, ok := s.tracking[p.BookingID]
		if !ok {
			s.fail(EvTrackingError, event, room, ReasonNotJoined)
			return outcomeDenied
		}
		if !c.Valid(s.g.now()) {
			delete(s.tracking, p.BookingID)
			s.fail(EvTrackingError, event, room, ReasonTokenExpired)
			return outcomeDenied
		}
		claims = c
	}
	if claims.Role != models.RoleWorker {
		s.fail(EvTrackingError, event, room, ReasonSendDenied)
		return outcomeDenied
	}

	lat, lng := *p.Lat, *p.Lng
	if !validLat(lat) || !validLng(lng) {
		observability.TrackingDropped.WithLabelValues("invalid_coord").Inc()
		return outcomeDropped
	}
	sample := models.LocationSample{
		BookingID: p.BookingID,
		WorkerID:  s.ident.UserID,
		Lat:       lat,
		Lng:       lng,
		Heading:   p.Heading,
		Speed:     p.Speed,
		Accuracy:  p.Accuracy,
		At:        s.g.now().UTC(),
	}
	s.publish(room, EvTrackingUpdated, sample, true)
	if s.g.opts.Samples != nil {
		s.g.opts.Samples.Offer(sample)
	}
	return outcomeOK
}

func validLat(v float64) bool { return !math.IsNaN(v) && v >= -90 && v <= 90 }
func validLng(v float64) bool { return !math.IsNaN(v) && v >= -180 && v <= 180 }
