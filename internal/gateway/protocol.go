package gateway

import (
	"github.com/goccy/go-json"
)

// Inbound event names.
const (
	EvPing              = "ping"
	EvUserJoin          = "user:join"
	EvConversationJoin  = "conversation:join"
	EvConversationLeave = "conversation:leave"
	EvMessageSend       = "message:send"
	EvTypingStart       = "typing:start"
	EvTypingStop        = "typing:stop"
	EvMessageDelivered  = "message:delivered"
	EvMessageRead       = "message:read"
	EvTrackingJoin      = "bookingTracking:join"
	EvTrackingLeave     = "bookingTracking:leave"
	EvTrackingUpdate    = "bookingTracking:update"
)

// Outbound event names.
const (
	EvPong               = "pong"
	EvError              = "error"
	EvUserJoined         = "user:joined"
	EvConversationJoined = "conversation:joined"
	EvConversationLeft   = "conversation:left"
	EvConversationError  = "conversation:error"
	EvMessageNew         = "message:new"
	EvTrackingJoined     = "bookingTracking:joined"
	EvTrackingLeft       = "bookingTracking:left"
	EvTrackingUpdated    = "bookingTracking:updated"
	EvTrackingError      = "bookingTracking:error"
	EvNotification       = "notification"
)

// Error reasons carried on error events.
const (
	ReasonBadRequest    = "bad_request"
	ReasonUnknownEvent  = "unknown_event"
	ReasonRateLimited   = "rate_limited"
	ReasonForbidden     = "forbidden"
	ReasonUnavailable   = "unavailable"
	ReasonTokenInvalid  = "token_invalid"
	ReasonTokenExpired  = "token_expired"
	ReasonTokenMismatch = "token_mismatch"
	ReasonNotJoined     = "not_joined"
	ReasonSendDenied    = "send_not_permitted"
)

// inbound is one client frame.
type inbound struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// outbound is one server frame.
type outbound struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

func encodeFrame(event string, data any) ([]byte, error) {
	return json.Marshal(outbound{Event: event, Data: data})
}

type errorPayload struct {
	Event  string `json:"event,omitempty"`
	Room   string `json:"room,omitempty"`
	Reason string `json:"reason"`
}

type userJoinPayload struct {
	UserID string `json:"userId" validate:"required"`
}

type conversationPayload struct {
	ConversationID string `json:"conversationId" validate:"required"`
}

type sendPayload struct {
	ConversationID string `json:"conversationId" validate:"required"`
	Text           string `json:"text" validate:"required,max=4000"`
	ClientMsgID    string `json:"clientMsgId" validate:"omitempty,max=64"`
}

type ackPayload struct {
	ConversationID string `json:"conversationId" validate:"required"`
	MessageID      string `json:"messageId" validate:"required"`
}

type trackingJoinPayload struct {
	BookingID string `json:"bookingId" validate:"required"`
	Token     string `json:"token" validate:"required"`
}

type trackingLeavePayload struct {
	BookingID string `json:"bookingId" validate:"required"`
}

// Coordinates are range-checked by hand: an out-of-range sample is
// dropped, not reported.
type trackingUpdatePayload struct {
	BookingID string   `json:"bookingId" validate:"required"`
	Token     string   `json:"token"`
	Lat       *float64 `json:"lat" validate:"required"`
	Lng       *float64 `json:"lng" validate:"required"`
	Heading   *float64 `json:"heading"`
	Speed     *float64 `json:"speed"`
	Accuracy  *float64 `json:"accuracy"`
}

func userRoom(id string) string         { return "user:" + id }
func conversationRoom(id string) string { return "conversation:" + id }
func trackingRoom(id string) string     { return "tracking:" + id }
