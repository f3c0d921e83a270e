// Package protocol defines the wire contract of the client message channel:
// event names, the enumerated error codes, and the request/ack envelopes.
// Nothing outside this package writes free-form error strings to clients.
package protocol

import "encoding/json"

// --- Client → server request events ---

const (
	EventRoomJoin  = "room:join"
	EventRoomLeave = "room:leave"

	EventTransportCreate  = "transport:create"
	EventTransportConnect = "transport:connect"
	EventAudioProduce     = "audio:produce"
	EventAudioConsume     = "audio:consume"
	EventConsumerResume   = "consumer:resume"
	EventAudioSelfMute    = "audio:selfMute"
	EventAudioSelfUnmute  = "audio:selfUnmute"

	EventSeatTake          = "seat:take"
	EventSeatLeave         = "seat:leave"
	EventSeatAssign        = "seat:assign"
	EventSeatRemove        = "seat:remove"
	EventSeatMute          = "seat:mute"
	EventSeatUnmute        = "seat:unmute"
	EventSeatLock          = "seat:lock"
	EventSeatUnlock        = "seat:unlock"
	EventSeatInvite        = "seat:invite"
	EventSeatInviteAccept  = "seat:invite:accept"
	EventSeatInviteDecline = "seat:invite:decline"

	EventGiftSend    = "gift:send"
	EventGiftPrepare = "gift:prepare"
)

// --- Server → client broadcast events ---

const (
	EventRoomUserJoined = "room:userJoined"
	EventRoomUserLeft   = "room:userLeft"
	EventRoomClosed     = "room:closed"

	EventSeatUpdated       = "seat:updated"
	EventSeatCleared       = "seat:cleared"
	EventSeatLocked        = "seat:locked"
	EventSeatUserMuted     = "seat:userMuted"
	EventSeatInviteRecv    = "seat:invite:received"
	EventSeatInvitePending = "seat:invite:pending"

	EventAudioNewProducer = "audio:newProducer"
	EventSpeakerActive    = "speaker:active"

	EventGiftReceived = "gift:received"
	EventGiftError    = "gift:error"
	EventGiftPrep     = "gift:prepare:hint"
)

// ErrorCode enumerates every error the wire can carry. Internal error values
// are mapped to one of these at the handler boundary.
type ErrorCode string

// Transport-level codes: produced during the handshake, close the connection.
const (
	ErrOriginNotAllowed   ErrorCode = "ORIGIN_NOT_ALLOWED"
	ErrAuthRequired       ErrorCode = "AUTH_REQUIRED"
	ErrInvalidCredentials ErrorCode = "INVALID_CREDENTIALS"
	ErrAuthFailed         ErrorCode = "AUTH_FAILED"
)

// Request-level codes: returned inside the ack envelope.
const (
	ErrInvalidPayload ErrorCode = "INVALID_PAYLOAD"

	ErrNotInRoom         ErrorCode = "NOT_IN_ROOM"
	ErrRoomNotFound      ErrorCode = "ROOM_NOT_FOUND"
	ErrTransportNotFound ErrorCode = "TRANSPORT_NOT_FOUND"
	ErrProducerNotFound  ErrorCode = "PRODUCER_NOT_FOUND"
	ErrConsumerNotFound  ErrorCode = "CONSUMER_NOT_FOUND"
	ErrCannotConsume     ErrorCode = "CANNOT_CONSUME"

	ErrTransportLimitReached ErrorCode = "TRANSPORT_LIMIT_REACHED"

	ErrSeatTaken         ErrorCode = "SEAT_TAKEN"
	ErrSeatOccupied      ErrorCode = "SEAT_OCCUPIED"
	ErrSeatLocked        ErrorCode = "SEAT_LOCKED"
	ErrSeatAlreadyLocked ErrorCode = "SEAT_ALREADY_LOCKED"
	ErrSeatNotLocked     ErrorCode = "SEAT_NOT_LOCKED"
	ErrUserNotSeated     ErrorCode = "USER_NOT_SEATED"
	ErrAlreadySeated     ErrorCode = "ALREADY_SEATED"
	ErrSeatOutOfRange    ErrorCode = "SEAT_OUT_OF_RANGE"

	ErrInvitePending      ErrorCode = "INVITE_PENDING"
	ErrNoInvite           ErrorCode = "NO_INVITE"
	ErrInviteCreateFailed ErrorCode = "INVITE_CREATE_FAILED"
	ErrCannotInviteSelf   ErrorCode = "CANNOT_INVITE_SELF"

	ErrCannotGiftSelf ErrorCode = "CANNOT_GIFT_SELF"
	ErrRateLimited    ErrorCode = "RATE_LIMITED"

	ErrNotAuthorized ErrorCode = "NOT_AUTHORIZED"
	ErrInternal      ErrorCode = "INTERNAL_ERROR"
)

// Message is the inbound request frame.
type Message struct {
	Event     string          `json:"event"`
	RequestID string          `json:"requestId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Ack is the response frame for a request. Exactly one of Data/Error is set.
type Ack struct {
	Event     string    `json:"event"`
	RequestID string    `json:"requestId,omitempty"`
	Success   bool      `json:"success"`
	Data      any       `json:"data,omitempty"`
	Error     ErrorCode `json:"error,omitempty"`
}

// ServerEvent is an unsolicited server → client frame (room broadcasts,
// targeted emits, relay deliveries).
type ServerEvent struct {
	Event   string `json:"event"`
	Payload any    `json:"payload,omitempty"`
}

// OkAck builds a success ack for the given request.
func OkAck(requestID string, data any) Ack {
	return Ack{Event: "ack", RequestID: requestID, Success: true, Data: data}
}

// ErrAck builds a failure ack for the given request.
func ErrAck(requestID string, code ErrorCode) Ack {
	return Ack{Event: "ack", RequestID: requestID, Success: false, Error: code}
}

// User is the identity attached to a connection at auth. Economy counters
// are opaque decimal strings minted by the business backend; this service
// never does arithmetic on them.
type User struct {
	ID       string `json:"id"`
	Name     string `json:"name,omitempty"`
	Avatar   string `json:"avatar,omitempty"`
	Coins    string `json:"coins,omitempty"`
	Diamonds string `json:"diamonds,omitempty"`
}
