// Package handlers implements the message surface of the control plane: one
// mux dispatching client requests to room, media, seat, and gift handlers.
// Each handler family declares the capabilities it needs as narrow
// interfaces, wired to the concrete services at startup.
package handlers

import (
	"context"
	"encoding/json"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/flylive/msab/internal/v1/laravel"
	"github.com/flylive/msab/internal/v1/logging"
	"github.com/flylive/msab/internal/v1/metrics"
	"github.com/flylive/msab/internal/v1/protocol"
	"github.com/flylive/msab/internal/v1/registry"
	"github.com/flylive/msab/internal/v1/rooms"
	"github.com/flylive/msab/internal/v1/seats"
	"github.com/flylive/msab/internal/v1/transport"
)

// Emitter is the socket fan-out surface, implemented by transport.Hub.
type Emitter interface {
	JoinGroup(connectionID, roomID string)
	LeaveGroup(connectionID, roomID string)
	BroadcastToRoom(roomID string, event protocol.ServerEvent)
	BroadcastToRoomExcept(roomID, exceptConnectionID string, event protocol.ServerEvent)
	SendToSockets(socketIDs []string, event protocol.ServerEvent)
	IsConnected(connectionID string) bool
}

// RoomService is the room lifecycle surface, implemented by rooms.Registry.
type RoomService interface {
	GetOrCreate(ctx context.Context, roomID string) (*rooms.Room, bool, error)
	Get(roomID string) (*rooms.Room, bool)
	GetState(ctx context.Context, roomID string) (*rooms.RoomState, error)
	SetRoomMeta(ctx context.Context, roomID string, seatCount int, ownerUserID string) error
	AdjustParticipantCount(ctx context.Context, roomID string, delta int) (int, error)
	TouchActivity(ctx context.Context, roomID string) error
}

// SeatStore is the seat state surface, implemented by seats.Repository.
type SeatStore interface {
	TakeSeat(ctx context.Context, roomID, userID string, index, seatCount int) error
	LeaveSeat(ctx context.Context, roomID, userID string) (int, error)
	AssignSeat(ctx context.Context, roomID, userID string, index, seatCount int) (int, error)
	RemoveSeat(ctx context.Context, roomID, userID string) (int, error)
	SetMute(ctx context.Context, roomID string, index int, muted bool) (string, error)
	LockSeat(ctx context.Context, roomID string, index int) (string, error)
	UnlockSeat(ctx context.Context, roomID string, index int) error
	CreateInvite(ctx context.Context, roomID string, index int, targetUserID, inviterUserID string, ttl time.Duration) error
	GetInvite(ctx context.Context, roomID string, index int) (*seats.Invite, error)
	GetInviteByUser(ctx context.Context, roomID, targetUserID string) (int, *seats.Invite, error)
	DeleteInvite(ctx context.Context, roomID string, index int) error
	AcceptInvite(ctx context.Context, roomID string, index int, userID string) (bool, error)
	GetSeats(ctx context.Context, roomID string, seatCount int) ([]seats.Seat, []int, error)
}

// UserDirectory is the cross-instance user→socket mapping, implemented by
// registry.UserSocketRegistry.
type UserDirectory interface {
	RegisterSocket(ctx context.Context, userID, socketID string) error
	UnregisterSocket(ctx context.Context, userID, socketID string) error
	SocketsFor(ctx context.Context, userID string) ([]string, error)
	SetUserRoom(ctx context.Context, userID, roomID string) error
	ClearUserRoom(ctx context.Context, userID string) error
}

// GiftQueue buffers gift transactions for batched delivery, implemented by
// gifts.Buffer.
type GiftQueue interface {
	Enqueue(ctx context.Context, tx laravel.GiftTransaction) error
}

// GiftLimiter throttles gift sends per user, implemented by
// ratelimit.RateLimiter.
type GiftLimiter interface {
	AllowGift(ctx context.Context, senderID string) bool
}

// Backend is the slice of the business backend the handlers call: room
// lookups for authorization and fire-and-forget occupancy pushes.
type Backend interface {
	GetRoom(ctx context.Context, roomID string) (*laravel.RoomInfo, error)
	SetRoomStatus(ctx context.Context, roomID string, status laravel.RoomStatus) error
}

// Options wires a Mux. Every field except GiftLimiter and Backend is
// required.
type Options struct {
	Rooms       RoomService
	Seats       SeatStore
	Clients     *registry.ClientRegistry
	Sockets     UserDirectory
	Emitter     Emitter
	Gifts       GiftQueue
	GiftLimiter GiftLimiter
	Backend     Backend

	// InviteTTL bounds how long a seat invite stays pending.
	InviteTTL time.Duration
}

type handlerFunc func(ctx context.Context, sock transport.Socket, payload json.RawMessage) (any, protocol.ErrorCode)

// Mux routes client messages to their handlers and owns the connection
// lifecycle bookkeeping. It implements transport.Handler.
type Mux struct {
	rooms       RoomService
	seats       SeatStore
	clients     *registry.ClientRegistry
	sockets     UserDirectory
	emitter     Emitter
	gifts       GiftQueue
	giftLimiter GiftLimiter
	backend     Backend
	inviteTTL   time.Duration

	routes map[string]handlerFunc
}

// Event processing outcomes as labelled on the events counter.
const (
	statusOK      = "ok"
	statusError   = "error"
	statusUnknown = "unknown_event"
	statusPanic   = "panic"
)

func New(opts Options) *Mux {
	if opts.InviteTTL <= 0 {
		opts.InviteTTL = time.Minute
	}
	m := &Mux{
		rooms:       opts.Rooms,
		seats:       opts.Seats,
		clients:     opts.Clients,
		sockets:     opts.Sockets,
		emitter:     opts.Emitter,
		gifts:       opts.Gifts,
		giftLimiter: opts.GiftLimiter,
		backend:     opts.Backend,
		inviteTTL:   opts.InviteTTL,
	}
	m.routes = map[string]handlerFunc{
		protocol.EventRoomJoin:  m.handleRoomJoin,
		protocol.EventRoomLeave: m.handleRoomLeave,

		protocol.EventTransportCreate:  m.handleTransportCreate,
		protocol.EventTransportConnect: m.handleTransportConnect,
		protocol.EventAudioProduce:     m.handleAudioProduce,
		protocol.EventAudioConsume:     m.handleAudioConsume,
		protocol.EventConsumerResume:   m.handleConsumerResume,
		protocol.EventAudioSelfMute:    m.handleAudioSelfMute,
		protocol.EventAudioSelfUnmute:  m.handleAudioSelfUnmute,

		protocol.EventSeatTake:          m.handleSeatTake,
		protocol.EventSeatLeave:         m.handleSeatLeave,
		protocol.EventSeatAssign:        m.handleSeatAssign,
		protocol.EventSeatRemove:        m.handleSeatRemove,
		protocol.EventSeatMute:          m.handleSeatMute,
		protocol.EventSeatUnmute:        m.handleSeatUnmute,
		protocol.EventSeatLock:          m.handleSeatLock,
		protocol.EventSeatUnlock:        m.handleSeatUnlock,
		protocol.EventSeatInvite:        m.handleSeatInvite,
		protocol.EventSeatInviteAccept:  m.handleSeatInviteAccept,
		protocol.EventSeatInviteDecline: m.handleSeatInviteDecline,

		protocol.EventGiftSend:    m.handleGiftSend,
		protocol.EventGiftPrepare: m.handleGiftPrepare,
	}
	return m
}

// HandleConnect registers the authenticated socket in both registries.
func (m *Mux) HandleConnect(ctx context.Context, sock transport.Socket) {
	m.clients.Add(sock.ID(), sock.User())
	if err := m.sockets.RegisterSocket(ctx, sock.User().ID, sock.ID()); err != nil {
		// Cross-instance targeting degrades for this socket; the connection
		// itself is fine.
		logging.Warn(ctx, "Socket registration in Redis failed", zap.Error(err))
	}
}

// HandleDisconnect unwinds whatever the socket leaves behind. It runs for
// clean and dirty disconnects alike, so a dropped connection frees its seat
// and media the same way an explicit room:leave would.
func (m *Mux) HandleDisconnect(ctx context.Context, sock transport.Socket) {
	if client, ok := m.clients.Get(sock.ID()); ok && client.RoomID != "" {
		m.leaveRoom(logging.WithRoomID(ctx, client.RoomID), sock, client)
	}
	if err := m.sockets.UnregisterSocket(ctx, sock.User().ID, sock.ID()); err != nil {
		logging.Warn(ctx, "Socket deregistration in Redis failed", zap.Error(err))
	}
	m.clients.Remove(sock.ID())
}

// HandleMessage dispatches one request frame. A panic in a handler is
// contained to that message: the client gets INTERNAL_ERROR and the socket
// stays up.
func (m *Mux) HandleMessage(ctx context.Context, sock transport.Socket, msg protocol.Message) {
	ctx = logging.WithCorrelationID(ctx, uuid.NewString())
	start := time.Now()
	status := statusOK

	defer func() {
		if r := recover(); r != nil {
			status = statusPanic
			logging.Error(ctx, "Handler panicked",
				zap.String("event", msg.Event),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
			sock.SendAck(protocol.ErrAck(msg.RequestID, protocol.ErrInternal))
		}
		metrics.WebsocketEvents.WithLabelValues(msg.Event, status).Inc()
		metrics.MessageProcessingDuration.WithLabelValues(msg.Event).Observe(time.Since(start).Seconds())
	}()

	handle, ok := m.routes[msg.Event]
	if !ok {
		status = statusUnknown
		logging.Warn(ctx, "Unknown event", zap.String("event", msg.Event))
		sock.SendAck(protocol.ErrAck(msg.RequestID, protocol.ErrInvalidPayload))
		return
	}

	data, code := handle(ctx, sock, msg.Payload)
	if code != "" {
		status = statusError
		sock.SendAck(protocol.ErrAck(msg.RequestID, code))
		return
	}
	sock.SendAck(protocol.OkAck(msg.RequestID, data))
}

// decode unmarshals a request payload. Missing payloads fail: every routed
// request carries one.
func decode(payload json.RawMessage, dst any) bool {
	if len(payload) == 0 {
		return false
	}
	return json.Unmarshal(payload, dst) == nil
}

// roomFor resolves the calling socket's room. The registry record is
// authoritative; a payload roomId that contradicts it is rejected rather
// than trusted.
func (m *Mux) roomFor(sock transport.Socket, claimed string) (*registry.Client, *rooms.Room, protocol.ErrorCode) {
	client, ok := m.clients.Get(sock.ID())
	if !ok || client.RoomID == "" || (claimed != "" && claimed != client.RoomID) {
		return nil, nil, protocol.ErrNotInRoom
	}
	room, ok := m.rooms.Get(client.RoomID)
	if !ok {
		return nil, nil, protocol.ErrRoomNotFound
	}
	return client, room, ""
}

// BroadcastActiveSpeakers publishes a detector set change as speaker:active.
// Producer ids resolve to users through producer appData, which survives the
// owning connection living on another instance.
func (m *Mux) BroadcastActiveSpeakers(roomID, dominantProducerID string, activeProducerIDs []string) {
	room, ok := m.rooms.Get(roomID)
	if !ok {
		return
	}
	resolve := func(producerID string) string {
		if producer, ok := room.Cluster().Producer(producerID); ok {
			return producer.AppData()["userId"]
		}
		return ""
	}

	activeUserIDs := make([]string, 0, len(activeProducerIDs))
	for _, producerID := range activeProducerIDs {
		if userID := resolve(producerID); userID != "" {
			activeUserIDs = append(activeUserIDs, userID)
		}
	}
	m.emitter.BroadcastToRoom(roomID, protocol.ServerEvent{
		Event: protocol.EventSpeakerActive,
		Payload: map[string]any{
			"userId":        resolve(dominantProducerID),
			"activeUserIds": activeUserIDs,
		},
	})
}
