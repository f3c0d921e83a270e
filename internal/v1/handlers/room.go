package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/flylive/msab/internal/v1/cluster"
	"github.com/flylive/msab/internal/v1/laravel"
	"github.com/flylive/msab/internal/v1/logging"
	"github.com/flylive/msab/internal/v1/protocol"
	"github.com/flylive/msab/internal/v1/registry"
	"github.com/flylive/msab/internal/v1/seats"
	"github.com/flylive/msab/internal/v1/transport"
)

// maxSeatCount caps the seat grid a client may request for a fresh room.
const maxSeatCount = 100

// backendPushTimeout bounds fire-and-forget occupancy pushes.
const backendPushTimeout = 10 * time.Second

type joinRequest struct {
	RoomID string `json:"roomId"`
	// SeatCount and OwnerID only apply when this join creates the room.
	SeatCount int    `json:"seatCount,omitempty"`
	OwnerID   string `json:"ownerId,omitempty"`
}

type participantView struct {
	UserID    string `json:"userId"`
	Name      string `json:"name,omitempty"`
	Avatar    string `json:"avatar,omitempty"`
	IsSpeaker bool   `json:"isSpeaker"`
}

type producerView struct {
	ProducerID string `json:"producerId"`
	UserID     string `json:"userId"`
}

// joinResponse is the room:join ack: everything a client needs to render the
// room and start consuming audio.
type joinResponse struct {
	RtpCapabilities   json.RawMessage   `json:"rtpCapabilities"`
	Participants      []participantView `json:"participants"`
	Seats             []seats.Seat      `json:"seats"`
	LockedSeats       []int             `json:"lockedSeats"`
	ExistingProducers []producerView    `json:"existingProducers"`
}

func (m *Mux) handleRoomJoin(ctx context.Context, sock transport.Socket, payload json.RawMessage) (any, protocol.ErrorCode) {
	var req joinRequest
	if !decode(payload, &req) || req.RoomID == "" {
		return nil, protocol.ErrInvalidPayload
	}
	if req.SeatCount < 0 || req.SeatCount > maxSeatCount {
		return nil, protocol.ErrInvalidPayload
	}

	client, ok := m.clients.Get(sock.ID())
	if !ok {
		return nil, protocol.ErrInternal
	}
	ctx = logging.WithRoomID(ctx, req.RoomID)

	// Joining while in another room is an implicit leave of the old one.
	if client.RoomID != "" && client.RoomID != req.RoomID {
		m.leaveRoom(logging.WithRoomID(ctx, client.RoomID), sock, client)
		client, _ = m.clients.Get(sock.ID())
		if client == nil {
			return nil, protocol.ErrInternal
		}
	}
	rejoin := client.RoomID == req.RoomID

	room, fresh, err := m.rooms.GetOrCreate(ctx, req.RoomID)
	if err != nil {
		logging.Error(ctx, "Room create failed", zap.Error(err))
		return nil, protocol.ErrInternal
	}
	if fresh && (req.SeatCount > 0 || req.OwnerID != "") {
		if err := m.rooms.SetRoomMeta(ctx, req.RoomID, req.SeatCount, req.OwnerID); err != nil {
			logging.Warn(ctx, "Failed to persist room meta", zap.Error(err))
		}
	}

	user := sock.User()
	var participantCount int
	if !rejoin {
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			n, err := m.rooms.AdjustParticipantCount(gctx, req.RoomID, 1)
			participantCount = n
			return err
		})
		g.Go(func() error { return m.sockets.SetUserRoom(gctx, user.ID, req.RoomID) })
		if err := g.Wait(); err != nil {
			logging.Warn(ctx, "Join bookkeeping incomplete", zap.Error(err))
		}
		m.emitter.JoinGroup(sock.ID(), req.RoomID)
		m.clients.SetRoom(sock.ID(), req.RoomID)
	}

	state, err := m.rooms.GetState(ctx, req.RoomID)
	if err != nil || state == nil {
		logging.Error(ctx, "Room state unreadable after join", zap.Error(err))
		return nil, protocol.ErrInternal
	}

	seatList, locked, err := m.seats.GetSeats(ctx, req.RoomID, state.SeatCount)
	if err != nil {
		logging.Error(ctx, "Seat snapshot failed", zap.Error(err))
		return nil, protocol.ErrInternal
	}
	if locked == nil {
		locked = []int{}
	}

	members := m.clients.SnapshotRoom(req.RoomID, m.emitter.IsConnected)
	resp := joinResponse{
		RtpCapabilities:   room.Cluster().RtpCapabilities(),
		Participants:      make([]participantView, 0, len(members)),
		Seats:             seatList,
		LockedSeats:       locked,
		ExistingProducers: make([]producerView, 0),
	}
	for _, member := range members {
		if member.ConnectionID == sock.ID() {
			continue
		}
		resp.Participants = append(resp.Participants, participantView{
			UserID:    member.User.ID,
			Name:      member.User.Name,
			Avatar:    member.User.Avatar,
			IsSpeaker: member.IsSpeaker,
		})
		if member.ProducerID != "" {
			resp.ExistingProducers = append(resp.ExistingProducers, producerView{
				ProducerID: member.ProducerID,
				UserID:     member.User.ID,
			})
		}
	}

	if !rejoin {
		m.emitter.BroadcastToRoomExcept(req.RoomID, sock.ID(), protocol.ServerEvent{
			Event: protocol.EventRoomUserJoined,
			Payload: map[string]any{
				"userId": user.ID,
				"name":   user.Name,
				"avatar": user.Avatar,
			},
		})
		m.pushRoomStatus(req.RoomID, participantCount)
	}
	return resp, ""
}

func (m *Mux) handleRoomLeave(ctx context.Context, sock transport.Socket, payload json.RawMessage) (any, protocol.ErrorCode) {
	var req struct {
		RoomID string `json:"roomId"`
	}
	if !decode(payload, &req) || req.RoomID == "" {
		return nil, protocol.ErrInvalidPayload
	}
	client, ok := m.clients.Get(sock.ID())
	if !ok || client.RoomID != req.RoomID {
		return nil, protocol.ErrNotInRoom
	}
	m.leaveRoom(logging.WithRoomID(ctx, req.RoomID), sock, client)
	return nil, ""
}

// leaveRoom unwinds one connection's presence in its room: seat, media,
// fan-out group, Redis bookkeeping, departure broadcast. Shared tail of
// room:leave, a dirty disconnect, and an implicit leave on re-join.
func (m *Mux) leaveRoom(ctx context.Context, sock transport.Socket, client *registry.Client) {
	roomID := client.RoomID
	user := sock.User()

	if idx, err := m.seats.LeaveSeat(ctx, roomID, user.ID); err == nil {
		m.broadcastSeatCleared(roomID, idx)
	} else if !errors.Is(err, seats.ErrNotSeated) {
		logging.Warn(ctx, "Seat release on leave failed", zap.Error(err))
	}

	m.teardownMedia(ctx, roomID, client)

	m.emitter.LeaveGroup(sock.ID(), roomID)
	m.clients.SetRoom(sock.ID(), "")
	// Old media ids must not survive into a re-join, or the transport budget
	// check would refuse the fresh session.
	m.clients.ResetMedia(sock.ID())

	var remaining int
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		n, err := m.rooms.AdjustParticipantCount(gctx, roomID, -1)
		remaining = n
		return err
	})
	g.Go(func() error { return m.sockets.ClearUserRoom(gctx, user.ID) })
	if err := g.Wait(); err != nil {
		logging.Warn(ctx, "Leave bookkeeping incomplete", zap.Error(err))
	}

	m.emitter.BroadcastToRoom(roomID, protocol.ServerEvent{
		Event:   protocol.EventRoomUserLeft,
		Payload: map[string]any{"userId": user.ID},
	})
	m.pushRoomStatus(roomID, remaining)
}

// teardownMedia closes the server-side media a connection holds. The
// producer goes first so its pipes and remote consumers die with it;
// consumers on this connection die with the recv transport.
func (m *Mux) teardownMedia(ctx context.Context, roomID string, client *registry.Client) {
	room, ok := m.rooms.Get(roomID)
	if !ok {
		return
	}
	if client.ProducerID != "" {
		if err := room.Cluster().CloseProducer(ctx, client.ProducerID); err != nil && !errors.Is(err, cluster.ErrProducerNotFound) {
			logging.Warn(ctx, "Producer close on leave failed",
				zap.String("producerId", client.ProducerID), zap.Error(err))
		}
		room.Detector().Forget(client.ProducerID)
	}
	for _, transportID := range []string{client.SendTransportID, client.RecvTransportID} {
		if transportID == "" {
			continue
		}
		err := room.Cluster().CloseTransport(transportID)
		if err != nil && !errors.Is(err, cluster.ErrTransportNotFound) && !errors.Is(err, cluster.ErrClusterClosed) {
			logging.Warn(ctx, "Transport close on leave failed",
				zap.String("transportId", transportID), zap.Error(err))
		}
	}
}

// pushRoomStatus is fire-and-forget: occupancy changes must not block the
// socket loop on the business backend.
func (m *Mux) pushRoomStatus(roomID string, participantCount int) {
	if m.backend == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), backendPushTimeout)
		defer cancel()
		err := m.backend.SetRoomStatus(ctx, roomID, laravel.RoomStatus{
			IsLive:           true,
			ParticipantCount: participantCount,
		})
		if err != nil {
			logging.Warn(logging.WithRoomID(ctx, roomID),
				"Failed to push occupancy to backend", zap.Error(err))
		}
	}()
}
