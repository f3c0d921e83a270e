package handlers

import (
	"context"
	"encoding/json"
	"errors"

	"go.uber.org/zap"
	"k8s.io/utils/set"

	"github.com/flylive/msab/internal/v1/laravel"
	"github.com/flylive/msab/internal/v1/logging"
	"github.com/flylive/msab/internal/v1/protocol"
	"github.com/flylive/msab/internal/v1/seats"
	"github.com/flylive/msab/internal/v1/transport"
)

// seatRequest covers every seat operation payload. SeatIndex is a pointer
// because index 0 is valid and must be distinguishable from absent.
type seatRequest struct {
	RoomID       string `json:"roomId"`
	SeatIndex    *int   `json:"seatIndex,omitempty"`
	UserID       string `json:"userId,omitempty"`
	TargetUserID string `json:"targetUserId,omitempty"`
}

// seatErrCode translates seat repository sentinels into wire error codes.
func seatErrCode(err error) protocol.ErrorCode {
	switch {
	case errors.Is(err, seats.ErrSeatTaken):
		return protocol.ErrSeatTaken
	case errors.Is(err, seats.ErrSeatOccupied):
		return protocol.ErrSeatOccupied
	case errors.Is(err, seats.ErrSeatLocked):
		return protocol.ErrSeatLocked
	case errors.Is(err, seats.ErrSeatOutOfRange):
		return protocol.ErrSeatOutOfRange
	case errors.Is(err, seats.ErrAlreadySeated):
		return protocol.ErrAlreadySeated
	case errors.Is(err, seats.ErrNotSeated):
		return protocol.ErrUserNotSeated
	case errors.Is(err, seats.ErrSeatAlreadyLocked):
		return protocol.ErrSeatAlreadyLocked
	case errors.Is(err, seats.ErrSeatNotLocked):
		return protocol.ErrSeatNotLocked
	case errors.Is(err, seats.ErrInvitePending):
		return protocol.ErrInvitePending
	case errors.Is(err, seats.ErrNoInvite):
		return protocol.ErrNoInvite
	default:
		return protocol.ErrInternal
	}
}

// seatFailure maps a seat error, logging the ones that have no business
// meaning.
func (m *Mux) seatFailure(ctx context.Context, op string, err error) protocol.ErrorCode {
	code := seatErrCode(err)
	if code == protocol.ErrInternal {
		logging.Error(ctx, "Seat operation failed", zap.String("op", op), zap.Error(err))
	}
	return code
}

// authorizeModerator reports whether the user may run owner/manager seat
// operations in the room. Ownership is answered from the room state record
// when cached there; managers, and owners on a cache miss, come from the
// business backend. A backend-resolved owner is written back to the state
// record so the next check stays local.
func (m *Mux) authorizeModerator(ctx context.Context, roomID, userID string) bool {
	state, err := m.rooms.GetState(ctx, roomID)
	if err != nil {
		logging.Warn(ctx, "Room state read during authorization failed", zap.Error(err))
	}
	cachedOwner := state != nil && state.OwnerUserID != ""
	if cachedOwner && state.OwnerUserID == userID {
		return true
	}
	if m.backend == nil {
		return false
	}

	info, err := m.backend.GetRoom(ctx, roomID)
	if err != nil {
		if !errors.Is(err, laravel.ErrNotFound) {
			logging.Warn(ctx, "Backend room lookup for authorization failed", zap.Error(err))
		}
		return false
	}
	if !cachedOwner && info.OwnerID != "" {
		if err := m.rooms.SetRoomMeta(ctx, roomID, 0, info.OwnerID); err != nil {
			logging.Warn(ctx, "Failed to cache room owner", zap.Error(err))
		}
	}
	if info.OwnerID == userID {
		return true
	}
	return set.New(info.ManagerIDs...).Has(userID)
}

func (m *Mux) broadcastSeatUpdated(roomID string, index int, userID string) {
	m.emitter.BroadcastToRoom(roomID, protocol.ServerEvent{
		Event: protocol.EventSeatUpdated,
		Payload: map[string]any{
			"seatIndex": index,
			"userId":    userID,
			"isMuted":   false,
		},
	})
}

func (m *Mux) broadcastSeatCleared(roomID string, index int) {
	m.emitter.BroadcastToRoom(roomID, protocol.ServerEvent{
		Event:   protocol.EventSeatCleared,
		Payload: map[string]any{"seatIndex": index},
	})
}

// seatCount reads the room's frozen grid size from the state record.
func (m *Mux) seatCount(ctx context.Context, roomID string) (int, protocol.ErrorCode) {
	state, err := m.rooms.GetState(ctx, roomID)
	if err != nil {
		logging.Error(ctx, "Room state read failed", zap.Error(err))
		return 0, protocol.ErrInternal
	}
	if state == nil {
		return 0, protocol.ErrRoomNotFound
	}
	return state.SeatCount, ""
}

func (m *Mux) handleSeatTake(ctx context.Context, sock transport.Socket, payload json.RawMessage) (any, protocol.ErrorCode) {
	var req seatRequest
	if !decode(payload, &req) || req.SeatIndex == nil {
		return nil, protocol.ErrInvalidPayload
	}
	client, _, code := m.roomFor(sock, req.RoomID)
	if code != "" {
		return nil, code
	}
	seatCount, code := m.seatCount(ctx, client.RoomID)
	if code != "" {
		return nil, code
	}

	if err := m.seats.TakeSeat(ctx, client.RoomID, sock.User().ID, *req.SeatIndex, seatCount); err != nil {
		return nil, m.seatFailure(ctx, "take", err)
	}
	m.broadcastSeatUpdated(client.RoomID, *req.SeatIndex, sock.User().ID)
	return nil, ""
}

func (m *Mux) handleSeatLeave(ctx context.Context, sock transport.Socket, payload json.RawMessage) (any, protocol.ErrorCode) {
	var req seatRequest
	if !decode(payload, &req) {
		return nil, protocol.ErrInvalidPayload
	}
	client, _, code := m.roomFor(sock, req.RoomID)
	if code != "" {
		return nil, code
	}

	idx, err := m.seats.LeaveSeat(ctx, client.RoomID, sock.User().ID)
	if err != nil {
		return nil, m.seatFailure(ctx, "leave", err)
	}
	m.broadcastSeatCleared(client.RoomID, idx)
	return nil, ""
}

func (m *Mux) handleSeatAssign(ctx context.Context, sock transport.Socket, payload json.RawMessage) (any, protocol.ErrorCode) {
	var req seatRequest
	if !decode(payload, &req) || req.SeatIndex == nil || req.UserID == "" {
		return nil, protocol.ErrInvalidPayload
	}
	client, _, code := m.roomFor(sock, req.RoomID)
	if code != "" {
		return nil, code
	}
	if !m.authorizeModerator(ctx, client.RoomID, sock.User().ID) {
		return nil, protocol.ErrNotAuthorized
	}
	seatCount, code := m.seatCount(ctx, client.RoomID)
	if code != "" {
		return nil, code
	}

	displaced, err := m.seats.AssignSeat(ctx, client.RoomID, req.UserID, *req.SeatIndex, seatCount)
	if err != nil {
		return nil, m.seatFailure(ctx, "assign", err)
	}
	if displaced >= 0 {
		m.broadcastSeatCleared(client.RoomID, displaced)
	}
	m.broadcastSeatUpdated(client.RoomID, *req.SeatIndex, req.UserID)
	return nil, ""
}

func (m *Mux) handleSeatRemove(ctx context.Context, sock transport.Socket, payload json.RawMessage) (any, protocol.ErrorCode) {
	var req seatRequest
	if !decode(payload, &req) || req.UserID == "" {
		return nil, protocol.ErrInvalidPayload
	}
	client, _, code := m.roomFor(sock, req.RoomID)
	if code != "" {
		return nil, code
	}
	if !m.authorizeModerator(ctx, client.RoomID, sock.User().ID) {
		return nil, protocol.ErrNotAuthorized
	}

	idx, err := m.seats.RemoveSeat(ctx, client.RoomID, req.UserID)
	if err != nil {
		return nil, m.seatFailure(ctx, "remove", err)
	}
	m.broadcastSeatCleared(client.RoomID, idx)
	return nil, ""
}

func (m *Mux) handleSeatMute(ctx context.Context, sock transport.Socket, payload json.RawMessage) (any, protocol.ErrorCode) {
	return m.setSeatMute(ctx, sock, payload, true)
}

func (m *Mux) handleSeatUnmute(ctx context.Context, sock transport.Socket, payload json.RawMessage) (any, protocol.ErrorCode) {
	return m.setSeatMute(ctx, sock, payload, false)
}

// setSeatMute flips a seat's muted bit and applies the same state to the
// occupant's producer, so a moderated mute silences the speaker server-side
// instead of trusting their client.
func (m *Mux) setSeatMute(ctx context.Context, sock transport.Socket, payload json.RawMessage, muted bool) (any, protocol.ErrorCode) {
	var req seatRequest
	if !decode(payload, &req) || req.SeatIndex == nil {
		return nil, protocol.ErrInvalidPayload
	}
	client, room, code := m.roomFor(sock, req.RoomID)
	if code != "" {
		return nil, code
	}
	if !m.authorizeModerator(ctx, client.RoomID, sock.User().ID) {
		return nil, protocol.ErrNotAuthorized
	}

	occupantID, err := m.seats.SetMute(ctx, client.RoomID, *req.SeatIndex, muted)
	if err != nil {
		return nil, m.seatFailure(ctx, "mute", err)
	}
	if occupantID != "" {
		m.setProducerPausedForUser(ctx, room, occupantID, muted)
	}

	m.emitter.BroadcastToRoom(client.RoomID, protocol.ServerEvent{
		Event: protocol.EventSeatUserMuted,
		Payload: map[string]any{
			"seatIndex": *req.SeatIndex,
			"userId":    occupantID,
			"isMuted":   muted,
			"selfMuted": false,
		},
	})
	return nil, ""
}

func (m *Mux) handleSeatLock(ctx context.Context, sock transport.Socket, payload json.RawMessage) (any, protocol.ErrorCode) {
	var req seatRequest
	if !decode(payload, &req) || req.SeatIndex == nil {
		return nil, protocol.ErrInvalidPayload
	}
	client, room, code := m.roomFor(sock, req.RoomID)
	if code != "" {
		return nil, code
	}
	if !m.authorizeModerator(ctx, client.RoomID, sock.User().ID) {
		return nil, protocol.ErrNotAuthorized
	}

	kickedUserID, err := m.seats.LockSeat(ctx, client.RoomID, *req.SeatIndex)
	if err != nil {
		return nil, m.seatFailure(ctx, "lock", err)
	}
	if kickedUserID != "" {
		// The kicked occupant loses their audio too, server-side.
		m.closeProducerForUser(ctx, room, kickedUserID)
		m.broadcastSeatCleared(client.RoomID, *req.SeatIndex)
	}
	m.emitter.BroadcastToRoom(client.RoomID, protocol.ServerEvent{
		Event:   protocol.EventSeatLocked,
		Payload: map[string]any{"seatIndex": *req.SeatIndex, "isLocked": true},
	})
	return nil, ""
}

func (m *Mux) handleSeatUnlock(ctx context.Context, sock transport.Socket, payload json.RawMessage) (any, protocol.ErrorCode) {
	var req seatRequest
	if !decode(payload, &req) || req.SeatIndex == nil {
		return nil, protocol.ErrInvalidPayload
	}
	client, _, code := m.roomFor(sock, req.RoomID)
	if code != "" {
		return nil, code
	}
	if !m.authorizeModerator(ctx, client.RoomID, sock.User().ID) {
		return nil, protocol.ErrNotAuthorized
	}

	if err := m.seats.UnlockSeat(ctx, client.RoomID, *req.SeatIndex); err != nil {
		return nil, m.seatFailure(ctx, "unlock", err)
	}
	m.emitter.BroadcastToRoom(client.RoomID, protocol.ServerEvent{
		Event:   protocol.EventSeatLocked,
		Payload: map[string]any{"seatIndex": *req.SeatIndex, "isLocked": false},
	})
	return nil, ""
}

func (m *Mux) handleSeatInvite(ctx context.Context, sock transport.Socket, payload json.RawMessage) (any, protocol.ErrorCode) {
	var req seatRequest
	if !decode(payload, &req) || req.SeatIndex == nil || req.TargetUserID == "" {
		return nil, protocol.ErrInvalidPayload
	}
	client, _, code := m.roomFor(sock, req.RoomID)
	if code != "" {
		return nil, code
	}
	user := sock.User()
	if req.TargetUserID == user.ID {
		return nil, protocol.ErrCannotInviteSelf
	}
	if !m.authorizeModerator(ctx, client.RoomID, user.ID) {
		return nil, protocol.ErrNotAuthorized
	}
	seatCount, code := m.seatCount(ctx, client.RoomID)
	if code != "" {
		return nil, code
	}
	if *req.SeatIndex < 0 || *req.SeatIndex >= seatCount {
		return nil, protocol.ErrSeatOutOfRange
	}

	if err := m.seats.CreateInvite(ctx, client.RoomID, *req.SeatIndex, req.TargetUserID, user.ID, m.inviteTTL); err != nil {
		if errors.Is(err, seats.ErrInvitePending) {
			return nil, protocol.ErrInvitePending
		}
		logging.Error(ctx, "Invite create failed",
			zap.String("targetUserId", req.TargetUserID), zap.Error(err))
		return nil, protocol.ErrInviteCreateFailed
	}

	// The target may be connected anywhere in the fleet, or to this instance
	// without being in the room; deliver to their sockets directly.
	if socketIDs, err := m.sockets.SocketsFor(ctx, req.TargetUserID); err != nil {
		logging.Warn(ctx, "Invite target socket lookup failed", zap.Error(err))
	} else if len(socketIDs) > 0 {
		m.emitter.SendToSockets(socketIDs, protocol.ServerEvent{
			Event: protocol.EventSeatInviteRecv,
			Payload: map[string]any{
				"roomId":        client.RoomID,
				"seatIndex":     *req.SeatIndex,
				"inviterUserId": user.ID,
				"inviterName":   user.Name,
			},
		})
	}
	m.emitter.BroadcastToRoom(client.RoomID, protocol.ServerEvent{
		Event:   protocol.EventSeatInvitePending,
		Payload: map[string]any{"seatIndex": *req.SeatIndex, "isPending": true},
	})
	return nil, ""
}

func (m *Mux) handleSeatInviteAccept(ctx context.Context, sock transport.Socket, payload json.RawMessage) (any, protocol.ErrorCode) {
	var req seatRequest
	if !decode(payload, &req) {
		return nil, protocol.ErrInvalidPayload
	}
	client, _, code := m.roomFor(sock, req.RoomID)
	if code != "" {
		return nil, code
	}
	user := sock.User()

	idx, code := m.resolveInviteIndex(ctx, client.RoomID, user.ID, req.SeatIndex)
	if code != "" {
		return nil, code
	}

	wasLocked, err := m.seats.AcceptInvite(ctx, client.RoomID, idx, user.ID)
	if err != nil {
		return nil, m.seatFailure(ctx, "invite accept", err)
	}

	m.emitter.BroadcastToRoom(client.RoomID, protocol.ServerEvent{
		Event:   protocol.EventSeatInvitePending,
		Payload: map[string]any{"seatIndex": idx, "isPending": false},
	})
	if wasLocked {
		m.emitter.BroadcastToRoom(client.RoomID, protocol.ServerEvent{
			Event:   protocol.EventSeatLocked,
			Payload: map[string]any{"seatIndex": idx, "isLocked": false},
		})
	}
	m.broadcastSeatUpdated(client.RoomID, idx, user.ID)
	return map[string]any{"seatIndex": idx}, ""
}

func (m *Mux) handleSeatInviteDecline(ctx context.Context, sock transport.Socket, payload json.RawMessage) (any, protocol.ErrorCode) {
	var req seatRequest
	if !decode(payload, &req) || req.RoomID == "" {
		return nil, protocol.ErrInvalidPayload
	}
	// Unlike accept, decline works from outside the room: the invite landed
	// on the user's sockets, not on room membership.
	user := sock.User()
	idx, code := m.resolveInviteIndex(ctx, req.RoomID, user.ID, req.SeatIndex)
	if code != "" {
		return nil, code
	}

	if err := m.seats.DeleteInvite(ctx, req.RoomID, idx); err != nil {
		logging.Error(ctx, "Invite delete failed", zap.Error(err))
		return nil, protocol.ErrInternal
	}
	m.emitter.BroadcastToRoom(req.RoomID, protocol.ServerEvent{
		Event:   protocol.EventSeatInvitePending,
		Payload: map[string]any{"seatIndex": idx, "isPending": false},
	})
	return nil, ""
}

// resolveInviteIndex finds the pending invite targeting the user: at the
// given index when the payload names one, otherwise by scanning the room's
// invites.
func (m *Mux) resolveInviteIndex(ctx context.Context, roomID, userID string, seatIndex *int) (int, protocol.ErrorCode) {
	if seatIndex != nil {
		invite, err := m.seats.GetInvite(ctx, roomID, *seatIndex)
		if err != nil {
			if errors.Is(err, seats.ErrNoInvite) {
				return 0, protocol.ErrNoInvite
			}
			logging.Error(ctx, "Invite lookup failed", zap.Error(err))
			return 0, protocol.ErrInternal
		}
		if invite.TargetUserID != userID {
			return 0, protocol.ErrNoInvite
		}
		return *seatIndex, ""
	}

	idx, _, err := m.seats.GetInviteByUser(ctx, roomID, userID)
	if err != nil {
		if errors.Is(err, seats.ErrNoInvite) {
			return 0, protocol.ErrNoInvite
		}
		logging.Error(ctx, "Invite scan failed", zap.Error(err))
		return 0, protocol.ErrInternal
	}
	return idx, ""
}
