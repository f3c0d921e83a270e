package handlers

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/flylive/msab/internal/v1/laravel"
	"github.com/flylive/msab/internal/v1/logging"
	"github.com/flylive/msab/internal/v1/protocol"
	"github.com/flylive/msab/internal/v1/transport"
)

// maxGiftQuantity bounds a single send; anything larger is a client bug or
// an attack.
const maxGiftQuantity = 9999

func (m *Mux) handleGiftSend(ctx context.Context, sock transport.Socket, payload json.RawMessage) (any, protocol.ErrorCode) {
	var req struct {
		RoomID      string `json:"roomId"`
		RecipientID string `json:"recipientId"`
		GiftID      string `json:"giftId"`
		Quantity    int    `json:"quantity"`
	}
	if !decode(payload, &req) || req.RecipientID == "" || req.GiftID == "" {
		return nil, protocol.ErrInvalidPayload
	}
	if req.Quantity < 1 || req.Quantity > maxGiftQuantity {
		return nil, protocol.ErrInvalidPayload
	}
	client, _, code := m.roomFor(sock, req.RoomID)
	if code != "" {
		return nil, code
	}
	user := sock.User()
	if req.RecipientID == user.ID {
		return nil, protocol.ErrCannotGiftSelf
	}
	if m.giftLimiter != nil && !m.giftLimiter.AllowGift(ctx, user.ID) {
		return nil, protocol.ErrRateLimited
	}

	tx := laravel.GiftTransaction{
		TransactionID:      uuid.NewString(),
		RoomID:             client.RoomID,
		SenderUserID:       user.ID,
		RecipientUserID:    req.RecipientID,
		GiftID:             req.GiftID,
		Quantity:           req.Quantity,
		TimestampMs:        time.Now().UnixMilli(),
		SenderConnectionID: sock.ID(),
	}
	if err := m.gifts.Enqueue(ctx, tx); err != nil {
		logging.Error(ctx, "Gift enqueue failed",
			zap.String("transactionId", tx.TransactionID), zap.Error(err))
		return nil, protocol.ErrInternal
	}

	// The broadcast carries exactly the validated fields. Client payloads
	// are never echoed into a room.
	m.emitter.BroadcastToRoom(client.RoomID, protocol.ServerEvent{
		Event: protocol.EventGiftReceived,
		Payload: map[string]any{
			"transactionId": tx.TransactionID,
			"roomId":        tx.RoomID,
			"senderId":      user.ID,
			"senderName":    user.Name,
			"senderAvatar":  user.Avatar,
			"recipientId":   tx.RecipientUserID,
			"giftId":        tx.GiftID,
			"quantity":      tx.Quantity,
			"timestampMs":   tx.TimestampMs,
		},
	})
	if err := m.rooms.TouchActivity(ctx, client.RoomID); err != nil {
		logging.Warn(ctx, "Activity touch after gift failed", zap.Error(err))
	}
	// Acked as accepted, not settled; the buffer ships it to the backend and
	// reports a definitive failure through gift:error.
	return map[string]any{"transactionId": tx.TransactionID}, ""
}

// handleGiftPrepare relays a pre-send hint (the recipient's client preloads
// the gift animation) to the recipient's sockets. Best effort: a failed
// socket lookup still acks.
func (m *Mux) handleGiftPrepare(ctx context.Context, sock transport.Socket, payload json.RawMessage) (any, protocol.ErrorCode) {
	var req struct {
		RecipientID string `json:"recipientId"`
		GiftID      string `json:"giftId"`
	}
	if !decode(payload, &req) || req.RecipientID == "" || req.GiftID == "" {
		return nil, protocol.ErrInvalidPayload
	}
	if _, _, code := m.roomFor(sock, ""); code != "" {
		return nil, code
	}

	socketIDs, err := m.sockets.SocketsFor(ctx, req.RecipientID)
	if err != nil {
		logging.Warn(ctx, "Gift prepare socket lookup failed", zap.Error(err))
		return nil, ""
	}
	if len(socketIDs) > 0 {
		m.emitter.SendToSockets(socketIDs, protocol.ServerEvent{
			Event: protocol.EventGiftPrep,
			Payload: map[string]any{
				"giftId":   req.GiftID,
				"senderId": sock.User().ID,
			},
		})
	}
	return nil, ""
}
