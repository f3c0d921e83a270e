package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"slices"

	"go.uber.org/zap"

	"github.com/flylive/msab/internal/v1/cluster"
	"github.com/flylive/msab/internal/v1/logging"
	"github.com/flylive/msab/internal/v1/media"
	"github.com/flylive/msab/internal/v1/protocol"
	"github.com/flylive/msab/internal/v1/registry"
	"github.com/flylive/msab/internal/v1/rooms"
	"github.com/flylive/msab/internal/v1/transport"
)

func (m *Mux) handleTransportCreate(ctx context.Context, sock transport.Socket, payload json.RawMessage) (any, protocol.ErrorCode) {
	var req struct {
		RoomID string `json:"roomId"`
		Role   string `json:"role"`
	}
	if !decode(payload, &req) {
		return nil, protocol.ErrInvalidPayload
	}
	role := cluster.Role(req.Role)
	if role != cluster.RoleProducer && role != cluster.RoleConsumer {
		return nil, protocol.ErrInvalidPayload
	}

	client, room, code := m.roomFor(sock, req.RoomID)
	if code != "" {
		return nil, code
	}
	// One transport per direction; anything more is a leak.
	if (role == cluster.RoleProducer && client.SendTransportID != "") ||
		(role == cluster.RoleConsumer && client.RecvTransportID != "") {
		return nil, protocol.ErrTransportLimitReached
	}

	tr, err := room.Cluster().CreateTransport(ctx, role)
	if err != nil {
		logging.Error(ctx, "Transport create failed",
			zap.String("role", req.Role), zap.Error(err))
		return nil, protocol.ErrInternal
	}
	m.clients.Update(sock.ID(), func(c *registry.Client) {
		if role == cluster.RoleProducer {
			c.SendTransportID = tr.ID()
		} else {
			c.RecvTransportID = tr.ID()
		}
	})
	return tr.Info(), ""
}

func (m *Mux) handleTransportConnect(ctx context.Context, sock transport.Socket, payload json.RawMessage) (any, protocol.ErrorCode) {
	var req struct {
		RoomID         string          `json:"roomId"`
		TransportID    string          `json:"transportId"`
		DtlsParameters json.RawMessage `json:"dtlsParameters"`
	}
	if !decode(payload, &req) || req.TransportID == "" || len(req.DtlsParameters) == 0 {
		return nil, protocol.ErrInvalidPayload
	}
	client, room, code := m.roomFor(sock, req.RoomID)
	if code != "" {
		return nil, code
	}
	if req.TransportID != client.SendTransportID && req.TransportID != client.RecvTransportID {
		return nil, protocol.ErrTransportNotFound
	}

	if err := room.Cluster().ConnectTransport(ctx, req.TransportID, req.DtlsParameters); err != nil {
		if errors.Is(err, cluster.ErrTransportNotFound) {
			return nil, protocol.ErrTransportNotFound
		}
		logging.Error(ctx, "Transport connect failed",
			zap.String("transportId", req.TransportID), zap.Error(err))
		return nil, protocol.ErrInternal
	}
	return nil, ""
}

func (m *Mux) handleAudioProduce(ctx context.Context, sock transport.Socket, payload json.RawMessage) (any, protocol.ErrorCode) {
	var req struct {
		RoomID        string          `json:"roomId"`
		TransportID   string          `json:"transportId"`
		Kind          string          `json:"kind"`
		RtpParameters json.RawMessage `json:"rtpParameters"`
	}
	if !decode(payload, &req) || req.TransportID == "" || len(req.RtpParameters) == 0 {
		return nil, protocol.ErrInvalidPayload
	}
	if req.Kind != "" && req.Kind != media.KindAudio {
		return nil, protocol.ErrInvalidPayload
	}

	client, room, code := m.roomFor(sock, req.RoomID)
	if code != "" {
		return nil, code
	}
	if req.TransportID != client.SendTransportID {
		return nil, protocol.ErrTransportNotFound
	}
	if client.ProducerID != "" {
		return nil, protocol.ErrInvalidPayload
	}

	user := sock.User()
	producer, err := room.Cluster().Produce(ctx, req.TransportID, req.RtpParameters, map[string]string{
		"userId":       user.ID,
		"connectionId": sock.ID(),
	})
	if err != nil {
		if errors.Is(err, cluster.ErrTransportNotFound) || errors.Is(err, cluster.ErrNotProducerTransport) {
			return nil, protocol.ErrTransportNotFound
		}
		logging.Error(ctx, "Produce failed", zap.Error(err))
		return nil, protocol.ErrInternal
	}

	// Piping must finish before the announcement: a listener reacting to
	// audio:newProducer has to find the producer on its own router.
	if err := room.Cluster().RegisterProducer(ctx, producer); err != nil {
		_ = producer.Close()
		logging.Error(ctx, "Producer registration failed",
			zap.String("producerId", producer.ID()), zap.Error(err))
		return nil, protocol.ErrInternal
	}

	m.clients.Update(sock.ID(), func(c *registry.Client) {
		c.ProducerID = producer.ID()
		c.IsSpeaker = true
	})
	m.emitter.BroadcastToRoomExcept(client.RoomID, sock.ID(), protocol.ServerEvent{
		Event:   protocol.EventAudioNewProducer,
		Payload: map[string]any{"producerId": producer.ID(), "userId": user.ID},
	})
	return map[string]any{"producerId": producer.ID()}, ""
}

func (m *Mux) handleAudioConsume(ctx context.Context, sock transport.Socket, payload json.RawMessage) (any, protocol.ErrorCode) {
	var req struct {
		RoomID          string          `json:"roomId"`
		TransportID     string          `json:"transportId"`
		ProducerID      string          `json:"producerId"`
		RtpCapabilities json.RawMessage `json:"rtpCapabilities"`
	}
	if !decode(payload, &req) || req.TransportID == "" || req.ProducerID == "" {
		return nil, protocol.ErrInvalidPayload
	}
	client, room, code := m.roomFor(sock, req.RoomID)
	if code != "" {
		return nil, code
	}
	if req.TransportID != client.RecvTransportID {
		return nil, protocol.ErrTransportNotFound
	}

	consumer, err := room.Cluster().Consume(ctx, req.TransportID, req.ProducerID, req.RtpCapabilities)
	if err != nil {
		switch {
		case errors.Is(err, cluster.ErrTransportNotFound):
			return nil, protocol.ErrTransportNotFound
		case errors.Is(err, cluster.ErrCannotConsume):
			return nil, protocol.ErrCannotConsume
		}
		logging.Error(ctx, "Consume failed",
			zap.String("producerId", req.ProducerID), zap.Error(err))
		return nil, protocol.ErrInternal
	}
	m.clients.Update(sock.ID(), func(c *registry.Client) {
		c.ConsumerIDs = append(c.ConsumerIDs, consumer.ID())
	})
	return map[string]any{
		"consumerId":    consumer.ID(),
		"producerId":    req.ProducerID,
		"kind":          media.KindAudio,
		"rtpParameters": consumer.RtpParameters(),
		"paused":        true,
	}, ""
}

func (m *Mux) handleConsumerResume(ctx context.Context, sock transport.Socket, payload json.RawMessage) (any, protocol.ErrorCode) {
	var req struct {
		ConsumerID string `json:"consumerId"`
	}
	if !decode(payload, &req) || req.ConsumerID == "" {
		return nil, protocol.ErrInvalidPayload
	}
	client, room, code := m.roomFor(sock, "")
	if code != "" {
		return nil, code
	}
	if !slices.Contains(client.ConsumerIDs, req.ConsumerID) {
		return nil, protocol.ErrConsumerNotFound
	}

	resumed, err := room.Cluster().ResumeConsumer(ctx, req.ConsumerID)
	if err != nil {
		if errors.Is(err, cluster.ErrConsumerNotFound) {
			return nil, protocol.ErrConsumerNotFound
		}
		logging.Error(ctx, "Consumer resume failed",
			zap.String("consumerId", req.ConsumerID), zap.Error(err))
		return nil, protocol.ErrInternal
	}
	if !resumed {
		// Source is not an active speaker right now; the detector resumes
		// the consumer when it becomes one.
		return map[string]any{"deferred": true}, ""
	}
	return map[string]any{"resumed": true}, ""
}

func (m *Mux) handleAudioSelfMute(ctx context.Context, sock transport.Socket, payload json.RawMessage) (any, protocol.ErrorCode) {
	return m.setSelfMute(ctx, sock, payload, true)
}

func (m *Mux) handleAudioSelfUnmute(ctx context.Context, sock transport.Socket, payload json.RawMessage) (any, protocol.ErrorCode) {
	return m.setSelfMute(ctx, sock, payload, false)
}

// setSelfMute pauses or resumes a producer at the source after proving the
// caller owns it. The producer's appData carries the owning userId, so the
// check holds even for ids guessed off the wire.
func (m *Mux) setSelfMute(ctx context.Context, sock transport.Socket, payload json.RawMessage, muted bool) (any, protocol.ErrorCode) {
	var req struct {
		RoomID     string `json:"roomId"`
		ProducerID string `json:"producerId"`
	}
	// The payload is optional; the caller's own producer is the default.
	if len(payload) > 0 && json.Unmarshal(payload, &req) != nil {
		return nil, protocol.ErrInvalidPayload
	}
	client, room, code := m.roomFor(sock, req.RoomID)
	if code != "" {
		return nil, code
	}

	producerID := req.ProducerID
	if producerID == "" {
		producerID = client.ProducerID
	}
	if producerID == "" {
		return nil, protocol.ErrProducerNotFound
	}
	producer, ok := room.Cluster().Producer(producerID)
	if !ok {
		return nil, protocol.ErrProducerNotFound
	}
	if producer.AppData()["userId"] != sock.User().ID {
		return nil, protocol.ErrNotAuthorized
	}

	var err error
	if muted {
		err = room.Cluster().PauseProducer(ctx, producerID)
	} else {
		err = room.Cluster().ResumeProducer(ctx, producerID)
	}
	if err != nil {
		logging.Error(ctx, "Self mute toggle failed",
			zap.Bool("muted", muted), zap.Error(err))
		return nil, protocol.ErrInternal
	}

	m.emitter.BroadcastToRoom(client.RoomID, protocol.ServerEvent{
		Event: protocol.EventSeatUserMuted,
		Payload: map[string]any{
			"userId":    sock.User().ID,
			"isMuted":   muted,
			"selfMuted": true,
		},
	})
	return nil, ""
}

// setProducerPausedForUser applies a moderated mute to whichever producer the
// target user holds in the room.
func (m *Mux) setProducerPausedForUser(ctx context.Context, room *rooms.Room, userID string, paused bool) {
	for _, member := range m.clients.InRoom(room.ID) {
		if member.User.ID != userID || member.ProducerID == "" {
			continue
		}
		var err error
		if paused {
			err = room.Cluster().PauseProducer(ctx, member.ProducerID)
		} else {
			err = room.Cluster().ResumeProducer(ctx, member.ProducerID)
		}
		if err != nil && !errors.Is(err, cluster.ErrProducerNotFound) {
			logging.Warn(ctx, "Moderated mute toggle failed",
				zap.String("targetUserId", userID),
				zap.Bool("paused", paused), zap.Error(err))
		}
	}
}

// closeProducerForUser force-closes a kicked occupant's producer and resets
// the speaker state on their connection record.
func (m *Mux) closeProducerForUser(ctx context.Context, room *rooms.Room, userID string) {
	for _, member := range m.clients.InRoom(room.ID) {
		if member.User.ID != userID || member.ProducerID == "" {
			continue
		}
		if err := room.Cluster().CloseProducer(ctx, member.ProducerID); err != nil && !errors.Is(err, cluster.ErrProducerNotFound) {
			logging.Warn(ctx, "Forced producer close failed",
				zap.String("targetUserId", userID), zap.Error(err))
		}
		room.Detector().Forget(member.ProducerID)
		m.clients.Update(member.ConnectionID, func(c *registry.Client) {
			c.ProducerID = ""
			c.IsSpeaker = false
		})
	}
}
