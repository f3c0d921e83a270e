package transport

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/flylive/msab/internal/v1/logging"
	"github.com/flylive/msab/internal/v1/protocol"
)

const (
	writeWait      = 10 * time.Second
	sendBufferSize = 256
)

// wsConnection defines the WebSocket operations the transport needs.
// Tests substitute an in-memory pipe.
type wsConnection interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
	SetWriteDeadline(t time.Time) error
}

// Socket is the per-connection surface handlers see. The concrete *Conn
// implements it; handler tests use a fake.
type Socket interface {
	ID() string
	User() protocol.User
	SendAck(ack protocol.Ack)
	SendEvent(event protocol.ServerEvent)
}

// Conn is one authenticated socket. Inbound frames are handled in arrival
// order on the read loop. Outbound frames go through two buffered queues so
// one slow consumer cannot block a room broadcast; acks ride the priority
// queue so a flooded broadcast buffer cannot starve request round-trips.
type Conn struct {
	hub  *Hub
	conn wsConnection

	id   string
	user protocol.User

	send         chan []byte
	prioritySend chan []byte

	mu        sync.RWMutex
	closed    bool
	closeOnce sync.Once
}

// ID returns the socket id minted at handshake.
func (c *Conn) ID() string { return c.id }

// User returns the identity attached at auth.
func (c *Conn) User() protocol.User { return c.user }

// SendAck queues a request ack on the priority queue.
func (c *Conn) SendAck(ack protocol.Ack) {
	data, err := json.Marshal(ack)
	if err != nil {
		logging.Error(context.Background(), "Failed to marshal ack",
			zap.String("socketId", c.id), zap.Error(err))
		return
	}
	c.enqueue(data, true)
}

// SendEvent queues an unsolicited server → client frame.
func (c *Conn) SendEvent(event protocol.ServerEvent) {
	data, err := json.Marshal(event)
	if err != nil {
		logging.Error(context.Background(), "Failed to marshal event",
			zap.String("event", event.Event), zap.Error(err))
		return
	}
	c.enqueue(data, false)
}

// enqueue hands a marshaled frame to the write loop. Frames for a closed
// socket or a full queue are dropped; the room state a reconnecting client
// fetches on join is authoritative anyway.
func (c *Conn) enqueue(data []byte, priority bool) {
	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return
	}
	c.mu.RUnlock()

	// Disconnect may close the channels between the check above and the
	// send below.
	defer func() {
		if r := recover(); r != nil {
			logging.GetLogger().Debug("Dropped frame for closing socket", zap.String("socketId", c.id))
		}
	}()

	ch := c.send
	if priority {
		ch = c.prioritySend
	}
	select {
	case ch <- data:
	default:
		if priority {
			logging.Error(context.Background(), "Priority queue full - dropping frame",
				zap.String("socketId", c.id))
		} else {
			logging.Warn(context.Background(), "Send queue full - dropping frame",
				zap.String("socketId", c.id))
		}
	}
}

// Disconnect closes the outbound queues. The write loop drains what is
// buffered, sends a close frame, and closes the underlying socket, which in
// turn unblocks the read loop.
func (c *Conn) Disconnect() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		close(c.send)
		close(c.prioritySend)
	})
}

// readPump processes inbound frames until the socket errors or closes.
// Running message handling inline here is what serializes a connection's
// requests.
func (c *Conn) readPump() {
	defer c.hub.dropConnection(c)

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage && messageType != websocket.BinaryMessage {
			continue
		}

		var msg protocol.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			logging.Warn(context.Background(), "Discarding malformed frame",
				zap.String("socketId", c.id), zap.Error(err))
			c.SendAck(protocol.ErrAck("", protocol.ErrInvalidPayload))
			continue
		}
		if msg.Event == "" {
			c.SendAck(protocol.ErrAck(msg.RequestID, protocol.ErrInvalidPayload))
			continue
		}

		ctx := logging.WithUserID(logging.WithSocketID(context.Background(), c.id), c.user.ID)
		c.hub.handleMessage(ctx, c, msg)
	}
}

func (c *Conn) writePump() {
	defer c.conn.Close()

	for {
		select {
		case message, ok := <-c.prioritySend:
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				logging.Error(context.Background(), "error writing priority frame",
					zap.String("socketId", c.id), zap.Error(err))
				return
			}
		case message, ok := <-c.send:
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				logging.Error(context.Background(), "error writing frame",
					zap.String("socketId", c.id), zap.Error(err))
				return
			}
		}
	}
}
