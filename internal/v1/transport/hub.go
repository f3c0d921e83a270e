// Package transport owns the WebSocket edge: handshake (rate limit, token,
// origin), socket lifecycle, per-room fan-out groups, and frame delivery.
// It knows nothing about rooms, seats, or gifts; inbound traffic is handed
// to a Handler the caller wires in after construction.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/flylive/msab/internal/v1/auth"
	"github.com/flylive/msab/internal/v1/logging"
	"github.com/flylive/msab/internal/v1/metrics"
	"github.com/flylive/msab/internal/v1/protocol"
	"github.com/flylive/msab/internal/v1/ratelimit"
)

// TokenValidator verifies handshake tokens. auth.Validator implements it;
// auth.MockValidator substitutes in development mode.
type TokenValidator interface {
	ValidateToken(ctx context.Context, tokenString string) (*auth.CustomClaims, error)
}

// Handler consumes socket lifecycle and inbound messages. The handler mux
// implements it; the hub never interprets message payloads itself.
type Handler interface {
	HandleConnect(ctx context.Context, sock Socket)
	HandleMessage(ctx context.Context, sock Socket, msg protocol.Message)
	HandleDisconnect(ctx context.Context, sock Socket)
}

// Hub coordinates every socket on this instance.
type Hub struct {
	validator      TokenValidator
	rateLimiter    *ratelimit.RateLimiter
	allowedOrigins []string

	mu     sync.RWMutex
	conns  map[string]*Conn
	groups map[string]map[string]*Conn

	handlerMu sync.RWMutex
	handler   Handler
}

// NewHub creates a Hub. The message handler is attached afterwards with
// SetHandler, before the first connection is served.
func NewHub(validator TokenValidator, rateLimiter *ratelimit.RateLimiter, allowedOrigins []string) *Hub {
	return &Hub{
		validator:      validator,
		rateLimiter:    rateLimiter,
		allowedOrigins: allowedOrigins,
		conns:          make(map[string]*Conn),
		groups:         make(map[string]map[string]*Conn),
	}
}

// SetHandler attaches the message handler.
func (h *Hub) SetHandler(handler Handler) {
	h.handlerMu.Lock()
	defer h.handlerMu.Unlock()
	h.handler = handler
}

func (h *Hub) currentHandler() Handler {
	h.handlerMu.RLock()
	defer h.handlerMu.RUnlock()
	return h.handler
}

// ServeWs authenticates the request and upgrades it to a WebSocket.
// Handshake failures answer with a transport-level error code and never
// upgrade.
func (h *Hub) ServeWs(c *gin.Context) {
	if h.rateLimiter != nil && !h.rateLimiter.CheckWebSocket(c) {
		return // 429 already written
	}

	token := extractToken(c)
	if token.value == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": protocol.ErrAuthRequired})
		return
	}

	claims, err := h.validator.ValidateToken(c.Request.Context(), token.value)
	if err != nil {
		code := protocol.ErrInvalidCredentials
		if errors.Is(err, auth.ErrRevocationCheck) {
			code = protocol.ErrAuthFailed
		}
		logging.Warn(c.Request.Context(), "Handshake token rejected", zap.Error(err))
		c.JSON(http.StatusUnauthorized, gin.H{"error": code})
		return
	}

	if err := auth.ValidateOrigin(c.Request, h.allowedOrigins); err != nil {
		c.JSON(http.StatusForbidden, gin.H{"error": protocol.ErrOriginNotAllowed})
		return
	}

	ws, err := h.upgrade(c, token)
	if err != nil {
		return // upgrader already wrote the response
	}

	h.HandleConnection(ws, claims)
}

// HandleConnection registers an established WebSocket and starts its pumps.
// Exposed separately from ServeWs so tests can drive a fake connection.
func (h *Hub) HandleConnection(ws wsConnection, claims *auth.CustomClaims) *Conn {
	conn := &Conn{
		hub:  h,
		conn: ws,
		id:   uuid.NewString(),
		user: protocol.User{
			ID:       claims.Subject,
			Name:     claims.Name,
			Avatar:   claims.Avatar,
			Coins:    claims.Coins,
			Diamonds: claims.Diamonds,
		},
		send:         make(chan []byte, sendBufferSize),
		prioritySend: make(chan []byte, sendBufferSize),
	}

	h.mu.Lock()
	h.conns[conn.id] = conn
	h.mu.Unlock()

	metrics.IncConnection()

	ctx := logging.WithUserID(logging.WithSocketID(context.Background(), conn.id), conn.user.ID)
	logging.Info(ctx, "Socket connected",
		zap.String("socketId", conn.id), zap.String("userId", conn.user.ID))

	if handler := h.currentHandler(); handler != nil {
		handler.HandleConnect(ctx, conn)
	}

	go conn.writePump()
	go conn.readPump()
	return conn
}

func (h *Hub) handleMessage(ctx context.Context, conn *Conn, msg protocol.Message) {
	handler := h.currentHandler()
	if handler == nil {
		conn.SendAck(protocol.ErrAck(msg.RequestID, protocol.ErrInternal))
		return
	}
	handler.HandleMessage(ctx, conn, msg)
}

// dropConnection is the single teardown path for a socket, reached from the
// read loop on any exit. Safe to race: only the first caller proceeds.
func (h *Hub) dropConnection(conn *Conn) {
	h.mu.Lock()
	_, known := h.conns[conn.id]
	delete(h.conns, conn.id)
	h.mu.Unlock()
	if !known {
		return
	}

	ctx := logging.WithUserID(logging.WithSocketID(context.Background(), conn.id), conn.user.ID)
	if handler := h.currentHandler(); handler != nil {
		handler.HandleDisconnect(ctx, conn)
	}

	// The handler leaves the room group itself; this catches sockets that
	// died before a clean leave.
	h.mu.Lock()
	for roomID, members := range h.groups {
		if _, ok := members[conn.id]; ok {
			delete(members, conn.id)
			if len(members) == 0 {
				delete(h.groups, roomID)
			}
		}
	}
	h.mu.Unlock()

	conn.Disconnect()
	_ = conn.conn.Close()
	metrics.DecConnection()
	logging.Info(ctx, "Socket disconnected", zap.String("socketId", conn.id))
}

// --- fan-out groups ---

// JoinGroup adds a socket to a room's fan-out group.
func (h *Hub) JoinGroup(connectionID, roomID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	conn, ok := h.conns[connectionID]
	if !ok {
		return
	}
	members, ok := h.groups[roomID]
	if !ok {
		members = make(map[string]*Conn)
		h.groups[roomID] = members
	}
	members[connectionID] = conn
}

// LeaveGroup removes a socket from a room's fan-out group.
func (h *Hub) LeaveGroup(connectionID, roomID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	members, ok := h.groups[roomID]
	if !ok {
		return
	}
	delete(members, connectionID)
	if len(members) == 0 {
		delete(h.groups, roomID)
	}
}

// IsConnected reports whether the socket is still registered on this
// instance. Registry snapshots use it to prune ghosts.
func (h *Hub) IsConnected(connectionID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.conns[connectionID]
	return ok
}

// ConnectionCount reports how many sockets this instance holds.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// --- delivery ---

// BroadcastToRoom sends an event to every socket in the room's group.
func (h *Hub) BroadcastToRoom(roomID string, event protocol.ServerEvent) {
	h.broadcastToRoom(roomID, "", event)
}

// BroadcastToRoomExcept sends an event to the room, skipping one socket.
// Join and leave announcements use it so clients never hear about
// themselves.
func (h *Hub) BroadcastToRoomExcept(roomID, exceptConnectionID string, event protocol.ServerEvent) {
	h.broadcastToRoom(roomID, exceptConnectionID, event)
}

func (h *Hub) broadcastToRoom(roomID, except string, event protocol.ServerEvent) {
	data, err := json.Marshal(event)
	if err != nil {
		logging.Error(context.Background(), "Failed to marshal broadcast",
			zap.String("event", event.Event), zap.Error(err))
		return
	}

	h.mu.RLock()
	targets := make([]*Conn, 0, len(h.groups[roomID]))
	for id, conn := range h.groups[roomID] {
		if id == except {
			continue
		}
		targets = append(targets, conn)
	}
	h.mu.RUnlock()

	for _, conn := range targets {
		conn.enqueue(data, false)
	}
}

// SendToConnection sends an event to one socket, if this instance owns it.
func (h *Hub) SendToConnection(connectionID string, event protocol.ServerEvent) {
	h.SendToSockets([]string{connectionID}, event)
}

// SendToSockets sends an event to each listed socket this instance owns.
// Ids owned by other instances are skipped; their own relay delivers there.
func (h *Hub) SendToSockets(socketIDs []string, event protocol.ServerEvent) {
	data, err := json.Marshal(event)
	if err != nil {
		logging.Error(context.Background(), "Failed to marshal targeted event",
			zap.String("event", event.Event), zap.Error(err))
		return
	}

	h.mu.RLock()
	targets := make([]*Conn, 0, len(socketIDs))
	for _, id := range socketIDs {
		if conn, ok := h.conns[id]; ok {
			targets = append(targets, conn)
		}
	}
	h.mu.RUnlock()

	for _, conn := range targets {
		conn.enqueue(data, false)
	}
}

// BroadcastAll sends an event to every socket on this instance.
func (h *Hub) BroadcastAll(event protocol.ServerEvent) {
	data, err := json.Marshal(event)
	if err != nil {
		logging.Error(context.Background(), "Failed to marshal broadcast",
			zap.String("event", event.Event), zap.Error(err))
		return
	}

	h.mu.RLock()
	targets := make([]*Conn, 0, len(h.conns))
	for _, conn := range h.conns {
		targets = append(targets, conn)
	}
	h.mu.RUnlock()

	for _, conn := range targets {
		conn.enqueue(data, false)
	}
}

// Shutdown disconnects every socket. Room teardown (state, seats, media)
// happens before this through the room registry; here we only flush and
// close transports.
func (h *Hub) Shutdown(ctx context.Context) {
	h.mu.Lock()
	conns := make([]*Conn, 0, len(h.conns))
	for _, conn := range h.conns {
		conns = append(conns, conn)
	}
	h.mu.Unlock()

	logging.Info(ctx, "Closing sockets", zap.Int("count", len(conns)))
	for _, conn := range conns {
		conn.Disconnect()
	}
}
