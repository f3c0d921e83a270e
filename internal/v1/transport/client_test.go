package transport

import (
	"encoding/json"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flylive/msab/internal/v1/protocol"
)

// queueOnlyConn builds a Conn with tiny buffers and no pumps, for testing
// enqueue semantics in isolation.
func queueOnlyConn() *Conn {
	return &Conn{
		id:           "test-socket",
		send:         make(chan []byte, 1),
		prioritySend: make(chan []byte, 1),
	}
}

func TestConn_AckRidesPriorityQueue(t *testing.T) {
	conn := queueOnlyConn()

	conn.SendEvent(protocol.ServerEvent{Event: "seat:updated"})
	conn.SendAck(protocol.OkAck("r1", nil))

	assert.Equal(t, 1, len(conn.send))
	assert.Equal(t, 1, len(conn.prioritySend))

	var ack protocol.Ack
	require.NoError(t, json.Unmarshal(<-conn.prioritySend, &ack))
	assert.Equal(t, "r1", ack.RequestID)
	assert.True(t, ack.Success)
}

func TestConn_FullQueueDropsFrame(t *testing.T) {
	conn := queueOnlyConn()

	conn.SendEvent(protocol.ServerEvent{Event: "one"})
	conn.SendEvent(protocol.ServerEvent{Event: "two"}) // dropped, buffer is 1

	require.Equal(t, 1, len(conn.send))
	var event protocol.ServerEvent
	require.NoError(t, json.Unmarshal(<-conn.send, &event))
	assert.Equal(t, "one", event.Event)
}

func TestConn_DisconnectIsIdempotent(t *testing.T) {
	conn := queueOnlyConn()

	conn.Disconnect()
	assert.NotPanics(t, conn.Disconnect)

	// Sends after disconnect are silently dropped, never a panic on the
	// closed channel.
	assert.NotPanics(t, func() {
		conn.SendEvent(protocol.ServerEvent{Event: "late"})
		conn.SendAck(protocol.OkAck("r9", nil))
	})
}

func TestConn_ReadPumpDispatchesInArrivalOrder(t *testing.T) {
	hub := NewHub(&stubValidator{claims: claimsFor("u1")}, nil, nil)
	handler := &recordingHandler{}
	hub.SetHandler(handler)

	fc := newFakeConn()
	conn := hub.HandleConnection(fc, claimsFor("u1"))
	defer drainConn(t, hub, conn)

	fc.pushText(`{"event":"first","requestId":"1"}`)
	fc.pushText(`{"event":"second","requestId":"2"}`)
	fc.pushText(`{"event":"third","requestId":"3"}`)

	waitForCondition(t, func() bool { return len(handler.messageEvents()) == 3 })
	assert.Equal(t, []string{"first", "second", "third"}, handler.messageEvents())
}

func TestConn_MalformedFrameGetsInvalidPayloadAck(t *testing.T) {
	hub := NewHub(&stubValidator{claims: claimsFor("u1")}, nil, nil)
	handler := &recordingHandler{}
	hub.SetHandler(handler)

	fc := newFakeConn()
	conn := hub.HandleConnection(fc, claimsFor("u1"))
	defer drainConn(t, hub, conn)

	fc.pushText(`{this is not json`)
	fc.pushText(`{"requestId":"r2"}`) // valid JSON, missing event

	waitForCondition(t, func() bool { return len(fc.textFrames()) == 2 })

	var first, second protocol.Ack
	require.NoError(t, json.Unmarshal(fc.textFrames()[0], &first))
	require.NoError(t, json.Unmarshal(fc.textFrames()[1], &second))

	assert.False(t, first.Success)
	assert.Equal(t, protocol.ErrInvalidPayload, first.Error)
	assert.False(t, second.Success)
	assert.Equal(t, protocol.ErrInvalidPayload, second.Error)
	assert.Equal(t, "r2", second.RequestID)

	assert.Empty(t, handler.messageEvents(), "malformed frames must not reach the handler")
}

func TestConn_ControlFramesAreIgnored(t *testing.T) {
	hub := NewHub(&stubValidator{claims: claimsFor("u1")}, nil, nil)
	handler := &recordingHandler{}
	hub.SetHandler(handler)

	fc := newFakeConn()
	conn := hub.HandleConnection(fc, claimsFor("u1"))
	defer drainConn(t, hub, conn)

	fc.inbound <- inboundFrame{messageType: websocket.PingMessage, data: []byte("ping")}
	fc.pushText(`{"event":"after-ping"}`)

	waitForCondition(t, func() bool { return len(handler.messageEvents()) == 1 })
	assert.Equal(t, []string{"after-ping"}, handler.messageEvents())
}

func TestConn_BinaryJSONFramesAreAccepted(t *testing.T) {
	hub := NewHub(&stubValidator{claims: claimsFor("u1")}, nil, nil)
	handler := &recordingHandler{}
	hub.SetHandler(handler)

	fc := newFakeConn()
	conn := hub.HandleConnection(fc, claimsFor("u1"))
	defer drainConn(t, hub, conn)

	fc.inbound <- inboundFrame{messageType: websocket.BinaryMessage, data: []byte(`{"event":"binary-ok"}`)}

	waitForCondition(t, func() bool { return len(handler.messageEvents()) == 1 })
	assert.Equal(t, []string{"binary-ok"}, handler.messageEvents())
}

func TestConn_DisconnectSendsCloseFrameAndUnregisters(t *testing.T) {
	hub := NewHub(&stubValidator{claims: claimsFor("u1")}, nil, nil)
	hub.SetHandler(&recordingHandler{})

	fc := newFakeConn()
	conn := hub.HandleConnection(fc, claimsFor("u1"))

	conn.Disconnect()

	waitForCondition(t, fc.wroteCloseFrame)
	waitForCondition(t, func() bool { return hub.ConnectionCount() == 0 })
}

func TestConn_UserIdentityFromClaims(t *testing.T) {
	hub := NewHub(&stubValidator{claims: claimsFor("u1")}, nil, nil)
	hub.SetHandler(&recordingHandler{})

	claims := claimsFor("314")
	claims.Avatar = "https://cdn.flylive.net/a/314.png"
	claims.Coins = "1200"

	fc := newFakeConn()
	conn := hub.HandleConnection(fc, claims)
	defer drainConn(t, hub, conn)

	user := conn.User()
	assert.Equal(t, "314", user.ID)
	assert.Equal(t, "Tester", user.Name)
	assert.Equal(t, "https://cdn.flylive.net/a/314.png", user.Avatar)
	assert.Equal(t, "1200", user.Coins)
	assert.NotEmpty(t, conn.ID())
}
