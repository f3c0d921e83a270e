package transport

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/flylive/msab/internal/v1/auth"
	"github.com/flylive/msab/internal/v1/protocol"
)

// stubValidator implements TokenValidator with canned results.
type stubValidator struct {
	claims *auth.CustomClaims
	err    error
}

func (s *stubValidator) ValidateToken(_ context.Context, _ string) (*auth.CustomClaims, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.claims, nil
}

func claimsFor(sub string) *auth.CustomClaims {
	claims := &auth.CustomClaims{Name: "Tester"}
	claims.Subject = sub
	return claims
}

type inboundFrame struct {
	messageType int
	data        []byte
}

// fakeConn is an in-memory wsConnection. Tests push inbound frames and
// inspect what the write loop flushed.
type fakeConn struct {
	inbound   chan inboundFrame
	closeCh   chan struct{}
	closeOnce sync.Once

	mu        sync.Mutex
	sent      [][]byte
	sentTypes []int
	closed    bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbound: make(chan inboundFrame, 64),
		closeCh: make(chan struct{}),
	}
}

func (f *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case frame := <-f.inbound:
		return frame.messageType, frame.data, nil
	case <-f.closeCh:
		return 0, nil, errors.New("connection closed")
	}
}

func (f *fakeConn) WriteMessage(messageType int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return errors.New("connection closed")
	}
	f.sentTypes = append(f.sentTypes, messageType)
	f.sent = append(f.sent, append([]byte(nil), data...))
	return nil
}

func (f *fakeConn) Close() error {
	f.closeOnce.Do(func() {
		f.mu.Lock()
		f.closed = true
		f.mu.Unlock()
		close(f.closeCh)
	})
	return nil
}

func (f *fakeConn) SetWriteDeadline(_ time.Time) error { return nil }

func (f *fakeConn) pushText(raw string) {
	f.inbound <- inboundFrame{messageType: websocket.TextMessage, data: []byte(raw)}
}

// textFrames returns the payloads of every data frame written so far,
// skipping close frames.
func (f *fakeConn) textFrames() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, 0, len(f.sent))
	for i, data := range f.sent {
		if f.sentTypes[i] == websocket.TextMessage {
			out = append(out, data)
		}
	}
	return out
}

func (f *fakeConn) wroteCloseFrame() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, messageType := range f.sentTypes {
		if messageType == websocket.CloseMessage {
			return true
		}
	}
	return false
}

// recordingHandler captures lifecycle callbacks and messages; onMessage, if
// set, runs inline on the read loop like a real handler would.
type recordingHandler struct {
	mu          sync.Mutex
	connects    []string
	disconnects []string
	messages    []protocol.Message
	onMessage   func(ctx context.Context, sock Socket, msg protocol.Message)
}

func (r *recordingHandler) HandleConnect(_ context.Context, sock Socket) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connects = append(r.connects, sock.ID())
}

func (r *recordingHandler) HandleMessage(ctx context.Context, sock Socket, msg protocol.Message) {
	r.mu.Lock()
	r.messages = append(r.messages, msg)
	fn := r.onMessage
	r.mu.Unlock()
	if fn != nil {
		fn(ctx, sock, msg)
	}
}

func (r *recordingHandler) HandleDisconnect(_ context.Context, sock Socket) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disconnects = append(r.disconnects, sock.ID())
}

func (r *recordingHandler) messageEvents() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.messages))
	for _, msg := range r.messages {
		out = append(out, msg.Event)
	}
	return out
}

func (r *recordingHandler) disconnectCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.disconnects)
}

func drainConn(t *testing.T, hub *Hub, conn *Conn) {
	t.Helper()
	conn.Disconnect()
	waitForCondition(t, func() bool { return !hub.IsConnected(conn.ID()) })
}

func waitForCondition(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never met")
}
