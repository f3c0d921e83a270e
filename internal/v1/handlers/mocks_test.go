package handlers

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/flylive/msab/internal/v1/laravel"
	"github.com/flylive/msab/internal/v1/media"
	"github.com/flylive/msab/internal/v1/protocol"
	"github.com/flylive/msab/internal/v1/registry"
	"github.com/flylive/msab/internal/v1/rooms"
	"github.com/flylive/msab/internal/v1/seats"
)

// fakeSocket implements transport.Socket and records everything sent to it.
type fakeSocket struct {
	id   string
	user protocol.User

	mu     sync.Mutex
	acks   []protocol.Ack
	events []protocol.ServerEvent
}

func (s *fakeSocket) ID() string          { return s.id }
func (s *fakeSocket) User() protocol.User { return s.user }

func (s *fakeSocket) SendAck(ack protocol.Ack) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.acks = append(s.acks, ack)
}

func (s *fakeSocket) SendEvent(event protocol.ServerEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
}

func (s *fakeSocket) lastAck(t *testing.T) protocol.Ack {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	require.NotEmpty(t, s.acks, "no ack recorded on socket %s", s.id)
	return s.acks[len(s.acks)-1]
}

// roomEvent is one fan-out call the fake emitter saw.
type roomEvent struct {
	roomID string
	except string
	event  protocol.ServerEvent
}

type targetedEvent struct {
	socketIDs []string
	event     protocol.ServerEvent
}

// fakeEmitter implements Emitter (and the rooms.Notifier subset) in memory.
type fakeEmitter struct {
	mu        sync.Mutex
	groups    map[string]map[string]bool
	gone      map[string]bool
	broadcast []roomEvent
	targeted  []targetedEvent
}

func newFakeEmitter() *fakeEmitter {
	return &fakeEmitter{
		groups: make(map[string]map[string]bool),
		gone:   make(map[string]bool),
	}
}

func (e *fakeEmitter) JoinGroup(connectionID, roomID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.groups[roomID] == nil {
		e.groups[roomID] = make(map[string]bool)
	}
	e.groups[roomID][connectionID] = true
}

func (e *fakeEmitter) LeaveGroup(connectionID, roomID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.groups[roomID], connectionID)
}

func (e *fakeEmitter) BroadcastToRoom(roomID string, event protocol.ServerEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.broadcast = append(e.broadcast, roomEvent{roomID: roomID, event: event})
}

func (e *fakeEmitter) BroadcastToRoomExcept(roomID, exceptConnectionID string, event protocol.ServerEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.broadcast = append(e.broadcast, roomEvent{roomID: roomID, except: exceptConnectionID, event: event})
}

func (e *fakeEmitter) SendToSockets(socketIDs []string, event protocol.ServerEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.targeted = append(e.targeted, targetedEvent{socketIDs: socketIDs, event: event})
}

func (e *fakeEmitter) IsConnected(connectionID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return !e.gone[connectionID]
}

func (e *fakeEmitter) markGone(connectionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.gone[connectionID] = true
}

func (e *fakeEmitter) inGroup(roomID, connectionID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.groups[roomID][connectionID]
}

func (e *fakeEmitter) broadcasts() []roomEvent {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]roomEvent(nil), e.broadcast...)
}

// eventsNamed filters recorded broadcasts by event name.
func (e *fakeEmitter) eventsNamed(name string) []roomEvent {
	var out []roomEvent
	for _, ev := range e.broadcasts() {
		if ev.event.Event == name {
			out = append(out, ev)
		}
	}
	return out
}

func (e *fakeEmitter) targetedSends() []targetedEvent {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]targetedEvent(nil), e.targeted...)
}

// stubBackend implements Backend with canned room info and recorded status
// pushes.
type stubBackend struct {
	mu       sync.Mutex
	rooms    map[string]*laravel.RoomInfo
	getErr   error
	statuses []laravel.RoomStatus
	getCalls int
}

func newStubBackend() *stubBackend {
	return &stubBackend{rooms: make(map[string]*laravel.RoomInfo)}
}

func (b *stubBackend) GetRoom(_ context.Context, roomID string) (*laravel.RoomInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.getCalls++
	if b.getErr != nil {
		return nil, b.getErr
	}
	info, ok := b.rooms[roomID]
	if !ok {
		return nil, laravel.ErrNotFound
	}
	return info, nil
}

func (b *stubBackend) SetRoomStatus(_ context.Context, _ string, status laravel.RoomStatus) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.statuses = append(b.statuses, status)
	return nil
}

func (b *stubBackend) statusPushes() []laravel.RoomStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]laravel.RoomStatus(nil), b.statuses...)
}

func (b *stubBackend) setRoom(info *laravel.RoomInfo) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rooms[info.ID] = info
}

func (b *stubBackend) lookupCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.getCalls
}

// recordingGiftQueue implements GiftQueue in memory.
type recordingGiftQueue struct {
	mu   sync.Mutex
	txs  []laravel.GiftTransaction
	fail error
}

func (q *recordingGiftQueue) Enqueue(_ context.Context, tx laravel.GiftTransaction) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.fail != nil {
		return q.fail
	}
	q.txs = append(q.txs, tx)
	return nil
}

func (q *recordingGiftQueue) enqueued() []laravel.GiftTransaction {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]laravel.GiftTransaction(nil), q.txs...)
}

// stubGiftLimiter implements GiftLimiter with a fixed verdict.
type stubGiftLimiter struct {
	mu    sync.Mutex
	allow bool
	calls int
}

func (l *stubGiftLimiter) AllowGift(context.Context, string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	return l.allow
}

type muxFixture struct {
	mr      *miniredis.Miniredis
	rdb     *redis.Client
	engine  *media.FakeEngine
	pool    *media.Pool
	reg     *rooms.Registry
	seats   *seats.Repository
	clients *registry.ClientRegistry
	sockets *registry.UserSocketRegistry
	emitter *fakeEmitter
	gifts   *recordingGiftQueue
	limiter *stubGiftLimiter
	backend *stubBackend
	mux     *Mux
}

func newTestMux(t *testing.T) *muxFixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	engine := media.NewFakeEngine()
	pool, err := media.NewPool(context.Background(), engine, 2, media.WorkerSettings{})
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	f := &muxFixture{
		mr:      mr,
		rdb:     rdb,
		engine:  engine,
		pool:    pool,
		seats:   seats.NewRepository(rdb),
		clients: registry.NewClientRegistry(),
		sockets: registry.NewUserSocketRegistry(rdb),
		emitter: newFakeEmitter(),
		gifts:   &recordingGiftQueue{},
		limiter: &stubGiftLimiter{allow: true},
		backend: newStubBackend(),
	}
	f.reg = rooms.NewRegistry(rooms.Config{
		Pool:                  pool,
		Redis:                 rdb,
		Seats:                 f.seats,
		Notifier:              f.emitter,
		MaxListenersPerRouter: 10,
		DefaultSeatCount:      15,
	})
	f.mux = New(Options{
		Rooms:       f.reg,
		Seats:       f.seats,
		Clients:     f.clients,
		Sockets:     f.sockets,
		Emitter:     f.emitter,
		Gifts:       f.gifts,
		GiftLimiter: f.limiter,
		Backend:     f.backend,
	})
	f.reg.SetOnActiveSpeakers(f.mux.BroadcastActiveSpeakers)
	return f
}

// connect builds a socket for the user and runs the connect lifecycle.
func (f *muxFixture) connect(t *testing.T, userID, name string) *fakeSocket {
	t.Helper()
	sock := &fakeSocket{
		id:   uuid.NewString(),
		user: protocol.User{ID: userID, Name: name},
	}
	f.mux.HandleConnect(context.Background(), sock)
	return sock
}

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}

// send runs one request through the mux and returns its ack.
func (f *muxFixture) send(t *testing.T, sock *fakeSocket, event string, payload any) protocol.Ack {
	t.Helper()
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		require.NoError(t, err)
		raw = data
	}
	f.mux.HandleMessage(context.Background(), sock, protocol.Message{
		Event:     event,
		RequestID: uuid.NewString(),
		Payload:   raw,
	})
	return sock.lastAck(t)
}

// join puts the socket into the room and returns the join ack payload.
func (f *muxFixture) join(t *testing.T, sock *fakeSocket, roomID string) joinResponse {
	t.Helper()
	ack := f.send(t, sock, protocol.EventRoomJoin, map[string]any{"roomId": roomID})
	require.True(t, ack.Success, "join failed: %s", ack.Error)
	resp, ok := ack.Data.(joinResponse)
	require.True(t, ok, "join ack data has type %T", ack.Data)
	return resp
}

// createTransports gives the socket a send and recv transport, returning
// their ids.
func (f *muxFixture) createTransports(t *testing.T, sock *fakeSocket, roomID string) (sendID, recvID string) {
	t.Helper()
	for _, role := range []string{"producer", "consumer"} {
		ack := f.send(t, sock, protocol.EventTransportCreate, map[string]any{"roomId": roomID, "role": role})
		require.True(t, ack.Success, "transport create (%s) failed: %s", role, ack.Error)
		info, ok := ack.Data.(media.TransportInfo)
		require.True(t, ok, "transport ack data has type %T", ack.Data)
		if role == "producer" {
			sendID = info.ID
		} else {
			recvID = info.ID
		}
	}
	return sendID, recvID
}

// produce starts the socket's audio and returns the producer id.
func (f *muxFixture) produce(t *testing.T, sock *fakeSocket, roomID, transportID string) string {
	t.Helper()
	ack := f.send(t, sock, protocol.EventAudioProduce, map[string]any{
		"roomId":        roomID,
		"transportId":   transportID,
		"kind":          media.KindAudio,
		"rtpParameters": map[string]any{"codecs": []any{}},
	})
	require.True(t, ack.Success, "produce failed: %s", ack.Error)
	data, ok := ack.Data.(map[string]any)
	require.True(t, ok)
	producerID, _ := data["producerId"].(string)
	require.NotEmpty(t, producerID)
	return producerID
}
