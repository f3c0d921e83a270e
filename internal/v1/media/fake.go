package media

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

var fakeRtpCapabilities = json.RawMessage(`{"codecs":[{"kind":"audio","mimeType":"audio/opus","clockRate":48000,"channels":2}]}`)

var fakeRtpParameters = json.RawMessage(`{"codecs":[{"mimeType":"audio/opus","payloadType":100,"clockRate":48000,"channels":2}]}`)

// FakeEngine is an in-memory Engine for development mode and tests. It
// behaves like the real engine at the API level: piped producers get new
// IDs, consumers start paused, dying workers fire their handlers.
type FakeEngine struct {
	mu       sync.Mutex
	nextPid  int
	spawns   int
	workers  []*FakeWorker
	failAt   int
	spawnErr error
}

func NewFakeEngine() *FakeEngine {
	return &FakeEngine{}
}

// FailSpawn makes the nth future NewWorker call (1-based) return err.
func (e *FakeEngine) FailSpawn(n int, err error) {
	e.mu.Lock()
	e.failAt = e.spawns + n
	e.spawnErr = err
	e.mu.Unlock()
}

func (e *FakeEngine) NewWorker(_ context.Context, _ WorkerSettings) (Worker, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.failAt > 0 && e.spawns+1 == e.failAt {
		err := e.spawnErr
		e.failAt = 0
		e.spawnErr = nil
		return nil, err
	}
	e.nextPid++
	e.spawns++
	w := &FakeWorker{
		pid:    1000 + e.nextPid,
		server: fmt.Sprintf("fake-webrtc-server-%d", e.nextPid),
	}
	e.workers = append(e.workers, w)
	return w, nil
}

// Workers returns every worker ever spawned, dead ones included.
func (e *FakeEngine) Workers() []*FakeWorker {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*FakeWorker, len(e.workers))
	copy(out, e.workers)
	return out
}

func (e *FakeEngine) SpawnCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.spawns
}

// FakeWorker is an in-memory Worker.
type FakeWorker struct {
	pid    int
	server string

	mu      sync.Mutex
	closed  bool
	died    []func(error)
	routers []*FakeRouter
}

func (w *FakeWorker) Pid() int             { return w.pid }
func (w *FakeWorker) WebRtcServer() string { return w.server }

func (w *FakeWorker) Closed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closed
}

func (w *FakeWorker) OnDied(fn func(err error)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.died = append(w.died, fn)
}

func (w *FakeWorker) CreateRouter(_ context.Context) (Router, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil, ErrWorkerClosed
	}
	r := &FakeRouter{id: uuid.NewString(), worker: w}
	w.routers = append(w.routers, r)
	return r, nil
}

// Routers returns every router created on this worker.
func (w *FakeWorker) Routers() []*FakeRouter {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]*FakeRouter, len(w.routers))
	copy(out, w.routers)
	return out
}

func (w *FakeWorker) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

// Die simulates the worker process crashing: the worker closes and died
// handlers run on the calling goroutine.
func (w *FakeWorker) Die(err error) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	handlers := make([]func(error), len(w.died))
	copy(handlers, w.died)
	w.mu.Unlock()

	for _, fn := range handlers {
		fn(err)
	}
}

// FakeRouter is an in-memory Router.
type FakeRouter struct {
	id     string
	worker *FakeWorker

	mu     sync.Mutex
	closed bool
	piped  []string
}

func (r *FakeRouter) ID() string                       { return r.id }
func (r *FakeRouter) WorkerPid() int                   { return r.worker.pid }
func (r *FakeRouter) RtpCapabilities() json.RawMessage { return fakeRtpCapabilities }

func (r *FakeRouter) CreateTransport(_ context.Context, webRtcServer string) (Transport, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, fmt.Errorf("router %s is closed", r.id)
	}
	id := uuid.NewString()
	return &FakeTransport{
		info: TransportInfo{
			ID:             id,
			IceParameters:  json.RawMessage(fmt.Sprintf(`{"usernameFragment":%q,"password":%q}`, id[:8], id[9:13])),
			IceCandidates:  json.RawMessage(fmt.Sprintf(`[{"foundation":"udpcandidate","ip":%q,"port":40000}]`, webRtcServer)),
			DtlsParameters: json.RawMessage(`{"role":"auto","fingerprints":[{"algorithm":"sha-256","value":"00:11:22"}]}`),
		},
	}, nil
}

func (r *FakeRouter) PipeToRouter(_ context.Context, producerID string, target Router) (Producer, error) {
	piped := &FakeProducer{id: uuid.NewString(), kind: KindAudio}
	if producerID == "" {
		return nil, fmt.Errorf("pipe requires a producer id")
	}
	if t, ok := target.(*FakeRouter); ok {
		t.mu.Lock()
		t.piped = append(t.piped, piped.id)
		t.mu.Unlock()
	}
	return piped, nil
}

func (r *FakeRouter) CreateActiveSpeakerObserver(_ context.Context) (ActiveSpeakerObserver, error) {
	return &FakeObserver{producers: make(map[string]bool)}, nil
}

func (r *FakeRouter) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

// PipedProducerIDs returns the IDs of producers piped into this router.
func (r *FakeRouter) PipedProducerIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.piped))
	copy(out, r.piped)
	return out
}

// FakeTransport is an in-memory Transport.
type FakeTransport struct {
	info TransportInfo

	mu        sync.Mutex
	connected bool
	closed    bool
	closeFns  []func()
}

func (t *FakeTransport) ID() string          { return t.info.ID }
func (t *FakeTransport) Info() TransportInfo { return t.info }

func (t *FakeTransport) Connect(_ context.Context, dtlsParameters json.RawMessage) error {
	if len(dtlsParameters) == 0 {
		return fmt.Errorf("missing dtls parameters")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return fmt.Errorf("transport %s is closed", t.info.ID)
	}
	t.connected = true
	return nil
}

func (t *FakeTransport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

func (t *FakeTransport) Produce(_ context.Context, kind string, rtpParameters json.RawMessage, appData map[string]string) (Producer, error) {
	if len(rtpParameters) == 0 {
		return nil, fmt.Errorf("missing rtp parameters")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, fmt.Errorf("transport %s is closed", t.info.ID)
	}
	return &FakeProducer{id: uuid.NewString(), kind: kind, appData: appData}, nil
}

func (t *FakeTransport) Consume(_ context.Context, producerID string, _ json.RawMessage) (Consumer, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, fmt.Errorf("transport %s is closed", t.info.ID)
	}
	return &FakeConsumer{
		id:         uuid.NewString(),
		producerID: producerID,
		kind:       KindAudio,
		paused:     true,
	}, nil
}

func (t *FakeTransport) OnClose(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closeFns = append(t.closeFns, fn)
}

func (t *FakeTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	fns := make([]func(), len(t.closeFns))
	copy(fns, t.closeFns)
	t.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
	return nil
}

// FakeProducer is an in-memory Producer.
type FakeProducer struct {
	id      string
	kind    string
	appData map[string]string

	mu          sync.Mutex
	paused      bool
	pauseCalls  int
	resumeCalls int
}

func (p *FakeProducer) ID() string                 { return p.id }
func (p *FakeProducer) Kind() string               { return p.kind }
func (p *FakeProducer) AppData() map[string]string { return p.appData }

func (p *FakeProducer) Paused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paused
}

func (p *FakeProducer) Pause(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paused = true
	p.pauseCalls++
	return nil
}

func (p *FakeProducer) Resume(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paused = false
	p.resumeCalls++
	return nil
}

func (p *FakeProducer) Close() error { return nil }

// PauseCalls reports how many times Pause ran.
func (p *FakeProducer) PauseCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pauseCalls
}

// ResumeCalls reports how many times Resume ran.
func (p *FakeProducer) ResumeCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.resumeCalls
}

// FakeConsumer is an in-memory Consumer.
type FakeConsumer struct {
	id         string
	producerID string
	kind       string

	mu     sync.Mutex
	paused bool
}

func (c *FakeConsumer) ID() string                     { return c.id }
func (c *FakeConsumer) ProducerID() string             { return c.producerID }
func (c *FakeConsumer) Kind() string                   { return c.kind }
func (c *FakeConsumer) RtpParameters() json.RawMessage { return fakeRtpParameters }

func (c *FakeConsumer) Paused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

func (c *FakeConsumer) Pause(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paused = true
	return nil
}

func (c *FakeConsumer) Resume(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paused = false
	return nil
}

func (c *FakeConsumer) Close() error { return nil }

// FakeObserver is an in-memory ActiveSpeakerObserver.
type FakeObserver struct {
	mu        sync.Mutex
	producers map[string]bool
	dominant  func(producerID string)
	closed    bool
}

func (o *FakeObserver) AddProducer(_ context.Context, producerID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.producers[producerID] = true
	return nil
}

func (o *FakeObserver) RemoveProducer(_ context.Context, producerID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.producers, producerID)
	return nil
}

func (o *FakeObserver) OnDominantSpeaker(fn func(producerID string)) {
	o.mu.Lock()
	o.dominant = fn
	o.mu.Unlock()
}

// EmitDominantSpeaker simulates the engine detecting a dominant speaker.
func (o *FakeObserver) EmitDominantSpeaker(producerID string) {
	o.mu.Lock()
	fn := o.dominant
	o.mu.Unlock()
	if fn != nil {
		fn(producerID)
	}
}

// Observing reports whether the producer is registered with the observer.
func (o *FakeObserver) Observing(producerID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.producers[producerID]
}

func (o *FakeObserver) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.closed = true
	return nil
}
