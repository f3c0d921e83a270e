package media

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// procRouter is the client handle for one router living in a worker process.
type procRouter struct {
	w               *procWorker
	id              string
	rtpCapabilities json.RawMessage
}

func (r *procRouter) ID() string                       { return r.id }
func (r *procRouter) WorkerPid() int                   { return r.w.pid }
func (r *procRouter) RtpCapabilities() json.RawMessage { return r.rtpCapabilities }

func (r *procRouter) CreateTransport(ctx context.Context, webRtcServer string) (Transport, error) {
	data, err := r.w.request(ctx, "router.createWebRtcTransport", map[string]any{
		"routerId":       r.id,
		"webRtcServerId": webRtcServer,
	})
	if err != nil {
		return nil, err
	}
	var info TransportInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("bad transport response: %w", err)
	}
	t := &procTransport{w: r.w, routerID: r.id, info: info}
	r.w.registerTransport(t)
	return t, nil
}

func (r *procRouter) PipeToRouter(ctx context.Context, producerID string, target Router) (Producer, error) {
	data, err := r.w.request(ctx, "router.pipeToRouter", map[string]any{
		"routerId":       r.id,
		"producerId":     producerID,
		"targetRouterId": target.ID(),
	})
	if err != nil {
		return nil, err
	}
	var resp struct {
		PipedProducerID string `json:"pipedProducerId"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("bad pipe response: %w", err)
	}
	// The piped producer lives on the target router's worker.
	tw := r.w
	if pr, ok := target.(*procRouter); ok {
		tw = pr.w
	}
	return &procProducer{w: tw, id: resp.PipedProducerID, kind: KindAudio}, nil
}

func (r *procRouter) CreateActiveSpeakerObserver(ctx context.Context) (ActiveSpeakerObserver, error) {
	data, err := r.w.request(ctx, "router.createActiveSpeakerObserver", map[string]any{
		"routerId": r.id,
	})
	if err != nil {
		return nil, err
	}
	var resp struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("bad observer response: %w", err)
	}
	o := &procObserver{w: r.w, id: resp.ID}
	r.w.registerObserver(o)
	return o, nil
}

func (r *procRouter) Close() error {
	_, err := r.w.request(context.Background(), "router.close", map[string]any{"routerId": r.id})
	return err
}

// procTransport is the client handle for one WebRTC transport.
type procTransport struct {
	w        *procWorker
	routerID string
	info     TransportInfo

	closeMu     sync.Mutex
	closeFns    []func()
	closedLocal bool
}

func (t *procTransport) ID() string          { return t.info.ID }
func (t *procTransport) Info() TransportInfo { return t.info }

func (t *procTransport) Connect(ctx context.Context, dtlsParameters json.RawMessage) error {
	_, err := t.w.request(ctx, "transport.connect", map[string]any{
		"transportId":    t.info.ID,
		"dtlsParameters": dtlsParameters,
	})
	return err
}

func (t *procTransport) Produce(ctx context.Context, kind string, rtpParameters json.RawMessage, appData map[string]string) (Producer, error) {
	data, err := t.w.request(ctx, "transport.produce", map[string]any{
		"transportId":   t.info.ID,
		"kind":          kind,
		"rtpParameters": rtpParameters,
		"appData":       appData,
	})
	if err != nil {
		return nil, err
	}
	var resp struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("bad produce response: %w", err)
	}
	return &procProducer{w: t.w, id: resp.ID, kind: kind, appData: appData}, nil
}

func (t *procTransport) Consume(ctx context.Context, producerID string, rtpCapabilities json.RawMessage) (Consumer, error) {
	// Consumers start paused so the client can resume only after its
	// transport is connected.
	data, err := t.w.request(ctx, "transport.consume", map[string]any{
		"transportId":     t.info.ID,
		"producerId":      producerID,
		"rtpCapabilities": rtpCapabilities,
		"paused":          true,
	})
	if err != nil {
		return nil, err
	}
	var resp struct {
		ID            string          `json:"id"`
		Kind          string          `json:"kind"`
		RtpParameters json.RawMessage `json:"rtpParameters"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("bad consume response: %w", err)
	}
	return &procConsumer{
		w:             t.w,
		id:            resp.ID,
		producerID:    producerID,
		kind:          resp.Kind,
		rtpParameters: resp.RtpParameters,
		paused:        true,
	}, nil
}

func (t *procTransport) OnClose(fn func()) {
	t.closeMu.Lock()
	defer t.closeMu.Unlock()
	t.closeFns = append(t.closeFns, fn)
}

// fireClose runs close handlers exactly once, whether the close came from
// this side or from the worker.
func (t *procTransport) fireClose() {
	t.closeMu.Lock()
	if t.closedLocal {
		t.closeMu.Unlock()
		return
	}
	t.closedLocal = true
	fns := make([]func(), len(t.closeFns))
	copy(fns, t.closeFns)
	t.closeMu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

func (t *procTransport) Close() error {
	t.w.unregisterTransport(t.info.ID)
	_, err := t.w.request(context.Background(), "transport.close", map[string]any{
		"transportId": t.info.ID,
	})
	t.fireClose()
	return err
}

// procProducer is the client handle for one producer.
type procProducer struct {
	w       *procWorker
	id      string
	kind    string
	appData map[string]string

	mu     sync.Mutex
	paused bool
}

func (p *procProducer) ID() string                 { return p.id }
func (p *procProducer) Kind() string               { return p.kind }
func (p *procProducer) AppData() map[string]string { return p.appData }

func (p *procProducer) Paused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paused
}

func (p *procProducer) Pause(ctx context.Context) error {
	_, err := p.w.request(ctx, "producer.pause", map[string]any{"producerId": p.id})
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.paused = true
	p.mu.Unlock()
	return nil
}

func (p *procProducer) Resume(ctx context.Context) error {
	_, err := p.w.request(ctx, "producer.resume", map[string]any{"producerId": p.id})
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.paused = false
	p.mu.Unlock()
	return nil
}

func (p *procProducer) Close() error {
	_, err := p.w.request(context.Background(), "producer.close", map[string]any{"producerId": p.id})
	return err
}

// procConsumer is the client handle for one consumer.
type procConsumer struct {
	w             *procWorker
	id            string
	producerID    string
	kind          string
	rtpParameters json.RawMessage

	mu     sync.Mutex
	paused bool
}

func (c *procConsumer) ID() string                     { return c.id }
func (c *procConsumer) ProducerID() string             { return c.producerID }
func (c *procConsumer) Kind() string                   { return c.kind }
func (c *procConsumer) RtpParameters() json.RawMessage { return c.rtpParameters }

func (c *procConsumer) Paused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

func (c *procConsumer) Pause(ctx context.Context) error {
	_, err := c.w.request(ctx, "consumer.pause", map[string]any{"consumerId": c.id})
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.paused = true
	c.mu.Unlock()
	return nil
}

func (c *procConsumer) Resume(ctx context.Context) error {
	_, err := c.w.request(ctx, "consumer.resume", map[string]any{"consumerId": c.id})
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.paused = false
	c.mu.Unlock()
	return nil
}

func (c *procConsumer) Close() error {
	_, err := c.w.request(context.Background(), "consumer.close", map[string]any{"consumerId": c.id})
	return err
}

// procObserver is the client handle for one active speaker observer.
type procObserver struct {
	w  *procWorker
	id string

	mu       sync.Mutex
	dominant func(producerID string)
}

func (o *procObserver) AddProducer(ctx context.Context, producerID string) error {
	_, err := o.w.request(ctx, "observer.addProducer", map[string]any{
		"observerId": o.id,
		"producerId": producerID,
	})
	return err
}

func (o *procObserver) RemoveProducer(ctx context.Context, producerID string) error {
	_, err := o.w.request(ctx, "observer.removeProducer", map[string]any{
		"observerId": o.id,
		"producerId": producerID,
	})
	return err
}

func (o *procObserver) OnDominantSpeaker(fn func(producerID string)) {
	o.mu.Lock()
	o.dominant = fn
	o.mu.Unlock()
}

func (o *procObserver) fireDominant(producerID string) {
	o.mu.Lock()
	fn := o.dominant
	o.mu.Unlock()
	if fn != nil {
		fn(producerID)
	}
}

func (o *procObserver) Close() error {
	o.w.unregisterObserver(o.id)
	_, err := o.w.request(context.Background(), "observer.close", map[string]any{"observerId": o.id})
	return err
}
