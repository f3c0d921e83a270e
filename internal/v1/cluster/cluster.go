// Package cluster scales a room's audio fan-out across media workers. Each
// room gets one source router holding every producer, plus distribution
// routers on other workers that listeners consume from. Producers are piped
// from the source router into every distribution router, so a listener's
// consumer always finds a local producer on its own router.
package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/flylive/msab/internal/v1/logging"
	"github.com/flylive/msab/internal/v1/media"
)

// Role says which direction a transport carries audio.
type Role string

const (
	RoleProducer Role = "producer"
	RoleConsumer Role = "consumer"
)

var (
	ErrClusterClosed        = errors.New("media cluster is closed")
	ErrTransportNotFound    = errors.New("transport not found")
	ErrProducerNotFound     = errors.New("producer not found")
	ErrConsumerNotFound     = errors.New("consumer not found")
	ErrCannotConsume        = errors.New("cannot consume on this transport")
	ErrNotProducerTransport = errors.New("transport cannot produce")
)

// routerSlot is one router plus the bookkeeping the cluster needs for it.
type routerSlot struct {
	router        media.Router
	workerPid     int
	webRtcServer  string
	source        bool
	listenerCount int
	// sourceProducerId → producer piped into this router. Only filled on
	// distribution slots.
	piped map[string]media.Producer
}

// Cluster is the per-room media topology. All mutating operations hold the
// cluster mutex, which doubles as the room's serialization point: a producer
// is either fully piped everywhere or not registered at all, and capacity
// spills allocate exactly one distribution router.
type Cluster struct {
	roomID       string
	pool         *media.Pool
	maxListeners int

	mu           sync.Mutex
	closed       bool
	source       *routerSlot
	distribution []*routerSlot
	observer     media.ActiveSpeakerObserver

	transports           map[string]media.Transport
	transportOwner       map[string]*routerSlot
	sourceProducers      map[string]media.Producer
	consumers            map[string]media.Consumer
	consumerToSource     map[string]string
	consumersByTransport map[string][]string
	activeSpeakers       map[string]struct{}
}

// New builds the cluster for a room: a source router on the least loaded
// worker plus its active speaker observer. Distribution routers come later,
// on listener demand.
func New(ctx context.Context, roomID string, pool *media.Pool, maxListeners int) (*Cluster, error) {
	if maxListeners <= 0 {
		maxListeners = 100
	}

	worker, err := pool.LeastLoaded()
	if err != nil {
		return nil, err
	}
	router, err := worker.CreateRouter(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create source router: %w", err)
	}
	pool.AdjustRouterCount(worker.Pid(), 1)

	observer, err := router.CreateActiveSpeakerObserver(ctx)
	if err != nil {
		pool.AdjustRouterCount(worker.Pid(), -1)
		_ = router.Close()
		return nil, fmt.Errorf("failed to create speaker observer: %w", err)
	}

	c := &Cluster{
		roomID:       roomID,
		pool:         pool,
		maxListeners: maxListeners,
		source: &routerSlot{
			router:       router,
			workerPid:    worker.Pid(),
			webRtcServer: worker.WebRtcServer(),
			source:       true,
		},
		observer:             observer,
		transports:           make(map[string]media.Transport),
		transportOwner:       make(map[string]*routerSlot),
		sourceProducers:      make(map[string]media.Producer),
		consumers:            make(map[string]media.Consumer),
		consumerToSource:     make(map[string]string),
		consumersByTransport: make(map[string][]string),
		activeSpeakers:       make(map[string]struct{}),
	}

	logging.Info(logging.WithRoomID(ctx, roomID), "Media cluster created",
		zap.Int("sourceWorkerPid", worker.Pid()))
	return c, nil
}

func (c *Cluster) RoomID() string { return c.roomID }

// RtpCapabilities returns the source router's capabilities, which clients
// need before creating any transport.
func (c *Cluster) RtpCapabilities() json.RawMessage {
	return c.source.router.RtpCapabilities()
}

// OnDominantSpeaker forwards dominant speaker events from the source
// router's observer.
func (c *Cluster) OnDominantSpeaker(fn func(sourceProducerID string)) {
	c.observer.OnDominantSpeaker(fn)
}

// CreateTransport places a transport by role: producers on the source
// router, consumers on the first distribution router with spare capacity.
// When every distribution router is full a new one is allocated, with all
// existing producers piped in before the transport is handed out.
func (c *Cluster) CreateTransport(ctx context.Context, role Role) (media.Transport, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClusterClosed
	}

	var slot *routerSlot
	switch role {
	case RoleProducer:
		slot = c.source
	case RoleConsumer:
		for _, d := range c.distribution {
			if d.listenerCount < c.maxListeners {
				slot = d
				break
			}
		}
		if slot == nil {
			var err error
			slot, err = c.addDistributionRouterLocked(ctx)
			if err != nil {
				return nil, err
			}
		}
	default:
		return nil, fmt.Errorf("unknown transport role %q", role)
	}

	transport, err := slot.router.CreateTransport(ctx, slot.webRtcServer)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s transport: %w", role, err)
	}

	c.transports[transport.ID()] = transport
	c.transportOwner[transport.ID()] = slot
	if role == RoleConsumer {
		slot.listenerCount++
		id := transport.ID()
		transport.OnClose(func() { c.dropListenerTransport(id, slot) })
	}
	return transport, nil
}

// addDistributionRouterLocked allocates a distribution router on a worker
// other than the source's and pipes every existing producer into it. Caller
// holds c.mu, which is what serializes concurrent capacity spills.
func (c *Cluster) addDistributionRouterLocked(ctx context.Context) (*routerSlot, error) {
	worker, err := c.pool.LeastLoaded(c.source.workerPid)
	if errors.Is(err, media.ErrNoWorkers) {
		// Single-worker pool: sharing the source worker beats refusing
		// listeners.
		logging.Warn(logging.WithRoomID(ctx, c.roomID),
			"No worker besides the source worker, placing distribution router alongside it")
		worker, err = c.pool.LeastLoaded()
	}
	if err != nil {
		return nil, err
	}

	router, err := worker.CreateRouter(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create distribution router: %w", err)
	}
	c.pool.AdjustRouterCount(worker.Pid(), 1)

	slot := &routerSlot{
		router:       router,
		workerPid:    worker.Pid(),
		webRtcServer: worker.WebRtcServer(),
		piped:        make(map[string]media.Producer),
	}

	for id := range c.sourceProducers {
		piped, err := c.source.router.PipeToRouter(ctx, id, router)
		if err != nil {
			for _, p := range slot.piped {
				_ = p.Close()
			}
			c.pool.AdjustRouterCount(worker.Pid(), -1)
			_ = router.Close()
			return nil, fmt.Errorf("failed to pipe producer %s to new router: %w", id, err)
		}
		slot.piped[id] = piped
	}

	c.distribution = append(c.distribution, slot)
	logging.Info(logging.WithRoomID(ctx, c.roomID), "Distribution router allocated",
		zap.Int("workerPid", worker.Pid()),
		zap.Int("distributionRouters", len(c.distribution)),
		zap.Int("pipedProducers", len(slot.piped)))
	return slot, nil
}

// dropListenerTransport cleans up after a listener transport closes: its
// router regains capacity and its consumers disappear from the maps.
func (c *Cluster) dropListenerTransport(transportID string, slot *routerSlot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	if _, ok := c.transports[transportID]; !ok {
		return
	}
	delete(c.transports, transportID)
	delete(c.transportOwner, transportID)
	slot.listenerCount--
	if slot.listenerCount < 0 {
		slot.listenerCount = 0
	}
	for _, consumerID := range c.consumersByTransport[transportID] {
		delete(c.consumers, consumerID)
		delete(c.consumerToSource, consumerID)
	}
	delete(c.consumersByTransport, transportID)
}

// ConnectTransport forwards the client's DTLS parameters to its transport.
func (c *Cluster) ConnectTransport(ctx context.Context, transportID string, dtlsParameters json.RawMessage) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClusterClosed
	}
	transport, ok := c.transports[transportID]
	c.mu.Unlock()
	if !ok {
		return ErrTransportNotFound
	}
	return transport.Connect(ctx, dtlsParameters)
}

// CloseTransport closes a transport and forgets it. Consumers riding the
// transport die with it; a listener slot regains its capacity through the
// transport's close observer.
func (c *Cluster) CloseTransport(transportID string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClusterClosed
	}
	transport, ok := c.transports[transportID]
	if !ok {
		c.mu.Unlock()
		return ErrTransportNotFound
	}
	if slot := c.transportOwner[transportID]; slot != nil && slot.source {
		delete(c.transports, transportID)
		delete(c.transportOwner, transportID)
	}
	c.mu.Unlock()
	return transport.Close()
}

// Produce creates a producer on the client's send transport, which must
// live on the source router.
func (c *Cluster) Produce(ctx context.Context, transportID string, rtpParameters json.RawMessage, appData map[string]string) (media.Producer, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClusterClosed
	}
	transport, ok := c.transports[transportID]
	slot := c.transportOwner[transportID]
	c.mu.Unlock()

	if !ok {
		return nil, ErrTransportNotFound
	}
	if slot == nil || !slot.source {
		return nil, ErrNotProducerTransport
	}
	return transport.Produce(ctx, media.KindAudio, rtpParameters, appData)
}

// RegisterProducer records a new source producer and pipes it into every
// distribution router. It returns only once every pipe exists, so the
// caller can safely announce the producer to the room afterwards: a
// listener reacting to the announcement will find the piped producer on
// its own router.
func (c *Cluster) RegisterProducer(ctx context.Context, producer media.Producer) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClusterClosed
	}

	targets := make([]*routerSlot, len(c.distribution))
	copy(targets, c.distribution)

	pipes := make([]media.Producer, len(targets))
	var g errgroup.Group
	for i, slot := range targets {
		g.Go(func() error {
			piped, err := c.source.router.PipeToRouter(ctx, producer.ID(), slot.router)
			if err != nil {
				return fmt.Errorf("pipe to router %s: %w", slot.router.ID(), err)
			}
			pipes[i] = piped
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, piped := range pipes {
			if piped != nil {
				_ = piped.Close()
			}
		}
		return err
	}

	for i, slot := range targets {
		slot.piped[producer.ID()] = pipes[i]
	}
	c.sourceProducers[producer.ID()] = producer

	if err := c.observer.AddProducer(ctx, producer.ID()); err != nil {
		// The observer just stops seeing this producer; audio still flows.
		logging.Warn(logging.WithRoomID(ctx, c.roomID),
			"Failed to add producer to speaker observer",
			zap.String("producerId", producer.ID()), zap.Error(err))
	}
	return nil
}

// Producer returns a registered source producer.
func (c *Cluster) Producer(sourceProducerID string) (media.Producer, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.sourceProducers[sourceProducerID]
	return p, ok
}

// PauseProducer pauses a source producer at the source, muting it for
// every listener on every router.
func (c *Cluster) PauseProducer(ctx context.Context, sourceProducerID string) error {
	p, ok := c.Producer(sourceProducerID)
	if !ok {
		return ErrProducerNotFound
	}
	return p.Pause(ctx)
}

// ResumeProducer resumes a paused source producer.
func (c *Cluster) ResumeProducer(ctx context.Context, sourceProducerID string) error {
	p, ok := c.Producer(sourceProducerID)
	if !ok {
		return ErrProducerNotFound
	}
	return p.Resume(ctx)
}

// CloseProducer tears a producer down across the whole topology: observer
// registration, pipes on every distribution router, consumers of those
// pipes, and the producer itself.
func (c *Cluster) CloseProducer(ctx context.Context, sourceProducerID string) error {
	c.mu.Lock()
	producer, ok := c.sourceProducers[sourceProducerID]
	if !ok {
		c.mu.Unlock()
		return ErrProducerNotFound
	}
	delete(c.sourceProducers, sourceProducerID)
	delete(c.activeSpeakers, sourceProducerID)

	var pipes []media.Producer
	for _, slot := range c.distribution {
		if piped, ok := slot.piped[sourceProducerID]; ok {
			pipes = append(pipes, piped)
			delete(slot.piped, sourceProducerID)
		}
	}

	var orphaned []media.Consumer
	for consumerID, src := range c.consumerToSource {
		if src != sourceProducerID {
			continue
		}
		if consumer, ok := c.consumers[consumerID]; ok {
			orphaned = append(orphaned, consumer)
		}
		delete(c.consumers, consumerID)
		delete(c.consumerToSource, consumerID)
	}
	c.mu.Unlock()

	if err := c.observer.RemoveProducer(ctx, sourceProducerID); err != nil {
		logging.Warn(logging.WithRoomID(ctx, c.roomID),
			"Failed to remove producer from speaker observer",
			zap.String("producerId", sourceProducerID), zap.Error(err))
	}
	for _, consumer := range orphaned {
		_ = consumer.Close()
	}
	for _, piped := range pipes {
		_ = piped.Close()
	}
	return producer.Close()
}

// Consume creates a paused consumer for a source producer on the client's
// recv transport. The transport must live on a distribution router and the
// producer must already be piped there.
func (c *Cluster) Consume(ctx context.Context, transportID, sourceProducerID string, rtpCapabilities json.RawMessage) (media.Consumer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClusterClosed
	}

	transport, ok := c.transports[transportID]
	if !ok {
		return nil, ErrTransportNotFound
	}
	slot := c.transportOwner[transportID]
	if slot == nil || slot.source {
		return nil, ErrCannotConsume
	}
	piped, ok := slot.piped[sourceProducerID]
	if !ok {
		return nil, ErrCannotConsume
	}

	consumer, err := transport.Consume(ctx, piped.ID(), rtpCapabilities)
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer: %w", err)
	}

	c.consumers[consumer.ID()] = consumer
	c.consumerToSource[consumer.ID()] = sourceProducerID
	c.consumersByTransport[transportID] = append(c.consumersByTransport[transportID], consumer.ID())
	return consumer, nil
}

// ResumeConsumer resumes a consumer if its source producer is currently an
// active speaker. If not, it reports resumed=false and leaves the consumer
// paused; the speaker detector resumes it when the producer becomes active.
func (c *Cluster) ResumeConsumer(ctx context.Context, consumerID string) (resumed bool, err error) {
	c.mu.Lock()
	consumer, ok := c.consumers[consumerID]
	if !ok {
		c.mu.Unlock()
		return false, ErrConsumerNotFound
	}
	source := c.consumerToSource[consumerID]
	active := c.isActiveLocked(source)
	c.mu.Unlock()

	if !active {
		return false, nil
	}
	if err := consumer.Resume(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// UpdateActiveSpeakers applies a new active speaker set: every consumer is
// driven to match it, resumed when its source is in the set and paused when
// it is not. Consumers already in the right state are left alone, which
// also absorbs the initial everyone-counts-as-active period before the
// detector first fires. All pause/resume calls run concurrently and the
// method waits for every one of them.
func (c *Cluster) UpdateActiveSpeakers(ctx context.Context, active map[string]struct{}) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClusterClosed
	}

	next := make(map[string]struct{}, len(active))
	for id := range active {
		next[id] = struct{}{}
	}
	c.activeSpeakers = next

	type consumerOp struct {
		consumer media.Consumer
		resume   bool
	}
	var ops []consumerOp
	for consumerID, source := range c.consumerToSource {
		consumer, ok := c.consumers[consumerID]
		if !ok {
			continue
		}
		_, isActive := next[source]
		switch {
		case isActive && consumer.Paused():
			ops = append(ops, consumerOp{consumer: consumer, resume: true})
		case !isActive && !consumer.Paused():
			ops = append(ops, consumerOp{consumer: consumer, resume: false})
		}
	}
	c.mu.Unlock()

	var g errgroup.Group
	for _, op := range ops {
		g.Go(func() error {
			if op.resume {
				return op.consumer.Resume(ctx)
			}
			return op.consumer.Pause(ctx)
		})
	}
	return g.Wait()
}

// IsActiveSpeaker reports whether the producer is in the current active
// set. Before the detector has ever fired the set is empty and everyone
// counts as active.
func (c *Cluster) IsActiveSpeaker(sourceProducerID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isActiveLocked(sourceProducerID)
}

func (c *Cluster) isActiveLocked(sourceProducerID string) bool {
	if len(c.activeSpeakers) == 0 {
		return true
	}
	_, ok := c.activeSpeakers[sourceProducerID]
	return ok
}

// TouchesWorker reports whether any of the cluster's routers live on the
// given worker. The room registry uses it to find rooms to close when a
// worker dies.
func (c *Cluster) TouchesWorker(pid int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.source.workerPid == pid {
		return true
	}
	for _, slot := range c.distribution {
		if slot.workerPid == pid {
			return true
		}
	}
	return false
}

// DistributionRouterCount reports how many distribution routers exist.
func (c *Cluster) DistributionRouterCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.distribution)
}

// Close tears down the whole topology and returns the router counts to the
// pool. Safe to call more than once.
func (c *Cluster) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	source := c.source
	distribution := c.distribution
	observer := c.observer
	c.transports = make(map[string]media.Transport)
	c.transportOwner = make(map[string]*routerSlot)
	c.sourceProducers = make(map[string]media.Producer)
	c.consumers = make(map[string]media.Consumer)
	c.consumerToSource = make(map[string]string)
	c.consumersByTransport = make(map[string][]string)
	c.mu.Unlock()

	if err := observer.Close(); err != nil {
		logging.Warn(context.Background(), "Error closing speaker observer",
			zap.String("roomId", c.roomID), zap.Error(err))
	}
	for _, slot := range distribution {
		if err := slot.router.Close(); err != nil {
			logging.Warn(context.Background(), "Error closing distribution router",
				zap.String("roomId", c.roomID), zap.Error(err))
		}
		c.pool.AdjustRouterCount(slot.workerPid, -1)
	}
	if err := source.router.Close(); err != nil {
		logging.Warn(context.Background(), "Error closing source router",
			zap.String("roomId", c.roomID), zap.Error(err))
	}
	c.pool.AdjustRouterCount(source.workerPid, -1)
}
