// Package relay forwards business-backend events from the shared pub/sub
// channel to connected sockets.
//
// The backend publishes JSON events (balance changes, level-ups, bans) on
// one Redis channel; this service validates each message, gates it through
// an explicit allowlist, and routes it to a user's sockets, a room, or
// everyone. Each message is processed on its own goroutine: the channel
// carries no ordering guarantees, and a slow fan-out must not stall the
// subscription.
package relay

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"k8s.io/utils/set"

	"github.com/flylive/msab/internal/v1/logging"
	"github.com/flylive/msab/internal/v1/metrics"
	"github.com/flylive/msab/internal/v1/protocol"
)

const (
	defaultChannel          = "flylive:msab:events"
	defaultBackpressureWarn = 100
)

// allowedEvents is the explicit opt-in list of backend events we relay.
// Anything else is rejected loudly: a new backend event must be added here
// before clients ever see it.
var allowedEvents = set.New(
	"balance.updated",
	"diamonds.updated",
	"level.updated",
	"vip.updated",
	"user.banned",
	"system.announcement",
)

// Event is the wire schema of the backend events channel. user_id and
// room_id are numeric or null on the wire.
type Event struct {
	Event         string          `json:"event"`
	UserID        *int64          `json:"user_id"`
	RoomID        *int64          `json:"room_id"`
	Payload       json.RawMessage `json:"payload"`
	Timestamp     string          `json:"timestamp"`
	CorrelationID string          `json:"correlation_id"`
}

// Subscriber taps the pub/sub channel; the bus service implements it.
type Subscriber interface {
	SubscribeChannel(ctx context.Context, channel string, wg *sync.WaitGroup, handler func([]byte))
}

// SocketResolver maps a user to their connected socket ids.
type SocketResolver interface {
	SocketsFor(ctx context.Context, userID string) ([]string, error)
}

// Emitter delivers a relayed event to its targets.
type Emitter interface {
	SendToSockets(socketIDs []string, event protocol.ServerEvent)
	BroadcastToRoom(roomID string, event protocol.ServerEvent)
	BroadcastAll(event protocol.ServerEvent)
}

// Options wires the relay's collaborators.
type Options struct {
	Bus     Subscriber
	Channel string
	Sockets SocketResolver
	Emitter Emitter
	// BackpressureWarn is the in-flight count above which a warning is
	// logged. The relay never drops messages on its own.
	BackpressureWarn int
}

// Service is the event relay.
type Service struct {
	bus     Subscriber
	channel string
	sockets SocketResolver
	emitter Emitter
	warnAt  int64

	inFlight atomic.Int64
	wg       sync.WaitGroup
}

// New builds the relay with defaults applied.
func New(opts Options) *Service {
	if opts.Channel == "" {
		opts.Channel = defaultChannel
	}
	if opts.BackpressureWarn <= 0 {
		opts.BackpressureWarn = defaultBackpressureWarn
	}
	return &Service{
		bus:     opts.Bus,
		channel: opts.Channel,
		sockets: opts.Sockets,
		emitter: opts.Emitter,
		warnAt:  int64(opts.BackpressureWarn),
	}
}

// Start subscribes and relays until ctx is cancelled.
func (s *Service) Start(ctx context.Context) {
	logging.Info(ctx, "Event relay starting", zap.String("channel", s.channel))
	s.bus.SubscribeChannel(ctx, s.channel, &s.wg, func(raw []byte) {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.process(ctx, raw)
		}()
	})
}

// Wait blocks until the subscription and all in-flight deliveries finish.
func (s *Service) Wait() {
	s.wg.Wait()
}

// InFlight reports how many events are currently being processed.
func (s *Service) InFlight() int64 {
	return s.inFlight.Load()
}

func (s *Service) process(ctx context.Context, raw []byte) {
	inFlight := s.inFlight.Add(1)
	metrics.RelayInFlight.Inc()
	defer func() {
		s.inFlight.Add(-1)
		metrics.RelayInFlight.Dec()
	}()
	if inFlight > s.warnAt {
		logging.Warn(ctx, "Event relay back-pressure", zap.Int64("inFlight", inFlight))
	}

	event, ok := parseEvent(ctx, raw)
	if !ok {
		metrics.RelayValidationFailures.Inc()
		return
	}
	ctx = logging.WithCorrelationID(ctx, event.CorrelationID)

	timer := prometheus.NewTimer(metrics.RelayProcessingDuration.WithLabelValues(event.Event))
	defer timer.ObserveDuration()

	if !allowedEvents.Has(event.Event) {
		metrics.RelayEventsReceived.WithLabelValues(event.Event, "rejected").Inc()
		logging.Error(ctx, "Refusing to relay unlisted backend event", zap.String("event", event.Event))
		return
	}

	outcome := s.route(ctx, event)
	metrics.RelayEventsReceived.WithLabelValues(event.Event, outcome).Inc()
}

// route picks the delivery target from (user_id, room_id) and reports the
// outcome label: "true" delivered, "false" nobody to deliver to, "error"
// resolution failed.
func (s *Service) route(ctx context.Context, event Event) string {
	out := protocol.ServerEvent{Event: event.Event, Payload: event.Payload}

	switch {
	case event.UserID != nil:
		userID := strconv.FormatInt(*event.UserID, 10)
		socketIDs, err := s.sockets.SocketsFor(ctx, userID)
		if err != nil {
			logging.Error(ctx, "Failed to resolve target sockets",
				zap.String("userId", userID), zap.Error(err))
			return "error"
		}
		if len(socketIDs) == 0 {
			return "false"
		}
		s.emitter.SendToSockets(socketIDs, out)
		return "true"

	case event.RoomID != nil:
		s.emitter.BroadcastToRoom(strconv.FormatInt(*event.RoomID, 10), out)
		return "true"

	default:
		s.emitter.BroadcastAll(out)
		return "true"
	}
}

// parseEvent validates the schema and fills defaults: empty payload → {},
// missing timestamp → now, missing correlation id → fresh UUID.
func parseEvent(ctx context.Context, raw []byte) (Event, bool) {
	var event Event
	if err := json.Unmarshal(raw, &event); err != nil {
		logging.Warn(ctx, "Relay message is not valid JSON", zap.Error(err))
		return Event{}, false
	}
	if event.Event == "" {
		logging.Warn(ctx, "Relay message missing event name")
		return Event{}, false
	}
	if len(event.Payload) == 0 || string(event.Payload) == "null" {
		event.Payload = json.RawMessage("{}")
	} else {
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(event.Payload, &obj); err != nil {
			logging.Warn(ctx, "Relay payload is not an object",
				zap.String("event", event.Event), zap.Error(err))
			return Event{}, false
		}
	}
	if event.Timestamp == "" {
		event.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}
	if event.CorrelationID == "" {
		event.CorrelationID = uuid.NewString()
	}
	return event, true
}
