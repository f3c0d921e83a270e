package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for the audio-room control plane.
//
// Naming convention: namespace_subsystem_name
// - namespace: msab (application-level grouping)
// - subsystem: websocket, room, media, relay, gifts, ratelimit, bus
// - name: specific metric (connections_active, events_total, etc.)
//
// Metric Types:
// - Gauge: Current state (connections, rooms, in-flight relay events)
// - Counter: Cumulative events (messages processed, worker deaths)
// - Histogram: Latency distributions (processing time)

var (
	// ActiveWebSocketConnections tracks the current number of active WebSocket connections (Gauge - current state)
	ActiveWebSocketConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "msab",
		Subsystem: "websocket",
		Name:      "connections_active",
		Help:      "Current number of active WebSocket connections",
	})

	// ActiveRooms tracks the current number of live rooms on this instance (Gauge - current state)
	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "msab",
		Subsystem: "room",
		Name:      "rooms_active",
		Help:      "Current number of live rooms on this instance",
	})

	// RoomParticipants tracks the number of participants in each room (GaugeVec with room_id label)
	RoomParticipants = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "msab",
		Subsystem: "room",
		Name:      "participants_count",
		Help:      "Number of participants in each room",
	}, []string{"room_id"})

	// WebsocketEvents tracks the total number of WebSocket events processed (CounterVec - cumulative)
	WebsocketEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "msab",
		Subsystem: "websocket",
		Name:      "events_total",
		Help:      "Total WebSocket events processed",
	}, []string{"event_type", "status"})

	// MessageProcessingDuration tracks the time spent processing WebSocket messages (HistogramVec - latency distribution)
	MessageProcessingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "msab",
		Subsystem: "websocket",
		Name:      "message_processing_seconds",
		Help:      "Time spent processing WebSocket messages",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"event_type"})

	// MediaWorkerDeaths counts unexpected media worker exits (Counter - cumulative)
	MediaWorkerDeaths = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "msab",
		Subsystem: "media",
		Name:      "worker_deaths_total",
		Help:      "Total unexpected media worker exits",
	})

	// MediaWorkersActive tracks the current number of media workers in the pool
	MediaWorkersActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "msab",
		Subsystem: "media",
		Name:      "workers_active",
		Help:      "Current number of media workers in the pool",
	})

	// SpeakerSetChanges counts active-speaker set transitions per room (CounterVec - cumulative)
	SpeakerSetChanges = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "msab",
		Subsystem: "media",
		Name:      "speaker_set_changes_total",
		Help:      "Total active-speaker set transitions",
	}, []string{"room_id"})

	// RelayInFlight tracks relay events currently being processed (Gauge - current state)
	RelayInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "msab",
		Subsystem: "relay",
		Name:      "in_flight",
		Help:      "Relay events currently being processed",
	})

	// RelayEventsReceived tracks relayed events by delivery outcome (CounterVec - cumulative)
	RelayEventsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "msab",
		Subsystem: "relay",
		Name:      "events_received_total",
		Help:      "Relay events received, labeled by delivery outcome",
	}, []string{"event_type", "delivered"})

	// RelayValidationFailures counts relay payloads that failed schema validation (Counter - cumulative)
	RelayValidationFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "msab",
		Subsystem: "relay",
		Name:      "validation_failures_total",
		Help:      "Relay payloads dropped due to schema validation failure",
	})

	// RelayProcessingDuration tracks relay event processing time including fan-out (HistogramVec)
	RelayProcessingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "msab",
		Subsystem: "relay",
		Name:      "processing_seconds",
		Help:      "Time spent processing relayed events including fan-out",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"event_type"})

	// GiftsEnqueued counts gift transactions accepted into the buffer (Counter - cumulative)
	GiftsEnqueued = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "msab",
		Subsystem: "gifts",
		Name:      "enqueued_total",
		Help:      "Gift transactions accepted into the buffer",
	})

	// GiftFlushes counts flush cycles by outcome (CounterVec - cumulative)
	GiftFlushes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "msab",
		Subsystem: "gifts",
		Name:      "flushes_total",
		Help:      "Gift buffer flush cycles by outcome",
	}, []string{"status"})

	// GiftDeadLetterLength tracks the current dead-letter list length (Gauge - sampled every 10th flush)
	GiftDeadLetterLength = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "msab",
		Subsystem: "gifts",
		Name:      "dead_letter_length",
		Help:      "Current length of the gift dead-letter list",
	})

	// RateLimitHits counts requests rejected by a rate-limit bucket (CounterVec - cumulative)
	RateLimitHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "msab",
		Subsystem: "ratelimit",
		Name:      "hits_total",
		Help:      "Requests rejected by rate limiting",
	}, []string{"bucket"})

	// CircuitBreakerState exposes breaker state per dependency (GaugeVec: 0 closed, 1 half-open, 2 open)
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "msab",
		Subsystem: "bus",
		Name:      "circuit_breaker_state",
		Help:      "Circuit breaker state per dependency (0=closed, 1=half-open, 2=open)",
	}, []string{"name"})

	// CircuitBreakerFailures counts calls rejected by an open breaker (CounterVec - cumulative)
	CircuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "msab",
		Subsystem: "bus",
		Name:      "circuit_breaker_failures_total",
		Help:      "Calls rejected because a circuit breaker was open",
	}, []string{"name"})
)

func IncConnection() {
	ActiveWebSocketConnections.Inc()
}

func DecConnection() {
	ActiveWebSocketConnections.Dec()
}
