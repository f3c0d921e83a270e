// Package media defines the contract this service uses to drive the
// out-of-process media engine: the interface set the rest of the code
// programs against, the worker pool that owns engine worker processes, a
// child-process implementation speaking line-delimited JSON over stdio, and
// an in-memory fake used by tests.
package media

import (
	"context"
	"encoding/json"
)

// KindAudio is the only media kind this service produces or consumes.
const KindAudio = "audio"

// WorkerSettings configures a single engine worker process.
type WorkerSettings struct {
	LogLevel    string
	RTCMinPort  int
	RTCMaxPort  int
	ListenIP    string
	AnnouncedIP string
}

// TransportInfo carries the client-facing connection parameters of a WebRTC
// transport. The control plane never interprets them; they travel opaque
// between engine and client.
type TransportInfo struct {
	ID             string          `json:"id"`
	IceParameters  json.RawMessage `json:"iceParameters,omitempty"`
	IceCandidates  json.RawMessage `json:"iceCandidates,omitempty"`
	DtlsParameters json.RawMessage `json:"dtlsParameters,omitempty"`
}

// Engine creates workers. Implementations: ProcEngine (production) and
// FakeEngine (tests).
type Engine interface {
	NewWorker(ctx context.Context, settings WorkerSettings) (Worker, error)
}

// Worker is one engine worker process with an attached shared WebRTC server.
type Worker interface {
	// Pid identifies the worker process. Unique per live worker; the pool
	// uses it as the index key and as the least-loaded tie-break.
	Pid() int
	Closed() bool
	// OnDied registers a handler invoked once if the process exits without
	// Close having been called.
	OnDied(func(err error))
	// WebRtcServer returns the id of the worker's shared UDP/TCP server,
	// passed when creating transports on this worker's routers.
	WebRtcServer() string
	CreateRouter(ctx context.Context) (Router, error)
	Close() error
}

// Router is a routing domain on one worker. A room's source router and each
// of its distribution routers are Routers.
type Router interface {
	ID() string
	// WorkerPid reports which worker hosts this router.
	WorkerPid() int
	RtpCapabilities() json.RawMessage
	CreateTransport(ctx context.Context, webRtcServer string) (Transport, error)
	// PipeToRouter pipes a producer that lives on this router into target,
	// returning the piped producer that now lives on target. The piped
	// producer's id differs from the source producer's id.
	PipeToRouter(ctx context.Context, producerID string, target Router) (Producer, error)
	CreateActiveSpeakerObserver(ctx context.Context) (ActiveSpeakerObserver, error)
	Close() error
}

// Transport is one client's WebRTC transport on a router.
type Transport interface {
	ID() string
	Info() TransportInfo
	Connect(ctx context.Context, dtlsParameters json.RawMessage) error
	Produce(ctx context.Context, kind string, rtpParameters json.RawMessage, appData map[string]string) (Producer, error)
	// Consume creates a consumer for producerID on this transport. Consumers
	// always start paused; the active-speaker detector resumes them.
	Consume(ctx context.Context, producerID string, rtpCapabilities json.RawMessage) (Consumer, error)
	// OnClose registers a handler invoked once when the transport closes,
	// whether by Close or by the engine tearing it down.
	OnClose(func())
	Close() error
}

// Producer is a media source on a router: either a speaker's real producer
// on the source router or a piped copy on a distribution router.
type Producer interface {
	ID() string
	Kind() string
	AppData() map[string]string
	Paused() bool
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	Close() error
}

// Consumer is a listener's receive endpoint for one piped producer.
type Consumer interface {
	ID() string
	// ProducerID is the id of the producer this consumer was created
	// against (on a distribution router, the piped producer).
	ProducerID() string
	Kind() string
	RtpParameters() json.RawMessage
	Paused() bool
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	Close() error
}

// ActiveSpeakerObserver reports which audio producer currently dominates a
// router. Producers must be added to the observer to participate.
type ActiveSpeakerObserver interface {
	AddProducer(ctx context.Context, producerID string) error
	RemoveProducer(ctx context.Context, producerID string) error
	// OnDominantSpeaker registers the handler for dominant-speaker changes.
	// The handler receives the dominant producer's id.
	OnDominantSpeaker(func(producerID string))
	Close() error
}
