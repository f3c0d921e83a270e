// Package rooms tracks the live rooms served by this instance.
//
// A live room pairs a media cluster with an active-speaker detector and a
// Redis state record. The registry is the single construction point for all
// of that: concurrent joins coalesce through singleflight so at most one
// cluster exists per room per instance, and every teardown path (explicit
// close, media worker death, inactivity sweep, shutdown) funnels through
// CloseRoom.
package rooms

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/flylive/msab/internal/v1/cluster"
	"github.com/flylive/msab/internal/v1/laravel"
	"github.com/flylive/msab/internal/v1/logging"
	"github.com/flylive/msab/internal/v1/media"
	"github.com/flylive/msab/internal/v1/metrics"
	"github.com/flylive/msab/internal/v1/protocol"
)

// Close reasons carried in the room:closed broadcast.
const (
	ReasonWorkerDied = "worker_died"
	ReasonInactive   = "inactive"
	ReasonShutdown   = "shutdown"
)

// Notifier fans a server event out to every socket in a room.
type Notifier interface {
	BroadcastToRoom(roomID string, event protocol.ServerEvent)
}

// Backend reports room lifecycle changes to the business backend.
type Backend interface {
	SetRoomStatus(ctx context.Context, roomID string, status laravel.RoomStatus) error
}

// SeatStore clears a room's seat state when the room dies.
type SeatStore interface {
	ClearRoom(ctx context.Context, roomID string) error
}

// Room is one live room on this instance.
type Room struct {
	ID        string
	createdAt time.Time
	cluster   *cluster.Cluster
	detector  *cluster.Detector
}

// Cluster returns the room's media cluster.
func (r *Room) Cluster() *cluster.Cluster { return r.cluster }

// Detector returns the room's active-speaker detector.
func (r *Room) Detector() *cluster.Detector { return r.detector }

// Config wires the registry's collaborators.
type Config struct {
	Pool    *media.Pool
	Redis   *redis.Client
	Seats   SeatStore
	Backend Backend
	// Notifier may be nil until the socket hub exists; SetNotifier installs it.
	Notifier Notifier

	MaxListenersPerRouter int
	TopSpeakers           int
	SpeakerWindow         time.Duration
	DefaultSeatCount      int
	SweepInterval         time.Duration
	IdleThreshold         time.Duration

	// OnActiveSpeakers receives detector set changes after the media gate has
	// applied them. The handler layer resolves producer ids to users and
	// broadcasts speaker:active.
	OnActiveSpeakers func(roomID, dominantProducerID string, activeProducerIDs []string)
}

// Registry owns the roomId → Room map for this instance.
type Registry struct {
	cfg   Config
	group singleflight.Group

	mu    sync.RWMutex
	rooms map[string]*Room
}

// NewRegistry builds a registry and hooks it into the worker pool's death
// notifications so rooms riding a dead worker are torn down before the pool
// spawns a replacement.
func NewRegistry(cfg Config) *Registry {
	if cfg.DefaultSeatCount <= 0 {
		cfg.DefaultSeatCount = 15
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}
	if cfg.IdleThreshold <= 0 {
		cfg.IdleThreshold = 5 * time.Minute
	}

	reg := &Registry{
		cfg:   cfg,
		rooms: make(map[string]*Room),
	}
	if cfg.Pool != nil {
		cfg.Pool.OnWorkerDied(reg.handleWorkerDied)
	}
	return reg
}

// SetNotifier installs the socket fan-out. The hub is constructed after the
// registry, so this runs once during startup wiring.
func (reg *Registry) SetNotifier(n Notifier) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	reg.cfg.Notifier = n
}

func (reg *Registry) notifier() Notifier {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	return reg.cfg.Notifier
}

// SetOnActiveSpeakers installs the speaker-set listener. Like the notifier,
// the handler layer is constructed after the registry.
func (reg *Registry) SetOnActiveSpeakers(fn func(roomID, dominantProducerID string, activeProducerIDs []string)) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	reg.cfg.OnActiveSpeakers = fn
}

func (reg *Registry) onActiveSpeakers() func(roomID, dominantProducerID string, activeProducerIDs []string) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	return reg.cfg.OnActiveSpeakers
}

// Get returns the live room, if this instance is serving it.
func (reg *Registry) Get(roomID string) (*Room, bool) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	room, ok := reg.rooms[roomID]
	return room, ok
}

// Rooms snapshots the live rooms.
func (reg *Registry) Rooms() []*Room {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	out := make([]*Room, 0, len(reg.rooms))
	for _, room := range reg.rooms {
		out = append(out, room)
	}
	return out
}

// Count returns the number of live rooms on this instance.
func (reg *Registry) Count() int {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	return len(reg.rooms)
}

type getOrCreateResult struct {
	room  *Room
	fresh bool
}

// GetOrCreate returns the room, building its cluster and detector on first
// use. Concurrent calls for the same roomId share one construction; fresh
// reports whether this call (or the flight it joined) persisted the room's
// state record, meaning the caller may still configure seatCount/owner.
func (reg *Registry) GetOrCreate(ctx context.Context, roomID string) (room *Room, fresh bool, err error) {
	reg.mu.RLock()
	existing, ok := reg.rooms[roomID]
	reg.mu.RUnlock()
	if ok {
		return existing, false, nil
	}

	v, err, _ := reg.group.Do(roomID, func() (interface{}, error) {
		// A finished flight may have populated the map between our miss and
		// this callback running.
		reg.mu.RLock()
		existing, ok := reg.rooms[roomID]
		reg.mu.RUnlock()
		if ok {
			return getOrCreateResult{room: existing}, nil
		}
		return reg.createRoom(ctx, roomID)
	})
	if err != nil {
		return nil, false, err
	}
	res := v.(getOrCreateResult)
	return res.room, res.fresh, nil
}

func (reg *Registry) createRoom(ctx context.Context, roomID string) (getOrCreateResult, error) {
	ctx = logging.WithRoomID(ctx, roomID)

	cl, err := cluster.New(ctx, roomID, reg.cfg.Pool, reg.cfg.MaxListenersPerRouter)
	if err != nil {
		return getOrCreateResult{}, err
	}

	det := cluster.NewDetector(cluster.DetectorConfig{
		RoomID: roomID,
		TopN:   reg.cfg.TopSpeakers,
		Window: reg.cfg.SpeakerWindow,
		Gate:   cl,
		Broadcast: func(dominantProducerID string, activeProducerIDs []string) {
			if fn := reg.onActiveSpeakers(); fn != nil {
				fn(roomID, dominantProducerID, activeProducerIDs)
			}
		},
	})
	cl.OnDominantSpeaker(det.HandleDominant)

	fresh, err := reg.persistInitialState(ctx, roomID)
	if err != nil {
		cl.Close()
		return getOrCreateResult{}, err
	}

	room := &Room{
		ID:        roomID,
		createdAt: time.Now(),
		cluster:   cl,
		detector:  det,
	}

	reg.mu.Lock()
	reg.rooms[roomID] = room
	reg.mu.Unlock()

	metrics.ActiveRooms.Inc()
	logging.Info(ctx, "Room created", zap.Bool("freshState", fresh))

	reg.notifyStatus(roomID, laravel.RoomStatus{
		IsLive:    true,
		StartedAt: &room.createdAt,
	})

	return getOrCreateResult{room: room, fresh: fresh}, nil
}

// CloseRoom tears a room down: room:closed broadcast, backend "not live",
// cluster close, seat wipe, state delete. Unknown rooms are a no-op, so
// concurrent close paths (sweeper vs worker death vs shutdown) are safe.
func (reg *Registry) CloseRoom(ctx context.Context, roomID, reason string) error {
	reg.mu.Lock()
	room, ok := reg.rooms[roomID]
	if ok {
		delete(reg.rooms, roomID)
	}
	reg.mu.Unlock()
	if !ok {
		return nil
	}

	ctx = logging.WithRoomID(ctx, roomID)

	if n := reg.notifier(); n != nil {
		n.BroadcastToRoom(roomID, protocol.ServerEvent{
			Event:   protocol.EventRoomClosed,
			Payload: map[string]string{"roomId": roomID, "reason": reason},
		})
	}

	endedAt := time.Now()
	reg.notifyStatus(roomID, laravel.RoomStatus{EndedAt: &endedAt})

	room.cluster.Close()

	var firstErr error
	if reg.cfg.Seats != nil {
		if err := reg.cfg.Seats.ClearRoom(ctx, roomID); err != nil {
			logging.Warn(ctx, "Failed to clear seats on room close", zap.Error(err))
			firstErr = err
		}
	}
	if err := reg.deleteState(ctx, roomID); err != nil {
		logging.Warn(ctx, "Failed to delete room state on close", zap.Error(err))
		if firstErr == nil {
			firstErr = err
		}
	}

	metrics.ActiveRooms.Dec()
	metrics.RoomParticipants.DeleteLabelValues(roomID)
	logging.Info(ctx, "Room closed", zap.String("reason", reason))
	return firstErr
}

// CloseAll closes every live room, used on graceful shutdown.
func (reg *Registry) CloseAll(ctx context.Context, reason string) {
	for _, room := range reg.Rooms() {
		if err := reg.CloseRoom(ctx, room.ID, reason); err != nil {
			logging.Warn(ctx, "Room close during shutdown left residue",
				zap.String("roomId", room.ID), zap.Error(err))
		}
	}
}

// notifyStatus is fire-and-forget: lifecycle changes must not block on the
// business backend.
func (reg *Registry) notifyStatus(roomID string, status laravel.RoomStatus) {
	if reg.cfg.Backend == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := reg.cfg.Backend.SetRoomStatus(ctx, roomID, status); err != nil {
			logging.Warn(logging.WithRoomID(ctx, roomID),
				"Failed to push room status to backend",
				zap.Bool("isLive", status.IsLive), zap.Error(err))
		}
	}()
}

// handleWorkerDied closes every room whose cluster touches the dead worker.
// It runs synchronously inside the pool's death handling, before the
// replacement worker spawns, so closes happen against a stable pool view.
func (reg *Registry) handleWorkerDied(pid int) {
	ctx := context.Background()

	var doomed []string
	reg.mu.RLock()
	for roomID, room := range reg.rooms {
		if room.cluster.TouchesWorker(pid) {
			doomed = append(doomed, roomID)
		}
	}
	reg.mu.RUnlock()
	if len(doomed) == 0 {
		return
	}

	logging.Warn(ctx, "Closing rooms on dead media worker",
		zap.Int("pid", pid), zap.Int("roomCount", len(doomed)))

	var g errgroup.Group
	for _, roomID := range doomed {
		g.Go(func() error {
			if err := reg.CloseRoom(ctx, roomID, ReasonWorkerDied); err != nil {
				logging.Error(ctx, "Failed to close room after worker death",
					zap.String("roomId", roomID), zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()
}

// Run drives the inactivity sweeper until ctx is cancelled.
func (reg *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(reg.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			reg.sweepIdle(ctx)
		}
	}
}

// sweepIdle closes rooms whose last activity is older than the idle
// threshold. A missing state record means the 24h TTL lapsed, which is
// idleness of a stronger sort.
func (reg *Registry) sweepIdle(ctx context.Context) {
	cutoff := time.Now().Add(-reg.cfg.IdleThreshold).UnixMilli()

	for _, room := range reg.Rooms() {
		state, err := reg.GetState(ctx, room.ID)
		if err != nil {
			logging.Warn(ctx, "Inactivity sweep could not read room state",
				zap.String("roomId", room.ID), zap.Error(err))
			continue
		}
		if state != nil && state.LastActivityAtMs >= cutoff {
			continue
		}
		logging.Info(ctx, "Closing idle room", zap.String("roomId", room.ID))
		if err := reg.CloseRoom(ctx, room.ID, ReasonInactive); err != nil {
			logging.Warn(ctx, "Idle room close left residue",
				zap.String("roomId", room.ID), zap.Error(err))
		}
	}
}
