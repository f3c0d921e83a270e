package cluster

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/flylive/msab/internal/v1/logging"
	"github.com/flylive/msab/internal/v1/metrics"
)

const (
	defaultSpeakerWindow = 10 * time.Second
	defaultTopSpeakers   = 3
)

// SpeakerGate receives the new active set whenever it changes. Implemented
// by Cluster.
type SpeakerGate interface {
	UpdateActiveSpeakers(ctx context.Context, active map[string]struct{}) error
}

// DetectorConfig configures a Detector. Zero values get defaults: a 10
// second window, top 3 speakers, the wall clock.
type DetectorConfig struct {
	RoomID string
	TopN   int
	Window time.Duration
	Gate   SpeakerGate
	// Broadcast, if set, runs after a set change with the dominant
	// producer and the full active list, most recent first.
	Broadcast func(dominantProducerID string, activeProducerIDs []string)
	Now       func() time.Time
}

// Detector turns the engine's raw dominant-speaker events into a stable
// top-N active set over a sliding window. Only set changes reach the gate
// and the broadcast; repeated events from the same speakers are absorbed
// here.
type Detector struct {
	roomID    string
	topN      int
	window    time.Duration
	gate      SpeakerGate
	broadcast func(string, []string)
	now       func() time.Time

	mu      sync.Mutex
	recent  map[string]time.Time
	lastSet map[string]struct{}
}

func NewDetector(cfg DetectorConfig) *Detector {
	if cfg.TopN <= 0 {
		cfg.TopN = defaultTopSpeakers
	}
	if cfg.Window <= 0 {
		cfg.Window = defaultSpeakerWindow
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Detector{
		roomID:    cfg.RoomID,
		topN:      cfg.TopN,
		window:    cfg.Window,
		gate:      cfg.Gate,
		broadcast: cfg.Broadcast,
		now:       cfg.Now,
		recent:    make(map[string]time.Time),
		lastSet:   make(map[string]struct{}),
	}
}

// HandleDominant processes one dominant-speaker event: record the speaker,
// evict entries older than the window, recompute the top-N. If the set
// changed, push it to the gate and broadcast; otherwise stay silent.
//
// A gate failure is logged and the set is kept, so consumers may lag the
// set until the next change; the resume path re-checks the set anyway.
func (d *Detector) HandleDominant(sourceProducerID string) {
	now := d.now()

	d.mu.Lock()
	d.recent[sourceProducerID] = now
	cutoff := now.Add(-d.window)
	for id, at := range d.recent {
		if at.Before(cutoff) {
			delete(d.recent, id)
		}
	}

	top := d.topSpeakersLocked()
	next := make(map[string]struct{}, len(top))
	for _, id := range top {
		next[id] = struct{}{}
	}
	changed := !sameSet(next, d.lastSet)
	if changed {
		d.lastSet = next
	}
	d.mu.Unlock()

	if !changed {
		return
	}

	ctx := logging.WithRoomID(context.Background(), d.roomID)
	metrics.SpeakerSetChanges.WithLabelValues(d.roomID).Inc()

	if err := d.gate.UpdateActiveSpeakers(ctx, next); err != nil {
		logging.Warn(ctx, "Failed to apply active speaker set",
			zap.Strings("active", top), zap.Error(err))
	}
	if d.broadcast != nil {
		d.broadcast(sourceProducerID, top)
	}
}

// Forget drops a producer from the window, typically because it closed.
// The active set is corrected on the next dominant event.
func (d *Detector) Forget(sourceProducerID string) {
	d.mu.Lock()
	delete(d.recent, sourceProducerID)
	d.mu.Unlock()
}

// topSpeakersLocked selects up to topN producers by recency without
// sorting the whole window: one scan per slot, fine for small N.
func (d *Detector) topSpeakersLocked() []string {
	n := d.topN
	if n > len(d.recent) {
		n = len(d.recent)
	}
	picked := make([]string, 0, n)
	chosen := make(map[string]struct{}, n)

	for len(picked) < n {
		var bestID string
		var bestAt time.Time
		for id, at := range d.recent {
			if _, done := chosen[id]; done {
				continue
			}
			if bestID == "" || at.After(bestAt) || (at.Equal(bestAt) && id < bestID) {
				bestID, bestAt = id, at
			}
		}
		picked = append(picked, bestID)
		chosen[bestID] = struct{}{}
	}
	return picked
}

func sameSet(a, b map[string]struct{}) bool {
	if len(a) != len(b) {
		return false
	}
	for id := range a {
		if _, ok := b[id]; !ok {
			return false
		}
	}
	return true
}
