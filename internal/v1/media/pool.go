package media

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/flylive/msab/internal/v1/logging"
	"github.com/flylive/msab/internal/v1/metrics"
)

// ErrNoWorkers is returned when the pool has no live worker to hand out.
var ErrNoWorkers = errors.New("no media workers available")

// Pool owns the instance's engine worker processes and tracks how many
// routers live on each. It is an instance singleton; all count mutations go
// through its mutex.
type Pool struct {
	engine   Engine
	settings WorkerSettings

	mu      sync.Mutex
	workers map[int]*poolEntry // keyed by PID

	diedMu  sync.Mutex
	onDied  []func(pid int)
	closing bool
}

type poolEntry struct {
	worker      Worker
	routerCount int
}

// NewPool spawns size workers. Failure to spawn any worker is fatal at
// startup: the partially created set is closed and the error returned.
func NewPool(ctx context.Context, engine Engine, size int, settings WorkerSettings) (*Pool, error) {
	if size < 1 {
		return nil, fmt.Errorf("pool size must be at least 1 (got %d)", size)
	}

	p := &Pool{
		engine:   engine,
		settings: settings,
		workers:  make(map[int]*poolEntry, size),
	}

	for i := 0; i < size; i++ {
		w, err := p.spawn(ctx)
		if err != nil {
			p.Close()
			return nil, fmt.Errorf("failed to create media worker %d/%d: %w", i+1, size, err)
		}
		p.insert(w)
	}

	logging.Info(ctx, "Media worker pool started", zap.Int("workers", size))
	return p, nil
}

func (p *Pool) spawn(ctx context.Context) (Worker, error) {
	w, err := p.engine.NewWorker(ctx, p.settings)
	if err != nil {
		return nil, err
	}
	w.OnDied(func(cause error) {
		p.handleWorkerDied(w, cause)
	})
	return w, nil
}

func (p *Pool) insert(w Worker) {
	p.mu.Lock()
	p.workers[w.Pid()] = &poolEntry{worker: w}
	count := len(p.workers)
	p.mu.Unlock()
	metrics.MediaWorkersActive.Set(float64(count))
}

// LeastLoaded returns the worker with the fewest routers, breaking ties by
// lowest PID. PIDs in exclude are skipped, which lets the cluster place a
// distribution router on a different worker than the source router.
func (p *Pool) LeastLoaded(exclude ...int) (Worker, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	skip := make(map[int]struct{}, len(exclude))
	for _, pid := range exclude {
		skip[pid] = struct{}{}
	}

	var best *poolEntry
	bestPid := 0
	for pid, entry := range p.workers {
		if _, excluded := skip[pid]; excluded {
			continue
		}
		if best == nil || entry.routerCount < best.routerCount ||
			(entry.routerCount == best.routerCount && pid < bestPid) {
			best = entry
			bestPid = pid
		}
	}
	if best == nil {
		return nil, ErrNoWorkers
	}
	return best.worker, nil
}

// AdjustRouterCount records a router being created (+1) or closed (-1) on
// the worker with the given PID. O(1) via the PID index. Unknown PIDs are
// ignored: the worker already died and its counts died with it.
func (p *Pool) AdjustRouterCount(pid int, delta int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	entry, ok := p.workers[pid]
	if !ok {
		return
	}
	entry.routerCount += delta
	if entry.routerCount < 0 {
		entry.routerCount = 0
	}
}

// WebRtcServerFor returns the shared WebRTC server id of the given worker.
func (p *Pool) WebRtcServerFor(pid int) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	entry, ok := p.workers[pid]
	if !ok {
		return "", fmt.Errorf("%w: pid %d", ErrNoWorkers, pid)
	}
	return entry.worker.WebRtcServer(), nil
}

// WorkerCount reports how many workers are currently alive. Used by the
// readiness probe.
func (p *Pool) WorkerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// RouterCount reports the router count currently tracked for pid. Zero if
// the worker is unknown.
func (p *Pool) RouterCount(pid int) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if entry, ok := p.workers[pid]; ok {
		return entry.routerCount
	}
	return 0
}

// OnWorkerDied registers a callback invoked with the dead worker's PID
// before a replacement is spawned. The room registry uses this to close
// every room that touched the dead worker.
func (p *Pool) OnWorkerDied(cb func(pid int)) {
	p.diedMu.Lock()
	defer p.diedMu.Unlock()
	p.onDied = append(p.onDied, cb)
}

// handleWorkerDied removes the dead worker, runs the death callbacks
// synchronously, then spawns and inserts a replacement.
func (p *Pool) handleWorkerDied(w Worker, cause error) {
	pid := w.Pid()

	p.diedMu.Lock()
	if p.closing {
		p.diedMu.Unlock()
		return
	}
	callbacks := make([]func(int), len(p.onDied))
	copy(callbacks, p.onDied)
	p.diedMu.Unlock()

	p.mu.Lock()
	_, known := p.workers[pid]
	delete(p.workers, pid)
	count := len(p.workers)
	p.mu.Unlock()
	if !known {
		return
	}

	metrics.MediaWorkerDeaths.Inc()
	metrics.MediaWorkersActive.Set(float64(count))

	ctx := context.Background()
	logging.Error(ctx, "Media worker died", zap.Int("pid", pid), zap.Error(cause))

	// Rooms on the dead worker must be closed before the replacement starts
	// taking load, so the callbacks run synchronously here.
	for _, cb := range callbacks {
		cb(pid)
	}

	replacement, err := p.spawn(ctx)
	if err != nil {
		logging.Error(ctx, "Failed to spawn replacement media worker", zap.Error(err))
		return
	}
	p.insert(replacement)
	logging.Info(ctx, "Replacement media worker started",
		zap.Int("deadPid", pid), zap.Int("newPid", replacement.Pid()))
}

// Close shuts down every worker. Death handlers are suppressed: a worker
// exiting because we closed it is not a death.
func (p *Pool) Close() {
	p.diedMu.Lock()
	p.closing = true
	p.diedMu.Unlock()

	p.mu.Lock()
	workers := make([]Worker, 0, len(p.workers))
	for _, entry := range p.workers {
		workers = append(workers, entry.worker)
	}
	p.workers = make(map[int]*poolEntry)
	p.mu.Unlock()

	for _, w := range workers {
		if err := w.Close(); err != nil {
			logging.Warn(context.Background(), "Error closing media worker",
				zap.Int("pid", w.Pid()), zap.Error(err))
		}
	}
	metrics.MediaWorkersActive.Set(0)
}
