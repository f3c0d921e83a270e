package media

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/flylive/msab/internal/v1/logging"
)

// ErrWorkerClosed is returned for any operation against a worker whose
// process has exited or been closed.
var ErrWorkerClosed = errors.New("media worker is closed")

// ProcEngine spawns engine worker child processes and talks to them over
// stdio with line-delimited JSON frames. Requests carry an id and method;
// the worker replies with the same id; unsolicited frames carry an event
// name instead.
type ProcEngine struct {
	bin string
}

// NewProcEngine creates an engine that spawns the given worker binary.
func NewProcEngine(bin string) *ProcEngine {
	return &ProcEngine{bin: bin}
}

// procFrame is one line on the worker's stdio channel.
type procFrame struct {
	ID     uint64          `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Event  string          `json:"event,omitempty"`
	OK     bool            `json:"ok,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// NewWorker spawns a worker process, waits for its running event, and
// creates the worker's shared WebRTC server.
func (e *ProcEngine) NewWorker(ctx context.Context, settings WorkerSettings) (Worker, error) {
	logLevel := settings.LogLevel
	if logLevel == "" {
		logLevel = "error"
	}
	args := []string{
		fmt.Sprintf("--logLevel=%s", logLevel),
		fmt.Sprintf("--rtcMinPort=%d", settings.RTCMinPort),
		fmt.Sprintf("--rtcMaxPort=%d", settings.RTCMaxPort),
	}

	cmd := exec.Command(e.bin, args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start media worker %q: %w", e.bin, err)
	}

	w := &procWorker{
		pid:        cmd.Process.Pid,
		cmd:        cmd,
		stdin:      stdin,
		pending:    make(map[uint64]chan procFrame),
		transports: make(map[string]*procTransport),
		observers:  make(map[string]*procObserver),
		running:    make(chan struct{}),
		exited:     make(chan struct{}),
	}

	go w.readLoop(stdout)
	go w.logStderr(stderr)
	go w.waitExit()

	select {
	case <-w.running:
	case <-w.exited:
		return nil, fmt.Errorf("media worker exited before reporting running [pid:%d]", w.pid)
	case <-ctx.Done():
		_ = w.Close()
		return nil, fmt.Errorf("media worker did not come up: %w", ctx.Err())
	}

	data, err := w.request(ctx, "worker.createWebRtcServer", map[string]any{
		"listenIp":    settings.ListenIP,
		"announcedIp": settings.AnnouncedIP,
	})
	if err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("failed to create WebRTC server: %w", err)
	}
	var server struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &server); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("bad WebRTC server response: %w", err)
	}
	w.webRtcServer = server.ID

	logging.Info(ctx, "Media worker running",
		zap.Int("pid", w.pid), zap.String("webRtcServer", w.webRtcServer))
	return w, nil
}

// procWorker is the client side of one worker process's stdio channel.
type procWorker struct {
	pid          int
	cmd          *exec.Cmd
	webRtcServer string

	writeMu sync.Mutex
	stdin   io.WriteCloser

	nextID    atomic.Uint64
	pendingMu sync.Mutex
	pending   map[uint64]chan procFrame

	objMu      sync.Mutex
	transports map[string]*procTransport
	observers  map[string]*procObserver

	closed     atomic.Bool
	runOnce    sync.Once
	running    chan struct{}
	exited     chan struct{}
	diedMu     sync.Mutex
	diedFuncs  []func(error)
	diedCalled bool
}

func (w *procWorker) Pid() int             { return w.pid }
func (w *procWorker) Closed() bool         { return w.closed.Load() }
func (w *procWorker) WebRtcServer() string { return w.webRtcServer }

func (w *procWorker) OnDied(fn func(err error)) {
	w.diedMu.Lock()
	defer w.diedMu.Unlock()
	w.diedFuncs = append(w.diedFuncs, fn)
}

func (w *procWorker) CreateRouter(ctx context.Context) (Router, error) {
	data, err := w.request(ctx, "worker.createRouter", nil)
	if err != nil {
		return nil, err
	}
	var resp struct {
		ID              string          `json:"id"`
		RtpCapabilities json.RawMessage `json:"rtpCapabilities"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("bad router response: %w", err)
	}
	return &procRouter{w: w, id: resp.ID, rtpCapabilities: resp.RtpCapabilities}, nil
}

// Close shuts the worker down deliberately. The process is told to exit,
// given a grace period, then killed. Died handlers do not fire.
func (w *procWorker) Close() error {
	if !w.closed.CompareAndSwap(false, true) {
		return nil
	}

	// Best effort: ask the process to exit, then close stdin so it sees EOF.
	frame, _ := json.Marshal(procFrame{ID: w.nextID.Add(1), Method: "worker.close"})
	w.writeMu.Lock()
	_, _ = w.stdin.Write(append(frame, '\n'))
	_ = w.stdin.Close()
	w.writeMu.Unlock()

	select {
	case <-w.exited:
	case <-time.After(3 * time.Second):
		if w.cmd.Process != nil {
			_ = w.cmd.Process.Kill()
		}
		<-w.exited
	}

	w.failPending()
	return nil
}

// request sends one frame and waits for the matching reply.
func (w *procWorker) request(ctx context.Context, method string, data any) (json.RawMessage, error) {
	if w.closed.Load() {
		return nil, ErrWorkerClosed
	}

	var payload json.RawMessage
	if data != nil {
		buf, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("marshal %s request: %w", method, err)
		}
		payload = buf
	}

	id := w.nextID.Add(1)
	ch := make(chan procFrame, 1)
	w.pendingMu.Lock()
	w.pending[id] = ch
	w.pendingMu.Unlock()
	defer func() {
		w.pendingMu.Lock()
		delete(w.pending, id)
		w.pendingMu.Unlock()
	}()

	frame, err := json.Marshal(procFrame{ID: id, Method: method, Data: payload})
	if err != nil {
		return nil, err
	}

	w.writeMu.Lock()
	_, err = w.stdin.Write(append(frame, '\n'))
	w.writeMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWorkerClosed, err)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case reply, ok := <-ch:
		if !ok {
			return nil, ErrWorkerClosed
		}
		if !reply.OK {
			return nil, fmt.Errorf("engine %s failed: %s", method, reply.Error)
		}
		return reply.Data, nil
	}
}

// readLoop parses stdout frames: replies are routed to the pending map,
// events to their subscribers.
func (w *procWorker) readLoop(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var frame procFrame
		if err := json.Unmarshal(line, &frame); err != nil {
			logging.Warn(context.Background(), "Unparseable frame from media worker",
				zap.Int("pid", w.pid), zap.Error(err))
			continue
		}

		switch {
		case frame.ID != 0:
			w.pendingMu.Lock()
			ch, ok := w.pending[frame.ID]
			w.pendingMu.Unlock()
			if ok {
				ch <- frame
			}
		case frame.Event != "":
			w.dispatchEvent(frame)
		}
	}
}

func (w *procWorker) dispatchEvent(frame procFrame) {
	switch frame.Event {
	case "running":
		w.runOnce.Do(func() { close(w.running) })

	case "dominantSpeaker":
		var ev struct {
			ObserverID string `json:"observerId"`
			ProducerID string `json:"producerId"`
		}
		if err := json.Unmarshal(frame.Data, &ev); err != nil {
			return
		}
		w.objMu.Lock()
		obs := w.observers[ev.ObserverID]
		w.objMu.Unlock()
		if obs != nil {
			obs.fireDominant(ev.ProducerID)
		}

	case "transportClosed":
		var ev struct {
			TransportID string `json:"transportId"`
		}
		if err := json.Unmarshal(frame.Data, &ev); err != nil {
			return
		}
		w.objMu.Lock()
		t := w.transports[ev.TransportID]
		delete(w.transports, ev.TransportID)
		w.objMu.Unlock()
		if t != nil {
			t.fireClose()
		}

	default:
		logging.GetLogger().Debug("Unhandled media worker event",
			zap.Int("pid", w.pid), zap.String("event", frame.Event))
	}
}

func (w *procWorker) logStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		logging.Warn(context.Background(), "media worker stderr",
			zap.Int("pid", w.pid), zap.String("line", scanner.Text()))
	}
}

// waitExit reaps the child. An exit without Close is a death: pending
// requests fail and the died handlers run once.
func (w *procWorker) waitExit() {
	err := w.cmd.Wait()
	close(w.exited)

	if w.closed.CompareAndSwap(false, true) {
		if err == nil {
			err = errors.New("media worker exited unexpectedly")
		}
		w.failPending()

		w.diedMu.Lock()
		alreadyCalled := w.diedCalled
		w.diedCalled = true
		handlers := make([]func(error), len(w.diedFuncs))
		copy(handlers, w.diedFuncs)
		w.diedMu.Unlock()

		if !alreadyCalled {
			for _, fn := range handlers {
				fn(fmt.Errorf("media worker died [pid:%d]: %w", w.pid, err))
			}
		}
	}
}

// failPending closes every waiting reply channel; waiters see ErrWorkerClosed.
func (w *procWorker) failPending() {
	w.pendingMu.Lock()
	for id, ch := range w.pending {
		close(ch)
		delete(w.pending, id)
	}
	w.pendingMu.Unlock()
}

func (w *procWorker) registerTransport(t *procTransport) {
	w.objMu.Lock()
	w.transports[t.ID()] = t
	w.objMu.Unlock()
}

func (w *procWorker) unregisterTransport(id string) {
	w.objMu.Lock()
	delete(w.transports, id)
	w.objMu.Unlock()
}

func (w *procWorker) registerObserver(o *procObserver) {
	w.objMu.Lock()
	w.observers[o.id] = o
	w.objMu.Unlock()
}

func (w *procWorker) unregisterObserver(id string) {
	w.objMu.Lock()
	delete(w.observers, id)
	w.objMu.Unlock()
}
