// Package transmitter drives one-shot and sustained-rate packet sends. The
// sustained path is the central algorithm of the system: a multi-worker
// pool paced to a target packets-per-second rate, with adaptive worker
// sizing, microsecond pacing, and three mutually-exclusive stop conditions.
package transmitter

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jarbozhang/bit-sender/internal/rawlink"
	"github.com/rs/xid"
)

// StopKind selects how a sustained send task terminates on its own.
type StopKind int

const (
	StopManual StopKind = iota
	StopDuration
	StopCount
)

// StopCondition is the tagged union spec.md §3 describes for SendTask.
type StopCondition struct {
	Kind    StopKind
	Seconds uint64 // meaningful when Kind == StopDuration
	Count   uint64 // meaningful when Kind == StopCount
}

// Status is the externally-visible snapshot of a SendTask, refreshed every
// 100ms by a dedicated status goroutine so per-send contention stays at
// zero (spec.md §4.4 "concurrency primitives").
type Status struct {
	TaskID    string  `json:"task_id"`
	StartTime int64   `json:"start_time"` // seconds since epoch
	SentCount uint64  `json:"sent_count"`
	Speed     float64 `json:"speed"` // requested packets/sec
	Running   bool    `json:"running"`
}

// OneShotResult is returned by SendOnce.
type OneShotResult struct {
	Success   bool
	Message   string
	Interface string
}

// OpenFunc opens a raw-frame sender on the named interface. Overridable in
// tests; production code wires rawlink.Open.
type OpenFunc func(iface string) (rawlink.Sender, error)

// task holds one SendTask's full live state: the shared atomics from
// spec.md §4.4, the periodically-refreshed status record, and the
// coordinator goroutine's lifecycle.
type task struct {
	id        string
	startTime time.Time
	rate      float64
	stop      StopCondition
	iface     string
	frame     []byte
	open      OpenFunc
	log       *slog.Logger

	sentCount atomic.Uint64
	running   atomic.Bool

	statusMu sync.Mutex
	status   Status
}

// Registry is the task map from spec.md §9's "module-level task registry"
// note, modeled as an explicit object rather than a package-level global.
type Registry struct {
	log *slog.Logger

	mu    sync.Mutex
	tasks map[string]*task
}

// NewRegistry constructs an empty task registry.
func NewRegistry(log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		log:   log.With("component", "transmitter"),
		tasks: make(map[string]*task),
	}
}

// SendOnce resolves the interface (by name, or the first non-loopback
// device, or device[0]), opens a handle, and transmits frame a single time.
func (r *Registry) SendOnce(frame []byte, iface string, open OpenFunc) (OneShotResult, error) {
	if open == nil {
		open = defaultOpen
	}
	resolved, err := rawlink.PickInterface(iface)
	if err != nil {
		return OneShotResult{}, fmt.Errorf("resolve interface: %w", err)
	}

	h, err := open(resolved)
	if err != nil {
		return OneShotResult{}, fmt.Errorf("open %q: %w", resolved, err)
	}
	defer h.Close()

	if err := h.Send(frame); err != nil {
		return OneShotResult{}, fmt.Errorf("send on %q: %w", resolved, err)
	}

	return OneShotResult{Success: true, Message: "packet sent", Interface: resolved}, nil
}

func defaultOpen(iface string) (rawlink.Sender, error) {
	return rawlink.Open(iface)
}

// StartBatch submits a sustained-rate send task and returns its id
// immediately; the task runs in the background.
func (r *Registry) StartBatch(frame []byte, iface string, rate float64, stop StopCondition, open OpenFunc) (string, error) {
	if open == nil {
		open = defaultOpen
	}
	resolved, err := rawlink.PickInterface(iface)
	if err != nil {
		return "", fmt.Errorf("resolve interface: %w", err)
	}

	id := xid.New().String()
	t := &task{
		id:        id,
		startTime: time.Now(),
		rate:      rate,
		stop:      stop,
		iface:     resolved,
		frame:     frame,
		open:      open,
		log:       r.log.With("task_id", id),
	}
	t.running.Store(true)
	t.status = Status{
		TaskID:    id,
		StartTime: t.startTime.Unix(),
		Speed:     rate,
		Running:   true,
	}

	r.mu.Lock()
	r.tasks[id] = t
	r.mu.Unlock()

	go t.run()

	return id, nil
}

// Status returns the last-refreshed status of taskID, or false if unknown.
func (r *Registry) Status(taskID string) (Status, bool) {
	r.mu.Lock()
	t, ok := r.tasks[taskID]
	r.mu.Unlock()
	if !ok {
		return Status{}, false
	}
	t.statusMu.Lock()
	defer t.statusMu.Unlock()
	return t.status, true
}

// Stop signals taskID to stop. Returns true on the call that actually
// delivers the signal, false on an unknown task or an already-stopped one
// (idempotent double-stop).
func (r *Registry) Stop(taskID string) bool {
	r.mu.Lock()
	t, ok := r.tasks[taskID]
	r.mu.Unlock()
	if !ok {
		return false
	}
	return t.running.CompareAndSwap(true, false)
}

// workerCount picks worker pool size by target rate, per spec.md §4.4.
func workerCount(rate float64) int {
	switch {
	case rate <= 100:
		return 1
	case rate <= 1000:
		return 2
	case rate <= 10000:
		return 4
	default:
		return 8
	}
}

// sleepCap bounds how long a worker blocks waiting for its next send,
// which in turn bounds stop-flag responsiveness.
func sleepCap(rate float64) time.Duration {
	switch {
	case rate <= 100:
		return time.Millisecond
	case rate <= 10000:
		return 100 * time.Microsecond
	default:
		return 10 * time.Microsecond
	}
}

// transientBackoff is the pause after a send error that the spec treats as
// transient (buffer full, NIC backpressure): sleep and retry without
// advancing next_send or the sent counter.
func transientBackoff(rate float64) time.Duration {
	if rate <= 1000 {
		return time.Millisecond
	}
	return 100 * time.Microsecond
}

// run is the task coordinator: opens one Handle per worker, launches the
// worker pool and the status refresher, waits for all workers to exit, then
// writes the final status.
func (t *task) run() {
	n := workerCount(t.rate)
	interval := time.Duration(float64(time.Second) * float64(n) / maxFloat(t.rate, 1))

	handles := make([]rawlink.Sender, 0, n)
	for i := 0; i < n; i++ {
		h, err := t.open(t.iface)
		if err != nil {
			t.log.Error("fatal: failed to open handle", "worker", i, "error", err)
			for _, h := range handles {
				_ = h.Close()
			}
			t.running.Store(false)
			t.finalizeStatus()
			return
		}
		handles = append(handles, h)
	}

	statusDone := make(chan struct{})
	go t.refreshStatus(statusDone)

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(idx int, h rawlink.Sender) {
			defer wg.Done()
			defer h.Close()
			offset := time.Duration(int64(interval) / int64(n) * int64(idx))
			t.runWorker(idx, h, interval, offset)
		}(i, handles[i])
	}

	wg.Wait()
	close(statusDone)
	t.running.Store(false)
	t.finalizeStatus()
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

// runWorker is one worker's pacing loop, implementing spec.md §4.4's pacing,
// sleep-strategy, send-error, and stop-evaluation rules.
func (t *task) runWorker(idx int, h rawlink.Sender, interval, offset time.Duration) {
	cap_ := sleepCap(t.rate)
	nextSend := t.startTime.Add(offset)

	for t.running.Load() {
		now := time.Now()

		if now.Before(nextSend) {
			time.Sleep(minDuration(nextSend.Sub(now), cap_))
			continue
		}

		if t.stopConditionMet(now) {
			t.running.Store(false)
			return
		}

		if err := h.Send(t.frame); err != nil {
			t.log.Debug("transient send error", "worker", idx, "error", err)
			metricTransientErrorsTotal.Inc()
			time.Sleep(transientBackoff(t.rate))
			continue
		}

		t.sentCount.Add(1)
		nextSend = nextSend.Add(interval)

		// Resync if this worker fell behind, to avoid an unbounded catch-up burst.
		if now := time.Now(); nextSend.Before(now) {
			nextSend = now.Add(interval)
		}
	}
}

// stopConditionMet evaluates the configured stop condition. manual never
// auto-stops; duration/count are evaluated against shared, monotonically-
// updated state.
func (t *task) stopConditionMet(now time.Time) bool {
	switch t.stop.Kind {
	case StopDuration:
		return now.Sub(t.startTime) >= time.Duration(t.stop.Seconds)*time.Second
	case StopCount:
		return t.sentCount.Load() >= t.stop.Count
	default:
		return false
	}
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}

// refreshStatus updates the visible status every 100ms from the atomic
// sent counter, so per-send contention on the status mutex stays at zero.
func (t *task) refreshStatus(done <-chan struct{}) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			t.statusMu.Lock()
			t.status.SentCount = t.sentCount.Load()
			t.status.Running = t.running.Load()
			t.statusMu.Unlock()
			metricSentCount.WithLabelValues(t.id).Set(float64(t.sentCount.Load()))
		}
	}
}

func (t *task) finalizeStatus() {
	t.statusMu.Lock()
	t.status.SentCount = t.sentCount.Load()
	t.status.Running = false
	t.statusMu.Unlock()
	metricSentCount.WithLabelValues(t.id).Set(float64(t.sentCount.Load()))
}
