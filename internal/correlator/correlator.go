// Package correlator drives active probing (ping/ARP) against a target and
// matches captured replies back to outstanding probes to produce latency
// samples, per spec.md §4.5's Correlator sub-section.
package correlator

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jarbozhang/bit-sender/internal/builder"
	"github.com/jarbozhang/bit-sender/internal/capture"
	"github.com/jarbozhang/bit-sender/internal/rawlink"
	"github.com/rs/xid"
)

// TestKind selects what the sender thread probes for.
type TestKind string

const (
	TestPing TestKind = "ping"
	TestARP  TestKind = "arp"
	TestTCP  TestKind = "tcp"
	TestUDP  TestKind = "udp"
)

// TestConfig configures a monitoring run.
type TestConfig struct {
	Kind       TestKind
	TargetIP   string
	TargetPort uint16
	IntervalMs uint64
	Count      uint64 // 0 = unbounded, stopped only by Stop
	TimeoutMs  uint64
}

// ProbeResult is one outcome: a successful match or a timeout, carrying
// enough of the originating probe (kind, target) for a client to attribute
// it, per spec.md §3.
type ProbeResult struct {
	ID           string   `json:"id"`
	Timestamp    int64    `json:"timestamp"`
	Kind         TestKind `json:"test_kind"`
	Target       string   `json:"target"`
	Status       string   `json:"status"` // "success" or "timeout"
	RTTMillis    float64  `json:"rtt_ms,omitempty"`
	Error        string   `json:"error,omitempty"`
	ResponseData string   `json:"response_data,omitempty"`
}

// MonitoringStatistics tracks running totals and RTT extremes/mean.
type MonitoringStatistics struct {
	TotalProbes  uint64  `json:"total_probes"`
	SuccessCount uint64  `json:"success_count"`
	TimeoutCount uint64  `json:"timeout_count"`
	MinRTT       float64 `json:"min_rtt_ms"`
	MaxRTT       float64 `json:"max_rtt_ms"`
	MeanRTT      float64 `json:"mean_rtt_ms"`
}

type expectedResponse struct {
	kind       string // "icmp_echo_reply", "arp_reply", "tcp_syn_ack", "udp"
	targetIP   string
	targetPort uint16
}

type pendingProbe struct {
	id        string
	kind      TestKind
	target    string
	startTime time.Time
	timeoutMs uint64
	expect    expectedResponse
}

// OpenFunc opens a raw-frame sender, matching rawlink.Open's signature.
type OpenFunc func(iface string) (rawlink.Sender, error)

var (
	ErrAlreadyRunning = errors.New("monitoring already running")
	ErrNotRunning     = errors.New("monitoring not running")
)

// Monitor owns the sender/timeout-checker/result-collector threads and taps
// a capture.Pipeline's decoded frame stream for replies.
type Monitor struct {
	log      *slog.Logger
	pipeline *capture.Pipeline
	open     OpenFunc

	mu      sync.Mutex
	running atomic.Bool
	cfg     TestConfig

	pendingMu sync.Mutex
	pending   map[string]pendingProbe

	results chan ProbeResult
	wg      sync.WaitGroup

	resultsMu   sync.Mutex
	resultCache []ProbeResult

	statsMu sync.Mutex
	stats   MonitoringStatistics
}

// NewMonitor constructs a monitor. open is overridable for tests.
func NewMonitor(log *slog.Logger, pipeline *capture.Pipeline, open OpenFunc) *Monitor {
	if log == nil {
		log = slog.Default()
	}
	if open == nil {
		open = func(iface string) (rawlink.Sender, error) { return rawlink.Open(iface) }
	}
	return &Monitor{
		log:      log.With("component", "correlator"),
		pipeline: pipeline,
		open:     open,
		pending:  make(map[string]pendingProbe),
	}
}

// bpfFor derives the capture filter a given test kind implies.
func bpfFor(kind TestKind) string {
	switch kind {
	case TestPing:
		return "icmp"
	case TestARP:
		return "arp"
	case TestTCP:
		return "tcp"
	case TestUDP:
		return "udp"
	default:
		return ""
	}
}

// Start begins monitoring: implicitly starts capture with a type-derived BPF
// filter, then launches the sender, timeout-checker, and result-collector
// threads.
func (m *Monitor) Start(iface string, cfg TestConfig) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running.Load() {
		return "", ErrAlreadyRunning
	}

	if _, err := m.pipeline.Start(iface, capture.CaptureFilters{Protocol: bpfFor(cfg.Kind)}); err != nil {
		return "", fmt.Errorf("start capture: %w", err)
	}

	sender, err := m.open(iface)
	if err != nil {
		m.pipeline.Stop()
		return "", fmt.Errorf("open sender: %w", err)
	}

	m.cfg = cfg
	m.pending = make(map[string]pendingProbe)
	m.results = make(chan ProbeResult, 1024)
	m.resultCache = nil
	m.stats = MonitoringStatistics{}
	m.running.Store(true)

	m.pipeline.Subscribe(m.onFrame)

	m.wg.Add(3)
	go m.senderLoop(sender)
	go m.timeoutLoop()
	go m.resultCollector()

	return "monitoring started", nil
}

// Stop signals all three threads to exit and stops the underlying capture.
func (m *Monitor) Stop() (string, error) {
	m.mu.Lock()
	if !m.running.Load() {
		m.mu.Unlock()
		return "", ErrNotRunning
	}
	m.running.Store(false)
	m.mu.Unlock()

	m.wg.Wait()

	m.pipeline.Subscribe(nil)
	m.pipeline.Stop()

	m.pendingMu.Lock()
	m.pending = make(map[string]pendingProbe)
	m.pendingMu.Unlock()

	return "monitoring stopped", nil
}

// Running reports whether monitoring is active.
func (m *Monitor) Running() bool { return m.running.Load() }

// Statistics returns the current snapshot, or false if not running.
func (m *Monitor) Statistics() (MonitoringStatistics, bool) {
	if !m.running.Load() {
		return MonitoringStatistics{}, false
	}
	m.statsMu.Lock()
	defer m.statsMu.Unlock()
	return m.stats, true
}

// Results returns up to max most-recent results.
func (m *Monitor) Results(max int) []ProbeResult {
	m.resultsMu.Lock()
	defer m.resultsMu.Unlock()
	if max <= 0 || max > len(m.resultCache) {
		max = len(m.resultCache)
	}
	out := make([]ProbeResult, max)
	copy(out, m.resultCache[:max])
	return out
}

// senderLoop synthesizes and transmits probes every cfg.IntervalMs,
// inserting a pendingProbe before sleeping. Only ping and arp test kinds
// actually produce a probe; tcp/udp sleep the interval without sending,
// matching the reference implementation's unfinished sender cases (their
// match predicates exist but are never reachable — preserved here, see
// DESIGN.md).
func (m *Monitor) senderLoop(h rawlink.Sender) {
	defer m.wg.Done()
	defer h.Close()

	interval := time.Duration(m.cfg.IntervalMs) * time.Millisecond
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}

	var counter uint32
	for m.running.Load() {
		if m.cfg.Count > 0 && uint64(counter) >= m.cfg.Count {
			m.running.Store(false)
			return
		}

		frame, expect, ok := buildProbe(m.cfg, counter)
		if ok {
			if err := h.Send(frame); err == nil {
				id := xid.New().String()
				m.pendingMu.Lock()
				m.pending[id] = pendingProbe{
					id:        id,
					kind:      m.cfg.Kind,
					target:    m.cfg.TargetIP,
					startTime: time.Now(),
					timeoutMs: m.cfg.TimeoutMs,
					expect:    expect,
				}
				m.pendingMu.Unlock()
				counter++
			}
		}

		sleepInterruptible(interval, &m.running)
	}
}

func sleepInterruptible(d time.Duration, running *atomic.Bool) {
	const step = 50 * time.Millisecond
	for d > 0 && running.Load() {
		s := step
		if d < s {
			s = d
		}
		time.Sleep(s)
		d -= s
	}
}

// buildProbe synthesizes the wire frame and expected-response descriptor for
// one probe. ok is false for kinds the sender does not handle.
func buildProbe(cfg TestConfig, counter uint32) ([]byte, expectedResponse, bool) {
	switch cfg.Kind {
	case TestPing:
		idSeq := counter & 0xffff
		frame, err := builder.Build(builder.Request{
			Protocol: "icmp",
			Fields: map[string]string{
				"type":       "08",
				"code":       "00",
				"identifier": fmt.Sprintf("%04x", idSeq),
				"sequence":   fmt.Sprintf("%04x", idSeq),
				"dstIp":      cfg.TargetIP,
			},
		})
		if err != nil {
			return nil, expectedResponse{}, false
		}
		return frame, expectedResponse{kind: "icmp_echo_reply"}, true

	case TestARP:
		frame, err := builder.Build(builder.Request{
			Protocol: "arp",
			Fields: map[string]string{
				"opcode":   "1",
				"targetIp": cfg.TargetIP,
			},
		})
		if err != nil {
			return nil, expectedResponse{}, false
		}
		return frame, expectedResponse{kind: "arp_reply", targetIP: cfg.TargetIP}, true

	default:
		return nil, expectedResponse{}, false
	}
}

// timeoutLoop scans the pending table every 100ms and emits a timeout result
// for any probe past its deadline.
func (m *Monitor) timeoutLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for m.running.Load() {
		<-ticker.C
		now := time.Now()

		var expired []pendingProbe
		m.pendingMu.Lock()
		for _, p := range m.pending {
			if uint64(now.Sub(p.startTime).Milliseconds()) > p.timeoutMs {
				expired = append(expired, p)
			}
		}
		for _, p := range expired {
			delete(m.pending, p.id)
		}
		m.pendingMu.Unlock()

		for _, p := range expired {
			select {
			case m.results <- ProbeResult{
				ID:        p.id,
				Timestamp: now.UnixMilli(),
				Kind:      p.kind,
				Target:    p.target,
				Status:    "timeout",
				Error:     "no response within timeout",
			}:
			default:
			}
		}
	}
}

// onFrame is the capture subscriber: it checks every pending probe's match
// predicate against one decoded frame.
func (m *Monitor) onFrame(f capture.CapturedFrame) {
	if !m.running.Load() {
		return
	}
	now := time.Now()

	var matched pendingProbe
	var rtt float64
	found := false

	m.pendingMu.Lock()
	for id, p := range m.pending {
		if matchesExpected(f, p.expect) {
			matched = p
			rtt = float64(now.Sub(p.startTime).Microseconds()) / 1000.0
			delete(m.pending, id)
			found = true
			break
		}
	}
	m.pendingMu.Unlock()

	if !found {
		return
	}

	select {
	case m.results <- ProbeResult{
		ID:           matched.id,
		Timestamp:    now.UnixMilli(),
		Kind:         matched.kind,
		Target:       matched.target,
		Status:       "success",
		RTTMillis:    rtt,
		ResponseData: f.Info,
	}:
	default:
	}
}

// matchesExpected implements spec.md §4.5's per-kind match predicate.
func matchesExpected(f capture.CapturedFrame, expect expectedResponse) bool {
	switch expect.kind {
	case "icmp_echo_reply":
		return f.Protocol == "icmp" && f.SrcIP != ""
	case "arp_reply":
		return f.Protocol == "arp" && strings.Contains(f.Info, "Reply") && f.SrcIP == expect.targetIP
	case "tcp_syn_ack":
		return f.Protocol == "tcp" && f.SrcPort != nil && *f.SrcPort == expect.targetPort && strings.Contains(f.Info, "SYN-ACK")
	case "udp":
		return f.Protocol == "udp"
	default:
		return false
	}
}

// resultCollector drains m.results into the bounded result cache (capacity
// 1000, oldest dropped) and updates running statistics. It polls with a
// short timeout rather than ranging over the channel so it can observe the
// stop flag without requiring the channel to be closed (the sender and
// timeout-checker threads may still be winding down concurrently).
func (m *Monitor) resultCollector() {
	defer m.wg.Done()
	for m.running.Load() {
		select {
		case r := <-m.results:
			m.recordResult(r)
		case <-time.After(100 * time.Millisecond):
		}
	}
}

func (m *Monitor) recordResult(r ProbeResult) {
	metricResultsTotal.WithLabelValues(r.Status).Inc()

	m.statsMu.Lock()
	m.stats.TotalProbes++
	if r.Status == "success" {
		m.stats.SuccessCount++
		if m.stats.MinRTT == 0 || r.RTTMillis < m.stats.MinRTT {
			m.stats.MinRTT = r.RTTMillis
		}
		if r.RTTMillis > m.stats.MaxRTT {
			m.stats.MaxRTT = r.RTTMillis
		}
		k := m.stats.SuccessCount
		m.stats.MeanRTT = (m.stats.MeanRTT*float64(k-1) + r.RTTMillis) / float64(k)
	} else {
		m.stats.TimeoutCount++
	}
	m.statsMu.Unlock()

	m.resultsMu.Lock()
	m.resultCache = append([]ProbeResult{r}, m.resultCache...)
	if len(m.resultCache) > 1000 {
		m.resultCache = m.resultCache[:1000]
	}
	m.resultsMu.Unlock()
}
