// Package capture runs the live sniffer pipeline: open device, compile a BPF
// filter, decode frames, fan out to a bounded channel and a bounded ring
// cache, and maintain rolling statistics.
package capture

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/gopacket/pcap"
)

const (
	frameChanCap = 5000
	ringCap      = 10000
	bufferSize   = 1 << 20 // 1 MiB kernel buffer
	stopBudget   = 3 * time.Second
)

var (
	ErrAlreadyRunning = errors.New("capture already running")
	ErrNotRunning      = errors.New("capture not running")
)

// CapturedFrame is the decoded record produced for each frame that survives
// BPF and software filtering.
type CapturedFrame struct {
	ID        string  `json:"id"`
	Timestamp int64   `json:"timestamp"`
	Protocol  string  `json:"protocol"`
	SrcMAC    string  `json:"src_mac"`
	DstMAC    string  `json:"dst_mac"`
	SrcIP     string  `json:"src_ip,omitempty"`
	DstIP     string  `json:"dst_ip,omitempty"`
	SrcPort   *uint16 `json:"src_port,omitempty"`
	DstPort   *uint16 `json:"dst_port,omitempty"`
	Length    int     `json:"length"`
	Info      string  `json:"info"`
	Raw       []byte  `json:"raw"`
}

// CaptureFilters is the optional predicate set from spec.md §3: protocol and
// IPv4/port predicates compile to BPF; MAC predicates apply post-decode.
type CaptureFilters struct {
	Protocol string
	SrcMAC   string
	DstMAC   string
	SrcIP    string
	DstIP    string
	Port     uint16
}

// CaptureStatistics is the monotonically-updated counter set from spec.md §3.
type CaptureStatistics struct {
	TotalFrames      uint64            `json:"total_frames"`
	PacketsPerSecond float64           `json:"packets_per_second"`
	BytesPerSecond   float64           `json:"bytes_per_second"`
	ProtocolStats    map[string]uint64 `json:"protocol_stats"`
}

// Source abstracts the live-capture device so tests can substitute a fake
// feed instead of opening a real NIC.
type Source interface {
	ReadPacketData() (data []byte, ts time.Time, err error)
	SetBPFFilter(expr string) error
	Close()
}

// OpenFunc opens a capture source on the named interface.
type OpenFunc func(iface string) (Source, error)

type pcapSource struct{ h *pcap.Handle }

func (p *pcapSource) ReadPacketData() ([]byte, time.Time, error) {
	data, ci, err := p.h.ReadPacketData()
	if err != nil {
		return nil, time.Time{}, err
	}
	return data, ci.Timestamp, nil
}

func (p *pcapSource) SetBPFFilter(expr string) error { return p.h.SetBPFFilter(expr) }
func (p *pcapSource) Close()                         { p.h.Close() }

// DefaultOpen opens iface in non-promiscuous mode with a 1s read timeout and
// a 1 MiB kernel buffer, per spec.md §4.5 step 1.
func DefaultOpen(iface string) (Source, error) {
	inactive, err := pcap.NewInactiveHandle(iface)
	if err != nil {
		return nil, fmt.Errorf("create inactive handle: %w", err)
	}
	defer inactive.CleanUp()

	if err := inactive.SetSnapLen(65535); err != nil {
		return nil, fmt.Errorf("set snap length: %w", err)
	}
	if err := inactive.SetPromisc(false); err != nil {
		return nil, fmt.Errorf("set promiscuous mode: %w", err)
	}
	if err := inactive.SetTimeout(time.Second); err != nil {
		return nil, fmt.Errorf("set timeout: %w", err)
	}
	if err := inactive.SetBufferSize(bufferSize); err != nil {
		return nil, fmt.Errorf("set buffer size: %w", err)
	}

	h, err := inactive.Activate()
	if err != nil {
		return nil, fmt.Errorf("activate handle: %w", err)
	}
	return &pcapSource{h: h}, nil
}

// Pipeline is the capture coordinator: one capture goroutine reading frames,
// one cache-ingestion goroutine draining them into a bounded ring.
type Pipeline struct {
	log  *slog.Logger
	open OpenFunc

	mu      sync.Mutex
	running atomic.Bool
	frames  chan CapturedFrame
	wg      sync.WaitGroup
	filters CaptureFilters

	startTime  time.Time
	totalBytes uint64

	cacheMu sync.Mutex
	cache   []CapturedFrame

	statsMu sync.Mutex
	stats   CaptureStatistics

	sinkMu sync.RWMutex
	sink   func(CapturedFrame)
}

// NewPipeline constructs an idle pipeline. open is overridable for tests;
// production callers pass DefaultOpen.
func NewPipeline(log *slog.Logger, open OpenFunc) *Pipeline {
	if log == nil {
		log = slog.Default()
	}
	if open == nil {
		open = DefaultOpen
	}
	return &Pipeline{log: log.With("component", "capture"), open: open}
}

// Subscribe registers a hook invoked for every decoded, filtered frame — the
// correlator uses this to tap the same stream without a second pcap handle.
func (p *Pipeline) Subscribe(fn func(CapturedFrame)) {
	p.sinkMu.Lock()
	defer p.sinkMu.Unlock()
	p.sink = fn
}

// Start opens iface and begins capturing. Rejected if already running.
func (p *Pipeline) Start(iface string, filters CaptureFilters) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running.Load() {
		return "", ErrAlreadyRunning
	}

	src, err := p.open(iface)
	if err != nil {
		return "", fmt.Errorf("open %q: %w", iface, err)
	}
	if expr := buildBPF(filters); expr != "" {
		if err := src.SetBPFFilter(expr); err != nil {
			src.Close()
			return "", fmt.Errorf("compile filter %q: %w", expr, err)
		}
	}

	p.filters = filters
	p.frames = make(chan CapturedFrame, frameChanCap)
	p.startTime = time.Now()
	p.totalBytes = 0
	p.statsMu.Lock()
	p.stats = CaptureStatistics{ProtocolStats: make(map[string]uint64)}
	p.statsMu.Unlock()
	p.cacheMu.Lock()
	p.cache = nil
	p.cacheMu.Unlock()

	p.running.Store(true)
	p.wg.Add(2)
	go p.captureLoop(src)
	go p.cacheLoop()

	return "capture started", nil
}

// Stop signals the capture thread to exit, waiting up to 3s before
// detaching. Cache and statistics are cleared.
func (p *Pipeline) Stop() (string, error) {
	p.mu.Lock()
	if !p.running.Load() {
		p.mu.Unlock()
		return "", ErrNotRunning
	}
	p.running.Store(false)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(stopBudget):
		p.log.Warn("capture stop timed out; detaching capture thread")
	}

	p.cacheMu.Lock()
	p.cache = nil
	p.cacheMu.Unlock()
	p.statsMu.Lock()
	p.stats = CaptureStatistics{ProtocolStats: make(map[string]uint64)}
	p.statsMu.Unlock()

	return "capture stopped", nil
}

// Running reports whether the pipeline is currently capturing.
func (p *Pipeline) Running() bool {
	return p.running.Load()
}

// Statistics returns the current snapshot, or false if not running.
func (p *Pipeline) Statistics() (CaptureStatistics, bool) {
	if !p.running.Load() {
		return CaptureStatistics{}, false
	}
	p.statsMu.Lock()
	defer p.statsMu.Unlock()
	out := p.stats
	out.ProtocolStats = make(map[string]uint64, len(p.stats.ProtocolStats))
	for k, v := range p.stats.ProtocolStats {
		out.ProtocolStats[k] = v
	}
	return out, true
}

// Packets returns up to max newest frames, reverse-chronological.
func (p *Pipeline) Packets(max int) []CapturedFrame {
	p.cacheMu.Lock()
	defer p.cacheMu.Unlock()
	return newestFirst(p.cache, max, "")
}

// FilteredPackets applies an additional protocol-tag predicate in cache
// order before taking the newest max.
func (p *Pipeline) FilteredPackets(max int, protocol string) []CapturedFrame {
	p.cacheMu.Lock()
	defer p.cacheMu.Unlock()
	return newestFirst(p.cache, max, protocol)
}

func newestFirst(cache []CapturedFrame, max int, protocol string) []CapturedFrame {
	var matched []CapturedFrame
	for _, f := range cache {
		if protocol != "" && f.Protocol != protocol {
			continue
		}
		matched = append(matched, f)
	}
	if max <= 0 || max > len(matched) {
		max = len(matched)
	}
	out := make([]CapturedFrame, max)
	for i := 0; i < max; i++ {
		out[i] = matched[len(matched)-1-i]
	}
	return out
}

func (p *Pipeline) captureLoop(src Source) {
	defer p.wg.Done()
	defer src.Close()
	defer close(p.frames)

	for p.running.Load() {
		data, ts, err := src.ReadPacketData()
		if err != nil {
			if err == pcap.NextErrorTimeoutExpired {
				continue
			}
			time.Sleep(100 * time.Millisecond)
			continue
		}

		frame, ok := decodeFrame(data, ts)
		if !ok {
			continue
		}
		if !matchesSoftFilters(frame, p.filters) {
			continue
		}

		p.record(frame)
		metricFramesTotal.WithLabelValues(frame.Protocol).Inc()

		select {
		case p.frames <- frame:
		default: // bounded fan-out: drop rather than block the capture thread
			metricDropsTotal.Inc()
		}

		p.sinkMu.RLock()
		sink := p.sink
		p.sinkMu.RUnlock()
		if sink != nil {
			sink(frame)
		}
	}
}

func (p *Pipeline) cacheLoop() {
	defer p.wg.Done()
	for frame := range p.frames {
		p.cacheMu.Lock()
		p.cache = append(p.cache, frame)
		if len(p.cache) > ringCap {
			p.cache = p.cache[len(p.cache)-ringCap:]
		}
		p.cacheMu.Unlock()
	}
}

func (p *Pipeline) record(f CapturedFrame) {
	p.statsMu.Lock()
	defer p.statsMu.Unlock()
	p.stats.TotalFrames++
	p.stats.ProtocolStats[f.Protocol]++
	p.totalBytes += uint64(f.Length)

	elapsed := time.Since(p.startTime).Seconds()
	if elapsed > 0 {
		p.stats.PacketsPerSecond = float64(p.stats.TotalFrames) / elapsed
		p.stats.BytesPerSecond = float64(p.totalBytes) / elapsed
	}
}

// matchesSoftFilters applies the post-decode predicates BPF cannot express:
// case-insensitive substring match on MAC fields.
func matchesSoftFilters(f CapturedFrame, filters CaptureFilters) bool {
	if filters.SrcMAC != "" && !strings.Contains(strings.ToLower(f.SrcMAC), strings.ToLower(filters.SrcMAC)) {
		return false
	}
	if filters.DstMAC != "" && !strings.Contains(strings.ToLower(f.DstMAC), strings.ToLower(filters.DstMAC)) {
		return false
	}
	return true
}

// buildBPF conjoins the available BPF-expressible predicates: protocol tag,
// src/dst host, and port. Empty predicate set produces no filter.
func buildBPF(f CaptureFilters) string {
	var parts []string

	switch f.Protocol {
	case "tcp", "udp", "icmp", "arp":
		parts = append(parts, f.Protocol)
	case "ip", "ipv4":
		parts = append(parts, "ip")
	case "", "all":
		// no protocol predicate
	}

	if f.SrcIP != "" {
		parts = append(parts, "src host "+f.SrcIP)
	}
	if f.DstIP != "" {
		parts = append(parts, "dst host "+f.DstIP)
	}
	if f.Port != 0 {
		parts = append(parts, "port "+strconv.Itoa(int(f.Port)))
	}

	return strings.Join(parts, " and ")
}
