package correlator

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/google/gopacket/pcap"
	"github.com/jarbozhang/bit-sender/internal/capture"
	"github.com/jarbozhang/bit-sender/internal/codec"
	"github.com/jarbozhang/bit-sender/internal/rawlink"
	"github.com/stretchr/testify/require"
)

// fakeSender counts and optionally replays frames back through a feeder.
type fakeSender struct {
	mu   sync.Mutex
	sent [][]byte
}

func (f *fakeSender) Send(b []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, append([]byte(nil), b...))
	return nil
}

func (f *fakeSender) Close() error { return nil }

// fakeCaptureSource lets the test inject frames asynchronously, simulating a
// live link that later delivers a reply.
type fakeCaptureSource struct {
	mu      sync.Mutex
	inbox   chan []byte
	closed  bool
}

func newFakeCaptureSource() *fakeCaptureSource {
	return &fakeCaptureSource{inbox: make(chan []byte, 16)}
}

func (f *fakeCaptureSource) ReadPacketData() ([]byte, time.Time, error) {
	select {
	case d := <-f.inbox:
		return d, time.Now(), nil
	case <-time.After(5 * time.Millisecond):
		return nil, time.Time{}, pcap.NextErrorTimeoutExpired
	}
}

func (f *fakeCaptureSource) SetBPFFilter(string) error { return nil }
func (f *fakeCaptureSource) Close()                    { f.mu.Lock(); f.closed = true; f.mu.Unlock() }

func (f *fakeCaptureSource) deliver(b []byte) { f.inbox <- b }

// buildEthernetICMPEchoReply constructs a full Ethernet+IPv4+ICMP echo-reply
// frame as it would arrive off a real link (unlike the builder package's
// "icmp" tag, which intentionally omits the Ethernet prefix for transmit).
func buildEthernetICMPEchoReply(t *testing.T, srcIP string) []byte {
	t.Helper()
	eth := make([]byte, 14)
	copy(eth[0:6], []byte{0x00, 0x00, 0x00, 0x00, 0x00, 0x01})
	copy(eth[6:12], []byte{0x00, 0x00, 0x00, 0x00, 0x00, 0x02})
	eth[12], eth[13] = 0x08, 0x00

	ip := make([]byte, 20)
	ip[0] = 0x45
	ip[8] = 64
	ip[9] = 1 // ICMP
	copy(ip[12:16], net.ParseIP(srcIP).To4())
	copy(ip[16:20], net.ParseIP("10.0.0.1").To4())

	icmp := make([]byte, 8)
	icmp[0] = 0 // echo reply

	frame := append(eth, ip...)
	frame = append(frame, icmp...)

	totalLen := uint16(len(ip) + len(icmp))
	frame[14+2] = byte(totalLen >> 8)
	frame[14+3] = byte(totalLen)
	sum := codec.InternetChecksum(frame[14:34])
	frame[14+10] = byte(sum >> 8)
	frame[14+11] = byte(sum)

	return frame
}

func TestBpfFor(t *testing.T) {
	require.Equal(t, "icmp", bpfFor(TestPing))
	require.Equal(t, "arp", bpfFor(TestARP))
	require.Equal(t, "tcp", bpfFor(TestTCP))
}

func TestMatchesExpected_ArpNeverMatches(t *testing.T) {
	// ARP info format never contains "Reply" (preserved quirk, see DESIGN.md).
	f := capture.CapturedFrame{Protocol: "arp", Info: "ARP: 1.2.3.4 -> 5.6.7.8", SrcIP: "1.2.3.4"}
	require.False(t, matchesExpected(f, expectedResponse{kind: "arp_reply", targetIP: "1.2.3.4"}))
}

func TestMatchesExpected_IcmpEchoReply(t *testing.T) {
	f := capture.CapturedFrame{Protocol: "icmp", SrcIP: "10.0.0.5"}
	require.True(t, matchesExpected(f, expectedResponse{kind: "icmp_echo_reply"}))
}

// Scenario 6 (spec.md §8): probe to 10.0.0.5, timeout 1000ms; a reply
// arrives ~50ms later. Expect a success ProbeResult with rtt ~50ms and an
// empty pending table afterwards.
func TestMonitor_PingSuccess_Scenario6(t *testing.T) {
	src := newFakeCaptureSource()
	pipeline := capture.NewPipeline(nil, func(string) (capture.Source, error) { return src, nil })

	sender := &fakeSender{}
	mon := NewMonitor(nil, pipeline, func(string) (rawlink.Sender, error) { return sender, nil })

	_, err := mon.Start("eth0", TestConfig{
		Kind:       TestPing,
		TargetIP:   "10.0.0.5",
		IntervalMs: 1000,
		TimeoutMs:  1000,
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		sender.mu.Lock()
		defer sender.mu.Unlock()
		return len(sender.sent) >= 1
	}, time.Second, 5*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	src.deliver(buildEthernetICMPEchoReply(t, "10.0.0.5"))

	require.Eventually(t, func() bool {
		results := mon.Results(10)
		return len(results) == 1 && results[0].Status == "success"
	}, time.Second, 10*time.Millisecond)

	results := mon.Results(10)
	require.Len(t, results, 1)
	require.InDelta(t, 50, results[0].RTTMillis, 30)
	require.Equal(t, TestPing, results[0].Kind)
	require.Equal(t, "10.0.0.5", results[0].Target)
	require.NotEmpty(t, results[0].ResponseData)
	require.Empty(t, results[0].Error)

	mon.pendingMu.Lock()
	pendingLen := len(mon.pending)
	mon.pendingMu.Unlock()
	require.Equal(t, 0, pendingLen)

	_, err = mon.Stop()
	require.NoError(t, err)
}

func TestMonitor_Timeout(t *testing.T) {
	src := newFakeCaptureSource()
	pipeline := capture.NewPipeline(nil, func(string) (capture.Source, error) { return src, nil })

	sender := &fakeSender{}
	mon := NewMonitor(nil, pipeline, func(string) (rawlink.Sender, error) { return sender, nil })

	_, err := mon.Start("eth0", TestConfig{
		Kind:       TestPing,
		TargetIP:   "10.0.0.5",
		IntervalMs: 2000,
		TimeoutMs:  50,
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		results := mon.Results(10)
		return len(results) == 1 && results[0].Status == "timeout"
	}, 2*time.Second, 10*time.Millisecond)

	results := mon.Results(10)
	require.Equal(t, TestPing, results[0].Kind)
	require.Equal(t, "10.0.0.5", results[0].Target)
	require.NotEmpty(t, results[0].Error)
	require.Empty(t, results[0].ResponseData)

	stats, ok := mon.Statistics()
	require.True(t, ok)
	require.EqualValues(t, 1, stats.TimeoutCount)

	_, err = mon.Stop()
	require.NoError(t, err)
}

func TestMonitor_RejectsDoubleStart(t *testing.T) {
	src := newFakeCaptureSource()
	pipeline := capture.NewPipeline(nil, func(string) (capture.Source, error) { return src, nil })
	sender := &fakeSender{}
	mon := NewMonitor(nil, pipeline, func(string) (rawlink.Sender, error) { return sender, nil })

	_, err := mon.Start("eth0", TestConfig{Kind: TestPing, TargetIP: "10.0.0.5", IntervalMs: 1000, TimeoutMs: 1000})
	require.NoError(t, err)
	_, err = mon.Start("eth0", TestConfig{Kind: TestPing, TargetIP: "10.0.0.5", IntervalMs: 1000, TimeoutMs: 1000})
	require.ErrorIs(t, err, ErrAlreadyRunning)

	_, err = mon.Stop()
	require.NoError(t, err)
}

func TestMonitor_StopRejectsWhenNotRunning(t *testing.T) {
	pipeline := capture.NewPipeline(nil, func(string) (capture.Source, error) { return newFakeCaptureSource(), nil })
	mon := NewMonitor(nil, pipeline, func(string) (rawlink.Sender, error) { return &fakeSender{}, nil })
	_, err := mon.Stop()
	require.ErrorIs(t, err, ErrNotRunning)
}
