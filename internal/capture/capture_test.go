package capture

import (
	"sync"
	"testing"
	"time"

	"github.com/google/gopacket/pcap"
	"github.com/jarbozhang/bit-sender/internal/builder"
	"github.com/stretchr/testify/require"
)

// fakeSource replays a fixed list of frames, then reports read timeouts
// (never a hard error) so the capture loop behaves like an idle live link.
type fakeSource struct {
	mu     sync.Mutex
	frames [][]byte
	idx    int
	closed bool
	bpf    string
}

func (f *fakeSource) ReadPacketData() ([]byte, time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.idx >= len(f.frames) {
		time.Sleep(2 * time.Millisecond)
		return nil, time.Time{}, pcap.NextErrorTimeoutExpired
	}
	d := f.frames[f.idx]
	f.idx++
	return d, time.Now(), nil
}

func (f *fakeSource) SetBPFFilter(expr string) error { f.bpf = expr; return nil }
func (f *fakeSource) Close()                         { f.closed = true }

func mustTCPSYN(t *testing.T) []byte {
	frame, err := builder.Build(builder.Request{
		Protocol: "tcp",
		Fields: map[string]string{
			"srcIp": "10.0.0.1", "dstIp": "10.0.0.2",
			"srcPort": "1234", "dstPort": "80",
		},
	})
	require.NoError(t, err)
	return frame
}

func TestBuildBPF(t *testing.T) {
	require.Equal(t, "", buildBPF(CaptureFilters{}))
	require.Equal(t, "tcp", buildBPF(CaptureFilters{Protocol: "tcp"}))
	require.Equal(t, "", buildBPF(CaptureFilters{Protocol: "all"}))
	require.Equal(t, "ip", buildBPF(CaptureFilters{Protocol: "ipv4"}))
	require.Equal(t, "src host 10.0.0.1 and port 80",
		buildBPF(CaptureFilters{SrcIP: "10.0.0.1", Port: 80}))
}

func TestDecodeFrame_TCPSyn(t *testing.T) {
	raw := mustTCPSYN(t)
	frame, ok := decodeFrame(raw, time.Now())
	require.True(t, ok)
	require.Equal(t, "tcp", frame.Protocol)
	require.Contains(t, frame.Info, "[SYN]")
	require.Equal(t, "10.0.0.1", frame.SrcIP)
	require.NotNil(t, frame.SrcPort)
	require.EqualValues(t, 1234, *frame.SrcPort)
}

func TestDecodeFrame_Short(t *testing.T) {
	_, ok := decodeFrame([]byte{0x01, 0x02}, time.Now())
	require.False(t, ok)
}

func TestDecodeFrame_OtherEtherType(t *testing.T) {
	raw := make([]byte, 20)
	raw[12] = 0x88
	raw[13] = 0xcc
	frame, ok := decodeFrame(raw, time.Now())
	require.True(t, ok)
	require.Equal(t, "ethernet", frame.Protocol)
	require.Contains(t, frame.Info, "0x88cc")
}

func TestPipeline_StartRejectsDoubleStart(t *testing.T) {
	src := &fakeSource{}
	p := NewPipeline(nil, func(string) (Source, error) { return src, nil })

	_, err := p.Start("eth0", CaptureFilters{})
	require.NoError(t, err)
	_, err = p.Start("eth0", CaptureFilters{})
	require.ErrorIs(t, err, ErrAlreadyRunning)

	_, err = p.Stop()
	require.NoError(t, err)
}

func TestPipeline_StopRejectsWhenNotRunning(t *testing.T) {
	p := NewPipeline(nil, func(string) (Source, error) { return &fakeSource{}, nil })
	_, err := p.Stop()
	require.ErrorIs(t, err, ErrNotRunning)
}

func TestPipeline_CapturesAndCaches(t *testing.T) {
	raw := mustTCPSYN(t)
	src := &fakeSource{frames: [][]byte{raw, raw, raw}}
	p := NewPipeline(nil, func(string) (Source, error) { return src, nil })

	_, err := p.Start("eth0", CaptureFilters{})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		stats, ok := p.Statistics()
		return ok && stats.TotalFrames == 3
	}, time.Second, 5*time.Millisecond)

	packets := p.Packets(10)
	require.Len(t, packets, 3)

	stats, ok := p.Statistics()
	require.True(t, ok)
	require.EqualValues(t, 3, stats.ProtocolStats["tcp"])

	filtered := p.FilteredPackets(10, "udp")
	require.Empty(t, filtered)

	_, err = p.Stop()
	require.NoError(t, err)
	require.True(t, src.closed)

	stats, ok = p.Statistics()
	require.False(t, ok)
}

func TestPipeline_SoftMACFilter(t *testing.T) {
	raw := mustTCPSYN(t)
	src := &fakeSource{frames: [][]byte{raw}}
	p := NewPipeline(nil, func(string) (Source, error) { return src, nil })

	_, err := p.Start("eth0", CaptureFilters{SrcMAC: "no-such-mac"})
	require.NoError(t, err)

	time.Sleep(30 * time.Millisecond)
	stats, ok := p.Statistics()
	require.True(t, ok)
	require.EqualValues(t, 0, stats.TotalFrames)

	_, err = p.Stop()
	require.NoError(t, err)
}

func TestPipeline_Subscribe(t *testing.T) {
	raw := mustTCPSYN(t)
	src := &fakeSource{frames: [][]byte{raw}}
	p := NewPipeline(nil, func(string) (Source, error) { return src, nil })

	seen := make(chan CapturedFrame, 1)
	p.Subscribe(func(f CapturedFrame) { seen <- f })

	_, err := p.Start("eth0", CaptureFilters{})
	require.NoError(t, err)

	select {
	case f := <-seen:
		require.Equal(t, "tcp", f.Protocol)
	case <-time.After(time.Second):
		t.Fatal("subscriber never received a frame")
	}

	_, err = p.Stop()
	require.NoError(t, err)
}
