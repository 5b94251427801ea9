package builder

import (
	"testing"

	"github.com/jarbozhang/bit-sender/internal/codec"
	"github.com/stretchr/testify/require"
)

func TestBuild_UDP_Scenario(t *testing.T) {
	frame, err := Build(Request{
		Protocol: "udp",
		Fields: map[string]string{
			"srcIp":   "10.0.0.1",
			"dstIp":   "10.0.0.2",
			"srcPort": "1000",
			"dstPort": "53",
		},
		Payload: "abcd",
	})
	require.NoError(t, err)
	require.Len(t, frame, 44)
	require.Equal(t, []byte{0x00, 0x0a}, frame[38:40])
	require.Equal(t, []byte{0x45, 0x00}, frame[14:16])
}

func TestBuild_ARP_Scenario(t *testing.T) {
	frame, err := Build(Request{
		Protocol: "arp",
		Fields: map[string]string{
			"srcMac":   "00:11:22:33:44:55",
			"dstMac":   "ff:ff:ff:ff:ff:ff",
			"senderIp": "192.168.1.10",
			"targetIp": "192.168.1.20",
			"opcode":   "1",
		},
	})
	require.NoError(t, err)
	require.Equal(t, []byte{0x08, 0x06}, frame[12:14])
	require.Equal(t, []byte{0x00, 0x01}, frame[20:22])
	require.Len(t, frame, 60)
}

func TestBuild_Ethernet_MinimumLength(t *testing.T) {
	frame, err := Build(Request{Protocol: "ethernet", Fields: map[string]string{}})
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(frame), 64)
}

func TestBuild_ARP_MinimumLength(t *testing.T) {
	frame, err := Build(Request{Protocol: "arp", Fields: map[string]string{}})
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(frame), 60)
}

func TestBuild_Deterministic(t *testing.T) {
	req := Request{
		Protocol: "tcp",
		Fields: map[string]string{
			"srcIp": "10.0.0.1", "dstIp": "10.0.0.2",
			"srcPort": "1111", "dstPort": "80",
		},
		Payload: "deadbeef",
	}
	a, err := Build(req)
	require.NoError(t, err)
	b, err := Build(req)
	require.NoError(t, err)
	require.Equal(t, a, b)
}

func TestBuild_IPv4HeaderChecksum(t *testing.T) {
	for _, proto := range []string{"ipv4", "tcp", "udp"} {
		frame, err := Build(Request{Protocol: proto, Fields: map[string]string{}})
		require.NoError(t, err)
		require.GreaterOrEqual(t, len(frame), 34)
		require.Equal(t, uint16(0), codec.InternetChecksum(frame[14:34]))
	}
}

func TestBuild_EmptyPayloadProducesNoExtraBytes(t *testing.T) {
	withPayload, err := Build(Request{Protocol: "tcp", Fields: map[string]string{}, Payload: "ab"})
	require.NoError(t, err)
	without, err := Build(Request{Protocol: "tcp", Fields: map[string]string{}})
	require.NoError(t, err)
	require.Equal(t, len(without)+1, len(withPayload))
}

func TestBuild_TCP_ChecksumOverride(t *testing.T) {
	frame, err := Build(Request{
		Protocol: "tcp",
		Fields: map[string]string{
			"checksum": "0xabcd",
		},
	})
	require.NoError(t, err)
	tcpStart := 14 + 20
	require.Equal(t, []byte{0xab, 0xcd}, frame[tcpStart+16:tcpStart+18])
}

func TestBuild_UDP_LengthOverride(t *testing.T) {
	frame, err := Build(Request{
		Protocol: "udp",
		Fields: map[string]string{
			"length": "99",
		},
	})
	require.NoError(t, err)
	udpStart := 14 + 20
	require.Equal(t, uint16(99), uint16(frame[udpStart+4])<<8|uint16(frame[udpStart+5]))
}

func TestBuild_ICMP_NakedHeader(t *testing.T) {
	frame, err := Build(Request{Protocol: "icmp", Fields: map[string]string{}})
	require.NoError(t, err)
	// No Ethernet prefix: IPv4 version/IHL byte is at offset 0, not 14.
	require.Equal(t, byte(0x45), frame[0])
	require.Equal(t, uint16(0), codec.InternetChecksum(frame[0:20]))
}

func TestBuild_ICMP_ChecksumCoversHeaderAndPayload(t *testing.T) {
	frame, err := Build(Request{Protocol: "icmp", Fields: map[string]string{}, Payload: "ffff"})
	require.NoError(t, err)
	icmpSection := frame[20:]
	require.Equal(t, uint16(0), codec.InternetChecksum(icmpSection))
}

func TestBuild_UnknownProtocol(t *testing.T) {
	_, err := Build(Request{Protocol: "sctp"})
	require.Error(t, err)
}

func TestBuild_InvalidLiteral(t *testing.T) {
	_, err := Build(Request{Protocol: "tcp", Fields: map[string]string{"srcIp": "bogus"}})
	require.Error(t, err)
}

func TestBuild_SYNDefaultFlag(t *testing.T) {
	frame, err := Build(Request{Protocol: "tcp", Fields: map[string]string{}})
	require.NoError(t, err)
	tcpStart := 14 + 20
	require.Equal(t, byte(0x02), frame[tcpStart+13]) // SYN bit set, others clear
}

func TestBuild_TCP_FlagOverrides(t *testing.T) {
	frame, err := Build(Request{Protocol: "tcp", Fields: map[string]string{
		"synFlag": "0", "ackFlag": "1", "pshFlag": "1",
	}})
	require.NoError(t, err)
	tcpStart := 14 + 20
	require.Equal(t, byte(0x18), frame[tcpStart+13]) // ACK|PSH
}
