// Package builder implements the deterministic packet assembler: given a
// protocol tag and a string-keyed field map, it produces a byte-exact frame
// including header checksums. See the field-layout tables in this file's
// per-protocol build functions for the exact wire format of each tag.
package builder

import (
	"fmt"
	"strings"

	"github.com/jarbozhang/bit-sender/internal/codec"
)

// Request is the input to Build: a protocol tag, a string-keyed field map
// (keys unique, insertion order irrelevant), and an optional hex payload.
// Request is immutable once constructed; Build never mutates it.
type Request struct {
	Protocol string
	Fields   map[string]string
	Payload  string
}

// Build dispatches on the lowercased protocol tag and returns the encoded
// frame. Unknown tags and invalid field literals return an error; no field
// is silently defaulted beyond what each protocol's build function
// documents.
func Build(req Request) ([]byte, error) {
	payload, err := decodePayload(req.Payload)
	if err != nil {
		return nil, fmt.Errorf("builder: invalid payload: %w", err)
	}

	switch strings.ToLower(req.Protocol) {
	case "ethernet":
		return buildEthernet(req.Fields, payload)
	case "ipv4":
		return buildIPv4(req.Fields, payload)
	case "tcp":
		return buildTCP(req.Fields, payload)
	case "udp":
		return buildUDP(req.Fields, payload)
	case "arp":
		return buildARP(req.Fields, payload)
	case "icmp":
		return buildICMP(req.Fields, payload)
	default:
		return nil, fmt.Errorf("builder: unknown protocol tag %q", req.Protocol)
	}
}

// decodePayload turns the optional hex-string payload into bytes. An empty
// payload decodes to zero bytes (no bytes past the header section).
func decodePayload(p string) ([]byte, error) {
	if p == "" {
		return nil, nil
	}
	return codec.ParseHex(p)
}

// field returns the first present value among keys, or "" if none are set.
// Used to accept alternate key spellings (e.g. senderMac/sender_mac).
func field(fields map[string]string, keys ...string) string {
	for _, k := range keys {
		if v, ok := fields[k]; ok {
			return v
		}
	}
	return ""
}

// padTo zero-pads b to at least n bytes.
func padTo(b []byte, n int) []byte {
	if len(b) >= n {
		return b
	}
	out := make([]byte, n)
	copy(out, b)
	return out
}

const (
	etherTypeIPv4Default = "0800"
	etherTypeARPDefault  = "0806"
	broadcastMAC         = "ff:ff:ff:ff:ff:ff"
)

// buildEthernetHeader assembles the 14-byte Ethernet header: dstMAC(6) ||
// srcMAC(6) || etherType(2). defaultDst/defaultEtherType let callers (ipv4,
// arp) supply their own defaults while sharing the same key names.
func buildEthernetHeader(fields map[string]string, defaultDst, defaultEtherType string) ([]byte, error) {
	dstMAC, err := codec.ParseMAC(withDefault(field(fields, "dstMAC", "dstMac", "dst_mac"), defaultDst))
	if err != nil {
		return nil, fmt.Errorf("dstMAC: %w", err)
	}
	srcMAC, err := codec.ParseMAC(withDefault(field(fields, "srcMAC", "srcMac", "src_mac"), "00:00:00:00:00:00"))
	if err != nil {
		return nil, fmt.Errorf("srcMAC: %w", err)
	}
	etherType, err := codec.ParseHex(withDefault(field(fields, "etherType", "ether_type"), defaultEtherType))
	if err != nil {
		return nil, fmt.Errorf("etherType: %w", err)
	}
	if len(etherType) != 2 {
		return nil, fmt.Errorf("etherType: must be 2 bytes, got %d", len(etherType))
	}

	out := make([]byte, 0, 14)
	out = append(out, dstMAC...)
	out = append(out, srcMAC...)
	out = append(out, etherType...)
	return out, nil
}

func withDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// buildEthernet implements the "ethernet" protocol tag: dstMAC(6) ||
// srcMAC(6) || etherType(2, default 0800) || payload, zero-padded to a
// 64-byte minimum frame.
func buildEthernet(fields map[string]string, payload []byte) ([]byte, error) {
	hdr, err := buildEthernetHeader(fields, "00:00:00:00:00:00", etherTypeIPv4Default)
	if err != nil {
		return nil, err
	}
	out := append(hdr, payload...)
	return padTo(out, 64), nil
}

// ipv4Header holds the pieces of a 20-byte IPv4 header built by buildIPv4Header;
// length and checksum are filled in by the caller after the full frame (or
// the naked-header ICMP variant) is known.
type ipv4Header struct {
	bytes       []byte // 20 bytes, totalLength and checksum fields still zero
	protocolIdx int    // index of the protocol byte, for callers that want to confirm it
}

// buildIPv4Header assembles the 20-byte IPv4 header per spec.md §4.2: version=4,
// IHL=5, TOS=0, total-length left as a placeholder, identification=0, flags=2
// (DF), fragment-offset=0, TTL=64, protocol as given, header-checksum left as
// a placeholder, srcIp/dstIp from fields with documented defaults.
func buildIPv4Header(fields map[string]string, protocol byte) (ipv4Header, error) {
	srcIP, err := codec.ParseIPv4(withDefault(field(fields, "srcIp", "src_ip"), "192.168.1.1"))
	if err != nil {
		return ipv4Header{}, fmt.Errorf("srcIp: %w", err)
	}
	dstIP, err := codec.ParseIPv4(withDefault(field(fields, "dstIp", "dst_ip"), "192.168.1.2"))
	if err != nil {
		return ipv4Header{}, fmt.Errorf("dstIp: %w", err)
	}

	h := make([]byte, 20)
	h[0] = 0x45 // version=4, IHL=5
	h[1] = 0x00 // TOS
	// h[2:4] total length placeholder, backfilled by caller
	// h[4:6] identification = 0
	h[6] = 0x40 // flags=2 (DF) in top 3 bits, fragment offset 0
	h[7] = 0x00
	h[8] = 64 // TTL
	h[9] = protocol
	// h[10:12] header checksum placeholder, backfilled by caller
	copy(h[12:16], srcIP)
	copy(h[16:20], dstIP)

	return ipv4Header{bytes: h, protocolIdx: 9}, nil
}

// finalizeIPv4 backfills total length (frame length - ipStart) and the
// header checksum over the 20 header bytes starting at ipStart.
func finalizeIPv4(frame []byte, ipStart int) {
	totalLen := uint16(len(frame) - ipStart)
	frame[ipStart+2] = byte(totalLen >> 8)
	frame[ipStart+3] = byte(totalLen)
	frame[ipStart+10] = 0
	frame[ipStart+11] = 0
	sum := codec.InternetChecksum(frame[ipStart : ipStart+20])
	frame[ipStart+10] = byte(sum >> 8)
	frame[ipStart+11] = byte(sum)
}

// buildIPv4 implements the "ipv4" protocol tag: an Ethernet header followed
// by a 20-byte IPv4 header (protocol=6, matching the teacher's default) and
// the payload. Like tcp/udp (and unlike icmp), the frame is Ethernet-prefixed.
func buildIPv4(fields map[string]string, payload []byte) ([]byte, error) {
	eth, err := buildEthernetHeader(fields, "00:00:00:00:00:00", etherTypeIPv4Default)
	if err != nil {
		return nil, err
	}
	ip, err := buildIPv4Header(fields, 6)
	if err != nil {
		return nil, err
	}

	frame := append(eth, ip.bytes...)
	frame = append(frame, payload...)
	finalizeIPv4(frame, len(eth))
	return frame, nil
}

// tcpFlag reads a single-bit flag field, defaulting as given.
func tcpFlag(fields map[string]string, key string, def bool) (bool, error) {
	v, ok := fields[key]
	if !ok {
		return def, nil
	}
	n, err := codec.ParseNumeric(v)
	if err != nil {
		return false, fmt.Errorf("%s: %w", key, err)
	}
	return n != 0, nil
}

// buildTCP implements the "tcp" protocol tag: Ethernet header + IPv4 header
// (protocol=6) + 20-byte TCP header + payload.
func buildTCP(fields map[string]string, payload []byte) ([]byte, error) {
	eth, err := buildEthernetHeader(fields, "00:00:00:00:00:00", etherTypeIPv4Default)
	if err != nil {
		return nil, err
	}
	ip, err := buildIPv4Header(fields, 6)
	if err != nil {
		return nil, err
	}

	srcPort, err := codec.ParseU16(withDefault(field(fields, "srcPort", "src_port"), "12345"))
	if err != nil {
		return nil, fmt.Errorf("srcPort: %w", err)
	}
	dstPort, err := codec.ParseU16(withDefault(field(fields, "dstPort", "dst_port"), "80"))
	if err != nil {
		return nil, fmt.Errorf("dstPort: %w", err)
	}
	seq, err := codec.ParseNumeric(withDefault(field(fields, "seq"), "0"))
	if err != nil {
		return nil, fmt.Errorf("seq: %w", err)
	}
	ack, err := codec.ParseNumeric(withDefault(field(fields, "ack"), "0"))
	if err != nil {
		return nil, fmt.Errorf("ack: %w", err)
	}
	dataOffset, err := codec.ParseNumeric(withDefault(field(fields, "dataOffset", "data_offset"), "5"))
	if err != nil {
		return nil, fmt.Errorf("dataOffset: %w", err)
	}
	if dataOffset < 5 {
		dataOffset = 5
	}
	if dataOffset > 15 {
		dataOffset = 15
	}

	urg, err := tcpFlag(fields, "urgFlag", false)
	if err != nil {
		return nil, err
	}
	ackFlag, err := tcpFlag(fields, "ackFlag", false)
	if err != nil {
		return nil, err
	}
	psh, err := tcpFlag(fields, "pshFlag", false)
	if err != nil {
		return nil, err
	}
	rst, err := tcpFlag(fields, "rstFlag", false)
	if err != nil {
		return nil, err
	}
	syn, err := tcpFlag(fields, "synFlag", true)
	if err != nil {
		return nil, err
	}
	fin, err := tcpFlag(fields, "finFlag", false)
	if err != nil {
		return nil, err
	}

	window, err := codec.ParseU16(withDefault(field(fields, "window"), "8192"))
	if err != nil {
		return nil, fmt.Errorf("window: %w", err)
	}
	urgentPtr, err := codec.ParseU16(withDefault(field(fields, "urgentPointer", "urgent_pointer"), "0"))
	if err != nil {
		return nil, fmt.Errorf("urgentPointer: %w", err)
	}

	tcpHdr := make([]byte, 20)
	copy(tcpHdr[0:2], srcPort)
	copy(tcpHdr[2:4], dstPort)
	tcpHdr[4] = byte(seq >> 24)
	tcpHdr[5] = byte(seq >> 16)
	tcpHdr[6] = byte(seq >> 8)
	tcpHdr[7] = byte(seq)
	tcpHdr[8] = byte(ack >> 24)
	tcpHdr[9] = byte(ack >> 16)
	tcpHdr[10] = byte(ack >> 8)
	tcpHdr[11] = byte(ack)
	tcpHdr[12] = byte(dataOffset<<4) & 0xf0

	var flags byte
	if fin {
		flags |= 0x01
	}
	if syn {
		flags |= 0x02
	}
	if rst {
		flags |= 0x04
	}
	if psh {
		flags |= 0x08
	}
	if ackFlag {
		flags |= 0x10
	}
	if urg {
		flags |= 0x20
	}
	tcpHdr[13] = flags
	copy(tcpHdr[14:16], window)
	// tcpHdr[16:18] checksum, filled below
	copy(tcpHdr[18:20], urgentPtr)

	frame := append(eth, ip.bytes...)
	frame = append(frame, tcpHdr...)
	frame = append(frame, payload...)

	tcpStart := len(eth) + 20
	if raw := field(fields, "checksum"); raw != "" {
		n, err := codec.ParseNumeric(raw)
		if err != nil {
			return nil, fmt.Errorf("checksum: %w", err)
		}
		if n != 0 {
			frame[tcpStart+16] = byte(n >> 8)
			frame[tcpStart+17] = byte(n)
		}
	}

	finalizeIPv4(frame, len(eth))
	return frame, nil
}

// buildUDP implements the "udp" protocol tag: Ethernet header + IPv4 header
// (protocol=17) + 8-byte UDP header + payload.
func buildUDP(fields map[string]string, payload []byte) ([]byte, error) {
	eth, err := buildEthernetHeader(fields, "00:00:00:00:00:00", etherTypeIPv4Default)
	if err != nil {
		return nil, err
	}
	ip, err := buildIPv4Header(fields, 17)
	if err != nil {
		return nil, err
	}

	srcPort, err := codec.ParseU16(withDefault(field(fields, "srcPort", "src_port"), "12345"))
	if err != nil {
		return nil, fmt.Errorf("srcPort: %w", err)
	}
	dstPort, err := codec.ParseU16(withDefault(field(fields, "dstPort", "dst_port"), "53"))
	if err != nil {
		return nil, fmt.Errorf("dstPort: %w", err)
	}

	udpHdr := make([]byte, 8)
	copy(udpHdr[0:2], srcPort)
	copy(udpHdr[2:4], dstPort)
	// udpHdr[4:6] length, filled below
	// udpHdr[6:8] checksum, filled below

	frame := append(eth, ip.bytes...)
	frame = append(frame, udpHdr...)
	frame = append(frame, payload...)

	udpStart := len(eth) + 20
	udpLen := uint16(len(frame) - udpStart)
	if raw := field(fields, "length"); raw != "" {
		n, err := codec.ParseNumeric(raw)
		if err != nil {
			return nil, fmt.Errorf("length: %w", err)
		}
		if n != 0 {
			udpLen = uint16(n)
		}
	}
	frame[udpStart+4] = byte(udpLen >> 8)
	frame[udpStart+5] = byte(udpLen)

	if raw := field(fields, "checksum"); raw != "" {
		n, err := codec.ParseNumeric(raw)
		if err != nil {
			return nil, fmt.Errorf("checksum: %w", err)
		}
		if n != 0 {
			frame[udpStart+6] = byte(n >> 8)
			frame[udpStart+7] = byte(n)
		}
	}

	finalizeIPv4(frame, len(eth))
	return frame, nil
}

// buildARP implements the "arp" protocol tag: a 14-byte Ethernet header
// (default dst broadcast, etherType 0806) followed by the ARP body, zero-
// padded to a 60-byte minimum frame. Accepts alternate key spellings for the
// sender/target address fields.
func buildARP(fields map[string]string, payload []byte) ([]byte, error) {
	eth, err := buildEthernetHeader(fields, broadcastMAC, etherTypeARPDefault)
	if err != nil {
		return nil, err
	}

	hwType, err := codec.ParseU16(withDefault(field(fields, "hwType", "hw_type"), "1"))
	if err != nil {
		return nil, fmt.Errorf("hwType: %w", err)
	}
	protoType, err := codec.ParseHex(withDefault(field(fields, "protoType", "proto_type"), etherTypeIPv4Default))
	if err != nil {
		return nil, fmt.Errorf("protoType: %w", err)
	}
	hwSize, err := codec.ParseU8(withDefault(field(fields, "hwSize", "hw_size"), "6"))
	if err != nil {
		return nil, fmt.Errorf("hwSize: %w", err)
	}
	protoSize, err := codec.ParseU8(withDefault(field(fields, "protoSize", "proto_size"), "4"))
	if err != nil {
		return nil, fmt.Errorf("protoSize: %w", err)
	}
	opcode, err := codec.ParseU16(withDefault(field(fields, "opcode"), "1"))
	if err != nil {
		return nil, fmt.Errorf("opcode: %w", err)
	}
	senderMAC, err := codec.ParseMAC(withDefault(field(fields, "senderMac", "senderMAC", "sender_mac"), "00:00:00:00:00:00"))
	if err != nil {
		return nil, fmt.Errorf("senderMac: %w", err)
	}
	senderIP, err := codec.ParseIPv4(field(fields, "senderIp", "senderIP", "sender_ip"))
	if err != nil {
		return nil, fmt.Errorf("senderIp: %w", err)
	}
	targetMAC, err := codec.ParseMAC(withDefault(field(fields, "targetMac", "targetMAC", "target_mac"), "00:00:00:00:00:00"))
	if err != nil {
		return nil, fmt.Errorf("targetMac: %w", err)
	}
	targetIP, err := codec.ParseIPv4(field(fields, "targetIp", "targetIP", "target_ip"))
	if err != nil {
		return nil, fmt.Errorf("targetIp: %w", err)
	}

	body := make([]byte, 0, 28)
	body = append(body, hwType...)
	body = append(body, protoType...)
	body = append(body, hwSize, protoSize)
	body = append(body, opcode...)
	body = append(body, senderMAC...)
	body = append(body, senderIP...)
	body = append(body, targetMAC...)
	body = append(body, targetIP...)

	frame := append(eth, body...)
	frame = append(frame, payload...)
	return padTo(frame, 60), nil
}

// buildICMP implements the "icmp" protocol tag: a "naked" 20-byte IPv4
// header (no Ethernet prefix — a deliberate deviation, see DESIGN.md)
// followed by an ICMP header and payload, with the ICMP checksum computed
// over the ICMP header plus payload.
func buildICMP(fields map[string]string, payload []byte) ([]byte, error) {
	ip, err := buildIPv4Header(fields, 1)
	if err != nil {
		return nil, err
	}

	icmpType, err := codec.ParseHex(withDefault(field(fields, "type"), "08"))
	if err != nil {
		return nil, fmt.Errorf("type: %w", err)
	}
	icmpCode, err := codec.ParseHex(withDefault(field(fields, "code"), "00"))
	if err != nil {
		return nil, fmt.Errorf("code: %w", err)
	}
	identifier, err := codec.ParseHex(withDefault(field(fields, "identifier"), "0000"))
	if err != nil {
		return nil, fmt.Errorf("identifier: %w", err)
	}
	sequence, err := codec.ParseHex(withDefault(field(fields, "sequence"), "0000"))
	if err != nil {
		return nil, fmt.Errorf("sequence: %w", err)
	}

	icmpHdr := make([]byte, 8)
	icmpHdr[0] = firstByte(icmpType)
	icmpHdr[1] = firstByte(icmpCode)
	// icmpHdr[2:4] checksum, filled below
	copy(icmpHdr[4:6], pad2(identifier))
	copy(icmpHdr[6:8], pad2(sequence))

	icmpSection := append(icmpHdr, payload...)
	sum := codec.InternetChecksum(icmpSection)
	icmpSection[2] = byte(sum >> 8)
	icmpSection[3] = byte(sum)

	frame := append(ip.bytes, icmpSection...)
	finalizeIPv4(frame, 0)
	return frame, nil
}

func firstByte(b []byte) byte {
	if len(b) == 0 {
		return 0
	}
	return b[len(b)-1]
}

func pad2(b []byte) []byte {
	if len(b) >= 2 {
		return b[len(b)-2:]
	}
	out := make([]byte, 2)
	copy(out[2-len(b):], b)
	return out
}
