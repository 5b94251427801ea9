// Package rawlink owns the live pcap handle: opening a named interface for
// raw transmit, and enumerating devices for the interface inventory. Every
// operational failure here is permission-related, so error messages always
// carry a remediation hint (see Open).
package rawlink

import (
	"fmt"
	"net"
	"time"

	"github.com/google/gopacket/pcap"
)

const (
	snapLen = 65535
)

// Sender is the contract a raw-frame transmitter needs: open a device, write
// a frame, close. Implemented by *Handle; tests substitute a fake.
type Sender interface {
	Send(b []byte) error
	Close() error
}

// Handle is an opaque, exclusively-owned live-capture/send descriptor on a
// named link. Not safe for concurrent use from more than one goroutine —
// each sustained-send worker opens its own Handle (see transmitter).
type Handle struct {
	iface string
	h     *pcap.Handle
}

// Open resolves device iface, configures promiscuous mode and a 65535-byte
// snap length, and activates it for both read and write. Any failure here is
// almost always a privilege problem, so the returned error says so.
func Open(iface string) (*Handle, error) {
	inactive, err := pcap.NewInactiveHandle(iface)
	if err != nil {
		return nil, permissionHintError(iface, fmt.Errorf("create inactive handle: %w", err))
	}
	defer inactive.CleanUp()

	if err := inactive.SetSnapLen(snapLen); err != nil {
		return nil, permissionHintError(iface, fmt.Errorf("set snap length: %w", err))
	}
	if err := inactive.SetPromisc(true); err != nil {
		return nil, permissionHintError(iface, fmt.Errorf("set promiscuous mode: %w", err))
	}
	if err := inactive.SetTimeout(time.Second); err != nil {
		return nil, permissionHintError(iface, fmt.Errorf("set timeout: %w", err))
	}

	h, err := inactive.Activate()
	if err != nil {
		return nil, permissionHintError(iface, fmt.Errorf("activate handle: %w", err))
	}
	return &Handle{iface: iface, h: h}, nil
}

// Send writes a single raw frame to the wire.
func (h *Handle) Send(b []byte) error {
	if err := h.h.WritePacketData(b); err != nil {
		return permissionHintError(h.iface, fmt.Errorf("write packet data: %w", err))
	}
	return nil
}

// Close releases the underlying pcap handle.
func (h *Handle) Close() error {
	h.h.Close()
	return nil
}

// permissionHintError wraps err with a remediation hint: every operational
// failure opening or writing to a raw link is permission-related.
func permissionHintError(iface string, err error) error {
	return fmt.Errorf("interface %q: %w (hint: raw packet I/O requires elevated privileges — run as root or grant CAP_NET_RAW/CAP_NET_ADMIN)", iface, err)
}

// InterfaceInfo describes one enumerated device for get_network_interfaces.
type InterfaceInfo struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	MAC         string   `json:"mac,omitempty"`
	Addresses   []string `json:"addresses"`
}

// ListInterfaces enumerates live-capture devices and resolves each one's MAC
// address by matching the pcap device name against net.Interface.Name (the
// "generic by-name lookup"). This lookup is used on every platform; there is
// no GUID-keyed adapter-table lookup.
func ListInterfaces() ([]InterfaceInfo, error) {
	devs, err := pcap.FindAllDevs()
	if err != nil {
		return nil, fmt.Errorf("enumerate devices: %w", err)
	}

	out := make([]InterfaceInfo, 0, len(devs))
	for _, d := range devs {
		info := InterfaceInfo{
			Name:        d.Name,
			Description: d.Description,
			Addresses:   make([]string, 0, len(d.Addresses)),
		}
		for _, a := range d.Addresses {
			if a.IP != nil {
				info.Addresses = append(info.Addresses, a.IP.String())
			}
		}
		info.MAC = resolveMAC(d.Name)
		out = append(out, info)
	}
	return out, nil
}

// resolveMAC is the generic, non-Windows MAC lookup: match by interface name.
func resolveMAC(name string) string {
	ifi, err := net.InterfaceByName(name)
	if err != nil || ifi.HardwareAddr == nil {
		return ""
	}
	return ifi.HardwareAddr.String()
}

// PickInterface resolves a send target: the named interface if non-empty,
// else the first non-loopback device, else device[0]. Mirrors the one-shot
// send resolution policy in spec.md §4.4.
func PickInterface(name string) (string, error) {
	if name != "" {
		return name, nil
	}
	devs, err := pcap.FindAllDevs()
	if err != nil {
		return "", fmt.Errorf("enumerate devices: %w", err)
	}
	if len(devs) == 0 {
		return "", fmt.Errorf("no network interfaces available")
	}
	for _, d := range devs {
		if !isLoopback(d) {
			return d.Name, nil
		}
	}
	return devs[0].Name, nil
}

// isLoopback reports whether d looks like a loopback device, judged from its
// advertised addresses (pcap's own loopback flag bit varies across libpcap
// versions, so this checks the more portable signal).
func isLoopback(d pcap.Interface) bool {
	for _, a := range d.Addresses {
		if a.IP != nil && a.IP.IsLoopback() {
			return true
		}
	}
	return false
}
