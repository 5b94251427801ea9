package rawlink

import (
	"errors"
	"net"
	"strings"
	"testing"

	"github.com/google/gopacket/pcap"
	"github.com/stretchr/testify/require"
)

func TestResolveMAC_UnknownInterface(t *testing.T) {
	require.Equal(t, "", resolveMAC("no-such-interface-xyz"))
}

func TestPermissionHintError_MentionsPrivileges(t *testing.T) {
	err := permissionHintError("eth0", errors.New("operation not permitted"))
	require.Error(t, err)
	require.Contains(t, err.Error(), "eth0")
	require.Contains(t, strings.ToLower(err.Error()), "privilege")
}

func TestIsLoopback(t *testing.T) {
	require.False(t, isLoopback(pcap.Interface{Name: "eth0"}))
	require.True(t, isLoopback(pcap.Interface{
		Name:      "lo",
		Addresses: []pcap.InterfaceAddress{{IP: net.ParseIP("127.0.0.1")}},
	}))
}
