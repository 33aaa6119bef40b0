package transport

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"

	ptp "github.com/ptpd/ptpd-sub004/ptp/protocol"
)

func TestMulticastGroupsMatchSpec(t *testing.T) {
	assert.True(t, GroupGeneral.Equal(net.IPv4(224, 0, 1, 129)))
	assert.True(t, GroupPeer.Equal(net.IPv4(224, 0, 0, 107)))
}

func TestDefaultTTLIsOne(t *testing.T) {
	assert.Equal(t, 1, DefaultTTL)
}

func TestNewRejectsWhenEventPortUnavailable(t *testing.T) {
	// occupy the event port first so New's ListenUDP call fails, exercising
	// the error-wrapping path without needing multicast-capable sandboxing.
	busy, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: ptp.PortEvent})
	if err != nil {
		t.Skip("cannot bind a UDP socket in this sandbox")
	}
	defer busy.Close()

	_, err = New(Config{Iface: &net.Interface{}})
	assert.Error(t, err)
}
