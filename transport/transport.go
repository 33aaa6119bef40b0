/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package transport implements the Transport collaborator of
// SPEC_FULL.md §6/§11.1: a pair of UDP/IPv4 multicast sockets (event port
// 319, general port 320) with kernel RX timestamp extraction, grounded on
// timestamp/timestamp.go and the socket setup shape of
// facebook-time/ptp/simpleclient/client.go's setup().
package transport

import (
	"fmt"
	"net"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/net/ipv4"
	"golang.org/x/sys/unix"

	ptp "github.com/ptpd/ptpd-sub004/ptp/protocol"
	"github.com/ptpd/ptpd-sub004/timeinternal"
	"github.com/ptpd/ptpd-sub004/timestamp"
)

// Multicast groups SPEC_FULL.md §6 names: 224.0.1.129 for all messages
// except peer-delay, 224.0.0.107 for peer-delay messages.
var (
	GroupGeneral = net.IPv4(224, 0, 1, 129)
	GroupPeer    = net.IPv4(224, 0, 0, 107)
)

// DefaultTTL is the multicast TTL SPEC_FULL.md §6 defaults to.
const DefaultTTL = 1

// TimestampingMode selects which of timestamp.go's Enable*Timestamps family
// to use on the event socket.
type TimestampingMode int

const (
	TimestampingAuto TimestampingMode = iota
	TimestampingHardware
	TimestampingSoftware
)

// Config configures the Transport's sockets.
type Config struct {
	Iface        *net.Interface
	TTL          int
	Timestamping TimestampingMode
	// PeerDelay selects the 224.0.0.107 group for the event socket
	// instead of 224.0.1.129, for ports running the peer delay mechanism.
	PeerDelay bool
}

// Received is one datagram read off either socket. Timestamp is the
// receive timestamp on the event socket; RecvGeneral leaves it zero.
type Received struct {
	Data      []byte
	Source    net.IP
	Timestamp timeinternal.TimeInternal
}

// Transport is the Transport collaborator SPEC_FULL.md §6 describes: a
// recv/send pair per port (319 event, 320 general) with timestamp capture
// on the event port.
type Transport struct {
	cfg Config

	eventConn   *net.UDPConn
	eventConnFd int
	generalConn *net.UDPConn

	eventGroupAddr *net.UDPAddr
}

// New opens and configures both sockets: joins the configured multicast
// groups, enables RX/TX timestamps on the event socket, and sets the
// configured TTL on outbound multicast traffic.
func New(cfg Config) (*Transport, error) {
	group := GroupGeneral
	if cfg.PeerDelay {
		group = GroupPeer
	}

	eventConn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: ptp.PortEvent})
	if err != nil {
		return nil, fmt.Errorf("binding event socket: %w", err)
	}
	generalConn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: ptp.PortGeneral})
	if err != nil {
		eventConn.Close()
		return nil, fmt.Errorf("binding general socket: %w", err)
	}

	t := &Transport{
		cfg:            cfg,
		eventConn:      eventConn,
		generalConn:    generalConn,
		eventGroupAddr: &net.UDPAddr{IP: group, Port: ptp.PortEvent},
	}

	if err := t.joinGroup(eventConn, group); err != nil {
		t.Close()
		return nil, err
	}
	if err := t.joinGroup(generalConn, GroupGeneral); err != nil {
		t.Close()
		return nil, err
	}

	ttl := cfg.TTL
	if ttl == 0 {
		ttl = DefaultTTL
	}
	if err := ipv4.NewPacketConn(eventConn).SetMulticastTTL(ttl); err != nil {
		t.Close()
		return nil, fmt.Errorf("setting event socket TTL: %w", err)
	}
	if err := ipv4.NewPacketConn(generalConn).SetMulticastTTL(ttl); err != nil {
		t.Close()
		return nil, fmt.Errorf("setting general socket TTL: %w", err)
	}

	connFd, err := timestamp.ConnFd(eventConn)
	if err != nil {
		t.Close()
		return nil, fmt.Errorf("getting event socket fd: %w", err)
	}
	t.eventConnFd = connFd

	if err := t.enableTimestamps(connFd); err != nil {
		t.Close()
		return nil, err
	}
	if err := unix.SetNonblock(connFd, false); err != nil {
		t.Close()
		return nil, fmt.Errorf("setting event socket blocking: %w", err)
	}

	return t, nil
}

func (t *Transport) joinGroup(conn *net.UDPConn, group net.IP) error {
	pc := ipv4.NewPacketConn(conn)
	if err := pc.JoinGroup(t.cfg.Iface, &net.UDPAddr{IP: group}); err != nil {
		return fmt.Errorf("joining multicast group %s: %w", group, err)
	}
	return nil
}

func (t *Transport) enableTimestamps(connFd int) error {
	switch t.cfg.Timestamping {
	case TimestampingHardware:
		return timestamp.EnableHWTimestamps(connFd, t.cfg.Iface)
	case TimestampingSoftware:
		return timestamp.EnableSWTimestamps(connFd)
	default:
		if err := timestamp.EnableHWTimestamps(connFd, t.cfg.Iface); err != nil {
			log.Warnf("hardware timestamps unavailable on %s, falling back to software: %v", t.cfg.Iface.Name, err)
			return timestamp.EnableSWTimestamps(connFd)
		}
		return nil
	}
}

// RecvEvent blocks for the next datagram on the event socket (319),
// returning it with its kernel RX timestamp. If the kernel did not attach
// one, the transport synthesizes one immediately after the read, per
// SPEC_FULL.md §6.
func (t *Transport) RecvEvent() (Received, error) {
	data, sa, ts, err := timestamp.ReadPacketWithRXTimestamp(t.eventConnFd)
	if err != nil && len(data) == 0 {
		return Received{}, fmt.Errorf("reading event socket: %w", err)
	}
	// a datagram was read but carried no usable kernel timestamp
	if err != nil || ts.IsZero() {
		ts = time.Now()
	}
	return Received{Data: data, Source: timestamp.SockaddrToIP(sa), Timestamp: timeinternal.FromUnixNano(ts.UnixNano())}, nil
}

// RecvGeneral blocks for the next datagram on the general socket (320).
// General messages carry no PTP-meaningful receive timestamp.
func (t *Transport) RecvGeneral(buf []byte) (Received, error) {
	n, addr, err := t.generalConn.ReadFromUDP(buf)
	if err != nil {
		return Received{}, fmt.Errorf("reading general socket: %w", err)
	}
	return Received{Data: buf[:n], Source: addr.IP}, nil
}

// SendEvent writes buf to the event multicast group and returns the TX
// timestamp captured from the kernel's error queue, falling back to a
// timestamp taken immediately after the write if none arrives.
func (t *Transport) SendEvent(buf []byte) (timeinternal.TimeInternal, error) {
	if _, err := t.eventConn.WriteToUDP(buf, t.eventGroupAddr); err != nil {
		return timeinternal.TimeInternal{}, fmt.Errorf("writing event socket: %w", err)
	}
	ts, _, err := timestamp.ReadTXtimestamp(t.eventConnFd)
	if err != nil || ts.IsZero() {
		ts = time.Now()
	}
	return timeinternal.FromUnixNano(ts.UnixNano()), nil
}

// SendGeneral writes buf to the general multicast group. General messages
// are not timestamped.
func (t *Transport) SendGeneral(buf []byte) error {
	dest := &net.UDPAddr{IP: GroupGeneral, Port: ptp.PortGeneral}
	if _, err := t.generalConn.WriteToUDP(buf, dest); err != nil {
		return fmt.Errorf("writing general socket: %w", err)
	}
	return nil
}

// Close releases both sockets.
func (t *Transport) Close() error {
	var firstErr error
	if t.eventConn != nil {
		if err := t.eventConn.Close(); err != nil {
			firstErr = err
		}
	}
	if t.generalConn != nil {
		if err := t.generalConn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
