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

// Package orchestrator implements the single-threaded cooperative core
// loop of SPEC_FULL.md §5: it owns the Port state machine and the
// PtpClock aggregate exclusively, and is the only task that ever calls
// into the OS clock collaborator. Two reader goroutines (event socket,
// general socket) feed bounded channels; the core loop itself is a single
// select over those channels and a timer bounded by the nearest timer
// expiry, matching the read-then-dispatch-one-message shape
// `ptp/sptp/client/sptp.go`'s RunListener/runInternal split uses, wired to
// our own Port/BMC/servo rather than sptp's unicast client state.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/ptpd/ptpd-sub004/osclock"
	"github.com/ptpd/ptpd-sub004/port"
	ptp "github.com/ptpd/ptpd-sub004/ptp/protocol"
	"github.com/ptpd/ptpd-sub004/timeinternal"
	"github.com/ptpd/ptpd-sub004/transport"
)

// maxDatagramSize bounds a single read, matching the teacher's
// timestamp.PayloadSizeBytes sizing for PTP event/general datagrams.
const maxDatagramSize = 128

// backlog bounds how many decoded-pending datagrams a reader goroutine may
// queue ahead of the core loop, enforcing §5's "at most one pending
// message per iteration" latency bound: a full channel makes the reader
// block rather than pile up unbounded memory.
const backlog = 8

// received is one datagram handed from a reader goroutine to the core
// loop, already copied out of the reader's reusable buffer.
type received struct {
	data []byte
	rx   timeinternal.TimeInternal
}

// Transport is the subset of *transport.Transport the orchestrator drives,
// narrowed to an interface the way ptp/sptp/client's UDPConnWithTS/
// UDPConnNoTS narrow their socket types, so tests can inject a fake
// without opening real sockets.
type Transport interface {
	RecvEvent() (transport.Received, error)
	RecvGeneral(buf []byte) (transport.Received, error)
	SendEvent(buf []byte) (timeinternal.TimeInternal, error)
	SendGeneral(buf []byte) error
	Close() error
}

// Stats is the narrow counter surface the core loop records against,
// matching the subset of stats.StatsServer the orchestrator itself drives
// (per-message rx/tx counts and the current port state); satisfied by
// *stats.Stats without the orchestrator importing the stats package's HTTP
// server machinery.
type Stats interface {
	IncRXAnnounce()
	IncRXSync()
	IncRXFollowUp()
	IncRXDelayReq()
	IncRXDelayResp()
	IncRXPdelayReq()
	IncRXPdelayResp()
	IncTXAnnounce()
	IncTXSync()
	IncTXDelayReq()
	SetPortState(state int)
}

// noopStats discards every call, used when no Stats collaborator is wired.
type noopStats struct{}

func (noopStats) IncRXAnnounce()       {}
func (noopStats) IncRXSync()           {}
func (noopStats) IncRXFollowUp()       {}
func (noopStats) IncRXDelayReq()       {}
func (noopStats) IncRXDelayResp()      {}
func (noopStats) IncRXPdelayReq()      {}
func (noopStats) IncRXPdelayResp()     {}
func (noopStats) IncTXAnnounce()       {}
func (noopStats) IncTXSync()           {}
func (noopStats) IncTXDelayReq()       {}
func (noopStats) SetPortState(int)     {}

// Orchestrator is the core loop described above. readiness waits happen
// in the reader goroutines; the loop itself never blocks on I/O directly.
type Orchestrator struct {
	port      *port.Port
	transport Transport
	device    osclock.Device
	stats     Stats

	// idlePoll bounds how long the core loop's select waits when no timer
	// is running (only possible before Initialize or after Fault), so
	// ctx cancellation is still observed promptly.
	idlePoll time.Duration
}

// New builds an Orchestrator over its already-constructed collaborators:
// the Port state machine, the Transport it reads/writes, and the OS clock
// device the servo's samples are applied to. Counters are discarded until
// SetStats wires a real collaborator.
func New(p *port.Port, tr Transport, device osclock.Device) *Orchestrator {
	return &Orchestrator{port: p, transport: tr, device: device, stats: noopStats{}, idlePoll: time.Second}
}

// SetStats wires the counters the core loop records rx/tx/state-change
// events against; cmd/ptpd calls this once at startup before Run.
func (o *Orchestrator) SetStats(st Stats) {
	o.stats = st
}

// Run drives the core loop until ctx is cancelled (SIGTERM/SIGINT
// translated into cancellation by the caller, per §9's design note) or a
// transport read fails fatally, at which point the port is forced FAULTY
// and Run returns the triggering error. It calls Initialize once at
// startup, per SPEC_FULL.md §4.5's INITIALIZING -> LISTENING transition.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.port.Initialize()

	eventCh := make(chan received, backlog)
	generalCh := make(chan received, backlog)

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error { return o.readEventLoop(egCtx, eventCh) })
	eg.Go(func() error { return o.readGeneralLoop(egCtx, generalCh) })
	eg.Go(func() error { return o.coreLoop(egCtx, eventCh, generalCh) })
	eg.Go(func() error {
		// unblocks the two blocking socket reads above on shutdown or on a
		// fault in any other goroutine, by closing the sockets out from
		// under them; §5's "calls the transport shutdown" step.
		<-egCtx.Done()
		return o.transport.Close()
	})

	err := eg.Wait()
	if ctx.Err() != nil {
		// deliberate shutdown (SIGTERM/SIGINT translated upstream): drain
		// timers, send nothing further, return cleanly per §5.
		return nil
	}
	log.WithError(err).Error("transport fault, forcing port FAULTY")
	o.port.Fault()
	return err
}

func (o *Orchestrator) readEventLoop(ctx context.Context, out chan<- received) error {
	for {
		r, err := o.transport.RecvEvent()
		if err != nil {
			return fmt.Errorf("reading event socket: %w", err)
		}
		select {
		case out <- received{data: r.Data, rx: r.Timestamp}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (o *Orchestrator) readGeneralLoop(ctx context.Context, out chan<- received) error {
	buf := make([]byte, maxDatagramSize)
	for {
		r, err := o.transport.RecvGeneral(buf)
		if err != nil {
			return fmt.Errorf("reading general socket: %w", err)
		}
		data := make([]byte, len(r.Data))
		copy(data, r.Data)
		select {
		case out <- received{data: data}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// coreLoop is the single task that ever touches the Port state machine or
// the OS clock, per §5's ownership rule. Each iteration waits on the
// readiness of either channel bounded by the nearest timer expiry,
// services any expired timers, then dispatches at most one message.
func (o *Orchestrator) coreLoop(ctx context.Context, eventCh, generalCh <-chan received) error {
	timerC := time.NewTimer(o.waitDuration())
	defer timerC.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case r := <-eventCh:
			o.apply(o.port.Tick(time.Now()))
			o.handle(r)
			resetTimer(timerC, o.waitDuration())

		case r := <-generalCh:
			o.apply(o.port.Tick(time.Now()))
			o.handle(r)
			resetTimer(timerC, o.waitDuration())

		case now := <-timerC.C:
			o.apply(o.port.Tick(now))
			resetTimer(timerC, o.waitDuration())
		}
	}
}

func (o *Orchestrator) waitDuration() time.Duration {
	if d, ok := o.port.NextTimerExpiry(); ok {
		if d <= 0 {
			return time.Millisecond
		}
		return d
	}
	return o.idlePoll
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}

func (o *Orchestrator) handle(r received) {
	now := time.Now()
	o.countRX(r.data)
	result, err := o.port.Handle(now, r.data, r.rx)
	if err != nil {
		log.WithError(err).Warn("discarding malformed message")
		return
	}
	o.apply(result)
	o.stats.SetPortState(int(o.port.State()))
}

// countRX classifies an inbound datagram for the rx counters. It decodes
// the packet independently of Port.Handle's own decode, since Result
// carries no message-type metadata back to the caller; a failed decode
// here is silently skipped, Port.Handle reports the same failure to the
// caller via its own error return.
func (o *Orchestrator) countRX(data []byte) {
	pkt, err := ptp.DecodePacket(data)
	if err != nil {
		return
	}
	switch m := pkt.(type) {
	case *ptp.Announce:
		o.stats.IncRXAnnounce()
	case *ptp.SyncDelayReq:
		if m.MessageType() == ptp.MessageSync {
			o.stats.IncRXSync()
		} else {
			o.stats.IncRXDelayReq()
		}
	case *ptp.FollowUp:
		o.stats.IncRXFollowUp()
	case *ptp.DelayResp:
		o.stats.IncRXDelayResp()
	case *ptp.PDelayReq:
		o.stats.IncRXPdelayReq()
	case *ptp.PDelayResp, *ptp.PDelayRespFollowUp:
		o.stats.IncRXPdelayResp()
	}
}

// apply writes a Result's outbound messages to the transport and pushes
// any servo sample to the OS clock, the boundary between the pure Port
// state machine and the collaborators it has no direct access to.
func (o *Orchestrator) apply(result port.Result) {
	for _, out := range result.Outbound {
		var err error
		switch out.Channel {
		case port.ChannelEvent:
			_, err = o.transport.SendEvent(out.Data)
			o.countTX(out.Data)
		case port.ChannelGeneral:
			err = o.transport.SendGeneral(out.Data)
			o.countTX(out.Data)
		}
		if err != nil {
			log.WithError(err).Warn("send failed")
		}
	}
	if result.Clock != nil {
		if err := osclock.Apply(o.device, *result.Clock); err != nil {
			log.WithError(err).Warn("clock adjust fault")
		}
	}
}

// countTX classifies an outbound datagram for the tx counters, the
// transmit-side counterpart to countRX.
func (o *Orchestrator) countTX(data []byte) {
	pkt, err := ptp.DecodePacket(data)
	if err != nil {
		return
	}
	switch m := pkt.(type) {
	case *ptp.Announce:
		o.stats.IncTXAnnounce()
	case *ptp.SyncDelayReq:
		if m.MessageType() == ptp.MessageSync {
			o.stats.IncTXSync()
		} else {
			o.stats.IncTXDelayReq()
		}
	}
}
