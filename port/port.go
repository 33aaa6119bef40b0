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

// Package port implements the PTP port state machine of SPEC_FULL.md §4.5:
// the per-state event handlers driving Announce/Sync/Follow_Up/Delay_Req/
// Delay_Resp (and their P2P peer-delay counterparts), wired to bmc,
// datasets, foreignmaster, servo and timer. Dispatch is a
// (MessageType, PortState) -> handler table per the §9 design note, rather
// than the source daemon's single nested switch.
package port

import (
	"encoding/binary"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/ptpd/ptpd-sub004/bmc"
	"github.com/ptpd/ptpd-sub004/datasets"
	"github.com/ptpd/ptpd-sub004/foreignmaster"
	ptp "github.com/ptpd/ptpd-sub004/ptp/protocol"
	"github.com/ptpd/ptpd-sub004/servo"
	"github.com/ptpd/ptpd-sub004/timeinternal"
	"github.com/ptpd/ptpd-sub004/timer"
)

// Channel selects which of the transport's two sockets an Outbound message
// is written to.
type Channel int

const (
	ChannelEvent Channel = iota
	ChannelGeneral
)

// Outbound is one message the orchestrator must hand to the transport.
type Outbound struct {
	Channel Channel
	Data    []byte
}

// Result is everything a single Port call (Tick or Handle*) produced: zero
// or more outbound messages, and optionally a servo sample ready to apply
// to the OS clock.
type Result struct {
	Outbound []Outbound
	Clock    *servo.Result
}

func (r *Result) emit(ch Channel, data []byte) {
	r.Outbound = append(r.Outbound, Outbound{Channel: ch, Data: data})
}

func merge(dst *Result, src Result) {
	dst.Outbound = append(dst.Outbound, src.Outbound...)
	if src.Clock != nil {
		dst.Clock = src.Clock
	}
}

// Config holds the per-port tunables SPEC_FULL.md §6 exposes: the interval
// timers (expressed already as durations, the config package's job is the
// 2^logInterval conversion), the announce-receipt-timeout multiplier, the
// two-step/delay-mechanism selection and the servo's own configuration.
type Config struct {
	AnnounceInterval       time.Duration
	SyncInterval           time.Duration
	DelayReqInterval       time.Duration
	PdelayReqInterval      time.Duration
	AnnounceReceiptTimeout uint8
	TwoStepFlag            bool
	DelayMechanism         datasets.DelayMechanism
	ServoConfig            servo.Config

	// QualificationTimeout holds a newly-elected master in PRE_MASTER
	// (SPEC_FULL.md §4.5) before it starts acting as MASTER. Zero promotes
	// immediately on the next Tick.
	QualificationTimeout time.Duration

	// MaxDelay discards a resolved meanPathDelay/peerMeanPathDelay sample
	// outright, before it ever reaches the servo, when it exceeds this
	// threshold (SPEC_FULL.md §6's maxDelay). Zero disables the check.
	MaxDelay time.Duration
	// InboundLatency and OutboundLatency compensate for a fixed,
	// pre-measured asymmetry between this port's timestamping point and
	// the wire (SPEC_FULL.md §6): InboundLatency is added to every
	// receive timestamp, OutboundLatency to every transmit timestamp,
	// before either reaches the offset/delay computation.
	InboundLatency  timeinternal.TimeInternal
	OutboundLatency timeinternal.TimeInternal
}

// DefaultConfig returns the interval defaults SPEC_FULL.md §6 calls out:
// a 1 second Sync/Delay_Req interval, 2 second Announce interval, and the
// announceReceiptTimeout multiplier of 6.
func DefaultConfig() Config {
	return Config{
		AnnounceInterval:       2 * time.Second,
		SyncInterval:           time.Second,
		DelayReqInterval:       time.Second,
		PdelayReqInterval:      time.Second,
		AnnounceReceiptTimeout: 6,
		QualificationTimeout:   4 * time.Second,
		ServoConfig:            servo.DefaultConfig(),
	}
}

// pendingSync tracks a two-step Sync awaiting its matching Follow_Up.
type pendingSync struct {
	valid      bool
	sequenceID uint16
	t2         timeinternal.TimeInternal
}

// pendingDelayReq tracks an outstanding Delay_Req awaiting its Delay_Resp.
type pendingDelayReq struct {
	valid      bool
	sequenceID uint16
	t3         timeinternal.TimeInternal
}

// pendingPdelayReq tracks an outstanding PDelay_Req awaiting both halves of
// the responder's reply.
type pendingPdelayReq struct {
	valid      bool
	sequenceID uint16
	t1         timeinternal.TimeInternal
	t2         timeinternal.TimeInternal
	t4         timeinternal.TimeInternal
	haveT4     bool
}

// Port is a single ordinary-clock PTP port: the state machine plus its
// collaborators. It owns no I/O; Tick and the Handle* methods are pure
// functions of (state, input) -> (new state, Result), matching SPEC_FULL.md
// §5's single-threaded, non-blocking core.
type Port struct {
	cfg     Config
	clock   *datasets.PtpClock
	foreign *foreignmaster.Table
	servo   *servo.Servo
	timers  *timer.Set

	sync      pendingSync
	delayReq  pendingDelayReq
	pdelayReq pendingPdelayReq
}

// New builds a Port over the given collaborators, all owned exclusively by
// the orchestrator and shared with no other task (SPEC_FULL.md §5).
func New(cfg Config, clock *datasets.PtpClock, foreign *foreignmaster.Table, sv *servo.Servo, timers *timer.Set) *Port {
	return &Port{cfg: cfg, clock: clock, foreign: foreign, servo: sv, timers: timers}
}

// Initialize moves the port from INITIALIZING to LISTENING once the
// transport and clock collaborators are ready, and arms the AnnounceReceipt
// timer (SPEC_FULL.md §4.5).
func (p *Port) Initialize() {
	p.clock.Port.PortState = ptp.PortStateListening
	p.timers.Start(timer.AnnounceReceipt, p.announceReceiptTimeout())
}

// Fault forces the port to FAULTY and stops every timer, the "any ->
// transport fault -> FAULTY" transition.
func (p *Port) Fault() {
	p.clock.Port.PortState = ptp.PortStateFaulty
	p.timers.StopAll()
}

func (p *Port) announceReceiptTimeout() time.Duration {
	mult := float64(p.cfg.AnnounceReceiptTimeout) * (1 + p.clock.R)
	return time.Duration(mult * float64(p.cfg.AnnounceInterval))
}

// State returns the port's current PTP state.
func (p *Port) State() ptp.PortState {
	return p.clock.Port.PortState
}

// NextTimerExpiry reports the shortest remaining duration across the
// port's timers, letting the orchestrator bound its readiness wait
// without reaching into the timer set directly (SPEC_FULL.md §5).
func (p *Port) NextTimerExpiry() (time.Duration, bool) {
	return p.timers.NextExpiry()
}

// Tick services every timer that expired since the previous Tick, in
// timer-id order (PdelayReq, DelayReq, Sync, AnnounceReceipt,
// AnnounceInterval, Qualification), per SPEC_FULL.md §5.
func (p *Port) Tick(now time.Time) Result {
	p.timers.Tick(now)
	var result Result

	if p.cfg.DelayMechanism == datasets.DelayMechanismP2P && p.timers.Expired(timer.PdelayReq) {
		merge(&result, p.emitPdelayReq(now))
	}
	if p.cfg.DelayMechanism == datasets.DelayMechanismE2E && p.timers.Expired(timer.DelayReq) {
		merge(&result, p.emitDelayReq(now))
	}
	if p.timers.Expired(timer.Sync) {
		merge(&result, p.emitSync(now))
	}
	if p.timers.Expired(timer.AnnounceReceipt) {
		merge(&result, p.handleAnnounceReceiptTimeout(now))
	}
	if p.timers.Expired(timer.AnnounceInterval) {
		merge(&result, p.emitAnnounce(now))
	}
	if p.timers.Expired(timer.Qualification) {
		merge(&result, p.handleQualificationTimeout(now))
	}
	return result
}

// Handle decodes one received datagram off the event or general socket and
// routes it to the matching handler, the (MessageType, PortState) dispatch
// table of SPEC_FULL.md §9's design note. Unknown or malformed messages are
// reported as an error for the caller to log at warn per §10.1; an
// unrecognized-but-decodable combination (wrong state, wrong sender) is a
// routine silent discard handled inside each Handle* method.
func (p *Port) Handle(now time.Time, raw []byte, rx timeinternal.TimeInternal) (Result, error) {
	pkt, err := ptp.DecodePacket(raw)
	if err != nil {
		return Result{}, fmt.Errorf("decoding packet: %w", err)
	}
	switch m := pkt.(type) {
	case *ptp.Announce:
		return p.HandleAnnounce(now, m.Header, m.AnnounceBody), nil
	case *ptp.SyncDelayReq:
		if m.MessageType() == ptp.MessageSync {
			return p.HandleSync(now, m.Header, m.SyncDelayReqBody, rx), nil
		}
		return p.handleDelayReq(now, m.Header), nil
	case *ptp.FollowUp:
		return p.HandleFollowUp(m.Header, m.FollowUpBody), nil
	case *ptp.DelayResp:
		return p.HandleDelayResp(m.Header, m.DelayRespBody), nil
	case *ptp.PDelayReq:
		return p.HandlePdelayReq(now, m.Header, rx), nil
	case *ptp.PDelayResp:
		return p.HandlePdelayResp(m.Header, m.PDelayRespBody, rx), nil
	case *ptp.PDelayRespFollowUp:
		return p.HandlePdelayRespFollowUp(m.Header, m.PDelayRespFollowUpBody), nil
	default:
		return Result{}, nil
	}
}

func (p *Port) newHeader(msgType ptp.MessageType, seq uint16, twoStep bool, logInterval ptp.LogInterval) ptp.Header {
	var flags uint16
	if twoStep {
		flags |= ptp.FlagTwoStep
	}
	return ptp.Header{
		SdoIDAndMsgType:    ptp.NewSdoIDAndMsgType(msgType, 0),
		Version:            ptp.Version,
		DomainNumber:       p.clock.Default.DomainNumber,
		FlagField:          flags,
		SourcePortIdentity: p.clock.Port.PortIdentity,
		SequenceID:         seq,
		LogMessageInterval: logInterval,
	}
}

// MASTER event handling (SPEC_FULL.md §4.5): emit Announce on the
// Announce timer.
func (p *Port) emitAnnounce(now time.Time) Result {
	var result Result
	if p.clock.Port.PortState != ptp.PortStateMaster {
		return result
	}
	seq := p.clock.Sequences.NextAnnounce()
	logInterval, _ := ptp.NewLogInterval(p.cfg.AnnounceInterval)
	msg := &ptp.Announce{
		Header: p.newHeader(ptp.MessageAnnounce, seq, false, logInterval),
		AnnounceBody: ptp.AnnounceBody{
			OriginTimestamp:         ptp.NewTimestamp(now),
			CurrentUTCOffset:        p.clock.TimeProperties.CurrentUTCOffset,
			GrandmasterPriority1:    p.clock.Parent.GrandmasterPriority1,
			GrandmasterClockQuality: p.clock.Parent.GrandmasterClockQuality,
			GrandmasterPriority2:    p.clock.Parent.GrandmasterPriority2,
			GrandmasterIdentity:     p.clock.Parent.GrandmasterIdentity,
			StepsRemoved:            p.clock.Current.StepsRemoved,
			TimeSource:              p.clock.TimeProperties.TimeSource,
		},
	}
	msg.MessageLength = uint16(binary.Size(ptp.Header{}) + binary.Size(ptp.AnnounceBody{}))
	data, err := ptp.Bytes(msg)
	if err != nil {
		log.WithError(err).Error("marshaling announce")
		return result
	}
	result.emit(ChannelGeneral, data)
	return result
}

// emitSync emits Sync (and, if two-step, a trailing Follow_Up) on the Sync
// timer, MASTER only.
func (p *Port) emitSync(now time.Time) Result {
	var result Result
	if p.clock.Port.PortState != ptp.PortStateMaster {
		return result
	}
	seq := p.clock.Sequences.NextSync()
	logInterval, _ := ptp.NewLogInterval(p.cfg.SyncInterval)

	sync := &ptp.SyncDelayReq{
		Header: p.newHeader(ptp.MessageSync, seq, p.cfg.TwoStepFlag, logInterval),
	}
	if !p.cfg.TwoStepFlag {
		sync.OriginTimestamp = ptp.NewTimestamp(now)
	}
	sync.MessageLength = uint16(binary.Size(ptp.Header{}) + binary.Size(ptp.SyncDelayReqBody{}))
	data, err := ptp.Bytes(sync)
	if err != nil {
		log.WithError(err).Error("marshaling sync")
		return result
	}
	result.emit(ChannelEvent, data)

	if p.cfg.TwoStepFlag {
		followUp := &ptp.FollowUp{
			Header: p.newHeader(ptp.MessageFollowUp, seq, false, logInterval),
			FollowUpBody: ptp.FollowUpBody{
				PreciseOriginTimestamp: ptp.NewTimestamp(now),
			},
		}
		followUp.MessageLength = uint16(binary.Size(ptp.Header{}) + binary.Size(ptp.FollowUpBody{}))
		fdata, err := ptp.Bytes(followUp)
		if err != nil {
			log.WithError(err).Error("marshaling follow_up")
			return result
		}
		result.emit(ChannelGeneral, fdata)
	}
	return result
}

// handleDelayReq answers a Delay_Req with a Delay_Resp carrying its own
// receive timestamp, MASTER only.
func (p *Port) handleDelayReq(now time.Time, header ptp.Header) Result {
	var result Result
	if p.clock.Port.PortState != ptp.PortStateMaster {
		return result
	}
	resp := &ptp.DelayResp{
		Header: p.newHeader(ptp.MessageDelayResp, header.SequenceID, false, ptp.MgmtLogMessageInterval),
		DelayRespBody: ptp.DelayRespBody{
			ReceiveTimestamp:       ptp.NewTimestamp(now),
			RequestingPortIdentity: header.SourcePortIdentity,
		},
	}
	resp.MessageLength = uint16(binary.Size(ptp.Header{}) + binary.Size(ptp.DelayRespBody{}))
	data, err := ptp.Bytes(resp)
	if err != nil {
		log.WithError(err).Error("marshaling delay_resp")
		return result
	}
	result.emit(ChannelGeneral, data)
	return result
}

// SLAVE/UNCALIBRATED event handling: emit Delay_Req on the DelayReq timer.
func (p *Port) emitDelayReq(now time.Time) Result {
	var result Result
	state := p.clock.Port.PortState
	if state != ptp.PortStateSlave && state != ptp.PortStateUncalibrated {
		return result
	}
	seq := p.clock.Sequences.NextDelayReq()
	req := &ptp.SyncDelayReq{
		Header: p.newHeader(ptp.MessageDelayReq, seq, false, ptp.MgmtLogMessageInterval),
	}
	req.MessageLength = uint16(binary.Size(ptp.Header{}) + binary.Size(ptp.SyncDelayReqBody{}))
	data, err := ptp.Bytes(req)
	if err != nil {
		log.WithError(err).Error("marshaling delay_req")
		return result
	}
	result.emit(ChannelEvent, data)
	t3 := timeinternal.FromUnixNano(now.UnixNano()).Add(p.cfg.OutboundLatency)
	p.delayReq = pendingDelayReq{valid: true, sequenceID: seq, t3: t3}
	return result
}

// HandleSync consumes a Sync from the current parent, capturing its
// receive timestamp. One-step Syncs compute the offset immediately from
// the embedded origin timestamp; two-step Syncs wait for the matching
// Follow_Up.
func (p *Port) HandleSync(now time.Time, header ptp.Header, body ptp.SyncDelayReqBody, rx timeinternal.TimeInternal) Result {
	var result Result
	state := p.clock.Port.PortState
	if state != ptp.PortStateSlave && state != ptp.PortStateUncalibrated {
		return result
	}
	if !p.fromParent(header.SourcePortIdentity) {
		return result
	}

	rx = rx.Add(p.cfg.InboundLatency)

	if header.FlagField&ptp.FlagTwoStep != 0 {
		p.sync = pendingSync{valid: true, sequenceID: header.SequenceID, t2: rx}
		p.clock.WaitingForFollow = true
		return result
	}

	t1 := timeinternal.FromUnixNano(body.OriginTimestamp.Time().UnixNano())
	return p.feedOffset(t1, rx)
}

// HandleFollowUp consumes a Follow_Up matching the pending two-step Sync,
// feeding the servo with (t1, t2).
func (p *Port) HandleFollowUp(header ptp.Header, body ptp.FollowUpBody) Result {
	var result Result
	if !p.clock.WaitingForFollow || !p.sync.valid || header.SequenceID != p.sync.sequenceID {
		return result
	}
	if !p.fromParent(header.SourcePortIdentity) {
		return result
	}
	t1 := timeinternal.FromUnixNano(body.PreciseOriginTimestamp.Time().UnixNano())
	t2 := p.sync.t2
	p.clock.WaitingForFollow = false
	p.sync = pendingSync{}
	return p.feedOffset(t1, t2)
}

// feedOffset computes masterToSlaveDelay, combines it with the last
// captured slaveToMasterDelay (if any), filters both, and runs the servo.
// SPEC_FULL.md §4.6's offset computation assumes a full (t1..t4) quadruple;
// until the matching Delay_Resp lands, only masterToSlaveDelay is known and
// no sample is fed.
func (p *Port) feedOffset(t1, t2 timeinternal.TimeInternal) Result {
	var result Result
	p.clock.LastTimestamps.SyncReceiveTime = t2
	p.clock.LastTimestamps.MasterToSlaveDelay = t2.Sub(t1)

	if p.clock.LastTimestamps.DelayResponseReceiveTime.IsZero() && p.clock.LastTimestamps.DelayReqSendTime.IsZero() {
		return result
	}
	return p.runServo()
}

// HandleDelayResp consumes a Delay_Resp matching the outstanding Delay_Req
// by both sequenceId and requestingPortIdentity, completing the (t1..t4)
// quadruple and running the servo.
func (p *Port) HandleDelayResp(header ptp.Header, body ptp.DelayRespBody) Result {
	var result Result
	if !p.delayReq.valid || header.SequenceID != p.delayReq.sequenceID {
		return result
	}
	if body.RequestingPortIdentity != p.clock.Port.PortIdentity {
		return result
	}
	t4 := timeinternal.FromUnixNano(body.ReceiveTimestamp.Time().UnixNano()).Add(p.cfg.InboundLatency)
	p.clock.LastTimestamps.DelayReqSendTime = p.delayReq.t3
	p.clock.LastTimestamps.DelayResponseReceiveTime = t4
	p.clock.LastTimestamps.SlaveToMasterDelay = t4.Sub(p.delayReq.t3)
	p.delayReq = pendingDelayReq{}

	if p.clock.LastTimestamps.MasterToSlaveDelay.IsZero() {
		return result
	}
	return p.runServo()
}

// runServo computes offsetFromMaster and meanPathDelay from the last
// captured masterToSlaveDelay/slaveToMasterDelay pair (SPEC_FULL.md
// §4.6's E2E formula), feeds both filters, samples the servo, and applies
// the SLAVE-locking rule (UNCALIBRATED -> SLAVE on the first in-threshold
// sample).
func (p *Port) runServo() Result {
	var result Result
	m2s := p.clock.LastTimestamps.MasterToSlaveDelay
	s2m := p.clock.LastTimestamps.SlaveToMasterDelay

	offset := m2s.Sub(s2m).Half()
	meanPathDelay := m2s.Add(s2m).Half()

	if p.cfg.MaxDelay > 0 && meanPathDelay.Duration() > p.cfg.MaxDelay {
		log.WithField("meanPathDelay", meanPathDelay.Duration()).Warn("delay sample discarded: exceeds maxDelay")
		p.clock.LastTimestamps = datasets.LastTimestamps{}
		return result
	}

	p.clock.Current.OffsetFromMaster = offset
	p.clock.Current.MeanPathDelay = meanPathDelay

	filteredOffset := p.servo.FeedOffset(offset.Duration())
	p.servo.FeedMeanPathDelay(meanPathDelay.Duration())

	sample := p.servo.Sample(filteredOffset)
	result.Clock = &sample

	switch sample.State {
	case servo.StateJump:
		p.clock.Port.PortState = ptp.PortStateUncalibrated
	case servo.StateLocked:
		if p.clock.Port.PortState == ptp.PortStateUncalibrated {
			p.clock.Port.PortState = ptp.PortStateSlave
		}
	case servo.StateDiscarded:
		log.WithField("offset", offset.Duration()).Warn("servo sample discarded: offset beyond maxReset")
	}

	p.clock.LastTimestamps = datasets.LastTimestamps{}
	return result
}

func (p *Port) fromParent(id ptp.PortIdentity) bool {
	return id == p.clock.Parent.ParentPortIdentity
}

// HandleAnnounce validates and records a received Announce in any state,
// restarts the AnnounceReceipt timer if it came from the current parent,
// and reruns BMC over the now-updated foreign-master table.
func (p *Port) HandleAnnounce(now time.Time, header ptp.Header, body ptp.AnnounceBody) Result {
	var result Result
	if header.DomainNumber != p.clock.Default.DomainNumber {
		return result // WrongDomain: silent discard, not logged (SPEC_FULL.md §10.1)
	}
	if header.SourcePortIdentity == p.clock.Port.PortIdentity {
		return result // SelfMessage: silent discard
	}

	p.foreign.Observe(header, body)

	state := p.clock.Port.PortState
	if (state == ptp.PortStateSlave || state == ptp.PortStateUncalibrated) && p.fromParent(header.SourcePortIdentity) {
		p.timers.Start(timer.AnnounceReceipt, p.announceReceiptTimeout())
	}

	return p.runBMC()
}

// runBMC reruns the Best Master Clock algorithm over the foreign-master
// table's qualified records and applies whatever Action it returns.
func (p *Port) runBMC() Result {
	var result Result
	own := bmc.M1(p.clock.Default.ClockIdentity, p.clock.Default.Priority1, p.clock.Default.Priority2, p.clock.Default.ClockQuality)

	qualified := make([]bmc.Candidate, 0, p.foreign.Len())
	for _, rec := range p.foreign.Qualified() {
		qualified = append(qualified, bmc.CandidateFromAnnounce(rec.Header, rec.Announce))
	}

	action := bmc.Decide(qualified, p.clock.Port.PortState, own, p.clock.Default.ClockIdentity, p.clock.Default.SlaveOnly, p.clock.Parent.ParentPortIdentity)

	prevState := p.clock.Port.PortState
	switch action.Kind {
	case bmc.ActionM1:
		p.clock.ApplyM1()
		switch prevState {
		case ptp.PortStateMaster:
			p.clock.Port.PortState = ptp.PortStateMaster
		case ptp.PortStatePreMaster:
			// still qualifying; handleQualificationTimeout promotes to
			// MASTER once the timer expires undisturbed.
		default:
			// LISTENING --BMC→MASTER--> PRE_MASTER (SPEC_FULL.md §4.5,
			// scenario S5): Announce/Sync intervals start now, but MASTER
			// itself waits for the qualification timeout.
			p.clock.Port.PortState = ptp.PortStatePreMaster
			p.timers.Start(timer.AnnounceInterval, p.cfg.AnnounceInterval)
			p.timers.Start(timer.Sync, p.cfg.SyncInterval)
			p.timers.Stop(timer.DelayReq)
			p.timers.Stop(timer.AnnounceReceipt)
			p.timers.Start(timer.Qualification, p.cfg.QualificationTimeout)
			p.servo.Reset()
		}
	case bmc.ActionS1:
		announce := ptp.AnnounceBody{
			GrandmasterIdentity:     action.Candidate.GrandmasterIdentity,
			GrandmasterPriority1:    action.Candidate.GrandmasterPriority1,
			GrandmasterPriority2:    action.Candidate.GrandmasterPriority2,
			GrandmasterClockQuality: action.Candidate.GrandmasterClockQuality,
			StepsRemoved:            action.Candidate.StepsRemoved,
		}
		if rec, ok := p.foreign.Get(action.Candidate.SourcePortIdentity); ok {
			announce = rec.Announce
		}
		p.clock.ApplyS1(action.Candidate.SourcePortIdentity, announce)
		newState := action.NewState
		wasLocked := prevState == ptp.PortStateSlave || prevState == ptp.PortStateUncalibrated
		if newState == ptp.PortStateSlave && !wasLocked {
			// LISTENING --BMC--> UNCALIBRATED (SPEC_FULL.md §4.5): the SLAVE
			// promotion itself happens in runServo on the first in-threshold
			// sync, not here on initial lock.
			newState = ptp.PortStateUncalibrated
		}
		p.clock.Port.PortState = newState
		if newState == ptp.PortStateSlave || newState == ptp.PortStateUncalibrated {
			if !wasLocked {
				p.timers.StopAll()
				p.timers.Start(timer.DelayReq, p.cfg.DelayReqInterval)
				p.timers.Start(timer.AnnounceReceipt, p.announceReceiptTimeout())
				p.servo.Reset()
			}
		}
	case bmc.ActionRemainListening:
		p.clock.Port.PortState = ptp.PortStateListening
	case bmc.ActionFault:
		log.Warn("bmc data-set comparison returned a defensive tie; forcing FAULTY")
		p.Fault()
	}
	return result
}

// handleAnnounceReceiptTimeout implements the LISTENING and SLAVE timeout
// transitions of SPEC_FULL.md §4.5: LISTENING reruns BMC after clearing the
// foreign table, SLAVE drops back to LISTENING with the parent data set
// cleared and the servo halted.
func (p *Port) handleAnnounceReceiptTimeout(now time.Time) Result {
	var result Result
	switch p.clock.Port.PortState {
	case ptp.PortStateListening:
		p.foreign.Clear()
		return p.runBMC()
	case ptp.PortStateSlave, ptp.PortStateUncalibrated:
		p.clock.Port.PortState = ptp.PortStateListening
		p.clock.ResetParent()
		p.servo.Reset()
		p.timers.Stop(timer.DelayReq)
		p.foreign.Clear()
		p.timers.Start(timer.AnnounceReceipt, p.announceReceiptTimeout())
	}
	return result
}

// handleQualificationTimeout promotes PRE_MASTER to MASTER once the
// qualification timer elapses undisturbed (SPEC_FULL.md §4.5, scenario S5).
func (p *Port) handleQualificationTimeout(now time.Time) Result {
	var result Result
	if p.clock.Port.PortState == ptp.PortStatePreMaster {
		p.clock.Port.PortState = ptp.PortStateMaster
	}
	return result
}

// emitPdelayReq starts the P2P peer-delay exchange, capturing t1.
func (p *Port) emitPdelayReq(now time.Time) Result {
	var result Result
	seq := p.clock.Sequences.NextPDelayReq()
	req := &ptp.PDelayReq{
		Header: p.newHeader(ptp.MessagePDelayReq, seq, false, ptp.MgmtLogMessageInterval),
		PDelayReqBody: ptp.PDelayReqBody{
			OriginTimestamp: ptp.NewTimestamp(now),
		},
	}
	req.MessageLength = uint16(binary.Size(ptp.Header{}) + binary.Size(ptp.PDelayReqBody{}))
	data, err := ptp.Bytes(req)
	if err != nil {
		log.WithError(err).Error("marshaling pdelay_req")
		return result
	}
	result.emit(ChannelEvent, data)
	t1 := timeinternal.FromUnixNano(now.UnixNano()).Add(p.cfg.OutboundLatency)
	p.pdelayReq = pendingPdelayReq{valid: true, sequenceID: seq, t1: t1}
	return result
}

// HandlePdelayReq answers a peer's PDelay_Req, capturing t2 on receipt and
// replying with a PDelay_Resp carrying it. Two-step responders follow with
// a PDelay_Resp_Follow_Up carrying t3, the Resp's own transmit time;
// one-step responders rely on the transport to fold (t3-t2) into the
// Resp's correctionField, which this port does not model.
func (p *Port) HandlePdelayReq(now time.Time, header ptp.Header, rx timeinternal.TimeInternal) Result {
	var result Result
	resp := &ptp.PDelayResp{
		Header: p.newHeader(ptp.MessagePDelayResp, header.SequenceID, p.cfg.TwoStepFlag, ptp.MgmtLogMessageInterval),
		PDelayRespBody: ptp.PDelayRespBody{
			RequestReceiptTimestamp: ptp.NewTimestamp(time.Unix(0, rx.Nanoseconds())),
			RequestingPortIdentity:  header.SourcePortIdentity,
		},
	}
	resp.MessageLength = uint16(binary.Size(ptp.Header{}) + binary.Size(ptp.PDelayRespBody{}))
	data, err := ptp.Bytes(resp)
	if err != nil {
		log.WithError(err).Error("marshaling pdelay_resp")
		return result
	}
	result.emit(ChannelEvent, data)

	if p.cfg.TwoStepFlag {
		t3 := timeinternal.FromUnixNano(now.UnixNano())
		followUp := &ptp.PDelayRespFollowUp{
			Header: p.newHeader(ptp.MessagePDelayRespFollowUp, header.SequenceID, false, ptp.MgmtLogMessageInterval),
			PDelayRespFollowUpBody: ptp.PDelayRespFollowUpBody{
				ResponseOriginTimestamp: ptp.NewTimestamp(time.Unix(0, t3.Nanoseconds())),
				RequestingPortIdentity:  header.SourcePortIdentity,
			},
		}
		followUp.MessageLength = uint16(binary.Size(ptp.Header{}) + binary.Size(ptp.PDelayRespFollowUpBody{}))
		fdata, err := ptp.Bytes(followUp)
		if err != nil {
			log.WithError(err).Error("marshaling pdelay_resp_follow_up")
			return result
		}
		result.emit(ChannelGeneral, fdata)
	}
	return result
}

// HandlePdelayResp consumes a PDelay_Resp matching the outstanding
// PDelay_Req by sequenceId and requestingPortIdentity, capturing t4. A
// one-step response (no FlagTwoStep) carries (t3-t2) pre-folded into
// correctionField and is resolved immediately; a two-step response waits
// for the trailing PDelay_Resp_Follow_Up to learn t3.
func (p *Port) HandlePdelayResp(header ptp.Header, body ptp.PDelayRespBody, rx timeinternal.TimeInternal) Result {
	var result Result
	if !p.pdelayReq.valid || header.SequenceID != p.pdelayReq.sequenceID {
		return result
	}
	if body.RequestingPortIdentity != p.clock.Port.PortIdentity {
		return result
	}
	p.pdelayReq.t4 = rx.Add(p.cfg.InboundLatency)
	p.pdelayReq.haveT4 = true
	t2 := timeinternal.FromUnixNano(body.RequestReceiptTimestamp.Time().UnixNano())
	p.pdelayReq.t2 = t2

	if header.FlagField&ptp.FlagTwoStep == 0 {
		t3 := t2.Add(timeinternal.FromDuration(header.CorrectionField.Duration()))
		return p.finishPdelay(t2, t3)
	}
	return result
}

// HandlePdelayRespFollowUp completes a two-step peer-delay exchange,
// carrying t3, and runs the one-way-delay filter over the resolved
// peerMeanPathDelay.
func (p *Port) HandlePdelayRespFollowUp(header ptp.Header, body ptp.PDelayRespFollowUpBody) Result {
	var result Result
	if !p.pdelayReq.valid || header.SequenceID != p.pdelayReq.sequenceID || !p.pdelayReq.haveT4 {
		return result
	}
	if body.RequestingPortIdentity != p.clock.Port.PortIdentity {
		return result
	}
	t3 := timeinternal.FromUnixNano(body.ResponseOriginTimestamp.Time().UnixNano())
	return p.finishPdelay(p.pdelayReq.t2, t3)
}

// finishPdelay computes peerMeanPathDelay = ((t4-t1)-(t3-t2))/2 and feeds
// it to the one-way-delay filter, per SPEC_FULL.md §4.5/§4.6.
func (p *Port) finishPdelay(t2, t3 timeinternal.TimeInternal) Result {
	var result Result
	t1 := p.pdelayReq.t1
	t4 := p.pdelayReq.t4
	peerMeanPathDelay := t4.Sub(t1).Sub(t3.Sub(t2)).Half()
	p.pdelayReq = pendingPdelayReq{}
	if p.cfg.MaxDelay > 0 && peerMeanPathDelay.Duration() > p.cfg.MaxDelay {
		log.WithField("peerMeanPathDelay", peerMeanPathDelay.Duration()).Warn("peer delay sample discarded: exceeds maxDelay")
		return result
	}
	p.clock.Port.PeerMeanPathDelay = peerMeanPathDelay
	p.servo.FeedMeanPathDelay(peerMeanPathDelay.Duration())
	return result
}
