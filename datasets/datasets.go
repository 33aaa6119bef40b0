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

// Package datasets holds the PtpClock aggregate of SPEC_FULL.md §3: the
// default, current, parent, time-properties and port configuration data
// sets IEEE 1588-2008 defines, plus the runtime holders (sequence-id
// counters, last captured timestamps, the receipt-timeout coefficient R)
// that ptpd keeps alongside them in a single PtpClock struct.
package datasets

import (
	"crypto/rand"
	"encoding/binary"

	ptp "github.com/ptpd/ptpd-sub004/ptp/protocol"
	"github.com/ptpd/ptpd-sub004/timeinternal"
)

// DelayMechanism selects between the end-to-end and peer delay mechanisms
// for a port, carried at port granularity per SPEC_FULL.md §11.6.
type DelayMechanism int

const (
	DelayMechanismE2E DelayMechanism = iota
	DelayMechanismP2P
)

// DefaultDS is IEEE 1588-2008's defaultDS: the clock's own identity and
// static configuration, fixed for the lifetime of the instance except for
// priority1/priority2/slaveOnly which an operator may change at runtime.
type DefaultDS struct {
	ClockIdentity ptp.ClockIdentity
	NumberPorts   uint16
	ClockQuality  ptp.ClockQuality
	Priority1     uint8
	Priority2     uint8
	DomainNumber  uint8
	SlaveOnly     bool
}

// CurrentDS is IEEE 1588-2008's currentDS: the clock's live offset from its
// parent, recomputed on every Sync/Delay_Resp exchange.
type CurrentDS struct {
	StepsRemoved    uint16
	OffsetFromMaster timeinternal.TimeInternal
	MeanPathDelay   timeinternal.TimeInternal
}

// ParentDS is IEEE 1588-2008's parentDS: identity and observed quality of
// the clock currently selected as parent by BMC.
type ParentDS struct {
	ParentPortIdentity                    ptp.PortIdentity
	GrandmasterIdentity                   ptp.ClockIdentity
	GrandmasterClockQuality               ptp.ClockQuality
	GrandmasterPriority1                  uint8
	GrandmasterPriority2                  uint8
	ObservedParentClockPhaseChangeRate    int32
	ObservedParentOffsetScaledLogVariance uint16
}

// TimePropertiesDS is IEEE 1588-2008's timePropertiesDS, normally copied
// verbatim from the grandmaster's Announce messages.
type TimePropertiesDS struct {
	CurrentUTCOffset      int16
	CurrentUTCOffsetValid bool
	Leap59                bool
	Leap61                bool
	TimeTraceable         bool
	FrequencyTraceable    bool
	PTPTimescale          bool
	TimeSource            ptp.TimeSource
}

// PortDS is IEEE 1588-2008's portDS, the per-port configuration and live
// state a single ordinary-clock port maintains.
type PortDS struct {
	PortIdentity             ptp.PortIdentity
	PortState                ptp.PortState
	LogMinDelayReqInterval   int8
	PeerMeanPathDelay        timeinternal.TimeInternal
	LogAnnounceInterval      int8
	AnnounceReceiptTimeout   uint8
	LogSyncInterval          int8
	DelayMechanism           DelayMechanism
	LogMinPdelayReqInterval  int8
	VersionNumber            uint8
}

// ServoState mirrors the filter and controller state of the servo
// (SPEC_FULL.md §4.6) as a sub-record of PtpClock. The servo package keeps
// its live state in its own servo.Servo value and does not read or write
// this record.
type ServoState struct {
	OneWayDelayFilter struct {
		NsecPrev int32
		Y        int32
		SExp     int32
	}
	OffsetFromMasterFilter struct {
		NsecPrev int32
		Y        int32
	}
	ObservedDrift int32
}

// LastTimestamps captures the Sync/Delay exchange timestamps the servo
// consumes to compute the next offset/delay sample.
type LastTimestamps struct {
	SyncReceiveTime         timeinternal.TimeInternal
	DelayReqSendTime        timeinternal.TimeInternal
	DelayResponseReceiveTime timeinternal.TimeInternal
	MasterToSlaveDelay      timeinternal.TimeInternal
	SlaveToMasterDelay      timeinternal.TimeInternal
}

// SequenceCounters hands out the monotonically increasing, modulo-2^16
// sequenceId for each outbound message type, per SPEC_FULL.md §3's
// invariant.
type SequenceCounters struct {
	Announce   uint16
	Sync       uint16
	DelayReq   uint16
	PDelayReq  uint16
	PDelayResp uint16
}

// NextAnnounce returns the next sequenceId for Announce messages and advances the
// counter, wrapping modulo 2^16 via the uint16's own overflow.
func (s *SequenceCounters) NextAnnounce() uint16 { s.Announce++; return s.Announce - 1 }

// NextSync returns and advances the Sync sequenceId counter.
func (s *SequenceCounters) NextSync() uint16 { s.Sync++; return s.Sync - 1 }

// NextDelayReq returns and advances the Delay_Req sequenceId counter.
func (s *SequenceCounters) NextDelayReq() uint16 { s.DelayReq++; return s.DelayReq - 1 }

// NextPDelayReq returns and advances the Pdelay_Req sequenceId counter.
func (s *SequenceCounters) NextPDelayReq() uint16 { s.PDelayReq++; return s.PDelayReq - 1 }

// NextPDelayResp returns and advances the Pdelay_Resp sequenceId counter.
func (s *SequenceCounters) NextPDelayResp() uint16 { s.PDelayResp++; return s.PDelayResp - 1 }

// PtpClock is the full aggregate SPEC_FULL.md §3 describes: every data set
// IEEE 1588-2008 defines for a single ordinary-clock port, plus the
// runtime holders ptpd keeps alongside them. It owns all of its fields
// exclusively; nothing here is shared with the transport or servo.
type PtpClock struct {
	Default        DefaultDS
	Current        CurrentDS
	Parent         ParentDS
	TimeProperties TimePropertiesDS
	Port           PortDS
	Servo          ServoState
	LastTimestamps LastTimestamps
	Sequences      SequenceCounters

	// R is the random receipt-timeout coefficient in [0,1), seeded once at
	// daemon startup and held fixed for the process lifetime, matching
	// ptpd's initData one-shot seeding (SPEC_FULL.md §11.6). It is not
	// re-rolled on every timeout, only consulted when one fires.
	R float64

	// WaitingForFollow is true between receiving a two-step Sync and its
	// matching Follow_Up.
	WaitingForFollow bool
}

// New builds a PtpClock in its initial state: defaultDS populated from the
// given identity/quality/priorities, portState INITIALIZING, R drawn once
// from crypto/rand, every other data set zeroed.
func New(identity ptp.ClockIdentity, quality ptp.ClockQuality, priority1, priority2, domainNumber uint8, slaveOnly bool) *PtpClock {
	pc := &PtpClock{
		Default: DefaultDS{
			ClockIdentity: identity,
			NumberPorts:   1,
			ClockQuality:  quality,
			Priority1:     priority1,
			Priority2:     priority2,
			DomainNumber:  domainNumber,
			SlaveOnly:     slaveOnly,
		},
		Port: PortDS{
			PortIdentity: ptp.PortIdentity{ClockIdentity: identity, PortNumber: 1},
			PortState:    ptp.PortStateInitializing,
			VersionNumber: 2,
		},
		R: seedR(),
	}
	if slaveOnly {
		pc.Default.ClockQuality.ClockClass = 255
	}
	return pc
}

// seedR draws a uniform float in [0,1) from crypto/rand, the one-shot
// per-process seeding SPEC_FULL.md §11.6 requires in place of ptpd's
// reseeding getRand().
func seedR() float64 {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		// crypto/rand failing to produce entropy is not recoverable here;
		// fall back to the midpoint rather than panicking the caller.
		return 0.5
	}
	u := binary.BigEndian.Uint64(buf[:])
	return float64(u>>11) / float64(uint64(1)<<53)
}

// ResetParent clears the parent data set and current data set back to
// their zero values, used when BMC applies M1 (the clock becomes its own
// parent) or when the port drops back to LISTENING.
func (pc *PtpClock) ResetParent() {
	pc.Parent = ParentDS{}
	pc.Current = CurrentDS{}
}

// ApplyM1 applies the M1 data-set update (SPEC_FULL.md §4.4): the clock
// becomes its own grandmaster and parent, stepsRemoved resets to zero.
func (pc *PtpClock) ApplyM1() {
	pc.ResetParent()
	pc.Parent.ParentPortIdentity = ptp.PortIdentity{ClockIdentity: pc.Default.ClockIdentity, PortNumber: 0}
	pc.Parent.GrandmasterIdentity = pc.Default.ClockIdentity
	pc.Parent.GrandmasterClockQuality = pc.Default.ClockQuality
	pc.Parent.GrandmasterPriority1 = pc.Default.Priority1
	pc.Parent.GrandmasterPriority2 = pc.Default.Priority2
	pc.TimeProperties.TimeSource = ptp.TimeSourceInternalOscillator
}

// ApplyS1 applies the S1 data-set update (SPEC_FULL.md §4.4): the clock
// adopts the winning foreign master's Announce as its new parent data.
func (pc *PtpClock) ApplyS1(sourcePortIdentity ptp.PortIdentity, announce ptp.AnnounceBody) {
	pc.Parent.ParentPortIdentity = sourcePortIdentity
	pc.Parent.GrandmasterIdentity = announce.GrandmasterIdentity
	pc.Parent.GrandmasterClockQuality = announce.GrandmasterClockQuality
	pc.Parent.GrandmasterPriority1 = announce.GrandmasterPriority1
	pc.Parent.GrandmasterPriority2 = announce.GrandmasterPriority2
	pc.Current.StepsRemoved = announce.StepsRemoved + 1
	pc.TimeProperties.CurrentUTCOffset = announce.CurrentUTCOffset
	pc.TimeProperties.TimeSource = announce.TimeSource
}
