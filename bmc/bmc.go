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

// Package bmc implements the Best Master Clock algorithm of SPEC_FULL.md
// §4.4 (IEEE 1588-2008 figures 27-28) as a pair of pure functions, per the
// §9 design note: Compare is a total ordering over qualified Announce
// records, Decide turns the current best record and the port's own data
// into a state transition plus an action to apply.
package bmc

import ptp "github.com/ptpd/ptpd-sub004/ptp/protocol"

// Candidate is everything BMC's data-set comparison needs from either side:
// a foreign Announce record, or the local clock's own data expressed as if
// it had emitted an Announce (copyD0 in ptpd).
type Candidate struct {
	SourcePortIdentity      ptp.PortIdentity
	StepsRemoved            uint16
	GrandmasterIdentity     ptp.ClockIdentity
	GrandmasterPriority1    uint8
	GrandmasterPriority2    uint8
	GrandmasterClockQuality ptp.ClockQuality
}

// Compare returns -1 if a is better than b, +1 if b is better than a, and 0
// if they compare equal (including the defensive tie path). ownParent is the
// local clock's own parent port identity, needed for the
// sender-equals-parent error path ptpd's bmcDataSetComparison guards
// against.
func Compare(a, b Candidate, ownParent ptp.PortIdentity) int {
	if a.GrandmasterIdentity == b.GrandmasterIdentity {
		return compareSameGrandmaster(a, b, ownParent)
	}
	return compareDifferentGrandmaster(a, b)
}

func compareSameGrandmaster(a, b Candidate, ownParent ptp.PortIdentity) int {
	diff := int(a.StepsRemoved) - int(b.StepsRemoved)
	if diff > 1 {
		return 1 // b has fewer steps
	}
	if diff < -1 {
		return -1 // a has fewer steps
	}
	// within one step of each other: the sender with the lower
	// sourcePortIdentity wins, unless either sender is our own parent, in
	// which case ptpd treats it as an error path and returns equal.
	if a.SourcePortIdentity == ownParent || b.SourcePortIdentity == ownParent || a.SourcePortIdentity == b.SourcePortIdentity {
		return 0
	}
	return a.SourcePortIdentity.Compare(b.SourcePortIdentity)
}

func compareDifferentGrandmaster(a, b Candidate) int {
	if c := cmpUint8(a.GrandmasterPriority1, b.GrandmasterPriority1); c != 0 {
		return c
	}
	if c := cmpUint8(uint8(a.GrandmasterClockQuality.ClockClass), uint8(b.GrandmasterClockQuality.ClockClass)); c != 0 {
		return c
	}
	if c := cmpUint8(uint8(a.GrandmasterClockQuality.ClockAccuracy), uint8(b.GrandmasterClockQuality.ClockAccuracy)); c != 0 {
		return c
	}
	if c := cmpUint16(a.GrandmasterClockQuality.OffsetScaledLogVariance, b.GrandmasterClockQuality.OffsetScaledLogVariance); c != 0 {
		return c
	}
	if c := cmpUint8(a.GrandmasterPriority2, b.GrandmasterPriority2); c != 0 {
		return c
	}
	if a.GrandmasterIdentity < b.GrandmasterIdentity {
		return -1
	}
	if a.GrandmasterIdentity > b.GrandmasterIdentity {
		return 1
	}
	return 0
}

func cmpUint8(a, b uint8) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func cmpUint16(a, b uint16) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// ActionKind tags the side effect Decide asks the caller to apply.
type ActionKind int

const (
	// ActionM1 asks the caller to apply the M1 update (become master).
	ActionM1 ActionKind = iota
	// ActionS1 asks the caller to apply the S1 update (adopt a parent),
	// carrying the header/announce that won the comparison.
	ActionS1
	// ActionRemainListening is a no-op: no qualified foreign records yet.
	ActionRemainListening
	// ActionFault is the defensive tie-break fallback preserved from
	// ptpd's "MB: Is this the return code below correct?" comment
	// (SPEC_FULL.md §9 Open Question): do not extend this branch.
	ActionFault
)

// Action is the outcome of Decide: a new port state plus the data-set
// update the caller must apply to reach it.
type Action struct {
	Kind      ActionKind
	NewState  ptp.PortState
	Candidate Candidate // populated for ActionS1: the winning foreign record
}

// Decide runs BMC's state-decision algorithm (SPEC_FULL.md §4.4) given the
// qualified foreign records (best already identified by repeated Compare
// calls), the port's current state, and its own data expressed as a
// Candidate.
func Decide(qualified []Candidate, currentState ptp.PortState, own Candidate, ownClockIdentity ptp.ClockIdentity, slaveOnly bool, ownParent ptp.PortIdentity) Action {
	if slaveOnly {
		if len(qualified) == 0 {
			return Action{Kind: ActionRemainListening, NewState: currentState}
		}
		best := bestOf(qualified, ownParent)
		return Action{Kind: ActionS1, NewState: ptp.PortStateSlave, Candidate: best}
	}

	if len(qualified) == 0 {
		if currentState == ptp.PortStateListening {
			return Action{Kind: ActionRemainListening, NewState: ptp.PortStateListening}
		}
		return Action{Kind: ActionM1, NewState: ptp.PortStateMaster}
	}

	best := bestOf(qualified, ownParent)
	cmp := Compare(own, best, ownParent)

	lowClockClass := own.GrandmasterClockQuality.ClockClass < 128

	switch {
	case cmp < 0 && lowClockClass:
		return Action{Kind: ActionM1, NewState: ptp.PortStateMaster}
	case cmp > 0 && lowClockClass:
		return Action{Kind: ActionS1, NewState: ptp.PortStatePassive, Candidate: best}
	case cmp < 0 && !lowClockClass:
		return Action{Kind: ActionM1, NewState: ptp.PortStateMaster}
	case cmp > 0 && !lowClockClass:
		return Action{Kind: ActionS1, NewState: ptp.PortStateSlave, Candidate: best}
	default:
		return Action{Kind: ActionFault, NewState: ptp.PortStateFaulty}
	}
}

// bestOf finds the best candidate among qualified records by repeated
// pairwise Compare, exactly as ptpd's bmc() loops over foreign records.
func bestOf(candidates []Candidate, ownParent ptp.PortIdentity) Candidate {
	best := candidates[0]
	for _, c := range candidates[1:] {
		if Compare(c, best, ownParent) < 0 {
			best = c
		}
	}
	return best
}

// M1 builds the Candidate for the M1 decision described in SPEC_FULL.md
// §4.4: stepsRemoved zero, the clock as its own source and grandmaster,
// with its own ClockQuality and priorities. It does not touch any data
// set; datasets.ApplyM1 zeroes the offsets and sets timeSource.
func M1(ownClockIdentity ptp.ClockIdentity, priority1, priority2 uint8, quality ptp.ClockQuality) Candidate {
	return Candidate{
		SourcePortIdentity:      ptp.PortIdentity{ClockIdentity: ownClockIdentity, PortNumber: 0},
		StepsRemoved:            0,
		GrandmasterIdentity:     ownClockIdentity,
		GrandmasterPriority1:    priority1,
		GrandmasterPriority2:    priority2,
		GrandmasterClockQuality: quality,
	}
}

// CandidateFromAnnounce builds a Candidate from a received Announce, the
// shape Decide/Compare consume for S1.
func CandidateFromAnnounce(header ptp.Header, body ptp.AnnounceBody) Candidate {
	return Candidate{
		SourcePortIdentity:      header.SourcePortIdentity,
		StepsRemoved:            body.StepsRemoved,
		GrandmasterIdentity:     body.GrandmasterIdentity,
		GrandmasterPriority1:    body.GrandmasterPriority1,
		GrandmasterPriority2:    body.GrandmasterPriority2,
		GrandmasterClockQuality: body.GrandmasterClockQuality,
	}
}
