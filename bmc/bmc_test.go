package bmc

import (
	"testing"

	ptp "github.com/ptpd/ptpd-sub004/ptp/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gm(id uint64) ptp.ClockIdentity { return ptp.ClockIdentity(id) }

func candidate(gmID uint64, priority1, priority2 uint8, class ptp.ClockClass, sourcePort uint64) Candidate {
	return Candidate{
		SourcePortIdentity:      ptp.PortIdentity{ClockIdentity: ptp.ClockIdentity(sourcePort), PortNumber: 1},
		GrandmasterIdentity:     gm(gmID),
		GrandmasterPriority1:    priority1,
		GrandmasterPriority2:    priority2,
		GrandmasterClockQuality: ptp.ClockQuality{ClockClass: class, ClockAccuracy: 0x21, OffsetScaledLogVariance: 0x436A},
	}
}

var noParent ptp.PortIdentity

// Invariant 5 from SPEC_FULL.md §8: with slaveOnly=true, Decide never
// returns MASTER regardless of input.
func TestSlaveOnlyNeverReturnsMaster(t *testing.T) {
	own := candidate(1, 128, 128, 255, 1)

	// no qualified masters at all
	a := Decide(nil, ptp.PortStateListening, own, own.GrandmasterIdentity, true, noParent)
	assert.NotEqual(t, ptp.PortStateMaster, a.NewState)

	// a qualified master with far worse clock quality than our own claim
	worse := candidate(2, 200, 200, 248, 2)
	a = Decide([]Candidate{worse}, ptp.PortStateListening, own, own.GrandmasterIdentity, true, noParent)
	assert.NotEqual(t, ptp.PortStateMaster, a.NewState)
	assert.Equal(t, ptp.PortStateSlave, a.NewState)
}

// Invariant 6 from SPEC_FULL.md §8: Compare is antisymmetric and
// transitive over a fixed set of distinct candidates.
func TestCompareAntisymmetricAndTransitive(t *testing.T) {
	a := candidate(10, 100, 128, 6, 1)
	b := candidate(20, 128, 128, 6, 2)
	c := candidate(30, 200, 128, 6, 3)

	require.Equal(t, -1, Compare(a, b, noParent))
	require.Equal(t, 1, Compare(b, a, noParent))

	require.Equal(t, -1, Compare(b, c, noParent))
	require.Equal(t, -1, Compare(a, c, noParent), "transitivity: a<b and b<c implies a<c")
}

// S2 BMC grandmaster tiebreak (SPEC_FULL.md scenarios): two Announces with
// identical priority1/clockClass/clockAccuracy/offsetScaledLogVariance/
// priority2, differing only in grandmasterIdentity. The lower identity wins.
func TestCompareGrandmasterIdentityTiebreak(t *testing.T) {
	a := candidate(0x0000000000000001, 128, 128, 6, 1)
	b := candidate(0x0000000000000002, 128, 128, 6, 2)

	assert.Equal(t, -1, Compare(a, b, noParent), "lower grandmasterIdentity should win the tiebreak")
	assert.Equal(t, 1, Compare(b, a, noParent))

	best := bestOf([]Candidate{b, a}, noParent)
	assert.Equal(t, a.GrandmasterIdentity, best.GrandmasterIdentity)
}

func TestCompareSameGrandmasterPrefersFewerStepsRemoved(t *testing.T) {
	near := candidate(1, 128, 128, 6, 1)
	near.StepsRemoved = 1
	far := candidate(1, 128, 128, 6, 2)
	far.StepsRemoved = 3

	assert.Equal(t, -1, Compare(near, far, noParent))
}

func TestCompareSameGrandmasterIgnoresOwnParent(t *testing.T) {
	x := candidate(1, 128, 128, 6, 1)
	y := candidate(1, 128, 128, 6, 2)
	// when one of the senders is our own parent, ptpd treats this as an
	// error path and reports equal rather than picking a winner.
	assert.Equal(t, 0, Compare(x, y, x.SourcePortIdentity))
}

func TestDecideM1WhenNoQualifiedAndNotListening(t *testing.T) {
	own := candidate(1, 128, 128, 6, 1)
	a := Decide(nil, ptp.PortStatePassive, own, own.GrandmasterIdentity, false, noParent)
	assert.Equal(t, ActionM1, a.Kind)
	assert.Equal(t, ptp.PortStateMaster, a.NewState)
}

func TestDecideRemainListeningWhenNoQualifiedAndListening(t *testing.T) {
	own := candidate(1, 128, 128, 6, 1)
	a := Decide(nil, ptp.PortStateListening, own, own.GrandmasterIdentity, false, noParent)
	assert.Equal(t, ActionRemainListening, a.Kind)
	assert.Equal(t, ptp.PortStateListening, a.NewState)
}

// S5 Master election (SPEC_FULL.md scenarios): slaveOnly=false, our
// clockClass=6 beats a candidate with clockClass=248, so BMC selects self.
func TestDecideSelectsSelfOverWorseCandidate(t *testing.T) {
	own := candidate(1, 128, 128, 6, 1)
	worse := candidate(2, 128, 128, 248, 2)

	a := Decide([]Candidate{worse}, ptp.PortStateListening, own, own.GrandmasterIdentity, false, noParent)
	assert.Equal(t, ActionM1, a.Kind)
	assert.Equal(t, ptp.PortStateMaster, a.NewState)
}

func TestDecideAdoptsBetterCandidateAsSlave(t *testing.T) {
	// clockClass 248 (>= 128): a worse own clock slaves rather than going PASSIVE.
	own := candidate(1, 128, 128, 248, 1)
	better := candidate(2, 50, 128, 6, 2)

	a := Decide([]Candidate{better}, ptp.PortStateListening, own, own.GrandmasterIdentity, false, noParent)
	assert.Equal(t, ActionS1, a.Kind)
	assert.Equal(t, ptp.PortStateSlave, a.NewState)
	assert.Equal(t, better.GrandmasterIdentity, a.Candidate.GrandmasterIdentity)
}

func TestM1CopiesOwnDataAsGrandmaster(t *testing.T) {
	id := gm(0x0102030405060708)
	quality := ptp.ClockQuality{ClockClass: 6, ClockAccuracy: 0x21, OffsetScaledLogVariance: 0x436A}
	c := M1(id, 128, 128, quality)

	assert.Equal(t, id, c.GrandmasterIdentity)
	assert.EqualValues(t, 0, c.StepsRemoved)
	assert.Equal(t, quality, c.GrandmasterClockQuality)
}

func TestCandidateFromAnnounce(t *testing.T) {
	header := ptp.Header{SourcePortIdentity: ptp.PortIdentity{ClockIdentity: gm(5), PortNumber: 1}}
	body := ptp.AnnounceBody{
		GrandmasterIdentity:     gm(5),
		GrandmasterPriority1:    128,
		GrandmasterPriority2:    128,
		GrandmasterClockQuality: ptp.ClockQuality{ClockClass: 6},
		StepsRemoved:            2,
	}
	c := CandidateFromAnnounce(header, body)
	assert.Equal(t, header.SourcePortIdentity, c.SourcePortIdentity)
	assert.Equal(t, body.GrandmasterIdentity, c.GrandmasterIdentity)
	assert.EqualValues(t, 2, c.StepsRemoved)
}
