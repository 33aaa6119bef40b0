package port

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ptpd/ptpd-sub004/bmc"
	"github.com/ptpd/ptpd-sub004/datasets"
	"github.com/ptpd/ptpd-sub004/foreignmaster"
	ptp "github.com/ptpd/ptpd-sub004/ptp/protocol"
	"github.com/ptpd/ptpd-sub004/servo"
	"github.com/ptpd/ptpd-sub004/timeinternal"
	"github.com/ptpd/ptpd-sub004/timer"
)

var epoch = time.Unix(1_700_000_000, 0)

func newTestPort(cfg Config, slaveOnly bool) *Port {
	id := ptp.ClockIdentity(0x0022334455667788)
	quality := ptp.ClockQuality{ClockClass: 6, ClockAccuracy: 0x21, OffsetScaledLogVariance: 0x436A}
	clock := datasets.New(id, quality, 128, 128, 0, slaveOnly)
	clock.Port.PortState = ptp.PortStateListening
	foreign := foreignmaster.New(foreignmaster.DefaultCapacity)
	sv := servo.New(cfg.ServoConfig)
	timers := timer.NewSet(epoch)
	return New(cfg, clock, foreign, sv, timers)
}

func announceFrom(sourceID uint64, priority1 uint8, class ptp.ClockClass, stepsRemoved uint16, domain uint8) (ptp.Header, ptp.AnnounceBody) {
	header := ptp.Header{
		DomainNumber:       domain,
		SourcePortIdentity: ptp.PortIdentity{ClockIdentity: ptp.ClockIdentity(sourceID), PortNumber: 1},
	}
	body := ptp.AnnounceBody{
		GrandmasterIdentity:     ptp.ClockIdentity(sourceID),
		GrandmasterPriority1:    priority1,
		GrandmasterPriority2:    128,
		GrandmasterClockQuality: ptp.ClockQuality{ClockClass: class, ClockAccuracy: 0x21, OffsetScaledLogVariance: 0x436A},
		StepsRemoved:            stepsRemoved,
	}
	return header, body
}

// S1 Two-step slave lock (SPEC_FULL.md scenarios): a slaveOnly port that
// observes a qualified Announce twice locks onto the sender as parent and
// transitions out of LISTENING.
func TestS1TwoStepSlaveLockTransitionsOutOfListening(t *testing.T) {
	p := newTestPort(DefaultConfig(), true)
	p.Initialize()
	require.Equal(t, ptp.PortStateListening, p.State())

	header, body := announceFrom(0x0011_22FF_FE33_4455, 128, 6, 0, 0)

	p.HandleAnnounce(epoch, header, body)
	assert.Equal(t, ptp.PortStateListening, p.State(), "not yet qualified after a single observation")

	p.HandleAnnounce(epoch, header, body)
	assert.Equal(t, ptp.PortStateUncalibrated, p.State())
	assert.Equal(t, header.SourcePortIdentity, p.clock.Parent.ParentPortIdentity)
}

// S1's offset/meanPathDelay numbers, driven end to end through a two-step
// Sync/Follow_Up/Delay_Resp exchange once the port is locked.
func TestS1TwoStepSlaveLockComputesOffsetAndMeanPathDelay(t *testing.T) {
	p := newTestPort(DefaultConfig(), true)
	p.Initialize()
	header, body := announceFrom(0x0011_22FF_FE33_4455, 128, 6, 0, 0)
	p.HandleAnnounce(epoch, header, body)
	p.HandleAnnounce(epoch, header, body)
	require.Equal(t, ptp.PortStateUncalibrated, p.State())

	syncHeader := ptp.Header{
		FlagField:          ptp.FlagTwoStep,
		SequenceID:         1,
		SourcePortIdentity: header.SourcePortIdentity,
	}
	rxSync := timeinternal.New(1, 500) // 1.000000500
	p.HandleSync(epoch, syncHeader, ptp.SyncDelayReqBody{}, rxSync)
	require.True(t, p.clock.WaitingForFollow)

	followUpHeader := syncHeader
	t1 := time.Unix(1, 0) // 1.000000000
	p.HandleFollowUp(followUpHeader, ptp.FollowUpBody{PreciseOriginTimestamp: ptp.NewTimestamp(t1)})
	require.False(t, p.clock.WaitingForFollow)

	// Delay_Req was sent at 1.000000700 (synthesized directly, bypassing the
	// interval timer), Delay_Resp's receiveTimestamp is 1.000001000.
	p.delayReq = pendingDelayReq{valid: true, sequenceID: 1, t3: timeinternal.New(1, 700)}
	delayRespHeader := ptp.Header{SequenceID: 1}
	result := p.HandleDelayResp(delayRespHeader, ptp.DelayRespBody{
		ReceiveTimestamp:       ptp.NewTimestamp(time.Unix(1, 1000)),
		RequestingPortIdentity: p.clock.Port.PortIdentity,
	})

	assert.Equal(t, 400*time.Nanosecond, p.clock.Current.MeanPathDelay.Duration())
	require.NotNil(t, result.Clock)
}

// S2 BMC grandmaster tiebreak (SPEC_FULL.md scenarios): two otherwise-tied
// Announces differ only by grandmasterIdentity; the lower identity wins.
func TestS2GrandmasterTiebreakSelectsLowerIdentity(t *testing.T) {
	a := bmc.CandidateFromAnnounce(announceFrom(0x01, 128, 6, 0, 0))
	b := bmc.CandidateFromAnnounce(announceFrom(0x02, 128, 6, 0, 0))
	assert.Equal(t, -1, bmc.Compare(a, b, ptp.PortIdentity{}))
}

// S4 Announce timeout (SPEC_FULL.md scenarios): a locked slave whose parent
// stops announcing drops back to LISTENING once the AnnounceReceipt timer
// fires, with the parent data set cleared and the servo halted.
func TestS4AnnounceTimeoutDemotesToListening(t *testing.T) {
	p := newTestPort(DefaultConfig(), true)
	p.Initialize()
	header, body := announceFrom(0x0011_22FF_FE33_4455, 128, 6, 0, 0)
	p.HandleAnnounce(epoch, header, body)
	p.HandleAnnounce(epoch, header, body)
	require.Equal(t, ptp.PortStateUncalibrated, p.State())
	require.NotZero(t, p.clock.Parent.GrandmasterIdentity)

	timeout := p.announceReceiptTimeout()
	p.Tick(epoch.Add(timeout + time.Millisecond))

	assert.Equal(t, ptp.PortStateListening, p.State())
	assert.Zero(t, p.clock.Parent.GrandmasterIdentity)
}

// S5 Master election (SPEC_FULL.md scenarios): a non-slaveOnly port with a
// better clockClass than the only candidate on the wire elects itself,
// holds in PRE_MASTER for the qualification timeout, then promotes to
// MASTER and begins emitting Announce/Sync.
func TestS5MasterElectionSelectsSelfAndBeginsEmitting(t *testing.T) {
	p := newTestPort(DefaultConfig(), false)
	p.Initialize()

	header, body := announceFrom(0x99, 128, 248, 0, 0)
	p.HandleAnnounce(epoch, header, body)
	require.Equal(t, ptp.PortStateListening, p.State(), "not yet qualified after a single observation")
	p.HandleAnnounce(epoch, header, body)

	require.Equal(t, ptp.PortStatePreMaster, p.State(), "holds for qualification before MASTER")
	assert.True(t, p.timers.Running(timer.AnnounceInterval))
	assert.True(t, p.timers.Running(timer.Sync))
	assert.True(t, p.timers.Running(timer.Qualification))

	qualified := epoch.Add(p.cfg.QualificationTimeout + time.Millisecond)
	p.Tick(qualified)
	require.Equal(t, ptp.PortStateMaster, p.State())

	result := p.Tick(qualified.Add(p.cfg.AnnounceInterval))
	require.NotEmpty(t, result.Outbound)
	// Both Sync and AnnounceInterval expire on this tick; timer-id order
	// services Sync (event channel) before Announce (general channel).
	assert.Equal(t, ChannelEvent, result.Outbound[0].Channel)
	assert.Equal(t, ChannelGeneral, result.Outbound[len(result.Outbound)-1].Channel)
}

// S6 Peer delay (SPEC_FULL.md scenarios): t1=0, t2=1us, t3=2us, t4=3us over
// a two-step P2P exchange yields peerMeanPathDelay=1000ns before filtering.
func TestS6PeerDelayComputesMeanPathDelay(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DelayMechanism = datasets.DelayMechanismP2P
	p := newTestPort(cfg, false)
	p.Initialize()

	p.pdelayReq = pendingPdelayReq{valid: true, sequenceID: 7, t1: timeinternal.FromDuration(0)}

	respHeader := ptp.Header{SequenceID: 7, FlagField: ptp.FlagTwoStep}
	result := p.HandlePdelayResp(respHeader, ptp.PDelayRespBody{
		RequestReceiptTimestamp: ptp.NewTimestamp(time.Unix(0, int64(1*time.Microsecond))),
		RequestingPortIdentity:  p.clock.Port.PortIdentity,
	}, timeinternal.FromDuration(3*time.Microsecond))
	assert.Empty(t, result.Outbound)

	result = p.HandlePdelayRespFollowUp(respHeader, ptp.PDelayRespFollowUpBody{
		ResponseOriginTimestamp: ptp.NewTimestamp(time.Unix(0, int64(2*time.Microsecond))),
		RequestingPortIdentity:  p.clock.Port.PortIdentity,
	})
	_ = result

	assert.Equal(t, 1000*time.Nanosecond, p.clock.Port.PeerMeanPathDelay.Duration())
}

// Testable property 4 from SPEC_FULL.md §8: in SLAVE state, after a matched
// Sync/Follow_Up/Delay_Req/Delay_Resp quadruple, the computed offset equals
// ((t2-t1)-(t4-t3))/2.
func TestOffsetComputationMatchesQuadrupleFormula(t *testing.T) {
	p := newTestPort(DefaultConfig(), true)
	p.Initialize()
	header, body := announceFrom(0x42, 128, 6, 0, 0)
	p.HandleAnnounce(epoch, header, body)
	p.HandleAnnounce(epoch, header, body)

	p.clock.LastTimestamps.MasterToSlaveDelay = timeinternal.FromDuration(500 * time.Nanosecond)
	p.clock.LastTimestamps.SlaveToMasterDelay = timeinternal.FromDuration(300 * time.Nanosecond)
	result := p.runServo()

	assert.Equal(t, 100*time.Nanosecond, p.clock.Current.OffsetFromMaster.Duration())
	assert.Equal(t, 400*time.Nanosecond, p.clock.Current.MeanPathDelay.Duration())
	require.NotNil(t, result.Clock)
}

// Invariant 3 from SPEC_FULL.md §8: repeated Announces from one
// sourcePortIdentity collapse to a single foreign-master record.
func TestRepeatedAnnouncesFromSameSenderCollapseToOneRecord(t *testing.T) {
	p := newTestPort(DefaultConfig(), false)
	p.Initialize()
	header, body := announceFrom(0x55, 1, 6, 0, 0)

	for i := 0; i < 5; i++ {
		p.HandleAnnounce(epoch, header, body)
	}
	assert.Equal(t, 1, p.foreign.Len())
}

// Announces for a different domain are silently discarded and never reach
// the foreign-master table.
func TestAnnounceWrongDomainIsDiscarded(t *testing.T) {
	p := newTestPort(DefaultConfig(), false)
	p.Initialize()
	header, body := announceFrom(0x55, 1, 6, 0, 7) // domain 7, port is domain 0

	p.HandleAnnounce(epoch, header, body)
	assert.Zero(t, p.foreign.Len())
}

// A Delay_Resp whose requestingPortIdentity does not match the local port
// is discarded without feeding the servo.
func TestDelayRespWrongRequesterDiscarded(t *testing.T) {
	p := newTestPort(DefaultConfig(), true)
	p.Initialize()
	p.delayReq = pendingDelayReq{valid: true, sequenceID: 3, t3: timeinternal.New(1, 0)}

	result := p.HandleDelayResp(ptp.Header{SequenceID: 3}, ptp.DelayRespBody{
		RequestingPortIdentity: ptp.PortIdentity{ClockIdentity: 0xdead, PortNumber: 9},
	})
	assert.Nil(t, result.Clock)
	assert.True(t, p.delayReq.valid, "mismatched response must not consume the pending request")
}

// A resolved meanPathDelay above the configured maxDelay (SPEC_FULL.md §6)
// is discarded before it reaches the servo.
func TestMeanPathDelayAboveMaxDelayIsDiscarded(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxDelay = 100 * time.Nanosecond
	p := newTestPort(cfg, true)
	p.Initialize()

	p.clock.LastTimestamps.MasterToSlaveDelay = timeinternal.FromDuration(500 * time.Nanosecond)
	p.clock.LastTimestamps.SlaveToMasterDelay = timeinternal.FromDuration(300 * time.Nanosecond)
	result := p.runServo()

	assert.Nil(t, result.Clock)
	assert.Zero(t, p.clock.Current.MeanPathDelay.Duration())
}
