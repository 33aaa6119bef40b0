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

package protocol

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func sampleHeader(mt MessageType) Header {
	return Header{
		SdoIDAndMsgType: NewSdoIDAndMsgType(mt, 0),
		Version:         Version,
		DomainNumber:    0,
		FlagField:       FlagTwoStep,
		CorrectionField: NewCorrection(100),
		SourcePortIdentity: PortIdentity{
			ClockIdentity: 0x001122fffe334455,
			PortNumber:    1,
		},
		SequenceID:         7,
		LogMessageInterval: 0,
	}
}

// Invariant 1 from SPEC_FULL.md §8: pack(unpack(b)) == b for a well-formed
// Announce buffer.
func TestAnnounceRoundTrip(t *testing.T) {
	a := &Announce{
		Header: sampleHeader(MessageAnnounce),
		AnnounceBody: AnnounceBody{
			GrandmasterPriority1: 128,
			GrandmasterClockQuality: ClockQuality{
				ClockClass:              6,
				ClockAccuracy:           0x21,
				OffsetScaledLogVariance: 0x436A,
			},
			GrandmasterPriority2: 128,
			GrandmasterIdentity:  0x001122fffe334455,
			StepsRemoved:         0,
			TimeSource:           TimeSourceGNSS,
		},
	}
	a.MessageLength = uint16(headerSize + 30)

	raw, err := a.MarshalBinary()
	require.NoError(t, err)
	require.Len(t, raw, 64)

	decoded := &Announce{}
	require.NoError(t, decoded.UnmarshalBinary(raw))
	require.Equal(t, a, decoded)

	raw2, err := decoded.MarshalBinary()
	require.NoError(t, err)
	require.Equal(t, raw, raw2)
}

func TestSyncDelayReqRoundTrip(t *testing.T) {
	s := &SyncDelayReq{Header: sampleHeader(MessageSync)}
	s.MessageLength = uint16(headerSize + 10)
	s.OriginTimestamp = NewTimestamp(time.Unix(1, 0))

	raw, err := s.MarshalBinary()
	require.NoError(t, err)
	require.Len(t, raw, 44)

	decoded := &SyncDelayReq{}
	require.NoError(t, decoded.UnmarshalBinary(raw))
	require.Equal(t, s, decoded)
}

func TestFollowUpRoundTrip(t *testing.T) {
	f := &FollowUp{Header: sampleHeader(MessageFollowUp)}
	f.PreciseOriginTimestamp = NewTimestamp(time.Unix(1, 0))

	raw, err := f.MarshalBinary()
	require.NoError(t, err)
	require.Len(t, raw, 44)

	decoded := &FollowUp{}
	require.NoError(t, decoded.UnmarshalBinary(raw))
	require.Equal(t, f, decoded)
}

func TestDelayRespRoundTrip(t *testing.T) {
	d := &DelayResp{Header: sampleHeader(MessageDelayResp)}
	d.ReceiveTimestamp = NewTimestamp(time.Unix(1, 1000))
	d.RequestingPortIdentity = PortIdentity{ClockIdentity: 0xaabbccfffe112233, PortNumber: 1}

	raw, err := d.MarshalBinary()
	require.NoError(t, err)
	require.Len(t, raw, 54)

	decoded := &DelayResp{}
	require.NoError(t, decoded.UnmarshalBinary(raw))
	require.Equal(t, d, decoded)
}

func TestPDelayRoundTrips(t *testing.T) {
	req := &PDelayReq{Header: sampleHeader(MessagePDelayReq)}
	req.OriginTimestamp = NewTimestamp(time.Unix(0, 0))
	raw, err := req.MarshalBinary()
	require.NoError(t, err)
	require.Len(t, raw, 54)
	decodedReq := &PDelayReq{}
	require.NoError(t, decodedReq.UnmarshalBinary(raw))
	require.Equal(t, req, decodedReq)

	resp := &PDelayResp{Header: sampleHeader(MessagePDelayResp)}
	resp.RequestReceiptTimestamp = NewTimestamp(time.Unix(0, 1000))
	resp.RequestingPortIdentity = PortIdentity{ClockIdentity: 1, PortNumber: 1}
	raw, err = resp.MarshalBinary()
	require.NoError(t, err)
	require.Len(t, raw, 54)
	decodedResp := &PDelayResp{}
	require.NoError(t, decodedResp.UnmarshalBinary(raw))
	require.Equal(t, resp, decodedResp)

	fu := &PDelayRespFollowUp{Header: sampleHeader(MessagePDelayRespFollowUp)}
	fu.ResponseOriginTimestamp = NewTimestamp(time.Unix(0, 2000))
	fu.RequestingPortIdentity = PortIdentity{ClockIdentity: 1, PortNumber: 1}
	raw, err = fu.MarshalBinary()
	require.NoError(t, err)
	require.Len(t, raw, 54)
	decodedFU := &PDelayRespFollowUp{}
	require.NoError(t, decodedFU.UnmarshalBinary(raw))
	require.Equal(t, fu, decodedFU)
}

func TestDecodePacketDispatchesOnMessageType(t *testing.T) {
	a := &Announce{Header: sampleHeader(MessageAnnounce)}
	a.MessageLength = uint16(headerSize + 30)
	raw, err := a.MarshalBinary()
	require.NoError(t, err)

	decoded, err := DecodePacket(raw)
	require.NoError(t, err)
	require.IsType(t, &Announce{}, decoded)
	require.Equal(t, MessageAnnounce, decoded.MessageType())
}

func TestUnmarshalRejectsShortBuffer(t *testing.T) {
	s := &SyncDelayReq{}
	err := s.UnmarshalBinary(make([]byte, 10))
	require.Error(t, err)
}
