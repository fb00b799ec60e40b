package lossrtx

import (
	"testing"
	"time"

	"github.com/pion/rtcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/rtpcore/internal/clock"
)

func TestDetector_SimplePredictor_GapThresholdDeclaresLost(t *testing.T) {
	fc := clock.NewFakeClock(time.Unix(1000, 0))
	d := New(Config{
		Predictor:    SimplePredictor{Threshold: 2},
		FeedbackMode: FeedbackNACK,
		Clock:        fc,
		SelfSSRC:     1,
		PeerSSRC:     2,
	})

	lost := d.OnPacketArrival(fc.Now(), 100)
	assert.Empty(t, lost)
	// 101 missing; arrival of 104 means 104-101=3 > threshold 2, so 101 is
	// declared lost; 102, 103 are still within tolerance.
	lost = d.OnPacketArrival(fc.Now(), 104)
	assert.Equal(t, []uint32{101}, lost)

	records := d.DrainFeedbackRecords()
	require.Len(t, records, 1)
	nack, ok := records[0].(*rtcp.TransportLayerNack)
	require.True(t, ok)
	require.Len(t, nack.Nacks, 1)
	assert.EqualValues(t, 101, nack.Nacks[0].PacketID)
}

func TestDetector_LateArrivalRemovesPendingNACK(t *testing.T) {
	fc := clock.NewFakeClock(time.Unix(1000, 0))
	d := New(Config{
		Predictor:    SimplePredictor{Threshold: 1},
		FeedbackMode: FeedbackNACK,
		Clock:        fc,
	})

	d.OnPacketArrival(fc.Now(), 10)
	d.OnPacketArrival(fc.Now(), 14) // declares 11 and 12 lost (14-11=3>1, 14-12=2>1, 14-13=1 not >1)

	// sn 11 arrives late, before the feedback batch drains.
	d.OnPacketArrival(fc.Now(), 11)

	records := d.DrainFeedbackRecords()
	require.Len(t, records, 1)
	nack := records[0].(*rtcp.TransportLayerNack)
	for _, p := range nack.Nacks {
		assert.NotEqualValues(t, 11, p.PacketID)
	}
}

func TestDetector_MassiveLossSuppression(t *testing.T) {
	fc := clock.NewFakeClock(time.Unix(1000, 0))
	d := New(Config{
		Predictor:    SimplePredictor{Threshold: 1},
		FeedbackMode: FeedbackNACK,
		Clock:        fc,
	})
	// threshold 1 declares every gap lost except the one right below 10.
	d.OnPacketArrival(fc.Now(), 1)
	d.OnPacketArrival(fc.Now(), 10) // 2..8 declared lost (10-9=1 not >1): 7 lost, 2 arrived

	massive := d.EvaluateMassiveLoss()
	assert.True(t, massive)
	assert.Empty(t, d.pendingNACK)
}

func TestRtxBuffer_CircularEviction(t *testing.T) {
	fc := clock.NewFakeClock(time.Unix(1000, 0))
	b := NewRtxBuffer(RtxConfig{Mode: RetentionCircular, Capacity: 2, Clock: fc})
	b.Store(1, []byte("a"), fc.Now())
	b.Store(2, []byte("b"), fc.Now())
	b.Store(3, []byte("c"), fc.Now())
	assert.Equal(t, 2, b.Len())
	_, err := b.BuildRetransmission(1, fc.Now())
	assert.ErrorIs(t, err, ErrRtxLookupMiss)
	pkt, err := b.BuildRetransmission(3, fc.Now())
	require.NoError(t, err)
	assert.NotNil(t, pkt)
}

func TestRtxBuffer_NackTimedEviction(t *testing.T) {
	fc := clock.NewFakeClock(time.Unix(1000, 0))
	b := NewRtxBuffer(RtxConfig{Mode: RetentionNackTimed, RtxTime: 200 * time.Millisecond, Clock: fc})
	b.Store(5, []byte("x"), fc.Now())
	fc.Advance(300 * time.Millisecond)
	_, err := b.BuildRetransmission(5, fc.Now())
	assert.ErrorIs(t, err, ErrRtxLookupMiss)
}

func TestDecodeRetransmission_RoundTrip(t *testing.T) {
	fc := clock.NewFakeClock(time.Unix(1000, 0))
	b := NewRtxBuffer(RtxConfig{Mode: RetentionCircular, RtxSSRC: 99, Clock: fc})
	original := []byte{0x80, 0x60, 0x00, 0x0a, 1, 2, 3, 4}
	b.Store(10, original, fc.Now())

	rtxPkt, err := b.BuildRetransmission(10, fc.Now())
	require.NoError(t, err)
	assert.EqualValues(t, 99, rtxPkt.SSRC)

	sn, inner, err := DecodeRetransmission(rtxPkt.Payload)
	require.NoError(t, err)
	assert.EqualValues(t, 10, sn)
	assert.Equal(t, original, inner)
}
