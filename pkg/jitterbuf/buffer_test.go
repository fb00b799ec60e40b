package jitterbuf

import (
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/rtpcore/internal/clock"
	"github.com/arzzra/rtpcore/pkg/wire"
)

func pkt(seq uint16, ts uint32) *wire.Packet {
	return &wire.Packet{Packet: rtp.Packet{Header: rtp.Header{SequenceNumber: seq, Timestamp: ts}}}
}

func TestBuffer_ReorderingWithoutLoss(t *testing.T) {
	fc := clock.NewFakeClock(time.Unix(1000, 0))
	buf := New(Config{LatencyBudget: 150 * time.Millisecond, ClockRate: 8000, Clock: fc})

	order := []int{0, 1, 3, 2, 4, 5, 6, 7, 8, 9}
	seqs := []uint16{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	tss := make([]uint32, 10)
	for i := range tss {
		tss[i] = uint32(i * 160) // 20ms @ 8kHz
	}

	for _, idx := range order {
		_, _, err := buf.Insert(pkt(seqs[idx], tss[idx]), tss[idx], false, fc.Now())
		require.NoError(t, err)
	}

	fc.Advance(350 * time.Millisecond) // last group's deadline is 150ms + 9*20ms = 330ms
	released := buf.Release(fc.Now())
	require.Len(t, released, 10)
	for i, g := range released {
		pkts := g.Packets()
		require.Len(t, pkts, 1)
		assert.Equal(t, seqs[i], pkts[0].SequenceNumber)
	}
	assert.EqualValues(t, 0, buf.DuplicateCount)
	assert.EqualValues(t, 0, buf.LateCount)
}

func TestBuffer_DuplicateDetection(t *testing.T) {
	fc := clock.NewFakeClock(time.Unix(1000, 0))
	buf := New(Config{LatencyBudget: 150 * time.Millisecond, ClockRate: 8000, Clock: fc})

	_, isNew, err := buf.Insert(pkt(1, 0), 0, false, fc.Now())
	require.NoError(t, err)
	assert.True(t, isNew)

	_, isNew, err = buf.Insert(pkt(1, 0), 0, false, fc.Now())
	assert.ErrorIs(t, err, ErrDuplicatePacket)
	assert.False(t, isNew)
	assert.EqualValues(t, 1, buf.DuplicateCount)
}

func TestBuffer_LatePlayoutDropped(t *testing.T) {
	fc := clock.NewFakeClock(time.Unix(1000, 0))
	buf := New(Config{LatencyBudget: 150 * time.Millisecond, ClockRate: 8000, Clock: fc})

	_, _, err := buf.Insert(pkt(1, 0), 0, false, fc.Now())
	require.NoError(t, err)

	fc.Advance(200 * time.Millisecond)
	_, _, err = buf.Insert(pkt(2, 160), 160, false, fc.Now()) // deadline 150ms + 20ms < 200ms
	assert.ErrorIs(t, err, ErrLatePacket)
	assert.EqualValues(t, 1, buf.LateCount)
}

func TestBuffer_ReleaseOnlyReadyGroups(t *testing.T) {
	fc := clock.NewFakeClock(time.Unix(1000, 0))
	buf := New(Config{LatencyBudget: 150 * time.Millisecond, ClockRate: 8000, Clock: fc})

	_, _, _ = buf.Insert(pkt(1, 0), 0, false, fc.Now())
	_, _, _ = buf.Insert(pkt(2, 8000), 8000, false, fc.Now()) // 1s later in ticks

	fc.Advance(150 * time.Millisecond)
	released := buf.Release(fc.Now())
	require.Len(t, released, 1)
	assert.EqualValues(t, 1, buf.Pending())

	fc.Advance(1 * time.Second)
	released = buf.Release(fc.Now())
	require.Len(t, released, 1)
	assert.EqualValues(t, 0, buf.Pending())
}
