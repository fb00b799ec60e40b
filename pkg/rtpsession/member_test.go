package rtpsession

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMember_ProbationThenMonotonicSequence(t *testing.T) {
	now := time.Unix(1000, 0)
	m := newMember(0xabc, 10, now)
	assert.False(t, m.Validated)

	// First packet (seq 10) is consumed by newMember itself; probation
	// needs minSequential (2) more in a row before the member validates.
	require.True(t, m.updateSeq(11))
	assert.False(t, m.Validated)
	require.True(t, m.updateSeq(12))
	assert.True(t, m.Validated)

	require.True(t, m.updateSeq(13))
	require.True(t, m.updateSeq(14))
	assert.EqualValues(t, 14, m.extendedSeq())
}

func TestMember_ProbationResetsOnGap(t *testing.T) {
	now := time.Unix(1000, 0)
	m := newMember(1, 10, now)

	require.True(t, m.updateSeq(11))
	assert.False(t, m.Validated)

	// A gap during probation restarts the count instead of validating.
	require.False(t, m.updateSeq(20))
	assert.False(t, m.Validated)
}

func TestMember_ExtendedSeqRollsOverCycle(t *testing.T) {
	// Constructed past probation, already validated, one step before the
	// 16-bit wire sequence number wraps.
	m := &Member{baseSeq: 0xfffe, maxSeq: 0xfffe, badSeq: badSeqSentinel, Validated: true}

	require.True(t, m.updateSeq(0xffff))
	require.True(t, m.updateSeq(0)) // wraps the 16-bit space
	require.True(t, m.updateSeq(1))

	assert.EqualValues(t, 1, m.cycles)
	assert.EqualValues(t, uint32(1)<<16|1, m.extendedSeq())
}

// TestMember_LargeJumpRequiresTwoConsecutivePacketsToResync is a regression
// test: a bad_seq sentinel of 0 would let a large-jump packet whose wire
// sequence number happens to be exactly 0 spuriously match m.badSeq and
// resync on the very first out-of-range packet, skipping the two-packet
// confirmation RFC 3550 Appendix A.1 requires.
func TestMember_LargeJumpRequiresTwoConsecutivePacketsToResync(t *testing.T) {
	// Already validated, mid-stream at sequence number 50000.
	m := &Member{baseSeq: 50000, maxSeq: 50000, badSeq: badSeqSentinel, Validated: true}

	// A single packet landing on sequence number 0 is a large jump; it
	// must be dropped, not resynced immediately, even though 0 is a
	// perfectly valid wire sequence number that a badSeq sentinel of 0
	// would spuriously match.
	accepted := m.updateSeq(0)
	assert.False(t, accepted)
	assert.EqualValues(t, 50000, m.maxSeq)
	assert.EqualValues(t, 1, m.badSeq)

	// The confirming packet at bad_seq resyncs.
	accepted = m.updateSeq(1)
	assert.True(t, accepted)
	assert.EqualValues(t, 1, m.maxSeq)
	assert.EqualValues(t, badSeqSentinel, m.badSeq)
}

func TestMember_JitterEstimateStepBound(t *testing.T) {
	m := &Member{}
	m.updateJitterWithTimestamps(1000, 0) // first sample: no jitter yet
	assert.EqualValues(t, 0, m.JitterEstimate())

	// D = (2000-160) - (1000-0) = 840; J += (840-0)/16 = 52.5
	m.updateJitterWithTimestamps(2000, 160)
	assert.EqualValues(t, 52, m.JitterEstimate())

	// A repeated identical transit delta (D stays 840, so |D|-J shrinks)
	// must never push jitter past the previous step's bound.
	before := m.jitter
	m.updateJitterWithTimestamps(3000, 320)
	assert.Less(t, m.jitter, before+840)
	assert.Greater(t, m.jitter, before)
}

func TestMember_FractionLostAndTotalLost(t *testing.T) {
	now := time.Unix(1000, 0)
	m := newMember(1, 0, now)
	require.True(t, m.updateSeq(1))
	require.True(t, m.updateSeq(2))
	require.True(t, m.Validated)

	// Next accepted sequence is 5 (3, 4 lost).
	require.True(t, m.updateSeq(5))

	assert.EqualValues(t, 2, m.lost()) // expected (2..5 => 4) - received (2 and 5)
	assert.EqualValues(t, 128, m.fractionLost())
}

func TestMember_PresentationTimeRequiresSR(t *testing.T) {
	m := &Member{}
	_, ok := m.PresentationTime(12345, 8000)
	assert.False(t, ok)

	arrival := time.Unix(2000, 0)
	m.recordSR(1000, 0, arrival)
	pt, ok := m.PresentationTime(1160, 8000)
	require.True(t, ok)
	assert.Equal(t, arrival.Add(20*time.Millisecond), pt)
}
