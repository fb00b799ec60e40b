package rtpsession

import (
	"time"

	"github.com/google/uuid"
)

// RFC 3550 Appendix A.1 constants, named exactly as spec §4.2 names them.
const (
	maxDropout   = 3000
	maxMisorder  = 100
	minSequential = 2

	// rtpSeqMod is 1<<16; badSeqSentinel (RTP_SEQ_MOD+1) is outside the
	// range of any real 16-bit sequence number, so it can never be
	// mistaken for one (RFC 3550 Appendix A.1).
	rtpSeqMod     = 1 << 16
	badSeqSentinel = rtpSeqMod + 1
)

// srMapping is the last sender-report clock pair recorded for a member,
// used to compute presentation time per spec §4.2 "RTP-to-wall-clock
// synchronization".
type srMapping struct {
	rtpTimestamp uint32
	ntpMiddle32  uint32 // middle 32 bits of the SR's 64-bit NTP timestamp
	arrivalWall  time.Time
	valid        bool
}

// Member is the per-remote-SSRC state from spec §3 "MemberEntry".
type Member struct {
	// DiagID is a short opaque per-member identifier; it carries no
	// protocol meaning, and no package in this module logs or exports it.
	DiagID uuid.UUID

	SSRC uint32

	// Packet/byte counters.
	PacketsReceived uint64
	BytesReceived   uint64
	OctetsInterval  uint64

	// Sequence-number extension state (RFC 3550 Appendix A.1).
	cycles        uint16
	baseSeq       uint16
	maxSeq        uint16
	badSeq        uint32
	probation     int
	received      uint32
	expectedPrior uint32
	receivedPrior uint32

	Validated bool

	// Jitter (spec §4.2, §8 invariant on per-step bound).
	jitter      float64
	lastTransit int64
	haveLastTransit bool

	// Sender-report clock mapping.
	lastSR srMapping
	// Round-trip inputs: LSR/DLSR are computed from lastSR when building
	// our own reverse report.

	Description SourceDescription

	FirstSeen time.Time
	LastRTP   time.Time
	LastRTCP  time.Time

	// IsSender is set when an RTP packet or a sender report arrives from
	// this member and is never cleared; Database.SenderCount applies the
	// "RTP within the last two RTCP intervals" window to LastRTP (spec
	// §4.2 "Member timeout and interval membership").
	IsSender bool

	// SentBYE marks a member that has announced departure, used by BYE
	// reconsideration (spec §4.3).
	SentBYE bool
}

// newMember creates a member entering probation on its first packet, per
// spec §3 MemberEntry lifecycle and §4.2 "Probation".
func newMember(ssrc uint32, seq uint16, now time.Time) *Member {
	m := &Member{
		DiagID:    uuid.New(),
		SSRC:      ssrc,
		baseSeq:   seq,
		maxSeq:    seq,
		probation: minSequential,
		FirstSeen: now,
	}
	return m
}

// extendedSeq returns the current 32-bit extended sequence number: cycles
// in the high word, maxSeq (the last accepted wire sequence number) in the
// low word — the invariant spec §3 requires.
func (m *Member) extendedSeq() uint32 {
	return uint32(m.cycles)<<16 | uint32(m.maxSeq)
}

// updateSeq implements the RFC 3550 Appendix A.1 update_seq algorithm,
// described in spec §4.2: extend the 16-bit wire sequence number, track
// probation, and detect/resync large jumps. Returns false if the packet
// should be dropped (it arrived during a jump awaiting resync and did not
// match bad_seq+1).
func (m *Member) updateSeq(seq uint16) bool {
	udelta := seq - m.maxSeq

	if m.probation > 0 {
		if seq == m.maxSeq+1 {
			m.probation--
			m.maxSeq = seq
			if m.probation == 0 {
				m.initSeq(seq)
				m.Validated = true
				m.received++
				return true
			}
			return true
		}
		m.probation = minSequential - 1
		m.maxSeq = seq
		return false
	}

	switch {
	case udelta < maxDropout:
		if seq < m.maxSeq {
			// Sequence number wrapped around the 16-bit space.
			m.cycles++
		}
		m.maxSeq = seq
	case udelta <= uint16(65536-maxMisorder):
		if uint32(seq) == m.badSeq {
			// Two sequential packets at the jump: resync.
			m.initSeq(seq)
			m.Validated = true
		} else {
			m.badSeq = (uint32(seq) + 1) & 0xffff
			return false
		}
	default:
		// Duplicate or a misordered packet within tolerance; ignore for
		// extension purposes but do not reject — it may still be a valid
		// reordered arrival the jitter buffer wants.
	}
	m.received++
	return true
}

// initSeq (re)initializes the rollover state, used when a member completes
// probation and when a large sequence jump re-syncs it.
func (m *Member) initSeq(seq uint16) {
	m.baseSeq = seq
	m.maxSeq = seq
	m.badSeq = badSeqSentinel
	m.cycles = 0
	m.received = 0
	m.expectedPrior = 0
	m.receivedPrior = 0
}

// expected returns packets-expected per spec §3:
// extended-highest-received - base-sequence-number + 1.
func (m *Member) expected() uint32 {
	return m.extendedSeq() - uint32(m.baseSeq) + 1
}

// lost returns the signed 32-bit cumulative packets-lost, clipped to the
// 24-bit range a report block can carry (spec §4.1 report-block field).
func (m *Member) lost() int32 {
	exp := int64(m.expected())
	lostVal := exp - int64(m.received)
	const maxPositive = 0x7fffff
	const maxNegative = -0x800000
	if lostVal > maxPositive {
		return maxPositive
	}
	if lostVal < maxNegative {
		return maxNegative
	}
	return int32(lostVal)
}

// fractionLost computes the interval fraction-lost byte for the next RR,
// per RFC 3550 §6.4.1, and rolls the expected/received-prior counters
// forward the way spec §3 describes.
func (m *Member) fractionLost() uint8 {
	expectedInterval := m.expected() - m.expectedPrior
	m.expectedPrior = m.expected()
	receivedInterval := m.received - m.receivedPrior
	m.receivedPrior = m.received
	lostInterval := int64(expectedInterval) - int64(receivedInterval)

	if expectedInterval == 0 || lostInterval <= 0 {
		return 0
	}
	return uint8((lostInterval << 8) / int64(expectedInterval))
}

// rtpToWallClockTicks converts a wall-clock instant into RTP-timestamp
// units at the given clock rate, used by jitter and presentation-time
// computation (spec §4.2).
func rtpToWallClockTicks(t time.Time, clockRate uint32) uint32 {
	secs := uint64(t.Unix()) * uint64(clockRate)
	frac := uint64(t.Nanosecond()) * uint64(clockRate) / uint64(time.Second)
	return uint32(secs + frac)
}

// updateJitterWithTimestamps applies the transit-difference recurrence
// from spec §4.2/§8: R_i = arrival converted to RTP-timestamp units;
// D = R_i - R_prev; J += (|D| - J) / 16. Only called for validated
// members. arrivalRTP is the arrival wall-time already converted to RTP
// timestamp units (via rtpToWallClockTicks); packetRTP is the packet's own
// RTP timestamp.
func (m *Member) updateJitterWithTimestamps(arrivalRTP, packetRTP uint32) {
	transit := int64(arrivalRTP) - int64(packetRTP)
	if m.haveLastTransit {
		d := transit - m.lastTransit
		if d < 0 {
			d = -d
		}
		m.jitter += (float64(d) - m.jitter) / 16
	}
	m.lastTransit = transit
	m.haveLastTransit = true
}

// JitterEstimate returns the current interarrival jitter estimate in RTP
// timestamp units (spec §3 MemberEntry "interarrival jitter state").
func (m *Member) JitterEstimate() uint32 {
	return uint32(m.jitter)
}

// recordSR stores the sender-report clock mapping used to compute
// presentation time for subsequent RTP packets (spec §4.2).
func (m *Member) recordSR(rtpTimestamp uint32, ntpMiddle32 uint32, arrival time.Time) {
	m.lastSR = srMapping{rtpTimestamp: rtpTimestamp, ntpMiddle32: ntpMiddle32, arrivalWall: arrival, valid: true}
	m.LastRTCP = arrival
}

// ExtendedSeqPublic exposes the extended sequence number for report-block
// assembly (spec §4.1 report-block "extended highest sequence number
// received").
func (m *Member) ExtendedSeqPublic() uint32 { return m.extendedSeq() }

// LostPublic exposes the cumulative-lost value for report-block assembly,
// two's-complement-encoded the way the 24-bit signed wire field expects.
func (m *Member) LostPublic() uint32 { return uint32(m.lost()) }

// FractionLostPublic exposes the interval fraction-lost byte and advances
// the expected/received-prior counters (spec §4.1 report-block "fraction
// lost"). Call once per assembled report, not more.
func (m *Member) FractionLostPublic() uint8 { return m.fractionLost() }

// LastSRForReverseReport returns LSR (the middle 32 bits of the last
// received SR's NTP timestamp) and DLSR (delay since that SR, in units of
// 1/65536 seconds), both zero if no SR has been received yet (spec §4.1
// report-block "LSR"/"DLSR").
func (m *Member) LastSRForReverseReport(now time.Time) (lsr uint32, dlsr uint32) {
	if !m.lastSR.valid {
		return 0, 0
	}
	lsr = m.lastSR.ntpMiddle32
	delay := now.Sub(m.lastSR.arrivalWall)
	if delay < 0 {
		delay = 0
	}
	dlsr = uint32(delay.Seconds() * 65536)
	return lsr, dlsr
}

// PresentationTime computes a packet's wall-clock presentation time from
// the last recorded SR mapping, per spec §4.2. The second return value is
// false before the first SR is processed ("not synchronized").
func (m *Member) PresentationTime(packetRTPTimestamp uint32, clockRate uint32) (time.Time, bool) {
	if !m.lastSR.valid {
		return time.Time{}, false
	}
	// Signed 32-bit subtraction so wraparound across 2^32 is handled.
	deltaTicks := int32(packetRTPTimestamp - m.lastSR.rtpTimestamp)
	delta := time.Duration(int64(deltaTicks)) * time.Second / time.Duration(clockRate)
	return m.lastSR.arrivalWall.Add(delta), true
}
