package lossrtx

import (
	"sort"
	"time"

	"github.com/pion/rtcp"

	"github.com/arzzra/rtpcore/internal/clock"
	"github.com/arzzra/rtpcore/pkg/wire"
)

// FeedbackMode selects which feedback records Detector.DrainFeedbackRecords
// emits (spec §6 option table "feedback_mode").
type FeedbackMode int

const (
	FeedbackNone FeedbackMode = iota
	FeedbackNACK
	FeedbackACK
)

// massiveLossFraction is the default round-trip-aware-suppression
// threshold from spec §4.5 "Round-trip-aware suppression" ("more than a
// fraction (default 40%)").
const massiveLossFraction = 0.40

// gap tracks one outstanding (not-yet-arrived) sequence number.
type gap struct {
	openedAt time.Time
	deadline time.Time // zero if the predictor has no time-based path yet
	nacked   bool
}

// Config configures a Detector.
type Config struct {
	Predictor    Predictor
	FeedbackMode FeedbackMode
	Clock        clock.Clock

	// SelfSSRC/PeerSSRC stamp outbound generic-NACK/ACK records (spec §4.1
	// report-block SSRC fields reused for feedback records).
	SelfSSRC uint32
	PeerSSRC uint32
}

// Detector is the loss-detection and retransmission manager of spec §4.5:
// it runs a Predictor over arriving sequence numbers, declares gaps lost,
// and accumulates pending NACK/ACK feedback for the next RTCP report.
type Detector struct {
	cfg Config
	clk clock.Clock

	haveHighest bool
	highest     uint32
	haveLast    bool
	lastArrival time.Time

	gaps map[uint32]*gap

	pendingNACK []uint32 // ordered ascending, deduplicated
	pendingACK  []uint32

	intervalArrived      int
	intervalAssumedLost  int
	MassiveLoss          bool

	AssumedLostCount uint64
	LateCount        uint64
}

// New constructs a Detector.
func New(cfg Config) *Detector {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Detector{cfg: cfg, clk: clk, gaps: make(map[uint32]*gap)}
}

// OnPacketArrival implements spec §4.5's on_packet_arrival(t, sn) callback.
// sn is the session's 32-bit extended sequence number. It returns any
// sequence numbers the count-based predictor path declares lost as a
// direct consequence of this arrival (packet_assumed_lost); time-based
// declarations surface separately via EvaluateTimeouts.
func (d *Detector) OnPacketArrival(now time.Time, sn uint32) (assumedLost []uint32) {
	d.intervalArrived++

	if d.haveLast {
		d.cfg.Predictor.Observe(now.Sub(d.lastArrival).Seconds())
	}
	d.lastArrival = now
	d.haveLast = true

	if d.cfg.FeedbackMode == FeedbackACK {
		d.pendingACK = append(d.pendingACK, sn)
	}

	if g, ok := d.gaps[sn]; ok {
		delete(d.gaps, sn)
		if g.nacked {
			// A NACKed gap filled in before its deadline: remove it from
			// the pending set if not yet drained (spec §4.5 NACK
			// generation "a late-arrival of a previously NACKed SN
			// removes it from the pending set if not yet emitted").
			d.removePendingNACK(sn)
		}
	}

	if !d.haveHighest {
		d.haveHighest = true
		d.highest = sn
		return nil
	}
	if sn <= d.highest {
		return nil // reorder or duplicate, not a new highest
	}

	threshold := d.cfg.Predictor.GapThreshold()
	for missing := d.highest + 1; missing < sn; missing++ {
		if _, exists := d.gaps[missing]; exists {
			continue
		}
		g := &gap{openedAt: now}
		if timeout := d.cfg.Predictor.Timeout(); timeout > 0 {
			g.deadline = now.Add(time.Duration(timeout * float64(time.Second)))
		}
		d.gaps[missing] = g
	}
	if threshold > 0 {
		for missing, g := range d.gaps {
			if !g.nacked && sn-missing > threshold {
				d.declareLost(missing)
				assumedLost = append(assumedLost, missing)
			}
		}
		sort.Slice(assumedLost, func(i, j int) bool { return assumedLost[i] < assumedLost[j] })
	}
	d.highest = sn
	return assumedLost
}

// NextDeadline returns the earliest open gap's time-based deadline, or the
// zero Time if no gap has one. Used by the event loop to schedule the next
// EvaluateTimeouts call (spec §5's single deadline_timer-per-pending-work
// pattern, mirrored from jitterbuf.Buffer.NextDeadline).
func (d *Detector) NextDeadline() time.Time {
	var earliest time.Time
	for _, g := range d.gaps {
		if g.deadline.IsZero() {
			continue
		}
		if earliest.IsZero() || g.deadline.Before(earliest) {
			earliest = g.deadline
		}
	}
	return earliest
}

// EvaluateTimeouts declares lost every gap whose time-based deadline has
// passed as of now, returning the newly-assumed-lost sequence numbers.
func (d *Detector) EvaluateTimeouts(now time.Time) (assumedLost []uint32) {
	for sn, g := range d.gaps {
		if g.nacked || g.deadline.IsZero() || g.deadline.After(now) {
			continue
		}
		d.declareLost(sn)
		assumedLost = append(assumedLost, sn)
	}
	sort.Slice(assumedLost, func(i, j int) bool { return assumedLost[i] < assumedLost[j] })
	return assumedLost
}

// declareLost fires packet_assumed_lost(sn) bookkeeping: it stays tracked
// in d.gaps (so a late arrival can still be recognized and fulfilled) but
// is added to the pending-NACK set and the massive-loss interval counter.
func (d *Detector) declareLost(sn uint32) {
	d.intervalAssumedLost++
	d.AssumedLostCount++
	if g, ok := d.gaps[sn]; ok {
		g.nacked = true
	}
	if d.cfg.FeedbackMode == FeedbackNACK {
		d.addPendingNACK(sn)
	}
}

// OnRTXPacketArrival implements spec §4.5 on_rtx_packet_arrival(t,
// original_sn): the receiver reports the arrival of a retransmitted copy.
// duplicate is true (and late false) if original_sn is not a tracked gap,
// either because it was never missing or because it has already arrived.
// For a tracked gap, the gap is closed, any pending NACK for it is
// withdrawn, and late is true if original_sn is below the highest sequence
// number seen and time has passed since the gap was opened.
func (d *Detector) OnRTXPacketArrival(now time.Time, originalSN uint32) (late bool, duplicate bool) {
	g, tracked := d.gaps[originalSN]
	if !tracked {
		return false, true
	}
	delete(d.gaps, originalSN)
	if g.nacked {
		d.removePendingNACK(originalSN)
	}
	if originalSN <= d.highest && now.Sub(g.openedAt) > 0 {
		late = originalSN < d.highest
	}
	return late, false
}

// OnRTXRequested implements spec §4.5 on_rtx_requested(t, sn): records that
// we asked for a retransmission by marking sn's gap as NACKed, so neither
// the count-based nor the time-based path declares it lost afterwards.
// EvaluateMassiveLoss does not read this mark.
func (d *Detector) OnRTXRequested(now time.Time, sn uint32) {
	if g, ok := d.gaps[sn]; ok {
		g.nacked = true
	}
}

// EvaluateMassiveLoss implements spec §4.5 "Round-trip-aware suppression":
// if more than massiveLossFraction of packets expected this interval were
// assumed lost, it sets MassiveLoss, clears pending NACKs (an individual
// retransmission storm is pointless for anything near a keyframe refresh),
// and resets the interval counters. Called once per RTCP interval.
func (d *Detector) EvaluateMassiveLoss() (massive bool) {
	total := d.intervalArrived + d.intervalAssumedLost
	if total > 0 && float64(d.intervalAssumedLost)/float64(total) > massiveLossFraction {
		d.MassiveLoss = true
		d.pendingNACK = nil
	} else {
		d.MassiveLoss = false
	}
	d.intervalArrived = 0
	d.intervalAssumedLost = 0
	return d.MassiveLoss
}

func (d *Detector) addPendingNACK(sn uint32) {
	i := sort.Search(len(d.pendingNACK), func(i int) bool { return d.pendingNACK[i] >= sn })
	if i < len(d.pendingNACK) && d.pendingNACK[i] == sn {
		return
	}
	d.pendingNACK = append(d.pendingNACK, 0)
	copy(d.pendingNACK[i+1:], d.pendingNACK[i:])
	d.pendingNACK[i] = sn
}

func (d *Detector) removePendingNACK(sn uint32) {
	i := sort.Search(len(d.pendingNACK), func(i int) bool { return d.pendingNACK[i] >= sn })
	if i < len(d.pendingNACK) && d.pendingNACK[i] == sn {
		d.pendingNACK = append(d.pendingNACK[:i], d.pendingNACK[i+1:]...)
	}
}

// DrainFeedbackRecords implements rtcpsched.FeedbackProducer: it converts
// the pending-NACK or pending-ACK set into wire records and clears it,
// satisfying spec §4.5 "When the enclosing session produces its next
// feedback batch, convert the set into one or more generic-NACK records...
// clear the set" and the ACK-mode equivalent.
func (d *Detector) DrainFeedbackRecords() []rtcp.Packet {
	switch d.cfg.FeedbackMode {
	case FeedbackNACK:
		return d.drainNACK()
	case FeedbackACK:
		return d.drainACK()
	default:
		return nil
	}
}

// drainNACK packs pendingNACK (ascending, deduplicated sequence numbers)
// into RFC 4585 generic-NACK pairs: each pair covers a base SN plus a
// 16-bit follow-up bitmask, grounded on
// HMasataka-ion-sfu/pkg/buffer/nack.go's pairs() compression.
func (d *Detector) drainNACK() []rtcp.Packet {
	if len(d.pendingNACK) == 0 {
		return nil
	}
	var pairs []rtcp.NackPair
	var cur rtcp.NackPair
	open := false
	for _, sn := range d.pendingNACK {
		s16 := uint16(sn)
		if !open || s16 > cur.PacketID+16 {
			if open {
				pairs = append(pairs, cur)
			}
			cur = rtcp.NackPair{PacketID: s16, LostPackets: 0}
			open = true
			continue
		}
		cur.LostPackets |= 1 << (s16 - cur.PacketID - 1)
	}
	if open {
		pairs = append(pairs, cur)
	}
	d.pendingNACK = nil
	return []rtcp.Packet{&rtcp.TransportLayerNack{
		SenderSSRC: d.cfg.SelfSSRC,
		MediaSSRC:  d.cfg.PeerSSRC,
		Nacks:      pairs,
	}}
}

// drainACK packs pendingACK into wire.GenericAck records the same way:
// tail-sorted, consecutive SNs within 16 of a base collapse into mask bits
// (spec §4.5 "ACK mode").
func (d *Detector) drainACK() []rtcp.Packet {
	if len(d.pendingACK) == 0 {
		return nil
	}
	sorted := append([]uint32(nil), d.pendingACK...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var acks []wire.AckPair
	var cur wire.AckPair
	open := false
	for _, sn := range sorted {
		s16 := uint16(sn)
		if !open || s16 > cur.BaseSequenceNumber+16 {
			if open {
				acks = append(acks, cur)
			}
			cur = wire.AckPair{BaseSequenceNumber: s16, Mask: 0}
			open = true
			continue
		}
		if s16 != cur.BaseSequenceNumber {
			cur.Mask |= 1 << (s16 - cur.BaseSequenceNumber - 1)
		}
	}
	if open {
		acks = append(acks, cur)
	}
	d.pendingACK = nil
	return []rtcp.Packet{&wire.GenericAck{
		SenderSSRC: d.cfg.SelfSSRC,
		MediaSSRC:  d.cfg.PeerSSRC,
		Acks:       acks,
	}}
}
