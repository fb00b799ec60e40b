package jitterbuf

import (
	"sort"
	"sync"
	"time"

	"github.com/arzzra/rtpcore/internal/clock"
	"github.com/arzzra/rtpcore/pkg/wire"
)

// KeyMode records which playout key the caller supplies, per spec §4.4
// "Playout key": a session with a single RTP clock source keys groups by
// RTP timestamp directly; a session synchronizing multiple RTCP-mapped
// sources keys by presentation wall-time instead. The buffer does not
// compute the key itself — the caller supplies it per packet, already
// resolved the way spec §4.2 describes — and KeyMode does not change how
// two keys are compared: both modes go through keyDelta's wraparound-aware
// signed 32-bit tick subtraction.
type KeyMode int

const (
	// KeyRTPTimestamp compares keys as RTP-timestamp ticks with
	// wraparound-aware signed subtraction.
	KeyRTPTimestamp KeyMode = iota
	// KeyPresentationTime marks keys that are presentation times the
	// caller has already converted to a 32-bit tick count at ClockRate;
	// they are compared with the same wraparound-aware signed subtraction
	// as KeyRTPTimestamp.
	KeyPresentationTime
)

// Group is a PlayoutBufferNode (spec §3): the set of packets sharing one
// playout key, plus the deadline computed when the group was created.
type Group struct {
	Key      uint32
	Deadline time.Time
	Synced   bool // true if Deadline derives from an RTCP-synchronized mapping

	packets map[uint16]*wire.Packet
	order   []uint16 // not maintained by Buffer; Packets sorts by seq on each call
}

// Packets returns the group's members ordered by sequence number, the order
// spec §4.4 "Release" requires ("delivered... as an ordered sequence").
func (g *Group) Packets() []*wire.Packet {
	seqs := make([]uint16, 0, len(g.packets))
	for sn := range g.packets {
		seqs = append(seqs, sn)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	out := make([]*wire.Packet, 0, len(seqs))
	for _, sn := range seqs {
		out = append(out, g.packets[sn])
	}
	return out
}

// Buffer is the receiver jitter buffer and playout scheduler of spec §4.4.
// It owns no timer itself: Insert returns the deadline so the event loop
// (spec §5) can schedule exactly one playout timer per new group, and
// Release is called by that timer (or by a poll loop) to dequeue everything
// whose deadline has passed.
type Buffer struct {
	mu sync.Mutex

	keyMode   KeyMode
	latency   time.Duration
	clockRate uint32 // ticks/sec for the RTP timestamp (or scaled presentation-time) key
	clk       clock.Clock

	haveFirst     bool
	firstKey      uint32
	firstDeadline time.Time

	groups []*Group // ascending by key-relative-to-firstKey order

	// lastSubflowReleaseKey records, per subflow, the key of the most
	// recently released group that subflow contributed to (multipath
	// supplement from original_source/mprtp/MpRtpPlayoutBuffer.h): a
	// packet arriving for a key at or behind its own subflow's last
	// release is "late in flow" even when the merged group deadline
	// hasn't passed yet (DuplicateCount/LateCount below answer "globally
	// late", this answers "behind where this particular subflow already
	// is").
	lastSubflowReleaseKey map[uint16]uint32

	DuplicateCount   uint64
	LateCount        uint64 // globally late: the merged group's deadline had already passed
	LateInFlowCount  uint64 // late relative to this packet's own subflow's playout progress
}

// Config configures a Buffer per spec §6's buffer_latency_ms option.
type Config struct {
	KeyMode       KeyMode
	LatencyBudget time.Duration // default 150ms
	// ClockRate is the tick rate of the playout key: the media clock rate
	// for KeyRTPTimestamp, or the scaling rate used to produce the
	// presentation-time tick count for KeyPresentationTime. Required; keys
	// are meaningless without it.
	ClockRate uint32
	Clock     clock.Clock
}

// New constructs a Buffer.
func New(cfg Config) *Buffer {
	if cfg.LatencyBudget == 0 {
		cfg.LatencyBudget = 150 * time.Millisecond
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Buffer{keyMode: cfg.KeyMode, latency: cfg.LatencyBudget, clockRate: cfg.ClockRate, clk: clk}
}

// keyDelta returns key-minus-firstKey converted to a duration, scaled by
// clockRate and signed-32-bit-subtracted so wraparound is handled (spec
// §4.2's rule applied to the playout key, per spec §4.4 "Subsequent
// deadlines are first_deadline + (key - first_key) with 32-bit
// RTP-timestamp subtraction that handles wraparound"). Both KeyModes use
// this: a KeyPresentationTime caller supplies a clock-rate-scaled tick
// count (via rtpsession's wall-clock-to-ticks conversion) rather than raw
// nanoseconds, so it wraps and scales the same way an RTP timestamp does.
func (b *Buffer) keyDelta(key uint32) time.Duration {
	deltaTicks := int64(int32(key - b.firstKey))
	return time.Duration(deltaTicks * int64(time.Second) / int64(b.clockRate))
}

// Insert accepts pkt, keyed by key, arriving at now. It returns the group's
// playout deadline and whether this call created a new group (the signal
// the caller uses to decide whether to schedule a timer, per spec §4.4
// insertion step 3). err is ErrLatePacket if the computed deadline has
// already passed, or ErrDuplicatePacket if the group already holds this
// sequence number.
func (b *Buffer) Insert(pkt *wire.Packet, key uint32, synced bool, now time.Time) (deadline time.Time, isNewGroup bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.haveFirst {
		b.haveFirst = true
		b.firstKey = key
		b.firstDeadline = now.Add(b.latency)
	}

	deadline = b.firstDeadline.Add(b.keyDelta(key))

	if pkt.HasSubflow {
		if lastKey, ok := b.lastSubflowReleaseKey[pkt.SubflowID]; ok && b.keyDelta(key) <= b.keyDelta(lastKey) {
			b.LateInFlowCount++
		}
	}

	if deadline.Before(now) {
		b.LateCount++
		return deadline, false, ErrLatePacket
	}

	if g := b.findGroup(key); g != nil {
		if _, dup := g.packets[pkt.SequenceNumber]; dup {
			b.DuplicateCount++
			return deadline, false, ErrDuplicatePacket
		}
		g.packets[pkt.SequenceNumber] = pkt
		return deadline, false, nil
	}

	g := &Group{
		Key:      key,
		Deadline: deadline,
		Synced:   synced,
		packets:  map[uint16]*wire.Packet{pkt.SequenceNumber: pkt},
	}
	b.insertOrdered(g)
	return deadline, true, nil
}

// findGroup does the linear scan from the tail spec §4.4 step 2
// prescribes: new groups are almost always later than existing ones, so
// scanning from the most-recently-inserted end finds the common case in
// O(1).
func (b *Buffer) findGroup(key uint32) *Group {
	for i := len(b.groups) - 1; i >= 0; i-- {
		if b.groups[i].Key == key {
			return b.groups[i]
		}
	}
	return nil
}

// insertOrdered inserts g at the position that keeps b.groups sorted by
// key-relative-to-firstKey, scanning from the tail (spec §4.4 "create a
// group at the correct ordered position: linear scan from the tail;
// wraparound-aware comparison").
func (b *Buffer) insertOrdered(g *Group) {
	rel := b.keyDelta(g.Key)
	i := len(b.groups)
	for i > 0 && b.keyDelta(b.groups[i-1].Key) > rel {
		i--
	}
	b.groups = append(b.groups, nil)
	copy(b.groups[i+1:], b.groups[i:])
	b.groups[i] = g
}

// Release dequeues every group whose deadline is at or before now, in
// deadline order, and returns them for delivery to the application (spec
// §4.4 "Release"). Groups with a later deadline remain buffered.
func (b *Buffer) Release(now time.Time) []*Group {
	b.mu.Lock()
	defer b.mu.Unlock()

	i := 0
	for i < len(b.groups) && !b.groups[i].Deadline.After(now) {
		i++
	}
	if i == 0 {
		return nil
	}
	ready := b.groups[:i]
	b.groups = b.groups[i:]

	if b.lastSubflowReleaseKey == nil {
		b.lastSubflowReleaseKey = make(map[uint16]uint32)
	}
	for _, g := range ready {
		for _, pkt := range g.Packets() {
			if pkt.HasSubflow {
				b.lastSubflowReleaseKey[pkt.SubflowID] = g.Key
			}
		}
	}
	return ready
}

// NextDeadline returns the earliest pending group's deadline, the time the
// caller's event loop should next invoke Release, or the zero Time if the
// buffer is empty.
func (b *Buffer) NextDeadline() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.groups) == 0 {
		return time.Time{}
	}
	return b.groups[0].Deadline
}

// Reset clears all pending groups and counters, used on session stop (spec
// §5 "Cancellation": "every pending timer is cancelled... In-flight packets
// in transport buffers are flushed best-effort").
func (b *Buffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.groups = nil
	b.haveFirst = false
	b.lastSubflowReleaseKey = nil
	b.DuplicateCount = 0
	b.LateCount = 0
	b.LateInFlowCount = 0
}

// Pending returns the number of groups currently buffered, for metrics and
// tests.
func (b *Buffer) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.groups)
}
