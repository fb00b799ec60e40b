package rtpsession

import (
	"sync"
	"time"
)

// Database is the per-SSRC member table (spec §3 "MemberEntry" lifecycle,
// §4.2 "Member timeout and interval membership"). It is owned by exactly
// one Session; concurrent external access is forbidden per spec §5.
type Database struct {
	mu      sync.Mutex
	members map[uint32]*Member

	// rtcpInterval is the current RTCP report interval, used to convert
	// the "five RTCP intervals" and "previous two intervals" timeout
	// rules in spec §4.2 into wall-clock durations. It starts at 5s and
	// changes only through SetRTCPInterval; the rtcpsched Scheduler does
	// not call it.
	rtcpInterval time.Duration
}

func NewDatabase() *Database {
	return &Database{
		members:      make(map[uint32]*Member),
		rtcpInterval: 5 * time.Second,
	}
}

func (d *Database) SetRTCPInterval(interval time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rtcpInterval = interval
}

// GetOrCreate returns the member for ssrc, creating it on first sight
// (entering probation) per spec §3.
func (d *Database) GetOrCreate(ssrc uint32, seq uint16, now time.Time) (m *Member, created bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if existing, ok := d.members[ssrc]; ok {
		return existing, false
	}
	m = newMember(ssrc, seq, now)
	d.members[ssrc] = m
	return m, true
}

// Get returns the member for ssrc without creating it; unlike GetOrCreate
// it never adds an entry.
func (d *Database) Get(ssrc uint32) (*Member, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	m, ok := d.members[ssrc]
	return m, ok
}

// Remove deletes a member (timeout, BYE, or collision re-key of the old
// local identity).
func (d *Database) Remove(ssrc uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.members, ssrc)
}

// Snapshot returns every current member. Intended for the RTCP report
// manager to build report blocks from; callers must not mutate the
// returned members outside the event loop.
func (d *Database) Snapshot() []*Member {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*Member, 0, len(d.members))
	for _, m := range d.members {
		out = append(out, m)
	}
	return out
}

// Len returns the active + inactive + unvalidated member count (spec §3
// invariant: this total is all members, no separate bookkeeping needed).
func (d *Database) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.members)
}

// SenderCount returns members classified as senders: those whose last RTP
// arrived within the previous two RTCP intervals (spec §4.2).
func (d *Database) SenderCount(now time.Time) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	window := 2 * d.rtcpInterval
	for _, m := range d.members {
		if m.IsSender && !m.LastRTP.IsZero() && now.Sub(m.LastRTP) <= window {
			n++
		}
	}
	return n
}

// ExpireStaleMembers removes any member that has sent neither RTP nor
// RTCP for five RTCP intervals (spec §4.2), returning their SSRCs so the
// caller can report the timeouts.
func (d *Database) ExpireStaleMembers(now time.Time) []uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	deadline := 5 * d.rtcpInterval
	var expired []uint32
	for ssrc, m := range d.members {
		last := m.LastRTCP
		if m.LastRTP.After(last) {
			last = m.LastRTP
		}
		if last.IsZero() {
			last = m.FirstSeen
		}
		if now.Sub(last) > deadline {
			expired = append(expired, ssrc)
			delete(d.members, ssrc)
		}
	}
	return expired
}
