// Package rtcpsched implements the RTCP transmission-timer algorithm and
// report manager from spec §4.3: it bounds control-plane bandwidth as a
// fraction of session bandwidth, with early-feedback reconsideration.
// Every report, early ones included, is assembled as a regular compound
// packet (SR or RR first, then SDES); reduced-size compound packets are not
// built, and AllowReducedRTCP only lowers the minimum interval used before
// the first report. It is grounded on the same "each role
// gets its own regular-interval state machine" structure
// original_source/rfc3550/RtcpReportManager.h describes, collapsed per
// DESIGN NOTES §9 into one type with the early-feedback path as a method
// rather than a subclass.
package rtcpsched

import (
	"time"

	"github.com/pion/rtcp"

	"github.com/arzzra/rtpcore/internal/clock"
	"github.com/arzzra/rtpcore/pkg/rtpsession"
)

const (
	// eCompensation removes the exponential-distribution bias (spec §4.3).
	eCompensation = 1.21828
	ditherMaxFraction = 0.5 // l in spec §4.3 "Early feedback"
	senderBandwidthShare   = 0.25
	receiverBandwidthShare = 0.75
	minIntervalFull    = 5 * time.Second
	minIntervalReduced = 1 * time.Second
	maxReportBlocksPerPacket = 31
)

// FeedbackProducer supplies extra RTCP records (NACK/ACK/XR) to ride on
// the next assembled compound packet. Early reports are requested
// separately, through Scheduler.RequestEarlyFeedback.
type FeedbackProducer interface {
	DrainFeedbackRecords() []rtcp.Packet
}

// Config configures the Scheduler per spec §6's rtcp_bandwidth_fraction
// and allow_reduced_rtcp options.
type Config struct {
	Session  *rtpsession.Session
	Database *rtpsession.Database

	// SessionBandwidth is the total session bandwidth estimate in
	// bytes/sec; RTCP bandwidth is BandwidthFraction of this.
	SessionBandwidth float64
	BandwidthFraction float64 // default 0.05

	AllowReducedRTCP bool

	Feedback FeedbackProducer

	Clock  clock.Clock
	Random clock.RandomSource
}

// Scheduler is the per-session RTCP transmission timer and report
// assembler.
type Scheduler struct {
	cfg Config
	clk clock.Clock
	rnd clock.RandomSource

	tp time.Time // time last regular report was sent
	tn time.Time // scheduled time of next report
	pmembers int // member count as of the last reconsideration

	initial bool // true until the first report has been sent
	weSent  bool // true if we've sent RTP/RTCP this interval

	avgPacketSize float64 // running average compound-packet size, bytes

	reportBlockOffset int       // round-robin offset into member snapshot
	reportNow         time.Time // now, stashed for report-block LSR/DLSR math

	earlySentSinceRegular bool

	// earlyPending/earlyTRR implement spec §4.3 "Early feedback": once
	// RequestEarlyFeedback schedules tn at an early, dithered time, the
	// next Tick must fire unconditionally at that time rather than
	// re-running the regular reconsideration check (which would almost
	// always find the early deadline still short of a freshly redrawn
	// interval and reschedule past it). earlyTRR is the regular interval
	// T_rr in effect when the early report was requested, so the
	// schedule can resume at tp + 2*T_rr per RFC 4585 §6.1 instead of
	// drawing a fresh randomized interval right after an early send.
	earlyPending bool
	earlyTRR     time.Duration

	// byeMode is set once Leave is called; Tick then runs the BYE
	// reconsideration variant (spec §4.3 "BYE reconsideration").
	byeMode bool
}

// New constructs a Scheduler. The caller is expected to call Tick at
// NextDeadline and whenever RequestEarlyFeedback schedules an earlier one.
func New(cfg Config) *Scheduler {
	if cfg.BandwidthFraction == 0 {
		cfg.BandwidthFraction = 0.05
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.RealClock{}
	}
	rnd := cfg.Random
	if rnd == nil {
		rnd = clock.CryptoRandom{}
	}
	s := &Scheduler{
		cfg:           cfg,
		clk:           clk,
		rnd:           rnd,
		initial:       true,
		avgPacketSize: 200, // RFC 3550 §6.3.1 suggested seed
	}
	now := clk.Now()
	s.tp = now
	s.pmembers = 1
	s.tn = now.Add(s.computeInterval(now, false))
	return s
}

// rtcpBandwidth returns the absolute RTCP bandwidth budget in bytes/sec.
func (s *Scheduler) rtcpBandwidth() float64 {
	return s.cfg.SessionBandwidth * s.cfg.BandwidthFraction
}

// computeInterval implements the deterministic-interval + randomization
// formula from spec §4.3: T_d = max(MIN, avg_size*n_eff/B_eff), then
// T = T_d * Unif(0.5,1.5) / e.
func (s *Scheduler) computeInterval(now time.Time, byeMode bool) time.Duration {
	n := s.cfg.Database.Len()
	if n < 1 {
		n = 1
	}
	senders := s.cfg.Database.SenderCount(now)
	if byeMode {
		n = s.byeMembers()
		senders = 0
	}

	minInterval := minIntervalFull
	if s.cfg.AllowReducedRTCP && s.initial {
		minInterval = minIntervalReduced
	}

	bw := s.rtcpBandwidth()
	if bw <= 0 {
		bw = 1
	}

	var nEff int
	var bwEff float64
	if senders > 0 && float64(senders) < float64(n)/4 {
		if s.weSent {
			nEff = senders
			bwEff = bw * senderBandwidthShare
		} else {
			nEff = n - senders
			bwEff = bw * receiverBandwidthShare
		}
	} else {
		nEff = n
		bwEff = bw
	}
	if nEff < 1 {
		nEff = 1
	}

	td := time.Duration(s.avgPacketSize * float64(nEff) / bwEff * float64(time.Second))
	if td < minInterval {
		td = minInterval
	}

	factor := clock.Unif(s.rnd, 0.5, 1.5)
	return time.Duration(float64(td) * factor / eCompensation)
}

// byeMembers counts members that have announced departure, used by BYE
// reconsideration so synchronized-BYE storms are avoided (spec §4.3).
func (s *Scheduler) byeMembers() int {
	n := 0
	for _, m := range s.cfg.Database.Snapshot() {
		if m.SentBYE {
			n++
		}
	}
	if n < 1 {
		n = 1
	}
	return n
}

// NextDeadline returns when the event loop should next call Tick.
func (s *Scheduler) NextDeadline() time.Time {
	return s.tn
}

// Tick evaluates the scheduler at its scheduled deadline (spec §4.3
// "Reconsideration"). now should equal (or be very close to) the
// previously returned NextDeadline. It returns the compound packet to
// send, or nil if the timer rescheduled without sending.
func (s *Scheduler) Tick(now time.Time) *Report {
	if s.earlyPending {
		// This deadline came from RequestEarlyFeedback: send unconditionally
		// instead of re-running the regular reconsideration check, and
		// resume the regular schedule at tp + 2*T_rr (spec §4.3 "Early
		// feedback", RFC 4585 §6.1) rather than drawing a fresh randomized
		// interval.
		s.earlyPending = false
		report := s.assembleReport(now)
		s.tp = now
		s.pmembers = s.currentMemberCount(now)
		s.earlySentSinceRegular = false
		s.initial = false
		s.tn = now.Add(2 * s.earlyTRR)
		s.weSent = false
		return report
	}

	// Recompute T_n against the current membership; if tp + T_n is still
	// in the future, the group shrank/grew since we scheduled and we
	// reschedule rather than send (spec §4.3 "Reconsideration").
	tn := s.tp.Add(s.computeInterval(now, s.byeMode))
	if now.Before(tn) {
		s.tn = tn
		return nil
	}

	report := s.assembleReport(now)
	s.tp = now
	s.pmembers = s.currentMemberCount(now)
	s.earlySentSinceRegular = false
	s.initial = false
	s.tn = now.Add(s.computeInterval(now, s.byeMode))
	s.weSent = false
	return report
}

func (s *Scheduler) currentMemberCount(now time.Time) int {
	if s.byeMode {
		return s.byeMembers()
	}
	return s.cfg.Database.Len()
}

// RequestEarlyFeedback implements spec §4.3 "Early feedback". The current
// regular interval T_rr is taken as NextDeadline() - tp, computed here from
// the scheduler's own state. It returns whether an early report was
// scheduled and, if so, at what time.
func (s *Scheduler) RequestEarlyFeedback(now time.Time) (scheduled bool, at time.Time) {
	tRR := s.tn.Sub(s.tp)
	ditherMax := time.Duration(float64(tRR) * ditherMaxFraction)

	if !now.Add(ditherMax).Before(s.tn) {
		return false, time.Time{}
	}
	if s.earlySentSinceRegular {
		return false, time.Time{}
	}
	s.earlySentSinceRegular = true

	delay := time.Duration(clock.Unif(s.rnd, 0, float64(ditherMax)))
	at = now.Add(delay)
	s.tn = at
	s.earlyPending = true
	s.earlyTRR = tRR
	return true, at
}

// Report is returned by Tick; kept as a named type (rather than
// the raw compound packet) so additional per-report bookkeeping
// (e.g. which members' report blocks were included this round) can be
// added without breaking callers.
type Report struct {
	Records []rtcp.Packet
}

// Encode serializes the report into one compound RTCP datagram (spec §4.1
// compound-packet assembly).
func (r *Report) Encode() ([]byte, error) {
	return rtcp.Marshal(r.Records)
}
