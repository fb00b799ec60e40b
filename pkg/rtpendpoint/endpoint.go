// Package rtpendpoint is the composition root from spec §2/§5: it wires one
// rtpsession.Session to one rtcpsched.Scheduler, one jitterbuf.Buffer, and
// one lossrtx.Detector/RtxBuffer pair behind the single-threaded
// cooperative event loop spec §5 describes. The loop itself is modeled the
// way arzzra-soft_phone/pkg/rtp/rtp_session.go and session_manager.go drive
// their own goroutine-plus-context.CancelFunc lifecycle, but instead of
// each component spawning its own goroutine, every inbound datagram and
// every timer fire is funneled through one serialized event channel so
// spec §5's "post(closure)" and "deadline_timer(duration, closure)"
// primitives have a concrete Go shape: a buffered channel of closures
// drained by exactly one goroutine.
package rtpendpoint

import (
	"context"
	"log"
	"net"
	"sync"
	"time"

	"github.com/pion/rtcp"

	"github.com/arzzra/rtpcore/internal/clock"
	"github.com/arzzra/rtpcore/pkg/jitterbuf"
	"github.com/arzzra/rtpcore/pkg/lossrtx"
	"github.com/arzzra/rtpcore/pkg/rtcpsched"
	"github.com/arzzra/rtpcore/pkg/rtpmetrics"
	"github.com/arzzra/rtpcore/pkg/rtpsession"
	"github.com/arzzra/rtpcore/pkg/rtptransport"
	"github.com/arzzra/rtpcore/pkg/wire"
)

// AccessUnitHandler is spec §6's "Media out (from jitter buffer)":
// on_access_unit_ready(samples, presentation_time, rtcp_synced).
type AccessUnitHandler func(packets []*wire.Packet, presentationTime time.Time, rtcpSynced bool)

// Config bundles everything needed to wire one endpoint.
type Config struct {
	Session   *rtpsession.Session
	Scheduler *rtcpsched.Scheduler
	Jitter    *jitterbuf.Buffer
	Detector  *lossrtx.Detector
	Rtx       *lossrtx.RtxBuffer
	Transport *rtptransport.UDPTransport
	Metrics   *rtpmetrics.Collectors

	Clock  clock.Clock
	Logger *log.Logger

	OnAccessUnitReady AccessUnitHandler
}

// Endpoint is the running composition of the four core subsystems plus
// their transport and metrics collaborators.
type Endpoint struct {
	cfg Config
	clk clock.Clock
	log *log.Logger

	events chan func()

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New wires an Endpoint. Call Run to start its event loop and the
// transport's receive loop.
func New(cfg Config) *Endpoint {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.RealClock{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	e := &Endpoint{cfg: cfg, clk: clk, log: logger, events: make(chan func(), 256)}

	cfg.Transport.SetHandlers(e.postRTP, e.postRTCP)
	if cfg.Rtx != nil {
		cfg.Session.SetOnSent(e.onPacketSent)
	}
	return e
}

// onPacketSent implements spec §4.5's "the sender must retain what it sent
// before it can honor a NACK/ACK for it": every packet the session hands to
// the transport is stored in the RTX buffer first, keyed by its own
// sequence number, so a later retransmission request can find it.
func (e *Endpoint) onPacketSent(pkt *wire.Packet, encoded []byte) {
	e.cfg.Rtx.Store(pkt.SequenceNumber, encoded, e.clk.Now())
}

func (e *Endpoint) postRTP(buf []byte, arrival time.Time, from net.Addr) {
	e.events <- func() { e.handleRTP(buf, arrival, from) }
}

func (e *Endpoint) postRTCP(buf []byte, arrival time.Time, from net.Addr) {
	e.events <- func() { e.handleRTCP(buf, arrival, from) }
}

// Run starts the transport receive loop and the serialized event loop; it
// blocks until ctx is cancelled.
func (e *Endpoint) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.cfg.Transport.Run(ctx); err != nil && ctx.Err() == nil {
			e.log.Printf("rtpendpoint: transport run: %v", err)
		}
	}()

	e.loop(ctx)
}

// Stop implements spec §5 "Cancellation": pending timers are implicitly
// cancelled by the loop's exit, and the transport is closed. Before that,
// the RTCP scheduler is switched to BYE mode and ticked once, synchronously;
// a final BYE report goes out only if BYE reconsideration already allows a
// report at that instant, otherwise Stop sends no BYE.
func (e *Endpoint) Stop() {
	if e.cfg.Scheduler != nil {
		e.cfg.Scheduler.Leave()
		if report := e.cfg.Scheduler.Tick(e.clk.Now()); report != nil {
			e.sendRTCP(report)
		}
	}
	if e.cancel != nil {
		e.cancel()
	}
	e.cfg.Transport.Close()
	e.wg.Wait()
	if e.cfg.Jitter != nil {
		e.cfg.Jitter.Reset()
	}
}

// loop is the single serialized event loop: it drains e.events (inbound
// datagrams, posted by the transport goroutine) and fires whichever of the
// scheduler/jitter-buffer/detector deadlines comes next, exactly the
// single-threaded model spec §5 requires even though the transport itself
// reads on its own goroutine.
func (e *Endpoint) loop(ctx context.Context) {
	for {
		wait := e.nextDeadline()
		var timerC <-chan time.Time
		if !wait.IsZero() {
			d := wait.Sub(e.clk.Now())
			if d < 0 {
				d = 0
			}
			t := time.NewTimer(d)
			timerC = t.C
			defer t.Stop()
		}

		select {
		case <-ctx.Done():
			return
		case fn := <-e.events:
			fn()
		case now := <-timerC:
			e.fireDeadlines(now)
		}
	}
}

func (e *Endpoint) nextDeadline() time.Time {
	var earliest time.Time
	consider := func(t time.Time) {
		if t.IsZero() {
			return
		}
		if earliest.IsZero() || t.Before(earliest) {
			earliest = t
		}
	}
	if e.cfg.Scheduler != nil {
		consider(e.cfg.Scheduler.NextDeadline())
	}
	if e.cfg.Jitter != nil {
		consider(e.cfg.Jitter.NextDeadline())
	}
	if e.cfg.Detector != nil {
		consider(e.cfg.Detector.NextDeadline())
	}
	return earliest
}

func (e *Endpoint) fireDeadlines(now time.Time) {
	if e.cfg.Scheduler != nil && !e.cfg.Scheduler.NextDeadline().After(now) {
		if report := e.cfg.Scheduler.Tick(now); report != nil {
			e.sendRTCP(report)
			massive := false
			if e.cfg.Detector != nil {
				massive = e.cfg.Detector.EvaluateMassiveLoss()
			}
			if e.cfg.Metrics != nil {
				e.cfg.Metrics.RTCPPacketsSent.Inc()
				e.cfg.Metrics.ActiveMembers.Set(float64(e.cfg.Session.Database().Len()))
				if massive {
					e.cfg.Metrics.MassiveLoss.Set(1)
				} else {
					e.cfg.Metrics.MassiveLoss.Set(0)
				}
			}
		}
	}
	if e.cfg.Jitter != nil && !e.cfg.Jitter.NextDeadline().IsZero() && !e.cfg.Jitter.NextDeadline().After(now) {
		for _, g := range e.cfg.Jitter.Release(now) {
			if e.cfg.OnAccessUnitReady != nil {
				e.cfg.OnAccessUnitReady(g.Packets(), g.Deadline, g.Synced)
			}
			if e.cfg.Metrics != nil {
				e.cfg.Metrics.JitterBufferPending.Set(float64(e.cfg.Jitter.Pending()))
			}
		}
	}
	if e.cfg.Detector != nil && !e.cfg.Detector.NextDeadline().IsZero() && !e.cfg.Detector.NextDeadline().After(now) {
		if lost := e.cfg.Detector.EvaluateTimeouts(now); len(lost) > 0 {
			if e.cfg.Metrics != nil {
				e.cfg.Metrics.AssumedLost.Add(float64(len(lost)))
			}
			e.requestEarlyFeedback(now)
		}
	}
}

// requestEarlyFeedback implements spec §4.3's "Early feedback" trigger: a
// newly assumed-lost packet (spec §4.5's NACK-declaring path) is worth
// reporting sooner than the regular RTCP interval, so long as the
// scheduler itself has budget left in this interval to dither an early
// report into (RequestEarlyFeedback enforces that bound and the
// once-per-interval limit).
func (e *Endpoint) requestEarlyFeedback(now time.Time) {
	if e.cfg.Scheduler == nil {
		return
	}
	e.cfg.Scheduler.RequestEarlyFeedback(now)
}

// handleRTP implements spec §2's receive path for RTP: decode/validate via
// the session, feed the loss detector's arrival callback, then insert into
// the jitter buffer keyed by RTP timestamp (spec §4.4 "single RTP clock
// source" variant; multi-path presentation-time keying is available on
// jitterbuf.Buffer directly for callers that construct one with
// KeyPresentationTime, but this default wiring targets the common
// single-stream case).
func (e *Endpoint) handleRTP(buf []byte, arrival time.Time, from net.Addr) {
	pkt, m := e.cfg.Session.ProcessIncomingRTP(buf, arrival, from)
	if pkt == nil {
		return
	}

	if e.cfg.Session.RTXSSRC() != 0 && pkt.SSRC == e.cfg.Session.RTXSSRC() {
		e.handleRTXPacket(pkt, arrival)
		return
	}

	if e.cfg.Metrics != nil {
		e.cfg.Metrics.PacketsReceived.Inc()
		e.cfg.Metrics.BytesReceived.Add(float64(len(buf)))
		e.cfg.Metrics.Jitter.Set(float64(m.JitterEstimate()))
	}

	if e.cfg.Detector != nil {
		if lost := e.cfg.Detector.OnPacketArrival(arrival, pkt.ExtSequenceNumber); len(lost) > 0 {
			e.requestEarlyFeedback(arrival)
		}
	}

	if e.cfg.Jitter != nil {
		_, _, err := e.cfg.Jitter.Insert(pkt, pkt.Timestamp, false, arrival)
		if e.cfg.Metrics != nil {
			if err == jitterbuf.ErrLatePacket {
				e.cfg.Metrics.JitterBufferLate.Inc()
			} else if err == jitterbuf.ErrDuplicatePacket {
				e.cfg.Metrics.JitterBufferDuplicate.Inc()
			}
			e.cfg.Metrics.JitterBufferPending.Set(float64(e.cfg.Jitter.Pending()))
		}
	}
}

// handleRTXPacket implements spec §4.5's receiver-side RTX reversal: peel
// the two-byte original-sequence-number prefix, tell the detector the
// retransmission arrived, then decode the inner packet and insert it
// directly into the jitter buffer (it does not pass through the session).
func (e *Endpoint) handleRTXPacket(outer *wire.Packet, arrival time.Time) {
	originalSN, inner, err := lossrtx.DecodeRetransmission(outer.Payload)
	if err != nil {
		e.log.Printf("rtpendpoint: %v", err)
		return
	}
	if e.cfg.Detector != nil {
		late, dup := e.cfg.Detector.OnRTXPacketArrival(arrival, uint32(originalSN))
		_ = late
		_ = dup
	}
	innerPkt, err := wire.Decode(inner, arrival)
	if err != nil {
		e.log.Printf("rtpendpoint: decode rtx inner packet: %v", err)
		return
	}
	if e.cfg.Jitter != nil {
		e.cfg.Jitter.Insert(innerPkt, innerPkt.Timestamp, false, arrival)
	}
	if e.cfg.Metrics != nil {
		e.cfg.Metrics.RtxFulfilled.Inc()
	}
}

// handleRTCP implements spec §2's receive path for RTCP: the session
// updates SR clock mappings, generic-NACK records trigger RTX builds, and
// generic-ACK records release acknowledged packets from the RTX buffer.
// The scheduler is not updated here.
func (e *Endpoint) handleRTCP(buf []byte, arrival time.Time, from net.Addr) {
	cp := e.cfg.Session.ProcessIncomingRTCP(buf, arrival)
	if cp == nil {
		return
	}
	for _, rec := range cp.Records {
		switch r := rec.(type) {
		case *rtcp.TransportLayerNack:
			e.handleNack(r, arrival, from)
		case *wire.GenericAck:
			e.handleAck(r, arrival)
		}
	}
}

func (e *Endpoint) handleNack(n *rtcp.TransportLayerNack, arrival time.Time, from net.Addr) {
	if e.cfg.Rtx == nil {
		return
	}
	for _, pair := range n.Nacks {
		e.retransmit(pair.PacketID, arrival, from)
		for bit := uint16(0); bit < 16; bit++ {
			if pair.LostPackets&(1<<bit) != 0 {
				e.retransmit(pair.PacketID+bit+1, arrival, from)
			}
		}
	}
}

func (e *Endpoint) handleAck(a *wire.GenericAck, arrival time.Time) {
	if e.cfg.Rtx == nil {
		return
	}
	for _, pair := range a.Acks {
		e.cfg.Rtx.Ack(pair.BaseSequenceNumber, arrival)
		for bit := uint16(0); bit < 16; bit++ {
			if pair.Mask&(1<<bit) != 0 {
				e.cfg.Rtx.Ack(pair.BaseSequenceNumber+bit+1, arrival)
			}
		}
	}
}

func (e *Endpoint) retransmit(seq uint16, now time.Time, from net.Addr) {
	if e.cfg.Detector != nil {
		e.cfg.Detector.OnRTXRequested(now, uint32(seq))
	}
	rtxPkt, err := e.cfg.Rtx.BuildRetransmission(seq, now)
	if err != nil {
		e.log.Printf("rtpendpoint: %v: sn=%d", err, seq)
		return
	}
	buf, err := rtxPkt.Encode()
	if err != nil {
		e.log.Printf("rtpendpoint: encode rtx packet: %v", err)
		return
	}
	if e.cfg.Metrics != nil {
		e.cfg.Metrics.RtxRequested.Inc()
	}
	e.cfg.Transport.Send(buf, from, func(err error, _ int) {
		if err != nil {
			e.log.Printf("rtpendpoint: send rtx: %v", err)
		}
	})
}

func (e *Endpoint) sendRTCP(report *rtcpsched.Report) {
	buf, err := report.Encode()
	if err != nil {
		e.log.Printf("rtpendpoint: encode rtcp: %v", err)
		return
	}
	e.cfg.Transport.Send(buf, e.cfg.Transport.RemoteAddr(), func(err error, _ int) {
		if err != nil {
			e.log.Printf("rtpendpoint: send rtcp: %v", err)
		}
	})
}
