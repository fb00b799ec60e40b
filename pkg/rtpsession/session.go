// Package rtpsession implements the per-stream state machine from spec
// §4.2: participant tracking, sequence-number extension and validation,
// jitter estimation, SSRC-collision handling, and RTP↔wall-clock mapping.
// It is the per-stream "session" component named in spec §2's system
// overview; the RTCP scheduler, jitter buffer, and loss/RTX manager are
// separate packages that consume the types defined here (Member,
// SourceDescription) without this package importing any of them, breaking
// the cyclic callback graph the way DESIGN NOTES §9 describes: the session
// holds a TransportSink, never the reverse.
package rtpsession

import (
	"context"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/looplab/fsm"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"

	"github.com/arzzra/rtpcore/internal/clock"
	"github.com/arzzra/rtpcore/pkg/wire"
)

// TransportSink is the outbound transport interface from spec §6
// ("Outbound transport"). The completion callback fires exactly once per
// Send call.
type TransportSink interface {
	Send(buf []byte, dest net.Addr, completion func(error, int))
}

// Packetizer turns one access unit into one or more RTP packets (spec §6
// "Media in"). It is a pluggable collaborator keyed by payload type,
// deliberately outside this package's scope (spec §1 — NAL-unit framing
// and other codec parsing are external collaborators).
type Packetizer interface {
	Packetize(samples [][]byte, presentationTime time.Time, markerOnLast bool, seqBase uint16, rtpTimestampBase uint32) []*rtp.Packet
}

// Pacer is the pluggable congestion-control seam from spec §4.3/§9: the
// scheduler hands packets to it in production order and it decides when
// to actually call TransportSink.Send. The only built-in implementation
// here sends immediately (no congestion control); NADA/SCReAM-style
// policies are out of scope per spec §9.
type Pacer interface {
	SchedulePackets(pkts []*wire.Packet, send func(*wire.Packet))
}

// UnpacedSend is the default Pacer: forward every packet immediately, in
// order.
type UnpacedSend struct{}

func (UnpacedSend) SchedulePackets(pkts []*wire.Packet, send func(*wire.Packet)) {
	for _, p := range pkts {
		send(p)
	}
}

// localState is the per-local-participant state from spec §3
// "SessionState".
type localState struct {
	ssrc      uint32
	seq       uint16
	tsBase    uint32
	isSender  bool

	rtxSSRC uint32
}

// Session coordinates one RTP stream's local and remote state. It does not
// itself do socket I/O (spec §1 marks concrete socket I/O out of scope);
// it is driven by ProcessIncomingRTP/ProcessIncomingRTCP from the
// transport, and calls out through TransportSink to send.
type Session struct {
	mu sync.Mutex

	opts  Options
	clk   clock.Clock
	rnd   clock.RandomSource
	log   *log.Logger

	local localState
	db    *Database

	transport  TransportSink
	packetizer Packetizer
	pacer      Pacer

	fsm *fsm.FSM

	localDesc SourceDescription

	// localEndpoint is this session's own send-from address, used to
	// distinguish a genuine SSRC collision from a loopback echo.
	localEndpoint net.Addr

	// pendingByeSSRC is set when a collision forces a re-key; the RTCP
	// scheduler reads and clears it on the next report (spec §4.2
	// "Collision handling").
	pendingByeSSRC []uint32

	onSourceAdded   func(*Member)
	onSourceRemoved func(*Member)
	onPacketReceived func(*wire.Packet, *Member)
	onSent           func(*wire.Packet, []byte)
}

// Config bundles Session construction parameters.
type Config struct {
	Options    Options
	Transport  TransportSink
	Packetizer Packetizer
	Pacer      Pacer // nil => UnpacedSend
	Clock      clock.Clock
	Random     clock.RandomSource
	Logger     *log.Logger
	LocalDesc  SourceDescription

	OnSourceAdded    func(*Member)
	OnSourceRemoved  func(*Member)
	OnPacketReceived func(*wire.Packet, *Member)

	// OnSent fires once a packet has been encoded, just before it is handed
	// to the transport, with its marshaled header+payload bytes, the send-side
	// mirror of OnPacketReceived (spec §4.5 "RTX buffer": the sender must
	// retain what it sent before it can honor a NACK/ACK for it).
	// Typically wired to an RtxBuffer's Store.
	OnSent func(pkt *wire.Packet, encoded []byte)
}

// New constructs a Session in the Idle state (spec §3 SessionState
// lifecycle). It does not start sending or receiving until Start is
// called.
func New(cfg Config) (*Session, error) {
	if cfg.Transport == nil {
		return nil, fmt.Errorf("rtpsession: transport is required")
	}
	opts := cfg.Options.WithDefaults()
	if opts.ClockRate == 0 {
		return nil, fmt.Errorf("rtpsession: clock rate is required")
	}

	rnd := cfg.Random
	if rnd == nil {
		rnd = clock.CryptoRandom{}
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.RealClock{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	pacer := cfg.Pacer
	if pacer == nil {
		pacer = UnpacedSend{}
	}

	ssrc := opts.SSRC
	if ssrc == 0 {
		ssrc = rnd.Uint32()
	}

	s := &Session{
		opts: opts,
		clk:  clk,
		rnd:  rnd,
		log:  logger,
		local: localState{
			ssrc:   ssrc,
			seq:    rnd.Uint16(),
			tsBase: rnd.Uint32(),
		},
		db:               NewDatabase(),
		transport:        cfg.Transport,
		packetizer:       cfg.Packetizer,
		pacer:            pacer,
		localDesc:        cfg.LocalDesc,
		onSourceAdded:    cfg.OnSourceAdded,
		onSourceRemoved:  cfg.OnSourceRemoved,
		onPacketReceived: cfg.OnPacketReceived,
		onSent:           cfg.OnSent,
	}
	if opts.RTXEnabled {
		s.local.rtxSSRC = rnd.Uint32()
	}

	s.fsm = fsm.NewFSM(
		"idle",
		fsm.Events{
			{Name: "start", Src: []string{"idle"}, Dst: "active"},
			{Name: "stop", Src: []string{"idle", "active"}, Dst: "closed"},
		},
		fsm.Callbacks{
			"after_event": func(_ context.Context, e *fsm.Event) {
				logger.Printf("rtpsession: %s -> %s", e.Src, e.Dst)
			},
		},
	)

	return s, nil
}

// Start transitions the session to active (spec §3 SessionStateActive).
func (s *Session) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fsm.Event(context.Background(), "start")
}

// Stop transitions the session to closed. Per spec §5 "Cancellation" the
// caller is responsible for timer/transport teardown; Stop only flips the
// state so further Send*/Process* calls are rejected.
func (s *Session) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fsm.Event(context.Background(), "stop")
}

func (s *Session) isActive() bool {
	return s.fsm.Current() == "active"
}

// SSRC returns the local synchronization source identifier.
func (s *Session) SSRC() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.local.ssrc
}

// Database exposes the member table, e.g. for the RTCP report manager to
// build report blocks from.
func (s *Session) Database() *Database { return s.db }

// RTXSSRC returns the separate retransmission-stream SSRC generated at
// construction when opts.RTXEnabled (spec §3 SessionState), or zero if RTX
// is disabled.
func (s *Session) RTXSSRC() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.local.rtxSSRC
}

// ClockRate returns the media clock rate configured for this session,
// needed by collaborators (jitter buffer, loss detector) that convert
// between wall-clock durations and RTP-timestamp ticks.
func (s *Session) ClockRate() uint32 {
	return s.opts.ClockRate
}

// Opts returns a copy of the session's resolved Options.
func (s *Session) Opts() Options {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opts
}

// LocalDescription returns the SDES item set advertised for this session.
func (s *Session) LocalDescription() SourceDescription {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.localDesc
}

// SetLocalDescription updates the SDES item set the RTCP report manager
// advertises.
func (s *Session) SetLocalDescription(d SourceDescription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.localDesc = d
}

// SetOnSent (re)assigns the send-side hook (spec §4.5 "RTX buffer").
// A composition root typically wires this once its RtxBuffer exists, after
// the Session itself has already been constructed.
func (s *Session) SetOnSent(fn func(pkt *wire.Packet, encoded []byte)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onSent = fn
}

// TakePendingByeSSRCs returns and clears the set of old local SSRCs that
// need a BYE sent because of a collision re-key (spec §4.2).
func (s *Session) TakePendingByeSSRCs() []uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.pendingByeSSRC
	s.pendingByeSSRC = nil
	return out
}

// SubmitAccessUnit packetizes and sends one access unit (spec §6 "Media
// in"). Packets are stamped with session-derived SSRC/sequence/timestamp
// fields and handed to the pacer in production order (spec §5 "Ordering
// guarantees").
func (s *Session) SubmitAccessUnit(samples [][]byte, presentationTime time.Time, markerOnLast bool, dest net.Addr) error {
	s.mu.Lock()
	if !s.isActive() {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if s.packetizer == nil {
		s.mu.Unlock()
		return fmt.Errorf("rtpsession: no packetizer configured")
	}
	seqBase := s.local.seq
	tsBase := s.local.tsBase
	ssrc := s.local.ssrc
	pt := s.opts.PayloadType
	pkts := s.packetizer.Packetize(samples, presentationTime, markerOnLast, seqBase, tsBase)
	s.local.seq += uint16(len(pkts))
	s.local.isSender = true
	s.mu.Unlock()

	now := s.clk.Now()
	wirePkts := make([]*wire.Packet, 0, len(pkts))
	for _, p := range pkts {
		p.Header.Version = 2
		p.Header.SSRC = ssrc
		p.Header.PayloadType = pt
		wp := &wire.Packet{Packet: *p, SendTime: now}
		wirePkts = append(wirePkts, wp)
	}

	s.pacer.SchedulePackets(wirePkts, func(wp *wire.Packet) {
		buf, err := wp.Encode()
		if err != nil {
			s.log.Printf("rtpsession: encode failed: %v", err)
			return
		}
		if s.onSent != nil {
			s.onSent(wp, buf)
		}
		s.transport.Send(buf, dest, func(err error, _ int) {
			if err != nil {
				s.log.Printf("rtpsession: %v: %v", ErrTransportFailure, err)
			}
		})
	})
	return nil
}

// ProcessIncomingRTP parses and validates an inbound RTP datagram (spec
// §2 "Receive path"). It returns the decoded packet and its member so the
// caller (typically a composition root wiring in the loss detector and
// jitter buffer) can forward the packet onward; malformed datagrams are
// swallowed per spec §7 and both return values are nil.
func (s *Session) ProcessIncomingRTP(buf []byte, arrival time.Time, from net.Addr) (*wire.Packet, *Member) {
	s.mu.Lock()
	if !s.isActive() {
		s.mu.Unlock()
		return nil, nil
	}
	s.mu.Unlock()

	pkt, err := wire.Decode(buf, arrival)
	if err != nil {
		s.log.Printf("rtpsession: %v", err)
		return nil, nil
	}

	s.mu.Lock()
	if pkt.Header.SSRC == s.local.ssrc && !s.isOwnTransmission(from) {
		s.handleCollisionLocked()
	}
	s.mu.Unlock()

	m, created := s.db.GetOrCreate(pkt.Header.SSRC, pkt.Header.SequenceNumber, arrival)
	if created && s.onSourceAdded != nil {
		s.onSourceAdded(m)
	}

	accepted := m.updateSeq(pkt.Header.SequenceNumber)
	m.PacketsReceived++
	m.BytesReceived += uint64(len(buf))
	m.OctetsInterval += uint64(len(buf))
	m.LastRTP = arrival
	m.IsSender = true
	pkt.ExtSequenceNumber = m.extendedSeq()

	if accepted && m.Validated {
		arrivalRTP := rtpToWallClockTicks(arrival, s.opts.ClockRate)
		m.updateJitterWithTimestamps(arrivalRTP, pkt.Header.Timestamp)
	}

	if s.onPacketReceived != nil {
		s.onPacketReceived(pkt, m)
	}

	return pkt, m
}

// ProcessIncomingRTCP parses an inbound compound RTCP datagram, updates
// sender-report clock mappings, and returns the parsed packet for the
// scheduler/loss-detector to consume further (RTT estimate, feedback
// records). Malformed or unvalidatable datagrams are dropped per spec §7.
func (s *Session) ProcessIncomingRTCP(buf []byte, arrival time.Time) *wire.CompoundPacket {
	s.mu.Lock()
	if !s.isActive() {
		s.mu.Unlock()
		return nil
	}
	allowReduced := s.opts.AllowReducedRTCP
	s.mu.Unlock()

	cp, err := wire.DecodeCompound(buf, allowReduced)
	if err != nil {
		s.log.Printf("rtpsession: %v", err)
		return nil
	}

	for _, rec := range cp.Records {
		sr, ok := rec.(*rtcp.SenderReport)
		if !ok {
			continue
		}
		m, created := s.db.GetOrCreate(sr.SSRC, 0, arrival)
		if created && s.onSourceAdded != nil {
			s.onSourceAdded(m)
		}
		m.LastRTCP = arrival
		m.IsSender = true
		// NTP middle 32 bits: RFC 3550 §12.7 — bits 16..47 of the 64-bit
		// fixed-point timestamp.
		ntpMiddle32 := uint32(sr.NTPTime >> 16)
		m.recordSR(sr.RTPTime, ntpMiddle32, arrival)
	}
	return cp
}

// isOwnTransmission reports whether from is a network endpoint this
// session itself transmits from. The reference transport in
// pkg/rtptransport always answers false for inbound traffic (it never
// loops packets back to itself), so this is conservative by default;
// callers embedding a loopback transport should override via
// SetLocalEndpoint.
func (s *Session) isOwnTransmission(from net.Addr) bool {
	if s.localEndpoint == nil {
		return false
	}
	return from != nil && from.String() == s.localEndpoint.String()
}

// SetLocalEndpoint records the network address this session sends from,
// used solely to distinguish a genuine SSRC collision (spec §4.2) from a
// loopback echo of our own traffic.
func (s *Session) SetLocalEndpoint(addr net.Addr) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.localEndpoint = addr
}

// handleCollisionLocked regenerates the local SSRC and schedules a BYE for
// the old one, per spec §4.2 "Collision handling". Caller must hold s.mu.
func (s *Session) handleCollisionLocked() {
	old := s.local.ssrc
	s.local.ssrc = s.rnd.Uint32()
	if s.local.ssrc == old {
		// A repeated draw would leave the collision in place.
		s.local.ssrc = old + 1
	}
	s.pendingByeSSRC = append(s.pendingByeSSRC, old)
	s.log.Printf("rtpsession: SSRC collision on %d, re-keyed to %d", old, s.local.ssrc)
}
