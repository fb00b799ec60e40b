// Package rtptransport provides the reference UDP transport from spec §6's
// "Outbound transport"/"Inbound delivery" contracts. It implements
// rtpsession.TransportSink and a receive loop that classifies inbound
// datagrams as RTP or RTCP and feeds them to a Session. Socket setup and
// per-OS tuning are adapted from
// arzzra-soft_phone/pkg/rtp/transport_udp.go and transport_socket_linux.go:
// the voice-oriented socket options (priority, busy-poll, DSCP) are kept
// verbatim in spirit but routed through a single cross-platform QoS hook
// instead of the teacher's unused Windows/Darwin stubs, since this package
// carries no DTLS transport (spec §1 Non-goal: "no security (SRTP
// keying)").
package rtptransport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"
)

// Config mirrors arzzra-soft_phone's TransportConfig, trimmed to what the
// UDP reference transport needs.
type Config struct {
	LocalAddr  string
	RemoteAddr string
	BufferSize int // default 1500 (MTU)

	// EnableQoS applies the voice-oriented socket tuning from applyVoiceQoS.
	EnableQoS bool
	DSCP      int // only applied when EnableQoS is set and DSCP != 0
}

// RTPHandler and RTCPHandler classify and process an inbound datagram;
// supplied by the composition root wiring a Session+Scheduler pair to this
// transport (spec §2 "the session parses it, classifies it as RTP or
// RTCP").
type RTPHandler func(buf []byte, arrival time.Time, from net.Addr)
type RTCPHandler func(buf []byte, arrival time.Time, from net.Addr)

// UDPTransport is the reference transport: one UDP socket shared for RTP
// and (unless rtcp-mux is disabled and a second instance is constructed
// for the RTCP port) RTCP; Run classifies each datagram with IsRTCP and
// passes it to the matching handler.
type UDPTransport struct {
	conn       *net.UDPConn
	remoteAddr *net.UDPAddr
	cfg        Config

	mu     sync.RWMutex
	active bool

	onRTP  RTPHandler
	onRTCP RTCPHandler
}

// New constructs and binds a UDPTransport (spec §6 "Outbound transport").
func New(cfg Config, onRTP RTPHandler, onRTCP RTCPHandler) (*UDPTransport, error) {
	if cfg.BufferSize == 0 {
		cfg.BufferSize = 1500
	}
	localAddr, err := net.ResolveUDPAddr("udp", cfg.LocalAddr)
	if err != nil {
		return nil, fmt.Errorf("rtptransport: resolve local addr: %w", err)
	}
	conn, err := net.ListenUDP("udp", localAddr)
	if err != nil {
		return nil, fmt.Errorf("rtptransport: listen udp: %w", err)
	}
	if cfg.EnableQoS {
		if err := applyVoiceQoS(conn, cfg.DSCP); err != nil {
			conn.Close()
			return nil, fmt.Errorf("rtptransport: apply qos: %w", err)
		}
	}

	t := &UDPTransport{conn: conn, cfg: cfg, active: true, onRTP: onRTP, onRTCP: onRTCP}
	if cfg.RemoteAddr != "" {
		remote, err := net.ResolveUDPAddr("udp", cfg.RemoteAddr)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("rtptransport: resolve remote addr: %w", err)
		}
		t.remoteAddr = remote
	}
	return t, nil
}

// SetHandlers (re)assigns the inbound classification callbacks; a
// composition root typically constructs the transport first and wires the
// handlers once its session/scheduler/jitter-buffer/detector exist (spec §2
// "Dependency order... session database → transmission manager → loss
// detector → jitter buffer → RTCP report manager → session" — the
// transport is the leaf that everything else depends on).
func (t *UDPTransport) SetHandlers(onRTP RTPHandler, onRTCP RTCPHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onRTP = onRTP
	t.onRTCP = onRTCP
}

// Send implements rtpsession.TransportSink. It is safe to call
// concurrently with Run's receive loop.
func (t *UDPTransport) Send(buf []byte, dest net.Addr, completion func(error, int)) {
	t.mu.RLock()
	active := t.active
	conn := t.conn
	remote := t.remoteAddr
	t.mu.RUnlock()

	if dest != nil {
		if udpDest, ok := dest.(*net.UDPAddr); ok {
			remote = udpDest
		}
	}
	if !active {
		completion(fmt.Errorf("rtptransport: transport closed"), 0)
		return
	}
	if remote == nil {
		completion(fmt.Errorf("rtptransport: no remote address set"), 0)
		return
	}
	n, err := conn.WriteToUDP(buf, remote)
	completion(err, n)
}

// Run reads datagrams until ctx is cancelled or the transport is closed,
// classifying each with IsRTCP (a second header byte of 200-206 is RTCP,
// anything else RTP; non-muxed deployments bind a second UDPTransport for
// the RTCP port instead and pass onRTCP there).
func (t *UDPTransport) Run(ctx context.Context) error {
	buf := make([]byte, t.cfg.BufferSize)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		t.conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
		n, from, err := t.conn.ReadFromUDP(buf)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			t.mu.RLock()
			active := t.active
			t.mu.RUnlock()
			if !active {
				return nil
			}
			return fmt.Errorf("rtptransport: read udp: %w", err)
		}

		now := time.Now()
		t.mu.Lock()
		if t.remoteAddr == nil {
			t.remoteAddr = from
		}
		t.mu.Unlock()

		datagram := append([]byte(nil), buf[:n]...)
		t.mu.RLock()
		onRTP, onRTCP := t.onRTP, t.onRTCP
		t.mu.RUnlock()
		if IsRTCP(datagram) {
			if onRTCP != nil {
				onRTCP(datagram, now, from)
			}
		} else if onRTP != nil {
			onRTP(datagram, now, from)
		}
	}
}

// IsRTCP applies the RFC 5761 payload-type heuristic for demultiplexing a
// muxed RTP/RTCP stream: RTCP packet types occupy 200-204 (SR, RR, SDES,
// BYE, APP) and the feedback range 205-206 (RTPFB, PSFB); this range is
// disjoint from the dynamic RTP payload-type range (96-127) a negotiated
// session would actually use, so the second header byte alone
// disambiguates.
func IsRTCP(buf []byte) bool {
	if len(buf) < 2 {
		return false
	}
	pt := buf[1]
	return pt >= 200 && pt <= 206
}

// LocalAddr returns the bound local address.
func (t *UDPTransport) LocalAddr() net.Addr {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.conn == nil {
		return nil
	}
	return t.conn.LocalAddr()
}

// RemoteAddr returns the current remote peer address, possibly learned
// from the first inbound datagram.
func (t *UDPTransport) RemoteAddr() net.Addr {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.remoteAddr
}

// Close shuts the transport down (spec §5 "Cancellation": "In-flight
// packets in transport buffers are flushed best-effort").
func (t *UDPTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.active {
		return nil
	}
	t.active = false
	return t.conn.Close()
}

// IsActive reports whether the transport is still open.
func (t *UDPTransport) IsActive() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.active
}
