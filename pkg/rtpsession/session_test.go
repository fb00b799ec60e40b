package rtpsession

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/rtpcore/internal/clock"
	"github.com/arzzra/rtpcore/pkg/wire"
)

type fixedRandom struct{}

func (fixedRandom) Uint32() uint32   { return 0x1234abcd }
func (fixedRandom) Uint16() uint16   { return 0x55aa }
func (fixedRandom) Float64() float64 { return 0.5 }

// stubPacketizer emits one RTP packet per sample, stamped with the
// session-supplied sequence/timestamp base, the way a real codec-specific
// packetizer would but without any NAL-unit framing logic.
type stubPacketizer struct{}

func (stubPacketizer) Packetize(samples [][]byte, _ time.Time, markerOnLast bool, seqBase uint16, tsBase uint32) []*rtp.Packet {
	pkts := make([]*rtp.Packet, len(samples))
	for i, s := range samples {
		pkts[i] = &rtp.Packet{
			Header:  rtp.Header{SequenceNumber: seqBase + uint16(i), Timestamp: tsBase},
			Payload: s,
		}
	}
	if markerOnLast && len(pkts) > 0 {
		pkts[len(pkts)-1].Header.Marker = true
	}
	return pkts
}

// fakeTransport records every datagram handed to Send, standing in for
// pkg/rtptransport.UDPTransport.
type fakeTransport struct {
	mu   sync.Mutex
	sent [][]byte
	dest []net.Addr
}

func (f *fakeTransport) Send(buf []byte, dest net.Addr, completion func(error, int)) {
	f.mu.Lock()
	f.sent = append(f.sent, append([]byte(nil), buf...))
	f.dest = append(f.dest, dest)
	f.mu.Unlock()
	completion(nil, len(buf))
}

func newTestSession(t *testing.T, cfg Config) (*Session, *fakeTransport) {
	t.Helper()
	transport := &fakeTransport{}
	cfg.Transport = transport
	if cfg.Options.ClockRate == 0 {
		cfg.Options.ClockRate = 8000
	}
	if cfg.Random == nil {
		cfg.Random = fixedRandom{}
	}
	sess, err := New(cfg)
	require.NoError(t, err)
	return sess, transport
}

func TestNew_RequiresTransportAndClockRate(t *testing.T) {
	_, err := New(Config{Options: Options{ClockRate: 8000}})
	assert.Error(t, err)

	_, err = New(Config{Transport: &fakeTransport{}})
	assert.Error(t, err)
}

func TestSession_SubmitAccessUnit_RejectedBeforeStart(t *testing.T) {
	sess, _ := newTestSession(t, Config{Packetizer: stubPacketizer{}})
	err := sess.SubmitAccessUnit([][]byte{[]byte("x")}, time.Now(), true, nil)
	assert.ErrorIs(t, err, ErrSessionClosed)
}

// TestSession_SubmitAccessUnit_FiresOnSentBeforeTransportSend is the
// regression test for the production send path populating an RTX buffer
// (spec §4.5): OnSent must fire, with the encoded bytes actually handed to
// the transport, for every packet SubmitAccessUnit produces.
func TestSession_SubmitAccessUnit_FiresOnSentBeforeTransportSend(t *testing.T) {
	clk := clock.NewFakeClock(time.Unix(1000, 0))

	var mu sync.Mutex
	var gotSeqs []uint16
	var gotBufs [][]byte

	sess, transport := newTestSession(t, Config{
		Packetizer: stubPacketizer{},
		Clock:      clk,
		OnSent: func(pkt *wire.Packet, encoded []byte) {
			mu.Lock()
			defer mu.Unlock()
			gotSeqs = append(gotSeqs, pkt.SequenceNumber)
			gotBufs = append(gotBufs, append([]byte(nil), encoded...))
		},
	})
	require.NoError(t, sess.Start())

	dest := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 5004}
	err := sess.SubmitAccessUnit([][]byte{[]byte("a"), []byte("b")}, clk.Now(), true, dest)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, gotSeqs, 2)
	require.Len(t, transport.sent, 2)
	// What OnSent received is exactly what reached the transport.
	assert.Equal(t, transport.sent[0], gotBufs[0])
	assert.Equal(t, transport.sent[1], gotBufs[1])
	assert.Equal(t, gotSeqs[0]+1, gotSeqs[1])
}

func TestSession_SetOnSent_RewiresAfterConstruction(t *testing.T) {
	clk := clock.NewFakeClock(time.Unix(1000, 0))
	sess, _ := newTestSession(t, Config{Packetizer: stubPacketizer{}, Clock: clk})
	require.NoError(t, sess.Start())

	var called bool
	sess.SetOnSent(func(*wire.Packet, []byte) { called = true })

	require.NoError(t, sess.SubmitAccessUnit([][]byte{[]byte("x")}, clk.Now(), true, nil))
	assert.True(t, called)
}

func TestSession_ProcessIncomingRTP_CreatesMemberAndFiresCallbacks(t *testing.T) {
	clk := clock.NewFakeClock(time.Unix(1000, 0))

	var addedSSRC uint32
	var receivedPkt *wire.Packet
	sess, _ := newTestSession(t, Config{
		Clock: clk,
		OnSourceAdded: func(m *Member) {
			addedSSRC = m.SSRC
		},
		OnPacketReceived: func(pkt *wire.Packet, m *Member) {
			receivedPkt = pkt
		},
	})
	require.NoError(t, sess.Start())

	buf := encodePacket(t, 100, 1600, 0xaabbccdd, []byte("payload"))
	pkt, m := sess.ProcessIncomingRTP(buf, clk.Now(), nil)

	require.NotNil(t, pkt)
	require.NotNil(t, m)
	assert.EqualValues(t, 0xaabbccdd, addedSSRC)
	assert.Same(t, pkt, receivedPkt)
	assert.EqualValues(t, 1, m.PacketsReceived)
}

func TestSession_ProcessIncomingRTP_SSRCCollisionRekeysLocal(t *testing.T) {
	clk := clock.NewFakeClock(time.Unix(1000, 0))
	sess, _ := newTestSession(t, Config{Clock: clk})
	require.NoError(t, sess.Start())

	original := sess.SSRC()
	buf := encodePacket(t, 1, 160, original, []byte("x"))
	_, _ = sess.ProcessIncomingRTP(buf, clk.Now(), &net.UDPAddr{Port: 1})

	assert.NotEqual(t, original, sess.SSRC())
	byeSSRCs := sess.TakePendingByeSSRCs()
	require.Len(t, byeSSRCs, 1)
	assert.Equal(t, original, byeSSRCs[0])
}

func TestSession_ProcessIncomingRTP_NoCollisionFromOwnEndpoint(t *testing.T) {
	clk := clock.NewFakeClock(time.Unix(1000, 0))
	sess, _ := newTestSession(t, Config{Clock: clk})
	require.NoError(t, sess.Start())
	own := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 4000}
	sess.SetLocalEndpoint(own)

	original := sess.SSRC()
	buf := encodePacket(t, 1, 160, original, []byte("x"))
	_, _ = sess.ProcessIncomingRTP(buf, clk.Now(), own)

	assert.Equal(t, original, sess.SSRC())
	assert.Empty(t, sess.TakePendingByeSSRCs())
}

func TestSession_ProcessIncomingRTCP_RecordsSenderReportClockMapping(t *testing.T) {
	clk := clock.NewFakeClock(time.Unix(1000, 0))
	sess, _ := newTestSession(t, Config{Clock: clk})
	require.NoError(t, sess.Start())

	peerSSRC := uint32(0x9999)
	records := []rtcp.Packet{
		&rtcp.SenderReport{SSRC: peerSSRC, NTPTime: 0x1122334455667788, RTPTime: 48000},
		&rtcp.SourceDescription{Chunks: []rtcp.SourceDescriptionChunk{{
			Source: peerSSRC,
			Items:  []rtcp.SourceDescriptionItem{{Type: rtcp.SDESCNAME, Text: "peer@example.com"}},
		}}},
	}
	buf, err := rtcp.Marshal(records)
	require.NoError(t, err)

	cp := sess.ProcessIncomingRTCP(buf, clk.Now())
	require.NotNil(t, cp)

	m, ok := sess.Database().Get(peerSSRC)
	require.True(t, ok)
	assert.True(t, m.IsSender)
	lsr, _ := m.LastSRForReverseReport(clk.Now())
	assert.NotZero(t, lsr)
}

func encodePacket(t *testing.T, seq uint16, ts uint32, ssrc uint32, payload []byte) []byte {
	t.Helper()
	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			SequenceNumber: seq,
			Timestamp:      ts,
			SSRC:           ssrc,
		},
		Payload: payload,
	}
	buf, err := pkt.Marshal()
	require.NoError(t, err)
	return buf
}
