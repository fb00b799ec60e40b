// Package wire implements the bit-exact RTP/RTCP wire-format codec described
// in spec §4.1: translating between opaque datagrams and structured records.
// RTP header and extension encode/decode is delegated to github.com/pion/rtp
// (one-byte/two-byte header-extension profiles per RFC 5285 are already
// handled there); this package adds the observable attributes the session
// layer needs beyond the wire form, and the RTCP compound-packet assembly
// and validation rules RFC 3550 specifies but no single library in the pack
// implements end to end.
package wire

import (
	"time"

	"github.com/pion/rtp"
)

// Packet is an RTP packet plus the attributes that never travel on the
// wire: arrival/send time, the 32-bit extended sequence number, one-way
// delay, and (for multipath operation) a subflow identifier and its own
// sequence space. The invariant from spec §3 holds by construction: the low
// 16 bits of ExtSequenceNumber always equal Header.SequenceNumber, because
// ExtSequenceNumber is derived from it by the session's extension logic
// (pkg/rtpsession), never set independently here.
type Packet struct {
	rtp.Packet

	ArrivalTime      time.Time
	SendTime         time.Time
	ExtSequenceNumber uint32
	OneWayDelay      time.Duration

	HasSubflow   bool
	SubflowID    uint16
	SubflowSeq   uint32
}

// Encode serializes the RTP header and payload. The non-wire attributes are
// not part of the datagram; callers that need to carry ArrivalTime etc.
// across a process boundary must do so out of band.
func (p *Packet) Encode() ([]byte, error) {
	return p.Packet.Marshal()
}

// Decode parses an inbound datagram into an RTP packet. It stamps ArrivalTime
// with the caller-supplied time (the transport's arrival_wall_time from
// §6) and leaves ExtSequenceNumber at zero; the session layer fills it in
// once it has looked up the sending member's rollover state.
func Decode(buf []byte, arrival time.Time) (*Packet, error) {
	p := &Packet{ArrivalTime: arrival}
	if err := p.Packet.Unmarshal(buf); err != nil {
		return nil, ErrMalformedDatagram
	}
	return p, nil
}

// WithSubflow attaches multipath routing metadata to an already-decoded
// packet (used by a multipath transport demultiplexer before handing the
// packet to the session).
func (p *Packet) WithSubflow(subflowID uint16, subflowSeq uint32) *Packet {
	p.HasSubflow = true
	p.SubflowID = subflowID
	p.SubflowSeq = subflowSeq
	return p
}
