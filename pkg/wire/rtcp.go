package wire

import (
	"encoding/binary"

	"github.com/pion/rtcp"
)

// rtcpFmtGenericAck is the feedback-message-type value this codec uses for
// the experimental generic-ACK record (spec §4.1 "Generic ACK"). The FMT
// field shares the RTCP header's 5-bit RC/count slot (RFC 3550 §6.1), so it
// is bounded to 0-31; 30 is not assigned by IANA, which is what rtp++'s
// experimental/RtcpGenericAck.h (see original_source) also relies on.
const rtcpFmtGenericAck = 30

// AckPair is one (base, mask) entry of a generic-ACK record: mask bit j set
// means sequence number (base - j - 1) is acknowledged, per spec §4.1.
type AckPair struct {
	BaseSequenceNumber uint16
	Mask               uint16
}

// GenericAck is the ACK-mode feedback record from spec §4.1/§4.5. It
// implements rtcp.Packet so it can ride in a compound packet alongside the
// library's own SR/RR/SDES/BYE/NACK types.
type GenericAck struct {
	SenderSSRC uint32
	MediaSSRC  uint32
	Acks       []AckPair
}

func (a *GenericAck) Header() rtcp.Header {
	return rtcp.Header{
		Count:  rtcpFmtGenericAck,
		Type:   rtcp.TypeTransportSpecificFeedback,
		Length: uint16(2 + 2*len(a.Acks)),
	}
}

func (a *GenericAck) DestinationSSRC() []uint32 { return []uint32{a.MediaSSRC} }

func (a *GenericAck) Marshal() ([]byte, error) {
	buf := make([]byte, 4+8+4*len(a.Acks))
	buf[0] = 0x80 | rtcpFmtGenericAck
	buf[1] = byte(rtcp.TypeTransportSpecificFeedback)
	binary.BigEndian.PutUint16(buf[2:4], uint16(2+2*len(a.Acks)))
	binary.BigEndian.PutUint32(buf[4:8], a.SenderSSRC)
	binary.BigEndian.PutUint32(buf[8:12], a.MediaSSRC)
	for i, p := range a.Acks {
		off := 12 + i*4
		binary.BigEndian.PutUint16(buf[off:off+2], p.BaseSequenceNumber)
		binary.BigEndian.PutUint16(buf[off+2:off+4], p.Mask)
	}
	return buf, nil
}

func (a *GenericAck) Unmarshal(raw []byte) error {
	if len(raw) < 12 || len(raw)%4 != 0 {
		return ErrMalformedDatagram
	}
	if raw[0]&0x1f != rtcpFmtGenericAck || rtcp.PacketType(raw[1]) != rtcp.TypeTransportSpecificFeedback {
		return ErrMalformedDatagram
	}
	a.SenderSSRC = binary.BigEndian.Uint32(raw[4:8])
	a.MediaSSRC = binary.BigEndian.Uint32(raw[8:12])
	a.Acks = a.Acks[:0]
	for off := 12; off+4 <= len(raw); off += 4 {
		a.Acks = append(a.Acks, AckPair{
			BaseSequenceNumber: binary.BigEndian.Uint16(raw[off : off+2]),
			Mask:               binary.BigEndian.Uint16(raw[off+2 : off+4]),
		})
	}
	return nil
}

// CompoundPacket is an ordered sequence of RTCP records sharing one
// datagram (spec §3 "CompoundRtcpPacket").
type CompoundPacket struct {
	Records []rtcp.Packet
	// Reduced indicates this packet omitted the leading SR/RR+SDES,
	// which is only legal when both peers advertise reduced-size support
	// and the packet consists solely of early/event-driven feedback.
	Reduced bool
}

// DecodeCompound parses and validates an inbound RTCP datagram per the
// rules in spec §4.1: version 2 throughout, first record SR or RR unless
// reducedAllowed, at least one SDES record present unless reduced, and the
// library-level guarantee that the sum of record lengths equals the
// datagram length (rtcp.Unmarshal already enforces that framing rule; this
// function adds the session-level compound-packet rules on top).
func DecodeCompound(buf []byte, reducedAllowed bool) (*CompoundPacket, error) {
	records, err := rtcp.Unmarshal(buf)
	if err != nil {
		return nil, ErrMalformedDatagram
	}
	if len(records) == 0 {
		return nil, ErrMalformedDatagram
	}
	reconstructGenericAcks(records)

	first := records[0].Header().Type
	isRegular := first == rtcp.TypeSenderReport || first == rtcp.TypeReceiverReport

	if !isRegular && !reducedAllowed {
		return nil, ErrMalformedDatagram
	}

	hasSDES := false
	for _, r := range records {
		if r.Header().Type == rtcp.TypeSourceDescription {
			hasSDES = true
			break
		}
	}
	if isRegular && !hasSDES {
		return nil, ErrMalformedDatagram
	}

	return &CompoundPacket{Records: records, Reduced: !isRegular}, nil
}

// reconstructGenericAcks patches records in place. rtcp.Unmarshal has no
// knowledge of the experimental generic-ACK FMT this codec defines, so it
// hands back an opaque *rtcp.RawPacket for that transport-feedback FMT
// (the same fallback the library uses for any FMT it doesn't
// recognize, e.g. the FormatTLN/FormatRRR/FormatTCC switch in its own
// unmarshal factory). Reparse those into *GenericAck so callers can
// type-switch on it directly instead of on the raw fallback type.
func reconstructGenericAcks(records []rtcp.Packet) {
	for i, rec := range records {
		raw, ok := rec.(*rtcp.RawPacket)
		if !ok {
			continue
		}
		h := raw.Header()
		if h.Type != rtcp.TypeTransportSpecificFeedback || h.Count != rtcpFmtGenericAck {
			continue
		}
		ack := &GenericAck{}
		if err := ack.Unmarshal(*raw); err != nil {
			continue
		}
		records[i] = ack
	}
}

// Encode serializes the compound packet back into a single datagram.
func (c *CompoundPacket) Encode() ([]byte, error) {
	return rtcp.Marshal(c.Records)
}

// CNAME returns the CNAME SDES item for ssrc, if present in the compound
// packet's SourceDescription record.
func (c *CompoundPacket) CNAME(ssrc uint32) (string, bool) {
	for _, r := range c.Records {
		sdes, ok := r.(*rtcp.SourceDescription)
		if !ok {
			continue
		}
		for _, chunk := range sdes.Chunks {
			if chunk.Source != ssrc {
				continue
			}
			for _, item := range chunk.Items {
				if item.Type == rtcp.SDESCNAME {
					return item.Text, true
				}
			}
		}
	}
	return "", false
}
