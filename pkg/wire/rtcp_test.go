package wire

import (
	"testing"

	"github.com/pion/rtcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeCompound_RegularReportRoundTrip(t *testing.T) {
	cp := &CompoundPacket{Records: []rtcp.Packet{
		&rtcp.ReceiverReport{SSRC: 0x1111},
		&rtcp.SourceDescription{Chunks: []rtcp.SourceDescriptionChunk{{
			Source: 0x1111,
			Items:  []rtcp.SourceDescriptionItem{{Type: rtcp.SDESCNAME, Text: "alice@example.com"}},
		}}},
	}}
	buf, err := cp.Encode()
	require.NoError(t, err)

	got, err := DecodeCompound(buf, false)
	require.NoError(t, err)
	assert.False(t, got.Reduced)
	require.Len(t, got.Records, 2)

	cname, ok := got.CNAME(0x1111)
	require.True(t, ok)
	assert.Equal(t, "alice@example.com", cname)
}

func TestDecodeCompound_RejectsNonRegularFirstRecordUnlessReducedAllowed(t *testing.T) {
	cp := &CompoundPacket{Records: []rtcp.Packet{
		&rtcp.TransportLayerNack{SenderSSRC: 1, MediaSSRC: 2, Nacks: []rtcp.NackPair{{PacketID: 5}}},
	}}
	buf, err := cp.Encode()
	require.NoError(t, err)

	_, err = DecodeCompound(buf, false)
	assert.ErrorIs(t, err, ErrMalformedDatagram)

	got, err := DecodeCompound(buf, true)
	require.NoError(t, err)
	assert.True(t, got.Reduced)
}

func TestDecodeCompound_RejectsRegularReportMissingSDES(t *testing.T) {
	cp := &CompoundPacket{Records: []rtcp.Packet{
		&rtcp.ReceiverReport{SSRC: 0x2222},
	}}
	buf, err := cp.Encode()
	require.NoError(t, err)

	_, err = DecodeCompound(buf, false)
	assert.ErrorIs(t, err, ErrMalformedDatagram)
}

func TestDecodeCompound_EmptyDatagram(t *testing.T) {
	_, err := DecodeCompound(nil, true)
	assert.ErrorIs(t, err, ErrMalformedDatagram)
}

func TestGenericAck_MarshalUnmarshalRoundTrip(t *testing.T) {
	a := &GenericAck{
		SenderSSRC: 0xaaaa,
		MediaSSRC:  0xbbbb,
		Acks:       []AckPair{{BaseSequenceNumber: 100, Mask: 0x0003}},
	}
	buf, err := a.Marshal()
	require.NoError(t, err)

	got := &GenericAck{}
	require.NoError(t, got.Unmarshal(buf))
	assert.Equal(t, a.SenderSSRC, got.SenderSSRC)
	assert.Equal(t, a.MediaSSRC, got.MediaSSRC)
	assert.Equal(t, a.Acks, got.Acks)
}

// TestDecodeCompound_ReconstructsGenericAckFromRawFallback is a regression
// test for rtcp.Unmarshal's dispatch: it has no knowledge of this codec's
// experimental generic-ACK FMT, so it hands back a *rtcp.RawPacket that
// DecodeCompound must reparse into a *GenericAck before handing records to
// callers.
func TestDecodeCompound_ReconstructsGenericAckFromRawFallback(t *testing.T) {
	ack := &GenericAck{
		SenderSSRC: 1,
		MediaSSRC:  2,
		Acks:       []AckPair{{BaseSequenceNumber: 10, Mask: 0x1}},
	}
	cp := &CompoundPacket{Records: []rtcp.Packet{
		&rtcp.ReceiverReport{SSRC: 2},
		&rtcp.SourceDescription{Chunks: []rtcp.SourceDescriptionChunk{{
			Source: 2,
			Items:  []rtcp.SourceDescriptionItem{{Type: rtcp.SDESCNAME, Text: "bob@example.com"}},
		}}},
		ack,
	}}
	buf, err := cp.Encode()
	require.NoError(t, err)

	got, err := DecodeCompound(buf, false)
	require.NoError(t, err)
	require.Len(t, got.Records, 3)

	reconstructed, ok := got.Records[2].(*GenericAck)
	require.True(t, ok, "expected *GenericAck, got %T", got.Records[2])
	assert.Equal(t, ack.SenderSSRC, reconstructed.SenderSSRC)
	assert.Equal(t, ack.MediaSSRC, reconstructed.MediaSSRC)
	assert.Equal(t, ack.Acks, reconstructed.Acks)
}
