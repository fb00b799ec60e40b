package wire

import (
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPacket_EncodeDecodeRoundTrip(t *testing.T) {
	p := &Packet{
		Packet: rtp.Packet{
			Header: rtp.Header{
				Version:        2,
				PayloadType:    96,
				SequenceNumber: 4242,
				Timestamp:      160000,
				SSRC:           0xdeadbeef,
			},
			Payload: []byte{1, 2, 3, 4, 5},
		},
	}

	buf, err := p.Encode()
	require.NoError(t, err)

	arrival := time.Unix(1000, 0)
	got, err := Decode(buf, arrival)
	require.NoError(t, err)

	assert.Equal(t, p.SequenceNumber, got.SequenceNumber)
	assert.Equal(t, p.Timestamp, got.Timestamp)
	assert.Equal(t, p.SSRC, got.SSRC)
	assert.Equal(t, p.Payload, got.Payload)
	assert.True(t, arrival.Equal(got.ArrivalTime))
	// Non-wire attributes are the session layer's job, not the codec's.
	assert.Zero(t, got.ExtSequenceNumber)
}

func TestPacket_DecodeMalformed(t *testing.T) {
	_, err := Decode([]byte{0x00, 0x01}, time.Now())
	assert.ErrorIs(t, err, ErrMalformedDatagram)
}

func TestPacket_WithSubflow(t *testing.T) {
	p := &Packet{Packet: rtp.Packet{Header: rtp.Header{SequenceNumber: 7}}}
	got := p.WithSubflow(3, 99)

	assert.Same(t, p, got)
	assert.True(t, got.HasSubflow)
	assert.EqualValues(t, 3, got.SubflowID)
	assert.EqualValues(t, 99, got.SubflowSeq)
}
