package lossrtx

import "errors"

var (
	// ErrRtxLookupMiss is returned when a retransmission is requested for a
	// sequence number no longer held in the RTX buffer (spec §7 "RtxLookupMiss
	// (...logged, no emission)").
	ErrRtxLookupMiss = errors.New("lossrtx: retransmission requested for a packet no longer in the rtx buffer")

	// ErrShortRtxPayload is returned when an inbound RTX packet's payload is
	// too small to carry the two-byte original-sequence-number prefix (spec
	// §4.5 "RTX packetization").
	ErrShortRtxPayload = errors.New("lossrtx: rtx payload too short to carry original sequence number")
)
