// Package jitterbuf implements the receiver jitter buffer and playout
// scheduler from spec §4.4: it groups out-of-order arrivals by a playout
// key, computes a deadline per group from a configurable latency budget,
// and releases groups to the application in deadline order rather than
// arrival order. It is grounded on the ring/ordered-storage structure of
// HMasataka-ion-sfu/pkg/buffer (Bucket's sequence-keyed slot math), adapted
// from a fixed-capacity byte ring into an ordered, deadline-scheduled group
// list since playout (unlike RTX storage) must preserve release order.
package jitterbuf

import "errors"

var (
	// ErrLatePacket is returned by Insert for a packet whose group deadline
	// has already elapsed (spec §4.4 "is this packet late?").
	ErrLatePacket = errors.New("jitterbuf: packet arrived past its playout deadline")

	// ErrDuplicatePacket is returned by Insert when the sequence number is
	// already present in its group.
	ErrDuplicatePacket = errors.New("jitterbuf: duplicate sequence number")
)
