package wire

import "errors"

// ErrMalformedDatagram is returned for any RTP/RTCP framing violation: bad
// version, truncated header, record length that does not match the
// datagram, padding present outside the last record, or similar. Per §7 the
// caller is expected to drop the datagram and continue; the session never
// propagates this upward.
var ErrMalformedDatagram = errors.New("wire: malformed datagram")

// ErrReducedSizeNotAllowed names the case of a reduced-size compound
// packet for a peer that has not advertised support (§4.3 "Reduced-size
// compound"). No function in this package returns it.
var ErrReducedSizeNotAllowed = errors.New("wire: reduced-size RTCP not permitted for this peer")
