package rtpsession

import "errors"

// Error kinds from spec §7. Codec-level errors live in pkg/wire;
// these are the session-level ones.
var (
	// ErrUnknownSSRCInFeedback: feedback targets an SSRC the session has
	// no member entry for. Logged and dropped, never propagated.
	ErrUnknownSSRCInFeedback = errors.New("rtpsession: feedback targets unknown SSRC")

	// ErrTransportFailure is the one error kind propagated to the
	// application (spec §7 "Propagation policy"); the session itself
	// keeps running for any other endpoint.
	ErrTransportFailure = errors.New("rtpsession: transport failure")

	// ErrSessionClosed is returned by SubmitAccessUnit whenever the session
	// is not active: before Start as well as after Stop.
	ErrSessionClosed = errors.New("rtpsession: session closed")
)
