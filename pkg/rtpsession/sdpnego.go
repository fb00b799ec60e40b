package rtpsession

import (
	"strconv"
	"strings"

	"github.com/pion/sdp/v3"
)

// ApplyNegotiatedAttributes reads the subset of already-negotiated SDP
// media attributes the core needs and folds them into opts. It performs
// no offer/answer logic itself — SDP/SIP signaling is out of scope per
// spec §1; this only bridges the signaling layer's output into the core's
// configuration surface (spec §6 table: allow_reduced_rtcp, feedback_mode,
// rtx_time_ms, rtcp_mux).
func ApplyNegotiatedAttributes(media *sdp.MediaDescription, opts *Options) {
	if media == nil {
		return
	}
	for _, attr := range media.Attributes {
		switch {
		case attr.Key == "rtcp-rsize":
			opts.AllowReducedRTCP = true
		case attr.Key == "rtcp-mux":
			opts.RTCPMux = true
		case attr.Key == "rtcp-fb":
			applyRTCPFeedback(attr.Value, opts)
		}
	}
}

// applyRTCPFeedback parses an "rtcp-fb" attribute value of the form
// "<fmt> nack" / "<fmt> nack pli" / "<fmt> ack" / "<fmt> trr-int <ms>" and
// updates the feedback mode / RTX retention timing spec §6 exposes.
func applyRTCPFeedback(value string, opts *Options) {
	fields := strings.Fields(value)
	for i, f := range fields {
		switch f {
		case "nack":
			if opts.FeedbackMode == FeedbackNone {
				opts.FeedbackMode = FeedbackNACK
			}
		case "ack":
			opts.FeedbackMode = FeedbackACK
		case "trr-int":
			if i+1 < len(fields) {
				if ms, err := strconv.Atoi(fields[i+1]); err == nil {
					opts.RTXTimeMS = ms
					opts.RTXMode = RTXNackTimed
				}
			}
		}
	}
}
