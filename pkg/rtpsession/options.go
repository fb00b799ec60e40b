package rtpsession

import "time"

// FeedbackMode selects how the loss detector's requests are carried in
// RTCP (spec §6 "feedback_mode").
type FeedbackMode int

const (
	FeedbackNone FeedbackMode = iota
	FeedbackNACK
	FeedbackACK
)

// PredictorKind selects the loss-prediction algorithm (spec §4.5 / §6
// "predictor").
type PredictorKind int

const (
	PredictorSimple PredictorKind = iota
	PredictorMovingAverage
	PredictorAR2
)

// RTXMode selects the retransmission buffer's retention policy (spec §4.5 /
// §6 "rtx_mode").
type RTXMode int

const (
	RTXCircular RTXMode = iota
	RTXNackTimed
	RTXAck
)

// Options is the fixed configuration surface from spec §6. There is no
// config-file or environment loader: the core has no persisted state, and
// callers construct Options directly (or via ApplyNegotiatedAttributes, which
// fills in the peer-advertised fields from already-negotiated SDP
// attributes).
type Options struct {
	PayloadType uint8
	ClockRate   uint32
	SSRC        uint32 // 0 means generate randomly

	BufferLatency time.Duration // default 150ms

	RTCPBandwidthFraction float64 // default 0.05
	AllowReducedRTCP      bool

	FeedbackMode         FeedbackMode
	Predictor            PredictorKind
	PrematureTimeoutProb float64 // default 0.05

	RTXMode    RTXMode
	RTXTimeMS  int

	RTCPMux bool

	// RTXEnabled turns on the separate retransmission SSRC/sequence space
	// from spec §3 "SessionState". It is implied by FeedbackMode != None
	// when not set explicitly by the caller.
	RTXEnabled bool
}

// WithDefaults returns a copy of o with zero-valued fields replaced by the
// defaults spec.md names throughout §3/§4/§6.
func (o Options) WithDefaults() Options {
	if o.BufferLatency == 0 {
		o.BufferLatency = 150 * time.Millisecond
	}
	if o.RTCPBandwidthFraction == 0 {
		o.RTCPBandwidthFraction = 0.05
	}
	if o.PrematureTimeoutProb == 0 {
		o.PrematureTimeoutProb = 0.05
	}
	if o.FeedbackMode != FeedbackNone {
		o.RTXEnabled = true
	}
	return o
}
