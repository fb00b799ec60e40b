// Package rtpmetrics wires the four core subsystems (spec §2) into real
// Prometheus collectors, grounded on loreste-karl/internal/metrics.go's
// metric set (packet/drop counters, jitter/loss/bandwidth gauges, labeled
// error counters) and promhttp server-mount pattern. Unlike that file, this
// package does not use package-level vars and a global MustRegister: the
// teacher's own metrics.go/metrics_collector.go in arzzra-soft_phone/pkg/rtp
// hand-roll a text exporter instead of using the prometheus/client_golang
// dependency its go.mod already carries, which this package fixes by
// building real collectors around an injectable *prometheus.Registry so
// multiple sessions in one process don't collide on global metric names.
package rtpmetrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collectors bundles the per-session Prometheus metrics for the session
// database, RTCP scheduler, jitter buffer, and loss/RTX manager.
type Collectors struct {
	registry *prometheus.Registry

	PacketsReceived prometheus.Counter
	PacketsSent     prometheus.Counter
	BytesReceived   prometheus.Counter
	BytesSent       prometheus.Counter

	ActiveMembers prometheus.Gauge
	Jitter        prometheus.Gauge
	PacketLoss    prometheus.Gauge

	RTCPIntervalSeconds prometheus.Gauge
	RTCPPacketsSent     prometheus.Counter

	JitterBufferPending  prometheus.Gauge
	JitterBufferLate     prometheus.Counter
	JitterBufferDuplicate prometheus.Counter

	AssumedLost   prometheus.Counter
	MassiveLoss   prometheus.Gauge
	RtxRequested  prometheus.Counter
	RtxFulfilled  prometheus.Counter
	RtxBufferSize prometheus.Gauge

	Errors *prometheus.CounterVec
}

// New constructs a Collectors bundle and registers every metric with reg.
// Passing a fresh *prometheus.Registry per session avoids the "duplicate
// metrics collector registration attempted" panic MustRegister-against-the-
// global-registry would hit with more than one session in a process.
func New(reg *prometheus.Registry, labels prometheus.Labels) *Collectors {
	c := &Collectors{
		registry: reg,
		PacketsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rtpcore_packets_received_total", Help: "RTP packets received.", ConstLabels: labels,
		}),
		PacketsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rtpcore_packets_sent_total", Help: "RTP packets sent.", ConstLabels: labels,
		}),
		BytesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rtpcore_bytes_received_total", Help: "RTP datagram bytes received (header and payload).", ConstLabels: labels,
		}),
		BytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rtpcore_bytes_sent_total", Help: "RTP payload bytes sent.", ConstLabels: labels,
		}),
		ActiveMembers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rtpcore_active_members", Help: "Members currently tracked in the session database.", ConstLabels: labels,
		}),
		Jitter: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rtpcore_jitter_rtp_units", Help: "Most recent interarrival jitter estimate, in RTP timestamp units.", ConstLabels: labels,
		}),
		PacketLoss: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rtpcore_packet_loss_fraction", Help: "Most recent interval fraction-lost, 0-1.", ConstLabels: labels,
		}),
		RTCPIntervalSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rtpcore_rtcp_interval_seconds", Help: "Current computed RTCP transmission interval.", ConstLabels: labels,
		}),
		RTCPPacketsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rtpcore_rtcp_packets_sent_total", Help: "RTCP compound packets sent.", ConstLabels: labels,
		}),
		JitterBufferPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rtpcore_jitterbuf_pending_groups", Help: "Playout groups currently buffered.", ConstLabels: labels,
		}),
		JitterBufferLate: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rtpcore_jitterbuf_late_total", Help: "Packets dropped for arriving past their playout deadline.", ConstLabels: labels,
		}),
		JitterBufferDuplicate: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rtpcore_jitterbuf_duplicate_total", Help: "Duplicate sequence numbers dropped by the jitter buffer.", ConstLabels: labels,
		}),
		AssumedLost: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rtpcore_assumed_lost_total", Help: "Sequence numbers declared lost by the loss predictor.", ConstLabels: labels,
		}),
		MassiveLoss: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rtpcore_massive_loss", Help: "1 if the last interval exceeded the massive-loss suppression threshold.", ConstLabels: labels,
		}),
		RtxRequested: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rtpcore_rtx_requested_total", Help: "Retransmissions requested via NACK/ACK.", ConstLabels: labels,
		}),
		RtxFulfilled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rtpcore_rtx_fulfilled_total", Help: "Retransmitted packets successfully delivered.", ConstLabels: labels,
		}),
		RtxBufferSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rtpcore_rtx_buffer_size", Help: "Packets currently retained in the rtx buffer.", ConstLabels: labels,
		}),
		Errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rtpcore_errors_total", Help: "Errors by kind (spec §7 error taxonomy).", ConstLabels: labels,
		}, []string{"kind"}),
	}

	reg.MustRegister(
		c.PacketsReceived, c.PacketsSent, c.BytesReceived, c.BytesSent,
		c.ActiveMembers, c.Jitter, c.PacketLoss,
		c.RTCPIntervalSeconds, c.RTCPPacketsSent,
		c.JitterBufferPending, c.JitterBufferLate, c.JitterBufferDuplicate,
		c.AssumedLost, c.MassiveLoss, c.RtxRequested, c.RtxFulfilled, c.RtxBufferSize,
		c.Errors,
	)
	return c
}

// Server mounts /metrics for reg on a dedicated http.Server, the same
// timeout-guarded pattern loreste-karl/internal/metrics.go's
// StartMetricsServer uses.
func Server(addr string, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
}

// Shutdown gracefully stops srv, bounded by ctx.
func Shutdown(ctx context.Context, srv *http.Server) error {
	return srv.Shutdown(ctx)
}
