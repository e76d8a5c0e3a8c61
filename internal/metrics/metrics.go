// Package metrics provides Prometheus instrumentation for feedmux-server.
//
// All metrics are prefixed with "feedmux_" and registered with the default
// registry through promauto; the HTTP layer exposes them at /metrics via
// promhttp.Handler().
//
// Per-feed series carry a "feed_id" label. Call DeleteFeed when a feed is
// removed so its series stop being exported.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics
var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feedmux_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "feedmux_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds (streams excluded)",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
)

// Stream slot metrics
var (
	StreamsOpen = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "feedmux_streams_open",
			Help: "Long-lived HTTP streams holding a slot, by kind (live/playback)",
		},
		[]string{"kind"},
	)

	StreamsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feedmux_streams_rejected_total",
			Help: "Stream requests refused because every slot was taken",
		},
		[]string{"kind"},
	)
)

// Pipeline metrics
var (
	FramesDemuxed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feedmux_frames_demuxed_total",
			Help: "Complete JPEG frames extracted from encoder output",
		},
		[]string{"feed_id"},
	)

	SequencerBacklog = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "feedmux_sequencer_backlog",
			Help: "Items queued behind the in-flight pipeline step",
		},
		[]string{"feed_id"},
	)

	EncoderStarts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feedmux_encoder_starts_total",
			Help: "Encoder process spawns by result (started/spawn_error)",
		},
		[]string{"feed_id", "result"},
	)

	EncoderExits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feedmux_encoder_exits_total",
			Help: "Encoder process exits by cause (stopped/exited/failed)",
		},
		[]string{"feed_id", "cause"},
	)

	MotionEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feedmux_motion_events_total",
			Help: "Motion edges detected (start/end)",
		},
		[]string{"feed_id", "edge"},
	)

	MotionRatio = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "feedmux_motion_ratio",
			Help: "Differing-sample ratio of the last analyzed frame",
		},
		[]string{"feed_id"},
	)
)

// Distribution metrics
var (
	LiveViewers = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "feedmux_live_viewers",
			Help: "Connected live viewers (pending and active)",
		},
		[]string{"feed_id"},
	)

	ViewerFramesDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feedmux_viewer_frames_dropped_total",
			Help: "Frames skipped for viewers whose buffer was full",
		},
		[]string{"feed_id"},
	)
)

// Recording metrics
var (
	RecordingBytes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feedmux_recording_bytes_total",
			Help: "Bytes appended to recording files",
		},
		[]string{"feed_id"},
	)

	RecordingsActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "feedmux_recordings_active",
			Help: "Whether a recording session is open (1) or not (0)",
		},
		[]string{"feed_id"},
	)

	RecordingErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feedmux_recording_errors_total",
			Help: "Recording I/O failures by operation (start/write/stop)",
		},
		[]string{"feed_id", "op"},
	)
)

// Alert metrics
var (
	AlertsDispatched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feedmux_alerts_dispatched_total",
			Help: "Motion alert deliveries by notifier and status",
		},
		[]string{"notifier", "status"},
	)
)

// AppInfo exposes build information as labels on a constant gauge.
var AppInfo = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "feedmux_app_info",
		Help: "Build information",
	},
	[]string{"version", "commit", "build_date"},
)

// DeleteFeed drops every per-feed series for id.
func DeleteFeed(id string) {
	for _, v := range []*prometheus.CounterVec{FramesDemuxed, EncoderStarts, EncoderExits, MotionEvents, ViewerFramesDropped, RecordingBytes, RecordingErrors} {
		v.DeletePartialMatch(prometheus.Labels{"feed_id": id})
	}
	for _, v := range []*prometheus.GaugeVec{SequencerBacklog, MotionRatio, LiveViewers, RecordingsActive} {
		v.DeletePartialMatch(prometheus.Labels{"feed_id": id})
	}
}
