package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/SeifBoukerdenna/CRCoach-sub002/internal/domain"
)

// Collector exposes the viewer's connection and stream health to
// Prometheus. All methods are safe from any goroutine.
type Collector struct {
	connectsTotal    prometheus.Counter
	disconnectsTotal prometheus.Counter
	stateTransitions *prometheus.CounterVec

	endToEndLatency prometheus.Histogram
	networkLatency  prometheus.Histogram

	framesReceived prometheus.Gauge
	framesDecoded  prometheus.Gauge
	packetsLost    prometheus.Gauge
	bitrateKbps    prometheus.Gauge
	framesPerSec   prometheus.Gauge

	framesCaptured prometheus.Counter
}

// NewCollector registers the viewer metrics with reg. Pass
// prometheus.DefaultRegisterer outside of tests.
func NewCollector(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)

	return &Collector{
		connectsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "crcviewer_connects_total",
			Help: "Connection attempts that reached the connected state",
		}),

		disconnectsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "crcviewer_disconnects_total",
			Help: "Connections torn down, user initiated or remote",
		}),

		stateTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "crcviewer_state_transitions_total",
			Help: "Connection state machine transitions by target state",
		}, []string{"state"}),

		endToEndLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "crcviewer_end_to_end_latency_seconds",
			Help:    "Capture-to-display latency of the video feed",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2},
		}),

		networkLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "crcviewer_network_latency_seconds",
			Help:    "Half round-trip latency to the relay",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}),

		framesReceived: factory.NewGauge(prometheus.GaugeOpts{
			Name: "crcviewer_frames_received",
			Help: "Cumulative complete frames seen on the transport",
		}),

		framesDecoded: factory.NewGauge(prometheus.GaugeOpts{
			Name: "crcviewer_frames_decoded",
			Help: "Cumulative decodable frames after depacketization",
		}),

		packetsLost: factory.NewGauge(prometheus.GaugeOpts{
			Name: "crcviewer_packets_lost",
			Help: "Cumulative RTP packets lost on the video track",
		}),

		bitrateKbps: factory.NewGauge(prometheus.GaugeOpts{
			Name: "crcviewer_bitrate_kbps",
			Help: "Current inbound video bitrate",
		}),

		framesPerSec: factory.NewGauge(prometheus.GaugeOpts{
			Name: "crcviewer_fps",
			Help: "Current inbound video frame rate",
		}),

		framesCaptured: factory.NewCounter(prometheus.CounterOpts{
			Name: "crcviewer_frames_captured_total",
			Help: "Frames sampled and sent to the inference pipeline",
		}),
	}
}

func (c *Collector) RecordConnect() {
	c.connectsTotal.Inc()
}

func (c *Collector) RecordDisconnect() {
	c.disconnectsTotal.Inc()
}

func (c *Collector) RecordStateTransition(state string) {
	c.stateTransitions.WithLabelValues(state).Inc()
}

func (c *Collector) ObserveEndToEndLatency(ms float64) {
	c.endToEndLatency.Observe(ms / 1000)
}

func (c *Collector) ObserveNetworkLatency(ms float64) {
	c.networkLatency.Observe(ms / 1000)
}

func (c *Collector) RecordFrameCaptured() {
	c.framesCaptured.Inc()
}

// UpdateTransport mirrors the cumulative transport counters.
func (c *Collector) UpdateTransport(snap domain.TransportSnapshot) {
	c.framesReceived.Set(float64(snap.FramesReceived))
	c.framesDecoded.Set(float64(snap.FramesDecoded))
	c.packetsLost.Set(float64(snap.PacketsLost))
}

// UpdateStream mirrors the per-tick stream snapshot.
func (c *Collector) UpdateStream(stats domain.StreamStats) {
	c.bitrateKbps.Set(stats.BitrateKbps)
	c.framesPerSec.Set(stats.FPS)
}
