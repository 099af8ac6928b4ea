package latency

import (
	"time"

	"go.uber.org/zap"

	"github.com/SeifBoukerdenna/CRCoach-sub002/internal/domain"
)

const (
	ringCapacity = 100
	statsWindow  = 20

	// Estimates outside (0, artifactCeilingMs] are sensor artifacts from
	// clock skew or stalled counters and are discarded, not recorded.
	artifactCeilingMs = 2000.0
)

// Estimator folds transport statistics and round-trip probes into rolling
// latency state. It is not safe for concurrent use; the connection event
// loop is the only caller.
type Estimator struct {
	encodingDelayMs float64
	forward         func(*domain.Message)
	logger          *zap.Logger

	ring  []domain.LatencyMeasurement
	stats domain.LatencyStats

	signalingMs float64
	networkMs   float64

	prev     domain.TransportSnapshot
	havePrev bool
}

// NewEstimator creates an estimator. forward, when non-nil, receives a
// frame_timing message for every recorded measurement; delivery is
// best-effort and must never block. encodingDelayMs is the fixed encoder
// delay assumed by the fallback capture-time estimate.
func NewEstimator(encodingDelayMs float64, forward func(*domain.Message), logger *zap.Logger) *Estimator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Estimator{
		encodingDelayMs: encodingDelayMs,
		forward:         forward,
		logger:          logger.With(zap.String("component", "latency")),
		stats:           domain.EmptyLatencyStats(),
	}
}

// SetSignalingLatency stores the one-way signaling delay measured during
// the connect handshake.
func (e *Estimator) SetSignalingLatency(ms float64) {
	e.signalingMs = ms
}

// SignalingLatency returns the current one-way signaling delay estimate.
func (e *Estimator) SignalingLatency() float64 {
	return e.signalingMs
}

// NetworkLatency returns the current half round-trip network estimate.
func (e *Estimator) NetworkLatency() float64 {
	return e.networkMs
}

// ObserveProbe folds a latency_test round trip into the network estimate.
// sentMs is the client timestamp echoed by the relay; half the round trip
// is taken as the one-way latency, assuming a symmetric path.
func (e *Estimator) ObserveProbe(sentMs int64, receivedAt time.Time) {
	rtt := float64(receivedAt.UnixMilli() - sentMs)
	if rtt < 0 {
		return
	}
	e.networkMs = rtt / 2
	e.logger.Debug("probe round trip",
		zap.Float64("rtt_ms", rtt),
		zap.Float64("network_ms", e.networkMs))
}

// ObserveTransport compares a cumulative transport snapshot against the
// previous tick. When new frames arrived it estimates the capture time,
// preferring the transport's last-packet-received clock and falling back
// to display time minus network latency and the fixed encoding delay.
// The resulting end-to-end value is recorded unless the artifact gate
// rejects it.
func (e *Estimator) ObserveTransport(snap domain.TransportSnapshot, displayTime time.Time) {
	if !e.havePrev {
		e.prev, e.havePrev = snap, true
		return
	}
	prev := e.prev
	e.prev = snap

	newFrames := snap.FramesDecoded > prev.FramesDecoded || snap.FramesReceived > prev.FramesReceived
	if !newFrames {
		return
	}

	displayMs := displayTime.UnixMilli()
	var captureMs float64
	method := domain.MethodFallback
	if !snap.LastPacketReceived.IsZero() {
		captureMs = float64(snap.LastPacketReceived.UnixMilli())
		method = domain.MethodLastPacket
	} else {
		captureMs = float64(displayMs) - e.networkMs - e.encodingDelayMs
	}

	e2e := float64(displayMs) - captureMs
	if e2e <= 0 || e2e > artifactCeilingMs {
		e.logger.Debug("discarding latency artifact",
			zap.Float64("e2e_ms", e2e),
			zap.String("method", method))
		return
	}

	e.Record(domain.LatencyMeasurement{
		FrameID:            snap.FramesDecoded,
		CaptureTimestamp:   int64(captureMs),
		DisplayTimestamp:   displayMs,
		EndToEndLatencyMs:  e2e,
		SignalingLatencyMs: e.signalingMs,
		NetworkLatencyMs:   e.networkMs,
		Method:             method,
	})
}

// Record appends a measurement to the bounded ring, recomputes the rolling
// stats over the recent window, and forwards the timing to the relay.
func (e *Estimator) Record(m domain.LatencyMeasurement) {
	e.ring = append(e.ring, m)
	if len(e.ring) > ringCapacity {
		e.ring = e.ring[1:]
	}
	e.recompute(m.EndToEndLatencyMs)

	if e.forward != nil {
		e.forward(&domain.Message{
			Type:             domain.TypeFrameTiming,
			FrameID:          m.FrameID,
			CaptureTimestamp: m.CaptureTimestamp,
			DisplayTimestamp: m.DisplayTimestamp,
			EndToEndLatency:  m.EndToEndLatencyMs,
			Method:           m.Method,
			Timestamp:        time.Now().UnixMilli(),
		})
	}
}

// Stats returns the rolling latency view.
func (e *Estimator) Stats() domain.LatencyStats {
	return e.stats
}

// Measurements returns the retained ring, oldest first.
func (e *Estimator) Measurements() []domain.LatencyMeasurement {
	out := make([]domain.LatencyMeasurement, len(e.ring))
	copy(out, e.ring)
	return out
}

// Reset drops all retained state. Used on teardown so a reconnect starts
// from an empty ring.
func (e *Estimator) Reset() {
	e.ring = nil
	e.stats = domain.EmptyLatencyStats()
	e.signalingMs = 0
	e.networkMs = 0
	e.prev = domain.TransportSnapshot{}
	e.havePrev = false
}

func (e *Estimator) recompute(current float64) {
	start := 0
	if len(e.ring) > statsWindow {
		start = len(e.ring) - statsWindow
	}
	window := e.ring[start:]

	stats := domain.EmptyLatencyStats()
	stats.CurrentMs = current
	var sum float64
	for _, m := range window {
		sum += m.EndToEndLatencyMs
		if m.EndToEndLatencyMs < stats.MinMs {
			stats.MinMs = m.EndToEndLatencyMs
		}
		if m.EndToEndLatencyMs > stats.MaxMs {
			stats.MaxMs = m.EndToEndLatencyMs
		}
	}
	if len(window) > 0 {
		stats.AverageMs = sum / float64(len(window))
	}
	stats.Window = len(window)
	e.stats = stats
}
