package domain

import (
	"fmt"
	"math"
	"time"
)

// Latency estimation methods recorded on measurements and frame_timing
// messages.
const (
	MethodLastPacket = "last_packet"
	MethodFallback   = "fallback"
)

// LatencyMeasurement is one end-to-end latency sample. Measurements are
// append-only; the estimator retains a bounded ring of the most recent 100.
type LatencyMeasurement struct {
	FrameID            uint64
	CaptureTimestamp   int64 // unix ms, estimated at the source
	DisplayTimestamp   int64 // unix ms, at the viewer
	EndToEndLatencyMs  float64
	SignalingLatencyMs float64 // 0 when unknown
	NetworkLatencyMs   float64 // 0 when unknown
	Method             string
}

// LatencyStats is the derived view over the last 20 retained measurements.
// min <= average <= max holds whenever Window > 0; the empty value is
// {current:0, average:0, min:+Inf, max:0}.
type LatencyStats struct {
	CurrentMs float64
	AverageMs float64
	MinMs     float64
	MaxMs     float64
	Window    int
}

// EmptyLatencyStats returns the reset value used at construction and after
// every teardown.
func EmptyLatencyStats() LatencyStats {
	return LatencyStats{MinMs: math.Inf(1), MaxMs: 0}
}

// StreamStats is the transient per-tick snapshot of the media path. Each
// polling tick overwrites the previous snapshot; signaling and network
// latency are carried forward when a poll has no fresh value for them.
type StreamStats struct {
	FPS                float64
	BitrateKbps        float64
	Width              int
	Height             int
	EndToEndLatencyMs  float64
	SignalingLatencyMs float64
	NetworkLatencyMs   float64
}

// Resolution renders the frame size as "WxH", or "unknown" before the first
// sized frame.
func (s StreamStats) Resolution() string {
	if s.Width == 0 || s.Height == 0 {
		return "unknown"
	}
	return fmt.Sprintf("%dx%d", s.Width, s.Height)
}

// TransportSnapshot is a point-in-time copy of the cumulative media
// transport counters, compared tick over tick by the latency estimator and
// the stream stats poller.
type TransportSnapshot struct {
	FramesReceived     uint64
	FramesDecoded      uint64
	PacketsReceived    uint64
	PacketsLost        uint64
	BytesReceived      uint64
	LastPacketReceived time.Time // zero until the first packet arrives
}
