package domain

// Signaling message types. One "type" field discriminates the JSON envelope.
const (
	TypeConnect                 = "connect"
	TypeConnected               = "connected"
	TypeOffer                   = "offer"
	TypeAnswer                  = "answer"
	TypeICE                     = "ice"
	TypePing                    = "ping"
	TypeLatencyTest             = "latency_test"
	TypeLatencyResponse         = "latency_response"
	TypeFrameData               = "frame_data"
	TypeFrameTiming             = "frame_timing"
	TypeBroadcasterDisconnected = "broadcaster_disconnected"
	TypeError                   = "error"
)

// RoleViewer is the role announced in the connect handshake.
const RoleViewer = "viewer"

// Message is the JSON envelope exchanged with the relay. The relay's schema
// is loose, so a single struct with omitempty fields covers every type; the
// latency_response fields keep the relay's snake_case names.
type Message struct {
	Type        string `json:"type"`
	Role        string `json:"role,omitempty"`
	SessionCode string `json:"sessionCode,omitempty"`
	Timestamp   int64  `json:"timestamp,omitempty"`

	// connected
	ConnectionID string       `json:"connectionId,omitempty"`
	ViewerCount  int          `json:"viewerCount,omitempty"`
	MaxViewers   int          `json:"maxViewers,omitempty"`
	LatencyInfo  *LatencyInfo `json:"latencyInfo,omitempty"`

	// offer / answer
	SDP            string `json:"sdp,omitempty"`
	TargetViewerID string `json:"targetViewerId,omitempty"`

	// ice
	Candidate     string  `json:"candidate,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
	SDPMid        *string `json:"sdpMid,omitempty"`

	// latency_response
	ClientTimestamp int64 `json:"client_timestamp,omitempty"`
	ServerSendTime  int64 `json:"server_send_time,omitempty"`

	// frame_data
	FrameData   string      `json:"frameData,omitempty"`
	FrameNumber uint64      `json:"frameNumber,omitempty"`
	Dimensions  *Dimensions `json:"dimensions,omitempty"`

	// frame_timing
	FrameID          uint64  `json:"frameId,omitempty"`
	CaptureTimestamp int64   `json:"captureTimestamp,omitempty"`
	DisplayTimestamp int64   `json:"displayTimestamp,omitempty"`
	EndToEndLatency  float64 `json:"endToEndLatency,omitempty"`
	Method           string  `json:"method,omitempty"`

	// error
	ErrorMessage string `json:"message,omitempty"`
}

// LatencyInfo is the relay's clock echo attached to the connected handshake.
type LatencyInfo struct {
	ClientTimestamp int64 `json:"clientTimestamp,omitempty"`
	ServerTimestamp int64 `json:"serverTimestamp,omitempty"`
}

// Dimensions carries both the scaled and the source frame size of a capture.
type Dimensions struct {
	Width        int `json:"width"`
	Height       int `json:"height"`
	SourceWidth  int `json:"sourceWidth,omitempty"`
	SourceHeight int `json:"sourceHeight,omitempty"`
}
