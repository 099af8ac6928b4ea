package webrtc

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/nack"
	"github.com/pion/rtcp"
	pion "github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/SeifBoukerdenna/CRCoach-sub002/internal/domain"
)

// Callbacks are registered once at manager creation. OnICECandidate fires
// for every locally discovered candidate, OnTrack when a remote media track
// arrives, OnConnectionChange with true for connected/completed ICE states
// and false for failed/disconnected. All fire from Pion goroutines.
type Callbacks struct {
	OnICECandidate     func(candidate string, sdpMid *string, sdpMLineIndex *uint16)
	OnTrack            func(kind string)
	OnConnectionChange func(connected bool)
}

// Manager owns exactly one peer connection per connection lifetime. It
// answers the broadcaster's offer, applies remote ICE candidates, writes
// the depacketized H264 elementary stream to videoOut, and keeps the
// cumulative transport counters the latency estimator polls.
type Manager struct {
	pc       *pion.PeerConnection
	videoOut io.Writer
	cb       Callbacks
	logger   *zap.Logger

	packetsReceived atomic.Uint64
	packetsLost     atomic.Uint64
	bytesReceived   atomic.Uint64
	framesReceived  atomic.Uint64
	framesDecoded   atomic.Uint64
	keyframes       atomic.Uint64
	lastPacketMs    atomic.Int64
	videoSSRC       atomic.Uint32

	closeOnce sync.Once
	closed    chan struct{}
}

// NewManager creates the peer connection with the fixed discovery servers
// and registers the three callbacks. videoOut may be nil when the caller
// does not consume the raw stream.
func NewManager(iceServers []string, videoOut io.Writer, cb Callbacks, logger *zap.Logger) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	m := &pion.MediaEngine{}

	h264Codec := pion.RTPCodecParameters{
		RTPCodecCapability: pion.RTPCodecCapability{
			MimeType:    pion.MimeTypeH264,
			ClockRate:   90000,
			SDPFmtpLine: "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42e01f",
			RTCPFeedback: []pion.RTCPFeedback{
				{Type: "nack"},
				{Type: "nack", Parameter: "pli"},
			},
		},
		PayloadType: 102,
	}
	if err := m.RegisterCodec(h264Codec, pion.RTPCodecTypeVideo); err != nil {
		return nil, fmt.Errorf("register H264: %w", err)
	}

	opusCodec := pion.RTPCodecParameters{
		RTPCodecCapability: pion.RTPCodecCapability{
			MimeType:  pion.MimeTypeOpus,
			ClockRate: 48000,
			Channels:  2,
		},
		PayloadType: 111,
	}
	if err := m.RegisterCodec(opusCodec, pion.RTPCodecTypeAudio); err != nil {
		return nil, fmt.Errorf("register Opus: %w", err)
	}

	i := &interceptor.Registry{}
	generatorFactory, err := nack.NewGeneratorInterceptor()
	if err != nil {
		return nil, fmt.Errorf("create nack generator: %w", err)
	}
	i.Add(generatorFactory)

	api := pion.NewAPI(
		pion.WithMediaEngine(m),
		pion.WithInterceptorRegistry(i),
	)

	pc, err := api.NewPeerConnection(pion.Configuration{
		ICEServers:   []pion.ICEServer{{URLs: iceServers}},
		BundlePolicy: pion.BundlePolicyMaxBundle,
	})
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	mgr := &Manager{
		pc:       pc,
		videoOut: videoOut,
		cb:       cb,
		logger:   logger.With(zap.String("component", "webrtc")),
		closed:   make(chan struct{}),
	}

	pc.OnICECandidate(mgr.handleLocalCandidate)
	pc.OnTrack(mgr.handleTrack)
	pc.OnICEConnectionStateChange(mgr.handleICEState)
	pc.OnConnectionStateChange(func(state pion.PeerConnectionState) {
		mgr.logger.Debug("peer connection state", zap.String("state", state.String()))
	})

	return mgr, nil
}

// HandleOffer sets the broadcaster's offer as the remote description and
// produces the local answer SDP.
func (m *Manager) HandleOffer(sdp string) (string, error) {
	offer := pion.SessionDescription{Type: pion.SDPTypeOffer, SDP: sdp}
	if err := m.pc.SetRemoteDescription(offer); err != nil {
		return "", fmt.Errorf("set remote description: %v: %w", err, domain.ErrNegotiation)
	}

	answer, err := m.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("create answer: %v: %w", err, domain.ErrNegotiation)
	}
	if err := m.pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("set local description: %v: %w", err, domain.ErrNegotiation)
	}

	m.logger.Info("answer created")
	return answer.SDP, nil
}

// HandleICE applies a remote candidate. Errors are expected for stale or
// out-of-order candidates; callers log and carry on.
func (m *Manager) HandleICE(candidate string, sdpMid *string, sdpMLineIndex *uint16) error {
	init := pion.ICECandidateInit{
		Candidate:     candidate,
		SDPMid:        sdpMid,
		SDPMLineIndex: sdpMLineIndex,
	}
	if err := m.pc.AddICECandidate(init); err != nil {
		return fmt.Errorf("add ice candidate: %w", err)
	}
	return nil
}

// RequestKeyframe asks the broadcaster for an IDR via RTCP PLI. No-op
// until the video track has arrived.
func (m *Manager) RequestKeyframe() {
	ssrc := m.videoSSRC.Load()
	if ssrc == 0 {
		return
	}
	pli := &rtcp.PictureLossIndication{MediaSSRC: ssrc}
	if err := m.pc.WriteRTCP([]rtcp.Packet{pli}); err != nil {
		m.logger.Debug("keyframe request failed", zap.Error(err))
	}
}

// Snapshot returns the cumulative transport counters.
func (m *Manager) Snapshot() domain.TransportSnapshot {
	snap := domain.TransportSnapshot{
		FramesReceived:  m.framesReceived.Load(),
		FramesDecoded:   m.framesDecoded.Load(),
		PacketsReceived: m.packetsReceived.Load(),
		PacketsLost:     m.packetsLost.Load(),
		BytesReceived:   m.bytesReceived.Load(),
	}
	if ms := m.lastPacketMs.Load(); ms > 0 {
		snap.LastPacketReceived = time.UnixMilli(ms)
	}
	return snap
}

// Close releases the peer connection and stops emitting callbacks.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		close(m.closed)
	})
	if m.pc != nil {
		m.pc.Close()
	}
}

func (m *Manager) handleLocalCandidate(c *pion.ICECandidate) {
	if c == nil {
		m.logger.Debug("ICE gathering complete")
		return
	}

	init := c.ToJSON()
	if isLoopback(init.Candidate) {
		m.logger.Debug("filtering loopback ICE candidate")
		return
	}

	m.logger.Debug("local ICE candidate", zap.String("candidate", init.Candidate))
	if m.cb.OnICECandidate != nil {
		m.cb.OnICECandidate(init.Candidate, init.SDPMid, init.SDPMLineIndex)
	}
}

func (m *Manager) handleICEState(state pion.ICEConnectionState) {
	m.logger.Info("ICE connection state", zap.String("state", state.String()))
	if m.cb.OnConnectionChange == nil {
		return
	}

	switch state {
	case pion.ICEConnectionStateConnected, pion.ICEConnectionStateCompleted:
		m.cb.OnConnectionChange(true)
	case pion.ICEConnectionStateFailed, pion.ICEConnectionStateDisconnected:
		m.cb.OnConnectionChange(false)
	}
}

func (m *Manager) handleTrack(track *pion.TrackRemote, _ *pion.RTPReceiver) {
	codec := track.Codec()
	m.logger.Info("got track",
		zap.String("kind", track.Kind().String()),
		zap.String("codec", codec.MimeType),
		zap.Uint8("pt", uint8(track.PayloadType())))

	if track.Kind() == pion.RTPCodecTypeVideo {
		m.videoSSRC.Store(uint32(track.SSRC()))
		go m.readVideoTrack(track)

		// give the transport a moment to settle, then ask for an IDR so
		// the stream starts decodable
		go func() {
			select {
			case <-m.closed:
			case <-time.After(500 * time.Millisecond):
				m.RequestKeyframe()
			}
		}()
	} else {
		go m.drainTrack(track)
	}

	if m.cb.OnTrack != nil {
		m.cb.OnTrack(track.Kind().String())
	}
}

func (m *Manager) readVideoTrack(track *pion.TrackRemote) {
	startCode := []byte{0x00, 0x00, 0x00, 0x01}
	depack := NewH264Depacketizer()

	var lastSeq uint16
	var haveSeq bool

	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			select {
			case <-m.closed:
			default:
				m.logger.Debug("video track read ended", zap.Error(err))
			}
			return
		}

		m.packetsReceived.Add(1)
		m.bytesReceived.Add(uint64(len(pkt.Payload)))
		m.lastPacketMs.Store(time.Now().UnixMilli())

		if haveSeq {
			// uint16 arithmetic handles wraparound; ignore reordered packets
			if delta := pkt.SequenceNumber - lastSeq; delta > 1 && delta < 0x8000 {
				m.packetsLost.Add(uint64(delta - 1))
			}
		}
		lastSeq, haveSeq = pkt.SequenceNumber, true

		if pkt.Marker {
			m.framesReceived.Add(1)
		}

		sawSlice := false
		for _, nalu := range depack.Depacketize(pkt.SequenceNumber, pkt.Payload) {
			if len(nalu) == 0 {
				continue
			}
			if isSliceNALU(nalu) {
				sawSlice = true
			}
			if isKeyframeNALU(nalu) {
				m.keyframes.Add(1)
			}
			if m.videoOut != nil {
				m.videoOut.Write(startCode)
				m.videoOut.Write(nalu)
			}
		}
		if sawSlice {
			m.framesDecoded.Add(1)
		}
	}
}

func (m *Manager) drainTrack(track *pion.TrackRemote) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := track.Read(buf); err != nil {
			return
		}
	}
}

func isLoopback(candidate string) bool {
	return strings.Contains(candidate, "127.0.0.1") || strings.Contains(candidate, "::1 ")
}
