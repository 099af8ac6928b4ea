package webrtc

import (
	"strings"
	"testing"

	pion "github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/require"
)

var testICEServers = []string{"stun:stun.l.google.com:19302"}

// newBroadcasterOffer builds an SDP offer the way a broadcaster would:
// one H264 video track, trickle ICE.
func newBroadcasterOffer(t *testing.T) (*pion.PeerConnection, string) {
	t.Helper()

	pc, err := pion.NewPeerConnection(pion.Configuration{})
	require.NoError(t, err)
	t.Cleanup(func() { pc.Close() })

	track, err := pion.NewTrackLocalStaticSample(
		pion.RTPCodecCapability{MimeType: pion.MimeTypeH264},
		"video", "broadcaster")
	require.NoError(t, err)
	_, err = pc.AddTrack(track)
	require.NoError(t, err)

	offer, err := pc.CreateOffer(nil)
	require.NoError(t, err)
	require.NoError(t, pc.SetLocalDescription(offer))

	return pc, offer.SDP
}

func TestNewManager_CreatesPeerConnection(t *testing.T) {
	m, err := NewManager(testICEServers, nil, Callbacks{}, nil)
	require.NoError(t, err)
	require.NotNil(t, m)
	m.Close()
}

func TestHandleOffer_ProducesVideoAnswer(t *testing.T) {
	m, err := NewManager(testICEServers, nil, Callbacks{}, nil)
	require.NoError(t, err)
	defer m.Close()

	_, offerSDP := newBroadcasterOffer(t)

	answer, err := m.HandleOffer(offerSDP)
	require.NoError(t, err)
	require.NotEmpty(t, answer)
	require.True(t, strings.Contains(answer, "m=video"), "answer should accept the video m-line")
}

func TestHandleOffer_RejectsGarbage(t *testing.T) {
	m, err := NewManager(testICEServers, nil, Callbacks{}, nil)
	require.NoError(t, err)
	defer m.Close()

	_, err = m.HandleOffer("not an sdp")
	require.Error(t, err)
}

func TestHandleICE_BeforeRemoteDescription(t *testing.T) {
	m, err := NewManager(testICEServers, nil, Callbacks{}, nil)
	require.NoError(t, err)
	defer m.Close()

	mid := "0"
	idx := uint16(0)
	err = m.HandleICE("candidate:1 1 udp 2130706431 203.0.113.7 54321 typ host", &mid, &idx)
	require.Error(t, err, "candidates cannot apply before the remote description")
}

func TestRequestKeyframe_NoTrackIsNoop(t *testing.T) {
	m, err := NewManager(testICEServers, nil, Callbacks{}, nil)
	require.NoError(t, err)
	defer m.Close()

	// no track yet, must not panic or write RTCP
	m.RequestKeyframe()
}

func TestSnapshot_StartsEmpty(t *testing.T) {
	m, err := NewManager(testICEServers, nil, Callbacks{}, nil)
	require.NoError(t, err)
	defer m.Close()

	snap := m.Snapshot()
	require.Zero(t, snap.FramesReceived)
	require.Zero(t, snap.FramesDecoded)
	require.Zero(t, snap.PacketsReceived)
	require.Zero(t, snap.BytesReceived)
	require.True(t, snap.LastPacketReceived.IsZero())
}

func TestClose_Idempotent(t *testing.T) {
	m, err := NewManager(testICEServers, nil, Callbacks{}, nil)
	require.NoError(t, err)
	m.Close()
	m.Close()
}

func TestIsLoopback(t *testing.T) {
	cases := []struct {
		candidate string
		want      bool
	}{
		{"candidate:1 1 udp 2130706431 127.0.0.1 54321 typ host", true},
		{"candidate:2 1 udp 2130706431 ::1 54321 typ host", true},
		{"candidate:3 1 udp 2130706431 203.0.113.7 54321 typ host", false},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, isLoopback(tc.candidate), tc.candidate)
	}
}
