package domain

import "context"

// Negotiator runs the pre-flight admission check against the session
// registry and carries the inference toggle.
type Negotiator interface {
	CheckStatus(ctx context.Context, code string) (*Session, error)
	Admit(ctx context.Context, code string) (*Session, error)
	SetInference(ctx context.Context, code string, enabled bool) (bool, error)
}

// Signaler is the duplex message channel to the signaling relay.
type Signaler interface {
	Open(ctx context.Context) error
	Send(msg *Message)
	Ready() bool
	Close()
}

// Peer owns the media peer connection for one connection lifetime.
type Peer interface {
	HandleOffer(sdp string) (answer string, err error)
	HandleICE(candidate string, sdpMid *string, sdpMLineIndex *uint16) error
	RequestKeyframe()
	Snapshot() TransportSnapshot
	Close()
}
