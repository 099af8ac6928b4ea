package viewer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/SeifBoukerdenna/CRCoach-sub002/internal/capture"
	"github.com/SeifBoukerdenna/CRCoach-sub002/internal/domain"
	"github.com/SeifBoukerdenna/CRCoach-sub002/internal/latency"
	"github.com/SeifBoukerdenna/CRCoach-sub002/internal/monitoring"
)

// State is the connection state machine position. The presentation layer
// reads it through Controller.State; only the controller writes it.
type State string

const (
	StateIdle            State = "idle"
	StateCheckingSession State = "checking_session"
	StateConnecting      State = "connecting"
	StateNegotiating     State = "negotiating"
	StateConnected       State = "connected"
	StateDisconnected    State = "disconnected"
	StateError           State = "error"
)

// PeerCallbacks mirror the peer connection's asynchronous outputs into the
// controller. They fire from transport goroutines and must not block.
type PeerCallbacks struct {
	OnICECandidate     func(candidate string, sdpMid *string, sdpMLineIndex *uint16)
	OnTrack            func(kind string)
	OnConnectionChange func(connected bool)
}

// Factories build the per-connection transports. Every Connect gets a fresh
// signaler and, once the offer arrives, a fresh peer; teardown releases both
// before the controller returns to idle.
type Factories struct {
	NewSignaler func(code string, onMessage func(*domain.Message), onClose func(error)) domain.Signaler
	NewPeer     func(cb PeerCallbacks) (domain.Peer, error)
}

// Config carries the controller's timing knobs and the capture profile.
type Config struct {
	StatsInterval   time.Duration
	ProbeInterval   time.Duration
	EncodingDelayMs float64
	Capture         domain.FrameCaptureConfig
}

// Controller is the top-level orchestrator and the only object the
// presentation layer talks to. It owns the state machine, the live
// connection and its timers, and guarantees that every exit path releases
// every resource acquired since the last idle.
type Controller struct {
	cfg        Config
	negotiator domain.Negotiator
	factories  Factories
	capture    *capture.Scheduler
	metrics    *monitoring.Collector
	logger     *zap.Logger

	// serializes Connect, Disconnect and SetInference against each other
	apiMu sync.Mutex

	// orders capture enable/disable between SetInference and teardown
	captureMu sync.Mutex

	mu           sync.RWMutex
	state        State
	session      *domain.Session
	streamStats  domain.StreamStats
	latencyStats domain.LatencyStats
	lastErr      *domain.ConnectionError
	cn           *conn
}

// conn is one connection lifetime: the signaling transport, the peer
// connection once negotiated, the latency state and the event loop plumbing.
// All fields past the channels are owned by the loop goroutine.
type conn struct {
	code      string
	signaler  domain.Signaler
	peer      domain.Peer
	estimator *latency.Estimator

	events   chan event
	stop     chan struct{} // user-initiated disconnect
	down     chan struct{} // teardown started; unblocks posters
	loopDone chan struct{} // teardown finished
	stopOnce sync.Once
	downOnce sync.Once

	// ice candidates that arrived before the peer connection existed
	pendingICE []*domain.Message

	prevSnap domain.TransportSnapshot
	lastPoll time.Time
}

type event interface{}

type msgEvent struct{ msg *domain.Message }

type candidateEvent struct {
	candidate     string
	sdpMid        *string
	sdpMLineIndex *uint16
}

type iceStateEvent struct{ connected bool }

type trackEvent struct{ kind string }

type transportDownEvent struct{ err error }

type keyframeEvent struct{}

// NewController wires the orchestrator. metrics may be nil when the process
// runs without a collector; negotiator and both factories are required.
func NewController(cfg Config, negotiator domain.Negotiator, factories Factories, metrics *monitoring.Collector, logger *zap.Logger) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.StatsInterval <= 0 {
		cfg.StatsInterval = time.Second
	}
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = 5 * time.Second
	}

	c := &Controller{
		cfg:          cfg,
		negotiator:   negotiator,
		factories:    factories,
		metrics:      metrics,
		logger:       logger.With(zap.String("component", "controller")),
		state:        StateIdle,
		latencyStats: domain.EmptyLatencyStats(),
	}
	c.capture = capture.NewScheduler(cfg.Capture, "", c.forwardFrame, logger)
	return c
}

// Connect runs admission, opens the signaling channel and starts the
// connection event loop. It is accepted only from idle; the returned error
// is always a domain.ConnectionError value.
func (c *Controller) Connect(ctx context.Context, code string) error {
	c.apiMu.Lock()
	defer c.apiMu.Unlock()

	if s := c.State(); s != StateIdle {
		return domain.ConnectionError{
			Message:   fmt.Sprintf("connect rejected in state %s, disconnect first", s),
			Timestamp: time.Now(),
		}
	}

	c.mu.Lock()
	c.lastErr = nil
	c.mu.Unlock()

	// admission must succeed before the duplex channel is dialed; a full
	// session is rejected here without ever opening a socket
	c.setState(StateCheckingSession)
	session, err := c.negotiator.Admit(ctx, code)
	if err != nil {
		return c.failConnect(err)
	}
	c.mu.Lock()
	c.session = session
	c.mu.Unlock()
	c.logger.Info("session admitted",
		zap.String("session_code", code),
		zap.Int("viewer_count", session.ViewerCount),
		zap.Int("max_viewers", session.MaxViewers))

	c.setState(StateConnecting)
	cn := &conn{
		code:     code,
		events:   make(chan event, 64),
		stop:     make(chan struct{}),
		down:     make(chan struct{}),
		loopDone: make(chan struct{}),
	}
	cn.estimator = latency.NewEstimator(c.cfg.EncodingDelayMs, func(m *domain.Message) {
		m.SessionCode = code
		cn.signaler.Send(m)
	}, c.logger)
	cn.signaler = c.factories.NewSignaler(code,
		func(m *domain.Message) { cn.post(msgEvent{msg: m}) },
		func(err error) { cn.post(transportDownEvent{err: err}) })

	if err := cn.signaler.Open(ctx); err != nil {
		cn.signaler.Close()
		c.mu.Lock()
		c.session = nil
		c.mu.Unlock()
		return c.failConnect(err)
	}

	c.mu.Lock()
	c.cn = cn
	c.mu.Unlock()
	c.setState(StateNegotiating)
	go c.run(cn)
	return nil
}

// Disconnect tears the current connection down and returns once every
// resource is released. Safe to call from any state, any number of times.
func (c *Controller) Disconnect() {
	c.apiMu.Lock()
	defer c.apiMu.Unlock()

	c.mu.RLock()
	cn := c.cn
	c.mu.RUnlock()
	if cn == nil {
		return
	}

	cn.stopOnce.Do(func() { close(cn.stop) })
	<-cn.loopDone
}

// SetInference flips the server-side inference pipeline and the local frame
// capture loop together. Requires an active connection.
func (c *Controller) SetInference(ctx context.Context, enabled bool) (bool, error) {
	c.apiMu.Lock()
	defer c.apiMu.Unlock()

	c.mu.RLock()
	cn := c.cn
	c.mu.RUnlock()
	if cn == nil {
		return false, fmt.Errorf("no active connection")
	}

	state, err := c.negotiator.SetInference(ctx, cn.code, enabled)
	if err != nil {
		return c.capture.Enabled(), fmt.Errorf("toggle inference: %w", err)
	}

	// the connection may have torn down while the registry call was in
	// flight; enabling capture then would leave its ticker running with the
	// controller idle. captureMu orders this check against teardown's
	// disable: teardown closes down before taking the mutex, so whichever
	// side runs second sees the other's work.
	c.captureMu.Lock()
	defer c.captureMu.Unlock()
	select {
	case <-cn.down:
		return false, fmt.Errorf("connection closed during inference toggle")
	default:
	}

	if state {
		// ask for an IDR so the first sampled frames decode cleanly; the
		// loop owns the peer, so the request goes through it
		cn.post(keyframeEvent{})
		c.capture.Enable()
	} else {
		c.capture.Disable()
	}
	return state, nil
}

// AttachSource hands the rendered video surface to the capture scheduler.
func (c *Controller) AttachSource(src capture.Source) {
	c.capture.AttachSource(src)
}

// DetachSource clears the capture surface.
func (c *Controller) DetachSource() {
	c.capture.DetachSource()
}

// State returns the current state machine position.
func (c *Controller) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Session returns the admitted session snapshot, nil while idle.
func (c *Controller) Session() *domain.Session {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.session == nil {
		return nil
	}
	s := *c.session
	return &s
}

// StreamStats returns the latest per-tick media snapshot.
func (c *Controller) StreamStats() domain.StreamStats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.streamStats
}

// LatencyStats returns the rolling latency view.
func (c *Controller) LatencyStats() domain.LatencyStats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.latencyStats
}

// LastError returns the error surfaced by the most recent failure, nil
// after a clean disconnect or a fresh Connect.
func (c *Controller) LastError() *domain.ConnectionError {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.lastErr == nil {
		return nil
	}
	e := *c.lastErr
	return &e
}

// CaptureEnabled reports whether the frame sampling loop is running.
func (c *Controller) CaptureEnabled() bool {
	return c.capture.Enabled()
}

func (c *Controller) failConnect(err error) error {
	ce := domain.Classify(err)
	c.mu.Lock()
	c.lastErr = &ce
	c.mu.Unlock()
	c.logger.Warn("connect failed", zap.String("code", ce.Code), zap.Error(err))
	c.setState(StateError)
	c.setState(StateIdle)
	return ce
}

// run is the connection event loop. Inbound signaling, peer callbacks and
// timer ticks are all applied here serially, so connection state never
// needs further locking. The loop exits exactly once, into teardown.
func (c *Controller) run(cn *conn) {
	statsTicker := time.NewTicker(c.cfg.StatsInterval)
	probeTicker := time.NewTicker(c.cfg.ProbeInterval)
	defer statsTicker.Stop()
	defer probeTicker.Stop()

	final, err := c.loop(cn, statsTicker.C, probeTicker.C)
	c.teardown(cn, final, err)
	close(cn.loopDone)
}

func (c *Controller) loop(cn *conn, stats, probe <-chan time.Time) (State, error) {
	for {
		select {
		case <-cn.stop:
			return StateDisconnected, nil
		case ev := <-cn.events:
			if final, done, err := c.handleEvent(cn, ev); done {
				return final, err
			}
		case <-stats:
			c.pollStats(cn)
		case <-probe:
			c.sendProbe(cn)
		}
	}
}

func (c *Controller) handleEvent(cn *conn, ev event) (State, bool, error) {
	switch ev := ev.(type) {
	case msgEvent:
		return c.handleMessage(cn, ev.msg)

	case candidateEvent:
		cn.signaler.Send(&domain.Message{
			Type:          domain.TypeICE,
			Candidate:     ev.candidate,
			SDPMid:        ev.sdpMid,
			SDPMLineIndex: ev.sdpMLineIndex,
			SessionCode:   cn.code,
			Timestamp:     time.Now().UnixMilli(),
		})

	case iceStateEvent:
		if ev.connected {
			c.setState(StateConnected)
			if c.metrics != nil {
				c.metrics.RecordConnect()
			}
			return "", false, nil
		}
		if c.State() == StateConnected {
			// media path dropped after being up; a clean reconnect recovers
			return StateDisconnected, true, nil
		}
		return StateDisconnected, true, fmt.Errorf("ice failed before media came up: %w", domain.ErrNegotiation)

	case trackEvent:
		c.logger.Info("media track arrived", zap.String("kind", ev.kind))

	case keyframeEvent:
		if cn.peer != nil {
			cn.peer.RequestKeyframe()
		}

	case transportDownEvent:
		return StateError, true, ev.err
	}
	return "", false, nil
}

func (c *Controller) handleMessage(cn *conn, msg *domain.Message) (State, bool, error) {
	switch msg.Type {
	case domain.TypeConnected:
		c.logger.Info("relay acknowledged viewer",
			zap.String("connection_id", msg.ConnectionID),
			zap.Int("viewer_count", msg.ViewerCount))
		if msg.LatencyInfo != nil && msg.LatencyInfo.ClientTimestamp > 0 {
			rtt := float64(time.Now().UnixMilli() - msg.LatencyInfo.ClientTimestamp)
			if rtt >= 0 {
				cn.estimator.SetSignalingLatency(rtt / 2)
			}
		}

	case domain.TypeOffer:
		if err := c.handleOffer(cn, msg); err != nil {
			return StateError, true, err
		}

	case domain.TypeICE:
		if cn.peer == nil {
			// offer has not arrived yet; hold the candidate
			cn.pendingICE = append(cn.pendingICE, msg)
			return "", false, nil
		}
		if err := cn.peer.HandleICE(msg.Candidate, msg.SDPMid, msg.SDPMLineIndex); err != nil {
			c.logger.Debug("ice candidate rejected", zap.Error(err))
		}

	case domain.TypeLatencyResponse:
		// a response without the echoed timestamp would read as an epoch-
		// sized round trip
		if msg.ClientTimestamp > 0 {
			cn.estimator.ObserveProbe(msg.ClientTimestamp, time.Now())
			if c.metrics != nil {
				c.metrics.ObserveNetworkLatency(cn.estimator.NetworkLatency())
			}
		}

	case domain.TypeBroadcasterDisconnected:
		c.logger.Info("broadcaster left the session")
		return StateDisconnected, true, nil

	case domain.TypeError:
		return StateError, true, fmt.Errorf("%s: %w", msg.ErrorMessage, domain.ErrServer)

	case domain.TypePing, domain.TypeLatencyTest:
		// relay chatter not addressed to a viewer

	default:
		c.logger.Debug("ignoring message", zap.String("type", msg.Type))
	}
	return "", false, nil
}

func (c *Controller) handleOffer(cn *conn, msg *domain.Message) error {
	// one peer connection per connection lifetime; a repeated offer reuses it
	if cn.peer == nil {
		peer, err := c.factories.NewPeer(PeerCallbacks{
			OnICECandidate: func(candidate string, sdpMid *string, sdpMLineIndex *uint16) {
				cn.post(candidateEvent{candidate: candidate, sdpMid: sdpMid, sdpMLineIndex: sdpMLineIndex})
			},
			OnTrack: func(kind string) {
				cn.post(trackEvent{kind: kind})
			},
			OnConnectionChange: func(connected bool) {
				cn.post(iceStateEvent{connected: connected})
			},
		})
		if err != nil {
			return fmt.Errorf("create peer: %v: %w", err, domain.ErrNegotiation)
		}
		cn.peer = peer
	}

	answer, err := cn.peer.HandleOffer(msg.SDP)
	if err != nil {
		return err
	}
	cn.signaler.Send(&domain.Message{
		Type:        domain.TypeAnswer,
		SDP:         answer,
		SessionCode: cn.code,
		Timestamp:   time.Now().UnixMilli(),
	})

	for _, ice := range cn.pendingICE {
		if err := cn.peer.HandleICE(ice.Candidate, ice.SDPMid, ice.SDPMLineIndex); err != nil {
			c.logger.Debug("buffered ice candidate rejected", zap.Error(err))
		}
	}
	cn.pendingICE = nil
	return nil
}

func (c *Controller) pollStats(cn *conn) {
	if c.State() != StateConnected || cn.peer == nil {
		return
	}

	now := time.Now()
	snap := cn.peer.Snapshot()
	cn.estimator.ObserveTransport(snap, now)

	var fps, kbps float64
	if elapsed := now.Sub(cn.lastPoll).Seconds(); !cn.lastPoll.IsZero() && elapsed > 0 {
		fps = float64(snap.FramesDecoded-cn.prevSnap.FramesDecoded) / elapsed
		kbps = float64(snap.BytesReceived-cn.prevSnap.BytesReceived) * 8 / 1000 / elapsed
	}
	cn.prevSnap, cn.lastPoll = snap, now

	lat := cn.estimator.Stats()
	c.mu.Lock()
	prev := c.streamStats
	stats := domain.StreamStats{
		FPS:                fps,
		BitrateKbps:        kbps,
		Width:              prev.Width,
		Height:             prev.Height,
		EndToEndLatencyMs:  lat.CurrentMs,
		SignalingLatencyMs: cn.estimator.SignalingLatency(),
		NetworkLatencyMs:   cn.estimator.NetworkLatency(),
	}
	// a poll with no fresh latency carries the previous values forward
	if stats.SignalingLatencyMs == 0 {
		stats.SignalingLatencyMs = prev.SignalingLatencyMs
	}
	if stats.NetworkLatencyMs == 0 {
		stats.NetworkLatencyMs = prev.NetworkLatencyMs
	}
	c.streamStats = stats
	c.latencyStats = lat
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.UpdateTransport(snap)
		c.metrics.UpdateStream(stats)
		if lat.Window > 0 {
			c.metrics.ObserveEndToEndLatency(lat.CurrentMs)
		}
	}
}

func (c *Controller) sendProbe(cn *conn) {
	if c.State() != StateConnected {
		return
	}
	cn.signaler.Send(&domain.Message{
		Type:        domain.TypeLatencyTest,
		SessionCode: cn.code,
		Timestamp:   time.Now().UnixMilli(),
	})
}

// forwardFrame relays an encoded capture frame to the signaling channel and
// remembers the source resolution for the stats snapshot.
func (c *Controller) forwardFrame(msg *domain.Message) {
	c.mu.Lock()
	cn := c.cn
	if msg.Dimensions != nil && msg.Dimensions.SourceWidth > 0 {
		c.streamStats.Width = msg.Dimensions.SourceWidth
		c.streamStats.Height = msg.Dimensions.SourceHeight
	}
	c.mu.Unlock()

	if cn == nil {
		return
	}
	msg.SessionCode = cn.code
	cn.signaler.Send(msg)
	if c.metrics != nil {
		c.metrics.RecordFrameCaptured()
	}
}

// teardown releases everything the connection acquired: the capture loop,
// the peer connection, the signaling transport, the latency state and the
// stats snapshots. It runs exactly once per connection, from the loop
// goroutine, and leaves the controller idle.
func (c *Controller) teardown(cn *conn, final State, err error) {
	cn.downOnce.Do(func() { close(cn.down) })

	c.captureMu.Lock()
	c.capture.Disable()
	c.capture.DetachSource()
	c.captureMu.Unlock()

	if cn.peer != nil {
		cn.peer.Close()
	}
	cn.signaler.Close()
	cn.estimator.Reset()

	if err != nil {
		ce := domain.Classify(err)
		c.mu.Lock()
		c.lastErr = &ce
		c.mu.Unlock()
		c.logger.Warn("connection ended", zap.String("code", ce.Code), zap.Error(err))
	} else {
		c.logger.Info("connection closed")
	}
	c.setState(final)

	c.mu.Lock()
	c.cn = nil
	c.session = nil
	c.streamStats = domain.StreamStats{}
	c.latencyStats = domain.EmptyLatencyStats()
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.RecordDisconnect()
	}
	c.setState(StateIdle)
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	if c.state == s {
		c.mu.Unlock()
		return
	}
	c.state = s
	c.mu.Unlock()

	c.logger.Info("state changed", zap.String("state", string(s)))
	if c.metrics != nil {
		c.metrics.RecordStateTransition(string(s))
	}
}

// post hands an event to the connection loop. Events raised after teardown
// has begun are dropped, which keeps transport goroutines from blocking on
// a loop that is no longer reading.
func (cn *conn) post(ev event) {
	select {
	case cn.events <- ev:
	case <-cn.down:
	}
}
