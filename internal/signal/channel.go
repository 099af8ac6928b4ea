package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/SeifBoukerdenna/CRCoach-sub002/internal/domain"
)

// Config carries the per-connection transport parameters. URL is the full
// endpoint including the session code path segment.
type Config struct {
	URL              string
	Code             string
	HandshakeTimeout time.Duration
	PingInterval     time.Duration
	WriteTimeout     time.Duration
}

// Channel manages one WebSocket connection to the signaling relay. Inbound
// messages are handed to the handler in arrival order from a single reader
// goroutine; outbound writes are serialized under a mutex.
type Channel struct {
	cfg     Config
	handler func(*domain.Message)
	onClose func(error)
	logger  *zap.Logger

	conn    *websocket.Conn
	started bool

	mu         sync.Mutex
	closeOnce  sync.Once
	closed     chan struct{}
	readerDone chan struct{}
}

// NewChannel creates a channel for one connection attempt. handler receives
// every parsed inbound message; onClose fires once if the transport fails
// out from under us (not on an explicit Close). Either callback may be nil.
func NewChannel(cfg Config, handler func(*domain.Message), onClose func(error), logger *zap.Logger) *Channel {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 20 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	return &Channel{
		cfg:        cfg,
		handler:    handler,
		onClose:    onClose,
		logger:     logger.With(zap.String("component", "signal")),
		closed:     make(chan struct{}),
		readerDone: make(chan struct{}),
	}
}

// Open dials the relay and sends the initial connect handshake. It returns
// only after the handshake message is on the wire, so a nil error means the
// relay knows about this viewer. Open must be called at most once.
func (c *Channel) Open(ctx context.Context) error {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return fmt.Errorf("parse signal url: %w", err)
	}

	c.logger.Info("connecting", zap.String("url", u.String()))

	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.HandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("websocket dial: %v: %w", err, domain.ErrTransport)
	}
	c.conn = conn

	connect := &domain.Message{
		Type:        domain.TypeConnect,
		Role:        domain.RoleViewer,
		SessionCode: c.cfg.Code,
		Timestamp:   time.Now().UnixMilli(),
	}
	if err := c.writeJSON(connect); err != nil {
		conn.Close()
		return fmt.Errorf("send connect: %v: %w", err, domain.ErrTransport)
	}

	c.started = true
	go c.readLoop()
	go c.pingLoop()

	return nil
}

// Ready reports whether the channel can currently carry messages.
func (c *Channel) Ready() bool {
	if c.conn == nil {
		return false
	}
	select {
	case <-c.closed:
		return false
	default:
		return true
	}
}

// Send writes a message if the channel is ready. Messages sent against a
// closed or never-opened channel are dropped and logged, never an error.
func (c *Channel) Send(msg *domain.Message) {
	if !c.Ready() {
		c.logger.Debug("dropping message, channel not ready", zap.String("type", msg.Type))
		return
	}
	if err := c.writeJSON(msg); err != nil {
		c.logger.Warn("write failed", zap.String("type", msg.Type), zap.Error(err))
	}
}

// Close shuts the transport down. When Close returns the socket is closed
// and no further handler deliveries will happen, even if Close lands in the
// middle of negotiation.
func (c *Channel) Close() {
	c.markClosed()
	if c.started {
		<-c.readerDone
	}
}

func (c *Channel) markClosed() {
	c.closeOnce.Do(func() {
		close(c.closed)
		if c.conn != nil {
			c.conn.Close()
		}
	})
}

func (c *Channel) writeJSON(msg *domain.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", msg.Type, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.logger.Debug("send", zap.String("type", msg.Type), zap.Int("bytes", len(data)))
	c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Channel) readLoop() {
	defer close(c.readerDone)

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.closed:
				// explicit Close, not a transport failure
			default:
				c.logger.Warn("read failed", zap.Error(err))
				c.markClosed()
				if c.onClose != nil {
					c.onClose(fmt.Errorf("signaling transport closed: %v: %w", err, domain.ErrTransport))
				}
			}
			return
		}

		var msg domain.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Warn("unmarshal failed", zap.Error(err))
			continue
		}

		select {
		case <-c.closed:
			return
		default:
		}

		c.logger.Debug("recv", zap.String("type", msg.Type))
		if c.handler != nil {
			c.handler(&msg)
		}
	}
}

func (c *Channel) pingLoop() {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.closed:
			return
		case <-ticker.C:
			c.Send(&domain.Message{
				Type:      domain.TypePing,
				Timestamp: time.Now().UnixMilli(),
			})
		}
	}
}
