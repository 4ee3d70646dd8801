// Package websocket provides a websocket link driver: each binary message
// is one packet.
package websocket

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/finchlt/cosmos/errors"
	"github.com/finchlt/cosmos/link"
	"github.com/finchlt/cosmos/packet"
)

// Config holds websocket driver configuration
type Config struct {
	// URL is the ws:// or wss:// endpoint of the external system
	URL string

	// HandshakeTimeout bounds the dial handshake
	HandshakeTimeout time.Duration
}

// Link is a websocket link
type Link struct {
	*link.Base

	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	closing bool
}

var _ link.Link = (*Link)(nil)

// New creates a websocket link driver
func New(cfg Config, opts link.Options, logger *slog.Logger) *Link {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Link{
		Base:   link.NewBase(opts),
		cfg:    cfg,
		logger: logger.With("link", "websocket", "url", cfg.URL),
	}
}

// Connect dials the websocket endpoint
func (l *Link) Connect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: l.cfg.HandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, l.cfg.URL, nil)
	if err != nil {
		return errors.Wrap(err, "websocket", "Connect", "dial")
	}

	l.mu.Lock()
	l.conn = conn
	l.closing = false
	l.mu.Unlock()

	l.logger.Debug("websocket link connected")
	return nil
}

// Disconnect closes the connection; an in-flight Read unblocks and reports
// a clean disconnect
func (l *Link) Disconnect() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.conn == nil {
		return nil
	}
	l.closing = true

	// Best effort close handshake before tearing the socket down
	deadline := time.Now().Add(time.Second)
	_ = l.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)

	err := l.conn.Close()
	l.conn = nil
	return err
}

// Connected reports whether the websocket is open
func (l *Link) Connected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.conn != nil
}

// Read blocks for the next binary message
func (l *Link) Read(ctx context.Context) (*packet.Packet, error) {
	l.mu.Lock()
	conn := l.conn
	l.mu.Unlock()

	if conn == nil {
		return nil, errors.ErrNotConnected
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err,
				websocket.CloseNormalClosure, websocket.CloseGoingAway) || l.wasClosing() {
				return nil, nil
			}
			return nil, errors.Wrap(err, "websocket", "Read", "read message")
		}
		if msgType != websocket.BinaryMessage {
			// Text and control traffic is not telemetry
			continue
		}
		return packet.New("", "", data), nil
	}
}

// Write sends one binary message
func (l *Link) Write(_ context.Context, data []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.conn == nil {
		return errors.ErrNotConnected
	}
	if err := l.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		return errors.Wrap(err, "websocket", "Write", "write message")
	}
	return nil
}

func (l *Link) wasClosing() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closing
}
