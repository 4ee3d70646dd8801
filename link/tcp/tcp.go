// Package tcp provides a stream link driver with 4-byte big-endian length
// framing.
package tcp

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/finchlt/cosmos/errors"
	"github.com/finchlt/cosmos/link"
	"github.com/finchlt/cosmos/packet"
)

// Config holds TCP driver configuration
type Config struct {
	// Address is the host:port of the external system
	Address string

	// ConnectTimeout bounds a single dial attempt
	ConnectTimeout time.Duration

	// MaxFrameSize bounds a single framed packet; 0 uses the link default
	MaxFrameSize int

	// WriteRate limits outgoing frames per second; 0 disables limiting
	WriteRate float64
	// WriteBurst is the limiter burst size when WriteRate is set
	WriteBurst int
}

// Link is a TCP stream link
type Link struct {
	*link.Base

	cfg     Config
	logger  *slog.Logger
	limiter *rate.Limiter

	mu      sync.Mutex
	conn    net.Conn
	reader  *bufio.Reader
	closing bool
}

var _ link.Link = (*Link)(nil)

// New creates a TCP link driver
func New(cfg Config, opts link.Options, logger *slog.Logger) *Link {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	if cfg.MaxFrameSize <= 0 {
		cfg.MaxFrameSize = link.DefaultMaxFrameSize
	}
	if logger == nil {
		logger = slog.Default()
	}

	l := &Link{
		Base:   link.NewBase(opts),
		cfg:    cfg,
		logger: logger.With("link", "tcp", "address", cfg.Address),
	}
	if cfg.WriteRate > 0 {
		burst := cfg.WriteBurst
		if burst <= 0 {
			burst = 1
		}
		l.limiter = rate.NewLimiter(rate.Limit(cfg.WriteRate), burst)
	}
	return l
}

// Connect dials the external system
func (l *Link) Connect(ctx context.Context) error {
	dialer := net.Dialer{Timeout: l.cfg.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", l.cfg.Address)
	if err != nil {
		return errors.Wrap(err, "tcp", "Connect", "dial")
	}

	l.mu.Lock()
	l.conn = conn
	l.reader = bufio.NewReader(conn)
	l.closing = false
	l.mu.Unlock()

	l.logger.Debug("tcp link connected")
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
	err := l.conn.Close()
	l.conn = nil
	l.reader = nil
	return err
}

// Connected reports whether the link currently holds a connection
func (l *Link) Connected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.conn != nil
}

// Read blocks for the next framed packet. It returns (nil, nil) when the
// peer closed cleanly or the link was deliberately disconnected.
func (l *Link) Read(ctx context.Context) (*packet.Packet, error) {
	l.mu.Lock()
	reader := l.reader
	l.mu.Unlock()

	if reader == nil {
		return nil, errors.ErrNotConnected
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := link.ReadFrame(reader, l.cfg.MaxFrameSize)
	if err != nil {
		if err == io.EOF || l.wasClosing() {
			return nil, nil
		}
		return nil, errors.Wrap(err, "tcp", "Read", "read frame")
	}

	return packet.New("", "", data), nil
}

// Write sends one framed packet, honoring the write rate limiter
func (l *Link) Write(ctx context.Context, data []byte) error {
	if l.limiter != nil {
		if err := l.limiter.Wait(ctx); err != nil {
			return errors.Wrap(err, "tcp", "Write", "rate limit wait")
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.conn == nil {
		return errors.ErrNotConnected
	}
	if err := link.WriteFrame(l.conn, data); err != nil {
		return errors.Wrap(err, "tcp", "Write", "write frame")
	}
	return nil
}

func (l *Link) wasClosing() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closing
}
