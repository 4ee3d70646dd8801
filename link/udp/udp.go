// Package udp provides a datagram link driver: one datagram in is one
// packet, one write is one datagram out.
package udp

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/finchlt/cosmos/errors"
	"github.com/finchlt/cosmos/link"
	"github.com/finchlt/cosmos/packet"
)

// Config holds UDP driver configuration
type Config struct {
	// BindAddress is the local host:port telemetry arrives on
	BindAddress string

	// WriteAddress is the remote host:port commands are sent to.
	// Empty disables writes.
	WriteAddress string

	// ReadBufferSize is the OS socket receive buffer; 0 keeps the default
	ReadBufferSize int
}

// Link is a UDP datagram link
type Link struct {
	*link.Base

	cfg    Config
	logger *slog.Logger

	mu        sync.Mutex
	conn      *net.UDPConn
	writeAddr *net.UDPAddr
	closing   bool
}

var _ link.Link = (*Link)(nil)

// maxDatagram covers any UDP payload size
const maxDatagram = 65536

// New creates a UDP link driver
func New(cfg Config, opts link.Options, logger *slog.Logger) *Link {
	if logger == nil {
		logger = slog.Default()
	}
	return &Link{
		Base:   link.NewBase(opts),
		cfg:    cfg,
		logger: logger.With("link", "udp", "bind", cfg.BindAddress),
	}
}

// Connect binds the local socket and resolves the write address
func (l *Link) Connect(_ context.Context) error {
	addr, err := net.ResolveUDPAddr("udp", l.cfg.BindAddress)
	if err != nil {
		return errors.Wrap(err, "udp", "Connect", "resolve bind address")
	}

	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return errors.Wrap(err, "udp", "Connect", "bind socket")
	}

	if l.cfg.ReadBufferSize > 0 {
		if err := conn.SetReadBuffer(l.cfg.ReadBufferSize); err != nil {
			// Some systems limit the buffer size; keep the socket
			l.logger.Warn("could not set UDP read buffer",
				"buffer_size", l.cfg.ReadBufferSize, "error", err)
		}
	}

	var writeAddr *net.UDPAddr
	if l.cfg.WriteAddress != "" {
		writeAddr, err = net.ResolveUDPAddr("udp", l.cfg.WriteAddress)
		if err != nil {
			_ = conn.Close()
			return errors.Wrap(err, "udp", "Connect", "resolve write address")
		}
	}

	l.mu.Lock()
	l.conn = conn
	l.writeAddr = writeAddr
	l.closing = false
	l.mu.Unlock()

	l.logger.Debug("udp link bound")
	return nil
}

// Disconnect closes the socket; an in-flight Read unblocks and reports a
// clean disconnect
func (l *Link) Disconnect() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.conn == nil {
		return nil
	}
	l.closing = true
	err := l.conn.Close()
	l.conn = nil
	return err
}

// Connected reports whether the socket is bound
func (l *Link) Connected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.conn != nil
}

// Read blocks for the next datagram. Each datagram is one packet.
func (l *Link) Read(ctx context.Context) (*packet.Packet, error) {
	l.mu.Lock()
	conn := l.conn
	l.mu.Unlock()

	if conn == nil {
		return nil, errors.ErrNotConnected
	}

	buf := make([]byte, maxDatagram)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		// Short deadline ticks keep the read responsive to cancellation
		_ = conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			if l.wasClosing() {
				return nil, nil
			}
			return nil, errors.Wrap(err, "udp", "Read", "read datagram")
		}

		data := make([]byte, n)
		copy(data, buf[:n])
		return packet.New("", "", data), nil
	}
}

// Write sends one datagram to the configured write address
func (l *Link) Write(_ context.Context, data []byte) error {
	l.mu.Lock()
	conn := l.conn
	writeAddr := l.writeAddr
	l.mu.Unlock()

	if conn == nil {
		return errors.ErrNotConnected
	}
	if writeAddr == nil {
		return errors.Wrap(errors.New("no write address configured"),
			"udp", "Write", "resolve destination")
	}

	if _, err := conn.WriteToUDP(data, writeAddr); err != nil {
		return errors.Wrap(err, "udp", "Write", "write datagram")
	}
	return nil
}

func (l *Link) wasClosing() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closing
}
