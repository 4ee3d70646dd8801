// Package serial provides a serial-port link driver using go.bug.st/serial,
// with the same length framing as the tcp driver.
package serial

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"sync"

	goserial "go.bug.st/serial"

	"github.com/finchlt/cosmos/errors"
	"github.com/finchlt/cosmos/link"
	"github.com/finchlt/cosmos/packet"
)

// Config holds serial driver configuration
type Config struct {
	// Device is the serial device path, e.g. /dev/ttyUSB0
	Device string

	// BaudRate is the line speed, e.g. 115200
	BaudRate int

	// MaxFrameSize bounds a single framed packet; 0 uses the link default
	MaxFrameSize int
}

// Link is a serial-port link
type Link struct {
	*link.Base

	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	port    goserial.Port
	reader  *bufio.Reader
	closing bool
}

var _ link.Link = (*Link)(nil)

// New creates a serial link driver
func New(cfg Config, opts link.Options, logger *slog.Logger) *Link {
	if cfg.BaudRate <= 0 {
		cfg.BaudRate = 115200
	}
	if cfg.MaxFrameSize <= 0 {
		cfg.MaxFrameSize = link.DefaultMaxFrameSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Link{
		Base:   link.NewBase(opts),
		cfg:    cfg,
		logger: logger.With("link", "serial", "device", cfg.Device),
	}
}

// Connect opens the serial port
func (l *Link) Connect(_ context.Context) error {
	port, err := goserial.Open(l.cfg.Device, &goserial.Mode{BaudRate: l.cfg.BaudRate})
	if err != nil {
		return errors.Wrap(err, "serial", "Connect", "open port")
	}

	l.mu.Lock()
	l.port = port
	l.reader = bufio.NewReader(port)
	l.closing = false
	l.mu.Unlock()

	l.logger.Debug("serial link opened", "baud", l.cfg.BaudRate)
	return nil
}

// Disconnect closes the port; an in-flight Read unblocks and reports a
// clean disconnect
func (l *Link) Disconnect() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.port == nil {
		return nil
	}
	l.closing = true
	err := l.port.Close()
	l.port = nil
	l.reader = nil
	return err
}

// Connected reports whether the port is open
func (l *Link) Connected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.port != nil
}

// Read blocks for the next framed packet
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
		return nil, errors.Wrap(err, "serial", "Read", "read frame")
	}

	return packet.New("", "", data), nil
}

// Write sends one framed packet
func (l *Link) Write(_ context.Context, data []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.port == nil {
		return errors.ErrNotConnected
	}
	if err := link.WriteFrame(l.port, data); err != nil {
		return errors.Wrap(err, "serial", "Write", "write frame")
	}
	return nil
}

func (l *Link) wasClosing() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closing
}
