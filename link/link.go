// Package link defines the bidirectional framed packet transport
// capability bridged by the interface microservice. Concrete drivers live
// in the subpackages (tcp, udp, serial, websocket).
package link

import (
	"context"
	"sync"
	"time"

	"github.com/finchlt/cosmos/packet"
)

// Link is a bidirectional framed packet transport with explicit
// connect/disconnect. Read returns (nil, nil) on a clean disconnect and an
// error on an unclean one; the supervisor classifies the error.
type Link interface {
	Connect(ctx context.Context) error
	Disconnect() error
	Connected() bool
	Read(ctx context.Context) (*packet.Packet, error)
	Write(ctx context.Context, data []byte) error

	Name() string
	TargetNames() []string
	AutoReconnect() bool
	ReconnectDelay() time.Duration
	ReadAllowed() bool
}

// Options carries the descriptor data common to every driver
type Options struct {
	// Name is the stable interface identity used in topic names and logs
	Name string

	// TargetNames is the set of logical targets this interface serves
	TargetNames []string

	// AutoReconnect governs behavior after a connection loss
	AutoReconnect bool

	// ReconnectDelay is the wait between reconnect attempts
	ReconnectDelay time.Duration

	// ReadAllowed false means connection maintenance only, no read loop
	ReadAllowed bool
}

// Base implements the descriptor accessors shared by the drivers.
// TargetNames is append-only.
type Base struct {
	mu   sync.RWMutex
	opts Options
}

// NewBase creates a Base with defaults applied
func NewBase(opts Options) *Base {
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = 5 * time.Second
	}
	return &Base{opts: opts}
}

// Name returns the interface name
func (b *Base) Name() string {
	return b.opts.Name
}

// TargetNames returns a copy of the target name set
func (b *Base) TargetNames() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	names := make([]string, len(b.opts.TargetNames))
	copy(names, b.opts.TargetNames)
	return names
}

// AddTargetName appends a target, ignoring duplicates
func (b *Base) AddTargetName(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, existing := range b.opts.TargetNames {
		if existing == name {
			return
		}
	}
	b.opts.TargetNames = append(b.opts.TargetNames, name)
}

// AutoReconnect reports whether the supervisor should reconnect after loss
func (b *Base) AutoReconnect() bool {
	return b.opts.AutoReconnect
}

// ReconnectDelay returns the wait between reconnect attempts
func (b *Base) ReconnectDelay() time.Duration {
	return b.opts.ReconnectDelay
}

// ReadAllowed reports whether the supervisor should run a read loop
func (b *Base) ReadAllowed() bool {
	return b.opts.ReadAllowed
}
