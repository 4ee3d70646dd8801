// Package microservice implements the interface microservice: the
// supervisor owning the connection state machine and read loop, the
// command worker consuming the interface's command topics, and the packet
// handler publishing identified telemetry.
package microservice

import (
	"strings"
	"sync"
	"time"

	"github.com/finchlt/cosmos/link"
	"github.com/finchlt/cosmos/store"
)

// ConnectionState is the interface connection state. Only the Supervisor
// transitions it.
type ConnectionState int

const (
	// Disconnected means no connection is held
	Disconnected ConnectionState = iota
	// Attempting means a connect is in progress
	Attempting
	// Connected means the link is up
	Connected
)

// String returns the wire spelling of the state
func (s ConnectionState) String() string {
	switch s {
	case Disconnected:
		return "DISCONNECTED"
	case Attempting:
		return "ATTEMPTING"
	case Connected:
		return "CONNECTED"
	default:
		return "UNKNOWN"
	}
}

// InterfaceInfo is the interface descriptor shared between the Supervisor
// (which owns state transitions) and the CmdWorker (which reads it).
type InterfaceInfo struct {
	mu             sync.RWMutex
	name           string
	targetNames    []string
	state          ConnectionState
	autoReconnect  bool
	reconnectDelay time.Duration
	readAllowed    bool
}

// NewInterfaceInfo snapshots the descriptor from the link driver, using
// interfaceName as the stable identity for topics and logs
func NewInterfaceInfo(interfaceName string, l link.Link) *InterfaceInfo {
	return &InterfaceInfo{
		name:           interfaceName,
		targetNames:    l.TargetNames(),
		state:          Disconnected,
		autoReconnect:  l.AutoReconnect(),
		reconnectDelay: l.ReconnectDelay(),
		readAllowed:    l.ReadAllowed(),
	}
}

// Name returns the stable interface identity
func (i *InterfaceInfo) Name() string {
	return i.name
}

// TargetNames returns a copy of the served target set
func (i *InterfaceInfo) TargetNames() []string {
	i.mu.RLock()
	defer i.mu.RUnlock()
	names := make([]string, len(i.targetNames))
	copy(names, i.targetNames)
	return names
}

// ServesTarget reports whether the interface serves the named target
func (i *InterfaceInfo) ServesTarget(name string) bool {
	i.mu.RLock()
	defer i.mu.RUnlock()
	for _, t := range i.targetNames {
		if t == name {
			return true
		}
	}
	return false
}

// State returns the current connection state
func (i *InterfaceInfo) State() ConnectionState {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.state
}

// setState transitions the connection state; supervisor only
func (i *InterfaceInfo) setState(s ConnectionState) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.state = s
}

// AutoReconnect reports whether the supervisor reconnects after loss
func (i *InterfaceInfo) AutoReconnect() bool {
	return i.autoReconnect
}

// ReconnectDelay returns the wait between reconnect attempts
func (i *InterfaceInfo) ReconnectDelay() time.Duration {
	return i.reconnectDelay
}

// ReadAllowed reports whether the supervisor runs a read loop
func (i *InterfaceInfo) ReadAllowed() bool {
	return i.readAllowed
}

// Status returns the registry snapshot published to the store
func (i *InterfaceInfo) Status() store.InterfaceStatus {
	i.mu.RLock()
	defer i.mu.RUnlock()
	names := make([]string, len(i.targetNames))
	copy(names, i.targetNames)
	return store.InterfaceStatus{
		Name:          i.name,
		State:         i.state.String(),
		TargetNames:   names,
		AutoReconnect: i.autoReconnect,
		ReadAllowed:   i.readAllowed,
		UpdatedAt:     time.Now().UnixNano(),
	}
}

// truthy coerces the textual booleans used on the wire: true/false,
// yes/no, 1/0, case-insensitive; empty means false.
func truthy(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "yes", "1":
		return true
	default:
		return false
	}
}
