package dictionary

import (
	"context"
	"fmt"

	"github.com/finchlt/cosmos/packet"
)

// Empty is a dictionary with no definitions loaded. Every inbound packet
// downgrades to UNKNOWN/UNKNOWN and command builds fail, which keeps the
// lifecycle and raw-write paths usable before a real dictionary service is
// wired in.
type Empty struct{}

var _ Dictionary = Empty{}

// NewEmpty returns the empty dictionary
func NewEmpty() Empty {
	return Empty{}
}

// BuildCmd always fails: there are no command definitions
func (Empty) BuildCmd(_ context.Context, targetName, cmdName string, _ map[string]any, _, _ bool) (*packet.Packet, error) {
	return nil, fmt.Errorf("no command definition for %s %s", targetName, cmdName)
}

// CmdPktHazardous reports non-hazardous
func (Empty) CmdPktHazardous(_ *packet.Packet) (bool, string, error) {
	return false, "", nil
}

// Identify matches nothing
func (Empty) Identify(_ []byte, _ []string) (*packet.Packet, error) {
	return nil, nil
}

// IdentifyAndDefine matches nothing
func (Empty) IdentifyAndDefine(_ *packet.Packet, _ []string) (*packet.Packet, error) {
	return nil, nil
}

// Update keeps no current values; it echoes the packet back so UNKNOWN
// traffic still publishes
func (Empty) Update(targetName, packetName string, buffer []byte) (*packet.Packet, error) {
	return packet.New(targetName, packetName, buffer), nil
}

// Packet has no templates
func (Empty) Packet(targetName, packetName string) (*packet.Packet, error) {
	return nil, fmt.Errorf("%w: %s %s", ErrUnknownPacket, targetName, packetName)
}
