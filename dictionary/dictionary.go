// Package dictionary defines the telemetry/command dictionary capability.
// The concrete dictionary is an external collaborator: it builds commands
// from name and parameters, identifies and decodes telemetry against the
// defined packets, maintains the current-value table, and answers
// hazardous queries.
package dictionary

import (
	"context"

	"github.com/finchlt/cosmos/errors"
	"github.com/finchlt/cosmos/packet"
)

// ErrUnknownPacket signals that a target/packet pair is not defined in the
// dictionary. Update returns it (possibly wrapped) when asked to decode a
// packet it does not know; callers match it with errors.Is.
var ErrUnknownPacket = errors.New("unknown target or packet")

// Dictionary is the capability contract for the external dictionary
// service.
type Dictionary interface {
	// BuildCmd resolves a command from target/name plus JSON-decoded
	// parameters, optionally range checking and skipping write conversions
	// (raw). The returned packet carries the ordered item schema with
	// resolved values.
	BuildCmd(ctx context.Context, targetName, cmdName string, params map[string]any, rangeCheck, raw bool) (*packet.Packet, error)

	// CmdPktHazardous reports whether the built command is flagged
	// hazardous, with the dictionary's description when it is.
	CmdPktHazardous(cmd *packet.Packet) (bool, string, error)

	// Identify matches a buffer against the packet definitions of the
	// given targets and returns the identified, decoded packet. It returns
	// (nil, nil) when no definition matches. The current-value table is
	// updated for the matched packet.
	Identify(buffer []byte, targetNames []string) (*packet.Packet, error)

	// IdentifyAndDefine identifies and decodes a stored packet without
	// touching the current-value table. It returns (nil, nil) when no
	// definition matches.
	IdentifyAndDefine(pkt *packet.Packet, targetNames []string) (*packet.Packet, error)

	// Update decodes the buffer as the named packet and refreshes the
	// current-value table. It fails with ErrUnknownPacket when the
	// target/packet pair is not defined.
	Update(targetName, packetName string, buffer []byte) (*packet.Packet, error)

	// Packet returns the defined packet template, used as the base for
	// telemetry injection.
	Packet(targetName, packetName string) (*packet.Packet, error)
}
