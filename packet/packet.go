// Package packet defines the framed unit of binary data exchanged with an
// external target: telemetry when inbound, commands when outbound.
package packet

import (
	"fmt"
	"strings"
	"time"

	"github.com/finchlt/cosmos/errors"
)

// ValueType selects how an item value is read or written
type ValueType int

const (
	// Raw is the unconverted field value
	Raw ValueType = iota
	// Converted applies the item's conversion or state lookup
	Converted
	// Formatted renders the converted value through the format string
	Formatted
	// WithUnits appends the unit abbreviation to the formatted value
	WithUnits
)

// String returns the wire spelling of the value type
func (v ValueType) String() string {
	switch v {
	case Raw:
		return "RAW"
	case Converted:
		return "CONVERTED"
	case Formatted:
		return "FORMATTED"
	case WithUnits:
		return "WITH_UNITS"
	default:
		return "UNKNOWN"
	}
}

// ParseValueType parses the textual value type used on the wire.
// Empty input defaults to RAW.
func ParseValueType(s string) (ValueType, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", "RAW":
		return Raw, nil
	case "CONVERTED":
		return Converted, nil
	case "FORMATTED":
		return Formatted, nil
	case "WITH_UNITS":
		return WithUnits, nil
	default:
		return Raw, fmt.Errorf("unknown value type %q", s)
	}
}

// Item is one named field of a packet's ordered schema together with its
// resolved value. Converted is optional; when nil, reads fall back to the
// raw value.
type Item struct {
	Name            string
	FormatString    string
	Units           string
	WriteConversion bool
	HasStates       bool

	Value     any
	Converted any
}

// Read returns the item value for the requested value type
func (it *Item) Read(vt ValueType) any {
	switch vt {
	case Raw:
		return it.Value
	case Converted:
		if it.Converted != nil {
			return it.Converted
		}
		return it.Value
	case Formatted:
		v := it.Read(Converted)
		if it.FormatString != "" {
			return fmt.Sprintf(it.FormatString, v)
		}
		return fmt.Sprint(v)
	case WithUnits:
		formatted := it.Read(Formatted).(string)
		if it.Units != "" {
			return formatted + " " + it.Units
		}
		return formatted
	default:
		return it.Value
	}
}

// Write stores value under the requested value type. Only RAW and
// CONVERTED are writable; the derived forms are computed on read.
func (it *Item) Write(value any, vt ValueType) error {
	switch vt {
	case Raw:
		it.Value = value
	case Converted:
		it.Converted = value
	default:
		return fmt.Errorf("cannot write item %s as %s", it.Name, vt)
	}
	return nil
}

// Packet is a time-stamped byte buffer plus optional identification and
// an ordered item schema when produced by the dictionary.
type Packet struct {
	TargetName    string
	PacketName    string
	Buffer        []byte
	ReceivedTime  time.Time
	ReceivedCount int64
	Stored        bool
	Extra         map[string]any

	items     []*Item
	itemIndex map[string]*Item
}

// New creates a packet with the given identification and buffer
func New(targetName, packetName string, buffer []byte) *Packet {
	return &Packet{
		TargetName: targetName,
		PacketName: packetName,
		Buffer:     buffer,
	}
}

// Identified reports whether the packet carries both target and packet
// names
func (p *Packet) Identified() bool {
	return p.TargetName != "" && p.PacketName != ""
}

// ClearIdentification drops the target/packet names so the packet can be
// re-identified from its buffer
func (p *Packet) ClearIdentification() {
	p.TargetName = ""
	p.PacketName = ""
}

// AddItem appends an item to the ordered schema
func (p *Packet) AddItem(it *Item) {
	if p.itemIndex == nil {
		p.itemIndex = make(map[string]*Item)
	}
	p.items = append(p.items, it)
	p.itemIndex[it.Name] = it
}

// Items returns the ordered item schema
func (p *Packet) Items() []*Item {
	return p.items
}

// Item returns the named item, if defined
func (p *Packet) Item(name string) (*Item, bool) {
	it, ok := p.itemIndex[name]
	return it, ok
}

// ReadItem reads the named item with the given value type
func (p *Packet) ReadItem(name string, vt ValueType) (any, error) {
	it, ok := p.itemIndex[name]
	if !ok {
		return nil, errors.Wrap(fmt.Errorf("no item named %s", name),
			"Packet", "ReadItem", "item lookup")
	}
	return it.Read(vt), nil
}

// WriteItem writes the named item with the given value type
func (p *Packet) WriteItem(name string, value any, vt ValueType) error {
	it, ok := p.itemIndex[name]
	if !ok {
		return errors.Wrap(fmt.Errorf("no item named %s", name),
			"Packet", "WriteItem", "item lookup")
	}
	return it.Write(value, vt)
}

// CopyMetadata copies the receive metadata from src. Used when an
// identified packet replaces the anonymous one read off the link.
func (p *Packet) CopyMetadata(src *Packet) {
	p.ReceivedTime = src.ReceivedTime
	p.Stored = src.Stored
	p.Extra = src.Extra
}

// Clone returns a deep copy of the packet, including its item schema
func (p *Packet) Clone() *Packet {
	clone := &Packet{
		TargetName:    p.TargetName,
		PacketName:    p.PacketName,
		ReceivedTime:  p.ReceivedTime,
		ReceivedCount: p.ReceivedCount,
		Stored:        p.Stored,
	}
	if p.Buffer != nil {
		clone.Buffer = make([]byte, len(p.Buffer))
		copy(clone.Buffer, p.Buffer)
	}
	if p.Extra != nil {
		clone.Extra = make(map[string]any, len(p.Extra))
		for k, v := range p.Extra {
			clone.Extra[k] = v
		}
	}
	for _, it := range p.items {
		dup := *it
		clone.AddItem(&dup)
	}
	return clone
}

// HexPreview renders the first min(max, len) buffer bytes in uppercase
// hexadecimal for diagnostics
func (p *Packet) HexPreview(max int) string {
	n := len(p.Buffer)
	if n > max {
		n = max
	}
	var b strings.Builder
	for _, c := range p.Buffer[:n] {
		fmt.Fprintf(&b, "%02X", c)
	}
	return b.String()
}
