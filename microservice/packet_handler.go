package microservice

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/finchlt/cosmos/dictionary"
	"github.com/finchlt/cosmos/errors"
	"github.com/finchlt/cosmos/packet"
	"github.com/finchlt/cosmos/store"
)

// unknownName identifies packets no dictionary definition matched
const unknownName = "UNKNOWN"

// PacketHandler identifies inbound packets, maintains receive counts, and
// publishes decoded telemetry to the store.
type PacketHandler struct {
	info    *InterfaceInfo
	dict    dictionary.Dictionary
	store   Store
	logger  *slog.Logger
	metrics *Metrics

	mu     sync.Mutex
	counts map[string]int64
}

// NewPacketHandler creates a packet handler
func NewPacketHandler(info *InterfaceInfo, dict dictionary.Dictionary, st Store,
	logger *slog.Logger, metrics *Metrics) *PacketHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &PacketHandler{
		info:    info,
		dict:    dict,
		store:   st,
		logger:  logger.With("component", "packet-handler", "interface", info.Name()),
		metrics: metrics,
		counts:  make(map[string]int64),
	}
}

// Handle processes one inbound packet: refresh interface state, identify,
// count, publish
func (h *PacketHandler) Handle(ctx context.Context, pkt *packet.Packet) error {
	if err := h.store.SetInterface(ctx, h.info.Status(), false); err != nil {
		return errors.Wrap(err, "PacketHandler", "Handle", "refresh interface state")
	}

	if pkt.ReceivedTime.IsZero() {
		pkt.ReceivedTime = time.Now()
	}

	identified, err := h.identify(pkt)
	if err != nil {
		return err
	}

	if identified != nil {
		identified.CopyMetadata(pkt)
		pkt = identified
	} else {
		pkt, err = h.downgradeUnknown(pkt)
		if err != nil {
			return err
		}
	}

	if h.info.ServesTarget(pkt.TargetName) && h.metrics != nil {
		h.metrics.telemetryByTgt.WithLabelValues(pkt.TargetName).Inc()
	}
	pkt.ReceivedCount = h.nextCount(pkt.TargetName, pkt.PacketName)

	msg := store.Message{
		"time":           pkt.ReceivedTime.UnixNano(),
		"stored":         pkt.Stored,
		"target_name":    pkt.TargetName,
		"packet_name":    pkt.PacketName,
		"received_count": pkt.ReceivedCount,
		"buffer":         pkt.Buffer,
	}
	topic := store.TelemetryTopic(h.store.Scope(), pkt.TargetName, pkt.PacketName)
	if err := h.store.WriteTopic(ctx, topic, msg); err != nil {
		return errors.Wrap(err, "PacketHandler", "Handle", "publish telemetry")
	}
	return nil
}

// identify resolves the packet against the dictionary. Stored packets are
// identified without a current-value update. A preidentified packet the
// dictionary no longer knows is cleared and retried through the identify
// path; any other Update failure propagates upward.
func (h *PacketHandler) identify(pkt *packet.Packet) (*packet.Packet, error) {
	targets := h.info.TargetNames()

	if pkt.Stored {
		identified, err := h.dict.IdentifyAndDefine(pkt, targets)
		if err != nil {
			return nil, errors.Wrap(err, "PacketHandler", "identify", "identify stored packet")
		}
		return identified, nil
	}

	if pkt.Identified() {
		updated, err := h.dict.Update(pkt.TargetName, pkt.PacketName, pkt.Buffer)
		if err == nil {
			return updated, nil
		}
		if !errors.Is(err, dictionary.ErrUnknownPacket) {
			return nil, errors.Wrap(err, "PacketHandler", "identify", "update preidentified packet")
		}
		h.logger.Warn("dictionary does not know preidentified packet, re-identifying",
			"target", pkt.TargetName, "packet", pkt.PacketName)
		pkt.ClearIdentification()
	}

	identified, err := h.dict.Identify(pkt.Buffer, targets)
	if err != nil {
		return nil, errors.Wrap(err, "PacketHandler", "identify", "identify packet")
	}
	return identified, nil
}

// downgradeUnknown adopts the packet as UNKNOWN/UNKNOWN. Non-stored
// packets still pass through the dictionary so the UNKNOWN current values
// refresh; stored packets bypass the current-value table entirely.
func (h *PacketHandler) downgradeUnknown(pkt *packet.Packet) (*packet.Packet, error) {
	if !pkt.Stored {
		unknown, err := h.dict.Update(unknownName, unknownName, pkt.Buffer)
		if err != nil {
			return nil, errors.Wrap(err, "PacketHandler", "downgradeUnknown", "update UNKNOWN")
		}
		unknown.CopyMetadata(pkt)
		pkt = unknown
	}
	pkt.TargetName = unknownName
	pkt.PacketName = unknownName

	h.logger.Error(fmt.Sprintf("%s: unknown %d byte packet starting: %s",
		h.info.Name(), len(pkt.Buffer), pkt.HexPreview(16)))
	return pkt, nil
}

// nextCount increments the receive count for a target/packet pair
func (h *PacketHandler) nextCount(targetName, packetName string) int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	key := targetName + "__" + packetName
	h.counts[key]++
	return h.counts[key]
}
