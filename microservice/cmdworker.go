package microservice

import (
	"context"
	"encoding/json"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/finchlt/cosmos/dictionary"
	"github.com/finchlt/cosmos/link"
	"github.com/finchlt/cosmos/packet"
	"github.com/finchlt/cosmos/store"
)

// Reply strings routed back to the command requester
const (
	// ReplySuccess acknowledges a processed message
	ReplySuccess = "SUCCESS"
	// ReplyHazardous vetoes a hazardous command
	ReplyHazardous = "HazardousError"
)

// CmdWorker processes every message arriving on the interface's command
// topics: lifecycle directives short-circuit into the supervisor, and
// structured commands are built, checked, written, and echoed to the
// store.
type CmdWorker struct {
	sup    *Supervisor
	link   link.Link
	dict   dictionary.Dictionary
	store  Store
	info   *InterfaceInfo
	logger *slog.Logger
	m      *Metrics

	mu     sync.Mutex
	counts map[string]int64
}

// NewCmdWorker creates a command worker sharing the supervisor's
// interface descriptor
func NewCmdWorker(deps Deps, sup *Supervisor, info *InterfaceInfo, metrics *Metrics) *CmdWorker {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &CmdWorker{
		sup:    sup,
		link:   deps.Link,
		dict:   deps.Dictionary,
		store:  deps.Store,
		info:   info,
		logger: logger.With("component", "cmd-worker", "interface", info.Name()),
		m:      metrics,
		counts: make(map[string]int64),
	}
}

// Run consumes the command topics until ctx is cancelled
func (w *CmdWorker) Run(ctx context.Context) error {
	return w.store.ReceiveCommands(ctx, w.info.Name(), func(topic string, msg store.Message) string {
		return w.dispatch(ctx, topic, msg)
	})
}

// dispatch routes one message and guards the worker against panics so the
// message loop never dies silently
func (w *CmdWorker) dispatch(ctx context.Context, topic string, msg store.Message) (reply string) {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			w.logger.Error("panic in command handling",
				"topic", topic, "panic", r, "stack", string(buf[:n]))
			reply = "internal error"
		}
	}()

	if store.IsCmdInterface(topic) {
		return w.handleLifecycle(ctx, msg)
	}
	return w.handleCommand(ctx, msg)
}

// handleLifecycle executes connect/disconnect/raw/inject_tlm directives
func (w *CmdWorker) handleLifecycle(ctx context.Context, msg store.Message) string {
	switch {
	case msg.Has("connect"):
		if err := w.sup.Connect(ctx); err != nil {
			w.logger.Error("commanded connect failed", "error", err)
		}
	case msg.Has("disconnect"):
		w.sup.Disconnect(ctx, true)
	case msg.Has("raw"):
		data, err := msg.BytesField("raw")
		if err != nil {
			w.logger.Error("raw write rejected", "error", err)
			break
		}
		if err := w.link.Write(ctx, data); err != nil {
			w.logger.Error("raw write failed", "error", err)
		}
	case msg.Has("inject_tlm"):
		if err := w.sup.InjectTlm(ctx, msg); err != nil {
			w.logger.Error("telemetry injection failed", "error", err)
		}
	default:
		w.logger.Warn("lifecycle message with no recognized directive")
	}
	return ReplySuccess
}

// handleCommand runs the build/check/write/echo pipeline for one
// structured command
func (w *CmdWorker) handleCommand(ctx context.Context, msg store.Message) string {
	targetName := msg.StringField("target_name")
	cmdName := msg.StringField("cmd_name")

	var params map[string]any
	if raw := msg.StringField("cmd_params"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &params); err != nil {
			w.logger.Error("command parameters rejected",
				"target", targetName, "command", cmdName, "error", err)
			w.fail()
			return err.Error()
		}
	}

	rangeCheck := truthy(msg.StringField("range_check"))
	rawCmd := truthy(msg.StringField("raw"))
	hazardousCheck := truthy(msg.StringField("hazardous_check"))

	cmd, err := w.dict.BuildCmd(ctx, targetName, cmdName, params, rangeCheck, rawCmd)
	if err != nil {
		w.logger.Error("command build failed",
			"target", targetName, "command", cmdName, "error", err)
		w.fail()
		return err.Error()
	}

	if hazardousCheck {
		hazardous, description, err := w.dict.CmdPktHazardous(cmd)
		if err != nil {
			w.logger.Error("hazardous check failed",
				"target", targetName, "command", cmdName, "error", err)
			w.fail()
			return err.Error()
		}
		if hazardous {
			w.logger.Warn("hazardous command vetoed",
				"target", targetName, "command", cmdName, "description", description)
			if w.m != nil {
				w.m.hazardousVetoed.Inc()
			}
			return ReplyHazardous
		}
	}

	if err := w.link.Write(ctx, cmd.Buffer); err != nil {
		w.logger.Error("command write failed",
			"target", targetName, "command", cmdName, "error", err)
		w.fail()
		return err.Error()
	}
	if w.m != nil {
		w.m.commands.Inc()
	}

	if cmd.ReceivedTime.IsZero() {
		cmd.ReceivedTime = time.Now()
	}
	cmd.ReceivedCount = w.nextCount(cmd.TargetName, cmd.PacketName)

	echo := store.Message{
		"time":           cmd.ReceivedTime.UnixNano(),
		"target_name":    cmd.TargetName,
		"packet_name":    cmd.PacketName,
		"received_count": cmd.ReceivedCount,
		"buffer":         cmd.Buffer,
	}
	topic := store.CommandTopic(w.store.Scope(), cmd.TargetName, cmd.PacketName)
	if err := w.store.WriteTopic(ctx, topic, echo); err != nil {
		w.logger.Error("command echo publish failed", "topic", topic, "error", err)
		return err.Error()
	}

	jsonData, err := json.Marshal(decomValues(cmd))
	if err != nil {
		w.logger.Error("decom encoding failed", "error", err)
		return err.Error()
	}
	decom := store.Message{
		"time":           cmd.ReceivedTime.UnixNano(),
		"target_name":    cmd.TargetName,
		"packet_name":    cmd.PacketName,
		"received_count": cmd.ReceivedCount,
		"json_data":      string(jsonData),
	}
	topic = store.DecomCmdTopic(w.store.Scope(), cmd.TargetName, cmd.PacketName)
	if err := w.store.WriteTopic(ctx, topic, decom); err != nil {
		w.logger.Error("decom publish failed", "topic", topic, "error", err)
		return err.Error()
	}

	if err := w.store.SetInterface(ctx, w.info.Status(), false); err != nil {
		w.logger.Error("interface state refresh failed", "error", err)
		return err.Error()
	}
	return ReplySuccess
}

// decomValues builds the decommutated value map over the command's
// ordered items: always the raw value; the converted value when a write
// conversion or states exist; the formatted value when a format string
// exists; the with-units value when units exist.
func decomValues(cmd *packet.Packet) map[string]any {
	values := make(map[string]any)
	for _, it := range cmd.Items() {
		values[it.Name] = it.Read(packet.Raw)
		if it.WriteConversion || it.HasStates {
			values[it.Name+"__C"] = it.Read(packet.Converted)
		}
		if it.FormatString != "" {
			values[it.Name+"__F"] = it.Read(packet.Formatted)
		}
		if it.Units != "" {
			values[it.Name+"__U"] = it.Read(packet.WithUnits)
		}
	}
	return values
}

func (w *CmdWorker) fail() {
	if w.m != nil {
		w.m.commandFailures.Inc()
	}
}

func (w *CmdWorker) nextCount(targetName, packetName string) int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	key := targetName + "__" + packetName
	w.counts[key]++
	return w.counts[key]
}
