package microservice

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/finchlt/cosmos/dictionary"
	"github.com/finchlt/cosmos/errors"
	"github.com/finchlt/cosmos/link"
	"github.com/finchlt/cosmos/packet"
	"github.com/finchlt/cosmos/pkg/sleeper"
	"github.com/finchlt/cosmos/store"
)

// idleTick is the dormant-loop wait and the no-read connection poll
const idleTick = time.Second

// Supervisor owns the connection state machine and the inbound packet
// loop, and serializes lifecycle transitions with concurrent commanders.
//
// One mutex guards the critical section {cancel, idle, Link.Connect,
// Link.Disconnect}. Stop sets cancel, cancels the sleeper, and disconnects
// the link all inside the critical section: a concurrent connect either
// saw cancel first and skips the link call, or holds the mutex already and
// its fresh connection is torn down by the disconnect that follows.
type Supervisor struct {
	link    link.Link
	dict    dictionary.Dictionary
	store   Store
	info    *InterfaceInfo
	handler *PacketHandler
	logger  *slog.Logger
	metrics *Metrics
	exc     ExceptionWriter

	mu      sync.Mutex
	cancel  bool
	idle    bool
	sleeper *sleeper.Sleeper

	// Dedup sets for exception-report writes, one per failure category
	seenMu     sync.Mutex
	failedMsgs map[string]struct{}
	lostMsgs   map[string]struct{}

	started  bool
	readDone chan struct{}
}

// NewSupervisor creates a supervisor
func NewSupervisor(deps Deps, info *InterfaceInfo, handler *PacketHandler, metrics *Metrics) *Supervisor {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		link:       deps.Link,
		dict:       deps.Dictionary,
		store:      deps.Store,
		info:       info,
		handler:    handler,
		logger:     logger.With("component", "supervisor", "interface", info.Name()),
		metrics:    metrics,
		exc:        deps.Exceptions,
		sleeper:    sleeper.New(),
		failedMsgs: make(map[string]struct{}),
		lostMsgs:   make(map[string]struct{}),
		readDone:   make(chan struct{}),
	}
}

// Run is the read/maintenance loop. It returns nil on graceful shutdown;
// an unexpected packet-handling failure is returned as fatal.
func (s *Supervisor) Run(ctx context.Context) error {
	s.mu.Lock()
	s.started = true
	s.mu.Unlock()
	defer close(s.readDone)

	for !s.cancelled() {
		if s.isIdle() {
			s.sleeper.Sleep(idleTick)
			continue
		}

		if !s.link.Connected() {
			s.attemptConnect(ctx)
			continue
		}

		if s.info.ReadAllowed() {
			pkt, err := s.link.Read(ctx)
			switch {
			case err != nil:
				s.handleConnectionLost(ctx, err)
			case pkt == nil:
				s.handleConnectionLost(ctx, nil)
			default:
				if s.metrics != nil {
					s.metrics.packetsRead.Inc()
				}
				if err := s.handler.Handle(ctx, pkt); err != nil {
					// Unexpected read-loop failure is fatal
					s.logger.Error("packet handling failed", "error", err)
					s.latchCancel()
					return err
				}
			}
		} else {
			// Connection maintenance only
			s.sleeper.Sleep(idleTick)
			if !s.link.Connected() {
				s.handleConnectionLost(ctx, nil)
			}
		}
	}

	s.logger.Info("supervisor loop exited")
	return nil
}

// attemptConnect publishes ATTEMPTING, performs the guarded connect, and
// publishes CONNECTED on success
func (s *Supervisor) attemptConnect(ctx context.Context) {
	s.info.setState(Attempting)
	s.publishState(ctx)
	if s.metrics != nil {
		s.metrics.connectAttempts.Inc()
	}

	s.mu.Lock()
	var err error
	attempted := false
	if !s.cancel && !s.idle {
		attempted = true
		err = s.connectLocked(ctx)
	}
	s.mu.Unlock()

	if !attempted {
		return
	}
	if err != nil {
		if s.metrics != nil {
			s.metrics.connectFailures.Inc()
		}
		s.handleConnectionFailed(ctx, err)
		return
	}
	s.publishState(ctx)
	s.logger.Info("connected")
}

// connectLocked invokes Link.Connect and records the transition.
// Callers hold the supervisor mutex.
func (s *Supervisor) connectLocked(ctx context.Context) error {
	if err := s.link.Connect(ctx); err != nil {
		return err
	}
	s.info.setState(Connected)
	s.idle = false
	return nil
}

// Connect is the commanded connect lifecycle operation: clears idle and
// connects under the mutex, skipping the link call once cancelled
func (s *Supervisor) Connect(ctx context.Context) error {
	s.mu.Lock()
	s.idle = false
	var err error
	if !s.cancel {
		err = s.connectLocked(ctx)
	}
	s.mu.Unlock()

	if err != nil {
		return errors.Wrap(err, "Supervisor", "Connect", "link connect")
	}
	s.publishState(ctx)
	return nil
}

// Disconnect tears the link down. A commanded disconnect, or a loss with
// auto-reconnect disabled, parks the loop idle. With auto-reconnect on,
// the reconnect delay is taken on the cancellable sleeper outside the
// mutex.
func (s *Supervisor) Disconnect(ctx context.Context, commanded bool) {
	s.mu.Lock()
	if commanded || !s.info.AutoReconnect() {
		s.idle = true
	}
	if err := s.link.Disconnect(); err != nil {
		s.logger.Warn("link disconnect failed", "error", err)
	}
	cancelled := s.cancel
	s.mu.Unlock()

	s.info.setState(Disconnected)
	s.publishState(ctx)
	s.logger.Info("disconnected", "commanded", commanded)

	if s.info.AutoReconnect() && !cancelled {
		s.sleeper.Sleep(s.info.ReconnectDelay())
	}
}

// Stop latches cancellation, wakes every sleeper, disconnects the link,
// and joins the read loop. After Stop returns, Link.Connect is never
// invoked again.
func (s *Supervisor) Stop(timeout time.Duration) error {
	s.mu.Lock()
	s.cancel = true
	s.sleeper.Cancel()
	if err := s.link.Disconnect(); err != nil {
		s.logger.Warn("link disconnect failed", "error", err)
	}
	started := s.started
	s.mu.Unlock()

	if !started {
		return nil
	}
	select {
	case <-s.readDone:
		return nil
	case <-time.After(timeout):
		return errors.Wrap(errors.New("read loop did not exit"),
			"Supervisor", "Stop", "join read loop")
	}
}

// InjectTlm clones the dictionary's packet template, applies the item
// writes, and feeds the result through the packet handler
func (s *Supervisor) InjectTlm(ctx context.Context, msg store.Message) error {
	targetName := msg.StringField("target_name")
	packetName := msg.StringField("packet_name")

	tmpl, err := s.dict.Packet(targetName, packetName)
	if err != nil {
		return errors.Wrap(err, "Supervisor", "InjectTlm", "packet template lookup")
	}
	pkt := tmpl.Clone()

	vt, err := packet.ParseValueType(msg.StringField("value_type"))
	if err != nil {
		return errors.Wrap(err, "Supervisor", "InjectTlm", "parse value type")
	}

	items, err := injectItems(msg)
	if err != nil {
		return errors.Wrap(err, "Supervisor", "InjectTlm", "parse item hash")
	}
	for name, value := range items {
		if err := pkt.WriteItem(name, value, vt); err != nil {
			return errors.Wrap(err, "Supervisor", "InjectTlm", "write item")
		}
	}

	pkt.TargetName = targetName
	pkt.PacketName = packetName
	pkt.ReceivedTime = time.Now()
	return s.handler.Handle(ctx, pkt)
}

// injectItems extracts the item_hash, accepting both an inline JSON
// object and a JSON-encoded string
func injectItems(msg store.Message) (map[string]any, error) {
	raw, ok := msg["item_hash"]
	if !ok {
		return nil, nil
	}
	switch v := raw.(type) {
	case map[string]any:
		return v, nil
	case string:
		var items map[string]any
		if err := json.Unmarshal([]byte(v), &items); err != nil {
			return nil, err
		}
		return items, nil
	default:
		return nil, errors.New("item_hash is neither an object nor a string")
	}
}

// handleConnectionFailed classifies a failed connect attempt and always
// finishes with a non-commanded disconnect
func (s *Supervisor) handleConnectionFailed(ctx context.Context, err error) {
	s.classify("connect_failed", err, s.failedMsgs)
	s.Disconnect(ctx, false)
}

// handleConnectionLost classifies a dropped connection (nil err is a
// clean disconnect) and always finishes with a non-commanded disconnect
func (s *Supervisor) handleConnectionLost(ctx context.Context, err error) {
	if err == nil {
		s.logger.Info("connection closed by remote")
	} else {
		s.classify("connection_lost", err, s.lostMsgs)
	}
	s.Disconnect(ctx, false)
}

// classify applies the failure taxonomy: interrupts latch cancel,
// transient transport errors log in summary only, everything else logs in
// full and is persisted once per distinct message
func (s *Supervisor) classify(category string, err error, seen map[string]struct{}) {
	switch errors.Classify(err) {
	case errors.KindInterrupt:
		s.logger.Info("interrupted, shutting down", "category", category)
		s.latchCancel()
	case errors.KindTransient:
		s.logger.Warn(category, "error", err.Error())
	default:
		s.logger.Error(category, "error", err)
		msg := err.Error()
		s.seenMu.Lock()
		_, reported := seen[msg]
		if !reported {
			seen[msg] = struct{}{}
		}
		s.seenMu.Unlock()
		if !reported && s.exc != nil {
			if writeErr := s.exc.Write(category, s.info.Name(), err); writeErr != nil {
				s.logger.Warn("exception report write failed", "error", writeErr)
			}
		}
	}
}

// latchCancel sets cancel and wakes the sleeper without disconnecting
func (s *Supervisor) latchCancel() {
	s.mu.Lock()
	s.cancel = true
	s.sleeper.Cancel()
	s.mu.Unlock()
}

func (s *Supervisor) cancelled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancel
}

func (s *Supervisor) isIdle() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.idle
}

// publishState refreshes the interface registry; failures are logged, not
// fatal
func (s *Supervisor) publishState(ctx context.Context) {
	if err := s.store.SetInterface(ctx, s.info.Status(), false); err != nil {
		s.logger.Warn("interface state publish failed", "error", err)
	}
}
