package microservice

import (
	"context"
	"sync"
	"time"

	"github.com/finchlt/cosmos/dictionary"
	"github.com/finchlt/cosmos/link"
	"github.com/finchlt/cosmos/packet"
	"github.com/finchlt/cosmos/store"
)

// readResult is one scripted Link.Read outcome
type readResult struct {
	pkt *packet.Packet
	err error
}

// fakeLink is a scriptable link driver
type fakeLink struct {
	*link.Base

	mu           sync.Mutex
	connected    bool
	connectCalls int
	connectErr   error
	connectErrs  []error
	disconnects  int
	writes       [][]byte
	writeErr     error

	reads   chan readResult
	closeCh chan struct{}
}

func newFakeLink(opts link.Options) *fakeLink {
	return &fakeLink{
		Base:    link.NewBase(opts),
		reads:   make(chan readResult, 16),
		closeCh: make(chan struct{}),
	}
}

func (l *fakeLink) Connect(_ context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.connectCalls++
	if l.connectErr != nil {
		return l.connectErr
	}
	if len(l.connectErrs) > 0 {
		err := l.connectErrs[0]
		l.connectErrs = l.connectErrs[1:]
		if err != nil {
			return err
		}
	}
	l.connected = true
	l.closeCh = make(chan struct{})
	return nil
}

func (l *fakeLink) Disconnect() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.disconnects++
	if l.connected {
		close(l.closeCh)
	}
	l.connected = false
	return nil
}

func (l *fakeLink) Connected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.connected
}

func (l *fakeLink) Read(ctx context.Context) (*packet.Packet, error) {
	l.mu.Lock()
	closed := l.closeCh
	l.mu.Unlock()

	select {
	case res := <-l.reads:
		return res.pkt, res.err
	case <-closed:
		// Deliberate disconnect reads as a clean close
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *fakeLink) Write(_ context.Context, data []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.writeErr != nil {
		return l.writeErr
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	l.writes = append(l.writes, buf)
	return nil
}

func (l *fakeLink) writeCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.writes)
}

func (l *fakeLink) connects() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.connectCalls
}

// fakeDict is a scriptable dictionary
type fakeDict struct {
	buildCmd          func(target, name string, params map[string]any, rangeCheck, raw bool) (*packet.Packet, error)
	hazardous         func(cmd *packet.Packet) (bool, string, error)
	identify          func(buffer []byte, targets []string) (*packet.Packet, error)
	identifyAndDefine func(pkt *packet.Packet, targets []string) (*packet.Packet, error)
	update            func(target, name string, buffer []byte) (*packet.Packet, error)
	template          func(target, name string) (*packet.Packet, error)

	mu          sync.Mutex
	updateCalls []string
}

var _ dictionary.Dictionary = (*fakeDict)(nil)

func (d *fakeDict) BuildCmd(_ context.Context, target, name string, params map[string]any,
	rangeCheck, raw bool) (*packet.Packet, error) {
	if d.buildCmd == nil {
		return packet.New(target, name, nil), nil
	}
	return d.buildCmd(target, name, params, rangeCheck, raw)
}

func (d *fakeDict) CmdPktHazardous(cmd *packet.Packet) (bool, string, error) {
	if d.hazardous == nil {
		return false, "", nil
	}
	return d.hazardous(cmd)
}

func (d *fakeDict) Identify(buffer []byte, targets []string) (*packet.Packet, error) {
	if d.identify == nil {
		return nil, nil
	}
	return d.identify(buffer, targets)
}

func (d *fakeDict) IdentifyAndDefine(pkt *packet.Packet, targets []string) (*packet.Packet, error) {
	if d.identifyAndDefine == nil {
		return nil, nil
	}
	return d.identifyAndDefine(pkt, targets)
}

func (d *fakeDict) Update(target, name string, buffer []byte) (*packet.Packet, error) {
	d.mu.Lock()
	d.updateCalls = append(d.updateCalls, target+"/"+name)
	d.mu.Unlock()
	if d.update == nil {
		return packet.New(target, name, buffer), nil
	}
	return d.update(target, name, buffer)
}

func (d *fakeDict) Packet(target, name string) (*packet.Packet, error) {
	if d.template == nil {
		return packet.New(target, name, nil), nil
	}
	return d.template(target, name)
}

func (d *fakeDict) updates() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.updateCalls))
	copy(out, d.updateCalls)
	return out
}

// topicWrite is one recorded WriteTopic call
type topicWrite struct {
	topic string
	msg   store.Message
}

// fakeStore records publications and state snapshots
type fakeStore struct {
	mu     sync.Mutex
	scope  string
	topics []topicWrite
	states []store.InterfaceStatus
}

var _ Store = (*fakeStore)(nil)

func newFakeStore(scope string) *fakeStore {
	return &fakeStore{scope: scope}
}

func (s *fakeStore) Scope() string { return s.scope }

func (s *fakeStore) WriteTopic(_ context.Context, topic string, msg store.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.topics = append(s.topics, topicWrite{topic: topic, msg: msg})
	return nil
}

func (s *fakeStore) ReceiveCommands(ctx context.Context, _ string, _ store.Handler) error {
	<-ctx.Done()
	return nil
}

func (s *fakeStore) SetInterface(_ context.Context, status store.InterfaceStatus, _ bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states = append(s.states, status)
	return nil
}

func (s *fakeStore) writes() []topicWrite {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]topicWrite, len(s.topics))
	copy(out, s.topics)
	return out
}

func (s *fakeStore) stateSequence() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	seq := make([]string, len(s.states))
	for i, st := range s.states {
		seq[i] = st.State
	}
	return seq
}

// fakeExceptionWriter records persisted failures
type fakeExceptionWriter struct {
	mu     sync.Mutex
	writes []string
}

func (w *fakeExceptionWriter) Write(category, interfaceName string, err error) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.writes = append(w.writes, category+": "+err.Error())
	return nil
}

func (w *fakeExceptionWriter) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.writes)
}

// testHarness wires a supervisor + worker over fakes
type testHarness struct {
	link   *fakeLink
	dict   *fakeDict
	store  *fakeStore
	exc    *fakeExceptionWriter
	info   *InterfaceInfo
	sup    *Supervisor
	worker *CmdWorker
}

func newHarness(opts link.Options) *testHarness {
	if opts.Name == "" {
		opts.Name = "INST_INT"
	}
	if len(opts.TargetNames) == 0 {
		opts.TargetNames = []string{"INST"}
	}
	if opts.ReconnectDelay == 0 {
		opts.ReconnectDelay = 10 * time.Millisecond
	}

	fl := newFakeLink(opts)
	fd := &fakeDict{}
	fs := newFakeStore("DEFAULT")
	fe := &fakeExceptionWriter{}

	deps := Deps{
		Name:       "DEFAULT__INTERFACE__" + opts.Name,
		Link:       fl,
		Dictionary: fd,
		Store:      fs,
		Exceptions: fe,
	}
	info := NewInterfaceInfo(opts.Name, fl)
	handler := NewPacketHandler(info, fd, fs, nil, nil)
	sup := NewSupervisor(deps, info, handler, nil)
	worker := NewCmdWorker(deps, sup, info, nil)

	return &testHarness{
		link:   fl,
		dict:   fd,
		store:  fs,
		exc:    fe,
		info:   info,
		sup:    sup,
		worker: worker,
	}
}
