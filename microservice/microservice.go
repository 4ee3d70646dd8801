package microservice

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/finchlt/cosmos/component"
	"github.com/finchlt/cosmos/errors"
	"github.com/finchlt/cosmos/store"
)

// Microservice runs the two workers of one interface instance: the
// supervisor read/maintenance loop and the command worker message loop.
type Microservice struct {
	name   string
	info   *InterfaceInfo
	sup    *Supervisor
	worker *CmdWorker
	st     Store
	logger *slog.Logger

	startTime time.Time
	cancelRun context.CancelFunc
	group     *errgroup.Group
}

var _ component.LifecycleComponent = (*Microservice)(nil)

// New creates a microservice from its instance identity
// "<scope>__<kind>__<interface_name>" and dependencies. The scope is
// carried by the store; the name's scope component must match it.
func New(deps Deps) (*Microservice, error) {
	scope, _, interfaceName, err := store.SplitMicroserviceName(deps.Name)
	if err != nil {
		return nil, errors.Wrap(err, "Microservice", "New", "parse instance name")
	}
	if deps.Link == nil || deps.Dictionary == nil || deps.Store == nil {
		return nil, errors.Wrap(errors.ErrMissingConfig,
			"Microservice", "New", "validate dependencies")
	}
	if scope != deps.Store.Scope() {
		return nil, errors.Wrap(errors.ErrInvalidConfig,
			"Microservice", "New", "scope mismatch between name and store")
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("microservice", deps.Name)
	deps.Logger = logger

	info := NewInterfaceInfo(interfaceName, deps.Link)
	metrics := newMetrics(deps.Metrics, interfaceName)
	handler := NewPacketHandler(info, deps.Dictionary, deps.Store, logger, metrics)
	sup := NewSupervisor(deps, info, handler, metrics)
	worker := NewCmdWorker(deps, sup, info, metrics)

	return &Microservice{
		name:   deps.Name,
		info:   info,
		sup:    sup,
		worker: worker,
		st:     deps.Store,
		logger: logger,
	}, nil
}

// Name returns the instance identity
func (m *Microservice) Name() string {
	return m.name
}

// Info returns the shared interface descriptor
func (m *Microservice) Info() *InterfaceInfo {
	return m.info
}

// Supervisor returns the connection supervisor
func (m *Microservice) Supervisor() *Supervisor {
	return m.sup
}

// Initialize validates the instance before starting
func (m *Microservice) Initialize() error {
	if m.info.Name() == "" {
		return errors.Wrap(errors.ErrInvalidConfig,
			"Microservice", "Initialize", "validate interface name")
	}
	return nil
}

// Start registers the interface and launches both workers. It does not
// block; use Wait for completion.
func (m *Microservice) Start(ctx context.Context) error {
	if err := m.st.SetInterface(ctx, m.info.Status(), true); err != nil {
		return errors.Wrap(err, "Microservice", "Start", "register interface")
	}

	runCtx, cancel := context.WithCancel(ctx)
	m.cancelRun = cancel

	g, gctx := errgroup.WithContext(runCtx)
	m.group = g
	g.Go(func() error { return m.sup.Run(gctx) })
	g.Go(func() error { return m.worker.Run(gctx) })

	m.startTime = time.Now()
	m.logger.Info("interface microservice started",
		"targets", m.info.TargetNames(), "read_allowed", m.info.ReadAllowed())
	return nil
}

// Wait blocks until both workers exit and returns the first fatal error
func (m *Microservice) Wait() error {
	if m.group == nil {
		return errors.ErrNotStarted
	}
	return m.group.Wait()
}

// Stop shuts down: the supervisor latches cancel and disconnects the
// link, the run context cancellation ends the command consume loop.
func (m *Microservice) Stop(timeout time.Duration) error {
	if m.cancelRun == nil {
		return nil
	}

	stopErr := m.sup.Stop(timeout)
	m.cancelRun()

	done := make(chan error, 1)
	go func() { done <- m.group.Wait() }()
	select {
	case err := <-done:
		if stopErr != nil {
			return stopErr
		}
		return err
	case <-time.After(timeout):
		return errors.Wrap(errors.New("workers did not exit"),
			"Microservice", "Stop", "join workers")
	}
}

// Health reports runtime health for the instance
func (m *Microservice) Health() component.HealthStatus {
	return component.HealthStatus{
		Healthy:   m.info.State() == Connected,
		LastCheck: time.Now(),
		Uptime:    time.Since(m.startTime),
	}
}
