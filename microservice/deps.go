package microservice

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/finchlt/cosmos/dictionary"
	"github.com/finchlt/cosmos/link"
	"github.com/finchlt/cosmos/metric"
	"github.com/finchlt/cosmos/store"
)

// Store is the streaming message store capability consumed by the
// microservice
type Store interface {
	Scope() string
	WriteTopic(ctx context.Context, topic string, msg store.Message) error
	ReceiveCommands(ctx context.Context, interfaceName string, handler store.Handler) error
	SetInterface(ctx context.Context, status store.InterfaceStatus, initialize bool) error
}

var _ Store = (*store.Store)(nil)

// Deps holds runtime dependencies for the microservice
type Deps struct {
	// Name is the instance identity, "<scope>__<kind>__<interface_name>"
	Name string

	Link       link.Link
	Dictionary dictionary.Dictionary
	Store      Store

	Logger     *slog.Logger
	Metrics    *metric.Registry
	Exceptions ExceptionWriter
}

// Metrics holds Prometheus metrics for one interface microservice
type Metrics struct {
	connectAttempts prometheus.Counter
	connectFailures prometheus.Counter
	packetsRead     prometheus.Counter
	telemetryByTgt  *prometheus.CounterVec
	commands        prometheus.Counter
	commandFailures prometheus.Counter
	hazardousVetoed prometheus.Counter
}

// newMetrics creates and registers the microservice metrics.
// Returns nil if no registry is provided.
func newMetrics(registry *metric.Registry, interfaceName string) *Metrics {
	if registry == nil {
		return nil
	}

	m := &Metrics{
		connectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cosmos",
			Subsystem: "interface",
			Name:      "connect_attempts_total",
			Help:      "Link connect attempts",
			ConstLabels: prometheus.Labels{
				"interface": interfaceName,
			},
		}),
		connectFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cosmos",
			Subsystem: "interface",
			Name:      "connect_failures_total",
			Help:      "Link connect failures",
			ConstLabels: prometheus.Labels{
				"interface": interfaceName,
			},
		}),
		packetsRead: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cosmos",
			Subsystem: "interface",
			Name:      "packets_read_total",
			Help:      "Packets read off the link",
			ConstLabels: prometheus.Labels{
				"interface": interfaceName,
			},
		}),
		telemetryByTgt: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cosmos",
			Subsystem: "interface",
			Name:      "telemetry_packets_total",
			Help:      "Identified telemetry packets by target",
			ConstLabels: prometheus.Labels{
				"interface": interfaceName,
			},
		}, []string{"target"}),
		commands: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cosmos",
			Subsystem: "interface",
			Name:      "commands_total",
			Help:      "Commands written to the link",
			ConstLabels: prometheus.Labels{
				"interface": interfaceName,
			},
		}),
		commandFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cosmos",
			Subsystem: "interface",
			Name:      "command_failures_total",
			Help:      "Commands that failed to build or write",
			ConstLabels: prometheus.Labels{
				"interface": interfaceName,
			},
		}),
		hazardousVetoed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cosmos",
			Subsystem: "interface",
			Name:      "hazardous_vetoed_total",
			Help:      "Commands vetoed by the hazardous check",
			ConstLabels: prometheus.Labels{
				"interface": interfaceName,
			},
		}),
	}

	service := fmt.Sprintf("interface_%s", interfaceName)
	_ = registry.RegisterCounter(service, "connect_attempts", m.connectAttempts)
	_ = registry.RegisterCounter(service, "connect_failures", m.connectFailures)
	_ = registry.RegisterCounter(service, "packets_read", m.packetsRead)
	_ = registry.RegisterCounterVec(service, "telemetry_packets", m.telemetryByTgt)
	_ = registry.RegisterCounter(service, "commands", m.commands)
	_ = registry.RegisterCounter(service, "command_failures", m.commandFailures)
	_ = registry.RegisterCounter(service, "hazardous_vetoed", m.hazardousVetoed)

	return m
}
