// Package servicebus assembles the message-oriented microkernel: a bounded
// channel, a worker pool dispatching envelopes to registered services, the
// orchestration engine driving each envelope's routing graph, the admin and
// sensors services, the client reply manager and Prometheus metrics.
//
// Most applications:
//  1. Create a Kernel via New(), optionally adding their own service types
//  2. Start it with the properties handed to every service
//  3. Submit envelopes through a client and receive replies via callback
//  4. Shut it down, gracefully or not
package servicebus

import (
	"context"
	"errors"
	"fmt"

	"github.com/hupe1980/servicebus/admin"
	"github.com/hupe1980/servicebus/bus"
	"github.com/hupe1980/servicebus/client"
	"github.com/hupe1980/servicebus/core"
	"github.com/hupe1980/servicebus/logging"
	"github.com/hupe1980/servicebus/metrics"
	"github.com/hupe1980/servicebus/orchestration"
	"github.com/hupe1980/servicebus/sensors"
	"github.com/hupe1980/servicebus/sensors/clearnet"
)

// ErrStartFailed is returned when the bus or a service fails to start.
var ErrStartFailed = errors.New("kernel start failed")

// Options configures the Kernel.
type Options struct {
	// Bus tunes the channel, the worker pool and the dead-letter queue.
	Bus bus.Config

	// Orchestration options are applied to the orchestration engine.
	Orchestration []func(o *orchestration.Options)

	// Sensors maps sensor identifiers to factories. Defaults to the clearnet
	// sensor; which ones start is decided by the sensors.registered property.
	Sensors map[string]sensors.Factory

	// Services are additional service types registered before start.
	Services []core.ServiceType

	// Client configures the reply manager.
	Client []func(o *client.Options)

	// Metrics receives bus activity. Defaults to a fresh metrics.New(); a
	// Metrics value must not be shared between kernels.
	Metrics *metrics.Metrics

	// Logger (defaults to NoOp logger if nil)
	Logger logging.Logger
}

// Kernel is the assembled service bus.
type Kernel struct {
	bus           *bus.ServiceBus
	orchestration *orchestration.Service
	admin         *admin.Service
	sensors       *sensors.Service
	clients       *client.Manager
	metrics       *metrics.Metrics
	logger        logging.Logger
}

// Status aggregates the kernel's observable state.
type Status struct {
	Bus           bus.Status          `json:"bus"`
	Orchestration orchestration.Stats `json:"orchestration"`
	Sensors       []string            `json:"sensors"`
	Clients       ClientStatus        `json:"clients"`
}

// ClientStatus summarises reply delivery.
type ClientStatus struct {
	Pending   int    `json:"pending"`
	Delivered uint64 `json:"delivered"`
	Unclaimed uint64 `json:"unclaimed"`
}

// New builds a stopped kernel with the orchestration, admin and sensors
// services registered.
func New(optFns ...func(o *Options)) (*Kernel, error) {
	opts := Options{
		Bus:    bus.DefaultConfig(),
		Logger: logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	logger := logging.OrNoOp(opts.Logger)
	m := opts.Metrics
	if m == nil {
		m = metrics.New()
	}
	factories := opts.Sensors
	if factories == nil {
		factories = map[string]sensors.Factory{
			sensors.Clearnet: clearnet.Factory(func(o *clearnet.Options) {
				o.Middleware = append(o.Middleware, metrics.RequestLogger(logger), m.RequestMetrics(sensors.Clearnet))
			}),
		}
	}

	b := bus.New(func(o *bus.Options) {
		o.Config = opts.Bus
		o.Observer = m
		o.Logger = logger
	})

	clients := client.NewManager(b, append([]func(o *client.Options){func(o *client.Options) { o.Logger = logging.Component(logger, "client") }}, opts.Client...)...)
	b.SetNotifier(clients)

	orch := orchestration.New(b, append([]func(o *orchestration.Options){func(o *orchestration.Options) { o.Logger = logging.Component(logger, core.OrchestratorID) }}, opts.Orchestration...)...)
	b.OnDeadLetter(orch.Release)

	adm, err := admin.New(b, logging.Component(logger, core.AdminID))
	if err != nil {
		return nil, err
	}
	sens := sensors.New(b, func(o *sensors.Options) {
		o.Factories = factories
		o.Logger = logging.Component(logger, core.SensorsID)
	})

	k := &Kernel{
		bus:           b,
		orchestration: orch,
		admin:         adm,
		sensors:       sens,
		clients:       clients,
		metrics:       m,
		logger:        logging.Component(logger, "kernel"),
	}

	builtins := []core.ServiceType{
		instance(core.OrchestratorID, orch),
		instance(core.AdminID, adm),
		instance(core.SensorsID, sens),
	}
	if err := b.RegisterAll(append(builtins, opts.Services...), nil); err != nil {
		return nil, err
	}

	m.ObserveBus(b.Status)
	m.ObserveOrchestration(orch.Stats)
	return k, nil
}

func instance(id string, svc core.Service) core.ServiceType {
	return core.ServiceType{ID: id, New: func(core.Producer) (any, error) { return svc, nil }}
}

// Bus returns the underlying service bus.
func (k *Kernel) Bus() *bus.ServiceBus { return k.bus }

// Orchestration returns the orchestration engine.
func (k *Kernel) Orchestration() *orchestration.Service { return k.orchestration }

// Sensors returns the sensors service.
func (k *Kernel) Sensors() *sensors.Service { return k.sensors }

// Clients returns the reply manager installed as the bus notifier.
func (k *Kernel) Clients() *client.Manager { return k.clients }

// Metrics returns the kernel metrics.
func (k *Kernel) Metrics() *metrics.Metrics { return k.metrics }

// NewClient creates a client with a random id.
func (k *Kernel) NewClient() *client.Client { return k.clients.NewClient() }

// Register registers a service type; on a running kernel it starts at once.
func (k *Kernel) Register(st core.ServiceType, props core.Properties) error {
	return k.bus.Register(st, props)
}

// RegisterServices registers service types through the admin service and
// waits for the reply. Per-type failures are joined into the returned error.
func (k *Kernel) RegisterServices(ctx context.Context, req admin.RegisterRequest) ([]string, error) {
	c := k.clients.NewClient()
	defer c.Close()

	reply, err := c.Await(ctx, admin.NewRegisterEnvelope(req))
	if err != nil {
		return nil, err
	}
	var registered []string
	if doc, ok := reply.Document(); ok {
		registered, _ = doc.Data[admin.DataRegistered].([]string)
	}
	var errs []error
	for _, e := range reply.Errors() {
		errs = append(errs, e)
	}
	return registered, errors.Join(errs...)
}

// Start starts every registered service with props, then the worker pool.
func (k *Kernel) Start(props core.Properties) error {
	defer logging.Timer(k.logger, "kernel start")()
	if !k.bus.Start(props) {
		return fmt.Errorf("%w: see log for failing services", ErrStartFailed)
	}
	k.logger.Info("kernel started", "services", k.bus.Services(), "sensors", k.sensors.Active())
	return nil
}

// Pause pauses every service and the worker pool.
func (k *Kernel) Pause() bool { return k.bus.Pause() }

// Unpause resumes the kernel.
func (k *Kernel) Unpause() bool { return k.bus.Unpause() }

// Restart restarts every service.
func (k *Kernel) Restart() bool { return k.bus.Restart() }

// Shutdown stops the kernel; graceful lets services drain concurrently first.
func (k *Kernel) Shutdown(graceful bool) bool {
	var ok bool
	if graceful {
		ok = k.bus.GracefulShutdown()
	} else {
		ok = k.bus.Shutdown()
	}
	k.logger.Info("kernel stopped", "graceful", graceful, "clean", ok)
	return ok
}

// Status returns a snapshot of the kernel.
func (k *Kernel) Status() Status {
	return Status{
		Bus:           k.bus.Status(),
		Orchestration: k.orchestration.Stats(),
		Sensors:       k.sensors.Active(),
		Clients: ClientStatus{
			Pending:   k.clients.Pending(),
			Delivered: k.clients.Delivered(),
			Unclaimed: k.clients.Unclaimed(),
		},
	}
}

// DeadLetters returns the retained dead letters, oldest first.
func (k *Kernel) DeadLetters() []bus.DeadLetter { return k.bus.DeadLetters() }
