package bus

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/hupe1980/servicebus/core"
	"github.com/hupe1980/servicebus/logging"
)

// Config defines the bus tuning parameters.
type Config struct {
	// ChannelCapacity bounds the number of queued envelopes. Send reports
	// false once it is reached.
	ChannelCapacity int

	// DeadLetterCapacity bounds how many dead letters are retained.
	DeadLetterCapacity int

	// Pool tunes the worker pool.
	Pool PoolConfig
}

// DefaultConfig returns a 1024 envelope channel, 256 retained dead letters
// and the default pool configuration.
func DefaultConfig() Config {
	return Config{
		ChannelCapacity:    1024,
		DeadLetterCapacity: 256,
		Pool:               DefaultPoolConfig(),
	}
}

// Options configures a ServiceBus.
type Options struct {
	// Config contains the bus tuning. Defaults to DefaultConfig().
	Config Config

	// Notifier receives reply-marked envelopes. May be installed later via
	// SetNotifier.
	Notifier core.Notifier

	// Observer receives activity callbacks, e.g. for metrics.
	Observer Observer

	// DeadLetterHooks run, in order, after an envelope is dead-lettered.
	DeadLetterHooks []func(e *core.Envelope, reason error)

	// Logger defaults to a NoOp logger.
	Logger logging.Logger
}

// Status is a point-in-time view of the bus.
type Status struct {
	State       PoolState `json:"state"`
	Paused      bool      `json:"paused"`
	Services    []string  `json:"services"`
	Queued      int       `json:"queued"`
	Capacity    int       `json:"capacity"`
	InFlight    int64     `json:"in_flight"`
	Acked       uint64    `json:"acked"`
	Rejected    uint64    `json:"rejected"`
	Workers     int       `json:"workers"`
	Dispatched  uint64    `json:"dispatched"`
	Failed      uint64    `json:"failed"`
	DeadLetters uint64    `json:"dead_letters"`
}

// ServiceBus is the composition root of the kernel: it owns the channel, the
// registry, the worker pool and the dead-letter queue, and implements
// core.Router for the services it hosts.
//
// Lifecycle operations are broadcast to every registered service. Services
// registered while the bus is running are started immediately with their
// declared properties.
type ServiceBus struct {
	channel     *Channel
	registry    *Registry
	pool        *Pool
	deadLetters *DeadLetterQueue
	logger      logging.Logger
	observer    Observer

	hooksMu sync.RWMutex
	hooks   []func(*core.Envelope, error)

	mu      sync.Mutex // Serializes lifecycle transitions
	regMu   sync.Mutex // Orders registration against start and stop
	running atomic.Bool
}

var _ core.Router = (*ServiceBus)(nil)

// New creates a stopped ServiceBus.
//
// Example:
//
//	b := bus.New(func(o *bus.Options) {
//	    o.Config.ChannelCapacity = 64
//	    o.Logger = logger
//	})
func New(optFns ...func(o *Options)) *ServiceBus {
	opts := Options{
		Config: DefaultConfig(),
		Logger: logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	logger := logging.OrNoOp(opts.Logger)
	observer := opts.Observer
	if observer == nil {
		observer = nopObserver{}
	}

	b := &ServiceBus{
		channel:     NewChannel(opts.Config.ChannelCapacity),
		registry:    NewRegistry(),
		deadLetters: NewDeadLetterQueue(opts.Config.DeadLetterCapacity),
		logger:      logging.Component(logger, "bus"),
		observer:    observer,
		hooks:       append([]func(*core.Envelope, error){}, opts.DeadLetterHooks...),
	}
	b.pool = NewPool(b.channel, b.registry, b.DeadLetter, opts.Config.Pool, logging.Component(logger, "pool"))
	b.pool.observer = observer
	if opts.Notifier != nil {
		b.pool.SetNotifier(opts.Notifier)
	}
	return b
}

// SetNotifier installs the reply notifier.
func (b *ServiceBus) SetNotifier(n core.Notifier) { b.pool.SetNotifier(n) }

// Send enqueues an envelope without blocking.
func (b *ServiceBus) Send(e *core.Envelope) bool {
	ok := b.channel.Send(e)
	b.observer.Enqueued(ok)
	return ok
}

// DeadLetter records a terminally discarded envelope.
func (b *ServiceBus) DeadLetter(e *core.Envelope, reason error) {
	if reason == nil {
		reason = core.ErrUnroutable
	}
	dl := b.deadLetters.Add(e, reason)
	logging.DeadLetter(b.logger, dl.EnvelopeID, reason,
		"service", dl.Service,
		"operation", dl.Operation,
	)

	b.observer.DeadLettered(e, reason)

	b.hooksMu.RLock()
	hooks := b.hooks
	b.hooksMu.RUnlock()
	for _, fn := range hooks {
		fn(e, reason)
	}
}

// OnDeadLetter adds a hook run after every dead letter.
func (b *ServiceBus) OnDeadLetter(fn func(e *core.Envelope, reason error)) {
	b.hooksMu.Lock()
	defer b.hooksMu.Unlock()
	b.hooks = append(append([]func(*core.Envelope, error){}, b.hooks...), fn)
}

// IsRegistered reports whether a service with the identifier is registered.
func (b *ServiceBus) IsRegistered(id string) bool { return b.registry.Contains(id) }

// Lookup returns a registered service.
func (b *ServiceBus) Lookup(id string) (core.Service, bool) { return b.registry.Lookup(id) }

// Services returns the registered service identifiers in sorted order.
func (b *ServiceBus) Services() []string { return b.registry.IDs() }

// Register instantiates and registers a service type. The service's producer
// is the bus itself. If the bus is running the service is started with props.
//
// A registration racing Start is either started by Start or by Register,
// never by both and never by neither.
func (b *ServiceBus) Register(st core.ServiceType, props core.Properties) error {
	b.regMu.Lock()
	defer b.regMu.Unlock()

	entry, err := b.registry.Register(st, props, b)
	if err != nil {
		b.logger.Warn("service registration failed", "service", st.ID, "error", err)
		return err
	}
	b.logger.Info("service registered", "service", entry.ID)

	if b.running.Load() {
		if !entry.Service.Start(props) {
			b.logger.Warn("service failed to start", "service", entry.ID)
			return &core.RegistrationError{ServiceID: entry.ID, Err: fmt.Errorf("%w: start failed", core.ErrServiceNotAccessible)}
		}
	}
	return nil
}

// RegisterAll registers each type in order. Failures do not stop the batch;
// they are joined into the returned error.
func (b *ServiceBus) RegisterAll(types []core.ServiceType, props core.Properties) error {
	var errs []error
	for _, st := range types {
		if err := b.Register(st, props); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// DeadLetters returns the retained dead letters, oldest first.
func (b *ServiceBus) DeadLetters() []DeadLetter { return b.deadLetters.Records() }

// Status returns a snapshot of the bus.
func (b *ServiceBus) Status() Status {
	return Status{
		State:       b.pool.State(),
		Paused:      b.pool.Paused(),
		Services:    b.registry.IDs(),
		Queued:      b.channel.Len(),
		Capacity:    b.channel.Cap(),
		InFlight:    b.channel.InFlight(),
		Acked:       b.channel.Acked(),
		Rejected:    b.channel.Rejected(),
		Workers:     b.pool.Workers(),
		Dispatched:  b.pool.Dispatched(),
		Failed:      b.pool.Failed(),
		DeadLetters: b.deadLetters.Total(),
	}
}

// Running reports whether the bus has been started and not shut down.
func (b *ServiceBus) Running() bool { return b.running.Load() }

// Start starts every registered service with its declared properties merged
// over props, then the worker pool.
func (b *ServiceBus) Start(props core.Properties) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.running.Load() {
		return true
	}

	b.regMu.Lock()
	defer b.regMu.Unlock()

	ok := true
	for _, e := range b.registry.All() {
		if !e.Service.Start(props.Merge(e.Properties)) {
			b.logger.Warn("service failed to start", "service", e.ID)
			ok = false
		}
	}
	if !b.pool.Start() {
		b.logger.Error("worker pool failed to start")
		return false
	}
	b.running.Store(true)
	b.logger.Info("service bus started", "services", b.registry.Len())
	return ok
}

// Pause pauses every service and gates the worker pool.
func (b *ServiceBus) Pause() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	ok := b.broadcast("pause", core.LifeCycle.Pause)
	return b.pool.Pause() && ok
}

// Unpause resumes the worker pool and every service.
func (b *ServiceBus) Unpause() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	ok := b.broadcast("unpause", core.LifeCycle.Unpause)
	return b.pool.Unpause() && ok
}

// Restart restarts every service. The worker pool keeps running.
func (b *ServiceBus) Restart() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.broadcast("restart", core.LifeCycle.Restart)
}

// Shutdown shuts every service down and stops the worker pool.
func (b *ServiceBus) Shutdown() bool {
	return b.stop(false)
}

// GracefulShutdown first lets orchestration drain its in-flight routes while
// every other service still runs, then runs the remaining graceful shutdowns
// concurrently, waits for all of them and drains the worker pool.
func (b *ServiceBus) GracefulShutdown() bool {
	return b.stop(true)
}

func (b *ServiceBus) stop(graceful bool) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	// Later registrations are no longer started.
	b.regMu.Lock()
	b.running.Store(false)
	b.regMu.Unlock()

	var ok bool
	if graceful {
		ok = b.gracefulShutdown()
	} else {
		ok = b.broadcast("shutdown", core.LifeCycle.Shutdown)
	}
	if !b.pool.Shutdown() {
		ok = false
	}
	b.logger.Info("service bus stopped", "graceful", graceful, "dead_letters", b.deadLetters.Total())
	return ok
}

func (b *ServiceBus) broadcast(op string, fn func(core.LifeCycle) bool) bool {
	ok := true
	for _, e := range b.registry.All() {
		if !fn(e.Service) {
			b.logger.Warn("service lifecycle operation failed", "service", e.ID, "operation", op)
			ok = false
		}
	}
	return ok
}

func (b *ServiceBus) gracefulShutdown() bool {
	ok := true
	var rest []Entry
	for _, e := range b.registry.All() {
		if e.ID != core.OrchestratorID {
			rest = append(rest, e)
			continue
		}
		if !e.Service.GracefulShutdown() {
			b.logger.Warn("service lifecycle operation failed", "service", e.ID, "operation", "graceful shutdown")
			ok = false
		}
	}
	return b.broadcastConcurrent("graceful shutdown", rest, core.LifeCycle.GracefulShutdown) && ok
}

func (b *ServiceBus) broadcastConcurrent(op string, entries []Entry, fn func(core.LifeCycle) bool) bool {
	results := make([]bool, len(entries))

	var wg sync.WaitGroup
	for i, e := range entries {
		wg.Add(1)
		go func(i int, e Entry) {
			defer wg.Done()
			results[i] = fn(e.Service)
		}(i, e)
	}
	wg.Wait()

	ok := true
	for i, r := range results {
		if !r {
			b.logger.Warn("service lifecycle operation failed", "service", entries[i].ID, "operation", op)
			ok = false
		}
	}
	return ok
}
