package service

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/hupe1980/servicebus/core"
	"github.com/hupe1980/servicebus/internal/retry"
	"github.com/hupe1980/servicebus/logging"
)

// Status is the lifecycle state of a service.
type Status int32

const (
	StatusUnstarted Status = iota
	StatusStarting
	StatusRunning
	StatusPaused
	StatusShuttingDown
	StatusShutdown
)

func (s Status) String() string {
	switch s {
	case StatusUnstarted:
		return "unstarted"
	case StatusStarting:
		return "starting"
	case StatusRunning:
		return "running"
	case StatusPaused:
		return "paused"
	case StatusShuttingDown:
		return "shutting_down"
	case StatusShutdown:
		return "shutdown"
	default:
		return fmt.Sprintf("status(%d)", int32(s))
	}
}

// Options configures a Base.
type Options struct {
	// Logger defaults to a NoOp logger.
	Logger logging.Logger
	// SendPolicy bounds retries of refused sends. Defaults to DefaultSendPolicy().
	SendPolicy retry.Policy
}

// Base carries the state every hosted service needs: its identifier, the
// producer it sends through, a logger and its lifecycle status.
//
// Services embed *Base and override the lifecycle methods they care about,
// calling the Base version to keep the status current.
type Base struct {
	id       string
	producer core.Producer
	logger   logging.Logger
	policy   retry.Policy

	status atomic.Int32

	mu    sync.RWMutex
	props core.Properties
}

// NewBase creates an unstarted Base.
func NewBase(id string, producer core.Producer, optFns ...func(o *Options)) *Base {
	opts := Options{
		Logger:     logging.NoOpLogger{},
		SendPolicy: DefaultSendPolicy(),
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Base{
		id:       id,
		producer: producer,
		logger:   logging.With(logging.OrNoOp(opts.Logger), "service", id),
		policy:   opts.SendPolicy,
	}
}

// ID returns the service identifier.
func (b *Base) ID() string { return b.id }

// Producer returns the producer the service sends through.
func (b *Base) Producer() core.Producer { return b.producer }

// Logger returns the service logger.
func (b *Base) Logger() logging.Logger { return b.logger }

// Status returns the lifecycle status.
func (b *Base) Status() Status { return Status(b.status.Load()) }

// SetStatus overrides the lifecycle status.
func (b *Base) SetStatus(s Status) { b.status.Store(int32(s)) }

// Running reports whether the service accepts work.
func (b *Base) Running() bool { return b.Status() == StatusRunning }

// Properties returns the properties passed to the last Start.
func (b *Base) Properties() core.Properties {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.props
}

func (b *Base) Start(props core.Properties) bool {
	b.mu.Lock()
	b.props = props
	b.mu.Unlock()
	b.SetStatus(StatusRunning)
	b.logger.Debug("service started")
	return true
}

func (b *Base) Pause() bool {
	if !b.status.CompareAndSwap(int32(StatusRunning), int32(StatusPaused)) {
		return b.Status() == StatusPaused
	}
	return true
}

func (b *Base) Unpause() bool {
	if !b.status.CompareAndSwap(int32(StatusPaused), int32(StatusRunning)) {
		return b.Status() == StatusRunning
	}
	return true
}

func (b *Base) Restart() bool {
	b.SetStatus(StatusRunning)
	return true
}

func (b *Base) Shutdown() bool {
	b.SetStatus(StatusShutdown)
	b.logger.Debug("service shut down")
	return true
}

func (b *Base) GracefulShutdown() bool {
	return b.Shutdown()
}

// Send delivers env to the bus with the send retry policy. An envelope the
// bus never accepts carries a delivery error and is dead-lettered.
func (b *Base) Send(env *core.Envelope) bool {
	if Deliver(context.Background(), b.producer, env, b.policy) {
		return true
	}
	b.logger.Error("envelope delivery failed", "envelope", env.ID)
	b.producer.DeadLetter(env, core.ErrDeliveryFailed)
	return false
}

// Continue hands the envelope back to the bus so the next hop can run.
func (b *Base) Continue(env *core.Envelope) bool {
	return b.Send(env)
}

// Reply marks the envelope for client delivery and sends it.
func (b *Base) Reply(env *core.Envelope) bool {
	env.SetReply(true)
	return b.Send(env)
}

// DeadLetter terminally discards the envelope.
func (b *Base) DeadLetter(env *core.Envelope, reason error) {
	b.producer.DeadLetter(env, reason)
}

// Handle checks the lifecycle status and dispatches env to target.
//
// A paused service refuses the envelope so the worker retries it. A service
// that is not running dead-letters it. Unsupported payloads are dead-lettered.
// Commands are always dispatched so a stopped service can be started.
func (b *Base) Handle(target core.LifeCycle, env *core.Envelope) bool {
	if env.Kind() != core.KindCommand {
		switch b.Status() {
		case StatusRunning:
		case StatusPaused:
			return false
		default:
			env.AddError(core.CodeDispatch, fmt.Errorf("%w: %s", core.ErrNotRunning, b.id))
			b.DeadLetter(env, core.ErrNotRunning)
			return true
		}
	}

	ok, err := Dispatch(target, env)
	if err != nil {
		b.logger.Warn("envelope not handled", "envelope", env.ID, "error", err)
		env.AddError(core.CodeDispatch, err)
		b.DeadLetter(env, err)
		return true
	}
	return ok
}
