package bus

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hupe1980/servicebus/core"
	"github.com/hupe1980/servicebus/internal/retry"
	"github.com/hupe1980/servicebus/logging"
)

// PoolState is the lifecycle state of the worker pool.
type PoolState int32

const (
	PoolStopped PoolState = iota
	PoolStarting
	PoolRunning
	PoolStopping
)

func (s PoolState) String() string {
	switch s {
	case PoolStopped:
		return "stopped"
	case PoolStarting:
		return "starting"
	case PoolRunning:
		return "running"
	case PoolStopping:
		return "stopping"
	default:
		return fmt.Sprintf("pool_state(%d)", int32(s))
	}
}

// MarshalText encodes the state by name.
func (s PoolState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText decodes a state name written by MarshalText.
func (s *PoolState) UnmarshalText(text []byte) error {
	for _, st := range []PoolState{PoolStopped, PoolStarting, PoolRunning, PoolStopping} {
		if st.String() == string(text) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown pool state %q", text)
}

// PoolConfig tunes the worker pool.
type PoolConfig struct {
	// Workers is the number of workers started with the pool.
	Workers int
	// MaxWorkers caps how far the supervisor may grow the pool.
	MaxWorkers int
	// GrowThreshold is the queue depth above which the supervisor adds a
	// worker. Zero means half the channel capacity.
	GrowThreshold int
	// SupervisorInterval is how often the supervisor samples queue depth.
	SupervisorInterval time.Duration
	// Dispatch bounds the attempts to hand one envelope to its service.
	Dispatch retry.Policy
	// ShutdownTimeout bounds each of the two shutdown drain phases.
	ShutdownTimeout time.Duration
}

// DefaultPoolConfig returns two workers per CPU, three dispatch attempts one
// second apart and a sixty second shutdown timeout.
func DefaultPoolConfig() PoolConfig {
	n := 2 * runtime.NumCPU()
	return PoolConfig{
		Workers:            n,
		MaxWorkers:         n,
		SupervisorInterval: 100 * time.Millisecond,
		Dispatch:           retry.Fixed(3, time.Second),
		ShutdownTimeout:    60 * time.Second,
	}
}

func (c PoolConfig) normalized(capacity int) PoolConfig {
	if c.Workers < 1 {
		c.Workers = 1
	}
	if c.MaxWorkers < c.Workers {
		c.MaxWorkers = c.Workers
	}
	if c.GrowThreshold <= 0 {
		c.GrowThreshold = capacity / 2
	}
	if c.SupervisorInterval <= 0 {
		c.SupervisorInterval = 100 * time.Millisecond
	}
	if c.Dispatch.Attempts < 1 {
		c.Dispatch.Attempts = 1
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 60 * time.Second
	}
	return c
}

// Pool moves envelopes from the channel to their target services.
//
// Each worker resolves the envelope's current route against the registry.
// Reply-marked envelopes go to the notifier. Envelopes without a live route,
// or whose target is unknown, go to the orchestration service.
type Pool struct {
	channel    *Channel
	registry   *Registry
	deadLetter func(*core.Envelope, error)
	logger     logging.Logger
	observer   Observer
	config     PoolConfig

	notifier atomic.Pointer[notifierBox]

	mu      sync.Mutex // Serializes Start and Shutdown
	state   atomic.Int32
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	workers atomic.Int32
	gate    gate

	dispatched atomic.Uint64
	failed     atomic.Uint64
}

type notifierBox struct{ n core.Notifier }

// NewPool creates a stopped pool.
func NewPool(channel *Channel, registry *Registry, deadLetter func(*core.Envelope, error), cfg PoolConfig, logger logging.Logger) *Pool {
	return &Pool{
		channel:    channel,
		registry:   registry,
		deadLetter: deadLetter,
		logger:     logging.OrNoOp(logger),
		observer:   nopObserver{},
		config:     cfg.normalized(channel.Cap()),
	}
}

// SetNotifier installs the reply notifier. A nil notifier drops replies.
func (p *Pool) SetNotifier(n core.Notifier) {
	if n == nil {
		p.notifier.Store(nil)
		return
	}
	p.notifier.Store(&notifierBox{n: n})
}

// State returns the current pool state.
func (p *Pool) State() PoolState { return PoolState(p.state.Load()) }

// Workers returns the number of live workers.
func (p *Pool) Workers() int { return int(p.workers.Load()) }

// Dispatched returns the number of envelopes successfully handed to a service.
func (p *Pool) Dispatched() uint64 { return p.dispatched.Load() }

// Failed returns the number of envelopes whose dispatch budget was exhausted.
func (p *Pool) Failed() uint64 { return p.failed.Load() }

// Start launches the configured workers and the supervisor. Starting a
// running pool is a no-op.
func (p *Pool) Start() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.state.CompareAndSwap(int32(PoolStopped), int32(PoolStarting)) {
		return p.State() == PoolRunning
	}
	if p.channel.Closed() {
		p.state.Store(int32(PoolStopped))
		return false
	}

	p.ctx, p.cancel = context.WithCancel(context.Background())
	for i := 0; i < p.config.Workers; i++ {
		p.spawn()
	}
	p.wg.Add(1)
	go p.supervise()

	p.state.Store(int32(PoolRunning))
	p.logger.Info("worker pool started", "workers", p.config.Workers, "max_workers", p.config.MaxWorkers)
	return true
}

// Pause stops workers from dequeuing until Unpause.
func (p *Pool) Pause() bool {
	if p.State() != PoolRunning {
		return false
	}
	p.gate.close()
	return true
}

// Unpause resumes dequeuing.
func (p *Pool) Unpause() bool {
	p.gate.open()
	return p.State() == PoolRunning
}

// Paused reports whether dequeuing is gated.
func (p *Pool) Paused() bool { return p.gate.closed() }

// Shutdown closes the channel and waits for the workers to drain it. After
// ShutdownTimeout the workers are cancelled and waited for once more.
// It reports whether the pool stopped within the two phases.
func (p *Pool) Shutdown() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.state.CompareAndSwap(int32(PoolRunning), int32(PoolStopping)) {
		p.channel.Close()
		return p.State() == PoolStopped
	}

	p.channel.Close()
	p.gate.open()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	stopped := true
	select {
	case <-done:
	case <-time.After(p.config.ShutdownTimeout):
		p.logger.Warn("worker pool drain timed out, cancelling workers", "queued", p.channel.Len())
		p.cancel()
		select {
		case <-done:
		case <-time.After(p.config.ShutdownTimeout):
			p.logger.Error("worker pool did not stop", "workers", p.Workers())
			stopped = false
		}
	}
	p.cancel()
	p.state.Store(int32(PoolStopped))
	p.logger.Info("worker pool stopped", "dispatched", p.Dispatched(), "failed", p.Failed())
	return stopped
}

func (p *Pool) spawn() {
	p.workers.Add(1)
	p.wg.Add(1)
	go p.work()
}

func (p *Pool) supervise() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.config.SupervisorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			if p.State() != PoolRunning {
				return
			}
			if p.channel.Len() > p.config.GrowThreshold && p.Workers() < p.config.MaxWorkers {
				p.spawn()
				p.logger.Debug("worker pool grown", "workers", p.Workers(), "queued", p.channel.Len())
			}
		}
	}
}

func (p *Pool) work() {
	defer func() {
		p.workers.Add(-1)
		p.wg.Done()
	}()

	for {
		if !p.gate.wait(p.ctx) {
			return
		}
		env, ok := p.channel.Receive(p.ctx)
		if !ok {
			return
		}
		// A worker blocked in Receive may pick up an envelope after Pause.
		if !p.gate.wait(p.ctx) {
			p.channel.release()
			p.deadLetter(env, core.ErrNotRunning)
			return
		}
		p.handle(env)
	}
}

func (p *Pool) handle(env *core.Envelope) {
	if env.IsReply() {
		p.notify(env)
		p.channel.Ack(env)
		return
	}

	svc, id := p.resolve(env)
	if svc == nil {
		p.channel.release()
		p.failed.Add(1)
		env.AddError(core.CodeUnroutable, fmt.Errorf("%w: no %s service registered", core.ErrUnroutable, core.OrchestratorID))
		p.deadLetter(env, core.ErrUnroutable)
		return
	}

	start := time.Now()
	ok, attempts := retry.Do(p.ctx, p.config.Dispatch, func(attempt int) bool {
		accepted := p.receive(svc, id, env)
		if !accepted {
			p.logger.Debug("dispatch refused", "service", id, "envelope", env.ID, "attempt", attempt)
		}
		return accepted
	})

	elapsed := time.Since(start)
	p.observer.Dispatched(id, attempts, elapsed, ok)
	logging.Dispatch(p.logger, id, env.ID, attempts, elapsed, ok)
	if ok {
		p.dispatched.Add(1)
		p.channel.Ack(env)
		return
	}

	p.channel.release()
	p.failed.Add(1)
	err := fmt.Errorf("%w: %s refused envelope after %d attempts", core.ErrDispatchFailed, id, attempts)
	env.AddError(core.CodeDispatch, err)
	p.deadLetter(env, err)
	if env.Client() != "" {
		env.SetReply(true)
		p.notify(env)
	}
}

// resolve picks the service for the envelope's current route, falling back
// to orchestration. The route is marked routed only when its own target
// receives the envelope.
func (p *Pool) resolve(env *core.Envelope) (core.Service, string) {
	route := env.Route
	if route != nil && !route.Routed() {
		if svc, ok := p.registry.Lookup(route.Service); ok {
			route.MarkRouted()
			return svc, route.Service
		}
	}
	if svc, ok := p.registry.Lookup(core.OrchestratorID); ok {
		return svc, core.OrchestratorID
	}
	return nil, ""
}

func (p *Pool) receive(svc core.Service, id string, env *core.Envelope) (accepted bool) {
	defer func() {
		if r := recover(); r != nil {
			logging.ErrorWithStack(p.logger, fmt.Errorf("panic: %v", r), "service panicked during receive", "service", id, "envelope", env.ID)
			accepted = false
		}
	}()
	return svc.Receive(env)
}

func (p *Pool) notify(env *core.Envelope) {
	box := p.notifier.Load()
	if box == nil {
		p.logger.Warn("reply dropped, no notifier installed", "envelope", env.ID, "client", env.Client())
		return
	}
	box.n.Notify(env)
}

// gate blocks workers while the pool is paused.
type gate struct {
	mu sync.Mutex
	ch chan struct{} // nil while open
}

func (g *gate) close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.ch == nil {
		g.ch = make(chan struct{})
	}
}

func (g *gate) open() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.ch != nil {
		close(g.ch)
		g.ch = nil
	}
}

func (g *gate) closed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.ch != nil
}

func (g *gate) wait(ctx context.Context) bool {
	g.mu.Lock()
	ch := g.ch
	g.mu.Unlock()
	if ch == nil {
		return ctx.Err() == nil
	}
	select {
	case <-ctx.Done():
		return false
	case <-ch:
		return true
	}
}
