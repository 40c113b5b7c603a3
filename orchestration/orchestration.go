package orchestration

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/hupe1980/servicebus/core"
	"github.com/hupe1980/servicebus/internal/retry"
	"github.com/hupe1980/servicebus/logging"
	"github.com/hupe1980/servicebus/service"
)

// Options configures the orchestration engine.
type Options struct {
	// Resolver builds graphs for envelopes without one. Defaults to HeaderResolver.
	Resolver Resolver

	// DrainInterval is the wait between checks for outstanding routes on shutdown.
	DrainInterval time.Duration

	// DrainWaits is the number of waits on shutdown.
	DrainWaits int

	// GracefulDrainWaits is the number of waits on graceful shutdown.
	GracefulDrainWaits int

	// Service configures the embedded service base.
	Service []func(o *service.Options)

	// Logger defaults to a NoOp logger.
	Logger logging.Logger
}

// Stats is a snapshot of the engine's routing counters.
type Stats struct {
	// Active is the number of issued hops that have not come back.
	Active       int    `json:"active"`
	// Remaining is the number of routes still owed by started graphs.
	Remaining    int    `json:"remaining"`
	// InFlight is the number of envelopes with an outstanding hop.
	InFlight     int    `json:"in_flight"`
	// Issued counts hops sent out by the engine.
	Issued       uint64 `json:"issued"`
	// Replied counts envelopes returned to their client.
	Replied      uint64 `json:"replied"`
	// Completed counts envelopes that finished without a client.
	Completed    uint64 `json:"completed"`
	// DeadLettered counts envelopes the engine dead-lettered.
	DeadLettered uint64 `json:"dead_lettered"`
}

// Service is the orchestration engine.
type Service struct {
	*service.Base

	router   core.Router
	resolver Resolver
	counters *routeCounters

	drainInterval      time.Duration
	drainWaits         int
	gracefulDrainWaits int

	draining     atomic.Bool
	issued       atomic.Uint64
	replied      atomic.Uint64
	completed    atomic.Uint64
	deadLettered atomic.Uint64
}

var _ core.Service = (*Service)(nil)

// New creates the engine. If producer also implements core.Router the engine
// dead-letters pass-through hops to unregistered services.
func New(producer core.Producer, optFns ...func(o *Options)) *Service {
	opts := Options{
		Resolver:           HeaderResolver{},
		DrainInterval:      3 * time.Second,
		DrainWaits:         1,
		GracefulDrainWaits: 10,
		Logger:             logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	logger := logging.OrNoOp(opts.Logger)
	baseOpts := append([]func(o *service.Options){func(o *service.Options) { o.Logger = logger }}, opts.Service...)

	router, _ := producer.(core.Router)
	return &Service{
		Base:               service.NewBase(core.OrchestratorID, producer, baseOpts...),
		router:             router,
		resolver:           opts.Resolver,
		counters:           newRouteCounters(),
		drainInterval:      opts.DrainInterval,
		drainWaits:         opts.DrainWaits,
		gracefulDrainWaits: opts.GracefulDrainWaits,
	}
}

// Type returns the service type registering the engine under core.OrchestratorID.
func Type(optFns ...func(o *Options)) core.ServiceType {
	return core.ServiceType{
		ID: core.OrchestratorID,
		New: func(p core.Producer) (any, error) {
			return New(p, optFns...), nil
		},
	}
}

// Stats returns the current counters.
func (s *Service) Stats() Stats {
	active, remaining, inFlight := s.counters.snapshot()
	return Stats{
		Active:       active,
		Remaining:    remaining,
		InFlight:     inFlight,
		Issued:       s.issued.Load(),
		Replied:      s.replied.Load(),
		Completed:    s.completed.Load(),
		DeadLettered: s.deadLettered.Load(),
	}
}

// Receive routes every envelope. Commands addressed to the engine itself are
// applied to its lifecycle before routing.
func (s *Service) Receive(env *core.Envelope) bool {
	if cmd, ok := env.Command(); ok && env.Route != nil && env.Route.Service == core.OrchestratorID {
		if _, err := service.RunCommand(s, cmd); err != nil {
			env.AddError(core.CodeDispatch, err)
		}
	}
	s.route(env)
	return true
}

func (s *Service) accepting() bool {
	switch s.Status() {
	case service.StatusRunning, service.StatusPaused:
		return true
	default:
		return s.draining.Load()
	}
}

func (s *Service) route(env *core.Envelope) {
	if !s.accepting() {
		s.counters.complete(env.ID)
		s.deadLetter(env, core.ErrNotRunning)
		return
	}

	// The envelope is back, so whatever hop it was on is over.
	s.counters.complete(env.ID)

	if env.DRG == nil && env.Route == nil && s.resolver != nil {
		env.DRG = s.resolver.Resolve(env)
	}

	if drg := env.DRG; drg != nil {
		if !drg.InProgress() {
			s.counters.begin(drg.NumberRemainingRoutes())
			drg.Start()
		}
		if drg.PeekAtNextRoute() != nil {
			s.skip(env)
			env.Route = drg.NextRoute()
			s.issue(env, false)
			return
		}
	}

	r := env.Route
	if r == nil || r.Routed() || r.Service == core.OrchestratorID {
		s.finish(env)
		return
	}

	// A pending route with nothing left in the graph is passed through once
	// more. An unknown target would bounce back forever, so it ends here.
	if s.router != nil && !s.router.IsRegistered(r.Service) {
		err := fmt.Errorf("%w: service %q not registered", core.ErrUnroutable, r.Service)
		env.AddError(core.CodeUnroutable, err)
		s.deadLetter(env, err)
		return
	}
	s.issue(env, true)
}

// skip records a pending route that the graph is about to replace.
func (s *Service) skip(env *core.Envelope) {
	r := env.Route
	if r == nil || r.Routed() || r.Service == core.OrchestratorID {
		return
	}
	err := fmt.Errorf("%w: route %s skipped", core.ErrUnroutable, r)
	env.AddError(core.CodeUnroutable, err)
	s.Logger().Warn("pending route skipped", "envelope", env.ID, "route", r.String())
}

func (s *Service) issue(env *core.Envelope, passThrough bool) {
	s.counters.issue(env.ID, passThrough)
	s.issued.Add(1)
	s.Logger().Debug("route issued", "envelope", env.ID, "route", env.Route.String(), "pass_through", passThrough)
	if !s.Send(env) {
		s.Release(env, core.ErrDeliveryFailed)
	}
}

func (s *Service) finish(env *core.Envelope) {
	if env.Client() == "" {
		s.completed.Add(1)
		s.Logger().Debug("envelope completed", "envelope", env.ID)
		return
	}
	s.replied.Add(1)
	s.Logger().Debug("envelope replied", "envelope", env.ID, "client", env.Client())
	s.Reply(env)
}

func (s *Service) deadLetter(env *core.Envelope, reason error) {
	s.deadLettered.Add(1)
	s.Logger().Warn("envelope dead-lettered by orchestration", "envelope", env.ID, "reason", reason.Error())
	s.DeadLetter(env, reason)
	s.Release(env, reason)
}

// Release settles the routing counters of an envelope that will not come
// back: its outstanding hop and every route its graph has not issued yet.
// It is safe to call more than once for the same envelope.
func (s *Service) Release(env *core.Envelope, _ error) {
	if env == nil {
		return
	}
	unissued := 0
	if env.DRG != nil && env.DRG.InProgress() {
		// Consuming the graph makes a second release a no-op.
		for env.DRG.NextRoute() != nil {
			unissued++
		}
	}
	s.counters.abandon(env.ID, unissued)
}

// Shutdown waits once for outstanding routes, then stops.
func (s *Service) Shutdown() bool {
	return s.stop(s.drainWaits)
}

// GracefulShutdown waits repeatedly for outstanding routes, then stops.
func (s *Service) GracefulShutdown() bool {
	return s.stop(s.gracefulDrainWaits)
}

func (s *Service) stop(waits int) bool {
	s.SetStatus(service.StatusShuttingDown)
	s.draining.Store(true)
	drained := retry.Until(context.Background(), waits, s.drainInterval, func() bool {
		_, remaining, _ := s.counters.snapshot()
		return remaining == 0
	})
	s.draining.Store(false)
	if !drained {
		stats := s.Stats()
		s.Logger().Warn("orchestration stopped with outstanding routes", "active", stats.Active, "remaining", stats.Remaining)
	}
	return s.Base.Shutdown()
}
