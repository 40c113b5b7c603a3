package sensors

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/hupe1980/servicebus/core"
	"github.com/hupe1980/servicebus/logging"
	"github.com/hupe1980/servicebus/service"
)

// Operations handled by the sensors service.
const (
	OperationSend          = "SEND"
	OperationReplyClearnet = "REPLY_CLEARNET"
)

// PropertyRegistered lists the sensor identifiers to start, comma separated.
const PropertyRegistered = "sensors.registered"

var (
	// ErrNoSensor is the dead-letter reason when no active sensor matches.
	// It is an unroutable condition.
	ErrNoSensor = fmt.Errorf("%w: no active sensor", core.ErrUnroutable)
	// ErrUnknownSensor is returned when a registered sensor has no factory.
	ErrUnknownSensor = errors.New("unknown sensor")
	// ErrSendFailed is recorded on envelopes a sensor could not transmit.
	ErrSendFailed = errors.New("sensor send failed")
)

// Options configures the sensors service.
type Options struct {
	// Factories create sensors by identifier.
	Factories map[string]Factory
	// Tiers maps sensitivities to sensors. Defaults to DefaultTiers().
	Tiers Tiers
	// Service configures the embedded service base.
	Service []func(o *service.Options)
	// Logger defaults to a NoOp logger.
	Logger logging.Logger
}

// Service manages the lifecycle of the registered sensors and routes
// envelopes to the one matching their sensitivity, operation or url.
type Service struct {
	*service.Base

	factories map[string]Factory
	tiers     Tiers

	mu         sync.RWMutex
	registered map[string]Sensor
	active     map[string]Sensor
}

var (
	_ core.Service = (*Service)(nil)
	_ Host         = (*Service)(nil)
)

// New creates the sensors service.
func New(producer core.Producer, optFns ...func(o *Options)) *Service {
	opts := Options{
		Factories: map[string]Factory{},
		Tiers:     DefaultTiers(),
		Logger:    logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	logger := logging.OrNoOp(opts.Logger)
	baseOpts := append([]func(o *service.Options){func(o *service.Options) { o.Logger = logger }}, opts.Service...)

	return &Service{
		Base:       service.NewBase(core.SensorsID, producer, baseOpts...),
		factories:  opts.Factories,
		tiers:      opts.Tiers,
		registered: map[string]Sensor{},
		active:     map[string]Sensor{},
	}
}

// Type returns the service type registering the sensors service under core.SensorsID.
func Type(optFns ...func(o *Options)) core.ServiceType {
	return core.ServiceType{
		ID: core.SensorsID,
		New: func(p core.Producer) (any, error) {
			return New(p, optFns...), nil
		},
	}
}

// Deliver hands an inbound envelope to the bus.
func (s *Service) Deliver(env *core.Envelope) bool { return s.Send(env) }

// Sensor returns an active sensor.
func (s *Service) Sensor(id string) (Sensor, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sensor, ok := s.active[id]
	return sensor, ok
}

// Active returns the identifiers of active sensors in sorted order.
func (s *Service) Active() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.active))
	for id := range s.active {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Peers merges the peers of every active sensor, keyed by sensor then peer id.
func (s *Service) Peers() map[string]map[string]Peer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]map[string]Peer, len(s.active))
	for id, sensor := range s.active {
		out[id] = sensor.Peers()
	}
	return out
}

func (s *Service) Receive(env *core.Envelope) bool { return s.Handle(s, env) }

func (s *Service) HandleDocument(env *core.Envelope, _ *core.Document) bool {
	s.route(env)
	return true
}

func (s *Service) HandleEvent(env *core.Envelope, _ *core.Event) bool {
	s.route(env)
	return true
}

func (s *Service) route(env *core.Envelope) {
	op := OperationSend
	if env.Route != nil && env.Route.Operation != "" {
		op = env.Route.Operation
	}

	if op == OperationReplyClearnet {
		sensor, ok := s.Sensor(Clearnet)
		if !ok || !sensor.Reply(env) {
			s.unroutable(env, fmt.Errorf("%w: clearnet reply for %s", ErrNoSensor, env.ID))
			return
		}
		s.Continue(env)
		return
	}

	s.mu.RLock()
	sensor := Select(env, s.active, s.tiers)
	s.mu.RUnlock()
	if sensor == nil {
		s.unroutable(env, s.describeMiss(env))
		return
	}

	s.Logger().Debug("sensor selected", "sensor", sensor.ID(), "envelope", env.ID, "operation", op)
	if !sensor.Send(env) {
		env.AddError(core.CodeTransport, fmt.Errorf("%w: %s", ErrSendFailed, sensor.ID()))
	}
	s.Continue(env)
}

func (s *Service) describeMiss(env *core.Envelope) error {
	if sens, ok := env.Sensitivity(); ok {
		return fmt.Errorf("%w: sensitivity %s requires %q", ErrNoSensor, sens, s.tiers[sens])
	}
	return fmt.Errorf("%w: url %q", ErrNoSensor, env.URL())
}

func (s *Service) unroutable(env *core.Envelope, err error) {
	s.Logger().Warn("unable to determine sensor", "envelope", env.ID, "error", err)
	env.AddError(core.CodeUnroutable, err)
	s.DeadLetter(env, err)
}

// Start creates the sensors listed in the registered property and starts
// them concurrently. A sensor becomes active only if its Start succeeds.
// Start fails when a listed sensor has no factory.
func (s *Service) Start(props core.Properties) bool {
	s.SetStatus(service.StatusStarting)

	ids := props.Strings(PropertyRegistered)
	created := make(map[string]Sensor, len(ids))
	for _, id := range ids {
		factory, ok := s.factories[id]
		if !ok {
			s.Logger().Error("sensor not available", "sensor", id, "error", ErrUnknownSensor)
			s.SetStatus(service.StatusUnstarted)
			return false
		}
		sensor, err := factory(s)
		if err != nil {
			s.Logger().Error("sensor construction failed", "sensor", id, "error", err)
			s.SetStatus(service.StatusUnstarted)
			return false
		}
		created[id] = sensor
	}

	type result struct {
		id string
		ok bool
	}
	results := make(chan result, len(created))
	var wg sync.WaitGroup
	for id, sensor := range created {
		wg.Add(1)
		go func(id string, sensor Sensor) {
			defer wg.Done()
			results <- result{id: id, ok: sensor.Start(props)}
		}(id, sensor)
	}
	wg.Wait()
	close(results)

	s.mu.Lock()
	s.registered = created
	s.active = make(map[string]Sensor, len(created))
	for r := range results {
		if r.ok {
			s.active[r.id] = created[r.id]
			s.Logger().Info("sensor registered as active", "sensor", r.id)
		} else {
			s.Logger().Warn("sensor failed to start", "sensor", r.id)
		}
	}
	s.mu.Unlock()

	return s.Base.Start(props)
}

// Pause pauses every active sensor.
func (s *Service) Pause() bool {
	s.each(Sensor.Pause)
	return s.Base.Pause()
}

// Unpause resumes every active sensor.
func (s *Service) Unpause() bool {
	s.each(Sensor.Unpause)
	return s.Base.Unpause()
}

func (s *Service) each(fn func(Sensor) bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for id, sensor := range s.active {
		if !fn(sensor) {
			s.Logger().Warn("sensor lifecycle operation failed", "sensor", id)
		}
	}
}

// Restart restarts every registered sensor; active membership follows the result.
func (s *Service) Restart() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, sensor := range s.registered {
		if sensor.Restart() {
			s.active[id] = sensor
		} else {
			delete(s.active, id)
			s.Logger().Warn("sensor failed to restart", "sensor", id, "attempts", sensor.RestartAttempts())
		}
	}
	return s.Base.Restart()
}

// Shutdown stops every active sensor.
func (s *Service) Shutdown() bool {
	return s.stop(false)
}

// GracefulShutdown stops every active sensor gracefully and waits for all of them.
func (s *Service) GracefulShutdown() bool {
	return s.stop(true)
}

func (s *Service) stop(graceful bool) bool {
	s.SetStatus(service.StatusShuttingDown)

	s.mu.Lock()
	active := s.active
	s.active = map[string]Sensor{}
	s.mu.Unlock()

	var wg sync.WaitGroup
	var failed sync.Map
	for id, sensor := range active {
		wg.Add(1)
		go func(id string, sensor Sensor) {
			defer wg.Done()
			ok := sensor.Shutdown
			if graceful {
				ok = sensor.GracefulShutdown
			}
			if !ok() {
				failed.Store(id, true)
			}
		}(id, sensor)
	}
	wg.Wait()

	clean := true
	failed.Range(func(k, _ any) bool {
		s.Logger().Warn("sensor failed to shut down", "sensor", k)
		clean = false
		return true
	})
	s.Base.Shutdown()
	return clean
}
