// Package admin implements the administrative service, which registers
// service types on the running bus from within an envelope flow.
package admin

import (
	"errors"
	"fmt"

	"github.com/hupe1980/servicebus/core"
	"github.com/hupe1980/servicebus/logging"
	"github.com/hupe1980/servicebus/service"
)

// OperationRegisterServices registers the service types carried by the envelope.
const OperationRegisterServices = "REGISTER_SERVICES"

// DataRegistered is the document key listing the identifiers registered by a request.
const DataRegistered = "registered"

// ErrUnknownOperation is returned for operations the admin service does not support.
var ErrUnknownOperation = errors.New("unknown admin operation")

// Registrar registers service types. *bus.ServiceBus satisfies it.
type Registrar interface {
	Register(st core.ServiceType, props core.Properties) error
}

// RegisterRequest is the document entity of a REGISTER_SERVICES envelope.
type RegisterRequest struct {
	Services   []core.ServiceType
	Properties core.Properties
}

// NewRegisterEnvelope builds an envelope routed to the admin service asking
// it to register the given types.
func NewRegisterEnvelope(req RegisterRequest) *core.Envelope {
	doc := core.NewDocument()
	doc.Entity = &req
	env := core.NewDocumentEnvelope(doc)
	env.DRG = core.NewDRG(core.NewDAG(core.NewRoute(core.AdminID, OperationRegisterServices)))
	return env
}

// Service is the administrative service.
type Service struct {
	*service.Base
	registrar Registrar
}

var _ core.Service = (*Service)(nil)

// New creates the admin service. The producer must also be a Registrar.
func New(producer core.Producer, logger logging.Logger) (*Service, error) {
	registrar, ok := producer.(Registrar)
	if !ok {
		return nil, fmt.Errorf("producer %T cannot register services", producer)
	}
	return &Service{
		Base: service.NewBase(core.AdminID, producer, func(o *service.Options) {
			o.Logger = logger
		}),
		registrar: registrar,
	}, nil
}

// Type returns the service type registering the admin service under core.AdminID.
func Type(logger logging.Logger) core.ServiceType {
	return core.ServiceType{
		ID: core.AdminID,
		New: func(p core.Producer) (any, error) {
			return New(p, logger)
		},
	}
}

func (s *Service) Receive(env *core.Envelope) bool { return s.Handle(s, env) }

// HandleDocument runs the operation named by the current route.
func (s *Service) HandleDocument(env *core.Envelope, doc *core.Document) bool {
	op := env.Operation()
	if env.Route != nil && env.Route.Operation != "" {
		op = env.Route.Operation
	}

	switch op {
	case OperationRegisterServices:
		s.registerServices(env, doc)
		s.Continue(env)
	default:
		err := fmt.Errorf("%w: %q", ErrUnknownOperation, op)
		env.AddError(core.CodeUnroutable, err)
		s.DeadLetter(env, err)
	}
	return true
}

func (s *Service) registerServices(env *core.Envelope, doc *core.Document) {
	req, ok := request(doc)
	if !ok {
		env.AddError(core.CodeRegistration, fmt.Errorf("%w: missing register request", core.ErrServiceNotAccessible))
		return
	}

	registered := make([]string, 0, len(req.Services))
	for _, st := range req.Services {
		if err := s.registrar.Register(st, req.Properties); err != nil {
			s.Logger().Warn("admin registration failed", "registered", st.ID, "error", err)
			env.AddError(core.CodeRegistration, err)
			continue
		}
		registered = append(registered, st.ID)
	}
	doc.Set(DataRegistered, registered)
	s.Logger().Info("admin registered services", "requested", len(req.Services), "registered", len(registered))
}

func request(doc *core.Document) (RegisterRequest, bool) {
	switch v := doc.Entity.(type) {
	case *RegisterRequest:
		if v != nil {
			return *v, true
		}
	case RegisterRequest:
		return v, true
	case []core.ServiceType:
		props, _ := doc.Data["properties"].(core.Properties)
		return RegisterRequest{Services: v, Properties: props}, true
	}
	return RegisterRequest{}, false
}
