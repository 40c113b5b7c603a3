package orchestration

import (
	"github.com/hupe1980/servicebus/core"
)

// Resolver builds a routing graph for an envelope that arrives without one.
// A nil graph means the envelope has nowhere to go.
type Resolver interface {
	Resolve(env *core.Envelope) *core.DRG
}

// ResolverFunc adapts a function to the Resolver interface.
type ResolverFunc func(env *core.Envelope) *core.DRG

// Resolve implements Resolver.
func (f ResolverFunc) Resolve(env *core.Envelope) *core.DRG { return f(env) }

// OperationSend is the sensors operation used for sensitivity-routed envelopes.
const OperationSend = "SEND"

// HeaderResolver routes by the service and operation headers. Without a
// service header, envelopes with a sensitivity or url header go to the
// sensors service.
type HeaderResolver struct{}

// Resolve implements Resolver.
func (HeaderResolver) Resolve(env *core.Envelope) *core.DRG {
	if svc := env.Service(); svc != "" && svc != core.OrchestratorID {
		return core.NewDRG(core.NewDAG(core.NewRoute(svc, env.Operation())))
	}
	_, sensitive := env.Sensitivity()
	if sensitive || env.URL() != "" {
		return core.NewDRG(core.NewDAG(core.NewRoute(core.SensorsID, OperationSend)))
	}
	return nil
}
