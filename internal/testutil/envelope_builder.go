package testutil

import (
	"github.com/hupe1980/servicebus/core"
)

// EnvelopeBuilder provides a fluent helper for constructing envelopes in tests.
// Example:
//
//	env := NewEnvelopeBuilder().Client("c1").Hops("a:OP", "b:OP").Build()
//
// Chain only the parts you need; a document payload is used by default.
type EnvelopeBuilder struct {
	id      string
	payload core.Payload
	headers core.Headers
	route   *core.Route
	dags    []*core.DAG
}

// NewEnvelopeBuilder creates a builder with an empty document payload.
func NewEnvelopeBuilder() *EnvelopeBuilder {
	return &EnvelopeBuilder{payload: core.NewDocument(), headers: core.Headers{}}
}

// ID overrides the generated envelope ID (chainable).
func (b *EnvelopeBuilder) ID(id string) *EnvelopeBuilder { b.id = id; return b }

// Payload replaces the payload (chainable).
func (b *EnvelopeBuilder) Payload(p core.Payload) *EnvelopeBuilder { b.payload = p; return b }

// Data sets a key on the document payload, creating one if needed (chainable).
func (b *EnvelopeBuilder) Data(key string, value any) *EnvelopeBuilder {
	doc, ok := b.payload.(*core.Document)
	if !ok {
		doc = core.NewDocument()
		b.payload = doc
	}
	doc.Set(key, value)
	return b
}

// Header sets an arbitrary header (chainable).
func (b *EnvelopeBuilder) Header(key string, value any) *EnvelopeBuilder {
	b.headers[key] = value
	return b
}

// Client sets the originating client reference (chainable).
func (b *EnvelopeBuilder) Client(id string) *EnvelopeBuilder {
	return b.Header(core.HeaderClient, id)
}

// Target sets the service and operation headers (chainable).
func (b *EnvelopeBuilder) Target(service, operation string) *EnvelopeBuilder {
	b.headers[core.HeaderService] = service
	b.headers[core.HeaderOperation] = operation
	return b
}

// Sensitivity sets the sensitivity header (chainable).
func (b *EnvelopeBuilder) Sensitivity(s core.Sensitivity) *EnvelopeBuilder {
	return b.Header(core.HeaderSensitivity, s)
}

// URL sets the url header (chainable).
func (b *EnvelopeBuilder) URL(u string) *EnvelopeBuilder { return b.Header(core.HeaderURL, u) }

// Route sets the current route (chainable).
func (b *EnvelopeBuilder) Route(service, operation string) *EnvelopeBuilder {
	b.route = core.NewRoute(service, operation)
	return b
}

// Hops appends one DAG built from "service:OPERATION" pairs (chainable).
func (b *EnvelopeBuilder) Hops(hops ...string) *EnvelopeBuilder {
	b.dags = append(b.dags, DAG(hops...))
	return b
}

// Build assembles the envelope.
func (b *EnvelopeBuilder) Build() *core.Envelope {
	env := core.NewEnvelope(b.payload)
	if b.id != "" {
		env.ID = b.id
	}
	for k, v := range b.headers {
		env.SetHeader(k, v)
	}
	env.Route = b.route
	if len(b.dags) > 0 {
		env.DRG = core.NewDRG(b.dags...)
	}
	return env
}

// DAG builds a DAG from "service:OPERATION" pairs. A pair without a colon
// uses an empty operation.
func DAG(hops ...string) *core.DAG {
	dag := core.NewDAG()
	for _, h := range hops {
		service, operation := h, ""
		for i := 0; i < len(h); i++ {
			if h[i] == ':' {
				service, operation = h[:i], h[i+1:]
				break
			}
		}
		dag.AddRoute(core.NewRoute(service, operation))
	}
	return dag
}
