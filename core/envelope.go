package core

import (
	"fmt"

	"github.com/google/uuid"
)

// Well-known header keys. Headers may carry additional application keys.
const (
	HeaderOperation   = "operation"
	HeaderService     = "service"
	HeaderSensitivity = "sensitivity"
	HeaderReply       = "reply"
	HeaderClient      = "client"
	HeaderErrors      = "errors"
	HeaderURL         = "url"
)

// Headers maps header keys to typed values. Keys are unique by construction.
type Headers map[string]any

// Clone returns a shallow copy of the headers. The error list is copied so the
// clone can be appended to independently.
func (h Headers) Clone() Headers {
	out := make(Headers, len(h))
	for k, v := range h {
		out[k] = v
	}
	if errs, ok := h[HeaderErrors].([]EnvelopeError); ok {
		out[HeaderErrors] = append([]EnvelopeError(nil), errs...)
	}
	return out
}

// EnvelopeError is an error entry attached to an envelope so that a
// reply-capable flow can report partial failure to the original caller.
type EnvelopeError struct {
	Code    string `msgpack:"code"`
	Message string `msgpack:"message"`
}

// Error implements the error interface.
func (e EnvelopeError) Error() string {
	if e.Code == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Envelope is the routed unit of work flowing through the bus.
//
// An envelope is mutated in place while it transits workers and services
// (route advanced, errors appended). A channel handoff is a full ownership
// transfer, so two components never mutate the same envelope concurrently.
type Envelope struct {
	ID      string
	Headers Headers
	Payload Payload
	Route   *Route // Current hop; nil until the orchestrator assigns one
	DRG     *DRG   // Optional routing graph; nil for single-hop messages
}

// NewEnvelope creates an envelope with a fresh identifier and the given payload.
func NewEnvelope(payload Payload) *Envelope {
	return &Envelope{
		ID:      uuid.NewString(),
		Headers: Headers{},
		Payload: payload,
	}
}

// NewDocumentEnvelope creates an envelope carrying a document.
func NewDocumentEnvelope(doc *Document) *Envelope {
	if doc == nil {
		doc = NewDocument()
	}
	return NewEnvelope(doc)
}

// NewEventEnvelope creates an envelope carrying an event.
func NewEventEnvelope(eventType, name string) *Envelope {
	return NewEnvelope(&Event{Type: eventType, Name: name, Data: map[string]any{}})
}

// NewCommandEnvelope creates an envelope carrying a lifecycle command.
func NewCommandEnvelope(cmd CommandType, props Properties) *Envelope {
	return NewEnvelope(&Command{Command: cmd, Properties: props})
}

// Kind returns the payload kind or KindNone when no payload is set.
func (e *Envelope) Kind() PayloadKind {
	if e.Payload == nil {
		return KindNone
	}
	return e.Payload.Kind()
}

// Document returns the document payload if the envelope carries one.
func (e *Envelope) Document() (*Document, bool) {
	d, ok := e.Payload.(*Document)
	return d, ok && d != nil
}

// Event returns the event payload if the envelope carries one.
func (e *Envelope) Event() (*Event, bool) {
	ev, ok := e.Payload.(*Event)
	return ev, ok && ev != nil
}

// Command returns the command payload if the envelope carries one.
func (e *Envelope) Command() (*Command, bool) {
	c, ok := e.Payload.(*Command)
	return c, ok && c != nil
}

// SetHeader stores a header value.
func (e *Envelope) SetHeader(key string, value any) {
	if e.Headers == nil {
		e.Headers = Headers{}
	}
	e.Headers[key] = value
}

// Header returns a header value.
func (e *Envelope) Header(key string) (any, bool) {
	v, ok := e.Headers[key]
	return v, ok
}

func (e *Envelope) stringHeader(key string) string {
	s, _ := e.Headers[key].(string)
	return s
}

// Operation returns the operation header.
func (e *Envelope) Operation() string { return e.stringHeader(HeaderOperation) }

// SetOperation sets the operation header.
func (e *Envelope) SetOperation(op string) { e.SetHeader(HeaderOperation, op) }

// Service returns the target service header.
func (e *Envelope) Service() string { return e.stringHeader(HeaderService) }

// SetService sets the target service header.
func (e *Envelope) SetService(id string) { e.SetHeader(HeaderService, id) }

// URL returns the url header used by transport selection.
func (e *Envelope) URL() string { return e.stringHeader(HeaderURL) }

// SetURL sets the url header.
func (e *Envelope) SetURL(u string) { e.SetHeader(HeaderURL, u) }

// Client returns the originating client reference, if any.
func (e *Envelope) Client() string { return e.stringHeader(HeaderClient) }

// SetClient sets the originating client reference.
func (e *Envelope) SetClient(id string) { e.SetHeader(HeaderClient, id) }

// Sensitivity returns the sensitivity header and whether it was set.
func (e *Envelope) Sensitivity() (Sensitivity, bool) {
	s, ok := e.Headers[HeaderSensitivity].(Sensitivity)
	return s, ok
}

// SetSensitivity sets the sensitivity header.
func (e *Envelope) SetSensitivity(s Sensitivity) { e.SetHeader(HeaderSensitivity, s) }

// IsReply reports whether the envelope is marked for client delivery.
func (e *Envelope) IsReply() bool {
	r, _ := e.Headers[HeaderReply].(bool)
	return r
}

// SetReply marks or unmarks the envelope for client delivery.
func (e *Envelope) SetReply(reply bool) {
	if !reply {
		delete(e.Headers, HeaderReply)
		return
	}
	e.SetHeader(HeaderReply, true)
}

// Errors returns the error entries attached to the envelope.
func (e *Envelope) Errors() []EnvelopeError {
	errs, _ := e.Headers[HeaderErrors].([]EnvelopeError)
	return errs
}

// HasErrors reports whether any error entries are attached.
func (e *Envelope) HasErrors() bool { return len(e.Errors()) > 0 }

// AddError appends an error entry with the given code.
func (e *Envelope) AddError(code string, err error) {
	if err == nil {
		return
	}
	e.SetHeader(HeaderErrors, append(e.Errors(), EnvelopeError{Code: code, Message: err.Error()}))
}

// Validate checks the envelope invariants: exactly one payload variant is set
// and a reply-marked envelope identifies its original requester.
func (e *Envelope) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidEnvelope)
	}
	if e.Kind() == KindNone {
		return fmt.Errorf("%w: missing payload", ErrInvalidEnvelope)
	}
	if e.IsReply() && e.Client() == "" {
		return fmt.Errorf("%w: reply without client reference", ErrInvalidEnvelope)
	}
	return nil
}

// String implements fmt.Stringer for log output.
func (e *Envelope) String() string {
	route := "<none>"
	if e.Route != nil {
		route = e.Route.String()
	}
	return fmt.Sprintf("envelope(id=%s kind=%s route=%s)", e.ID, e.Kind(), route)
}
