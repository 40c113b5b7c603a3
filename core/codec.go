package core

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// ContentTypeMsgpack is the media type of an encoded envelope.
const ContentTypeMsgpack = "application/msgpack"

type wireRoute struct {
	Service   string `msgpack:"service"`
	Operation string `msgpack:"operation"`
	Routed    bool   `msgpack:"routed,omitempty"`
}

type wireEnvelope struct {
	ID          string          `msgpack:"id"`
	Operation   string          `msgpack:"operation,omitempty"`
	Service     string          `msgpack:"service,omitempty"`
	Client      string          `msgpack:"client,omitempty"`
	URL         string          `msgpack:"url,omitempty"`
	Sensitivity *int            `msgpack:"sensitivity,omitempty"`
	Reply       bool            `msgpack:"reply,omitempty"`
	Errors      []EnvelopeError `msgpack:"errors,omitempty"`
	Extra       map[string]any  `msgpack:"extra,omitempty"`
	Kind        PayloadKind     `msgpack:"kind"`
	Document    *Document       `msgpack:"document,omitempty"`
	Event       *Event          `msgpack:"event,omitempty"`
	Command     *Command        `msgpack:"command,omitempty"`
	Route       *wireRoute      `msgpack:"route,omitempty"`
	Slips       [][]wireRoute   `msgpack:"slips,omitempty"`
	DRGStarted  bool            `msgpack:"drg_started,omitempty"`
}

var wellKnownHeaders = map[string]struct{}{
	HeaderOperation: {}, HeaderService: {}, HeaderClient: {}, HeaderURL: {},
	HeaderSensitivity: {}, HeaderReply: {}, HeaderErrors: {},
}

// MarshalEnvelope encodes an envelope with msgpack. Only the unconsumed part
// of the routing graph is transmitted; in-process document entities are not.
func MarshalEnvelope(e *Envelope) ([]byte, error) {
	w := wireEnvelope{
		ID:        e.ID,
		Operation: e.Operation(),
		Service:   e.Service(),
		Client:    e.Client(),
		URL:       e.URL(),
		Reply:     e.IsReply(),
		Errors:    e.Errors(),
		Kind:      e.Kind(),
	}
	if s, ok := e.Sensitivity(); ok {
		v := int(s)
		w.Sensitivity = &v
	}
	for k, v := range e.Headers {
		if _, known := wellKnownHeaders[k]; known {
			continue
		}
		if w.Extra == nil {
			w.Extra = map[string]any{}
		}
		w.Extra[k] = v
	}
	switch p := e.Payload.(type) {
	case *Document:
		w.Document = p
	case *Event:
		w.Event = p
	case *Command:
		w.Command = p
	}
	if e.Route != nil {
		w.Route = &wireRoute{Service: e.Route.Service, Operation: e.Route.Operation, Routed: e.Route.Routed()}
	}
	if e.DRG != nil {
		w.DRGStarted = e.DRG.InProgress()
		for _, slip := range e.DRG.slips {
			var routes []wireRoute
			for _, r := range slip.routes[slip.cursor:] {
				routes = append(routes, wireRoute{Service: r.Service, Operation: r.Operation})
			}
			if len(routes) > 0 {
				w.Slips = append(w.Slips, routes)
			}
		}
	}
	b, err := msgpack.Marshal(&w)
	if err != nil {
		return nil, fmt.Errorf("encode envelope %s: %w", e.ID, err)
	}
	return b, nil
}

// UnmarshalEnvelope decodes an envelope produced by MarshalEnvelope.
func UnmarshalEnvelope(data []byte) (*Envelope, error) {
	var w wireEnvelope
	if err := msgpack.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	e := &Envelope{ID: w.ID, Headers: Headers{}}
	for k, v := range w.Extra {
		e.Headers[k] = v
	}
	if w.Operation != "" {
		e.SetOperation(w.Operation)
	}
	if w.Service != "" {
		e.SetService(w.Service)
	}
	if w.Client != "" {
		e.SetClient(w.Client)
	}
	if w.URL != "" {
		e.SetURL(w.URL)
	}
	if w.Sensitivity != nil {
		e.SetSensitivity(Sensitivity(*w.Sensitivity))
	}
	e.SetReply(w.Reply)
	if len(w.Errors) > 0 {
		e.SetHeader(HeaderErrors, w.Errors)
	}
	switch w.Kind {
	case KindDocument:
		if w.Document == nil {
			w.Document = NewDocument()
		}
		e.Payload = w.Document
	case KindEvent:
		if w.Event == nil {
			w.Event = &Event{}
		}
		e.Payload = w.Event
	case KindCommand:
		if w.Command == nil {
			w.Command = &Command{}
		}
		e.Payload = w.Command
	}
	if w.Route != nil {
		e.Route = NewRoute(w.Route.Service, w.Route.Operation)
		if w.Route.Routed {
			e.Route.MarkRouted()
		}
	}
	if len(w.Slips) > 0 || w.DRGStarted {
		e.DRG = NewDRG()
		for _, routes := range w.Slips {
			dag := NewDAG()
			for _, r := range routes {
				dag.AddRoute(NewRoute(r.Service, r.Operation))
			}
			e.DRG.AddSlip(dag)
		}
		if w.DRGStarted {
			e.DRG.Start()
		}
	}
	return e, nil
}
