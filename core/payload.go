package core

// PayloadKind enumerates the closed set of payload variants an Envelope can carry.
type PayloadKind int

const (
	// KindNone marks an envelope without a payload. Such envelopes are invalid.
	KindNone PayloadKind = iota
	// KindDocument marks a Document payload.
	KindDocument
	// KindEvent marks an Event payload.
	KindEvent
	// KindCommand marks a Command payload.
	KindCommand
)

// String returns the string representation of the payload kind.
func (k PayloadKind) String() string {
	switch k {
	case KindDocument:
		return "document"
	case KindEvent:
		return "event"
	case KindCommand:
		return "command"
	default:
		return "none"
	}
}

// Payload is the body of an Envelope. Concrete payload types implement the
// unexported isPayload marker enabling a closed set.
type Payload interface {
	Kind() PayloadKind
	isPayload()
}

// Document carries a business entity plus free-form data.
type Document struct {
	Entity any            `msgpack:"-"` // In-process only; not transmitted by the wire codec
	Data   map[string]any `msgpack:"data,omitempty"`
}

// NewDocument creates an empty document payload.
func NewDocument() *Document { return &Document{Data: map[string]any{}} }

// Kind implements Payload.
func (*Document) Kind() PayloadKind { return KindDocument }

func (*Document) isPayload() {}

// Set stores a data value on the document.
func (d *Document) Set(key string, value any) {
	if d.Data == nil {
		d.Data = map[string]any{}
	}
	d.Data[key] = value
}

// Get returns a data value from the document.
func (d *Document) Get(key string) (any, bool) {
	v, ok := d.Data[key]
	return v, ok
}

// Event notifies services that something happened.
type Event struct {
	Type string         `msgpack:"type"`
	Name string         `msgpack:"name"`
	Data map[string]any `msgpack:"data,omitempty"`
}

// Kind implements Payload.
func (*Event) Kind() PayloadKind { return KindEvent }

func (*Event) isPayload() {}

// CommandType enumerates lifecycle commands that can be sent to a service.
type CommandType int

const (
	// CommandStart starts a service with the command properties.
	CommandStart CommandType = iota + 1
	// CommandPause pauses a service.
	CommandPause
	// CommandUnpause resumes a paused service.
	CommandUnpause
	// CommandRestart restarts a service.
	CommandRestart
	// CommandShutdown stops a service immediately.
	CommandShutdown
	// CommandGracefulShutdown stops a service after in-flight work completes.
	CommandGracefulShutdown
)

// String returns the string representation of the command.
func (c CommandType) String() string {
	switch c {
	case CommandStart:
		return "start"
	case CommandPause:
		return "pause"
	case CommandUnpause:
		return "unpause"
	case CommandRestart:
		return "restart"
	case CommandShutdown:
		return "shutdown"
	case CommandGracefulShutdown:
		return "graceful_shutdown"
	default:
		return "unknown"
	}
}

// Command instructs a service to run a lifecycle operation.
type Command struct {
	Command    CommandType `msgpack:"command"`
	Properties Properties  `msgpack:"properties,omitempty"`
}

// Kind implements Payload.
func (*Command) Kind() PayloadKind { return KindCommand }

func (*Command) isPayload() {}
