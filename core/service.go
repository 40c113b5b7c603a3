package core

// Well-known service identifiers.
const (
	// OrchestratorID identifies the orchestration engine, the fallback
	// resolver for envelopes without a live route.
	OrchestratorID = "orchestration"
	// AdminID identifies the administrative registration service.
	AdminID = "admin"
	// SensorsID identifies the transport sensors service.
	SensorsID = "sensors"
)

// LifeCycle is the lifecycle contract every service and sensor implements.
// Each operation reports whether it succeeded.
type LifeCycle interface {
	Start(props Properties) bool
	Pause() bool
	Unpause() bool
	Restart() bool
	Shutdown() bool
	GracefulShutdown() bool
}

// Service is the message handling contract implemented by every component
// registered on the bus. Receive returns true if the envelope was accepted;
// false asks the worker to retry after a back-off.
type Service interface {
	LifeCycle
	Receive(envelope *Envelope) bool
}

// Producer is the producer-facing side of the bus handed to services.
type Producer interface {
	// Send enqueues the envelope without blocking. False means the channel
	// rejected it (full or closed); retrying is the caller's responsibility.
	Send(envelope *Envelope) bool
	// DeadLetter terminally discards an envelope, recording the reason.
	DeadLetter(envelope *Envelope, reason error)
}

// Router is a Producer that can also tell whether a service is registered.
type Router interface {
	Producer
	IsRegistered(serviceID string) bool
}

// Notifier delivers reply-marked envelopes to the originating client.
type Notifier interface {
	Notify(envelope *Envelope)
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(envelope *Envelope)

// Notify implements Notifier.
func (f NotifierFunc) Notify(envelope *Envelope) { f(envelope) }

// ServiceType describes a registrable service: a stable identifier plus a
// constructor. It plays the role of a service class in registration requests.
type ServiceType struct {
	ID  string
	New func(producer Producer) (any, error)
}
