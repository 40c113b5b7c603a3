package sensors

import (
	"fmt"
	"time"

	"github.com/hupe1980/servicebus/core"
	"github.com/hupe1980/servicebus/logging"
)

// Well-known sensor identifiers.
const (
	Clearnet = "clearnet"
	Tor      = "tor"
	I2P      = "i2p"
	Bote     = "bote"
	Mesh     = "mesh"
)

// Status is the network status reported by a sensor.
type Status int

const (
	StatusInitializing Status = iota
	StatusConnecting
	StatusConnected
	StatusStopping
	StatusStopped
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusInitializing:
		return "initializing"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusStopping:
		return "stopping"
	case StatusStopped:
		return "stopped"
	case StatusError:
		return "error"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Peer is a remote endpoint a sensor has exchanged envelopes with.
type Peer struct {
	ID       string
	Address  string
	LastSeen time.Time
}

// Sensor is a transport adapter for one network overlay.
type Sensor interface {
	core.LifeCycle

	// ID returns the sensor identifier, e.g. Clearnet.
	ID() string
	// Send transmits the envelope to the remote peer named by it. On
	// success the envelope carries the peer's response.
	Send(env *core.Envelope) bool
	// Reply answers a request that reached this node through the sensor. It
	// must not retain env after returning.
	Reply(env *core.Envelope) bool
	Status() Status
	Peers() map[string]Peer
	RestartAttempts() int

	// Sensitivity is the tier the sensor serves.
	Sensitivity() core.Sensitivity
	// OperationEndsWith lists route operation suffixes the sensor handles.
	OperationEndsWith() []string
	// URLBeginsWith lists URL prefixes the sensor handles.
	URLBeginsWith() []string
	// URLEndsWith lists URL host suffixes the sensor handles.
	URLEndsWith() []string
	// Priority orders sensors with equal sensitivity; lower runs first.
	Priority() int
}

// Host is the side of the sensors service a sensor talks back to.
type Host interface {
	// Deliver hands an inbound envelope to the bus.
	Deliver(env *core.Envelope) bool
	Logger() logging.Logger
}

// Factory creates a sensor bound to host.
type Factory func(host Host) (Sensor, error)
