package bus

import (
	"time"

	"github.com/hupe1980/servicebus/core"
)

// Observer is notified of bus activity. Implementations must be safe for
// concurrent use and must not block.
type Observer interface {
	// Enqueued reports the outcome of a Send.
	Enqueued(accepted bool)
	// Dispatched reports one envelope handed to a service.
	Dispatched(service string, attempts int, d time.Duration, accepted bool)
	// DeadLettered reports a dead letter.
	DeadLettered(e *core.Envelope, reason error)
}

type nopObserver struct{}

func (nopObserver) Enqueued(bool)                               {}
func (nopObserver) Dispatched(string, int, time.Duration, bool) {}
func (nopObserver) DeadLettered(*core.Envelope, error)          {}
