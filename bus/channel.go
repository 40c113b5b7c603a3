package bus

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/hupe1980/servicebus/core"
)

// Channel is a bounded, multi-producer multi-consumer queue of envelopes.
//
// Send never blocks: it reports false when the channel is full or closed and
// leaves retrying to the caller. Receive blocks until an envelope is
// available. Ack is bookkeeping only; acknowledged envelopes are never
// redelivered and unacknowledged ones are not either.
type Channel struct {
	queue    chan *core.Envelope
	mu       sync.RWMutex // Guards closed against concurrent Send/Close
	closed   bool
	inFlight atomic.Int64
	acked    atomic.Uint64
	rejected atomic.Uint64
}

// NewChannel creates a channel with the given capacity (minimum 1).
func NewChannel(capacity int) *Channel {
	if capacity < 1 {
		capacity = 1
	}
	return &Channel{queue: make(chan *core.Envelope, capacity)}
}

// Send enqueues the envelope without blocking.
func (c *Channel) Send(e *core.Envelope) bool {
	if e == nil {
		return false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		c.rejected.Add(1)
		return false
	}
	select {
	case c.queue <- e:
		return true
	default:
		c.rejected.Add(1)
		return false
	}
}

// Receive blocks until an envelope is available. It returns false once the
// channel is closed and drained, or when ctx is done.
func (c *Channel) Receive(ctx context.Context) (*core.Envelope, bool) {
	select {
	case <-ctx.Done():
		return nil, false
	case e, ok := <-c.queue:
		if !ok {
			return nil, false
		}
		c.inFlight.Add(1)
		return e, true
	}
}

// Ack marks a received envelope as handled.
func (c *Channel) Ack(_ *core.Envelope) {
	c.acked.Add(1)
	c.release()
}

// release drops the in-flight gauge for an envelope that will never be acked.
func (c *Channel) release() {
	if c.inFlight.Add(-1) < 0 {
		c.inFlight.Store(0)
	}
}

// Close stops accepting envelopes. Already queued envelopes can still be
// received. Close is idempotent.
func (c *Channel) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.queue)
}

// Closed reports whether Close was called.
func (c *Channel) Closed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

// Len returns the number of queued envelopes.
func (c *Channel) Len() int { return len(c.queue) }

// Cap returns the channel capacity.
func (c *Channel) Cap() int { return cap(c.queue) }

// InFlight returns the number of received but not yet settled envelopes.
func (c *Channel) InFlight() int64 { return c.inFlight.Load() }

// Acked returns the total number of acknowledged envelopes.
func (c *Channel) Acked() uint64 { return c.acked.Load() }

// Rejected returns the total number of refused sends.
func (c *Channel) Rejected() uint64 { return c.rejected.Load() }
