package orchestration

import "sync"

// routeCounters tracks routes owed by started graphs and hops in flight.
//
// remaining counts routes accumulated from started graphs plus pass-through
// hops, minus completed ones. active counts issued hops that have not come
// back. Each issued hop is remembered by envelope ID so it completes once.
type routeCounters struct {
	mu        sync.Mutex
	active    int
	remaining int
	hops      map[string]struct{}
}

func newRouteCounters() *routeCounters {
	return &routeCounters{hops: map[string]struct{}{}}
}

// begin accounts for the routes of a newly started graph.
func (c *routeCounters) begin(routes int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.remaining += routes
}

// issue records a hop leaving the engine. Pass-through hops were never part
// of a graph and add to remaining as well.
func (c *routeCounters) issue(envelopeID string, passThrough bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, dup := c.hops[envelopeID]; dup {
		c.settle()
	}
	c.hops[envelopeID] = struct{}{}
	c.active++
	if passThrough {
		c.remaining++
	}
}

// complete settles the envelope's outstanding hop, if any.
func (c *routeCounters) complete(envelopeID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.hops[envelopeID]; !ok {
		return false
	}
	delete(c.hops, envelopeID)
	c.settle()
	return true
}

// abandon settles the envelope's hop and drops routes that will never be issued.
func (c *routeCounters) abandon(envelopeID string, unissued int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.hops[envelopeID]; ok {
		delete(c.hops, envelopeID)
		c.settle()
	}
	c.remaining -= unissued
	if c.remaining < 0 {
		c.remaining = 0
	}
}

func (c *routeCounters) settle() {
	if c.active > 0 {
		c.active--
	}
	if c.remaining > 0 {
		c.remaining--
	}
}

func (c *routeCounters) snapshot() (active, remaining, inFlight int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active, c.remaining, len(c.hops)
}
