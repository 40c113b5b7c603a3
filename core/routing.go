package core

// RoutingSlip is an ordered, incrementally built, single-consume sequence of
// routes. It is not safe for concurrent use; it travels inside an envelope
// and is only touched by the envelope's current owner.
type RoutingSlip struct {
	routes  []*Route
	cursor  int
	started bool
}

// NewRoutingSlip creates a slip from the given routes.
func NewRoutingSlip(routes ...*Route) *RoutingSlip {
	s := &RoutingSlip{}
	for _, r := range routes {
		s.AddRoute(r)
	}
	return s
}

// AddRoute appends a route. It returns false for a nil route or once the slip
// has been started and exhausted, which keeps NextRoute monotonic.
func (s *RoutingSlip) AddRoute(r *Route) bool {
	if r == nil || s.Exhausted() {
		return false
	}
	s.routes = append(s.routes, r)
	return true
}

// Start marks the traversal as started.
func (s *RoutingSlip) Start() { s.started = true }

// InProgress reports whether traversal has started.
func (s *RoutingSlip) InProgress() bool { return s.started }

// Exhausted reports whether traversal started and every route was consumed.
func (s *RoutingSlip) Exhausted() bool { return s.started && s.cursor >= len(s.routes) }

// PeekAtNextRoute returns the next route without consuming it, or nil.
func (s *RoutingSlip) PeekAtNextRoute() *Route {
	if s.cursor >= len(s.routes) {
		return nil
	}
	return s.routes[s.cursor]
}

// NextRoute consumes and returns the next route, or nil when none remain.
// Consuming implicitly starts the traversal.
func (s *RoutingSlip) NextRoute() *Route {
	r := s.PeekAtNextRoute()
	if r == nil {
		return nil
	}
	s.started = true
	s.cursor++
	return r
}

// NumberRemainingRoutes returns the number of routes not yet consumed.
func (s *RoutingSlip) NumberRemainingRoutes() int { return len(s.routes) - s.cursor }

// Len returns the total number of routes on the slip.
func (s *RoutingSlip) Len() int { return len(s.routes) }

// Routes returns a copy of all routes in order.
func (s *RoutingSlip) Routes() []*Route {
	out := make([]*Route, len(s.routes))
	copy(out, s.routes)
	return out
}

// Contains reports whether any route targets the given service.
func (s *RoutingSlip) Contains(service string) bool {
	for _, r := range s.routes {
		if r.Service == service {
			return true
		}
	}
	return false
}

// DAG is an acyclic routing slip: no service may be visited twice within one
// traversal.
type DAG struct {
	RoutingSlip
}

// NewDAG creates a DAG from the given routes, silently skipping repeats.
func NewDAG(routes ...*Route) *DAG {
	d := &DAG{}
	for _, r := range routes {
		d.AddRoute(r)
	}
	return d
}

// AddRoute appends a route unless its service already appears on the DAG, in
// which case it is a no-op returning false.
func (d *DAG) AddRoute(r *Route) bool {
	if r == nil || d.Contains(r.Service) {
		return false
	}
	return d.RoutingSlip.AddRoute(r)
}

// DRG is the dynamic routing graph an envelope carries. It aggregates one or
// more DAGs which are traversed in order; branching is expressed as
// additional slips rather than edges.
type DRG struct {
	slips   []*DAG
	current int
	started bool
}

// NewDRG creates a graph from the given slips.
func NewDRG(slips ...*DAG) *DRG {
	g := &DRG{}
	for _, s := range slips {
		g.AddSlip(s)
	}
	return g
}

// AddSlip appends a slip. Nil slips and slips added after exhaustion are ignored.
func (g *DRG) AddSlip(s *DAG) bool {
	if s == nil || g.Exhausted() {
		return false
	}
	g.slips = append(g.slips, s)
	return true
}

// Slips returns the aggregated slips.
func (g *DRG) Slips() []*DAG {
	out := make([]*DAG, len(g.slips))
	copy(out, g.slips)
	return out
}

// Start marks the traversal as started.
func (g *DRG) Start() { g.started = true }

// InProgress reports whether traversal has started.
func (g *DRG) InProgress() bool { return g.started }

// Exhausted reports whether traversal started and no routes remain.
func (g *DRG) Exhausted() bool { return g.started && g.PeekAtNextRoute() == nil }

// PeekAtNextRoute returns the next pending route across all slips, or nil.
func (g *DRG) PeekAtNextRoute() *Route {
	for i := g.current; i < len(g.slips); i++ {
		if r := g.slips[i].PeekAtNextRoute(); r != nil {
			return r
		}
	}
	return nil
}

// NextRoute consumes the next pending route across all slips, or returns nil.
func (g *DRG) NextRoute() *Route {
	for g.current < len(g.slips) {
		if r := g.slips[g.current].NextRoute(); r != nil {
			g.started = true
			return r
		}
		g.slips[g.current].Start()
		g.current++
	}
	return nil
}

// NumberRemainingRoutes sums the unconsumed routes of every slip.
func (g *DRG) NumberRemainingRoutes() int {
	n := 0
	for i := g.current; i < len(g.slips); i++ {
		n += g.slips[i].NumberRemainingRoutes()
	}
	return n
}
