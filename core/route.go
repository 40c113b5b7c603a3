package core

import "fmt"

// Route identifies one hop: a target service, the operation to run there and
// whether the hop has already been selected for dispatch.
type Route struct {
	Service   string `msgpack:"service"`
	Operation string `msgpack:"operation"`
	routed    bool
}

// NewRoute creates an unrouted hop.
func NewRoute(service, operation string) *Route {
	return &Route{Service: service, Operation: operation}
}

// Routed reports whether the hop has been executed. A routed hop is never
// selected for dispatch again.
func (r *Route) Routed() bool { return r != nil && r.routed }

// MarkRouted flags the hop as executed. Marking is one-way.
func (r *Route) MarkRouted() { r.routed = true }

// String returns "service/operation".
func (r *Route) String() string {
	if r.routed {
		return fmt.Sprintf("%s/%s(routed)", r.Service, r.Operation)
	}
	return fmt.Sprintf("%s/%s", r.Service, r.Operation)
}
