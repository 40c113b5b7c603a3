package bus

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/hupe1980/servicebus/core"
)

// Entry is a registered service together with its declared properties.
type Entry struct {
	ID         string
	Service    core.Service
	Properties core.Properties
}

// Registry maps service identifiers to live service instances.
//
// All mutation goes through Register under a single mutex. Lookups read an
// immutable snapshot published atomically, so the dispatch hot path never
// takes a lock.
type Registry struct {
	mu       sync.Mutex
	snapshot atomic.Pointer[map[string]Entry]
}

// NewRegistry initializes an empty registry.
func NewRegistry() *Registry {
	r := &Registry{}
	empty := map[string]Entry{}
	r.snapshot.Store(&empty)
	return r
}

// Register instantiates the service type and stores it under its identifier.
//
// Failures are returned as *core.RegistrationError wrapping
// core.ErrServiceNotAccessible (no constructor, constructor error or panic),
// core.ErrServiceNotSupported (value is not a core.Service) or
// core.ErrServiceRegistered (identifier taken; the first entry is kept).
func (r *Registry) Register(st core.ServiceType, props core.Properties, producer core.Producer) (Entry, error) {
	id := strings.TrimSpace(st.ID)
	if id == "" || st.New == nil {
		return Entry{}, &core.RegistrationError{ServiceID: id, Err: core.ErrServiceNotAccessible}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	current := *r.snapshot.Load()
	if _, exists := current[id]; exists {
		return Entry{}, &core.RegistrationError{ServiceID: id, Err: core.ErrServiceRegistered}
	}

	value, err := construct(st, producer)
	if err != nil {
		return Entry{}, &core.RegistrationError{ServiceID: id, Err: fmt.Errorf("%w: %v", core.ErrServiceNotAccessible, err)}
	}
	svc, ok := value.(core.Service)
	if !ok || svc == nil {
		return Entry{}, &core.RegistrationError{ServiceID: id, Err: fmt.Errorf("%w: %T", core.ErrServiceNotSupported, value)}
	}

	entry := Entry{ID: id, Service: svc, Properties: props}
	next := make(map[string]Entry, len(current)+1)
	for k, v := range current {
		next[k] = v
	}
	next[id] = entry
	r.snapshot.Store(&next)
	return entry, nil
}

func construct(st core.ServiceType, producer core.Producer) (value any, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("constructor panic: %v", p)
		}
	}()
	value, err = st.New(producer)
	if err == nil && value == nil {
		err = fmt.Errorf("constructor returned nil")
	}
	return value, err
}

// Lookup returns the service registered under id.
func (r *Registry) Lookup(id string) (core.Service, bool) {
	e, ok := (*r.snapshot.Load())[id]
	return e.Service, ok
}

// Contains reports whether id is registered.
func (r *Registry) Contains(id string) bool {
	_, ok := (*r.snapshot.Load())[id]
	return ok
}

// All returns the current snapshot of entries sorted by identifier.
func (r *Registry) All() []Entry {
	snap := *r.snapshot.Load()
	out := make([]Entry, 0, len(snap))
	for _, e := range snap {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// IDs returns the registered identifiers in sorted order.
func (r *Registry) IDs() []string {
	entries := r.All()
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.ID
	}
	return out
}

// Len returns the number of registered services.
func (r *Registry) Len() int { return len(*r.snapshot.Load()) }
