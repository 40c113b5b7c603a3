// Package client implements the reply side of the bus.
//
// A Manager is installed as the bus notifier. Clients created from it submit
// envelopes with their id in the client header and receive the reply either
// through a per-request callback or through their subscribers.
package client

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/hupe1980/servicebus/core"
	"github.com/hupe1980/servicebus/internal/retry"
	"github.com/hupe1980/servicebus/logging"
	"github.com/hupe1980/servicebus/service"
)

var (
	// ErrClosed is returned by requests on a closed client.
	ErrClosed = errors.New("client closed")
	// ErrPending is returned when an envelope id already awaits a reply.
	ErrPending = errors.New("envelope already awaiting reply")
)

// Callback receives the reply to one request.
type Callback func(reply *core.Envelope)

// Options configures a Manager.
type Options struct {
	// SendPolicy bounds request delivery. Defaults to service.DefaultSendPolicy().
	SendPolicy retry.Policy
	// Logger defaults to a NoOp logger.
	Logger logging.Logger
}

// Manager routes replies to the clients that asked for them. It is safe for
// concurrent use.
type Manager struct {
	producer core.Producer
	policy   retry.Policy
	logger   logging.Logger

	mu          sync.RWMutex
	callbacks   map[string]Callback
	subscribers map[string]map[uint64]Callback
	nextSub     uint64

	delivered atomic.Uint64
	unclaimed atomic.Uint64
}

var _ core.Notifier = (*Manager)(nil)

// NewManager creates a manager submitting requests through producer.
func NewManager(producer core.Producer, optFns ...func(o *Options)) *Manager {
	opts := Options{
		SendPolicy: service.DefaultSendPolicy(),
		Logger:     logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Manager{
		producer:    producer,
		policy:      opts.SendPolicy,
		logger:      logging.OrNoOp(opts.Logger),
		callbacks:   map[string]Callback{},
		subscribers: map[string]map[uint64]Callback{},
	}
}

// Notify hands a reply to the callback registered for its envelope id, or to
// the subscribers of its client. Replies nobody waits for are counted and
// logged.
func (m *Manager) Notify(env *core.Envelope) {
	m.mu.Lock()
	cb, ok := m.callbacks[env.ID]
	if ok {
		delete(m.callbacks, env.ID)
	}
	var subs []Callback
	if !ok {
		for _, s := range m.subscribers[env.Client()] {
			subs = append(subs, s)
		}
	}
	m.mu.Unlock()

	switch {
	case ok:
		cb(env)
	case len(subs) > 0:
		for _, s := range subs {
			s(env)
		}
	default:
		m.unclaimed.Add(1)
		m.logger.Warn("reply unclaimed", "envelope", env.ID, "client", env.Client())
		return
	}
	m.delivered.Add(1)
}

// Delivered returns the number of replies handed to a callback or subscriber.
func (m *Manager) Delivered() uint64 { return m.delivered.Load() }

// Unclaimed returns the number of replies nobody was waiting for.
func (m *Manager) Unclaimed() uint64 { return m.unclaimed.Load() }

// Pending returns the number of requests awaiting a reply.
func (m *Manager) Pending() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.callbacks)
}

// NewClient creates a client with a random id.
func (m *Manager) NewClient() *Client {
	return m.Client(uuid.NewString())
}

// Client returns a handle for the client id.
func (m *Manager) Client(id string) *Client {
	return &Client{id: id, manager: m}
}

func (m *Manager) register(id string, cb Callback) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.callbacks[id]; exists {
		return ErrPending
	}
	m.callbacks[id] = cb
	return nil
}

func (m *Manager) forget(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.callbacks, id)
}

func (m *Manager) subscribe(client string, cb Callback) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextSub++
	key := m.nextSub
	if m.subscribers[client] == nil {
		m.subscribers[client] = map[uint64]Callback{}
	}
	m.subscribers[client][key] = cb
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.subscribers[client], key)
		if len(m.subscribers[client]) == 0 {
			delete(m.subscribers, client)
		}
	}
}

// Client submits envelopes on behalf of one client id.
type Client struct {
	id      string
	manager *Manager

	mu      sync.Mutex
	closed  bool
	pending map[string]struct{}
	unsubs  []func()
}

// ID returns the client id written to the client header.
func (c *Client) ID() string { return c.id }

// Request stamps env with the client id, registers cb for its reply and
// delivers it to the bus with the manager's send policy. When delivery fails
// the callback is dropped and core.ErrDeliveryFailed is returned.
func (c *Client) Request(ctx context.Context, env *core.Envelope, cb Callback) error {
	if err := env.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.pending == nil {
		c.pending = map[string]struct{}{}
	}
	c.pending[env.ID] = struct{}{}
	c.mu.Unlock()

	env.SetClient(c.id)
	if err := c.manager.register(env.ID, func(reply *core.Envelope) {
		c.done(reply.ID)
		cb(reply)
	}); err != nil {
		c.done(env.ID)
		return err
	}

	if !service.Deliver(ctx, c.manager.producer, env, c.manager.policy) {
		c.manager.forget(env.ID)
		c.done(env.ID)
		return core.ErrDeliveryFailed
	}
	return nil
}

// Await submits env and blocks until its reply arrives or ctx is done.
func (c *Client) Await(ctx context.Context, env *core.Envelope) (*core.Envelope, error) {
	replies := make(chan *core.Envelope, 1)
	if err := c.Request(ctx, env, func(reply *core.Envelope) { replies <- reply }); err != nil {
		return nil, err
	}
	select {
	case reply := <-replies:
		return reply, nil
	case <-ctx.Done():
		c.manager.forget(env.ID)
		c.done(env.ID)
		return nil, ctx.Err()
	}
}

// Subscribe receives every reply addressed to this client that has no
// per-request callback. The returned function cancels the subscription.
func (c *Client) Subscribe(cb Callback) func() {
	unsub := c.manager.subscribe(c.id, cb)
	c.mu.Lock()
	c.unsubs = append(c.unsubs, unsub)
	c.mu.Unlock()
	return unsub
}

// Close drops the client's subscriptions and outstanding callbacks.
func (c *Client) Close() {
	c.mu.Lock()
	c.closed = true
	pending := c.pending
	c.pending = nil
	unsubs := c.unsubs
	c.unsubs = nil
	c.mu.Unlock()

	for id := range pending {
		c.manager.forget(id)
	}
	for _, unsub := range unsubs {
		unsub()
	}
}

func (c *Client) done(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, id)
}
