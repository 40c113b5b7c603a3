package testutil

import (
	"sync"
	"time"

	"github.com/hupe1980/servicebus/core"
)

// RecordingService is a core.Service that records what it receives.
//
// Receive results are taken from Results in order; once exhausted Receive
// returns true. OnReceive, when set, runs after recording and before the
// result is returned.
type RecordingService struct {
	mu        sync.Mutex
	received  []*core.Envelope
	lifecycle []string
	Results   []bool
	OnReceive func(env *core.Envelope)
	// OnLifecycle is called after each lifecycle operation is recorded.
	OnLifecycle func(op string)
	StartOK     bool
	started     chan struct{}
	once        sync.Once
}

// NewRecordingService creates a service whose Start succeeds.
func NewRecordingService(results ...bool) *RecordingService {
	return &RecordingService{Results: results, StartOK: true, started: make(chan struct{})}
}

// Type wraps the service in a core.ServiceType with the given id.
func (s *RecordingService) Type(id string) core.ServiceType {
	return core.ServiceType{ID: id, New: func(core.Producer) (any, error) { return s, nil }}
}

func (s *RecordingService) Receive(env *core.Envelope) bool {
	s.mu.Lock()
	s.received = append(s.received, env)
	ok := true
	if len(s.Results) > 0 {
		ok = s.Results[0]
		s.Results = s.Results[1:]
	}
	hook := s.OnReceive
	s.mu.Unlock()
	if hook != nil {
		hook(env)
	}
	return ok
}

// Received returns a copy of every envelope passed to Receive, including refused ones.
func (s *RecordingService) Received() []*core.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*core.Envelope(nil), s.received...)
}

// Calls returns the number of Receive calls.
func (s *RecordingService) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.received)
}

// Lifecycle returns the lifecycle operations invoked, in order.
func (s *RecordingService) Lifecycle() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.lifecycle...)
}

func (s *RecordingService) record(op string) {
	s.mu.Lock()
	s.lifecycle = append(s.lifecycle, op)
	hook := s.OnLifecycle
	s.mu.Unlock()
	if hook != nil {
		hook(op)
	}
}

// Started is closed after the first Start call.
func (s *RecordingService) Started() <-chan struct{} { return s.started }

func (s *RecordingService) Start(core.Properties) bool {
	s.record("start")
	s.once.Do(func() { close(s.started) })
	return s.StartOK
}

func (s *RecordingService) Pause() bool            { s.record("pause"); return true }
func (s *RecordingService) Unpause() bool          { s.record("unpause"); return true }
func (s *RecordingService) Restart() bool          { s.record("restart"); return true }
func (s *RecordingService) Shutdown() bool         { s.record("shutdown"); return true }
func (s *RecordingService) GracefulShutdown() bool { s.record("graceful_shutdown"); return true }

// DeadLetterRecord is one call to RecordingProducer.DeadLetter.
type DeadLetterRecord struct {
	Envelope *core.Envelope
	Reason   error
}

// RecordingProducer is a core.Router that records sends and dead letters.
//
// Accept decides the result of each Send; nil accepts everything. Registered
// lists the identifiers IsRegistered reports as known.
type RecordingProducer struct {
	mu          sync.Mutex
	sent        []*core.Envelope
	trace       []string
	deadLetters []DeadLetterRecord
	attempts    int
	Accept      func(attempt int, env *core.Envelope) bool
	Registered  map[string]bool
}

// NewRecordingProducer creates a producer that accepts every send.
func NewRecordingProducer(registered ...string) *RecordingProducer {
	p := &RecordingProducer{Registered: map[string]bool{}}
	for _, id := range registered {
		p.Registered[id] = true
	}
	return p
}

func (p *RecordingProducer) Send(env *core.Envelope) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.attempts++
	if p.Accept != nil && !p.Accept(p.attempts, env) {
		return false
	}
	p.sent = append(p.sent, env)
	p.trace = append(p.trace, traceOf(env))
	return true
}

func traceOf(env *core.Envelope) string {
	switch {
	case env.IsReply():
		return "reply"
	case env.Route != nil:
		return env.Route.String()
	default:
		return "-"
	}
}

// Trace returns, for every accepted send, "reply" for reply-marked envelopes,
// otherwise the current route as "service/operation" at the time of sending.
func (p *RecordingProducer) Trace() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.trace...)
}

func (p *RecordingProducer) DeadLetter(env *core.Envelope, reason error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.deadLetters = append(p.deadLetters, DeadLetterRecord{Envelope: env, Reason: reason})
}

func (p *RecordingProducer) IsRegistered(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Registered[id]
}

// Sent returns the accepted envelopes in order.
func (p *RecordingProducer) Sent() []*core.Envelope {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*core.Envelope(nil), p.sent...)
}

// Attempts returns the number of Send calls, accepted or not.
func (p *RecordingProducer) Attempts() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.attempts
}

// DeadLetters returns the recorded dead letters in order.
func (p *RecordingProducer) DeadLetters() []DeadLetterRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]DeadLetterRecord(nil), p.deadLetters...)
}

// Reset clears recorded sends and dead letters.
func (p *RecordingProducer) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent, p.trace, p.deadLetters, p.attempts = nil, nil, nil, 0
}

// RecordingNotifier is a core.Notifier that records notifications.
type RecordingNotifier struct {
	mu       sync.Mutex
	notified []*core.Envelope
	ch       chan *core.Envelope
}

// NewRecordingNotifier creates a notifier buffering up to 64 notifications on C.
func NewRecordingNotifier() *RecordingNotifier {
	return &RecordingNotifier{ch: make(chan *core.Envelope, 64)}
}

func (n *RecordingNotifier) Notify(env *core.Envelope) {
	n.mu.Lock()
	n.notified = append(n.notified, env)
	n.mu.Unlock()
	select {
	case n.ch <- env:
	default:
	}
}

// C streams notifications as they happen.
func (n *RecordingNotifier) C() <-chan *core.Envelope { return n.ch }

// Notified returns every notification in order.
func (n *RecordingNotifier) Notified() []*core.Envelope {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]*core.Envelope(nil), n.notified...)
}

// Wait returns the next notification or nil after timeout.
func (n *RecordingNotifier) Wait(timeout time.Duration) *core.Envelope {
	select {
	case env := <-n.ch:
		return env
	case <-time.After(timeout):
		return nil
	}
}
