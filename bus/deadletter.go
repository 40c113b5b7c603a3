package bus

import (
	"sync"
	"time"

	"github.com/hupe1980/servicebus/core"
)

// DeadLetter records an envelope that was terminally discarded.
type DeadLetter struct {
	EnvelopeID string
	Service    string
	Operation  string
	Client     string
	Reason     error
	At         time.Time
}

// DeadLetterQueue keeps the most recent dead letters in a bounded ring.
type DeadLetterQueue struct {
	mu      sync.RWMutex
	records []DeadLetter
	next    int
	total   uint64
}

// NewDeadLetterQueue creates a queue retaining up to capacity records (minimum 1).
func NewDeadLetterQueue(capacity int) *DeadLetterQueue {
	if capacity < 1 {
		capacity = 1
	}
	return &DeadLetterQueue{records: make([]DeadLetter, 0, capacity)}
}

// Add records a dead letter, evicting the oldest when full.
func (q *DeadLetterQueue) Add(e *core.Envelope, reason error) DeadLetter {
	dl := DeadLetter{Reason: reason, At: time.Now().UTC()}
	if e != nil {
		dl.EnvelopeID = e.ID
		dl.Operation = e.Operation()
		dl.Client = e.Client()
		dl.Service = e.Service()
		if e.Route != nil {
			dl.Service = e.Route.Service
			dl.Operation = e.Route.Operation
		}
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	q.total++
	if len(q.records) < cap(q.records) {
		q.records = append(q.records, dl)
		return dl
	}
	q.records[q.next] = dl
	q.next = (q.next + 1) % cap(q.records)
	return dl
}

// Records returns retained dead letters oldest first.
func (q *DeadLetterQueue) Records() []DeadLetter {
	q.mu.RLock()
	defer q.mu.RUnlock()
	out := make([]DeadLetter, 0, len(q.records))
	out = append(out, q.records[q.next:]...)
	out = append(out, q.records[:q.next]...)
	return out
}

// Total returns the number of dead letters ever recorded.
func (q *DeadLetterQueue) Total() uint64 {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.total
}
