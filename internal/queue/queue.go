// Package queue provides the bounded per-source FIFO that sits between
// listeners and processor workers.
package queue

import (
	"sync"
	"sync/atomic"
	"time"
)

// DefaultCapacity is used when a queue is created with a non-positive capacity.
const DefaultCapacity = 10000

// Entry is one raw log record and the time it arrived.
type Entry struct {
	Data     []byte
	Received time.Time
}

// Queue is a bounded FIFO safe for many producers and one or more consumers.
// Offer never blocks: when the queue is full the entry is dropped and counted.
type Queue struct {
	ch       chan Entry
	accepted atomic.Uint64
	dropped  atomic.Uint64
}

// New creates a queue holding at most capacity entries.
func New(capacity int) *Queue {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Queue{ch: make(chan Entry, capacity)}
}

// Offer enqueues e, reporting false if the queue was full and e was dropped.
func (q *Queue) Offer(e Entry) bool {
	select {
	case q.ch <- e:
		q.accepted.Add(1)
		return true
	default:
		q.dropped.Add(1)
		return false
	}
}

// TryPoll returns an entry only if one is immediately available.
func (q *Queue) TryPoll() (Entry, bool) {
	select {
	case e := <-q.ch:
		return e, true
	default:
		return Entry{}, false
	}
}

// C exposes the receive side for use in select loops.
func (q *Queue) C() <-chan Entry {
	return q.ch
}

// Len is the number of entries currently queued.
func (q *Queue) Len() int { return len(q.ch) }

// Cap is the queue capacity.
func (q *Queue) Cap() int { return cap(q.ch) }

// Accepted is the number of entries ever enqueued.
func (q *Queue) Accepted() uint64 { return q.accepted.Load() }

// Dropped is the number of entries rejected because the queue was full.
func (q *Queue) Dropped() uint64 { return q.dropped.Load() }

// Set holds one queue per source id.
type Set struct {
	mu       sync.RWMutex
	capacity int
	queues   map[string]*Queue
}

// NewSet creates an empty set whose queues have the given capacity.
func NewSet(capacity int) *Set {
	return &Set{capacity: capacity, queues: make(map[string]*Queue)}
}

// Ensure returns the queue for id, creating it if needed.
func (s *Set) Ensure(id string) *Queue {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.queues[id]
	if !ok {
		q = New(s.capacity)
		s.queues[id] = q
	}
	return q
}

// Get returns the queue for id if it exists.
func (s *Set) Get(id string) (*Queue, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	q, ok := s.queues[id]
	return q, ok
}

// Snapshot returns the queues keyed by source id.
func (s *Set) Snapshot() map[string]*Queue {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]*Queue, len(s.queues))
	for id, q := range s.queues {
		out[id] = q
	}
	return out
}
