// Package notify carries per-agent log-change events to the presentation
// layer through a bounded, non-blocking queue.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"
)

// Kind is the type of a notification.
type Kind string

const (
	Delta         Kind = "delta"
	TurnStarted   Kind = "turn.started"
	TurnFinalized Kind = "turn.finalized"
	TurnFailed    Kind = "turn.failed"
	TurnCancelled Kind = "turn.cancelled"
	Archived      Kind = "archived"
	Info          Kind = "info"
)

// Terminal reports whether k ends a turn.
func (k Kind) Terminal() bool {
	return k == TurnFinalized || k == TurnFailed || k == TurnCancelled
}

// Event is one notification. For terminal turn events Text holds the full
// message content so a consumer that missed deltas can reconcile.
type Event struct {
	AgentID string    `json:"agent_id"`
	Kind    Kind      `json:"kind"`
	TurnID  string    `json:"turn_id,omitempty"`
	Text    string    `json:"text,omitempty"`
	Err     string    `json:"error,omitempty"`
	At      time.Time `json:"at"`
}

// JSON returns the event serialized as JSON.
func (e Event) JSON() ([]byte, error) {
	return json.Marshal(e)
}

// ErrClosed is returned by Next once the queue is closed and drained.
var ErrClosed = errors.New("notification queue closed")

// Queue is a bounded FIFO for one agent. Push never blocks. When the queue is
// full the oldest queued Delta is dropped to make room; if no Delta is queued
// an incoming Delta is dropped instead. Non-delta events are always kept, so
// the queue may exceed its capacity by them.
type Queue struct {
	mu       sync.Mutex
	items    []Event
	capacity int
	dropped  uint64
	closed   bool
	signal   chan struct{}
	onDrop   func()
}

// Option configures a Queue.
type Option func(*Queue)

// WithDropHook registers fn to be called, without the queue lock held,
// whenever a delta is dropped.
func WithDropHook(fn func()) Option {
	return func(q *Queue) {
		q.onDrop = fn
	}
}

// NewQueue creates a queue holding up to capacity events.
func NewQueue(capacity int, opts ...Option) *Queue {
	if capacity <= 0 {
		capacity = 256
	}
	q := &Queue{
		capacity: capacity,
		signal:   make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Push enqueues ev. It returns false if the event was dropped or the queue is
// closed.
func (q *Queue) Push(ev Event) bool {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}

	dropped := false
	kept := true
	if len(q.items) >= q.capacity {
		if i := q.oldestDelta(); i >= 0 {
			q.items = append(q.items[:i], q.items[i+1:]...)
			dropped = true
		} else if ev.Kind == Delta {
			dropped = true
			kept = false
		}
	}
	if dropped {
		q.dropped++
	}
	if kept {
		q.items = append(q.items, ev)
	}
	q.mu.Unlock()

	if dropped && q.onDrop != nil {
		q.onDrop()
	}
	if kept {
		q.wake()
	}
	return kept
}

func (q *Queue) oldestDelta() int {
	for i, it := range q.items {
		if it.Kind == Delta {
			return i
		}
	}
	return -1
}

func (q *Queue) wake() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// C returns a channel that receives a value whenever events become available.
// Use Drain to collect them.
func (q *Queue) C() <-chan struct{} {
	return q.signal
}

// Drain removes and returns every queued event.
func (q *Queue) Drain() []Event {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.items
	q.items = nil
	return out
}

// Next blocks until an event is available, ctx is done or the queue is closed
// and empty.
func (q *Queue) Next(ctx context.Context) (Event, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			ev := q.items[0]
			q.items = q.items[1:]
			more := len(q.items) > 0
			q.mu.Unlock()
			if more {
				q.wake()
			}
			return ev, nil
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return Event{}, ErrClosed
		}

		select {
		case <-ctx.Done():
			return Event{}, ctx.Err()
		case <-q.signal:
		}
	}
}

// Len returns the number of queued events.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Dropped returns the number of deltas discarded due to overflow.
func (q *Queue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// Close stops accepting events. Queued events can still be read.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.wake()
}
