package main

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ============================================================================
// Delivery Queue
// ============================================================================
// FIFO hand-off between producers (OSC receiver, IPC, scheduler) and the single
// delivery worker. Capacity 0 means unbounded: producers are never refused and
// memory grows with the backlog. A positive capacity applies the configured
// overflow policy once the queue is full.
// ============================================================================

// OverflowPolicy decides what a bounded queue does with a push while full.
type OverflowPolicy string

const (
	OverflowDropNewest OverflowPolicy = "drop-newest" // reject the incoming delivery
	OverflowDropOldest OverflowPolicy = "drop-oldest" // evict the head, accept the incoming delivery
	OverflowBlock      OverflowPolicy = "block"       // wait for space
)

var (
	ErrQueueFull   = errors.New("delivery queue full")
	ErrQueueClosed = errors.New("delivery queue closed")
)

// Delivery sources.
const (
	sourceOSC      = "osc"
	sourceIPC      = "ipc"
	sourceSchedule = "schedule"
)

// Delivery is one queued Command plus the metadata used to correlate its logs.
type Delivery struct {
	ID         uuid.UUID
	Command    Command
	Source     string
	EnqueuedAt time.Time
}

func newDelivery(cmd Command, source string) Delivery {
	return Delivery{
		ID:         uuid.New(),
		Command:    cmd,
		Source:     source,
		EnqueuedAt: time.Now(),
	}
}

// Queue is safe for multiple producers and one consumer.
type Queue struct {
	mu       sync.Mutex
	items    []Delivery
	capacity int
	overflow OverflowPolicy
	closed   bool

	ready     chan struct{} // signaled after a push
	space     chan struct{} // signaled after a pop
	done      chan struct{} // closed by Close
	closeOnce sync.Once
}

// NewQueue creates a queue. capacity <= 0 means unbounded and overflow is ignored.
func NewQueue(capacity int, overflow OverflowPolicy) *Queue {
	if capacity < 0 {
		capacity = 0
	}
	if overflow == "" {
		overflow = OverflowDropNewest
	}
	return &Queue{
		capacity: capacity,
		overflow: overflow,
		ready:    make(chan struct{}, 1),
		space:    make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// Push appends d. With drop-oldest it may return the evicted delivery.
// With block it waits until there is room, ctx is done, or the queue is closed.
func (q *Queue) Push(ctx context.Context, d Delivery) (*Delivery, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, ErrQueueClosed
		}

		if q.capacity == 0 || len(q.items) < q.capacity {
			q.items = append(q.items, d)
			roomLeft := q.capacity > 0 && len(q.items) < q.capacity
			q.mu.Unlock()

			notify(q.ready)
			if roomLeft {
				// Pass the wake-up on to any other blocked producer.
				notify(q.space)
			}
			return nil, nil
		}

		switch q.overflow {
		case OverflowDropOldest:
			evicted := q.items[0]
			q.items[0] = Delivery{}
			q.items = append(q.items[1:], d)
			q.mu.Unlock()
			notify(q.ready)
			return &evicted, nil

		case OverflowBlock:
			q.mu.Unlock()
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-q.done:
				return nil, ErrQueueClosed
			case <-q.space:
			}

		default:
			q.mu.Unlock()
			return nil, ErrQueueFull
		}
	}
}

// Pop removes and returns the head, blocking until one is available.
// It returns ErrQueueClosed once the queue is closed and empty, or ctx.Err().
func (q *Queue) Pop(ctx context.Context) (Delivery, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			d := q.items[0]
			q.items[0] = Delivery{}
			q.items = q.items[1:]
			if len(q.items) == 0 {
				q.items = nil
			}
			q.mu.Unlock()

			notify(q.space)
			return d, nil
		}
		closed := q.closed
		q.mu.Unlock()

		if closed {
			return Delivery{}, ErrQueueClosed
		}

		select {
		case <-ctx.Done():
			return Delivery{}, ctx.Err()
		case <-q.done:
		case <-q.ready:
		}
	}
}

// Len returns the number of queued deliveries.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close stops accepting pushes. Queued deliveries can still be popped.
func (q *Queue) Close() {
	q.closeOnce.Do(func() {
		q.mu.Lock()
		q.closed = true
		q.mu.Unlock()
		close(q.done)
	})
}

func (q *Queue) String() string {
	if q.capacity == 0 {
		return "unbounded"
	}
	return fmt.Sprintf("capacity=%d overflow=%s", q.capacity, q.overflow)
}

func notify(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
