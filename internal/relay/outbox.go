package relay

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/flitsinc/go-relay/internal/metrics"
	"github.com/flitsinc/go-relay/internal/protocol"
)

var (
	ErrOutboxFull   = errors.New("outbox full")
	ErrOutboxClosed = errors.New("outbox closed")
)

// OverflowPolicy decides what happens when a message meets a full outbox.
type OverflowPolicy uint8

const (
	// DropOldest evicts the oldest queued live event to make room.
	DropOldest OverflowPolicy = iota
	// Strict refuses the message; the relay then closes the connection.
	Strict
)

func (p OverflowPolicy) String() string {
	if p == Strict {
		return "strict"
	}
	return "drop-oldest"
}

// Outbox is the bounded FIFO between the relay and one connection's writer.
// Critical messages may overflow the capacity up to twice its size so that
// replies are not lost to a burst of live events.
type Outbox struct {
	capacity int
	policy   OverflowPolicy

	mu     sync.Mutex
	queue  []protocol.Message
	closed bool

	ready chan struct{}
	space chan struct{}
	done  chan struct{}

	evicted atomic.Int64
}

func NewOutbox(capacity int, policy OverflowPolicy) *Outbox {
	if capacity <= 0 {
		capacity = 1
	}
	return &Outbox{
		capacity: capacity,
		policy:   policy,
		ready:    make(chan struct{}, 1),
		space:    make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// Push enqueues m without blocking.
func (o *Outbox) Push(m protocol.Message) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return ErrOutboxClosed
	}
	if len(o.queue) >= o.capacity {
		if o.policy == DropOldest && o.evictLocked() {
			o.evicted.Add(1)
			metrics.OutboxEvictions.Inc()
		} else if !m.Critical() || len(o.queue) >= 2*o.capacity {
			return ErrOutboxFull
		}
	}
	o.queue = append(o.queue, m)
	signal(o.ready)
	return nil
}

// evictLocked removes the oldest non-critical message.
func (o *Outbox) evictLocked() bool {
	for i, queued := range o.queue {
		if !queued.Critical() {
			o.queue = append(o.queue[:i], o.queue[i+1:]...)
			return true
		}
	}
	return false
}

// PushWait enqueues m, waiting for space instead of evicting.
func (o *Outbox) PushWait(ctx context.Context, m protocol.Message) error {
	for {
		o.mu.Lock()
		if o.closed {
			o.mu.Unlock()
			return ErrOutboxClosed
		}
		if len(o.queue) < o.capacity {
			o.queue = append(o.queue, m)
			signal(o.ready)
			o.mu.Unlock()
			return nil
		}
		o.mu.Unlock()

		select {
		case <-o.space:
		case <-o.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Pop returns the oldest message. After Close it keeps returning queued
// messages and then ErrOutboxClosed.
func (o *Outbox) Pop(ctx context.Context) (protocol.Message, error) {
	for {
		o.mu.Lock()
		if len(o.queue) > 0 {
			m := o.queue[0]
			o.queue[0] = nil
			o.queue = o.queue[1:]
			signal(o.space)
			o.mu.Unlock()
			return m, nil
		}
		closed := o.closed
		o.mu.Unlock()
		if closed {
			return nil, ErrOutboxClosed
		}

		select {
		case <-o.ready:
		case <-o.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Close stops accepting messages. It is idempotent.
func (o *Outbox) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.closed {
		o.closed = true
		close(o.done)
	}
}

func (o *Outbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.queue)
}

// Evicted counts messages dropped by the DropOldest policy.
func (o *Outbox) Evicted() int64 {
	return o.evicted.Load()
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
