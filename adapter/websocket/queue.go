package websocket

import (
	"context"
	"sync"
	"time"
)

// messageQueue is a FIFO of frames. A capacity of zero means unbounded.
type messageQueue struct {
	mu       sync.Mutex
	items    [][]byte
	capacity int

	// notify holds at most one pending wake-up for a waiting pop.
	notify chan struct{}
}

func newMessageQueue(capacity int) *messageQueue {
	return &messageQueue{
		capacity: capacity,
		notify:   make(chan struct{}, 1),
	}
}

func (q *messageQueue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// push appends msg, or returns ErrQueueFull when the queue is bounded and full.
func (q *messageQueue) push(msg []byte) error {
	q.mu.Lock()
	if q.capacity > 0 && len(q.items) >= q.capacity {
		q.mu.Unlock()
		return ErrQueueFull
	}
	q.items = append(q.items, msg)
	q.mu.Unlock()
	q.signal()
	return nil
}

func (q *messageQueue) tryPop() ([]byte, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, false
	}
	msg := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	if len(q.items) > 0 {
		q.signal()
	}
	return msg, true
}

// pop removes the oldest frame. It waits until one arrives, ctx ends, stop is
// closed or timeout elapses (timeout <= 0 waits without limit). Frames still
// queued are returned even after stop is closed.
func (q *messageQueue) pop(ctx context.Context, stop <-chan struct{}, timeout time.Duration) ([]byte, error) {
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	for {
		if msg, ok := q.tryPop(); ok {
			return msg, nil
		}
		select {
		case <-q.notify:
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-stop:
			if msg, ok := q.tryPop(); ok {
				return msg, nil
			}
			return nil, ErrSessionClosed
		case <-expired:
			return nil, ErrNoMessage
		}
	}
}

func (q *messageQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
