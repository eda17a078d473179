package tunnel

import (
	"context"
	"sync"

	"github.com/octoporty/octoporty/internal/wire"
)

// outboundQueueCapacity is the bound on the control/response queue
// (§4.3): when full, Push drops the oldest enqueued message rather than
// blocking the sender.
const outboundQueueCapacity = 1000

// outboundQueue is a bounded, drop-oldest FIFO of messages awaiting
// transmission. It exists so the send loop never blocks a producer:
// SendMessage always returns immediately, favoring a responsive tunnel
// over guaranteed delivery of stale bulk payloads.
type outboundQueue struct {
	mu     sync.Mutex
	items  []*wire.Message
	closed bool
	notify chan struct{}
}

func newOutboundQueue() *outboundQueue {
	return &outboundQueue{notify: make(chan struct{}, 1)}
}

// Push enqueues msg, dropping the oldest item if the queue is at
// capacity. It is a no-op once the queue has been closed.
func (q *outboundQueue) Push(msg *wire.Message) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	if len(q.items) >= outboundQueueCapacity {
		q.items = q.items[1:]
	}
	q.items = append(q.items, msg)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Pop blocks until a message is available, the queue is closed, or ctx
// is done. ok is false in the latter two cases.
func (q *outboundQueue) Pop(ctx context.Context) (msg *wire.Message, ok bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			msg = q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()
			return msg, true
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return nil, false
		}

		select {
		case <-ctx.Done():
			return nil, false
		case <-q.notify:
		}
	}
}

// Close marks the queue closed; pending Pop calls unblock with ok=false.
func (q *outboundQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}
