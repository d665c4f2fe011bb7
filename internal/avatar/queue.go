package avatar

import "time"

type outbound struct {
	ctrl      string
	requestID string
	data      []byte
	queuedAt  time.Time
}

// queue is the bounded FIFO between Enqueue callers and the sender loop.
type queue struct {
	items chan outbound
}

func newQueue(capacity int) *queue {
	return &queue{items: make(chan outbound, capacity)}
}

// tryPush never blocks; it reports false when the queue is full.
func (q *queue) tryPush(item outbound) bool {
	select {
	case q.items <- item:
		return true
	default:
		return false
	}
}

// pop waits up to wait for an item. It gives up early when done is closed.
func (q *queue) pop(done <-chan struct{}, wait time.Duration) (outbound, bool) {
	select {
	case item := <-q.items:
		return item, true
	default:
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case item := <-q.items:
		return item, true
	case <-done:
		return outbound{}, false
	case <-timer.C:
		return outbound{}, false
	}
}

func (q *queue) len() int { return len(q.items) }

func (q *queue) cap() int { return cap(q.items) }
