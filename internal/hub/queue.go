package hub

import (
	"sync"
)

// queueCapacity bounds the per-connection outbound queue.
const queueCapacity = 256

// item is one queued outbound message. stepKind is set only for
// reasoning_step messages and drives the drop policy.
type item struct {
	data     []byte
	stepKind string
}

// outQueue is the bounded FIFO between a run's step producer and the
// socket writer. When full, the oldest thought is dropped first, then the
// oldest tool_result. tool_call, final_answer and control messages are
// never dropped: if one of those would have to go, the queue reports
// backpressure and the connection is closed instead.
type outQueue struct {
	mu     sync.Mutex
	items  []item
	cap    int
	notify chan struct{}
	closed bool
}

func newOutQueue(capacity int) *outQueue {
	if capacity <= 0 {
		capacity = queueCapacity
	}
	return &outQueue{
		cap:    capacity,
		notify: make(chan struct{}, 1),
	}
}

// push enqueues a message, evicting a droppable older one when full.
// ok=false means nothing could be evicted (backpressure) or the queue is
// closed; the message is not enqueued.
func (q *outQueue) push(data []byte, stepKind string) (ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	if len(q.items) >= q.cap && !q.evictLocked() {
		return false
	}
	q.items = append(q.items, item{data: data, stepKind: stepKind})
	select {
	case q.notify <- struct{}{}:
	default:
	}
	return true
}

// evictLocked removes the oldest droppable item. Thoughts go before tool
// results.
func (q *outQueue) evictLocked() bool {
	for _, kind := range []string{"thought", "tool_result"} {
		for i, it := range q.items {
			if it.stepKind == kind {
				q.items = append(q.items[:i], q.items[i+1:]...)
				return true
			}
		}
	}
	return false
}

// drain removes and returns everything queued; nil when empty.
func (q *outQueue) drain() [][]byte {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	out := make([][]byte, len(q.items))
	for i, it := range q.items {
		out[i] = it.data
	}
	q.items = nil
	return out
}

// wait returns the channel signalled on each push.
func (q *outQueue) wait() <-chan struct{} { return q.notify }

// close makes all further pushes fail.
func (q *outQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.items = nil
	q.mu.Unlock()
}

// len reports the queued message count.
func (q *outQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
