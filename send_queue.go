package gust

import (
	"sync"

	"github.com/gustwire/gust/internal/utils/ringbuffer"
	"github.com/gustwire/gust/internal/wire"
)

// sendQueue buffers marshaled datagrams between the frame-producing paths
// (application sends, acknowledgments, retransmissions) and the single
// goroutine writing to the transport. Buffers come from the packet pool
// and are returned by the consumer.
type sendQueue struct {
	mu    sync.Mutex
	queue ringbuffer.RingBuffer[*[]byte]

	signal chan struct{} // capacity 1, coalesces wakeups
}

func newSendQueue() *sendQueue {
	return &sendQueue{signal: make(chan struct{}, 1)}
}

// Add enqueues one datagram and wakes the send loop.
func (q *sendQueue) Add(buf *[]byte) {
	q.mu.Lock()
	q.queue.PushBack(buf)
	q.mu.Unlock()
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// Pop dequeues the oldest datagram, reporting false on an empty queue.
func (q *sendQueue) Pop() (*[]byte, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.queue.Empty() {
		return nil, false
	}
	return q.queue.PopFront(), true
}

// Signal is closed over by the send loop's select.
func (q *sendQueue) Signal() <-chan struct{} { return q.signal }

// Clear drains the queue, returning every buffer to the pool.
func (q *sendQueue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for !q.queue.Empty() {
		wire.PutPacketBuffer(q.queue.PopFront())
	}
}
