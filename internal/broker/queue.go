package broker

import (
	"container/heap"
	"sync"

	"github.com/noxlabs/nox/internal/common/errdefs"
	v1 "github.com/noxlabs/nox/pkg/api/v1"
)

// queuedMessage is a heap item: higher priority rank first, FIFO within the
// same rank via the enqueue sequence.
type queuedMessage struct {
	msg  *v1.Message
	rank int
	seq  uint64
}

type messageHeap []*queuedMessage

func (h messageHeap) Len() int { return len(h) }

func (h messageHeap) Less(i, k int) bool {
	if h[i].rank != h[k].rank {
		return h[i].rank > h[k].rank
	}
	return h[i].seq < h[k].seq
}

func (h messageHeap) Swap(i, k int) { h[i], h[k] = h[k], h[i] }

func (h *messageHeap) Push(x interface{}) {
	*h = append(*h, x.(*queuedMessage))
}

func (h *messageHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// priorityQueue is the bounded broker queue. Enqueue never blocks: a full
// queue rejects with a capacity error rather than dropping silently.
type priorityQueue struct {
	mu      sync.Mutex
	cond    *sync.Cond
	items   messageHeap
	maxSize int
	nextSeq uint64
	closed  bool
}

func newPriorityQueue(maxSize int) *priorityQueue {
	q := &priorityQueue{maxSize: maxSize}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// push enqueues the message, assigning its sequence number.
func (q *priorityQueue) push(msg *v1.Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return errdefs.Conflict("broker queue is closed")
	}
	if len(q.items) >= q.maxSize {
		return errdefs.Capacity("message queue full (%d)", q.maxSize)
	}

	heap.Push(&q.items, &queuedMessage{
		msg:  msg,
		rank: msg.Priority.Rank(),
		seq:  q.nextSeq,
	})
	q.nextSeq++
	q.cond.Signal()
	return nil
}

// pop blocks until a message is available or the queue closes. A nil return
// means the queue closed.
func (q *priorityQueue) pop() *v1.Message {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.items) == 0 {
		return nil
	}
	item := heap.Pop(&q.items).(*queuedMessage)
	return item.msg
}

func (q *priorityQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// close wakes all poppers; pending items are discarded.
func (q *priorityQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cond.Broadcast()
}
