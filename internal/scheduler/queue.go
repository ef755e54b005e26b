package scheduler

import "sync"

// lease is one scheduled attempt at a work item.
type lease struct {
	ItemID  string
	Attempt int
}

// attemptQueue is a FIFO of pending attempts. Claim blocks until an
// attempt is available or the queue is closed, so idle workers park
// instead of polling while retries are still possible.
type attemptQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	leases []lease
	closed bool
}

func newAttemptQueue() *attemptQueue {
	q := &attemptQueue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Push appends an attempt to the tail and wakes one waiting worker.
// Pushing to a closed queue is a no-op.
func (q *attemptQueue) Push(itemID string, attempt int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.leases = append(q.leases, lease{ItemID: itemID, Attempt: attempt})
	q.cond.Signal()
}

// Claim removes and returns the head of the queue, blocking while the
// queue is empty. It returns ok=false once the queue is closed and drained.
func (q *attemptQueue) Claim() (lease, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.leases) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.leases) == 0 {
		return lease{}, false
	}
	l := q.leases[0]
	q.leases = q.leases[1:]
	return l, true
}

// Close wakes all waiting workers. Attempts already queued are discarded;
// their items remain pending in the checkpoint.
func (q *attemptQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.leases = nil
	q.cond.Broadcast()
}

// Len reports how many attempts are waiting.
func (q *attemptQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.leases)
}
