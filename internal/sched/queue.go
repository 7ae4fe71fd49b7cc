package sched

import (
	"sync"
	"time"
)

// Queue holds pending requests in priority-segmented sub-queues behind a
// global capacity bound. Put and Get block with timeouts using condition
// variables; Get hands out work using a weighted round-robin walk that is
// priority-biased but starvation-resistant.
type Queue struct {
	mu       sync.Mutex
	notFull  *sync.Cond
	notEmpty *sync.Cond

	capacity int
	size     int
	tiers    map[Priority][]*Request

	// schedule repeats each tier weight(tier) times in priority order;
	// cursor advances monotonically across Get calls.
	schedule []Priority
	cursor   int
}

func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 256
	}
	q := &Queue{
		capacity: capacity,
		tiers:    make(map[Priority][]*Request, len(priorityOrder)),
	}
	q.notFull = sync.NewCond(&q.mu)
	q.notEmpty = sync.NewCond(&q.mu)
	for _, p := range priorityOrder {
		for i := 0; i < p.weight(); i++ {
			q.schedule = append(q.schedule, p)
		}
	}
	return q
}

// Put appends req to its priority's sub-queue, blocking while the queue is
// at capacity. It returns false without enqueuing if timeout elapses first;
// the caller marks the request as timed out, never queued.
func (q *Queue) Put(req *Request, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)

	q.mu.Lock()
	for q.size >= q.capacity {
		if timeout <= 0 || !waitDeadline(q.notFull, deadline) {
			q.mu.Unlock()
			return false
		}
	}
	q.tiers[req.Priority] = append(q.tiers[req.Priority], req)
	q.size++
	req.markQueued()
	q.notEmpty.Signal()
	q.mu.Unlock()
	return true
}

// Get removes and returns the next request per the weighted round-robin
// policy, blocking while the queue is empty. Same timeout semantics as Put.
func (q *Queue) Get(timeout time.Duration) (*Request, bool) {
	deadline := time.Now().Add(timeout)

	q.mu.Lock()
	for q.size == 0 {
		if timeout <= 0 || !waitDeadline(q.notEmpty, deadline) {
			q.mu.Unlock()
			return nil, false
		}
	}
	req := q.selectLocked()
	q.size--
	q.notFull.Signal()
	q.mu.Unlock()
	return req, true
}

// selectLocked walks at most len(schedule) positions starting at the cursor
// and returns the head of the first non-empty tier found, advancing the
// cursor each step. If the walk exhausts the schedule (only zero-weight
// Background work is pending), it falls back to a strict priority-order
// scan. The fallback is what keeps Background live despite its zero weight:
// it is only ever served when no weighted tier has anything pending.
func (q *Queue) selectLocked() *Request {
	for i := 0; i < len(q.schedule); i++ {
		p := q.schedule[q.cursor%len(q.schedule)]
		q.cursor++
		if len(q.tiers[p]) > 0 {
			return q.popLocked(p)
		}
	}
	for _, p := range priorityOrder {
		if len(q.tiers[p]) > 0 {
			return q.popLocked(p)
		}
	}
	// Unreachable while size > 0.
	return nil
}

func (q *Queue) popLocked(p Priority) *Request {
	tier := q.tiers[p]
	req := tier[0]
	tier[0] = nil
	q.tiers[p] = tier[1:]
	return req
}

func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

func (q *Queue) Capacity() int { return q.capacity }

// Clear drops all queued requests without notifying anyone. It is meant for
// hard resets only, not cancellation.
func (q *Queue) Clear() {
	q.mu.Lock()
	q.tiers = make(map[Priority][]*Request, len(priorityOrder))
	q.size = 0
	q.notFull.Broadcast()
	q.mu.Unlock()
}

// waitDeadline waits on c until signaled or the deadline passes, returning
// false once the deadline is reached before the wait could start. The caller
// must hold c.L and re-check its predicate after every return: the timer
// broadcast wakes all waiters, so spurious wakeups are expected. A wake-up at
// the deadline still returns true so the caller can observe a predicate that
// became true at the last moment; the next loop iteration then fails fast.
func waitDeadline(c *sync.Cond, deadline time.Time) bool {
	remaining := time.Until(deadline)
	if remaining <= 0 {
		return false
	}
	t := time.AfterFunc(remaining, c.Broadcast)
	c.Wait()
	t.Stop()
	return true
}
