package sched

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Priority orders requests by urgency. Lower values are more urgent.
type Priority int

const (
	PriorityCritical   Priority = 1
	PriorityHigh       Priority = 2
	PriorityNormal     Priority = 3
	PriorityLow        Priority = 4
	PriorityBackground Priority = 5
)

// priorityOrder lists tiers from most to least urgent. Queue fallback scans
// use this order.
var priorityOrder = []Priority{
	PriorityCritical,
	PriorityHigh,
	PriorityNormal,
	PriorityLow,
	PriorityBackground,
}

// weight returns the number of slots a tier occupies in the round-robin
// schedule. Background is deliberately zero-weight: it is only served via
// the queue's fallback scan when no other tier has work.
func (p Priority) weight() int {
	switch p {
	case PriorityCritical:
		return 5
	case PriorityHigh:
		return 3
	case PriorityNormal:
		return 2
	case PriorityLow:
		return 1
	default:
		return 0
	}
}

func (p Priority) Valid() bool {
	return p >= PriorityCritical && p <= PriorityBackground
}

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	case PriorityBackground:
		return "background"
	default:
		return "unknown"
	}
}

// Status is a request's lifecycle state.
//
// Pending → Queued → Processing → {Completed | Failed}
//
// Cancelled is reachable only from Pending/Queued; TimedOut only from a
// failed enqueue. Terminal states are absorbing.
type Status string

const (
	StatusPending    Status = "pending"
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
	StatusTimedOut   Status = "timeout"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusTimedOut:
		return true
	default:
		return false
	}
}

// Request is one unit of work owned by the Scheduler from submission to
// terminal state. Callers hold only the ID and poll/wait for completion;
// they never mutate the Request directly.
//
// Lifecycle fields (status, stamps, result, error) are guarded by the
// request's own mutex; identity fields are immutable after construction.
type Request struct {
	ID        string
	Type      string
	Payload   any
	Priority  Priority
	SessionID string
	Metadata  map[string]any

	mu          sync.Mutex
	status      Status
	createdAt   time.Time
	startedAt   time.Time
	completedAt time.Time
	result      any
	errMsg      string
}

func newRequest(typ string, payload any, prio Priority, sessionID string, meta map[string]any) *Request {
	return &Request{
		ID:        uuid.NewString(),
		Type:      typ,
		Payload:   payload,
		Priority:  prio,
		SessionID: sessionID,
		Metadata:  meta,
		status:    StatusPending,
		createdAt: time.Now(),
	}
}

func (r *Request) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

func (r *Request) CreatedAt() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.createdAt
}

// Result returns the handler result and stored error message once terminal.
func (r *Request) Result() (any, string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.result, r.errMsg
}

// WaitTime is the time spent between submission and dispatch.
// Zero until the request has been dispatched.
func (r *Request) WaitTime() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.startedAt.IsZero() {
		return 0
	}
	return r.startedAt.Sub(r.createdAt)
}

// Duration is the handler execution time. Zero until terminal.
func (r *Request) Duration() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.startedAt.IsZero() || r.completedAt.IsZero() {
		return 0
	}
	return r.completedAt.Sub(r.startedAt)
}

// markQueued moves Pending → Queued. A request cancelled before the queue
// accepted it stays Cancelled.
func (r *Request) markQueued() {
	r.mu.Lock()
	if r.status == StatusPending {
		r.status = StatusQueued
	}
	r.mu.Unlock()
}

// markTimedOut records a failed enqueue. Only a not-yet-queued request can
// time out this way.
func (r *Request) markTimedOut() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status != StatusPending {
		return false
	}
	r.status = StatusTimedOut
	r.completedAt = time.Now()
	return true
}

// tryCancel moves Pending/Queued → Cancelled. Any other state is untouched:
// a request already dispatched runs to completion.
func (r *Request) tryCancel() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status != StatusPending && r.status != StatusQueued {
		return false
	}
	r.status = StatusCancelled
	r.completedAt = time.Now()
	return true
}

// beginProcessing moves Queued → Processing and stamps the start time.
// Returns false if the request was cancelled while queued; the worker then
// skips it.
func (r *Request) beginProcessing() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status != StatusQueued {
		return false
	}
	r.status = StatusProcessing
	r.startedAt = time.Now()
	return true
}

func (r *Request) complete(result any) {
	r.mu.Lock()
	r.status = StatusCompleted
	r.result = result
	r.completedAt = time.Now()
	r.mu.Unlock()
}

func (r *Request) fail(msg string) {
	r.mu.Lock()
	r.status = StatusFailed
	r.errMsg = msg
	r.completedAt = time.Now()
	r.mu.Unlock()
}
