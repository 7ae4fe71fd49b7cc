package sched

import (
	"time"

	"schedcore/internal/eventbus"
)

// Event types published on the bus for request/session lifecycle changes.
const (
	EventQueued         = "request.queued"
	EventCompleted      = "request.completed"
	EventFailed         = "request.failed"
	EventCancelled      = "request.cancelled"
	EventTimedOut       = "request.timeout"
	EventSessionEvicted = "session.evicted"
)

// RequestEvent is the bus payload for request lifecycle events. It carries
// only bookkeeping fields, never the request payload or result.
type RequestEvent struct {
	ID        string        `json:"id"`
	Type      string        `json:"type"`
	Priority  Priority      `json:"priority"`
	SessionID string        `json:"session_id,omitempty"`
	Status    Status        `json:"status"`
	Wait      time.Duration `json:"wait"`
	Duration  time.Duration `json:"duration"`
	Error     string        `json:"error,omitempty"`
}

type SessionEvent struct {
	ID     string `json:"id"`
	Reason string `json:"reason"`
}

func (s *Scheduler) publish(typ string, req *Request) {
	if s.bus == nil {
		return
	}
	_, errMsg := req.Result()
	s.bus.Publish(eventbus.Event{Type: typ, Data: RequestEvent{
		ID:        req.ID,
		Type:      req.Type,
		Priority:  req.Priority,
		SessionID: req.SessionID,
		Status:    req.Status(),
		Wait:      req.WaitTime(),
		Duration:  req.Duration(),
		Error:     errMsg,
	}})
}
