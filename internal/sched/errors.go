package sched

import "errors"

var (
	// ErrRateLimited is an admission rejection: recoverable by caller
	// retry/backoff, raised before a Request is even created.
	ErrRateLimited = errors.New("sched: admission rate limit exceeded")

	// ErrEnqueueTimeout means the queue stayed full past the enqueue
	// timeout. The request exists and is marked timed out; it will never be
	// processed but can still be inspected by id.
	ErrEnqueueTimeout = errors.New("sched: queue full, enqueue timed out")

	// ErrUnknownRequest indicates a caller bug or an id the scheduler never
	// issued.
	ErrUnknownRequest = errors.New("sched: unknown request id")

	// ErrNoHandler is a registration bug: no handler for the request type.
	// Fatal for that one request, never retried.
	ErrNoHandler = errors.New("sched: no handler registered for request type")

	// ErrRequestFailed wraps the error message stored by a failed handler.
	ErrRequestFailed = errors.New("sched: request failed")

	// ErrCancelled reports a request cancelled before dispatch.
	ErrCancelled = errors.New("sched: request cancelled")

	// ErrWaitTimeout reports that WaitForRequest gave up before the request
	// reached a terminal state.
	ErrWaitTimeout = errors.New("sched: timed out waiting for request")

	ErrStopped  = errors.New("sched: scheduler not running")
	ErrStopping = errors.New("sched: scheduler stopping")
)
