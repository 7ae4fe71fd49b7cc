package sched

import (
	"context"
	"fmt"
	"runtime/debug"

	rtsup "schedcore/internal/runtime/supervisor"
	logx "schedcore/pkg/logx"
)

func (s *Scheduler) worker(ctx context.Context, stopCh <-chan struct{}, queue *Queue, sup *rtsup.Supervisor, idx int) {
	_ = idx
	for {
		// Fast-exit check so a closed stopCh wins over queued work.
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		req, ok := queue.Get(dequeueWait)
		if !ok {
			// Periodic wake; loop back to the stop check.
			continue
		}
		s.processRequest(ctx, stopCh, sup, req)
	}
}

func (s *Scheduler) processRequest(ctx context.Context, stopCh <-chan struct{}, sup *rtsup.Supervisor, req *Request) {
	if !req.beginProcessing() {
		// Cancelled while queued; counted at cancel time.
		return
	}

	entry, ok := s.handler(req.Type)
	if !ok {
		// Registration bug: fatal for this one request, never retried.
		req.fail(fmt.Sprintf("no handler registered for request type %q", req.Type))
		s.m.failed.Add(1)
		if req.SessionID != "" {
			s.sessions.CompleteRequest(req.SessionID, req.ID, 0, false)
		}
		s.publish(EventFailed, req)
		s.log.Error("missing handler for request type", logx.String("type", req.Type), logx.String("request", req.ID))
		return
	}

	if entry.mode == ExecOffloaded {
		// Bounded hand-off: when the offload pool is saturated this worker
		// blocks, which is the intended backpressure.
		select {
		case s.offload <- struct{}{}:
		case <-ctx.Done():
			s.failBeforeDispatch(req, "scheduler stopped before dispatch")
			return
		case <-stopCh:
			s.failBeforeDispatch(req, "scheduler stopped before dispatch")
			return
		}
		sup.Go0("offload."+req.Type, func(c context.Context) {
			defer func() { <-s.offload }()
			s.execute(c, req, entry.fn)
		})
		return
	}

	s.execute(ctx, req, entry.fn)
}

func (s *Scheduler) failBeforeDispatch(req *Request, msg string) {
	req.fail(msg)
	s.m.failed.Add(1)
	if req.SessionID != "" {
		s.sessions.CompleteRequest(req.SessionID, req.ID, 0, false)
	}
	s.publish(EventFailed, req)
}

func (s *Scheduler) execute(ctx context.Context, req *Request, fn HandlerFunc) {
	s.m.activeWorkers.Add(1)
	defer s.m.activeWorkers.Add(-1)

	var res any
	var err error
	// Guard against handler panics: convert to a per-request failure so one
	// bad handler can't kill a worker loop or the scheduler.
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
				s.log.Error("handler panicked", logx.String("type", req.Type), logx.String("request", req.ID), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			}
		}()
		res, err = fn(ctx, req.Payload)
	}()

	wait := req.WaitTime()
	if err != nil {
		req.fail(err.Error())
		s.m.failed.Add(1)
		dur := req.Duration()
		if req.SessionID != "" {
			s.sessions.CompleteRequest(req.SessionID, req.ID, dur, false)
		}
		s.publish(EventFailed, req)
		s.log.Warn("request failed", logx.String("type", req.Type), logx.String("request", req.ID), logx.Any("err", err), logx.Duration("wait", wait), logx.Duration("dur", dur))
		return
	}

	req.complete(res)
	s.m.completed.Add(1)
	dur := req.Duration()
	s.m.observe(wait, dur)
	if req.SessionID != "" {
		s.sessions.CompleteRequest(req.SessionID, req.ID, dur, true)
	}
	s.publish(EventCompleted, req)
	s.log.Debug("request completed", logx.String("type", req.Type), logx.String("request", req.ID), logx.Duration("wait", wait), logx.Duration("dur", dur))
}
