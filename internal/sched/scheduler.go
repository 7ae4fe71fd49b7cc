package sched

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"schedcore/internal/eventbus"
	rtsup "schedcore/internal/runtime/supervisor"
	logx "schedcore/pkg/logx"
)

const (
	// admissionWait bounds how long SubmitRequest waits on the rate limiter.
	admissionWait = time.Second

	// dequeueWait is the worker-loop Get timeout. It doubles as the periodic
	// wake that lets a stopped scheduler's workers notice cancellation.
	dequeueWait = time.Second

	// waitPollInterval is WaitForRequest's status poll period. Polling is
	// acceptable here: it runs once per outstanding request, not in the hot
	// dispatch path.
	waitPollInterval = 10 * time.Millisecond
)

// HandlerFunc processes one request's payload and returns its result.
// Handlers are invoked concurrently by the worker pool; one handler's error
// or panic never affects another request's scheduling.
type HandlerFunc func(ctx context.Context, payload any) (any, error)

// ExecMode selects how a handler runs, chosen at registration time rather
// than inspected at call time.
type ExecMode int

const (
	// ExecDirect runs the handler inline in the dequeuing worker. Use for
	// cooperative handlers that respect ctx and return promptly relative to
	// the pool size.
	ExecDirect ExecMode = iota

	// ExecOffloaded hands the handler to a separate bounded pool so slow
	// blocking work cannot starve the dequeue loop.
	ExecOffloaded
)

// RateLimit configures the token-bucket admission gate.
type RateLimit struct {
	PerSecond float64
	Burst     int
}

// Config controls one scheduler instance. Queue capacity, rate limiting and
// the session cap are fixed at construction; Apply can change the rest.
type Config struct {
	Workers        int
	QueueSize      int
	OffloadWorkers int
	RateLimit      *RateLimit
	MaxSessions    int

	// EnqueueTimeout is used when a submission does not set its own.
	EnqueueTimeout time.Duration

	// WaitTimeout is the default WaitForRequest deadline. 0 waits forever.
	WaitTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.OffloadWorkers <= 0 {
		c.OffloadWorkers = 2 * c.Workers
	}
	if c.MaxSessions <= 0 {
		c.MaxSessions = 1000
	}
	if c.EnqueueTimeout <= 0 {
		c.EnqueueTimeout = 5 * time.Second
	}
	return c
}

type handlerEntry struct {
	fn   HandlerFunc
	mode ExecMode
}

// Scheduler admits requests through a token bucket, queues them with
// priority-aware fairness, and dispatches them to a bounded worker pool.
// Construct one per use; there is no process-wide instance.
type Scheduler struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	queue    *Queue
	limiter  *TokenBucket
	sessions *SessionManager

	hmu      sync.RWMutex
	handlers map[string]handlerEntry

	rmu      sync.Mutex
	requests map[string]*Request

	// offload bounds concurrently running ExecOffloaded handlers.
	offload chan struct{}

	sup      *rtsup.Supervisor
	stopCh   chan struct{}
	stopDone chan struct{}

	m metrics
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Scheduler {
	cfg = cfg.withDefaults()
	s := &Scheduler{
		cfg:      cfg,
		log:      log,
		bus:      bus,
		queue:    NewQueue(cfg.QueueSize),
		sessions: NewSessionManager(cfg.MaxSessions, log, bus),
		handlers: make(map[string]handlerEntry),
		requests: make(map[string]*Request),
		offload:  make(chan struct{}, cfg.OffloadWorkers),
	}
	if cfg.RateLimit != nil {
		s.limiter = NewTokenBucket(cfg.RateLimit.PerSecond, cfg.RateLimit.Burst)
	}
	return s
}

// RegisterHandler binds a request type to a handler. Re-registering a type
// replaces the previous handler.
func (s *Scheduler) RegisterHandler(typ string, fn HandlerFunc, mode ExecMode) {
	typ = strings.TrimSpace(typ)
	if typ == "" || fn == nil {
		return
	}
	s.hmu.Lock()
	s.handlers[typ] = handlerEntry{fn: fn, mode: mode}
	s.hmu.Unlock()
}

func (s *Scheduler) handler(typ string) (handlerEntry, bool) {
	s.hmu.RLock()
	e, ok := s.handlers[typ]
	s.hmu.RUnlock()
	return e, ok
}

// Sessions exposes the session manager for idle-cleanup sweeps.
func (s *Scheduler) Sessions() *SessionManager { return s.sessions }

// Start launches the worker pool. It is idempotent: starting a running
// scheduler is a no-op, and starting one mid-stop waits for the stop to
// finish first.
func (s *Scheduler) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.stopCh != nil {
		done := s.stopDone
		s.mu.Unlock()
		if done == nil {
			return nil
		}
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
		s.mu.Lock()
		if s.stopCh != nil {
			s.mu.Unlock()
			return nil
		}
	}

	cfg := s.cfg
	s.stopCh = make(chan struct{})
	s.stopDone = nil
	stopCh := s.stopCh
	queue := s.queue

	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log.With(logx.String("comp", "sched"))),
		// Worker failures must not take down the owning process.
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup
	s.mu.Unlock()

	for i := 0; i < cfg.Workers; i++ {
		idx := i
		name := fmt.Sprintf("worker.%d", idx)
		// Auto-restart workers if they panic or exit unexpectedly.
		sup.GoRestart(name, func(c context.Context) error {
			s.worker(c, stopCh, queue, sup, idx)
			select {
			case <-stopCh:
				return context.Canceled
			default:
			}
			if c.Err() != nil {
				return c.Err()
			}
			return errors.New("worker exited unexpectedly")
		})
	}

	s.log.Info("scheduler started", logx.Int("workers", cfg.Workers), logx.Int("queue", queue.Capacity()), logx.Bool("rate_limited", s.limiter != nil))
	return nil
}

// Stop cancels the workers and waits for them to exit, bounded by ctx. New
// dequeues cease, but a handler already mid-flight runs to completion: Stop
// returning does not guarantee zero in-flight handler executions when ctx
// expires first. Stopping a stopped scheduler is a no-op.
func (s *Scheduler) Stop(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return nil
	}
	// If already stopping, wait.
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return nil
	}

	done := make(chan struct{})
	s.stopDone = done
	close(s.stopCh)
	sup := s.sup
	s.mu.Unlock()

	if sup != nil {
		sup.Cancel()
	}

	go func() {
		// Wait unbounded in background; caller can still time out.
		if sup != nil {
			_ = sup.Wait(context.Background())
		}
		s.mu.Lock()
		s.stopCh = nil
		s.stopDone = nil
		s.sup = nil
		s.mu.Unlock()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info("scheduler stopped")
	case <-ctx.Done():
		s.log.Warn("scheduler stop timed out", logx.Any("err", ctx.Err()))
	}
	return nil
}

// Apply updates execution settings. A worker-count change restarts the
// pool; queue capacity, rate limit, offload pool size and the session cap
// stay as constructed.
func (s *Scheduler) Apply(ctx context.Context, cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	prev := s.cfg
	cfg.QueueSize = prev.QueueSize
	cfg.OffloadWorkers = prev.OffloadWorkers
	cfg.MaxSessions = prev.MaxSessions
	cfg.RateLimit = prev.RateLimit
	s.cfg = cfg
	running := s.stopCh != nil && s.stopDone == nil
	s.mu.Unlock()

	if !running {
		return
	}
	if prev.Workers != cfg.Workers {
		s.Stop(ctx)
		_ = s.Start(ctx)
	}
}

// Submit describes one unit of work handed to SubmitRequest.
//
// EnqueueTimeout: 0 means the configured default; a negative value means a
// non-blocking enqueue attempt.
type Submit struct {
	Type           string
	Payload        any
	Priority       Priority
	SessionID      string
	EnqueueTimeout time.Duration
	Metadata       map[string]any
}

// SubmitRequest admits, registers and enqueues one request, returning its
// id. On ErrEnqueueTimeout the returned id is still valid: the request is
// retained for status inspection but will never be processed.
func (s *Scheduler) SubmitRequest(sub Submit) (string, error) {
	sub.Type = strings.TrimSpace(sub.Type)
	if sub.Type == "" {
		return "", errors.New("sched: request type is required")
	}
	if sub.Priority == 0 {
		sub.Priority = PriorityNormal
	}
	if !sub.Priority.Valid() {
		return "", fmt.Errorf("sched: invalid priority %d", sub.Priority)
	}

	s.mu.Lock()
	running := s.stopCh != nil
	stopping := s.stopDone != nil
	cfg := s.cfg
	s.mu.Unlock()
	if !running {
		return "", ErrStopped
	}
	if stopping {
		return "", ErrStopping
	}

	// Admission gate fires before a Request is created.
	if s.limiter != nil && !s.limiter.Acquire(1, admissionWait) {
		s.m.rateLimited.Add(1)
		s.log.Debug("request rejected by rate limit", logx.String("type", sub.Type))
		return "", ErrRateLimited
	}

	req := newRequest(sub.Type, sub.Payload, sub.Priority, sub.SessionID, sub.Metadata)
	s.rmu.Lock()
	s.requests[req.ID] = req
	s.rmu.Unlock()
	s.m.total.Add(1)

	if req.SessionID != "" {
		s.sessions.AddRequest(req.SessionID, req.ID)
	}

	timeout := sub.EnqueueTimeout
	if timeout == 0 {
		timeout = cfg.EnqueueTimeout
	}
	if !s.queue.Put(req, timeout) {
		req.markTimedOut()
		s.m.timedOut.Add(1)
		if req.SessionID != "" {
			s.sessions.ReleaseRequest(req.SessionID)
		}
		s.publish(EventTimedOut, req)
		s.log.Warn("enqueue timed out", logx.String("type", req.Type), logx.String("request", req.ID), logx.Int("queue_depth", s.queue.Size()))
		return req.ID, ErrEnqueueTimeout
	}
	s.publish(EventQueued, req)
	return req.ID, nil
}

func (s *Scheduler) request(id string) *Request {
	s.rmu.Lock()
	req := s.requests[id]
	s.rmu.Unlock()
	return req
}

// WaitForRequest blocks until the request reaches a terminal state, polling
// its status. timeout 0 means the configured default; if that is also 0 the
// wait is unbounded. When the wait deadline (or ctx) expires first, the
// request is cancelled if still pending or queued — a request already
// processing runs to completion untouched — and a timeout error is returned.
func (s *Scheduler) WaitForRequest(ctx context.Context, id string, timeout time.Duration) (any, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	req := s.request(id)
	if req == nil {
		return nil, ErrUnknownRequest
	}

	if timeout == 0 {
		s.mu.Lock()
		timeout = s.cfg.WaitTimeout
		s.mu.Unlock()
	}
	var deadlineC <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadlineC = timer.C
	}

	ticker := time.NewTicker(waitPollInterval)
	defer ticker.Stop()

	for {
		if st := req.Status(); st.Terminal() {
			return terminalResult(req, st)
		}
		select {
		case <-ctx.Done():
			_ = s.CancelRequest(id)
			return nil, ctx.Err()
		case <-deadlineC:
			_ = s.CancelRequest(id)
			return nil, fmt.Errorf("%w: %s", ErrWaitTimeout, id)
		case <-ticker.C:
		}
	}
}

func terminalResult(req *Request, st Status) (any, error) {
	res, errMsg := req.Result()
	switch st {
	case StatusCompleted:
		return res, nil
	case StatusFailed:
		return nil, fmt.Errorf("%w: %s", ErrRequestFailed, errMsg)
	case StatusCancelled:
		return nil, ErrCancelled
	case StatusTimedOut:
		return nil, ErrEnqueueTimeout
	default:
		return nil, fmt.Errorf("sched: unexpected terminal status %q", st)
	}
}

// CancelRequest cancels a pending or queued request. Any other state —
// including a request already dequeued into processing — is left untouched
// and the call is a no-op.
func (s *Scheduler) CancelRequest(id string) error {
	req := s.request(id)
	if req == nil {
		return ErrUnknownRequest
	}
	if !req.tryCancel() {
		return nil
	}
	s.m.cancelled.Add(1)
	if req.SessionID != "" {
		s.sessions.ReleaseRequest(req.SessionID)
	}
	s.publish(EventCancelled, req)
	s.log.Debug("request cancelled", logx.String("type", req.Type), logx.String("request", req.ID))
	return nil
}

func (s *Scheduler) GetRequestStatus(id string) (Status, error) {
	req := s.request(id)
	if req == nil {
		return "", ErrUnknownRequest
	}
	return req.Status(), nil
}

// PruneRequests drops terminal requests that completed before now-olderThan
// from the registry, returning how many were removed. Waiters already
// holding the id lose status inspection for pruned requests; run it with a
// threshold comfortably above any wait timeout.
func (s *Scheduler) PruneRequests(olderThan time.Duration) int {
	cutoff := time.Now().Add(-olderThan)
	n := 0
	s.rmu.Lock()
	for id, req := range s.requests {
		req.mu.Lock()
		prune := req.status.Terminal() && !req.completedAt.IsZero() && req.completedAt.Before(cutoff)
		req.mu.Unlock()
		if prune {
			delete(s.requests, id)
			n++
		}
	}
	s.rmu.Unlock()
	return n
}

func (s *Scheduler) GetMetrics() MetricsSnapshot {
	s.mu.Lock()
	cfg := s.cfg
	running := s.stopCh != nil && s.stopDone == nil
	s.mu.Unlock()

	wait, proc := s.m.averages()
	snap := MetricsSnapshot{
		QueueDepth:        s.queue.Size(),
		QueueCapacity:     s.queue.Capacity(),
		ActiveWorkers:     int(s.m.activeWorkers.Load()),
		Sessions:          s.sessions.Count(),
		Running:           running,
		Workers:           cfg.Workers,
		TotalRequests:     s.m.total.Load(),
		CompletedRequests: s.m.completed.Load(),
		FailedRequests:    s.m.failed.Load(),
		CancelledRequests: s.m.cancelled.Load(),
		TimedOutRequests:  s.m.timedOut.Load(),
		RateLimited:       s.m.rateLimited.Load(),
		AvgWaitTime:       wait,
		AvgProcessingTime: proc,
	}
	if s.limiter != nil {
		t := s.limiter.AvailableTokens()
		snap.RateTokens = &t
	}
	return snap
}
