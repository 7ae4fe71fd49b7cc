package sched

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	logx "schedcore/pkg/logx"
)

func newTestScheduler(t *testing.T, cfg Config) *Scheduler {
	t.Helper()
	s := New(cfg, logx.Nop(), nil)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = s.Stop(context.Background()) })
	return s
}

func TestSchedulerEchoRoundTrip(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t, Config{Workers: 2, QueueSize: 16})
	s.RegisterHandler("echo", func(ctx context.Context, payload any) (any, error) {
		return payload, nil
	}, ExecDirect)

	id, err := s.SubmitRequest(Submit{Type: "echo", Payload: "hello", Priority: PriorityNormal})
	if err != nil {
		t.Fatalf("SubmitRequest: %v", err)
	}
	res, err := s.WaitForRequest(context.Background(), id, 5*time.Second)
	if err != nil {
		t.Fatalf("WaitForRequest: %v", err)
	}
	if res != "hello" {
		t.Fatalf("result = %v, want hello", res)
	}
	st, err := s.GetRequestStatus(id)
	if err != nil || st != StatusCompleted {
		t.Fatalf("status = %v err=%v, want completed", st, err)
	}
}

func TestSchedulerOffloadedHandler(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t, Config{Workers: 1, QueueSize: 16, OffloadWorkers: 2})
	s.RegisterHandler("slow", func(ctx context.Context, payload any) (any, error) {
		time.Sleep(20 * time.Millisecond)
		return payload, nil
	}, ExecOffloaded)

	ids := make([]string, 0, 3)
	for i := 0; i < 3; i++ {
		id, err := s.SubmitRequest(Submit{Type: "slow", Payload: i})
		if err != nil {
			t.Fatalf("SubmitRequest #%d: %v", i, err)
		}
		ids = append(ids, id)
	}
	for i, id := range ids {
		if _, err := s.WaitForRequest(context.Background(), id, 5*time.Second); err != nil {
			t.Fatalf("WaitForRequest #%d: %v", i, err)
		}
	}
}

func TestSchedulerHandlerErrorFailsRequest(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t, Config{Workers: 1, QueueSize: 8})
	s.RegisterHandler("boom", func(ctx context.Context, payload any) (any, error) {
		return nil, errors.New("kaput")
	}, ExecDirect)

	id, err := s.SubmitRequest(Submit{Type: "boom"})
	if err != nil {
		t.Fatalf("SubmitRequest: %v", err)
	}
	_, err = s.WaitForRequest(context.Background(), id, 5*time.Second)
	if !errors.Is(err, ErrRequestFailed) {
		t.Fatalf("err = %v, want ErrRequestFailed", err)
	}
	st, _ := s.GetRequestStatus(id)
	if st != StatusFailed {
		t.Fatalf("status = %v, want failed", st)
	}
}

func TestSchedulerHandlerPanicIsContained(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t, Config{Workers: 1, QueueSize: 8})
	s.RegisterHandler("panic", func(ctx context.Context, payload any) (any, error) {
		panic("deliberate")
	}, ExecDirect)
	s.RegisterHandler("echo", func(ctx context.Context, payload any) (any, error) {
		return payload, nil
	}, ExecDirect)

	id, err := s.SubmitRequest(Submit{Type: "panic"})
	if err != nil {
		t.Fatalf("SubmitRequest: %v", err)
	}
	if _, err := s.WaitForRequest(context.Background(), id, 5*time.Second); !errors.Is(err, ErrRequestFailed) {
		t.Fatalf("panic request err = %v, want ErrRequestFailed", err)
	}

	// The pool survives the panic and keeps serving.
	id, err = s.SubmitRequest(Submit{Type: "echo", Payload: "still alive"})
	if err != nil {
		t.Fatalf("SubmitRequest after panic: %v", err)
	}
	res, err := s.WaitForRequest(context.Background(), id, 5*time.Second)
	if err != nil || res != "still alive" {
		t.Fatalf("post-panic round trip = %v, %v", res, err)
	}
}

func TestSchedulerMissingHandlerFails(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t, Config{Workers: 1, QueueSize: 8})
	id, err := s.SubmitRequest(Submit{Type: "nobody-home"})
	if err != nil {
		t.Fatalf("SubmitRequest: %v", err)
	}
	_, err = s.WaitForRequest(context.Background(), id, 5*time.Second)
	if !errors.Is(err, ErrRequestFailed) {
		t.Fatalf("err = %v, want ErrRequestFailed for an unregistered type", err)
	}
}

func TestSchedulerValidation(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t, Config{Workers: 1, QueueSize: 8})
	if _, err := s.SubmitRequest(Submit{Type: "  "}); err == nil {
		t.Fatal("blank type accepted")
	}
	if _, err := s.SubmitRequest(Submit{Type: "x", Priority: Priority(42)}); err == nil {
		t.Fatal("invalid priority accepted")
	}
}

func TestSchedulerRejectsWhenStopped(t *testing.T) {
	t.Parallel()
	s := New(Config{Workers: 1, QueueSize: 8}, logx.Nop(), nil)
	if _, err := s.SubmitRequest(Submit{Type: "echo"}); !errors.Is(err, ErrStopped) {
		t.Fatalf("err = %v, want ErrStopped before Start", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if _, err := s.SubmitRequest(Submit{Type: "echo"}); !errors.Is(err, ErrStopped) {
		t.Fatalf("err = %v, want ErrStopped after Stop", err)
	}
}

func TestSchedulerStartStopIdempotent(t *testing.T) {
	t.Parallel()
	s := New(Config{Workers: 1, QueueSize: 8}, logx.Nop(), nil)
	ctx := context.Background()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := s.Start(ctx); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
	// Restart after a full stop works.
	if err := s.Start(ctx); err != nil {
		t.Fatalf("restart: %v", err)
	}
	_ = s.Stop(ctx)
}

func TestSchedulerCancelQueuedRequest(t *testing.T) {
	t.Parallel()
	// One worker wedged on a gate so a second request stays queued.
	gate := make(chan struct{})
	s := newTestScheduler(t, Config{Workers: 1, QueueSize: 8})
	s.RegisterHandler("block", func(ctx context.Context, payload any) (any, error) {
		<-gate
		return nil, nil
	}, ExecDirect)
	defer close(gate)

	blocker, err := s.SubmitRequest(Submit{Type: "block"})
	if err != nil {
		t.Fatalf("SubmitRequest blocker: %v", err)
	}
	waitForStatus(t, s, blocker, StatusProcessing)

	queued, err := s.SubmitRequest(Submit{Type: "block"})
	if err != nil {
		t.Fatalf("SubmitRequest queued: %v", err)
	}
	if err := s.CancelRequest(queued); err != nil {
		t.Fatalf("CancelRequest: %v", err)
	}
	st, _ := s.GetRequestStatus(queued)
	if st != StatusCancelled {
		t.Fatalf("status = %v, want cancelled", st)
	}
	if _, err := s.WaitForRequest(context.Background(), queued, time.Second); !errors.Is(err, ErrCancelled) {
		t.Fatalf("wait err = %v, want ErrCancelled", err)
	}
}

func TestSchedulerCancelProcessingIsNoop(t *testing.T) {
	t.Parallel()
	gate := make(chan struct{})
	s := newTestScheduler(t, Config{Workers: 1, QueueSize: 8})
	s.RegisterHandler("block", func(ctx context.Context, payload any) (any, error) {
		<-gate
		return "done", nil
	}, ExecDirect)

	id, err := s.SubmitRequest(Submit{Type: "block"})
	if err != nil {
		t.Fatalf("SubmitRequest: %v", err)
	}
	waitForStatus(t, s, id, StatusProcessing)

	if err := s.CancelRequest(id); err != nil {
		t.Fatalf("CancelRequest on processing request: %v", err)
	}
	close(gate)
	res, err := s.WaitForRequest(context.Background(), id, 5*time.Second)
	if err != nil || res != "done" {
		t.Fatalf("result = %v, %v — a processing request must run to completion", res, err)
	}
}

func TestSchedulerCancelUnknown(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t, Config{Workers: 1, QueueSize: 8})
	if err := s.CancelRequest("no-such-id"); !errors.Is(err, ErrUnknownRequest) {
		t.Fatalf("err = %v, want ErrUnknownRequest", err)
	}
}

func TestSchedulerWaitTimeoutCancelsQueued(t *testing.T) {
	t.Parallel()
	gate := make(chan struct{})
	s := newTestScheduler(t, Config{Workers: 1, QueueSize: 8})
	s.RegisterHandler("block", func(ctx context.Context, payload any) (any, error) {
		<-gate
		return nil, nil
	}, ExecDirect)
	defer close(gate)

	blocker, _ := s.SubmitRequest(Submit{Type: "block"})
	waitForStatus(t, s, blocker, StatusProcessing)

	queued, err := s.SubmitRequest(Submit{Type: "block"})
	if err != nil {
		t.Fatalf("SubmitRequest: %v", err)
	}
	_, err = s.WaitForRequest(context.Background(), queued, 50*time.Millisecond)
	if !errors.Is(err, ErrWaitTimeout) {
		t.Fatalf("err = %v, want ErrWaitTimeout", err)
	}
	st, _ := s.GetRequestStatus(queued)
	if st != StatusCancelled {
		t.Fatalf("status after wait timeout = %v, want cancelled", st)
	}
}

func TestSchedulerRateLimitRejects(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t, Config{
		Workers:   1,
		QueueSize: 16,
		RateLimit: &RateLimit{PerSecond: 0.001, Burst: 2},
	})
	s.RegisterHandler("echo", func(ctx context.Context, payload any) (any, error) {
		return payload, nil
	}, ExecDirect)

	for i := 0; i < 2; i++ {
		if _, err := s.SubmitRequest(Submit{Type: "echo"}); err != nil {
			t.Fatalf("SubmitRequest #%d within burst: %v", i, err)
		}
	}
	if _, err := s.SubmitRequest(Submit{Type: "echo"}); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("err = %v, want ErrRateLimited once the burst is spent", err)
	}
	if got := s.GetMetrics().RateLimited; got != 1 {
		t.Fatalf("RateLimited metric = %d, want 1", got)
	}
}

func TestSchedulerEnqueueTimeoutKeepsID(t *testing.T) {
	t.Parallel()
	gate := make(chan struct{})
	s := newTestScheduler(t, Config{Workers: 1, QueueSize: 1})
	s.RegisterHandler("block", func(ctx context.Context, payload any) (any, error) {
		<-gate
		return nil, nil
	}, ExecDirect)
	defer close(gate)

	blocker, _ := s.SubmitRequest(Submit{Type: "block"})
	waitForStatus(t, s, blocker, StatusProcessing)
	if _, err := s.SubmitRequest(Submit{Type: "block"}); err != nil {
		t.Fatalf("fill queue: %v", err)
	}

	id, err := s.SubmitRequest(Submit{Type: "block", EnqueueTimeout: -1})
	if !errors.Is(err, ErrEnqueueTimeout) {
		t.Fatalf("err = %v, want ErrEnqueueTimeout on a full queue", err)
	}
	if id == "" {
		t.Fatal("enqueue timeout must still return the request id")
	}
	st, serr := s.GetRequestStatus(id)
	if serr != nil || st != StatusTimedOut {
		t.Fatalf("status = %v err=%v, want timeout", st, serr)
	}
	if _, err := s.WaitForRequest(context.Background(), id, time.Second); !errors.Is(err, ErrEnqueueTimeout) {
		t.Fatalf("wait err = %v, want ErrEnqueueTimeout", err)
	}
}

func TestSchedulerSessionAccounting(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t, Config{Workers: 2, QueueSize: 16})
	s.RegisterHandler("echo", func(ctx context.Context, payload any) (any, error) {
		return payload, nil
	}, ExecDirect)

	for i := 0; i < 3; i++ {
		id, err := s.SubmitRequest(Submit{Type: "echo", SessionID: "sess-1"})
		if err != nil {
			t.Fatalf("SubmitRequest #%d: %v", i, err)
		}
		if _, err := s.WaitForRequest(context.Background(), id, 5*time.Second); err != nil {
			t.Fatalf("WaitForRequest #%d: %v", i, err)
		}
	}
	sess, ok := s.Sessions().GetSession("sess-1")
	if !ok {
		t.Fatal("session was not created by submission")
	}
	if sess.Metrics.Completed != 3 || sess.ActiveRequests != 0 {
		t.Fatalf("session metrics = %+v active=%d, want 3 completed and 0 active", sess.Metrics, sess.ActiveRequests)
	}
}

func TestSchedulerMetricsCounters(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t, Config{Workers: 2, QueueSize: 16})
	s.RegisterHandler("echo", func(ctx context.Context, payload any) (any, error) {
		return payload, nil
	}, ExecDirect)
	s.RegisterHandler("boom", func(ctx context.Context, payload any) (any, error) {
		return nil, errors.New("nope")
	}, ExecDirect)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		typ := "echo"
		if i%2 == 1 {
			typ = "boom"
		}
		id, err := s.SubmitRequest(Submit{Type: typ})
		if err != nil {
			t.Fatalf("SubmitRequest: %v", err)
		}
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, _ = s.WaitForRequest(context.Background(), id, 5*time.Second)
		}(id)
	}
	wg.Wait()

	m := s.GetMetrics()
	if m.TotalRequests != 4 {
		t.Fatalf("TotalRequests = %d, want 4", m.TotalRequests)
	}
	if m.CompletedRequests != 2 || m.FailedRequests != 2 {
		t.Fatalf("Completed=%d Failed=%d, want 2/2", m.CompletedRequests, m.FailedRequests)
	}
	if !m.Running {
		t.Fatal("Running = false on a started scheduler")
	}
	if m.AvgProcessingTime < 0 {
		t.Fatalf("AvgProcessingTime = %v", m.AvgProcessingTime)
	}
}

func TestSchedulerPruneRequests(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t, Config{Workers: 1, QueueSize: 8})
	s.RegisterHandler("echo", func(ctx context.Context, payload any) (any, error) {
		return payload, nil
	}, ExecDirect)
	id, err := s.SubmitRequest(Submit{Type: "echo"})
	if err != nil {
		t.Fatalf("SubmitRequest: %v", err)
	}
	if _, err := s.WaitForRequest(context.Background(), id, 5*time.Second); err != nil {
		t.Fatalf("WaitForRequest: %v", err)
	}
	if n := s.PruneRequests(time.Hour); n != 0 {
		t.Fatalf("PruneRequests(1h) removed %d fresh requests", n)
	}
	if n := s.PruneRequests(0); n != 1 {
		t.Fatalf("PruneRequests(0) = %d, want 1", n)
	}
	if _, err := s.GetRequestStatus(id); !errors.Is(err, ErrUnknownRequest) {
		t.Fatalf("status err = %v, want ErrUnknownRequest after prune", err)
	}
}

func TestSchedulerApplyWorkerChange(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t, Config{Workers: 1, QueueSize: 8})
	s.RegisterHandler("echo", func(ctx context.Context, payload any) (any, error) {
		return payload, nil
	}, ExecDirect)

	s.Apply(context.Background(), Config{Workers: 3, QueueSize: 999})
	m := s.GetMetrics()
	if m.Workers != 3 {
		t.Fatalf("Workers after Apply = %d, want 3", m.Workers)
	}
	if m.QueueCapacity != 8 {
		t.Fatalf("QueueCapacity after Apply = %d, capacity is fixed at construction", m.QueueCapacity)
	}

	// Pool restarted by Apply still serves.
	id, err := s.SubmitRequest(Submit{Type: "echo", Payload: "post-apply"})
	if err != nil {
		t.Fatalf("SubmitRequest after Apply: %v", err)
	}
	if res, err := s.WaitForRequest(context.Background(), id, 5*time.Second); err != nil || res != "post-apply" {
		t.Fatalf("round trip after Apply = %v, %v", res, err)
	}
}

// waitForStatus polls until the request reaches status st or the deadline
// passes.
func waitForStatus(t *testing.T, s *Scheduler, id string, st Status) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		got, err := s.GetRequestStatus(id)
		if err != nil {
			t.Fatalf("GetRequestStatus: %v", err)
		}
		if got == st {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("request %s never reached status %s", id, st)
}
