package sched

import (
	"testing"
	"time"
)

func mustPut(t *testing.T, q *Queue, req *Request) {
	t.Helper()
	if !q.Put(req, 0) {
		t.Fatalf("Put(%s) failed on non-full queue", req.ID)
	}
}

func TestQueueFIFOWithinTier(t *testing.T) {
	t.Parallel()
	q := NewQueue(8)
	ids := make([]string, 0, 4)
	for i := 0; i < 4; i++ {
		req := newRequest("t", i, PriorityNormal, "", nil)
		ids = append(ids, req.ID)
		mustPut(t, q, req)
	}
	for i, want := range ids {
		got, ok := q.Get(0)
		if !ok {
			t.Fatalf("Get #%d returned empty", i)
		}
		if got.ID != want {
			t.Fatalf("Get #%d = %s, want %s", i, got.ID, want)
		}
	}
}

func TestQueuePriorityBias(t *testing.T) {
	t.Parallel()
	q := NewQueue(64)
	// Load every weighted tier deep enough that no tier drains during
	// one full pass of the schedule.
	perTier := 11
	for _, p := range []Priority{PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow} {
		for i := 0; i < perTier; i++ {
			mustPut(t, q, newRequest("t", nil, p, "", nil))
		}
	}

	counts := map[Priority]int{}
	for i := 0; i < 11; i++ {
		req, ok := q.Get(0)
		if !ok {
			t.Fatalf("Get #%d returned empty", i)
		}
		counts[req.Priority]++
	}
	want := map[Priority]int{
		PriorityCritical: 5,
		PriorityHigh:     3,
		PriorityNormal:   2,
		PriorityLow:      1,
	}
	for p, n := range want {
		if counts[p] != n {
			t.Fatalf("tier %s served %d times over one schedule pass, want %d", p, counts[p], n)
		}
	}
}

func TestQueueBackgroundOnlyWhenIdle(t *testing.T) {
	t.Parallel()
	q := NewQueue(8)
	bg := newRequest("t", nil, PriorityBackground, "", nil)
	hi := newRequest("t", nil, PriorityHigh, "", nil)
	mustPut(t, q, bg)
	mustPut(t, q, hi)

	got, ok := q.Get(0)
	if !ok || got.ID != hi.ID {
		t.Fatalf("first Get = %v, want the high-priority request", got)
	}
	got, ok = q.Get(0)
	if !ok || got.ID != bg.ID {
		t.Fatalf("second Get = %v, want the background request via fallback", got)
	}
}

func TestQueueLowerTierFallback(t *testing.T) {
	t.Parallel()
	// Only Low is loaded: the weighted walk may land on empty slots but a
	// single Get must still return the work.
	q := NewQueue(8)
	req := newRequest("t", nil, PriorityLow, "", nil)
	mustPut(t, q, req)
	got, ok := q.Get(0)
	if !ok || got.ID != req.ID {
		t.Fatalf("Get = %v ok=%v, want the low request", got, ok)
	}
}

func TestQueueGetTimeout(t *testing.T) {
	t.Parallel()
	q := NewQueue(4)
	start := time.Now()
	if _, ok := q.Get(30 * time.Millisecond); ok {
		t.Fatal("Get on empty queue returned a request")
	}
	if time.Since(start) < 25*time.Millisecond {
		t.Fatalf("Get returned after %v, want it to hold for the timeout", time.Since(start))
	}
	if _, ok := q.Get(0); ok {
		t.Fatal("non-blocking Get on empty queue returned a request")
	}
}

func TestQueueCapacityBackpressure(t *testing.T) {
	t.Parallel()
	q := NewQueue(2)
	mustPut(t, q, newRequest("t", nil, PriorityNormal, "", nil))
	mustPut(t, q, newRequest("t", nil, PriorityNormal, "", nil))

	if q.Put(newRequest("t", nil, PriorityNormal, "", nil), 0) {
		t.Fatal("non-blocking Put succeeded on a full queue")
	}
	if q.Put(newRequest("t", nil, PriorityNormal, "", nil), 20*time.Millisecond) {
		t.Fatal("Put succeeded on a queue that stayed full past the timeout")
	}

	// A blocked Put unblocks once a consumer frees a slot.
	done := make(chan bool, 1)
	go func() {
		done <- q.Put(newRequest("t", nil, PriorityNormal, "", nil), time.Second)
	}()
	time.Sleep(10 * time.Millisecond)
	if _, ok := q.Get(0); !ok {
		t.Fatal("Get on full queue failed")
	}
	select {
	case ok := <-done:
		if !ok {
			t.Fatal("blocked Put failed after a slot opened")
		}
	case <-time.After(time.Second):
		t.Fatal("blocked Put never unblocked")
	}
}

func TestQueueClear(t *testing.T) {
	t.Parallel()
	q := NewQueue(8)
	for i := 0; i < 3; i++ {
		mustPut(t, q, newRequest("t", nil, PriorityNormal, "", nil))
	}
	q.Clear()
	if q.Size() != 0 {
		t.Fatalf("Size after Clear = %d, want 0", q.Size())
	}
	if _, ok := q.Get(0); ok {
		t.Fatal("Get returned a request after Clear")
	}
}

func TestQueueBiasHoldsUnderInterleaving(t *testing.T) {
	t.Parallel()
	q := NewQueue(512)
	// Keep Critical and Low both saturated and verify the long-run ratio
	// tracks the 5:1 slot weighting.
	total := 60
	for i := 0; i < total; i++ {
		mustPut(t, q, newRequest("t", nil, PriorityCritical, "", nil))
		mustPut(t, q, newRequest("t", nil, PriorityLow, "", nil))
	}
	crit, low := 0, 0
	for i := 0; i < 66; i++ { // eleven full cursor cycles, both tiers stay loaded
		req, ok := q.Get(0)
		if !ok {
			t.Fatalf("Get #%d returned empty", i)
		}
		switch req.Priority {
		case PriorityCritical:
			crit++
		case PriorityLow:
			low++
		}
	}
	// The empty High and Normal slots are skipped within a single Get, so
	// each 11-slot cursor cycle dequeues exactly 5 Critical and 1 Low.
	if crit != 55 || low != 11 {
		t.Fatalf("served critical=%d low=%d of 66, want 55/11", crit, low)
	}
}
