package sched

import (
	"testing"
	"time"

	logx "schedcore/pkg/logx"
)

func newTestSessions(max int) *SessionManager {
	return NewSessionManager(max, logx.Nop(), nil)
}

func TestSessionCreateGeneratesAndTouches(t *testing.T) {
	t.Parallel()
	m := newTestSessions(10)
	id := m.CreateSession("")
	if id == "" {
		t.Fatal("CreateSession returned an empty id")
	}
	if got := m.CreateSession(id); got != id {
		t.Fatalf("re-create returned %s, want the same id %s", got, id)
	}
	if m.Count() != 1 {
		t.Fatalf("Count = %d, want 1", m.Count())
	}
	if _, ok := m.GetSession(id); !ok {
		t.Fatal("GetSession missed a created session")
	}
}

func TestSessionMovingAverage(t *testing.T) {
	t.Parallel()
	m := newTestSessions(10)
	m.CreateSession("s1")
	durations := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 600 * time.Millisecond}
	for _, d := range durations {
		m.AddRequest("s1", "r")
		m.CompleteRequest("s1", "r", d, true)
	}
	s, ok := m.GetSession("s1")
	if !ok {
		t.Fatal("session gone")
	}
	if s.Metrics.Completed != 3 {
		t.Fatalf("Completed = %d, want 3", s.Metrics.Completed)
	}
	if s.Metrics.TotalDuration != 900*time.Millisecond {
		t.Fatalf("TotalDuration = %v, want 900ms", s.Metrics.TotalDuration)
	}
	if s.Metrics.AvgDuration != 300*time.Millisecond {
		t.Fatalf("AvgDuration = %v, want 300ms", s.Metrics.AvgDuration)
	}
	if s.ActiveRequests != 0 {
		t.Fatalf("ActiveRequests = %d, want 0", s.ActiveRequests)
	}
}

func TestSessionFailureCounts(t *testing.T) {
	t.Parallel()
	m := newTestSessions(10)
	m.AddRequest("s1", "r1") // lazy create
	m.CompleteRequest("s1", "r1", 50*time.Millisecond, false)
	s, _ := m.GetSession("s1")
	if s.Metrics.Failed != 1 || s.Metrics.Completed != 0 {
		t.Fatalf("Failed=%d Completed=%d, want 1/0", s.Metrics.Failed, s.Metrics.Completed)
	}
	if s.Metrics.AvgDuration != 0 {
		t.Fatalf("AvgDuration = %v, failures must not move the average", s.Metrics.AvgDuration)
	}
}

func TestSessionCapacityEvictsOldestIdle(t *testing.T) {
	t.Parallel()
	m := newTestSessions(2)
	m.CreateSession("old")
	time.Sleep(2 * time.Millisecond)
	m.CreateSession("busy")
	m.AddRequest("busy", "r1") // in flight, must never be evicted

	m.CreateSession("new")
	if m.Count() != 2 {
		t.Fatalf("Count = %d, want 2 after eviction", m.Count())
	}
	if _, ok := m.GetSession("old"); ok {
		t.Fatal("oldest idle session should have been evicted")
	}
	if _, ok := m.GetSession("busy"); !ok {
		t.Fatal("session with active requests was evicted")
	}
}

func TestSessionCapacityOverflowsWhenAllBusy(t *testing.T) {
	t.Parallel()
	m := newTestSessions(2)
	m.CreateSession("a")
	m.AddRequest("a", "r")
	m.CreateSession("b")
	m.AddRequest("b", "r")

	m.CreateSession("c")
	// Nothing is idle, so nothing is evicted and the map runs over.
	if m.Count() != 3 {
		t.Fatalf("Count = %d, want 3 when no session is evictable", m.Count())
	}
}

func TestSessionIdleCleanup(t *testing.T) {
	t.Parallel()
	m := newTestSessions(10)
	m.CreateSession("idle")
	m.CreateSession("active")
	m.AddRequest("active", "r")

	time.Sleep(20 * time.Millisecond)
	evicted := m.CleanupInactiveSessions(10 * time.Millisecond)
	if evicted != 1 {
		t.Fatalf("CleanupInactiveSessions evicted %d, want 1", evicted)
	}
	if _, ok := m.GetSession("idle"); ok {
		t.Fatal("idle session survived cleanup")
	}
	if _, ok := m.GetSession("active"); !ok {
		t.Fatal("session with in-flight work was removed by idle cleanup")
	}
}

func TestSessionReleaseDropsActiveWithoutOutcome(t *testing.T) {
	t.Parallel()
	m := newTestSessions(10)
	m.AddRequest("s1", "r1")
	m.ReleaseRequest("s1")
	s, _ := m.GetSession("s1")
	if s.ActiveRequests != 0 {
		t.Fatalf("ActiveRequests = %d, want 0 after release", s.ActiveRequests)
	}
	if s.Metrics.Completed != 0 || s.Metrics.Failed != 0 {
		t.Fatalf("release recorded an outcome: %+v", s.Metrics)
	}
}

func TestSessionClose(t *testing.T) {
	t.Parallel()
	m := newTestSessions(10)
	m.CreateSession("s1")
	if !m.CloseSession("s1") {
		t.Fatal("CloseSession returned false for an existing session")
	}
	if m.CloseSession("s1") {
		t.Fatal("CloseSession returned true for a missing session")
	}
}
