package sched

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"schedcore/internal/eventbus"
	logx "schedcore/pkg/logx"
)

// SessionMetrics aggregates per-session outcomes.
type SessionMetrics struct {
	TotalRequests int           `json:"total_requests"`
	Completed     int           `json:"completed"`
	Failed        int           `json:"failed"`
	TotalDuration time.Duration `json:"total_duration"`
	AvgDuration   time.Duration `json:"avg_duration"`
}

// Session groups requests from one logical caller. It is distinct from any
// network connection; the scheduler only uses it for per-caller bookkeeping.
type Session struct {
	ID             string         `json:"id"`
	CreatedAt      time.Time      `json:"created_at"`
	LastActivity   time.Time      `json:"last_activity"`
	RequestCount   int            `json:"request_count"`
	ActiveRequests int            `json:"active_requests"`
	Metrics        SessionMetrics `json:"metrics"`
}

// SessionManager tracks caller sessions: lazy creation, capacity eviction,
// per-session counters, idle cleanup. One mutex guards the session map; no
// operation holds any other lock while holding it.
type SessionManager struct {
	mu          sync.Mutex
	maxSessions int
	sessions    map[string]*Session

	log logx.Logger
	bus eventbus.Bus
}

func NewSessionManager(maxSessions int, log logx.Logger, bus eventbus.Bus) *SessionManager {
	if maxSessions <= 0 {
		maxSessions = 1000
	}
	return &SessionManager{
		maxSessions: maxSessions,
		sessions:    make(map[string]*Session),
		log:         log,
		bus:         bus,
	}
}

// CreateSession registers a session under id, generating one when id is
// empty. Creating an existing session just touches it. When the manager is
// at capacity, the oldest session with no in-flight requests is evicted
// first; a session is never evicted while it has active requests.
func (m *SessionManager) CreateSession(id string) string {
	if id == "" {
		id = uuid.NewString()
	}
	now := time.Now()

	m.mu.Lock()
	if s, ok := m.sessions[id]; ok {
		s.LastActivity = now
		m.mu.Unlock()
		return id
	}
	if len(m.sessions) >= m.maxSessions {
		m.evictOldestIdleLocked()
	}
	m.sessions[id] = &Session{ID: id, CreatedAt: now, LastActivity: now}
	m.mu.Unlock()

	if !m.log.IsZero() {
		m.log.Debug("session created", logx.String("session", id))
	}
	return id
}

// evictOldestIdleLocked removes the session with the oldest CreatedAt among
// those with zero active requests. If every session has in-flight work,
// nothing is evicted and the map temporarily exceeds maxSessions.
func (m *SessionManager) evictOldestIdleLocked() {
	var victim *Session
	for _, s := range m.sessions {
		if s.ActiveRequests != 0 {
			continue
		}
		if victim == nil || s.CreatedAt.Before(victim.CreatedAt) {
			victim = s
		}
	}
	if victim == nil {
		return
	}
	delete(m.sessions, victim.ID)
	if m.bus != nil {
		m.bus.Publish(eventbus.Event{Type: EventSessionEvicted, Data: SessionEvent{ID: victim.ID, Reason: "capacity"}})
	}
	if !m.log.IsZero() {
		m.log.Debug("session evicted", logx.String("session", victim.ID), logx.String("reason", "capacity"))
	}
}

// GetSession returns a copy of the session and touches its activity stamp.
func (m *SessionManager) GetSession(id string) (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return Session{}, false
	}
	s.LastActivity = time.Now()
	return *s, true
}

// AddRequest records a new in-flight request for the session, creating the
// session lazily if needed.
func (m *SessionManager) AddRequest(sessionID, requestID string) {
	now := time.Now()

	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if !ok {
		if len(m.sessions) >= m.maxSessions {
			m.evictOldestIdleLocked()
		}
		s = &Session{ID: sessionID, CreatedAt: now}
		m.sessions[sessionID] = s
	}
	s.LastActivity = now
	s.RequestCount++
	s.ActiveRequests++
	s.Metrics.TotalRequests++
	m.mu.Unlock()

	if !m.log.IsZero() {
		m.log.Trace("session request added", logx.String("session", sessionID), logx.String("request", requestID))
	}
}

// CompleteRequest records a finished request. On success the moving-average
// duration is updated as avg = (avg*(n-1)+d)/n with n the post-increment
// completed count.
func (m *SessionManager) CompleteRequest(sessionID, requestID string, d time.Duration, success bool) {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return
	}
	s.LastActivity = time.Now()
	if s.ActiveRequests > 0 {
		s.ActiveRequests--
	}
	if success {
		s.Metrics.Completed++
		s.Metrics.TotalDuration += d
		n := s.Metrics.Completed
		s.Metrics.AvgDuration = (s.Metrics.AvgDuration*time.Duration(n-1) + d) / time.Duration(n)
	} else {
		s.Metrics.Failed++
	}
	m.mu.Unlock()

	if !m.log.IsZero() {
		m.log.Trace("session request completed", logx.String("session", sessionID), logx.String("request", requestID), logx.Bool("success", success))
	}
}

// ReleaseRequest drops a request's in-flight slot without recording an
// outcome. Used when a request dies before dispatch (cancelled while
// queued, or a failed enqueue).
func (m *SessionManager) ReleaseRequest(sessionID string) {
	m.mu.Lock()
	if s, ok := m.sessions[sessionID]; ok {
		s.LastActivity = time.Now()
		if s.ActiveRequests > 0 {
			s.ActiveRequests--
		}
	}
	m.mu.Unlock()
}

func (m *SessionManager) CloseSession(id string) bool {
	m.mu.Lock()
	_, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()
	return ok
}

// CleanupInactiveSessions evicts sessions idle for longer than idleThreshold
// that have no in-flight requests, and returns how many were removed. A
// session with active requests survives regardless of idle duration.
func (m *SessionManager) CleanupInactiveSessions(idleThreshold time.Duration) int {
	cutoff := time.Now().Add(-idleThreshold)
	var evicted []string

	m.mu.Lock()
	for id, s := range m.sessions {
		if s.ActiveRequests != 0 {
			continue
		}
		if s.LastActivity.Before(cutoff) {
			delete(m.sessions, id)
			evicted = append(evicted, id)
		}
	}
	m.mu.Unlock()

	for _, id := range evicted {
		if m.bus != nil {
			m.bus.Publish(eventbus.Event{Type: EventSessionEvicted, Data: SessionEvent{ID: id, Reason: "idle"}})
		}
	}
	if len(evicted) > 0 && !m.log.IsZero() {
		m.log.Debug("idle sessions cleaned up", logx.Int("evicted", len(evicted)))
	}
	return len(evicted)
}

func (m *SessionManager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}
