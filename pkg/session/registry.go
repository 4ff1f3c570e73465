package session

import (
	"sync"

	"github.com/code-100-precent/LingTurn/pkg/events"
	"github.com/code-100-precent/LingTurn/pkg/metrics"
	"github.com/code-100-precent/LingTurn/pkg/voiceerr"
	"go.uber.org/zap"
)

// Registry tracks live sessions and enforces the concurrency cap.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	max      int
	bus      *events.Bus
	logger   *zap.Logger
}

// NewRegistry creates a registry admitting at most max sessions.
func NewRegistry(max int, bus *events.Bus, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	if bus == nil {
		bus = events.NewBus(logger)
	}
	if max <= 0 {
		max = 200
	}
	return &Registry{
		sessions: make(map[string]*Session),
		max:      max,
		bus:      bus,
		logger:   logger,
	}
}

// Add admits a session. At capacity the session is rejected with
// capacity_exceeded and existing sessions are untouched.
func (r *Registry) Add(s *Session) error {
	r.mu.Lock()
	if len(r.sessions) >= r.max {
		r.mu.Unlock()
		metrics.SessionsRejected.Inc()
		r.logger.Warn("session rejected at capacity",
			zap.String("session_id", s.ID), zap.Int("max", r.max))
		return voiceerr.New(voiceerr.KindCapacityExceeded, "session capacity exceeded")
	}
	r.sessions[s.ID] = s
	count := len(r.sessions)
	r.mu.Unlock()

	metrics.ActiveSessions.Inc()
	r.bus.Emit(events.TypeSessionCreated, s.ID, nil)
	r.logger.Info("session registered",
		zap.String("session_id", s.ID), zap.Int("active", count))
	return nil
}

// Remove drops the session from the registry. Closing the session is
// the caller's job; Remove is idempotent.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	_, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	count := len(r.sessions)
	r.mu.Unlock()

	if !ok {
		return
	}
	metrics.ActiveSessions.Dec()
	r.bus.Emit(events.TypeSessionClosed, id, nil)
	r.logger.Info("session removed",
		zap.String("session_id", id), zap.Int("active", count))
}

// Get looks up a live session.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Count reports the number of live sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Snapshot returns stats for every live session.
func (r *Registry) Snapshot() []Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Stats, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s.Stats())
	}
	return out
}

// CloseAll closes and removes every session, for server shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	all := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		all = append(all, s)
	}
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	for _, s := range all {
		s.Close()
		metrics.ActiveSessions.Dec()
		r.bus.Emit(events.TypeSessionClosed, s.ID, nil)
	}
}
