// Package sessionmgr is the directory of Sessions keyed by SessionId:
// creation, lookup, administrative close, a redacted snapshot for
// /admin/sessions, and a background TTL sweep.
package sessionmgr

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ikermy/rendezvous-proxy/internal/envelope"
	"github.com/ikermy/rendezvous-proxy/internal/obslog"
	"github.com/ikermy/rendezvous-proxy/internal/session"
)

// Snapshot is the redacted per-session view exposed to /admin/sessions —
// never the live utterance content — built from copy-out accessors instead
// of handing back the live map.
type Snapshot struct {
	ID           string  `json:"id"`
	State        string  `json:"state"`
	SideAPresent bool    `json:"side_a_present"`
	SideBPresent bool    `json:"side_b_present"`
	Age          float64 `json:"age_seconds"`
	IdleFor      float64 `json:"idle_for_seconds"`
}

// Options configures admission control, TTL, and sweep cadence.
type Options struct {
	MaxSessions     int
	SessionTTL      time.Duration
	CleanupInterval time.Duration
	EvictWhenFull   bool
}

// Manager is the directory of live sessions.
type Manager struct {
	opts Options

	mu       sync.Mutex
	sessions map[string]*session.Session

	stopSweep chan struct{}
	sweepWG   sync.WaitGroup

	created atomic.Int64
	closed  atomic.Int64
	evicted atomic.Int64
}

// New builds a Manager and starts its background sweep loop.
func New(opts Options) *Manager {
	m := &Manager{
		opts:      opts,
		sessions:  make(map[string]*session.Session),
		stopSweep: make(chan struct{}),
	}
	m.sweepWG.Add(1)
	go m.sweepLoop()
	return m
}

// GetOrCreate returns the Session for id, creating it if absent and within
// quota. Atomic with respect to Side-A assignment: two concurrent
// first-arrivers for the same id observe the same *Session object.
func (m *Manager) GetOrCreate(id string) (*session.Session, *envelope.Error) {
	m.mu.Lock()
	if s, ok := m.sessions[id]; ok {
		// A session closed in place (handshake timeout) counts as absent:
		// the next request bearing this id starts a fresh handshake.
		if !s.IsClosed() {
			m.mu.Unlock()
			return s, nil
		}
		delete(m.sessions, id)
	}

	if len(m.sessions) >= m.opts.MaxSessions {
		victim := m.evictionCandidateLocked()
		if victim == nil {
			m.mu.Unlock()
			return nil, envelope.New(envelope.KindOverloaded, "max_sessions", "session directory is at capacity (%d)", m.opts.MaxSessions)
		}
		delete(m.sessions, victim.ID)
		m.mu.Unlock()
		victim.Close(envelope.KindSessionGone)
		m.evicted.Add(1)
		obslog.Warn("evicted session %s to admit %s", victim.ID, id)
		m.mu.Lock()

		// Eviction dropped the lock; a concurrent first-arriver for the
		// same id may have created it in the meantime.
		if s, ok := m.sessions[id]; ok {
			m.mu.Unlock()
			return s, nil
		}
	}

	s := session.New(id)
	m.sessions[id] = s
	m.mu.Unlock()
	m.created.Add(1)
	return s, nil
}

// evictionCandidateLocked returns the session with the largest idle_for, or
// nil if eviction is disabled or the directory is empty. Must be called
// with m.mu held.
func (m *Manager) evictionCandidateLocked() *session.Session {
	if !m.opts.EvictWhenFull {
		return nil
	}
	var oldest *session.Session
	var oldestIdle time.Duration
	for _, s := range m.sessions {
		idle := s.IdleFor()
		if oldest == nil || idle > oldestIdle {
			oldest = s
			oldestIdle = idle
		}
	}
	return oldest
}

// Get returns the session for id, or nil if it doesn't exist.
func (m *Manager) Get(id string) *session.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[id]
}

// Close administratively closes and removes the session for id.
func (m *Manager) Close(id string, reason envelope.ErrorKind) bool {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()
	if !ok {
		return false
	}
	s.Close(reason)
	m.closed.Add(1)
	return true
}

// SnapshotAll returns the redacted directory listing for /admin/sessions.
func (m *Manager) SnapshotAll() []Snapshot {
	m.mu.Lock()
	ids := make([]*session.Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		ids = append(ids, s)
	}
	m.mu.Unlock()

	out := make([]Snapshot, 0, len(ids))
	for _, s := range ids {
		a, b := s.SidesPresent()
		out = append(out, Snapshot{
			ID:           s.ID,
			State:        s.State().String(),
			SideAPresent: a,
			SideBPresent: b,
			Age:          time.Since(s.CreatedAt()).Seconds(),
			IdleFor:      s.IdleFor().Seconds(),
		})
	}
	return out
}

// Stats returns the process counters backing /metrics.
func (m *Manager) Stats() (created, closedCount, evictedCount int64, active int) {
	m.mu.Lock()
	active = len(m.sessions)
	m.mu.Unlock()
	return m.created.Load(), m.closed.Load(), m.evicted.Load(), active
}

// sweepLoop runs on CleanupInterval, closing any session idle for at least
// SessionTTL. It never holds the directory mutex while closing a session,
// since Close can wake goroutines suspended in Exchange.
func (m *Manager) sweepLoop() {
	defer m.sweepWG.Done()
	ticker := time.NewTicker(m.opts.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.sweepOnce()
		case <-m.stopSweep:
			return
		}
	}
}

func (m *Manager) sweepOnce() {
	var expired []*session.Session

	m.mu.Lock()
	for id, s := range m.sessions {
		if s.IsClosed() {
			delete(m.sessions, id)
			continue
		}
		if s.IsIdleFor(m.opts.SessionTTL) {
			expired = append(expired, s)
			delete(m.sessions, id)
		}
	}
	m.mu.Unlock()

	for _, s := range expired {
		s.Close(envelope.KindTimeout)
		m.closed.Add(1)
		obslog.Info("swept idle session %s (ttl %s)", s.ID, m.opts.SessionTTL)
	}
}

// Shutdown stops the sweep loop and closes every live session with
// session_gone.
func (m *Manager) Shutdown(_ context.Context) {
	close(m.stopSweep)
	m.sweepWG.Wait()

	m.mu.Lock()
	all := make([]*session.Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.sessions = make(map[string]*session.Session)
	m.mu.Unlock()

	for _, s := range all {
		s.Close(envelope.KindSessionGone)
	}
}
