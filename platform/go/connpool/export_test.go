package connpool

import "time"

// SetClock replaces the manager's time source.
func (m *Manager) SetClock(now func() time.Time) { m.now = now }

// DetachActive closes the session's active handle without releasing the session.
func (s *Session) DetachActive() {
	s.mu.Lock()
	e := s.active
	s.mu.Unlock()
	if e == nil {
		return
	}
	s.m.mu.Lock()
	db := e.db
	e.db = nil
	s.m.mu.Unlock()
	if db != nil {
		db.Close()
	}
}
