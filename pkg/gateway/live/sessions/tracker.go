// Package sessions tracks live connections for graceful shutdown and for
// per-user room delivery.
package sessions

import (
	"context"
	"sync"
	"sync/atomic"
)

type Handle struct {
	UserID int64
	Cancel func()
	Warn   func(code, message string) error
	// Push delivers a server event without blocking.
	Push func(v any) error
}

type Tracker struct {
	mu       sync.Mutex
	sessions map[string]*trackedSession
	rooms    map[int64]map[string]*trackedSession
	wg       sync.WaitGroup
	draining atomic.Bool
}

type trackedSession struct {
	handle Handle
	once   sync.Once
}

func NewTracker() *Tracker {
	return &Tracker{
		sessions: make(map[string]*trackedSession),
		rooms:    make(map[int64]map[string]*trackedSession),
	}
}

func (t *Tracker) Register(sessionID string, h Handle) (unregister func()) {
	if t == nil {
		return func() {}
	}

	entry := &trackedSession{handle: h}

	t.mu.Lock()
	if t.sessions == nil {
		t.sessions = make(map[string]*trackedSession)
	}
	old := t.sessions[sessionID]
	t.sessions[sessionID] = entry
	t.wg.Add(1)
	t.mu.Unlock()

	if old != nil {
		t.unregister(sessionID, old)
	}

	return func() { t.unregister(sessionID, entry) }
}

func (t *Tracker) unregister(sessionID string, entry *trackedSession) {
	if t == nil || entry == nil {
		return
	}
	entry.once.Do(func() {
		t.mu.Lock()
		if t.sessions != nil && t.sessions[sessionID] == entry {
			delete(t.sessions, sessionID)
		}
		if room := t.rooms[entry.handle.UserID]; room != nil && room[sessionID] == entry {
			delete(room, sessionID)
			if len(room) == 0 {
				delete(t.rooms, entry.handle.UserID)
			}
		}
		t.mu.Unlock()
		t.wg.Done()
	})
}

func (t *Tracker) Count() int {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}

// Join adds a registered session to its user's room. It reports false for an
// unknown session.
func (t *Tracker) Join(sessionID string) bool {
	if t == nil {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	entry := t.sessions[sessionID]
	if entry == nil {
		return false
	}
	if t.rooms == nil {
		t.rooms = make(map[int64]map[string]*trackedSession)
	}
	room := t.rooms[entry.handle.UserID]
	if room == nil {
		room = make(map[string]*trackedSession)
		t.rooms[entry.handle.UserID] = room
	}
	room[sessionID] = entry
	return true
}

// Broadcast pushes v to every session in userID's room except exceptID and
// returns how many pushes succeeded.
func (t *Tracker) Broadcast(userID int64, exceptID string, v any) (sent int) {
	if t == nil {
		return 0
	}

	var pushes []func(v any) error
	t.mu.Lock()
	for id, entry := range t.rooms[userID] {
		if id == exceptID || entry.handle.Push == nil {
			continue
		}
		pushes = append(pushes, entry.handle.Push)
	}
	t.mu.Unlock()

	for _, push := range pushes {
		if push(v) == nil {
			sent++
		}
	}
	return sent
}

func (t *Tracker) WarnAll(code, message string) (sent int) {
	if t == nil {
		return 0
	}

	var warns []func(code, message string) error
	t.mu.Lock()
	for _, entry := range t.sessions {
		if entry == nil || entry.handle.Warn == nil {
			continue
		}
		warns = append(warns, entry.handle.Warn)
	}
	t.mu.Unlock()

	for _, warn := range warns {
		_ = warn(code, message)
		sent++
	}
	return sent
}

func (t *Tracker) CancelAll() (canceled int) {
	if t == nil {
		return 0
	}

	var cancels []func()
	t.mu.Lock()
	for _, entry := range t.sessions {
		if entry == nil || entry.handle.Cancel == nil {
			continue
		}
		cancels = append(cancels, entry.handle.Cancel)
	}
	t.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
		canceled++
	}
	return canceled
}

// SetDraining marks the process as shutting down. New connections are
// refused and readiness fails while draining.
func (t *Tracker) SetDraining(draining bool) {
	if t == nil {
		return
	}
	t.draining.Store(draining)
}

func (t *Tracker) Draining() bool {
	if t == nil {
		return false
	}
	return t.draining.Load()
}

func (t *Tracker) Wait(ctx context.Context) bool {
	if t == nil {
		return true
	}
	if ctx == nil {
		t.wg.Wait()
		return true
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		t.wg.Wait()
	}()

	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}
