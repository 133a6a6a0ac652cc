package storage

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"botflow/internal/core"
)

// sessionKey namespaces a session by bot. Both parts are query-escaped so ':' inside
// an id cannot collide with the separator.
func sessionKey(botID, sessionID string) string {
	return fmt.Sprintf("session:%s:%s", url.QueryEscape(botID), url.QueryEscape(sessionID))
}

type memoryEntry struct {
	session   *core.Session
	expiresAt time.Time
}

// keyLock is a one-slot semaphore; refs counts holders and waiters so idle locks can be dropped
type keyLock struct {
	ch   chan struct{}
	refs int
}

// MemorySessionStore is an in-process session store for development and tests.
// Turns of one session are serialized by a per-key semaphore.
type MemorySessionStore struct {
	mu       sync.Mutex
	sessions map[string]memoryEntry
	locks    map[string]*keyLock
	ttl      time.Duration
	now      func() time.Time
}

// NewMemorySessionStore creates a new in-memory session store. A zero ttl never expires sessions.
func NewMemorySessionStore(ttl time.Duration) *MemorySessionStore {
	return &MemorySessionStore{
		sessions: make(map[string]memoryEntry),
		locks:    make(map[string]*keyLock),
		ttl:      ttl,
		now:      time.Now,
	}
}

// Acquire blocks until the caller owns the session or ctx is done
func (m *MemorySessionStore) Acquire(ctx context.Context, botID, sessionID string) (*core.Session, func(), error) {
	key := sessionKey(botID, sessionID)

	m.mu.Lock()
	l, ok := m.locks[key]
	if !ok {
		l = &keyLock{ch: make(chan struct{}, 1)}
		m.locks[key] = l
	}
	l.refs++
	m.mu.Unlock()

	select {
	case l.ch <- struct{}{}:
	case <-ctx.Done():
		m.unref(key, l)
		return nil, nil, ctx.Err()
	}

	var once sync.Once
	release := func() {
		once.Do(func() {
			<-l.ch
			m.unref(key, l)
		})
	}

	session, err := m.Get(ctx, botID, sessionID)
	if err != nil {
		session = core.NewSession(botID, sessionID)
	}
	return session, release, nil
}

// Commit stores a copy of the session
func (m *MemorySessionStore) Commit(ctx context.Context, session *core.Session) error {
	if session == nil || session.SessionID == "" || session.BotID == "" {
		return fmt.Errorf("%w: session must have bot and session ids", core.ErrSessionStoreUnavailable)
	}

	entry := memoryEntry{session: session.Clone()}
	if m.ttl > 0 {
		entry.expiresAt = m.now().Add(m.ttl)
	}

	m.mu.Lock()
	m.sessions[sessionKey(session.BotID, session.SessionID)] = entry
	m.mu.Unlock()
	return nil
}

// Get returns a copy of the committed session
func (m *MemorySessionStore) Get(ctx context.Context, botID, sessionID string) (*core.Session, error) {
	key := sessionKey(botID, sessionID)

	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.sessions[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", core.ErrSessionNotFound, sessionID)
	}
	if !entry.expiresAt.IsZero() && m.now().After(entry.expiresAt) {
		delete(m.sessions, key)
		return nil, fmt.Errorf("%w: %s expired", core.ErrSessionNotFound, sessionID)
	}
	return entry.session.Clone(), nil
}

// Delete removes a session
func (m *MemorySessionStore) Delete(ctx context.Context, botID, sessionID string) error {
	m.mu.Lock()
	delete(m.sessions, sessionKey(botID, sessionID))
	m.mu.Unlock()
	return nil
}

func (m *MemorySessionStore) unref(key string, l *keyLock) {
	m.mu.Lock()
	l.refs--
	if l.refs == 0 {
		delete(m.locks, key)
	}
	m.mu.Unlock()
}
