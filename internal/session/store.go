package session

import (
	"context"
	"sort"
	"sync"

	"github.com/basket/clawmesh/internal/apperr"
)

// Store persists sessions. Implementations return copies; callers never
// share memory with the store.
type Store interface {
	// Put inserts or replaces a session.
	Put(ctx context.Context, s Session) error
	// Get returns a not_found error when id is absent.
	Get(ctx context.Context, id string) (Session, error)
	List(ctx context.Context) ([]Session, error)
	// Delete returns a not_found error when id is absent.
	Delete(ctx context.Context, id string) error
	// Update applies fn to the stored session atomically with respect to
	// other writes and commits only when fn returns true. It returns a
	// not_found error when id no longer exists.
	Update(ctx context.Context, id string, fn func(*Session) bool) (Session, bool, error)
	Close() error
}

// MemoryStore is the default in-process Store.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]Session
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]Session)}
}

func (m *MemoryStore) Put(_ context.Context, s Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = s.Clone()
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return Session{}, NotFound(id)
	}
	return s.Clone(), nil
}

func (m *MemoryStore) List(_ context.Context) ([]Session, error) {
	m.mu.RLock()
	out := make([]Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.Clone())
	}
	m.mu.RUnlock()
	SortNewestFirst(out)
	return out, nil
}

func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[id]; !ok {
		return NotFound(id)
	}
	delete(m.sessions, id)
	return nil
}

func (m *MemoryStore) Update(_ context.Context, id string, fn func(*Session) bool) (Session, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.sessions[id]
	if !ok {
		return Session{}, false, NotFound(id)
	}
	next := cur.Clone()
	if !fn(&next) {
		return cur.Clone(), false, nil
	}
	m.sessions[id] = next.Clone()
	return next, true, nil
}

func (m *MemoryStore) Close() error { return nil }

// NotFound is the error every Store returns for a missing id.
func NotFound(id string) error {
	return apperr.Newf(apperr.CodeNotFound, "session %q not found", id)
}

// SortNewestFirst orders sessions by CreatedAt descending, ties by id.
func SortNewestFirst(sessions []Session) {
	sort.Slice(sessions, func(i, j int) bool {
		a, b := sessions[i], sessions[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}
