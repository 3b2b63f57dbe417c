package session

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

type memEntry struct {
	data    []byte
	expires time.Time
}

// MemoryStore: сессии в памяти процесса. Значения хранятся сериализованными,
// чтобы запросы не делили одну и ту же карту прогресса.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memEntry
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: map[string]memEntry{}, now: time.Now}
}

func (m *MemoryStore) Load(_ context.Context, token string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[token]
	if !ok {
		return nil, ErrNoSession
	}
	if !e.expires.IsZero() && !m.now().Before(e.expires) {
		delete(m.entries, token)
		return nil, ErrNoSession
	}
	var r record
	if err := json.Unmarshal(e.data, &r); err != nil {
		delete(m.entries, token)
		return nil, ErrNoSession
	}
	return fromRecord(token, r), nil
}

func (m *MemoryStore) Save(_ context.Context, s *Session, ttl time.Duration) error {
	data, err := json.Marshal(s.toRecord())
	if err != nil {
		return err
	}
	e := memEntry{data: data}
	if ttl > 0 {
		e.expires = m.now().Add(ttl)
	}
	m.mu.Lock()
	m.entries[s.Token] = e
	m.mu.Unlock()
	s.dirty = false
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, token string) error {
	m.mu.Lock()
	delete(m.entries, token)
	m.mu.Unlock()
	return nil
}

// Sweep удаляет истёкшие сессии; вызывается периодической задачей.
func (m *MemoryStore) Sweep(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	for k, e := range m.entries {
		if !e.expires.IsZero() && !now.Before(e.expires) {
			delete(m.entries, k)
		}
	}
	return nil
}

func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
