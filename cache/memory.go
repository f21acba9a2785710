package cache

import (
	"context"
	"sort"
	"sync"
)

// MemoryStorage keeps every generation in process memory
type MemoryStorage struct {
	mu     sync.RWMutex
	stores map[string]*memoryStore
	order  []string
}

// NewMemoryStorage creates an empty in-memory storage
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{stores: make(map[string]*memoryStore)}
}

type memoryStore struct {
	name    string
	mu      sync.RWMutex
	entries map[string]*Entry
}

// Open implements Storage
func (m *MemoryStorage) Open(_ context.Context, name string) (Store, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.stores[name]; ok {
		return s, nil
	}
	s := &memoryStore{name: name, entries: make(map[string]*Entry)}
	m.stores[name] = s
	m.order = append(m.order, name)
	return s, nil
}

// Lookup implements Storage
func (m *MemoryStorage) Lookup(_ context.Context, name string) (Store, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.stores[name]
	if !ok {
		return nil, ErrNotFound
	}
	return s, nil
}

// Delete implements Storage
func (m *MemoryStorage) Delete(_ context.Context, name string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.stores[name]; !ok {
		return false, nil
	}
	delete(m.stores, name)
	for i, n := range m.order {
		if n == name {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	return true, nil
}

// Names implements Storage
func (m *MemoryStorage) Names(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, len(m.order))
	copy(out, m.order)
	return out, nil
}

func (s *memoryStore) Name() string { return s.name }

func (s *memoryStore) Get(_ context.Context, key string) (*Entry, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[key]
	if !ok {
		return nil, false, nil
	}
	return copyEntry(e), true, nil
}

func (s *memoryStore) Put(_ context.Context, key string, entry *Entry) error {
	c := copyEntry(entry)
	c.Key = key
	s.mu.Lock()
	s.entries[key] = c
	s.mu.Unlock()
	return nil
}

func (s *memoryStore) Keys(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.entries))
	for k := range s.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

// copyEntry keeps callers from mutating stored snapshots
func copyEntry(e *Entry) *Entry {
	c := *e
	c.Header = e.Header.Clone()
	c.Body = append([]byte(nil), e.Body...)
	return &c
}
