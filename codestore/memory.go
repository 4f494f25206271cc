package codestore

import (
	"maps"
	"sync"
)

type memoryStore struct {
	store map[string]map[string]string
	mu    sync.RWMutex
}

// NewMemoryStore creates a new in-memory bundle store.
func NewMemoryStore() Store {
	return &memoryStore{
		store: make(map[string]map[string]string),
	}
}

func (s *memoryStore) Add(files map[string]string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		id  string
		err error
	)
	// generate until unique id (try maximum 50 times)
	for i := 0; i < 50; i++ {
		id, err = generateID()
		if err != nil {
			return "", err
		}
		if _, ok := s.store[id]; !ok {
			break
		}
	}
	if err != nil {
		return "", err
	}

	s.store[id] = maps.Clone(files)
	return id, nil
}

func (s *memoryStore) Get(id string) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	files, ok := s.store[id]
	if !ok {
		return nil, ErrNotFound
	}
	return maps.Clone(files), nil
}

func (s *memoryStore) Remove(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.store[id]
	delete(s.store, id)
	return ok
}

func (s *memoryStore) List() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b := make([]string, 0, len(s.store))
	for id := range s.store {
		b = append(b, id)
	}
	return b
}
