package codestore

import (
	"encoding/json"
	"os"
	"path"
	"path/filepath"
	"sync"
)

type localStore struct {
	dir string // directory holding one JSON document per bundle
	mu  sync.RWMutex
}

// NewLocalStore creates a bundle store persisting to a local directory.
func NewLocalStore(dir string) Store {
	return &localStore{
		dir: filepath.Clean(dir),
	}
}

func (s *localStore) Add(files map[string]string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := json.Marshal(files)
	if err != nil {
		return "", err
	}
	for range [50]struct{}{} {
		id, err := generateID()
		if err != nil {
			return "", err
		}
		f, err := os.OpenFile(path.Join(s.dir, id), os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0644)
		if os.IsExist(err) {
			continue
		}
		if err != nil {
			return "", err
		}
		if _, err := f.Write(raw); err != nil {
			f.Close()
			os.Remove(f.Name())
			return "", err
		}
		if err := f.Close(); err != nil {
			return "", err
		}
		return id, nil
	}
	return "", errUniqueIDNotGenerated
}

func (s *localStore) Get(id string) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	raw, err := os.ReadFile(path.Join(s.dir, filepath.Base(id)))
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var files map[string]string
	if err := json.Unmarshal(raw, &files); err != nil {
		return nil, err
	}
	return files, nil
}

func (s *localStore) Remove(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := path.Join(s.dir, filepath.Base(id))
	if _, err := os.Stat(p); os.IsNotExist(err) {
		return false
	}
	os.Remove(p)
	return true
}

func (s *localStore) List() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	fi, err := os.ReadDir(s.dir)
	if err != nil {
		return nil
	}
	ids := make([]string, 0, len(fi))
	for _, f := range fi {
		ids = append(ids, f.Name())
	}
	return ids
}
