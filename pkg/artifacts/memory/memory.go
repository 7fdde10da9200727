// Package memory provides a process-local artifacts.Store.
package memory

import (
	"context"
	"sync"

	"github.com/rhuss/autoscript/pkg/artifacts"
)

// Store keeps artifacts in a map.
type Store struct {
	mu      sync.RWMutex
	objects map[string]artifacts.Object
}

var _ artifacts.Store = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{objects: make(map[string]artifacts.Object)}
}

// Put stores a copy of obj under key, replacing any previous object.
func (s *Store) Put(_ context.Context, key string, obj artifacts.Object) error {
	obj.Data = append([]byte(nil), obj.Data...)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = obj
	return nil
}

// Get returns a copy of the object under key.
func (s *Store) Get(_ context.Context, key string) (*artifacts.Object, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	obj, ok := s.objects[key]
	if !ok {
		return nil, artifacts.ErrNotFound
	}
	obj.Data = append([]byte(nil), obj.Data...)
	return &obj, nil
}

// Delete removes the object under key. Unknown keys are not an error.
func (s *Store) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, key)
	return nil
}
