// Package memory provides an in-memory storage.RunStore for tests and
// single-process deployments. Runs are lost when the process restarts.
// Optional LRU eviction limits memory usage.
package memory

import (
	"container/list"
	"context"
	"sync"

	"github.com/rhuss/autoscript/pkg/api"
	"github.com/rhuss/autoscript/pkg/storage"
)

// entry holds a stored run and its metadata.
type entry struct {
	run      *api.Run
	tenantID string
	lruElem  *list.Element // position in LRU list
}

// Store is an in-memory RunStore with optional LRU eviction.
type Store struct {
	mu      sync.Mutex
	entries map[string]*entry
	lruList *list.List // front = most recently used, back = least recently used
	maxSize int        // 0 = unlimited
}

var _ storage.RunStore = (*Store)(nil)

// New creates a new in-memory store. If maxSize is 0, the store grows
// without limit. If maxSize > 0, the least recently used run is evicted
// when the limit is reached.
func New(maxSize int) *Store {
	return &Store{
		entries: make(map[string]*entry),
		lruList: list.New(),
		maxSize: maxSize,
	}
}

// SaveRun stores a copy of run.
func (s *Store) SaveRun(ctx context.Context, run *api.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[run.ID]; exists {
		return storage.ErrConflict
	}

	if s.maxSize > 0 && len(s.entries) >= s.maxSize {
		s.evictOldest()
	}

	elem := s.lruList.PushFront(run.ID)
	s.entries[run.ID] = &entry{
		run:      storage.CloneRun(run),
		tenantID: storage.GetTenant(ctx),
		lruElem:  elem,
	}
	return nil
}

// UpdateRun replaces the stored copy of run.
func (s *Store) UpdateRun(ctx context.Context, run *api.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.lookup(ctx, run.ID)
	if err != nil {
		return err
	}
	if err := storage.CheckTransition(e.run.Status, run.Status); err != nil {
		return err
	}

	e.run = storage.CloneRun(run)
	s.lruList.MoveToFront(e.lruElem)
	return nil
}

// GetRun returns a copy of the run with the given ID.
func (s *Store) GetRun(ctx context.Context, id string) (*api.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	s.lruList.MoveToFront(e.lruElem)
	return storage.CloneRun(e.run), nil
}

// ListRuns returns a page of the tenant's runs.
func (s *Store) ListRuns(ctx context.Context, opts storage.ListOptions) (*api.RunList, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tenantID := storage.GetTenant(ctx)

	var matches []*api.Run
	for _, e := range s.entries {
		if tenantID != "" && e.tenantID != tenantID {
			continue
		}
		if opts.Status != "" && e.run.Status != opts.Status {
			continue
		}
		matches = append(matches, storage.CloneRun(e.run))
	}
	return storage.Paginate(matches, opts), nil
}

// DeleteRun removes a run.
func (s *Store) DeleteRun(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.lookup(ctx, id)
	if err != nil {
		return err
	}
	s.lruList.Remove(e.lruElem)
	delete(s.entries, id)
	return nil
}

// HealthCheck always returns nil for the in-memory store.
func (s *Store) HealthCheck(_ context.Context) error {
	return nil
}

// Close is a no-op for the in-memory store.
func (s *Store) Close() error {
	return nil
}

// Len returns the number of stored runs.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// lookup finds the entry for id within the tenant of ctx.
// Must be called with s.mu held.
func (s *Store) lookup(ctx context.Context, id string) (*entry, error) {
	e, ok := s.entries[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	if tenantID := storage.GetTenant(ctx); tenantID != "" && e.tenantID != tenantID {
		return nil, storage.ErrNotFound
	}
	return e, nil
}

// evictOldest removes the least recently used entry.
// Must be called with s.mu held.
func (s *Store) evictOldest() {
	back := s.lruList.Back()
	if back == nil {
		return
	}

	id := back.Value.(string)
	s.lruList.Remove(back)
	delete(s.entries, id)
}
