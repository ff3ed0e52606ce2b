package jobs

import (
	"context"
	"errors"
	"sync"
)

// ErrNotFound is returned when no terminal status is cached for a job.
var ErrNotFound = errors.New("job status not found")

// StatusStore caches terminal job statuses so callers can look a job up
// after it has left the registry.
type StatusStore interface {
	Put(ctx context.Context, job Job) error
	Get(ctx context.Context, queryID string) (*Job, error)
}

// DefaultStatusCapacity bounds a MemoryStatusStore created with capacity <= 0.
const DefaultStatusCapacity = 1024

// MemoryStatusStore keeps the most recent terminal statuses in memory,
// evicting the oldest once full.
type MemoryStatusStore struct {
	mu       sync.RWMutex
	capacity int
	jobs     map[string]Job
	order    []string
}

// NewMemoryStatusStore creates a bounded in-memory store.
func NewMemoryStatusStore(capacity int) *MemoryStatusStore {
	if capacity <= 0 {
		capacity = DefaultStatusCapacity
	}
	return &MemoryStatusStore{
		capacity: capacity,
		jobs:     make(map[string]Job),
	}
}

func (s *MemoryStatusStore) Put(_ context.Context, job Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[job.QueryID]; !exists {
		s.order = append(s.order, job.QueryID)
	}
	s.jobs[job.QueryID] = job

	for len(s.order) > s.capacity {
		oldest := s.order[0]
		s.order = s.order[1:]
		delete(s.jobs, oldest)
	}
	return nil
}

func (s *MemoryStatusStore) Get(_ context.Context, queryID string) (*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	j, ok := s.jobs[queryID]
	if !ok {
		return nil, ErrNotFound
	}
	return &j, nil
}

// Len returns the number of cached statuses.
func (s *MemoryStatusStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.jobs)
}
