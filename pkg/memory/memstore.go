package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemStore is an in-process Storage. Reads return copies, so callers never
// share slices or maps with the store.
type MemStore struct {
	mu       sync.RWMutex
	memories map[string]Memory
	access   map[string]time.Time
	closed   bool
}

// NewMemStore returns an empty in-process store.
func NewMemStore() *MemStore {
	return &MemStore{
		memories: make(map[string]Memory),
		access:   make(map[string]time.Time),
	}
}

func (s *MemStore) GetAllMemories(ctx context.Context) ([]Memory, error) {
	return s.filter(func(Memory) bool { return true })
}

func (s *MemStore) GetMemoriesByTimeRange(ctx context.Context, start, end time.Time) ([]Memory, error) {
	return s.filter(func(m Memory) bool {
		return !m.CreatedAt.Before(start) && !m.CreatedAt.After(end)
	})
}

func (s *MemStore) StoreMemory(ctx context.Context, m Memory) error {
	if strings.TrimSpace(m.Content) == "" {
		return ErrEmptyContent
	}
	if m.ContentHash == "" {
		m.ContentHash = ContentHash(m.Content)
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	if m.UpdatedAt.IsZero() {
		m.UpdatedAt = m.CreatedAt
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	if _, ok := s.memories[m.ContentHash]; ok {
		return ErrDuplicate
	}
	s.memories[m.ContentHash] = m.Clone()
	return nil
}

func (s *MemStore) UpdateMemory(ctx context.Context, m Memory) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	old, ok := s.memories[m.ContentHash]
	if !ok {
		return ErrNotFound
	}
	c := m.Clone()
	c.CreatedAt = old.CreatedAt
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = time.Now()
	}
	s.memories[m.ContentHash] = c
	return nil
}

func (s *MemStore) DeleteMemory(ctx context.Context, hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	if _, ok := s.memories[hash]; !ok {
		return ErrNotFound
	}
	delete(s.memories, hash)
	delete(s.access, hash)
	return nil
}

func (s *MemStore) GetMemoryConnections(ctx context.Context) (map[string]int, error) {
	all, err := s.GetAllMemories(ctx)
	if err != nil {
		return nil, err
	}
	return ConnectionCounts(all), nil
}

func (s *MemStore) GetAccessPatterns(ctx context.Context) (map[string]time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	out := make(map[string]time.Time, len(s.access))
	for k, v := range s.access {
		out[k] = v
	}
	return out, nil
}

// Touch records an access for each known hash at the current time.
func (s *MemStore) Touch(ctx context.Context, hashes ...string) error {
	return s.TouchAt(time.Now(), hashes...)
}

// TouchAt records an access at a given time. Unknown hashes are ignored.
func (s *MemStore) TouchAt(at time.Time, hashes ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	for _, h := range hashes {
		if _, ok := s.memories[h]; ok {
			s.access[h] = at
		}
	}
	return nil
}

// Count returns the number of stored memories.
func (s *MemStore) Count(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.memories), nil
}

// Close marks the store closed; later calls return ErrStoreClosed.
func (s *MemStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *MemStore) filter(keep func(Memory) bool) ([]Memory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	out := make([]Memory, 0, len(s.memories))
	for _, m := range s.memories {
		if keep(m) {
			out = append(out, m.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ContentHash < out[j].ContentHash
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}
