package video

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-process Store for tests and local tooling.
type MemoryStore struct {
	mu     sync.Mutex
	assets map[string]*Asset
	now    func() time.Time

	failWrites int
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		assets: make(map[string]*Asset),
		now:    time.Now,
	}
}

// FailNextWrites makes the next n Mark calls fail.
func (s *MemoryStore) FailNextWrites(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failWrites = n
}

func (s *MemoryStore) Create(ctx context.Context, a *Asset) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if _, exists := s.assets[a.ID]; exists {
		return fmt.Errorf("video %s already exists", a.ID)
	}
	if a.Status == "" {
		a.Status = StatusPending
	}
	now := s.now()
	a.CreatedAt = now
	a.UpdatedAt = now
	s.assets[a.ID] = a.Clone()
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*Asset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.assets[id]
	if !ok {
		return nil, ErrNotFound
	}
	return a.Clone(), nil
}

func (s *MemoryStore) ListByChapter(ctx context.Context, chapterID string) ([]*Asset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Asset
	for _, a := range s.assets {
		if a.ChapterID == chapterID {
			out = append(out, a.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].OrderIndex != out[j].OrderIndex {
			return out[i].OrderIndex < out[j].OrderIndex
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *MemoryStore) MarkProcessing(ctx context.Context, id, jobID string) (bool, error) {
	return s.mutate(id, func(a *Asset, now time.Time) (bool, error) {
		return ApplyProcessing(a, jobID, now)
	})
}

func (s *MemoryStore) MarkReady(ctx context.Context, id, jobID string, meta ReadyMetadata) (bool, error) {
	return s.mutate(id, func(a *Asset, now time.Time) (bool, error) {
		return ApplyReady(a, jobID, meta, now)
	})
}

func (s *MemoryStore) MarkFailed(ctx context.Context, id, jobID, message string) (bool, error) {
	return s.mutate(id, func(a *Asset, now time.Time) (bool, error) {
		return ApplyFailed(a, jobID, message, now)
	})
}

func (s *MemoryStore) mutate(id string, apply func(*Asset, time.Time) (bool, error)) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failWrites > 0 {
		s.failWrites--
		return false, fmt.Errorf("connection refused")
	}

	a, ok := s.assets[id]
	if !ok {
		return false, ErrNotFound
	}

	// Apply to a copy so a rejected transition leaves no partial write.
	next := a.Clone()
	changed, err := apply(next, s.now())
	if err != nil || !changed {
		return false, err
	}
	s.assets[id] = next
	return true, nil
}
