package quota

import (
	"context"
	"sync"
	"time"
)

type window struct {
	count   int
	resetAt time.Time
}

// MemoryStore is a single-process Store for development and tests.
type MemoryStore struct {
	mu      sync.Mutex
	windows map[string]*window
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		windows: make(map[string]*window),
		now:     time.Now,
	}
}

func (s *MemoryStore) current(userID string, win time.Duration) *window {
	now := s.now()
	w, ok := s.windows[userID]
	if !ok || !now.Before(w.resetAt) {
		w = &window{resetAt: now.Add(win)}
		s.windows[userID] = w
	}
	return w
}

func (s *MemoryStore) Reserve(ctx context.Context, userID string, limit int, win time.Duration) (*Decision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w := s.current(userID, win)
	if w.count >= limit {
		return &Decision{Used: w.count, Limit: limit, ResetAt: w.resetAt}, nil
	}

	w.count++
	return &Decision{
		Allowed:     true,
		Reservation: &Reservation{UserID: userID, Count: w.count, ResetAt: w.resetAt},
		Used:        w.count,
		Limit:       limit,
		ResetAt:     w.resetAt,
	}, nil
}

// Commit keeps the slot taken by Reserve.
func (s *MemoryStore) Commit(ctx context.Context, r *Reservation) error {
	return nil
}

func (s *MemoryStore) Release(ctx context.Context, r *Reservation) error {
	if r == nil {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.windows[r.UserID]
	if !ok || !w.resetAt.Equal(r.ResetAt) {
		return nil
	}
	if w.count > 0 {
		w.count--
	}
	return nil
}

func (s *MemoryStore) Status(ctx context.Context, userID string, limit int, win time.Duration) (*Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w := s.current(userID, win)
	return &Status{Used: w.count, Limit: limit, ResetAt: w.resetAt}, nil
}
