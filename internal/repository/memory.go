package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/iliyamo/showtime-booking/internal/model"
)

// MemoryStore keeps bookings in process memory.  It satisfies the same
// contract as BookingRepo, including the conditional UpdateStatus, and hands
// out deep copies so callers never share state with the store.
type MemoryStore struct {
	mu       sync.RWMutex
	bookings map[string]*model.Booking
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{bookings: make(map[string]*model.Booking)}
}

func (s *MemoryStore) Save(ctx context.Context, b *model.Booking) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.bookings[b.ID]; ok {
		return ErrConflict
	}
	s.bookings[b.ID] = b.Clone()
	return nil
}

func (s *MemoryStore) Load(ctx context.Context, id string) (*model.Booking, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.bookings[id]
	if !ok {
		return nil, ErrNotFound
	}
	return b.Clone(), nil
}

func (s *MemoryStore) UpdateStatus(ctx context.Context, id string, from, to model.Status, deadline *time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bookings[id]
	if !ok {
		return ErrNotFound
	}
	if b.Status != from {
		return ErrStale
	}
	b.Status = to
	b.HoldDeadline = nil
	if deadline != nil {
		d := deadline.UTC()
		b.HoldDeadline = &d
	}
	return nil
}

func (s *MemoryStore) QueryByScope(ctx context.Context, scope model.Scope, statuses []model.Status) ([]model.Booking, error) {
	sc := scope.Normalized()
	return s.Find(ctx, BookingFilter{
		ShowtimeID: sc.ShowtimeID,
		CinemaID:   sc.CinemaID,
		SalaID:     sc.SalaID,
		Statuses:   statuses,
	})
}

func (s *MemoryStore) Find(ctx context.Context, f BookingFilter) ([]model.Booking, error) {
	return s.collect(ctx, func(b *model.Booking) bool { return matches(b, f) }, func(a, b *model.Booking) bool {
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	}, 0)
}

func (s *MemoryStore) DueHolds(ctx context.Context, before time.Time, limit int) ([]model.Booking, error) {
	return s.collect(ctx, func(b *model.Booking) bool {
		return b.Status == model.StatusHold && b.HoldDeadline != nil && !b.HoldDeadline.After(before)
	}, func(a, b *model.Booking) bool {
		return a.HoldDeadline.Before(*b.HoldDeadline)
	}, limit)
}

func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.bookings[id]; !ok {
		return ErrNotFound
	}
	delete(s.bookings, id)
	return nil
}

func (s *MemoryStore) collect(ctx context.Context, keep func(*model.Booking) bool, less func(a, b *model.Booking) bool, limit int) ([]model.Booking, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	picked := make([]*model.Booking, 0)
	for _, b := range s.bookings {
		if keep(b) {
			picked = append(picked, b.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(picked, func(i, j int) bool { return less(picked[i], picked[j]) })
	if limit > 0 && len(picked) > limit {
		picked = picked[:limit]
	}
	out := make([]model.Booking, 0, len(picked))
	for _, b := range picked {
		out = append(out, *b)
	}
	return out, nil
}

func matches(b *model.Booking, f BookingFilter) bool {
	if f.UserID != "" && b.User.ID != f.UserID {
		return false
	}
	if f.ShowtimeID != "" && b.ShowtimeID != f.ShowtimeID {
		return false
	}
	if f.CinemaID != "" && b.CinemaID != f.CinemaID {
		return false
	}
	if f.SalaID != "" && b.SalaID != f.SalaID {
		return false
	}
	if len(f.Statuses) == 0 {
		return true
	}
	for _, st := range f.Statuses {
		if b.Status == st {
			return true
		}
	}
	return false
}
