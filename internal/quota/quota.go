// Package quota tracks per-user daily validation counts.
//
// A validation takes its slot with Reserve before any provider is called. The
// slot is kept with Commit once the work is done, or handed back with Release
// when the request fails as a whole. Reserve is a single atomic
// increment-if-under-limit, so concurrent requests from one user cannot both
// pass a check and overrun the limit.
package quota

import (
	"context"
	"time"
)

type Decision struct {
	Allowed     bool
	Reservation *Reservation
	Used        int
	Limit       int
	ResetAt     time.Time
}

// Reservation identifies one taken slot. Window names the counting window the
// slot belongs to in stores that track it by id.
type Reservation struct {
	UserID  string
	Count   int
	ResetAt time.Time
	Window  string
}

type Status struct {
	Used    int       `json:"used"`
	Limit   int       `json:"limit"`
	ResetAt time.Time `json:"resetAt"`
}

func (s Status) Remaining() int {
	if s.Used >= s.Limit {
		return 0
	}
	return s.Limit - s.Used
}

type Store interface {
	Reserve(ctx context.Context, userID string, limit int, window time.Duration) (*Decision, error)
	Commit(ctx context.Context, r *Reservation) error
	Release(ctx context.Context, r *Reservation) error
	Status(ctx context.Context, userID string, limit int, window time.Duration) (*Status, error)
}

type Limits struct {
	Free    int
	Premium int
	Window  time.Duration
}

func (l Limits) For(isPremium bool) int {
	if isPremium {
		return l.Premium
	}
	return l.Free
}
