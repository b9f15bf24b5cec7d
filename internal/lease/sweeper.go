package lease

import (
	"context"
	"log"
	"time"

	"handoff/internal/domain"
)

// Expirer is the slice of the engine the sweeper needs: find tasks whose
// lease has lapsed and run the expiry transition on each.
type Expirer interface {
	ExpiredLeases(ctx context.Context, now time.Time) ([]domain.Task, error)
	ExpireLease(ctx context.Context, id string) error
}

// Sweeper periodically returns tasks with lapsed leases to pending. It reads
// the live lease field each cycle, so a worker that re-claims or completes a
// task between ticks is never touched.
type Sweeper struct {
	Expirer  Expirer
	Interval time.Duration
	Now      func() time.Time
}

func (s Sweeper) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Run sweeps until ctx is cancelled.
func (s Sweeper) Run(ctx context.Context) {
	interval := s.Interval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs a single expiry pass. Failures on one task never block the
// rest: a lost race with a live claimant is the expected outcome.
func (s Sweeper) Sweep(ctx context.Context) {
	expired, err := s.Expirer.ExpiredLeases(ctx, s.now())
	if err != nil {
		log.Printf("sweep: list expired leases failed: %v", err)
		return
	}
	for _, t := range expired {
		if err := s.Expirer.ExpireLease(ctx, t.ID); err != nil {
			log.Printf("sweep: expire lease for %s failed: %v", t.ID, err)
		}
	}
}
