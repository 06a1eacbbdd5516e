package service

import (
	"context"
	"time"

	"go.uber.org/zap"
)

type waitlistedSectionLister interface {
	SectionsWithWaitlist(ctx context.Context) ([]string, error)
}

type sectionPromoter interface {
	PromoteAll(ctx context.Context, sectionID string) (int, error)
}

// WaitlistSweeper periodically walks every section with a non-empty
// waitlist and promotes into any open seats. It backstops the synchronous
// promotion triggers: capacity raised administratively, or a missed trigger.
// Racing the synchronous path is safe because promotion is gated by the
// same atomic capacity check as fresh registration; the loser just sees a
// full section.
type WaitlistSweeper struct {
	store        waitlistedSectionLister
	registration sectionPromoter
	interval     time.Duration
	logger       *zap.Logger
}

// NewWaitlistSweeper constructs the sweeper.
func NewWaitlistSweeper(store waitlistedSectionLister, registration sectionPromoter, interval time.Duration, logger *zap.Logger) *WaitlistSweeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WaitlistSweeper{store: store, registration: registration, interval: interval, logger: logger}
}

// Start boots a goroutine running the sweep on the configured interval
// until the context is cancelled. A non-positive interval disables it.
func (s *WaitlistSweeper) Start(ctx context.Context) {
	if s.interval <= 0 {
		return
	}
	ticker := time.NewTicker(s.interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Sweep(ctx)
			}
		}
	}()
	s.logger.Sugar().Infow("waitlist sweeper started", "interval", s.interval)
}

// Sweep runs one pass over all sections with waitlisted enrollments.
func (s *WaitlistSweeper) Sweep(ctx context.Context) {
	sectionIDs, err := s.store.SectionsWithWaitlist(ctx)
	if err != nil {
		s.logger.Warn("waitlist sweep listing failed", zap.Error(err))
		return
	}
	for _, id := range sectionIDs {
		promoted, err := s.registration.PromoteAll(ctx, id)
		if err != nil {
			s.logger.Warn("waitlist sweep promotion failed", zap.String("section_id", id), zap.Error(err))
			continue
		}
		if promoted > 0 {
			s.logger.Sugar().Infow("waitlist sweep promoted", "section_id", id, "count", promoted)
		}
	}
}
